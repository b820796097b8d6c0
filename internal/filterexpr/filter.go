// Package filterexpr implements the filter evaluator (spec.md §4.3,
// component 3): it compiles a MongoDB-shaped filter document into a tree
// of operator nodes once, then evaluates that tree against any number of
// documents, and separately emits a best-effort pushdown hint for the
// storage collaborator (spec.md §6).
package filterexpr

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/dot-do/mondodb-sub005/internal/aggexpr"
	"github.com/dot-do/mondodb-sub005/internal/apperr"
	"github.com/dot-do/mondodb-sub005/internal/bsonval"
	"github.com/dot-do/mondodb-sub005/internal/docpath"
)

// Matcher is a compiled filter node. vars carries $lookup `let`
// bindings in scope (nil outside a lookup sub-pipeline), needed by
// $expr nodes to resolve "$$varName" references.
type Matcher interface {
	Match(doc bson.D, vars map[string]any) bool
}

// Filter is a compiled filter document plus the pushdown hint derived
// from it.
type Filter struct {
	root    Matcher
	Pushdown Hint
}

// Hint is the best-effort predicate the storage collaborator can use to
// push work down to the row store (spec.md §6): single-key equality and,
// where present, a notion of "this filter is otherwise opaque to SQL and
// must be re-checked in-engine". Grounded on the (data->>'field' = $1)
// single-key JSONB equality pushdown pattern from the retrieval pack's
// anybase adapter (buildWhereClause).
type Hint struct {
	// EqualityKeys holds every field this filter constrains by plain
	// implicit equality ({field: literal}), at the top level or inside
	// $and — usable for an equality-only pushdown WHERE clause. Fields
	// compared with an explicit {$eq: ...} and fields under $or/$nor are
	// not collected.
	EqualityKeys map[string]any
	// Residual is true when the filter contains an operator document,
	// $or, $nor or $expr, so the storage collaborator's pushed-down rows
	// still need full in-engine re-evaluation.
	Residual bool
}

// Compile parses filter into a Filter ready for repeated Match calls.
func Compile(filter bson.D) (*Filter, error) {
	hint := Hint{EqualityKeys: map[string]any{}}
	root, err := compileDoc(filter, &hint)
	if err != nil {
		return nil, err
	}
	return &Filter{root: root, Pushdown: hint}, nil
}

// Match reports whether doc satisfies the compiled filter.
func (f *Filter) Match(doc bson.D) bool {
	return f.MatchWithVars(doc, nil)
}

// MatchWithVars is Match with $lookup `let` bindings in scope for any
// $expr nodes in the filter.
func (f *Filter) MatchWithVars(doc bson.D, vars map[string]any) bool {
	if f == nil || f.root == nil {
		return true
	}
	return f.root.Match(doc, vars)
}

// MustCompile is the panic-on-error convenience used by call sites that
// have already validated filter shape (e.g. internal pipeline stages
// building filters from literal documents).
func MustCompile(filter bson.D) *Filter {
	f, err := Compile(filter)
	if err != nil {
		panic(err)
	}
	return f
}

type andNode struct{ kids []Matcher }

func (n andNode) Match(doc bson.D, vars map[string]any) bool {
	for _, k := range n.kids {
		if !k.Match(doc, vars) {
			return false
		}
	}
	return true
}

type orNode struct{ kids []Matcher }

func (n orNode) Match(doc bson.D, vars map[string]any) bool {
	for _, k := range n.kids {
		if k.Match(doc, vars) {
			return true
		}
	}
	return false
}

type norNode struct{ kids []Matcher }

func (n norNode) Match(doc bson.D, vars map[string]any) bool {
	for _, k := range n.kids {
		if k.Match(doc, vars) {
			return false
		}
	}
	return true
}

type exprNode struct{ e aggexpr.Expr }

func (n exprNode) Match(doc bson.D, vars map[string]any) bool {
	v, err := n.e.Eval(aggexpr.NewRootScope(doc, time.Now()).WithVars(vars))
	if err != nil {
		return false
	}
	return bsonval.Truthy(v)
}

func compileDoc(doc bson.D, hint *Hint) (Matcher, error) {
	var kids []Matcher
	for _, e := range doc {
		switch e.Key {
		case "$and":
			sub, err := compileLogicalArray(e.Value, hint)
			if err != nil {
				return nil, err
			}
			kids = append(kids, andNode{kids: sub})
		case "$or":
			sub, err := compileLogicalArray(e.Value, &Hint{EqualityKeys: map[string]any{}})
			if err != nil {
				return nil, err
			}
			hint.Residual = true
			kids = append(kids, orNode{kids: sub})
		case "$nor":
			sub, err := compileLogicalArray(e.Value, &Hint{EqualityKeys: map[string]any{}})
			if err != nil {
				return nil, err
			}
			hint.Residual = true
			kids = append(kids, norNode{kids: sub})
		case "$expr":
			expr, err := aggexpr.Compile(e.Value)
			if err != nil {
				return nil, err
			}
			hint.Residual = true
			kids = append(kids, exprNode{e: expr})
		case "$where", "$text", "$geoWithin", "$geoIntersects", "$near", "$nearSphere":
			return nil, &apperr.BadQueryError{Message: fmt.Sprintf("unsupported query operator: %s", e.Key)}
		default:
			if strings.HasPrefix(e.Key, "$") {
				return nil, &apperr.BadQueryError{Message: fmt.Sprintf("unknown top-level operator: %s", e.Key)}
			}
			m, err := compileField(e.Key, e.Value, hint)
			if err != nil {
				return nil, err
			}
			kids = append(kids, m)
		}
	}
	return andNode{kids: kids}, nil
}

func compileLogicalArray(raw any, hint *Hint) ([]Matcher, error) {
	arr, ok := toArray(raw)
	if !ok {
		return nil, &apperr.BadQueryError{Message: "logical operator requires an array of filter documents"}
	}
	out := make([]Matcher, 0, len(arr))
	for _, item := range arr {
		d, ok := item.(bson.D)
		if !ok {
			if m, isM := item.(bson.M); isM {
				d = mapToD(m)
			} else {
				return nil, &apperr.BadQueryError{Message: "logical operator array elements must be documents"}
			}
		}
		sub, err := compileDoc(d, hint)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, nil
}

func toArray(v any) ([]any, bool) {
	switch a := v.(type) {
	case bson.A:
		return []any(a), true
	case []any:
		return a, true
	default:
		return nil, false
	}
}

func mapToD(m bson.M) bson.D {
	out := make(bson.D, 0, len(m))
	for k, v := range m {
		out = append(out, bson.E{Key: k, Value: v})
	}
	return out
}

// compileField handles a single `{path: condition}` entry: condition is
// either a literal (implicit equality) or an operator document.
func compileField(path string, condition any, hint *Hint) (Matcher, error) {
	if doc, ok := asDoc(condition); ok && isOperatorDoc(doc) {
		return compileFieldOperators(path, doc, hint)
	}
	hint.EqualityKeys[path] = condition
	return fieldLeaf{path: path, test: eqTest(condition)}, nil
}

func asDoc(v any) (bson.D, bool) {
	switch d := v.(type) {
	case bson.D:
		return d, true
	case bson.M:
		return mapToD(d), true
	default:
		return nil, false
	}
}

func isOperatorDoc(doc bson.D) bool {
	if len(doc) == 0 {
		return false
	}
	return strings.HasPrefix(doc[0].Key, "$")
}

// fieldLeaf applies test to the value(s) resolved at path, implementing
// the array-implicit broadcast rule (spec.md §4.3): it matches if the
// resolved value matches directly, or — when the resolved value is an
// array — if any element matches.
type fieldLeaf struct {
	path string
	test func(v any) bool
}

func (n fieldLeaf) Match(doc bson.D, _ map[string]any) bool {
	v, found := docpath.Get(doc, n.path)
	if !found {
		v = bsonval.Missing{}
	}
	if n.test(v) {
		return true
	}
	if arr, ok := toArray(v); ok {
		for _, el := range arr {
			if n.test(el) {
				return true
			}
		}
	}
	return false
}

func eqTest(operand any) func(any) bool {
	return func(v any) bool {
		if operand == nil {
			return v == nil || bsonval.IsMissing(v)
		}
		return bsonval.Equal(v, operand)
	}
}

func compileFieldOperators(path string, doc bson.D, hint *Hint) (Matcher, error) {
	regexOpts := ""
	for _, e := range doc {
		if e.Key == "$options" {
			regexOpts, _ = e.Value.(string)
		}
	}
	var kids []Matcher
	for _, e := range doc {
		if !strings.HasPrefix(e.Key, "$") {
			return nil, &apperr.BadQueryError{Message: fmt.Sprintf("unknown operator %q mixed with operator document on field %q", e.Key, path)}
		}
		hint.Residual = true
		var m Matcher
		var err error
		if e.Key == "$regex" {
			m, err = compileRegex(path, e.Value, regexOpts)
		} else {
			m, err = compileOneOperator(path, e.Key, e.Value)
		}
		if err != nil {
			return nil, err
		}
		kids = append(kids, m)
	}
	if len(kids) == 1 {
		return kids[0], nil
	}
	return andNode{kids: kids}, nil
}

func compileOneOperator(path, op string, operand any) (Matcher, error) {
	switch op {
	case "$eq":
		return fieldLeaf{path: path, test: eqTest(operand)}, nil
	case "$ne":
		eq := eqTest(operand)
		return negateField{path: path, inner: eq}, nil
	case "$gt":
		return fieldLeaf{path: path, test: orderTest(operand, func(c int) bool { return c > 0 })}, nil
	case "$gte":
		return fieldLeaf{path: path, test: orderTest(operand, func(c int) bool { return c >= 0 })}, nil
	case "$lt":
		return fieldLeaf{path: path, test: orderTest(operand, func(c int) bool { return c < 0 })}, nil
	case "$lte":
		return fieldLeaf{path: path, test: orderTest(operand, func(c int) bool { return c <= 0 })}, nil
	case "$in":
		arr, ok := toArray(operand)
		if !ok {
			return nil, &apperr.BadQueryError{Message: "$in requires an array"}
		}
		return fieldLeaf{path: path, test: inTest(arr)}, nil
	case "$nin":
		arr, ok := toArray(operand)
		if !ok {
			return nil, &apperr.BadQueryError{Message: "$nin requires an array"}
		}
		in := inTest(arr)
		return negateField{path: path, inner: in}, nil
	case "$exists":
		want, _ := operand.(bool)
		return existsNode{path: path, want: want}, nil
	case "$type":
		typeName, ok := operand.(string)
		if !ok {
			return nil, &apperr.BadQueryError{Message: "$type requires a string"}
		}
		return typeNode{path: path, want: typeName}, nil
	case "$all":
		arr, ok := toArray(operand)
		if !ok {
			return nil, &apperr.BadQueryError{Message: "$all requires an array"}
		}
		return allNode{path: path, wants: arr}, nil
	case "$size":
		n, ok := bsonval.AsFloat64(operand)
		if !ok {
			return nil, &apperr.BadQueryError{Message: "$size requires a number"}
		}
		return sizeNode{path: path, want: int(n)}, nil
	case "$elemMatch":
		inner, ok := asDoc(operand)
		if !ok {
			return nil, &apperr.BadQueryError{Message: "$elemMatch requires a document"}
		}
		hint := Hint{EqualityKeys: map[string]any{}}
		var sub Matcher
		var err error
		if isOperatorDoc(inner) {
			sub, err = compileFieldOperators("", inner, &hint)
		} else {
			sub, err = compileDoc(inner, &hint)
		}
		if err != nil {
			return nil, err
		}
		return elemMatchNode{path: path, inner: sub}, nil
	case "$not":
		sub, err := compileNotOperand(path, operand)
		if err != nil {
			return nil, err
		}
		return notFieldNode{inner: sub}, nil
	case "$regex":
		return compileRegex(path, operand, "")
	case "$options":
		// consumed alongside $regex; standalone $options is a no-op guard.
		return alwaysTrue{}, nil
	case "$mod":
		arr, ok := toArray(operand)
		if !ok || len(arr) != 2 {
			return nil, &apperr.BadQueryError{Message: "$mod requires an array of [divisor, remainder]"}
		}
		div, dok := bsonval.AsFloat64(arr[0])
		rem, rok := bsonval.AsFloat64(arr[1])
		if !dok || !rok {
			return nil, &apperr.BadQueryError{Message: "$mod operands must be numeric"}
		}
		return fieldLeaf{path: path, test: modTest(div, rem)}, nil
	default:
		return nil, &apperr.BadQueryError{Message: fmt.Sprintf("unknown query operator: %s", op)}
	}
}

type alwaysTrue struct{}

func (alwaysTrue) Match(bson.D, map[string]any) bool { return true }

func orderTest(operand any, test func(int) bool) func(any) bool {
	return func(v any) bool {
		if bsonval.IsMissing(v) {
			return false
		}
		if !sameOrderableKind(v, operand) {
			return false
		}
		return test(bsonval.Compare(v, operand))
	}
}

// sameOrderableKind guards against cross-type ordering comparisons that
// MongoDB treats as never-matching for range operators applied across
// incompatible kinds (e.g. comparing a string field with a numeric
// bound) — numbers remain cross-comparable with each other via Compare.
func sameOrderableKind(a, b any) bool {
	if bsonval.IsNumber(a) && bsonval.IsNumber(b) {
		return true
	}
	return bsonval.Kind(a) == bsonval.Kind(b)
}

func inTest(options []any) func(any) bool {
	return func(v any) bool {
		for _, opt := range options {
			if re, ok := opt.(bson.Regex); ok {
				if s, isStr := v.(string); isStr && matchRegex(re.Pattern, re.Options, s) {
					return true
				}
				continue
			}
			if opt == nil {
				if v == nil || bsonval.IsMissing(v) {
					return true
				}
				continue
			}
			if bsonval.Equal(v, opt) {
				return true
			}
		}
		return false
	}
}

func modTest(div, rem float64) func(any) bool {
	return func(v any) bool {
		f, ok := bsonval.AsFloat64(v)
		if !ok || div == 0 {
			return false
		}
		m := float64(int64(f) % int64(div))
		return m == rem
	}
}

type negateField struct {
	path  string
	inner func(any) bool
}

func (n negateField) Match(doc bson.D, _ map[string]any) bool {
	v, found := docpath.Get(doc, n.path)
	if !found {
		v = bsonval.Missing{}
	}
	if arr, ok := toArray(v); ok {
		for _, el := range arr {
			if n.inner(el) {
				return false
			}
		}
		return !n.inner(v)
	}
	return !n.inner(v)
}

type existsNode struct {
	path string
	want bool
}

func (n existsNode) Match(doc bson.D, _ map[string]any) bool {
	_, found := docpath.Get(doc, n.path)
	return found == n.want
}

type typeNode struct {
	path string
	want string
}

func (n typeNode) Match(doc bson.D, _ map[string]any) bool {
	v, found := docpath.Get(doc, n.path)
	if !found {
		return n.want == bsonval.KindMissing
	}
	return bsonval.Kind(v) == n.want
}

type allNode struct {
	path  string
	wants []any
}

func (n allNode) Match(doc bson.D, _ map[string]any) bool {
	v, found := docpath.Get(doc, n.path)
	if !found {
		return len(n.wants) == 0
	}
	arr, ok := toArray(v)
	if !ok {
		return false
	}
	for _, want := range n.wants {
		matched := false
		for _, el := range arr {
			if bsonval.Equal(el, want) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

type sizeNode struct {
	path string
	want int
}

func (n sizeNode) Match(doc bson.D, _ map[string]any) bool {
	v, found := docpath.Get(doc, n.path)
	if !found {
		return false
	}
	arr, ok := toArray(v)
	if !ok {
		return false
	}
	return len(arr) == n.want
}

// elemMatchNode requires the SAME array element to satisfy every
// sub-condition (spec.md §4.3: "critically distinct from dotted-path
// which can cross elements").
type elemMatchNode struct {
	path  string
	inner Matcher
}

func (n elemMatchNode) Match(doc bson.D, _ map[string]any) bool {
	v, found := docpath.Get(doc, n.path)
	if !found {
		return false
	}
	arr, ok := toArray(v)
	if !ok {
		return false
	}
	for _, el := range arr {
		if matchElem(n.inner, el) {
			return true
		}
	}
	return false
}

// matchElem evaluates inner (compiled with field paths relative to the
// element itself) against a single array element.
func matchElem(inner Matcher, el any) bool {
	if d, ok := asDoc(el); ok {
		return inner.Match(d, nil)
	}
	// scalar element: only operator-only elemMatch forms make sense
	// (e.g. {$gt: 5}); compileFieldOperators was used with path="" so
	// fieldLeaf paths are empty, resolving to the whole document via
	// docpath.Get(doc, "") — wrap the scalar as {"": el}.
	return inner.Match(bson.D{{Key: "", Value: el}}, nil)
}

func compileNotOperand(path string, operand any) (Matcher, error) {
	if doc, ok := asDoc(operand); ok {
		return compileFieldOperators(path, doc, &Hint{EqualityKeys: map[string]any{}})
	}
	if re, ok := operand.(bson.Regex); ok {
		return compileRegex(path, re, "")
	}
	return fieldLeaf{path: path, test: eqTest(operand)}, nil
}

type notFieldNode struct{ inner Matcher }

func (n notFieldNode) Match(doc bson.D, vars map[string]any) bool { return !n.inner.Match(doc, vars) }

func compileRegex(path string, operand any, options string) (Matcher, error) {
	var pattern, opts string
	switch v := operand.(type) {
	case bson.Regex:
		pattern, opts = v.Pattern, v.Options
	case string:
		pattern, opts = v, options
	default:
		return nil, &apperr.BadQueryError{Message: "$regex requires a string or regex pattern"}
	}
	if _, err := compileGoRegex(pattern, opts); err != nil {
		return nil, &apperr.BadQueryError{Message: fmt.Sprintf("invalid $regex pattern: %v", err)}
	}
	return fieldLeaf{path: path, test: func(v any) bool {
		s, ok := v.(string)
		if !ok {
			return false
		}
		return matchRegex(pattern, opts, s)
	}}, nil
}

// compileGoRegex translates MongoDB regex flags (i, m, s, x) to Go's
// inline flag syntax. "x" (extended/free-spacing) is approximated by
// stripping unescaped whitespace, since RE2 has no native equivalent.
func compileGoRegex(pattern, options string) (*regexp.Regexp, error) {
	var flags string
	extended := false
	for _, c := range options {
		switch c {
		case 'i', 'm', 's':
			flags += string(c)
		case 'x':
			extended = true
		}
	}
	if extended {
		pattern = stripFreeSpacing(pattern)
	}
	if flags != "" {
		pattern = "(?" + flags + ")" + pattern
	}
	return regexp.Compile(pattern)
}

func stripFreeSpacing(pattern string) string {
	var sb strings.Builder
	escaped := false
	for _, r := range pattern {
		switch {
		case escaped:
			sb.WriteRune(r)
			escaped = false
		case r == '\\':
			sb.WriteRune(r)
			escaped = true
		case r == ' ' || r == '\t' || r == '\n':
			// dropped
		default:
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

var regexCache = map[string]*regexp.Regexp{}

func matchRegex(pattern, options, s string) bool {
	key := options + "\x00" + pattern
	re, ok := regexCache[key]
	if !ok {
		compiled, err := compileGoRegex(pattern, options)
		if err != nil {
			return false
		}
		regexCache[key] = compiled
		re = compiled
	}
	return re.MatchString(s)
}
