// Package aggexpr implements the aggregation expression evaluator
// (spec.md §4.4, component 5) used inside $project, $group accumulators,
// $addFields/$set, $expr, and $lookup's `let`. Expressions are compiled
// from a bson.D/bson.A/literal shape into an Expr tree (mirroring the
// teacher's compile-once-dispatch-on-variant design note in spec.md §9,
// and FerretDB's operators.Operator interface/registry pattern from the
// retrieval pack) and then evaluated per document. Operator nodes other
// than $cond keep their operand raw and compile it on every evaluation,
// so an unknown operator nested inside an operand is reported by Eval,
// not by Compile.
package aggexpr

import (
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/dot-do/mondodb-sub005/internal/apperr"
	"github.com/dot-do/mondodb-sub005/internal/bsonval"
	"github.com/dot-do/mondodb-sub005/internal/docpath"
)

// Scope carries the evaluation context for one expression tree
// invocation: the document field references resolve against, and the
// $$-prefixed variables in play (ROOT, NOW, and any `let`-bound names).
type Scope struct {
	Doc  bson.D
	Vars map[string]any
}

// NewRootScope builds the scope used to evaluate expressions against doc
// with no extra let-bindings: $$ROOT and $$CURRENT both refer to doc, and
// $$NOW is evalTime. The pipeline stages and the filter evaluator's $expr
// pass time.Now() for each document they evaluate, so $$NOW is not one
// fixed value across the documents of a single run.
func NewRootScope(doc bson.D, evalTime time.Time) Scope {
	return Scope{
		Doc: doc,
		Vars: map[string]any{
			"ROOT":    doc,
			"CURRENT": doc,
			"NOW":     bson.DateTime(evalTime.UnixMilli()),
		},
	}
}

// WithVars returns a copy of s with additional let-bound variables merged
// in; on a name conflict the value from vars wins, so the narrower `let`
// scope shadows the outer one.
func (s Scope) WithVars(vars map[string]any) Scope {
	merged := make(map[string]any, len(s.Vars)+len(vars))
	for k, v := range s.Vars {
		merged[k] = v
	}
	for k, v := range vars {
		merged[k] = v
	}
	return Scope{Doc: s.Doc, Vars: merged}
}

// Expr is a compiled aggregation expression.
type Expr interface {
	Eval(scope Scope) (any, error)
}

// Compile parses a raw expression shape (literal, "$field", "$$var",
// array, or {$operator: operand}) into an Expr tree.
func Compile(raw any) (Expr, error) {
	switch v := raw.(type) {
	case string:
		if strings.HasPrefix(v, "$$") {
			return varRef{path: v[2:]}, nil
		}
		if strings.HasPrefix(v, "$") {
			return fieldRef{path: v[1:]}, nil
		}
		return literal{v}, nil
	case bson.A:
		return compileArray([]any(v))
	case []any:
		return compileArray(v)
	case bson.D:
		return compileDoc(v)
	case bson.M:
		return compileDoc(mapToD(v))
	case map[string]any:
		return compileDoc(mapToD(v))
	default:
		return literal{v}, nil
	}
}

func mapToD(m map[string]any) bson.D {
	out := make(bson.D, 0, len(m))
	for k, v := range m {
		out = append(out, bson.E{Key: k, Value: v})
	}
	return out
}

func compileArray(items []any) (Expr, error) {
	exprs := make([]Expr, len(items))
	for i, item := range items {
		e, err := Compile(item)
		if err != nil {
			return nil, err
		}
		exprs[i] = e
	}
	return arrayExpr{items: exprs}, nil
}

func compileDoc(doc bson.D) (Expr, error) {
	if len(doc) == 1 && strings.HasPrefix(doc[0].Key, "$") {
		builder, ok := operators[doc[0].Key]
		if !ok {
			return nil, &apperr.BadQueryError{Message: fmt.Sprintf("unrecognized expression operator '%s'", doc[0].Key)}
		}
		return builder(doc[0].Value)
	}
	fields := make([]docField, 0, len(doc))
	for _, e := range doc {
		ex, err := Compile(e.Value)
		if err != nil {
			return nil, err
		}
		fields = append(fields, docField{key: e.Key, expr: ex})
	}
	return docExpr{fields: fields}, nil
}

type literal struct{ v any }

func (l literal) Eval(Scope) (any, error) { return l.v, nil }

type fieldRef struct{ path string }

func (f fieldRef) Eval(scope Scope) (any, error) {
	v, ok := docpath.Get(scope.Doc, f.path)
	if !ok {
		return nil, nil
	}
	return v, nil
}

type varRef struct{ path string }

func (r varRef) Eval(scope Scope) (any, error) {
	segs := strings.SplitN(r.path, ".", 2)
	val, ok := scope.Vars[segs[0]]
	if !ok {
		return nil, nil
	}
	if len(segs) == 1 {
		return val, nil
	}
	switch d := val.(type) {
	case bson.D:
		v, ok := docpath.Get(d, segs[1])
		if !ok {
			return nil, nil
		}
		return v, nil
	default:
		return nil, nil
	}
}

type arrayExpr struct{ items []Expr }

func (a arrayExpr) Eval(scope Scope) (any, error) {
	out := make(bson.A, len(a.items))
	for i, e := range a.items {
		v, err := e.Eval(scope)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

type docField struct {
	key  string
	expr Expr
}

type docExpr struct{ fields []docField }

func (d docExpr) Eval(scope Scope) (any, error) {
	out := make(bson.D, 0, len(d.fields))
	for _, f := range d.fields {
		v, err := f.expr.Eval(scope)
		if err != nil {
			return nil, err
		}
		out = append(out, bson.E{Key: f.key, Value: v})
	}
	return out, nil
}

// evalArgs evaluates operand as either a single expression or an array of
// expressions, normalizing to a slice either way (most arithmetic and
// comparison operators accept `{$op: [a, b]}` but also tolerate a bare
// single operand).
func evalArgs(operand any, scope Scope) ([]any, error) {
	var items []any
	switch v := operand.(type) {
	case bson.A:
		items = []any(v)
	case []any:
		items = v
	default:
		items = []any{v}
	}
	out := make([]any, len(items))
	for i, raw := range items {
		e, err := Compile(raw)
		if err != nil {
			return nil, err
		}
		v, err := e.Eval(scope)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

type operatorBuilder func(operand any) (Expr, error)

var operators map[string]operatorBuilder

func init() {
	operators = map[string]operatorBuilder{
		"$add":      newArithmetic("$add", foldAdd),
		"$subtract": newBinaryArithmetic("$subtract", func(a, b float64) float64 { return a - b }),
		"$multiply": newArithmetic("$multiply", foldMultiply),
		"$divide":   newBinaryArithmetic("$divide", func(a, b float64) float64 { return a / b }),
		"$eq":       newComparison("$eq", func(c int) bool { return c == 0 }),
		"$ne":       newComparison("$ne", func(c int) bool { return c != 0 }),
		"$gt":       newComparison("$gt", func(c int) bool { return c > 0 }),
		"$gte":      newComparison("$gte", func(c int) bool { return c >= 0 }),
		"$lt":       newComparison("$lt", func(c int) bool { return c < 0 }),
		"$lte":      newComparison("$lte", func(c int) bool { return c <= 0 }),
		"$and":      newLogical("$and", true),
		"$or":       newLogical("$or", false),
		"$not":      newNot,
		"$cond":     newCond,
		"$concat":   newConcat,
		"$ifNull":   newIfNull,
	}
}

func hasMissing(vals []any) bool {
	for _, v := range vals {
		if v == nil {
			return true
		}
		if _, ok := v.(bsonval.Missing); ok {
			return true
		}
	}
	return false
}

func newArithmetic(name string, fold func([]float64) float64) operatorBuilder {
	return func(operand any) (Expr, error) {
		return operatorExpr{name: name, operand: operand, eval: func(vals []any) (any, error) {
			if hasMissing(vals) {
				return nil, nil
			}
			nums := make([]float64, len(vals))
			for i, v := range vals {
				f, ok := bsonval.AsFloat64(v)
				if !ok {
					return nil, &apperr.BadQueryError{Message: fmt.Sprintf("%s only supports numeric types", name)}
				}
				nums[i] = f
			}
			return fold(nums), nil
		}}, nil
	}
}

func foldAdd(nums []float64) float64 {
	var sum float64
	for _, n := range nums {
		sum += n
	}
	return sum
}

func foldMultiply(nums []float64) float64 {
	product := 1.0
	for _, n := range nums {
		product *= n
	}
	return product
}

func newBinaryArithmetic(name string, f func(a, b float64) float64) operatorBuilder {
	return func(operand any) (Expr, error) {
		return operatorExpr{name: name, operand: operand, eval: func(vals []any) (any, error) {
			if len(vals) != 2 {
				return nil, &apperr.BadQueryError{Message: fmt.Sprintf("%s requires exactly 2 arguments", name)}
			}
			if hasMissing(vals) {
				return nil, nil
			}
			a, aok := bsonval.AsFloat64(vals[0])
			b, bok := bsonval.AsFloat64(vals[1])
			if !aok || !bok {
				return nil, &apperr.BadQueryError{Message: fmt.Sprintf("%s only supports numeric types", name)}
			}
			return f(a, b), nil
		}}, nil
	}
}

func newComparison(name string, test func(int) bool) operatorBuilder {
	return func(operand any) (Expr, error) {
		return operatorExpr{name: name, operand: operand, eval: func(vals []any) (any, error) {
			if len(vals) != 2 {
				return nil, &apperr.BadQueryError{Message: fmt.Sprintf("%s requires exactly 2 arguments", name)}
			}
			return test(bsonval.Compare(vals[0], vals[1])), nil
		}}, nil
	}
}

func newLogical(name string, and bool) operatorBuilder {
	return func(operand any) (Expr, error) {
		return operatorExpr{name: name, operand: operand, eval: func(vals []any) (any, error) {
			for _, v := range vals {
				if bsonval.Truthy(v) != and {
					return !and, nil
				}
			}
			return and, nil
		}}, nil
	}
}

func newNot(operand any) (Expr, error) {
	return operatorExpr{name: "$not", operand: operand, eval: func(vals []any) (any, error) {
		if len(vals) != 1 {
			return nil, &apperr.BadQueryError{Message: "$not requires exactly 1 argument"}
		}
		return !bsonval.Truthy(vals[0]), nil
	}}, nil
}

func newConcat(operand any) (Expr, error) {
	return operatorExpr{name: "$concat", operand: operand, eval: func(vals []any) (any, error) {
		if hasMissing(vals) {
			return nil, nil
		}
		var sb strings.Builder
		for _, v := range vals {
			s, ok := v.(string)
			if !ok {
				return nil, &apperr.BadQueryError{Message: "$concat only supports strings"}
			}
			sb.WriteString(s)
		}
		return sb.String(), nil
	}}, nil
}

func newIfNull(operand any) (Expr, error) {
	return operatorExpr{name: "$ifNull", operand: operand, eval: func(vals []any) (any, error) {
		for _, v := range vals {
			if v != nil {
				if _, ok := v.(bsonval.Missing); !ok {
					return v, nil
				}
			}
		}
		if len(vals) == 0 {
			return nil, nil
		}
		return vals[len(vals)-1], nil
	}}, nil
}

// operatorExpr holds its operand in raw form; each Eval compiles and
// evaluates it into a slice of values via evalArgs and hands them to
// eval. This is the common shape shared by every
// arithmetic/comparison/logical operator above.
type operatorExpr struct {
	name    string
	operand any
	eval    func(vals []any) (any, error)
}

func (o operatorExpr) Eval(scope Scope) (any, error) {
	vals, err := evalArgs(o.operand, scope)
	if err != nil {
		return nil, err
	}
	return o.eval(vals)
}

// newCond handles both the 3-element-array and {if,then,else} forms.
func newCond(operand any) (Expr, error) {
	var ifRaw, thenRaw, elseRaw any
	switch v := operand.(type) {
	case bson.A:
		if len(v) != 3 {
			return nil, &apperr.BadQueryError{Message: "$cond array form requires exactly 3 elements"}
		}
		ifRaw, thenRaw, elseRaw = v[0], v[1], v[2]
	case []any:
		if len(v) != 3 {
			return nil, &apperr.BadQueryError{Message: "$cond array form requires exactly 3 elements"}
		}
		ifRaw, thenRaw, elseRaw = v[0], v[1], v[2]
	case bson.D:
		m := map[string]any{}
		for _, e := range v {
			m[e.Key] = e.Value
		}
		var ok bool
		if ifRaw, ok = m["if"]; !ok {
			return nil, &apperr.BadQueryError{Message: "$cond requires 'if'"}
		}
		if thenRaw, ok = m["then"]; !ok {
			return nil, &apperr.BadQueryError{Message: "$cond requires 'then'"}
		}
		if elseRaw, ok = m["else"]; !ok {
			return nil, &apperr.BadQueryError{Message: "$cond requires 'else'"}
		}
	default:
		return nil, &apperr.BadQueryError{Message: "$cond requires an array of 3 elements or a document with if/then/else"}
	}

	ifExpr, err := Compile(ifRaw)
	if err != nil {
		return nil, err
	}
	thenExpr, err := Compile(thenRaw)
	if err != nil {
		return nil, err
	}
	elseExpr, err := Compile(elseRaw)
	if err != nil {
		return nil, err
	}
	return condExpr{ifExpr: ifExpr, thenExpr: thenExpr, elseExpr: elseExpr}, nil
}

type condExpr struct {
	ifExpr, thenExpr, elseExpr Expr
}

func (c condExpr) Eval(scope Scope) (any, error) {
	cond, err := c.ifExpr.Eval(scope)
	if err != nil {
		return nil, err
	}
	if bsonval.Truthy(cond) {
		return c.thenExpr.Eval(scope)
	}
	return c.elseExpr.Eval(scope)
}

// IsOperatorDoc reports whether doc should be treated as an expression
// operator document (a single key starting with "$"), the same test the
// filter evaluator and $project stage use to decide between "literal
// sub-document" and "expression" interpretation of a field value.
func IsOperatorDoc(doc bson.D) bool {
	return len(doc) == 1 && strings.HasPrefix(doc[0].Key, "$")
}
