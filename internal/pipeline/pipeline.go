// Package pipeline implements the aggregation pipeline stage executor
// (spec.md §4.5, component 6): $match, $project, $group, $sort, $limit,
// $skip, $unwind, $lookup, $addFields, $set, $count. Stages compile
// once against the raw pipeline array and then run in sequence over an
// in-memory slice of documents; $sort and $group are blocking and
// materialize their whole input before producing output, matching the
// concurrency model's suspension-point contract (spec.md §5).
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/dot-do/mondodb-sub005/internal/aggexpr"
	"github.com/dot-do/mondodb-sub005/internal/apperr"
	"github.com/dot-do/mondodb-sub005/internal/bsonval"
	"github.com/dot-do/mondodb-sub005/internal/docpath"
	"github.com/dot-do/mondodb-sub005/internal/filterexpr"
)

// Lookup resolves the documents of another collection for $lookup.
// The engine's database facade implements this against the storage
// collaborator (spec.md §6); tests can supply an in-memory stub.
type Lookup interface {
	Documents(ctx context.Context, collection string) ([]bson.D, error)
}

// StageSpec pairs a raw stage document with whether it is disabled.
// Disabled stages never reach Compile's output (spec.md §3: "the
// executor itself never sees them") — FilterEnabled performs that
// filtering once, ahead of compilation.
type StageSpec struct {
	Stage    bson.D
	Disabled bool
}

// FilterEnabled drops every disabled spec and returns the remaining raw
// stage documents in order, ready to hand to Compile.
func FilterEnabled(specs []StageSpec) bson.A {
	out := make(bson.A, 0, len(specs))
	for _, s := range specs {
		if s.Disabled {
			continue
		}
		out = append(out, s.Stage)
	}
	return out
}

// Stage is one compiled pipeline step. vars carries the $lookup `let`
// bindings in scope for this run (nil for a top-level pipeline), so
// $match's $expr and $addFields/$set expressions inside a $lookup
// sub-pipeline can resolve "$$varName" references.
type Stage interface {
	Run(ctx context.Context, in []bson.D, lk Lookup, vars map[string]any) ([]bson.D, error)
}

// Compile parses a raw aggregation pipeline (already filtered of
// disabled stages) into an executable Stage chain.
func Compile(rawStages bson.A) ([]Stage, error) {
	stages := make([]Stage, 0, len(rawStages))
	for _, raw := range rawStages {
		doc, ok := asDoc(raw)
		if !ok || len(doc) != 1 {
			return nil, &apperr.InvalidPipelineError{Message: "each pipeline stage must be a single-key document"}
		}
		stage, err := compileStage(doc[0].Key, doc[0].Value)
		if err != nil {
			return nil, err
		}
		stages = append(stages, stage)
	}
	return stages, nil
}

// Run executes the compiled pipeline against in, checking ctx at each
// stage boundary as the concurrency model's cooperative suspension
// points require (spec.md §5).
func Run(ctx context.Context, stages []Stage, in []bson.D, lk Lookup) ([]bson.D, error) {
	return RunWithVars(ctx, stages, in, lk, nil)
}

// RunWithVars is Run with $lookup `let` bindings threaded into every
// stage's expression scope.
func RunWithVars(ctx context.Context, stages []Stage, in []bson.D, lk Lookup, vars map[string]any) ([]bson.D, error) {
	cur := in
	for _, s := range stages {
		if err := ctx.Err(); err != nil {
			return nil, &apperr.CancelledError{}
		}
		next, err := s.Run(ctx, cur, lk, vars)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

func compileStage(name string, raw any) (Stage, error) {
	switch name {
	case "$match":
		doc, ok := asDoc(raw)
		if !ok {
			return nil, &apperr.InvalidPipelineError{Message: "$match requires a document"}
		}
		f, err := filterexpr.Compile(doc)
		if err != nil {
			return nil, err
		}
		return matchStage{f: f}, nil
	case "$project":
		return compileProject(raw)
	case "$addFields", "$set":
		return compileAddFields(raw)
	case "$group":
		return compileGroup(raw)
	case "$sort":
		doc, ok := asDoc(raw)
		if !ok {
			return nil, &apperr.InvalidPipelineError{Message: "$sort requires a document"}
		}
		return sortStage{spec: doc}, nil
	case "$limit":
		n, ok := bsonval.AsFloat64(raw)
		if !ok || n <= 0 {
			return nil, &apperr.InvalidPipelineError{Message: "$limit requires a positive number"}
		}
		return limitStage{n: int(n)}, nil
	case "$skip":
		n, ok := bsonval.AsFloat64(raw)
		if !ok || n < 0 {
			return nil, &apperr.InvalidPipelineError{Message: "$skip requires a non-negative number"}
		}
		return skipStage{n: int(n)}, nil
	case "$unwind":
		return compileUnwind(raw)
	case "$lookup":
		return compileLookup(raw)
	case "$count":
		field, ok := raw.(string)
		if !ok || field == "" {
			return nil, &apperr.InvalidPipelineError{Message: "$count requires a non-empty string"}
		}
		return countStage{field: field}, nil
	default:
		return nil, &apperr.InvalidPipelineError{Message: fmt.Sprintf("unrecognized pipeline stage: %s", name)}
	}
}

func asDoc(v any) (bson.D, bool) {
	switch d := v.(type) {
	case bson.D:
		return d, true
	case bson.M:
		out := make(bson.D, 0, len(d))
		for k, val := range d {
			out = append(out, bson.E{Key: k, Value: val})
		}
		return out, true
	default:
		return nil, false
	}
}

// ---- $match ----

type matchStage struct{ f *filterexpr.Filter }

func (s matchStage) Run(_ context.Context, in []bson.D, _ Lookup, vars map[string]any) ([]bson.D, error) {
	out := make([]bson.D, 0, len(in))
	for _, d := range in {
		if s.f.MatchWithVars(d, vars) {
			out = append(out, d)
		}
	}
	return out, nil
}

// ---- $project ----

type projectField struct {
	key     string
	include bool
	expr    aggexpr.Expr
}

type projectStage struct {
	fields    []projectField
	exclusion bool
	excludeID bool
}

func compileProject(raw any) (Stage, error) {
	doc, ok := asDoc(raw)
	if !ok {
		return nil, &apperr.InvalidPipelineError{Message: "$project requires a document"}
	}
	st := projectStage{}
	sawInclude, sawExclude := false, false
	for _, e := range doc {
		if lit, isLit := e.Value.(int32); isLit {
			e.Value = int(lit)
		}
		switch v := e.Value.(type) {
		case int, int64, float64, bool:
			include := bsonval.Truthy(v)
			if e.Key == "_id" && !include {
				st.excludeID = true
				continue
			}
			if include {
				sawInclude = true
			} else {
				sawExclude = true
			}
			st.fields = append(st.fields, projectField{key: e.Key, include: include})
		default:
			expr, err := aggexpr.Compile(e.Value)
			if err != nil {
				return nil, err
			}
			sawInclude = true
			st.fields = append(st.fields, projectField{key: e.Key, include: true, expr: expr})
		}
	}
	if sawExclude && !sawInclude {
		st.exclusion = true
	}
	return st, nil
}

func (s projectStage) Run(_ context.Context, in []bson.D, _ Lookup, vars map[string]any) ([]bson.D, error) {
	out := make([]bson.D, len(in))
	for i, d := range in {
		out[i] = s.project(d, vars)
	}
	return out, nil
}

func (s projectStage) project(d bson.D, vars map[string]any) bson.D {
	if s.exclusion {
		result := append(bson.D{}, d...)
		for _, f := range s.fields {
			result = docpath.Unset(result, f.key)
		}
		if s.excludeID {
			result = docpath.Unset(result, "_id")
		}
		return result
	}
	result := bson.D{}
	if !s.excludeID {
		if id, ok := docpath.Get(d, "_id"); ok {
			result = append(result, bson.E{Key: "_id", Value: id})
		}
	}
	scope := aggexpr.NewRootScope(d, time.Now()).WithVars(vars)
	for _, f := range s.fields {
		if f.expr != nil {
			v, err := f.expr.Eval(scope)
			if err != nil || v == nil {
				continue
			}
			result = append(result, bson.E{Key: f.key, Value: v})
			continue
		}
		if !f.include {
			continue
		}
		if v, ok := docpath.Get(d, f.key); ok {
			result = append(result, bson.E{Key: f.key, Value: v})
		}
	}
	return result
}

// ---- $addFields / $set ----

type addFieldsStage struct {
	fields []projectField
}

func compileAddFields(raw any) (Stage, error) {
	doc, ok := asDoc(raw)
	if !ok {
		return nil, &apperr.InvalidPipelineError{Message: "$addFields/$set requires a document"}
	}
	st := addFieldsStage{}
	for _, e := range doc {
		expr, err := aggexpr.Compile(e.Value)
		if err != nil {
			return nil, err
		}
		st.fields = append(st.fields, projectField{key: e.Key, expr: expr})
	}
	return st, nil
}

func (s addFieldsStage) Run(_ context.Context, in []bson.D, _ Lookup, vars map[string]any) ([]bson.D, error) {
	out := make([]bson.D, len(in))
	for i, d := range in {
		result := append(bson.D{}, d...)
		scope := aggexpr.NewRootScope(d, time.Now()).WithVars(vars)
		for _, f := range s.fields {
			v, err := f.expr.Eval(scope)
			if err != nil {
				return nil, err
			}
			var serr error
			result, serr = docpath.Set(result, f.key, v)
			if serr != nil {
				return nil, &apperr.InvalidPipelineError{Message: serr.Error()}
			}
		}
		out[i] = result
	}
	return out, nil
}

// ---- $sort ----

type sortStage struct{ spec bson.D }

func (s sortStage) Run(_ context.Context, in []bson.D, _ Lookup, _ map[string]any) ([]bson.D, error) {
	out := append([]bson.D{}, in...)
	sort.SliceStable(out, func(i, j int) bool {
		for _, spec := range s.spec {
			dir, _ := bsonval.AsFloat64(spec.Value)
			vi, foundI := docpath.Get(out[i], spec.Key)
			vj, foundJ := docpath.Get(out[j], spec.Key)
			if !foundI {
				vi = bsonval.Missing{}
			}
			if !foundJ {
				vj = bsonval.Missing{}
			}
			c := bsonval.Compare(vi, vj)
			if c == 0 {
				continue
			}
			if dir < 0 {
				return c > 0
			}
			return c < 0
		}
		return false
	})
	return out, nil
}

// ---- $limit / $skip ----

type limitStage struct{ n int }

func (s limitStage) Run(_ context.Context, in []bson.D, _ Lookup, _ map[string]any) ([]bson.D, error) {
	if s.n >= len(in) {
		return in, nil
	}
	return in[:s.n], nil
}

type skipStage struct{ n int }

func (s skipStage) Run(_ context.Context, in []bson.D, _ Lookup, _ map[string]any) ([]bson.D, error) {
	if s.n >= len(in) {
		return []bson.D{}, nil
	}
	return in[s.n:], nil
}

// ---- $unwind ----

type unwindStage struct {
	path             string
	preserveNullEmpty bool
	includeArrayIndex string
}

func compileUnwind(raw any) (Stage, error) {
	if s, ok := raw.(string); ok {
		return unwindStage{path: trimDollar(s)}, nil
	}
	doc, ok := asDoc(raw)
	if !ok {
		return nil, &apperr.InvalidPipelineError{Message: "$unwind requires a string or document"}
	}
	st := unwindStage{}
	for _, e := range doc {
		switch e.Key {
		case "path":
			s, ok := e.Value.(string)
			if !ok {
				return nil, &apperr.InvalidPipelineError{Message: "$unwind.path must be a string"}
			}
			st.path = trimDollar(s)
		case "preserveNullAndEmptyArrays":
			st.preserveNullEmpty, _ = e.Value.(bool)
		case "includeArrayIndex":
			st.includeArrayIndex, _ = e.Value.(string)
		}
	}
	if st.path == "" {
		return nil, &apperr.InvalidPipelineError{Message: "$unwind requires a path"}
	}
	return st, nil
}

func trimDollar(s string) string {
	if len(s) > 0 && s[0] == '$' {
		return s[1:]
	}
	return s
}

func (s unwindStage) Run(_ context.Context, in []bson.D, _ Lookup, _ map[string]any) ([]bson.D, error) {
	var out []bson.D
	for _, d := range in {
		v, found := docpath.Get(d, s.path)
		arr, isArr := toArray(v)
		if !found || (isArr && len(arr) == 0) || (!isArr && v == nil) {
			if s.preserveNullEmpty {
				out = append(out, d)
			}
			continue
		}
		if !isArr {
			arr = []any{v}
		}
		for i, el := range arr {
			result := append(bson.D{}, d...)
			var err error
			result, err = docpath.Set(result, s.path, el)
			if err != nil {
				return nil, &apperr.InvalidPipelineError{Message: err.Error()}
			}
			if s.includeArrayIndex != "" {
				result, err = docpath.Set(result, s.includeArrayIndex, int64(i))
				if err != nil {
					return nil, &apperr.InvalidPipelineError{Message: err.Error()}
				}
			}
			out = append(out, result)
		}
	}
	if out == nil {
		out = []bson.D{}
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

// ---- $lookup ----

type lookupStage struct {
	from         string
	localField   string
	foreignField string
	as           string
	let          bson.D
	sub          []Stage
}

func compileLookup(raw any) (Stage, error) {
	doc, ok := asDoc(raw)
	if !ok {
		return nil, &apperr.InvalidPipelineError{Message: "$lookup requires a document"}
	}
	st := lookupStage{}
	var rawPipeline bson.A
	for _, e := range doc {
		switch e.Key {
		case "from":
			st.from, _ = e.Value.(string)
		case "localField":
			st.localField, _ = e.Value.(string)
		case "foreignField":
			st.foreignField, _ = e.Value.(string)
		case "as":
			st.as, _ = e.Value.(string)
		case "let":
			st.let, _ = asDoc(e.Value)
		case "pipeline":
			rawPipeline, _ = e.Value.(bson.A)
		}
	}
	if st.from == "" || st.as == "" {
		return nil, &apperr.InvalidPipelineError{Message: "$lookup requires from and as"}
	}
	if rawPipeline != nil {
		sub, err := Compile(rawPipeline)
		if err != nil {
			return nil, err
		}
		st.sub = sub
	}
	return st, nil
}

func (s lookupStage) Run(ctx context.Context, in []bson.D, lk Lookup, vars map[string]any) ([]bson.D, error) {
	if lk == nil {
		return nil, &apperr.InvalidPipelineError{Message: "$lookup requires a collection resolver"}
	}
	foreign, err := lk.Documents(ctx, s.from)
	if err != nil {
		return nil, err
	}
	out := make([]bson.D, len(in))
	for i, d := range in {
		var matched []bson.D
		if s.sub != nil {
			letVars := map[string]any{}
			rootScope := aggexpr.NewRootScope(d, time.Now())
			for _, e := range s.let {
				expr, cerr := aggexpr.Compile(e.Value)
				if cerr != nil {
					return nil, cerr
				}
				v, eerr := expr.Eval(rootScope)
				if eerr != nil {
					return nil, eerr
				}
				letVars[e.Key] = v
			}
			matched, err = RunWithVars(ctx, s.sub, foreign, lk, letVars)
			if err != nil {
				return nil, err
			}
		} else {
			local, _ := docpath.Get(d, s.localField)
			for _, fd := range foreign {
				fv, _ := docpath.Get(fd, s.foreignField)
				if bsonval.Equal(local, fv) {
					matched = append(matched, fd)
				}
			}
		}
		if matched == nil {
			matched = []bson.D{}
		}
		result := append(bson.D{}, d...)
		result, serr := docpath.Set(result, s.as, toAny(matched))
		if serr != nil {
			return nil, &apperr.InvalidPipelineError{Message: serr.Error()}
		}
		out[i] = result
	}
	return out, nil
}

func toAny(docs []bson.D) bson.A {
	out := make(bson.A, len(docs))
	for i, d := range docs {
		out[i] = d
	}
	return out
}

// ---- $count ----

type countStage struct{ field string }

func (s countStage) Run(_ context.Context, in []bson.D, _ Lookup, _ map[string]any) ([]bson.D, error) {
	return []bson.D{{{Key: s.field, Value: int64(len(in))}}}, nil
}

// ---- $group ----

type accumSpec struct {
	field string
	kind  string
	expr  aggexpr.Expr
}

type groupStage struct {
	idExpr aggexpr.Expr
	accums []accumSpec
}

func compileGroup(raw any) (Stage, error) {
	doc, ok := asDoc(raw)
	if !ok {
		return nil, &apperr.InvalidPipelineError{Message: "$group requires a document"}
	}
	st := groupStage{}
	sawID := false
	for _, e := range doc {
		if e.Key == "_id" {
			sawID = true
			expr, err := aggexpr.Compile(e.Value)
			if err != nil {
				return nil, err
			}
			st.idExpr = expr
			continue
		}
		accDoc, ok := asDoc(e.Value)
		if !ok || len(accDoc) != 1 {
			return nil, &apperr.InvalidPipelineError{Message: fmt.Sprintf("$group field %q requires a single accumulator operator", e.Key)}
		}
		kind := accDoc[0].Key
		switch kind {
		case "$sum", "$avg", "$min", "$max", "$first", "$last", "$push", "$addToSet":
		default:
			return nil, &apperr.InvalidPipelineError{Message: fmt.Sprintf("unrecognized accumulator: %s", kind)}
		}
		expr, err := aggexpr.Compile(accDoc[0].Value)
		if err != nil {
			return nil, err
		}
		st.accums = append(st.accums, accumSpec{field: e.Key, kind: kind, expr: expr})
	}
	if !sawID {
		return nil, &apperr.InvalidPipelineError{Message: "$group requires an _id specification"}
	}
	return st, nil
}

type groupBucket struct {
	id     any
	values map[string][]any
	count  int
}

func (s groupStage) Run(_ context.Context, in []bson.D, _ Lookup, vars map[string]any) ([]bson.D, error) {
	order := []any{}
	buckets := map[string]*groupBucket{}
	for _, d := range in {
		scope := aggexpr.NewRootScope(d, time.Now()).WithVars(vars)
		idVal, err := s.idExpr.Eval(scope)
		if err != nil {
			return nil, err
		}
		key := groupKey(idVal)
		b, exists := buckets[key]
		if !exists {
			b = &groupBucket{id: idVal, values: map[string][]any{}}
			buckets[key] = b
			order = append(order, key)
		}
		b.count++
		for _, acc := range s.accums {
			v, err := acc.expr.Eval(scope)
			if err != nil {
				return nil, err
			}
			b.values[acc.field] = append(b.values[acc.field], v)
		}
	}
	out := make([]bson.D, 0, len(order))
	for _, key := range order {
		b := buckets[key.(string)]
		result := bson.D{{Key: "_id", Value: b.id}}
		for _, acc := range s.accums {
			result = append(result, bson.E{Key: acc.field, Value: applyAccumulator(acc.kind, b.values[acc.field], b.count)})
		}
		out = append(out, result)
	}
	return out, nil
}

// groupKey renders a group _id to a comparable map key; documents sort
// their fields deterministically via bsonval.Compare-compatible string
// rendering so structurally-equal _id documents collapse to one bucket
// regardless of original field order variance across source documents.
func groupKey(v any) string {
	return fmt.Sprintf("%#v", normalizeForKey(v))
}

func normalizeForKey(v any) any {
	switch d := v.(type) {
	case bson.D:
		m := make(map[string]any, len(d))
		for _, e := range d {
			m[e.Key] = normalizeForKey(e.Value)
		}
		return m
	case bson.A:
		out := make([]any, len(d))
		for i, el := range d {
			out[i] = normalizeForKey(el)
		}
		return out
	default:
		return v
	}
}

func applyAccumulator(kind string, values []any, count int) any {
	switch kind {
	case "$sum":
		total := 0.0
		allInt := true
		for _, v := range values {
			f, ok := bsonval.AsFloat64(v)
			if !ok {
				allInt = false
				continue
			}
			total += f
			if f != float64(int64(f)) {
				allInt = false
			}
		}
		if allInt {
			return int64(total)
		}
		return total
	case "$avg":
		if len(values) == 0 {
			return nil
		}
		total := 0.0
		n := 0
		for _, v := range values {
			if f, ok := bsonval.AsFloat64(v); ok {
				total += f
				n++
			}
		}
		if n == 0 {
			return nil
		}
		return total / float64(n)
	case "$min":
		var best any
		for _, v := range values {
			if best == nil || bsonval.Compare(v, best) < 0 {
				best = v
			}
		}
		return best
	case "$max":
		var best any
		for _, v := range values {
			if best == nil || bsonval.Compare(v, best) > 0 {
				best = v
			}
		}
		return best
	case "$first":
		if len(values) == 0 {
			return nil
		}
		return values[0]
	case "$last":
		if len(values) == 0 {
			return nil
		}
		return values[len(values)-1]
	case "$push":
		arr := make(bson.A, len(values))
		copy(arr, values)
		return arr
	case "$addToSet":
		var arr bson.A
		for _, v := range values {
			dup := false
			for _, seen := range arr {
				if bsonval.Equal(seen, v) {
					dup = true
					break
				}
			}
			if !dup {
				arr = append(arr, v)
			}
		}
		if arr == nil {
			arr = bson.A{}
		}
		return arr
	default:
		return nil
	}
}

