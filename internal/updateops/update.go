// Package updateops implements the update interpreter (spec.md §4.2,
// component 4): it applies either a replacement document or an update
// operator document to a stored document, in the fixed operator order
// the spec requires, detecting conflicting paths and _id mutation along
// the way.
package updateops

import (
	"fmt"
	"sort"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/dot-do/mondodb-sub005/internal/apperr"
	"github.com/dot-do/mondodb-sub005/internal/bsonval"
	"github.com/dot-do/mondodb-sub005/internal/docpath"
	"github.com/dot-do/mondodb-sub005/internal/filterexpr"
)

// order is the fixed operator-application order spec.md §4.2 requires:
// rename first (it can relocate a field that a later stage then edits),
// then the value-setting operators, then the array operators.
var order = []string{
	"$rename",
	"$min", "$max", "$inc", "$mul", "$set", "$unset",
	"$push", "$pull", "$pop", "$addToSet",
}

var knownOps = func() map[string]bool {
	m := make(map[string]bool, len(order))
	for _, op := range order {
		m[op] = true
	}
	return m
}()

// Apply mutates a copy of doc according to update, returning the new
// document and whether anything actually changed. update is either a
// replacement document (no top-level key starts with "$") or an update
// operator document (every top-level key starts with "$"); mixing the
// two forms is a BadUpdateError.
func Apply(doc bson.D, update bson.D) (bson.D, bool, error) {
	if len(update) == 0 {
		return doc, false, nil
	}
	if isReplacement(update) {
		return applyReplacement(doc, update)
	}
	return applyOperators(doc, update)
}

func isReplacement(update bson.D) bool {
	return !strings.HasPrefix(update[0].Key, "$")
}

func applyReplacement(doc bson.D, replacement bson.D) (bson.D, bool, error) {
	for _, e := range replacement {
		if strings.HasPrefix(e.Key, "$") {
			return nil, false, &apperr.BadUpdateError{Message: fmt.Sprintf("replacement document must not contain update operators, found %q", e.Key)}
		}
	}
	origID, hadID := docpath.Get(doc, "_id")
	out := make(bson.D, len(replacement))
	copy(out, replacement)
	if hadID {
		newID, newHadID := docpath.Get(out, "_id")
		if !newHadID {
			out = append(bson.D{{Key: "_id", Value: origID}}, out...)
		} else if !bsonval.Equal(newID, origID) {
			return nil, false, &apperr.BadUpdateError{Message: "_id field cannot be changed"}
		}
	}
	return out, !bsonval.Equal(any(doc), any(out)), nil
}

// applyOperators runs every present operator in the fixed order,
// tracking every path written so conflicting writes within one update
// (e.g. {$set: {"a.b": 1}, $unset: {a: ""}}) are rejected as a fatal
// error, per spec.md §4.2.
func applyOperators(doc bson.D, update bson.D) (bson.D, bool, error) {
	byOp := map[string]bson.D{}
	for _, e := range update {
		if !strings.HasPrefix(e.Key, "$") {
			return nil, false, &apperr.BadUpdateError{Message: fmt.Sprintf("cannot mix update operators and plain fields, found %q", e.Key)}
		}
		if !knownOps[e.Key] {
			return nil, false, &apperr.BadUpdateError{Message: fmt.Sprintf("unknown update operator: %s", e.Key)}
		}
		opDoc, ok := asDoc(e.Value)
		if !ok {
			return nil, false, &apperr.BadUpdateError{Message: fmt.Sprintf("%s requires a document operand", e.Key)}
		}
		if existing, dup := byOp[e.Key]; dup {
			byOp[e.Key] = append(existing, opDoc...)
		} else {
			byOp[e.Key] = opDoc
		}
	}

	origID, hadID := docpath.Get(doc, "_id")
	cur := append(bson.D{}, doc...)
	var touched []string
	changed := false

	for _, op := range order {
		fields, present := byOp[op]
		if !present {
			continue
		}
		for _, f := range fields {
			if err := checkConflict(&touched, f.Key); err != nil {
				return nil, false, err
			}
		}
		next, didChange, err := applyOne(cur, op, fields)
		if err != nil {
			return nil, false, err
		}
		cur = next
		changed = changed || didChange
	}

	if hadID {
		newID, newHadID := docpath.Get(cur, "_id")
		if !newHadID || !bsonval.Equal(newID, origID) {
			return nil, false, &apperr.BadUpdateError{Message: "_id field cannot be changed"}
		}
	}
	return cur, changed, nil
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

// checkConflict rejects an update that names two paths where one is a
// prefix of the other (spec.md §4.2: "conflicting paths in a single
// update is a fatal error"), e.g. "a" and "a.b" together.
func checkConflict(touched *[]string, path string) error {
	for _, t := range *touched {
		if t == path || isPrefixPath(t, path) || isPrefixPath(path, t) {
			return &apperr.BadUpdateError{Message: fmt.Sprintf("update path collision between %q and %q", t, path)}
		}
	}
	*touched = append(*touched, path)
	return nil
}

func isPrefixPath(prefix, path string) bool {
	if len(path) <= len(prefix) {
		return false
	}
	return strings.HasPrefix(path, prefix) && path[len(prefix)] == '.'
}

func applyOne(doc bson.D, op string, fields bson.D) (bson.D, bool, error) {
	switch op {
	case "$rename":
		return applyRename(doc, fields)
	case "$set":
		return applySet(doc, fields)
	case "$unset":
		return applyUnset(doc, fields)
	case "$inc":
		return applyArith(doc, fields, "$inc", func(a, b float64) float64 { return a + b })
	case "$mul":
		return applyArith(doc, fields, "$mul", func(a, b float64) float64 { return a * b })
	case "$min":
		return applyMinMax(doc, fields, true)
	case "$max":
		return applyMinMax(doc, fields, false)
	case "$push":
		return applyPush(doc, fields)
	case "$pull":
		return applyPull(doc, fields)
	case "$pop":
		return applyPop(doc, fields)
	case "$addToSet":
		return applyAddToSet(doc, fields)
	default:
		return doc, false, nil
	}
}

func applyRename(doc bson.D, fields bson.D) (bson.D, bool, error) {
	changed := false
	for _, f := range fields {
		to, ok := f.Value.(string)
		if !ok {
			return nil, false, &apperr.BadUpdateError{Message: "$rename target must be a string"}
		}
		v, found := docpath.Get(doc, f.Key)
		if !found {
			continue
		}
		doc = docpath.Unset(doc, f.Key)
		var err error
		doc, err = docpath.Set(doc, to, v)
		if err != nil {
			return nil, false, wrapPathErr(err)
		}
		changed = true
	}
	return doc, changed, nil
}

func applySet(doc bson.D, fields bson.D) (bson.D, bool, error) {
	changed := false
	for _, f := range fields {
		existing, found := docpath.Get(doc, f.Key)
		if found && bsonval.Equal(existing, f.Value) {
			continue
		}
		var err error
		doc, err = docpath.Set(doc, f.Key, f.Value)
		if err != nil {
			return nil, false, wrapPathErr(err)
		}
		changed = true
	}
	return doc, changed, nil
}

func applyUnset(doc bson.D, fields bson.D) (bson.D, bool, error) {
	changed := false
	for _, f := range fields {
		if _, found := docpath.Get(doc, f.Key); !found {
			continue
		}
		doc = docpath.Unset(doc, f.Key)
		changed = true
	}
	return doc, changed, nil
}

// applyArith implements $inc/$mul (spec Open Question: $mul on an
// absent field materializes the field as 0, documented at the API
// boundary rather than left to silently error).
func applyArith(doc bson.D, fields bson.D, opName string, f func(a, b float64) float64) (bson.D, bool, error) {
	changed := false
	for _, field := range fields {
		delta, ok := bsonval.AsFloat64(field.Value)
		if !ok {
			return nil, false, &apperr.TypeMismatchError{Message: fmt.Sprintf("%s requires a numeric operand for %q", opName, field.Key)}
		}
		cur, found := docpath.Get(doc, field.Key)
		base := 0.0
		if found {
			b, isNum := bsonval.AsFloat64(cur)
			if !isNum {
				return nil, false, &apperr.TypeMismatchError{Message: fmt.Sprintf("cannot apply %s to non-numeric field %q", opName, field.Key)}
			}
			base = b
		}
		result := f(base, delta)
		var err error
		doc, err = docpath.Set(doc, field.Key, numericResult(cur, field.Value, result))
		if err != nil {
			return nil, false, wrapPathErr(err)
		}
		changed = true
	}
	return doc, changed, nil
}

// numericResult keeps integer results as int64 when the existing value
// (or an absent field) and the operand were integral, matching the
// teacher's numeric-widening convention elsewhere in this engine rather
// than always promoting to float64.
func numericResult(existing, operand any, result float64) any {
	if (bsonval.IsMissing(existing) || isIntegral(existing)) && isIntegral(operand) && result == float64(int64(result)) {
		return int64(result)
	}
	return result
}

func isIntegral(v any) bool {
	switch v.(type) {
	case int, int32, int64:
		return true
	default:
		return false
	}
}

func applyMinMax(doc bson.D, fields bson.D, wantMin bool) (bson.D, bool, error) {
	changed := false
	for _, field := range fields {
		cur, found := docpath.Get(doc, field.Key)
		if !found {
			var err error
			doc, err = docpath.Set(doc, field.Key, field.Value)
			if err != nil {
				return nil, false, wrapPathErr(err)
			}
			changed = true
			continue
		}
		c := bsonval.Compare(field.Value, cur)
		shouldReplace := (wantMin && c < 0) || (!wantMin && c > 0)
		if shouldReplace {
			var err error
			doc, err = docpath.Set(doc, field.Key, field.Value)
			if err != nil {
				return nil, false, wrapPathErr(err)
			}
			changed = true
		}
	}
	return doc, changed, nil
}

func applyPush(doc bson.D, fields bson.D) (bson.D, bool, error) {
	changed := false
	for _, field := range fields {
		items, sliceLimit, sortSpec, position, hasModifiers := parsePushModifiers(field.Value)
		cur, found := docpath.Get(doc, field.Key)
		var arr bson.A
		if found {
			a, ok := toArray(cur)
			if !ok {
				return nil, false, &apperr.TypeMismatchError{Message: fmt.Sprintf("$push requires an array field at %q", field.Key)}
			}
			arr = append(bson.A{}, a...)
		}
		if !hasModifiers {
			arr = insertAt(arr, len(arr), field.Value)
		} else {
			pos := len(arr)
			if position != nil {
				pos = *position
				if pos < 0 {
					pos = len(arr) + pos
					if pos < 0 {
						pos = 0
					}
				}
			}
			for i, it := range items {
				arr = insertAt(arr, pos+i, it)
			}
			if sortSpec != nil {
				sortArray(arr, sortSpec)
			}
			if sliceLimit != nil {
				arr = applySlice(arr, *sliceLimit)
			}
		}
		var err error
		doc, err = docpath.Set(doc, field.Key, arr)
		if err != nil {
			return nil, false, wrapPathErr(err)
		}
		changed = true
	}
	return doc, changed, nil
}

func insertAt(arr bson.A, idx int, v any) bson.A {
	if idx >= len(arr) {
		return append(arr, v)
	}
	if idx < 0 {
		idx = 0
	}
	out := make(bson.A, 0, len(arr)+1)
	out = append(out, arr[:idx]...)
	out = append(out, v)
	out = append(out, arr[idx:]...)
	return out
}

func applySlice(arr bson.A, n int) bson.A {
	if n >= 0 {
		if n >= len(arr) {
			return arr
		}
		return append(bson.A{}, arr[:n]...)
	}
	start := len(arr) + n
	if start < 0 {
		start = 0
	}
	return append(bson.A{}, arr[start:]...)
}

func sortArray(arr bson.A, sortSpec bson.D) {
	sort.SliceStable(arr, func(i, j int) bool {
		for _, s := range sortSpec {
			dir, _ := bsonval.AsFloat64(s.Value)
			var vi, vj any
			if s.Key == "" {
				vi, vj = arr[i], arr[j]
			} else {
				vi, _ = docpath.Get(docOf(arr[i]), s.Key)
				vj, _ = docpath.Get(docOf(arr[j]), s.Key)
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
}

func docOf(v any) bson.D {
	switch d := v.(type) {
	case bson.D:
		return d
	case bson.M:
		out := make(bson.D, 0, len(d))
		for k, val := range d {
			out = append(out, bson.E{Key: k, Value: val})
		}
		return out
	default:
		return nil
	}
}

// parsePushModifiers recognizes the {$each, $slice, $sort, $position}
// modifier document form of $push, falling back to treating value as a
// single literal element to append.
func parsePushModifiers(value any) (items []any, sliceLimit *int, sortSpec bson.D, position *int, hasModifiers bool) {
	doc, ok := asDoc(value)
	if !ok {
		return nil, nil, nil, nil, false
	}
	eachIdx := -1
	for i, e := range doc {
		if e.Key == "$each" {
			eachIdx = i
		}
	}
	if eachIdx == -1 {
		return nil, nil, nil, nil, false
	}
	arr, _ := toArray(doc[eachIdx].Value)
	items = arr
	hasModifiers = true
	for _, e := range doc {
		switch e.Key {
		case "$slice":
			if n, ok := bsonval.AsFloat64(e.Value); ok {
				v := int(n)
				sliceLimit = &v
			}
		case "$sort":
			if spec, ok := asDoc(e.Value); ok {
				sortSpec = spec
			} else if n, ok := bsonval.AsFloat64(e.Value); ok {
				sortSpec = bson.D{{Key: "", Value: n}}
			}
		case "$position":
			if n, ok := bsonval.AsFloat64(e.Value); ok {
				v := int(n)
				position = &v
			}
		}
	}
	return items, sliceLimit, sortSpec, position, true
}

func applyAddToSet(doc bson.D, fields bson.D) (bson.D, bool, error) {
	changed := false
	for _, field := range fields {
		items, ok := eachItems(field.Value)
		cur, found := docpath.Get(doc, field.Key)
		var arr bson.A
		if found {
			a, isArr := toArray(cur)
			if !isArr {
				return nil, false, &apperr.TypeMismatchError{Message: fmt.Sprintf("$addToSet requires an array field at %q", field.Key)}
			}
			arr = append(bson.A{}, a...)
		}
		if !ok {
			items = []any{field.Value}
		}
		added := false
		for _, it := range items {
			if !containsValue(arr, it) {
				arr = append(arr, it)
				added = true
			}
		}
		if added {
			var err error
			doc, err = docpath.Set(doc, field.Key, arr)
			if err != nil {
				return nil, false, wrapPathErr(err)
			}
			changed = true
		}
	}
	return doc, changed, nil
}

func eachItems(value any) ([]any, bool) {
	doc, ok := asDoc(value)
	if !ok {
		return nil, false
	}
	if len(doc) != 1 || doc[0].Key != "$each" {
		return nil, false
	}
	arr, ok := toArray(doc[0].Value)
	return arr, ok
}

func containsValue(arr bson.A, v any) bool {
	for _, el := range arr {
		if bsonval.Equal(el, v) {
			return true
		}
	}
	return false
}

func applyPull(doc bson.D, fields bson.D) (bson.D, bool, error) {
	changed := false
	for _, field := range fields {
		cur, found := docpath.Get(doc, field.Key)
		if !found {
			continue
		}
		arr, ok := toArray(cur)
		if !ok {
			return nil, false, &apperr.TypeMismatchError{Message: fmt.Sprintf("$pull requires an array field at %q", field.Key)}
		}
		test, err := pullTest(field.Value)
		if err != nil {
			return nil, false, err
		}
		out := bson.A{}
		removed := false
		for _, el := range arr {
			if test(el) {
				removed = true
				continue
			}
			out = append(out, el)
		}
		if removed {
			doc, err = docpath.Set(doc, field.Key, out)
			if err != nil {
				return nil, false, wrapPathErr(err)
			}
			changed = true
		}
	}
	return doc, changed, nil
}

// pullTest builds an element predicate from $pull's operand: either a
// literal to match by equality, or a filter document (including
// {$elemMatch: {...}} / bare operator form) evaluated per-element via
// the same compiled matcher the query path uses.
func pullTest(operand any) (func(any) bool, error) {
	if doc, ok := asDoc(operand); ok && len(doc) > 0 && strings.HasPrefix(doc[0].Key, "$") {
		f, err := filterexpr.Compile(bson.D{{Key: "__pull__", Value: operand}})
		if err != nil {
			return nil, err
		}
		return func(el any) bool {
			return f.Match(bson.D{{Key: "__pull__", Value: el}})
		}, nil
	}
	if doc, ok := asDoc(operand); ok {
		f, err := filterexpr.Compile(doc)
		if err != nil {
			return nil, err
		}
		return func(el any) bool {
			d, isDoc := docOfAny(el)
			if !isDoc {
				return false
			}
			return f.Match(d)
		}, nil
	}
	return func(el any) bool { return bsonval.Equal(el, operand) }, nil
}

func docOfAny(v any) (bson.D, bool) {
	switch d := v.(type) {
	case bson.D:
		return d, true
	case bson.M:
		return docOf(d), true
	default:
		return nil, false
	}
}

// applyPop removes the first (-1) or last (1) array element; popping an
// empty or absent array is a documented no-op success (spec Open
// Question), not an error.
func applyPop(doc bson.D, fields bson.D) (bson.D, bool, error) {
	changed := false
	for _, field := range fields {
		cur, found := docpath.Get(doc, field.Key)
		if !found {
			continue
		}
		arr, ok := toArray(cur)
		if !ok {
			return nil, false, &apperr.TypeMismatchError{Message: fmt.Sprintf("$pop requires an array field at %q", field.Key)}
		}
		if len(arr) == 0 {
			continue
		}
		dir, _ := bsonval.AsFloat64(field.Value)
		var out bson.A
		if dir < 0 {
			out = append(bson.A{}, arr[1:]...)
		} else {
			out = append(bson.A{}, arr[:len(arr)-1]...)
		}
		var err error
		doc, err = docpath.Set(doc, field.Key, out)
		if err != nil {
			return nil, false, wrapPathErr(err)
		}
		changed = true
	}
	return doc, changed, nil
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

// wrapPathErr translates the path engine's traversal-type conflict
// (e.g. writing "a.b" when "a" already holds a scalar) into the
// update-layer's TypeMismatchError, so callers only ever see the
// spec's code-14 taxonomy member regardless of which layer detected
// the conflict.
func wrapPathErr(err error) error {
	if pe, ok := err.(*docpath.TypeMismatchError); ok {
		return &apperr.TypeMismatchError{Message: pe.Error()}
	}
	return err
}
