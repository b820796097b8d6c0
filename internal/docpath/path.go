// Package docpath implements the dotted-path traversal engine (spec.md
// §4.1, component 2): read, write, unset, and auto-vivification over
// bson.D documents, including the array-index-or-broadcast rule applied
// when a path segment is numeric or an array is encountered mid-path.
package docpath

import (
	"fmt"
	"strconv"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/dot-do/mondodb-sub005/internal/bsonval"
)

// Split breaks a dotted path into its segments.
func Split(path string) []string {
	return strings.Split(path, ".")
}

// Join reassembles path segments into a dotted path.
func Join(segments []string) string {
	return strings.Join(segments, ".")
}

func asIndex(segment string) (int, bool) {
	if segment == "" {
		return 0, false
	}
	n, err := strconv.Atoi(segment)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// Get reads the value at path, returning bsonval.Missing and false if any
// intermediate segment is absent. When traversal crosses an array with a
// non-numeric remaining segment, the array-implicit broadcast rule
// applies: Get resolves the whole remaining path against every element
// and returns the values collected from the elements that have it (as a
// bson.A), matching what
// the filter evaluator's dotted-path matching needs (spec.md §4.1, §4.3).
func Get(doc bson.D, path string) (any, bool) {
	return getSegments(any(doc), Split(path))
}

func getSegments(cur any, segments []string) (any, bool) {
	if len(segments) == 0 {
		return cur, true
	}
	seg := segments[0]
	rest := segments[1:]

	switch v := cur.(type) {
	case bson.D:
		for _, e := range v {
			if e.Key == seg {
				return getSegments(e.Value, rest)
			}
		}
		return bsonval.Missing{}, false
	case bson.M:
		if val, ok := v[seg]; ok {
			return getSegments(val, rest)
		}
		return bsonval.Missing{}, false
	case map[string]any:
		if val, ok := v[seg]; ok {
			return getSegments(val, rest)
		}
		return bsonval.Missing{}, false
	case bson.A:
		return getFromArray([]any(v), seg, rest)
	case []any:
		return getFromArray(v, seg, rest)
	default:
		return bsonval.Missing{}, false
	}
}

func getFromArray(arr []any, seg string, rest []string) (any, bool) {
	if idx, ok := asIndex(seg); ok {
		if idx < 0 || idx >= len(arr) {
			return bsonval.Missing{}, false
		}
		return getSegments(arr[idx], rest)
	}
	// Broadcast: collect this field from every element that has it.
	out := bson.A{}
	any_ := false
	for _, el := range arr {
		v, ok := getSegments(el, append([]string{seg}, rest...))
		if ok {
			out = append(out, v)
			any_ = true
		}
	}
	if !any_ {
		return bsonval.Missing{}, false
	}
	return out, true
}

// Candidates returns every value the filter evaluator should test a leaf
// condition against when resolving path against doc: normally a single
// element slice with the resolved value (or bsonval.Missing{} if absent),
// but when the path crosses an array, it also includes each array
// element individually so comparison operators can implement the
// array-implicit broadcast rule (spec.md §4.3): "a leaf comparison
// applied to an array-typed field matches if any element matches".
func Candidates(doc bson.D, path string) []any {
	v, ok := Get(doc, path)
	if !ok {
		return []any{bsonval.Missing{}}
	}
	out := []any{v}
	if arr, isArr := toSlice(v); isArr {
		out = append(out, arr...)
	}
	return out
}

func toSlice(v any) ([]any, bool) {
	switch a := v.(type) {
	case bson.A:
		return []any(a), true
	case []any:
		return a, true
	default:
		return nil, false
	}
}

// TypeMismatchError reports a write through a non-object, non-array
// intermediate value (spec.md §4.1: "writing to a numeric segment beneath
// a non-array fails with a type error").
type TypeMismatchError struct {
	Path    string
	Segment string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("cannot use the part (%s) of (%s) to traverse the element", e.Segment, e.Path)
}

// Set writes value at path, auto-vivifying missing intermediate objects
// and overwriting whatever was there. Returns a *TypeMismatchError if an
// intermediate segment is a scalar that can't be descended into.
func Set(doc bson.D, path string, value any) (bson.D, error) {
	segs := Split(path)
	out, err := setSegments(doc, segs, path, value)
	if err != nil {
		return nil, err
	}
	d, _ := out.(bson.D)
	return d, nil
}

func setSegments(cur any, segs []string, fullPath string, value any) (any, error) {
	seg := segs[0]
	rest := segs[1:]

	// Array index segment.
	if idx, isIdx := asIndex(seg); isIdx {
		arr, ok := toMutableArray(cur)
		if !ok {
			if isMissingOrNil(cur) {
				arr = bson.A{}
			} else {
				return nil, &TypeMismatchError{Path: fullPath, Segment: seg}
			}
		}
		for len(arr) <= idx {
			arr = append(arr, nil)
		}
		if len(rest) == 0 {
			arr[idx] = value
			return arr, nil
		}
		child, err := setSegments(arr[idx], rest, fullPath, value)
		if err != nil {
			return nil, err
		}
		arr[idx] = child
		return arr, nil
	}

	doc, ok := toMutableDoc(cur)
	if !ok {
		if isMissingOrNil(cur) {
			doc = bson.D{}
		} else {
			return nil, &TypeMismatchError{Path: fullPath, Segment: seg}
		}
	}

	if len(rest) == 0 {
		return setKey(doc, seg, value), nil
	}

	existing, found := lookup(doc, seg)
	if !found {
		existing = bson.D{}
	}
	child, err := setSegments(existing, rest, fullPath, value)
	if err != nil {
		return nil, err
	}
	return setKey(doc, seg, child), nil
}

func isMissingOrNil(v any) bool {
	if v == nil {
		return true
	}
	_, ok := v.(bsonval.Missing)
	return ok
}

func toMutableArray(v any) (bson.A, bool) {
	switch a := v.(type) {
	case bson.A:
		out := make(bson.A, len(a))
		copy(out, a)
		return out, true
	case []any:
		out := make(bson.A, len(a))
		copy(out, a)
		return out, true
	default:
		return nil, false
	}
}

func toMutableDoc(v any) (bson.D, bool) {
	switch d := v.(type) {
	case bson.D:
		out := make(bson.D, len(d))
		copy(out, d)
		return out, true
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

func lookup(doc bson.D, key string) (any, bool) {
	for _, e := range doc {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}

func setKey(doc bson.D, key string, value any) bson.D {
	for i, e := range doc {
		if e.Key == key {
			doc[i].Value = value
			return doc
		}
	}
	return append(doc, bson.E{Key: key, Value: value})
}

// Unset removes the leaf value at path, leaving intermediates present even
// if now empty (spec.md §4.1: "it leaves intermediates present even if
// now empty"). A missing path is a no-op.
func Unset(doc bson.D, path string) bson.D {
	segs := Split(path)
	out, _ := unsetSegments(doc, segs)
	d, _ := out.(bson.D)
	if d == nil {
		return doc
	}
	return d
}

func unsetSegments(cur any, segs []string) (any, bool) {
	seg := segs[0]
	rest := segs[1:]

	if idx, isIdx := asIndex(seg); isIdx {
		arr, ok := toMutableArray(cur)
		if !ok || idx < 0 || idx >= len(arr) {
			return cur, false
		}
		if len(rest) == 0 {
			arr[idx] = nil
			return arr, true
		}
		child, changed := unsetSegments(arr[idx], rest)
		if changed {
			arr[idx] = child
		}
		return arr, changed
	}

	doc, ok := toMutableDoc(cur)
	if !ok {
		return cur, false
	}
	if len(rest) == 0 {
		for i, e := range doc {
			if e.Key == seg {
				return append(doc[:i:i], doc[i+1:]...), true
			}
		}
		return doc, false
	}
	existing, found := lookup(doc, seg)
	if !found {
		return doc, false
	}
	child, changed := unsetSegments(existing, rest)
	if changed {
		return setKey(doc, seg, child), true
	}
	return doc, false
}
