// Package bsonval implements the engine's value model (spec.md §3, §4.1,
// component 1): a total ordering and equality relation over the tagged
// value union {null, bool, int64, double, string, binary, array, object,
// object-id, datetime}, plus the distinguished "missing" marker used by the
// path engine to tell an absent field apart from an explicit null.
//
// Documents and arrays are represented the way the whole retrieval pack
// represents them — bson.D/bson.A/bson.E from
// go.mongodb.org/mongo-driver/v2/bson — rather than a hand-rolled tree;
// values are plain `any`, dispatched on with type switches the way
// FerretDB's and anybase's operator/query code does.
package bsonval

import (
	"bytes"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// Missing is the distinguished marker for "path does not resolve to a
// present value". It is distinct from nil (explicit null) for $type and
// $exists, but is treated as equivalent to null by implicit-equality
// comparisons performed by the filter evaluator (spec.md §3, §4.3).
type Missing struct{}

// IsMissing reports whether v is the Missing marker.
func IsMissing(v any) bool {
	_, ok := v.(Missing)
	return ok
}

// Kind names for $type (spec.md §4.3): "string", "number", "bool",
// "object", "array", "null". Binary/object-id/datetime are reported with
// their own names for callers that need finer detail than $type exposes.
const (
	KindNull     = "null"
	KindNumber   = "number"
	KindString   = "string"
	KindBool     = "bool"
	KindObject   = "object"
	KindArray    = "array"
	KindBinary   = "binary"
	KindObjectID = "objectId"
	KindDateTime = "datetime"
	KindMissing  = "missing"
)

// Kind reports the $type-relevant tag of v.
func Kind(v any) string {
	switch v.(type) {
	case Missing:
		return KindMissing
	case nil:
		return KindNull
	case int32, int64, float64, float32, int:
		return KindNumber
	case string:
		return KindString
	case bool:
		return KindBool
	case bson.D, bson.M, map[string]any:
		return KindObject
	case bson.A, []any:
		return KindArray
	case []byte, bson.Binary:
		return KindBinary
	case bson.ObjectID:
		return KindObjectID
	case bson.DateTime, time.Time:
		return KindDateTime
	default:
		return KindString
	}
}

// rank implements the cross-type ordering fixed by spec.md §3:
// null < number < string < object < array < binary < object-id < bool < datetime.
func rank(v any) int {
	switch Kind(v) {
	case KindNull:
		return 0
	case KindNumber:
		return 1
	case KindString:
		return 2
	case KindObject:
		return 3
	case KindArray:
		return 4
	case KindBinary:
		return 5
	case KindObjectID:
		return 6
	case KindBool:
		return 7
	case KindDateTime:
		return 8
	default:
		return 9
	}
}

// AsFloat64 coerces a numeric value (int32/int64/float64/float32/int) to
// float64. ok is false for non-numeric input.
func AsFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// IsNumber reports whether v carries the "number" tag.
func IsNumber(v any) bool {
	_, ok := AsFloat64(v)
	return ok
}

func asArray(v any) ([]any, bool) {
	switch a := v.(type) {
	case bson.A:
		return []any(a), true
	case []any:
		return a, true
	default:
		return nil, false
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
	case map[string]any:
		out := make(bson.D, 0, len(d))
		for k, val := range d {
			out = append(out, bson.E{Key: k, Value: val})
		}
		return out, true
	default:
		return nil, false
	}
}

// Compare returns -1, 0, or 1 comparing a and b under the value model's
// total order (spec.md §3). Missing sorts below null, matching $sort's
// "missing field sorts before any present value" rule (spec.md §4.5); it
// has no meaning outside sort/group contexts.
func Compare(a, b any) int {
	_, aMissing := a.(Missing)
	_, bMissing := b.(Missing)
	if aMissing && bMissing {
		return 0
	}
	if aMissing {
		return -1
	}
	if bMissing {
		return 1
	}

	ra, rb := rank(a), rank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}

	switch Kind(a) {
	case KindNull:
		return 0
	case KindNumber:
		fa, _ := AsFloat64(a)
		fb, _ := AsFloat64(b)
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	case KindString:
		sa, sb := a.(string), b.(string)
		switch {
		case sa < sb:
			return -1
		case sa > sb:
			return 1
		default:
			return 0
		}
	case KindBool:
		ba, bb := a.(bool), b.(bool)
		if ba == bb {
			return 0
		}
		if !ba {
			return -1
		}
		return 1
	case KindDateTime:
		ta, tb := asTime(a), asTime(b)
		switch {
		case ta.Before(tb):
			return -1
		case ta.After(tb):
			return 1
		default:
			return 0
		}
	case KindObjectID:
		oa, oaok := a.(bson.ObjectID)
		ob, obok := b.(bson.ObjectID)
		if aok, bok := oaok, obok; aok && bok {
			return bytes.Compare(oa[:], ob[:])
		}
		return 0
	case KindArray:
		arrA, _ := asArray(a)
		arrB, _ := asArray(b)
		n := len(arrA)
		if len(arrB) < n {
			n = len(arrB)
		}
		for i := 0; i < n; i++ {
			if c := Compare(arrA[i], arrB[i]); c != 0 {
				return c
			}
		}
		switch {
		case len(arrA) < len(arrB):
			return -1
		case len(arrA) > len(arrB):
			return 1
		default:
			return 0
		}
	case KindObject:
		da, _ := asDoc(a)
		db, _ := asDoc(b)
		n := len(da)
		if len(db) < n {
			n = len(db)
		}
		for i := 0; i < n; i++ {
			if da[i].Key != db[i].Key {
				if da[i].Key < db[i].Key {
					return -1
				}
				return 1
			}
			if c := Compare(da[i].Value, db[i].Value); c != 0 {
				return c
			}
		}
		switch {
		case len(da) < len(db):
			return -1
		case len(da) > len(db):
			return 1
		default:
			return 0
		}
	case KindBinary:
		bb1 := asBytes(a)
		bb2 := asBytes(b)
		return bytes.Compare(bb1, bb2)
	default:
		return 0
	}
}

func asTime(v any) time.Time {
	switch t := v.(type) {
	case bson.DateTime:
		return t.Time()
	case time.Time:
		return t
	default:
		return time.Time{}
	}
}

func asBytes(v any) []byte {
	switch b := v.(type) {
	case []byte:
		return b
	case bson.Binary:
		return b.Data
	default:
		return nil
	}
}

// Equal implements the value model's strict equality (spec.md §3): numbers
// cross-compare between int64/float64 by value, but a number never equals
// a numeric-looking string (no implicit coercion, per spec.md §9's open
// question on numeric-string comparison). Missing is NOT equal to null
// here — the null/missing equivalence for implicit-equality filters is a
// filter-evaluator concern layered on top (spec.md §4.3), not a property
// of raw value equality.
func Equal(a, b any) bool {
	if IsNumber(a) && IsNumber(b) {
		fa, _ := AsFloat64(a)
		fb, _ := AsFloat64(b)
		return fa == fb
	}
	if Kind(a) != Kind(b) {
		return false
	}
	switch Kind(a) {
	case KindNull, KindMissing:
		return true
	case KindString:
		return a.(string) == b.(string)
	case KindBool:
		return a.(bool) == b.(bool)
	case KindDateTime:
		return asTime(a).Equal(asTime(b))
	case KindObjectID:
		oa, _ := a.(bson.ObjectID)
		ob, _ := b.(bson.ObjectID)
		return oa == ob
	case KindBinary:
		return bytes.Equal(asBytes(a), asBytes(b))
	case KindArray:
		arrA, _ := asArray(a)
		arrB, _ := asArray(b)
		if len(arrA) != len(arrB) {
			return false
		}
		for i := range arrA {
			if !Equal(arrA[i], arrB[i]) {
				return false
			}
		}
		return true
	case KindObject:
		da, _ := asDoc(a)
		db, _ := asDoc(b)
		if len(da) != len(db) {
			return false
		}
		for i := range da {
			if da[i].Key != db[i].Key || !Equal(da[i].Value, db[i].Value) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Truthy implements MongoDB's "truthy" rule used by $project inclusion
// detection and $cond/$and/$or operands: everything except false, null,
// missing, and numeric zero is truthy.
func Truthy(v any) bool {
	switch Kind(v) {
	case KindMissing, KindNull:
		return false
	case KindBool:
		return v.(bool)
	case KindNumber:
		f, _ := AsFloat64(v)
		return f != 0
	default:
		return true
	}
}

// NewUUIDBinary constructs a BSON binary subtype-4 value (a UUID) the way
// the teacher's convertUuidHelper does for the shell's UUID("...") helper,
// letting documents in this engine legitimately carry UUID-valued fields.
func NewUUIDBinary(s string) (bson.Binary, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return bson.Binary{}, fmt.Errorf("invalid UUID %q: %w", s, err)
	}
	data, err := u.MarshalBinary()
	if err != nil {
		return bson.Binary{}, fmt.Errorf("marshal UUID %q: %w", s, err)
	}
	return bson.Binary{Subtype: 0x04, Data: data}, nil
}

// NewUUID generates a random UUID binary subtype-4 value.
func NewUUID() bson.Binary {
	u := uuid.New()
	data, _ := u.MarshalBinary()
	return bson.Binary{Subtype: 0x04, Data: data}
}

// dateTimeFormats lists every layout ParseDateTime tries, in order.
var dateTimeFormats = []string{
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000Z",
	"2006-01-02T15:04:05Z",
	"2006-01-02",
}

// ParseDateTime parses an ISO-8601-ish date string into a DateTime
// value, trying each of dateTimeFormats in turn.
func ParseDateTime(s string) (bson.DateTime, error) {
	for _, format := range dateTimeFormats {
		if t, err := time.Parse(format, s); err == nil {
			return bson.DateTime(t.UnixMilli()), nil
		}
	}
	return 0, fmt.Errorf("invalid date format: %q", s)
}
