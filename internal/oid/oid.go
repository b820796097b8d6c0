// Package oid models the engine's document identifier. spec.md §3 defines
// a document's _id as "either caller-supplied or auto-assigned", with no
// restriction to a single BSON type — the mandatory scenarios in spec.md
// insert documents with a plain string _id, not only the auto-assigned
// 12-byte kind. ID therefore aliases the engine's general value type;
// New/ParseHex/Hex remain for the 12-byte/24-hex case spec.md §3/§10
// describes as the default when a document supplies no _id of its own.
package oid

import (
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/dot-do/mondodb-sub005/internal/apperr"
	"github.com/dot-do/mondodb-sub005/internal/bsonval"
)

// ID is a document identifier: any value the engine's value model can
// hold. Most collections use the auto-assigned ObjectID form, but a
// caller-supplied string, number, or other scalar is equally valid.
type ID = any

// ObjectID is the 12-byte opaque identifier New generates by default,
// the same type the teacher's ObjectId(...) shell helper produces.
type ObjectID = bson.ObjectID

// New generates a fresh auto-assigned identifier. This stands in for the
// "identifier generator" collaborator spec.md §6 describes as external to
// the engine; the engine only needs *a* source of opaque 12-byte values
// for documents that arrive without their own _id.
func New() ID {
	return bson.NewObjectID()
}

// ParseHex parses a 24-character lowercase-or-uppercase hex string into
// an ObjectID, rejecting wrong length or non-hex characters (spec.md §7,
// code 15).
func ParseHex(s string) (ObjectID, error) {
	id, err := bson.ObjectIDFromHex(s)
	if err != nil {
		return ObjectID{}, &apperr.InvalidIdentifierError{
			Message: fmt.Sprintf("invalid identifier %q: must be a 24-character hex string", s),
		}
	}
	return id, nil
}

// Hex renders id as text: 24 lowercase hex characters for the ObjectID
// case, or its natural string form for any other identifier kind.
func Hex(id ID) string {
	if o, ok := id.(bson.ObjectID); ok {
		return o.Hex()
	}
	return fmt.Sprint(id)
}

// Equal reports whether two identifiers are equal under the engine's
// general value-equality relation (spec.md §3) — e.g. int32(5) and
// int64(5) are the same identifier, not just byte-for-byte ObjectID
// equality.
func Equal(a, b ID) bool {
	return bsonval.Equal(a, b)
}

// Key returns a canonical, comparable representation of id suitable for
// use as a Go map key. Numeric identifiers are normalized to float64 so
// that cross-type-equal values (int32(5), int64(5), 5.0) collide the way
// Equal says they should, instead of being treated as distinct the way
// Go's native interface equality would.
func Key(id ID) any {
	switch v := id.(type) {
	case int:
		return float64(v)
	case int32:
		return float64(v)
	case int64:
		return float64(v)
	case float32:
		return float64(v)
	default:
		return v
	}
}
