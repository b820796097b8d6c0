package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/dot-do/mondodb-sub005/internal/apperr"
	"github.com/dot-do/mondodb-sub005/internal/oid"
	"github.com/dot-do/mondodb-sub005/internal/store"
)

func drain(t *testing.T, it store.RowIterator) []store.Row {
	t.Helper()
	ctx := context.Background()
	var out []store.Row
	for {
		r, ok, err := it.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		out = append(out, r)
	}
	return out
}

func TestInsertAndQueryRoundTrip(t *testing.T) {
	s := store.NewMemStore()
	ctx := context.Background()
	id := oid.New()
	doc := bson.D{{Key: "_id", Value: id}, {Key: "name", Value: "alice"}}
	require.NoError(t, s.Insert(ctx, "users", id, doc))

	it, err := s.Query(ctx, "users", store.PushdownHint{})
	require.NoError(t, err)
	rows := drain(t, it)
	require.Len(t, rows, 1)
	require.Equal(t, id, rows[0].ID)
}

func TestInsertDuplicateIDIsDuplicateKeyError(t *testing.T) {
	s := store.NewMemStore()
	ctx := context.Background()
	id := oid.New()
	doc := bson.D{{Key: "_id", Value: id}}
	require.NoError(t, s.Insert(ctx, "users", id, doc))
	err := s.Insert(ctx, "users", id, doc)
	require.Error(t, err)
	require.Equal(t, apperr.CodeDuplicateKey, apperr.Code(err))
	require.Contains(t, err.Error(), "E11000")
}

func TestQueryEqualityPushdown(t *testing.T) {
	s := store.NewMemStore()
	ctx := context.Background()
	for _, name := range []string{"alice", "bob"} {
		id := oid.New()
		require.NoError(t, s.Insert(ctx, "users", id, bson.D{{Key: "_id", Value: id}, {Key: "name", Value: name}}))
	}
	it, err := s.Query(ctx, "users", store.PushdownHint{EqualityField: "name", EqualityValue: "bob"})
	require.NoError(t, err)
	rows := drain(t, it)
	require.Len(t, rows, 1)
	v, _ := fieldVal(rows[0].Doc, "name")
	require.Equal(t, "bob", v)
}

func TestQueryOrderByAndLimit(t *testing.T) {
	s := store.NewMemStore()
	ctx := context.Background()
	for _, n := range []int64{3, 1, 2} {
		id := oid.New()
		require.NoError(t, s.Insert(ctx, "nums", id, bson.D{{Key: "_id", Value: id}, {Key: "n", Value: n}}))
	}
	it, err := s.Query(ctx, "nums", store.PushdownHint{OrderBy: "n", HasLimit: true, Limit: 2})
	require.NoError(t, err)
	rows := drain(t, it)
	require.Len(t, rows, 2)
	v0, _ := fieldVal(rows[0].Doc, "n")
	v1, _ := fieldVal(rows[1].Doc, "n")
	require.Equal(t, int64(1), v0)
	require.Equal(t, int64(2), v1)
}

func TestReplaceAndDelete(t *testing.T) {
	s := store.NewMemStore()
	ctx := context.Background()
	id := oid.New()
	require.NoError(t, s.Insert(ctx, "users", id, bson.D{{Key: "_id", Value: id}, {Key: "name", Value: "alice"}}))
	require.NoError(t, s.Replace(ctx, "users", id, bson.D{{Key: "_id", Value: id}, {Key: "name", Value: "alicia"}}))

	it, _ := s.Query(ctx, "users", store.PushdownHint{})
	rows := drain(t, it)
	v, _ := fieldVal(rows[0].Doc, "name")
	require.Equal(t, "alicia", v)

	require.NoError(t, s.Delete(ctx, "users", id))
	it2, _ := s.Query(ctx, "users", store.PushdownHint{})
	require.Empty(t, drain(t, it2))
}

func TestDropAndRenameCollection(t *testing.T) {
	s := store.NewMemStore()
	ctx := context.Background()
	id := oid.New()
	require.NoError(t, s.Insert(ctx, "users", id, bson.D{{Key: "_id", Value: id}}))

	require.NoError(t, s.RenameCollection(ctx, "users", "people"))
	names, err := s.CollectionNames(ctx)
	require.NoError(t, err)
	require.Contains(t, names, "people")
	require.NotContains(t, names, "users")

	require.NoError(t, s.DropCollection(ctx, "people"))
	names2, err := s.CollectionNames(ctx)
	require.NoError(t, err)
	require.NotContains(t, names2, "people")
}

func fieldVal(d bson.D, key string) (any, bool) {
	for _, e := range d {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}
