package mondodb_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	mondodb "github.com/dot-do/mondodb-sub005"
	"github.com/dot-do/mondodb-sub005/internal/store"
)

func newTestDB(t *testing.T) *mondodb.Database {
	t.Helper()
	return mondodb.NewDatabase("testdb", store.NewMemStore())
}

func TestInsertOneGeneratesIDAndFindOneReturnsIt(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	coll := db.Collection("users")

	res, err := coll.InsertOne(ctx, bson.D{{Key: "name", Value: "alice"}})
	require.NoError(t, err)
	require.NotNil(t, res.InsertedID)

	found, err := coll.FindOne(ctx, bson.D{{Key: "name", Value: "alice"}})
	require.NoError(t, err)
	id, ok := fieldVal(found, "_id")
	require.True(t, ok)
	require.Equal(t, res.InsertedID, id)
}

func TestFindOneReturnsErrNoDocuments(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	coll := db.Collection("users")
	_, err := coll.FindOne(ctx, bson.D{{Key: "name", Value: "nobody"}})
	require.ErrorIs(t, err, mondodb.ErrNoDocuments)
}

func TestInsertManyReturnsInsertedCountAndIDs(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	coll := db.Collection("users")

	res, err := coll.InsertMany(ctx, []bson.D{
		{{Key: "name", Value: "alice"}},
		{{Key: "name", Value: "bob"}},
	})
	require.NoError(t, err)
	require.Equal(t, int64(2), res.InsertedCount)
	require.Len(t, res.InsertedIDs, 2)

	count, err := coll.CountDocuments(ctx, bson.D{})
	require.NoError(t, err)
	require.Equal(t, int64(2), count)
}

func TestInsertDuplicateIDFails(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	coll := db.Collection("users")
	doc := bson.D{{Key: "_id", Value: mustOID(t)}, {Key: "name", Value: "alice"}}
	_, err := coll.InsertOne(ctx, doc)
	require.NoError(t, err)
	_, err = coll.InsertOne(ctx, doc)
	require.Error(t, err)
	require.Equal(t, mondodb.CodeDuplicateKey, mondodb.ErrorCode(err))
}

func TestInsertOneAcceptsNonObjectIDIdentifier(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	coll := db.Collection("users")

	res, err := coll.InsertOne(ctx, bson.D{{Key: "_id", Value: "abc"}, {Key: "v", Value: int64(1)}})
	require.NoError(t, err)
	require.Equal(t, "abc", res.InsertedID)

	found, err := coll.FindOne(ctx, bson.D{{Key: "_id", Value: "abc"}})
	require.NoError(t, err)
	v, _ := fieldVal(found, "v")
	require.Equal(t, int64(1), v)

	_, err = coll.InsertOne(ctx, bson.D{{Key: "_id", Value: "abc"}})
	require.Error(t, err)
	require.Equal(t, mondodb.CodeDuplicateKey, mondodb.ErrorCode(err))
}

func TestUpdateOneModifiesMatchingDocument(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	coll := db.Collection("users")
	_, err := coll.InsertOne(ctx, bson.D{{Key: "name", Value: "alice"}, {Key: "age", Value: int64(30)}})
	require.NoError(t, err)

	res, err := coll.UpdateOne(ctx, bson.D{{Key: "name", Value: "alice"}}, bson.D{{Key: "$inc", Value: bson.D{{Key: "age", Value: int64(1)}}}})
	require.NoError(t, err)
	require.Equal(t, int64(1), res.MatchedCount)
	require.Equal(t, int64(1), res.ModifiedCount)

	found, err := coll.FindOne(ctx, bson.D{{Key: "name", Value: "alice"}})
	require.NoError(t, err)
	age, _ := fieldVal(found, "age")
	require.Equal(t, int64(31), age)
}

func TestUpdateOneUpsertInsertsMergedDocument(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	coll := db.Collection("users")

	res, err := coll.UpdateOne(ctx,
		bson.D{{Key: "name", Value: "bob"}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "age", Value: int64(25)}}}},
		mondodb.Update().SetUpsert(true),
	)
	require.NoError(t, err)
	require.NotNil(t, res.UpsertedID)
	require.Equal(t, int64(1), res.UpsertedCount)

	found, err := coll.FindOne(ctx, bson.D{{Key: "_id", Value: res.UpsertedID}})
	require.NoError(t, err)
	name, _ := fieldVal(found, "name")
	age, _ := fieldVal(found, "age")
	require.Equal(t, "bob", name)
	require.Equal(t, int64(25), age)
}

func TestDeleteOneRemovesMatchingDocument(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	coll := db.Collection("users")
	_, err := coll.InsertOne(ctx, bson.D{{Key: "name", Value: "alice"}})
	require.NoError(t, err)

	res, err := coll.DeleteOne(ctx, bson.D{{Key: "name", Value: "alice"}})
	require.NoError(t, err)
	require.Equal(t, int64(1), res.DeletedCount)

	count, err := coll.CountDocuments(ctx, bson.D{})
	require.NoError(t, err)
	require.Equal(t, int64(0), count)
}

func TestFindWithSortSkipLimit(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	coll := db.Collection("nums")
	for _, n := range []int64{3, 1, 2} {
		_, err := coll.InsertOne(ctx, bson.D{{Key: "n", Value: n}})
		require.NoError(t, err)
	}
	cur, err := coll.Find(ctx, bson.D{}, mondodb.Find().SetSort(bson.D{{Key: "n", Value: int64(1)}}).SetSkip(1).SetLimit(1))
	require.NoError(t, err)
	out, err := cur.ToArray(ctx)
	require.NoError(t, err)
	require.Len(t, out, 1)
	v, _ := fieldVal(out[0], "n")
	require.Equal(t, int64(2), v)
}

func TestFindWithNegativeLimitDoesNotPanic(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	coll := db.Collection("nums")
	for _, n := range []int64{1, 2, 3} {
		_, err := coll.InsertOne(ctx, bson.D{{Key: "n", Value: n}})
		require.NoError(t, err)
	}
	cur, err := coll.Find(ctx, bson.D{}, mondodb.Find().SetSort(bson.D{{Key: "n", Value: int64(1)}}).SetLimit(-2))
	require.NoError(t, err)
	out, err := cur.ToArray(ctx)
	require.NoError(t, err)
	require.Len(t, out, 2)
}

func TestAggregateMatchAndGroup(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	coll := db.Collection("orders")
	_, err := coll.InsertOne(ctx, bson.D{{Key: "cust", Value: "a"}, {Key: "amt", Value: int64(10)}})
	require.NoError(t, err)
	_, err = coll.InsertOne(ctx, bson.D{{Key: "cust", Value: "a"}, {Key: "amt", Value: int64(5)}})
	require.NoError(t, err)
	_, err = coll.InsertOne(ctx, bson.D{{Key: "cust", Value: "b"}, {Key: "amt", Value: int64(1)}})
	require.NoError(t, err)

	cur, err := coll.Aggregate(ctx, bson.A{
		bson.D{{Key: "$match", Value: bson.D{{Key: "cust", Value: "a"}}}},
		bson.D{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$cust"},
			{Key: "total", Value: bson.D{{Key: "$sum", Value: "$amt"}}},
		}}},
	})
	require.NoError(t, err)
	out, err := cur.ToArray(ctx)
	require.NoError(t, err)
	require.Len(t, out, 1)
	total, _ := fieldVal(out[0], "total")
	require.Equal(t, int64(15), total)
}

func TestListCollectionNamesAndDropDatabase(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	_, err := db.Collection("a").InsertOne(ctx, bson.D{{Key: "x", Value: int64(1)}})
	require.NoError(t, err)
	_, err = db.Collection("b").InsertOne(ctx, bson.D{{Key: "x", Value: int64(1)}})
	require.NoError(t, err)

	names, err := db.ListCollectionNames(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b"}, names)

	require.NoError(t, db.DropDatabase(ctx))
	names2, err := db.ListCollectionNames(ctx)
	require.NoError(t, err)
	require.Empty(t, names2)
}

func mustOID(t *testing.T) bson.ObjectID {
	t.Helper()
	return bson.NewObjectID()
}

func fieldVal(d bson.D, key string) (any, bool) {
	for _, e := range d {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}
