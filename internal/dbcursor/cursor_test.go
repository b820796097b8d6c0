package dbcursor_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/dot-do/mondodb-sub005/internal/dbcursor"
)

func docs(n ...int64) []bson.D {
	out := make([]bson.D, len(n))
	for i, v := range n {
		out[i] = bson.D{{Key: "n", Value: v}}
	}
	return out
}

func TestNextDrainsInOrder(t *testing.T) {
	cur := dbcursor.New(dbcursor.NewSliceSource(docs(1, 2, 3)))
	ctx := context.Background()
	var got []int64
	for {
		d, ok, err := cur.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, d[0].Value.(int64))
	}
	require.Equal(t, []int64{1, 2, 3}, got)
}

func TestClosedCursorReturnsNoMoreWithoutFault(t *testing.T) {
	cur := dbcursor.New(dbcursor.NewSliceSource(docs(1, 2)))
	ctx := context.Background()
	require.NoError(t, cur.Close())
	d, ok, err := cur.Next(ctx)
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, d)
}

func TestSortSkipLimitOrderIsFixedRegardlessOfCallOrder(t *testing.T) {
	ctx := context.Background()
	cur := dbcursor.New(dbcursor.NewSliceSource(docs(3, 1, 2)))
	// Call limit before sort before skip: result must still be sort -> skip -> limit.
	cur.SetLimit(1).SetSort(bson.D{{Key: "n", Value: int64(1)}}).SetSkip(1)
	out, err := cur.ToArray(ctx)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, int64(2), out[0][0].Value)
}

func TestNegativeLimitIsTreatedAsAbsoluteValue(t *testing.T) {
	ctx := context.Background()
	cur := dbcursor.New(dbcursor.NewSliceSource(docs(1, 2, 3)))
	cur.SetLimit(-2)
	out, err := cur.ToArray(ctx)
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, int64(1), out[0][0].Value)
	require.Equal(t, int64(2), out[1][0].Value)
}

func TestSetCallsAfterStartAreIgnored(t *testing.T) {
	ctx := context.Background()
	cur := dbcursor.New(dbcursor.NewSliceSource(docs(1, 2, 3)))
	_, _, err := cur.Next(ctx)
	require.NoError(t, err)
	cur.SetLimit(1)
	out, err := cur.ToArray(ctx)
	require.NoError(t, err)
	require.Len(t, out, 2) // already consumed one of three, limit-after-start has no effect
}

func TestProjectionExclusion(t *testing.T) {
	ctx := context.Background()
	d := bson.D{{Key: "_id", Value: int64(1)}, {Key: "a", Value: int64(1)}, {Key: "b", Value: int64(2)}}
	cur := dbcursor.New(dbcursor.NewSliceSource([]bson.D{d}))
	cur.SetProjection(bson.D{{Key: "b", Value: int64(0)}})
	out, err := cur.ToArray(ctx)
	require.NoError(t, err)
	require.Len(t, out[0], 2)
}

func TestToArrayDrainsRemaining(t *testing.T) {
	ctx := context.Background()
	cur := dbcursor.New(dbcursor.NewSliceSource(docs(1, 2, 3)))
	out, err := cur.ToArray(ctx)
	require.NoError(t, err)
	require.Len(t, out, 3)

	out2, err := cur.ToArray(ctx)
	require.NoError(t, err)
	require.Empty(t, out2)
}
