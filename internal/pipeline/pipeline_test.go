package pipeline_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/dot-do/mondodb-sub005/internal/pipeline"
)

type stubLookup struct{ docs map[string][]bson.D }

func (s stubLookup) Documents(_ context.Context, collection string) ([]bson.D, error) {
	return s.docs[collection], nil
}

func runPipeline(t *testing.T, raw bson.A, in []bson.D, lk pipeline.Lookup) []bson.D {
	t.Helper()
	stages, err := pipeline.Compile(raw)
	require.NoError(t, err)
	out, err := pipeline.Run(context.Background(), stages, in, lk)
	require.NoError(t, err)
	return out
}

func TestMatchStage(t *testing.T) {
	in := []bson.D{
		{{Key: "a", Value: int64(1)}},
		{{Key: "a", Value: int64(2)}},
	}
	out := runPipeline(t, bson.A{bson.D{{Key: "$match", Value: bson.D{{Key: "a", Value: int64(2)}}}}}, in, nil)
	require.Len(t, out, 1)
	require.Equal(t, int64(2), out[0][0].Value)
}

func TestProjectInclusionKeepsIDByDefault(t *testing.T) {
	in := []bson.D{{{Key: "_id", Value: int64(1)}, {Key: "a", Value: int64(1)}, {Key: "b", Value: int64(2)}}}
	out := runPipeline(t, bson.A{bson.D{{Key: "$project", Value: bson.D{{Key: "a", Value: int64(1)}}}}}, in, nil)
	require.Len(t, out, 1)
	require.Len(t, out[0], 2)
}

func TestProjectExclusion(t *testing.T) {
	in := []bson.D{{{Key: "_id", Value: int64(1)}, {Key: "a", Value: int64(1)}, {Key: "b", Value: int64(2)}}}
	out := runPipeline(t, bson.A{bson.D{{Key: "$project", Value: bson.D{{Key: "b", Value: int64(0)}}}}}, in, nil)
	require.Len(t, out[0], 2)
	for _, e := range out[0] {
		require.NotEqual(t, "b", e.Key)
	}
}

func TestAddFieldsComputesExpression(t *testing.T) {
	in := []bson.D{{{Key: "a", Value: int64(1)}, {Key: "b", Value: int64(2)}}}
	out := runPipeline(t, bson.A{bson.D{{Key: "$addFields", Value: bson.D{
		{Key: "sum", Value: bson.D{{Key: "$add", Value: bson.A{"$a", "$b"}}}},
	}}}}, in, nil)
	v, ok := fieldVal(out[0], "sum")
	require.True(t, ok)
	require.Equal(t, 3.0, v)
}

func TestSortStage(t *testing.T) {
	in := []bson.D{
		{{Key: "n", Value: int64(3)}},
		{{Key: "n", Value: int64(1)}},
		{{Key: "n", Value: int64(2)}},
	}
	out := runPipeline(t, bson.A{bson.D{{Key: "$sort", Value: bson.D{{Key: "n", Value: int64(1)}}}}}, in, nil)
	require.Equal(t, int64(1), out[0][0].Value)
	require.Equal(t, int64(2), out[1][0].Value)
	require.Equal(t, int64(3), out[2][0].Value)
}

func TestLimitAndSkip(t *testing.T) {
	in := []bson.D{
		{{Key: "n", Value: int64(1)}},
		{{Key: "n", Value: int64(2)}},
		{{Key: "n", Value: int64(3)}},
	}
	out := runPipeline(t, bson.A{
		bson.D{{Key: "$skip", Value: int64(1)}},
		bson.D{{Key: "$limit", Value: int64(1)}},
	}, in, nil)
	require.Len(t, out, 1)
	require.Equal(t, int64(2), out[0][0].Value)
}

func TestUnwindExpandsArray(t *testing.T) {
	in := []bson.D{{{Key: "tags", Value: bson.A{"a", "b"}}}}
	out := runPipeline(t, bson.A{bson.D{{Key: "$unwind", Value: "$tags"}}}, in, nil)
	require.Len(t, out, 2)
	require.Equal(t, "a", out[0][0].Value)
	require.Equal(t, "b", out[1][0].Value)
}

func TestUnwindPreserveNullAndEmptyArrays(t *testing.T) {
	in := []bson.D{{{Key: "other", Value: int64(1)}}}
	out := runPipeline(t, bson.A{bson.D{{Key: "$unwind", Value: bson.D{
		{Key: "path", Value: "$missing"},
		{Key: "preserveNullAndEmptyArrays", Value: true},
	}}}}, in, nil)
	require.Len(t, out, 1)
}

func TestCountStage(t *testing.T) {
	in := []bson.D{{{Key: "a", Value: int64(1)}}, {{Key: "a", Value: int64(2)}}}
	out := runPipeline(t, bson.A{bson.D{{Key: "$count", Value: "total"}}}, in, nil)
	require.Len(t, out, 1)
	require.Equal(t, int64(2), out[0][0].Value)
}

func TestGroupStageSumAccumulator(t *testing.T) {
	in := []bson.D{
		{{Key: "cat", Value: "a"}, {Key: "amt", Value: int64(10)}},
		{{Key: "cat", Value: "a"}, {Key: "amt", Value: int64(5)}},
		{{Key: "cat", Value: "b"}, {Key: "amt", Value: int64(1)}},
	}
	out := runPipeline(t, bson.A{bson.D{{Key: "$group", Value: bson.D{
		{Key: "_id", Value: "$cat"},
		{Key: "total", Value: bson.D{{Key: "$sum", Value: "$amt"}}},
	}}}}, in, nil)
	require.Len(t, out, 2)
	totals := map[any]any{}
	for _, d := range out {
		id, _ := fieldVal(d, "_id")
		total, _ := fieldVal(d, "total")
		totals[id] = total
	}
	require.Equal(t, int64(15), totals["a"])
	require.Equal(t, int64(1), totals["b"])
}

func TestLookupEqualityForm(t *testing.T) {
	in := []bson.D{{{Key: "_id", Value: int64(1)}}}
	lk := stubLookup{docs: map[string][]bson.D{
		"orders": {
			{{Key: "userId", Value: int64(1)}, {Key: "total", Value: int64(100)}},
			{{Key: "userId", Value: int64(2)}, {Key: "total", Value: int64(200)}},
		},
	}}
	out := runPipeline(t, bson.A{bson.D{{Key: "$lookup", Value: bson.D{
		{Key: "from", Value: "orders"},
		{Key: "localField", Value: "_id"},
		{Key: "foreignField", Value: "userId"},
		{Key: "as", Value: "orders"},
	}}}}, in, lk)
	v, ok := fieldVal(out[0], "orders")
	require.True(t, ok)
	arr, ok := v.(bson.A)
	require.True(t, ok)
	require.Len(t, arr, 1)
}

func TestLookupPipelineFormThreadsLetVars(t *testing.T) {
	in := []bson.D{{{Key: "_id", Value: int64(1)}, {Key: "minTotal", Value: int64(150)}}}
	lk := stubLookup{docs: map[string][]bson.D{
		"orders": {
			{{Key: "userId", Value: int64(1)}, {Key: "total", Value: int64(100)}},
			{{Key: "userId", Value: int64(1)}, {Key: "total", Value: int64(200)}},
		},
	}}
	out := runPipeline(t, bson.A{bson.D{{Key: "$lookup", Value: bson.D{
		{Key: "from", Value: "orders"},
		{Key: "let", Value: bson.D{{Key: "minTotal", Value: "$minTotal"}}},
		{Key: "pipeline", Value: bson.A{
			bson.D{{Key: "$match", Value: bson.D{{Key: "$expr", Value: bson.D{
				{Key: "$gte", Value: bson.A{"$total", "$$minTotal"}},
			}}}}},
		}},
		{Key: "as", Value: "bigOrders"},
	}}}}, in, lk)
	v, ok := fieldVal(out[0], "bigOrders")
	require.True(t, ok)
	arr, ok := v.(bson.A)
	require.True(t, ok)
	require.Len(t, arr, 1)
}

func TestUnknownStageIsInvalidPipeline(t *testing.T) {
	_, err := pipeline.Compile(bson.A{bson.D{{Key: "$bogus", Value: nil}}})
	require.Error(t, err)
}

func fieldVal(d bson.D, key string) (any, bool) {
	for _, e := range d {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}
