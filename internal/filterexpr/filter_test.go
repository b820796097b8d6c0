package filterexpr_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/dot-do/mondodb-sub005/internal/filterexpr"
)

func TestImplicitEqualityAndNullMatchesMissing(t *testing.T) {
	f := filterexpr.MustCompile(bson.D{{Key: "status", Value: "active"}})
	require.True(t, f.Match(bson.D{{Key: "status", Value: "active"}}))
	require.False(t, f.Match(bson.D{{Key: "status", Value: "inactive"}}))

	nullFilter := filterexpr.MustCompile(bson.D{{Key: "x", Value: nil}})
	require.True(t, nullFilter.Match(bson.D{}))
	require.True(t, nullFilter.Match(bson.D{{Key: "x", Value: nil}}))
	require.False(t, nullFilter.Match(bson.D{{Key: "x", Value: int64(1)}}))
}

func TestComparisonOperators(t *testing.T) {
	f := filterexpr.MustCompile(bson.D{{Key: "qty", Value: bson.D{{Key: "$gte", Value: int64(10)}}}})
	require.True(t, f.Match(bson.D{{Key: "qty", Value: int64(10)}}))
	require.False(t, f.Match(bson.D{{Key: "qty", Value: int64(9)}}))
}

func TestArrayImplicitBroadcast(t *testing.T) {
	f := filterexpr.MustCompile(bson.D{{Key: "tags", Value: "red"}})
	require.True(t, f.Match(bson.D{{Key: "tags", Value: bson.A{"blue", "red"}}}))
	require.False(t, f.Match(bson.D{{Key: "tags", Value: bson.A{"blue", "green"}}}))
}

func TestElemMatchRequiresSameElement(t *testing.T) {
	f := filterexpr.MustCompile(bson.D{{Key: "items", Value: bson.D{{Key: "$elemMatch", Value: bson.D{
		{Key: "qty", Value: bson.D{{Key: "$gt", Value: int64(5)}}},
		{Key: "price", Value: bson.D{{Key: "$lt", Value: int64(100)}}},
	}}}}}

	doc1 := bson.D{{Key: "items", Value: bson.A{
		bson.D{{Key: "qty", Value: int64(10)}, {Key: "price", Value: int64(50)}},
	}}}
	require.True(t, f.Match(doc1))

	// qty satisfied by one element, price by another — must not match.
	doc2 := bson.D{{Key: "items", Value: bson.A{
		bson.D{{Key: "qty", Value: int64(10)}, {Key: "price", Value: int64(500)}},
		bson.D{{Key: "qty", Value: int64(1)}, {Key: "price", Value: int64(50)}},
	}}}
	require.False(t, f.Match(doc2))
}

func TestAndOrNor(t *testing.T) {
	f := filterexpr.MustCompile(bson.D{{Key: "$or", Value: bson.A{
		bson.D{{Key: "a", Value: int64(1)}},
		bson.D{{Key: "b", Value: int64(2)}},
	}}})
	require.True(t, f.Match(bson.D{{Key: "a", Value: int64(1)}}))
	require.True(t, f.Match(bson.D{{Key: "b", Value: int64(2)}}))
	require.False(t, f.Match(bson.D{{Key: "a", Value: int64(9)}}))

	nor := filterexpr.MustCompile(bson.D{{Key: "$nor", Value: bson.A{
		bson.D{{Key: "a", Value: int64(1)}},
	}}})
	require.False(t, nor.Match(bson.D{{Key: "a", Value: int64(1)}}))
	require.True(t, nor.Match(bson.D{{Key: "a", Value: int64(2)}}))
}

func TestExistsAndType(t *testing.T) {
	exists := filterexpr.MustCompile(bson.D{{Key: "a", Value: bson.D{{Key: "$exists", Value: true}}}})
	require.True(t, exists.Match(bson.D{{Key: "a", Value: int64(1)}}))
	require.False(t, exists.Match(bson.D{}))

	typ := filterexpr.MustCompile(bson.D{{Key: "a", Value: bson.D{{Key: "$type", Value: "string"}}}})
	require.True(t, typ.Match(bson.D{{Key: "a", Value: "x"}}))
	require.False(t, typ.Match(bson.D{{Key: "a", Value: int64(1)}}))
}

func TestInNin(t *testing.T) {
	f := filterexpr.MustCompile(bson.D{{Key: "a", Value: bson.D{{Key: "$in", Value: bson.A{int64(1), int64(2)}}}}})
	require.True(t, f.Match(bson.D{{Key: "a", Value: int64(2)}}))
	require.False(t, f.Match(bson.D{{Key: "a", Value: int64(3)}}))

	nin := filterexpr.MustCompile(bson.D{{Key: "a", Value: bson.D{{Key: "$nin", Value: bson.A{int64(1)}}}}})
	require.True(t, nin.Match(bson.D{{Key: "a", Value: int64(2)}}))
	require.False(t, nin.Match(bson.D{{Key: "a", Value: int64(1)}}))
}

func TestSizeAndAll(t *testing.T) {
	size := filterexpr.MustCompile(bson.D{{Key: "tags", Value: bson.D{{Key: "$size", Value: int64(2)}}}})
	require.True(t, size.Match(bson.D{{Key: "tags", Value: bson.A{"a", "b"}}}))
	require.False(t, size.Match(bson.D{{Key: "tags", Value: bson.A{"a"}}}))

	all := filterexpr.MustCompile(bson.D{{Key: "tags", Value: bson.D{{Key: "$all", Value: bson.A{"a", "b"}}}}})
	require.True(t, all.Match(bson.D{{Key: "tags", Value: bson.A{"a", "b", "c"}}}))
	require.False(t, all.Match(bson.D{{Key: "tags", Value: bson.A{"a"}}}))
}

func TestRegexMatching(t *testing.T) {
	f := filterexpr.MustCompile(bson.D{{Key: "name", Value: bson.D{{Key: "$regex", Value: "^foo"}, {Key: "$options", Value: "i"}}}})
	require.True(t, f.Match(bson.D{{Key: "name", Value: "FOObar"}}))
	require.False(t, f.Match(bson.D{{Key: "name", Value: "barfoo"}}))
}

func TestExprNodeEvaluatesAggregationExpression(t *testing.T) {
	f := filterexpr.MustCompile(bson.D{{Key: "$expr", Value: bson.D{
		{Key: "$gt", Value: bson.A{"$qty", "$min"}},
	}}})
	require.True(t, f.Match(bson.D{{Key: "qty", Value: int64(10)}, {Key: "min", Value: int64(5)}}))
	require.False(t, f.Match(bson.D{{Key: "qty", Value: int64(1)}, {Key: "min", Value: int64(5)}}))
}

func TestExprNodeUsesLetVars(t *testing.T) {
	f := filterexpr.MustCompile(bson.D{{Key: "$expr", Value: bson.D{
		{Key: "$eq", Value: bson.A{"$qty", "$$minQty"}},
	}}})
	doc := bson.D{{Key: "qty", Value: int64(5)}}
	require.False(t, f.Match(doc))
	require.True(t, f.MatchWithVars(doc, map[string]any{"minQty": int64(5)}))
}

func TestPushdownHintCollectsEqualityKeys(t *testing.T) {
	f, err := filterexpr.Compile(bson.D{{Key: "status", Value: "active"}})
	require.NoError(t, err)
	require.Equal(t, "active", f.Pushdown.EqualityKeys["status"])
	require.False(t, f.Pushdown.Residual)

	f2, err := filterexpr.Compile(bson.D{{Key: "status", Value: bson.D{{Key: "$gt", Value: int64(1)}}}})
	require.NoError(t, err)
	require.True(t, f2.Pushdown.Residual)
}

func TestUnknownOperatorIsBadQuery(t *testing.T) {
	_, err := filterexpr.Compile(bson.D{{Key: "$bogus", Value: int64(1)}})
	require.Error(t, err)
}
