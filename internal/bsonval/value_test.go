package bsonval_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/dot-do/mondodb-sub005/internal/bsonval"
)

func TestCompareTotalOrdering(t *testing.T) {
	// null < number < string < object < array < binary < objectId < bool < datetime
	values := []any{
		nil,
		int64(1),
		"a",
		bson.D{{Key: "a", Value: 1}},
		bson.A{1, 2},
		bson.Binary{Data: []byte("x")},
		bson.NewObjectID(),
		true,
		bson.DateTime(1000),
	}
	for i := 0; i < len(values)-1; i++ {
		require.Negative(t, bsonval.Compare(values[i], values[i+1]), "expected %v < %v", values[i], values[i+1])
		require.Positive(t, bsonval.Compare(values[i+1], values[i]))
	}
}

func TestMissingOrdersBeforeEverythingIncludingNull(t *testing.T) {
	require.Negative(t, bsonval.Compare(bsonval.Missing{}, nil))
	require.Equal(t, 0, bsonval.Compare(bsonval.Missing{}, bsonval.Missing{}))
}

func TestEqualCrossNumericTypes(t *testing.T) {
	require.True(t, bsonval.Equal(int32(1), int64(1)))
	require.True(t, bsonval.Equal(int64(2), float64(2)))
	require.False(t, bsonval.Equal(int64(2), float64(2.5)))
}

func TestEqualMissingIsNotEqualToNull(t *testing.T) {
	require.False(t, bsonval.Equal(bsonval.Missing{}, nil))
	require.True(t, bsonval.Equal(bsonval.Missing{}, bsonval.Missing{}))
}

func TestEqualObjectsOrderSensitive(t *testing.T) {
	a := bson.D{{Key: "a", Value: 1}, {Key: "b", Value: 2}}
	b := bson.D{{Key: "b", Value: 2}, {Key: "a", Value: 1}}
	require.False(t, bsonval.Equal(a, b))
	require.True(t, bsonval.Equal(a, a))
}

func TestTruthy(t *testing.T) {
	require.False(t, bsonval.Truthy(nil))
	require.False(t, bsonval.Truthy(bsonval.Missing{}))
	require.False(t, bsonval.Truthy(false))
	require.False(t, bsonval.Truthy(int64(0)))
	require.True(t, bsonval.Truthy(int64(1)))
	require.True(t, bsonval.Truthy("x"))
	require.True(t, bsonval.Truthy(""))
}

func TestKind(t *testing.T) {
	require.Equal(t, bsonval.KindNumber, bsonval.Kind(int64(1)))
	require.Equal(t, bsonval.KindNumber, bsonval.Kind(1.5))
	require.Equal(t, bsonval.KindString, bsonval.Kind("x"))
	require.Equal(t, bsonval.KindArray, bsonval.Kind(bson.A{1}))
	require.Equal(t, bsonval.KindObject, bsonval.Kind(bson.D{{Key: "a", Value: 1}}))
	require.Equal(t, bsonval.KindObjectID, bsonval.Kind(bson.NewObjectID()))
	require.Equal(t, bsonval.KindMissing, bsonval.Kind(bsonval.Missing{}))
}

func TestNewUUIDBinary(t *testing.T) {
	b, err := bsonval.NewUUIDBinary("550e8400-e29b-41d4-a716-446655440000")
	require.NoError(t, err)
	require.EqualValues(t, 0x04, b.Subtype)
	require.Len(t, b.Data, 16)

	_, err = bsonval.NewUUIDBinary("not-a-uuid")
	require.Error(t, err)
}

func TestParseDateTime(t *testing.T) {
	dt, err := bsonval.ParseDateTime("2024-01-02")
	require.NoError(t, err)
	require.Equal(t, "2024-01-02", dt.Time().UTC().Format("2006-01-02"))

	_, err = bsonval.ParseDateTime("not a date")
	require.Error(t, err)
}
