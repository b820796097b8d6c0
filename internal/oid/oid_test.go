package oid_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dot-do/mondodb-sub005/internal/apperr"
	"github.com/dot-do/mondodb-sub005/internal/oid"
)

func TestNewProducesUniqueIDs(t *testing.T) {
	a := oid.New()
	b := oid.New()
	require.False(t, oid.Equal(a, b))
}

func TestParseHexRoundTrip(t *testing.T) {
	id := oid.New()
	hex := oid.Hex(id)
	require.Len(t, hex, 24)

	parsed, err := oid.ParseHex(hex)
	require.NoError(t, err)
	require.True(t, oid.Equal(id, parsed))
}

func TestParseHexRejectsMalformed(t *testing.T) {
	_, err := oid.ParseHex("not-valid-hex")
	require.Error(t, err)
	require.Equal(t, apperr.CodeInvalidIdentifier, apperr.Code(err))
}

func TestParseHexRejectsWrongLength(t *testing.T) {
	_, err := oid.ParseHex("abcd")
	require.Error(t, err)
}

func TestEqualAcrossNonObjectIDIdentifierKinds(t *testing.T) {
	require.True(t, oid.Equal("abc", "abc"))
	require.False(t, oid.Equal("abc", "xyz"))
	require.True(t, oid.Equal(int64(5), int32(5)))
}

func TestKeyNormalizesCrossTypeNumericIdentifiers(t *testing.T) {
	require.Equal(t, oid.Key(int64(5)), oid.Key(int32(5)))
	require.Equal(t, oid.Key(float32(5)), oid.Key(int64(5)))
	require.Equal(t, "abc", oid.Key("abc"))
}
