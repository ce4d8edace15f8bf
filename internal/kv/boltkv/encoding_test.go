package boltkv

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/localstore/internal/kv"
)

func TestEncodeKey_OrderMatchesCompareKeys(t *testing.T) {
	keys := []kv.Key{int64(-50), float64(-1.5), int64(0), float64(0.25), int64(1), int64(1000), "", "a", "a\x00", "a\x00b", "ab", "b"}

	for i := range keys {
		for j := range keys {
			ei, err := encodeKey(keys[i])
			require.NoError(t, err)
			ej, err := encodeKey(keys[j])
			require.NoError(t, err)
			assert.Equal(t, kv.CompareKeys(keys[i], keys[j]), bytes.Compare(ei, ej), "compare %#v vs %#v", keys[i], keys[j])
		}
	}
}

func TestDecodeKey_RoundTripsConcatenated(t *testing.T) {
	a, err := encodeKey("user\x00name")
	require.NoError(t, err)
	b, err := encodeKey(int64(42))
	require.NoError(t, err)

	k1, rest, err := decodeKey(append(append([]byte(nil), a...), b...))
	require.NoError(t, err)
	assert.Equal(t, "user\x00name", k1)

	k2, rest, err := decodeKey(rest)
	require.NoError(t, err)
	assert.Equal(t, int64(42), k2)
	assert.Empty(t, rest)
}

func TestDecodeKey_RejectsGarbage(t *testing.T) {
	_, _, err := decodeKey([]byte{0x99})
	assert.Error(t, err)

	_, _, err = decodeKey([]byte{tagString, 'a'})
	assert.Error(t, err)
}
