package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasher_DigestFormat(t *testing.T) {
	h, err := Digest(map[string]any{"consent": "granted"})
	require.NoError(t, err)

	sum := sha256.Sum256([]byte(`{"consent":"granted"}`))
	assert.Equal(t, Hash("SHA256:"+hex.EncodeToString(sum[:])), h)
	assert.Equal(t, SHA256, h.Algorithm())
	assert.NoError(t, h.Validate())
}

func TestHasher_Algorithms(t *testing.T) {
	payload := map[string]any{"a": 1}
	seen := map[Hash]bool{}

	for _, alg := range []Algorithm{SHA256, SHA3_256, BLAKE3} {
		hasher, err := NewHasher(alg)
		require.NoError(t, err)
		assert.Equal(t, alg, hasher.Algorithm())

		h, err := hasher.Digest(payload)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(string(h), string(alg)+":"), "token %s", h)
		assert.NoError(t, h.Validate())
		assert.False(t, seen[h], "algorithms must not collide")
		seen[h] = true
	}

	_, err := NewHasher("MD5")
	assert.ErrorIs(t, err, ErrUnknownAlgorithm)
}

func TestParseAlgorithm(t *testing.T) {
	alg, err := ParseAlgorithm(" sha3-256 ")
	require.NoError(t, err)
	assert.Equal(t, SHA3_256, alg)

	_, err = ParseAlgorithm("crc32")
	assert.ErrorIs(t, err, ErrUnknownAlgorithm)
}

func TestParseHash(t *testing.T) {
	valid := "SHA256:" + strings.Repeat("ab", 32)

	h, err := ParseHash(valid)
	require.NoError(t, err)
	assert.Equal(t, Hash(valid), h)

	invalid := map[string]string{
		"empty":         "",
		"no tag":        strings.Repeat("ab", 32),
		"unknown tag":   "MD5:" + strings.Repeat("ab", 32),
		"lowercase tag": "sha256:" + strings.Repeat("ab", 32),
		"short":         "SHA256:abcd",
		"uppercase hex": "SHA256:" + strings.Repeat("AB", 32),
		"non hex":       "SHA256:" + strings.Repeat("zz", 32),
	}
	for name, s := range invalid {
		_, err := ParseHash(s)
		assert.ErrorIs(t, err, ErrInvalidHashFormat, name)
	}
}

func TestHash_Zero(t *testing.T) {
	var h Hash
	assert.True(t, h.IsZero())
	assert.Equal(t, Algorithm(""), h.Algorithm())
	assert.ErrorIs(t, h.Validate(), ErrInvalidHashFormat)
}
