package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/auditchain/pkg/canonicalize"
)

func mustDigest(t *testing.T, payload any) canonicalize.Hash {
	t.Helper()
	h, err := canonicalize.Digest(payload)
	require.NoError(t, err)
	return h
}

func TestLink_RootReturnsPayloadHash(t *testing.T) {
	l := NewLinker(nil)
	p := mustDigest(t, map[string]any{"event": "root"})

	combined, err := l.Link(p, "")
	require.NoError(t, err)
	assert.Equal(t, p, combined)
}

func TestLink_ConcatenatesTokens(t *testing.T) {
	l := NewLinker(nil)
	p := mustDigest(t, map[string]any{"n": 2})
	prev := mustDigest(t, map[string]any{"n": 1})

	combined, err := l.Link(p, prev)
	require.NoError(t, err)

	sum := sha256.Sum256([]byte(string(p) + string(prev)))
	assert.Equal(t, canonicalize.Hash("SHA256:"+hex.EncodeToString(sum[:])), combined)
}

func TestLink_OrderMatters(t *testing.T) {
	l := NewLinker(nil)
	a := mustDigest(t, map[string]any{"a": true})
	b := mustDigest(t, map[string]any{"b": true})

	ab, err := l.Link(a, b)
	require.NoError(t, err)
	ba, err := l.Link(b, a)
	require.NoError(t, err)
	assert.NotEqual(t, ab, ba)
}

func TestLink_PropagatesUpstreamChange(t *testing.T) {
	l := NewLinker(nil)
	payloads := []canonicalize.Hash{
		mustDigest(t, map[string]any{"i": 0}),
		mustDigest(t, map[string]any{"i": 1}),
		mustDigest(t, map[string]any{"i": 2}),
	}
	tip := func(first canonicalize.Hash) canonicalize.Hash {
		prev := canonicalize.Hash("")
		for i, p := range payloads {
			if i == 0 {
				p = first
			}
			next, err := l.Link(p, prev)
			require.NoError(t, err)
			prev = next
		}
		return prev
	}

	assert.NotEqual(t, tip(payloads[0]), tip(mustDigest(t, map[string]any{"i": "tampered"})))
}

func TestLink_UsesConfiguredAlgorithm(t *testing.T) {
	hasher, err := canonicalize.NewHasher(canonicalize.BLAKE3)
	require.NoError(t, err)
	l := NewLinker(hasher)

	p, err := hasher.Digest(map[string]any{"x": 1})
	require.NoError(t, err)
	prev, err := hasher.Digest(map[string]any{"x": 0})
	require.NoError(t, err)

	combined, err := l.Link(p, prev)
	require.NoError(t, err)
	assert.Equal(t, canonicalize.BLAKE3, combined.Algorithm())
}

func TestLink_InvalidFormat(t *testing.T) {
	l := NewLinker(nil)
	good := mustDigest(t, map[string]any{})

	_, err := l.Link("not-a-hash", "")
	assert.ErrorIs(t, err, canonicalize.ErrInvalidHashFormat)

	_, err = l.Link(good, canonicalize.Hash("SHA256:"+strings.Repeat("0", 10)))
	assert.ErrorIs(t, err, canonicalize.ErrInvalidHashFormat)
}
