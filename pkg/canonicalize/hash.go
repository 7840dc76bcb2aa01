package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"
)

var (
	// ErrInvalidHashFormat is returned when a hash token is not of the form
	// "<ALGO>:<64 lowercase hex digits>".
	ErrInvalidHashFormat = errors.New("canonicalize: invalid hash format")
	// ErrUnknownAlgorithm is returned for an unsupported algorithm tag.
	ErrUnknownAlgorithm = errors.New("canonicalize: unknown hash algorithm")
)

// Algorithm is the tag prefixed to every hash token.
type Algorithm string

const (
	SHA256   Algorithm = "SHA256"
	SHA3_256 Algorithm = "SHA3-256"
	BLAKE3   Algorithm = "BLAKE3"
)

// digestHexLen is the hex length of a 256-bit digest.
const digestHexLen = 64

var sums = map[Algorithm]func([]byte) [32]byte{
	SHA256:   sha256.Sum256,
	SHA3_256: sha3.Sum256,
	BLAKE3:   blake3.Sum256,
}

// ParseAlgorithm resolves an algorithm tag, ignoring case.
func ParseAlgorithm(s string) (Algorithm, error) {
	alg := Algorithm(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := sums[alg]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownAlgorithm, s)
	}
	return alg, nil
}

// Hash is a self-describing digest token, e.g. "SHA256:9f86d0...".
// It is compared as an opaque string. The zero value means "absent".
type Hash string

// ParseHash validates s as a hash token.
func ParseHash(s string) (Hash, error) {
	tag, digest, ok := strings.Cut(s, ":")
	if !ok {
		return "", fmt.Errorf("%w: missing algorithm tag in %q", ErrInvalidHashFormat, s)
	}
	if _, known := sums[Algorithm(tag)]; !known {
		return "", fmt.Errorf("%w: unknown algorithm tag %q", ErrInvalidHashFormat, tag)
	}
	if len(digest) != digestHexLen {
		return "", fmt.Errorf("%w: digest has %d hex digits, want %d", ErrInvalidHashFormat, len(digest), digestHexLen)
	}
	for i := 0; i < len(digest); i++ {
		c := digest[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return "", fmt.Errorf("%w: non-hex digit %q", ErrInvalidHashFormat, c)
		}
	}
	return Hash(s), nil
}

// Validate reports whether h is a well-formed token.
func (h Hash) Validate() error {
	_, err := ParseHash(string(h))
	return err
}

// IsZero reports whether h is absent.
func (h Hash) IsZero() bool { return h == "" }

// Algorithm returns the tag portion of h, or "" if h has none.
func (h Hash) Algorithm() Algorithm {
	tag, _, ok := strings.Cut(string(h), ":")
	if !ok {
		return ""
	}
	return Algorithm(tag)
}

func (h Hash) String() string { return string(h) }

// Hasher computes digests with one fixed algorithm.
type Hasher struct {
	alg Algorithm
	sum func([]byte) [32]byte
}

// NewHasher returns a Hasher for alg.
func NewHasher(alg Algorithm) (*Hasher, error) {
	sum, ok := sums[alg]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, alg)
	}
	return &Hasher{alg: alg, sum: sum}, nil
}

// DefaultHasher returns the SHA-256 Hasher.
func DefaultHasher() *Hasher {
	return &Hasher{alg: SHA256, sum: sha256.Sum256}
}

// Algorithm returns the hasher's algorithm tag.
func (h *Hasher) Algorithm() Algorithm { return h.alg }

// Sum hashes raw bytes and renders the token.
func (h *Hasher) Sum(data []byte) Hash {
	digest := h.sum(data)
	return Hash(string(h.alg) + ":" + hex.EncodeToString(digest[:]))
}

// Digest hashes the canonical JSON form of payload.
func (h *Hasher) Digest(payload any) (Hash, error) {
	canonical, err := JCS(payload)
	if err != nil {
		return "", err
	}
	return h.Sum(canonical), nil
}

// Digest hashes payload with the default SHA-256 Hasher.
func Digest(payload any) (Hash, error) {
	return DefaultHasher().Digest(payload)
}
