// Package chain links content digests into a per-tenant hash chain.
//
// Each event's combined hash commits to its own payload digest and to the
// combined hash of every event before it, so a single changed bit anywhere
// upstream changes every later link.
package chain

import (
	"fmt"

	"github.com/Mindburn-Labs/auditchain/pkg/canonicalize"
)

// Linker computes combined hashes with the same algorithm as the payload
// hasher it wraps.
type Linker struct {
	hasher *canonicalize.Hasher
}

// NewLinker returns a Linker over hasher. A nil hasher selects SHA-256.
func NewLinker(hasher *canonicalize.Hasher) *Linker {
	if hasher == nil {
		hasher = canonicalize.DefaultHasher()
	}
	return &Linker{hasher: hasher}
}

// Hasher returns the underlying payload hasher.
func (l *Linker) Hasher() *canonicalize.Hasher { return l.hasher }

// Link returns the new tip for an event with payloadHash appended after
// prevHash. A root event (zero prevHash) links to its own payload hash.
// Otherwise the result is H(payloadHash || prevHash) over the full tokens.
func (l *Linker) Link(payloadHash, prevHash canonicalize.Hash) (canonicalize.Hash, error) {
	if err := payloadHash.Validate(); err != nil {
		return "", fmt.Errorf("payload hash: %w", err)
	}
	if prevHash.IsZero() {
		return payloadHash, nil
	}
	if err := prevHash.Validate(); err != nil {
		return "", fmt.Errorf("previous hash: %w", err)
	}

	buf := make([]byte, 0, len(payloadHash)+len(prevHash))
	buf = append(buf, string(payloadHash)...)
	buf = append(buf, string(prevHash)...)
	return l.hasher.Sum(buf), nil
}
