// Package merkle builds a Merkle tree over the events of an evidence pack so
// a single event can be proven part of a pack without the rest of it.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	leafDomain = "auditchain:event:leaf:v1"
	nodeDomain = "auditchain:event:node:v1"
)

// ErrLeafIndex is returned by Proof for an index outside the tree.
var ErrLeafIndex = errors.New("merkle: leaf index out of range")

// Leaf identifies one event: its ID and its combined hash token.
type Leaf struct {
	ID   string
	Hash string
}

// Tree is a binary SHA-256 Merkle tree. An odd node at any level is paired
// with itself.
type Tree struct {
	Leaves []Leaf
	// Levels holds node hashes bottom-up; Levels[0] are leaf hashes and the
	// last level is the root.
	Levels [][]string
	Root   string
}

// Build constructs the tree over leaves in the given order. An empty input
// yields an empty root.
func Build(leaves []Leaf) *Tree {
	tree := &Tree{Leaves: leaves}
	if len(leaves) == 0 {
		return tree
	}

	level := make([]string, len(leaves))
	for i, l := range leaves {
		level[i] = LeafHash(l)
	}
	tree.Levels = append(tree.Levels, level)
	for len(level) > 1 {
		level = nextLevel(level)
		tree.Levels = append(tree.Levels, level)
	}
	tree.Root = level[0]
	return tree
}

// LeafHash is SHA-256("auditchain:event:leaf:v1\0" || id || "\0" || hash).
func LeafHash(l Leaf) string {
	var buf bytes.Buffer
	buf.WriteString(leafDomain)
	buf.WriteByte(0)
	buf.WriteString(l.ID)
	buf.WriteByte(0)
	buf.WriteString(l.Hash)
	return sha256Hex(buf.Bytes())
}

func nextLevel(hashes []string) []string {
	next := make([]string, 0, (len(hashes)+1)/2)
	for i := 0; i < len(hashes); i += 2 {
		right := hashes[i]
		if i+1 < len(hashes) {
			right = hashes[i+1]
		}
		next = append(next, nodeHash(hashes[i], right))
	}
	return next
}

func nodeHash(left, right string) string {
	var buf bytes.Buffer
	buf.WriteString(nodeDomain)
	buf.WriteByte(0)
	buf.Write(hexToBytes(left))
	buf.Write(hexToBytes(right))
	return sha256Hex(buf.Bytes())
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func hexToBytes(s string) []byte {
	b, _ := hex.DecodeString(s)
	return b
}

// Proof returns the inclusion proof for the leaf at index.
func (t *Tree) Proof(index int) (InclusionProof, error) {
	if index < 0 || index >= len(t.Leaves) {
		return InclusionProof{}, fmt.Errorf("%w: %d of %d", ErrLeafIndex, index, len(t.Leaves))
	}
	proof := InclusionProof{
		EventID:    t.Leaves[index].ID,
		LeafHash:   t.Levels[0][index],
		MerkleRoot: t.Root,
	}
	pos := index
	for _, level := range t.Levels[:len(t.Levels)-1] {
		var step ProofStep
		if pos%2 == 0 {
			sibling := pos + 1
			if sibling >= len(level) {
				sibling = pos
			}
			step = ProofStep{Side: SideRight, SiblingHash: level[sibling]}
		} else {
			step = ProofStep{Side: SideLeft, SiblingHash: level[pos-1]}
		}
		proof.ProofPath = append(proof.ProofPath, step)
		pos /= 2
	}
	return proof, nil
}
