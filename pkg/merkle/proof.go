package merkle

import "strings"

// Sibling positions in a proof step.
const (
	SideLeft  = "L"
	SideRight = "R"
)

// InclusionProof shows that one event is a leaf of a tree with MerkleRoot.
type InclusionProof struct {
	EventID    string      `json:"event_id"`
	LeafHash   string      `json:"leaf_hash"`
	MerkleRoot string      `json:"merkle_root"`
	ProofPath  []ProofStep `json:"proof_path"`
}

// ProofStep is one sibling on the path from leaf to root.
type ProofStep struct {
	Side        string `json:"side"`
	SiblingHash string `json:"sibling_hash"`
}

// VerifyInclusionProof folds the proof path from the leaf and reports whether
// it reaches expectedRoot. An empty expectedRoot trusts proof.MerkleRoot.
func VerifyInclusionProof(proof InclusionProof, expectedRoot string) bool {
	if expectedRoot != "" && !strings.EqualFold(proof.MerkleRoot, expectedRoot) {
		return false
	}
	current := proof.LeafHash
	for _, step := range proof.ProofPath {
		switch step.Side {
		case SideLeft:
			current = nodeHash(step.SiblingHash, current)
		case SideRight:
			current = nodeHash(current, step.SiblingHash)
		default:
			return false
		}
	}
	return strings.EqualFold(current, proof.MerkleRoot)
}

// VerifyLeaf is VerifyInclusionProof that also binds the proof to leaf.
func VerifyLeaf(leaf Leaf, proof InclusionProof, expectedRoot string) bool {
	if proof.EventID != leaf.ID || LeafHash(leaf) != proof.LeafHash {
		return false
	}
	return VerifyInclusionProof(proof, expectedRoot)
}
