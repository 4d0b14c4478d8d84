package imt

import (
	"fmt"
	"hash"

	"github.com/ethereum/go-ethereum/common"
)

// Position tells on which side of the running hash a proof sibling sits.
type Position uint8

const (
	Left Position = iota
	Right
)

func (p Position) String() string {
	if p == Left {
		return "left"
	}
	return "right"
}

// ProofNode is one sibling on the path from a leaf to the root.
type ProofNode struct {
	Hash     common.Hash
	Position Position
}

// Proof lists siblings from the leaf level up, root excluded.
type Proof []ProofNode

// Slice returns the inclusion proof for slot s.
func (tree *IndexedMerkleTree) Slice(s int) (Proof, error) {
	if err := tree.checkSlot(s); err != nil {
		return nil, err
	}
	proof := make(Proof, 0, tree.height)
	for i := tree.NodeIndex(s); i > 1; i /= 2 {
		node := ProofNode{Hash: tree.nodes[i^1], Position: Right}
		if i%2 == 1 {
			node.Position = Left
		}
		proof = append(proof, node)
	}
	return proof, nil
}

// Fold recomputes the root from a leaf hash and its proof.
func (proof Proof) Fold(hasher hash.Hash, leafHash common.Hash) common.Hash {
	current := leafHash
	for _, node := range proof {
		if node.Position == Left {
			current = digest(hasher, node.Hash.Bytes(), current.Bytes())
		} else {
			current = digest(hasher, current.Bytes(), node.Hash.Bytes())
		}
	}
	return current
}

// VerifyProof reports whether proof links leafHash to root.
func VerifyProof(hasher hash.Hash, leafHash common.Hash, proof Proof, root common.Hash) bool {
	return proof.Fold(hasher, leafHash) == root
}

// LeafHashOf returns the hash a slot holding elements would have. It lets a
// verifier go from the leaf elements served with a slice to the proof's leaf hash.
func LeafHashOf(hasher hash.Hash, elements []common.Hash) common.Hash {
	if len(elements) == 0 {
		return EmptyHash
	}
	parts := make([][]byte, len(elements))
	for i := range elements {
		parts[i] = elements[i].Bytes()
	}
	return digest(hasher, parts...)
}

func (node ProofNode) String() string {
	return fmt.Sprintf("%s:%s", node.Position, node.Hash.Hex())
}
