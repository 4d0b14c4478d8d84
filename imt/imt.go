// Package imt implements an indexed Merkle tree: an append-only binary tree
// whose k-th element lands in slot k mod 2^height. Slots that receive more
// than one element keep all of them, in insertion order, as a collision bucket.
package imt

import (
	"errors"
	"fmt"
	"hash"

	"github.com/ethereum/go-ethereum/common"
)

// MaxHeight bounds the node array a tree may allocate: 2^25 hashes, 1 GiB.
const MaxHeight = 24

var (
	ErrEmptyInput      = errors.New("imt: empty input")
	ErrEmptyTree       = errors.New("imt: tree has no leaves")
	ErrIndexOutOfRange = errors.New("imt: slot index out of range")
	ErrNotFound        = errors.New("imt: element not found")
	ErrInvalidHeight   = errors.New("imt: invalid height")
)

// EmptyHash is the hash of a slot that holds nothing. It is all zeroes and so can
// never collide with a keccak digest of real content.
var EmptyHash = common.Hash{}

type slotKind uint8

const (
	slotEmpty slotKind = iota
	slotLeaf
	slotBucket
)

type slot struct {
	kind     slotKind
	elements []common.Hash
}

// IndexedMerkleTree is not safe for concurrent mutation. Readers may share a
// tree once it is no longer modified.
type IndexedMerkleTree struct {
	hasher hash.Hash
	height int
	// nodes is a binary heap: nodes[1] is the root, children of i are 2i and 2i+1,
	// and slot s lives at nodes[leafCount+s].
	nodes []common.Hash
	slots []slot
	count int
}

// New returns an empty tree with 2^height slots.
func New(hasher hash.Hash, height int) (*IndexedMerkleTree, error) {
	if height < 1 || height > MaxHeight {
		return nil, fmt.Errorf("%w: %d", ErrInvalidHeight, height)
	}
	leafCount := 1 << uint(height)
	tree := &IndexedMerkleTree{
		hasher: hasher,
		height: height,
		nodes:  make([]common.Hash, 2*leafCount),
		slots:  make([]slot, leafCount),
	}

	// every node of an empty tree at the same level has the same hash
	levelHash := EmptyHash
	for width := leafCount; width >= 1; width /= 2 {
		for i := width; i < 2*width; i++ {
			tree.nodes[i] = levelHash
		}
		levelHash = tree.digest(levelHash.Bytes(), levelHash.Bytes())
	}
	return tree, nil
}

// Build places orderedHashes into a tree just tall enough to hold them without collisions.
func Build(hasher hash.Hash, orderedHashes []common.Hash) (*IndexedMerkleTree, error) {
	if len(orderedHashes) == 0 {
		return nil, ErrEmptyInput
	}
	tree, err := New(hasher, HeightFor(len(orderedHashes)))
	if err != nil {
		return nil, err
	}
	for _, h := range orderedHashes {
		tree.place(h)
	}

	leafCount := tree.LeafCount()
	for s := 0; s < leafCount; s++ {
		tree.nodes[leafCount+s] = tree.slotHash(s)
	}
	for i := leafCount - 1; i >= 1; i-- {
		tree.nodes[i] = tree.digest(tree.nodes[2*i].Bytes(), tree.nodes[2*i+1].Bytes())
	}
	return tree, nil
}

// HeightFor returns ceil(log2(n)), at least 1.
func HeightFor(n int) int {
	height := 1
	for 1<<uint(height) < n {
		height++
	}
	return height
}

// Insert appends element and rehashes only the path from its slot to the root.
func (tree *IndexedMerkleTree) Insert(element common.Hash) int {
	s := tree.place(element)
	i := tree.LeafCount() + s
	tree.nodes[i] = tree.slotHash(s)
	for i > 1 {
		i /= 2
		tree.nodes[i] = tree.digest(tree.nodes[2*i].Bytes(), tree.nodes[2*i+1].Bytes())
	}
	return s
}

func (tree *IndexedMerkleTree) place(element common.Hash) int {
	s := tree.count % tree.LeafCount()
	tree.count++

	sl := &tree.slots[s]
	sl.elements = append(sl.elements, element)
	switch sl.kind {
	case slotEmpty:
		sl.kind = slotLeaf
	case slotLeaf:
		sl.kind = slotBucket
	}
	return s
}

func (tree *IndexedMerkleTree) slotHash(s int) common.Hash {
	sl := tree.slots[s]
	switch sl.kind {
	case slotLeaf:
		return tree.digest(sl.elements[0].Bytes())
	case slotBucket:
		parts := make([][]byte, len(sl.elements))
		for i := range sl.elements {
			parts[i] = sl.elements[i].Bytes()
		}
		return tree.digest(parts...)
	default:
		return EmptyHash
	}
}

func (tree *IndexedMerkleTree) digest(data ...[]byte) common.Hash {
	return digest(tree.hasher, data...)
}

func digest(hasher hash.Hash, data ...[]byte) common.Hash {
	hasher.Reset()
	for _, d := range data {
		hasher.Write(d)
	}
	sum := common.BytesToHash(hasher.Sum(nil))
	hasher.Reset()
	return sum
}

// RootHash fails with ErrEmptyTree until at least one element was added.
func (tree *IndexedMerkleTree) RootHash() (common.Hash, error) {
	if tree.count == 0 {
		return common.Hash{}, ErrEmptyTree
	}
	return tree.nodes[1], nil
}

func (tree *IndexedMerkleTree) Height() int {
	return tree.height
}

func (tree *IndexedMerkleTree) LeafCount() int {
	return len(tree.slots)
}

// Len is the number of elements added, including those sharing a slot.
func (tree *IndexedMerkleTree) Len() int {
	return tree.count
}

// NodeIndex is the heap position of slot s, with the root at 1.
func (tree *IndexedMerkleTree) NodeIndex(s int) int {
	return tree.LeafCount() + s
}

func (tree *IndexedMerkleTree) checkSlot(s int) error {
	if s < 0 || s >= tree.LeafCount() {
		return fmt.Errorf("%w: %d not in [0, %d)", ErrIndexOutOfRange, s, tree.LeafCount())
	}
	return nil
}

// LeafHash returns the hash stored for slot s.
func (tree *IndexedMerkleTree) LeafHash(s int) (common.Hash, error) {
	if err := tree.checkSlot(s); err != nil {
		return common.Hash{}, err
	}
	return tree.nodes[tree.NodeIndex(s)], nil
}

// SlotElements returns the elements hashed into slot s, in insertion order.
func (tree *IndexedMerkleTree) SlotElements(s int) ([]common.Hash, error) {
	if err := tree.checkSlot(s); err != nil {
		return nil, err
	}
	return append([]common.Hash(nil), tree.slots[s].elements...), nil
}

// LeafElements returns the elements of every slot from fromSlot on, bucket order
// within a slot and slot order across slots.
func (tree *IndexedMerkleTree) LeafElements(fromSlot int) ([]common.Hash, error) {
	if err := tree.checkSlot(fromSlot); err != nil {
		return nil, err
	}
	var out []common.Hash
	for s := fromSlot; s < tree.LeafCount(); s++ {
		out = append(out, tree.slots[s].elements...)
	}
	return out, nil
}

// IndexOf returns the slot that holds element.
func (tree *IndexedMerkleTree) IndexOf(element common.Hash) (int, error) {
	for s := range tree.slots {
		for _, e := range tree.slots[s].elements {
			if e == element {
				return s, nil
			}
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrNotFound, element.Hex())
}
