// Package merkle builds and verifies hash-tree commitments over ordered
// leaf sets. Sibling pairs are sorted by byte value before hashing, so a
// proof verifies regardless of whether an element was the tree-left or
// tree-right sibling.
package merkle

import (
	"bytes"
	"errors"
	"hash"
)

// Tree is a Merkle tree over an ordered set of leaf hashes.
type Tree struct {
	hasher hash.Hash
	leaves [][]byte
	layers [][][]byte
}

// Proof is an ordered sequence of sibling hashes from leaf to root.
type Proof [][]byte

var ErrIndexOutOfRange = errors.New("leaf index out of range")

// NewTree builds a tree from leaves. An empty leaf set yields a tree whose
// root is the all-zero sentinel of the hasher's size.
func NewTree(hasher hash.Hash, leaves [][]byte) *Tree {
	tree := &Tree{
		hasher: hasher,
		leaves: make([][]byte, len(leaves)),
	}
	for i, leaf := range leaves {
		tree.leaves[i] = append([]byte(nil), leaf...)
	}
	tree.build()
	return tree
}

func (tree *Tree) build() {
	if len(tree.leaves) == 0 {
		tree.layers = nil
		return
	}
	layer := tree.leaves
	tree.layers = [][][]byte{layer}
	for len(layer) > 1 {
		next := make([][]byte, 0, (len(layer)+1)/2)
		for i := 0; i < len(layer); i += 2 {
			if i+1 < len(layer) {
				next = append(next, hashPair(tree.hasher, layer[i], layer[i+1]))
			} else {
				// odd count: promote the last element unpaired
				next = append(next, layer[i])
			}
		}
		tree.layers = append(tree.layers, next)
		layer = next
	}
}

// Root returns the single node of the last layer, or the all-zero sentinel
// for an empty tree.
func (tree *Tree) Root() []byte {
	if len(tree.layers) == 0 {
		return make([]byte, tree.hasher.Size())
	}
	top := tree.layers[len(tree.layers)-1]
	return append([]byte(nil), top[0]...)
}

// NumLeaves returns the number of leaves the tree was built from.
func (tree *Tree) NumLeaves() int {
	return len(tree.leaves)
}

// Prove generates the inclusion proof for the leaf at index.
func (tree *Tree) Prove(index int) (Proof, error) {
	if index < 0 || index >= len(tree.leaves) {
		return nil, ErrIndexOutOfRange
	}
	var proof Proof
	position := index
	for _, layer := range tree.layers[:len(tree.layers)-1] {
		sibling := position ^ 1
		if sibling < len(layer) {
			proof = append(proof, append([]byte(nil), layer[sibling]...))
		}
		// a promoted node has no sibling and contributes no proof element
		position /= 2
	}
	return proof, nil
}

// Verify checks a leaf against a root using the sibling hashes in proof.
func Verify(hasher hash.Hash, leaf []byte, proof Proof, root []byte) bool {
	current := append([]byte(nil), leaf...)
	for _, sibling := range proof {
		current = hashPair(hasher, current, sibling)
	}
	return bytes.Equal(current, root)
}

// hashPair digests min(a,b) ++ max(a,b).
func hashPair(hasher hash.Hash, a []byte, b []byte) []byte {
	if bytes.Compare(a, b) > 0 {
		a, b = b, a
	}
	hasher.Reset()
	hasher.Write(a)
	hasher.Write(b)
	sum := hasher.Sum(nil)
	hasher.Reset()
	return sum
}
