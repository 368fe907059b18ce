// Package merkleiter incrementally builds the flat-tree as blocks are
// appended, without re-hashing anything already committed: it keeps exactly
// the current full-root nodes in memory and folds a freshly hashed leaf
// into them, emitting every newly completed parent node along the way.
package merkleiter

import (
	"github.com/kindlyrobotics/feedlog/internal/flattree"
	"github.com/kindlyrobotics/feedlog/internal/treehash"
)

// Node is a tree node's in-memory representation: its flat-tree index, its
// domain-separated hash, and the total byte size of the leaves beneath it
// (equal to the block's own length for a leaf).
type Node struct {
	Index uint64
	Hash  [32]byte
	Size  uint64
}

// Generator reproduces the feed's current full roots and folds new leaves
// into them as they're appended.
type Generator struct {
	roots []Node
}

// New seeds a generator from a feed's current full-root nodes (loaded from
// storage at open time; empty for a brand-new feed).
func New(roots []Node) *Generator {
	g := &Generator{roots: append([]Node(nil), roots...)}
	return g
}

// Roots returns the generator's current full roots, left to right.
func (g *Generator) Roots() []Node {
	return append([]Node(nil), g.roots...)
}

// Append folds one new block into the tree, returning the new leaf node
// followed by every parent node it completes (left to right, bottom to
// top). The caller is responsible for persisting all returned nodes and
// then advancing the feed's length/byteLength by one block.
func (g *Generator) Append(data []byte) (leaf Node, parents []Node) {
	var nextIndex uint64
	if len(g.roots) > 0 {
		last := g.roots[len(g.roots)-1]
		nextIndex = flattree.RightSpan(last.Index) + 2
	}

	leaf = Node{
		Index: nextIndex,
		Hash:  treehash.Leaf(data),
		Size:  uint64(len(data)),
	}

	g.roots = append(g.roots, leaf)
	for len(g.roots) >= 2 {
		left := g.roots[len(g.roots)-2]
		right := g.roots[len(g.roots)-1]
		if flattree.Sibling(left.Index) != right.Index {
			break
		}
		parent := Node{
			Index: flattree.Parent(left.Index),
			Hash:  treehash.Parent(left.Hash, right.Hash, left.Size, right.Size),
			Size:  left.Size + right.Size,
		}
		g.roots = g.roots[:len(g.roots)-2]
		g.roots = append(g.roots, parent)
		parents = append(parents, parent)
	}
	return leaf, parents
}

// ByteLength returns the sum of all current roots' sizes (invariant 4).
func (g *Generator) ByteLength() uint64 {
	var total uint64
	for _, r := range g.roots {
		total += r.Size
	}
	return total
}

// RootHashes extracts just the hashes of the current roots, in order, for
// feeding into treehash.Roots.
func RootHashes(roots []Node) [][32]byte {
	out := make([][32]byte, len(roots))
	for i, r := range roots {
		out[i] = r.Hash
	}
	return out
}
