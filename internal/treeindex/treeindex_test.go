package treeindex

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kindlyrobotics/feedlog/internal/bitfield"
	"github.com/kindlyrobotics/feedlog/internal/flattree"
)

// buildFullTree marks every tree-node index covering `leaves` leaves as
// present, simulating a feed that has stored every node.
func buildFullTree(leaves uint64) *bitfield.Bitfield {
	b := bitfield.New()
	for _, i := range flattree.FullRoots(leaves * 2) {
		markSubtree(b, i)
	}
	return b
}

func markSubtree(b *bitfield.Bitfield, i uint64) {
	b.Set(i, true)
	if flattree.IsLeaf(i) {
		return
	}
	markSubtree(b, flattree.LeftChild(i))
	markSubtree(b, flattree.RightChild(i))
}

func TestProofCoversFourLeafTree(t *testing.T) {
	b := buildFullTree(4)
	idx := New(b)

	p := idx.Proof(0, 4, ProofOptions{})
	require.Equal(t, uint64(4), p.VerifiedBy)
	// Block 0 is leaf index 0; its proof needs sibling 2, then sibling 5
	// (the other half of the balanced 4-leaf tree rooted at 3).
	require.ElementsMatch(t, []uint64{2, 5}, p.Nodes)
}

func TestProofWithIncludeLeafHash(t *testing.T) {
	b := buildFullTree(2)
	idx := New(b)
	p := idx.Proof(1, 2, ProofOptions{IncludeLeafHash: true})
	require.Contains(t, p.Nodes, uint64(2)) // leaf index for block 1
}

func TestProofOmitsKnownSiblings(t *testing.T) {
	b := buildFullTree(4)
	idx := New(b)
	p := idx.Proof(0, 4, ProofOptions{
		RemoteHas: func(index uint64) bool { return index == 2 },
	})
	require.NotContains(t, p.Nodes, uint64(2))
	require.Contains(t, p.Nodes, uint64(5))
}

func TestProofBeyondLengthHasNoAnchor(t *testing.T) {
	b := buildFullTree(4)
	idx := New(b)
	// Ask for a proof of block 2 but claim a committed length of only 2
	// blocks (block 2 isn't covered by any of that length's full roots).
	p := idx.Proof(2, 2, ProofOptions{})
	require.Equal(t, uint64(0), p.VerifiedBy)
}

func TestDigestStableAndSensitiveToPresence(t *testing.T) {
	full := buildFullTree(4)
	idxFull := New(full)
	d1 := idxFull.Digest(0)
	d2 := idxFull.Digest(0)
	require.Equal(t, d1, d2)

	sparse := bitfield.New()
	sparse.Set(0, true) // only the leaf itself, no siblings
	idxSparse := New(sparse)
	require.NotEqual(t, d1, idxSparse.Digest(0))
}
