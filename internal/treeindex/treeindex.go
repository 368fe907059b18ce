// Package treeindex answers membership and proof-planning questions over a
// feed's tree bitfield: which flat-tree node hashes are stored locally, and
// which minimal set of those nodes a remote peer needs, together with the
// caller's trusted anchor, to verify one block.
package treeindex

import (
	"github.com/kindlyrobotics/feedlog/internal/bitfield"
	"github.com/kindlyrobotics/feedlog/internal/flattree"
)

// Index wraps a tree bitfield (one bit per flat-tree index) with the
// membership and proof-planning operations the feed core needs.
type Index struct {
	tree *bitfield.Bitfield
}

// New wraps an existing tree bitfield.
func New(tree *bitfield.Bitfield) *Index {
	return &Index{tree: tree}
}

// Get reports whether node i's hash is stored locally.
func (x *Index) Get(i uint64) bool {
	return x.tree.Get(i)
}

// ProofOptions configures Proof's planning.
type ProofOptions struct {
	// IncludeLeafHash requests that the leaf's own hash (index 2*i) be
	// included in the returned node list, used for "give me the hash only"
	// requests that don't need a full inclusion proof.
	IncludeLeafHash bool
	// RemoteHas, if set, is consulted for every candidate sibling; a
	// sibling the remote is already known to have (per a prior Digest
	// exchange) is omitted from the plan.
	RemoteHas func(index uint64) bool
}

// Proof describes the minimal set of tree-node indices a remote needs to
// verify the block at leaf position i, given the feed's current length (in
// blocks). VerifiedBy is set to length when the walk reached a current full
// root, meaning the remote can additionally be sent the signature covering
// that length to fully anchor trust; it is 0 when the walk ran off the top
// of the tree without reaching a committed root (the caller has nothing
// newer to prove against yet).
type Proof struct {
	Nodes      []uint64
	VerifiedBy uint64
}

// Proof walks upward from leaf position i, including each sibling whose
// subtree is present locally and not already known to the remote, stopping
// at the first ancestor that is itself one of the feed's current full
// roots (or, failing that, at the top of the reachable tree). When it
// reaches a full root, every other current full root that is stored
// locally and not already known to the remote is included as well, so the
// remote can rebuild the whole root set.
func (x *Index) Proof(i uint64, length uint64, opts ProofOptions) Proof {
	leaf := i * 2
	roots := flattree.FullRoots(length * 2)
	isRoot := make(map[uint64]bool, len(roots))
	for _, r := range roots {
		isRoot[r] = true
	}

	var nodes []uint64
	if opts.IncludeLeafHash {
		nodes = append(nodes, leaf)
	}

	// Walking Parent() strictly increases depth each step, so this
	// terminates after at most log2(length) iterations. Every leaf below
	// `length` is covered by exactly one of the full roots, so the walk is
	// guaranteed to land on a member of isRoot before running off the top.
	cur := leaf
	for !isRoot[cur] {
		parent := flattree.Parent(cur)
		if flattree.RightSpan(parent) > length*2-2 {
			// cur is not yet covered by any committed full root (i is
			// beyond the feed's current length); nothing to anchor to.
			return Proof{Nodes: nodes}
		}
		sib := flattree.Sibling(cur)
		known := opts.RemoteHas != nil && opts.RemoteHas(sib)
		if x.tree.Get(sib) && !known {
			nodes = append(nodes, sib)
		}
		cur = parent
	}

	for _, r := range roots {
		if r == cur || !x.tree.Get(r) || (opts.RemoteHas != nil && opts.RemoteHas(r)) {
			continue
		}
		nodes = append(nodes, r)
	}

	return Proof{Nodes: nodes, VerifiedBy: length}
}
