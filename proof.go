package feedlog

import (
	"fmt"

	"github.com/kindlyrobotics/feedlog/internal/treeindex"
)

// ProofNode is one tree-node hash included in a Proof, carrying enough
// information (size) for the remote to fold it into a parent hash.
type ProofNode struct {
	Index uint64
	Hash  [32]byte
	Size  uint64
}

// ProofRequest configures Proof.
type ProofRequest struct {
	// IncludeLeafHash includes the leaf's own hash in the proof, for a
	// peer that only wants the hash rather than the full block.
	IncludeLeafHash bool
	// RemoteHas reports whether the requesting peer already has the
	// given tree-node index, letting Proof omit sibling nodes the remote
	// doesn't need repeated.
	RemoteHas func(index uint64) bool
}

// Proof is the set of sibling and root node hashes (plus, when it reaches
// the tree's current root boundary, a signature) needed for a remote to
// verify block p against this feed's key.
type Proof struct {
	Nodes      []ProofNode
	Signature  []byte
	VerifiedBy uint64
}

// Proof returns the proof for block p per §4.D's algorithm: walk upward
// from the leaf, including any sibling whose subtree is locally present
// but not already known to the remote, stopping at the tree's current
// root boundary, and adding the feed's other current full roots that the
// remote does not already have.
func (f *Feed) Proof(p uint64, req ProofRequest) (Proof, error) {
	f.mu.RLock()
	length := f.length
	live := f.live
	f.mu.RUnlock()

	plan := f.treeIdx.Proof(p, length, treeindex.ProofOptions{
		IncludeLeafHash: req.IncludeLeafHash,
		RemoteHas:       req.RemoteHas,
	})

	nodes := make([]ProofNode, 0, len(plan.Nodes))
	for _, idx := range plan.Nodes {
		rec, ok, err := f.binding.GetNode(idx)
		if err != nil {
			return Proof{}, err
		}
		if !ok {
			return Proof{}, fmt.Errorf("feedlog: proof node %d missing from storage: %w", idx, ErrChecksumFailed)
		}
		nodes = append(nodes, ProofNode{Index: idx, Hash: rec.Hash, Size: rec.Size})
	}

	out := Proof{Nodes: nodes, VerifiedBy: plan.VerifiedBy}
	if plan.VerifiedBy > 0 && live {
		sig, ok, err := f.binding.GetSignature(plan.VerifiedBy - 1)
		if err != nil {
			return Proof{}, err
		}
		if !ok {
			return Proof{}, ErrMissingSignature
		}
		out.Signature = sig
	}
	return out, nil
}
