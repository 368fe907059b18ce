package feedlog

import (
	"bytes"
	"fmt"

	"github.com/kindlyrobotics/feedlog/internal/flattree"
	"github.com/kindlyrobotics/feedlog/internal/merkleiter"
	"github.com/kindlyrobotics/feedlog/internal/signer"
	"github.com/kindlyrobotics/feedlog/internal/treehash"
)

// Put absorbs a remote block together with its proof, verifying it
// structurally against the feed's key before writing anything. Putting
// the same (p, data, proof) twice succeeds both times without changing
// stored bytes (invariant 10).
func (f *Feed) Put(p uint64, data []byte, proof Proof) error {
	if !f.ready() {
		return ErrCancelled
	}
	return f.batcher.submit(func() error {
		return f.putLocked(p, data, proof)
	})
}

func (f *Feed) putLocked(p uint64, data []byte, proof Proof) error {
	f.mu.RLock()
	poisoned := f.poisoned
	f.mu.RUnlock()
	if poisoned {
		return ErrPoisoned
	}

	if f.dataBits.Get(p) {
		return nil
	}

	proofByIndex := make(map[uint64]merkleiter.Node, len(proof.Nodes))
	for _, n := range proof.Nodes {
		proofByIndex[n.Index] = merkleiter.Node{Index: n.Index, Hash: n.Hash, Size: n.Size}
	}

	top := merkleiter.Node{Index: p * 2, Hash: treehash.Leaf(data), Size: uint64(len(data))}
	var learned []merkleiter.Node // nodes newly discovered along the walk, to persist on success
	anchored := false

	// The leaf itself is always newly discovered unless some earlier put
	// already committed it (e.g. as another block's proof sibling): the
	// fold loop below only ever records combined parent nodes and siblings
	// pulled from the proof, never the leaf it started from.
	if !f.treeBits.Get(top.Index) {
		learned = append(learned, top)
	}

	for {
		if f.treeBits.Get(top.Index) {
			rec, ok, err := f.binding.GetNode(top.Index)
			if err != nil {
				return err
			}
			if ok {
				if rec.Hash != top.Hash || rec.Size != top.Size {
					f.mu.Lock()
					f.poisoned = true
					f.mu.Unlock()
					return &CriticalError{Reason: fmt.Sprintf("reconstructed node %d disagrees with committed tree", top.Index), Err: ErrChecksumFailed}
				}
				anchored = true
			}
			break
		}

		sibIndex := flattree.Sibling(top.Index)
		sib, found, err := f.resolveSibling(sibIndex, proofByIndex)
		if err != nil {
			return err
		}
		if !found {
			break
		}
		if _, ok := proofByIndex[sibIndex]; ok && !f.treeBits.Get(sibIndex) {
			learned = append(learned, sib)
		}

		left, right := orderSiblings(top, sib)
		parent := merkleiter.Node{
			Index: flattree.Parent(top.Index),
			Hash:  treehash.Parent(left.Hash, right.Hash, left.Size, right.Size),
			Size:  left.Size + right.Size,
		}
		learned = append(learned, parent)
		top = parent
	}

	var claimedLength uint64
	var rootNodes []merkleiter.Node

	if anchored {
		claimedLength = f.length
	} else {
		if proof.VerifiedBy == 0 {
			return ErrInvalidProof
		}
		claimedLength = proof.VerifiedBy

		needed := flattree.FullRoots(claimedLength * 2)
		rootNodes = make([]merkleiter.Node, 0, len(needed))
		for _, idx := range needed {
			switch {
			case idx == top.Index:
				rootNodes = append(rootNodes, top)
			case func() bool { _, ok := proofByIndex[idx]; return ok }():
				rootNodes = append(rootNodes, proofByIndex[idx])
				if !f.treeBits.Get(idx) {
					learned = append(learned, proofByIndex[idx])
				}
			case f.treeBits.Get(idx):
				rec, ok, err := f.binding.GetNode(idx)
				if err != nil {
					return err
				}
				if !ok {
					return ErrInvalidProof
				}
				rootNodes = append(rootNodes, merkleiter.Node{Index: idx, Hash: rec.Hash, Size: rec.Size})
			default:
				return ErrInvalidProof
			}
		}

		rootHash := treehash.Roots(merkleiter.RootHashes(rootNodes))
		f.mu.RLock()
		live := f.live
		key := f.key
		f.mu.RUnlock()
		if live {
			if len(proof.Signature) == 0 {
				return ErrMissingSignature
			}
			if !signer.Verify(key, rootHash, proof.Signature) {
				return ErrInvalidProof
			}
		} else if !bytes.Equal(key, rootHash[:]) {
			return ErrInvalidProof
		}
	}

	// Verification succeeded: persist newly learned tree nodes, then the
	// data block, then an optional signature, then flip bits — in that
	// order, so a crash before bits flip leaves no partial record visible
	// on the next open.
	for _, n := range learned {
		if err := f.binding.PutNode(n.Index, n.Hash, n.Size); err != nil {
			return err
		}
	}
	if err := f.binding.PutNode(top.Index, top.Hash, top.Size); err != nil {
		return err
	}
	var dataOffset uint64
	var offsetErr error
	if anchored {
		dataOffset, offsetErr = f.leafByteOffset(p)
	} else {
		dataOffset, offsetErr = f.byteOffsetWithinRoots(rootNodes, p)
	}
	if offsetErr != nil {
		return offsetErr
	}
	if err := f.binding.PutData(p, int64(dataOffset), data); err != nil {
		return err
	}
	if len(proof.Signature) > 0 && claimedLength > 0 {
		if err := f.binding.PutSignature(claimedLength-1, proof.Signature); err != nil {
			return err
		}
	}

	f.dataBits.Set(p, true)
	f.treeBits.Set(top.Index, true)
	f.byteWaiters.Fulfill(top.Index)
	for _, n := range learned {
		f.treeBits.Set(n.Index, true)
		f.byteWaiters.Fulfill(n.Index)
	}

	f.mu.Lock()
	extends := claimedLength > f.length
	if extends {
		f.gen = merkleiter.New(rootNodes)
		f.length = claimedLength
		var byteLength uint64
		for _, n := range rootNodes {
			byteLength += n.Size
		}
		f.byteLength = byteLength
	}
	f.mu.Unlock()

	if err := f.flushBitfields(); err != nil {
		return err
	}

	f.selections.Fulfill(p)
	if extends {
		f.announce(Update{Length: claimedLength, Have: []uint64{p}})
	} else {
		f.announce(Update{Have: []uint64{p}})
	}
	return nil
}

func (f *Feed) resolveSibling(index uint64, proofByIndex map[uint64]merkleiter.Node) (merkleiter.Node, bool, error) {
	if n, ok := proofByIndex[index]; ok {
		return n, true, nil
	}
	if f.treeBits.Get(index) {
		rec, ok, err := f.binding.GetNode(index)
		if err != nil {
			return merkleiter.Node{}, false, err
		}
		if ok {
			return merkleiter.Node{Index: index, Hash: rec.Hash, Size: rec.Size}, true, nil
		}
	}
	return merkleiter.Node{}, false, nil
}

// orderSiblings returns (left, right) in flat-tree left-to-right order,
// regardless of which of a/b was the node being folded upward.
func orderSiblings(a, b merkleiter.Node) (merkleiter.Node, merkleiter.Node) {
	if a.Index < b.Index {
		return a, b
	}
	return b, a
}
