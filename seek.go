package feedlog

import (
	"context"
	"fmt"

	"github.com/kindlyrobotics/feedlog/internal/flattree"
	"github.com/kindlyrobotics/feedlog/internal/merkleiter"
)

// SeekOptions configures Seek's behavior when it cannot resolve all the
// way to a leaf using only locally stored tree nodes.
type SeekOptions struct {
	// Wait, if true, parks the caller until the subtree needed to
	// continue the descent arrives locally or the context is done;
	// closing the feed does not release a parked Seek. The zero value is
	// false: an unresolved descent
	// immediately fails with a *SeekIncompleteError unless the caller
	// opts in.
	Wait bool
}

// SeekResult is the outcome of a successful Seek: offset translates to
// block Index at byte Residual within it.
type SeekResult struct {
	Index    uint64
	Residual uint64
}

// SeekIncompleteError is returned when a seek cannot progress past
// NearestRoot using only locally stored tree nodes and opts.Wait was
// false. NearestRoot is the tree index of the smallest known ancestor
// covering the requested offset — the value a caller would hand a peer
// to ask for the missing subtree.
type SeekIncompleteError struct {
	NearestRoot uint64
}

func (e *SeekIncompleteError) Error() string {
	return fmt.Sprintf("feedlog: seek cannot progress locally past tree index %d", e.NearestRoot)
}

func (e *SeekIncompleteError) Unwrap() error { return ErrIncomplete }

// Seek translates a byte offset into (blockIndex, offsetWithinBlock) by
// walking the current full roots left to right, descending into whichever
// root subtree covers the requested offset. offset == 0 always returns
// (0, 0). A request past the committed byte length fails with
// ErrOutOfBounds.
//
// When the descent reaches a subtree whose root node isn't stored
// locally, it stops there rather than erroring out as corruption: with
// opts.Wait false it fails with a *SeekIncompleteError carrying the
// nearest known ancestor (nearestRoot), so a caller can ask a peer for
// that subtree; with opts.Wait true it parks on a byte-seek waiter for
// that subtree and retries the descent once a put or append commits it,
// or until ctx is done.
func (f *Feed) Seek(ctx context.Context, offset uint64, opts SeekOptions) (SeekResult, error) {
	if offset == 0 {
		return SeekResult{}, nil
	}

	for {
		result, nearestRoot, ok, err := f.trySeek(offset)
		if err != nil {
			return SeekResult{}, err
		}
		if ok {
			return result, nil
		}
		if !opts.Wait {
			return SeekResult{}, &SeekIncompleteError{NearestRoot: nearestRoot}
		}
		if err := f.byteWaiters.Wait(ctx, nearestRoot); err != nil {
			if ctx.Err() != nil {
				return SeekResult{}, ErrTimeout
			}
			return SeekResult{}, ErrCancelled
		}
		if !f.ready() {
			return SeekResult{}, ErrCancelled
		}
	}
}

// trySeek makes one attempt at a fully local descent. ok is false when
// the descent stalled at nearestRoot for lack of a locally stored node.
func (f *Feed) trySeek(offset uint64) (result SeekResult, nearestRoot uint64, ok bool, err error) {
	f.mu.RLock()
	length := f.length
	f.mu.RUnlock()
	if length == 0 {
		return SeekResult{}, 0, false, ErrOutOfBounds
	}

	roots, err := f.loadFullRoots(length)
	if err != nil {
		return SeekResult{}, 0, false, err
	}

	remaining := offset
	for _, root := range roots {
		if remaining < root.Size {
			leaf, nearest, found, err := f.descendToLeaf(root.Index, remaining)
			if err != nil {
				return SeekResult{}, 0, false, err
			}
			if !found {
				return SeekResult{}, nearest, false, nil
			}
			return SeekResult{Index: leaf.index, Residual: leaf.residual}, 0, true, nil
		}
		remaining -= root.Size
	}
	return SeekResult{}, 0, false, ErrOutOfBounds
}

type leafLocation struct {
	index    uint64
	residual uint64
}

// descendToLeaf walks down from a full-root node to the leaf that covers
// byte offset `remaining` within that subtree, accumulating the residual
// offset within the final leaf. If it reaches a node whose left child
// isn't stored locally, it stops and reports that child's parent (`cur`,
// the last node it could confirm present) as the nearest known root,
// with found false — the "skip over absent subtrees" behavior Seek
// relies on instead of treating a sparse reader's gaps as corruption.
func (f *Feed) descendToLeaf(root uint64, remaining uint64) (loc leafLocation, nearestRoot uint64, found bool, err error) {
	cur := root
	for !flattree.IsLeaf(cur) {
		left := flattree.LeftChild(cur)
		leftRec, has, err := f.binding.GetNode(left)
		if err != nil {
			return leafLocation{}, 0, false, err
		}
		if !has {
			return leafLocation{}, cur, false, nil
		}
		if remaining < leftRec.Size {
			cur = left
			continue
		}
		remaining -= leftRec.Size
		cur = flattree.RightChild(cur)
	}
	return leafLocation{index: cur / 2, residual: remaining}, 0, true, nil
}

// leafByteOffset returns the byte offset at which block p's data begins,
// by summing the sizes of every full root entirely before it and
// descending into the root that contains it — the inverse of Seek's
// traversal, used to locate an already-appended block for Get. Unlike
// Seek, every node on this path is guaranteed present: p's data bit is
// already set, so the tree nodes committing its span were written
// alongside it.
func (f *Feed) leafByteOffset(p uint64) (uint64, error) {
	f.mu.RLock()
	length := f.length
	f.mu.RUnlock()
	if p >= length {
		return 0, ErrOutOfBounds
	}

	roots, err := f.loadFullRoots(length)
	if err != nil {
		return 0, err
	}
	return f.byteOffsetWithinRoots(roots, p)
}

// byteOffsetWithinRoots is leafByteOffset's core, parameterized over an
// explicit root set rather than the feed's currently-committed length —
// used by Put to locate a block against a root set still being verified,
// before the feed's length advances to include it.
func (f *Feed) byteOffsetWithinRoots(roots []merkleiter.Node, p uint64) (uint64, error) {
	leaf := p * 2
	var offset uint64
	for _, root := range roots {
		if leaf >= flattree.LeftSpan(root.Index) && leaf <= flattree.RightSpan(root.Index) {
			within, err := f.offsetWithinSubtree(root.Index, leaf)
			if err != nil {
				return 0, err
			}
			return offset + within, nil
		}
		offset += root.Size
	}
	return 0, fmt.Errorf("feedlog: block %d not covered by any full root: %w", p, ErrOutOfBounds)
}

func (f *Feed) offsetWithinSubtree(root, targetLeaf uint64) (uint64, error) {
	cur := root
	var offset uint64
	for cur != targetLeaf {
		left := flattree.LeftChild(cur)
		if targetLeaf <= flattree.RightSpan(left) {
			cur = left
			continue
		}
		leftRec, ok, err := f.binding.GetNode(left)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, fmt.Errorf("feedlog: missing tree node %d: %w", left, ErrChecksumFailed)
		}
		offset += leftRec.Size
		cur = flattree.RightChild(cur)
	}
	return offset, nil
}
