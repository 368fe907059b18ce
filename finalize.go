package feedlog

import (
	"github.com/kindlyrobotics/feedlog/internal/merkleiter"
	"github.com/kindlyrobotics/feedlog/internal/treehash"
)

// Finalize converts a live feed into an immutable, anchored feed: the
// feed's key becomes H_roots(currentRoots), its discovery key is
// recomputed from that new key, and no further signatures are produced or
// required. A finalized feed is no longer writable — Append returns
// ErrNotWritable — but puts can still be verified by peers using root
// equality instead of a signature.
func (f *Feed) Finalize() error {
	if !f.ready() {
		return ErrCancelled
	}
	return f.batcher.submit(f.finalizeLocked)
}

func (f *Feed) finalizeLocked() error {
	f.mu.RLock()
	poisoned := f.poisoned
	f.mu.RUnlock()
	if poisoned {
		return ErrPoisoned
	}

	roots, err := f.loadFullRoots(f.length)
	if err != nil {
		return err
	}
	rootHash := treehash.Roots(merkleiter.RootHashes(roots))
	key := rootHash[:]

	if err := f.binding.PutKey(key); err != nil {
		return err
	}
	if err := f.binding.PutFinalized(); err != nil {
		return err
	}
	dk, err := treehash.DiscoveryKey(key)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.key = key
	f.discoveryKey = dk
	f.live = false
	f.writable = false
	f.mu.Unlock()
	return nil
}
