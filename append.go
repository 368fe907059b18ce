package feedlog

import (
	"fmt"

	"github.com/kindlyrobotics/feedlog/internal/merkleiter"
	"github.com/kindlyrobotics/feedlog/internal/signer"
	"github.com/kindlyrobotics/feedlog/internal/treehash"
)

// Append encodes and appends one value. The whole batch of values passed
// to Append is serialized through the feed's atomic batcher: callers never
// see interleaved appends.
func (f *Feed) Append(values ...any) error {
	if !f.ready() {
		return ErrCancelled
	}
	if !f.Writable() {
		return ErrNotWritable
	}
	return f.batcher.submit(func() error {
		return f.appendLocked(values)
	})
}

// appendLocked runs only on the batcher goroutine.
func (f *Feed) appendLocked(values []any) error {
	f.mu.RLock()
	poisoned := f.poisoned
	f.mu.RUnlock()
	if poisoned {
		return ErrPoisoned
	}

	for _, v := range values {
		data, err := f.codec.Encode(v)
		if err != nil {
			return fmt.Errorf("feedlog: failed to encode value: %w", err)
		}
		if err := f.appendOne(data); err != nil {
			return err
		}
	}
	return nil
}

func (f *Feed) appendOne(data []byte) error {
	leafIndex := f.length // block position being appended
	leaf, parents := f.gen.Append(data)

	if err := f.binding.PutData(leafIndex, int64(f.byteLength), data); err != nil {
		return err
	}
	if err := f.binding.PutNode(leaf.Index, leaf.Hash, leaf.Size); err != nil {
		return err
	}
	for _, p := range parents {
		if err := f.binding.PutNode(p.Index, p.Hash, p.Size); err != nil {
			return err
		}
	}

	f.mu.RLock()
	live := f.live
	f.mu.RUnlock()

	if live {
		sig, err := f.signAppend()
		if err != nil {
			return err
		}
		if err := f.binding.PutSignature(leafIndex, sig); err != nil {
			return err
		}
	}

	f.dataBits.Set(leafIndex, true)
	f.treeBits.Set(leaf.Index, true)
	f.byteWaiters.Fulfill(leaf.Index)
	for _, p := range parents {
		f.treeBits.Set(p.Index, true)
		f.byteWaiters.Fulfill(p.Index)
	}

	f.mu.Lock()
	f.length = leafIndex + 1
	f.byteLength += leaf.Size
	f.mu.Unlock()

	if err := f.flushBitfields(); err != nil {
		return err
	}

	f.selections.Fulfill(leafIndex)
	f.announce(Update{Length: leafIndex + 1, Have: []uint64{leafIndex}})
	return nil
}

// signAppend signs H_roots(currentFullRoots) under the feed's secret key.
// Only the final signature of a batch is required to anchor external
// verification, but a signature is produced for every leaf so that
// invariant 3 (a valid signature at length-1) holds after every commit,
// not only after the last append in a batch.
func (f *Feed) signAppend() ([]byte, error) {
	kp := &signer.KeyPair{PublicKey: f.key, SecretKey: f.secretKey}
	digest := treehash.Roots(merkleiter.RootHashes(f.gen.Roots()))
	return kp.Sign(digest)
}
