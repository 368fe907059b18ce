package feedlog

import (
	"context"
	"fmt"

	"github.com/kindlyrobotics/feedlog/internal/treehash"
)

// GetOptions configures Get's behavior when the requested block isn't
// locally present.
type GetOptions struct {
	// Wait, if true, parks the caller until the block arrives, the
	// context is cancelled, or the feed closes. The zero value is false:
	// an absent block immediately fails with ErrNotFound unless the
	// caller opts in.
	Wait bool
}

// Get returns block p, decoded through the feed's codec. If the block
// isn't present and opts.Wait is true, Get enqueues a selection and blocks
// until the block arrives or ctx is done.
func (f *Feed) Get(ctx context.Context, p uint64, opts GetOptions) (any, error) {
	data, err := f.GetBytes(ctx, p, opts)
	if err != nil {
		return nil, err
	}
	value, err := f.codec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("feedlog: failed to decode block %d: %w", p, err)
	}
	return value, nil
}

// GetBytes is Get without codec decoding.
func (f *Feed) GetBytes(ctx context.Context, p uint64, opts GetOptions) ([]byte, error) {
	if !f.ready() {
		return nil, ErrCancelled
	}

	if f.dataBits.Get(p) {
		return f.readBlock(p)
	}

	if !opts.Wait {
		return nil, ErrNotFound
	}

	f.selections.Want(p)
	f.announce(Update{Have: []uint64{}})

	if err := f.selections.Wait(ctx, p); err != nil {
		if ctx.Err() != nil {
			return nil, ErrTimeout
		}
		return nil, ErrCancelled
	}
	if !f.ready() {
		return nil, ErrCancelled
	}
	if !f.dataBits.Get(p) {
		// Released without ever being fulfilled (e.g. Undownload).
		return nil, ErrCancelled
	}
	return f.readBlock(p)
}

func (f *Feed) readBlock(p uint64) ([]byte, error) {
	rec, ok, err := f.binding.GetNode(p * 2)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	offset, err := f.leafByteOffset(p)
	if err != nil {
		return nil, err
	}
	data, err := f.binding.GetData(p, int64(offset), int(rec.Size))
	if err != nil {
		return nil, err
	}
	if treehash.Leaf(data) != rec.Hash {
		return nil, fmt.Errorf("feedlog: stored block %d does not match its tree hash: %w", p, ErrChecksumFailed)
	}
	return data, nil
}
