package feedlog

import "context"

// WriteStream forwards object batches through the atomic batcher,
// guaranteeing a durability callback per batch: each Write call only
// returns once Append has committed (and signed, for a live feed) the
// batch to storage.
type WriteStream struct {
	feed *Feed
}

// NewWriteStream opens a write stream over f.
func (f *Feed) NewWriteStream() *WriteStream {
	return &WriteStream{feed: f}
}

// Write encodes and appends one batch of values, returning only once the
// batch has been durably committed.
func (w *WriteStream) Write(values ...any) error {
	return w.feed.Append(values...)
}

// ReadStreamOptions configures a ReadStream.
type ReadStreamOptions struct {
	// Start is the first block index to read. Ignored when Tail is true.
	Start uint64
	// End is the exclusive upper bound. End == 0 sets no explicit bound:
	// combined with Live == true the stream follows the feed's tail
	// indefinitely; without Live it stops at the length observed when the
	// stream was opened.
	End uint64
	// Live, with no End set, follows the feed's growing tail by awaiting
	// each not-yet-appended block rather than stopping at the length
	// observed when the stream was opened.
	Live bool
	// Tail starts the stream at the feed's current length instead of
	// Start, so only blocks appended after the stream opens are read.
	Tail bool
}

// ReadStream produces blocks from [start, end) lazily: only one read is
// ever outstanding at a time, and each Next respects the same wait/timeout
// semantics as Get.
type ReadStream struct {
	feed *Feed
	opts ReadStreamOptions
	next uint64
	end  uint64 // 0 with live == true means unbounded
	live bool
}

// NewReadStream opens a read stream over f per opts.
func (f *Feed) NewReadStream(opts ReadStreamOptions) *ReadStream {
	start := opts.Start
	if opts.Tail {
		start = f.Length()
	}
	end := opts.End
	if end == 0 && !opts.Live {
		end = f.Length()
	}
	return &ReadStream{
		feed: f,
		opts: opts,
		next: start,
		end:  end,
		live: opts.Live,
	}
}

// Next returns the next block in the stream, blocking until it is
// available, ctx is done, or the stream has delivered every block in its
// bounded range.
func (r *ReadStream) Next(ctx context.Context) (any, error) {
	if (!r.live || r.end > 0) && r.next >= r.end {
		return nil, ErrOutOfBounds
	}
	value, err := r.feed.Get(ctx, r.next, GetOptions{Wait: true})
	if err != nil {
		return nil, err
	}
	r.next++
	return value, nil
}
