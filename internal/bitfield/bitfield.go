// Package bitfield implements the compact, paged presence maps feedlog uses
// to track which blocks and tree nodes are stored locally: the data
// bitfield (one bit per block) and the tree bitfield (one bit per flat-tree
// index). NextMissing stops at the first unallocated page and NextPresent
// jumps over unallocated pages, but inside allocated pages both scan bit by
// bit; no summary of full or empty pages is kept.
//
// Pages are allocated lazily and grow the bitfield as needed; a bitfield
// never shrinks (bits are only ever cleared by an explicit overwrite on
// reopen, never as part of a successful append/put pipeline step).
//
// A Bitfield is safe for concurrent use: a feed's mutating goroutine (the
// batcher) sets bits while arbitrary caller goroutines read them via
// Get/Has, so every method locks internally rather than leaving callers to
// coordinate around the page map.
package bitfield

import "sync"

// PageSize is the number of bits held by a single page record.
const PageSize = pageBits

// Bitfield is a growable, paged bitmap with per-page dirty tracking.
type Bitfield struct {
	mu    sync.Mutex
	pages map[uint32]*page
	// dirtyOrder preserves FIFO order of pages touched since the last flush;
	// dirtyPending deduplicates so a page is queued only once.
	dirtyOrder   []uint32
	dirtyPending map[uint32]bool
}

// New creates an empty bitfield.
func New() *Bitfield {
	return &Bitfield{
		pages:        make(map[uint32]*page),
		dirtyPending: make(map[uint32]bool),
	}
}

func (b *Bitfield) pageFor(bit uint64, create bool) (*page, uint32, bool) {
	pageIdx := uint32(bit / pageBits)
	p, ok := b.pages[pageIdx]
	if !ok {
		if !create {
			return nil, pageIdx, false
		}
		p = newPage(pageIdx)
		b.pages[pageIdx] = p
	}
	return p, pageIdx, true
}

// Get reports whether bit i is set. Unallocated pages read as all-unset.
func (b *Bitfield) Get(i uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, _, ok := b.pageFor(i, false)
	if !ok {
		return false
	}
	return p.get(uint32(i % pageBits))
}

// Set assigns bit i and reports whether the value actually changed. A
// changed bit marks its page dirty and enqueues it for flush.
func (b *Bitfield) Set(i uint64, val bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, pageIdx, _ := b.pageFor(i, true)
	changed := p.set(uint32(i%pageBits), val)
	if changed {
		b.markDirty(pageIdx)
	}
	return changed
}

func (b *Bitfield) markDirty(pageIdx uint32) {
	if b.dirtyPending[pageIdx] {
		return
	}
	b.dirtyPending[pageIdx] = true
	b.dirtyOrder = append(b.dirtyOrder, pageIdx)
}

// Updates returns the indices of pages with unflushed changes, oldest
// first, without clearing their dirty state.
func (b *Bitfield) Updates() []uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]uint32, len(b.dirtyOrder))
	copy(out, b.dirtyOrder)
	return out
}

// LastUpdate pops the oldest dirty page, returning its index and current
// on-disk record bytes, for the storage binding to persist. Returns
// (0, nil, false) if nothing is dirty.
func (b *Bitfield) LastUpdate() (uint32, []byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.dirtyOrder) == 0 {
		return 0, nil, false
	}
	idx := b.dirtyOrder[0]
	b.dirtyOrder = b.dirtyOrder[1:]
	delete(b.dirtyPending, idx)

	p := b.pages[idx]
	p.dirty = false
	out := make([]byte, pageBytes)
	copy(out, p.bytes[:])
	return idx, out, true
}

// NextMissing returns the smallest unset bit index >= from, scanning each
// allocated page bit by bit; an unallocated page counts as all-unset.
func (b *Bitfield) NextMissing(from uint64) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	pageIdx := uint32(from / pageBits)
	bitOff := uint32(from % pageBits)
	for {
		p, ok := b.pages[pageIdx]
		if !ok {
			return uint64(pageIdx) * pageBits
		}
		if bit, found := p.nextUnset(bitOff); found {
			return uint64(pageIdx)*pageBits + uint64(bit)
		}
		pageIdx++
		bitOff = 0
	}
}

// NextPresent returns the smallest set bit index >= from and true, or
// (0, false) if no page at or beyond from has any bit set.
func (b *Bitfield) NextPresent(from uint64) (uint64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pageIdx := uint32(from / pageBits)
	bitOff := uint32(from % pageBits)

	// Collect and sort allocated page indices >= pageIdx lazily by probing
	// the map; bitfields are sparse in practice (few thousand pages), so a
	// linear scan over allocated pages (not bit positions) is acceptable.
	for {
		p, ok := b.pages[pageIdx]
		if ok {
			if bit, found := p.nextSet(bitOff); found {
				return uint64(pageIdx)*pageBits + uint64(bit), true
			}
		}
		next, any := b.nextAllocatedPage(pageIdx + 1)
		if !any {
			return 0, false
		}
		pageIdx = next
		bitOff = 0
	}
}

func (b *Bitfield) nextAllocatedPage(from uint32) (uint32, bool) {
	best := uint32(0)
	found := false
	for idx := range b.pages {
		if idx >= from && (!found || idx < best) {
			best = idx
			found = true
		}
	}
	return best, found
}

// LoadPage installs page data read back from storage (used on reopen).
func (b *Bitfield) LoadPage(index uint32, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := newPage(index)
	copy(p.bytes[:], data)
	b.pages[index] = p
}

// TrailingUnsetFrom walks backward from bit index n-1 and returns the
// smallest prefix length m <= n such that every bit in [m, n) is unset.
// Composed from Get, which locks per call, so this itself needs no lock of
// its own.
func (b *Bitfield) TrailingUnsetFrom(n uint64) uint64 {
	for n > 0 && !b.Get(n-1) {
		n--
	}
	return n
}
