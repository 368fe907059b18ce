package feedlog

import (
	"context"
	"log"

	"github.com/kindlyrobotics/feedlog/internal/selection"
)

// DownloadRange is a declared interest in `[Start, End)` block indices,
// the unit the replication collaborator consumes to decide what to
// request next. End == -1 means open-ended — follow the live tail — the
// shape a non-sparse feed registers automatically on Open. Linear
// requests blocks in strict index order; Hash requests only the leaf
// hash rather than the full block.
type DownloadRange struct {
	Start  uint64
	End    int64
	Linear bool
	Hash   bool
}

func (r DownloadRange) toSelection() selection.Range {
	return selection.Range{Start: r.Start, End: r.End, Linear: r.Linear, Hash: r.Hash}
}

// Download registers r so the replication collaborator (consuming
// Selections) knows what to fetch. When PersistSelections is set, the
// range also survives a reopen via the Postgres-backed store.
func (f *Feed) Download(r DownloadRange) {
	f.selections.AddRange(r.toSelection())
	if f.selectionStore != nil {
		if err := f.selectionStore.Add(context.Background(), f.discoveryKeyHex, r.Start, r.End, r.Linear, r.Hash); err != nil {
			log.Printf("[feed] failed to persist selection [%d,%d): %v", r.Start, r.End, err)
		}
	}
	f.announce(Update{})
}

// Undownload cancels interest in r, matched by identity (start, end,
// linear, hash) against a previously registered range. Any Get waiting
// on an index only r covered is released with ErrCancelled.
func (f *Feed) Undownload(r DownloadRange) {
	f.selections.RemoveRange(r.toSelection())
	if f.selectionStore != nil {
		if err := f.selectionStore.Remove(context.Background(), f.discoveryKeyHex, r.Start, r.End, r.Linear, r.Hash); err != nil {
			log.Printf("[feed] failed to remove persisted selection [%d,%d): %v", r.Start, r.End, err)
		}
	}
	f.announce(Update{})
}

// Selections returns the currently registered download ranges, in the
// order they were requested — the set the replication collaborator
// consults to decide what to fetch next.
func (f *Feed) Selections() []DownloadRange {
	ranges := f.selections.Ordered()
	out := make([]DownloadRange, len(ranges))
	for i, r := range ranges {
		out[i] = DownloadRange{Start: r.Start, End: r.End, Linear: r.Linear, Hash: r.Hash}
	}
	return out
}
