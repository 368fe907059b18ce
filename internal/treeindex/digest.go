package treeindex

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/kindlyrobotics/feedlog/internal/flattree"
)

// Digest returns an opaque descriptor of the highest ancestors-with-
// sibling-present chain starting at node i: the sequence of (ancestor
// index, sibling-present) pairs walking up from i, folded into a single
// xxhash. Two peers that have stored the same subtree shape produce the
// same digest for the same node, letting them skip re-requesting a proof
// they've already exchanged. This is purely a dedup key, never a trust
// anchor, so a fast non-cryptographic hash is the right tool — the same
// role xxhash plays for go-redis's internal key hashing.
func (x *Index) Digest(i uint64) uint64 {
	h := xxhash.New()
	var buf [9]byte

	cur := i
	for {
		sib := flattree.Sibling(cur)
		present := x.tree.Get(sib)
		binary.BigEndian.PutUint64(buf[:8], cur)
		if present {
			buf[8] = 1
		} else {
			buf[8] = 0
		}
		_, _ = h.Write(buf[:])
		if !present {
			break
		}
		cur = flattree.Parent(cur)
		if cur > i+(1<<40) {
			// Defensive bound: flat-tree indices fit comfortably under this
			// for any feed size representable in memory; this only guards
			// against a pathological infinite walk.
			break
		}
	}
	return h.Sum64()
}
