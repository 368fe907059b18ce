// Package treehash computes the domain-separated hashes that anchor trust in
// a feed: leaf hashes, parent hashes, root-set hashes, and the discovery key
// derived from a feed's public key. The domain-separation scheme (a
// dedicated prefix byte per hash kind) follows the same pattern the
// transparency package uses for its Sparse Merkle Tree (HashLeaf/
// HashInternal), generalized here to the flat-tree's leaf/parent/root shape.
package treehash

import (
	"crypto/sha256"
	"encoding/binary"

	"golang.org/x/crypto/blake2b"
)

// Domain separation prefixes. A single byte prepended to the hash input
// guarantees a leaf hash can never collide with a parent or root hash over
// the same bytes.
const (
	domainLeaf   = 0x00
	domainParent = 0x01
	domainRoot   = 0x02
)

// discoveryKeyLabel is the fixed UTF-8 label hashed (keyed by the feed's
// public key) to produce a shareable, non-disclosing discovery identifier.
const discoveryKeyLabel = "feedlog"

// Leaf computes H_leaf(len ‖ data): the hash of a block of raw bytes.
func Leaf(data []byte) [32]byte {
	h := sha256.New()
	h.Write([]byte{domainLeaf})
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(data)))
	h.Write(lenBuf[:])
	h.Write(data)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Parent computes H_parent(leftSize+rightSize ‖ leftHash ‖ rightHash). The
// caller is responsible for ordering left before right (by flat-tree index).
func Parent(leftHash, rightHash [32]byte, leftSize, rightSize uint64) [32]byte {
	h := sha256.New()
	h.Write([]byte{domainParent})
	var sizeBuf [8]byte
	binary.BigEndian.PutUint64(sizeBuf[:], leftSize+rightSize)
	h.Write(sizeBuf[:])
	h.Write(leftHash[:])
	h.Write(rightHash[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Roots computes H_roots(root1 ‖ root2 ‖ …) over an ordered list of root
// node hashes. This is what a signature is actually made over, and what a
// finalized feed's key is checked against.
func Roots(hashes [][32]byte) [32]byte {
	h := sha256.New()
	h.Write([]byte{domainRoot})
	for _, r := range hashes {
		h.Write(r[:])
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// DiscoveryKey derives the shareable, non-disclosing identifier for a feed
// from its public key: a keyed BLAKE2b-256 hash of a fixed label, keyed by
// the public key itself. Unlike the leaf/parent/root hashes, this is a
// keyed MAC-shaped construction (not domain-separated SHA-256), since its
// job is to hide the key, not to bind tree structure.
func DiscoveryKey(publicKey []byte) ([32]byte, error) {
	mac, err := blake2b.New256(publicKey)
	if err != nil {
		return [32]byte{}, err
	}
	mac.Write([]byte(discoveryKeyLabel))
	var out [32]byte
	copy(out[:], mac.Sum(nil))
	return out, nil
}
