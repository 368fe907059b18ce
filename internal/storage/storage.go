// Package storage implements the storage binding described in the feed
// core's design: translating (kind, index) addresses into byte ranges over
// six logical streams (data, tree, bitfield, signatures, key, secret_key),
// backed by a caller-supplied RandomAccess provider.
package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Sentinel errors surfaced at the storage boundary; callers distinguish
// "nothing written there yet" from a genuine I/O failure.
var (
	ErrNotFound = errors.New("storage: not found")
)

// RandomAccess is the minimal random-access byte store a storage provider
// exposes for one logical stream. Reads past end-of-file return ErrNotFound
// (or an error wrapping it).
type RandomAccess interface {
	Read(offset int64, length int) ([]byte, error)
	Write(offset int64, data []byte) error
	Sync() error
	Close() error
}

// Provider opens the named logical stream ("data", "tree", "bitfield",
// "signatures", "key", "secret_key") on demand.
type Provider func(name string) (RandomAccess, error)

const (
	nodeRecordSize      = 40 // hash[32] || size[u64 be]
	signatureRecordSize = 64
	bitfieldPageBytes   = 128 // 1024 bits
)

// NodeRecord is the fixed on-disk shape of one tree-node record.
type NodeRecord struct {
	Hash [32]byte
	Size uint64
}

// EncodeNode serializes a node record to its 40-byte on-disk form.
func EncodeNode(hash [32]byte, size uint64) []byte {
	buf := make([]byte, nodeRecordSize)
	copy(buf[:32], hash[:])
	binary.BigEndian.PutUint64(buf[32:], size)
	return buf
}

// DecodeNode parses a 40-byte node record.
func DecodeNode(buf []byte) (NodeRecord, error) {
	if len(buf) != nodeRecordSize {
		return NodeRecord{}, fmt.Errorf("storage: malformed node record (%d bytes)", len(buf))
	}
	var rec NodeRecord
	copy(rec.Hash[:], buf[:32])
	rec.Size = binary.BigEndian.Uint64(buf[32:])
	return rec, nil
}

// Binding opens and addresses the six logical streams a feed persists to.
type Binding struct {
	data       RandomAccess
	encrypted  *EncryptedStream // non-nil when an encryption key was supplied
	nodes      RandomAccess
	bitfield   RandomAccess
	signatures RandomAccess
	key        RandomAccess
	secretKey  RandomAccess

	// indexing suppresses writes to the data stream; callers maintain an
	// external block store and only tree/signature records are persisted.
	indexing bool
}

// Open opens all six logical streams via provider. The data stream starts
// unencrypted; call EnableEncryption once the feed's discovery key is known
// to wrap it in transparent ChaCha20-Poly1305 encryption keyed per leaf
// index.
func Open(provider Provider, indexing bool) (*Binding, error) {
	names := []string{"data", "tree", "bitfield", "signatures", "key", "secret_key"}
	opened := make(map[string]RandomAccess, len(names))
	for _, n := range names {
		ra, err := provider(n)
		if err != nil {
			for _, o := range opened {
				_ = o.Close()
			}
			return nil, fmt.Errorf("storage: failed to open %q: %w", n, err)
		}
		opened[n] = ra
	}
	b := &Binding{
		data:       opened["data"],
		nodes:      opened["tree"],
		bitfield:   opened["bitfield"],
		signatures: opened["signatures"],
		key:        opened["key"],
		secretKey:  opened["secret_key"],
		indexing:   indexing,
	}
	return b, nil
}

// EnableEncryption wraps the data stream in transparent ChaCha20-Poly1305
// encryption keyed per leaf index. Must be called, if at all, before any
// PutData/GetData call — it is not safe to switch a binding's encryption
// state mid-lifetime.
func (b *Binding) EnableEncryption(key []byte) error {
	enc, err := NewEncryptedStream(b.data, key)
	if err != nil {
		return err
	}
	b.encrypted = enc
	return nil
}

// Close closes every logical stream, returning the first error encountered
// (after attempting to close the rest).
func (b *Binding) Close() error {
	var firstErr error
	for _, s := range []RandomAccess{b.data, b.nodes, b.bitfield, b.signatures, b.key, b.secretKey} {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// GetNode reads the tree-node record at flat-tree index i.
func (b *Binding) GetNode(i uint64) (NodeRecord, bool, error) {
	raw, err := b.nodes.Read(int64(i)*nodeRecordSize, nodeRecordSize)
	if errors.Is(err, ErrNotFound) {
		return NodeRecord{}, false, nil
	}
	if err != nil {
		return NodeRecord{}, false, err
	}
	rec, err := DecodeNode(raw)
	if err != nil {
		return NodeRecord{}, false, err
	}
	return rec, true, nil
}

// PutNode writes the tree-node record at flat-tree index i. Idempotent:
// writing the same (index, hash, size) twice is a no-op from the caller's
// perspective.
func (b *Binding) PutNode(i uint64, hash [32]byte, size uint64) error {
	return b.nodes.Write(int64(i)*nodeRecordSize, EncodeNode(hash, size))
}

// GetData reads block bytes for leafIndex given the cumulative plaintext
// byte offset (the sum of every leaf's plaintext size before leafIndex,
// the quantity the Merkle side already tracks). When the binding is
// encrypted, the on-disk position is derived from this offset rather than
// used directly, so callers never need to know about the AEAD overhead.
func (b *Binding) GetData(leafIndex uint64, offset int64, length int) ([]byte, error) {
	if b.encrypted != nil {
		return b.encrypted.ReadLeaf(leafIndex, offset, length)
	}
	data, err := b.data.Read(offset, length)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	return data, err
}

// PutData writes block bytes for leafIndex given the cumulative plaintext
// byte offset. A no-op when the binding is in indexing mode (the caller
// maintains the value store).
func (b *Binding) PutData(leafIndex uint64, offset int64, data []byte) error {
	if b.indexing {
		return nil
	}
	if b.encrypted != nil {
		return b.encrypted.WriteLeaf(leafIndex, offset, data)
	}
	return b.data.Write(offset, data)
}

// GetSignature reads the 64-byte signature stored for leaf index i.
func (b *Binding) GetSignature(i uint64) ([]byte, bool, error) {
	raw, err := b.signatures.Read(int64(i)*signatureRecordSize, signatureRecordSize)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

// PutSignature writes the signature for leaf index i.
func (b *Binding) PutSignature(i uint64, sig []byte) error {
	if len(sig) != signatureRecordSize {
		return fmt.Errorf("storage: signature must be %d bytes, got %d", signatureRecordSize, len(sig))
	}
	return b.signatures.Write(int64(i)*signatureRecordSize, sig)
}

// GetBitfieldPage reads one page record.
func (b *Binding) GetBitfieldPage(index uint32) ([]byte, bool, error) {
	raw, err := b.bitfield.Read(int64(index)*bitfieldPageBytes, bitfieldPageBytes)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

// PutBitfieldPage persists one dirty page.
func (b *Binding) PutBitfieldPage(index uint32, data []byte) error {
	return b.bitfield.Write(int64(index)*bitfieldPageBytes, data)
}

// GetKey reads the stored public key, if any.
func (b *Binding) GetKey() ([]byte, bool, error) {
	raw, err := b.key.Read(0, 32)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

// PutKey persists the public key.
func (b *Binding) PutKey(key []byte) error {
	return b.key.Write(0, key)
}

// finalizedMarkerOffset sits just past the 32-byte public key in the same
// "key" stream: one byte recording that Finalize has run, so a reopen
// knows to verify by root equality rather than per-leaf signature even
// though old signatures and the secret key are still present on disk.
const finalizedMarkerOffset = 32

// GetFinalized reports whether the feed anchored to this binding has been
// finalized.
func (b *Binding) GetFinalized() (bool, error) {
	raw, err := b.key.Read(finalizedMarkerOffset, 1)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return raw[0] == 1, nil
}

// PutFinalized persists the finalized marker.
func (b *Binding) PutFinalized() error {
	return b.key.Write(finalizedMarkerOffset, []byte{1})
}

// GetSecretKey reads the stored secret key, if any.
func (b *Binding) GetSecretKey() ([]byte, bool, error) {
	raw, err := b.secretKey.Read(0, 64)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

// PutSecretKey persists the secret key.
func (b *Binding) PutSecretKey(key []byte) error {
	return b.secretKey.Write(0, key)
}

// Sync flushes every logical stream.
func (b *Binding) Sync() error {
	for _, s := range []RandomAccess{b.data, b.nodes, b.bitfield, b.signatures, b.key, b.secretKey} {
		if err := s.Sync(); err != nil {
			return err
		}
	}
	return nil
}
