package storage

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// EncryptionKeySize is the size of the at-rest data-stream key.
const EncryptionKeySize = 32

const hkdfInfo = "feedlog-data-at-rest"

// DeriveEncryptionKey derives a 32-byte ChaCha20-Poly1305 key from an
// operator-supplied encryption key via HKDF-SHA256, salted with the feed's
// discovery key so the same passphrase-derived key produces independent
// at-rest keys per feed.
func DeriveEncryptionKey(encryptionKey, discoveryKey []byte) ([]byte, error) {
	out := make([]byte, EncryptionKeySize)
	kdf := hkdf.New(sha256.New, encryptionKey, discoveryKey, []byte(hkdfInfo))
	if _, err := io.ReadFull(kdf, out); err != nil {
		return nil, fmt.Errorf("storage: failed to derive encryption key: %w", err)
	}
	return out, nil
}

// encryptedStream wraps a RandomAccess with transparent ChaCha20-Poly1305
// encryption keyed per leaf index: the nonce is derived deterministically
// from the leaf's own index (not stored), so a record can be re-sealed in
// place and random-access reads never require decrypting neighboring
// records. Hashes are always computed over the plaintext upstream of this
// wrapper; it protects only what sits at rest.
type encryptedStream struct {
	inner   RandomAccess
	nonceOf func(leafIndex uint64) []byte
	aead    interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
		Overhead() int
	}
}

// NewEncryptedStream wraps inner so that every WriteLeaf is sealed and
// every ReadLeaf is opened, using key for ChaCha20-Poly1305. Intended for
// the data stream only; tree, bitfield and signature streams stay in the
// clear so peers can exchange proofs without the data key.
func NewEncryptedStream(inner RandomAccess, key []byte) (*EncryptedStream, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to init AEAD: %w", err)
	}
	es := &encryptedStream{inner: inner, aead: aead}
	es.nonceOf = func(leafIndex uint64) []byte {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], leafIndex)
		digest := sha256.Sum256(append([]byte("feedlog-data-nonce"), buf[:]...))
		return digest[:chacha20poly1305.NonceSize]
	}
	return &EncryptedStream{inner: es}, nil
}

// EncryptedStream is the leaf-indexed view over an encrypted data stream.
// It does not itself satisfy RandomAccess (Read/Write on it require a leaf
// index for nonce derivation); callers that keep a byte-offset scheme
// on the clear streams should use the Binding's GetData/PutData and a
// wrapping layer that tracks (offset, leafIndex) together, as the feed
// core does.
type EncryptedStream struct {
	inner *encryptedStream
}

func (e *EncryptedStream) recordOverhead() int {
	return e.inner.aead.Overhead()
}

// cipherOffset translates a plaintext cumulative byte offset (the
// quantity the feed core computes from Merkle leaf sizes) into the actual
// on-disk position of leafIndex's ciphertext record. Every one of the
// leafIndex leaves before this one occupies recordOverhead() extra bytes
// for its AEAD tag, so the two offsets diverge by leafIndex*overhead.
func (e *EncryptedStream) cipherOffset(leafIndex uint64, plainOffset int64) int64 {
	return plainOffset + int64(leafIndex)*int64(e.recordOverhead())
}

// ReadLeaf reads and decrypts the ciphertext for leafIndex, given the
// cumulative plaintext offset and plaintext length.
func (e *EncryptedStream) ReadLeaf(leafIndex uint64, plainOffset int64, length int) ([]byte, error) {
	offset := e.cipherOffset(leafIndex, plainOffset)
	sealed, err := e.inner.inner.Read(offset, length+e.recordOverhead())
	if err != nil {
		return nil, err
	}
	nonce := e.inner.nonceOf(leafIndex)
	plaintext, err := e.inner.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to decrypt leaf %d at offset %d: %w", leafIndex, offset, err)
	}
	return plaintext, nil
}

// WriteLeaf encrypts data for leafIndex and writes it at the on-disk
// offset derived from the cumulative plaintext offset.
func (e *EncryptedStream) WriteLeaf(leafIndex uint64, plainOffset int64, data []byte) error {
	nonce := e.inner.nonceOf(leafIndex)
	sealed := e.inner.aead.Seal(nil, nonce, data, nil)
	return e.inner.inner.Write(e.cipherOffset(leafIndex, plainOffset), sealed)
}

func (e *EncryptedStream) Sync() error  { return e.inner.inner.Sync() }
func (e *EncryptedStream) Close() error { return e.inner.inner.Close() }
