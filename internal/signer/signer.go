// Package signer handles Ed25519 signing and verification of feed root
// hashes. It follows the key-handling shape of the transparency package's
// Signer (generate/load, fingerprint, sign, verify) but signs a feed's
// H_roots(fullRoots) value instead of a tree head, and uses circl's
// constant-time Ed25519 implementation rather than the stdlib package,
// matching the classical-signature code path the teacher's own crypto
// package keeps alongside its post-quantum key material.
package signer

import (
	"crypto/rand"
	"fmt"

	circled25519 "github.com/cloudflare/circl/sign/ed25519"
)

const (
	// PublicKeySize is the size in bytes of a feed's public key.
	PublicKeySize = circled25519.PublicKeySize
	// PrivateKeySize is the size in bytes of a feed's secret key.
	PrivateKeySize = circled25519.PrivateKeySize
	// SignatureSize is the size in bytes of a root-set signature.
	SignatureSize = circled25519.SignatureSize
)

// KeyPair holds a feed's Ed25519 identity. SecretKey is nil for read-only
// (non-writable) feeds.
type KeyPair struct {
	PublicKey []byte
	SecretKey []byte
}

// Generate creates a new random Ed25519 key pair, making the feed writable.
func Generate() (*KeyPair, error) {
	pub, priv, err := circled25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("signer: failed to generate key pair: %w", err)
	}
	return &KeyPair{
		PublicKey: append([]byte(nil), pub...),
		SecretKey: append([]byte(nil), priv...),
	}, nil
}

// Sign signs digest (the 32-byte output of treehash.Roots) with the feed's
// secret key. It returns an error if kp is read-only (no full-size secret
// key); the Feed core never reaches this without having checked
// NotWritable at the operation boundary.
func (kp *KeyPair) Sign(digest [32]byte) ([]byte, error) {
	if len(kp.SecretKey) != PrivateKeySize {
		return nil, fmt.Errorf("signer: feed is not writable")
	}
	sig := circled25519.Sign(circled25519.PrivateKey(kp.SecretKey), digest[:])
	return sig, nil
}

// Verify checks a signature over digest against a raw public key.
func Verify(publicKey []byte, digest [32]byte, signature []byte) bool {
	if len(publicKey) != PublicKeySize || len(signature) != SignatureSize {
		return false
	}
	return circled25519.Verify(circled25519.PublicKey(publicKey), digest[:], signature)
}
