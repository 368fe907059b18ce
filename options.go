package feedlog

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/kindlyrobotics/feedlog/internal/storage"
	"github.com/kindlyrobotics/feedlog/pkg/codec"
)

// Sentinel errors surfaced at the feed boundary (§6 error codes).
var (
	ErrNotFound         = errors.New("feedlog: not found")
	ErrAlreadyExists    = errors.New("feedlog: another feed is stored here")
	ErrNotWritable      = errors.New("feedlog: feed is not writable")
	ErrInvalidProof     = errors.New("feedlog: invalid proof")
	ErrMissingSignature = errors.New("feedlog: missing signature")
	ErrChecksumFailed   = errors.New("feedlog: checksum failed")
	ErrOutOfBounds      = errors.New("feedlog: out of bounds")
	ErrCancelled        = errors.New("feedlog: cancelled")
	ErrTimeout          = errors.New("feedlog: timeout")
	ErrIncomplete       = errors.New("feedlog: cannot progress locally")
	ErrPoisoned         = errors.New("feedlog: feed poisoned by a prior critical error")
)

// idSize is the length of a feed's local peer identity (Options.ID).
const idSize = 32

// CriticalError is a tier-3, feed-poisoning error: a proof whose signature
// verified but whose reconstructed tree disagrees with already-committed
// nodes. Once raised, the feed refuses further mutation; reads of already
// verified blocks remain safe. Callers distinguish it with errors.As.
type CriticalError struct {
	Reason string
	Err    error
}

func (e *CriticalError) Error() string {
	return fmt.Sprintf("feedlog: critical error: %s: %v", e.Reason, e.Err)
}

func (e *CriticalError) Unwrap() error { return e.Err }

// Options configures Open. Only Storage is required; everything else has
// a documented default matching spec.md's §6 option table.
type Options struct {
	// Storage opens the six logical streams a feed persists to.
	Storage storage.Provider

	// PublicKey, when set, opens an existing feed anchored to this key
	// instead of generating a new key pair. Required for read-only peers.
	PublicKey []byte
	// SecretKey, when set together with PublicKey, makes the feed
	// writable without generating a fresh key pair.
	SecretKey []byte

	// Sparse, if true, suppresses the default download([0,-1)) selection
	// a non-sparse feed registers on open.
	Sparse bool
	// Live defaults to true; false finalizes verification to root
	// equality instead of per-leaf signatures.
	Live *bool
	// Indexing, if true, suppresses writing raw data; tree nodes and
	// signatures are still written. Callers maintain an external block
	// store.
	Indexing bool
	// CreateIfMissing defaults to true; false makes Open fail with
	// ErrNotFound when no key is stored.
	CreateIfMissing *bool
	// Overwrite clears any existing bitfield and keys on open.
	Overwrite bool
	// ValueEncoding names a built-in codec ("binary", "utf-8", "json"),
	// resolved via codec.Named. Ignored if Codec is set directly.
	ValueEncoding string
	// Codec, if set, is used verbatim instead of resolving ValueEncoding.
	Codec codec.Codec
	// ID is a 32-byte local identity used by peers for dedup; random if
	// omitted.
	ID []byte

	// EncryptionKey, when set, wraps the data stream in transparent
	// ChaCha20-Poly1305 encryption-at-rest (Component I).
	EncryptionKey []byte

	// PersistSelections, when true, backs the selection set with a
	// Postgres-durable store (Component J) instead of only in-memory.
	PersistSelections bool
	// SelectionStoreURL is the Postgres connection string used when
	// PersistSelections is true.
	SelectionStoreURL string

	// AnnounceRedis, when set, additionally publishes selection/bitfield
	// updates over Redis pub/sub on the feed's discovery-key channel, for
	// cross-process coordination among feed processes sharing one Redis
	// instance (Component G's optional announce path). Never required
	// for correctness.
	AnnounceRedis string
}

func (o Options) live() bool {
	if o.Live == nil {
		return true
	}
	return *o.Live
}

func (o Options) createIfMissing() bool {
	if o.CreateIfMissing == nil {
		return true
	}
	return *o.CreateIfMissing
}

func (o Options) resolveCodec() (codec.Codec, error) {
	if o.Codec != nil {
		return o.Codec, nil
	}
	return codec.Named(o.ValueEncoding)
}

// resolveID returns o.ID if set, or a fresh random 32-byte identity
// otherwise.
func (o Options) resolveID() ([]byte, error) {
	if len(o.ID) > 0 {
		return o.ID, nil
	}
	id := make([]byte, idSize)
	if _, err := rand.Read(id); err != nil {
		return nil, fmt.Errorf("feedlog: failed to generate local peer identity: %w", err)
	}
	return id, nil
}
