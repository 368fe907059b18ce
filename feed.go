// Package feedlog implements a cryptographically verifiable, append-only
// log: a sequence of opaque binary blocks whose membership and contents
// any reader can verify against a public key without trusting the storage
// layer or the peer that served the bytes.
package feedlog

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/redis/go-redis/v9"

	"github.com/kindlyrobotics/feedlog/internal/bitfield"
	"github.com/kindlyrobotics/feedlog/internal/flattree"
	"github.com/kindlyrobotics/feedlog/internal/merkleiter"
	"github.com/kindlyrobotics/feedlog/internal/selection"
	"github.com/kindlyrobotics/feedlog/internal/selectionstore"
	"github.com/kindlyrobotics/feedlog/internal/signer"
	"github.com/kindlyrobotics/feedlog/internal/storage"
	"github.com/kindlyrobotics/feedlog/internal/transport"
	"github.com/kindlyrobotics/feedlog/internal/treehash"
	"github.com/kindlyrobotics/feedlog/internal/treeindex"
	"github.com/kindlyrobotics/feedlog/pkg/codec"
)

type feedState int

const (
	stateUnopened feedState = iota
	stateOpening
	stateReady
	stateClosing
	stateClosed
)

// Feed is one open append-only log. A Feed is safe for concurrent use;
// every mutation is serialized through an internal batcher goroutine.
type Feed struct {
	mu sync.RWMutex

	state feedState

	binding  *storage.Binding
	dataBits *bitfield.Bitfield // bit p: block p present
	treeBits *bitfield.Bitfield // bit i: tree node i present (flat-tree index)
	treeIdx  *treeindex.Index
	gen      *merkleiter.Generator

	key             []byte
	secretKey       []byte
	discoveryKey    [32]byte
	discoveryKeyHex string

	length     uint64
	byteLength uint64
	live       bool
	writable   bool
	sparse     bool
	indexing   bool

	// poisoned is set once a CriticalError has been raised (§7 tier 3): a
	// proof whose signature verified but whose reconstructed tree
	// disagreed with already-committed nodes. A poisoned feed refuses all
	// further mutation; reads of already-verified blocks remain safe.
	poisoned bool

	codec codec.Codec

	selections     *selection.Set
	selectionStore *selectionstore.Store
	byteWaiters    *selection.WaiterSet
	hub            *transport.Hub

	redisClient  *redis.Client
	redisChannel string

	// id is this feed's local peer identity (Options.ID, or random if
	// omitted), exchanged during replication handshakes so a duplicate
	// connection from the same remote peer can be refused rather than
	// fanned out to twice.
	id []byte
	// peerIDs tracks remote peer identities currently attached via
	// AttachPeerWithID.
	peerIDs map[string]bool

	batcher *batcher
}

// Open opens or creates a feed per Options. See options.go for the full
// set of recognized options and their defaults.
func Open(opts Options) (*Feed, error) {
	cdc, err := opts.resolveCodec()
	if err != nil {
		return nil, err
	}

	provider := opts.Storage
	binding, err := storage.Open(provider, opts.Indexing)
	if err != nil {
		return nil, err
	}

	id, err := opts.resolveID()
	if err != nil {
		_ = binding.Close()
		return nil, err
	}

	f := &Feed{
		state:       stateOpening,
		binding:     binding,
		dataBits:    bitfield.New(),
		treeBits:    bitfield.New(),
		sparse:      opts.Sparse,
		indexing:    opts.Indexing,
		codec:       cdc,
		selections:  selection.New(),
		byteWaiters: selection.NewWaiterSet(),
		hub:         transport.New(),
		id:          id,
		peerIDs:     make(map[string]bool),
	}
	f.treeIdx = treeindex.New(f.treeBits)
	go f.hub.Run()

	if err := f.loadBitfields(); err != nil {
		_ = binding.Close()
		return nil, err
	}

	storedKey, hasKey, err := binding.GetKey()
	if err != nil {
		_ = binding.Close()
		return nil, err
	}

	if opts.Overwrite {
		f.dataBits = bitfield.New()
		f.treeBits = bitfield.New()
		f.treeIdx = treeindex.New(f.treeBits)
		hasKey = false
	}

	if !hasKey && f.dataBits.NextMissing(0) > 0 {
		// Bits exist but no key is present: the stored data can't be
		// verified against anything, so force a fresh start.
		f.dataBits = bitfield.New()
		f.treeBits = bitfield.New()
		f.treeIdx = treeindex.New(f.treeBits)
	}

	if err := f.resolveKeys(opts, hasKey, storedKey); err != nil {
		_ = binding.Close()
		return nil, err
	}

	dk, err := treehash.DiscoveryKey(f.key)
	if err != nil {
		_ = binding.Close()
		return nil, err
	}
	f.discoveryKey = dk
	f.discoveryKeyHex = hex.EncodeToString(dk[:])

	if len(opts.EncryptionKey) > 0 {
		dataKey, err := storage.DeriveEncryptionKey(opts.EncryptionKey, f.discoveryKey[:])
		if err != nil {
			_ = binding.Close()
			return nil, err
		}
		if err := binding.EnableEncryption(dataKey); err != nil {
			_ = binding.Close()
			return nil, err
		}
	}

	f.length = f.dataBits.NextMissing(0)
	f.byteLength, err = f.computeByteLength()
	if err != nil {
		_ = binding.Close()
		return nil, err
	}

	if err := f.loadGenerator(); err != nil {
		_ = binding.Close()
		return nil, err
	}

	finalized, err := binding.GetFinalized()
	if err != nil {
		_ = binding.Close()
		return nil, err
	}

	f.live = opts.live()
	if finalized {
		f.live = false
		f.writable = false
	}

	if opts.AnnounceRedis != "" {
		f.redisClient = redis.NewClient(&redis.Options{Addr: opts.AnnounceRedis})
		f.redisChannel = "feedlog:" + f.discoveryKeyHex
	}

	if opts.PersistSelections {
		store, err := selectionstore.Open(context.Background(), opts.SelectionStoreURL)
		if err != nil {
			_ = binding.Close()
			return nil, err
		}
		f.selectionStore = store
		persisted, err := store.Load(context.Background(), f.discoveryKeyHex)
		if err != nil {
			_ = binding.Close()
			_ = store.Close()
			return nil, err
		}
		for _, r := range persisted {
			f.selections.AddRange(selection.Range{Start: r.Start, End: r.End, Linear: r.Linear, Hash: r.Hash})
		}
	}

	if !f.sparse {
		// download([0,-1)): the documented open-ended default selection a
		// non-sparse feed registers so it follows the live tail.
		f.selections.AddRange(selection.Range{Start: 0, End: -1})
	}

	f.state = stateReady
	f.batcher = newBatcher(f)

	log.Printf("[feed] opened: length=%d byteLength=%s live=%t writable=%t", f.length, humanize.Bytes(f.byteLength), f.live, f.writable)
	return f, nil
}

// Data and tree bitfield pages are interleaved in the shared "bitfield"
// stream: page i's data record lives at logical page 2i, its tree record
// at 2i+1, matching §3's "paged bitmaps stored in interleaved pages".
func dataPageSlot(i uint32) uint32 { return i * 2 }
func treePageSlot(i uint32) uint32 { return i*2 + 1 }

func (f *Feed) loadBitfields() error {
	for i := uint32(0); ; i++ {
		page, ok, err := f.binding.GetBitfieldPage(dataPageSlot(i))
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		f.dataBits.LoadPage(i, page)
	}
	for i := uint32(0); ; i++ {
		page, ok, err := f.binding.GetBitfieldPage(treePageSlot(i))
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		f.treeBits.LoadPage(i, page)
	}
	return nil
}

// flushBitfields persists every dirty data/tree bitfield page. This is the
// last-one-wins flush primitive (§5): callers coalesce redundant flush
// requests by simply calling this again, since LastUpdate drains whatever
// is dirty at the time it runs.
func (f *Feed) flushBitfields() error {
	for {
		i, data, ok := f.dataBits.LastUpdate()
		if !ok {
			break
		}
		if err := f.binding.PutBitfieldPage(dataPageSlot(i), data); err != nil {
			return err
		}
	}
	for {
		i, data, ok := f.treeBits.LastUpdate()
		if !ok {
			break
		}
		if err := f.binding.PutBitfieldPage(treePageSlot(i), data); err != nil {
			return err
		}
	}
	return f.binding.Sync()
}

func (f *Feed) resolveKeys(opts Options, hasKey bool, storedKey []byte) error {
	switch {
	case len(opts.PublicKey) > 0:
		if hasKey && !bytes.Equal(storedKey, opts.PublicKey) {
			return ErrAlreadyExists
		}
		f.key = opts.PublicKey
		if len(opts.SecretKey) > 0 {
			f.secretKey = opts.SecretKey
			f.writable = true
		}
		if !hasKey {
			if err := f.binding.PutKey(f.key); err != nil {
				return err
			}
		}
	case hasKey:
		f.key = storedKey
		secret, ok, err := f.binding.GetSecretKey()
		if err != nil {
			return err
		}
		if ok {
			f.secretKey = secret
			f.writable = true
		}
	case opts.createIfMissing():
		kp, err := signer.Generate()
		if err != nil {
			return err
		}
		f.key = kp.PublicKey
		f.secretKey = kp.SecretKey
		f.writable = true
		if err := f.binding.PutKey(f.key); err != nil {
			return err
		}
		if err := f.binding.PutSecretKey(f.secretKey); err != nil {
			return err
		}
	default:
		return ErrNotFound
	}
	return nil
}

// computeByteLength sums the current full roots' sizes (invariant 4).
func (f *Feed) computeByteLength() (uint64, error) {
	roots, err := f.loadFullRoots(f.length)
	if err != nil {
		return 0, err
	}
	var total uint64
	for _, r := range roots {
		total += r.Size
	}
	return total, nil
}

// loadFullRoots reads the tree-node records for fullRoots(length*2) from
// storage, used both at open (to seed the generator) and whenever the
// current root set must be reconstructed.
func (f *Feed) loadFullRoots(length uint64) ([]merkleiter.Node, error) {
	if length == 0 {
		return nil, nil
	}
	indices := flattree.FullRoots(length * 2)
	nodes := make([]merkleiter.Node, 0, len(indices))
	for _, i := range indices {
		rec, ok, err := f.binding.GetNode(i)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("feedlog: missing committed root node %d: %w", i, ErrChecksumFailed)
		}
		nodes = append(nodes, merkleiter.Node{Index: i, Hash: rec.Hash, Size: rec.Size})
	}
	return nodes, nil
}

func (f *Feed) loadGenerator() error {
	roots, err := f.loadFullRoots(f.length)
	if err != nil {
		return err
	}
	f.gen = merkleiter.New(roots)
	return nil
}

// Close quiesces pending work and closes storage. It is safe to call Close
// more than once.
func (f *Feed) Close() error {
	f.mu.Lock()
	if f.state == stateClosed || f.state == stateClosing {
		f.mu.Unlock()
		return nil
	}
	f.state = stateClosing
	f.mu.Unlock()

	// Release every Get parked on a selection; with the feed no longer
	// ready, each of them returns ErrCancelled.
	for _, r := range f.selections.Ordered() {
		f.selections.RemoveRange(r)
	}

	f.batcher.stop()
	f.hub.Stop()

	f.mu.Lock()
	f.state = stateClosed
	f.mu.Unlock()

	if f.redisClient != nil {
		_ = f.redisClient.Close()
	}
	if f.selectionStore != nil {
		_ = f.selectionStore.Close()
	}

	return f.binding.Close()
}

func (f *Feed) ready() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state == stateReady
}

// Key returns the feed's public key.
func (f *Feed) Key() []byte {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.key
}

// DiscoveryKey returns the feed's discovery key.
func (f *Feed) DiscoveryKey() [32]byte {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.discoveryKey
}

// Length returns the current number of contiguous blocks from 0.
func (f *Feed) Length() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.length
}

// ByteLength returns the sum of all current full roots' sizes.
func (f *Feed) ByteLength() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.byteLength
}

// Writable reports whether this feed holds a secret key.
func (f *Feed) Writable() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.writable
}

// Live reports whether the feed still accepts per-leaf signatures rather
// than having been finalized.
func (f *Feed) Live() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.live
}

// Poisoned reports whether a prior CriticalError has permanently disabled
// further mutation of this feed (§7 tier 3). Reads of already-verified
// blocks remain safe.
func (f *Feed) Poisoned() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.poisoned
}

// Has reports whether block p is stored locally.
func (f *Feed) Has(p uint64) bool {
	return f.dataBits.Get(p)
}

// Update is a fact broadcast to every peer attached to this feed: a new
// committed length, newly downloaded block indices, or both.
type Update = transport.Update

// announce broadcasts u to every attached peer. Called after any mutation
// of length, selections, waiters or bitfield that might unblock a peer's
// request decision (§4.G's _updatePeers hook). When AnnounceRedis is
// configured, the same fact is published on the feed's discovery-key
// channel so other processes sharing that Redis instance observe it too;
// this is purely additive and never required for correctness.
func (f *Feed) announce(u Update) {
	f.hub.Broadcast(u)
	if f.redisClient == nil {
		return
	}
	payload, err := json.Marshal(u)
	if err != nil {
		log.Printf("[feed] failed to marshal announce payload: %v", err)
		return
	}
	if err := f.redisClient.Publish(context.Background(), f.redisChannel, payload).Err(); err != nil {
		log.Printf("[feed] redis announce publish failed: %v", err)
	}
}

// ID returns this feed's local peer identity (Options.ID, or a random
// identity generated on Open if none was supplied), used by replication
// transports to deduplicate peers.
func (f *Feed) ID() []byte {
	return f.id
}

// AttachPeer registers p to receive future Update broadcasts. Use
// AttachPeerWithID instead for a transport that can exchange peer
// identities and wants duplicate connections refused.
func (f *Feed) AttachPeer(p transport.Peer) {
	f.hub.Register(p)
}

// DetachPeer removes p from future Update broadcasts.
func (f *Feed) DetachPeer(p transport.Peer) {
	f.hub.Unregister(p)
}

// AttachPeerWithID registers p like AttachPeer, but first checks remoteID
// (the peer's Options.ID) against the set of currently attached remote
// identities; a duplicate is refused (false) rather than fanned out to
// twice, which matters when two replication sessions race to connect to
// the same remote. An empty remoteID skips dedup entirely.
func (f *Feed) AttachPeerWithID(p transport.Peer, remoteID []byte) bool {
	if len(remoteID) > 0 {
		f.mu.Lock()
		key := string(remoteID)
		if f.peerIDs[key] {
			f.mu.Unlock()
			return false
		}
		f.peerIDs[key] = true
		f.mu.Unlock()
	}
	f.hub.Register(p)
	return true
}

// DetachPeerWithID reverses a successful AttachPeerWithID.
func (f *Feed) DetachPeerWithID(p transport.Peer, remoteID []byte) {
	if len(remoteID) > 0 {
		f.mu.Lock()
		delete(f.peerIDs, string(remoteID))
		f.mu.Unlock()
	}
	f.hub.Unregister(p)
}

