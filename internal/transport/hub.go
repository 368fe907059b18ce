// Package transport runs the single-goroutine hub that serializes peer
// registration and update broadcast for a feed, the same register/
// unregister/broadcast channel shape used to fan messages out to websocket
// clients, repurposed here to fan a feed's append/download updates out to
// its connected peers.
package transport

import "sync"

// Update is one fact worth telling every connected peer about: a new
// committed length, or a newly downloaded block index.
type Update struct {
	Length uint64
	Have   []uint64
}

// Peer is anything that can be told about an Update and cleanly detached.
type Peer interface {
	Notify(Update)
	Detach()
}

// Hub owns the set of peers attached to one feed and serializes every
// registration, detachment and broadcast through a single goroutine so
// peers never race each other or the feed's own append path.
type Hub struct {
	register   chan Peer
	unregister chan Peer
	broadcast  chan Update
	done       chan struct{}

	mu    sync.Mutex
	peers map[Peer]bool
}

// New creates a hub. Call Run in its own goroutine before registering any
// peers.
func New() *Hub {
	return &Hub{
		register:   make(chan Peer),
		unregister: make(chan Peer),
		broadcast:  make(chan Update, 16),
		done:       make(chan struct{}),
		peers:      make(map[Peer]bool),
	}
}

// Run drives the hub's event loop until Stop is called. It is meant to run
// in its own goroutine for the lifetime of the feed.
func (h *Hub) Run() {
	for {
		select {
		case p := <-h.register:
			h.mu.Lock()
			h.peers[p] = true
			h.mu.Unlock()
		case p := <-h.unregister:
			h.mu.Lock()
			if h.peers[p] {
				delete(h.peers, p)
				p.Detach()
			}
			h.mu.Unlock()
		case u := <-h.broadcast:
			h.mu.Lock()
			for p := range h.peers {
				p.Notify(u)
			}
			h.mu.Unlock()
		case <-h.done:
			return
		}
	}
}

// Stop terminates Run.
func (h *Hub) Stop() {
	close(h.done)
}

// Register attaches a peer to the hub.
func (h *Hub) Register(p Peer) {
	h.register <- p
}

// Unregister detaches a peer from the hub.
func (h *Hub) Unregister(p Peer) {
	h.unregister <- p
}

// Broadcast queues an update for every attached peer. It never blocks the
// caller on a slow or absent peer beyond the channel's buffer.
func (h *Hub) Broadcast(u Update) {
	h.broadcast <- u
}

// PeerCount reports how many peers are currently attached.
func (h *Hub) PeerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}
