package feedlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/gorilla/websocket"
)

// wireMessage is the length-prefixed (via gorilla's own message framing)
// JSON envelope exchanged between two feeds replicating over a websocket
// connection. Only the fields grouped below under the message's Type are
// meaningful.
type wireMessage struct {
	Type string `json:"type"` // "hello", "have", "want", "request", "data"

	// hello
	ID []byte `json:"id,omitempty"`

	// have
	Length uint64   `json:"length,omitempty"`
	Have   []uint64 `json:"have,omitempty"`

	// want, request, data
	Index uint64 `json:"index,omitempty"`

	// data
	Block      []byte     `json:"block,omitempty"`
	ProofNodes []wireNode `json:"proofNodes,omitempty"`
	Signature  []byte     `json:"signature,omitempty"`
	VerifiedBy uint64     `json:"verifiedBy,omitempty"`
}

type wireNode struct {
	Index uint64 `json:"index"`
	Hash  []byte `json:"hash"`
	Size  uint64 `json:"size"`
}

func toWireNodes(nodes []ProofNode) []wireNode {
	out := make([]wireNode, len(nodes))
	for i, n := range nodes {
		out[i] = wireNode{Index: n.Index, Hash: append([]byte(nil), n.Hash[:]...), Size: n.Size}
	}
	return out
}

func fromWireNodes(nodes []wireNode) []ProofNode {
	out := make([]ProofNode, len(nodes))
	for i, n := range nodes {
		var hash [32]byte
		copy(hash[:], n.Hash)
		out[i] = ProofNode{Index: n.Index, Hash: hash, Size: n.Size}
	}
	return out
}

// ReplicateOptions configures a replication session. The zero value
// replicates every block the remote announces as available.
type ReplicateOptions struct {
	// IncludeLeafHash is forwarded to Proof for every block this side
	// serves, letting a remote that only wants hashes skip the bytes.
	IncludeLeafHash bool
}

// wsPeer adapts a *websocket.Conn to the transport.Peer contract, so the
// feed's hub can broadcast Updates to it exactly like any in-process peer.
type wsPeer struct {
	conn *websocket.Conn
	send chan wireMessage
	done chan struct{}
}

func newWSPeer(conn *websocket.Conn) *wsPeer {
	return &wsPeer{conn: conn, send: make(chan wireMessage, 64), done: make(chan struct{})}
}

// Notify implements transport.Peer: a feed-side Update becomes a "have"
// wire message queued for the write pump.
func (p *wsPeer) Notify(u Update) {
	select {
	case p.send <- wireMessage{Type: "have", Length: u.Length, Have: u.Have}:
	case <-p.done:
	}
}

// Detach implements transport.Peer.
func (p *wsPeer) Detach() {
	select {
	case <-p.done:
	default:
		close(p.done)
	}
}

func (p *wsPeer) writePump() {
	for {
		select {
		case msg := <-p.send:
			if err := p.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-p.done:
			return
		}
	}
}

// Replicate drives one replication session between feed and conn until the
// connection closes or ctx is cancelled; closing the feed does not end a
// running session. It frames
// have/want/request/data messages as JSON over conn and satisfies the feed
// core's Peer contract end to end: a minimal, intentionally non-multiplexed
// reference transport rather than a full replication protocol.
//
// The session opens with a "hello" handshake exchanging each side's
// Options.ID, so a remote that's already attached under the same identity
// (e.g. a reconnect racing the still-live connection) is refused instead
// of registered twice.
func Replicate(ctx context.Context, feed *Feed, conn *websocket.Conn, opts ReplicateOptions) error {
	if err := conn.WriteJSON(wireMessage{Type: "hello", ID: feed.ID()}); err != nil {
		return fmt.Errorf("feedlog: failed to send hello: %w", err)
	}
	var hello wireMessage
	if err := conn.ReadJSON(&hello); err != nil {
		return fmt.Errorf("feedlog: failed to read hello: %w", err)
	}
	if hello.Type != "hello" {
		return fmt.Errorf("feedlog: expected hello handshake, got %q", hello.Type)
	}

	peer := newWSPeer(conn)
	if !feed.AttachPeerWithID(peer, hello.ID) {
		_ = conn.Close()
		return fmt.Errorf("feedlog: refusing duplicate replication session for peer %x", hello.ID)
	}
	defer feed.DetachPeerWithID(peer, hello.ID)

	go peer.writePump()

	// Announce current state so the remote can immediately decide what to
	// request, mirroring what a fresh append would trigger.
	peer.Notify(Update{Length: feed.Length(), Have: presentIndices(feed)})

	go func() {
		<-ctx.Done()
		peer.Detach()
		_ = conn.Close()
	}()

	for {
		var msg wireMessage
		if err := conn.ReadJSON(&msg); err != nil {
			peer.Detach()
			return err
		}
		if err := handleWireMessage(feed, peer, msg, opts); err != nil {
			log.Printf("[replicate] failed to handle %q message for index %d: %v", msg.Type, msg.Index, err)
		}
	}
}

func presentIndices(feed *Feed) []uint64 {
	length := feed.Length()
	have := make([]uint64, 0, length)
	for i := uint64(0); i < length; i++ {
		if feed.Has(i) {
			have = append(have, i)
		}
	}
	return have
}

func handleWireMessage(feed *Feed, peer *wsPeer, msg wireMessage, opts ReplicateOptions) error {
	switch msg.Type {
	case "have":
		// Request anything newly announced that we don't already hold.
		for _, idx := range msg.Have {
			if !feed.Has(idx) {
				peer.send <- wireMessage{Type: "request", Index: idx}
			}
		}
		return nil

	case "want":
		if !feed.Has(msg.Index) {
			return nil
		}
		return serveBlock(feed, peer, msg.Index, opts)

	case "request":
		if !feed.Has(msg.Index) {
			return nil
		}
		return serveBlock(feed, peer, msg.Index, opts)

	case "data":
		proof := Proof{
			Nodes:      fromWireNodes(msg.ProofNodes),
			Signature:  msg.Signature,
			VerifiedBy: msg.VerifiedBy,
		}
		return feed.Put(msg.Index, msg.Block, proof)

	default:
		return fmt.Errorf("feedlog: unrecognized replication message type %q", msg.Type)
	}
}

func serveBlock(feed *Feed, peer *wsPeer, index uint64, opts ReplicateOptions) error {
	data, err := feed.GetBytes(context.Background(), index, GetOptions{Wait: false})
	if err != nil {
		return err
	}
	proof, err := feed.Proof(index, ProofRequest{IncludeLeafHash: opts.IncludeLeafHash})
	if err != nil {
		return err
	}
	peer.send <- wireMessage{
		Type:       "data",
		Index:      index,
		Block:      data,
		ProofNodes: toWireNodes(proof.Nodes),
		Signature:  proof.Signature,
		VerifiedBy: proof.VerifiedBy,
	}
	return nil
}
