// Package memnet is an in-process syncer.Network for tests.
//
// Every message is encoded with wire.Marshal and decoded on delivery, so
// tests exercise the real codec and receivers never share memory with
// senders.
package memnet

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/roach88/evgraph/internal/syncer"
	"github.com/roach88/evgraph/internal/wire"
)

// ErrNotConnected is returned by SendTo for a peer without a link.
var ErrNotConnected = errors.New("memnet: peer not connected")

// linkBuffer is the per-direction queue depth.
const linkBuffer = 1024

type link struct {
	from, to syncer.PeerID
}

// Hub connects endpoints.
type Hub struct {
	mu        sync.RWMutex
	endpoints map[syncer.PeerID]*Endpoint
	links     map[link]chan wire.Message
	down      map[link]bool
}

// NewHub creates an empty network.
func NewHub() *Hub {
	return &Hub{
		endpoints: make(map[syncer.PeerID]*Endpoint),
		links:     make(map[link]chan wire.Message),
		down:      make(map[link]bool),
	}
}

// Join registers an endpoint.
func (h *Hub) Join(id syncer.PeerID) *Endpoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	ep := &Endpoint{hub: h, id: id}
	h.endpoints[id] = ep
	return ep
}

// Connect links a and b in both directions. Reconnecting a downed link
// reuses its queues.
func (h *Hub) Connect(a, b syncer.PeerID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, l := range []link{{a, b}, {b, a}} {
		if _, ok := h.links[l]; !ok {
			h.links[l] = make(chan wire.Message, linkBuffer)
		}
		delete(h.down, l)
	}
}

// Disconnect makes sends between a and b fail until Connect is called
// again. Queued messages are still delivered.
func (h *Hub) Disconnect(a, b syncer.PeerID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.down[link{a, b}] = true
	h.down[link{b, a}] = true
}

// Pending returns the number of queued, undelivered messages on all links.
func (h *Hub) Pending() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, ch := range h.links {
		n += len(ch)
	}
	return n
}

func (h *Hub) queue(from, to syncer.PeerID) (chan wire.Message, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	l := link{from, to}
	ch, ok := h.links[l]
	return ch, ok && !h.down[l]
}

func (h *Hub) queueAny(from, to syncer.PeerID) (chan wire.Message, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ch, ok := h.links[link{from, to}]
	return ch, ok
}

func (h *Hub) peersOf(id syncer.PeerID) []syncer.PeerID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []syncer.PeerID
	for l := range h.links {
		if l.from == id && !h.down[l] {
			out = append(out, l.to)
		}
	}
	slices.Sort(out)
	return out
}

// Endpoint is one node's view of the hub. It implements syncer.Network.
type Endpoint struct {
	hub *Hub
	id  syncer.PeerID

	mu     sync.Mutex
	filter func(to syncer.PeerID, msg wire.Message) bool
}

var _ syncer.Network = (*Endpoint)(nil)

// ID returns the endpoint's peer id.
func (e *Endpoint) ID() syncer.PeerID {
	return e.id
}

// Peers returns the connected peers, sorted.
func (e *Endpoint) Peers() []syncer.PeerID {
	return e.hub.peersOf(e.id)
}

// SetFilter installs a predicate on outbound messages; returning false
// silently drops the message. A nil filter passes everything.
func (e *Endpoint) SetFilter(fn func(to syncer.PeerID, msg wire.Message) bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.filter = fn
}

// SendTo delivers msg to peer's inbox for this endpoint.
func (e *Endpoint) SendTo(ctx context.Context, peer syncer.PeerID, msg wire.Message) error {
	ch, ok := e.hub.queue(e.id, peer)
	if !ok {
		return fmt.Errorf("%w: %s -> %s", ErrNotConnected, e.id, peer)
	}

	e.mu.Lock()
	filter := e.filter
	e.mu.Unlock()
	if filter != nil && !filter(peer, msg) {
		return nil
	}

	b, err := wire.Marshal(msg)
	if err != nil {
		return err
	}
	decoded, err := wire.Unmarshal(b)
	if err != nil {
		return err
	}

	select {
	case ch <- decoded:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Broadcast sends msg to every connected peer.
func (e *Endpoint) Broadcast(ctx context.Context, msg wire.Message) error {
	var errs []error
	for _, p := range e.Peers() {
		if err := e.SendTo(ctx, p, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Inbox returns the queue of messages from peer to this endpoint, for
// tests that play a peer by hand. It returns nil if the peers were never
// connected.
func (e *Endpoint) Inbox(from syncer.PeerID) <-chan wire.Message {
	ch, _ := e.hub.queueAny(from, e.id)
	return ch
}

// Serve starts one eng.Serve loop per currently connected peer and returns
// a function that waits for all of them to stop. Cancel ctx to stop.
func (e *Endpoint) Serve(ctx context.Context, eng *syncer.Engine) (wait func()) {
	var wg sync.WaitGroup
	for _, p := range e.Peers() {
		in := e.Inbox(p)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = eng.Serve(ctx, p, in)
		}()
	}
	return wg.Wait
}
