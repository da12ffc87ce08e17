package syncer_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/evgraph/internal/dag"
	"github.com/roach88/evgraph/internal/event"
	"github.com/roach88/evgraph/internal/observe"
	"github.com/roach88/evgraph/internal/store"
	"github.com/roach88/evgraph/internal/syncer"
	"github.com/roach88/evgraph/internal/testutil"
	"github.com/roach88/evgraph/internal/testutil/memnet"
	"github.com/roach88/evgraph/internal/wire"
)

const t0 = 1_700_000_000

// node bundles one participant of a test network.
type node struct {
	id     syncer.PeerID
	graph  *dag.Graph
	engine *syncer.Engine
	ep     *memnet.Endpoint
	notes  *notes
}

// notes records observer notifications.
type notes struct {
	mu  sync.Mutex
	all []observe.Notification
}

func (n *notes) Notify(x observe.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.all = append(n.all, x)
}

func (n *notes) kinds(k observe.Kind) []observe.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []observe.Notification
	for _, x := range n.all {
		if x.Kind == k {
			out = append(out, x)
		}
	}
	return out
}

// newGraph returns a graph rotated to Genesis(t0) on a memory store.
func newGraph(t *testing.T, clock *testutil.ManualClock) *dag.Graph {
	t.Helper()
	ctx := context.Background()
	g, err := dag.New(ctx, store.NewMemory(), dag.WithClock(clock))
	require.NoError(t, err)
	_, err = g.Rotate(ctx, event.Genesis(t0), t0)
	require.NoError(t, err)
	return g
}

func newNode(t *testing.T, hub *memnet.Hub, id syncer.PeerID, clock *testutil.ManualClock, opts ...syncer.Option) *node {
	t.Helper()
	n := &node{id: id, graph: newGraph(t, clock), ep: hub.Join(id), notes: &notes{}}
	base := []syncer.Option{
		syncer.WithTipTimeout(500 * time.Millisecond),
		syncer.WithEventTimeout(500 * time.Millisecond),
		syncer.WithObserver(n.notes),
		syncer.WithClock(clock),
		syncer.WithRoundIDs(testutil.NewSequenceIDs(string(id)).Next),
	}
	n.engine = syncer.New(n.graph, n.ep, append(base, opts...)...)
	t.Cleanup(func() { n.engine.Close() })
	return n
}

// serve starts the node's Serve loops for its current links.
func (n *node) serve(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	wait := n.ep.Serve(ctx, n.engine)
	t.Cleanup(func() {
		cancel()
		wait()
	})
}

func (n *node) has(t *testing.T, id event.Hash) bool {
	t.Helper()
	ok, err := n.graph.Contains(context.Background(), id)
	require.NoError(t, err)
	return ok
}

// chain builds n events on g, one per second, and returns them in order.
func chain(t *testing.T, g *dag.Graph, clock *testutil.ManualClock, n int, prefix string) []event.Event {
	t.Helper()
	out := make([]event.Event, 0, n)
	for i := 0; i < n; i++ {
		clock.Advance(time.Second)
		e, err := g.CreateEvent([]byte(prefix + string(rune('a'+i))))
		require.NoError(t, err)
		_, err = g.Insert(context.Background(), e)
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

// fakePeer answers requests from a fixed event set. It plays a remote node
// by hand so tests can make it misbehave.
type fakePeer struct {
	ep     *memnet.Endpoint
	tips   []event.Hash
	events map[event.Hash]event.Event
	// silent suppresses replies of the given kinds.
	silent map[wire.Kind]bool
	// requests counts EventRequests received, answered or not.
	requests atomic.Int64
}

func (f *fakePeer) serve(t *testing.T, from syncer.PeerID) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	in := f.ep.Inbox(from)
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-in:
				if msg.Kind() == wire.KindEventRequest {
					f.requests.Add(1)
				}
				if f.silent[msg.Kind()] {
					continue
				}
				switch m := msg.(type) {
				case wire.TipRequest:
					_ = f.ep.SendTo(ctx, from, wire.TipReply{Tips: f.tips})
				case wire.EventRequest:
					reply := wire.EventReply{ID: m.ID}
					if ev, ok := f.events[m.ID]; ok {
						reply.Event = &ev
					}
					_ = f.ep.SendTo(ctx, from, reply)
				}
			}
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// recorder is a Network that records what the engine sends.
type recorder struct {
	mu    sync.Mutex
	peers []syncer.PeerID
	sent  []sentMsg
}

type sentMsg struct {
	to  syncer.PeerID // empty for broadcasts
	msg wire.Message
}

func (r *recorder) Broadcast(_ context.Context, msg wire.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentMsg{msg: msg})
	return nil
}

func (r *recorder) SendTo(_ context.Context, peer syncer.PeerID, msg wire.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentMsg{to: peer, msg: msg})
	return nil
}

func (r *recorder) Peers() []syncer.PeerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peers
}

func (r *recorder) messages() []sentMsg {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sentMsg(nil), r.sent...)
}
