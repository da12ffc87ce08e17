package syncer_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/roach88/evgraph/internal/config"
	"github.com/roach88/evgraph/internal/event"
	"github.com/roach88/evgraph/internal/observe"
	"github.com/roach88/evgraph/internal/syncer"
	"github.com/roach88/evgraph/internal/testutil"
	"github.com/roach88/evgraph/internal/testutil/memnet"
	"github.com/roach88/evgraph/internal/wire"
)

const eventually = 2 * time.Second
const tick = 10 * time.Millisecond

func TestDagSync_RecoversMissedEvents(t *testing.T) {
	ctx := context.Background()
	clock := testutil.Unix(t0)
	hub := memnet.NewHub()
	a := newNode(t, hub, "a", clock)
	b := newNode(t, hub, "b", clock)

	// a authors while partitioned; nothing reaches b.
	events := chain(t, a.graph, clock, 5, "offline-")
	for _, e := range events {
		require.False(t, b.has(t, e.ID()))
	}

	hub.Connect("a", "b")
	a.serve(t)
	b.serve(t)

	res, err := b.engine.DagSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b-1", res.ID)
	assert.Equal(t, 1, res.Peers)
	assert.Equal(t, 5, res.Inserted)
	assert.Empty(t, res.Unresolved)
	assert.Equal(t, syncer.StateIdle, b.engine.State())

	for _, e := range events {
		assert.True(t, b.has(t, e.ID()))
	}
	assert.Equal(t, a.graph.Tips(), b.graph.Tips())

	orderA, err := a.graph.OrderEvents(ctx)
	require.NoError(t, err)
	orderB, err := b.graph.OrderEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, orderA, orderB)

	started := b.notes.kinds(observe.KindSyncRoundStarted)
	finished := b.notes.kinds(observe.KindSyncRoundFinished)
	require.Len(t, started, 1)
	require.Len(t, finished, 1)
	assert.Equal(t, "b-1", finished[0].Round)
	assert.Equal(t, 5, finished[0].Inserted)
	assert.True(t, started[0].Time.Equal(clock.Now()), "round times come from the engine clock")
	assert.True(t, finished[0].Time.Equal(clock.Now()))
}

func TestPublish_PushesToPeers(t *testing.T) {
	clock := testutil.Unix(t0)
	hub := memnet.NewHub()
	a := newNode(t, hub, "a", clock)
	b := newNode(t, hub, "b", clock)
	hub.Connect("a", "b")
	a.serve(t)
	b.serve(t)

	clock.Advance(time.Second)
	e, err := a.engine.Publish(context.Background(), []byte("hello"))
	require.NoError(t, err)
	assert.True(t, a.graph.IsBroadcasted(e.ID()))

	assert.Eventually(t, func() bool { return b.has(t, e.ID()) }, eventually, tick)
}

func TestPut_UnknownParentFetchesAncestors(t *testing.T) {
	clock := testutil.Unix(t0)
	hub := memnet.NewHub()
	a := newNode(t, hub, "a", clock)
	b := newNode(t, hub, "b", clock)

	missed := chain(t, a.graph, clock, 3, "missed-")

	hub.Connect("a", "b")
	a.serve(t)
	b.serve(t)

	clock.Advance(time.Second)
	e, err := a.engine.Publish(context.Background(), []byte("latest"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return b.has(t, e.ID()) }, eventually, tick)
	for _, m := range missed {
		assert.True(t, b.has(t, m.ID()))
	}
	assert.Equal(t, []event.Hash{e.ID()}, b.graph.Tips())
}

func TestRelay_ForwardsThroughMiddlePeer(t *testing.T) {
	clock := testutil.Unix(t0)
	hub := memnet.NewHub()
	a := newNode(t, hub, "a", clock)
	b := newNode(t, hub, "b", clock)
	c := newNode(t, hub, "c", clock)

	// a - b - c, no direct a - c link.
	hub.Connect("a", "b")
	hub.Connect("b", "c")
	a.serve(t)
	b.serve(t)
	c.serve(t)

	clock.Advance(time.Second)
	e, err := a.engine.Publish(context.Background(), []byte("relayed"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return c.has(t, e.ID()) }, eventually, tick)
	assert.True(t, b.graph.IsBroadcasted(e.ID()))
}

func TestRelay_Disabled(t *testing.T) {
	clock := testutil.Unix(t0)
	net := &recorder{peers: []syncer.PeerID{"a", "c"}}
	g := newGraph(t, clock)
	eng := syncer.New(g, net, syncer.WithRelay(false))
	t.Cleanup(func() { eng.Close() })

	clock.Advance(time.Second)
	e, err := g.CreateEvent([]byte("x"))
	require.NoError(t, err)

	require.NoError(t, eng.Handle(context.Background(), "a", wire.EventPut{Event: e}))
	assert.Empty(t, net.messages(), "no relay when disabled")

	ok, err := g.Contains(context.Background(), e.ID())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDagSync_ProtocolViolationFlagsPeer(t *testing.T) {
	ctx := context.Background()
	clock := testutil.Unix(t0)
	hub := memnet.NewHub()
	a := newNode(t, hub, "a", clock)

	// liar advertises a genuine event but answers with a different one.
	other := newGraph(t, clock)
	clock.Advance(time.Second)
	genuine := chain(t, other, clock, 1, "genuine-")[0]
	fake, err := other.CreateEvent([]byte("forged"))
	require.NoError(t, err)

	liar := &fakePeer{
		ep:     hub.Join("liar"),
		tips:   []event.Hash{genuine.ID()},
		events: map[event.Hash]event.Event{genuine.ID(): fake},
	}
	hub.Connect("a", "liar")
	liar.serve(t, "a")
	a.serve(t)

	res, err := a.engine.DagSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Inserted)
	assert.Equal(t, []event.Hash{genuine.ID()}, res.Unresolved)
	assert.Equal(t, []syncer.PeerID{"liar"}, a.engine.Suspects())
	assert.False(t, a.has(t, fake.ID()))

	violations := a.notes.kinds(observe.KindProtocolViolation)
	require.Len(t, violations, 1)
	assert.Equal(t, "liar", violations[0].Peer)
	assert.True(t, violations[0].Time.Equal(clock.Now()))
	assert.ErrorIs(t, violations[0].Err, syncer.ErrProtocolViolation)
}

func TestDagSync_DeepHistoryCatchesUp(t *testing.T) {
	ctx := context.Background()
	clock := testutil.Unix(t0)
	hub := memnet.NewHub()
	a := newNode(t, hub, "a", clock)
	// Depth is not bounded by MaxRounds while the peer keeps answering.
	b := newNode(t, hub, "b", clock, syncer.WithMaxRounds(1))

	history := chain(t, a.graph, clock, 40, "deep-")

	hub.Connect("a", "b")
	a.serve(t)
	b.serve(t)

	res, err := b.engine.DagSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 40, res.Inserted)
	assert.Empty(t, res.Unresolved)
	assert.Equal(t, 41, b.graph.Len())
	assert.Equal(t, []event.Hash{history[39].ID()}, b.graph.Tips())

	orderA, err := a.graph.OrderEvents(ctx)
	require.NoError(t, err)
	orderB, err := b.graph.OrderEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, orderA, orderB)
}

func TestPut_DeepAncestryFetched(t *testing.T) {
	clock := testutil.Unix(t0)
	hub := memnet.NewHub()
	a := newNode(t, hub, "a", clock)
	b := newNode(t, hub, "b", clock, syncer.WithMaxRounds(1))

	missed := chain(t, a.graph, clock, 30, "missed-")

	hub.Connect("a", "b")
	a.serve(t)
	b.serve(t)

	clock.Advance(time.Second)
	e, err := a.engine.Publish(context.Background(), []byte("latest"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return b.has(t, e.ID()) }, eventually, tick)
	for _, m := range missed {
		assert.True(t, b.has(t, m.ID()))
	}
}

func TestDagSync_MissingAncestorLeftUnresolved(t *testing.T) {
	ctx := context.Background()
	clock := testutil.Unix(t0)
	hub := memnet.NewHub()
	a := newNode(t, hub, "a", clock)

	other := newGraph(t, clock)
	history := chain(t, other, clock, 3, "gap-")
	// The peer lost the middle event.
	peer := &fakePeer{
		ep:   hub.Join("gap"),
		tips: []event.Hash{history[2].ID()},
		events: map[event.Hash]event.Event{
			history[0].ID(): history[0],
			history[2].ID(): history[2],
		},
	}
	hub.Connect("a", "gap")
	peer.serve(t, "a")
	a.serve(t)

	res, err := a.engine.DagSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Inserted, "tip cannot be inserted without its ancestry")
	assert.Equal(t, []event.Hash{history[1].ID()}, res.Unresolved)
	assert.Equal(t, int64(2), peer.requests.Load(), "a missing event is not requested again")
	assert.Equal(t, syncer.StateIdle, a.engine.State())
	assert.False(t, a.has(t, history[2].ID()))
}

func TestDagSync_RetriesTimeoutsUpToMaxRounds(t *testing.T) {
	ctx := context.Background()
	clock := testutil.Unix(t0)
	hub := memnet.NewHub()
	a := newNode(t, hub, "a", clock,
		syncer.WithEventTimeout(50*time.Millisecond),
		syncer.WithMaxRounds(3))

	missing := event.Hash{0x42}
	peer := &fakePeer{
		ep:     hub.Join("mute"),
		tips:   []event.Hash{missing},
		silent: map[wire.Kind]bool{wire.KindEventRequest: true},
	}
	hub.Connect("a", "mute")
	peer.serve(t, "a")
	a.serve(t)

	res, err := a.engine.DagSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, []event.Hash{missing}, res.Unresolved)
	assert.Equal(t, int64(3), peer.requests.Load())
	assert.Equal(t, syncer.StateIdle, a.engine.State())
}

func TestDagSync_StopsAtRotationBoundary(t *testing.T) {
	ctx := context.Background()
	clock := testutil.Unix(t0)
	hub := memnet.NewHub()
	a := newNode(t, hub, "a", clock)

	// A peer that never rotated still advertises pre-boundary history.
	other := newGraph(t, clock)
	stale := chain(t, other, clock, 3, "stale-")
	events := make(map[event.Hash]event.Event, len(stale))
	for _, e := range stale {
		events[e.ID()] = e
	}

	clock.Advance(time.Minute)
	boundary := uint64(clock.Now().Unix())
	_, err := a.graph.Rotate(ctx, event.Genesis(boundary), t0)
	require.NoError(t, err)

	peer := &fakePeer{
		ep:     hub.Join("stale"),
		tips:   []event.Hash{stale[2].ID()},
		events: events,
	}
	hub.Connect("a", "stale")
	peer.serve(t, "a")
	a.serve(t)

	res, err := a.engine.DagSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Inserted)
	assert.Equal(t, []event.Hash{stale[2].ID()}, res.Unresolved)
	assert.Equal(t, int64(1), peer.requests.Load(), "history below the genesis is not walked")
}

func TestDagSync_EventTimeout(t *testing.T) {
	ctx := context.Background()
	clock := testutil.Unix(t0)
	hub := memnet.NewHub()
	a := newNode(t, hub, "a", clock, syncer.WithEventTimeout(50*time.Millisecond))

	missing := event.Hash{0x42}
	peer := &fakePeer{
		ep:     hub.Join("mute"),
		tips:   []event.Hash{missing},
		silent: map[wire.Kind]bool{wire.KindEventRequest: true},
	}
	hub.Connect("a", "mute")
	peer.serve(t, "a")
	a.serve(t)

	start := time.Now()
	res, err := a.engine.DagSync(ctx)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), eventually)
	assert.Equal(t, []event.Hash{missing}, res.Unresolved)
	assert.Empty(t, a.engine.Suspects(), "a timeout is not a violation")
}

func TestDagSync_TipTimeout(t *testing.T) {
	clock := testutil.Unix(t0)
	hub := memnet.NewHub()
	a := newNode(t, hub, "a", clock, syncer.WithTipTimeout(50*time.Millisecond))

	peer := &fakePeer{
		ep:     hub.Join("mute"),
		silent: map[wire.Kind]bool{wire.KindTipRequest: true},
	}
	hub.Connect("a", "mute")
	peer.serve(t, "a")
	a.serve(t)

	res, err := a.engine.DagSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Peers)
	assert.Equal(t, syncer.StateIdle, a.engine.State())
}

func TestDagSync_NoPeers(t *testing.T) {
	clock := testutil.Unix(t0)
	hub := memnet.NewHub()
	a := newNode(t, hub, "a", clock)

	res, err := a.engine.DagSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Peers)
	assert.Equal(t, 0, res.Inserted)
}

func TestDagSync_CancelledContext(t *testing.T) {
	clock := testutil.Unix(t0)
	hub := memnet.NewHub()
	a := newNode(t, hub, "a", clock)
	peer := &fakePeer{ep: hub.Join("mute"), silent: map[wire.Kind]bool{wire.KindTipRequest: true}}
	hub.Connect("a", "mute")
	peer.serve(t, "a")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.engine.DagSync(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, syncer.StateIdle, a.engine.State())
}

func TestHandle_TipRequest(t *testing.T) {
	clock := testutil.Unix(t0)
	net := &recorder{}
	g := newGraph(t, clock)
	eng := syncer.New(g, net)
	t.Cleanup(func() { eng.Close() })

	require.NoError(t, eng.Handle(context.Background(), "p", wire.TipRequest{}))

	msgs := net.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, syncer.PeerID("p"), msgs[0].to)
	assert.Equal(t, wire.TipReply{Tips: g.Tips()}, msgs[0].msg)
}

func TestHandle_EventRequest(t *testing.T) {
	ctx := context.Background()
	clock := testutil.Unix(t0)
	net := &recorder{}
	g := newGraph(t, clock)
	eng := syncer.New(g, net)
	t.Cleanup(func() { eng.Close() })

	genesis := g.Genesis()
	unknown := event.Hash{0x99}
	require.NoError(t, eng.Handle(ctx, "p", wire.EventRequest{ID: genesis}))
	require.NoError(t, eng.Handle(ctx, "p", wire.EventRequest{ID: unknown}))

	msgs := net.messages()
	require.Len(t, msgs, 2)

	found := msgs[0].msg.(wire.EventReply)
	assert.Equal(t, genesis, found.ID)
	require.NotNil(t, found.Event)
	assert.Equal(t, genesis, found.Event.ID())

	missing := msgs[1].msg.(wire.EventReply)
	assert.Equal(t, unknown, missing.ID)
	assert.Nil(t, missing.Event)
}

func TestHandle_RateLimitDropsFlood(t *testing.T) {
	clock := testutil.Unix(t0)
	net := &recorder{}
	g := newGraph(t, clock)
	eng := syncer.New(g, net, syncer.WithRequestRate(rate.Limit(0.001), 2))
	t.Cleanup(func() { eng.Close() })

	for i := 0; i < 10; i++ {
		require.NoError(t, eng.Handle(context.Background(), "flood", wire.TipRequest{}))
	}
	// Limits are per peer.
	require.NoError(t, eng.Handle(context.Background(), "calm", wire.TipRequest{}))

	assert.Len(t, net.messages(), 3)
	assert.Equal(t, int64(8), eng.Dropped())
}

func TestHandle_UnsolicitedRepliesIgnored(t *testing.T) {
	clock := testutil.Unix(t0)
	net := &recorder{}
	g := newGraph(t, clock)
	eng := syncer.New(g, net)
	t.Cleanup(func() { eng.Close() })

	ctx := context.Background()
	require.NoError(t, eng.Handle(ctx, "p", wire.TipReply{Tips: []event.Hash{{1}}}))
	require.NoError(t, eng.Handle(ctx, "p", wire.EventReply{ID: event.Hash{1}}))

	assert.Empty(t, net.messages())
	assert.Empty(t, eng.Suspects())
}

func TestRun_StopsOnCancel(t *testing.T) {
	clock := testutil.Unix(t0)
	hub := memnet.NewHub()
	a := newNode(t, hub, "a", clock, syncer.WithInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.engine.Run(ctx) }()

	assert.Eventually(t, func() bool {
		return len(a.notes.kinds(observe.KindSyncRoundFinished)) >= 2
	}, eventually, tick)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(eventually):
		t.Fatal("Run did not stop")
	}
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Sync.MaxRounds = 1
	cfg.Sync.Relay = false

	clock := testutil.Unix(t0)
	net := &recorder{peers: []syncer.PeerID{"x"}}
	g := newGraph(t, clock)
	eng := syncer.New(g, net, syncer.OptionsFromConfig(cfg.Sync)...)
	t.Cleanup(func() { eng.Close() })

	clock.Advance(time.Second)
	e, err := g.CreateEvent([]byte("cfg"))
	require.NoError(t, err)
	require.NoError(t, eng.Handle(context.Background(), "y", wire.EventPut{Event: e}))
	assert.Empty(t, net.messages(), "relay disabled through config")
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "IDLE", syncer.StateIdle.String())
	assert.Equal(t, "AWAIT_TIPS", syncer.StateAwaitTips.String())
	assert.Equal(t, "DIFF", syncer.StateDiff.String())
	assert.Equal(t, "FETCH_ANCESTORS", syncer.StateFetchAncestors.String())
}
