package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/roach88/evgraph/internal/dag"
	"github.com/roach88/evgraph/internal/event"
	"github.com/roach88/evgraph/internal/observe"
	"github.com/roach88/evgraph/internal/wire"
)

// PeerID identifies a connected peer. The transport assigns it.
type PeerID string

// Network is the transport the engine sends through. Inbound messages are
// pushed to the engine with Handle or Serve.
type Network interface {
	// Broadcast sends msg to every connected peer.
	Broadcast(ctx context.Context, msg wire.Message) error

	// SendTo sends msg to one peer.
	SendTo(ctx context.Context, peer PeerID, msg wire.Message) error

	// Peers returns the currently connected peers.
	Peers() []PeerID
}

var (
	// ErrSyncTimeout is returned when a peer did not answer in time.
	ErrSyncTimeout = errors.New("sync timeout")

	// ErrProtocolViolation is returned when a peer answered with data that
	// does not match what was requested.
	ErrProtocolViolation = errors.New("protocol violation")

	// errNotFound reports an EventReply without an event.
	errNotFound = errors.New("peer does not hold event")
)

// Engine keeps a local dag.Graph converged with its peers.
//
// Thread-safety model:
//   - Handle and Serve: safe from any goroutine, one Serve loop per peer
//   - DagSync: rounds are serialized; concurrent callers wait their turn
//   - Publish: safe from any goroutine
//
// Handle never blocks on a peer reply. Ancestor fetches triggered by an
// EventPut run in background goroutines because their replies arrive on
// the same Serve loop.
type Engine struct {
	graph    *dag.Graph
	net      Network
	logger   *slog.Logger
	observer observe.Observer
	clock    dag.Clock
	roundID  func() string

	interval     time.Duration
	tipTimeout   time.Duration
	eventTimeout time.Duration
	maxRounds    int
	fetchLimit   int
	relay        bool
	reqRate      rate.Limit
	reqBurst     int

	state   atomic.Int32
	roundMu sync.Mutex

	tipMu  sync.Mutex
	tipRun *tipCollector

	reqMu    sync.Mutex
	inflight map[event.Hash]*call

	peerMu   sync.Mutex
	limiters map[PeerID]*rate.Limiter
	suspects map[PeerID]int
	dropped  atomic.Int64

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	active atomic.Int64
}

// New creates an engine for graph over net.
func New(graph *dag.Graph, net Network, opts ...Option) *Engine {
	e := &Engine{
		graph:        graph,
		net:          net,
		observer:     observe.Nop,
		clock:        dag.SystemClock{},
		roundID:      newRoundID,
		interval:     DefaultInterval,
		tipTimeout:   DefaultTipTimeout,
		eventTimeout: DefaultEventTimeout,
		maxRounds:    DefaultMaxRounds,
		fetchLimit:   DefaultFetchConcurrency,
		relay:        true,
		reqRate:      DefaultRequestRate,
		reqBurst:     DefaultRequestBurst,
		inflight:     make(map[event.Hash]*call),
		limiters:     make(map[PeerID]*rate.Limiter),
		suspects:     make(map[PeerID]int),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With("component", "syncer")
	e.base, e.cancel = context.WithCancel(context.Background())
	return e
}

func newRoundID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Close cancels background fetches and waits for them to finish.
func (e *Engine) Close() error {
	e.cancel()
	e.wg.Wait()
	return nil
}

// State returns the current round state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

func (e *Engine) setState(s State) {
	e.state.Store(int32(s))
}

// Publish creates an event on the local tips, inserts it and broadcasts it.
// A failed broadcast is logged; the event stays inserted and reaches peers
// through their next sync round.
func (e *Engine) Publish(ctx context.Context, content []byte) (event.Event, error) {
	ev, err := e.graph.CreateEvent(content)
	if err != nil {
		return event.Event{}, err
	}
	id, err := e.graph.Insert(ctx, ev)
	if err != nil {
		return event.Event{}, err
	}
	if err := e.net.Broadcast(ctx, wire.EventPut{Event: ev}); err != nil {
		e.logger.Warn("broadcast failed", "event", id.Short(), "error", err)
	}
	e.graph.MarkBroadcasted(id)
	return ev, nil
}

// Serve handles messages from one peer until in is closed or ctx is done.
func (e *Engine) Serve(ctx context.Context, peer PeerID, in <-chan wire.Message) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-in:
			if !ok {
				return nil
			}
			if err := e.Handle(ctx, peer, msg); err != nil {
				e.logger.Debug("handle failed",
					"peer", peer,
					"kind", msg.Kind(),
					"error", err)
			}
		}
	}
}

// Handle processes one inbound message from peer.
func (e *Engine) Handle(ctx context.Context, peer PeerID, msg wire.Message) error {
	switch m := msg.(type) {
	case wire.TipRequest:
		if !e.allow(peer) {
			return nil
		}
		return e.net.SendTo(ctx, peer, wire.TipReply{Tips: e.graph.Tips()})

	case wire.EventRequest:
		if !e.allow(peer) {
			return nil
		}
		return e.answerRequest(ctx, peer, m.ID)

	case wire.EventReply:
		e.deliverReply(peer, m)
		return nil

	case wire.TipReply:
		e.deliverTips(peer, m.Tips)
		return nil

	case wire.EventPut:
		return e.handlePut(ctx, peer, m.Event)

	default:
		return fmt.Errorf("unsupported message %T", msg)
	}
}

func (e *Engine) answerRequest(ctx context.Context, peer PeerID, id event.Hash) error {
	ev, ok, err := e.graph.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("lookup %s: %w", id.Short(), err)
	}
	reply := wire.EventReply{ID: id}
	if ok {
		reply.Event = &ev
	} else if !e.graph.IsBroadcasted(id) {
		e.logger.Debug("request for unknown event", "peer", peer, "event", id.Short())
	}
	return e.net.SendTo(ctx, peer, reply)
}

func (e *Engine) handlePut(ctx context.Context, peer PeerID, ev event.Event) error {
	id, inserted, err := e.graph.TryInsert(ctx, ev)
	switch {
	case err == nil:
		if inserted {
			e.relayEvent(ctx, peer, ev)
		}
		return nil

	case dag.IsUnknownParent(err):
		missing := dag.MissingParents(err)
		e.logger.Debug("put has unknown parents, fetching",
			"peer", peer,
			"event", id.Short(),
			"missing", len(missing))
		e.spawn(ctx, func(ctx context.Context) {
			res := e.fetchAncestors(ctx, peer, []event.Event{ev}, missing)
			if slices.Contains(res.inserted, id) {
				e.relayEvent(ctx, peer, ev)
			}
		})
		return nil

	case dag.IsValidation(err):
		e.logger.Warn("rejected event from peer", "peer", peer, "event", id.Short(), "error", err)
		return nil

	case dag.CodeOf(err) == dag.CodePruneInProgress:
		e.logger.Debug("dropped put during rotation", "peer", peer, "event", id.Short())
		return nil

	default:
		return fmt.Errorf("insert %s: %w", id.Short(), err)
	}
}

// relayEvent forwards a newly accepted event to every peer but its sender,
// unless this node already vouched for it.
func (e *Engine) relayEvent(ctx context.Context, from PeerID, ev event.Event) {
	if !e.relay {
		return
	}
	id := ev.ID()
	if e.graph.IsBroadcasted(id) {
		return
	}
	e.graph.MarkBroadcasted(id)
	for _, p := range e.net.Peers() {
		if p == from {
			continue
		}
		if err := e.net.SendTo(ctx, p, wire.EventPut{Event: ev}); err != nil {
			e.logger.Debug("relay failed", "peer", p, "event", id.Short(), "error", err)
		}
	}
}

// spawn runs fn in the background. fn's context ends when ctx does or the
// engine is closed.
func (e *Engine) spawn(ctx context.Context, fn func(ctx context.Context)) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(e.base, cancel)
	e.wg.Add(1)
	e.active.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.active.Add(-1)
		defer stop()
		defer cancel()
		fn(ctx)
	}()
}

// Pending returns the number of background ancestor fetches still running.
func (e *Engine) Pending() int {
	return int(e.active.Load())
}

// allow applies the per-peer inbound request limit.
func (e *Engine) allow(peer PeerID) bool {
	e.peerMu.Lock()
	lim, ok := e.limiters[peer]
	if !ok {
		lim = rate.NewLimiter(e.reqRate, e.reqBurst)
		e.limiters[peer] = lim
	}
	e.peerMu.Unlock()

	if lim.Allow() {
		return true
	}
	e.dropped.Add(1)
	e.logger.Debug("request dropped: rate limit", "peer", peer)
	return false
}

// Dropped returns how many inbound requests the rate limiter discarded.
func (e *Engine) Dropped() int64 {
	return e.dropped.Load()
}

// violation flags peer as suspect.
func (e *Engine) violation(peer PeerID, id event.Hash, reason string) {
	e.peerMu.Lock()
	e.suspects[peer]++
	e.peerMu.Unlock()

	e.logger.Warn("protocol violation", "peer", peer, "event", id.Short(), "reason", reason)
	e.observer.Notify(observe.Notification{
		Kind:  observe.KindProtocolViolation,
		Time:  e.clock.Now(),
		Event: id,
		Peer:  string(peer),
		Err:   fmt.Errorf("%w: %s", ErrProtocolViolation, reason),
	})
}

// Suspects returns the peers flagged for protocol violations.
func (e *Engine) Suspects() []PeerID {
	e.peerMu.Lock()
	defer e.peerMu.Unlock()
	out := make([]PeerID, 0, len(e.suspects))
	for p := range e.suspects {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// Run performs a sync round immediately and then every interval until ctx
// is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("sync loop starting", "interval", e.interval)
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		if _, err := e.DagSync(ctx); err != nil {
			if ctx.Err() != nil {
				e.logger.Info("sync loop stopping: context cancelled")
				return ctx.Err()
			}
			e.logger.Warn("sync round failed", "error", err)
		}
		select {
		case <-ctx.Done():
			e.logger.Info("sync loop stopping: context cancelled")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
