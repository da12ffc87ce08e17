package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/roach88/evgraph/internal/config"
	"github.com/roach88/evgraph/internal/dag"
	"github.com/roach88/evgraph/internal/prune"
	"github.com/roach88/evgraph/internal/store"
	"github.com/roach88/evgraph/internal/syncer"
	"github.com/roach88/evgraph/internal/testutil"
	"github.com/roach88/evgraph/internal/testutil/memnet"
)

// Settle tuning. A network counts as settled once it looks idle for
// settleRounds consecutive polls.
const (
	settlePoll    = 5 * time.Millisecond
	settleRounds  = 3
	settleTimeout = 10 * time.Second
	replyTimeout  = 500 * time.Millisecond
)

// node is one scenario participant.
type node struct {
	name   string
	graph  *dag.Graph
	engine *syncer.Engine
	pruner *prune.Pruner
	ep     *memnet.Endpoint
}

// Harness executes one scenario.
type Harness struct {
	hub    *memnet.Hub
	clock  *testutil.ManualClock
	nodes  map[string]*node
	logger *slog.Logger

	base    context.Context
	cancel  context.CancelFunc
	serveWG sync.WaitGroup
	serving map[[2]string]bool
}

// Run executes a scenario and returns the final state of every node with
// the assertion outcome. An error means a step itself failed.
//
// Every run builds fresh memory stores and a fresh network.
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	h, err := newHarness(ctx, scenario)
	if err != nil {
		return nil, err
	}
	defer h.close()

	for i, step := range scenario.Steps {
		if err := h.execute(ctx, step); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		if err := h.settle(ctx); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}

	result := NewResult()
	for _, name := range scenario.Nodes {
		state, err := h.snapshot(ctx, h.nodes[name])
		if err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", name, err)
		}
		result.Nodes[name] = state
	}

	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func newHarness(ctx context.Context, scenario *Scenario) (*Harness, error) {
	h := &Harness{
		hub:     memnet.NewHub(),
		clock:   testutil.Unix(scenario.Start),
		nodes:   make(map[string]*node, len(scenario.Nodes)),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		serving: make(map[[2]string]bool),
	}
	h.base, h.cancel = context.WithCancel(context.Background())

	schedule := config.PruneConfig{DaysRotation: scenario.DaysRotation, Epoch: scenario.epoch()}
	for _, name := range scenario.Nodes {
		n, err := h.newNode(ctx, name, schedule)
		if err != nil {
			h.close()
			return nil, fmt.Errorf("node %s: %w", name, err)
		}
		h.nodes[name] = n
	}
	return h, nil
}

func (h *Harness) newNode(ctx context.Context, name string, schedule config.PruneConfig) (*node, error) {
	g, err := dag.New(ctx, store.NewMemory(),
		dag.WithClock(h.clock),
		dag.WithLogger(h.logger))
	if err != nil {
		return nil, err
	}

	n := &node{name: name, graph: g, ep: h.hub.Join(syncer.PeerID(name))}
	n.engine = syncer.New(g, n.ep,
		syncer.WithLogger(h.logger),
		syncer.WithClock(h.clock),
		syncer.WithTipTimeout(replyTimeout),
		syncer.WithEventTimeout(replyTimeout),
		syncer.WithRoundIDs(testutil.NewSequenceIDs(name).Next))
	n.pruner = prune.New(g, schedule,
		prune.WithClock(h.clock),
		prune.WithLogger(h.logger))

	if _, err := n.pruner.Catchup(ctx); err != nil {
		n.engine.Close()
		return nil, fmt.Errorf("bootstrap genesis: %w", err)
	}
	return n, nil
}

func (h *Harness) close() {
	h.cancel()
	h.serveWG.Wait()
	for _, n := range h.nodes {
		n.engine.Close()
	}
}

func (h *Harness) execute(ctx context.Context, step Step) error {
	switch {
	case step.Publish != nil:
		h.clock.Advance(time.Second)
		n := h.nodes[step.Publish.Node]
		if _, err := n.engine.Publish(ctx, []byte(step.Publish.Content)); err != nil {
			return fmt.Errorf("publish on %s: %w", n.name, err)
		}

	case step.Connect != nil:
		a, b := step.Connect[0], step.Connect[1]
		h.hub.Connect(syncer.PeerID(a), syncer.PeerID(b))
		h.serve(a, b)
		h.serve(b, a)

	case step.Disconnect != nil:
		h.hub.Disconnect(syncer.PeerID(step.Disconnect[0]), syncer.PeerID(step.Disconnect[1]))

	case step.Sync != "":
		n := h.nodes[step.Sync]
		if _, err := n.engine.DagSync(ctx); err != nil {
			return fmt.Errorf("sync on %s: %w", n.name, err)
		}

	case step.Prune != "":
		n := h.nodes[step.Prune]
		if _, err := n.pruner.Catchup(ctx); err != nil {
			return fmt.Errorf("prune on %s: %w", n.name, err)
		}

	case step.Advance != "":
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return err
		}
		h.clock.Advance(d)
	}
	return nil
}

// serve starts the loop that hands messages from one node to another.
// Each direction is served once; the loop outlives disconnects so queued
// messages still drain.
func (h *Harness) serve(to, from string) {
	key := [2]string{to, from}
	if h.serving[key] {
		return
	}
	h.serving[key] = true

	n := h.nodes[to]
	in := n.ep.Inbox(syncer.PeerID(from))
	h.serveWG.Add(1)
	go func() {
		defer h.serveWG.Done()
		_ = n.engine.Serve(h.base, syncer.PeerID(from), in)
	}()
}

// settle waits until no message is queued, no background fetch runs and
// no graph changed for settleRounds polls in a row.
func (h *Harness) settle(ctx context.Context) error {
	deadline := time.Now().Add(settleTimeout)
	last := h.fingerprint()
	for quiet := 0; quiet < settleRounds; {
		if time.Now().After(deadline) {
			return fmt.Errorf("network did not settle within %s", settleTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(settlePoll):
		}

		fp := h.fingerprint()
		if fp == last && h.idle() {
			quiet++
		} else {
			quiet = 0
			last = fp
		}
	}
	return nil
}

func (h *Harness) idle() bool {
	if h.hub.Pending() > 0 {
		return false
	}
	for _, n := range h.nodes {
		if n.engine.Pending() > 0 {
			return false
		}
	}
	return true
}

// fingerprint summarizes every graph's size and tips.
func (h *Harness) fingerprint() string {
	fp := ""
	for _, name := range slices.Sorted(maps.Keys(h.nodes)) {
		n := h.nodes[name]
		fp += fmt.Sprintf("%s:%d:%d:%s;", name, n.graph.Len(), len(n.graph.Tips()), n.graph.LastEvent().Short())
	}
	return fp
}

func (h *Harness) snapshot(ctx context.Context, n *node) (NodeState, error) {
	order, err := n.graph.OrderEvents(ctx)
	if err != nil {
		return NodeState{}, err
	}

	state := n.graph.State()
	out := NodeState{
		Genesis:  state.Genesis,
		Boundary: state.Boundary,
		Order:    make([]OrderEntry, 0, len(order)),
		Tips:     n.graph.Tips(),
		Suspects: len(n.engine.Suspects()),
	}
	for _, id := range order {
		e, ok, err := n.graph.Get(ctx, id)
		if err != nil {
			return NodeState{}, err
		}
		if !ok {
			return NodeState{}, fmt.Errorf("indexed event %s missing from store", id.Short())
		}
		out.Order = append(out.Order, OrderEntry{
			ID:        id,
			Layer:     e.Header.Layer,
			Timestamp: e.Header.Timestamp,
			Content:   string(e.Content),
		})
	}
	return out, nil
}
