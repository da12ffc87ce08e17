package dag

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/evgraph/internal/event"
	"github.com/roach88/evgraph/internal/observe"
	"github.com/roach88/evgraph/internal/store"
)

// Graph is the node-local causal event graph.
//
// Thread-safety model:
//   - Insert, MarkBroadcasted and Rotate take the write lock
//   - CreateEvent, OrderEvents and the tip accessors take the read lock
//   - Get and Contains read the store directly and take no graph lock
//
// INVARIANTS:
//   - every indexed event has all of its non-null parents indexed
//   - tips is exactly the set of indexed ids no indexed event references
//   - tips is never empty once a genesis has been installed
type Graph struct {
	store    store.EventStore
	clock    Clock
	logger   *slog.Logger
	observer observe.Observer

	drift          time.Duration
	maxContent     int
	broadcastTTL   time.Duration
	broadcastLimit int

	// rotating is set for the duration of Rotate so callers get a
	// retryable error instead of queueing behind the write lock.
	rotating atomic.Bool

	mu        sync.RWMutex
	index     map[event.Hash]node
	tips      map[event.Hash]struct{}
	broadcast *broadcastSet
	state     store.RotationState
	lastEvent event.Hash
	seq       uint64
}

// node is the in-memory view of a stored event header.
type node struct {
	timestamp uint64
	layer     uint32
	parents   [event.NumParents]event.Hash
	seq       uint64 // local insertion order, 1-based
}

func nodeOf(e event.Event, seq uint64) node {
	return node{
		timestamp: e.Header.Timestamp,
		layer:     e.Header.Layer,
		parents:   e.Header.Parents,
		seq:       seq,
	}
}

// New opens a graph over st and rebuilds its in-memory state.
//
// Only events whose ancestry reaches the persisted genesis are indexed.
// A store that has never been rotated yields an empty graph: CreateEvent
// fails until Rotate installs a genesis.
func New(ctx context.Context, st store.EventStore, opts ...Option) (*Graph, error) {
	g := &Graph{
		store:          st,
		clock:          SystemClock{},
		observer:       observe.Nop,
		drift:          event.TimeDrift,
		maxContent:     DefaultMaxContentSize,
		broadcastTTL:   DefaultBroadcastTTL,
		broadcastLimit: DefaultBroadcastLimit,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	g.logger = g.logger.With("component", "dag")
	g.broadcast = newBroadcastSet(g.broadcastTTL, g.broadcastLimit)

	if err := g.load(ctx); err != nil {
		return nil, err
	}
	return g, nil
}

// load rebuilds index, tips and insertion order from the store.
func (g *Graph) load(ctx context.Context) error {
	state, err := g.store.State(ctx)
	if err != nil {
		return storageError("load rotation state", err)
	}

	loaded := make(map[event.Hash]node)
	for id, err := range g.store.IterIDs(ctx) {
		if err != nil {
			return storageError("rebuild index", err)
		}
		e, ok, err := g.store.Get(ctx, id)
		if err != nil {
			return storageError("rebuild index", err)
		}
		if ok {
			loaded[id] = nodeOf(e, 0)
		}
	}

	// Parents always sit on a lower layer, so visiting by layer admits
	// every ancestor before its descendants.
	ids := make([]event.Hash, 0, len(loaded))
	for id := range loaded {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b event.Hash) int {
		na, nb := loaded[a], loaded[b]
		if c := cmp.Compare(na.layer, nb.layer); c != 0 {
			return c
		}
		return compareNodes(na.timestamp, a, nb.timestamp, b)
	})

	index := make(map[event.Hash]node, len(loaded))
	if n, ok := loaded[state.Genesis]; ok && !state.Genesis.IsNull() {
		index[state.Genesis] = n
	}
	orphans := 0
	for _, id := range ids {
		if _, ok := index[id]; ok {
			continue
		}
		n := loaded[id]
		if hasParents(n) && parentsIndexed(index, n) {
			index[id] = n
			continue
		}
		orphans++
	}

	referenced := make(map[event.Hash]struct{}, len(index))
	for _, n := range index {
		for _, p := range n.parents {
			if !p.IsNull() {
				referenced[p] = struct{}{}
			}
		}
	}
	tips := make(map[event.Hash]struct{})
	for id := range index {
		if _, ok := referenced[id]; !ok {
			tips[id] = struct{}{}
		}
	}

	g.index = index
	g.tips = tips
	g.state = state
	g.lastEvent = state.Genesis

	// Insertion order is not persisted; the canonical order is the
	// closest deterministic stand-in.
	order, err := g.orderLocked(ctx)
	if err != nil {
		return err
	}
	for i, id := range order {
		n := g.index[id]
		n.seq = uint64(i + 1)
		g.index[id] = n
	}
	g.seq = uint64(len(order))
	if len(order) > 0 {
		g.lastEvent = order[len(order)-1]
	}

	g.logger.Info("graph loaded",
		"events", len(index),
		"tips", len(tips),
		"genesis", state.Genesis.Short(),
		"orphans", orphans)
	return nil
}

func hasParents(n node) bool {
	return !n.parents[0].IsNull()
}

func parentsIndexed(index map[event.Hash]node, n node) bool {
	for _, p := range n.parents {
		if p.IsNull() {
			continue
		}
		if _, ok := index[p]; !ok {
			return false
		}
	}
	return true
}

// CreateEvent builds an unsigned event on top of the current tips without
// mutating graph state. The most recently inserted tips become parents.
func (g *Graph) CreateEvent(content []byte) (event.Event, error) {
	if len(content) > g.maxContent {
		return event.Event{}, newError(CodeMalformedContent, event.NullID,
			"content is %d bytes, limit %d", len(content), g.maxContent)
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	if len(g.tips) == 0 {
		return event.Event{}, newError(CodeInvalidParentCount, event.NullID,
			"no tips: graph has no genesis")
	}

	var h event.Header
	var maxLayer uint32
	for i, id := range g.tipsByRecencyLocked() {
		if i == event.NumParents {
			break
		}
		h.Parents[i] = id
		maxLayer = max(maxLayer, g.index[id].layer)
	}
	h.Layer = maxLayer + 1
	h.Timestamp = unixSeconds(g.clock.Now())

	return event.Event{Header: h, Content: slices.Clone(content)}, nil
}

// Insert validates and stores e, returning its id.
// Inserting an already stored event succeeds without side effects.
func (g *Graph) Insert(ctx context.Context, e event.Event) (event.Hash, error) {
	id, _, err := g.TryInsert(ctx, e)
	return id, err
}

// TryInsert is Insert that also reports whether e was newly stored.
// The sync engine relays only newly stored events.
func (g *Graph) TryInsert(ctx context.Context, e event.Event) (event.Hash, bool, error) {
	id := e.ID()
	if g.rotating.Load() {
		return id, false, newError(CodePruneInProgress, id, "rotation in progress")
	}
	if len(e.Content) > g.maxContent {
		return id, false, newError(CodeMalformedContent, id,
			"content is %d bytes, limit %d", len(e.Content), g.maxContent)
	}
	now := g.clock.Now()

	g.mu.Lock()
	if _, ok := g.index[id]; ok {
		g.mu.Unlock()
		return id, false, nil
	}
	if err := g.validateLocked(e, id, now); err != nil {
		g.mu.Unlock()
		return id, false, err
	}
	if err := g.store.Insert(ctx, e); err != nil {
		g.mu.Unlock()
		return id, false, storageError("insert", err)
	}

	g.seq++
	g.index[id] = nodeOf(e, g.seq)
	for _, p := range e.NonNullParents() {
		delete(g.tips, p)
		g.broadcast.add(p, now)
	}
	g.tips[id] = struct{}{}
	g.lastEvent = id
	tips := g.sortedTipsLocked()
	g.mu.Unlock()

	g.logger.Debug("event inserted",
		"event", id.Short(),
		"layer", e.Header.Layer,
		"tips", len(tips))
	g.observer.Notify(observe.Notification{Kind: observe.KindEventInserted, Time: now, Event: id})
	g.observer.Notify(observe.Notification{Kind: observe.KindTipSetChanged, Time: now, Tips: tips})
	return id, true, nil
}

// validateLocked checks e against the current graph. Caller holds g.mu.
func (g *Graph) validateLocked(e event.Event, id event.Hash, now time.Time) error {
	if e.IsGenesis() {
		return newError(CodeInvalidParentCount, id,
			"no parents: only the designated genesis may be parentless")
	}

	seen := make(map[event.Hash]struct{}, event.NumParents)
	padding := false
	for _, p := range e.Header.Parents {
		if p.IsNull() {
			padding = true
			continue
		}
		if padding {
			return newError(CodeInvalidParentCount, id, "parent %s follows null padding", p.Short())
		}
		if _, dup := seen[p]; dup {
			return newError(CodeInvalidParentCount, id, "duplicate parent %s", p.Short())
		}
		seen[p] = struct{}{}
	}

	drift := uint64(g.drift / time.Second)
	ts := e.Header.Timestamp
	if local := unixSeconds(now); ts > local+drift {
		return newError(CodeTimestampOutOfRange, id,
			"timestamp %d is ahead of local clock %d by more than %s", ts, local, g.drift)
	}
	if ts < g.state.Boundary {
		return newError(CodeTimestampOutOfRange, id,
			"timestamp %d precedes rotation boundary %d", ts, g.state.Boundary)
	}

	var missing []event.Hash
	var maxLayer uint32
	for _, p := range e.NonNullParents() {
		n, ok := g.index[p]
		if !ok {
			missing = append(missing, p)
			continue
		}
		if ts+drift < n.timestamp {
			return newError(CodeTimestampOutOfRange, id,
				"timestamp %d precedes parent %s at %d by more than %s", ts, p.Short(), n.timestamp, g.drift)
		}
		maxLayer = max(maxLayer, n.layer)
	}
	if len(missing) > 0 {
		return &Error{
			Code:    CodeUnknownParent,
			ID:      id,
			Missing: missing,
			Message: fmt.Sprintf("%d parent(s) not stored", len(missing)),
		}
	}

	if e.Header.Layer != maxLayer+1 {
		return newError(CodeMalformedContent, id, "layer %d, expected %d", e.Header.Layer, maxLayer+1)
	}
	return nil
}

// OrderEvents returns every indexed event in a deterministic causal order:
// each event appears after all of its parents. Two nodes holding the same
// events produce the same sequence.
func (g *Graph) OrderEvents(ctx context.Context) ([]event.Hash, error) {
	if g.rotating.Load() {
		return nil, newError(CodePruneInProgress, event.NullID, "rotation in progress")
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.orderLocked(ctx)
}

// orderLocked walks the graph depth-first from the tips, emitting each
// event in post-order. Tips and parents are visited in (timestamp, id)
// order. The walk keeps its own stack so deep graphs cannot exhaust the
// goroutine stack.
func (g *Graph) orderLocked(ctx context.Context) ([]event.Hash, error) {
	type frame struct {
		id       event.Hash
		expanded bool
	}

	out := make([]event.Hash, 0, len(g.index))
	visited := make(map[event.Hash]bool, len(g.index))
	var stack []frame

	for _, root := range g.sortedTipsLocked() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		stack = append(stack, frame{id: root})
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			if visited[top.id] {
				stack = stack[:len(stack)-1]
				continue
			}
			if top.expanded {
				visited[top.id] = true
				out = append(out, top.id)
				stack = stack[:len(stack)-1]
				continue
			}
			top.expanded = true
			parents := g.sortedParentsLocked(top.id)
			// Reverse push so the smallest parent is emitted first.
			for i := len(parents) - 1; i >= 0; i-- {
				if !visited[parents[i]] {
					stack = append(stack, frame{id: parents[i]})
				}
			}
		}
	}
	return out, nil
}

func (g *Graph) sortedParentsLocked(id event.Hash) []event.Hash {
	n := g.index[id]
	parents := make([]event.Hash, 0, event.NumParents)
	for _, p := range n.parents {
		if _, ok := g.index[p]; ok && !p.IsNull() {
			parents = append(parents, p)
		}
	}
	g.sortByTimeLocked(parents)
	return parents
}

func (g *Graph) sortedTipsLocked() []event.Hash {
	tips := make([]event.Hash, 0, len(g.tips))
	for id := range g.tips {
		tips = append(tips, id)
	}
	g.sortByTimeLocked(tips)
	return tips
}

// tipsByRecencyLocked returns tips most recently inserted first.
func (g *Graph) tipsByRecencyLocked() []event.Hash {
	tips := make([]event.Hash, 0, len(g.tips))
	for id := range g.tips {
		tips = append(tips, id)
	}
	slices.SortFunc(tips, func(a, b event.Hash) int {
		if c := cmp.Compare(g.index[b].seq, g.index[a].seq); c != 0 {
			return c
		}
		return a.Compare(b)
	})
	return tips
}

func (g *Graph) sortByTimeLocked(ids []event.Hash) {
	slices.SortFunc(ids, func(a, b event.Hash) int {
		return compareNodes(g.index[a].timestamp, a, g.index[b].timestamp, b)
	})
}

func compareNodes(aTS uint64, a event.Hash, bTS uint64, b event.Hash) int {
	switch {
	case event.Less(aTS, a, bTS, b):
		return -1
	case event.Less(bTS, b, aTS, a):
		return 1
	}
	return 0
}

// Tips returns the unreferenced tips sorted by (timestamp, id).
func (g *Graph) Tips() []event.Hash {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.sortedTipsLocked()
}

// Genesis returns the current genesis id, or NullID before the first rotation.
func (g *Graph) Genesis() event.Hash {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state.Genesis
}

// State returns the rotation state the graph is operating under.
func (g *Graph) State() store.RotationState {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// LastEvent returns the id of the most recently inserted event.
func (g *Graph) LastEvent() event.Hash {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.lastEvent
}

// Len returns the number of indexed events.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.index)
}

// IsBroadcasted reports whether this node vouched for id within the TTL.
func (g *Graph) IsBroadcasted(id event.Hash) bool {
	now := g.clock.Now()
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.broadcast.contains(id, now)
}

// MarkBroadcasted records that id was sent to peers.
func (g *Graph) MarkBroadcasted(id event.Hash) {
	now := g.clock.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	g.broadcast.add(id, now)
}

// Get reads an event from the store.
func (g *Graph) Get(ctx context.Context, id event.Hash) (event.Event, bool, error) {
	e, ok, err := g.store.Get(ctx, id)
	if err != nil {
		return event.Event{}, false, storageError("get", err)
	}
	return e, ok, nil
}

// Contains reports whether id is stored.
func (g *Graph) Contains(ctx context.Context, id event.Hash) (bool, error) {
	ok, err := g.store.Contains(ctx, id)
	if err != nil {
		return false, storageError("contains", err)
	}
	return ok, nil
}

// Rotate discards every event older than genesis and restarts the graph
// from it. Inserts and orderings issued while it runs fail with
// PRUNE_IN_PROGRESS.
func (g *Graph) Rotate(ctx context.Context, genesis event.Event, epoch int64) (int, error) {
	id := genesis.ID()
	if !genesis.IsGenesis() || genesis.Header.Layer != 0 {
		return 0, newError(CodeInvalidParentCount, id, "rotation genesis must have no parents and layer 0")
	}

	removed, err := g.rotate(ctx, genesis, epoch)
	n := observe.Notification{
		Kind:    observe.KindRotation,
		Time:    g.clock.Now(),
		Event:   id,
		Removed: removed,
		Err:     err,
	}
	g.observer.Notify(n)
	if err != nil {
		g.logger.Error("rotation failed", "genesis", id.Short(), "error", err)
		return 0, err
	}
	g.observer.Notify(observe.Notification{Kind: observe.KindTipSetChanged, Time: n.Time, Tips: []event.Hash{id}})
	g.logger.Info("rotated",
		"genesis", id.Short(),
		"boundary", genesis.Header.Timestamp,
		"removed", removed)
	return removed, nil
}

func (g *Graph) rotate(ctx context.Context, genesis event.Event, epoch int64) (int, error) {
	g.rotating.Store(true)
	defer g.rotating.Store(false)

	g.mu.Lock()
	defer g.mu.Unlock()

	removed, err := g.store.Rotate(ctx, genesis, epoch)
	if err != nil {
		return 0, storageError("rotate", err)
	}

	id := genesis.ID()
	g.seq = 1
	g.index = map[event.Hash]node{id: nodeOf(genesis, g.seq)}
	g.tips = map[event.Hash]struct{}{id: {}}
	g.broadcast.reset()
	g.state = store.RotationState{Genesis: id, Boundary: genesis.Header.Timestamp, Epoch: epoch}
	g.lastEvent = id
	return removed, nil
}
