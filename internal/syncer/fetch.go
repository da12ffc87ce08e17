package syncer

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/evgraph/internal/dag"
	"github.com/roach88/evgraph/internal/event"
	"github.com/roach88/evgraph/internal/wire"
)

// call is one outstanding EventRequest. Concurrent fetches of the same id
// share it.
type call struct {
	peer PeerID
	done chan struct{}
	once sync.Once
	ev   *event.Event
	err  error
}

func (c *call) finish(ev *event.Event, err error) {
	c.once.Do(func() {
		c.ev, c.err = ev, err
		close(c.done)
	})
}

// fetch requests id from peer and waits for the matching reply.
func (e *Engine) fetch(ctx context.Context, peer PeerID, id event.Hash) (*event.Event, error) {
	e.reqMu.Lock()
	if c, ok := e.inflight[id]; ok {
		e.reqMu.Unlock()
		select {
		case <-c.done:
			return c.ev, c.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	c := &call{peer: peer, done: make(chan struct{})}
	e.inflight[id] = c
	e.reqMu.Unlock()

	defer func() {
		e.reqMu.Lock()
		if e.inflight[id] == c {
			delete(e.inflight, id)
		}
		e.reqMu.Unlock()
	}()

	if err := e.net.SendTo(ctx, peer, wire.EventRequest{ID: id}); err != nil {
		c.finish(nil, fmt.Errorf("request %s: %w", id.Short(), err))
		return c.ev, c.err
	}

	ctx, cancel := context.WithTimeout(ctx, e.eventTimeout)
	defer cancel()
	select {
	case <-c.done:
	case <-ctx.Done():
		c.finish(nil, fmt.Errorf("%w: event %s from %s", ErrSyncTimeout, id.Short(), peer))
	}
	return c.ev, c.err
}

// deliverReply completes the outstanding request an EventReply answers.
func (e *Engine) deliverReply(peer PeerID, reply wire.EventReply) {
	e.reqMu.Lock()
	c, ok := e.inflight[reply.ID]
	e.reqMu.Unlock()
	if !ok || c.peer != peer {
		e.logger.Debug("unsolicited event reply", "peer", peer, "event", reply.ID.Short())
		return
	}

	switch {
	case reply.Event == nil:
		c.finish(nil, errNotFound)
	case reply.Event.ID() != reply.ID:
		e.violation(peer, reply.ID, "reply hash does not match requested id")
		c.finish(nil, fmt.Errorf("%w: reply for %s hashes to %s",
			ErrProtocolViolation, reply.ID.Short(), reply.Event.ID().Short()))
	default:
		c.finish(reply.Event, nil)
	}
}

type fetchResult struct {
	inserted   []event.Hash
	unresolved []event.Hash
}

// fetchAncestors obtains wants from peer, following missing parents wave
// by wave until the ancestry is closed. seeds are events already in hand
// that are waiting on wants. Events are inserted ancestors-first as soon
// as their parents are present; nothing inserted is rolled back.
//
// Depth is unbounded while the peer keeps answering. A wave in which some
// id did not arrive counts as a stall; timed out ids are requested again
// in the next wave, ids the peer does not hold or answered falsely are
// given up at once, as are events older than the current genesis. The walk
// stops after maxRounds stalls.
func (e *Engine) fetchAncestors(ctx context.Context, peer PeerID, seeds []event.Event, wants []event.Hash) fetchResult {
	var res fetchResult
	pending := make(map[event.Hash]event.Event, len(seeds))
	for _, ev := range seeds {
		pending[ev.ID()] = ev
	}

	visited := make(map[event.Hash]bool, len(wants))
	frontier := make([]event.Hash, 0, len(wants))
	for _, id := range wants {
		if visited[id] {
			continue
		}
		visited[id] = true
		if ok, err := e.graph.Contains(ctx, id); err == nil && ok {
			continue
		}
		frontier = append(frontier, id)
	}

	boundary := e.graph.State().Boundary
	var failed []event.Hash
	for stalls := 0; stalls < e.maxRounds && len(frontier) > 0 && ctx.Err() == nil; {
		got, retry := e.fetchWave(ctx, peer, frontier)

		var next, again []event.Hash
		for _, id := range frontier {
			ev, ok := got[id]
			if !ok {
				if retry[id] {
					again = append(again, id)
				} else {
					failed = append(failed, id)
				}
				continue
			}
			if ev.Header.Timestamp < boundary {
				// Pre-rotation history can never be inserted here.
				failed = append(failed, id)
				continue
			}
			pending[id] = ev
			for _, p := range ev.NonNullParents() {
				if visited[p] {
					continue
				}
				visited[p] = true
				if ok, err := e.graph.Contains(ctx, p); err == nil && ok {
					continue
				}
				next = append(next, p)
			}
		}
		if len(got) < len(frontier) {
			stalls++
		}

		res.inserted = append(res.inserted, e.flushPending(ctx, peer, pending)...)
		frontier = append(next, again...)
	}

	if len(pending) > 0 {
		// Missing parents may have arrived through another fetch.
		res.inserted = append(res.inserted, e.flushPending(ctx, peer, pending)...)
	}

	res.unresolved = append(failed, frontier...)
	if len(res.unresolved) > 0 {
		e.logger.Info("ancestor fetch incomplete",
			"peer", peer,
			"unresolved", len(res.unresolved),
			"pending", len(pending))
	}
	return res
}

// fetchWave requests every id concurrently and returns the events received
// together with the ids whose request timed out.
func (e *Engine) fetchWave(ctx context.Context, peer PeerID, ids []event.Hash) (got map[event.Hash]event.Event, retry map[event.Hash]bool) {
	var mu sync.Mutex
	got = make(map[event.Hash]event.Event, len(ids))
	retry = make(map[event.Hash]bool)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(e.fetchLimit, 1))
	for _, id := range ids {
		g.Go(func() error {
			ev, err := e.fetch(gctx, peer, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				e.logger.Debug("fetch failed", "peer", peer, "event", id.Short(), "error", err)
				if errors.Is(err, ErrSyncTimeout) {
					retry[id] = true
				}
				return nil
			}
			got[id] = *ev
			return nil
		})
	}
	_ = g.Wait()
	return got, retry
}

// flushPending inserts every pending event whose parents are present,
// lowest layer first, until no further progress is possible.
func (e *Engine) flushPending(ctx context.Context, peer PeerID, pending map[event.Hash]event.Event) []event.Hash {
	var inserted []event.Hash
	for {
		batch := make([]event.Event, 0, len(pending))
		for _, ev := range pending {
			batch = append(batch, ev)
		}
		slices.SortFunc(batch, func(a, b event.Event) int {
			if c := cmp.Compare(a.Header.Layer, b.Header.Layer); c != 0 {
				return c
			}
			return a.ID().Compare(b.ID())
		})

		progress := false
		for _, ev := range batch {
			id, ok, err := e.graph.TryInsert(ctx, ev)
			switch {
			case err == nil:
				delete(pending, id)
				progress = true
				if ok {
					inserted = append(inserted, id)
				}
			case dag.IsUnknownParent(err):
				// Parents still on their way.
			default:
				delete(pending, id)
				e.logger.Warn("dropped fetched event", "peer", peer, "event", id.Short(), "error", err)
			}
		}
		if !progress || len(pending) == 0 {
			return inserted
		}
	}
}
