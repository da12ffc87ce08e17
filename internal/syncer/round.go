package syncer

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/roach88/evgraph/internal/event"
	"github.com/roach88/evgraph/internal/observe"
	"github.com/roach88/evgraph/internal/wire"
)

// tipCollector gathers TipReply messages for one round.
type tipCollector struct {
	mu       sync.Mutex
	expected map[PeerID]bool
	replies  map[PeerID][]event.Hash
	done     chan struct{}
	closed   bool
}

func newTipCollector(peers []PeerID) *tipCollector {
	c := &tipCollector{
		expected: make(map[PeerID]bool, len(peers)),
		replies:  make(map[PeerID][]event.Hash, len(peers)),
		done:     make(chan struct{}),
	}
	for _, p := range peers {
		c.expected[p] = true
	}
	return c
}

// add records a reply and closes done once every expected peer answered.
// Peers that joined after the request went out are accepted too.
func (c *tipCollector) add(peer PeerID, tips []event.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.replies[peer]; dup {
		return
	}
	c.replies[peer] = tips
	if c.closed {
		return
	}
	for p := range c.expected {
		if _, ok := c.replies[p]; !ok {
			return
		}
	}
	c.closed = true
	close(c.done)
}

func (c *tipCollector) snapshot() map[PeerID][]event.Hash {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.replies)
}

func (c *tipCollector) missing() []PeerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []PeerID
	for p := range c.expected {
		if _, ok := c.replies[p]; !ok {
			out = append(out, p)
		}
	}
	slices.Sort(out)
	return out
}

func (e *Engine) deliverTips(peer PeerID, tips []event.Hash) {
	e.tipMu.Lock()
	c := e.tipRun
	e.tipMu.Unlock()
	if c == nil {
		e.logger.Debug("unsolicited tip reply", "peer", peer)
		return
	}
	c.add(peer, tips)
}

// DagSync runs one reconciliation round: ask every peer for its tips, diff
// them against the local store and fetch whatever is missing together with
// its ancestry. Unreachable ids are reported, not treated as failure; the
// returned error is non-nil only when ctx ends the round early.
func (e *Engine) DagSync(ctx context.Context) (RoundResult, error) {
	e.roundMu.Lock()
	defer e.roundMu.Unlock()
	defer e.setState(StateIdle)

	start := time.Now()
	res := RoundResult{ID: e.roundID()}
	log := e.logger.With("round", res.ID)

	e.observer.Notify(observe.Notification{Kind: observe.KindSyncRoundStarted, Time: e.clock.Now(), Round: res.ID})
	log.Info("sync round started")

	e.setState(StateAwaitTips)
	replies := e.collectTips(ctx, log)
	res.Peers = len(replies)

	e.setState(StateDiff)
	peers := slices.Sorted(maps.Keys(replies))
	wants := make(map[PeerID][]event.Hash, len(peers))
	for _, p := range peers {
		for _, id := range replies[p] {
			ok, err := e.graph.Contains(ctx, id)
			if err != nil {
				log.Error("diff failed", "error", err)
				return e.finishRound(res, start, log), err
			}
			if !ok {
				wants[p] = append(wants[p], id)
			}
		}
	}

	e.setState(StateFetchAncestors)
	unresolved := make(map[event.Hash]struct{})
	for _, p := range peers {
		if len(wants[p]) == 0 {
			continue
		}
		fr := e.fetchAncestors(ctx, p, nil, wants[p])
		res.Inserted += len(fr.inserted)
		for _, id := range fr.unresolved {
			unresolved[id] = struct{}{}
		}
		if ctx.Err() != nil {
			break
		}
	}

	// A later peer may have supplied what an earlier one could not.
	for id := range unresolved {
		if ok, err := e.graph.Contains(ctx, id); err == nil && ok {
			delete(unresolved, id)
		}
	}
	res.Unresolved = slices.SortedFunc(maps.Keys(unresolved), event.Hash.Compare)
	if len(res.Unresolved) > 0 {
		log.Warn("sync round left ids unresolved", "unresolved", len(res.Unresolved))
	}

	return e.finishRound(res, start, log), ctx.Err()
}

// finishRound records the round outcome. Duration is measured on the
// monotonic clock; notification times come from the engine clock.
func (e *Engine) finishRound(res RoundResult, start time.Time, log *slog.Logger) RoundResult {
	res.Duration = time.Since(start)
	e.observer.Notify(observe.Notification{
		Kind:       observe.KindSyncRoundFinished,
		Time:       e.clock.Now(),
		Round:      res.ID,
		Peers:      res.Peers,
		Inserted:   res.Inserted,
		Unresolved: len(res.Unresolved),
	})
	log.Info("sync round finished",
		"peers", res.Peers,
		"inserted", res.Inserted,
		"unresolved", len(res.Unresolved),
		"duration", res.Duration)
	return res
}

// collectTips broadcasts a TipRequest and waits until every peer answered,
// the tip timeout elapsed or ctx ended.
func (e *Engine) collectTips(ctx context.Context, log *slog.Logger) map[PeerID][]event.Hash {
	peers := e.net.Peers()
	if len(peers) == 0 {
		return nil
	}

	c := newTipCollector(peers)
	e.tipMu.Lock()
	e.tipRun = c
	e.tipMu.Unlock()
	defer func() {
		e.tipMu.Lock()
		e.tipRun = nil
		e.tipMu.Unlock()
	}()

	if err := e.net.Broadcast(ctx, wire.TipRequest{}); err != nil {
		log.Warn("tip request broadcast failed", "error", err)
		return c.snapshot()
	}

	timer := time.NewTimer(e.tipTimeout)
	defer timer.Stop()
	select {
	case <-c.done:
	case <-timer.C:
		log.Warn("tip replies timed out", "missing", c.missing(), "error", ErrSyncTimeout)
	case <-ctx.Done():
	}
	return c.snapshot()
}
