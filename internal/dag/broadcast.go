package dag

import (
	"time"

	"github.com/roach88/evgraph/internal/event"
)

// broadcastSet is a bounded, time-expiring set of ids this node has vouched
// for. Entries expire after ttl; when full, the oldest entry is evicted.
// Not safe for concurrent use: the Graph lock guards it.
type broadcastSet struct {
	ttl   time.Duration
	limit int
	at    map[event.Hash]time.Time
	fifo  []broadcastEntry
}

type broadcastEntry struct {
	id event.Hash
	at time.Time
}

func newBroadcastSet(ttl time.Duration, limit int) *broadcastSet {
	return &broadcastSet{ttl: ttl, limit: limit, at: make(map[event.Hash]time.Time)}
}

func (s *broadcastSet) add(id event.Hash, now time.Time) {
	s.expire(now)
	s.at[id] = now
	s.fifo = append(s.fifo, broadcastEntry{id: id, at: now})
	for s.limit > 0 && len(s.at) > s.limit {
		s.popFront()
	}
}

func (s *broadcastSet) contains(id event.Hash, now time.Time) bool {
	at, ok := s.at[id]
	return ok && (s.ttl <= 0 || now.Sub(at) < s.ttl)
}

func (s *broadcastSet) len() int {
	return len(s.at)
}

func (s *broadcastSet) reset() {
	s.at = make(map[event.Hash]time.Time)
	s.fifo = nil
}

func (s *broadcastSet) expire(now time.Time) {
	if s.ttl <= 0 {
		return
	}
	for len(s.fifo) > 0 && now.Sub(s.fifo[0].at) >= s.ttl {
		s.popFront()
	}
}

// popFront drops the oldest queue entry. The map entry is removed only when
// it was not refreshed by a later add.
func (s *broadcastSet) popFront() {
	head := s.fifo[0]
	s.fifo[0] = broadcastEntry{}
	s.fifo = s.fifo[1:]
	if at, ok := s.at[head.id]; ok && at.Equal(head.at) {
		delete(s.at, head.id)
	}
}
