package syncer

import (
	"time"

	"github.com/roach88/evgraph/internal/event"
)

// State is the phase of the current sync round.
type State int32

const (
	StateIdle State = iota
	StateAwaitTips
	StateDiff
	StateFetchAncestors
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateAwaitTips:
		return "AWAIT_TIPS"
	case StateDiff:
		return "DIFF"
	case StateFetchAncestors:
		return "FETCH_ANCESTORS"
	default:
		return "UNKNOWN"
	}
}

// RoundResult summarizes one DagSync round.
type RoundResult struct {
	ID         string
	Peers      int // peers that answered the tip request
	Inserted   int
	Unresolved []event.Hash // ids no peer could supply within the fetch bound
	Duration   time.Duration
}
