// Package observe defines the diagnostics notifications emitted by the graph
// and the sync engine, plus stock subscribers.
//
// Observers are purely observational: nothing they do feeds back into graph
// behavior. Notify is called synchronously from the emitting goroutine, so
// implementations must be fast and must not call back into the emitter.
package observe

import (
	"time"

	"github.com/roach88/evgraph/internal/event"
)

// Kind identifies a notification.
type Kind string

const (
	KindEventInserted     Kind = "event-inserted"
	KindTipSetChanged     Kind = "tip-set-changed"
	KindSyncRoundStarted  Kind = "sync-round-started"
	KindSyncRoundFinished Kind = "sync-round-finished"
	KindProtocolViolation Kind = "protocol-violation"
	KindRotation          Kind = "rotation"
)

// Notification is a structured diagnostics record. Fields not relevant to
// Kind are left zero.
type Notification struct {
	Kind  Kind
	Time  time.Time
	Event event.Hash   // event-inserted, rotation (new genesis)
	Tips  []event.Hash // tip-set-changed
	Round string       // sync round id
	Peer  string       // protocol-violation

	// sync-round-finished counters
	Inserted   int
	Unresolved int
	Peers      int

	// rotation
	Removed int
	Err     error
}

// Observer receives notifications.
type Observer interface {
	Notify(n Notification)
}

// Func adapts a function to Observer.
type Func func(n Notification)

func (f Func) Notify(n Notification) { f(n) }

// Nop discards notifications.
var Nop Observer = Func(func(Notification) {})

// Multi fans a notification out to every observer in order.
type Multi []Observer

func (m Multi) Notify(n Notification) {
	for _, o := range m {
		o.Notify(n)
	}
}
