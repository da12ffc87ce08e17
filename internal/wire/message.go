// Package wire defines the messages nodes exchange to keep their event
// graphs converged, their binary encoding and a length-prefixed framing
// for stream transports.
package wire

import (
	"fmt"

	"github.com/roach88/evgraph/internal/event"
)

// Kind tags a message on the wire.
type Kind uint8

const (
	KindEventPut     Kind = 1
	KindEventRequest Kind = 2
	KindEventReply   Kind = 3
	KindTipRequest   Kind = 4
	KindTipReply     Kind = 5
)

func (k Kind) String() string {
	switch k {
	case KindEventPut:
		return "EventPut"
	case KindEventRequest:
		return "EventRequest"
	case KindEventReply:
		return "EventReply"
	case KindTipRequest:
		return "TipRequest"
	case KindTipReply:
		return "TipReply"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Message is implemented by every wire message.
type Message interface {
	Kind() Kind
}

// EventPut pushes a new event to a peer.
type EventPut struct {
	Event event.Event
}

// EventRequest asks a peer for one event by id.
type EventRequest struct {
	ID event.Hash
}

// EventReply answers an EventRequest. Event is nil when the peer does not
// hold the requested id. ID always echoes the request so an empty reply
// can be matched to it.
type EventReply struct {
	ID    event.Hash
	Event *event.Event
}

// TipRequest asks a peer for its current tips.
type TipRequest struct{}

// TipReply carries a peer's tips.
type TipReply struct {
	Tips []event.Hash
}

func (EventPut) Kind() Kind     { return KindEventPut }
func (EventRequest) Kind() Kind { return KindEventRequest }
func (EventReply) Kind() Kind   { return KindEventReply }
func (TipRequest) Kind() Kind   { return KindTipRequest }
func (TipReply) Kind() Kind     { return KindTipReply }
