package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/roach88/evgraph/internal/event"
)

// Field numbers of the message envelope.
const (
	fieldKind  protowire.Number = 1
	fieldEvent protowire.Number = 2 // canonical event bytes
	fieldID    protowire.Number = 3
	fieldTip   protowire.Number = 4 // repeated
)

var (
	// ErrUnknownKind is returned for an envelope with an unrecognized kind.
	ErrUnknownKind = errors.New("wire: unknown message kind")

	// ErrMalformed is returned for envelopes that do not parse.
	ErrMalformed = errors.New("wire: malformed message")
)

// Marshal encodes msg as a protobuf-wire envelope.
func Marshal(msg Message) ([]byte, error) {
	b := protowire.AppendTag(nil, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(msg.Kind()))

	switch m := msg.(type) {
	case EventPut:
		b = appendEvent(b, m.Event)
	case *EventPut:
		b = appendEvent(b, m.Event)
	case EventRequest:
		b = appendID(b, m.ID)
	case *EventRequest:
		b = appendID(b, m.ID)
	case EventReply:
		b = appendReply(b, m)
	case *EventReply:
		b = appendReply(b, *m)
	case TipRequest, *TipRequest:
	case TipReply:
		b = appendTips(b, m.Tips)
	case *TipReply:
		b = appendTips(b, m.Tips)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKind, msg)
	}
	return b, nil
}

func appendEvent(b []byte, e event.Event) []byte {
	b = protowire.AppendTag(b, fieldEvent, protowire.BytesType)
	return protowire.AppendBytes(b, e.Marshal())
}

func appendID(b []byte, id event.Hash) []byte {
	b = protowire.AppendTag(b, fieldID, protowire.BytesType)
	return protowire.AppendBytes(b, id[:])
}

func appendReply(b []byte, m EventReply) []byte {
	b = appendID(b, m.ID)
	if m.Event != nil {
		b = appendEvent(b, *m.Event)
	}
	return b
}

func appendTips(b []byte, tips []event.Hash) []byte {
	for _, id := range tips {
		b = protowire.AppendTag(b, fieldTip, protowire.BytesType)
		b = protowire.AppendBytes(b, id[:])
	}
	return b
}

// envelope collects the raw fields of a message before it is typed.
type envelope struct {
	kind    Kind
	hasKind bool
	event   *event.Event
	id      event.Hash
	hasID   bool
	tips    []event.Hash
}

// Unmarshal decodes an envelope produced by Marshal. Messages are returned
// as values, never pointers.
func Unmarshal(data []byte) (Message, error) {
	env, err := parseEnvelope(data)
	if err != nil {
		return nil, err
	}
	if !env.hasKind {
		return nil, fmt.Errorf("%w: missing kind", ErrMalformed)
	}

	switch env.kind {
	case KindEventPut:
		if env.event == nil {
			return nil, fmt.Errorf("%w: EventPut without event", ErrMalformed)
		}
		return EventPut{Event: *env.event}, nil
	case KindEventRequest:
		if !env.hasID {
			return nil, fmt.Errorf("%w: EventRequest without id", ErrMalformed)
		}
		return EventRequest{ID: env.id}, nil
	case KindEventReply:
		if !env.hasID {
			return nil, fmt.Errorf("%w: EventReply without id", ErrMalformed)
		}
		return EventReply{ID: env.id, Event: env.event}, nil
	case KindTipRequest:
		return TipRequest{}, nil
	case KindTipReply:
		return TipReply{Tips: env.tips}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, env.kind)
	}
}

func parseEnvelope(b []byte) (envelope, error) {
	var env envelope
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return env, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return env, fmt.Errorf("%w: kind: %v", ErrMalformed, protowire.ParseError(n))
			}
			if v > 0xff {
				return env, fmt.Errorf("%w: %d", ErrUnknownKind, v)
			}
			env.kind, env.hasKind = Kind(v), true
			b = b[n:]

		case num == fieldEvent && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return env, fmt.Errorf("%w: event: %v", ErrMalformed, protowire.ParseError(n))
			}
			e, err := event.Unmarshal(raw)
			if err != nil {
				return env, fmt.Errorf("%w: event: %v", ErrMalformed, err)
			}
			env.event = &e
			b = b[n:]

		case num == fieldID && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return env, fmt.Errorf("%w: id: %v", ErrMalformed, protowire.ParseError(n))
			}
			id, err := event.HashFromBytes(raw)
			if err != nil {
				return env, fmt.Errorf("%w: id: %v", ErrMalformed, err)
			}
			env.id, env.hasID = id, true
			b = b[n:]

		case num == fieldTip && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return env, fmt.Errorf("%w: tip: %v", ErrMalformed, protowire.ParseError(n))
			}
			id, err := event.HashFromBytes(raw)
			if err != nil {
				return env, fmt.Errorf("%w: tip: %v", ErrMalformed, err)
			}
			env.tips = append(env.tips, id)
			b = b[n:]

		default:
			return env, fmt.Errorf("%w: unexpected field %d", ErrMalformed, num)
		}
	}
	return env, nil
}
