package event

import (
	"bytes"
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the canonical encoding. Every field is always written,
// in this order, so equal events always produce equal bytes.
const (
	fieldTimestamp protowire.Number = 1
	fieldParent    protowire.Number = 2
	fieldLayer     protowire.Number = 3
	fieldContent   protowire.Number = 4
)

// ErrNonCanonical is returned by Unmarshal for input that decodes to an
// event whose canonical encoding differs from the input.
var ErrNonCanonical = errors.New("event: non-canonical encoding")

// Marshal produces the canonical bytes of the event.
// CRITICAL: this is the only serialization used for ID computation.
func (e Event) Marshal() []byte {
	size := 1 + protowire.SizeVarint(e.Header.Timestamp) +
		NumParents*(1+protowire.SizeBytes(len(Hash{}))) +
		1 + protowire.SizeVarint(uint64(e.Header.Layer)) +
		1 + protowire.SizeBytes(len(e.Content))
	b := make([]byte, 0, size)

	b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, e.Header.Timestamp)
	for _, p := range e.Header.Parents {
		b = protowire.AppendTag(b, fieldParent, protowire.BytesType)
		b = protowire.AppendBytes(b, p[:])
	}
	b = protowire.AppendTag(b, fieldLayer, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Header.Layer))
	b = protowire.AppendTag(b, fieldContent, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Content)
	return b
}

// Unmarshal decodes canonical bytes produced by Marshal.
// The returned event owns its content slice.
func Unmarshal(data []byte) (Event, error) {
	var e Event
	d := decoder{buf: data}

	ts, err := d.varint(fieldTimestamp)
	if err != nil {
		return Event{}, err
	}
	e.Header.Timestamp = ts

	for i := range e.Header.Parents {
		raw, err := d.bytes(fieldParent)
		if err != nil {
			return Event{}, fmt.Errorf("parent[%d]: %w", i, err)
		}
		h, err := HashFromBytes(raw)
		if err != nil {
			return Event{}, fmt.Errorf("parent[%d]: %w", i, err)
		}
		e.Header.Parents[i] = h
	}

	layer, err := d.varint(fieldLayer)
	if err != nil {
		return Event{}, err
	}
	if layer > math.MaxUint32 {
		return Event{}, fmt.Errorf("event: layer %d overflows uint32", layer)
	}
	e.Header.Layer = uint32(layer)

	content, err := d.bytes(fieldContent)
	if err != nil {
		return Event{}, err
	}
	if len(content) > 0 {
		e.Content = bytes.Clone(content)
	}

	if len(d.buf) != 0 {
		return Event{}, fmt.Errorf("event: %d trailing bytes", len(d.buf))
	}
	if !bytes.Equal(e.Marshal(), data) {
		return Event{}, ErrNonCanonical
	}
	return e, nil
}

// decoder consumes fields in the fixed canonical order.
type decoder struct {
	buf []byte
}

func (d *decoder) tag(want protowire.Number, wantType protowire.Type) error {
	num, typ, n := protowire.ConsumeTag(d.buf)
	if n < 0 {
		return fmt.Errorf("event: field %d: %w", want, protowire.ParseError(n))
	}
	if num != want || typ != wantType {
		return fmt.Errorf("event: unexpected field %d (type %d), want %d", num, typ, want)
	}
	d.buf = d.buf[n:]
	return nil
}

func (d *decoder) varint(num protowire.Number) (uint64, error) {
	if err := d.tag(num, protowire.VarintType); err != nil {
		return 0, err
	}
	v, n := protowire.ConsumeVarint(d.buf)
	if n < 0 {
		return 0, fmt.Errorf("event: field %d: %w", num, protowire.ParseError(n))
	}
	d.buf = d.buf[n:]
	return v, nil
}

func (d *decoder) bytes(num protowire.Number) ([]byte, error) {
	if err := d.tag(num, protowire.BytesType); err != nil {
		return nil, err
	}
	v, n := protowire.ConsumeBytes(d.buf)
	if n < 0 {
		return nil, fmt.Errorf("event: field %d: %w", num, protowire.ParseError(n))
	}
	d.buf = d.buf[n:]
	return v, nil
}
