package store

import (
	"fmt"

	"github.com/golang/snappy"

	"github.com/roach88/evgraph/internal/event"
)

// encodeBody compresses the canonical event bytes for storage.
// The id is always computed on the uncompressed canonical form.
func encodeBody(e event.Event) []byte {
	return snappy.Encode(nil, e.Marshal())
}

// decodeBody reverses encodeBody and verifies the result hashes to id.
func decodeBody(id event.Hash, body []byte) (event.Event, error) {
	raw, err := snappy.Decode(nil, body)
	if err != nil {
		return event.Event{}, fmt.Errorf("decompress %s: %w", id.Short(), err)
	}
	e, err := event.Unmarshal(raw)
	if err != nil {
		return event.Event{}, fmt.Errorf("decode %s: %w", id.Short(), err)
	}
	if e.ID() != id {
		return event.Event{}, fmt.Errorf("%s: %w", id.Short(), ErrCorrupt)
	}
	return e, nil
}
