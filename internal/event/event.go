package event

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"time"
)

// NumParents is the fixed width of the parent list. Unused slots hold NullID.
const NumParents = 5

// TimeDrift is the default tolerance applied to timestamp checks.
const TimeDrift = 60 * time.Second

// Hash is a 32-byte content digest identifying an event.
type Hash [32]byte

// NullID is the all-zero hash used as a parent placeholder.
var NullID Hash

// IsNull reports whether h is the placeholder hash.
func (h Hash) IsNull() bool {
	return h == NullID
}

// String returns the lowercase hex form of h.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns the first 8 hex characters, for log lines.
func (h Hash) Short() string {
	return hex.EncodeToString(h[:4])
}

// Compare orders hashes bytewise. Returns -1, 0 or 1.
func (h Hash) Compare(other Hash) int {
	return bytes.Compare(h[:], other[:])
}

// MarshalText implements encoding.TextMarshaler (hex).
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler (hex).
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHash decodes a 64-character hex string.
func ParseHash(s string) (Hash, error) {
	var h Hash
	raw, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("parse hash: %w", err)
	}
	if len(raw) != len(h) {
		return h, fmt.Errorf("parse hash: want %d bytes, got %d", len(h), len(raw))
	}
	copy(h[:], raw)
	return h, nil
}

// HashFromBytes copies a 32-byte slice into a Hash.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != len(h) {
		return h, fmt.Errorf("hash: want %d bytes, got %d", len(h), len(b))
	}
	copy(h[:], b)
	return h, nil
}

// Header carries the causal metadata of an event.
type Header struct {
	Timestamp uint64           // unix seconds
	Parents   [NumParents]Hash // non-null first, NullID padded
	Layer     uint32           // 0 for genesis, 1 + max(parent layers) otherwise
}

// Event is an immutable node of the causal graph.
type Event struct {
	Header  Header
	Content []byte
}

// ID computes the content address of the event.
// It is recomputed on every call and never cached on the struct.
func (e Event) ID() Hash {
	return hashWithDomain(DomainEvent, e.Marshal())
}

// Time returns the header timestamp as a time.Time.
func (e Event) Time() time.Time {
	return time.Unix(int64(e.Header.Timestamp), 0).UTC()
}

// NonNullParents returns the parent ids that are not NullID, in header order.
func (e Event) NonNullParents() []Hash {
	out := make([]Hash, 0, NumParents)
	for _, p := range e.Header.Parents {
		if !p.IsNull() {
			out = append(out, p)
		}
	}
	return out
}

// IsGenesis reports whether every parent slot is NullID.
func (e Event) IsGenesis() bool {
	for _, p := range e.Header.Parents {
		if !p.IsNull() {
			return false
		}
	}
	return true
}

// Genesis builds the rotation genesis for boundary t (unix seconds).
// It depends on t alone, so every node computes the identical id.
func Genesis(t uint64) Event {
	return Event{Header: Header{Timestamp: t}}
}

// Less orders events by (timestamp, id) ascending.
func Less(aTS uint64, aID Hash, bTS uint64, bID Hash) bool {
	if aTS != bTS {
		return aTS < bTS
	}
	return aID.Compare(bID) < 0
}
