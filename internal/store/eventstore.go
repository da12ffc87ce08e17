package store

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/roach88/evgraph/internal/event"
)

// EventStore is the persistence capability the graph depends on.
//
// Implementations must be safe for concurrent use. Errors are returned
// wrapped in *Error and are never retried internally.
type EventStore interface {
	// Get returns the event stored under id, or ok=false if absent.
	Get(ctx context.Context, id event.Hash) (ev event.Event, ok bool, err error)

	// Insert stores e under e.ID(). Inserting an existing id is a no-op.
	Insert(ctx context.Context, e event.Event) error

	// Contains reports whether id is stored.
	Contains(ctx context.Context, id event.Hash) (bool, error)

	// IterIDs lazily yields every stored id in ascending byte order.
	IterIDs(ctx context.Context) iter.Seq2[event.Hash, error]

	// Count returns the number of stored events.
	Count(ctx context.Context) (int, error)

	// Rotate atomically discards every event with timestamp below the
	// genesis timestamp, inserts genesis and records the rotation state.
	Rotate(ctx context.Context, genesis event.Event, epoch int64) (removed int, err error)

	// State returns the persisted rotation state. A fresh store returns
	// the zero RotationState.
	State(ctx context.Context) (RotationState, error)

	// Close releases backend resources.
	Close() error
}

// RotationState is the metadata that must survive a restart.
type RotationState struct {
	Genesis  event.Hash `json:"genesis_id"`
	Boundary uint64     `json:"boundary"` // genesis timestamp
	Epoch    int64      `json:"epoch"`    // rotation schedule anchor, unix seconds
}

// Meta keys shared by all backends.
const (
	metaGenesis  = "genesis_id"
	metaBoundary = "boundary"
	metaEpoch    = "epoch"
)

// ErrCorrupt reports a stored body that no longer hashes to its key.
var ErrCorrupt = errors.New("stored event does not match its id")

// Error wraps a backend failure. It marks the failure as a storage error
// for callers that need to distinguish it from validation failures.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsStorageError reports whether err (or any error it wraps) is a *Error.
func IsStorageError(err error) bool {
	var se *Error
	return errors.As(err, &se)
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}
