package testutil

import (
	"fmt"
	"sync"
)

// SequenceIDs generates sync round ids "<prefix>-1", "<prefix>-2", ...
//
// Production rounds use UUIDv7 ids; tests inject SequenceIDs so
// notifications and logs compare byte-for-byte across runs.
//
// Thread-safety: Next is safe for concurrent use.
type SequenceIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequenceIDs creates a generator. An empty prefix defaults to "round".
func NewSequenceIDs(prefix string) *SequenceIDs {
	if prefix == "" {
		prefix = "round"
	}
	return &SequenceIDs{prefix: prefix}
}

// Next returns the next id.
func (g *SequenceIDs) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}
