package harness

import "github.com/roach88/evgraph/internal/event"

// OrderEntry is one event of a node's canonical order.
type OrderEntry struct {
	ID        event.Hash `json:"id"`
	Layer     uint32     `json:"layer"`
	Timestamp uint64     `json:"timestamp"`
	Content   string     `json:"content"`
}

// NodeState is a node's graph as seen at the end of a scenario.
type NodeState struct {
	Genesis  event.Hash   `json:"genesis"`
	Boundary uint64       `json:"boundary"`
	Order    []OrderEntry `json:"order"`
	Tips     []event.Hash `json:"tips"`
	Suspects int          `json:"suspects"`
}

// Contents returns the content of every ordered event except the genesis.
func (s NodeState) Contents() []string {
	out := make([]string, 0, len(s.Order))
	for _, e := range s.Order {
		if e.ID == s.Genesis {
			continue
		}
		out = append(out, e.Content)
	}
	return out
}

// IDs returns the canonical order as ids.
func (s NodeState) IDs() []event.Hash {
	out := make([]event.Hash, len(s.Order))
	for i, e := range s.Order {
		out[i] = e.ID
	}
	return out
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true if every assertion held.
	Pass bool `json:"pass"`

	// Errors lists failed assertions. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Nodes holds the final state of every node by name.
	Nodes map[string]NodeState `json:"nodes"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Errors: []string{},
		Nodes:  make(map[string]NodeState),
	}
}

// AddError adds a failed assertion and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
