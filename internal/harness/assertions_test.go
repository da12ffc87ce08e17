package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/evgraph/internal/event"
)

// chainState builds a node state holding a genesis at boundary and one
// child per content.
func chainState(boundary uint64, contents ...string) NodeState {
	g := event.Genesis(boundary)
	s := NodeState{
		Genesis:  g.ID(),
		Boundary: boundary,
		Order:    []OrderEntry{{ID: g.ID(), Timestamp: boundary}},
	}
	prev := g.ID()
	for i, c := range contents {
		e := event.Event{
			Header: event.Header{
				Parents:   [event.NumParents]event.Hash{prev},
				Layer:     uint32(i + 1),
				Timestamp: boundary + uint64(i+1),
			},
			Content: []byte(c),
		}
		prev = e.ID()
		s.Order = append(s.Order, OrderEntry{
			ID:        prev,
			Layer:     e.Header.Layer,
			Timestamp: e.Header.Timestamp,
			Content:   c,
		})
	}
	s.Tips = []event.Hash{prev}
	return s
}

func resultWith(nodes map[string]NodeState) *Result {
	r := NewResult()
	for name, s := range nodes {
		r.Nodes[name] = s
	}
	return r
}

func TestEvaluateAssertions_Pass(t *testing.T) {
	r := resultWith(map[string]NodeState{
		"a": chainState(100, "x", "y"),
		"b": chainState(100, "x", "y"),
	})

	errs := EvaluateAssertions(r, []Assertion{
		{Type: AssertConverged, Nodes: []string{"a", "b"}},
		{Type: AssertCount, Node: "a", Count: 3},
		{Type: AssertTips, Node: "b", Count: 1},
		{Type: AssertGenesis, Nodes: []string{"a", "b"}, At: 100},
		{Type: AssertContents, Node: "a", Contents: []string{"x", "y"}},
	})
	assert.Empty(t, errs)
}

func TestEvaluateAssertions_Diverged(t *testing.T) {
	r := resultWith(map[string]NodeState{
		"a": chainState(100, "x", "y"),
		"b": chainState(100, "x"),
	})

	errs := EvaluateAssertions(r, []Assertion{
		{Type: AssertConverged, Nodes: []string{"a", "b"}},
	})
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "assertions[0]")
	assert.Contains(t, errs[0], "Assertion failed: converged")
	assert.Contains(t, errs[0], `b order ["x"]`)
}

func TestEvaluateAssertions_TipsDiffer(t *testing.T) {
	a := chainState(100, "x")
	b := chainState(100, "x")
	b.Tips = append(b.Tips, event.Genesis(100).ID())
	r := resultWith(map[string]NodeState{"a": a, "b": b})

	errs := EvaluateAssertions(r, []Assertion{
		{Type: AssertConverged, Nodes: []string{"a", "b"}},
	})
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "tips")
}

func TestEvaluateAssertions_Failures(t *testing.T) {
	r := resultWith(map[string]NodeState{"a": chainState(100, "x")})

	tests := []struct {
		name      string
		assertion Assertion
		want      string
	}{
		{"count", Assertion{Type: AssertCount, Node: "a", Count: 5}, "Expected: 5 events on a"},
		{"tips", Assertion{Type: AssertTips, Node: "a", Count: 2}, "Actual: 1 tips"},
		{"genesis", Assertion{Type: AssertGenesis, Nodes: []string{"a"}, At: 200}, "boundary 100"},
		{"contents", Assertion{Type: AssertContents, Node: "a", Contents: []string{"y"}}, `Actual: ["x"]`},
		{"unknown", Assertion{Type: "bogus", Node: "a"}, `unknown assertion type "bogus"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := EvaluateAssertions(r, []Assertion{tt.assertion})
			require.Len(t, errs, 1)
			assert.Contains(t, errs[0], tt.want)
		})
	}
}

func TestEvaluateAssertions_EmptyContents(t *testing.T) {
	r := resultWith(map[string]NodeState{"a": chainState(100)})
	errs := EvaluateAssertions(r, []Assertion{{Type: AssertContents, Node: "a"}})
	assert.Empty(t, errs)
}

func TestAssertionError_Format(t *testing.T) {
	err := &AssertionError{Type: AssertCount, Expected: "3", Actual: "2"}
	assert.Equal(t, "Assertion failed: count\n  Expected: 3\n  Actual: 2", err.Error())
}

func TestResult_AddError(t *testing.T) {
	r := NewResult()
	assert.True(t, r.Pass)
	r.AddError("boom")
	assert.False(t, r.Pass)
	assert.Equal(t, []string{"boom"}, r.Errors)
}
