package harness

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/evgraph/internal/event"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s", e.Actual)
	return buf.String()
}

// EvaluateAssertions checks every assertion against result and returns the
// failure messages.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(result, a); err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

func evaluate(result *Result, a Assertion) error {
	switch a.Type {
	case AssertConverged:
		return assertConverged(result, a)
	case AssertCount:
		return assertCount(result, a)
	case AssertTips:
		return assertTips(result, a)
	case AssertGenesis:
		return assertGenesis(result, a)
	case AssertContents:
		return assertContents(result, a)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

// assertConverged checks that every listed node holds the same canonical
// order and the same tips as the first one.
func assertConverged(result *Result, a Assertion) error {
	first := result.Nodes[a.Nodes[0]]
	for _, name := range a.Nodes[1:] {
		other := result.Nodes[name]
		if !slices.Equal(first.IDs(), other.IDs()) {
			return &AssertionError{
				Type:     AssertConverged,
				Expected: fmt.Sprintf("%s order %s", a.Nodes[0], describe(first)),
				Actual:   fmt.Sprintf("%s order %s", name, describe(other)),
			}
		}
		if !slices.Equal(first.Tips, other.Tips) {
			return &AssertionError{
				Type:     AssertConverged,
				Expected: fmt.Sprintf("%s tips %s", a.Nodes[0], shortIDs(first.Tips)),
				Actual:   fmt.Sprintf("%s tips %s", name, shortIDs(other.Tips)),
			}
		}
	}
	return nil
}

func assertCount(result *Result, a Assertion) error {
	got := len(result.Nodes[a.Node].Order)
	if got != a.Count {
		return &AssertionError{
			Type:     AssertCount,
			Expected: fmt.Sprintf("%d events on %s", a.Count, a.Node),
			Actual:   fmt.Sprintf("%d events", got),
		}
	}
	return nil
}

func assertTips(result *Result, a Assertion) error {
	got := len(result.Nodes[a.Node].Tips)
	if got != a.Count {
		return &AssertionError{
			Type:     AssertTips,
			Expected: fmt.Sprintf("%d tips on %s", a.Count, a.Node),
			Actual:   fmt.Sprintf("%d tips", got),
		}
	}
	return nil
}

func assertGenesis(result *Result, a Assertion) error {
	want := event.Genesis(a.At).ID()
	for _, name := range a.Nodes {
		got := result.Nodes[name].Genesis
		if got != want {
			return &AssertionError{
				Type:     AssertGenesis,
				Expected: fmt.Sprintf("%s on genesis %s (boundary %d)", name, want.Short(), a.At),
				Actual:   fmt.Sprintf("genesis %s (boundary %d)", got.Short(), result.Nodes[name].Boundary),
			}
		}
	}
	return nil
}

func assertContents(result *Result, a Assertion) error {
	got := result.Nodes[a.Node].Contents()
	want := a.Contents
	if want == nil {
		want = []string{}
	}
	if !slices.Equal(got, want) {
		return &AssertionError{
			Type:     AssertContents,
			Expected: fmt.Sprintf("%s contents %q", a.Node, want),
			Actual:   fmt.Sprintf("%q", got),
		}
	}
	return nil
}

func describe(s NodeState) string {
	return fmt.Sprintf("%q", s.Contents())
}

func shortIDs(ids []event.Hash) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.Short()
	}
	return "[" + strings.Join(parts, " ") + "]"
}
