package harness

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// RenderOrders renders every node's canonical order, one event per line,
// in scenario node order. Ids are left out so the output only depends on
// layers, timestamps and contents; timestamps are relative to the node's
// genesis.
func RenderOrders(scenario *Scenario, result *Result) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "# %s\n", scenario.Name)
	for _, name := range scenario.Nodes {
		state := result.Nodes[name]
		fmt.Fprintf(&buf, "[%s]\n", name)
		for i, e := range state.Order {
			fmt.Fprintf(&buf, "%d layer=%d t=+%ds content=%q\n",
				i, e.Layer, int64(e.Timestamp)-int64(state.Boundary), e.Content)
		}
	}
	return buf.Bytes()
}

// RunWithGolden executes a scenario and compares the rendered orders
// against testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// It returns the result for further checks; a failed step is an error.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario)
	if err != nil {
		return nil, err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenario.Name, RenderOrders(scenario, result))
	return result, nil
}
