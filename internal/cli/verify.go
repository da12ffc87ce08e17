package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/evgraph/internal/event"
	"github.com/roach88/evgraph/internal/store"
)

// VerifyOptions holds flags for the verify command.
type VerifyOptions struct {
	*RootOptions
	Database string
}

// Problem kinds reported by verify.
const (
	ProblemCorrupt   = "corrupt"   // stored body does not hash to its id
	ProblemGenesis   = "genesis"   // rotation state names a genesis that is not stored
	ProblemParents   = "parents"   // parent slots not in canonical layout
	ProblemLayer     = "layer"     // layer is not one above the highest parent
	ProblemTimestamp = "timestamp" // a parent is newer than the drift allows
	ProblemOrder     = "order"     // two rebuilds produced different orders
)

// Problem is one defect found by verify.
type Problem struct {
	Kind   string `json:"kind"`
	ID     string `json:"id,omitempty"`
	Detail string `json:"detail"`
}

// VerifyResult holds the outcome of a verify run.
type VerifyResult struct {
	Checked       int       `json:"checked"`
	Indexed       int       `json:"indexed"`
	Orphans       int       `json:"orphans"`
	Deterministic bool      `json:"deterministic"`
	Problems      []Problem `json:"problems"`
	OK            bool      `json:"ok"`
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &VerifyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check stored events and the canonical order",
		Long: `Re-hash every stored event, check the layer and timestamp rules of every
event reachable from the genesis, and rebuild the graph twice to confirm
the canonical order is deterministic.

Exit codes:
  0 - No problems found
  1 - Problems found
  2 - Command error (database not found, etc.)

Example:
  evgraph verify --db ./events.db`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(opts, cmd)
		},
	}

	addDatabaseFlag(cmd, &opts.Database)

	return cmd
}

func runVerify(opts *VerifyOptions, cmd *cobra.Command) error {
	ctx := context.Background()
	out := newFormatter(opts.RootOptions, cmd)

	cfg, err := loadConfig(opts.RootOptions, opts.Database)
	if err != nil {
		return err
	}
	logger := cfg.Log.Logger(cmd.ErrOrStderr())

	st, err := openStore(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer st.Close()

	result := VerifyResult{Problems: []Problem{}}
	events, err := scanStore(ctx, st, &result)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to scan store", err)
	}
	out.VerboseLog("scanned %d stored events", result.Checked)

	// A corrupt body aborts the graph rebuild, so stop at the scan.
	if len(result.Problems) == 0 {
		drift := uint64(max(cfg.Graph.TimeDrift/time.Second, 0))
		if err := verifyGraph(events, drift, &result, func() ([]event.Hash, event.Hash, error) {
			g, err := openGraph(ctx, cfg, st, logger)
			if err != nil {
				return nil, event.NullID, err
			}
			order, err := g.OrderEvents(ctx)
			return order, g.Genesis(), err
		}); err != nil {
			return err
		}
	}

	result.OK = len(result.Problems) == 0
	if err := out.Result(result, func(w io.Writer) { printVerify(w, result) }); err != nil {
		return err
	}
	if !result.OK {
		return NewExitError(ExitFailure, fmt.Sprintf("verify found %d problems", len(result.Problems)))
	}
	return nil
}

// scanStore reads every stored event, recording the ones whose body no
// longer matches the id.
func scanStore(ctx context.Context, st store.EventStore, result *VerifyResult) (map[event.Hash]event.Event, error) {
	events := make(map[event.Hash]event.Event)
	for id, err := range st.IterIDs(ctx) {
		if err != nil {
			return nil, err
		}
		result.Checked++
		e, ok, err := st.Get(ctx, id)
		switch {
		case errors.Is(err, store.ErrCorrupt):
			result.Problems = append(result.Problems, Problem{
				Kind:   ProblemCorrupt,
				ID:     id.String(),
				Detail: "stored body does not hash to its id",
			})
		case err != nil:
			return nil, err
		case ok:
			events[id] = e
		}
	}
	return events, nil
}

// verifyGraph checks the indexed events. rebuild loads a fresh graph and
// returns its canonical order and genesis.
func verifyGraph(events map[event.Hash]event.Event, drift uint64, result *VerifyResult,
	rebuild func() ([]event.Hash, event.Hash, error)) error {
	first, genesis, err := rebuild()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to rebuild graph", err)
	}
	second, _, err := rebuild()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to rebuild graph", err)
	}

	result.Indexed = len(first)
	result.Orphans = len(events) - len(first)
	result.Deterministic = slices.Equal(first, second)
	if !result.Deterministic {
		result.Problems = append(result.Problems, Problem{
			Kind:   ProblemOrder,
			Detail: fmt.Sprintf("rebuilds ordered %d and %d events differently", len(first), len(second)),
		})
	}

	if !genesis.IsNull() {
		if _, ok := events[genesis]; !ok {
			result.Problems = append(result.Problems, Problem{
				Kind:   ProblemGenesis,
				ID:     genesis.String(),
				Detail: "rotation state names a genesis that is not stored",
			})
		}
	}

	for _, id := range first {
		if id == genesis {
			continue
		}
		if p, ok := checkEvent(id, events[id], events, drift); !ok {
			result.Problems = append(result.Problems, p)
		}
	}
	return nil
}

// checkEvent applies the structural insert rules to an indexed event.
func checkEvent(id event.Hash, e event.Event, events map[event.Hash]event.Event, drift uint64) (Problem, bool) {
	parents := e.NonNullParents()
	seen := make(map[event.Hash]struct{}, len(parents))
	for i, p := range e.Header.Parents {
		if i >= len(parents) && !p.IsNull() || i < len(parents) && p.IsNull() {
			return Problem{Kind: ProblemParents, ID: id.String(), Detail: "null parent before a non-null one"}, false
		}
		if p.IsNull() {
			continue
		}
		if _, dup := seen[p]; dup {
			return Problem{Kind: ProblemParents, ID: id.String(), Detail: "duplicate parent " + p.Short()}, false
		}
		seen[p] = struct{}{}
	}

	var maxLayer uint32
	for _, p := range parents {
		parent := events[p]
		maxLayer = max(maxLayer, parent.Header.Layer)
		if parent.Header.Timestamp > e.Header.Timestamp+drift {
			return Problem{
				Kind:   ProblemTimestamp,
				ID:     id.String(),
				Detail: fmt.Sprintf("parent %s at %d is newer than %d", p.Short(), parent.Header.Timestamp, e.Header.Timestamp),
			}, false
		}
	}
	if e.Header.Layer != maxLayer+1 {
		return Problem{
			Kind:   ProblemLayer,
			ID:     id.String(),
			Detail: fmt.Sprintf("layer %d, want %d", e.Header.Layer, maxLayer+1),
		}, false
	}
	return Problem{}, true
}

func printVerify(w io.Writer, result VerifyResult) {
	fmt.Fprintf(w, "Checked %d stored events: %d indexed, %d orphaned\n", result.Checked, result.Indexed, result.Orphans)
	for _, p := range result.Problems {
		if p.ID != "" {
			fmt.Fprintf(w, "  ✗ %s %s: %s\n", p.Kind, p.ID, p.Detail)
		} else {
			fmt.Fprintf(w, "  ✗ %s: %s\n", p.Kind, p.Detail)
		}
	}
	if result.OK {
		fmt.Fprintln(w, "✓ No problems found")
	} else {
		fmt.Fprintf(w, "✗ %d problems found\n", len(result.Problems))
	}
}
