package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/evgraph/internal/prune"
)

// PruneOptions holds flags for the prune command.
type PruneOptions struct {
	*RootOptions
	Database     string
	At           uint64
	DaysRotation int
	Epoch        int64
}

// PruneResult reports what a prune run changed.
type PruneResult struct {
	Rotated  bool   `json:"rotated"`
	Boundary uint64 `json:"boundary"`
	Genesis  string `json:"genesis"`
	Before   int    `json:"before"`
	After    int    `json:"after"`
	Next     uint64 `json:"next,omitempty"`
}

// NewPruneCommand creates the prune command.
func NewPruneCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PruneOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Rotate the graph to its current pruning boundary",
		Long: `Rotate the graph to the latest boundary of the rotation schedule.

Every event older than the boundary is deleted and replaced by the
deterministic genesis for that boundary. A graph already at or past the
boundary is left alone. A fresh database is bootstrapped with its
first genesis, so prune is also how a new node is initialized.

With --at the graph is rotated to the given unix second unconditionally.

Examples:
  evgraph prune --db ./events.db
  evgraph prune --db ./events.db --days 7 --epoch 1700000000
  evgraph prune --db ./events.db --at 1700000000`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPrune(opts, cmd)
		},
	}

	addDatabaseFlag(cmd, &opts.Database)
	cmd.Flags().Uint64Var(&opts.At, "at", 0, "rotate to this boundary (unix seconds) instead of the schedule")
	cmd.Flags().IntVar(&opts.DaysRotation, "days", 0, "rotation period in days (overrides config)")
	cmd.Flags().Int64Var(&opts.Epoch, "epoch", 0, "schedule anchor in unix seconds (overrides config)")

	return cmd
}

func runPrune(opts *PruneOptions, cmd *cobra.Command) error {
	ctx := context.Background()
	out := newFormatter(opts.RootOptions, cmd)

	n, err := openNode(ctx, opts.RootOptions, opts.Database, true, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer n.Close()

	schedule := n.cfg.Prune
	if cmd.Flags().Changed("days") {
		schedule.DaysRotation = opts.DaysRotation
	}
	if cmd.Flags().Changed("epoch") {
		schedule.Epoch = opts.Epoch
	}
	if schedule.DaysRotation < 0 {
		return NewExitError(ExitCommandError, "--days must not be negative")
	}
	pruner := prune.New(n.graph, schedule, prune.WithLogger(n.logger))

	before, err := n.store.Count(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to count events", err)
	}

	var result PruneResult
	if opts.At != 0 {
		if _, err := pruner.Rotate(ctx, opts.At); err != nil {
			return WrapExitError(ExitCommandError, "rotation failed", err)
		}
		result.Rotated = true
	} else {
		result.Rotated, err = pruner.Catchup(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "rotation failed", err)
		}
	}

	after, err := n.store.Count(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to count events", err)
	}
	state := n.graph.State()
	result.Boundary = state.Boundary
	result.Genesis = state.Genesis.String()
	result.Before = before
	result.After = after
	result.Next = pruner.Next(time.Now())

	return out.Result(result, func(w io.Writer) {
		if result.Rotated {
			fmt.Fprintf(w, "✓ Rotated to %s (%d events before, %d after)\n",
				formatUnix(result.Boundary), result.Before, result.After)
		} else {
			fmt.Fprintf(w, "Already at boundary %s, nothing to prune\n", formatUnix(result.Boundary))
		}
		fmt.Fprintf(w, "Genesis: %s\n", result.Genesis)
		if result.Next != 0 {
			fmt.Fprintf(w, "Next rotation: %s\n", formatUnix(result.Next))
		}
	})
}
