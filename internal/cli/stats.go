package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/evgraph/internal/prune"
)

// StatsOptions holds flags for the stats command.
type StatsOptions struct {
	*RootOptions
	Database string
}

// StatsResult summarizes a store and the graph rebuilt from it.
type StatsResult struct {
	Stored       int    `json:"stored"`
	Indexed      int    `json:"indexed"`
	Orphans      int    `json:"orphans"` // stored but not reachable from genesis
	Tips         int    `json:"tips"`
	Genesis      string `json:"genesis"`
	Boundary     uint64 `json:"boundary"`
	Epoch        int64  `json:"epoch"`
	LastEvent    string `json:"last_event"`
	DaysRotation int    `json:"days_rotation"`
	NextRotation uint64 `json:"next_rotation,omitempty"`
}

// NewStatsCommand creates the stats command.
func NewStatsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize the stored graph and its rotation state",
		Long: `Summarize the stored graph: event counts, tips, the current genesis
and when the configured schedule rotates next.

Orphans are stored events that do not descend from the current genesis,
typically descendants of pruned events left behind by a rotation.

Example:
  evgraph stats --db ./events.db --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(opts, cmd)
		},
	}

	addDatabaseFlag(cmd, &opts.Database)

	return cmd
}

func runStats(opts *StatsOptions, cmd *cobra.Command) error {
	ctx := context.Background()
	out := newFormatter(opts.RootOptions, cmd)

	n, err := openNode(ctx, opts.RootOptions, opts.Database, false, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer n.Close()

	stored, err := n.store.Count(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to count events", err)
	}
	state := n.graph.State()
	pruner := prune.New(n.graph, n.cfg.Prune, prune.WithLogger(n.logger))

	result := StatsResult{
		Stored:       stored,
		Indexed:      n.graph.Len(),
		Orphans:      stored - n.graph.Len(),
		Tips:         len(n.graph.Tips()),
		Genesis:      state.Genesis.String(),
		Boundary:     state.Boundary,
		Epoch:        state.Epoch,
		LastEvent:    n.graph.LastEvent().String(),
		DaysRotation: pruner.DaysRotation,
		NextRotation: pruner.Next(time.Now()),
	}

	return out.Result(result, func(w io.Writer) {
		fmt.Fprintf(w, "Events:    %d stored, %d indexed, %d orphaned\n", result.Stored, result.Indexed, result.Orphans)
		fmt.Fprintf(w, "Tips:      %d\n", result.Tips)
		if state.Genesis.IsNull() {
			fmt.Fprintln(w, "Genesis:   none (never rotated)")
		} else {
			fmt.Fprintf(w, "Genesis:   %s\n", result.Genesis)
			fmt.Fprintf(w, "Boundary:  %s\n", formatUnix(result.Boundary))
		}
		fmt.Fprintf(w, "Epoch:     %d\n", result.Epoch)
		if result.NextRotation == 0 {
			fmt.Fprintln(w, "Rotation:  disabled")
		} else {
			fmt.Fprintf(w, "Rotation:  every %d days, next %s\n", result.DaysRotation, formatUnix(result.NextRotation))
		}
	})
}

func formatUnix(sec uint64) string {
	return time.Unix(int64(sec), 0).UTC().Format(time.RFC3339)
}
