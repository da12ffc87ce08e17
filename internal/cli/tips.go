package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// TipsOptions holds flags for the tips command.
type TipsOptions struct {
	*RootOptions
	Database string
}

// TipsResult lists the unreferenced tips.
type TipsResult struct {
	Tips      []EventSummary `json:"tips"`
	LastEvent string         `json:"last_event"`
}

// NewTipsCommand creates the tips command.
func NewTipsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TipsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "tips",
		Short: "List events no other event references",
		Long: `List the unreferenced tips of the graph, oldest first.

The next locally published event takes up to five of these as parents.

Example:
  evgraph tips --db ./events.db`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTips(opts, cmd)
		},
	}

	addDatabaseFlag(cmd, &opts.Database)

	return cmd
}

func runTips(opts *TipsOptions, cmd *cobra.Command) error {
	ctx := context.Background()
	out := newFormatter(opts.RootOptions, cmd)

	n, err := openNode(ctx, opts.RootOptions, opts.Database, false, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer n.Close()

	result := TipsResult{
		Tips:      []EventSummary{},
		LastEvent: n.graph.LastEvent().String(),
	}
	for _, id := range n.graph.Tips() {
		e, err := loadEvent(ctx, n.graph, id)
		if err != nil {
			return err
		}
		result.Tips = append(result.Tips, summarize(id, e))
	}

	return out.Result(result, func(w io.Writer) {
		if len(result.Tips) == 0 {
			fmt.Fprintln(w, "No tips: the graph has no genesis. Run 'evgraph prune' to install one.")
			return
		}
		for _, tip := range result.Tips {
			fmt.Fprintf(w, "%s  layer=%d  t=%d\n", tip.ID, tip.Layer, tip.Timestamp)
		}
		fmt.Fprintf(w, "%d tips, last event %s\n", len(result.Tips), result.LastEvent)
	})
}
