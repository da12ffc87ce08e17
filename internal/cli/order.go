package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/evgraph/internal/dag"
	"github.com/roach88/evgraph/internal/event"
)

// OrderOptions holds flags for the order command.
type OrderOptions struct {
	*RootOptions
	Database string
	Limit    int
}

// EventSummary describes one event in command output.
type EventSummary struct {
	ID          string `json:"id"`
	Timestamp   uint64 `json:"timestamp"`
	Layer       uint32 `json:"layer"`
	Parents     int    `json:"parents"`
	ContentSize int    `json:"content_size"`
}

func summarize(id event.Hash, e event.Event) EventSummary {
	return EventSummary{
		ID:          id.String(),
		Timestamp:   e.Header.Timestamp,
		Layer:       e.Header.Layer,
		Parents:     len(e.NonNullParents()),
		ContentSize: len(e.Content),
	}
}

// OrderResult holds the canonical order of the graph.
type OrderResult struct {
	Genesis string         `json:"genesis"`
	Total   int            `json:"total"`
	Events  []EventSummary `json:"events"`
}

// NewOrderCommand creates the order command.
func NewOrderCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &OrderOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "order",
		Short: "Print the canonical event order",
		Long: `Print every event reachable from the current genesis in canonical order.

The order is a depth-first post-order from the tips, so every event is
listed after all of its parents. Two nodes holding the same events print
the same order.

Examples:
  evgraph order --db ./events.db
  evgraph order --db ./events.db --limit 20 --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOrder(opts, cmd)
		},
	}

	addDatabaseFlag(cmd, &opts.Database)
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "print only the last N events (0 = all)")

	return cmd
}

func runOrder(opts *OrderOptions, cmd *cobra.Command) error {
	ctx := context.Background()
	out := newFormatter(opts.RootOptions, cmd)

	n, err := openNode(ctx, opts.RootOptions, opts.Database, false, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer n.Close()

	order, err := n.graph.OrderEvents(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to order events", err)
	}

	result := OrderResult{
		Genesis: n.graph.Genesis().String(),
		Total:   len(order),
		Events:  []EventSummary{},
	}
	start := 0
	if opts.Limit > 0 && opts.Limit < len(order) {
		start = len(order) - opts.Limit
	}
	for _, id := range order[start:] {
		e, err := loadEvent(ctx, n.graph, id)
		if err != nil {
			return err
		}
		result.Events = append(result.Events, summarize(id, e))
	}
	out.VerboseLog("ordered %d events, printing %d", len(order), len(result.Events))

	return out.Result(result, func(w io.Writer) {
		if result.Total == 0 {
			fmt.Fprintln(w, "No events found in database.")
			return
		}
		for i, ev := range result.Events {
			fmt.Fprintf(w, "%5d  %s  layer=%d  t=%d  parents=%d  %dB\n",
				start+i, ev.ID, ev.Layer, ev.Timestamp, ev.Parents, ev.ContentSize)
		}
	})
}

// loadEvent reads an indexed event. An indexed id missing from the store
// means the database changed underneath the command.
func loadEvent(ctx context.Context, g *dag.Graph, id event.Hash) (event.Event, error) {
	e, ok, err := g.Get(ctx, id)
	if err != nil {
		return event.Event{}, WrapExitError(ExitCommandError, "failed to read event", err)
	}
	if !ok {
		return event.Event{}, NewExitError(ExitCommandError, fmt.Sprintf("event %s vanished from the store", id.Short()))
	}
	return e, nil
}
