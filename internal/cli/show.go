package cli

import (
	"context"
	"fmt"
	"io"
	"time"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/roach88/evgraph/internal/event"
)

// ShowOptions holds flags for the show command.
type ShowOptions struct {
	*RootOptions
	Database string
}

// ShowResult is the full view of one stored event.
type ShowResult struct {
	ID        string    `json:"id"`
	Timestamp uint64    `json:"timestamp"`
	Time      time.Time `json:"time"`
	Layer     uint32    `json:"layer"`
	Parents   []string  `json:"parents"`
	Genesis   bool      `json:"genesis"`
	Tip       bool      `json:"tip"`
	Content   []byte    `json:"content"` // base64 in JSON
}

// NewShowCommand creates the show command.
func NewShowCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ShowOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "show <event-id>",
		Short: "Show one stored event",
		Long: `Show the header and content of one stored event.

The id is the 64 character hex content hash printed by order and tips.

Exit codes:
  0 - Event found
  1 - No event with that id is stored
  2 - Command error (invalid id, database not found, etc.)

Example:
  evgraph show --db ./events.db 3f2a...`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShow(opts, args[0], cmd)
		},
	}

	addDatabaseFlag(cmd, &opts.Database)

	return cmd
}

func runShow(opts *ShowOptions, rawID string, cmd *cobra.Command) error {
	ctx := context.Background()
	out := newFormatter(opts.RootOptions, cmd)

	id, err := event.ParseHash(rawID)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid event id", err)
	}

	n, err := openNode(ctx, opts.RootOptions, opts.Database, false, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer n.Close()

	e, ok, err := n.graph.Get(ctx, id)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read event", err)
	}
	if !ok {
		if err := out.Error("NOT_FOUND", fmt.Sprintf("event %s is not stored", id.Short()), nil); err != nil {
			return err
		}
		return NewExitError(ExitFailure, "event not found")
	}

	result := ShowResult{
		ID:        id.String(),
		Timestamp: e.Header.Timestamp,
		Time:      e.Time(),
		Layer:     e.Header.Layer,
		Parents:   []string{},
		Genesis:   id == n.graph.Genesis(),
		Content:   e.Content,
	}
	for _, p := range e.NonNullParents() {
		result.Parents = append(result.Parents, p.String())
	}
	for _, tip := range n.graph.Tips() {
		if tip == id {
			result.Tip = true
		}
	}

	return out.Result(result, func(w io.Writer) {
		fmt.Fprintf(w, "Event:     %s\n", result.ID)
		fmt.Fprintf(w, "Time:      %d (%s)\n", result.Timestamp, result.Time.Format(time.RFC3339))
		fmt.Fprintf(w, "Layer:     %d\n", result.Layer)
		switch {
		case result.Genesis:
			fmt.Fprintln(w, "Role:      genesis")
		case result.Tip:
			fmt.Fprintln(w, "Role:      tip")
		}
		fmt.Fprintf(w, "Parents:   %d\n", len(result.Parents))
		for _, p := range result.Parents {
			fmt.Fprintf(w, "  %s\n", p)
		}
		if utf8.Valid(result.Content) {
			fmt.Fprintf(w, "Content:   %q\n", result.Content)
		} else {
			fmt.Fprintf(w, "Content:   %d bytes (binary)\n", len(result.Content))
		}
	})
}
