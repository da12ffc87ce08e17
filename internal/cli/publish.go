package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/evgraph/internal/dag"
	"github.com/roach88/evgraph/internal/event"
)

// PublishOptions holds flags for the publish command.
type PublishOptions struct {
	*RootOptions
	Database string
	File     string
}

// NewPublishCommand creates the publish command.
func NewPublishCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PublishOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "publish [content]",
		Short: "Append a local event on the current tips",
		Long: `Create an event with the given content on top of the current tips and
store it. The event reaches peers through their next sync round once
the node is running.

Content is taken from the argument, or from --file.

Exit codes:
  0 - Event stored
  1 - Event rejected (no genesis, content too large, etc.)
  2 - Command error

Examples:
  evgraph publish --db ./events.db 'hello'
  evgraph publish --db ./events.db --file ./payload.bin`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPublish(opts, args, cmd)
		},
	}

	addDatabaseFlag(cmd, &opts.Database)
	cmd.Flags().StringVar(&opts.File, "file", "", "read content from file")

	return cmd
}

func runPublish(opts *PublishOptions, args []string, cmd *cobra.Command) error {
	ctx := context.Background()
	out := newFormatter(opts.RootOptions, cmd)

	var content []byte
	switch {
	case opts.File != "" && len(args) > 0:
		return NewExitError(ExitCommandError, "pass content or --file, not both")
	case opts.File != "":
		data, err := os.ReadFile(opts.File)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read content", err)
		}
		content = data
	case len(args) > 0:
		content = []byte(args[0])
	}

	n, err := openNode(ctx, opts.RootOptions, opts.Database, false, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer n.Close()

	e, err := n.graph.CreateEvent(content)
	if err == nil {
		_, err = n.graph.Insert(ctx, e)
	}
	var dagErr *dag.Error
	if errors.As(err, &dagErr) && dagErr.Code != dag.CodeStorage {
		if err := out.Error(string(dagErr.Code), dagErr.Message, nil); err != nil {
			return err
		}
		return WrapExitError(ExitFailure, "event rejected", err)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to publish", err)
	}

	id := e.ID()
	out.VerboseLog("published %s on %d parents", id.Short(), len(e.NonNullParents()))
	return out.Result(summarize(id, e), func(w io.Writer) {
		fmt.Fprintf(w, "✓ Published %s (layer %d)\n", id, e.Header.Layer)
		printParents(w, e)
	})
}

func printParents(w io.Writer, e event.Event) {
	for _, p := range e.NonNullParents() {
		fmt.Fprintf(w, "  parent %s\n", p)
	}
}
