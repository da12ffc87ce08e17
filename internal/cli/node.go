package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/evgraph/internal/config"
	"github.com/roach88/evgraph/internal/dag"
	"github.com/roach88/evgraph/internal/observe"
	"github.com/roach88/evgraph/internal/store"
)

// localNode is the store and graph a command works on.
type localNode struct {
	cfg    *config.Config
	store  store.EventStore
	graph  *dag.Graph
	logger *slog.Logger
}

func addDatabaseFlag(cmd *cobra.Command, target *string) {
	cmd.Flags().StringVar(target, "db", "", "path to SQLite database (overrides the store in --config)")
}

// loadConfig resolves the node configuration for a command: defaults, then
// --config, then EVGRAPH_* variables, then --db.
func loadConfig(opts *RootOptions, database string) (*config.Config, error) {
	if opts.ConfigPath == "" && database == "" {
		return nil, NewExitError(ExitCommandError, "either --db or --config is required")
	}

	cfg := config.DefaultConfig()
	if opts.ConfigPath != "" {
		loaded, err := config.LoadFromFile(opts.ConfigPath)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to load config", err)
		}
		cfg = loaded
	}
	config.LoadFromEnv(cfg)
	if database != "" {
		cfg.Store.Backend = config.BackendSQLite
		cfg.Store.Path = database
	}
	cfg.Resolve()
	if opts.Verbose {
		cfg.Log.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid config", err)
	}
	return cfg, nil
}

// openStore opens the configured store. Unless create is set, a missing
// SQLite file is an error rather than a fresh database.
func openStore(ctx context.Context, cfg *config.Config, create bool) (store.EventStore, error) {
	if cfg.Store.Backend == config.BackendSQLite && !create {
		if _, err := os.Stat(cfg.Store.Path); errors.Is(err, fs.ErrNotExist) {
			return nil, NewExitError(ExitCommandError, fmt.Sprintf("database not found: %s", cfg.Store.Path))
		}
	}
	st, err := store.OpenFromConfig(ctx, cfg.Store)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}

// openGraph rebuilds the graph over st.
func openGraph(ctx context.Context, cfg *config.Config, st store.EventStore, logger *slog.Logger) (*dag.Graph, error) {
	opts := append(dag.OptionsFromConfig(cfg.Graph),
		dag.WithLogger(logger),
		dag.WithObserver(observe.Log{Logger: logger}))
	g, err := dag.New(ctx, st, opts...)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load graph", err)
	}
	return g, nil
}

func openNode(ctx context.Context, opts *RootOptions, database string, create bool, logw io.Writer) (*localNode, error) {
	cfg, err := loadConfig(opts, database)
	if err != nil {
		return nil, err
	}
	logger := cfg.Log.Logger(logw)

	st, err := openStore(ctx, cfg, create)
	if err != nil {
		return nil, err
	}
	g, err := openGraph(ctx, cfg, st, logger)
	if err != nil {
		st.Close()
		return nil, err
	}
	return &localNode{cfg: cfg, store: st, graph: g, logger: logger}, nil
}

func (n *localNode) Close() error {
	return n.store.Close()
}
