package dag

import (
	"log/slog"
	"time"

	"github.com/roach88/evgraph/internal/config"
	"github.com/roach88/evgraph/internal/observe"
)

// Defaults applied by New.
const (
	DefaultMaxContentSize = 64 * 1024
	DefaultBroadcastTTL   = 10 * time.Minute
	DefaultBroadcastLimit = 10000
)

// Option configures a Graph.
type Option func(*Graph)

// WithClock replaces the wall clock used for timestamps and drift checks.
func WithClock(c Clock) Option {
	return func(g *Graph) {
		g.clock = c
	}
}

// WithLogger sets the logger. The graph adds a component attribute.
func WithLogger(l *slog.Logger) Option {
	return func(g *Graph) {
		g.logger = l
	}
}

// WithObserver registers the diagnostics observer.
func WithObserver(o observe.Observer) Option {
	return func(g *Graph) {
		g.observer = o
	}
}

// WithTimeDrift sets the tolerated clock drift.
//
// Default: 60s (event.TimeDrift)
func WithTimeDrift(d time.Duration) Option {
	return func(g *Graph) {
		g.drift = d
	}
}

// WithMaxContentSize bounds event content in bytes.
//
// Default: 64 KiB (DefaultMaxContentSize)
func WithMaxContentSize(n int) Option {
	return func(g *Graph) {
		g.maxContent = n
	}
}

// WithBroadcastTTL sets how long a broadcast id stays vouched for.
func WithBroadcastTTL(d time.Duration) Option {
	return func(g *Graph) {
		g.broadcastTTL = d
	}
}

// WithBroadcastLimit bounds the broadcast set size.
func WithBroadcastLimit(n int) Option {
	return func(g *Graph) {
		g.broadcastLimit = n
	}
}

// OptionsFromConfig maps the graph section of a node config to options.
func OptionsFromConfig(c config.GraphConfig) []Option {
	return []Option{
		WithTimeDrift(c.TimeDrift),
		WithMaxContentSize(c.MaxContentSize),
		WithBroadcastTTL(c.BroadcastTTL),
		WithBroadcastLimit(c.BroadcastLimit),
	}
}
