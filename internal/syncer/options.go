package syncer

import (
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/roach88/evgraph/internal/config"
	"github.com/roach88/evgraph/internal/dag"
	"github.com/roach88/evgraph/internal/observe"
)

// Defaults applied by New.
const (
	DefaultInterval         = 30 * time.Second
	DefaultTipTimeout       = 3 * time.Second
	DefaultEventTimeout     = 3 * time.Second
	DefaultMaxRounds        = 16
	DefaultFetchConcurrency = 16
	DefaultRequestRate      = rate.Limit(50)
	DefaultRequestBurst     = 100
)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. The engine adds a component attribute.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithObserver registers the diagnostics observer.
func WithObserver(o observe.Observer) Option {
	return func(e *Engine) {
		e.observer = o
	}
}

// WithClock replaces the wall clock used to stamp notifications.
func WithClock(c dag.Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithRoundIDs replaces the UUIDv7 round id source.
func WithRoundIDs(next func() string) Option {
	return func(e *Engine) {
		e.roundID = next
	}
}

// WithInterval sets the period of Run.
func WithInterval(d time.Duration) Option {
	return func(e *Engine) {
		e.interval = d
	}
}

// WithTipTimeout bounds how long a round waits for TipReply messages.
func WithTipTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.tipTimeout = d
	}
}

// WithEventTimeout bounds how long a fetch waits for one EventReply.
func WithEventTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.eventTimeout = d
	}
}

// WithMaxRounds bounds how many fetch waves per peer per round may come
// back incomplete before the remaining frontier is reported unresolved.
// Waves in which every requested event arrived do not count.
//
// Default: 16 (DefaultMaxRounds)
func WithMaxRounds(n int) Option {
	return func(e *Engine) {
		e.maxRounds = n
	}
}

// WithFetchConcurrency bounds concurrent EventRequests per fetch wave.
func WithFetchConcurrency(n int) Option {
	return func(e *Engine) {
		e.fetchLimit = n
	}
}

// WithRelay enables or disables relaying of events received from peers.
func WithRelay(on bool) Option {
	return func(e *Engine) {
		e.relay = on
	}
}

// WithRequestRate sets the per-peer inbound request limit.
func WithRequestRate(r rate.Limit, burst int) Option {
	return func(e *Engine) {
		e.reqRate = r
		e.reqBurst = burst
	}
}

// OptionsFromConfig maps the sync section of a node config to options.
func OptionsFromConfig(c config.SyncConfig) []Option {
	return []Option{
		WithInterval(c.Interval),
		WithTipTimeout(c.TipTimeout),
		WithEventTimeout(c.EventTimeout),
		WithMaxRounds(c.MaxRounds),
		WithRelay(c.Relay),
		WithRequestRate(rate.Limit(c.RequestRate), c.RequestBurst),
	}
}
