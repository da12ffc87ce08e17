// Package prune rotates the event graph on a fixed schedule.
//
// Every DaysRotation days after Epoch the graph is replaced by a genesis
// whose id depends on the boundary timestamp alone. Nodes sharing a
// schedule therefore switch to the same genesis without exchanging any
// message.
package prune

import (
	"context"
	"log/slog"
	"time"

	"github.com/roach88/evgraph/internal/config"
	"github.com/roach88/evgraph/internal/dag"
	"github.com/roach88/evgraph/internal/event"
)

const secondsPerDay = 86400

// DefaultRetryDelay is how long Run waits before retrying a failed rotation.
const DefaultRetryDelay = time.Minute

// Clock is the wall clock Run sleeps on.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// SystemClock uses the time package.
type SystemClock struct{}

func (SystemClock) Now() time.Time                         { return time.Now() }
func (SystemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Pruner owns the rotation schedule of one graph.
type Pruner struct {
	// DaysRotation is the rotation period in days. Zero disables
	// scheduled rotation; Catchup still installs the epoch genesis.
	DaysRotation int

	// Epoch anchors the schedule, unix seconds.
	Epoch int64

	graph  *dag.Graph
	clock  Clock
	logger *slog.Logger
	retry  time.Duration
}

// Option configures a Pruner.
type Option func(*Pruner)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(p *Pruner) {
		p.clock = c
	}
}

// WithLogger sets the logger. The pruner adds a component attribute.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pruner) {
		p.logger = l
	}
}

// WithRetryDelay sets the wait before retrying a failed rotation.
func WithRetryDelay(d time.Duration) Option {
	return func(p *Pruner) {
		p.retry = d
	}
}

// New creates a pruner for graph using the schedule in cfg.
func New(graph *dag.Graph, cfg config.PruneConfig, opts ...Option) *Pruner {
	p := &Pruner{
		DaysRotation: cfg.DaysRotation,
		Epoch:        cfg.Epoch,
		graph:        graph,
		clock:        SystemClock{},
		retry:        DefaultRetryDelay,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.logger = p.logger.With("component", "prune")
	return p
}

func (p *Pruner) period() int64 {
	return int64(p.DaysRotation) * secondsPerDay
}

// Boundary returns the latest rotation boundary at or before now, in unix
// seconds. With rotation disabled, or before the epoch, it is the epoch.
func (p *Pruner) Boundary(now time.Time) uint64 {
	period := p.period()
	elapsed := now.Unix() - p.Epoch
	if period <= 0 || elapsed < 0 {
		return uint64(max(p.Epoch, 0))
	}
	return uint64(p.Epoch + elapsed/period*period)
}

// Next returns the first rotation boundary strictly after now, or 0 when
// rotation is disabled.
func (p *Pruner) Next(now time.Time) uint64 {
	period := p.period()
	if period <= 0 {
		return 0
	}
	if now.Unix() < p.Epoch {
		return uint64(max(p.Epoch, 0))
	}
	return p.Boundary(now) + uint64(period)
}

// Rotate installs the genesis for boundary t.
func (p *Pruner) Rotate(ctx context.Context, t uint64) (removed int, err error) {
	return p.graph.Rotate(ctx, event.Genesis(t), p.Epoch)
}

// Catchup rotates to the current boundary unless the graph is already at
// or past it. It bootstraps a graph that has never been rotated.
func (p *Pruner) Catchup(ctx context.Context) (rotated bool, err error) {
	t := p.Boundary(p.clock.Now())
	st := p.graph.State()
	if !st.Genesis.IsNull() && st.Boundary >= t {
		return false, nil
	}

	removed, err := p.Rotate(ctx, t)
	if err != nil {
		return false, err
	}
	p.logger.Info("caught up to rotation boundary",
		"boundary", t,
		"previous", st.Boundary,
		"removed", removed)
	return true, nil
}

// Run sleeps until each boundary and rotates, until ctx is cancelled.
// With rotation disabled it only waits for ctx.
func (p *Pruner) Run(ctx context.Context) error {
	if p.period() <= 0 {
		p.logger.Info("scheduled rotation disabled")
		<-ctx.Done()
		return ctx.Err()
	}

	p.logger.Info("rotation loop starting", "days", p.DaysRotation, "epoch", p.Epoch)
	for {
		now := p.clock.Now()
		next := time.Unix(int64(p.Next(now)), 0)
		select {
		case <-ctx.Done():
			p.logger.Info("rotation loop stopping: context cancelled")
			return ctx.Err()
		case <-p.clock.After(next.Sub(now)):
		}

		for {
			_, err := p.Catchup(ctx)
			if err == nil {
				break
			}
			if dag.IsRetryable(err) {
				p.logger.Debug("rotation deferred", "error", err)
			} else {
				p.logger.Error("rotation failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-p.clock.After(p.retry):
			}
		}
	}
}
