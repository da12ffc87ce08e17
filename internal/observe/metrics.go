package observe

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records notifications as OpenTelemetry counters.
type Metrics struct {
	inserted   metric.Int64Counter
	rounds     metric.Int64Counter
	unresolved metric.Int64Counter
	violations metric.Int64Counter
	rotations  metric.Int64Counter
	tips       metric.Int64Gauge
}

// NewMetrics creates the instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)
	if m.inserted, err = meter.Int64Counter("evgraph.events.inserted",
		metric.WithDescription("Events accepted into the graph")); err != nil {
		return nil, fmt.Errorf("create inserted counter: %w", err)
	}
	if m.rounds, err = meter.Int64Counter("evgraph.sync.rounds",
		metric.WithDescription("Completed sync rounds")); err != nil {
		return nil, fmt.Errorf("create rounds counter: %w", err)
	}
	if m.unresolved, err = meter.Int64Counter("evgraph.sync.unresolved",
		metric.WithDescription("Event ids a sync round gave up on")); err != nil {
		return nil, fmt.Errorf("create unresolved counter: %w", err)
	}
	if m.violations, err = meter.Int64Counter("evgraph.sync.protocol_violations",
		metric.WithDescription("Replies whose content did not hash to the requested id")); err != nil {
		return nil, fmt.Errorf("create violations counter: %w", err)
	}
	if m.rotations, err = meter.Int64Counter("evgraph.prune.rotations",
		metric.WithDescription("Pruning rotations executed")); err != nil {
		return nil, fmt.Errorf("create rotations counter: %w", err)
	}
	if m.tips, err = meter.Int64Gauge("evgraph.tips",
		metric.WithDescription("Current unreferenced tip count")); err != nil {
		return nil, fmt.Errorf("create tips gauge: %w", err)
	}
	return &m, nil
}

func (m *Metrics) Notify(n Notification) {
	ctx := context.Background()
	switch n.Kind {
	case KindEventInserted:
		m.inserted.Add(ctx, 1)
	case KindTipSetChanged:
		m.tips.Record(ctx, int64(len(n.Tips)))
	case KindSyncRoundFinished:
		m.rounds.Add(ctx, 1)
		if n.Unresolved > 0 {
			m.unresolved.Add(ctx, int64(n.Unresolved))
		}
	case KindProtocolViolation:
		m.violations.Add(ctx, 1, metric.WithAttributes(attribute.String("peer", n.Peer)))
	case KindRotation:
		m.rotations.Add(ctx, 1)
	}
}
