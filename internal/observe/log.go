package observe

import (
	"context"
	"log/slog"
)

// Log writes every notification to a slog.Logger.
// Inserts and tip changes log at debug, everything else at info;
// protocol violations log at warn.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Notify(n Notification) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}

	attrs := []slog.Attr{slog.String("kind", string(n.Kind))}
	level := slog.LevelInfo

	switch n.Kind {
	case KindEventInserted:
		level = slog.LevelDebug
		attrs = append(attrs, slog.String("event", n.Event.Short()))
	case KindTipSetChanged:
		level = slog.LevelDebug
		attrs = append(attrs, slog.Int("tips", len(n.Tips)))
	case KindSyncRoundStarted:
		attrs = append(attrs, slog.String("round", n.Round))
	case KindSyncRoundFinished:
		attrs = append(attrs,
			slog.String("round", n.Round),
			slog.Int("peers", n.Peers),
			slog.Int("inserted", n.Inserted),
			slog.Int("unresolved", n.Unresolved),
		)
	case KindProtocolViolation:
		level = slog.LevelWarn
		attrs = append(attrs, slog.String("peer", n.Peer), slog.String("event", n.Event.Short()))
	case KindRotation:
		attrs = append(attrs, slog.String("genesis", n.Event.Short()), slog.Int("removed", n.Removed))
	}
	if n.Err != nil {
		attrs = append(attrs, slog.String("error", n.Err.Error()))
	}

	logger.LogAttrs(context.Background(), level, "graph notification", attrs...)
}
