package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/apparelcore/authstate/internal/observability"
)

// Sweeper runs CleanupExpiredSessions on a fixed interval, off the
// request path. Run blocks until the context is cancelled; callers start
// it on its own goroutine.
type Sweeper struct {
	tracker  *Tracker
	interval time.Duration
	logger   *slog.Logger
}

func NewSweeper(tracker *Tracker, logger *slog.Logger) *Sweeper {
	return &Sweeper{tracker: tracker, interval: tracker.cfg.SweepInterval, logger: logger}
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cleaned := s.tracker.CleanupExpiredSessions(ctx)
			observability.RecordSessionSweep(ctx, int64(cleaned))
			if cleaned > 0 {
				s.logger.InfoContext(ctx, "session sweep completed", "cleaned", cleaned)
			}
		}
	}
}
