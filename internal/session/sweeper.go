package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/chatfunnel/internal/metrics"
	"github.com/ashureev/chatfunnel/internal/store"
)

// DefaultSweepInterval is how often the sweeper looks for expired sessions.
const DefaultSweepInterval = 5 * time.Minute

// StartSweeper runs a background goroutine that periodically closes
// sessions inactive longer than ttl. It stops when ctx is canceled.
func StartSweeper(ctx context.Context, repo store.Repository, ttl, interval time.Duration) {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("session sweeper started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				sweepOnce(ctx, repo, ttl)
			case <-ctx.Done():
				slog.Info("session sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweepOnce(ctx context.Context, repo store.Repository, ttl time.Duration) {
	closed, err := repo.CloseExpiredSessions(ctx, ttl)
	if err != nil {
		slog.Error("session sweep failed", "error", err)
		return
	}
	if closed > 0 {
		metrics.SessionsSwept.Add(float64(closed))
		slog.Info("session sweep closed expired sessions", "count", closed)
	}
}
