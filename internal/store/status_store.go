package store

import (
	"context"
	"time"

	"go.uber.org/zap"

	"keyscout/pkg/models"
)

// StatusStore persists crawl run status.
type StatusStore interface {
	SetStatus(ctx context.Context, status models.CrawlStatus) error
	GetStatus(ctx context.Context, runID string) (models.CrawlStatus, bool, error)
}

// Publish writes snapshot() to the store every interval until done is closed
// or ctx ends, then writes one last snapshot so readers see the final state.
// Write errors are logged and do not stop publishing.
func Publish(ctx context.Context, s StatusStore, interval time.Duration, done <-chan struct{}, snapshot func() models.CrawlStatus, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	write := func(ctx context.Context) {
		status := snapshot()
		if err := s.SetStatus(ctx, status); err != nil {
			logger.Warn("failed to publish status", zap.String("run_id", status.RunID), zap.Error(err))
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			write(ctx)
		case <-done:
			write(ctx)
			return
		case <-ctx.Done():
			write(context.WithoutCancel(ctx))
			return
		}
	}
}
