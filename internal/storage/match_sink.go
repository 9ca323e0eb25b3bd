package storage

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"keyscout/pkg/models"
)

// MatchSink implements engine.Sink for saving keyword matches.
type MatchSink struct {
	*Storage
	Logger *zap.Logger
}

func NewMatchSink(s *Storage, logger *zap.Logger) *MatchSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MatchSink{Storage: s, Logger: logger}
}

// Save writes the batch in one transaction. Each row runs under its own
// savepoint, so a row that fails is logged and rolled back alone and the rest
// of the batch is still committed.
func (s *MatchSink) Save(ctx context.Context, batch []models.MatchRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.rebind(`
		INSERT INTO matches (run_id, url, keyword, match_text, context_text, found_at)
		VALUES ($1, $2, $3, $4, $5, $6)`))
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range batch {
		if _, err := tx.ExecContext(ctx, "SAVEPOINT match_row"); err != nil {
			return fmt.Errorf("savepoint: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, r.RunID, r.URL, r.Keyword, r.Match, r.Context, r.Timestamp.UTC()); err != nil {
			s.Logger.Warn("failed to save match", zap.String("url", r.URL), zap.Error(err))
			if _, err := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT match_row"); err != nil {
				return fmt.Errorf("rollback row: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT match_row"); err != nil {
			return fmt.Errorf("release savepoint: %w", err)
		}
	}

	return tx.Commit()
}
