package storage

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	_ "github.com/jackc/pgx/v4/stdlib" // registers "pgx"
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // registers "sqlite"
)

const (
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite"
)

var placeholder = regexp.MustCompile(`\$\d+`)

// Storage wraps a database handle and knows which SQL dialect it speaks.
type Storage struct {
	db     *sql.DB
	driver string
}

func NewStorage(db *sql.DB, driver string) *Storage {
	return &Storage{db: db, driver: driver}
}

// Connect opens the database and pings it until it answers, up to attempts
// times with delay between tries. Containers often start before their database does.
func Connect(ctx context.Context, driver, dsn string, attempts int, delay time.Duration, logger *zap.Logger) (*Storage, error) {
	if driver != DriverPostgres && driver != DriverSQLite {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	if attempts < 1 {
		attempts = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// Every new connection to an in-memory database is a new, empty database.
		db.SetMaxOpenConns(1)
	}

	for i := 1; ; i++ {
		if err = db.PingContext(ctx); err == nil {
			logger.Info("connected to database", zap.String("driver", driver))
			return NewStorage(db, driver), nil
		}
		if i >= attempts {
			break
		}
		logger.Warn("waiting for database", zap.Int("attempt", i), zap.Error(err))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			db.Close()
			return nil, ctx.Err()
		}
	}
	db.Close()
	return nil, fmt.Errorf("could not connect to database after %d attempts: %w", attempts, err)
}

// Migrate creates the tables used by the sinks if they do not exist yet.
func (s *Storage) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS matches (
			run_id       TEXT NOT NULL,
			url          TEXT NOT NULL,
			keyword      TEXT NOT NULL,
			match_text   TEXT NOT NULL,
			context_text TEXT NOT NULL,
			found_at     TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS matches_run_id_idx ON matches (run_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

// rebind rewrites $1-style placeholders to ? for SQLite.
func (s *Storage) rebind(query string) string {
	if s.driver != DriverSQLite {
		return query
	}
	return placeholder.ReplaceAllString(query, "?")
}
