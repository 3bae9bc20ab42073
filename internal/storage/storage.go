// Package storage opens the configured database and builds the team store.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/haasonsaas/househunt/internal/backoff"
	"github.com/haasonsaas/househunt/internal/teams"
)

// StoreSet groups storage dependencies.
type StoreSet struct {
	Teams teams.Store
	// DB and Dialect are unset for the in-memory store.
	DB      *sql.DB
	Dialect teams.Dialect
	closer  func() error
}

// Close closes any underlying resources.
func (s StoreSet) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

// Migrator returns a schema migrator for SQL-backed sets.
func (s StoreSet) Migrator() (*teams.Migrator, error) {
	if s.DB == nil {
		return nil, fmt.Errorf("in-memory store has no schema")
	}
	return teams.NewMigrator(s.DB, s.Dialect)
}

// Open connects to the configured database and waits until it answers a
// ping, retrying with backoff.
func Open(ctx context.Context, config Config, logger *slog.Logger) (StoreSet, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "storage")
	if strings.TrimSpace(config.Driver) == "" || config.Driver == "memory" {
		logger.Warn("using in-memory store; data is lost on exit")
		return StoreSet{Teams: teams.NewMemoryStore()}, nil
	}
	dialect, err := teams.ParseDialect(config.Driver)
	if err != nil {
		return StoreSet{}, err
	}
	if strings.TrimSpace(config.DSN) == "" {
		return StoreSet{}, fmt.Errorf("dsn is required")
	}
	config = config.withDefaults()

	driver, dsn := "postgres", config.DSN
	if dialect == teams.DialectSQLite {
		driver, dsn = "sqlite", sqliteDSN(config.DSN)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return StoreSet{}, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)
	if dialect == teams.DialectSQLite && strings.Contains(dsn, ":memory:") {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
		db.SetConnMaxLifetime(0)
		db.SetConnMaxIdleTime(0)
	}

	if err := pingWithRetry(ctx, config, logger, db.PingContext); err != nil {
		_ = db.Close()
		return StoreSet{}, fmt.Errorf("ping database: %w", err)
	}
	logger.Info("database connected", "driver", driver)

	return StoreSet{
		Teams:   teams.NewSQLStore(db, dialect),
		DB:      db,
		Dialect: dialect,
		closer:  db.Close,
	}, nil
}

func pingWithRetry(ctx context.Context, config Config, logger *slog.Logger, ping func(context.Context) error) error {
	_, err := backoff.Retry(ctx, backoff.ProbePolicy(), config.ConnectAttempts, func(attempt int) (struct{}, error) {
		pingCtx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
		defer cancel()
		if err := ping(pingCtx); err != nil {
			logger.Warn("database ping failed", "attempt", attempt, "error", err)
			return struct{}{}, err
		}
		return struct{}{}, nil
	})
	return err
}

// sqliteDSN adds the connection parameters the team store relies on:
// timestamps written in SQLite's own format and a busy timeout for
// concurrent writers.
func sqliteDSN(dsn string) string {
	params := []string{}
	if !strings.Contains(dsn, "_time_format=") {
		params = append(params, "_time_format=sqlite")
	}
	if !strings.Contains(dsn, "busy_timeout") {
		params = append(params, "_pragma=busy_timeout(5000)")
	}
	if len(params) == 0 {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(params, "&")
}
