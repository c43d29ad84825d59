// Package database holds the PostgreSQL plumbing: connection pool, schema
// migrations, and the durable session store and deduplicator built on them.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/m3rciful/convobot/core/config"
	"github.com/m3rciful/convobot/core/logger"
)

// DSN returns a key=value connection string for lib/pq.
func DSN(cfg config.DatabaseConfig) string {
	return fmt.Sprintf(
		"user=%s password=%s host=%s port=%s dbname=%s sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, portOr(cfg.Port), cfg.Name, cfg.SSLMode,
	)
}

// URL returns the postgres:// form used by golang-migrate.
func URL(cfg config.DatabaseConfig) string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     cfg.Host + ":" + portOr(cfg.Port),
		Path:     "/" + cfg.Name,
		RawQuery: "sslmode=" + url.QueryEscape(cfg.SSLMode),
	}
	return u.String()
}

func portOr(p string) string {
	if p == "" {
		return "5432"
	}
	return p
}

// Connect opens the pool, sizes it, and verifies connectivity.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*sqlx.DB, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	db, err := sqlx.ConnectContext(ctx, "postgres", DSN(cfg))
	if err != nil {
		logger.Error(ctx, "db", "db.connect",
			slog.String("status", "fail"),
			slog.String("host", cfg.Host),
			slog.String("db", cfg.Name),
			slog.Duration("duration", logger.Took(start)),
			logger.Err(err),
		)
		return nil, fmt.Errorf("db connect: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxConnections)

	logger.Info(ctx, "db", "db.connect",
		slog.String("status", "ok"),
		slog.String("host", cfg.Host),
		slog.String("db", cfg.Name),
		slog.Int("pool_open", cfg.MaxConnections),
		slog.Duration("duration", logger.Took(start)),
	)
	return db, nil
}

// WaitForPostgres pings dsn until it answers or timeout elapses.
func WaitForPostgres(ctx context.Context, dsn string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for {
		db, err := sql.Open("postgres", dsn)
		if err == nil {
			err = db.PingContext(ctx)
			_ = db.Close()
			if err == nil {
				return nil
			}
		}
		lastErr = err
		if time.Now().After(deadline) {
			return fmt.Errorf("timeout reached waiting for database: %w", lastErr)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}
