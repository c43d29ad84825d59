package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/m3rciful/convobot/core/config"
	"github.com/m3rciful/convobot/core/logger"
)

// RunMigrations applies all up migrations found in cfg.MigrationsDir.
func RunMigrations(ctx context.Context, cfg config.DatabaseConfig) error {
	dsn := URL(cfg)
	if err := WaitForPostgres(ctx, DSN(cfg), 30*time.Second); err != nil {
		logger.Error(ctx, "db.migrate", "db.wait", logger.Err(err))
		return fmt.Errorf("database not ready: %w", err)
	}

	dir, err := filepath.Abs(cfg.MigrationsDir)
	if err != nil {
		return fmt.Errorf("resolve migrations dir: %w", err)
	}
	files := listMigrationFiles(dir)
	logger.Debug(ctx, "db.migrate", "resolve",
		slog.String("path", dir),
		slog.Int("files_total", len(files)),
		slog.String("files_preview", preview(files, 6)),
	)

	m, err := migrate.New("file://"+dir, dsn)
	if err != nil {
		logger.Error(ctx, "db.migrate", "init", logger.Err(err))
		return fmt.Errorf("failed to initialize migrations: %w", err)
	}
	defer m.Close()

	fromVer, _, _ := m.Version()
	start := time.Now()
	upErr := m.Up()
	switch {
	case upErr == nil:
	case errors.Is(upErr, migrate.ErrNoChange):
		logger.Info(ctx, "db.migrate", "summary",
			slog.Uint64("from_ver", uint64(fromVer)),
			slog.Uint64("to_ver", uint64(fromVer)),
			slog.Int("files", 0),
			slog.Duration("duration", logger.Took(start)),
		)
		return nil
	default:
		logger.Error(ctx, "db.migrate", "apply",
			slog.Duration("duration", logger.Took(start)),
			logger.Err(upErr),
		)
		return fmt.Errorf("migration execution failed: %w", upErr)
	}

	toVer, _, _ := m.Version()
	applied := selectApplied(files, uint64(fromVer), uint64(toVer))
	logger.Info(ctx, "db.migrate", "summary",
		slog.Uint64("from_ver", uint64(fromVer)),
		slog.Uint64("to_ver", uint64(toVer)),
		slog.Int("files", len(applied)),
		slog.String("files_preview", preview(applied, 6)),
		slog.Duration("duration", logger.Took(start)),
	)
	return nil
}

func listMigrationFiles(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names
}

func parseVersion(name string) uint64 {
	prefix, _, _ := strings.Cut(name, "_")
	v, _ := strconv.ParseUint(prefix, 10, 64)
	return v
}

// selectApplied returns the files with a version in (from, to].
func selectApplied(files []string, from, to uint64) []string {
	var out []string
	for _, f := range files {
		if v := parseVersion(f); v > from && v <= to {
			out = append(out, f)
		}
	}
	return out
}

func preview(items []string, limit int) string {
	if len(items) <= limit {
		return strings.Join(items, ",")
	}
	return strings.Join(items[:limit], ",") + ",..."
}
