package database

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/m3rciful/convobot/core/config"
	"github.com/m3rciful/convobot/core/dedup"
	"github.com/m3rciful/convobot/core/session"
)

func TestURLEscapesCredentials(t *testing.T) {
	got := URL(config.DatabaseConfig{User: "bot", Password: "p@ss word", Host: "db", Name: "convo", SSLMode: "disable"})
	want := "postgres://bot:p%40ss%20word@db:5432/convo?sslmode=disable"
	if got != want {
		t.Fatalf("URL() = %q, want %q", got, want)
	}
}

func TestSelectApplied(t *testing.T) {
	files := []string{"000001_create_sessions.up.sql", "000002_create_processed_updates.up.sql", "000003_x.up.sql"}
	got := selectApplied(files, 1, 2)
	if len(got) != 1 || got[0] != files[1] {
		t.Fatalf("selectApplied = %v", got)
	}
	if p := preview(files, 2); !strings.HasSuffix(p, ",...") {
		t.Fatalf("preview = %q", p)
	}
}

func TestListMigrationFiles(t *testing.T) {
	files := listMigrationFiles("../../migrations")
	if len(files) < 2 || files[0] != "000001_create_sessions.up.sql" {
		t.Fatalf("migrations = %v", files)
	}
}

// Tests below need a disposable PostgreSQL; set CONVOBOT_TEST_DB_HOST to run them.
func testConfig(t *testing.T) config.DatabaseConfig {
	t.Helper()
	host := os.Getenv("CONVOBOT_TEST_DB_HOST")
	if host == "" {
		t.Skip("CONVOBOT_TEST_DB_HOST not set")
	}
	return config.DatabaseConfig{
		Host:           host,
		Port:           os.Getenv("CONVOBOT_TEST_DB_PORT"),
		User:           envOr("CONVOBOT_TEST_DB_USER", "postgres"),
		Password:       os.Getenv("CONVOBOT_TEST_DB_PASSWORD"),
		Name:           envOr("CONVOBOT_TEST_DB_NAME", "postgres"),
		SSLMode:        "disable",
		MaxConnections: 4,
		MigrationsDir:  "../../migrations",
	}
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func TestSessionStoreVersioning(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()
	if err := RunMigrations(ctx, cfg); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	db, err := Connect(ctx, cfg)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer db.Close()

	store := NewSessionStore(db, time.Hour)
	key := session.Key{BotID: 1, UserID: time.Now().UnixNano()}
	defer store.Delete(ctx, key)

	s, err := store.Get(ctx, key)
	if err != nil || !s.IsIdle() || s.Version != 0 {
		t.Fatalf("Get(absent) = %+v, %v", s, err)
	}
	s.State = "awaiting_product"
	if err := store.Put(ctx, key, s, 0); err != nil {
		t.Fatalf("first put: %v", err)
	}
	if err := store.Put(ctx, key, s, 0); !errors.Is(err, session.ErrConflict) {
		t.Fatalf("stale put = %v, want ErrConflict", err)
	}
	got, err := store.Get(ctx, key)
	if err != nil || got.Version != 1 || got.State != "awaiting_product" {
		t.Fatalf("Get = %+v, %v", got, err)
	}
	got.Data.Set("product", "Widget")
	if err := store.Put(ctx, key, got, 1); err != nil {
		t.Fatalf("second put: %v", err)
	}
	if got.Version != 2 {
		t.Fatalf("version = %d, want 2", got.Version)
	}

	store.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if s, _ := store.Get(ctx, key); !s.IsIdle() || s.Version != 2 {
		t.Fatalf("expired Get = %+v, want fresh idle at version 2", s)
	}
}

func TestDeduplicatorWindow(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()
	if err := RunMigrations(ctx, cfg); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	db, err := Connect(ctx, cfg)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer db.Close()

	bot := time.Now().UnixNano()
	d := NewDeduplicator(db, dedup.ModeWindow, 2)
	for _, id := range []int64{10, 12, 11} {
		if err := d.Record(ctx, bot, id); err != nil {
			t.Fatalf("record %d: %v", id, err)
		}
	}
	for _, id := range []int64{10, 11, 12} {
		if seen, err := d.Seen(ctx, bot, id); err != nil || !seen {
			t.Fatalf("Seen(%d) = %v, %v", id, seen, err)
		}
	}
	if seen, _ := d.Seen(ctx, bot, 13); seen {
		t.Fatal("Seen(13) = true, want false")
	}
}

func TestLeaseKeyIsStable(t *testing.T) {
	if LeaseKey("convobot:bot:42") != LeaseKey("convobot:bot:42") {
		t.Fatal("LeaseKey not deterministic")
	}
	if LeaseKey("convobot:bot:42") == LeaseKey("convobot:bot:43") {
		t.Fatal("distinct names share a key")
	}
}

func TestLeaseExcludesSecondOwner(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()
	db1, err := Connect(ctx, cfg)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer db1.Close()
	db2, err := Connect(ctx, cfg)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer db2.Close()

	name := "convobot:test:" + time.Now().Format(time.RFC3339Nano)
	first, err := AcquireLease(ctx, db1, name)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if _, err := AcquireLease(ctx, db2, name); !errors.Is(err, ErrLeaseHeld) {
		t.Fatalf("second acquire = %v, want ErrLeaseHeld", err)
	}
	if err := first.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	second, err := AcquireLease(ctx, db2, name)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	_ = second.Release(ctx)
}
