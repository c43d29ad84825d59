package mongostore

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/m3rciful/convobot/core/config"
	"github.com/m3rciful/convobot/core/session"
)

// Needs a disposable MongoDB; set CONVOBOT_TEST_MONGO_URI to run.
func TestStoreVersioning(t *testing.T) {
	uri := os.Getenv("CONVOBOT_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("CONVOBOT_TEST_MONGO_URI not set")
	}
	ctx := context.Background()
	store, err := Connect(ctx, config.MongoConfig{URI: uri, Database: "convobot_test", Collection: "sessions"}, time.Hour)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer store.Close(ctx)

	key := session.Key{BotID: 1, UserID: time.Now().UnixNano(), ChatID: -100}
	defer store.Delete(ctx, key)

	s, err := store.Get(ctx, key)
	if err != nil || s.Version != 0 {
		t.Fatalf("Get(absent) = %+v, %v", s, err)
	}
	s.State = "awaiting_quantity"
	s.Data.Set("product", "Widget")
	if err := store.Put(ctx, key, s, 0); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := store.Put(ctx, key, s, 0); !errors.Is(err, session.ErrConflict) {
		t.Fatalf("duplicate insert = %v, want ErrConflict", err)
	}
	if err := store.Put(ctx, key, s, 1); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := store.Put(ctx, key, s, 1); !errors.Is(err, session.ErrConflict) {
		t.Fatalf("stale update = %v, want ErrConflict", err)
	}
	got, err := store.Get(ctx, key)
	if err != nil || got.Version != 2 || got.Data.String("product") != "Widget" {
		t.Fatalf("Get = %+v, %v", got, err)
	}
}

func TestLeaseExcludesSecondOwner(t *testing.T) {
	uri := os.Getenv("CONVOBOT_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("CONVOBOT_TEST_MONGO_URI not set")
	}
	ctx := context.Background()
	cfg := config.MongoConfig{URI: uri, Database: "convobot_test", Collection: "sessions"}
	a, err := Connect(ctx, cfg, time.Hour)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer a.Close(ctx)
	b, err := Connect(ctx, cfg, time.Hour)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer b.Close(ctx)

	name := "convobot:test:" + time.Now().Format(time.RFC3339Nano)
	first, err := a.AcquireLease(ctx, name, time.Minute)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if _, err := b.AcquireLease(ctx, name, time.Minute); !errors.Is(err, ErrLeaseHeld) {
		t.Fatalf("second acquire = %v, want ErrLeaseHeld", err)
	}
	if err := first.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	second, err := b.AcquireLease(ctx, name, time.Minute)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	_ = second.Release(ctx)
}

func TestLeaseTakesOverExpired(t *testing.T) {
	uri := os.Getenv("CONVOBOT_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("CONVOBOT_TEST_MONGO_URI not set")
	}
	ctx := context.Background()
	store, err := Connect(ctx, config.MongoConfig{URI: uri, Database: "convobot_test", Collection: "sessions"}, time.Hour)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer store.Close(ctx)

	name := "convobot:test:" + time.Now().Format(time.RFC3339Nano)
	stale, err := store.AcquireLease(ctx, name, time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	stale.stopOnce.Do(func() { close(stale.stop) })
	<-stale.done

	store.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	fresh, err := store.AcquireLease(ctx, name, time.Minute)
	if err != nil {
		t.Fatalf("takeover of expired lease: %v", err)
	}
	_ = fresh.Release(ctx)
}
