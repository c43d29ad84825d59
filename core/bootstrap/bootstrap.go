// Package bootstrap turns a loaded configuration into a ready core: logger,
// storage backends, registry, conversation engine, and dispatcher.
package bootstrap

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/m3rciful/convobot/core/commands"
	"github.com/m3rciful/convobot/core/config"
	"github.com/m3rciful/convobot/core/conversation"
	"github.com/m3rciful/convobot/core/database"
	"github.com/m3rciful/convobot/core/database/mongostore"
	"github.com/m3rciful/convobot/core/dedup"
	"github.com/m3rciful/convobot/core/dispatch"
	"github.com/m3rciful/convobot/core/logger"
	"github.com/m3rciful/convobot/core/middleware"
	"github.com/m3rciful/convobot/core/registry"
	"github.com/m3rciful/convobot/core/session"
)

const rateLimitedText = "Too many requests, please slow down."

// Options control the bootstrap pipeline. Nil hooks use the core defaults.
type Options struct {
	Config  *config.Config
	Modules []Module

	LoggerInit func(*config.Config) error
	Connect    func(context.Context, config.DatabaseConfig) (*sqlx.DB, error)
	Migrate    func(context.Context, config.DatabaseConfig) error
	// Lease claims single ownership of the bot on shared storage.
	Lease func(context.Context, *config.Config, *Result) (Lease, error)

	Engine   conversation.Options
	Dispatch dispatch.Options
}

// Result exposes the assembled core.
type Result struct {
	DB         *sqlx.DB
	Sessions   session.Store
	Dedup      dedup.Deduplicator
	Registry   *registry.Registry
	Engine     *conversation.Engine
	Dispatcher *dispatch.Dispatcher

	lease   Lease
	closers []func(context.Context) error
}

// Lease is exclusive ownership of one bot across processes. Outbound rate
// limits and per-recipient ordering are enforced in process, so only the
// owner may serve the bot.
type Lease interface {
	Lost() <-chan struct{}
	Release(ctx context.Context) error
}

// ErrAnotherInstance is returned when a different process owns the bot.
var ErrAnotherInstance = errors.New("bootstrap: another instance serves this bot")

// Lost is closed when ownership was lost. It is nil, and never fires, for
// process-local storage.
func (r *Result) Lost() <-chan struct{} {
	if r.lease == nil {
		return nil
	}
	return r.lease.Lost()
}

// Close releases storage connections.
func (r *Result) Close(ctx context.Context) error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i](ctx))
	}
	return errors.Join(errs...)
}

// Run initializes the logger, opens the configured backends, and registers modules.
func Run(ctx context.Context, opts Options) (*Result, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: nil config provided")
	}

	loggerInit := opts.LoggerInit
	if loggerInit == nil {
		loggerInit = logger.InitLogger
	}
	if err := loggerInit(cfg); err != nil {
		return nil, fmt.Errorf("bootstrap: logger init failed: %w", err)
	}

	res := &Result{}
	if err := res.openStorage(ctx, cfg, opts); err != nil {
		_ = res.Close(context.WithoutCancel(ctx))
		return nil, err
	}

	acquire := opts.Lease
	if acquire == nil {
		acquire = acquireLease
	}
	lease, err := acquire(ctx, cfg, res)
	if err != nil {
		_ = res.Close(context.WithoutCancel(ctx))
		if errors.Is(err, database.ErrLeaseHeld) || errors.Is(err, mongostore.ErrLeaseHeld) {
			return nil, fmt.Errorf("%w: %w", ErrAnotherInstance, err)
		}
		return nil, fmt.Errorf("bootstrap: lease failed: %w", err)
	}
	if lease != nil {
		res.lease = lease
		res.closers = append(res.closers, lease.Release)
	}

	engineOpts := opts.Engine
	if gap := time.Duration(cfg.Telegram.RateLimitMS) * time.Millisecond; gap > 0 {
		engineOpts.Middlewares = append(engineOpts.Middlewares, middleware.RateLimit(middleware.RateLimitOptions{
			Interval: gap,
			OnLimited: func(c *commands.Context) error {
				c.Reply(rateLimitedText)
				return nil
			},
		}))
	}

	res.Registry = registry.New(nil)
	res.Engine = conversation.NewEngine(res.Sessions, res.Registry, engineOpts)
	for _, m := range opts.Modules {
		if err := m.Register(res.Engine); err != nil {
			_ = res.Close(context.WithoutCancel(ctx))
			return nil, fmt.Errorf("bootstrap: module registration failed: %w", err)
		}
	}
	res.Dispatcher = dispatch.New(res.Dedup, res.Engine, opts.Dispatch)

	logger.Info(ctx, "app", "bootstrap",
		slog.String("session_backend", cfg.Session.Backend),
		slog.String("dedup_backend", cfg.Dedup.Backend),
		slog.String("dedup_mode", cfg.Dedup.Mode),
		slog.Int("commands", len(res.Registry.ListCommands(false))),
		slog.Any("callbacks", res.Registry.ListCallbacks()),
	)
	return res, nil
}

func (r *Result) openStorage(ctx context.Context, cfg *config.Config, opts Options) error {
	if cfg.NeedsPostgres() {
		migrate := opts.Migrate
		if migrate == nil {
			migrate = database.RunMigrations
		}
		if err := migrate(ctx, cfg.Database); err != nil {
			return fmt.Errorf("bootstrap: migrations failed: %w", err)
		}
		connect := opts.Connect
		if connect == nil {
			connect = database.Connect
		}
		db, err := connect(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("bootstrap: database initialization failed: %w", err)
		}
		r.DB = db
		r.closers = append(r.closers, func(context.Context) error { return db.Close() })
	}

	mode, err := dedup.ParseMode(cfg.Dedup.Mode)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	switch cfg.Dedup.Backend {
	case config.BackendPostgres:
		r.Dedup = database.NewDeduplicator(r.DB, mode, cfg.Dedup.Window)
	default:
		r.Dedup = dedup.NewMemory(mode, cfg.Dedup.Window)
	}

	ttl := cfg.Session.TTL()
	switch cfg.Session.Backend {
	case config.BackendPostgres:
		r.Sessions = database.NewSessionStore(r.DB, ttl)
	case config.BackendMongo:
		store, err := mongostore.Connect(ctx, cfg.Mongo, ttl)
		if err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
		if err := store.EnsureIndexes(ctx); err != nil {
			logger.Warn(ctx, "db", "mongo.index", logger.Err(err))
		}
		r.Sessions = store
		r.closers = append(r.closers, store.Close)
	default:
		r.Sessions = session.NewMemoryStore(ttl)
	}
	return nil
}

// LeaseName identifies the bot across processes without exposing its token.
func LeaseName(cfg *config.Config) string {
	if cfg.Telegram.BotID != 0 {
		return fmt.Sprintf("convobot:bot:%d", cfg.Telegram.BotID)
	}
	sum := sha256.Sum256([]byte(cfg.Telegram.Token))
	return "convobot:token:" + hex.EncodeToString(sum[:8])
}

// acquireLease claims the bot on whichever shared store is configured. With
// only in-process storage there is nothing to share and no lease.
func acquireLease(ctx context.Context, cfg *config.Config, r *Result) (Lease, error) {
	name := LeaseName(cfg)
	if r.DB != nil {
		return database.AcquireLease(ctx, r.DB, name)
	}
	if store, ok := r.Sessions.(*mongostore.Store); ok {
		return store.AcquireLease(ctx, name, 30*time.Second)
	}
	return nil, nil
}

// Sweeper is implemented by durable stores that can purge idle sessions.
type Sweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

// StartSweeper purges expired sessions every interval until ctx is done.
// Expiry is enforced on read either way; sweeping only reclaims storage.
func (r *Result) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	switch s := r.Sessions.(type) {
	case *session.MemoryStore:
		s.StartSweeper(ctx, interval)
	case Sweeper:
		go func() {
			t := time.NewTicker(interval)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					n, err := s.Sweep(ctx)
					logger.Debug(ctx, "session", "sweep",
						slog.String("status", logger.Status(err)),
						slog.Int64("count", n),
						logger.Err(err),
					)
				}
			}
		}()
	}
}
