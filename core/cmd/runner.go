// Package cmd is the process runner shared by bots built on the core.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/m3rciful/convobot/core/bootstrap"
	"github.com/m3rciful/convobot/core/config"
	"github.com/m3rciful/convobot/core/httpapi"
	"github.com/m3rciful/convobot/core/logger"
	"github.com/m3rciful/convobot/core/outbound"
	"github.com/m3rciful/convobot/core/telegram"
)

// Options describe how to load configuration, bootstrap the core, and run the bot.
type Options struct {
	ConfigEnvVar      string
	DefaultConfigPath string

	Modules []bootstrap.Module
	// Bootstrap overrides the bootstrap options derived from config.
	Bootstrap func(*bootstrap.Options)

	LoadConfig     func(path string) (*config.Config, error)
	ShutdownLogger func() error
	RunTelegram    func(ctx context.Context, opts telegram.RunOptions) error
}

// Run loads configuration, bootstraps the core, and runs the bot until SIGINT or SIGTERM.
func Run(opts Options) error {
	env := opts.ConfigEnvVar
	if env == "" {
		env = "CONFIG_PATH"
	}
	cfgPath := os.Getenv(env)
	if cfgPath == "" {
		cfgPath = opts.DefaultConfigPath
	}
	if cfgPath == "" {
		return fmt.Errorf("cmd: config path not provided via %s or DefaultConfigPath", env)
	}

	load := opts.LoadConfig
	if load == nil {
		load = config.Load
	}
	log.Printf("loading config: %s", cfgPath)
	cfg, err := load(cfgPath)
	if err != nil {
		return fmt.Errorf("cmd: failed to load config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	startedAt := time.Now()
	bopts := bootstrap.Options{Config: cfg, Modules: opts.Modules}
	if opts.Bootstrap != nil {
		opts.Bootstrap(&bopts)
	}
	core, err := bootstrap.Run(ctx, bopts)
	if err != nil {
		return fmt.Errorf("cmd: bootstrap failed: %w", err)
	}

	shutdownLogger := opts.ShutdownLogger
	if shutdownLogger == nil {
		shutdownLogger = logger.Shutdown
	}
	defer func() {
		if err := shutdownLogger(); err != nil {
			log.Printf("logger shutdown error: %v", err)
		}
	}()
	defer func() {
		if err := core.Close(context.Background()); err != nil {
			logger.Warn(ctx, "app", "close", logger.Err(err))
		}
	}()

	ctx, stop := context.WithCancel(ctx)
	defer stop()
	lost := make(chan struct{})
	go func() {
		select {
		case <-core.Lost():
			logger.Error(ctx, "app", "lease.lost", slog.String("status", "fail"))
			close(lost)
			stop()
		case <-ctx.Done():
		}
	}()

	core.StartSweeper(ctx, cfg.Session.SweepInterval())

	run := opts.RunTelegram
	if run == nil {
		run = telegram.Run
	}
	err = run(ctx, telegram.RunOptions{
		Config:   cfg,
		Handler:  core.Dispatcher,
		Registry: core.Registry,
		Queue:    QueueOptions(cfg.Outbound),
		OnStart: func(ctx context.Context, rt telegram.Runtime) error {
			if cfg.HTTP.Listen != "" {
				api := httpapi.New(httpapi.Deps{
					Dispatch: core.Dispatcher.Stats,
					Outbound: rt.Queue.Stats,
					Sessions: core.Sessions,
				})
				go func() {
					if err := api.ListenAndServe(ctx, cfg.HTTP.Listen); err != nil {
						logger.Error(ctx, "http", "serve", logger.Err(err))
					}
				}()
			}
			logger.Info(ctx, "app", "ready",
				slog.Int64("bot_id", rt.BotID),
				slog.Duration("startup_duration", logger.Took(startedAt)),
			)
			return nil
		},
		OnStop: func(ctx context.Context, rt telegram.Runtime) error {
			logger.Info(ctx, "app", "shutdown")
			return nil
		},
	})
	select {
	case <-lost:
		return errors.Join(err, fmt.Errorf("cmd: %w", ErrOwnershipLost))
	default:
		return err
	}
}

// ErrOwnershipLost is returned when another process took the bot over while running.
var ErrOwnershipLost = errors.New("bot ownership lost")

// QueueOptions maps the outbound config section onto queue options.
func QueueOptions(c config.OutboundConfig) outbound.Options {
	return outbound.Options{
		GlobalPerSecond:    c.GlobalPerSecond,
		GlobalBurst:        c.GlobalBurst,
		RecipientPerSecond: c.PerRecipientPerSecond,
		RecipientBurst:     c.PerRecipientBurst,
		QueueSize:          c.QueueSize,
		Workers:            c.Workers,
		MaxAttempts:        c.MaxAttempts,
		RetryBackoff:       time.Duration(c.RetryBackoffMS) * time.Millisecond,
	}
}
