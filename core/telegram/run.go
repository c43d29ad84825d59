package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/convobot/core/config"
	"github.com/m3rciful/convobot/core/logger"
	"github.com/m3rciful/convobot/core/outbound"
	"github.com/m3rciful/convobot/core/registry"
	"github.com/m3rciful/convobot/core/update"
)

// RunOptions controls Run.
type RunOptions struct {
	Config   *config.Config
	Handler  Handler
	Registry *registry.Registry
	Queue    outbound.Options

	// OnStart runs after the bot is built and before polling starts.
	OnStart func(ctx context.Context, rt Runtime) error
	// OnStop runs after polling stopped and before the queue drains.
	OnStop func(ctx context.Context, rt Runtime) error
}

// Runtime exposes the live components to lifecycle hooks.
type Runtime struct {
	Bot    *tele.Bot
	BotID  int64
	Queue  *outbound.Queue
	Admins *Admins
}

// Run builds the bot, wires intake, admin checks, and the outbound queue, and
// blocks until ctx is done.
func Run(ctx context.Context, opts RunOptions) error {
	cfg := opts.Config
	if cfg == nil {
		return fmt.Errorf("telegram: nil config provided")
	}
	if opts.Handler == nil {
		return fmt.Errorf("telegram: nil handler")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var admins *Admins
	intake := NewIntake(runCtx, opts.Handler, nil, IntakeOptions{
		MaxConcurrent: cfg.Telegram.MaxConcurrentUpdates,
		Retries:       3,
		Observe: func(u *update.Update) {
			if u.Kind == update.KindChatMember && u.Chat != nil && admins != nil {
				admins.Forget(u.Chat.ID)
			}
		},
	})

	start := time.Now()
	bot, err := tele.NewBot(tele.Settings{
		Token:  cfg.Telegram.Token,
		Poller: BuildPoller(cfg, intake.Filter),
		Client: BuildHTTPClient(),
	})
	if err != nil {
		return fmt.Errorf("telegram: bot initialization failed: %s", outbound.RedactToken(err.Error()))
	}
	botID := cfg.Telegram.BotID
	if botID == 0 && bot.Me != nil {
		botID = bot.Me.ID
	}
	var username string
	if bot.Me != nil {
		username = bot.Me.Username
	}
	intake.SetBot(botID, username)

	admins = NewAdmins(bot, cfg.Telegram.AdminIDs, 5*time.Minute)
	if opts.Registry != nil {
		opts.Registry.SetAdminChecker(admins)
	}

	queue := outbound.NewQueue(NewDeliverer(bot), opts.Queue)
	intake.out = queue
	rt := Runtime{Bot: bot, BotID: botID, Queue: queue, Admins: admins}

	logger.Info(ctx, "tg", "mode",
		slog.String("mode", cfg.Telegram.RunMode),
		slog.Int64("bot_id", botID),
		slog.Duration("duration", logger.Took(start)),
	)
	if cfg.Telegram.RunMode == config.RunModeLongpoll {
		if err := bot.RemoveWebhook(false); err != nil {
			logger.Warn(ctx, "tg", "delete_webhook", logger.Err(fmt.Errorf("%s", outbound.RedactToken(err.Error()))))
		}
	}
	if opts.Registry != nil {
		PublishCommands(ctx, bot, opts.Registry)
	}

	if opts.OnStart != nil {
		if err := opts.OnStart(ctx, rt); err != nil {
			return err
		}
	}

	queueDone := make(chan error, 1)
	go func() { queueDone <- queue.Run(runCtx) }()

	pollDone := make(chan struct{})
	go func() {
		bot.Start()
		close(pollDone)
	}()

	select {
	case <-ctx.Done():
		bot.Stop()
		<-pollDone
	case <-pollDone:
	}
	intake.Wait()

	var stopErr error
	if opts.OnStop != nil {
		stopErr = opts.OnStop(context.WithoutCancel(ctx), rt)
	}

	queue.Close()
	drain(queue, 5*time.Second)
	cancel()
	queueErr := <-queueDone

	logger.Info(ctx, "tg", "stopped", slog.Any("stats", queue.Stats()))
	if stopErr != nil {
		return stopErr
	}
	if queueErr != nil && !errors.Is(queueErr, context.Canceled) {
		return queueErr
	}
	return nil
}

// drain waits until the queue has nothing pending or in flight, or timeout passes.
func drain(q *outbound.Queue, timeout time.Duration) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		if st := q.Stats(); st.Pending == 0 && st.InFlight == 0 {
			return
		}
		select {
		case <-deadline.C:
			return
		case <-tick.C:
		}
	}
}
