package telegram

import (
	"fmt"
	"time"

	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/convobot/core/config"
)

const defaultLongPollTimeout = 10 * time.Second

// BuildPoller returns the webhook or long-poll poller selected by cfg,
// wrapped so that every update goes through filter.
func BuildPoller(cfg *config.Config, filter func(*tele.Update) bool) tele.Poller {
	var inner tele.Poller
	if cfg.Telegram.RunMode == config.RunModeWebhook {
		inner = &tele.Webhook{
			Listen:   fmt.Sprintf("%s:%d", cfg.Webhook.Listen, cfg.Webhook.Port),
			Endpoint: &tele.WebhookEndpoint{PublicURL: cfg.Webhook.URL},
		}
	} else {
		inner = &tele.LongPoller{Timeout: longPollTimeout(cfg)}
	}
	return tele.NewMiddlewarePoller(inner, filter)
}

func longPollTimeout(cfg *config.Config) time.Duration {
	if s := cfg.Telegram.LongPollTimeoutSeconds; s > 0 {
		return time.Duration(s) * time.Second
	}
	return defaultLongPollTimeout
}
