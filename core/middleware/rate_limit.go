package middleware

import (
	"log/slog"
	"sync"
	"time"

	"github.com/m3rciful/convobot/core/commands"
	"github.com/m3rciful/convobot/core/logger"
)

// RateLimitOptions configures the per-user inbound throttle.
type RateLimitOptions struct {
	Interval  time.Duration
	OnLimited commands.HandlerFunc
	Now       func() time.Time
}

// RateLimit drops handler runs from a user that arrive closer than Interval
// to the previous accepted one.
func RateLimit(opts RateLimitOptions) commands.MiddlewareFunc {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	var (
		mu       sync.Mutex
		lastSeen = make(map[int64]time.Time)
	)
	return func(next commands.HandlerFunc) commands.HandlerFunc {
		return func(c *commands.Context) error {
			userID := c.Update().UserID()
			if userID == 0 || opts.Interval <= 0 {
				return next(c)
			}
			now := opts.Now()

			mu.Lock()
			last, ok := lastSeen[userID]
			limited := ok && now.Sub(last) < opts.Interval
			if !limited {
				lastSeen[userID] = now
			}
			mu.Unlock()

			if !limited {
				return next(c)
			}
			logger.Warn(c.Context(), "conversation", "rate_limit",
				slog.String("status", "rate_limited"),
				slog.Int64("user_id", userID),
			)
			if opts.OnLimited != nil {
				return opts.OnLimited(c)
			}
			return nil
		}
	}
}
