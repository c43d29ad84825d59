package middleware

import (
	"errors"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/m3rciful/convobot/core/commands"
	"github.com/m3rciful/convobot/core/logger"
)

// Logger writes one summary line per handler run.
func Logger(component string) commands.MiddlewareFunc {
	return func(next commands.HandlerFunc) commands.HandlerFunc {
		return func(c *commands.Context) error {
			start := time.Now()
			name := HandlerName(c.Command())
			c.SetContext(logger.WithHandler(c.Context(), name))

			err := next(c)

			attrs := []slog.Attr{
				slog.String("status", logger.Status(err)),
				slog.Int("actions", len(c.Actions())),
				slog.Duration("duration", logger.Took(start)),
			}
			level := slog.LevelInfo
			if err != nil {
				level = slog.LevelWarn
				attrs = append(attrs,
					slog.String("err", logger.SanitizeLimit(err.Error(), 256)),
					slog.String("err_code", ErrorCode(err)),
				)
			}
			logger.Event(c.Context(), component, level, "handler.handled", attrs...)
			return err
		}
	}
}

// HandlerName normalizes a command or callback key for log fields.
func HandlerName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "unknown"
	}
	name = strings.TrimPrefix(name, "/")
	return strings.ToLower(strings.ReplaceAll(name, " ", "_"))
}

// ErrorCode derives a stable upper-case code from the error type.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var pe *PanicError
	if errors.As(err, &pe) {
		return "HANDLER_PANIC"
	}
	type coder interface{ Code() string }
	if c, ok := err.(coder); ok {
		if code := strings.TrimSpace(c.Code()); code != "" {
			return strings.ToUpper(strings.ReplaceAll(code, " ", "_"))
		}
	}
	t := reflect.TypeOf(err)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t != nil && t.Name() != "" {
		return strings.ToUpper(t.Name())
	}
	return "UNKNOWN_ERROR"
}
