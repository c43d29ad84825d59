package logger

import (
	"log/slog"
	"time"
)

// Status maps err to the status attribute value.
func Status(err error) string {
	if err != nil {
		return "fail"
	}
	return "ok"
}

// Took returns rounded duration since start for compact logging.
func Took(start time.Time) time.Duration {
	return RoundMS(time.Since(start))
}

// RoundMS rounds duration to the nearest millisecond.
func RoundMS(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return d.Round(time.Millisecond)
}

// Err is a shorthand for the err attribute; nil errors produce an empty attr that is pruned.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.String("err", "")
	}
	return slog.String("err", err.Error())
}
