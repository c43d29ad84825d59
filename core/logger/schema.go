package logger

import "strings"

var levelNames = map[string]string{
	"debug":   "DEBUG",
	"info":    "INFO",
	"warn":    "WARN",
	"warning": "WARN",
	"error":   "ERROR",
}

// statusAliases folds the spellings used across components into one vocabulary.
var statusAliases = map[string]string{
	"ok":        "ok",
	"success":   "ok",
	"fail":      "fail",
	"error":     "fail",
	"skip":      "skip",
	"duplicate": "skip",
	"retry":     "retry",
	"conflict":  "retry",
	"throttled": "rate_limited",
	"cancelled": "cancelled",
	"dropped":   "dropped",
}

func normalizeLevel(level string) string {
	if level == "" {
		return "INFO"
	}
	if mapped, ok := levelNames[strings.ToLower(level)]; ok {
		return mapped
	}
	return strings.ToUpper(level)
}

func normalizeStatus(status string) string {
	status = strings.ToLower(strings.TrimSpace(status))
	if mapped, ok := statusAliases[status]; ok {
		return mapped
	}
	return status
}

var defaultKeyOrder = []string{
	"ts",
	"level",
	"component",
	"event",
	"status",
	"rid",
	"rid_full",
	"ts_unix_nano",
	"bot_id",
	"update_id",
	"user_id",
	"chat_id",
	"kind",
	"handler",
	"command",
	"wizard",
	"state",
	"next_state",
	"version",
	"attempt",
	"recipient",
	"action_id",
	"priority",
	"attempts",
	"retry_after_ms",
	"wait_ms",
	"duration_ms",
	"actions",
	"mode",
	"backend",
	"listen",
	"db",
	"host",
	"err",
	"cause",
	"panic",
	"stack",
}
