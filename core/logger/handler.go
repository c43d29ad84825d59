package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

type logFormat string

const (
	formatJSON logFormat = "json"
	formatKV   logFormat = "kv"

	timeFormatMillis = "2006-01-02T15:04:05.000Z07:00"
)

type handlerConfig struct {
	level    slog.Leveler
	writer   *asyncWriter
	format   logFormat
	keyOrder []string
}

// structuredHandler renders records as one line of ordered fields.
type structuredHandler struct {
	cfg    handlerConfig
	attrs  []slog.Attr
	groups []string
}

func newStructuredHandler(cfg handlerConfig) *structuredHandler {
	if cfg.level == nil {
		cfg.level = slog.LevelInfo
	}
	if cfg.keyOrder == nil {
		cfg.keyOrder = append([]string(nil), defaultKeyOrder...)
	}
	return &structuredHandler{cfg: cfg}
}

func (h *structuredHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.cfg.level.Level()
}

func (h *structuredHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.cfg.writer == nil {
		return fmt.Errorf("logger: writer not initialized")
	}

	fields := make(map[string]any, 16)
	ts := r.Time.UTC()
	fields["ts"] = ts.Truncate(time.Millisecond).Format(timeFormatMillis)
	fields["level"] = normalizeLevel(r.Level.String())
	if h.cfg.format == formatJSON {
		fields["ts_unix_nano"] = ts.UnixNano()
	}

	for _, a := range h.attrs {
		h.collectAttr(fields, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		h.collectAttr(fields, a)
		return true
	})
	addContextFields(ctx, fields)
	h.compactRID(fields)

	if event, _ := stringField(fields, "event"); event == "" {
		fields["event"] = r.Message
		if r.Message == "" {
			fields["event"] = "unknown"
		}
	}
	if component, _ := stringField(fields, "component"); component == "" {
		fields["component"] = "app"
	}

	if s, ok := stringField(fields, "status"); ok && s != "" {
		fields["status"] = normalizeStatus(s)
	}
	pruneEmpty(fields)

	var line []byte
	var err error
	if h.cfg.format == formatJSON {
		line, err = formatJSONLine(fields, h.cfg.keyOrder)
	} else {
		line = formatKVLine(fields, h.cfg.keyOrder)
	}
	if err != nil {
		return err
	}
	return h.cfg.writer.Write(append(line, '\n'))
}

func (h *structuredHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &clone
}

func (h *structuredHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.groups = append(append([]string(nil), h.groups...), name)
	return &clone
}

// compactRID shortens rid for humans; JSON output keeps the raw value in rid_full.
func (h *structuredHandler) compactRID(fields map[string]any) {
	rid, ok := stringField(fields, "rid")
	if !ok || rid == "" {
		return
	}
	compact := CompactRID(rid)
	if compact == rid {
		return
	}
	if h.cfg.format == formatJSON {
		if _, seen := fields["rid_full"]; !seen {
			fields["rid_full"] = rid
		}
	}
	fields["rid"] = compact
}

func (h *structuredHandler) collectAttr(fields map[string]any, attr slog.Attr) {
	flattenAttr(strings.Join(h.groups, "."), attr, func(k string, v slog.Value) {
		if key, val, ok := normalizeAttr(k, v); ok {
			fields[key] = val
		}
	})
}

func flattenAttr(prefix string, attr slog.Attr, fn func(string, slog.Value)) {
	key := attr.Key
	switch {
	case key == "":
		key = prefix
	case prefix != "":
		key = prefix + "." + key
	}
	if attr.Value.Kind() == slog.KindGroup {
		for _, child := range attr.Value.Group() {
			flattenAttr(key, child, fn)
		}
		return
	}
	fn(key, attr.Value)
}

// durationKey renames duration attributes so their unit is visible in the key.
func durationKey(key string) string {
	switch {
	case key == "duration":
		return "duration_ms"
	case strings.HasSuffix(key, "_ms"):
		return key
	default:
		return key + "_ms"
	}
}

func normalizeAttr(key string, val slog.Value) (string, any, bool) {
	if key == "" {
		return "", nil, false
	}
	val = val.Resolve()
	switch val.Kind() {
	case slog.KindString:
		return key, strings.TrimSpace(val.String()), true
	case slog.KindBool:
		return key, val.Bool(), true
	case slog.KindInt64:
		return key, val.Int64(), true
	case slog.KindUint64:
		if u := val.Uint64(); u <= math.MaxInt64 {
			return key, int64(u), true
		}
		return key, val.Uint64(), true
	case slog.KindFloat64:
		return key, val.Float64(), true
	case slog.KindDuration:
		return durationKey(key), RoundMS(val.Duration()).Milliseconds(), true
	case slog.KindTime:
		return key, val.Time().UTC().Format(time.RFC3339Nano), true
	}
	switch x := val.Any().(type) {
	case nil:
		return key, nil, false
	case error:
		return key, x.Error(), true
	case time.Duration:
		return durationKey(key), RoundMS(x).Milliseconds(), true
	case fmt.Stringer:
		return key, x.String(), true
	default:
		return key, fmt.Sprint(x), true
	}
}

func pruneEmpty(fields map[string]any) {
	for k, v := range fields {
		switch val := v.(type) {
		case nil:
			delete(fields, k)
		case string:
			if val == "" {
				delete(fields, k)
			}
		}
	}
}

func formatJSONLine(fields map[string]any, order []string) ([]byte, error) {
	var b strings.Builder
	b.WriteByte('{')
	for i, key := range orderedKeys(fields, order) {
		data, err := json.Marshal(fields[key])
		if err != nil {
			return nil, err
		}
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Quote(key))
		b.WriteByte(':')
		b.Write(data)
	}
	b.WriteByte('}')
	return []byte(b.String()), nil
}

func formatKVLine(fields map[string]any, order []string) []byte {
	var b strings.Builder
	for i, key := range orderedKeys(fields, order) {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(formatValueKV(fields[key]))
	}
	return []byte(b.String())
}

// orderedKeys lists keys from order first, then the rest alphabetically.
func orderedKeys(fields map[string]any, order []string) []string {
	keys := make([]string, 0, len(fields))
	seen := make(map[string]struct{}, len(fields))
	for _, key := range order {
		if _, ok := fields[key]; ok {
			keys = append(keys, key)
			seen[key] = struct{}{}
		}
	}
	rest := make([]string, 0, len(fields)-len(keys))
	for key := range fields {
		if _, ok := seen[key]; !ok {
			rest = append(rest, key)
		}
	}
	sort.Strings(rest)
	return append(keys, rest...)
}

func formatValueKV(val any) string {
	var s string
	switch v := val.(type) {
	case string:
		s = v
	case bool:
		return strconv.FormatBool(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		s = fmt.Sprint(v)
	}
	if strings.IndexFunc(s, needsQuote) >= 0 {
		return strconv.Quote(s)
	}
	return s
}

func needsQuote(r rune) bool {
	return r <= ' ' || r == '=' || r == '"'
}

func stringField(fields map[string]any, key string) (string, bool) {
	v, ok := fields[key]
	if !ok {
		return "", false
	}
	if s, ok := v.(string); ok {
		return s, true
	}
	return fmt.Sprint(v), true
}

func addContextFields(ctx context.Context, fields map[string]any) {
	if ctx == nil {
		return
	}
	setIfAbsent := func(key string, val any, empty bool) {
		if empty {
			return
		}
		if _, ok := fields[key]; !ok {
			fields[key] = val
		}
	}
	rid := RIDFrom(ctx)
	setIfAbsent("rid", rid, rid == "")
	botID := BotIDFrom(ctx)
	setIfAbsent("bot_id", botID, botID == 0)
	updateID := UpdateIDFrom(ctx)
	setIfAbsent("update_id", updateID, updateID == 0)
	userID := UserIDFrom(ctx)
	setIfAbsent("user_id", userID, userID == 0)
	chatID := ChatIDFrom(ctx)
	setIfAbsent("chat_id", chatID, chatID == 0)
	handler := HandlerFrom(ctx)
	setIfAbsent("handler", handler, handler == "")
}
