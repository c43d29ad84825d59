// Package format escapes user-provided text for Telegram parse modes.
package format

import (
	"html"
	"strings"
)

// Parse modes understood by the Bot API.
const (
	ModeMarkdown   = "Markdown"
	ModeMarkdownV2 = "MarkdownV2"
	ModeHTML       = "HTML"
)

const (
	mdV1Specials = "_*`["
	mdV2Specials = "_*[]()~`>#+-=|{}.!\\"
)

// Escape makes text safe to embed verbatim in a message sent with mode.
// Unknown modes return text unchanged.
func Escape(text, mode string) string {
	switch mode {
	case ModeMarkdown:
		return escapeSet(text, mdV1Specials)
	case ModeMarkdownV2:
		return escapeSet(text, mdV2Specials)
	case ModeHTML:
		return html.EscapeString(text)
	}
	return text
}

func escapeSet(text, specials string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if strings.ContainsRune(specials, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
