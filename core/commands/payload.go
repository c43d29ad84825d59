package commands

import (
	"strconv"
	"strings"
)

// ParseCallbackData splits a "\f<key>|<payload>" token. The payload may be empty.
func ParseCallbackData(data string) (key, payload string) {
	data = strings.TrimPrefix(data, "\f")
	key, payload, _ = strings.Cut(data, "|")
	return strings.TrimSpace(key), payload
}

// CallbackData builds the token that ParseCallbackData understands.
func CallbackData(key string, parts ...string) string {
	if len(parts) == 0 {
		return key
	}
	return key + "|" + strings.Join(parts, "|")
}

// PayloadParts splits the callback payload by sep.
func (c *Context) PayloadParts(sep string) ([]string, error) {
	if c.payload == "" {
		return nil, strconv.ErrSyntax
	}
	return strings.Split(c.payload, sep), nil
}
