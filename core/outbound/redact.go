package outbound

import "regexp"

var tokenRe = regexp.MustCompile(`bot[0-9]+:[A-Za-z0-9_-]+`)

// RedactToken hides bot tokens that transports embed in request URLs.
func RedactToken(msg string) string {
	return tokenRe.ReplaceAllString(msg, "bot<redacted>")
}
