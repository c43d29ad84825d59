package telegram

import (
	"errors"
	"net"
	"net/url"
)

// shouldRetry reports whether a transport error is a transient dial or
// timeout failure worth another attempt on the same request.
func shouldRetry(err error) bool {
	if err == nil {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && (opErr.Timeout() || opErr.Op == "dial") {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return true
		}
		if urlErr.Err != nil && urlErr.Err != err {
			return shouldRetry(urlErr.Err)
		}
	}
	return false
}
