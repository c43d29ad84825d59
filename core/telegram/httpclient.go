package telegram

import (
	"net"
	"net/http"
	"time"
)

const (
	dialTimeout           = 5 * time.Second
	tlsHandshakeTimeout   = 5 * time.Second
	idleConnTimeout       = 30 * time.Second
	responseHeaderTimeout = 5 * time.Second
	clientTimeout         = 30 * time.Second
	keepAlive             = 30 * time.Second
	transportRetries      = 2
	transportBackoff      = 500 * time.Millisecond
)

// BuildHTTPClient returns an HTTP client tuned for Telegram API calls.
// It retries only dial and timeout failures of replayable requests. Rate
// limits and API errors are left to the outbound queue.
func BuildHTTPClient() *http.Client {
	base := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: dialTimeout, KeepAlive: keepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       idleConnTimeout,
		TLSHandshakeTimeout:   tlsHandshakeTimeout,
		ResponseHeaderTimeout: responseHeaderTimeout,
		ExpectContinueTimeout: time.Second,
	}
	return &http.Client{
		Timeout:   clientTimeout,
		Transport: &retryTransport{base: base, retries: transportRetries, backoff: transportBackoff},
	}
}

type retryTransport struct {
	base    http.RoundTripper
	retries int
	backoff time.Duration
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	for attempt := 1; err != nil && attempt <= t.retries && shouldRetry(err); attempt++ {
		next, rerr := rewind(req)
		if rerr != nil {
			return nil, err
		}
		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(t.backoff * time.Duration(attempt)):
		}
		resp, err = t.base.RoundTrip(next)
	}
	return resp, err
}

// rewind clones req with a fresh body. Requests whose body cannot be
// replayed are not retried.
func rewind(req *http.Request) (*http.Request, error) {
	next := req.Clone(req.Context())
	if req.Body == nil || req.Body == http.NoBody {
		return next, nil
	}
	if req.GetBody == nil {
		return nil, http.ErrBodyNotAllowed
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, err
	}
	next.Body = body
	return next, nil
}
