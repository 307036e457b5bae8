// Package httpkit builds the HTTP clients used by remote MCP
// transports. Every client shares the same dial and TLS timeouts, a
// bounded idle pool, default headers, and optional retry of dial
// failures.
package httpkit

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/nugget/mcplink/internal/buildinfo"
)

// Transport defaults.
const (
	DefaultDialTimeout         = 10 * time.Second
	DefaultKeepAlive           = 30 * time.Second
	DefaultTLSHandshakeTimeout = 10 * time.Second
	DefaultResponseHeader      = 30 * time.Second
	DefaultIdleConnTimeout     = 90 * time.Second
	DefaultMaxIdleConnsPerHost = 4
	DefaultClientTimeout       = 30 * time.Second
)

// ClientOption configures a client built by NewClient.
type ClientOption func(*clientConfig)

type clientConfig struct {
	timeout time.Duration
	header  http.Header
	retries int
	backoff time.Duration
	logger  *slog.Logger
}

// WithTimeout sets http.Client.Timeout. Zero disables it, which event
// streams need.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *clientConfig) { c.timeout = d }
}

// WithUserAgent overrides the default User-Agent.
func WithUserAgent(ua string) ClientOption {
	return func(c *clientConfig) { c.header.Set("User-Agent", ua) }
}

// WithHeaders adds headers sent on every request that does not already
// carry them, such as an Authorization token from the server catalog.
func WithHeaders(h map[string]string) ClientOption {
	return func(c *clientConfig) {
		for k, v := range h {
			c.header.Set(k, v)
		}
	}
}

// WithRetry retries requests that failed before reaching the server
// (refused, unreachable) up to count times, delay apart.
func WithRetry(count int, delay time.Duration) ClientOption {
	return func(c *clientConfig) {
		c.retries = count
		c.backoff = delay
	}
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *clientConfig) { c.logger = l }
}

// NewTransport returns an *http.Transport with explicit timeouts.
func NewTransport() *http.Transport {
	dialer := &net.Dialer{Timeout: DefaultDialTimeout, KeepAlive: DefaultKeepAlive}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   DefaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: DefaultResponseHeader,
		IdleConnTimeout:       DefaultIdleConnTimeout,
		MaxIdleConnsPerHost:   DefaultMaxIdleConnsPerHost,
		ForceAttemptHTTP2:     true,
	}
}

// NewClient builds an *http.Client on a fresh NewTransport. The round
// trip chain is retry (optional), then default headers, then the
// transport.
func NewClient(opts ...ClientOption) *http.Client {
	cfg := &clientConfig{
		timeout: DefaultClientTimeout,
		header:  http.Header{"User-Agent": {buildinfo.UserAgent()}},
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(cfg)
	}

	var rt http.RoundTripper = &headerTransport{base: NewTransport(), header: cfg.header}
	if cfg.retries > 0 {
		rt = &retryTransport{base: rt, retries: cfg.retries, backoff: cfg.backoff, logger: cfg.logger}
	}
	return &http.Client{Timeout: cfg.timeout, Transport: rt}
}

// headerTransport fills in default headers the request does not set.
type headerTransport struct {
	base   http.RoundTripper
	header http.Header
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var clone *http.Request
	for k, vs := range t.header {
		if _, ok := req.Header[k]; ok {
			continue
		}
		if clone == nil {
			clone = req.Clone(req.Context())
		}
		clone.Header[k] = vs
	}
	if clone != nil {
		req = clone
	}
	return t.base.RoundTrip(req)
}

// retryTransport retries dial-level failures. A request whose body
// cannot be rewound is never retried.
type retryTransport struct {
	base    http.RoundTripper
	retries int
	backoff time.Duration
	logger  *slog.Logger
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	rewindable := req.Body == nil || req.Body == http.NoBody || req.GetBody != nil

	attempt := req
	for n := 0; ; n++ {
		resp, err := t.base.RoundTrip(attempt)
		if err == nil || !isRetryableError(err) || !rewindable || n == t.retries {
			return resp, err
		}

		t.logger.Debug("retrying MCP HTTP request",
			"method", req.Method,
			"url", req.URL.String(),
			"attempt", n+1,
			"error", err,
		)
		if err := sleep(req, t.backoff); err != nil {
			return nil, err
		}

		attempt = req.Clone(req.Context())
		if req.GetBody != nil {
			body, berr := req.GetBody()
			if berr != nil {
				return nil, fmt.Errorf("retry: rewind body: %w", berr)
			}
			attempt.Body = body
		}
	}
}

// sleep waits d or until the request context ends.
func sleep(req *http.Request, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-req.Context().Done():
		return req.Context().Err()
	case <-timer.C:
		return nil
	}
}

// isRetryableError reports dial failures that happen before any bytes
// reach the server. ECONNRESET is excluded: the server may already
// have acted on the request.
func isRetryableError(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	return errno == syscall.ECONNREFUSED || errno == syscall.EHOSTUNREACH || errno == syscall.ENETUNREACH
}

// DrainAndClose reads up to limit bytes from rc and closes it so the
// connection returns to the pool.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	rc.Close()
}

// ReadErrorBody returns up to limit bytes of rc for an error message,
// then drains and closes it.
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(rc, limit))
	DrainAndClose(rc, 1024)
	if err != nil {
		return fmt.Sprintf("(failed to read error body: %v)", err)
	}
	return string(body)
}
