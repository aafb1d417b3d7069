package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"sweetwatch/internal/metrics"
)

const (
	defaultRequestTimeout = 30 * time.Second
	maxResponseBytes      = 8 << 20
	errorBodySnippet      = 256
	rateLimitBurst        = 3
)

var errClosed = errors.New("source closed")

// client wraps the provider HTTP plumbing: static headers, rate limiting,
// status/payload classification and request metrics.
type client struct {
	provider string
	http     *http.Client
	limiter  *rate.Limiter
	headers  http.Header
	logger   zerolog.Logger
	closed   atomic.Bool
}

func newClient(provider string, timeout time.Duration, rps float64, headers http.Header, logger zerolog.Logger) *client {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	var limiter *rate.Limiter
	if rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(rps), rateLimitBurst)
	}

	if headers == nil {
		headers = http.Header{}
	}

	return &client{
		provider: provider,
		http:     &http.Client{Timeout: timeout},
		limiter:  limiter,
		headers:  headers,
		logger:   logger,
	}
}

func (c *client) fail(op string, kind, err error) error {
	return &Error{Provider: c.provider, Op: op, Kind: kind, Err: err}
}

// do sends one request and decodes a 2xx JSON response into out.
func (c *client) do(ctx context.Context, op, method, url string, body any, header http.Header, out any) error {
	if c.closed.Load() {
		return c.fail(op, ErrUpstreamUnavailable, errClosed)
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return c.fail(op, ErrUpstreamUnavailable, fmt.Errorf("rate limiter: %w", err))
		}
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return c.fail(op, ErrUpstreamUnavailable, fmt.Errorf("marshal request: %w", err))
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return c.fail(op, ErrUpstreamUnavailable, fmt.Errorf("create request: %w", err))
	}
	for key, values := range c.headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	for key, values := range header {
		req.Header.Del(key)
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.RecordUpstream(c.provider, "network_error")
		return c.fail(op, ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		metrics.RecordUpstream(c.provider, "network_error")
		return c.fail(op, ErrUpstreamUnavailable, fmt.Errorf("read response: %w", err))
	}

	c.logger.Debug().Str("op", op).Int("status", resp.StatusCode).
		Dur("took", time.Since(started)).Msg("upstream response")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.RecordUpstream(c.provider, "http_error")
		return c.fail(op, ErrUpstreamUnavailable, &StatusError{StatusCode: resp.StatusCode, Body: snippet(payload)})
	}

	if out != nil {
		dec := json.NewDecoder(bytes.NewReader(payload))
		dec.UseNumber()
		if err := dec.Decode(out); err != nil {
			metrics.RecordUpstream(c.provider, "malformed")
			return c.fail(op, ErrUpstreamUnavailable, fmt.Errorf("decode response: %w", err))
		}
	}

	metrics.RecordUpstream(c.provider, "ok")
	return nil
}

func (c *client) close() {
	if c.closed.Swap(true) {
		return
	}
	c.http.CloseIdleConnections()
}

func snippet(payload []byte) string {
	text := strings.TrimSpace(string(payload))
	if len(text) > errorBodySnippet {
		return text[:errorBodySnippet]
	}
	return text
}
