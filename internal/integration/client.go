// Package integration holds the retrying JSON-over-HTTP client shared by the
// payment gateway and carrier adapters.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

type Client struct {
	baseURL     string
	http        *http.Client
	auth        func(*http.Request)
	maxRetries  uint64
	unavailable error
	log         *zap.Logger
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

func WithAuth(fn func(*http.Request)) Option { return func(c *Client) { c.auth = fn } }

func WithMaxRetries(n uint64) Option { return func(c *Client) { c.maxRetries = n } }

func WithLogger(l *zap.Logger) Option { return func(c *Client) { c.log = l } }

// New returns a client whose failures wrap unavailable.
func New(baseURL string, unavailable error, opts ...Option) *Client {
	c := &Client{
		baseURL:     baseURL,
		http:        &http.Client{Timeout: 10 * time.Second},
		maxRetries:  3,
		unavailable: unavailable,
		log:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StatusError is a non-2xx answer from the remote side.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string { return fmt.Sprintf("status %d: %s", e.Code, e.Body) }

// Do sends in as JSON and decodes the answer into out. Network errors, 429
// and 5xx are retried with exponential backoff and jitter; other statuses
// fail at once.
func (c *Client) Do(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%w: encode request: %v", c.unavailable, err)
		}
		body = b
	}

	attempt := 0
	op := func() error {
		attempt++
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.auth != nil {
			c.auth(req)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return &StatusError{Code: resp.StatusCode, Body: string(raw)}
		}
		if resp.StatusCode >= 300 {
			return backoff.Permanent(&StatusError{Code: resp.StatusCode, Body: string(raw)})
		}
		if out == nil || len(raw) == 0 {
			return nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode response: %w", err))
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	notify := func(err error, wait time.Duration) {
		c.log.Warn("integration call failed, retrying",
			zap.String("method", method), zap.String("path", path),
			zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
	}
	err := backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(policy, c.maxRetries), ctx), notify)
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		return fmt.Errorf("%w: %s %s: %w", c.unavailable, method, path, err)
	}
	return nil
}
