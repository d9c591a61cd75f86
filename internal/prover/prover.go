// Package prover speaks HTTP to a single backend prover worker. Payloads are
// forwarded as opaque JSON; the worker's proof semantics stay out of scope.
package prover

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
)

// DefaultTimeout bounds a single worker call when the caller's context
// carries no deadline of its own.
const DefaultTimeout = 120 * time.Second

// Error is a non-2xx response from a worker. The worker answered, so the
// call must never be treated as retryable by the forwarding layer.
type Error struct {
	Status int
	Body   []byte
}

func (e *Error) Error() string {
	if len(e.Body) > 0 {
		return fmt.Sprintf("prover: worker status %d: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("prover: worker status %d", e.Status)
}

// Client calls one worker process over loopback HTTP.
type Client struct {
	endpoint   string
	httpClient *http.Client
	timeout    time.Duration
}

// Option customises client construction.
type Option func(*Client)

// WithHTTPClient supplies a custom HTTP client/transport stack.
func WithHTTPClient(cli *http.Client) Option {
	return func(c *Client) {
		if cli != nil {
			c.httpClient = cli
		}
	}
}

// WithTimeout sets the per-call deadline applied when the caller's context
// has none.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// New returns a client for the worker at endpoint, e.g. "http://127.0.0.1:8765".
func New(endpoint string, opts ...Option) *Client {
	c := &Client{
		endpoint:   endpoint,
		httpClient: &http.Client{},
		timeout:    DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Endpoint reports the worker base URL this client targets.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Do posts payload to the worker's op endpoint and returns the raw response
// document. A non-2xx status yields *Error; everything else is a transport
// failure classifiable with IsConnFailure.
func (c *Client) Do(ctx context.Context, op string, payload any) (json.RawMessage, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("prover: encode %s payload: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/"+op, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("prover: build %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &Error{Status: resp.StatusCode, Body: respBody}
	}
	return respBody, nil
}

// Ready probes the worker health endpoint. It returns nil once the worker
// accepts connections and answers 200.
func (c *Client) Ready(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &Error{Status: resp.StatusCode}
	}
	return nil
}

// IsConnFailure reports whether err means the worker never produced a
// response: refused or reset connections, timeouts, truncated replies. A
// *Error is never a connection failure; the worker answered.
func IsConnFailure(err error) bool {
	if err == nil {
		return false
	}
	var provErr *Error
	if errors.As(err, &provErr) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}
