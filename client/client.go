// Package client is the resilient Go SDK for a proverd gateway. It retries
// transport-level failures with exponential backoff and jitter, honors the
// server's Retry-After hints, and never auto-retries a tactic execution once
// any response has been observed.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"time"

	"pkt.systems/proverd/api"
	"pkt.systems/proverd/internal/svcfields"
	"pkt.systems/pslog"
)

const (
	// DefaultTimeout bounds one HTTP round trip. It sits above the gateway's
	// worker timeout so the server answers before the client gives up.
	DefaultTimeout = 150 * time.Second
	// DefaultRetries is the connection-failure retry budget per call.
	DefaultRetries = 4
	// DefaultBackoffBase is the first retry delay.
	DefaultBackoffBase = 250 * time.Millisecond
	// DefaultBackoffMax caps the retry delay.
	DefaultBackoffMax = 5 * time.Second
	// DefaultBackoffMultiplier is the exponential growth factor.
	DefaultBackoffMultiplier = 2.0
	// DefaultJitter is the random fraction applied to each delay.
	DefaultJitter = 0.2
)

// ErrUnavailable is the terminal sentinel returned when the retry budget is
// exhausted on transport failures or retryable server rejections. Check it
// with errors.Is; the last underlying cause stays wrapped.
var ErrUnavailable = errors.New("client: service unavailable")

// APIError is a structured error response from the gateway.
type APIError struct {
	Status            int
	Code              string
	Detail            string
	WorkerID          *int
	RetryAfterSeconds int64
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("client: %s (%d): %s", e.Code, e.Status, e.Detail)
	}
	return fmt.Sprintf("client: %s (%d)", e.Code, e.Status)
}

// Fatal reports whether the error ends the session or the request for good,
// so no amount of retrying can help.
func (e *APIError) Fatal() bool {
	switch e.Code {
	case api.ErrCodeSessionNotFound, api.ErrCodeWorkerGone, api.ErrCodeStaleHandle,
		api.ErrCodeInvalidBody, api.ErrCodeProverError:
		return true
	}
	return false
}

func retryableCode(code string) bool {
	switch code {
	case api.ErrCodeUnavailable, api.ErrCodeWorkerBusy, api.ErrCodeNoAvailableWorker:
		return true
	}
	return false
}

// Option configures a Client.
type Option func(*Client)

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(cli *http.Client) Option {
	return func(c *Client) {
		if cli != nil {
			c.httpClient = cli
		}
	}
}

// WithTimeout bounds one HTTP round trip.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRetries sets the retry budget for transport failures and retryable
// server rejections. Zero disables retrying.
func WithRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.retries = n
		}
	}
}

// WithBackoff shapes the delay between retries.
func WithBackoff(base, max time.Duration, multiplier float64) Option {
	return func(c *Client) {
		if base > 0 {
			c.backoffBase = base
		}
		if max > 0 {
			c.backoffMax = max
		}
		if multiplier >= 1 {
			c.backoffMultiplier = multiplier
		}
	}
}

// WithJitter sets the random fraction applied to each retry delay, in [0, 1].
func WithJitter(fraction float64) Option {
	return func(c *Client) {
		if fraction >= 0 && fraction <= 1 {
			c.jitter = fraction
		}
	}
}

// Client talks to one proverd gateway.
type Client struct {
	baseURL           string
	httpClient        *http.Client
	logger            pslog.Logger
	timeout           time.Duration
	retries           int
	backoffBase       time.Duration
	backoffMax        time.Duration
	backoffMultiplier float64
	jitter            float64
}

// New returns a client for the gateway at baseURL (for example
// "http://127.0.0.1:9474").
func New(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("client: base URL required")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("client: parse base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("client: unsupported scheme %q", u.Scheme)
	}
	c := &Client{
		baseURL:           baseURL,
		httpClient:        http.DefaultClient,
		logger:            pslog.NoopLogger(),
		timeout:           DefaultTimeout,
		retries:           DefaultRetries,
		backoffBase:       DefaultBackoffBase,
		backoffMax:        DefaultBackoffMax,
		backoffMultiplier: DefaultBackoffMultiplier,
		jitter:            DefaultJitter,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = svcfields.WithSubsystem(c.logger, "client")
	return c, nil
}

// BaseURL returns the configured gateway base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// opRetriesAfterResponse reports whether op may be retried after the server
// has answered. Tactic execution and theorem starts may have taken effect on
// the worker, so they are final the moment any response was observed.
func opRetriesAfterResponse(op string) bool {
	switch op {
	case api.OpRun, api.OpStart:
		return false
	}
	return true
}

// do executes one gateway call with the retry envelope. in may be nil for
// body-less operations; out may be nil when the response body is discarded.
func (c *Client) do(ctx context.Context, op string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("client: encode %s request: %w", op, err)
		}
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		responseObserved, err := c.roundTrip(ctx, op, payload, out)
		if err == nil {
			return nil
		}
		lastErr = err

		var apiErr *APIError
		if errors.As(err, &apiErr) {
			if apiErr.Fatal() || !retryableCode(apiErr.Code) {
				return err
			}
		}
		if responseObserved && !opRetriesAfterResponse(op) {
			return err
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", ErrUnavailable, ctx.Err())
		}
		if attempt >= c.retries {
			return fmt.Errorf("%w: %s failed after %d attempts: %w", ErrUnavailable, op, attempt+1, lastErr)
		}

		delay := c.delay(attempt, apiErr)
		c.logger.Debug("client.retry", "operation", op, "attempt", attempt+1, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrUnavailable, ctx.Err())
		case <-time.After(delay):
		}
	}
}

// roundTrip performs one HTTP exchange. The returned bool reports whether
// any response from the server was observed.
func (c *Client) roundTrip(ctx context.Context, op string, payload []byte, out any) (bool, error) {
	callCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	body := io.Reader(nil)
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+"/"+op, body)
	if err != nil {
		return false, fmt.Errorf("client: build %s request: %w", op, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("client: %s: %w", op, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if readErr != nil {
			return true, fmt.Errorf("client: %s: read error body: %w", op, readErr)
		}
		var wire api.ErrorResponse
		if jsonErr := json.Unmarshal(raw, &wire); jsonErr != nil || wire.ErrorCode == "" {
			return true, &APIError{
				Status: resp.StatusCode,
				Code:   "http_error",
				Detail: strings.TrimSpace(string(raw)),
			}
		}
		return true, &APIError{
			Status:            resp.StatusCode,
			Code:              wire.ErrorCode,
			Detail:            wire.Detail,
			WorkerID:          wire.WorkerID,
			RetryAfterSeconds: wire.RetryAfterSeconds,
		}
	}
	if out == nil {
		return true, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return true, fmt.Errorf("client: decode %s response: %w", op, err)
	}
	return true, nil
}

// delay computes the backoff for the given zero-based attempt, biased by the
// server's Retry-After hint when present.
func (c *Client) delay(attempt int, apiErr *APIError) time.Duration {
	d := c.backoffBase
	for i := 0; i < attempt; i++ {
		d = time.Duration(float64(d) * c.backoffMultiplier)
		if d >= c.backoffMax {
			d = c.backoffMax
			break
		}
	}
	if d > c.backoffMax {
		d = c.backoffMax
	}
	if apiErr != nil && apiErr.RetryAfterSeconds > 0 {
		if hinted := time.Duration(apiErr.RetryAfterSeconds) * time.Second; hinted > d {
			d = hinted
		}
	}
	if c.jitter > 0 {
		spread := 1 + c.jitter*(2*rand.Float64()-1)
		d = time.Duration(float64(d) * spread)
	}
	if d < 0 {
		d = 0
	}
	return d
}

// Login opens a new session on the least-loaded ready worker.
func (c *Client) Login(ctx context.Context) (api.LoginResponse, error) {
	var resp api.LoginResponse
	if err := c.do(ctx, api.OpLogin, struct{}{}, &resp); err != nil {
		return api.LoginResponse{}, err
	}
	return resp, nil
}

// Start begins proving the theorem at the given position.
func (c *Client) Start(ctx context.Context, sessionID string, theorem api.TheoremRef) (api.StateResponse, error) {
	var resp api.StateResponse
	err := c.do(ctx, api.OpStart, api.StartRequest{SessionID: sessionID, Theorem: theorem}, &resp)
	if err != nil {
		return api.StateResponse{}, err
	}
	return resp, nil
}

// GetStateAtPos acquires the proof state at a document position.
func (c *Client) GetStateAtPos(ctx context.Context, sessionID string, theorem api.TheoremRef) (api.StateResponse, error) {
	var resp api.StateResponse
	err := c.do(ctx, api.OpGetStateAtPos, api.StateRequest{SessionID: sessionID, Theorem: &theorem}, &resp)
	if err != nil {
		return api.StateResponse{}, err
	}
	return resp, nil
}

// GetRootState acquires the root proof state of a document.
func (c *Client) GetRootState(ctx context.Context, sessionID, filepath string) (api.StateResponse, error) {
	var resp api.StateResponse
	err := c.do(ctx, api.OpGetRootState, api.StateRequest{SessionID: sessionID, Filepath: filepath}, &resp)
	if err != nil {
		return api.StateResponse{}, err
	}
	return resp, nil
}

// Run executes one tactic against a proof state. Run is never auto-retried
// once any response has been observed.
func (c *Client) Run(ctx context.Context, sessionID string, state api.StateHandle, tactic string) (api.StateResponse, error) {
	var resp api.StateResponse
	err := c.do(ctx, api.OpRun, api.RunRequest{SessionID: sessionID, State: state, Tactic: tactic}, &resp)
	if err != nil {
		return api.StateResponse{}, err
	}
	return resp, nil
}

// Goals lists the goals of a proof state.
func (c *Client) Goals(ctx context.Context, sessionID string, state api.StateHandle) (api.GoalsResponse, error) {
	var resp api.GoalsResponse
	err := c.do(ctx, api.OpGoals, api.GoalsRequest{SessionID: sessionID, State: state}, &resp)
	if err != nil {
		return api.GoalsResponse{}, err
	}
	return resp, nil
}

// CompleteGoals reports whether a proof state is closed.
func (c *Client) CompleteGoals(ctx context.Context, sessionID string, state api.StateHandle) (api.GoalsResponse, error) {
	var resp api.GoalsResponse
	err := c.do(ctx, api.OpCompleteGoals, api.GoalsRequest{SessionID: sessionID, State: state}, &resp)
	if err != nil {
		return api.GoalsResponse{}, err
	}
	return resp, nil
}

// Premises lists accessible premises for a proof state.
func (c *Client) Premises(ctx context.Context, sessionID string, state api.StateHandle) (api.PremisesResponse, error) {
	var resp api.PremisesResponse
	err := c.do(ctx, api.OpPremises, api.GoalsRequest{SessionID: sessionID, State: state}, &resp)
	if err != nil {
		return api.PremisesResponse{}, err
	}
	return resp, nil
}

// StateEqual reports whether two handles denote the same proof state.
func (c *Client) StateEqual(ctx context.Context, sessionID string, left, right api.StateHandle) (api.StateEqualResponse, error) {
	var resp api.StateEqualResponse
	err := c.do(ctx, api.OpStateEqual, api.StateEqualRequest{SessionID: sessionID, Left: left, Right: right}, &resp)
	if err != nil {
		return api.StateEqualResponse{}, err
	}
	return resp, nil
}

// StateHash returns a stable content hash for a proof state.
func (c *Client) StateHash(ctx context.Context, sessionID string, state api.StateHandle) (api.StateHashResponse, error) {
	var resp api.StateHashResponse
	err := c.do(ctx, api.OpStateHash, api.StateHashRequest{SessionID: sessionID, State: state}, &resp)
	if err != nil {
		return api.StateHashResponse{}, err
	}
	return resp, nil
}

// TOC lists the theorems of a document.
func (c *Client) TOC(ctx context.Context, sessionID, filepath string) (api.TOCResponse, error) {
	var resp api.TOCResponse
	err := c.do(ctx, api.OpTOC, api.TOCRequest{SessionID: sessionID, Filepath: filepath}, &resp)
	if err != nil {
		return api.TOCResponse{}, err
	}
	return resp, nil
}

// Health reports gateway pool health. Health is not retried; it answers
// with whatever the gateway says right now. The gateway sends a full body
// on 503 too, so an unhealthy pool is a response, not an error.
func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	callCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return api.HealthResponse{}, fmt.Errorf("client: build health request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return api.HealthResponse{}, fmt.Errorf("client: health: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return api.HealthResponse{}, &APIError{Status: resp.StatusCode, Code: "http_error"}
	}
	var health api.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return api.HealthResponse{}, fmt.Errorf("client: decode health response: %w", err)
	}
	return health, nil
}
