package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/proverd/api"
)

func fastOpts() []Option {
	return []Option{
		WithRetries(3),
		WithBackoff(time.Millisecond, 5*time.Millisecond, 2.0),
		WithJitter(0),
		WithTimeout(2 * time.Second),
	}
}

func writeError(w http.ResponseWriter, status int, code string, retryAfter int64) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(api.ErrorResponse{
		ErrorCode:         code,
		RetryAfterSeconds: retryAfter,
	})
}

func TestLoginRetriesUnavailableThenSucceeds(t *testing.T) {
	t.Parallel()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/login" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if calls.Add(1) < 3 {
			writeError(w, http.StatusServiceUnavailable, api.ErrCodeNoAvailableWorker, 0)
			return
		}
		_ = json.NewEncoder(w).Encode(api.LoginResponse{SessionID: "ses-1", WorkerID: 2})
	}))
	defer srv.Close()

	c, err := New(srv.URL, fastOpts()...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	resp, err := c.Login(context.Background())
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if resp.SessionID != "ses-1" || resp.WorkerID != 2 {
		t.Fatalf("unexpected login response: %+v", resp)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected 3 calls, got %d", got)
	}
}

func TestRetryBudgetExhaustionWrapsErrUnavailable(t *testing.T) {
	t.Parallel()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeError(w, http.StatusServiceUnavailable, api.ErrCodeWorkerBusy, 0)
	}))
	defer srv.Close()

	c, err := New(srv.URL, fastOpts()...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var st api.StateHandle
	_, err = c.Goals(context.Background(), "ses-1", st)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != api.ErrCodeWorkerBusy {
		t.Fatalf("expected wrapped worker_busy APIError, got %v", err)
	}
	// retries=3 means 4 attempts total.
	if got := calls.Load(); got != 4 {
		t.Fatalf("expected 4 calls, got %d", got)
	}
}

func TestRunNotRetriedAfterServerResponse(t *testing.T) {
	t.Parallel()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeError(w, http.StatusServiceUnavailable, api.ErrCodeUnavailable, 1)
	}))
	defer srv.Close()

	c, err := New(srv.URL, fastOpts()...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = c.Run(context.Background(), "ses-1", api.StateHandle{StateID: "st-1"}, "intros.")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != api.ErrCodeUnavailable {
		t.Fatalf("expected unavailable APIError, got %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("run must not be retried after a response, got %d calls", got)
	}
}

func TestRunRetriedOnConnectionFailure(t *testing.T) {
	t.Parallel()
	// Point at a server that is already closed so every dial is refused.
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	var calls atomic.Int64
	c, err := New(url, append(fastOpts(), WithHTTPClient(&http.Client{
		Transport: roundTripCounter{calls: &calls},
	}))...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = c.Run(context.Background(), "ses-1", api.StateHandle{StateID: "st-1"}, "intros.")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if got := calls.Load(); got != 4 {
		t.Fatalf("expected 4 dial attempts, got %d", got)
	}
}

type roundTripCounter struct {
	calls *atomic.Int64
}

func (r roundTripCounter) RoundTrip(req *http.Request) (*http.Response, error) {
	r.calls.Add(1)
	return http.DefaultTransport.RoundTrip(req)
}

func TestFatalErrorsAreNotRetried(t *testing.T) {
	t.Parallel()
	for _, code := range []string{
		api.ErrCodeSessionNotFound,
		api.ErrCodeWorkerGone,
		api.ErrCodeStaleHandle,
		api.ErrCodeInvalidBody,
		api.ErrCodeProverError,
	} {
		t.Run(code, func(t *testing.T) {
			t.Parallel()
			var calls atomic.Int64
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				writeError(w, http.StatusConflict, code, 0)
			}))
			defer srv.Close()

			c, err := New(srv.URL, fastOpts()...)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			_, err = c.Goals(context.Background(), "ses-1", api.StateHandle{StateID: "st-1"})
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("expected APIError, got %v", err)
			}
			if !apiErr.Fatal() {
				t.Fatalf("%s should be fatal", code)
			}
			if errors.Is(err, ErrUnavailable) {
				t.Fatalf("fatal error must not wrap ErrUnavailable: %v", err)
			}
			if got := calls.Load(); got != 1 {
				t.Fatalf("fatal error retried: %d calls", got)
			}
		})
	}
}

func TestDelayGrowsAndHonorsRetryAfter(t *testing.T) {
	t.Parallel()
	c, err := New("http://127.0.0.1:1",
		WithBackoff(100*time.Millisecond, time.Second, 2.0),
		WithJitter(0),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := c.delay(0, nil); got != 100*time.Millisecond {
		t.Fatalf("attempt 0: got %v", got)
	}
	if got := c.delay(2, nil); got != 400*time.Millisecond {
		t.Fatalf("attempt 2: got %v", got)
	}
	if got := c.delay(10, nil); got != time.Second {
		t.Fatalf("cap: got %v", got)
	}
	hint := &APIError{RetryAfterSeconds: 1}
	if got := c.delay(0, hint); got != time.Second {
		t.Fatalf("retry-after hint should win: got %v", got)
	}
}

func TestDelayJitterStaysWithinBounds(t *testing.T) {
	t.Parallel()
	c, err := New("http://127.0.0.1:1",
		WithBackoff(100*time.Millisecond, time.Second, 2.0),
		WithJitter(0.2),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	lo := 80 * time.Millisecond
	hi := 120 * time.Millisecond
	for i := 0; i < 200; i++ {
		d := c.delay(0, nil)
		if d < lo || d > hi {
			t.Fatalf("jittered delay %v outside [%v, %v]", d, lo, hi)
		}
	}
}

func TestSessionPinsSessionID(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/login":
			_ = json.NewEncoder(w).Encode(api.LoginResponse{SessionID: "ses-9", WorkerID: 1})
		case "/goals":
			var req api.GoalsRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("decode goals request: %v", err)
			}
			if req.SessionID != "ses-9" {
				t.Errorf("session id not pinned: %q", req.SessionID)
			}
			_ = json.NewEncoder(w).Encode(api.GoalsResponse{Goals: []api.Goal{{Pretty: "True"}}})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c, err := New(srv.URL, fastOpts()...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ses, err := c.NewSession(context.Background())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if ses.ID != "ses-9" || ses.WorkerID != 1 {
		t.Fatalf("unexpected session: %+v", ses)
	}
	goals, err := ses.Goals(context.Background(), api.StateHandle{StateID: "st-1"})
	if err != nil {
		t.Fatalf("Goals: %v", err)
	}
	if len(goals.Goals) != 1 || goals.Goals[0].Pretty != "True" {
		t.Fatalf("unexpected goals: %+v", goals)
	}
}

func TestHealthReportsUnhealthyOn503(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(api.HealthResponse{Healthy: false, Ready: 0, Total: 4})
	}))
	defer srv.Close()

	c, err := New(srv.URL, fastOpts()...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	health, err := c.Health(context.Background())
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if health.Healthy {
		t.Fatal("expected unhealthy")
	}
}

func TestNewRejectsBadBaseURL(t *testing.T) {
	t.Parallel()
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty base URL")
	}
	if _, err := New("ftp://example.com"); err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
}
