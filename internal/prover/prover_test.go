package prover

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestDoForwardsPayloadVerbatim(t *testing.T) {
	t.Parallel()
	var gotPath string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"state":{"st":7}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	resp, err := c.Do(context.Background(), "run", map[string]any{"tactic": "intros."})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if gotPath != "/run" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	var payload map[string]any
	if err := json.Unmarshal(gotBody, &payload); err != nil {
		t.Fatalf("decode forwarded body: %v", err)
	}
	if payload["tactic"] != "intros." {
		t.Fatalf("unexpected forwarded payload: %s", gotBody)
	}
	if string(resp) != `{"state":{"st":7}}` {
		t.Fatalf("unexpected response: %s", resp)
	}
}

func TestDoReturnsTypedErrorOnWorkerFailure(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "tactic failed", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.Do(context.Background(), "run", map[string]any{})
	var provErr *Error
	if !errors.As(err, &provErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if provErr.Status != http.StatusUnprocessableEntity {
		t.Fatalf("unexpected status %d", provErr.Status)
	}
	if IsConnFailure(err) {
		t.Fatal("worker response must not classify as connection failure")
	}
}

func TestReady(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := New(srv.URL).Ready(context.Background()); err != nil {
		t.Fatalf("ready: %v", err)
	}
}

func TestIsConnFailureClassification(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := New(srv.URL)
	_, err := c.Do(context.Background(), "goals", map[string]any{})
	if err == nil {
		t.Fatal("expected error against closed server")
	}
	if !IsConnFailure(err) {
		t.Fatalf("refused connection should classify as connection failure, got %v", err)
	}
	if IsConnFailure(nil) {
		t.Fatal("nil error is not a connection failure")
	}
	if IsConnFailure(context.Canceled) {
		t.Fatal("caller cancellation is not a connection failure")
	}
	if !IsConnFailure(context.DeadlineExceeded) {
		t.Fatal("deadline expiry is a connection failure")
	}
}
