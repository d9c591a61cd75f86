package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"pkt.systems/proverd/api"
)

func TestClientHealthCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(api.HealthResponse{Healthy: true, Ready: 2, Total: 2})
	}))
	defer srv.Close()

	stdout, _, err := executeRootCommand(t, "client", "health", "--server", srv.URL)
	if err != nil {
		t.Fatalf("health command failed: %v", err)
	}
	var resp api.HealthResponse
	if err := json.Unmarshal([]byte(stdout), &resp); err != nil {
		t.Fatalf("decode output: %v\n%s", err, stdout)
	}
	if !resp.Healthy || resp.Ready != 2 {
		t.Fatalf("unexpected health output: %+v", resp)
	}
}

func TestClientHealthCommandReportsUnhealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(api.HealthResponse{Healthy: false, Ready: 0, Total: 4})
	}))
	defer srv.Close()

	stdout, _, err := executeRootCommand(t, "client", "health", "--server", srv.URL)
	if err == nil {
		t.Fatal("expected error for unhealthy gateway")
	}
	if !strings.Contains(err.Error(), "0 of 4") {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(stdout, "\"total\": 4") {
		t.Fatalf("expected health body on stdout, got %q", stdout)
	}
}

func TestClientLoginCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/login" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(api.LoginResponse{SessionID: "sess-1", WorkerID: 3})
	}))
	defer srv.Close()

	stdout, _, err := executeRootCommand(t, "client", "login", "--server", srv.URL)
	if err != nil {
		t.Fatalf("login command failed: %v", err)
	}
	var resp api.LoginResponse
	if err := json.Unmarshal([]byte(stdout), &resp); err != nil {
		t.Fatalf("decode output: %v\n%s", err, stdout)
	}
	if resp.SessionID != "sess-1" || resp.WorkerID != 3 {
		t.Fatalf("unexpected login output: %+v", resp)
	}
}

func TestClientStartCommandRequiresFlags(t *testing.T) {
	_, _, err := executeRootCommand(t, "client", "start")
	if err == nil {
		t.Fatal("expected missing flag error")
	}
	if !strings.Contains(err.Error(), "session") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestParseStateHandle(t *testing.T) {
	state, err := parseStateHandle(`{"state_id":"st1","worker_id":2,"worker_generation":7}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if state.StateID != "st1" || state.WorkerID != 2 || state.WorkerGeneration != 7 {
		t.Fatalf("unexpected handle: %+v", state)
	}
	if _, err := parseStateHandle(`{}`); err == nil {
		t.Fatal("expected error for missing state_id")
	}
	if _, err := parseStateHandle(`not json`); err == nil {
		t.Fatal("expected error for invalid json")
	}
}
