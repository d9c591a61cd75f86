package client

import (
	"context"

	"pkt.systems/proverd/api"
)

// Session pins a session ID so callers do not have to thread it through
// every call. It is safe for use from one goroutine at a time; the gateway
// serializes a session's worker anyway.
type Session struct {
	client *Client

	// ID is the gateway-assigned session identifier.
	ID string
	// WorkerID is the pool slot the session was pinned to at login.
	WorkerID int
}

// NewSession logs in and returns a pinned session.
func (c *Client) NewSession(ctx context.Context) (*Session, error) {
	resp, err := c.Login(ctx)
	if err != nil {
		return nil, err
	}
	return &Session{client: c, ID: resp.SessionID, WorkerID: resp.WorkerID}, nil
}

// Start begins proving the theorem at the given position.
func (s *Session) Start(ctx context.Context, theorem api.TheoremRef) (api.StateResponse, error) {
	return s.client.Start(ctx, s.ID, theorem)
}

// GetStateAtPos acquires the proof state at a document position.
func (s *Session) GetStateAtPos(ctx context.Context, theorem api.TheoremRef) (api.StateResponse, error) {
	return s.client.GetStateAtPos(ctx, s.ID, theorem)
}

// GetRootState acquires the root proof state of a document.
func (s *Session) GetRootState(ctx context.Context, filepath string) (api.StateResponse, error) {
	return s.client.GetRootState(ctx, s.ID, filepath)
}

// Run executes one tactic against a proof state.
func (s *Session) Run(ctx context.Context, state api.StateHandle, tactic string) (api.StateResponse, error) {
	return s.client.Run(ctx, s.ID, state, tactic)
}

// Goals lists the goals of a proof state.
func (s *Session) Goals(ctx context.Context, state api.StateHandle) (api.GoalsResponse, error) {
	return s.client.Goals(ctx, s.ID, state)
}

// CompleteGoals reports whether a proof state is closed.
func (s *Session) CompleteGoals(ctx context.Context, state api.StateHandle) (api.GoalsResponse, error) {
	return s.client.CompleteGoals(ctx, s.ID, state)
}

// Premises lists accessible premises for a proof state.
func (s *Session) Premises(ctx context.Context, state api.StateHandle) (api.PremisesResponse, error) {
	return s.client.Premises(ctx, s.ID, state)
}

// StateEqual reports whether two handles denote the same proof state.
func (s *Session) StateEqual(ctx context.Context, left, right api.StateHandle) (api.StateEqualResponse, error) {
	return s.client.StateEqual(ctx, s.ID, left, right)
}

// StateHash returns a stable content hash for a proof state.
func (s *Session) StateHash(ctx context.Context, state api.StateHandle) (api.StateHashResponse, error) {
	return s.client.StateHash(ctx, s.ID, state)
}

// TOC lists the theorems of a document.
func (s *Session) TOC(ctx context.Context, filepath string) (api.TOCResponse, error) {
	return s.client.TOC(ctx, s.ID, filepath)
}
