package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"pkt.systems/proverd/api"
	"pkt.systems/proverd/internal/correlation"
	"pkt.systems/proverd/internal/pool"
	"pkt.systems/proverd/internal/prover"
	"pkt.systems/proverd/internal/router"
	"pkt.systems/pslog"
)

// forwardSpec describes one routed worker call. Handles listed here must
// match the live worker generation or the request is rejected as stale.
type forwardSpec struct {
	op        string
	sessionID string
	handles   []api.StateHandle
	payload   any
}

// forward resolves the session, enforces handle freshness and worker
// exclusivity, and executes the call against the pinned worker. Idempotent
// operations are served from and written to the generation-scoped result
// cache.
func (h *Handler) forward(ctx context.Context, spec forwardSpec) (json.RawMessage, router.Route, error) {
	route, err := h.router.Resolve(ctx, spec.sessionID)
	if err != nil {
		return nil, router.Route{}, convertRouteError(err, nil)
	}
	workerID := route.Worker.ID

	for _, handle := range spec.handles {
		if handle.WorkerID != route.Worker.ID || handle.WorkerGeneration != route.Worker.Generation {
			return nil, route, httpError{
				Status:   http.StatusConflict,
				Code:     api.ErrCodeStaleHandle,
				Detail:   fmt.Sprintf("state %s is scoped to worker %d generation %d", handle.StateID, handle.WorkerID, handle.WorkerGeneration),
				WorkerID: &workerID,
			}
		}
	}

	payload, err := json.Marshal(spec.payload)
	if err != nil {
		return nil, route, fmt.Errorf("httpapi: encode worker payload: %w", err)
	}

	var fingerprint string
	if api.IsIdempotent(spec.op) {
		fingerprint = router.Fingerprint(route.Worker.ID, route.Worker.Generation, spec.op, payload)
		if cached, ok := h.router.CachedResult(ctx, fingerprint); ok {
			h.loggerFrom(ctx).Trace("gateway.cache.hit",
				"operation", spec.op, "worker_id", route.Worker.ID)
			return cached, route, nil
		}
	}

	release, err := h.locks.Acquire(ctx, route.Worker.ID, h.lockTTL)
	if err != nil {
		return nil, route, convertRouteError(err, &workerID)
	}
	defer release()

	callCtx, cancel := context.WithTimeout(ctx, h.workerTimeout)
	defer cancel()
	raw, err := prover.New(route.Endpoint).Do(callCtx, spec.op, json.RawMessage(payload))
	if err != nil {
		return nil, route, h.convertWorkerError(ctx, route, err)
	}

	if fingerprint != "" {
		h.router.StoreResult(ctx, fingerprint, raw)
	}
	return raw, route, nil
}

// convertWorkerError maps a failed worker call onto the wire taxonomy. A
// connection-level fault or timeout flags the worker for restart before the
// error is surfaced.
func (h *Handler) convertWorkerError(ctx context.Context, route router.Route, err error) error {
	workerID := route.Worker.ID
	var proverErr *prover.Error
	if errors.As(err, &proverErr) {
		return httpError{
			Status:   http.StatusUnprocessableEntity,
			Code:     api.ErrCodeProverError,
			Detail:   string(proverErr.Body),
			WorkerID: &workerID,
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || prover.IsConnFailure(err) {
		logger := h.loggerFrom(ctx)
		logger.Warn("gateway.worker.unresponsive",
			"worker_id", workerID,
			"worker_generation", route.Worker.Generation,
			"error", err,
		)
		if restartErr := pool.RequestRestart(ctx, h.store, workerID); restartErr != nil {
			logger.Error("gateway.restart_request.failed", "worker_id", workerID, "error", restartErr)
		}
		return httpError{
			Status:     http.StatusServiceUnavailable,
			Code:       api.ErrCodeUnavailable,
			Detail:     "worker did not answer; a restart has been requested",
			WorkerID:   &workerID,
			RetryAfter: busyRetryAfterSeconds,
		}
	}
	return err
}

func (h *Handler) loggerFrom(ctx context.Context) pslog.Logger {
	if logger := pslog.LoggerFromContext(ctx); logger != nil {
		return logger
	}
	return h.logger
}

// stampState decodes a worker state reply and tags the handle with the
// worker and generation that own it.
func stampState(raw json.RawMessage, route router.Route) (api.StateResponse, error) {
	var resp api.StateResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return api.StateResponse{}, fmt.Errorf("httpapi: decode worker state reply: %w", err)
	}
	resp.State.WorkerID = route.Worker.ID
	resp.State.WorkerGeneration = route.Worker.Generation
	return resp, nil
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) error {
	if err := requirePost(r); err != nil {
		return err
	}
	sess, err := h.router.Login(r.Context())
	if err != nil {
		return convertRouteError(err, nil)
	}
	h.writeJSON(w, http.StatusOK, api.LoginResponse{
		SessionID:     sess.SessionID,
		WorkerID:      sess.WorkerID,
		CorrelationID: correlation.ID(r.Context()),
	}, nil)
	return nil
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) error {
	if err := requirePost(r); err != nil {
		return err
	}
	var req api.StartRequest
	if err := decodeJSONBody(r.Body, &req); err != nil {
		return err
	}
	if req.SessionID == "" {
		return httpError{Status: http.StatusBadRequest, Code: api.ErrCodeInvalidBody, Detail: "session_id required"}
	}
	if req.Theorem.Filepath == "" {
		return httpError{Status: http.StatusBadRequest, Code: api.ErrCodeInvalidBody, Detail: "theorem.filepath required"}
	}
	raw, route, err := h.forward(r.Context(), forwardSpec{
		op:        api.OpStart,
		sessionID: req.SessionID,
		payload: struct {
			Theorem api.TheoremRef `json:"theorem"`
		}{Theorem: req.Theorem},
	})
	if err != nil {
		return err
	}
	resp, err := stampState(raw, route)
	if err != nil {
		return err
	}
	if err := h.router.StartTheorem(r.Context(), req.SessionID, req.Theorem, route.Worker.Generation); err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, resp, nil)
	return nil
}

func (h *Handler) handleGetStateAtPos(w http.ResponseWriter, r *http.Request) error {
	if err := requirePost(r); err != nil {
		return err
	}
	var req api.StateRequest
	if err := decodeJSONBody(r.Body, &req); err != nil {
		return err
	}
	if req.SessionID == "" {
		return httpError{Status: http.StatusBadRequest, Code: api.ErrCodeInvalidBody, Detail: "session_id required"}
	}
	if req.Theorem == nil || req.Theorem.Filepath == "" {
		return httpError{Status: http.StatusBadRequest, Code: api.ErrCodeInvalidBody, Detail: "theorem with filepath required"}
	}
	raw, route, err := h.forward(r.Context(), forwardSpec{
		op:        api.OpGetStateAtPos,
		sessionID: req.SessionID,
		payload: struct {
			Theorem api.TheoremRef `json:"theorem"`
		}{Theorem: *req.Theorem},
	})
	if err != nil {
		return err
	}
	resp, err := stampState(raw, route)
	if err != nil {
		return err
	}
	if err := h.router.StartTheorem(r.Context(), req.SessionID, *req.Theorem, route.Worker.Generation); err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, resp, nil)
	return nil
}

func (h *Handler) handleGetRootState(w http.ResponseWriter, r *http.Request) error {
	if err := requirePost(r); err != nil {
		return err
	}
	var req api.StateRequest
	if err := decodeJSONBody(r.Body, &req); err != nil {
		return err
	}
	if req.SessionID == "" {
		return httpError{Status: http.StatusBadRequest, Code: api.ErrCodeInvalidBody, Detail: "session_id required"}
	}
	if req.Filepath == "" {
		return httpError{Status: http.StatusBadRequest, Code: api.ErrCodeInvalidBody, Detail: "filepath required"}
	}
	raw, route, err := h.forward(r.Context(), forwardSpec{
		op:        api.OpGetRootState,
		sessionID: req.SessionID,
		payload: struct {
			Filepath string `json:"filepath"`
		}{Filepath: req.Filepath},
	})
	if err != nil {
		return err
	}
	resp, err := stampState(raw, route)
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, resp, nil)
	return nil
}

func (h *Handler) handleRun(w http.ResponseWriter, r *http.Request) error {
	if err := requirePost(r); err != nil {
		return err
	}
	var req api.RunRequest
	if err := decodeJSONBody(r.Body, &req); err != nil {
		return err
	}
	if req.SessionID == "" {
		return httpError{Status: http.StatusBadRequest, Code: api.ErrCodeInvalidBody, Detail: "session_id required"}
	}
	if req.State.StateID == "" {
		return httpError{Status: http.StatusBadRequest, Code: api.ErrCodeInvalidBody, Detail: "state required"}
	}
	if req.Tactic == "" {
		return httpError{Status: http.StatusBadRequest, Code: api.ErrCodeInvalidBody, Detail: "tactic required"}
	}
	raw, route, err := h.forward(r.Context(), forwardSpec{
		op:        api.OpRun,
		sessionID: req.SessionID,
		handles:   []api.StateHandle{req.State},
		payload: struct {
			StateID string `json:"state_id"`
			Tactic  string `json:"tactic"`
		}{StateID: req.State.StateID, Tactic: req.Tactic},
	})
	if err != nil {
		return err
	}
	resp, err := stampState(raw, route)
	if err != nil {
		return err
	}
	if err := h.router.RecordTactic(r.Context(), req.SessionID, req.Tactic); err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, resp, nil)
	return nil
}

// decodeGoalsRequest validates the shared session+state request shape used
// by goals, complete_goals and premises.
func decodeGoalsRequest(r *http.Request) (api.GoalsRequest, error) {
	var req api.GoalsRequest
	if err := decodeJSONBody(r.Body, &req); err != nil {
		return api.GoalsRequest{}, err
	}
	if req.SessionID == "" {
		return api.GoalsRequest{}, httpError{Status: http.StatusBadRequest, Code: api.ErrCodeInvalidBody, Detail: "session_id required"}
	}
	if req.State.StateID == "" {
		return api.GoalsRequest{}, httpError{Status: http.StatusBadRequest, Code: api.ErrCodeInvalidBody, Detail: "state required"}
	}
	return req, nil
}

func (h *Handler) handleGoals(w http.ResponseWriter, r *http.Request) error {
	return h.handleStateQuery(w, r, api.OpGoals)
}

func (h *Handler) handleCompleteGoals(w http.ResponseWriter, r *http.Request) error {
	return h.handleStateQuery(w, r, api.OpCompleteGoals)
}

func (h *Handler) handleStateQuery(w http.ResponseWriter, r *http.Request, op string) error {
	if err := requirePost(r); err != nil {
		return err
	}
	req, err := decodeGoalsRequest(r)
	if err != nil {
		return err
	}
	raw, _, err := h.forward(r.Context(), forwardSpec{
		op:        op,
		sessionID: req.SessionID,
		handles:   []api.StateHandle{req.State},
		payload: struct {
			StateID string `json:"state_id"`
		}{StateID: req.State.StateID},
	})
	if err != nil {
		return err
	}
	var resp api.GoalsResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("httpapi: decode worker goals reply: %w", err)
	}
	h.writeJSON(w, http.StatusOK, resp, nil)
	return nil
}

func (h *Handler) handlePremises(w http.ResponseWriter, r *http.Request) error {
	if err := requirePost(r); err != nil {
		return err
	}
	req, err := decodeGoalsRequest(r)
	if err != nil {
		return err
	}
	raw, _, err := h.forward(r.Context(), forwardSpec{
		op:        api.OpPremises,
		sessionID: req.SessionID,
		handles:   []api.StateHandle{req.State},
		payload: struct {
			StateID string `json:"state_id"`
		}{StateID: req.State.StateID},
	})
	if err != nil {
		return err
	}
	var resp api.PremisesResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("httpapi: decode worker premises reply: %w", err)
	}
	h.writeJSON(w, http.StatusOK, resp, nil)
	return nil
}

func (h *Handler) handleStateEqual(w http.ResponseWriter, r *http.Request) error {
	if err := requirePost(r); err != nil {
		return err
	}
	var req api.StateEqualRequest
	if err := decodeJSONBody(r.Body, &req); err != nil {
		return err
	}
	if req.SessionID == "" {
		return httpError{Status: http.StatusBadRequest, Code: api.ErrCodeInvalidBody, Detail: "session_id required"}
	}
	if req.Left.StateID == "" || req.Right.StateID == "" {
		return httpError{Status: http.StatusBadRequest, Code: api.ErrCodeInvalidBody, Detail: "left and right states required"}
	}
	raw, _, err := h.forward(r.Context(), forwardSpec{
		op:        api.OpStateEqual,
		sessionID: req.SessionID,
		handles:   []api.StateHandle{req.Left, req.Right},
		payload: struct {
			LeftStateID  string `json:"left_state_id"`
			RightStateID string `json:"right_state_id"`
		}{LeftStateID: req.Left.StateID, RightStateID: req.Right.StateID},
	})
	if err != nil {
		return err
	}
	var resp api.StateEqualResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("httpapi: decode worker state_equal reply: %w", err)
	}
	h.writeJSON(w, http.StatusOK, resp, nil)
	return nil
}

func (h *Handler) handleStateHash(w http.ResponseWriter, r *http.Request) error {
	if err := requirePost(r); err != nil {
		return err
	}
	var req api.StateHashRequest
	if err := decodeJSONBody(r.Body, &req); err != nil {
		return err
	}
	if req.SessionID == "" {
		return httpError{Status: http.StatusBadRequest, Code: api.ErrCodeInvalidBody, Detail: "session_id required"}
	}
	if req.State.StateID == "" {
		return httpError{Status: http.StatusBadRequest, Code: api.ErrCodeInvalidBody, Detail: "state required"}
	}
	raw, _, err := h.forward(r.Context(), forwardSpec{
		op:        api.OpStateHash,
		sessionID: req.SessionID,
		handles:   []api.StateHandle{req.State},
		payload: struct {
			StateID string `json:"state_id"`
		}{StateID: req.State.StateID},
	})
	if err != nil {
		return err
	}
	var resp api.StateHashResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("httpapi: decode worker state_hash reply: %w", err)
	}
	h.writeJSON(w, http.StatusOK, resp, nil)
	return nil
}

func (h *Handler) handleTOC(w http.ResponseWriter, r *http.Request) error {
	if err := requirePost(r); err != nil {
		return err
	}
	var req api.TOCRequest
	if err := decodeJSONBody(r.Body, &req); err != nil {
		return err
	}
	if req.SessionID == "" {
		return httpError{Status: http.StatusBadRequest, Code: api.ErrCodeInvalidBody, Detail: "session_id required"}
	}
	if req.Filepath == "" {
		return httpError{Status: http.StatusBadRequest, Code: api.ErrCodeInvalidBody, Detail: "filepath required"}
	}
	raw, _, err := h.forward(r.Context(), forwardSpec{
		op:        api.OpTOC,
		sessionID: req.SessionID,
		payload: struct {
			Filepath string `json:"filepath"`
		}{Filepath: req.Filepath},
	})
	if err != nil {
		return err
	}
	var resp api.TOCResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("httpapi: decode worker toc reply: %w", err)
	}
	h.writeJSON(w, http.StatusOK, resp, nil)
	return nil
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodGet {
		return httpError{
			Status: http.StatusMethodNotAllowed,
			Code:   "method_not_allowed",
			Detail: "supported methods: GET",
		}
	}
	workers, err := h.router.Workers(r.Context())
	if err != nil {
		return err
	}
	ready := 0
	for _, worker := range workers {
		if worker.Status == api.WorkerReady {
			ready++
		}
	}
	total := h.poolSize
	if total == 0 {
		total = len(workers)
	}
	resp := api.HealthResponse{
		Healthy: ready > 0,
		Ready:   ready,
		Total:   total,
	}
	if r.URL.Query().Get("verbose") == "1" {
		resp.Workers = make([]api.Worker, 0, len(workers))
		for _, worker := range workers {
			if worker.Status == api.WorkerReady {
				if held, lockErr := h.locks.Held(r.Context(), worker.ID); lockErr == nil && held {
					worker.Status = api.WorkerBusy
				}
			}
			resp.Workers = append(resp.Workers, worker)
		}
	}
	status := http.StatusOK
	if !resp.Healthy {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, resp, nil)
	return nil
}

func (h *Handler) handleLiveness(w http.ResponseWriter, _ *http.Request) error {
	w.WriteHeader(http.StatusOK)
	return nil
}
