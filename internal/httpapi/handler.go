// Package httpapi implements the request gateway: the client-facing HTTP
// surface that routes sessions, enforces per-worker exclusivity, and
// forwards proof operations to backend workers.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/proverd/api"
	"pkt.systems/proverd/internal/clock"
	"pkt.systems/proverd/internal/coordstore"
	"pkt.systems/proverd/internal/correlation"
	"pkt.systems/proverd/internal/pool"
	"pkt.systems/proverd/internal/router"
	"pkt.systems/proverd/internal/svcfields"
	"pkt.systems/proverd/internal/uuidv7"
	"pkt.systems/pslog"
)

const headerCorrelationID = "X-Correlation-Id"

// DefaultWorkerTimeout bounds one forwarded worker call.
const DefaultWorkerTimeout = 120 * time.Second

// busyRetryAfterSeconds is the retry hint returned with worker_busy and
// no_available_worker rejections.
const busyRetryAfterSeconds = 1

const requestBodyLimit = 1 << 20

// Config wires the gateway handler.
type Config struct {
	Router *router.Router
	Locks  *pool.LockManager
	Store  coordstore.Store
	Logger pslog.Logger
	Clock  clock.Clock
	// PoolSize is reported in health responses.
	PoolSize int
	// WorkerTimeout bounds each forwarded worker call. A breach flags the
	// worker for restart.
	WorkerTimeout time.Duration
	// LockTTL bounds how long one request may occupy a worker.
	LockTTL time.Duration
	// HTTPTracing enables otel spans around every endpoint.
	HTTPTracing bool
}

// Handler serves the gateway endpoints.
type Handler struct {
	logger        pslog.Logger
	router        *router.Router
	locks         *pool.LockManager
	store         coordstore.Store
	clk           clock.Clock
	poolSize      int
	workerTimeout time.Duration
	lockTTL       time.Duration

	tracingEnabled bool
	tracer         trace.Tracer
}

// New validates cfg and returns a gateway handler.
func New(cfg Config) (*Handler, error) {
	if cfg.Router == nil {
		return nil, fmt.Errorf("httpapi: router required")
	}
	if cfg.Locks == nil {
		return nil, fmt.Errorf("httpapi: lock manager required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("httpapi: store required")
	}
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.WorkerTimeout <= 0 {
		cfg.WorkerTimeout = DefaultWorkerTimeout
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = pool.DefaultLockTTL
	}
	return &Handler{
		logger:         cfg.Logger,
		router:         cfg.Router,
		locks:          cfg.Locks,
		store:          cfg.Store,
		clk:            cfg.Clock,
		poolSize:       cfg.PoolSize,
		workerTimeout:  cfg.WorkerTimeout,
		lockTTL:        cfg.LockTTL,
		tracingEnabled: cfg.HTTPTracing,
		tracer:         otel.Tracer("proverd/httpapi"),
	}, nil
}

// Register installs the gateway routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("/login", h.wrap(api.OpLogin, h.handleLogin))
	mux.Handle("/start", h.wrap(api.OpStart, h.handleStart))
	mux.Handle("/get_state_at_pos", h.wrap(api.OpGetStateAtPos, h.handleGetStateAtPos))
	mux.Handle("/get_root_state", h.wrap(api.OpGetRootState, h.handleGetRootState))
	mux.Handle("/run", h.wrap(api.OpRun, h.handleRun))
	mux.Handle("/goals", h.wrap(api.OpGoals, h.handleGoals))
	mux.Handle("/complete_goals", h.wrap(api.OpCompleteGoals, h.handleCompleteGoals))
	mux.Handle("/premises", h.wrap(api.OpPremises, h.handlePremises))
	mux.Handle("/state_equal", h.wrap(api.OpStateEqual, h.handleStateEqual))
	mux.Handle("/state_hash", h.wrap(api.OpStateHash, h.handleStateHash))
	mux.Handle("/toc", h.wrap(api.OpTOC, h.handleTOC))
	mux.Handle("/health", h.wrap("health", h.handleHealth))
	mux.Handle("/healthz", h.wrap("healthz", h.handleLiveness))
	mux.Handle("/readyz", h.wrap("readyz", h.handleHealth))
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	sys := svcfields.Subsystem("http.gateway", operation)
	spanName := "proverd.http." + operation

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := h.clk.Now()
		ctx := r.Context()
		reqID := uuidv7.NewString()

		var span trace.Span
		if h.tracingEnabled {
			ctx, span = h.tracer.Start(ctx, spanName,
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(
					attribute.String("proverd.operation", operation),
					attribute.String("proverd.route", r.URL.Path),
				),
			)
			defer span.End()
		} else {
			span = trace.SpanFromContext(ctx)
		}

		ctx = correlation.Ensure(ctx)
		if corr := strings.TrimSpace(r.Header.Get(headerCorrelationID)); corr != "" {
			if normalized, ok := correlation.Normalize(corr); ok {
				ctx = correlation.Set(ctx, normalized)
			}
		}
		if !correlation.Has(ctx) {
			ctx = correlation.Set(ctx, correlation.Generate())
		}

		logger := svcfields.WithSubsystem(h.logger, sys).With(
			"req_id", reqID,
			"correlation_id", correlation.ID(ctx),
			"method", r.Method,
			"path", r.URL.Path,
		)
		ctx = pslog.ContextWithLogger(ctx, logger)
		r = r.WithContext(ctx)

		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)
		if corr := correlation.ID(ctx); corr != "" {
			w.Header().Set(headerCorrelationID, corr)
		}

		if err := fn(w, r); err != nil {
			if h.tracingEnabled {
				span.RecordError(err)
				span.SetStatus(codes.Error, "handler_error")
				var httpErr httpError
				if errors.As(err, &httpErr) {
					span.SetAttributes(
						attribute.String("proverd.error_code", httpErr.Code),
						attribute.Int("proverd.error_status", httpErr.Status),
					)
				}
			}
			logger.Debug("http.request.error", "elapsed", h.clk.Now().Sub(start), "error", err)
			h.handleError(ctx, w, err)
			return
		}
		if h.tracingEnabled {
			span.SetStatus(codes.Ok, "")
		}
		logger.Trace("http.request.complete", "elapsed", h.clk.Now().Sub(start))
	})

	if !h.tracingEnabled {
		return handler
	}
	return otelhttp.NewHandler(handler, spanName,
		otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents))
}

type httpError struct {
	Status     int
	Code       string
	Detail     string
	WorkerID   *int
	RetryAfter int64
}

func (h httpError) Error() string {
	if h.Detail != "" {
		return fmt.Sprintf("%s: %s", h.Code, h.Detail)
	}
	return h.Code
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = h.logger
	}
	var httpErr httpError
	if errors.As(err, &httpErr) {
		logger.Debug("http.request.failure",
			"status", httpErr.Status,
			"code", httpErr.Code,
			"detail", httpErr.Detail,
			"retry_after", httpErr.RetryAfter,
		)
		resp := api.ErrorResponse{
			ErrorCode:         httpErr.Code,
			Detail:            httpErr.Detail,
			WorkerID:          httpErr.WorkerID,
			RetryAfterSeconds: httpErr.RetryAfter,
		}
		var headers map[string]string
		if httpErr.RetryAfter > 0 {
			headers = map[string]string{"Retry-After": strconv.FormatInt(httpErr.RetryAfter, 10)}
		}
		h.writeJSON(w, httpErr.Status, resp, headers)
		return
	}
	logger.Error("http.request.internal", "error", err)
	h.writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{
		ErrorCode: "internal_error",
		Detail:    "internal server error",
	}, nil)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any, headers map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	enc := json.NewEncoder(w)
	_ = enc.Encode(payload)
}

func decodeJSONBody(body io.Reader, dst any) error {
	if body == nil {
		return httpError{Status: http.StatusBadRequest, Code: api.ErrCodeInvalidBody, Detail: "request body required"}
	}
	dec := json.NewDecoder(io.LimitReader(body, requestBodyLimit))
	if err := dec.Decode(dst); err != nil {
		return httpError{Status: http.StatusBadRequest, Code: api.ErrCodeInvalidBody, Detail: err.Error()}
	}
	var trailing json.RawMessage
	if err := dec.Decode(&trailing); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return httpError{Status: http.StatusBadRequest, Code: api.ErrCodeInvalidBody, Detail: "unexpected trailing JSON value"}
	}
	return httpError{Status: http.StatusBadRequest, Code: api.ErrCodeInvalidBody, Detail: "unexpected trailing JSON value"}
}

func requirePost(r *http.Request) error {
	if r.Method != http.MethodPost {
		return httpError{
			Status: http.StatusMethodNotAllowed,
			Code:   "method_not_allowed",
			Detail: "supported methods: POST",
		}
	}
	return nil
}

// convertRouteError maps routing and locking failures onto the wire taxonomy.
func convertRouteError(err error, workerID *int) error {
	switch {
	case errors.Is(err, router.ErrNoAvailableWorker):
		return httpError{
			Status:     http.StatusServiceUnavailable,
			Code:       api.ErrCodeNoAvailableWorker,
			Detail:     "no worker in ready state",
			RetryAfter: busyRetryAfterSeconds,
		}
	case errors.Is(err, router.ErrSessionNotFound):
		return httpError{
			Status: http.StatusNotFound,
			Code:   api.ErrCodeSessionNotFound,
			Detail: "unknown or expired session",
		}
	case errors.Is(err, router.ErrWorkerGone):
		return httpError{
			Status:   http.StatusConflict,
			Code:     api.ErrCodeWorkerGone,
			Detail:   "assigned worker was recycled; session state is unrecoverable",
			WorkerID: workerID,
		}
	case errors.Is(err, pool.ErrWorkerBusy):
		return httpError{
			Status:     http.StatusServiceUnavailable,
			Code:       api.ErrCodeWorkerBusy,
			Detail:     "worker is executing another request",
			WorkerID:   workerID,
			RetryAfter: busyRetryAfterSeconds,
		}
	}
	return err
}
