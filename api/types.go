package api

// WorkerStatus enumerates the lifecycle states of a pool slot.
type WorkerStatus string

const (
	// WorkerStarting marks a freshly spawned process that has not yet answered its readiness probe.
	WorkerStarting WorkerStatus = "starting"
	// WorkerReady marks a worker available for new sessions and requests.
	WorkerReady WorkerStatus = "ready"
	// WorkerBusy marks a worker currently executing its single in-flight request.
	WorkerBusy WorkerStatus = "busy"
	// WorkerOverloaded marks a worker that breached its memory ceiling and is scheduled for restart.
	WorkerOverloaded WorkerStatus = "overloaded"
	// WorkerRestarting marks a worker being drained and replaced.
	WorkerRestarting WorkerStatus = "restarting"
	// WorkerDead marks a slot whose restart budget is exhausted; excluded from assignment.
	WorkerDead WorkerStatus = "dead"
)

// Worker is the pool-table snapshot of one backend prover process.
// Rows are written exclusively by the supervisor; every other component
// treats them as read-only.
type Worker struct {
	// ID is the stable slot index (0..pool_size-1).
	ID int `json:"id"`
	// Port is the worker's listen port (base_port + id).
	Port int `json:"port"`
	// PID is the OS process ID of the current generation, 0 when not running.
	PID int `json:"pid,omitempty"`
	// Status is the slot's lifecycle state.
	Status WorkerStatus `json:"status"`
	// ResidentMemoryMB is the last sampled RSS in mebibytes.
	ResidentMemoryMB float64 `json:"resident_memory_mb,omitempty"`
	// Generation increments on every restart of this slot.
	Generation int64 `json:"generation"`
	// UpdatedAt is the Unix timestamp of the last supervisor write.
	UpdatedAt int64 `json:"updated_at_unix"`
}

// Endpoint returns the worker's HTTP base URL on the local machine.
func (w Worker) Endpoint() string {
	return workerEndpoint(w.Port)
}

// Session pins a client's logical prover connection to one worker generation.
type Session struct {
	// SessionID is the opaque token returned by login.
	SessionID string `json:"session_id"`
	// WorkerID is the pool slot this session is pinned to.
	WorkerID int `json:"worker_id"`
	// WorkerGeneration is the worker generation captured at assignment time.
	// The session is invalid once the slot's generation advances.
	WorkerGeneration int64 `json:"worker_generation"`
	// Theorem records the position the session last started from, if any.
	Theorem *TheoremRef `json:"theorem,omitempty"`
	// Tactics is the ordered tactic history since the last start.
	// Retained for archival and diagnostics only, never replayed.
	Tactics []string `json:"tactics,omitempty"`
	// CreatedAt is the session creation Unix timestamp.
	CreatedAt int64 `json:"created_at_unix"`
	// LastActivityAt is the Unix timestamp of the last routed request.
	LastActivityAt int64 `json:"last_activity_at_unix"`
}

// TheoremRef locates a theorem inside a source document.
type TheoremRef struct {
	// Filepath is the document path as understood by the prover workspace.
	Filepath string `json:"filepath"`
	// Line is the 1-based line of the theorem statement.
	Line int `json:"line"`
	// Character is the 0-based column of the theorem statement.
	Character int `json:"character"`
}

// StateHandle is an opaque reference to proof state living inside one
// worker process. It is valid only while WorkerGeneration matches the
// slot's current generation.
type StateHandle struct {
	// StateID is the worker-local state identifier.
	StateID string `json:"state_id"`
	// WorkerID is the slot holding the state.
	WorkerID int `json:"worker_id"`
	// WorkerGeneration scopes the handle to one process incarnation.
	WorkerGeneration int64 `json:"worker_generation"`
	// ContentHash optionally carries a content digest for equality/caching.
	ContentHash string `json:"content_hash,omitempty"`
}

// LoginResponse is returned by POST /login.
type LoginResponse struct {
	// SessionID is the opaque token to present on subsequent requests.
	SessionID string `json:"session_id"`
	// WorkerID reports the assigned pool slot (diagnostic).
	WorkerID int `json:"worker_id"`
	// CorrelationID links related operations across request/response logs.
	CorrelationID string `json:"correlation_id,omitempty"`
}

// StartRequest represents POST /start: begin a theorem at a position.
type StartRequest struct {
	// SessionID identifies the session assigned by login.
	SessionID string `json:"session_id"`
	// Theorem locates the theorem to start.
	Theorem TheoremRef `json:"theorem"`
}

// StateRequest asks for proof state acquisition at a position or document root.
type StateRequest struct {
	// SessionID identifies the session assigned by login.
	SessionID string `json:"session_id"`
	// Theorem locates the position; ignored by get_root_state.
	Theorem *TheoremRef `json:"theorem,omitempty"`
	// Filepath selects the document for get_root_state.
	Filepath string `json:"filepath,omitempty"`
}

// StateResponse carries a proof state handle plus pretty-printed goals.
type StateResponse struct {
	// State is the tagged handle for the acquired proof state.
	State StateHandle `json:"state"`
	// Goals is the worker-rendered goal list, forwarded opaquely.
	Goals []Goal `json:"goals,omitempty"`
}

// Goal is one pretty-printed prover goal, forwarded opaquely from the worker.
type Goal struct {
	// Pretty is the rendered goal text.
	Pretty string `json:"pp"`
	// Hypotheses lists rendered hypotheses when the worker provides them.
	Hypotheses []string `json:"hyps,omitempty"`
}

// RunRequest represents POST /run: execute one tactic against a state.
// Run is not idempotent; the facade never retries it after any response
// has been observed from the worker.
type RunRequest struct {
	// SessionID identifies the session assigned by login.
	SessionID string `json:"session_id"`
	// State is the handle the tactic applies to.
	State StateHandle `json:"state"`
	// Tactic is the opaque tactic text forwarded to the worker.
	Tactic string `json:"tactic"`
}

// GoalsRequest represents POST /goals, /complete_goals and /premises.
type GoalsRequest struct {
	// SessionID identifies the session assigned by login.
	SessionID string `json:"session_id"`
	// State is the handle whose goals/premises are requested.
	State StateHandle `json:"state"`
}

// GoalsResponse lists the goals for a state.
type GoalsResponse struct {
	// Goals is the worker-rendered goal list.
	Goals []Goal `json:"goals"`
	// Completed reports whether the proof is closed (complete_goals).
	Completed bool `json:"completed,omitempty"`
}

// PremisesResponse lists accessible premises for a state.
type PremisesResponse struct {
	// Premises is the opaque premise list forwarded from the worker.
	Premises []string `json:"premises"`
}

// StateEqualRequest represents POST /state_equal.
type StateEqualRequest struct {
	// SessionID identifies the session assigned by login.
	SessionID string `json:"session_id"`
	// Left and Right are the handles to compare.
	Left  StateHandle `json:"left"`
	Right StateHandle `json:"right"`
}

// StateEqualResponse reports handle equality.
type StateEqualResponse struct {
	// Equal is true when both handles denote the same proof state.
	Equal bool `json:"equal"`
}

// StateHashRequest represents POST /state_hash.
type StateHashRequest struct {
	// SessionID identifies the session assigned by login.
	SessionID string `json:"session_id"`
	// State is the handle to hash.
	State StateHandle `json:"state"`
}

// StateHashResponse carries a stable content hash for a state.
type StateHashResponse struct {
	// Hash is the worker-computed content digest.
	Hash string `json:"hash"`
}

// TOCRequest represents POST /toc: list theorems in a document.
type TOCRequest struct {
	// SessionID identifies the session assigned by login.
	SessionID string `json:"session_id"`
	// Filepath selects the document.
	Filepath string `json:"filepath"`
}

// TOCEntry is one table-of-contents row.
type TOCEntry struct {
	// Name is the theorem name.
	Name string `json:"name"`
	// Theorem locates the statement.
	Theorem TheoremRef `json:"theorem"`
}

// TOCResponse lists the theorems of a document.
type TOCResponse struct {
	// Entries is the document's theorem list.
	Entries []TOCEntry `json:"entries"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	// Healthy is true when at least one worker is ready.
	Healthy bool `json:"healthy"`
	// Ready counts workers currently in the ready state.
	Ready int `json:"ready"`
	// Total is the configured pool size.
	Total int `json:"total"`
	// Workers optionally carries per-slot snapshots (?verbose=1).
	Workers []Worker `json:"workers,omitempty"`
}

// ErrorResponse is the canonical error envelope for API errors.
type ErrorResponse struct {
	// ErrorCode is the stable proverd error identifier.
	ErrorCode string `json:"error"`
	// Detail provides human-readable diagnostic context for the error.
	Detail string `json:"detail,omitempty"`
	// WorkerID identifies the slot involved in routing failures, when known.
	WorkerID *int `json:"worker_id,omitempty"`
	// RetryAfterSeconds is the server-provided retry hint in seconds.
	RetryAfterSeconds int64 `json:"retry_after_seconds,omitempty"`
}
