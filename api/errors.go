package api

import "fmt"

// Canonical error codes surfaced in ErrorResponse.ErrorCode. Callers use
// these to distinguish "try again" from "your session is gone, start over".
const (
	// ErrCodeNoAvailableWorker: login found no ready worker. Recoverable by
	// caller retry after backoff.
	ErrCodeNoAvailableWorker = "no_available_worker"
	// ErrCodeSessionNotFound: unknown or expired session. Fatal to the
	// session; the caller must log in again.
	ErrCodeSessionNotFound = "session_not_found"
	// ErrCodeWorkerGone: the pinned worker was recycled (generation advanced)
	// or its slot is dead. Fatal to the session.
	ErrCodeWorkerGone = "worker_gone"
	// ErrCodeWorkerBusy: the pinned worker is executing another request.
	// Transient; retryable after the hinted delay.
	ErrCodeWorkerBusy = "worker_busy"
	// ErrCodeStaleHandle: a proof-state handle references a superseded
	// generation. Fatal, never retryable.
	ErrCodeStaleHandle = "stale_handle"
	// ErrCodeUnavailable: a connection-level fault to the worker exhausted
	// the retry budget, or the worker call timed out. Retryable at a higher
	// level.
	ErrCodeUnavailable = "unavailable"
	// ErrCodeInvalidBody: malformed request payload. Fatal, never retryable.
	ErrCodeInvalidBody = "invalid_body"
	// ErrCodeProverError: the worker answered with a prover-level failure
	// (tactic error, bad position, unknown state). Fatal to the request but
	// not to the session.
	ErrCodeProverError = "prover_error"
)

// Operation names used in the idempotency table and cache fingerprints.
const (
	OpLogin         = "login"
	OpStart         = "start"
	OpGetStateAtPos = "get_state_at_pos"
	OpGetRootState  = "get_root_state"
	OpRun           = "run"
	OpGoals         = "goals"
	OpCompleteGoals = "complete_goals"
	OpPremises      = "premises"
	OpStateEqual    = "state_equal"
	OpStateHash     = "state_hash"
	OpTOC           = "toc"
)

// IsIdempotent reports whether op may be retried freely and served from the
// generation-scoped result cache. The classification is an explicit table;
// nothing infers idempotency from an operation's apparent side effects.
func IsIdempotent(op string) bool {
	switch op {
	case OpGoals, OpCompleteGoals, OpPremises, OpStateEqual, OpStateHash, OpTOC:
		return true
	}
	return false
}

func workerEndpoint(port int) string {
	return fmt.Sprintf("http://127.0.0.1:%d", port)
}
