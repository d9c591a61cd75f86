package coordstore

import (
	"strconv"
	"strings"
)

// Key prefixes for the tables kept in the coordination store.
const (
	PoolPrefix    = "pool/"
	SessionPrefix = "session/"
	RestartPrefix = "restart/"
	ArchivePrefix = "archive/"
	CachePrefix   = "cache/"
	LockPrefix    = "lock/"
)

// PoolKey names the pool-table row for a worker slot.
func PoolKey(workerID int) string {
	return PoolPrefix + strconv.Itoa(workerID)
}

// SessionKey names the session-table row for a session ID.
func SessionKey(sessionID string) string {
	return SessionPrefix + sessionID
}

// RestartKey names the restart-request marker for a worker slot. The marker
// lives outside the pool table so that gateways can request a restart without
// write access to Worker records.
func RestartKey(workerID int) string {
	return RestartPrefix + strconv.Itoa(workerID)
}

// LockKey names the occupancy lock row for a worker slot. Holding the row
// grants the single in-flight request slot on that worker.
func LockKey(workerID int) string {
	return LockPrefix + strconv.Itoa(workerID)
}

// ArchiveKey names the archived copy of a superseded or evicted session.
func ArchiveKey(sessionID string) string {
	return ArchivePrefix + sessionID
}

// CacheKey names a memoized idempotent result by request fingerprint.
func CacheKey(fingerprint string) string {
	return CachePrefix + fingerprint
}

// SessionIDFromKey inverts SessionKey; ok is false for foreign keys.
func SessionIDFromKey(key string) (string, bool) {
	id, ok := strings.CutPrefix(key, SessionPrefix)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// WorkerIDFromKey inverts PoolKey or RestartKey; ok is false for foreign or
// malformed keys.
func WorkerIDFromKey(key string) (int, bool) {
	rest, ok := strings.CutPrefix(key, PoolPrefix)
	if !ok {
		rest, ok = strings.CutPrefix(key, RestartPrefix)
	}
	if !ok || rest == "" {
		return 0, false
	}
	id, err := strconv.Atoi(rest)
	if err != nil || id < 0 {
		return 0, false
	}
	return id, true
}
