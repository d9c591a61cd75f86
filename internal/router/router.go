// Package router assigns sessions to workers and resolves them on every
// request. It only ever reads the pool table; session rows are its own.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/xid"

	"pkt.systems/proverd/api"
	"pkt.systems/proverd/internal/clock"
	"pkt.systems/proverd/internal/coordstore"
	"pkt.systems/proverd/internal/svcfields"
	"pkt.systems/pslog"
)

var (
	// ErrNoAvailableWorker means no worker is in ready state to take a new session.
	ErrNoAvailableWorker = errors.New("router: no available worker")
	// ErrSessionNotFound means the session row does not exist.
	ErrSessionNotFound = errors.New("router: session not found")
	// ErrWorkerGone means the session's pinned worker generation is no
	// longer alive; the session's server-side state is unrecoverable.
	ErrWorkerGone = errors.New("router: worker gone")
)

// Route is a resolved session: the pinned worker is alive and on the same
// generation the session was bound to.
type Route struct {
	Session  api.Session
	Worker   api.Worker
	Endpoint string
}

// Router routes sessions over the shared coordination store.
type Router struct {
	store  coordstore.Store
	clk    clock.Clock
	logger pslog.Logger
}

// New returns a router over store.
func New(store coordstore.Store, clk clock.Clock, logger pslog.Logger) *Router {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Router{
		store:  store,
		clk:    clk,
		logger: svcfields.WithSubsystem(logger, "router"),
	}
}

// Login assigns a new session to the least-loaded ready worker. Load is the
// number of live session rows pinned to each worker; ties go to the lowest
// worker ID.
func (r *Router) Login(ctx context.Context) (api.Session, error) {
	workers, err := r.Workers(ctx)
	if err != nil {
		return api.Session{}, err
	}
	load := make(map[int]int)
	sessions, err := r.store.List(ctx, coordstore.SessionPrefix)
	if err != nil {
		return api.Session{}, err
	}
	for _, entry := range sessions {
		var sess api.Session
		if err := json.Unmarshal(entry.Value, &sess); err != nil {
			continue
		}
		load[sess.WorkerID]++
	}

	chosen := -1
	var chosenWorker api.Worker
	for _, w := range workers {
		if w.Status != api.WorkerReady {
			continue
		}
		if chosen == -1 || load[w.ID] < load[chosen] {
			chosen = w.ID
			chosenWorker = w
		}
	}
	if chosen == -1 {
		return api.Session{}, ErrNoAvailableWorker
	}

	now := r.clk.Now().Unix()
	sess := api.Session{
		SessionID:        xid.New().String(),
		WorkerID:         chosenWorker.ID,
		WorkerGeneration: chosenWorker.Generation,
		CreatedAt:        now,
		LastActivityAt:   now,
	}
	payload, err := json.Marshal(sess)
	if err != nil {
		return api.Session{}, err
	}
	if _, err := r.store.Put(ctx, coordstore.SessionKey(sess.SessionID), payload, ""); err != nil {
		return api.Session{}, fmt.Errorf("router: create session: %w", err)
	}
	r.logger.Debug("router.login",
		"session_id", sess.SessionID,
		"worker_id", sess.WorkerID,
		"worker_generation", sess.WorkerGeneration,
		"load", load[chosen],
	)
	return sess, nil
}

// Resolve loads the session, revalidates its pinned worker against the live
// pool row, and bumps last activity. The pool row is always re-read; local
// knowledge is never trusted for a routing decision.
func (r *Router) Resolve(ctx context.Context, sessionID string) (Route, error) {
	sess, etag, err := r.loadSession(ctx, sessionID)
	if err != nil {
		return Route{}, err
	}
	worker, err := r.worker(ctx, sess.WorkerID)
	if err != nil {
		if errors.Is(err, coordstore.ErrNotFound) {
			return Route{}, ErrWorkerGone
		}
		return Route{}, err
	}
	if worker.Generation != sess.WorkerGeneration || worker.Status == api.WorkerDead {
		r.logger.Debug("router.resolve.worker_gone",
			"session_id", sessionID,
			"worker_id", sess.WorkerID,
			"session_generation", sess.WorkerGeneration,
			"worker_generation", worker.Generation,
			"worker_status", worker.Status,
		)
		return Route{}, ErrWorkerGone
	}
	r.touch(ctx, sess, etag)
	return Route{
		Session:  sess,
		Worker:   worker,
		Endpoint: worker.Endpoint(),
	}, nil
}

// touch advances last_activity_at. Activity is advisory; a lost CAS race is
// retried once and then tolerated.
func (r *Router) touch(ctx context.Context, sess api.Session, etag string) {
	sess.LastActivityAt = r.clk.Now().Unix()
	payload, err := json.Marshal(sess)
	if err != nil {
		return
	}
	key := coordstore.SessionKey(sess.SessionID)
	if _, err := r.store.Put(ctx, key, payload, etag); !errors.Is(err, coordstore.ErrCASMismatch) {
		return
	}
	fresh, freshETag, err := r.loadSession(ctx, sess.SessionID)
	if err != nil {
		return
	}
	fresh.LastActivityAt = r.clk.Now().Unix()
	payload, err = json.Marshal(fresh)
	if err != nil {
		return
	}
	r.store.Put(ctx, key, payload, freshETag)
}

// RecordTactic appends a tactic to the session's history.
func (r *Router) RecordTactic(ctx context.Context, sessionID, tactic string) error {
	return r.mutateSession(ctx, sessionID, func(sess *api.Session) {
		sess.Tactics = append(sess.Tactics, tactic)
	})
}

// StartTheorem repins the session to a theorem position. A non-trivial
// previous run (one with recorded tactics) is archived before the history
// resets.
func (r *Router) StartTheorem(ctx context.Context, sessionID string, theorem api.TheoremRef, generation int64) error {
	archived := false
	return r.mutateSession(ctx, sessionID, func(sess *api.Session) {
		if len(sess.Tactics) > 0 && !archived {
			archived = true
			r.archive(ctx, *sess)
		}
		sess.Theorem = &theorem
		sess.Tactics = nil
		sess.WorkerGeneration = generation
	})
}

func (r *Router) mutateSession(ctx context.Context, sessionID string, mutate func(*api.Session)) error {
	const attempts = 3
	var lastErr error
	for range attempts {
		sess, etag, err := r.loadSession(ctx, sessionID)
		if err != nil {
			return err
		}
		mutate(&sess)
		sess.LastActivityAt = r.clk.Now().Unix()
		payload, err := json.Marshal(sess)
		if err != nil {
			return err
		}
		_, err = r.store.Put(ctx, coordstore.SessionKey(sessionID), payload, etag)
		if err == nil {
			return nil
		}
		if !errors.Is(err, coordstore.ErrCASMismatch) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

// ExpireIdle archives and removes sessions idle longer than ttl. CAS on the
// delete makes the sweep safe against concurrent gateways and against a
// request touching the session mid-sweep.
func (r *Router) ExpireIdle(ctx context.Context, ttl time.Duration) (int, error) {
	entries, err := r.store.List(ctx, coordstore.SessionPrefix)
	if err != nil {
		return 0, err
	}
	cutoff := r.clk.Now().Add(-ttl).Unix()
	removed := 0
	for _, entry := range entries {
		var sess api.Session
		if err := json.Unmarshal(entry.Value, &sess); err != nil {
			continue
		}
		if sess.LastActivityAt > cutoff {
			continue
		}
		if err := r.store.Delete(ctx, entry.Key, entry.ETag); err != nil {
			// Lost the race to a concurrent sweep or a live request.
			continue
		}
		r.archive(ctx, sess)
		removed++
		r.logger.Debug("router.sweep.expired",
			"session_id", sess.SessionID,
			"worker_id", sess.WorkerID,
			"idle_since_unix", sess.LastActivityAt,
		)
	}
	return removed, nil
}

func (r *Router) archive(ctx context.Context, sess api.Session) {
	payload, err := json.Marshal(sess)
	if err != nil {
		return
	}
	if _, err := coordstore.Upsert(ctx, r.store, coordstore.ArchiveKey(sess.SessionID), payload); err != nil {
		r.logger.Warn("router.archive.failed", "session_id", sess.SessionID, "error", err)
	}
}

// Workers returns the pool table sorted by worker ID.
func (r *Router) Workers(ctx context.Context) ([]api.Worker, error) {
	entries, err := r.store.List(ctx, coordstore.PoolPrefix)
	if err != nil {
		return nil, err
	}
	workers := make([]api.Worker, 0, len(entries))
	for _, entry := range entries {
		var w api.Worker
		if err := json.Unmarshal(entry.Value, &w); err != nil {
			continue
		}
		workers = append(workers, w)
	}
	sort.Slice(workers, func(i, j int) bool { return workers[i].ID < workers[j].ID })
	return workers, nil
}

func (r *Router) worker(ctx context.Context, id int) (api.Worker, error) {
	value, _, err := r.store.Get(ctx, coordstore.PoolKey(id))
	if err != nil {
		return api.Worker{}, err
	}
	var w api.Worker
	if err := json.Unmarshal(value, &w); err != nil {
		return api.Worker{}, fmt.Errorf("router: decode pool row %d: %w", id, err)
	}
	return w, nil
}

func (r *Router) loadSession(ctx context.Context, sessionID string) (api.Session, string, error) {
	value, etag, err := r.store.Get(ctx, coordstore.SessionKey(sessionID))
	if errors.Is(err, coordstore.ErrNotFound) {
		return api.Session{}, "", ErrSessionNotFound
	}
	if err != nil {
		return api.Session{}, "", err
	}
	var sess api.Session
	if err := json.Unmarshal(value, &sess); err != nil {
		return api.Session{}, "", fmt.Errorf("router: decode session %s: %w", sessionID, err)
	}
	return sess, etag, nil
}
