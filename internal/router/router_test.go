package router

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"pkt.systems/proverd/api"
	"pkt.systems/proverd/internal/clock"
	"pkt.systems/proverd/internal/coordstore"
	"pkt.systems/proverd/internal/coordstore/memory"
)

func putWorker(t *testing.T, store coordstore.Store, w api.Worker) {
	t.Helper()
	payload, err := json.Marshal(w)
	if err != nil {
		t.Fatalf("marshal worker: %v", err)
	}
	if _, err := coordstore.Upsert(context.Background(), store, coordstore.PoolKey(w.ID), payload); err != nil {
		t.Fatalf("put worker %d: %v", w.ID, err)
	}
}

func readyWorker(id int, generation int64) api.Worker {
	return api.Worker{ID: id, Port: 9000 + id, Status: api.WorkerReady, Generation: generation}
}

func newTestRouter(store coordstore.Store) (*Router, *clock.Manual) {
	manual := clock.NewManual(time.Unix(10000, 0))
	return New(store, manual, nil), manual
}

func TestLoginPicksLeastLoadedWithLowestIDTieBreak(t *testing.T) {
	t.Parallel()
	store := memory.New()
	r, _ := newTestRouter(store)
	ctx := context.Background()

	for id := 0; id < 4; id++ {
		putWorker(t, store, readyWorker(id, 0))
	}
	// Session load shape: worker 0 ×3, worker 1 ×1, worker 2 ×2, worker 3 ×1.
	for workerID, n := range map[int]int{0: 3, 1: 1, 2: 2, 3: 1} {
		for i := 0; i < n; i++ {
			sess := api.Session{SessionID: sessionID(workerID, i), WorkerID: workerID}
			payload, _ := json.Marshal(sess)
			if _, err := store.Put(ctx, coordstore.SessionKey(sess.SessionID), payload, ""); err != nil {
				t.Fatalf("seed session: %v", err)
			}
		}
	}

	sess, err := r.Login(ctx)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if sess.WorkerID != 1 {
		t.Fatalf("loads [3,1,2,1]: expected worker 1, got %d", sess.WorkerID)
	}
}

func sessionID(workerID, i int) string {
	return string(rune('a'+workerID)) + string(rune('0'+i))
}

func TestLoginSkipsNotReadyWorkers(t *testing.T) {
	t.Parallel()
	store := memory.New()
	r, _ := newTestRouter(store)
	ctx := context.Background()

	putWorker(t, store, api.Worker{ID: 0, Status: api.WorkerRestarting})
	putWorker(t, store, api.Worker{ID: 1, Status: api.WorkerDead})
	putWorker(t, store, readyWorker(2, 5))

	sess, err := r.Login(ctx)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if sess.WorkerID != 2 || sess.WorkerGeneration != 5 {
		t.Fatalf("expected worker 2 gen 5, got %d gen %d", sess.WorkerID, sess.WorkerGeneration)
	}
}

func TestLoginNoAvailableWorker(t *testing.T) {
	t.Parallel()
	store := memory.New()
	r, _ := newTestRouter(store)
	ctx := context.Background()

	putWorker(t, store, api.Worker{ID: 0, Status: api.WorkerRestarting})
	if _, err := r.Login(ctx); !errors.Is(err, ErrNoAvailableWorker) {
		t.Fatalf("expected ErrNoAvailableWorker, got %v", err)
	}
	// Empty pool behaves identically.
	empty := memory.New()
	r2, _ := newTestRouter(empty)
	if _, err := r2.Login(ctx); !errors.Is(err, ErrNoAvailableWorker) {
		t.Fatalf("expected ErrNoAvailableWorker on empty pool, got %v", err)
	}
}

func TestResolvePinnedStability(t *testing.T) {
	t.Parallel()
	store := memory.New()
	r, _ := newTestRouter(store)
	ctx := context.Background()

	putWorker(t, store, readyWorker(0, 0))
	putWorker(t, store, readyWorker(1, 0))

	sess, err := r.Login(ctx)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	for i := 0; i < 5; i++ {
		route, err := r.Resolve(ctx, sess.SessionID)
		if err != nil {
			t.Fatalf("resolve %d: %v", i, err)
		}
		if route.Worker.ID != sess.WorkerID {
			t.Fatalf("resolve %d moved session to worker %d", i, route.Worker.ID)
		}
	}
}

func TestResolveSessionNotFound(t *testing.T) {
	t.Parallel()
	store := memory.New()
	r, _ := newTestRouter(store)
	if _, err := r.Resolve(context.Background(), "nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestResolveWorkerGoneOnGenerationBump(t *testing.T) {
	t.Parallel()
	store := memory.New()
	r, _ := newTestRouter(store)
	ctx := context.Background()

	putWorker(t, store, readyWorker(0, 0))
	sess, err := r.Login(ctx)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, err := r.Resolve(ctx, sess.SessionID); err != nil {
		t.Fatalf("resolve before bump: %v", err)
	}

	putWorker(t, store, readyWorker(0, 1))
	if _, err := r.Resolve(ctx, sess.SessionID); !errors.Is(err, ErrWorkerGone) {
		t.Fatalf("expected ErrWorkerGone after generation bump, got %v", err)
	}
}

func TestResolveWorkerGoneOnDeadWorker(t *testing.T) {
	t.Parallel()
	store := memory.New()
	r, _ := newTestRouter(store)
	ctx := context.Background()

	putWorker(t, store, readyWorker(0, 0))
	sess, err := r.Login(ctx)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	putWorker(t, store, api.Worker{ID: 0, Status: api.WorkerDead, Generation: 0})
	if _, err := r.Resolve(ctx, sess.SessionID); !errors.Is(err, ErrWorkerGone) {
		t.Fatalf("expected ErrWorkerGone for dead worker, got %v", err)
	}
}

func TestResolveBumpsLastActivity(t *testing.T) {
	t.Parallel()
	store := memory.New()
	r, manual := newTestRouter(store)
	ctx := context.Background()

	putWorker(t, store, readyWorker(0, 0))
	sess, err := r.Login(ctx)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	manual.Advance(30 * time.Second)
	route, err := r.Resolve(ctx, sess.SessionID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if route.Session.LastActivityAt != sess.LastActivityAt {
		t.Fatalf("route carries pre-touch activity, got %d", route.Session.LastActivityAt)
	}
	fresh, _, err := r.loadSession(ctx, sess.SessionID)
	if err != nil {
		t.Fatalf("reload session: %v", err)
	}
	if fresh.LastActivityAt != sess.LastActivityAt+30 {
		t.Fatalf("expected stored activity %d, got %d", sess.LastActivityAt+30, fresh.LastActivityAt)
	}
}

func TestExpireIdleArchivesAndRemoves(t *testing.T) {
	t.Parallel()
	store := memory.New()
	r, manual := newTestRouter(store)
	ctx := context.Background()

	putWorker(t, store, readyWorker(0, 0))
	idle, err := r.Login(ctx)
	if err != nil {
		t.Fatalf("login idle: %v", err)
	}
	manual.Advance(10 * time.Minute)
	active, err := r.Login(ctx)
	if err != nil {
		t.Fatalf("login active: %v", err)
	}

	removed, err := r.ExpireIdle(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("expire idle: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 expired session, got %d", removed)
	}
	if _, err := r.Resolve(ctx, idle.SessionID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected idle session gone, got %v", err)
	}
	if _, err := r.Resolve(ctx, active.SessionID); err != nil {
		t.Fatalf("active session must survive sweep: %v", err)
	}
	if _, _, err := store.Get(ctx, coordstore.ArchiveKey(idle.SessionID)); err != nil {
		t.Fatalf("expected archive row for expired session: %v", err)
	}
}

// touchingStore refreshes the row just before each delete on key, standing
// in for a live request that touches the session while the sweep runs.
type touchingStore struct {
	coordstore.Store
	key string
}

func (s *touchingStore) Delete(ctx context.Context, key, etag string) error {
	if key == s.key {
		if value, cur, err := s.Store.Get(ctx, key); err == nil {
			if _, err := s.Store.Put(ctx, key, value, cur); err != nil {
				return err
			}
		}
	}
	return s.Store.Delete(ctx, key, etag)
}

func TestExpireIdleDoesNotArchiveTouchedSession(t *testing.T) {
	t.Parallel()
	inner := memory.New()
	wrapped := &touchingStore{Store: inner}
	manual := clock.NewManual(time.Unix(10000, 0))
	r := New(wrapped, manual, nil)
	ctx := context.Background()

	putWorker(t, inner, readyWorker(0, 0))
	sess, err := r.Login(ctx)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	wrapped.key = coordstore.SessionKey(sess.SessionID)
	manual.Advance(10 * time.Minute)

	removed, err := r.ExpireIdle(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("expire idle: %v", err)
	}
	if removed != 0 {
		t.Fatalf("expected no removals for a touched session, got %d", removed)
	}
	if _, err := r.Resolve(ctx, sess.SessionID); err != nil {
		t.Fatalf("touched session must survive sweep: %v", err)
	}
	if _, _, err := inner.Get(ctx, coordstore.ArchiveKey(sess.SessionID)); !errors.Is(err, coordstore.ErrNotFound) {
		t.Fatalf("live session must not be archived, got %v", err)
	}
}

func TestStartTheoremArchivesNonTrivialRun(t *testing.T) {
	t.Parallel()
	store := memory.New()
	r, _ := newTestRouter(store)
	ctx := context.Background()

	putWorker(t, store, readyWorker(0, 0))
	sess, err := r.Login(ctx)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	theorem := api.TheoremRef{Filepath: "theories/Foo.v", Line: 10, Character: 2}
	if err := r.StartTheorem(ctx, sess.SessionID, theorem, 0); err != nil {
		t.Fatalf("start theorem: %v", err)
	}
	// A trivial run (no tactics) is not archived.
	if _, _, err := store.Get(ctx, coordstore.ArchiveKey(sess.SessionID)); !errors.Is(err, coordstore.ErrNotFound) {
		t.Fatalf("trivial run must not archive, got %v", err)
	}

	if err := r.RecordTactic(ctx, sess.SessionID, "intros n."); err != nil {
		t.Fatalf("record tactic: %v", err)
	}
	if err := r.RecordTactic(ctx, sess.SessionID, "reflexivity."); err != nil {
		t.Fatalf("record tactic: %v", err)
	}
	next := api.TheoremRef{Filepath: "theories/Bar.v", Line: 3, Character: 0}
	if err := r.StartTheorem(ctx, sess.SessionID, next, 0); err != nil {
		t.Fatalf("restart theorem: %v", err)
	}

	value, _, err := store.Get(ctx, coordstore.ArchiveKey(sess.SessionID))
	if err != nil {
		t.Fatalf("load archive: %v", err)
	}
	var archived api.Session
	if err := json.Unmarshal(value, &archived); err != nil {
		t.Fatalf("decode archive: %v", err)
	}
	if len(archived.Tactics) != 2 {
		t.Fatalf("expected archived tactic history, got %v", archived.Tactics)
	}
	fresh, _, err := r.loadSession(ctx, sess.SessionID)
	if err != nil {
		t.Fatalf("reload session: %v", err)
	}
	if len(fresh.Tactics) != 0 || fresh.Theorem == nil || fresh.Theorem.Filepath != "theories/Bar.v" {
		t.Fatalf("expected reset history and new theorem, got %+v", fresh)
	}
}

func TestCacheFingerprintScopedByGeneration(t *testing.T) {
	t.Parallel()
	store := memory.New()
	r, _ := newTestRouter(store)
	ctx := context.Background()

	payload := []byte(`{"state":{"st":1}}`)
	fpGen0 := Fingerprint(0, 0, "goals", payload)
	fpGen1 := Fingerprint(0, 1, "goals", payload)
	if fpGen0 == fpGen1 {
		t.Fatal("fingerprints must differ across generations")
	}
	if Fingerprint(0, 0, "goals", payload) != fpGen0 {
		t.Fatal("fingerprint must be deterministic")
	}

	result := json.RawMessage(`{"goals":[],"completed":true}`)
	r.StoreResult(ctx, fpGen0, result)
	// Re-storing the same fingerprint is a benign no-op.
	r.StoreResult(ctx, fpGen0, result)

	got, ok := r.CachedResult(ctx, fpGen0)
	if !ok || string(got) != string(result) {
		t.Fatalf("expected cache hit, got ok=%v value=%s", ok, got)
	}
	if _, ok := r.CachedResult(ctx, fpGen1); ok {
		t.Fatal("new generation must miss the cache")
	}
}
