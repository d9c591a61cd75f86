package pool

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"pkt.systems/proverd/api"
	"pkt.systems/proverd/internal/coordstore"
	"pkt.systems/proverd/internal/coordstore/memory"
)

type fakeProcess struct {
	pid  int
	exit chan struct{}
	once sync.Once
}

func (p *fakeProcess) PID() int { return p.pid }

func (p *fakeProcess) Wait() error {
	<-p.exit
	return nil
}

func (p *fakeProcess) Terminate() error {
	p.stop()
	return nil
}

func (p *fakeProcess) Kill() error {
	p.stop()
	return nil
}

func (p *fakeProcess) stop() {
	p.once.Do(func() { close(p.exit) })
}

type fakeLauncher struct {
	mu       sync.Mutex
	nextPID  int
	launches []int
	procs    []*fakeProcess
	failRest bool
	// failFirst fails this many Launch calls before succeeding.
	failFirst int
}

func (l *fakeLauncher) Launch(_ context.Context, port int) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failFirst > 0 {
		l.failFirst--
		l.launches = append(l.launches, port)
		return nil, errors.New("spawn refused")
	}
	if l.failRest && len(l.launches) > 0 {
		l.launches = append(l.launches, port)
		return nil, errors.New("spawn refused")
	}
	l.nextPID++
	proc := &fakeProcess{pid: 1000 + l.nextPID, exit: make(chan struct{})}
	l.launches = append(l.launches, port)
	l.procs = append(l.procs, proc)
	return proc, nil
}

func (l *fakeLauncher) launchCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.launches)
}

func (l *fakeLauncher) lastProc() *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[len(l.procs)-1]
}

func okProber(context.Context, string) error { return nil }

func testConfig(store coordstore.Store, launcher Launcher) Config {
	return Config{
		Size:               1,
		BasePort:           9000,
		Launcher:           launcher,
		Store:              store,
		Prober:             okProber,
		Sampler:            func(context.Context, int) (float64, error) { return 1, nil },
		TickInterval:       time.Hour,
		SampleInterval:     time.Nanosecond,
		ReadinessGrace:     time.Second,
		ProbeInterval:      time.Millisecond,
		DrainTimeout:       time.Millisecond,
		RestartBackoffBase: time.Millisecond,
		RestartBackoffMax:  2 * time.Millisecond,
		MaxRestartAttempts: 3,
	}
}

func loadWorker(t *testing.T, store coordstore.Store, id int) api.Worker {
	t.Helper()
	value, _, err := store.Get(context.Background(), coordstore.PoolKey(id))
	if err != nil {
		t.Fatalf("load pool row %d: %v", id, err)
	}
	var w api.Worker
	if err := json.Unmarshal(value, &w); err != nil {
		t.Fatalf("decode pool row %d: %v", id, err)
	}
	return w
}

func TestStartPublishesReadyWorkers(t *testing.T) {
	store := memory.New()
	launcher := &fakeLauncher{}
	cfg := testConfig(store, launcher)
	cfg.Size = 3
	sup, err := New(cfg)
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}
	ctx := context.Background()
	if err := sup.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sup.Shutdown(ctx)

	for id := 0; id < 3; id++ {
		w := loadWorker(t, store, id)
		if w.Status != api.WorkerReady {
			t.Fatalf("worker %d: expected ready, got %s", id, w.Status)
		}
		if w.Port != 9000+id {
			t.Fatalf("worker %d: expected port %d, got %d", id, 9000+id, w.Port)
		}
		if w.Generation != 0 {
			t.Fatalf("worker %d: expected generation 0, got %d", id, w.Generation)
		}
		if w.PID == 0 {
			t.Fatalf("worker %d: expected pid", id)
		}
	}
}

func TestRestartMarkerBumpsGeneration(t *testing.T) {
	store := memory.New()
	launcher := &fakeLauncher{}
	sup, err := New(testConfig(store, launcher))
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}
	ctx := context.Background()
	if err := sup.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sup.Shutdown(ctx)

	firstPID := loadWorker(t, store, 0).PID
	if err := RequestRestart(ctx, store, 0); err != nil {
		t.Fatalf("request restart: %v", err)
	}
	// A duplicate request must be a silent no-op.
	if err := RequestRestart(ctx, store, 0); err != nil {
		t.Fatalf("duplicate request restart: %v", err)
	}
	sup.Tick(ctx)

	w := loadWorker(t, store, 0)
	if w.Generation != 1 {
		t.Fatalf("expected generation 1 after restart, got %d", w.Generation)
	}
	if w.Status != api.WorkerReady {
		t.Fatalf("expected ready after restart, got %s", w.Status)
	}
	if w.PID == firstPID {
		t.Fatal("expected a fresh process after restart")
	}
	if launcher.launchCount() != 2 {
		t.Fatalf("expected 2 launches, got %d", launcher.launchCount())
	}
	if _, _, err := store.Get(ctx, coordstore.RestartKey(0)); !errors.Is(err, coordstore.ErrNotFound) {
		t.Fatalf("expected restart marker consumed, got %v", err)
	}
}

func TestMemoryCeilingRequiresTwoConsecutiveBreaches(t *testing.T) {
	store := memory.New()
	launcher := &fakeLauncher{}
	cfg := testConfig(store, launcher)
	cfg.MemoryCeilingMB = 100

	var rss float64 = 50
	var mu sync.Mutex
	cfg.Sampler = func(context.Context, int) (float64, error) {
		mu.Lock()
		defer mu.Unlock()
		return rss, nil
	}

	sup, err := New(cfg)
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}
	ctx := context.Background()
	if err := sup.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sup.Shutdown(ctx)

	setRSS := func(v float64) {
		mu.Lock()
		rss = v
		mu.Unlock()
	}

	// One breach alone must not restart.
	setRSS(150)
	sup.Tick(ctx)
	if launcher.launchCount() != 1 {
		t.Fatalf("restart after a single breach: %d launches", launcher.launchCount())
	}
	// A recovery sample resets the streak.
	setRSS(80)
	sup.Tick(ctx)
	setRSS(150)
	sup.Tick(ctx)
	if launcher.launchCount() != 1 {
		t.Fatalf("restart after non-consecutive breaches: %d launches", launcher.launchCount())
	}
	// Two in a row trigger the restart.
	sup.Tick(ctx)
	if launcher.launchCount() != 2 {
		t.Fatalf("expected restart after two consecutive breaches, got %d launches", launcher.launchCount())
	}
	w := loadWorker(t, store, 0)
	if w.Generation != 1 {
		t.Fatalf("expected generation 1, got %d", w.Generation)
	}
}

func TestStartRespawnsOnceAfterInitialSpawnFailure(t *testing.T) {
	store := memory.New()
	launcher := &fakeLauncher{failFirst: 1}
	sup, err := New(testConfig(store, launcher))
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}
	ctx := context.Background()
	if err := sup.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sup.Shutdown(ctx)

	if got := launcher.launchCount(); got != 2 {
		t.Fatalf("expected 2 launch attempts, got %d", got)
	}
	w := loadWorker(t, store, 0)
	if w.Status != api.WorkerReady {
		t.Fatalf("expected ready after respawn, got %s", w.Status)
	}
}

func TestStartMarksDeadWhenRespawnFailsToo(t *testing.T) {
	store := memory.New()
	launcher := &fakeLauncher{failFirst: 2}
	sup, err := New(testConfig(store, launcher))
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}
	ctx := context.Background()
	if err := sup.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sup.Shutdown(ctx)

	if got := launcher.launchCount(); got != 2 {
		t.Fatalf("expected 2 launch attempts, got %d", got)
	}
	w := loadWorker(t, store, 0)
	if w.Status != api.WorkerDead {
		t.Fatalf("expected dead after failed respawn, got %s", w.Status)
	}
}

func TestCrashDetectionRespawns(t *testing.T) {
	store := memory.New()
	launcher := &fakeLauncher{}
	sup, err := New(testConfig(store, launcher))
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}
	ctx := context.Background()
	if err := sup.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sup.Shutdown(ctx)

	launcher.lastProc().stop()
	waitForExit(t, launcher.lastProc())
	sup.Tick(ctx)

	w := loadWorker(t, store, 0)
	if w.Status != api.WorkerReady {
		t.Fatalf("expected respawned worker ready, got %s", w.Status)
	}
	if w.Generation != 1 {
		t.Fatalf("expected generation 1 after crash respawn, got %d", w.Generation)
	}
}

func TestRestartBudgetExhaustionMarksDead(t *testing.T) {
	store := memory.New()
	launcher := &fakeLauncher{failRest: true}
	sup, err := New(testConfig(store, launcher))
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}
	ctx := context.Background()
	if err := sup.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sup.Shutdown(ctx)

	if err := RequestRestart(ctx, store, 0); err != nil {
		t.Fatalf("request restart: %v", err)
	}
	sup.Tick(ctx)

	w := loadWorker(t, store, 0)
	if w.Status != api.WorkerDead {
		t.Fatalf("expected dead after exhausted budget, got %s", w.Status)
	}
	// 1 initial + MaxRestartAttempts failed relaunches.
	if launcher.launchCount() != 4 {
		t.Fatalf("expected 4 launch attempts, got %d", launcher.launchCount())
	}

	// Dead slots ignore further restart requests.
	if err := RequestRestart(ctx, store, 0); err != nil {
		t.Fatalf("request restart on dead: %v", err)
	}
	sup.Tick(ctx)
	if launcher.launchCount() != 4 {
		t.Fatalf("dead slot must stay down, got %d launches", launcher.launchCount())
	}
}

func waitForExit(t *testing.T, p *fakeProcess) {
	t.Helper()
	select {
	case <-p.exit:
		// Give the supervisor's watch goroutine a moment to observe it.
		time.Sleep(10 * time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("process did not exit")
	}
}

func TestExecLauncherSubstitutesPort(t *testing.T) {
	t.Parallel()
	launcher := ExecLauncher{Command: []string{"/bin/sh", "-c", "exit 0 # {port}"}}
	proc, err := launcher.Launch(context.Background(), 9123)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if proc.PID() == 0 {
		t.Fatal("expected pid")
	}
	if err := proc.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if _, err := (ExecLauncher{}).Launch(context.Background(), 9123); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestBackoffCapped(t *testing.T) {
	t.Parallel()
	sup, err := New(Config{
		Size:                     1,
		BasePort:                 9000,
		Launcher:                 &fakeLauncher{},
		Store:                    memory.New(),
		RestartBackoffBase:       time.Second,
		RestartBackoffMax:        4 * time.Second,
		RestartBackoffMultiplier: 2,
	})
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}
	for i, want := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second} {
		if got := sup.backoff(i + 1); got != want {
			t.Fatalf("backoff(%d): expected %v, got %v", i+1, want, got)
		}
	}
}

func TestSupervisorValidation(t *testing.T) {
	t.Parallel()
	cases := []Config{
		{},
		{Size: 1},
		{Size: 1, BasePort: 9000},
		{Size: 1, BasePort: 9000, Launcher: &fakeLauncher{}},
	}
	for i, cfg := range cases {
		if _, err := New(cfg); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}
