// Package pool owns the backend worker processes: spawning, readiness,
// memory watching, restarts, and the pool table in the coordination store.
package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"pkt.systems/proverd/api"
	"pkt.systems/proverd/internal/clock"
	"pkt.systems/proverd/internal/coordstore"
	"pkt.systems/proverd/internal/prover"
	"pkt.systems/proverd/internal/svcfields"
	"pkt.systems/pslog"
)

// Defaults applied by New when the corresponding Config field is zero.
const (
	DefaultTickInterval             = 1 * time.Second
	DefaultSampleInterval           = 5 * time.Second
	DefaultReadinessGrace           = 30 * time.Second
	DefaultProbeInterval            = 250 * time.Millisecond
	DefaultDrainTimeout             = 10 * time.Second
	DefaultRestartBackoffBase       = 500 * time.Millisecond
	DefaultRestartBackoffMax        = 10 * time.Second
	DefaultRestartBackoffMultiplier = 2.0
	DefaultMaxRestartAttempts       = 5
)

// ReadinessProber reports nil once the worker at endpoint answers requests.
type ReadinessProber func(ctx context.Context, endpoint string) error

// MemorySampler returns the resident set size of pid in mebibytes.
type MemorySampler func(ctx context.Context, pid int) (float64, error)

// Config tunes the supervisor.
type Config struct {
	// Size is the number of worker slots.
	Size int
	// BasePort is the first listen port; slot i listens on BasePort+i.
	BasePort int
	// Launcher spawns worker processes.
	Launcher Launcher
	// Store is the shared coordination store holding the pool table.
	Store coordstore.Store

	// Prober overrides the readiness probe; defaults to the worker health endpoint.
	Prober ReadinessProber
	// Sampler overrides RSS sampling; defaults to gopsutil.
	Sampler MemorySampler
	// Locks gates restarts on in-flight request drain when set.
	Locks *LockManager
	// Clock substitutes time for tests.
	Clock clock.Clock
	// Logger receives supervisor events; nil means silent.
	Logger pslog.Logger

	// MemoryCeilingMB schedules a restart after two consecutive samples
	// above this RSS. Zero disables memory checks.
	MemoryCeilingMB float64

	TickInterval             time.Duration
	SampleInterval           time.Duration
	ReadinessGrace           time.Duration
	ProbeInterval            time.Duration
	DrainTimeout             time.Duration
	RestartBackoffBase       time.Duration
	RestartBackoffMax        time.Duration
	RestartBackoffMultiplier float64
	MaxRestartAttempts       int
}

// Supervisor is the sole writer of pool rows. One instance per deployment
// runs the spawn/monitor/restart loop; everything else observes through the
// coordination store.
type Supervisor struct {
	cfg    Config
	store  coordstore.Store
	clk    clock.Clock
	logger pslog.Logger
	locks  *LockManager

	slots      []*slot
	lastSample time.Time

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

type slot struct {
	id   int
	port int

	proc    Process
	pid     int
	exited  chan struct{}
	exitErr error

	status     api.WorkerStatus
	generation int64
	rssMB      float64
	breaches   int
}

// New validates cfg, applies defaults, and returns an idle supervisor.
// Call Start to spawn the pool.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Size <= 0 {
		return nil, fmt.Errorf("pool: size must be positive")
	}
	if cfg.BasePort <= 0 {
		return nil, fmt.Errorf("pool: base port must be positive")
	}
	if cfg.Launcher == nil {
		return nil, fmt.Errorf("pool: launcher required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("pool: store required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	if cfg.Prober == nil {
		cfg.Prober = httpProber
	}
	if cfg.Sampler == nil {
		cfg.Sampler = sampleRSS
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = DefaultSampleInterval
	}
	if cfg.ReadinessGrace <= 0 {
		cfg.ReadinessGrace = DefaultReadinessGrace
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = DefaultProbeInterval
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	if cfg.RestartBackoffBase <= 0 {
		cfg.RestartBackoffBase = DefaultRestartBackoffBase
	}
	if cfg.RestartBackoffMax <= 0 {
		cfg.RestartBackoffMax = DefaultRestartBackoffMax
	}
	if cfg.RestartBackoffMultiplier < 1 {
		cfg.RestartBackoffMultiplier = DefaultRestartBackoffMultiplier
	}
	if cfg.MaxRestartAttempts <= 0 {
		cfg.MaxRestartAttempts = DefaultMaxRestartAttempts
	}
	s := &Supervisor{
		cfg:    cfg,
		store:  cfg.Store,
		clk:    cfg.Clock,
		logger: svcfields.WithSubsystem(cfg.Logger, "pool.supervisor"),
		locks:  cfg.Locks,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for i := 0; i < cfg.Size; i++ {
		s.slots = append(s.slots, &slot{
			id:     i,
			port:   cfg.BasePort + i,
			status: api.WorkerStarting,
		})
	}
	return s, nil
}

// Start spawns all workers sequentially and begins the monitor loop. A slot
// whose initial spawn fails gets one respawn attempt before it is marked
// dead; Start only errors when the pool table itself is unreachable.
func (s *Supervisor) Start(ctx context.Context) error {
	for _, sl := range s.slots {
		if err := s.spawn(ctx, sl); err != nil {
			s.logger.Warn("pool.spawn.failed", "worker_id", sl.id, "port", sl.port, "error", err)
			s.clk.Sleep(s.cfg.RestartBackoffBase)
			if err := s.spawn(ctx, sl); err != nil {
				s.logger.Warn("pool.spawn.retry_failed", "worker_id", sl.id, "port", sl.port, "error", err)
				sl.status = api.WorkerDead
			}
		}
		if err := s.publish(ctx, sl); err != nil {
			return err
		}
	}
	s.lastSample = s.clk.Now()
	go s.run()
	return nil
}

// Shutdown stops the monitor loop and terminates every worker.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	for _, sl := range s.slots {
		s.stopProcess(sl)
		sl.status = api.WorkerDead
		sl.pid = 0
		if err := s.publish(ctx, sl); err != nil {
			s.logger.Warn("pool.shutdown.publish_failed", "worker_id", sl.id, "error", err)
		}
	}
	return nil
}

// RequestRestart flags a worker for restart through the coordination store.
// Gateways call this when a worker times out; the supervisor consumes the
// marker on its next tick. Requesting an already flagged worker is a no-op.
func RequestRestart(ctx context.Context, store coordstore.Store, workerID int) error {
	payload, err := json.Marshal(map[string]int64{"requested_at_unix": time.Now().Unix()})
	if err != nil {
		return err
	}
	_, err = store.Put(ctx, coordstore.RestartKey(workerID), payload, "")
	if errors.Is(err, coordstore.ErrCASMismatch) {
		return nil
	}
	return err
}

func (s *Supervisor) run() {
	defer close(s.done)
	ctx := context.Background()
	for {
		select {
		case <-s.stop:
			return
		case <-s.clk.After(s.cfg.TickInterval):
			s.tick(ctx)
		}
	}
}

// Tick runs one monitor pass: restart markers, crash detection, RSS checks.
// Exposed for deterministic tests driving a manual clock.
func (s *Supervisor) Tick(ctx context.Context) {
	s.tick(ctx)
}

func (s *Supervisor) tick(ctx context.Context) {
	s.consumeRestartMarkers(ctx)

	sample := false
	now := s.clk.Now()
	if now.Sub(s.lastSample) >= s.cfg.SampleInterval {
		s.lastSample = now
		sample = true
	}

	for _, sl := range s.slots {
		if sl.status == api.WorkerDead {
			continue
		}
		if sl.crashed() {
			s.logger.Warn("pool.worker.crashed", "worker_id", sl.id, "pid", sl.pid, "error", sl.exitErr)
			s.restart(ctx, sl)
			continue
		}
		if sample && sl.proc != nil {
			s.sampleSlot(ctx, sl)
		}
	}
}

func (s *Supervisor) consumeRestartMarkers(ctx context.Context) {
	entries, err := s.store.List(ctx, coordstore.RestartPrefix)
	if err != nil {
		s.logger.Warn("pool.restart_markers.list_failed", "error", err)
		return
	}
	for _, entry := range entries {
		id, ok := coordstore.WorkerIDFromKey(entry.Key)
		if !ok || id < 0 || id >= len(s.slots) {
			s.store.Delete(ctx, entry.Key, "")
			continue
		}
		// Claim the marker before acting so a crash between delete and
		// restart leaves at worst a healthy worker restarted twice.
		if err := s.store.Delete(ctx, entry.Key, entry.ETag); err != nil {
			continue
		}
		sl := s.slots[id]
		if sl.status == api.WorkerDead {
			continue
		}
		s.logger.Info("pool.restart.requested", "worker_id", id)
		s.restart(ctx, sl)
	}
}

func (s *Supervisor) sampleSlot(ctx context.Context, sl *slot) {
	rss, err := s.cfg.Sampler(ctx, sl.pid)
	if err != nil {
		s.logger.Debug("pool.sample.failed", "worker_id", sl.id, "pid", sl.pid, "error", err)
		return
	}
	sl.rssMB = rss
	if s.cfg.MemoryCeilingMB > 0 && rss > s.cfg.MemoryCeilingMB {
		sl.breaches++
	} else {
		sl.breaches = 0
	}
	if sl.breaches >= 2 {
		s.logger.Warn("pool.worker.memory_ceiling",
			"worker_id", sl.id,
			"rss_mb", rss,
			"ceiling_mb", s.cfg.MemoryCeilingMB,
		)
		sl.status = api.WorkerOverloaded
		if err := s.publish(ctx, sl); err != nil {
			s.logger.Warn("pool.publish.failed", "worker_id", sl.id, "error", err)
		}
		s.restart(ctx, sl)
		return
	}
	if err := s.publish(ctx, sl); err != nil {
		s.logger.Warn("pool.publish.failed", "worker_id", sl.id, "error", err)
	}
}

func (s *Supervisor) spawn(ctx context.Context, sl *slot) error {
	sl.status = api.WorkerStarting
	if err := s.publish(ctx, sl); err != nil {
		return err
	}
	proc, err := s.cfg.Launcher.Launch(ctx, sl.port)
	if err != nil {
		return err
	}
	s.watch(sl, proc)
	if err := s.probe(ctx, sl); err != nil {
		s.stopProcess(sl)
		return fmt.Errorf("pool: worker %d readiness: %w", sl.id, err)
	}
	sl.status = api.WorkerReady
	sl.breaches = 0
	sl.rssMB = 0
	s.logger.Info("pool.worker.ready",
		"worker_id", sl.id,
		"port", sl.port,
		"pid", sl.pid,
		"generation", sl.generation,
	)
	return nil
}

func (s *Supervisor) watch(sl *slot, proc Process) {
	sl.proc = proc
	sl.pid = proc.PID()
	exited := make(chan struct{})
	sl.exited = exited
	go func() {
		err := proc.Wait()
		sl.exitErr = err
		close(exited)
	}()
}

// probeCallTimeout bounds a single readiness probe attempt.
const probeCallTimeout = 2 * time.Second

func (s *Supervisor) probe(ctx context.Context, sl *slot) error {
	endpoint := api.Worker{Port: sl.port}.Endpoint()
	deadline := s.clk.Now().Add(s.cfg.ReadinessGrace)
	for {
		probeCtx, cancel := context.WithTimeout(ctx, probeCallTimeout)
		err := s.cfg.Prober(probeCtx, endpoint)
		cancel()
		if err == nil {
			return nil
		}
		if sl.crashed() {
			return fmt.Errorf("pool: worker exited during startup: %w", sl.exitErr)
		}
		if !s.clk.Now().Before(deadline) {
			return err
		}
		s.clk.Sleep(s.cfg.ProbeInterval)
	}
}

func (s *Supervisor) restart(ctx context.Context, sl *slot) {
	sl.status = api.WorkerRestarting
	if err := s.publish(ctx, sl); err != nil {
		s.logger.Warn("pool.publish.failed", "worker_id", sl.id, "error", err)
	}
	s.drain(ctx, sl)
	s.stopProcess(sl)
	sl.generation++

	for attempt := 1; attempt <= s.cfg.MaxRestartAttempts; attempt++ {
		if attempt > 1 {
			s.clk.Sleep(s.backoff(attempt - 1))
		}
		if err := s.spawn(ctx, sl); err != nil {
			s.logger.Warn("pool.restart.attempt_failed",
				"worker_id", sl.id,
				"attempt", attempt,
				"max_attempts", s.cfg.MaxRestartAttempts,
				"error", err,
			)
			continue
		}
		if err := s.publish(ctx, sl); err != nil {
			s.logger.Warn("pool.publish.failed", "worker_id", sl.id, "error", err)
		}
		return
	}
	s.logger.Error("pool.worker.dead", "worker_id", sl.id, "generation", sl.generation)
	sl.status = api.WorkerDead
	sl.pid = 0
	if err := s.publish(ctx, sl); err != nil {
		s.logger.Warn("pool.publish.failed", "worker_id", sl.id, "error", err)
	}
}

// drain waits for the worker's occupancy lock to clear so an in-flight
// request can finish before the process goes away.
func (s *Supervisor) drain(ctx context.Context, sl *slot) {
	if s.locks == nil {
		return
	}
	deadline := s.clk.Now().Add(s.cfg.DrainTimeout)
	for s.clk.Now().Before(deadline) {
		held, err := s.locks.Held(ctx, sl.id)
		if err != nil || !held {
			return
		}
		s.clk.Sleep(s.cfg.ProbeInterval)
	}
	s.logger.Warn("pool.drain.timeout", "worker_id", sl.id)
}

func (s *Supervisor) stopProcess(sl *slot) {
	if sl.proc == nil {
		return
	}
	sl.proc.Terminate()
	select {
	case <-sl.exited:
	case <-time.After(2 * time.Second):
		sl.proc.Kill()
		<-sl.exited
	}
	sl.proc = nil
	sl.pid = 0
}

func (s *Supervisor) backoff(failures int) time.Duration {
	d := float64(s.cfg.RestartBackoffBase)
	for i := 1; i < failures; i++ {
		d *= s.cfg.RestartBackoffMultiplier
		if d >= float64(s.cfg.RestartBackoffMax) {
			return s.cfg.RestartBackoffMax
		}
	}
	if d > float64(s.cfg.RestartBackoffMax) {
		d = float64(s.cfg.RestartBackoffMax)
	}
	return time.Duration(d)
}

func (s *Supervisor) publish(ctx context.Context, sl *slot) error {
	row := api.Worker{
		ID:               sl.id,
		Port:             sl.port,
		PID:              sl.pid,
		Status:           sl.status,
		ResidentMemoryMB: sl.rssMB,
		Generation:       sl.generation,
		UpdatedAt:        s.clk.Now().Unix(),
	}
	payload, err := json.Marshal(row)
	if err != nil {
		return err
	}
	if _, err := coordstore.Upsert(ctx, s.store, coordstore.PoolKey(sl.id), payload); err != nil {
		return fmt.Errorf("pool: publish worker %d: %w", sl.id, err)
	}
	return nil
}

func (sl *slot) crashed() bool {
	if sl.exited == nil {
		return false
	}
	select {
	case <-sl.exited:
		return sl.proc != nil
	default:
		return false
	}
}

func httpProber(ctx context.Context, endpoint string) error {
	return prover.New(endpoint).Ready(ctx)
}

func sampleRSS(ctx context.Context, pid int) (float64, error) {
	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return 0, err
	}
	info, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return float64(info.RSS) / (1024 * 1024), nil
}
