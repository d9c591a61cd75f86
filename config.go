package proverd

import (
	"fmt"
	"strings"
	"time"

	"pkt.systems/proverd/internal/pool"
)

const (
	// DefaultListen is the gateway bind address.
	DefaultListen = ":9474"
	// DefaultMetricsListen is the Prometheus scrape endpoint; empty disables metrics.
	DefaultMetricsListen = ""
	// DefaultPprofListen is the pprof debug listener; empty disables pprof.
	DefaultPprofListen = ""
	// DefaultStore points the server at the in-memory coordination store.
	DefaultStore = "mem://"
	// DefaultPoolSize is the number of worker slots when none is configured.
	DefaultPoolSize = 4
	// DefaultBasePort is the first worker listen port; slot i gets DefaultBasePort+i.
	DefaultBasePort = 9500
	// DefaultMemoryCeilingMB restarts a worker after two consecutive RSS
	// samples above this many mebibytes.
	DefaultMemoryCeilingMB = 8192
	// DefaultWorkerTimeout bounds one forwarded worker call before the
	// worker is flagged for restart.
	DefaultWorkerTimeout = 120 * time.Second
	// DefaultSessionTTL evicts sessions idle longer than this.
	DefaultSessionTTL = 30 * time.Minute
	// DefaultSweeperInterval sets the idle-session sweep cadence.
	DefaultSweeperInterval = time.Minute
	// DefaultShutdownTimeout caps graceful shutdown (drain + HTTP close).
	DefaultShutdownTimeout = 15 * time.Second
)

// Config captures the tunables for a proverd.Server instance.
type Config struct {
	// Listen is the gateway bind address (for example ":9474").
	Listen string
	// MetricsListen is the metrics endpoint bind address; empty disables metrics.
	MetricsListen string
	// PprofListen is the pprof endpoint bind address; empty disables pprof.
	PprofListen string
	// EnableProfilingMetrics adds runtime profiling metrics to the metrics endpoint.
	EnableProfilingMetrics bool
	// Store is the coordination store DSN (mem:// or disk:///path).
	Store string

	// PoolSize is the number of worker slots.
	PoolSize int
	// BasePort is the first worker listen port; slot i listens on BasePort+i.
	BasePort int
	// WorkerCommand is the argv template for one worker process. The literal
	// "{port}" is replaced with the slot's listen port.
	WorkerCommand []string
	// GatewayOnly skips the supervisor: this instance only routes requests
	// over a store whose pool table another proverd process maintains.
	GatewayOnly bool

	// MemoryCeilingMB is the per-worker RSS restart threshold in mebibytes.
	// Zero disables memory checks.
	MemoryCeilingMB float64
	// ReadinessGrace bounds how long a fresh worker may take to answer its
	// readiness probe before the launch attempt counts as failed.
	ReadinessGrace time.Duration
	// SampleInterval sets the RSS sampling cadence.
	SampleInterval time.Duration
	// DrainTimeout bounds how long a restart waits for the in-flight request.
	DrainTimeout time.Duration
	// RestartBackoffBase, RestartBackoffMax and RestartBackoffMultiplier
	// shape the delay between failed relaunch attempts.
	RestartBackoffBase       time.Duration
	RestartBackoffMax        time.Duration
	RestartBackoffMultiplier float64
	// MaxRestartAttempts marks the slot dead after this many consecutive
	// failed relaunches.
	MaxRestartAttempts int

	// WorkerTimeout bounds one forwarded worker call.
	WorkerTimeout time.Duration
	// LockTTL bounds how long a single request may occupy a worker before
	// other gateways may reclaim the slot.
	LockTTL time.Duration
	// SessionTTL evicts sessions idle longer than this. Zero disables the sweeper.
	SessionTTL time.Duration
	// SweeperInterval sets the idle-session sweep cadence.
	SweeperInterval time.Duration
	// ShutdownTimeout caps total graceful shutdown duration.
	ShutdownTimeout time.Duration

	// OTLPEndpoint enables OTLP trace export to the given collector.
	OTLPEndpoint string
	// DisableHTTPTracing disables OpenTelemetry spans on gateway handlers.
	DisableHTTPTracing bool
}

// Validate applies defaults and sanity-checks the configuration.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if strings.TrimSpace(c.Store) == "" {
		c.Store = DefaultStore
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if c.PoolSize == 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.PoolSize < 0 {
		return fmt.Errorf("config: pool size must be positive")
	}
	if c.BasePort == 0 {
		c.BasePort = DefaultBasePort
	}
	if c.BasePort < 0 || c.BasePort+c.PoolSize > 65535 {
		return fmt.Errorf("config: base port %d leaves no room for %d workers", c.BasePort, c.PoolSize)
	}
	if !c.GatewayOnly && len(c.WorkerCommand) == 0 {
		return fmt.Errorf("config: worker command is required (or set gateway-only)")
	}
	if c.MemoryCeilingMB == 0 {
		c.MemoryCeilingMB = DefaultMemoryCeilingMB
	}
	if c.MemoryCeilingMB < 0 {
		c.MemoryCeilingMB = 0
	}
	if c.ReadinessGrace == 0 {
		c.ReadinessGrace = pool.DefaultReadinessGrace
	}
	if c.SampleInterval == 0 {
		c.SampleInterval = pool.DefaultSampleInterval
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = pool.DefaultDrainTimeout
	}
	if c.RestartBackoffBase == 0 {
		c.RestartBackoffBase = pool.DefaultRestartBackoffBase
	}
	if c.RestartBackoffMax == 0 {
		c.RestartBackoffMax = pool.DefaultRestartBackoffMax
	}
	if c.RestartBackoffMultiplier == 0 {
		c.RestartBackoffMultiplier = pool.DefaultRestartBackoffMultiplier
	}
	if c.MaxRestartAttempts == 0 {
		c.MaxRestartAttempts = pool.DefaultMaxRestartAttempts
	}
	if c.WorkerTimeout == 0 {
		c.WorkerTimeout = DefaultWorkerTimeout
	} else if c.WorkerTimeout < 0 {
		return fmt.Errorf("config: worker timeout must be positive")
	}
	if c.LockTTL == 0 {
		c.LockTTL = pool.DefaultLockTTL
	}
	if c.LockTTL <= c.WorkerTimeout {
		return fmt.Errorf("config: lock ttl must exceed the worker timeout")
	}
	if c.SessionTTL == 0 {
		c.SessionTTL = DefaultSessionTTL
	}
	if c.SessionTTL < 0 {
		c.SessionTTL = 0
	}
	if c.SweeperInterval == 0 {
		c.SweeperInterval = DefaultSweeperInterval
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return nil
}
