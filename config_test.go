package proverd

import (
	"strings"
	"testing"
	"time"

	"pkt.systems/proverd/internal/pool"
)

func TestValidateAppliesDefaults(t *testing.T) {
	t.Parallel()
	cfg := Config{WorkerCommand: []string{"pet-server", "--port", "{port}"}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Listen != DefaultListen {
		t.Errorf("Listen = %q", cfg.Listen)
	}
	if cfg.Store != DefaultStore {
		t.Errorf("Store = %q", cfg.Store)
	}
	if cfg.PoolSize != DefaultPoolSize {
		t.Errorf("PoolSize = %d", cfg.PoolSize)
	}
	if cfg.BasePort != DefaultBasePort {
		t.Errorf("BasePort = %d", cfg.BasePort)
	}
	if cfg.WorkerTimeout != DefaultWorkerTimeout {
		t.Errorf("WorkerTimeout = %v", cfg.WorkerTimeout)
	}
	if cfg.LockTTL != pool.DefaultLockTTL {
		t.Errorf("LockTTL = %v", cfg.LockTTL)
	}
	if cfg.SessionTTL != DefaultSessionTTL {
		t.Errorf("SessionTTL = %v", cfg.SessionTTL)
	}
	if cfg.SweeperInterval != DefaultSweeperInterval {
		t.Errorf("SweeperInterval = %v", cfg.SweeperInterval)
	}
	if cfg.MemoryCeilingMB != DefaultMemoryCeilingMB {
		t.Errorf("MemoryCeilingMB = %v", cfg.MemoryCeilingMB)
	}
	if cfg.DrainTimeout != pool.DefaultDrainTimeout {
		t.Errorf("DrainTimeout = %v", cfg.DrainTimeout)
	}
}

func TestValidateRequiresWorkerCommand(t *testing.T) {
	t.Parallel()
	cfg := Config{}
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "worker command") {
		t.Fatalf("expected worker command error, got %v", err)
	}
}

func TestValidateGatewayOnlySkipsWorkerCommand(t *testing.T) {
	t.Parallel()
	cfg := Config{GatewayOnly: true}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateLockTTLMustExceedWorkerTimeout(t *testing.T) {
	t.Parallel()
	cfg := Config{
		GatewayOnly:   true,
		WorkerTimeout: 30 * time.Second,
		LockTTL:       30 * time.Second,
	}
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "lock ttl") {
		t.Fatalf("expected lock ttl error, got %v", err)
	}
}

func TestValidateProfilingMetricsNeedMetricsListen(t *testing.T) {
	t.Parallel()
	cfg := Config{GatewayOnly: true, EnableProfilingMetrics: true}
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "metrics-listen") {
		t.Fatalf("expected metrics-listen error, got %v", err)
	}
}

func TestValidateRejectsPortExhaustion(t *testing.T) {
	t.Parallel()
	cfg := Config{GatewayOnly: true, BasePort: 65530, PoolSize: 10}
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "no room") {
		t.Fatalf("expected base port error, got %v", err)
	}
}

func TestValidateNegativeTTLsDisable(t *testing.T) {
	t.Parallel()
	cfg := Config{GatewayOnly: true, SessionTTL: -1, MemoryCeilingMB: -1}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.SessionTTL != 0 {
		t.Errorf("SessionTTL = %v, want disabled", cfg.SessionTTL)
	}
	if cfg.MemoryCeilingMB != 0 {
		t.Errorf("MemoryCeilingMB = %v, want disabled", cfg.MemoryCeilingMB)
	}
}
