package main

import (
	"bytes"
	"io"
	"testing"

	"pkt.systems/proverd"
	"pkt.systems/proverd/internal/version"
	"pkt.systems/pslog"
)

func executeRootCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand(pslog.NewStructured(io.Discard))
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestVersionCommandPrintsCurrentVersion(t *testing.T) {
	stdout, stderr, err := executeRootCommand(t, "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if stderr != "" {
		t.Fatalf("expected empty stderr, got %q", stderr)
	}
	want := version.Module() + " " + version.Current() + "\n"
	if stdout != want {
		t.Fatalf("unexpected stdout: got %q want %q", stdout, want)
	}
}

func TestBindConfigMapsFlags(t *testing.T) {
	cmd := newRootCommand(pslog.NewStructured(io.Discard))
	if err := cmd.ParseFlags([]string{
		"--store", "disk:///var/lib/proverd",
		"--pool-size", "8",
		"--base-port", "9600",
		"--worker-command", "pet-server --port {port}",
		"--memory-ceiling", "4GiB",
		"--worker-timeout", "30s",
		"--lock-ttl", "45s",
		"--gateway-only=false",
	}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	var cfg proverd.Config
	if err := bindConfig(&cfg); err != nil {
		t.Fatalf("bindConfig: %v", err)
	}
	if cfg.Store != "disk:///var/lib/proverd" {
		t.Errorf("Store = %q", cfg.Store)
	}
	if cfg.PoolSize != 8 {
		t.Errorf("PoolSize = %d", cfg.PoolSize)
	}
	if cfg.BasePort != 9600 {
		t.Errorf("BasePort = %d", cfg.BasePort)
	}
	want := []string{"pet-server", "--port", "{port}"}
	if len(cfg.WorkerCommand) != len(want) {
		t.Fatalf("WorkerCommand = %v", cfg.WorkerCommand)
	}
	for i := range want {
		if cfg.WorkerCommand[i] != want[i] {
			t.Fatalf("WorkerCommand = %v", cfg.WorkerCommand)
		}
	}
	if cfg.MemoryCeilingMB != 4096 {
		t.Errorf("MemoryCeilingMB = %v", cfg.MemoryCeilingMB)
	}
	if cfg.WorkerTimeout.Seconds() != 30 {
		t.Errorf("WorkerTimeout = %v", cfg.WorkerTimeout)
	}
	if cfg.LockTTL.Seconds() != 45 {
		t.Errorf("LockTTL = %v", cfg.LockTTL)
	}
}

func TestSplitCommand(t *testing.T) {
	if got := splitCommand(""); got != nil {
		t.Errorf("splitCommand(\"\") = %v", got)
	}
	got := splitCommand("  pet-server   --port {port} ")
	if len(got) != 3 || got[0] != "pet-server" || got[1] != "--port" || got[2] != "{port}" {
		t.Errorf("splitCommand = %v", got)
	}
}
