package pool

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/proverd/internal/clock"
	"pkt.systems/proverd/internal/coordstore/memory"
)

func TestLockManagerExclusivity(t *testing.T) {
	t.Parallel()
	store := memory.New()
	manual := clock.NewManual(time.Unix(1000, 0))
	locks := NewLockManager(store, manual)
	ctx := context.Background()

	release, err := locks.Acquire(ctx, 0, time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := locks.Acquire(ctx, 0, time.Minute); !errors.Is(err, ErrWorkerBusy) {
		t.Fatalf("expected busy, got %v", err)
	}
	held, err := locks.Held(ctx, 0)
	if err != nil || !held {
		t.Fatalf("expected held, got %v %v", held, err)
	}

	// Other workers are independent.
	releaseOther, err := locks.Acquire(ctx, 1, time.Minute)
	if err != nil {
		t.Fatalf("acquire other worker: %v", err)
	}
	releaseOther()

	release()
	held, err = locks.Held(ctx, 0)
	if err != nil || held {
		t.Fatalf("expected released, got %v %v", held, err)
	}
	if _, err := locks.Acquire(ctx, 0, time.Minute); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestLockManagerReclaimsExpired(t *testing.T) {
	t.Parallel()
	store := memory.New()
	manual := clock.NewManual(time.Unix(1000, 0))
	locks := NewLockManager(store, manual)
	ctx := context.Background()

	if _, err := locks.Acquire(ctx, 0, time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	manual.Advance(2 * time.Minute)

	held, err := locks.Held(ctx, 0)
	if err != nil || held {
		t.Fatalf("expired lock must not report held, got %v %v", held, err)
	}
	release, err := locks.Acquire(ctx, 0, time.Minute)
	if err != nil {
		t.Fatalf("acquire over expired lock: %v", err)
	}
	release()
}
