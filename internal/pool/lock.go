package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pkt.systems/proverd/internal/clock"
	"pkt.systems/proverd/internal/coordstore"
	"pkt.systems/proverd/internal/uuidv7"
)

// ErrWorkerBusy reports that the worker's single in-flight slot is taken.
var ErrWorkerBusy = errors.New("pool: worker busy")

// DefaultLockTTL bounds how long a gateway may hold a worker before the
// occupancy row is considered abandoned.
const DefaultLockTTL = 150 * time.Second

type lockRow struct {
	Owner     string `json:"owner"`
	ExpiresAt int64  `json:"expires_at_unix"`
}

// LockManager hands out per-worker occupancy locks through the coordination
// store. Workers execute one request at a time; the lock row is the mutual
// exclusion shared by every gateway process.
type LockManager struct {
	store coordstore.Store
	clk   clock.Clock
}

// NewLockManager returns a lock manager over store.
func NewLockManager(store coordstore.Store, clk clock.Clock) *LockManager {
	if clk == nil {
		clk = clock.Real{}
	}
	return &LockManager{store: store, clk: clk}
}

// Acquire claims the worker's in-flight slot for at most ttl. It fails fast
// with ErrWorkerBusy when another holder is live; expired rows are reclaimed.
// The returned release func is safe to call once the call completes.
func (m *LockManager) Acquire(ctx context.Context, workerID int, ttl time.Duration) (func(), error) {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	key := coordstore.LockKey(workerID)
	row := lockRow{
		Owner:     uuidv7.NewString(),
		ExpiresAt: m.clk.Now().Add(ttl).Unix(),
	}
	payload, err := json.Marshal(row)
	if err != nil {
		return nil, err
	}
	for attempt := 0; attempt < 2; attempt++ {
		etag, err := m.store.Put(ctx, key, payload, "")
		if err == nil {
			return m.releaseFunc(key, etag), nil
		}
		if !errors.Is(err, coordstore.ErrCASMismatch) {
			return nil, fmt.Errorf("pool: acquire worker %d: %w", workerID, err)
		}
		value, currentETag, getErr := m.store.Get(ctx, key)
		if errors.Is(getErr, coordstore.ErrNotFound) {
			continue
		}
		if getErr != nil {
			return nil, getErr
		}
		var current lockRow
		if jsonErr := json.Unmarshal(value, &current); jsonErr == nil && current.ExpiresAt > m.clk.Now().Unix() {
			return nil, ErrWorkerBusy
		}
		// Expired or corrupt row; reclaim under CAS. Losing the race means
		// another gateway got there first.
		if delErr := m.store.Delete(ctx, key, currentETag); delErr != nil &&
			!errors.Is(delErr, coordstore.ErrNotFound) {
			if errors.Is(delErr, coordstore.ErrCASMismatch) {
				return nil, ErrWorkerBusy
			}
			return nil, delErr
		}
	}
	return nil, ErrWorkerBusy
}

// Held reports whether a live occupancy lock exists for the worker.
func (m *LockManager) Held(ctx context.Context, workerID int) (bool, error) {
	value, _, err := m.store.Get(ctx, coordstore.LockKey(workerID))
	if errors.Is(err, coordstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var row lockRow
	if err := json.Unmarshal(value, &row); err != nil {
		return false, nil
	}
	return row.ExpiresAt > m.clk.Now().Unix(), nil
}

func (m *LockManager) releaseFunc(key, etag string) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		// Best effort; an expired row is reclaimed by the next acquirer.
		_ = m.store.Delete(ctx, key, etag)
	}
}
