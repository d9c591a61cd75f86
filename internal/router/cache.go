package router

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"

	"pkt.systems/proverd/internal/coordstore"
)

// Fingerprint derives the cache key for an idempotent worker call. Scoping
// the digest by worker and generation makes every entry from a dead
// incarnation unreachable; the cache is never explicitly invalidated.
func Fingerprint(workerID int, generation int64, op string, payload []byte) string {
	h := blake3.New()
	fmt.Fprintf(h, "%d\x00%d\x00%s\x00", workerID, generation, op)
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// CachedResult returns the memoized worker response for fingerprint, if any.
func (r *Router) CachedResult(ctx context.Context, fingerprint string) (json.RawMessage, bool) {
	value, _, err := r.store.Get(ctx, coordstore.CacheKey(fingerprint))
	if err != nil {
		if !errors.Is(err, coordstore.ErrNotFound) {
			r.logger.Debug("router.cache.get_failed", "fingerprint", fingerprint, "error", err)
		}
		return nil, false
	}
	return value, true
}

// StoreResult memoizes a worker response under fingerprint. Two gateways
// racing on the same fingerprint computed the same answer, so losing the
// create is not an error.
func (r *Router) StoreResult(ctx context.Context, fingerprint string, result json.RawMessage) {
	_, err := r.store.Put(ctx, coordstore.CacheKey(fingerprint), result, "")
	if err != nil && !errors.Is(err, coordstore.ErrCASMismatch) {
		r.logger.Debug("router.cache.put_failed", "fingerprint", fingerprint, "error", err)
	}
}
