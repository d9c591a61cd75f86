// Package coordstore defines the shared coordination store protocol: a small
// transactional key-value abstraction with compare-and-set/compare-and-delete
// semantics. The store is the single source of truth for the pool and session
// tables across independent front-end processes; every local view is a cache
// that must treat the store as authoritative on conflict.
package coordstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates the key has no value.
var ErrNotFound = errors.New("coordstore: not found")

// ErrCASMismatch indicates the expected ETag no longer matches, or a
// create-only put found an existing value.
var ErrCASMismatch = errors.New("coordstore: cas mismatch")

// ErrNotImplemented is returned by optional capabilities (Watch) on backends
// that do not support them.
var ErrNotImplemented = errors.New("coordstore: not implemented")

// Entry is one listed key/value pair.
type Entry struct {
	Key      string
	Value    []byte
	ETag     string
	Modified time.Time
}

// Store is the coordination store contract. All mutations are atomic:
// Put with an empty expectedETag is create-only and fails with ErrCASMismatch
// when the key exists; a non-empty expectedETag enforces compare-and-set.
// Delete with a non-empty expectedETag enforces compare-and-delete.
type Store interface {
	// Get returns the value and current ETag for key.
	Get(ctx context.Context, key string) ([]byte, string, error)
	// Put writes value under key and returns the new ETag.
	Put(ctx context.Context, key string, value []byte, expectedETag string) (string, error)
	// Delete removes key, honoring expectedETag when non-empty.
	Delete(ctx context.Context, key string, expectedETag string) error
	// List enumerates entries whose key starts with prefix, in key order.
	List(ctx context.Context, prefix string) ([]Entry, error)
	// Watch subscribes to change notifications for keys under prefix.
	// Backends without notification support return ErrNotImplemented.
	Watch(prefix string) (Subscription, error)
	// Close releases backend resources.
	Close() error
}

// Subscription delivers coalesced change notifications. Events fires at
// least once after any mutation under the watched prefix; consumers re-list
// to observe the new state.
type Subscription interface {
	Events() <-chan struct{}
	Close() error
}

// Upsert writes value under key regardless of the current ETag, retrying a
// bounded number of CAS races. It is a convenience for single-writer rows
// (pool table) where last-write-wins is the intended semantic.
func Upsert(ctx context.Context, s Store, key string, value []byte) (string, error) {
	const attempts = 3
	var lastErr error
	for range attempts {
		_, etag, err := s.Get(ctx, key)
		switch {
		case errors.Is(err, ErrNotFound):
			etag = ""
		case err != nil:
			return "", err
		}
		newETag, err := s.Put(ctx, key, value, etag)
		if err == nil {
			return newETag, nil
		}
		if !errors.Is(err, ErrCASMismatch) {
			return "", err
		}
		lastErr = err
	}
	return "", lastErr
}
