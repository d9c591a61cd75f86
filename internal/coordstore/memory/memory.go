// Package memory provides the in-process coordination store. It is the
// default backend for single-binary deployments and for tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/proverd/internal/coordstore"
	"pkt.systems/proverd/internal/uuidv7"
)

// Store implements coordstore.Store in-memory.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry

	watchMu  sync.Mutex
	watchers map[*subscription]struct{}
}

type entry struct {
	payload  []byte
	etag     string
	modified time.Time
}

// New returns a ready to use in-memory store.
func New() *Store {
	return &Store{
		entries:  make(map[string]*entry),
		watchers: make(map[*subscription]struct{}),
	}
}

// Close releases all watch subscriptions.
func (s *Store) Close() error {
	s.watchMu.Lock()
	subs := make([]*subscription, 0, len(s.watchers))
	for sub := range s.watchers {
		subs = append(subs, sub)
	}
	s.watchers = make(map[*subscription]struct{})
	s.watchMu.Unlock()
	for _, sub := range subs {
		sub.shutdown()
	}
	return nil
}

// Get returns a copy of the value stored for key along with its ETag.
func (s *Store) Get(_ context.Context, key string) ([]byte, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ent, ok := s.entries[key]
	if !ok {
		return nil, "", coordstore.ErrNotFound
	}
	return append([]byte(nil), ent.payload...), ent.etag, nil
}

// Put writes the value for key, enforcing CAS when expectedETag is provided.
// An empty expectedETag is a create and fails if the key already exists.
func (s *Store) Put(_ context.Context, key string, value []byte, expectedETag string) (string, error) {
	s.mu.Lock()
	ent, exists := s.entries[key]
	if expectedETag != "" {
		if !exists {
			s.mu.Unlock()
			return "", coordstore.ErrNotFound
		}
		if ent.etag != expectedETag {
			s.mu.Unlock()
			return "", coordstore.ErrCASMismatch
		}
	} else if exists {
		s.mu.Unlock()
		return "", coordstore.ErrCASMismatch
	}
	etag := uuidv7.NewString()
	s.entries[key] = &entry{
		payload:  append([]byte(nil), value...),
		etag:     etag,
		modified: time.Now().UTC(),
	}
	s.mu.Unlock()

	s.notify(key)
	return etag, nil
}

// Delete removes the value for key, respecting the expected ETag when present.
func (s *Store) Delete(_ context.Context, key string, expectedETag string) error {
	s.mu.Lock()
	ent, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return coordstore.ErrNotFound
	}
	if expectedETag != "" && ent.etag != expectedETag {
		s.mu.Unlock()
		return coordstore.ErrCASMismatch
	}
	delete(s.entries, key)
	s.mu.Unlock()

	s.notify(key)
	return nil
}

// List enumerates entries under prefix sorted lexicographically by key.
func (s *Store) List(_ context.Context, prefix string) ([]coordstore.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []coordstore.Entry
	for key, ent := range s.entries {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		out = append(out, coordstore.Entry{
			Key:      key,
			Value:    append([]byte(nil), ent.payload...),
			ETag:     ent.etag,
			Modified: ent.modified,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Watch returns a subscription that is signalled whenever a key under prefix
// is written or deleted. Signals coalesce; a slow consumer sees at least one.
func (s *Store) Watch(prefix string) (coordstore.Subscription, error) {
	sub := &subscription{
		store:  s,
		prefix: prefix,
		events: make(chan struct{}, 1),
	}
	s.watchMu.Lock()
	s.watchers[sub] = struct{}{}
	s.watchMu.Unlock()
	return sub, nil
}

func (s *Store) notify(key string) {
	s.watchMu.Lock()
	var subs []*subscription
	for sub := range s.watchers {
		if strings.HasPrefix(key, sub.prefix) {
			subs = append(subs, sub)
		}
	}
	s.watchMu.Unlock()
	for _, sub := range subs {
		sub.signal()
	}
}

func (s *Store) removeSubscription(sub *subscription) {
	s.watchMu.Lock()
	delete(s.watchers, sub)
	s.watchMu.Unlock()
}

type subscription struct {
	store  *Store
	prefix string
	events chan struct{}
	closed uint32
}

func (s *subscription) Events() <-chan struct{} {
	return s.events
}

func (s *subscription) Close() error {
	if !atomic.CompareAndSwapUint32(&s.closed, 0, 1) {
		return nil
	}
	s.store.removeSubscription(s)
	close(s.events)
	return nil
}

func (s *subscription) signal() {
	if atomic.LoadUint32(&s.closed) == 1 {
		return
	}
	select {
	case s.events <- struct{}{}:
	default:
	}
}

func (s *subscription) shutdown() {
	if !atomic.CompareAndSwapUint32(&s.closed, 0, 1) {
		return
	}
	close(s.events)
}
