// Package disk provides a file-per-key coordination store backed by the
// local filesystem. Writes go through a temp file and rename so readers
// never observe a partial record.
package disk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"pkt.systems/proverd/internal/coordstore"
	"pkt.systems/proverd/internal/uuidv7"
	"pkt.systems/pslog"
)

// Config captures the tunables for the disk backend.
type Config struct {
	Root string
	Now  func() time.Time
}

// Store implements coordstore.Store backed by the local filesystem.
// Mutations take an advisory lock on a per-key lock file so that several
// gateway processes sharing one root observe create-only and CAS semantics.
type Store struct {
	root    string
	dataDir string
	tmpDir  string
	lockDir string
	now     func() time.Time
}

// globalLocks serialises in-process access to each lock file. fcntl locks
// belong to the whole process and vanish when any descriptor on the inode
// closes, so two Stores over one root must never hold the same lock file
// open concurrently.
var globalLocks sync.Map

func globalKeyMutex(lockPath string) *sync.Mutex {
	mu, _ := globalLocks.LoadOrStore(lockPath, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

type fileLock struct {
	file *os.File
}

func (f *fileLock) Unlock() error {
	if f.file == nil {
		return nil
	}
	if err := unlockFile(f.file); err != nil {
		f.file.Close()
		return err
	}
	return f.file.Close()
}

type record struct {
	ETag     string `json:"etag"`
	Value    []byte `json:"value"`
	Modified int64  `json:"modified_unix_nano"`
}

// New initialises a disk-backed store rooted at cfg.Root.
func New(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("disk: root path required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	root := filepath.Clean(cfg.Root)
	dataDir := filepath.Join(root, "data")
	tmpDir := filepath.Join(root, "tmp")
	lockDir := filepath.Join(root, "locks")
	for _, dir := range []string{dataDir, tmpDir, lockDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("disk: prepare directory %q: %w", dir, err)
		}
	}
	return &Store{
		root:    root,
		dataDir: dataDir,
		tmpDir:  tmpDir,
		lockDir: lockDir,
		now:     cfg.Now,
	}, nil
}

// Close satisfies coordstore.Store; the disk backend holds no goroutines.
func (s *Store) Close() error {
	return nil
}

func (s *Store) lockPath(encoded string) string {
	return filepath.Join(s.lockDir, encoded+".lock")
}

// lockKey guards the read-check-write section for one key against both
// concurrent goroutines in this process and other processes on the same
// root. The returned fileLock must be unlocked before mu.
func (s *Store) lockKey(encoded string) (*sync.Mutex, *fileLock, error) {
	mu := globalKeyMutex(s.lockPath(encoded))
	mu.Lock()
	f, err := os.OpenFile(s.lockPath(encoded), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		mu.Unlock()
		return nil, nil, fmt.Errorf("disk: open lock: %w", err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		mu.Unlock()
		return nil, nil, fmt.Errorf("disk: lock key: %w", err)
	}
	return mu, &fileLock{file: f}, nil
}

func encodeKey(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("disk: key required")
	}
	encoded := url.PathEscape(key)
	if strings.Contains(encoded, "..") {
		return "", fmt.Errorf("disk: invalid key %q", key)
	}
	return encoded, nil
}

func (s *Store) dataPath(encoded string) string {
	return filepath.Join(s.dataDir, encoded+".json")
}

func (s *Store) readRecord(encoded string) (*record, error) {
	payload, err := os.ReadFile(s.dataPath(encoded))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, coordstore.ErrNotFound
		}
		return nil, err
	}
	var rec record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("disk: decode record %q: %w", encoded, err)
	}
	return &rec, nil
}

// Get returns the value stored for key along with its ETag.
func (s *Store) Get(ctx context.Context, key string) ([]byte, string, error) {
	logger := s.logger(ctx)
	encoded, err := encodeKey(key)
	if err != nil {
		return nil, "", err
	}
	rec, err := s.readRecord(encoded)
	if err != nil {
		if !errors.Is(err, coordstore.ErrNotFound) {
			logger.Debug("disk.get.error", "key", key, "error", err)
		}
		return nil, "", err
	}
	return rec.Value, rec.ETag, nil
}

// Put writes the value for key, enforcing CAS when expectedETag is provided.
// An empty expectedETag is a create and fails if the key already exists.
func (s *Store) Put(ctx context.Context, key string, value []byte, expectedETag string) (string, error) {
	logger := s.logger(ctx)
	encoded, err := encodeKey(key)
	if err != nil {
		return "", err
	}
	mu, fl, err := s.lockKey(encoded)
	if err != nil {
		return "", err
	}
	defer mu.Unlock()
	defer fl.Unlock()

	current, err := s.readRecord(encoded)
	exists := err == nil
	if err != nil && !errors.Is(err, coordstore.ErrNotFound) {
		return "", err
	}
	if expectedETag != "" {
		if !exists {
			return "", coordstore.ErrNotFound
		}
		if current.ETag != expectedETag {
			logger.Debug("disk.put.cas_mismatch", "key", key, "expected_etag", expectedETag, "current_etag", current.ETag)
			return "", coordstore.ErrCASMismatch
		}
	} else if exists {
		return "", coordstore.ErrCASMismatch
	}

	rec := record{
		ETag:     uuidv7.NewString(),
		Value:    value,
		Modified: s.now().UTC().UnixNano(),
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}
	if err := s.writeBytesAtomic(s.dataPath(encoded), payload); err != nil {
		logger.Debug("disk.put.write_error", "key", key, "error", err)
		return "", err
	}
	return rec.ETag, nil
}

// Delete removes the value for key, respecting the expected ETag when present.
func (s *Store) Delete(ctx context.Context, key string, expectedETag string) error {
	encoded, err := encodeKey(key)
	if err != nil {
		return err
	}
	mu, fl, err := s.lockKey(encoded)
	if err != nil {
		return err
	}
	defer mu.Unlock()
	defer fl.Unlock()

	if expectedETag != "" {
		rec, err := s.readRecord(encoded)
		if err != nil {
			return err
		}
		if rec.ETag != expectedETag {
			return coordstore.ErrCASMismatch
		}
	}
	if err := os.Remove(s.dataPath(encoded)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return coordstore.ErrNotFound
		}
		return err
	}
	return nil
}

// List enumerates entries under prefix sorted lexicographically by key.
func (s *Store) List(ctx context.Context, prefix string) ([]coordstore.Entry, error) {
	logger := s.logger(ctx)
	names, err := os.ReadDir(s.dataDir)
	if err != nil {
		return nil, err
	}
	var out []coordstore.Entry
	for _, dirEntry := range names {
		if dirEntry.IsDir() {
			continue
		}
		encoded, ok := strings.CutSuffix(dirEntry.Name(), ".json")
		if !ok {
			continue
		}
		key, err := url.PathUnescape(encoded)
		if err != nil || !strings.HasPrefix(key, prefix) {
			continue
		}
		rec, err := s.readRecord(encoded)
		if err != nil {
			if errors.Is(err, coordstore.ErrNotFound) {
				continue
			}
			logger.Debug("disk.list.read_error", "key", key, "error", err)
			return nil, err
		}
		out = append(out, coordstore.Entry{
			Key:      key,
			Value:    rec.Value,
			ETag:     rec.ETag,
			Modified: time.Unix(0, rec.Modified).UTC(),
		})
	}
	// ReadDir sorts by encoded filename; sort on decoded keys to be exact.
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Watch registers a filesystem watcher over the data directory and signals
// whenever a key under prefix changes. Signals coalesce.
func (s *Store) Watch(prefix string) (coordstore.Subscription, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("disk: create watcher: %w", err)
	}
	if err := watcher.Add(s.dataDir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("disk: watch data directory %q: %w", s.dataDir, err)
	}
	sub := &diskSubscription{
		watcher: watcher,
		prefix:  prefix,
		events:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	go sub.run()
	return sub, nil
}

func (s *Store) writeBytesAtomic(dest string, payload []byte) error {
	tmp, err := os.CreateTemp(s.tmpDir, "proverd-kv-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

func (s *Store) logger(ctx context.Context) pslog.Logger {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return logger.With("store_backend", "disk")
}

type diskSubscription struct {
	watcher *fsnotify.Watcher
	prefix  string
	events  chan struct{}
	stop    chan struct{}
	once    sync.Once
}

func (d *diskSubscription) Events() <-chan struct{} {
	return d.events
}

func (d *diskSubscription) Close() error {
	d.once.Do(func() {
		close(d.stop)
		d.watcher.Close()
	})
	return nil
}

func (d *diskSubscription) run() {
	defer close(d.events)
	for {
		select {
		case <-d.stop:
			return
		case ev, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if d.matches(ev.Name) {
				d.signal()
			}
		case <-d.watcher.Errors:
			d.signal()
		}
	}
}

func (d *diskSubscription) matches(path string) bool {
	encoded, ok := strings.CutSuffix(filepath.Base(path), ".json")
	if !ok {
		return false
	}
	key, err := url.PathUnescape(encoded)
	if err != nil {
		return false
	}
	return strings.HasPrefix(key, d.prefix)
}

func (d *diskSubscription) signal() {
	select {
	case d.events <- struct{}{}:
	default:
	}
}
