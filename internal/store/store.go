// Package store persists the two proctord records, the session and the
// event log, behind a small key/value abstraction.
//
// Callers never talk to a backend directly. They go through Shared, which
// serializes every read-modify-write so concurrent appends from the timer,
// the monitor and the enforcer cannot overwrite each other.
package store

import (
	"errors"
	"fmt"
	"sync"
)

// Logical record keys.
const (
	KeySession = "secure_test_session"
	KeyLogs    = "secure_test_logs"
)

var (
	// ErrNotFound is returned by Get when the key has no value.
	ErrNotFound = errors.New("store: record not found")

	// ErrClosed is returned by operations on a closed backend.
	ErrClosed = errors.New("store: closed")

	// ErrUnknownBackend is returned by Open for an unsupported backend name.
	ErrUnknownBackend = errors.New("store: unknown backend")
)

// KV is a durable key/value backend.
type KV interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Remove(key string) error
	Close() error
}

// Locker is implemented by backends that can be shared between processes
// (for example the daemon and proctorctl) and need an OS-level lock around
// each read-modify-write.
type Locker interface {
	Lock() error
	Unlock() error
}

// Shared guards a KV so that a whole read-modify-write runs without
// interleaving.
type Shared struct {
	mu sync.Mutex
	kv KV
}

// NewShared wraps kv.
func NewShared(kv KV) *Shared {
	return &Shared{kv: kv}
}

// Atomically runs fn with exclusive access to the backend.
func (s *Shared) Atomically(fn func(kv KV) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.kv.(Locker); ok {
		if err := l.Lock(); err != nil {
			return fmt.Errorf("lock store: %w", err)
		}
		defer l.Unlock()
	}
	return fn(s.kv)
}

// Get is a convenience read under the lock.
func (s *Shared) Get(key string) ([]byte, error) {
	var data []byte
	err := s.Atomically(func(kv KV) error {
		var err error
		data, err = kv.Get(key)
		return err
	})
	return data, err
}

// Ping checks that the backend answers reads. A missing record is fine.
func (s *Shared) Ping() error {
	_, err := s.Get(KeySession)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

// Close closes the backend.
func (s *Shared) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kv.Close()
}

// Options selects and configures a backend.
type Options struct {
	// Backend is "file", "sqlite", "badger" or "memory".
	Backend string

	// Path is a directory for file and badger, a database file for sqlite.
	Path string

	// BusyTimeoutMs is passed to SQLite.
	BusyTimeoutMs int
}

// Open creates the backend described by opts.
func Open(opts Options) (KV, error) {
	switch opts.Backend {
	case "memory":
		return NewMemory(), nil
	case "file", "":
		return OpenFile(opts.Path)
	case "sqlite":
		return OpenSQLite(opts.Path, opts.BusyTimeoutMs)
	case "badger":
		return OpenBadger(opts.Path)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, opts.Backend)
	}
}
