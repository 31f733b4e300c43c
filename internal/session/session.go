// Package session owns the persisted Session record: one per assessment
// attempt, created on first access and removed only by an explicit restart.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"proctord/internal/logging"
	"proctord/internal/store"
)

// ErrNoSession is returned by Update when no session is persisted.
var ErrNoSession = errors.New("session: no session")

// Session is the persisted state of one attempt.
type Session struct {
	AttemptID string    `json:"attemptId"`
	StartTime time.Time `json:"startTime"`

	// TimerDuration is the nominal countdown length in seconds.
	TimerDuration *int `json:"timerDuration,omitempty"`

	// RemainingTime is the current countdown value in seconds.
	RemainingTime *int `json:"remainingTime,omitempty"`

	IsSubmitted  bool      `json:"isSubmitted"`
	LastActivity time.Time `json:"lastActivity"`
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	c := *s
	if s.TimerDuration != nil {
		v := *s.TimerDuration
		c.TimerDuration = &v
	}
	if s.RemainingTime != nil {
		v := *s.RemainingTime
		c.RemainingTime = &v
	}
	return &c
}

// Read decodes the session record from kv. It returns ErrNoSession when
// the record is absent, and also when it is corrupt: malformed data is
// treated as no session at all.
func Read(kv store.KV) (*Session, error) {
	data, err := kv.Get(store.KeySession)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, err
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoSession, err)
	}
	if s.AttemptID == "" {
		return nil, fmt.Errorf("%w: record has no attempt id", ErrNoSession)
	}
	return &s, nil
}

// Write encodes s into kv.
func Write(kv store.KV, s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	return kv.Set(store.KeySession, data)
}

// Manager creates, resumes and mutates the session record.
type Manager struct {
	shared   *store.Shared
	log      *slog.Logger
	now      func() time.Time
	newID    func() string
	activity *rate.Limiter
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithIDGenerator replaces the attempt ID generator.
func WithIDGenerator(gen func() string) Option {
	return func(m *Manager) { m.newID = gen }
}

// WithLogger sets the diagnostic logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithActivityInterval limits how often UpdateLastActivity writes. Zero
// means every activity signal is persisted.
func WithActivityInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.activity = rate.NewLimiter(rate.Every(d), 1)
		}
	}
}

// NewManager returns a Manager over shared.
func NewManager(shared *store.Shared, opts ...Option) *Manager {
	m := &Manager{
		shared: shared,
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = logging.Default().WithComponent("session")
	}
	return m
}

// Now returns the manager's clock reading, in UTC.
func (m *Manager) Now() time.Time {
	return m.now().UTC()
}

// GetOrCreate returns the persisted session, creating and persisting a
// fresh one when none exists or the record is corrupt. If the store cannot
// be read or written the fresh session is still returned, but it is never
// written over a record that failed to read.
func (m *Manager) GetOrCreate() *Session {
	var out *Session
	err := m.shared.Atomically(func(kv store.KV) error {
		s, err := Read(kv)
		switch {
		case err == nil:
			out = s
			return nil
		case errors.Is(err, ErrNoSession):
			if err != ErrNoSession {
				m.log.Warn("replacing corrupt session record", "err", err)
			}
			out = m.fresh()
			return Write(kv, out)
		default:
			out = m.fresh()
			return fmt.Errorf("read session: %w", err)
		}
	})
	if err != nil {
		m.log.Error("session not persisted", "err", err)
	}
	return out
}

func (m *Manager) fresh() *Session {
	now := m.Now()
	return &Session{AttemptID: m.newID(), StartTime: now, LastActivity: now}
}

// Get returns the persisted session, or false when there is none or it
// cannot be read.
func (m *Manager) Get() (*Session, bool) {
	var out *Session
	_ = m.shared.Atomically(func(kv store.KV) error {
		s, err := Read(kv)
		switch {
		case err == nil:
		case err == ErrNoSession:
			return nil
		case errors.Is(err, ErrNoSession):
			m.log.Warn("ignoring corrupt session record", "err", err)
			return nil
		default:
			m.log.Error("read session", "err", err)
			return nil
		}
		out = s
		return nil
	})
	return out, out != nil
}

// Save overwrites the persisted session with s.
func (m *Manager) Save(s *Session) error {
	err := m.shared.Atomically(func(kv store.KV) error {
		return Write(kv, s)
	})
	if err != nil {
		m.log.Error("save session", "err", err)
	}
	return err
}

// Update applies fn to the persisted session and writes it back. It
// returns ErrNoSession without calling fn when nothing is persisted.
func (m *Manager) Update(fn func(s *Session)) (*Session, error) {
	var out *Session
	err := m.shared.Atomically(func(kv store.KV) error {
		s, err := Read(kv)
		if err != nil {
			return err
		}
		fn(s)
		out = s
		return Write(kv, s)
	})
	if err != nil && !errors.Is(err, ErrNoSession) {
		m.log.Error("update session", "err", err)
	}
	return out, err
}

// Upsert is Update, except that a missing session is created first with a
// fresh attempt ID.
func (m *Manager) Upsert(fn func(s *Session)) (*Session, error) {
	var out *Session
	err := m.shared.Atomically(func(kv store.KV) error {
		s, err := Read(kv)
		switch {
		case errors.Is(err, ErrNoSession):
			s = m.fresh()
		case err != nil:
			return err
		}
		fn(s)
		out = s
		return Write(kv, s)
	})
	if err != nil {
		m.log.Error("upsert session", "err", err)
	}
	return out, err
}

// UpdateLastActivity records user activity. It does nothing once the
// session is submitted.
func (m *Manager) UpdateLastActivity() {
	if m.activity != nil && !m.activity.Allow() {
		return
	}
	err := m.shared.Atomically(func(kv store.KV) error {
		s, err := Read(kv)
		if err != nil || s.IsSubmitted {
			return nil
		}
		s.LastActivity = m.Now()
		return Write(kv, s)
	})
	if err != nil {
		m.log.Error("update last activity", "err", err)
	}
}

// IsExpired reports whether there is no session or the last activity is
// older than maxInactive.
func (m *Manager) IsExpired(maxInactive time.Duration) bool {
	s, ok := m.Get()
	if !ok {
		return true
	}
	return m.Now().Sub(s.LastActivity) > maxInactive
}

// Clear removes the persisted session.
func (m *Manager) Clear() error {
	err := m.shared.Atomically(func(kv store.KV) error {
		return kv.Remove(store.KeySession)
	})
	if err != nil {
		m.log.Error("clear session", "err", err)
	}
	return err
}
