package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"proctord/internal/logging"
	"proctord/internal/metrics"
	"proctord/internal/session"
	"proctord/internal/store"
)

// Logger appends events for one attempt.
type Logger struct {
	attemptID string
	shared    *store.Shared
	log       *slog.Logger
	now       func() time.Time

	// submitted is read from the session once, at construction, and only
	// ever flips to true afterwards.
	submitted atomic.Bool
}

// Option configures a Logger.
type Option func(*Logger)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

// WithLogger sets the diagnostic logger.
func WithLogger(log *slog.Logger) Option {
	return func(l *Logger) { l.log = log }
}

// NewLogger binds a logger to attemptID and caches the session's
// submitted flag.
func NewLogger(attemptID string, shared *store.Shared, opts ...Option) *Logger {
	l := &Logger{
		attemptID: attemptID,
		shared:    shared,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.log == nil {
		l.log = logging.Default().WithComponent("audit")
	}

	_ = shared.Atomically(func(kv store.KV) error {
		if s, err := session.Read(kv); err == nil {
			l.submitted.Store(s.IsSubmitted)
		}
		return nil
	})
	return l
}

// AttemptID returns the attempt this logger is bound to.
func (l *Logger) AttemptID() string { return l.attemptID }

// Submitted reports whether the log is sealed.
func (l *Logger) Submitted() bool { return l.submitted.Load() }

// Log stamps e with the current time and the attempt ID and appends it.
// After submission it does nothing except emit a warning.
func (l *Logger) Log(e Entry) {
	if l.submitted.Load() {
		l.rejectSealed(e.EventType)
		return
	}
	if !e.EventType.Valid() {
		l.log.Error("refusing unknown event type", "type", string(e.EventType))
		return
	}

	err := l.shared.Atomically(func(kv store.KV) error {
		// MarkSubmitted may have sealed the log while we waited for the lock.
		if l.submitted.Load() {
			l.rejectSealed(e.EventType)
			return nil
		}
		return l.appendLocked(kv, e)
	})
	if err != nil {
		metrics.StoreErrors.WithLabelValues("append").Inc()
		l.log.Error("persist event", "type", string(e.EventType), "err", err)
	}
}

func (l *Logger) rejectSealed(t EventType) {
	metrics.EventsSuppressed.Inc()
	l.log.Warn("event log is sealed after submission, dropping event", "type", string(t))
}

func (l *Logger) appendLocked(kv store.KV, e Entry) error {
	events, err := decode(kv)
	switch {
	case errors.Is(err, errCorrupt):
		l.log.Warn("event log unreadable, starting a new one", "err", err)
		events = []Event{}
	case err != nil:
		// Rewriting after a failed read would replace the log with one event.
		return fmt.Errorf("read event log: %w", err)
	}

	// Millisecond precision, as in the exported ISO timestamps.
	ts := l.now().UTC().Truncate(time.Millisecond)
	if n := len(events); n > 0 && ts.Before(events[n-1].Timestamp) {
		ts = events[n-1].Timestamp
	}
	events = append(events, Event{
		EventType:  e.EventType,
		Timestamp:  ts,
		AttemptID:  l.attemptID,
		QuestionID: e.QuestionID,
		Metadata:   e.Metadata,
	})

	data, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("encode event log: %w", err)
	}
	if err := kv.Set(store.KeyLogs, data); err != nil {
		return err
	}
	metrics.EventsLogged.WithLabelValues(string(e.EventType)).Inc()
	return nil
}

func (l *Logger) readLocked(kv store.KV) []Event {
	events, err := decode(kv)
	if err != nil {
		l.log.Warn("event log unreadable, treating as empty", "err", err)
		return []Event{}
	}
	return events
}

// errCorrupt marks a stored log that does not decode.
var errCorrupt = errors.New("event log corrupt")

func decode(kv store.KV) ([]Event, error) {
	data, err := kv.Get(store.KeyLogs)
	if errors.Is(err, store.ErrNotFound) {
		return []Event{}, nil
	}
	if err != nil {
		return nil, err
	}
	var events []Event
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("%w: %w", errCorrupt, err)
	}
	if events == nil {
		events = []Event{}
	}
	return events, nil
}

// Logs returns the whole persisted log. It is not filtered by attempt ID,
// and an unreadable log comes back empty.
func (l *Logger) Logs() []Event {
	var events []Event
	_ = l.shared.Atomically(func(kv store.KV) error {
		events = l.readLocked(kv)
		return nil
	})
	return events
}

// ReadLogs loads the persisted log without a bound Logger. proctorctl uses
// it to export an attempt it did not record.
func ReadLogs(shared *store.Shared) ([]Event, error) {
	var events []Event
	err := shared.Atomically(func(kv store.KV) error {
		var err error
		events, err = decode(kv)
		return err
	})
	return events, err
}

// Clear deletes the log unless it is sealed.
func (l *Logger) Clear() {
	if l.submitted.Load() {
		l.log.Warn("event log is sealed after submission, not clearing")
		return
	}
	err := l.shared.Atomically(func(kv store.KV) error {
		return kv.Remove(store.KeyLogs)
	})
	if err != nil {
		metrics.StoreErrors.WithLabelValues("clear").Inc()
		l.log.Error("clear event log", "err", err)
	}
}

// MarkSubmitted seals the log. The LOGS_SUBMITTED marker is appended
// before the seal so it is always the last event of a submitted attempt;
// both steps happen under one store lock.
func (l *Logger) MarkSubmitted() {
	err := l.shared.Atomically(func(kv store.KV) error {
		if l.submitted.Load() {
			return nil
		}

		appendErr := l.appendLocked(kv, Entry{EventType: LogsSubmitted})
		l.submitted.Store(true)

		s, err := session.Read(kv)
		if err != nil {
			return errors.Join(appendErr, fmt.Errorf("read session: %w", err))
		}
		s.IsSubmitted = true
		return errors.Join(appendErr, session.Write(kv, s))
	})
	if err != nil {
		metrics.StoreErrors.WithLabelValues("submit").Inc()
		l.log.Error("mark submitted", "err", err)
	}
}
