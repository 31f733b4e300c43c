// Package countdown implements the attempt deadline. The remaining time is
// persisted in the session record on every tick, so a restarted host
// resumes the countdown where it left off instead of granting a fresh one.
package countdown

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"proctord/internal/audit"
	"proctord/internal/logging"
	"proctord/internal/metrics"
	"proctord/internal/session"
)

// DefaultTickInterval is the wall-clock length of one countdown second.
const DefaultTickInterval = time.Second

// heartbeatEvery is the number of ticks between TIMER_TICK events.
const heartbeatEvery = 60

// Config describes a timed attempt.
type Config struct {
	DurationMinutes int

	// OnExpire is called once, from the tick goroutine, when the countdown
	// reaches zero.
	OnExpire func()

	// TickInterval overrides DefaultTickInterval. Tests shorten it.
	TickInterval time.Duration
}

// Timer counts an attempt down to zero.
type Timer struct {
	logger   *audit.Logger
	sessions *session.Manager
	log      *slog.Logger
	cfg      *Config

	mu        sync.Mutex
	remaining *int
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}

	expireOnce sync.Once
	firing     atomic.Bool

	// beforeExpire runs on the tick goroutine between TIMER_EXPIRED and
	// OnExpire. Tests use it to interleave a concurrent Stop.
	beforeExpire func()
}

// Option configures a Timer.
type Option func(*Timer)

// WithLogger sets the diagnostic logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Timer) { t.log = l }
}

// New initialises a timer from the persisted session. A session that
// already carries a remaining time is resumed; otherwise a fresh countdown
// of cfg.DurationMinutes is started and seeded into the session. A nil cfg
// yields an inert timer.
func New(logger *audit.Logger, sessions *session.Manager, cfg *Config, opts ...Option) *Timer {
	t := &Timer{
		logger:   logger,
		sessions: sessions,
		cfg:      cfg,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.log == nil {
		t.log = logging.Default().WithComponent("countdown")
	}
	if cfg == nil {
		return t
	}
	c := *cfg
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	t.cfg = &c

	if s, ok := sessions.Get(); ok && s.RemainingTime != nil {
		r := max(*s.RemainingTime, 0)
		t.remaining = &r
		// A zero remaining time means the deadline passed before the
		// restart; it has already expired once.
		t.running = r > 0
		logger.Log(audit.Entry{
			EventType: audit.SessionResume,
			Metadata:  map[string]any{"remainingSeconds": r},
		})
		t.log.Info("resuming countdown", "remaining_seconds", r)
	} else {
		total := cfg.DurationMinutes * 60
		logger.Log(audit.Entry{
			EventType: audit.TimerStart,
			Metadata:  map[string]any{"durationMinutes": cfg.DurationMinutes, "totalSeconds": total},
		})
		_, _ = sessions.Upsert(func(s *session.Session) {
			s.TimerDuration = &total
			s.RemainingTime = &total
			s.LastActivity = sessions.Now()
		})
		t.remaining = &total
		t.running = total > 0
		t.log.Info("starting countdown", "total_seconds", total)
	}
	if t.remaining != nil {
		metrics.TimerRemaining.Set(float64(*t.remaining))
	}
	return t
}

// Start runs the tick loop on its own goroutine until the countdown
// expires, Stop is called, or ctx is cancelled. Cancelling ctx pauses the
// countdown without logging TIMER_END; the persisted remaining time lets
// the next host pick it up. Start is a no-op on an inert, stopped or
// already started timer.
func (t *Timer) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running || t.done != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.loop(ctx, t.cfg.TickInterval, t.done)
}

func (t *Timer) loop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !t.tick() {
				return
			}
		}
	}
}

// tick advances the countdown by one second. It reports whether the timer
// is still running afterwards.
func (t *Timer) tick() bool {
	t.mu.Lock()
	if !t.running || t.remaining == nil {
		t.mu.Unlock()
		return false
	}
	if *t.remaining <= 0 {
		t.running = false
		t.mu.Unlock()
		return false
	}

	r := *t.remaining - 1
	t.remaining = &r
	metrics.TimerRemaining.Set(float64(r))

	_, err := t.sessions.Update(func(s *session.Session) {
		s.RemainingTime = &r
		s.LastActivity = t.sessions.Now()
	})
	if err != nil {
		t.log.Debug("remaining time not persisted", "err", err)
	}

	if r%heartbeatEvery == 0 {
		t.logger.Log(audit.Entry{
			EventType: audit.TimerTick,
			Metadata:  map[string]any{"remainingSeconds": r},
		})
	}

	if r > 0 {
		t.mu.Unlock()
		return true
	}

	t.running = false
	t.logger.Log(audit.Entry{EventType: audit.TimerExpired})
	t.log.Info("countdown expired")
	// firing is set before the lock is released: a Stop from another
	// goroutine that sees running=false must not wait for a tick goroutine
	// that is about to block in OnExpire.
	if t.cfg.OnExpire != nil {
		t.firing.Store(true)
	}
	t.mu.Unlock()

	if t.beforeExpire != nil {
		t.beforeExpire()
	}
	t.expireOnce.Do(func() {
		if t.cfg.OnExpire == nil {
			return
		}
		defer t.firing.Store(false)
		t.cfg.OnExpire()
	})
	return false
}

// Stop halts a running countdown and logs TIMER_END with the remaining
// time. It does nothing on a timer that is inert, already stopped or
// expired. It is safe to call from OnExpire.
func (t *Timer) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		t.wait()
		return
	}
	t.running = false
	t.logger.Log(audit.Entry{
		EventType: audit.TimerEnd,
		Metadata:  map[string]any{"remainingSeconds": *t.remaining},
	})
	t.log.Info("countdown stopped", "remaining_seconds", *t.remaining)
	t.mu.Unlock()

	t.wait()
}

// wait cancels the tick goroutine, if any, and blocks until it exits. It
// returns immediately when called from the tick goroutine itself, which
// only happens through OnExpire.
func (t *Timer) wait() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if t.firing.Load() {
		// The tick goroutine is in OnExpire, which may itself be waiting
		// on the caller. The loop exits on its own once tick returns.
		return
	}
	<-done
}

// Close stops the tick goroutine without logging anything. The persisted
// remaining time is left for the next host to resume.
func (t *Timer) Close() {
	t.wait()
}

// Remaining returns the remaining seconds, or false for an inert timer.
func (t *Timer) Remaining() (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.remaining == nil {
		return 0, false
	}
	return *t.remaining, true
}

// Running reports whether the countdown is ticking.
func (t *Timer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Formatted renders the remaining time as MM:SS.
func (t *Timer) Formatted() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Format(t.remaining)
}

// Format renders seconds as zero-padded MM:SS. Minutes are not wrapped at
// 60; a nil value renders as 00:00.
func Format(seconds *int) string {
	if seconds == nil {
		return "00:00"
	}
	s := max(*seconds, 0)
	return fmt.Sprintf("%02d:%02d", s/60, s%60)
}
