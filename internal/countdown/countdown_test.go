package countdown

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"proctord/internal/audit"
	"proctord/internal/logging"
	"proctord/internal/session"
	"proctord/internal/store"
)

type harness struct {
	shared   *store.Shared
	sessions *session.Manager
	logger   *audit.Logger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	shared := store.NewShared(store.NewMemory())
	sessions := session.NewManager(shared, session.WithLogger(logging.Discard()))
	s := sessions.GetOrCreate()
	return &harness{
		shared:   shared,
		sessions: sessions,
		logger:   audit.NewLogger(s.AttemptID, shared, audit.WithLogger(logging.Discard())),
	}
}

func (h *harness) count(ty audit.EventType) int {
	n := 0
	for _, e := range h.logger.Logs() {
		if e.EventType == ty {
			n++
		}
	}
	return n
}

func (h *harness) timer(cfg *Config) *Timer {
	return New(h.logger, h.sessions, cfg, WithLogger(logging.Discard()))
}

func TestNilConfigIsInert(t *testing.T) {
	h := newHarness(t)
	tm := h.timer(nil)

	_, ok := tm.Remaining()
	assert.False(t, ok)
	assert.False(t, tm.Running())
	assert.Equal(t, "00:00", tm.Formatted())
	assert.False(t, tm.tick())

	tm.Stop()
	assert.Empty(t, h.logger.Logs())
}

func TestFreshStartSeedsSession(t *testing.T) {
	h := newHarness(t)
	before, _ := h.sessions.Get()

	tm := h.timer(&Config{DurationMinutes: 5})

	r, ok := tm.Remaining()
	require.True(t, ok)
	assert.Equal(t, 300, r)
	assert.True(t, tm.Running())

	s, ok := h.sessions.Get()
	require.True(t, ok)
	require.NotNil(t, s.TimerDuration)
	require.NotNil(t, s.RemainingTime)
	assert.Equal(t, 300, *s.TimerDuration)
	assert.Equal(t, 300, *s.RemainingTime)
	assert.Equal(t, before.AttemptID, s.AttemptID)

	logs := h.logger.Logs()
	require.Len(t, logs, 1)
	assert.Equal(t, audit.TimerStart, logs[0].EventType)
	assert.EqualValues(t, 5, logs[0].Metadata["durationMinutes"])
	assert.EqualValues(t, 300, logs[0].Metadata["totalSeconds"])
}

func TestFullCountdown(t *testing.T) {
	h := newHarness(t)
	var fired atomic.Int32
	tm := h.timer(&Config{DurationMinutes: 5, OnExpire: func() { fired.Add(1) }})

	for i := 0; i < 300; i++ {
		tm.tick()
	}
	// Extra ticks after expiry change nothing.
	for i := 0; i < 5; i++ {
		assert.False(t, tm.tick())
	}

	r, _ := tm.Remaining()
	assert.Equal(t, 0, r)
	assert.False(t, tm.Running())
	assert.EqualValues(t, 1, fired.Load())
	assert.Equal(t, 1, h.count(audit.TimerExpired))

	var heartbeats []float64
	for _, e := range h.logger.Logs() {
		if e.EventType == audit.TimerTick {
			heartbeats = append(heartbeats, e.Metadata["remainingSeconds"].(float64))
		}
	}
	assert.Equal(t, []float64{240, 180, 120, 60, 0}, heartbeats)

	s, _ := h.sessions.Get()
	assert.Equal(t, 0, *s.RemainingTime)

	tm.Stop()
	assert.Equal(t, 0, h.count(audit.TimerEnd), "stop after expiry is a no-op")
}

func TestResumeContinuesFromPersistedValue(t *testing.T) {
	h := newHarness(t)
	remaining := 120
	_, err := h.sessions.Update(func(s *session.Session) { s.RemainingTime = &remaining })
	require.NoError(t, err)

	tm := h.timer(&Config{DurationMinutes: 5})

	r, _ := tm.Remaining()
	assert.Equal(t, 120, r)
	assert.Equal(t, 0, h.count(audit.TimerStart))

	logs := h.logger.Logs()
	require.Len(t, logs, 1)
	assert.Equal(t, audit.SessionResume, logs[0].EventType)
	assert.EqualValues(t, 120, logs[0].Metadata["remainingSeconds"])

	tm.tick()
	r, _ = tm.Remaining()
	assert.Equal(t, 119, r)
}

func TestResumeAtZeroDoesNotFireAgain(t *testing.T) {
	h := newHarness(t)
	zero := 0
	_, err := h.sessions.Update(func(s *session.Session) { s.RemainingTime = &zero })
	require.NoError(t, err)

	fired := false
	tm := h.timer(&Config{DurationMinutes: 5, OnExpire: func() { fired = true }})

	assert.False(t, tm.Running())
	assert.False(t, tm.tick())
	assert.False(t, fired)
}

func TestStopLogsRemaining(t *testing.T) {
	h := newHarness(t)
	tm := h.timer(&Config{DurationMinutes: 1})
	for i := 0; i < 15; i++ {
		tm.tick()
	}

	tm.Stop()
	tm.Stop()

	assert.False(t, tm.Running())
	assert.Equal(t, 1, h.count(audit.TimerEnd))
	logs := h.logger.Logs()
	assert.EqualValues(t, 45, logs[len(logs)-1].Metadata["remainingSeconds"])
	assert.False(t, tm.tick())
}

func TestStartLoopExpires(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	h := newHarness(t)
	expired := make(chan struct{})
	var tm *Timer
	tm = h.timer(&Config{
		DurationMinutes: 1,
		TickInterval:    time.Millisecond,
		OnExpire: func() {
			tm.Stop() // must not deadlock on the tick goroutine
			close(expired)
		},
	})
	tm.Start(context.Background())
	tm.Start(context.Background())

	select {
	case <-expired:
	case <-time.After(5 * time.Second):
		t.Fatal("countdown did not expire")
	}
	tm.Close()
	assert.Equal(t, 1, h.count(audit.TimerExpired))
}

// A Stop racing expiry from another goroutine returns even when OnExpire
// waits for that Stop's caller, as a page submit does.
func TestStopRacingExpiryReturns(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	h := newHarness(t)
	stopped := make(chan struct{})
	var timedOut atomic.Bool
	var tm *Timer
	tm = h.timer(&Config{
		DurationMinutes: 1,
		TickInterval:    time.Millisecond,
		OnExpire: func() {
			select {
			case <-stopped:
			case <-time.After(2 * time.Second):
				timedOut.Store(true)
			}
		},
	})
	tm.beforeExpire = func() {
		go func() {
			tm.Stop()
			close(stopped)
		}()
	}
	tm.Start(context.Background())

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop never returned")
	}
	tm.Close()
	assert.False(t, timedOut.Load(), "Stop waited for the tick goroutine blocked in OnExpire")
	assert.Equal(t, 1, h.count(audit.TimerExpired))
	assert.Equal(t, 0, h.count(audit.TimerEnd))
}

func TestContextCancelPauses(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	h := newHarness(t)
	tm := h.timer(&Config{DurationMinutes: 10, TickInterval: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	tm.Start(ctx)
	time.Sleep(20 * time.Millisecond)
	cancel()
	tm.Close()

	assert.True(t, tm.Running(), "cancellation pauses rather than stops")
	assert.Equal(t, 0, h.count(audit.TimerEnd))

	r, _ := tm.Remaining()
	s, _ := h.sessions.Get()
	assert.Equal(t, r, *s.RemainingTime)
	assert.Less(t, r, 600)
}

func TestFormat(t *testing.T) {
	v := func(i int) *int { return &i }
	tests := []struct {
		in   *int
		want string
	}{
		{nil, "00:00"},
		{v(0), "00:00"},
		{v(59), "00:59"},
		{v(300), "05:00"},
		{v(3725), "62:05"},
	}
	for _, tt := range tests {
		if got := Format(tt.in); got != tt.want {
			t.Errorf("Format(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
