package proctor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"proctord/internal/audit"
	"proctord/internal/config"
	"proctord/internal/export"
	"proctord/internal/fullscreen"
	"proctord/internal/logging"
	"proctord/internal/monitor"
	"proctord/internal/platform"
	"proctord/internal/session"
	"proctord/internal/store"
)

const (
	chromeUA  = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"
	firefoxUA = "Mozilla/5.0 (X11; Linux x86_64; rv:128.0) Gecko/20100101 Firefox/128.0"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type screen struct{ calls atomic.Int32 }

func (s *screen) RequestFullscreen(context.Context) error {
	s.calls.Add(1)
	return nil
}

type window struct{}

func (window) Dimensions(context.Context) (platform.Dimensions, error) {
	return platform.Dimensions{OuterWidth: 1280, InnerWidth: 1280, OuterHeight: 800, InnerHeight: 720}, nil
}

type clipboard struct {
	mu   sync.Mutex
	text string
}

func (c *clipboard) WriteText(_ context.Context, text string) error {
	c.mu.Lock()
	c.text = text
	c.mu.Unlock()
	return nil
}

type fixture struct {
	shared *store.Shared
	bus    *platform.Dispatcher
	clock  *clock
	screen *screen
	clip   *clipboard
	ids    atomic.Int32
}

func newFixture() *fixture {
	return &fixture{
		shared: store.NewShared(store.NewMemory()),
		bus:    platform.NewDispatcher(),
		clock:  &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
		screen: &screen{},
		clip:   &clipboard{},
	}
}

func (f *fixture) deps(ua string) Deps {
	sessions := session.NewManager(f.shared,
		session.WithClock(f.clock.Now),
		session.WithLogger(logging.Discard()),
		session.WithIDGenerator(func() string {
			return fmt.Sprintf("attempt-%d", f.ids.Add(1))
		}),
	)
	return Deps{
		Shared:    f.shared,
		Bus:       f.bus,
		Screen:    f.screen,
		Window:    window{},
		Clipboard: f.clip,
		Sessions:  sessions,
		UserAgent: ua,
		Clock:     f.clock.Now,
		Log:       logging.Discard(),
	}
}

func options() Options {
	return Options{
		RequireChrome: true,
		Fullscreen:    fullscreenOn(),
		Monitor:       monitorSlow(),
	}
}

func (f *fixture) open(t *testing.T, ua string, opts Options) *Proctor {
	t.Helper()
	p, err := Open(context.Background(), f.deps(ua), opts)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func types(events []audit.Event) []audit.EventType {
	out := make([]audit.EventType, len(events))
	for i, e := range events {
		out[i] = e.EventType
	}
	return out
}

func TestOpenStartsEnforcement(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture()
	opts := options()
	opts.TimerMinutes = 30
	opts.TickInterval = time.Hour

	p := f.open(t, chromeUA, opts)

	got := types(p.Logs())
	assert.Equal(t, []audit.EventType{
		audit.BrowserDetected,
		audit.SessionStart,
		audit.FullscreenRequest,
		audit.TimerStart,
	}, got)

	first := p.Logs()[0]
	assert.Equal(t, "attempt-1", first.AttemptID)
	assert.Equal(t, map[string]any{"name": "Google Chrome", "version": "126.0.0.0", "isChrome": true}, first.Metadata)

	assert.False(t, p.Blocked())
	assert.Equal(t, int32(1), f.screen.calls.Load())
	assert.Equal(t, 1, f.bus.Subscribers(platform.Copy))

	st := p.State()
	require.NotNil(t, st.Remaining)
	assert.Equal(t, 1800, *st.Remaining)
	assert.True(t, st.Running)
	assert.True(t, st.Fullscreen)

	p.Close()
	assert.Zero(t, f.bus.Total())
}

func TestBlockedBrowser(t *testing.T) {
	f := newFixture()
	opts := options()
	opts.TimerMinutes = 30

	p := f.open(t, firefoxUA, opts)

	assert.Equal(t, []audit.EventType{audit.BrowserDetected, audit.BrowserBlocked}, types(p.Logs()))
	assert.Equal(t, p.Logs()[0].Metadata, p.Logs()[1].Metadata)
	assert.True(t, p.Blocked())
	assert.True(t, p.State().Blocked)
	assert.Nil(t, p.State().Remaining)
	assert.Zero(t, f.screen.calls.Load())
	assert.Zero(t, f.bus.Subscribers(platform.Copy))
	// Activity is still tracked on a blocked attempt.
	assert.Equal(t, 1, f.bus.Subscribers(platform.Activity))
}

func TestNonChromeAllowedWhenNotRequired(t *testing.T) {
	f := newFixture()
	opts := options()
	opts.RequireChrome = false

	p := f.open(t, firefoxUA, opts)

	assert.Equal(t, []audit.EventType{
		audit.BrowserDetected,
		audit.SessionStart,
		audit.FullscreenRequest,
	}, types(p.Logs()))
	assert.False(t, p.Blocked())
}

func TestSubmitSealsLog(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture()
	opts := options()
	opts.TimerMinutes = 30
	opts.TickInterval = time.Hour
	var submitted atomic.Int32
	opts.OnSubmit = func() { submitted.Add(1) }

	p := f.open(t, chromeUA, opts)
	f.bus.Dispatch(&platform.Event{Kind: platform.Blur})

	p.Submit()
	p.Submit()

	events := p.Logs()
	assert.Equal(t, []audit.EventType{
		audit.BrowserDetected,
		audit.SessionStart,
		audit.FullscreenRequest,
		audit.TimerStart,
		audit.FocusLost,
		audit.TimerEnd,
		audit.SessionEnd,
		audit.LogsSubmitted,
	}, types(events))
	assert.Equal(t, map[string]any{"remainingSeconds": float64(1800)}, events[5].Metadata)
	assert.True(t, p.Submitted())
	assert.Equal(t, int32(1), submitted.Load())

	// Enforcement is gone and later signals are not recorded.
	assert.Zero(t, f.bus.Subscribers(platform.Blur))
	f.bus.Dispatch(&platform.Event{Kind: platform.Blur})
	assert.Len(t, p.Logs(), len(events))

	s, ok := f.deps(chromeUA).Sessions.Get()
	require.True(t, ok)
	assert.True(t, s.IsSubmitted)

	p.Close()
}

func TestReopenSubmittedAttempt(t *testing.T) {
	f := newFixture()
	p := f.open(t, chromeUA, options())
	p.Submit()
	n := len(p.Logs())
	p.Close()

	again := f.open(t, chromeUA, options())
	assert.Equal(t, "attempt-1", again.AttemptID())
	assert.True(t, again.Submitted())
	assert.Len(t, again.Logs(), n, "a sealed log takes no new events")
	assert.Equal(t, int32(1), f.screen.calls.Load())
	assert.Zero(t, f.bus.Subscribers(platform.Copy))
}

func TestTimerExpirySubmits(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture()
	opts := options()
	opts.TimerMinutes = 1
	opts.TickInterval = time.Millisecond
	expired := make(chan struct{})
	opts.OnTimerExpire = func() { close(expired) }

	p := f.open(t, chromeUA, opts)

	select {
	case <-expired:
	case <-time.After(5 * time.Second):
		t.Fatal("countdown never expired")
	}
	require.True(t, p.Submitted())

	got := types(p.Logs())
	require.GreaterOrEqual(t, len(got), 4)
	assert.Equal(t, []audit.EventType{audit.TimerExpired, audit.SessionEnd, audit.LogsSubmitted}, got[len(got)-3:])
	assert.NotContains(t, got, audit.TimerEnd)

	st := p.State()
	require.NotNil(t, st.Remaining)
	assert.Zero(t, *st.Remaining)
	assert.False(t, st.Running)

	p.Close()
}

func TestCloseThenResume(t *testing.T) {
	f := newFixture()
	opts := options()
	opts.TimerMinutes = 10
	opts.TickInterval = time.Hour

	p := f.open(t, chromeUA, opts)
	_, err := p.sessions.Update(func(s *session.Session) {
		r := 420
		s.RemainingTime = &r
	})
	require.NoError(t, err)
	p.Close()

	again := f.open(t, chromeUA, opts)
	assert.Equal(t, "attempt-1", again.AttemptID())

	events := again.Logs()
	last := events[len(events)-1]
	assert.Equal(t, audit.SessionResume, last.EventType)
	assert.Equal(t, map[string]any{"remainingSeconds": float64(420)}, last.Metadata)
	assert.NotContains(t, types(events), audit.TimerEnd, "closing pauses without TIMER_END")
}

func TestRestartDiscardsAttempt(t *testing.T) {
	f := newFixture()
	p := f.open(t, chromeUA, options())
	p.Submit()

	require.NoError(t, p.Restart())
	p.Close()

	logs, err := audit.ReadLogs(f.shared)
	require.NoError(t, err)
	assert.Empty(t, logs)

	next := f.open(t, chromeUA, options())
	assert.Equal(t, "attempt-2", next.AttemptID())
	assert.False(t, next.Submitted())
	assert.Equal(t, audit.BrowserDetected, next.Logs()[0].EventType)
}

func TestActivityUpdatesSession(t *testing.T) {
	f := newFixture()
	p := f.open(t, chromeUA, options())

	f.clock.Advance(5 * time.Minute)
	f.bus.Dispatch(&platform.Event{Kind: platform.Activity})

	s, ok := p.sessions.Get()
	require.True(t, ok)
	assert.Equal(t, f.clock.Now(), s.LastActivity)

	p.Submit()
	f.clock.Advance(5 * time.Minute)
	f.bus.Dispatch(&platform.Event{Kind: platform.Activity})

	s, _ = p.sessions.Get()
	assert.Equal(t, f.clock.Now().Add(-5*time.Minute), s.LastActivity)
}

func TestInactive(t *testing.T) {
	f := newFixture()
	opts := options()
	opts.MaxInactive = 30 * time.Minute
	p := f.open(t, chromeUA, opts)

	assert.False(t, p.Inactive())
	f.clock.Advance(31 * time.Minute)
	assert.True(t, p.Inactive())
}

func TestHandleCommands(t *testing.T) {
	f := newFixture()
	p := f.open(t, chromeUA, options())
	ctx := context.Background()

	require.NoError(t, p.Handle(ctx, CommandCopyLogs))
	var env export.Envelope
	require.NoError(t, json.Unmarshal([]byte(f.clip.text), &env))
	assert.Equal(t, "attempt-1", env.AttemptID)
	assert.Equal(t, len(p.Logs()), env.TotalEvents)

	err := p.Handle(ctx, "explode")
	assert.True(t, errors.Is(err, ErrUnknownCommand))

	require.NoError(t, p.Handle(ctx, CommandSubmit))
	assert.True(t, p.Submitted())
}

func TestCopyLogsWithoutClipboard(t *testing.T) {
	f := newFixture()
	deps := f.deps(chromeUA)
	deps.Clipboard = nil
	p, err := Open(context.Background(), deps, options())
	require.NoError(t, err)
	defer p.Close()

	assert.ErrorIs(t, p.Handle(context.Background(), CommandCopyLogs), platform.ErrUnavailable)
}

func TestOpenRequiresStoreAndBus(t *testing.T) {
	_, err := Open(context.Background(), Deps{Bus: platform.NewDispatcher()}, Options{})
	assert.Error(t, err)
	_, err = Open(context.Background(), Deps{Shared: store.NewShared(store.NewMemory())}, Options{})
	assert.Error(t, err)
}

func TestOptionsFromConfig(t *testing.T) {
	t.Setenv("PROCTORD_DATA_DIR", t.TempDir())
	cfg := config.DefaultConfig()
	cfg.Timer.Enabled = true
	cfg.Timer.DurationMinutes = 45

	opts := OptionsFromConfig(cfg)
	assert.True(t, opts.RequireChrome)
	assert.Equal(t, 45, opts.TimerMinutes)
	assert.Equal(t, time.Second, opts.TickInterval)
	assert.True(t, opts.Fullscreen.Enforce)
	assert.Equal(t, 500*time.Millisecond, opts.Fullscreen.RetryDelay)
	assert.Equal(t, 160, opts.Monitor.DevtoolsThreshold)
	assert.Nil(t, opts.Monitor.Shortcuts)
	assert.Equal(t, 30*time.Minute, opts.MaxInactive)

	cfg.Timer.Enabled = false
	assert.Zero(t, OptionsFromConfig(cfg).TimerMinutes)
}

func fullscreenOn() fullscreen.Config {
	return fullscreen.Config{Enforce: true, RetryDelay: time.Hour}
}

func monitorSlow() monitor.Config {
	return monitor.Config{PollInterval: time.Hour}
}

func TestReconfigure(t *testing.T) {
	f := newFixture()
	p := f.open(t, chromeUA, options())

	opts := options()
	opts.Monitor.Shortcuts = []monitor.Shortcut{{Key: "F1"}}
	opts.MaxInactive = time.Minute
	p.Reconfigure(opts)

	ev := &platform.Event{Kind: platform.KeyDown, Key: platform.KeyPress{Key: "F1"}}
	assert.True(t, f.bus.Dispatch(ev))
	ev = &platform.Event{Kind: platform.KeyDown, Key: platform.KeyPress{Key: "F12"}}
	assert.False(t, f.bus.Dispatch(ev), "replaced table no longer blocks F12")

	f.clock.Advance(2 * time.Minute)
	assert.True(t, p.Inactive())
}
