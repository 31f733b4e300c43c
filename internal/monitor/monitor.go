// Package monitor captures page signals that matter for assessment
// integrity and records each one as an audit event.
//
// The devtools check is a heuristic. It compares outer and inner window
// sizes, which also trips on docked side panels and misses undocked
// developer tools.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"proctord/internal/audit"
	"proctord/internal/logging"
	"proctord/internal/platform"
)

// Defaults for Config.
const (
	DefaultPollInterval      = time.Second
	DefaultDevtoolsThreshold = 160
	DefaultSelectionLimit    = 100
)

// ErrAlreadyActive is returned by Activate when the monitor has not been
// disposed since the last activation.
var ErrAlreadyActive = errors.New("monitor: already active")

// Config tunes the monitor.
type Config struct {
	Shortcuts []Shortcut

	// PollInterval is the devtools heuristic period.
	PollInterval time.Duration

	// DevtoolsThreshold is the outer-minus-inner size, in pixels, above
	// which developer tools are assumed open.
	DevtoolsThreshold int

	// SelectionLimit caps the copied or cut text recorded, in characters.
	SelectionLimit int
}

// DefaultConfig returns the stock shortcut table and heuristics.
func DefaultConfig() Config {
	return Config{
		Shortcuts:         DefaultShortcuts(),
		PollInterval:      DefaultPollInterval,
		DevtoolsThreshold: DefaultDevtoolsThreshold,
		SelectionLimit:    DefaultSelectionLimit,
	}
}

// Monitor translates page signals into audit events.
type Monitor struct {
	logger *audit.Logger
	bus    platform.Bus
	window platform.Window
	log    *slog.Logger

	mu        sync.Mutex
	cfg       Config
	active    bool
	disposers []func()
	cancel    context.CancelFunc
	done      chan struct{}
}

// New returns an inactive monitor. Zero fields of cfg take their
// defaults; a nil shortcut table means DefaultShortcuts.
func New(logger *audit.Logger, bus platform.Bus, window platform.Window, cfg Config) *Monitor {
	if cfg.Shortcuts == nil {
		cfg.Shortcuts = DefaultShortcuts()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.DevtoolsThreshold <= 0 {
		cfg.DevtoolsThreshold = DefaultDevtoolsThreshold
	}
	if cfg.SelectionLimit <= 0 {
		cfg.SelectionLimit = DefaultSelectionLimit
	}
	return &Monitor{
		logger: logger,
		bus:    bus,
		window: window,
		cfg:    cfg,
		log:    logging.Default().WithComponent("monitor"),
	}
}

// SetLogger replaces the diagnostic logger.
func (m *Monitor) SetLogger(l *slog.Logger) { m.log = l }

// SetHeuristics retunes the devtools poll. Non-positive values keep the
// current setting. A running poll picks up the new interval on its next
// tick.
func (m *Monitor) SetHeuristics(threshold int, interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if threshold > 0 {
		m.cfg.DevtoolsThreshold = threshold
	}
	if interval > 0 {
		m.cfg.PollInterval = interval
	}
}

// SetShortcuts replaces the blocked shortcut table.
func (m *Monitor) SetShortcuts(table []Shortcut) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.Shortcuts = append([]Shortcut(nil), table...)
}

// Activate registers every handler, starts the devtools poll and logs
// SESSION_START. The returned function undoes all of it and is
// idempotent.
func (m *Monitor) Activate(ctx context.Context) (dispose func(), err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active {
		return nil, ErrAlreadyActive
	}
	m.active = true

	handlers := []struct {
		kind platform.Kind
		h    platform.Handler
	}{
		{platform.VisibilityChange, m.onVisibility},
		{platform.Blur, m.simple(audit.FocusLost)},
		{platform.Focus, m.simple(audit.FocusGained)},
		{platform.Copy, m.onClipboard(audit.CopyAttempt)},
		{platform.Cut, m.onClipboard(audit.CutAttempt)},
		{platform.Paste, m.simple(audit.PasteAttempt)},
		{platform.ContextMenu, m.onContextMenu},
		{platform.KeyDown, m.onKeyDown},
		{platform.FullscreenChange, m.onFullscreen},
		{platform.Online, m.simple(audit.NetworkOnline)},
		{platform.Offline, m.simple(audit.NetworkOffline)},
		{platform.BeforeUnload, m.simple(audit.PageUnload)},
	}
	m.disposers = m.disposers[:0]
	for _, h := range handlers {
		m.disposers = append(m.disposers, m.bus.Subscribe(h.kind, h.h))
	}

	pollCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	if m.window != nil {
		go m.poll(pollCtx, m.done)
	} else {
		// Without window dimensions there is nothing to poll.
		close(m.done)
	}

	m.logger.Log(audit.Entry{EventType: audit.SessionStart})
	m.log.Debug("security monitor active", "handlers", len(handlers))

	var once sync.Once
	return func() { once.Do(m.deactivate) }, nil
}

func (m *Monitor) deactivate() {
	m.mu.Lock()
	for _, d := range m.disposers {
		d()
	}
	m.disposers = nil
	cancel, done := m.cancel, m.done
	m.active = false
	m.mu.Unlock()

	cancel()
	<-done
	m.log.Debug("security monitor disposed")
}

// Active reports whether handlers are registered.
func (m *Monitor) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

func (m *Monitor) simple(t audit.EventType) platform.Handler {
	return func(ev *platform.Event) {
		m.logger.Log(audit.Entry{EventType: t, QuestionID: ev.QuestionID})
	}
}

func (m *Monitor) onVisibility(ev *platform.Event) {
	t := audit.TabVisible
	if ev.Hidden {
		t = audit.TabHidden
	}
	m.logger.Log(audit.Entry{EventType: t, QuestionID: ev.QuestionID})
}

// onClipboard records a copy or cut with a truncated snapshot of the
// selection. Paste goes through simple: pasted content is never captured.
func (m *Monitor) onClipboard(t audit.EventType) platform.Handler {
	return func(ev *platform.Event) {
		m.mu.Lock()
		limit := m.cfg.SelectionLimit
		m.mu.Unlock()
		m.logger.Log(audit.Entry{
			EventType:  t,
			QuestionID: ev.QuestionID,
			Metadata:   map[string]any{"selection": truncate(ev.Selection, limit)},
		})
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func (m *Monitor) onContextMenu(ev *platform.Event) {
	m.logger.Log(audit.Entry{
		EventType:  audit.ContextMenuBlocked,
		QuestionID: ev.QuestionID,
		Metadata:   map[string]any{"x": ev.X, "y": ev.Y},
	})
	ev.PreventDefault()
}

func (m *Monitor) onKeyDown(ev *platform.Event) {
	m.mu.Lock()
	blocked := Match(m.cfg.Shortcuts, ev.Key)
	m.mu.Unlock()
	if !blocked {
		return
	}
	k := ev.Key
	m.logger.Log(audit.Entry{
		EventType:  audit.KeyboardShortcutBlocked,
		QuestionID: ev.QuestionID,
		Metadata: map[string]any{
			"key":   k.Key,
			"ctrl":  k.Ctrl,
			"shift": k.Shift,
			"alt":   k.Alt,
			"meta":  k.Meta,
		},
	})
	ev.PreventDefault()
}

func (m *Monitor) onFullscreen(ev *platform.Event) {
	t := audit.FullscreenExit
	if ev.Fullscreen {
		t = audit.FullscreenEnter
	}
	m.logger.Log(audit.Entry{EventType: t, QuestionID: ev.QuestionID})
}

func (m *Monitor) heuristics() (int, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.DevtoolsThreshold, m.cfg.PollInterval
}

func (m *Monitor) poll(ctx context.Context, done chan struct{}) {
	defer close(done)

	_, interval := m.heuristics()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			threshold, next := m.heuristics()
			if next != interval {
				interval = next
				ticker.Reset(interval)
			}
			m.checkDevtools(ctx, threshold)
		}
	}
}

func (m *Monitor) checkDevtools(ctx context.Context, threshold int) {
	d, err := m.window.Dimensions(ctx)
	if err != nil {
		if ctx.Err() == nil {
			m.log.Debug("window dimensions unavailable", "err", err)
		}
		return
	}
	if !DevtoolsOpen(d, threshold) {
		return
	}
	m.logger.Log(audit.Entry{
		EventType: audit.DevtoolsDetected,
		Metadata: map[string]any{
			"outerWidth":  d.OuterWidth,
			"innerWidth":  d.InnerWidth,
			"outerHeight": d.OuterHeight,
			"innerHeight": d.InnerHeight,
		},
	})
}

// DevtoolsOpen applies the size heuristic: a gap wider than threshold
// pixels on either axis.
func DevtoolsOpen(d platform.Dimensions, threshold int) bool {
	return d.OuterWidth-d.InnerWidth > threshold || d.OuterHeight-d.InnerHeight > threshold
}
