// Package proctor wires the integrity components of one attempt together:
// the browser gate, the security monitor, the fullscreen enforcer, the
// countdown and the submit/restart transitions.
package proctor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"proctord/internal/audit"
	"proctord/internal/browser"
	"proctord/internal/config"
	"proctord/internal/countdown"
	"proctord/internal/export"
	"proctord/internal/fullscreen"
	"proctord/internal/logging"
	"proctord/internal/monitor"
	"proctord/internal/platform"
	"proctord/internal/session"
	"proctord/internal/store"
)

// Page commands.
const (
	CommandSubmit   = "submit"
	CommandRestart  = "restart"
	CommandCopyLogs = "copyLogs"
)

// ErrUnknownCommand is returned by Handle for an unrecognised command.
var ErrUnknownCommand = errors.New("proctor: unknown command")

// Deps are the collaborators of a Proctor. Shared and Bus are required.
type Deps struct {
	Shared    *store.Shared
	Bus       platform.Bus
	Screen    platform.Screen
	Window    platform.Window
	Clipboard platform.Clipboard

	// Sessions defaults to a manager over Shared.
	Sessions *session.Manager

	// UserAgent of the page, as reported by the extension.
	UserAgent string

	Clock func() time.Time

	// Log, when set, replaces the per-component diagnostic loggers.
	Log *slog.Logger
}

// Options is the attempt policy.
type Options struct {
	// RequireChrome blocks enforcement and the timer on other browsers.
	RequireChrome bool

	// TimerMinutes enables the countdown when positive.
	TimerMinutes int
	TickInterval time.Duration

	Fullscreen fullscreen.Config
	Monitor    monitor.Config

	// ActivityInterval throttles LastActivity writes.
	ActivityInterval time.Duration

	// MaxInactive is the idle time after which Inactive reports true.
	// Zero disables it.
	MaxInactive time.Duration

	// OnSubmit runs after a submission seals the log.
	OnSubmit func()

	// OnTimerExpire runs after the submission triggered by the deadline.
	OnTimerExpire func()
}

// OptionsFromConfig derives Options from a loaded configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	opts := Options{
		RequireChrome:    cfg.Browser.RequireChrome,
		TickInterval:     cfg.TickInterval(),
		ActivityInterval: cfg.ActivityInterval(),
		MaxInactive:      cfg.MaxInactive(),
		Fullscreen: fullscreen.Config{
			Enforce:    cfg.Fullscreen.Enforce,
			RetryDelay: cfg.RetryDelay(),
		},
		Monitor: monitor.Config{
			PollInterval:      cfg.PollInterval(),
			DevtoolsThreshold: cfg.Monitor.DevtoolsThreshold,
			SelectionLimit:    cfg.Monitor.SelectionLimit,
		},
	}
	if len(cfg.Monitor.Shortcuts) > 0 {
		opts.Monitor.Shortcuts = cfg.Monitor.Shortcuts
	}
	if cfg.Timer.Enabled {
		opts.TimerMinutes = cfg.Timer.DurationMinutes
	}
	return opts
}

// State is the page-facing view of an attempt.
type State struct {
	AttemptID  string
	Remaining  *int
	Running    bool
	Fullscreen bool
	Submitted  bool
	Blocked    bool
}

// Proctor runs one attempt.
type Proctor struct {
	deps      Deps
	opts      Options
	log       *slog.Logger
	sharedLog *slog.Logger
	sessions *session.Manager
	logger   *audit.Logger
	browser  browser.Info
	blocked  bool

	ctx    context.Context
	cancel context.CancelFunc

	monitor  *monitor.Monitor
	enforcer *fullscreen.Enforcer
	timer    *countdown.Timer

	mu        sync.Mutex
	disposers []func()
	activity  func()
	closed    bool

	submitOnce sync.Once
}

// Open resumes or creates the attempt and, unless the browser is blocked
// or the attempt was already submitted, starts enforcement. BROWSER_DETECTED
// is always the first event Open records.
func Open(ctx context.Context, deps Deps, opts Options) (*Proctor, error) {
	if deps.Shared == nil {
		return nil, fmt.Errorf("proctor: store is required")
	}
	if deps.Bus == nil {
		return nil, fmt.Errorf("proctor: event bus is required")
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	override := deps.Log
	if deps.Log == nil {
		deps.Log = logging.Default().WithComponent("proctor")
	}
	if deps.Sessions == nil {
		sopts := []session.Option{
			session.WithClock(deps.Clock),
			session.WithActivityInterval(opts.ActivityInterval),
		}
		if override != nil {
			sopts = append(sopts, session.WithLogger(override))
		}
		deps.Sessions = session.NewManager(deps.Shared, sopts...)
	}

	s := deps.Sessions.GetOrCreate()
	aopts := []audit.Option{audit.WithClock(deps.Clock)}
	if override != nil {
		aopts = append(aopts, audit.WithLogger(override))
	}
	p := &Proctor{
		deps:      deps,
		opts:      opts,
		log:       deps.Log.With("attempt_id", s.AttemptID),
		sharedLog: override,
		sessions:  deps.Sessions,
		logger:    audit.NewLogger(s.AttemptID, deps.Shared, aopts...),
		browser:   browser.Detect(deps.UserAgent),
	}
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.logger.Log(audit.Entry{EventType: audit.BrowserDetected, Metadata: p.browser.Metadata()})
	if !p.browser.IsChrome && opts.RequireChrome {
		p.blocked = true
		p.logger.Log(audit.Entry{EventType: audit.BrowserBlocked, Metadata: p.browser.Metadata()})
		p.log.Warn("browser not allowed, enforcement disabled", "browser", p.browser.Name)
	}

	p.activity = deps.Bus.Subscribe(platform.Activity, func(*platform.Event) {
		if !p.logger.Submitted() {
			p.sessions.UpdateLastActivity()
		}
	})

	if p.blocked || p.logger.Submitted() {
		return p, nil
	}
	if err := p.start(); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func (p *Proctor) start() error {
	p.monitor = monitor.New(p.logger, p.deps.Bus, p.deps.Window, p.opts.Monitor)
	if p.sharedLog != nil {
		p.monitor.SetLogger(p.sharedLog)
	}
	disposeMonitor, err := p.monitor.Activate(p.ctx)
	if err != nil {
		return fmt.Errorf("activate monitor: %w", err)
	}

	if p.deps.Screen != nil {
		p.enforcer = fullscreen.New(p.logger, p.deps.Screen, p.deps.Bus, p.opts.Fullscreen)
		if p.sharedLog != nil {
			p.enforcer.SetLogger(p.sharedLog)
		}
		p.addDisposer(p.enforcer.Activate(p.ctx))
	}
	p.addDisposer(disposeMonitor)

	if p.opts.TimerMinutes > 0 {
		var topts []countdown.Option
		if p.sharedLog != nil {
			topts = append(topts, countdown.WithLogger(p.sharedLog))
		}
		p.timer = countdown.New(p.logger, p.sessions, &countdown.Config{
			DurationMinutes: p.opts.TimerMinutes,
			TickInterval:    p.opts.TickInterval,
			OnExpire:        p.expire,
		}, topts...)
		p.timer.Start(p.ctx)
	}
	p.log.Info("attempt started", "browser", p.browser.Name, "timed", p.timer != nil)
	return nil
}

func (p *Proctor) addDisposer(d func()) {
	p.mu.Lock()
	p.disposers = append(p.disposers, d)
	p.mu.Unlock()
}

// teardown stops the timer loop and disposes enforcement in reverse order
// of activation.
func (p *Proctor) teardown() {
	p.mu.Lock()
	disposers := p.disposers
	p.disposers = nil
	p.mu.Unlock()

	if p.timer != nil {
		p.timer.Stop()
	}
	for i := len(disposers) - 1; i >= 0; i-- {
		disposers[i]()
	}
}

func (p *Proctor) expire() {
	p.log.Info("time is up, submitting")
	p.Submit()
	if p.opts.OnTimerExpire != nil {
		p.opts.OnTimerExpire()
	}
}

// Submit ends the attempt: SESSION_END, then the seal. It does nothing
// on an attempt that is already submitted.
func (p *Proctor) Submit() {
	p.submitOnce.Do(func() {
		if p.logger.Submitted() {
			return
		}
		// TIMER_END must land before the seal.
		if p.timer != nil {
			p.timer.Stop()
		}
		p.logger.Log(audit.Entry{EventType: audit.SessionEnd})
		p.logger.MarkSubmitted()
		p.teardown()
		p.log.Info("attempt submitted")
		if p.opts.OnSubmit != nil {
			p.opts.OnSubmit()
		}
	})
}

// Restart discards the attempt: the event log and the session are removed
// regardless of the seal. The Proctor is spent afterwards; Close it and
// Open a new one to start the next attempt.
func (p *Proctor) Restart() error {
	p.teardown()
	if err := Discard(p.deps.Shared); err != nil {
		return err
	}
	p.log.Info("attempt discarded")
	return nil
}

// Discard removes the event log and the session record.
func Discard(shared *store.Shared) error {
	err := shared.Atomically(func(kv store.KV) error {
		return errors.Join(kv.Remove(store.KeyLogs), kv.Remove(store.KeySession))
	})
	if err != nil {
		return fmt.Errorf("discard attempt: %w", err)
	}
	return nil
}

// Handle executes a page command.
func (p *Proctor) Handle(ctx context.Context, command string) error {
	switch command {
	case CommandSubmit:
		p.Submit()
		return nil
	case CommandRestart:
		return p.Restart()
	case CommandCopyLogs:
		if p.deps.Clipboard == nil {
			return platform.ErrUnavailable
		}
		if !export.CopyToClipboard(ctx, p.deps.Clipboard, p.Logs(), p.deps.Clock(), p.log) {
			return errors.New("proctor: clipboard write failed")
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, command)
	}
}

// State returns the current page-facing state.
func (p *Proctor) State() State {
	st := State{
		AttemptID: p.logger.AttemptID(),
		Submitted: p.logger.Submitted(),
		Blocked:   p.blocked,
	}
	if p.timer != nil {
		if r, ok := p.timer.Remaining(); ok {
			st.Remaining = &r
		}
		st.Running = p.timer.Running()
	}
	if p.enforcer != nil {
		st.Fullscreen = p.enforcer.IsFullscreen()
	}
	return st
}

// Reconfigure applies the tunable parts of opts to a running attempt:
// devtools heuristics, the shortcut table and the fullscreen retry delay.
// The browser policy and the timer are fixed for the life of an attempt.
func (p *Proctor) Reconfigure(opts Options) {
	p.mu.Lock()
	p.opts.Monitor = opts.Monitor
	p.opts.Fullscreen.RetryDelay = opts.Fullscreen.RetryDelay
	p.opts.MaxInactive = opts.MaxInactive
	p.mu.Unlock()

	if p.monitor != nil {
		p.monitor.SetHeuristics(opts.Monitor.DevtoolsThreshold, opts.Monitor.PollInterval)
		table := opts.Monitor.Shortcuts
		if table == nil {
			table = monitor.DefaultShortcuts()
		}
		p.monitor.SetShortcuts(table)
	}
	if p.enforcer != nil {
		p.enforcer.SetRetryDelay(opts.Fullscreen.RetryDelay)
	}
	p.log.Info("configuration reloaded")
}

// Inactive reports whether the attempt has been idle longer than
// Options.MaxInactive.
func (p *Proctor) Inactive() bool {
	p.mu.Lock()
	maxInactive := p.opts.MaxInactive
	p.mu.Unlock()
	if maxInactive <= 0 {
		return false
	}
	return p.sessions.IsExpired(maxInactive)
}

// AttemptID returns the attempt identifier.
func (p *Proctor) AttemptID() string { return p.logger.AttemptID() }

// Browser returns the detected browser.
func (p *Proctor) Browser() browser.Info { return p.browser }

// Blocked reports whether the browser gate refused the attempt.
func (p *Proctor) Blocked() bool { return p.blocked }

// Submitted reports whether the attempt is sealed.
func (p *Proctor) Submitted() bool { return p.logger.Submitted() }

// Logs returns the persisted event log.
func (p *Proctor) Logs() []audit.Event { return p.logger.Logs() }

// Logger returns the attempt's event logger.
func (p *Proctor) Logger() *audit.Logger { return p.logger }

// Close pauses the attempt: enforcement is disposed and the countdown
// stops without TIMER_END, so the next Open resumes it.
func (p *Proctor) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	disposers := p.disposers
	p.disposers = nil
	activity := p.activity
	p.mu.Unlock()

	p.cancel()
	if p.timer != nil {
		p.timer.Close()
	}
	for i := len(disposers) - 1; i >= 0; i-- {
		disposers[i]()
	}
	if activity != nil {
		activity()
	}
}
