// Package fullscreen keeps the assessment page in fullscreen presentation.
//
// The enforcement loop is policy, not a security boundary: every exit is
// answered with one re-request after RetryDelay, for as long as the
// enforcer is active. There is no retry cap and no backoff.
package fullscreen

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"proctord/internal/audit"
	"proctord/internal/logging"
	"proctord/internal/metrics"
	"proctord/internal/platform"
)

// DefaultRetryDelay is the pause between an observed exit and the
// re-request. Browsers tend to reject a request issued in the same
// instant as the exit.
const DefaultRetryDelay = 500 * time.Millisecond

// Config controls enforcement.
type Config struct {
	Enforce    bool
	RetryDelay time.Duration
}

// Enforcer requests fullscreen and re-requests it whenever the user
// leaves.
type Enforcer struct {
	logger *audit.Logger
	screen platform.Screen
	bus    platform.Bus
	log    *slog.Logger

	mu         sync.Mutex
	cfg        Config
	fullscreen bool
	active     bool
	ctx        context.Context
	cancel     context.CancelFunc
	retry      *time.Timer
	retries    int
	pending    sync.WaitGroup
}

// New returns an inactive enforcer.
func New(logger *audit.Logger, screen platform.Screen, bus platform.Bus, cfg Config) *Enforcer {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	return &Enforcer{
		logger: logger,
		screen: screen,
		bus:    bus,
		cfg:    cfg,
		log:    logging.Default().WithComponent("fullscreen"),
	}
}

// SetLogger replaces the diagnostic logger.
func (e *Enforcer) SetLogger(l *slog.Logger) { e.log = l }

// SetRetryDelay changes the delay used for subsequent re-requests.
func (e *Enforcer) SetRetryDelay(d time.Duration) {
	if d <= 0 {
		d = DefaultRetryDelay
	}
	e.mu.Lock()
	e.cfg.RetryDelay = d
	e.mu.Unlock()
}

// Activate requests fullscreen and starts watching for exits. With
// enforcement disabled it does nothing. The returned function tears the
// enforcer down, cancelling any scheduled re-request; it is idempotent.
// Activating an already active enforcer returns a no-op.
func (e *Enforcer) Activate(ctx context.Context) (dispose func()) {
	e.mu.Lock()
	if !e.cfg.Enforce || e.active {
		e.mu.Unlock()
		return func() {}
	}
	e.active = true
	e.ctx, e.cancel = context.WithCancel(ctx)
	reqCtx := e.ctx
	e.mu.Unlock()

	unsubscribe := e.bus.Subscribe(platform.FullscreenChange, e.onChange)
	e.request(reqCtx)

	var once sync.Once
	return func() {
		once.Do(func() {
			unsubscribe()
			e.deactivate()
		})
	}
}

func (e *Enforcer) deactivate() {
	e.mu.Lock()
	e.active = false
	if e.retry != nil && e.retry.Stop() {
		e.pending.Done()
	}
	e.retry = nil
	e.cancel()
	e.mu.Unlock()

	// A re-request that already fired sees a cancelled context.
	e.pending.Wait()
}

// request asks the platform for fullscreen. A refusal is an expected
// outcome and is recorded, not returned.
func (e *Enforcer) request(ctx context.Context) {
	e.logger.Log(audit.Entry{EventType: audit.FullscreenRequest})

	if err := e.screen.RequestFullscreen(ctx); err != nil {
		if ctx.Err() != nil {
			// Disposed mid-request; the page did not refuse anything.
			e.log.Debug("fullscreen request abandoned", "err", err)
			return
		}
		metrics.FullscreenRequests.WithLabelValues(metrics.OutcomeDenied).Inc()
		e.logger.Log(audit.Entry{
			EventType: audit.FullscreenDenied,
			Metadata:  map[string]any{"error": err.Error()},
		})
		e.log.Info("fullscreen request denied", "err", err)
		e.mu.Lock()
		e.fullscreen = false
		e.mu.Unlock()
		return
	}

	metrics.FullscreenRequests.WithLabelValues(metrics.OutcomeGranted).Inc()
	e.mu.Lock()
	e.fullscreen = true
	e.mu.Unlock()
}

func (e *Enforcer) onChange(ev *platform.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.fullscreen = ev.Fullscreen
	if ev.Fullscreen || !e.active || e.retry != nil {
		return
	}

	e.retries++
	e.pending.Add(1)
	ctx := e.ctx
	e.retry = time.AfterFunc(e.cfg.RetryDelay, func() {
		defer e.pending.Done()

		e.mu.Lock()
		e.retry = nil
		active := e.active
		e.mu.Unlock()
		if !active || ctx.Err() != nil {
			return
		}
		e.request(ctx)
	})
	e.log.Debug("fullscreen exited, re-request scheduled", "delay", e.cfg.RetryDelay, "retry", e.retries)
}

// IsFullscreen reports the last known presentation state.
func (e *Enforcer) IsFullscreen() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fullscreen
}

// Retries returns how many re-requests have been scheduled.
func (e *Enforcer) Retries() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.retries
}
