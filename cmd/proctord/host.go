package main

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"proctord/internal/audit"
	"proctord/internal/config"
	"proctord/internal/countdown"
	"proctord/internal/nativemsg"
	"proctord/internal/platform"
	"proctord/internal/proctor"
	"proctord/internal/review"
	"proctord/internal/session"
)

const (
	helloTimeout  = 5 * time.Second
	stateInterval = time.Second
	commandQueue  = 8
)

// attempt holds the running Proctor. A restart replaces it.
type attempt struct {
	mu   sync.Mutex
	p    *proctor.Proctor
	opts proctor.Options
	open func(proctor.Options) (*proctor.Proctor, error)
}

func (at *attempt) current() *proctor.Proctor {
	at.mu.Lock()
	defer at.mu.Unlock()
	return at.p
}

func (at *attempt) reconfigure(opts proctor.Options) {
	at.mu.Lock()
	at.opts = opts
	p := at.p
	at.mu.Unlock()
	if p != nil {
		p.Reconfigure(opts)
	}
}

// handle runs a page command. Restart discards the attempt and opens the
// next one in its place.
func (at *attempt) handle(ctx context.Context, command string) error {
	at.mu.Lock()
	defer at.mu.Unlock()
	if at.p == nil {
		return nil
	}
	if command != proctor.CommandRestart {
		return at.p.Handle(ctx, command)
	}

	if err := at.p.Restart(); err != nil {
		return err
	}
	at.p.Close()
	at.p = nil
	p, err := at.open(at.opts)
	if err != nil {
		return err
	}
	at.p = p
	return nil
}

func (at *attempt) close() {
	at.mu.Lock()
	defer at.mu.Unlock()
	if at.p != nil {
		at.p.Close()
		at.p = nil
	}
}

func pageState(st proctor.State) *nativemsg.State {
	return &nativemsg.State{
		Remaining:  countdown.Format(st.Remaining),
		Running:    st.Running,
		Fullscreen: st.Fullscreen,
		Submitted:  st.Submitted,
		Blocked:    st.Blocked,
	}
}

func runHost(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	sigCtx, stop := signalContext()
	defer stop()

	origin := ""
	if len(args) > 0 {
		origin = args[0]
	}
	a.log.Info("native messaging host starting", "origin", origin, "pid", os.Getpid())

	bus := platform.NewDispatcher()
	commands := make(chan string, commandQueue)
	// Commands leave the reader goroutine: handling them sends requests
	// whose results only that goroutine can read.
	host := nativemsg.NewHost(os.Stdin, os.Stdout, bus,
		nativemsg.WithLogger(a.logger.WithComponent("nativemsg")),
		nativemsg.WithCommandHandler(func(_ context.Context, c string) {
			select {
			case commands <- c:
			default:
				a.log.Warn("command queue full, dropping command", "command", c)
			}
		}),
	)

	g, gctx := errgroup.WithContext(sigCtx)
	ctx, cancel := context.WithCancel(gctx)
	defer cancel()

	g.Go(func() error {
		defer cancel()
		return host.Run(ctx)
	})

	helloCtx, helloCancel := context.WithTimeout(ctx, helloTimeout)
	ua, err := host.Hello(helloCtx)
	helloCancel()
	if err != nil {
		if errors.Is(err, nativemsg.ErrClosed) {
			return ignoreCanceled(g.Wait())
		}
		a.log.Warn("no greeting from extension, browser unknown", "err", err)
	}

	sessions := session.NewManager(a.shared,
		session.WithActivityInterval(a.cfg.ActivityInterval()),
		session.WithLogger(a.logger.WithComponent("session")),
	)
	deps := proctor.Deps{
		Shared:    a.shared,
		Bus:       bus,
		Screen:    host,
		Window:    host,
		Clipboard: host,
		Sessions:  sessions,
		UserAgent: ua,
	}
	at := &attempt{
		opts: proctor.OptionsFromConfig(a.cfg),
		open: func(opts proctor.Options) (*proctor.Proctor, error) {
			return proctor.Open(ctx, deps, opts)
		},
	}
	p, err := at.open(at.opts)
	if err != nil {
		cancel()
		_ = g.Wait()
		return err
	}
	at.p = p
	defer at.close()

	a.watchConfig(ctx, func(cfg *config.Config) {
		at.reconfigure(proctor.OptionsFromConfig(cfg))
	})

	push := func() {
		if cur := at.current(); cur != nil {
			if err := host.Send(&nativemsg.Message{Type: nativemsg.MsgState, State: pageState(cur.State())}); err != nil {
				a.log.Debug("push state", "err", err)
			}
		}
	}

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case c := <-commands:
				if err := at.handle(ctx, c); err != nil {
					a.log.Error("command failed", "command", c, "err", err)
				}
				push()
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(stateInterval)
		defer ticker.Stop()
		push()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				push()
			}
		}
	})

	diag := audit.NewDiagnostics(p.Logger(), audit.DefaultDiagnosticsInterval, a.logger.WithComponent("diagnostics"))
	g.Go(func() error {
		diag.Run(ctx)
		return nil
	})

	if w, err := platform.NewNetworkWatcher(bus); err != nil {
		a.log.Debug("network watcher unavailable", "err", err)
	} else {
		g.Go(func() error {
			if err := w.Run(ctx); err != nil && ctx.Err() == nil {
				a.log.Warn("network watcher stopped", "err", err)
			}
			return nil
		})
	}

	if a.cfg.Review.Enabled {
		checker := a.checker(sessions)
		checker.SetReady(true)
		srv := review.New(a.shared, sessions, checker,
			review.WithRecipient(a.cfg.Review.Recipient),
			review.WithLogger(a.logger.WithComponent("review")),
		)
		g.Go(func() error {
			// Another host may already own the port; recording goes on.
			if err := srv.ListenAndServe(ctx, a.cfg.Review.Addr); err != nil {
				a.log.Warn("review server unavailable", "err", err)
			}
			return nil
		})
	}

	err = ignoreCanceled(g.Wait())
	at.close()
	diag.FinalFlush()
	a.log.Info("native messaging host stopped")
	return err
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
