package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"proctord/internal/config"
	"proctord/internal/health"
	"proctord/internal/logging"
	"proctord/internal/session"
	"proctord/internal/store"
)

// minFreeDisk is the free space below which the disk check degrades.
const minFreeDisk = 50 << 20

// app is what every subcommand opens: configuration, logging and the
// store.
type app struct {
	loader *config.Loader
	cfg    *config.Config
	logger *logging.Logger
	log    *slog.Logger
	shared *store.Shared
}

func openApp() (*app, error) {
	path := configPath
	if path == "" {
		path = config.FindConfigFile()
	}
	loader := config.NewLoader(path)
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	lc, err := cfg.LoggingConfig()
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(lc)
	if err != nil {
		return nil, err
	}
	logging.SetDefault(logger)

	if err := cfg.EnsureDirectories(); err != nil {
		logger.Close()
		return nil, err
	}
	kv, err := store.Open(cfg.StoreOptions())
	if err != nil {
		logger.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}

	return &app{
		loader: loader,
		cfg:    cfg,
		logger: logger,
		log:    logger.WithComponent("proctord"),
		shared: store.NewShared(kv),
	}, nil
}

func (a *app) Close() {
	if err := a.loader.Close(); err != nil {
		a.log.Debug("close config watcher", "err", err)
	}
	if err := a.shared.Close(); err != nil {
		a.log.Error("close store", "err", err)
	}
	a.logger.Close()
}

// watchConfig hot-reloads the configuration file. A failing watcher only
// costs hot reload.
func (a *app) watchConfig(ctx context.Context, apply func(*config.Config)) {
	a.loader.OnChange(apply)
	if err := a.loader.Watch(); err != nil {
		a.log.Warn("config hot reload unavailable", "err", err)
		return
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-a.loader.Errors():
				a.log.Warn("config reload rejected", "err", err)
			}
		}
	}()
}

func (a *app) checker(sessions *session.Manager) *health.Checker {
	c := health.NewChecker()
	c.RegisterFunc("store", true, health.StoreCheck(a.shared))
	c.RegisterFunc("session", false, health.SessionCheck(sessions))
	c.RegisterFunc("event_log", false, health.EventLogCheck(a.shared))
	if a.cfg.Storage.Backend != "memory" {
		c.RegisterFunc("disk", false, health.DiskSpaceCheck(a.cfg.Storage.Path, minFreeDisk))
	}
	return c
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
