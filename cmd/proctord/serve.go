package main

import (
	"github.com/spf13/cobra"

	"proctord/internal/config"
	"proctord/internal/review"
	"proctord/internal/session"
)

func runServe(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext()
	defer stop()

	addr := a.cfg.Review.Addr
	if listenAddr != "" {
		addr = listenAddr
	}

	sessions := session.NewManager(a.shared, session.WithLogger(a.logger.WithComponent("session")))
	checker := a.checker(sessions)
	checker.SetReady(true)

	srv := review.New(a.shared, sessions, checker,
		review.WithRecipient(a.cfg.Review.Recipient),
		review.WithLogger(a.logger.WithComponent("review")),
	)
	a.watchConfig(ctx, func(cfg *config.Config) {
		srv.SetRecipient(cfg.Review.Recipient)
	})
	return ignoreCanceled(srv.ListenAndServe(ctx, addr))
}
