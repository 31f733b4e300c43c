// proctorctl inspects and exports the attempt recorded by proctord.
//
//	proctorctl status              Show the attempt and its event counts
//	proctorctl export json|csv     Write the event log to a file
//	proctorctl report              Print the text report
//	proctorctl email               Print the mailto link of the summary
//	proctorctl verify <file>       Check a JSON export against the schema
//	proctorctl restart             Discard the attempt
//	proctorctl config init|show    Manage the configuration file
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"proctord/internal/audit"
	"proctord/internal/config"
	"proctord/internal/logging"
	"proctord/internal/session"
	"proctord/internal/store"
)

var configPath string

// out is where commands print; tests swap it.
var out io.Writer = os.Stdout

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "proctorctl:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "proctorctl",
		Short:         "Inspect and export proctored attempts",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")

	root.AddCommand(
		newStatusCmd(),
		newExportCmd(),
		newReportCmd(),
		newEmailCmd(),
		newVerifyCmd(),
		newRestartCmd(),
		newConfigCmd(),
	)
	return root
}

// records is an opened store with its session manager.
type records struct {
	cfg      *config.Config
	shared   *store.Shared
	sessions *session.Manager
}

func openRecords() (*records, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	lc, err := cfg.LoggingConfig()
	if err != nil {
		return nil, err
	}
	// Keep the console for command output.
	lc.Level = logging.LevelWarn
	lc.Output = "stderr"
	logger, err := logging.New(lc)
	if err != nil {
		return nil, err
	}
	logging.SetDefault(logger)

	kv, err := store.Open(cfg.StoreOptions())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	shared := store.NewShared(kv)
	return &records{
		cfg:      cfg,
		shared:   shared,
		sessions: session.NewManager(shared),
	}, nil
}

func (r *records) logs() ([]audit.Event, error) {
	events, err := audit.ReadLogs(r.shared)
	if err != nil {
		if errors.Is(err, store.ErrClosed) {
			return nil, err
		}
		fmt.Fprintln(os.Stderr, "warning: event log unreadable, treating it as empty:", err)
		return []audit.Event{}, nil
	}
	return events, nil
}

func (r *records) Close() error { return r.shared.Close() }

// withRecords opens the store around fn.
func withRecords(fn func(r *records) error) error {
	r, err := openRecords()
	if err != nil {
		return err
	}
	defer r.Close()
	return fn(r)
}
