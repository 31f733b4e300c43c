package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"proctord/internal/config"
	"proctord/internal/export"
	"proctord/internal/proctor"
	"proctord/internal/review"
)

func newStatusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the recorded attempt",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRecords(func(r *records) error {
				events, err := r.logs()
				if err != nil {
					return err
				}
				st := review.Status(r.sessions, events)
				if asJSON {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					return enc.Encode(st)
				}
				printStatus(st, r.cfg)
				if r.cfg.Session.MaxInactiveMinutes > 0 && st.AttemptID != "" && !st.Submitted &&
					r.sessions.IsExpired(r.cfg.MaxInactive()) {
					fmt.Fprintf(out, "\nInactive for more than %d minutes.\n", r.cfg.Session.MaxInactiveMinutes)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printStatus(st review.StatusResponse, cfg *config.Config) {
	if st.AttemptID == "" {
		fmt.Fprintln(out, "No attempt recorded.")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Attempt\t%s\n", st.AttemptID)
	fmt.Fprintf(tw, "Submitted\t%t\n", st.Submitted)
	if st.StartTime != nil {
		fmt.Fprintf(tw, "Started\t%s\n", st.StartTime.Format(time.RFC3339))
	}
	if st.LastActivity != nil {
		fmt.Fprintf(tw, "Last activity\t%s\n", st.LastActivity.Format(time.RFC3339))
	}
	if st.Remaining != "" {
		fmt.Fprintf(tw, "Remaining\t%s\n", st.Remaining)
	}
	fmt.Fprintf(tw, "Events\t%d\n", st.TotalEvents)
	fmt.Fprintf(tw, "Store\t%s (%s)\n", cfg.Storage.Backend, cfg.Storage.Path)
	tw.Flush()

	if len(st.Counts) > 0 {
		fmt.Fprintln(out)
		tw = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		for _, c := range st.Counts {
			fmt.Fprintf(tw, "  %s\t%d\n", c.Type, c.Count)
		}
		tw.Flush()
	}
	if len(st.FlaggedAlerts) > 0 {
		fmt.Fprintf(out, "\nAlerts: %s\n", strings.Join(st.FlaggedAlerts, ", "))
	}
}

func newExportCmd() *cobra.Command {
	var (
		dir    string
		name   string
		stdout bool
	)
	cmd := &cobra.Command{
		Use:       "export json|csv",
		Short:     "Export the event log",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"json", "csv"},
		RunE: func(cmd *cobra.Command, args []string) error {
			format := args[0]
			return withRecords(func(r *records) error {
				events, err := r.logs()
				if err != nil {
					return err
				}
				now := time.Now()
				if stdout {
					if format == "csv" {
						return export.WriteCSV(out, events)
					}
					return export.WriteJSON(out, events, now)
				}
				if dir == "" {
					dir = r.cfg.Export.Dir
				}
				var path string
				if format == "csv" {
					path, err = export.CSVFile(dir, name, events, now)
				} else {
					path, err = export.JSONFile(dir, name, events, now)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Exported %d events to %s\n", len(events), path)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&dir, "dir", "o", "", "output directory (default from config)")
	cmd.Flags().StringVar(&name, "name", "", "file name (default secure-test-logs-<timestamp>)")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "write to standard output")
	return cmd
}

func newReportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "report",
		Short: "Print the text report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRecords(func(r *records) error {
				events, err := r.logs()
				if err != nil {
					return err
				}
				fmt.Fprint(out, export.Report(events, time.Now()))
				return nil
			})
		},
	}
}

func newEmailCmd() *cobra.Command {
	var to string
	cmd := &cobra.Command{
		Use:   "email",
		Short: "Print the mailto link of the summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRecords(func(r *records) error {
				events, err := r.logs()
				if err != nil {
					return err
				}
				if to == "" {
					to = r.cfg.Review.Recipient
				}
				fmt.Fprintln(out, export.MailtoURL(events, to, time.Now()))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "recipient (default from config)")
	return cmd
}

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <file>",
		Short: "Check a JSON export against the export schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			if err := export.Validate(data); err != nil {
				return fmt.Errorf("%s: %w", filepath.Base(args[0]), err)
			}
			var env export.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				return err
			}
			fmt.Fprintf(out, "%s: valid export of attempt %s, %d events\n",
				filepath.Base(args[0]), env.AttemptID, env.TotalEvents)
			return nil
		},
	}
}

func newRestartCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Discard the recorded attempt, submitted or not",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes && !confirm(cmd, "Are you sure you want to restart the assessment?") {
				fmt.Fprintln(out, "Aborted.")
				return nil
			}
			return withRecords(func(r *records) error {
				if err := proctor.Discard(r.shared); err != nil {
					return err
				}
				fmt.Fprintln(out, "Attempt discarded.")
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

func confirm(cmd *cobra.Command, question string) bool {
	fmt.Fprintf(out, "%s [y/N] ", question)
	line, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default configuration unless one exists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if path == "" {
				path = config.ConfigPath()
			}
			_, created, err := config.LoadOrCreate(path)
			if err != nil {
				return err
			}
			if created {
				fmt.Fprintf(out, "Wrote %s\n", path)
			} else {
				fmt.Fprintf(out, "%s already exists\n", path)
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(cfg)
		},
	})
	return cmd
}
