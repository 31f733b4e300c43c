// proctord records the integrity events of a proctored assessment.
//
//	proctord host     Native messaging host, launched by the browser extension
//	proctord serve    Local review server over the recorded attempt
//
// Chrome starts a native messaging host with the calling extension's
// origin as its only argument, so an invocation whose first argument is a
// chrome-extension:// origin runs the host.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	configPath string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:   "proctord",
	Short: "Assessment integrity agent",
	Long: `proctord enforces fullscreen, watches for integrity signals and keeps an
append-only event log of an assessment attempt. The browser extension talks
to it over native messaging; proctors review the attempt locally.`,
	Args:          cobra.ArbitraryArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) > 0 && strings.HasPrefix(args[0], "chrome-extension://") {
			return runHost(cmd, args)
		}
		return cmd.Help()
	},
}

var hostCmd = &cobra.Command{
	Use:   "host [origin]",
	Short: "Run the native messaging host on stdin/stdout",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runHost,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the recorded attempt on a loopback address",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var listenAddr string

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")
	// Chrome on Windows appends --parent-window=<handle>.
	rootCmd.Flags().Int64("parent-window", 0, "")
	_ = rootCmd.Flags().MarkHidden("parent-window")

	serveCmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "override review address")

	rootCmd.AddCommand(hostCmd, serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "proctord:", err)
		os.Exit(1)
	}
}
