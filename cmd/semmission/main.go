// Package main provides the semmission binary entry point.
// Semmission starts, follows and steers research missions and expert panels
// over the mission backend's event stream.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "semmission"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath  string
	logLevel    string
	baseURL     string
	transport   string
	metricsAddr string
}

func rootCmd() *cobra.Command {
	var flags globalFlags

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Mission and panel stream client",
		Long: `Semmission drives research missions and expert panels.

It provides:
- start, pause, resume and cancel commands
- live stream following with reconnect and resume
- checkpoint decisions with optimistic local state
- replay of recorded event logs`,
		SilenceUsage: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "Config file path (YAML)")
	pf.StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&flags.baseURL, "api", "", "Mission backend base URL")
	pf.StringVar(&flags.transport, "transport", "", "Stream transport (sse, websocket)")
	pf.StringVar(&flags.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")

	cmd.AddCommand(
		startCmd(&flags),
		watchCmd(&flags),
		controlCmd(&flags, "pause", "Pause a running mission"),
		controlCmd(&flags, "resume", "Resume a paused mission"),
		controlCmd(&flags, "cancel", "Cancel a mission"),
		decideCmd(&flags),
		replayCmd(&flags),
		sessionsCmd(&flags),
		schemaCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
			},
		},
	)

	return cmd
}
