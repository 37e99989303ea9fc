package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var version = "1.0.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:   "archive-agent",
		Short: "Secure archive extraction and resilient agent routing",
		Long: `archive-agent extracts zip, tar and 7z archives safely and routes
requests across a pool of registered agents.

Without a command it runs the server (same as "archive-agent serve").

CONFIGURATION:
    Config file: ./config.yaml (or --config, or ARCHIVEAGENT_CONFIG)
    Environment: ARCHIVEAGENT_* variables override config`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), cfgPath)
		},
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", defaultConfigPath(), "config file path")

	root.AddCommand(
		newServeCmd(&cfgPath),
		newExtractCmd(&cfgPath),
		newListCmd(&cfgPath),
		newDetectCmd(&cfgPath),
		newMCPCmd(&cfgPath),
		newDoctorCmd(&cfgPath),
	)
	return root
}

func defaultConfigPath() string {
	if p := os.Getenv("ARCHIVEAGENT_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}
