package main

import (
	"strings"

	"github.com/spf13/cobra"

	"archive-agent/internal/adapter/mcp"
	"archive-agent/internal/infra/config"
)

// stdioSafe moves log output off stdout, which carries the MCP protocol.
func stdioSafe(cfg *config.Config) {
	if strings.EqualFold(cfg.Logger.Output, "stdout") {
		cfg.Logger.Output = "stderr"
	}
}

func newMCPCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve extract_archive, list_archive and send_agent_request over MCP stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, cleanup, err := bootstrap(cmd.Context(), *cfgPath, stdioSafe)
			if err != nil {
				return err
			}
			defer cleanup()

			srv := mcp.NewServer(a.cfg.MCP, mcp.Deps{
				Extractor: a.extractor,
				Broker:    a.broker,
				Sandbox:   a.sandbox,
				Retries:   a.cfg.Router.Retries,
			}, a.logger)
			return srv.ServeStdio()
		},
	}
}
