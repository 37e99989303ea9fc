package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"archive-agent/internal/adapter/gateway"
)

func newServeCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway and maintenance scheduler (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), *cfgPath)
		},
	}
}

// runServe blocks until ctx is cancelled or the gateway fails.
func runServe(ctx context.Context, cfgPath string) error {
	a, cleanup, err := bootstrap(ctx, cfgPath, nil)
	if err != nil {
		return err
	}
	defer cleanup()
	cfg, log := a.cfg, a.logger

	if cfg.Scheduler.Enabled {
		sched, err := a.scheduler()
		if err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
		defer sched.Stop()
	}

	log.Info("archive-agent starting",
		"version", version,
		"env", cfg.App.Env,
		"storage", a.storageBackend(),
		"audit", a.audit != nil,
		"sandboxed", a.sandbox != nil,
		"agents", len(a.registry.Names()),
		"gateway", cfg.Gateway.Enabled,
	)

	if !cfg.Gateway.Enabled {
		<-ctx.Done()
		log.Info("archive-agent stopping")
		return nil
	}

	gw := gateway.NewServer(cfg.Gateway, gateway.Deps{
		Extractor:       a.extractor,
		Broker:          a.broker,
		Sandbox:         a.sandbox,
		Bus:             a.bus,
		Storage:         a.storageBackend(),
		Version:         version,
		Retries:         cfg.Router.Retries,
		HealthThreshold: cfg.Router.HealthThreshold,
	}, log)
	if err := gw.Start(ctx); err != nil {
		return err
	}
	log.Info("archive-agent stopping")
	return nil
}
