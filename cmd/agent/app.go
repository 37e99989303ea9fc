package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"archive-agent/internal/adapter/storage"
	"archive-agent/internal/infra/config"
	"archive-agent/internal/infra/logger"
	"archive-agent/internal/infra/tracer"
	"archive-agent/internal/security"
	"archive-agent/internal/usecase/archive"
	"archive-agent/internal/usecase/eventbus"
	"archive-agent/internal/usecase/multiagent"
	"archive-agent/internal/usecase/scheduling"
)

const (
	auditRetentionSchedule = "@daily"
	shutdownTimeout        = 10 * time.Second
)

const archiveAgentDoc = `Detects the kind of file_path (zip, tar, 7z) and lists its members.
Set metadata.extract=true to extract into a scoped directory instead;
metadata.password unlocks encrypted 7z archives.`

// app holds the wired components shared by every command.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	bus       *eventbus.Bus
	audit     *security.FileAuditLogger // nil when audit is disabled
	offloader *archive.Offloader        // nil when storage is disabled
	extractor *archive.Extractor
	registry  *multiagent.Registry
	router    *multiagent.Router
	broker    *multiagent.Broker
	sandbox   *security.Sandbox // nil when archive.input_root is unset

	closers []func() error
}

// bootstrap loads the config and builds the logger, tracer and app. The
// returned cleanup releases everything in reverse order.
func bootstrap(ctx context.Context, cfgPath string, adjust func(*config.Config)) (*app, func(), error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	if adjust != nil {
		adjust(cfg)
	}

	log, logClose, err := logger.New(cfg.Logger, cfg.App.Name)
	if err != nil {
		return nil, nil, fmt.Errorf("logger: %w", err)
	}

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer, cfg.App.Name)
	if err != nil {
		logClose()
		return nil, nil, fmt.Errorf("tracer: %w", err)
	}

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		tracerShutdown(context.Background())
		logClose()
		return nil, nil, err
	}

	cleanup := func() {
		if err := a.Close(); err != nil {
			log.Error("shutdown error", "error", err)
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tracerShutdown(shutdownCtx); err != nil {
			log.Error("tracer shutdown error", "error", err)
		}
		logClose()
	}
	return a, cleanup, nil
}

// newApp wires the event bus, audit log, storage offload, extractor and the
// agent routing stack, and registers the built-in archive agent.
func newApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: log}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	// 1. Event bus
	a.bus = eventbus.New(log)
	a.closers = append(a.closers, func() error { a.bus.Close(); return nil })

	// 2. Audit log
	if cfg.Security.Audit.Enabled {
		if a.audit, err = openAudit(cfg.Security.Audit); err != nil {
			return nil, fmt.Errorf("audit: %w", err)
		}
		a.closers = append(a.closers, a.audit.Close)
	}

	// 3. Storage offload
	client, storageClose, err := storage.New(ctx, cfg.Storage, log)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	a.closers = append(a.closers, storageClose)
	if client != nil {
		a.offloader = archive.NewOffloader(client, cfg.App.Production(), cfg.Archive.MaxFileSizeBytes(), cfg.Storage.Prefix, log)
	}

	// 4. Extraction
	detector, err := archive.NewDetector(cfg.Archive.SniffContent, cfg.Archive.DetectCacheSize)
	if err != nil {
		return nil, fmt.Errorf("detector: %w", err)
	}
	opts := []archive.Option{archive.WithEventBus(a.bus)}
	if a.audit != nil {
		opts = append(opts, archive.WithAuditLogger(a.audit))
	}
	if a.offloader != nil {
		opts = append(opts, archive.WithOffloader(a.offloader))
	}
	a.extractor = archive.NewExtractor(detector, archive.Config{
		MaxFileSize: cfg.Archive.MaxFileSizeBytes(),
		MaxMembers:  cfg.Archive.MaxMembers,
		TempDir:     cfg.Archive.TempDir,
	}, log, opts...)

	// 5. Agent routing
	metrics, err := tracer.NewRouterMetrics()
	if err != nil {
		return nil, fmt.Errorf("router metrics: %w", err)
	}
	a.registry = multiagent.NewRegistry(log, multiagent.WithRegistryEvents(a.bus))
	ropts := []multiagent.RouterOption{
		multiagent.WithRateLimit(cfg.Router.RequestsPerMinute),
		multiagent.WithHistoryLimit(cfg.Router.HistoryLimit),
		multiagent.WithInstruments(metrics),
		multiagent.WithRouterEvents(a.bus),
	}
	if cb := cfg.Router.CircuitBreaker; cb.Enabled {
		ropts = append(ropts, multiagent.WithCircuitBreaker(multiagent.BreakerSettings{
			MaxFailures: cb.MaxFailures,
			Timeout:     cb.Timeout,
		}))
	}
	if a.audit != nil {
		ropts = append(ropts, multiagent.WithDispatchRecorder(a.audit))
	}
	a.router = multiagent.NewRouter(a.registry, log, ropts...)
	a.broker = multiagent.NewBroker(a.router, a.bus, log)

	if err := a.router.RegisterAgent(multiagent.AgentSpec{
		Name:         archive.AgentName,
		Version:      archive.AgentVersion,
		Capabilities: archive.AgentCapabilities(),
		Handler:      archive.NewAgentHandler(a.extractor),
		Metadata:     map[string]any{"builtin": true},
	}); err != nil {
		return nil, fmt.Errorf("register archive agent: %w", err)
	}
	a.registry.AddDocumentation(archive.AgentName, archiveAgentDoc)

	// 6. Input confinement
	if root := cfg.Archive.InputRoot; root != "" {
		if a.sandbox, err = security.NewSandbox(root); err != nil {
			return nil, fmt.Errorf("input root: %w", err)
		}
	}
	return a, nil
}

func openAudit(cfg config.AuditConfig) (*security.FileAuditLogger, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0700); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	audit, err := security.NewFileAuditLogger(cfg.Path)
	if err != nil {
		return nil, err
	}

	var policy security.RetentionPolicy
	if cfg.Retention.MaxAge != "" {
		if policy.MaxAge, err = time.ParseDuration(cfg.Retention.MaxAge); err != nil {
			audit.Close()
			return nil, fmt.Errorf("parse audit retention max_age: %w", err)
		}
	}
	if cfg.Retention.MaxSize != "" {
		if policy.MaxSize, err = security.ParseRetentionMaxSize(cfg.Retention.MaxSize); err != nil {
			audit.Close()
			return nil, fmt.Errorf("parse audit retention max_size: %w", err)
		}
	}
	if policy.MaxAge > 0 || policy.MaxSize > 0 {
		audit.SetRetention(policy)
	}
	return audit, nil
}

// storageBackend names the offload backend for status reports.
func (a *app) storageBackend() string {
	if a.offloader == nil {
		return "none"
	}
	return strings.ToLower(a.cfg.Storage.Backend)
}

// scheduler builds the maintenance scheduler: the agent health sweep,
// remote temp cleanup when offload is enabled, pruning of stale local
// extraction dirs and audit retention when an audit policy is set.
func (a *app) scheduler() (*scheduling.Scheduler, error) {
	cfg := a.cfg
	s := scheduling.NewScheduler(a.logger)

	s.RegisterAction(scheduling.ActionHealthSweep,
		scheduling.HealthSweep(a.registry, cfg.Router.HealthThreshold, a.logger))
	tasks := []scheduling.ScheduledTask{{
		Name:     "agent-health",
		Schedule: cfg.Scheduler.HealthSweep,
		Action:   scheduling.ActionHealthSweep,
	}}

	if a.offloader != nil && cfg.Scheduler.CleanupSchedule != "" {
		s.RegisterAction(scheduling.ActionStorageCleanup, scheduling.StorageCleanup(a.offloader))
		tasks = append(tasks, scheduling.ScheduledTask{
			Name:     "storage-cleanup",
			Schedule: cfg.Scheduler.CleanupSchedule,
			Action:   scheduling.ActionStorageCleanup,
		})
	}

	if cfg.Scheduler.CleanupSchedule != "" && cfg.Scheduler.TempRetention != "" {
		age, err := time.ParseDuration(cfg.Scheduler.TempRetention)
		if err != nil {
			return nil, fmt.Errorf("parse scheduler temp_retention: %w", err)
		}
		s.RegisterAction(scheduling.ActionTempCleanup, scheduling.TempCleanup(a.extractor, age, a.logger))
		tasks = append(tasks, scheduling.ScheduledTask{
			Name:     "temp-cleanup",
			Schedule: cfg.Scheduler.CleanupSchedule,
			Action:   scheduling.ActionTempCleanup,
		})
	}

	if a.audit != nil && (cfg.Security.Audit.Retention.MaxAge != "" || cfg.Security.Audit.Retention.MaxSize != "") {
		s.RegisterAction(scheduling.ActionAuditRetention, scheduling.AuditRetention(a.audit, a.logger))
		tasks = append(tasks, scheduling.ScheduledTask{
			Name:     "audit-retention",
			Schedule: auditRetentionSchedule,
			Action:   scheduling.ActionAuditRetention,
		})
	}

	for _, t := range tasks {
		if err := s.AddTask(t); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Close releases components in reverse order of creation.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
