package scheduling

import (
	"context"
	"log/slog"
	"time"

	"archive-agent/internal/domain"
)

// HealthChecker is the part of the agent registry the health sweep needs.
type HealthChecker interface {
	Names() []string
	CheckHealth(name string, threshold time.Duration) domain.AgentState
}

// Cleaner removes remote temporary blobs.
type Cleaner interface {
	Cleanup(ctx context.Context) error
}

// RetentionEnforcer trims an audit log to its retention policy.
type RetentionEnforcer interface {
	EnforceRetention(ctx context.Context) (int, error)
}

// TempPruner removes stale local extraction directories.
type TempPruner interface {
	PruneTemp(ctx context.Context, age time.Duration) (int, error)
}

// HealthSweep returns an action that runs CheckHealth over every agent so
// stale agents are marked offline without waiting for a caller to ask.
func HealthSweep(registry HealthChecker, threshold time.Duration, logger *slog.Logger) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		var offline int
		for _, name := range registry.Names() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if registry.CheckHealth(name, threshold) == domain.AgentOffline {
				offline++
			}
		}
		if offline > 0 {
			logger.Warn("health sweep found offline agents", "offline", offline, "threshold", threshold)
		}
		return nil
	}
}

// StorageCleanup returns an action that clears the offload prefix.
func StorageCleanup(c Cleaner) func(ctx context.Context) error {
	return c.Cleanup
}

// AuditRetention returns an action that enforces the audit retention policy.
func AuditRetention(r RetentionEnforcer, logger *slog.Logger) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		removed, err := r.EnforceRetention(ctx)
		if err != nil {
			return err
		}
		if removed > 0 {
			logger.Info("audit retention enforced", "removed", removed)
		}
		return nil
	}
}

// TempCleanup returns an action that removes generated extraction
// directories older than age.
func TempCleanup(p TempPruner, age time.Duration, logger *slog.Logger) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		removed, err := p.PruneTemp(ctx, age)
		if removed > 0 {
			logger.Info("stale extraction dirs removed", "removed", removed, "age", age)
		}
		return err
	}
}
