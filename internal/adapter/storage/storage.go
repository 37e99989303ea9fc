// Package storage implements domain.StorageClient backends used to offload
// extracted archive members: a local directory, S3 and a NATS JetStream
// object store.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"archive-agent/internal/domain"
	"archive-agent/internal/infra/config"
)

// uploadConcurrency bounds parallel uploads per Upload call.
const uploadConcurrency = 4

// New builds the configured backend. It returns a nil client when offload
// is disabled. The returned close function is never nil.
func New(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (domain.StorageClient, func() error, error) {
	noop := func() error { return nil }

	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "none":
		return nil, noop, nil
	case "local":
		c, err := NewLocal(cfg.Local.BasePath, cfg.Prefix, logger)
		if err != nil {
			return nil, noop, err
		}
		return c, noop, nil
	case "s3":
		c, err := NewS3(ctx, cfg.S3, cfg.Prefix, logger)
		if err != nil {
			return nil, noop, err
		}
		return c, noop, nil
	case "nats":
		c, err := NewNATS(ctx, cfg.NATS, cfg.Prefix, logger)
		if err != nil {
			return nil, noop, err
		}
		return c, c.Close, nil
	default:
		return nil, noop, fmt.Errorf("storage: unknown backend %q", cfg.Backend)
	}
}

// objectName is the remote name of obj: the prefix followed by its
// relative name.
func objectName(prefix string, obj domain.StorageObject) string {
	return prefix + obj.Name
}
