package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"archive-agent/internal/domain"
)

// Local stores offloaded files under a base directory.
type Local struct {
	base   string
	prefix string
	logger *slog.Logger
}

var _ domain.StorageClient = (*Local)(nil)

// NewLocal creates the base directory if needed.
func NewLocal(base, prefix string, logger *slog.Logger) (*Local, error) {
	if base == "" {
		return nil, fmt.Errorf("storage: local base path is required")
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve %s: %w", base, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create %s: %w", abs, err)
	}
	return &Local{base: abs, prefix: prefix, logger: logger}, nil
}

// Base returns the absolute base directory.
func (l *Local) Base() string { return l.base }

// Upload copies each object to <base>/<prefix><name>.
func (l *Local) Upload(ctx context.Context, objects []domain.StorageObject) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(uploadConcurrency)

	for _, obj := range objects {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			dst := filepath.Join(l.base, filepath.FromSlash(objectName(l.prefix, obj)))
			if !strings.HasPrefix(dst, l.base+string(filepath.Separator)) {
				return fmt.Errorf("storage: object name %q escapes %s", obj.Name, l.base)
			}
			return l.copy(obj.Path, dst)
		})
	}
	return g.Wait()
}

func (l *Local) copy(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("storage: open %s: %w", src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("storage: stat %s: %w", src, err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("storage: create %s: %w", filepath.Dir(dst), err)
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("storage: create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("storage: copy %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("storage: close %s: %w", dst, err)
	}
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}

// Cleanup removes every entry matching <base>/<prefix>*. Entries that
// cannot be removed are logged and skipped.
func (l *Local) Cleanup(_ context.Context, prefix string) error {
	pattern := filepath.Join(l.base, filepath.FromSlash(prefix)) + "*"
	if prefix == "" || prefix[len(prefix)-1] == '/' {
		pattern = filepath.Join(l.base, filepath.FromSlash(prefix), "*")
	}
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return fmt.Errorf("storage: cleanup pattern %q: %w", pattern, err)
	}
	for _, m := range matches {
		if err := os.RemoveAll(m); err != nil {
			l.logger.Debug("storage: cleanup remove failed", "path", m, "error", err)
		}
	}
	l.logger.Debug("storage: cleanup done", "prefix", prefix, "removed", len(matches))
	return nil
}
