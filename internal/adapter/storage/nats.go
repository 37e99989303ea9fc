package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/errgroup"

	"archive-agent/internal/domain"
	"archive-agent/internal/infra/config"
)

// objectStore abstracts the JetStream object store methods for testability.
type objectStore interface {
	Put(ctx context.Context, meta jetstream.ObjectMeta, r io.Reader) (*jetstream.ObjectInfo, error)
	List(ctx context.Context, opts ...jetstream.ListObjectsOpt) ([]*jetstream.ObjectInfo, error)
	Delete(ctx context.Context, name string) error
}

// NATS stores offloaded files in a JetStream object store bucket.
type NATS struct {
	nc     *nats.Conn
	store  objectStore
	prefix string
	logger *slog.Logger
}

var _ domain.StorageClient = (*NATS)(nil)

// NewNATS connects to NATS and ensures the object store bucket exists.
func NewNATS(ctx context.Context, cfg config.NATSConfig, prefix string, logger *slog.Logger) (*NATS, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("storage: nats url is required")
	}
	opts := []nats.Option{nats.Name("archive-agent")}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}
	store, err := js.CreateOrUpdateObjectStore(ctx, jetstream.ObjectStoreConfig{
		Bucket:      cfg.Bucket,
		Description: "archive-agent offloaded members",
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream object store %s: %w", cfg.Bucket, err)
	}

	logger.Info("nats object store ready", "url", cfg.URL, "bucket", cfg.Bucket)
	n := newNATSWithStore(store, prefix, logger)
	n.nc = nc
	return n, nil
}

// newNATSWithStore creates a NATS backend with an injected store (for testing).
func newNATSWithStore(store objectStore, prefix string, logger *slog.Logger) *NATS {
	return &NATS{store: store, prefix: prefix, logger: logger}
}

// Upload puts each object as <prefix><name>.
func (n *NATS) Upload(ctx context.Context, objects []domain.StorageObject) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(uploadConcurrency)

	for _, obj := range objects {
		g.Go(func() error {
			f, err := os.Open(obj.Path)
			if err != nil {
				return fmt.Errorf("storage: open %s: %w", obj.Path, err)
			}
			defer f.Close()

			name := objectName(n.prefix, obj)
			if _, err := n.store.Put(ctx, jetstream.ObjectMeta{Name: name}, f); err != nil {
				return fmt.Errorf("storage: nats put %s: %w", name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Cleanup deletes every object whose name starts with prefix.
func (n *NATS) Cleanup(ctx context.Context, prefix string) error {
	objects, err := n.store.List(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoObjectsFound) {
			return nil
		}
		return fmt.Errorf("storage: nats list: %w", err)
	}

	var removed int
	for _, obj := range objects {
		if obj.Deleted || !strings.HasPrefix(obj.Name, prefix) {
			continue
		}
		if err := n.store.Delete(ctx, obj.Name); err != nil && !errors.Is(err, jetstream.ErrObjectNotFound) {
			n.logger.Debug("storage: nats delete failed", "object", obj.Name, "error", err)
			continue
		}
		removed++
	}
	n.logger.Debug("storage: cleanup done", "prefix", prefix, "removed", removed)
	return nil
}

// Close drains the NATS connection.
func (n *NATS) Close() error {
	if n.nc == nil {
		return nil
	}
	return n.nc.Drain()
}
