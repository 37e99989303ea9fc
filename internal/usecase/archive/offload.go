package archive

import (
	"context"
	"log/slog"
	"os"

	"archive-agent/internal/domain"
)

// ShouldOffload is the offload policy: everything is offloaded in
// production, otherwise only archives larger than threshold bytes.
func ShouldOffload(size int64, production bool, threshold int64) bool {
	return production || size > threshold
}

// Offloader moves extracted files to a storage backend.
type Offloader struct {
	client     domain.StorageClient
	production bool
	threshold  int64
	prefix     string
	logger     *slog.Logger
}

// NewOffloader creates an Offloader. prefix names the remote temporary
// area removed by Cleanup.
func NewOffloader(client domain.StorageClient, production bool, threshold int64, prefix string, logger *slog.Logger) *Offloader {
	return &Offloader{
		client:     client,
		production: production,
		threshold:  threshold,
		prefix:     prefix,
		logger:     logger,
	}
}

// Prefix returns the remote temporary prefix.
func (o *Offloader) Prefix() string { return o.prefix }

// ShouldOffload applies the offload policy to the archive at path.
func (o *Offloader) ShouldOffload(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, domain.WrapOp("Offloader.ShouldOffload", err)
	}
	return ShouldOffload(info.Size(), o.production, o.threshold), nil
}

// Relocate uploads files and then deletes the local copies. Failing to
// delete a local copy is logged and ignored. The returned slice marks every
// entry as offloaded; Path still names the former local location.
func (o *Offloader) Relocate(ctx context.Context, files []domain.ExtractedFile) ([]domain.ExtractedFile, error) {
	if len(files) == 0 {
		return files, nil
	}
	if err := o.client.Upload(ctx, domain.StorageObjects(files)); err != nil {
		return nil, domain.NewDomainError("Offloader.Relocate", domain.ErrStorageUpload, err.Error())
	}

	out := make([]domain.ExtractedFile, len(files))
	for i, f := range files {
		if err := os.Remove(f.Path); err != nil {
			o.logger.Debug("offload: local remove failed", "path", f.Path, "error", err)
		}
		f.Offloaded = true
		out[i] = f
	}
	o.logger.Info("files offloaded", "files", len(out), "prefix", o.prefix)
	return out, nil
}

// Cleanup removes the remote temporary objects under the prefix.
func (o *Offloader) Cleanup(ctx context.Context) error {
	if err := o.client.Cleanup(ctx, o.prefix); err != nil {
		return domain.NewDomainError("Offloader.Cleanup", domain.ErrStorageCleanup, err.Error())
	}
	return nil
}
