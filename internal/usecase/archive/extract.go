package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"archive-agent/internal/domain"
	"archive-agent/internal/infra/tracer"
	"archive-agent/internal/security"
	"archive-agent/internal/usecase/eventbus"
)

// DefaultMaxMembers is the member limit used when neither the call nor the
// extractor configuration sets one.
const DefaultMaxMembers = 1000

// Config holds the extractor limits.
type Config struct {
	MaxFileSize int64  // bytes; 0 disables the size gate
	MaxMembers  int    // default per-call member limit
	TempDir     string // parent for generated destinations; empty = os.TempDir()
}

// ExtractOptions tunes a single extraction.
type ExtractOptions struct {
	Destination string // created if missing; empty = fresh temp dir owned by the caller
	MaxMembers  int    // 0 = extractor default
	Password    string // 7z only
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithOffloader relocates extracted files to remote storage when the
// offload policy selects the archive. It also lifts the size gate.
func WithOffloader(o *Offloader) Option {
	return func(e *Extractor) { e.offloader = o }
}

// WithAuditLogger records extraction outcomes.
func WithAuditLogger(a domain.AuditLogger) Option {
	return func(e *Extractor) { e.audit = a }
}

// WithEventBus publishes archive events.
func WithEventBus(b domain.EventBus) Option {
	return func(e *Extractor) { e.bus = b }
}

// Extractor unpacks zip, tar and 7z archives while guarding against path
// traversal and decompression bombs.
type Extractor struct {
	detector  *Detector
	cfg       Config
	offloader *Offloader
	audit     domain.AuditLogger
	bus       domain.EventBus
	logger    *slog.Logger
}

// NewExtractor creates an Extractor.
func NewExtractor(detector *Detector, cfg Config, logger *slog.Logger, opts ...Option) *Extractor {
	e := &Extractor{detector: detector, cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Detector returns the detector used by e.
func (e *Extractor) Detector() *Detector { return e.detector }

// Offloader returns the configured offloader, or nil.
func (e *Extractor) Offloader() *Offloader { return e.offloader }

// Extract unpacks path and returns the regular files it wrote. Directories
// are created on disk but not returned. Every member path is checked
// against the destination before anything is written for it.
func (e *Extractor) Extract(ctx context.Context, path string, opts ExtractOptions) (files []domain.ExtractedFile, err error) {
	ctx, span := tracer.StartSpan(ctx, "archive.extract",
		trace.WithAttributes(tracer.StringAttr("archive.path", path)))
	defer func() { tracer.End(span, err) }()

	kind, err := e.detector.Detect(path)
	if err != nil {
		return nil, domain.WrapOp("Extractor.Extract", err)
	}
	if !kind.Supported() {
		return nil, domain.NewDomainError("Extractor.Extract", domain.ErrUnsupportedArchive, path)
	}
	span.SetAttributes(tracer.StringAttr("archive.kind", string(kind)))

	info, err := os.Stat(path)
	if err != nil {
		return nil, domain.WrapOp("Extractor.Extract", err)
	}
	if e.offloader == nil && e.cfg.MaxFileSize > 0 && info.Size() > e.cfg.MaxFileSize {
		return nil, domain.NewDomainError("Extractor.Extract", domain.ErrArchiveTooLarge,
			fmt.Sprintf("%s is %d bytes, limit %d", path, info.Size(), e.cfg.MaxFileSize))
	}

	dest, created, err := e.prepareDestination(opts.Destination)
	if err != nil {
		return nil, domain.WrapOp("Extractor.Extract", err)
	}
	defer func() {
		// A generated destination is unreachable for the caller on failure.
		if err != nil && created {
			os.RemoveAll(dest)
		}
	}()

	sb, err := security.NewSandbox(dest)
	if err != nil {
		return nil, domain.WrapOp("Extractor.Extract", err)
	}

	limit := e.memberLimit(opts.MaxMembers)
	if info.Size() == 0 {
		files = []domain.ExtractedFile{}
	} else {
		files, err = e.extractKind(ctx, kind, path, sb, limit, opts.Password)
	}
	if err != nil {
		e.record(ctx, path, kind, nil, err)
		return nil, err
	}

	if e.offloader != nil {
		files, err = e.offload(ctx, path, files)
		if err != nil {
			e.record(ctx, path, kind, nil, err)
			return nil, err
		}
	}

	e.record(ctx, path, kind, files, nil)
	span.SetAttributes(tracer.IntAttr("archive.files", len(files)))
	return files, nil
}

func (e *Extractor) extractKind(ctx context.Context, kind domain.ArchiveKind, path string, sb *security.Sandbox, limit int, password string) ([]domain.ExtractedFile, error) {
	switch kind {
	case domain.ArchiveZip:
		return e.extractZip(ctx, path, sb, limit)
	case domain.ArchiveTar:
		return e.extractTar(ctx, path, sb, limit)
	case domain.ArchiveSevenZip:
		return e.extractSevenZip(ctx, path, sb, limit, password)
	}
	return nil, domain.NewDomainError("Extractor.Extract", domain.ErrUnsupportedArchive, path)
}

func (e *Extractor) offload(ctx context.Context, path string, files []domain.ExtractedFile) ([]domain.ExtractedFile, error) {
	ok, err := e.offloader.ShouldOffload(path)
	if err != nil {
		return nil, domain.WrapOp("Extractor.Extract", err)
	}
	if !ok {
		return files, nil
	}
	moved, err := e.offloader.Relocate(ctx, files)
	if err != nil {
		return nil, err
	}
	if e.bus != nil {
		e.bus.Publish(ctx, eventbus.NewEvent(domain.EventArchiveOffloaded, map[string]any{
			"archive": path,
			"files":   len(moved),
			"prefix":  e.offloader.Prefix(),
		}))
	}
	return moved, nil
}

// List returns the member names of path in archive order without
// extracting anything.
func (e *Extractor) List(ctx context.Context, path string, password string) (names []string, err error) {
	ctx, span := tracer.StartSpan(ctx, "archive.list",
		trace.WithAttributes(tracer.StringAttr("archive.path", path)))
	defer func() { tracer.End(span, err) }()

	kind, err := e.detector.Detect(path)
	if err != nil {
		return nil, domain.WrapOp("Extractor.List", err)
	}
	if !kind.Supported() {
		return nil, domain.NewDomainError("Extractor.List", domain.ErrUnsupportedArchive, path)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, domain.WrapOp("Extractor.List", err)
	}
	if info.Size() == 0 {
		return []string{}, nil
	}

	switch kind {
	case domain.ArchiveZip:
		return listZip(path)
	case domain.ArchiveTar:
		return listTar(ctx, path)
	default:
		return listSevenZip(path, password)
	}
}

// ScopedExtract extracts path into an ephemeral directory and hands the
// files to fn. When fn returns or panics the directory is removed and, if
// the archive was offloaded, the remote temporary objects are cleaned up.
func (e *Extractor) ScopedExtract(ctx context.Context, path string, maxMembers int, fn func([]domain.ExtractedFile) error) (err error) {
	dir, err := os.MkdirTemp(e.cfg.TempDir, "archive-scoped-*")
	if err != nil {
		return domain.WrapOp("Extractor.ScopedExtract", err)
	}

	offloaded := false
	if e.offloader != nil {
		offloaded, _ = e.offloader.ShouldOffload(path)
	}

	defer func() {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			e.logger.Warn("scoped extract: remove temp dir failed", "dir", dir, "error", rmErr)
		}
		if !offloaded {
			return
		}
		if cErr := e.offloader.Cleanup(context.WithoutCancel(ctx)); cErr != nil {
			e.logger.Warn("scoped extract: remote cleanup failed", "prefix", e.offloader.Prefix(), "error", cErr)
			if err == nil {
				err = cErr
			}
		}
	}()

	files, err := e.Extract(ctx, path, ExtractOptions{Destination: dir, MaxMembers: maxMembers})
	if err != nil {
		return err
	}
	return fn(files)
}

func (e *Extractor) prepareDestination(dest string) (string, bool, error) {
	if dest == "" {
		dir, err := os.MkdirTemp(e.cfg.TempDir, "archive-*")
		if err != nil {
			return "", false, fmt.Errorf("create temp dir: %w", err)
		}
		return dir, true, nil
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", false, fmt.Errorf("create destination: %w", err)
	}
	return dest, false, nil
}

// PruneTemp removes destinations generated by Extract under the temp dir
// whose modification time is older than age. Scoped extraction dirs are
// left to ScopedExtract. It returns the number of directories removed.
func (e *Extractor) PruneTemp(ctx context.Context, age time.Duration) (int, error) {
	root := e.cfg.TempDir
	if root == "" {
		root = os.TempDir()
	}
	matches, err := filepath.Glob(filepath.Join(root, "archive-*"))
	if err != nil {
		return 0, fmt.Errorf("prune temp: %w", err)
	}

	cutoff := time.Now().Add(-age)
	var removed int
	for _, dir := range matches {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if strings.HasPrefix(filepath.Base(dir), "archive-scoped-") {
			continue
		}
		info, err := os.Lstat(dir)
		if err != nil || !info.IsDir() || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			e.logger.Debug("prune temp: remove failed", "dir", dir, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// MaxMembers is the member limit applied when a call does not request one.
func (e *Extractor) MaxMembers() int { return e.memberLimit(0) }

func (e *Extractor) memberLimit(requested int) int {
	switch {
	case requested > 0:
		return requested
	case e.cfg.MaxMembers > 0:
		return e.cfg.MaxMembers
	default:
		return DefaultMaxMembers
	}
}

func (e *Extractor) record(ctx context.Context, path string, kind domain.ArchiveKind, files []domain.ExtractedFile, err error) {
	if err != nil {
		e.logger.Warn("archive extraction failed",
			"archive", path, "kind", string(kind), "code", string(domain.ErrorCodeOf(err)), "error", err)
	} else {
		e.logger.Info("archive extracted", "archive", path, "kind", string(kind), "files", len(files))
	}

	if e.audit != nil {
		ev := domain.AuditEvent{
			Type:     domain.AuditArchiveExtract,
			Actor:    "extractor",
			Resource: path,
			Action:   "extract",
			Outcome:  "success",
			Detail:   map[string]string{"kind": string(kind), "files": strconv.Itoa(len(files))},
		}
		if err != nil {
			ev.Outcome = "failure"
			ev.Detail["error"] = err.Error()
			if errors.Is(err, domain.ErrPathTraversal) {
				ev.Type = domain.AuditTraversalDenied
			}
		}
		if aErr := e.audit.Log(ctx, ev); aErr != nil {
			e.logger.Warn("audit log write failed", "error", aErr)
		}
	}

	if e.bus != nil && err == nil {
		e.bus.Publish(ctx, eventbus.NewEvent(domain.EventArchiveExtracted, map[string]any{
			"archive": path,
			"kind":    kind,
			"files":   len(files),
		}))
	}
}

func corrupt(path string, err error) error {
	return domain.NewDomainError("Extractor.Extract", domain.ErrCorruptArchive, fmt.Sprintf("%s: %v", path, err))
}

func tooMany(count, limit int) error {
	return domain.NewDomainError("Extractor.Extract", domain.ErrTooManyMembers,
		fmt.Sprintf("%d members exceeds limit %d", count, limit))
}

// sourceReader remembers the first read error so that a failed copy can be
// attributed to the archive rather than the destination.
type sourceReader struct {
	r   io.Reader
	err error
}

func (s *sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && err != io.EOF && s.err == nil {
		s.err = err
	}
	return n, err
}

// writeMember copies r into the destination of member. An existing symlink
// at the target is replaced rather than followed.
func writeMember(ctx context.Context, sb *security.Sandbox, member string, r io.Reader, mode fs.FileMode) (domain.ExtractedFile, *sourceReader, error) {
	src := &sourceReader{r: r}
	if err := ctx.Err(); err != nil {
		return domain.ExtractedFile{}, src, err
	}

	target, err := sb.ResolveMember(member)
	if err != nil {
		return domain.ExtractedFile{}, src, err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return domain.ExtractedFile{}, src, fmt.Errorf("create parent of %s: %w", member, err)
	}
	if fi, err := os.Lstat(target); err == nil && fi.Mode()&fs.ModeSymlink != 0 {
		if err := os.Remove(target); err != nil {
			return domain.ExtractedFile{}, src, fmt.Errorf("replace symlink %s: %w", member, err)
		}
	}

	perm := mode.Perm()&0o755 | 0o600
	f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return domain.ExtractedFile{}, src, fmt.Errorf("create %s: %w", member, err)
	}
	n, copyErr := io.Copy(f, src)
	closeErr := f.Close()
	if copyErr != nil {
		return domain.ExtractedFile{}, src, fmt.Errorf("write %s: %w", member, copyErr)
	}
	if closeErr != nil {
		return domain.ExtractedFile{}, src, fmt.Errorf("close %s: %w", member, closeErr)
	}
	return domain.ExtractedFile{Path: target, Member: member, Size: n}, src, nil
}

// makeDir materialises a directory member.
func makeDir(sb *security.Sandbox, member string) error {
	target, err := sb.ResolveMember(member)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(target, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", member, err)
	}
	return nil
}

// checkNames validates every member name before any member is written.
func checkNames(sb *security.Sandbox, names []string) error {
	for _, n := range names {
		if _, err := sb.ResolveMember(n); err != nil {
			return err
		}
	}
	return nil
}
