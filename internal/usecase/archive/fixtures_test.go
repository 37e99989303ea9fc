package archive

import (
	"archive/tar"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"

	"archive-agent/internal/domain"
	"archive-agent/internal/infra/logger"
)

type member struct {
	name     string
	body     string
	dir      bool
	symlink  string
	hardlink string
}

func writeZip(t *testing.T, path string, members ...member) string {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for _, m := range members {
		name := m.name
		if m.dir {
			name += "/"
		}
		w, err := zw.Create(name)
		require.NoError(t, err)
		if !m.dir {
			_, err = w.Write([]byte(m.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return path
}

func writeTar(t *testing.T, path string, gz bool, members ...member) string {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)

	var tw *tar.Writer
	var zw *gzip.Writer
	if gz {
		zw = gzip.NewWriter(f)
		tw = tar.NewWriter(zw)
	} else {
		tw = tar.NewWriter(f)
	}
	for _, m := range members {
		hdr := &tar.Header{Name: m.name, Mode: 0o644, Size: int64(len(m.body)), Typeflag: tar.TypeReg}
		switch {
		case m.dir:
			hdr = &tar.Header{Name: m.name + "/", Mode: 0o755, Typeflag: tar.TypeDir}
		case m.symlink != "":
			hdr = &tar.Header{Name: m.name, Linkname: m.symlink, Mode: 0o777, Typeflag: tar.TypeSymlink}
		case m.hardlink != "":
			hdr = &tar.Header{Name: m.name, Linkname: m.hardlink, Mode: 0o644, Typeflag: tar.TypeLink}
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if hdr.Typeflag == tar.TypeReg {
			_, err := tw.Write([]byte(m.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	if zw != nil {
		require.NoError(t, zw.Close())
	}
	require.NoError(t, f.Close())
	return path
}

func newTestExtractor(t *testing.T, cfg Config, opts ...Option) *Extractor {
	t.Helper()
	det, err := NewDetector(true, 16)
	require.NoError(t, err)
	if cfg.TempDir == "" {
		cfg.TempDir = t.TempDir()
	}
	return NewExtractor(det, cfg, logger.Discard(), opts...)
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(b)
}

// realDir resolves symlinks in dir so paths compare equal to sandbox output.
func realDir(t *testing.T, dir string) string {
	t.Helper()
	r, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	return r
}

func members(files []domain.ExtractedFile) []string {
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.Member
	}
	return out
}

type fakeStorage struct {
	mu         sync.Mutex
	uploaded   []string
	names      []string
	cleaned    []string
	uploadErr  error
	cleanupErr error
}

func (s *fakeStorage) Upload(_ context.Context, objects []domain.StorageObject) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.uploadErr != nil {
		return s.uploadErr
	}
	for _, obj := range objects {
		s.uploaded = append(s.uploaded, obj.Path)
		s.names = append(s.names, obj.Name)
	}
	return nil
}

func (s *fakeStorage) Cleanup(_ context.Context, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleaned = append(s.cleaned, prefix)
	return s.cleanupErr
}

type recordingAudit struct {
	mu     sync.Mutex
	events []domain.AuditEvent
}

func (a *recordingAudit) Log(_ context.Context, ev domain.AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
	return nil
}

func (a *recordingAudit) Close() error { return nil }
