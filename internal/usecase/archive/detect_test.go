package archive

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"archive-agent/internal/domain"
)

func TestSuffixKind(t *testing.T) {
	tests := []struct {
		path string
		want domain.ArchiveKind
	}{
		{"a.zip", domain.ArchiveZip},
		{"/x/y/A.ZIP", domain.ArchiveZip},
		{"a.tar", domain.ArchiveTar},
		{"a.tar.gz", domain.ArchiveTar},
		{"a.TAR.GZ", domain.ArchiveTar},
		{"a.tgz", domain.ArchiveTar},
		{"a.7z", domain.ArchiveSevenZip},
		{"a.gz", domain.ArchiveUnknown},
		{"a.txt.gz", domain.ArchiveUnknown},
		{"a.rar", domain.ArchiveUnknown},
		{"zip", domain.ArchiveUnknown},
		{"", domain.ArchiveUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, SuffixKind(tt.path))
		})
	}
}

func TestDetectSniffsContent(t *testing.T) {
	dir := t.TempDir()
	d, err := NewDetector(true, 8)
	require.NoError(t, err)

	zipPath := writeZip(t, filepath.Join(dir, "payload.bin"), member{name: "a.txt", body: "a"})
	tarPath := writeTar(t, filepath.Join(dir, "payload.dat"), false, member{name: "a.txt", body: "a"})
	docx := writeZip(t, filepath.Join(dir, "report"),
		member{name: "[Content_Types].xml", body: "<Types/>"},
		member{name: "word/document.xml", body: "<w:document/>"},
	)
	sevenZip := filepath.Join(dir, "blob")
	data, err := os.ReadFile(filepath.Join("testdata", "hello.7z"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(sevenZip, data, 0o644))
	text := filepath.Join(dir, "notes")
	require.NoError(t, os.WriteFile(text, []byte("just some notes\n"), 0o644))
	empty := filepath.Join(dir, "empty")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))

	tests := []struct {
		path string
		want domain.ArchiveKind
	}{
		{zipPath, domain.ArchiveZip},
		{tarPath, domain.ArchiveTar},
		{docx, domain.ArchiveZip},
		{sevenZip, domain.ArchiveSevenZip},
		{text, domain.ArchiveUnknown},
		{empty, domain.ArchiveUnknown},
		{dir, domain.ArchiveUnknown},
	}
	for _, tt := range tests {
		got, err := d.Detect(tt.path)
		require.NoError(t, err, tt.path)
		assert.Equal(t, tt.want, got, tt.path)

		again, err := d.Detect(tt.path)
		require.NoError(t, err)
		assert.Equal(t, got, again, "detection is idempotent")
	}
}

func TestDetectWithoutSniffing(t *testing.T) {
	dir := t.TempDir()
	d, err := NewDetector(false, 8)
	require.NoError(t, err)

	zipPath := writeZip(t, filepath.Join(dir, "payload.bin"), member{name: "a.txt", body: "a"})
	got, err := d.Detect(zipPath)
	require.NoError(t, err)
	assert.Equal(t, domain.ArchiveUnknown, got)

	got, err = d.Detect(filepath.Join(dir, "missing.zip"))
	require.NoError(t, err, "suffix matches never touch the filesystem")
	assert.Equal(t, domain.ArchiveZip, got)
}

func TestDetectMissingFile(t *testing.T) {
	d, err := NewDetector(true, 0)
	require.NoError(t, err)

	_, err = d.Detect(filepath.Join(t.TempDir(), "missing.bin"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestDetectCache(t *testing.T) {
	dir := t.TempDir()
	d, err := NewDetector(true, 2)
	require.NoError(t, err)
	require.NotNil(t, d.cache)

	p := filepath.Join(dir, "blob")
	writeZip(t, p, member{name: "a.txt", body: "a"})

	kind, err := d.Detect(p)
	require.NoError(t, err)
	assert.Equal(t, domain.ArchiveZip, kind)
	assert.Equal(t, 1, d.cache.Len())

	_, err = d.Detect(p)
	require.NoError(t, err)
	assert.Equal(t, 1, d.cache.Len(), "repeat lookups hit the cache")

	// Rewriting the file with different content changes the key.
	require.NoError(t, os.WriteFile(p, []byte("now plain text, not an archive"), 0o644))
	kind, err = d.Detect(p)
	require.NoError(t, err)
	assert.Equal(t, domain.ArchiveUnknown, kind)
	assert.Equal(t, 2, d.cache.Len())
}

func TestNewDetectorNoCache(t *testing.T) {
	d, err := NewDetector(true, 0)
	require.NoError(t, err)
	assert.Nil(t, d.cache)

	d, err = NewDetector(false, 64)
	require.NoError(t, err)
	assert.Nil(t, d.cache)
}
