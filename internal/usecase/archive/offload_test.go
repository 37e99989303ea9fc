package archive

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"archive-agent/internal/adapter/storage"
	"archive-agent/internal/domain"
	"archive-agent/internal/infra/logger"
)

func TestShouldOffloadPolicy(t *testing.T) {
	tests := []struct {
		name       string
		size       int64
		production bool
		threshold  int64
		want       bool
	}{
		{"production small", 1, true, 1 << 20, true},
		{"production empty", 0, true, 1 << 20, true},
		{"dev below threshold", 10, false, 100, false},
		{"dev at threshold", 100, false, 100, false},
		{"dev above threshold", 101, false, 100, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShouldOffload(tt.size, tt.production, tt.threshold))
		})
	}
}

func TestOffloaderShouldOffloadStatsArchive(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "a.zip")
	require.NoError(t, os.WriteFile(p, make([]byte, 64), 0o644))

	off := NewOffloader(&fakeStorage{}, false, 32, "tmp/", logger.Discard())
	ok, err := off.ShouldOffload(p)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = off.ShouldOffload(filepath.Join(dir, "missing.zip"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestRelocate(t *testing.T) {
	dir := t.TempDir()
	var files []domain.ExtractedFile
	for _, name := range []string{"a.txt", "b.txt"} {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(name), 0o644))
		files = append(files, domain.ExtractedFile{Path: p, Member: name, Size: int64(len(name))})
	}
	store := &fakeStorage{}
	off := NewOffloader(store, true, 0, "tmp/", logger.Discard())

	moved, err := off.Relocate(context.Background(), files)
	require.NoError(t, err)
	assert.Equal(t, domain.Paths(files), store.uploaded)
	assert.Equal(t, []string{"a.txt", "b.txt"}, store.names)
	require.Len(t, moved, 2)
	for i, f := range moved {
		assert.True(t, f.Offloaded)
		assert.Equal(t, files[i].Member, f.Member)
		assert.NoFileExists(t, f.Path)
	}
	assert.False(t, files[0].Offloaded, "input slice is left untouched")
}

func TestRelocateUploadFailureKeepsLocalFiles(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(p, []byte("a"), 0o644))
	store := &fakeStorage{uploadErr: errors.New("access denied")}
	off := NewOffloader(store, true, 0, "tmp/", logger.Discard())

	_, err := off.Relocate(context.Background(), []domain.ExtractedFile{{Path: p, Member: "a.txt"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStorageUpload)
	assert.Contains(t, err.Error(), "access denied")
	assert.FileExists(t, p)
}

func TestRelocateEmpty(t *testing.T) {
	store := &fakeStorage{}
	off := NewOffloader(store, true, 0, "tmp/", logger.Discard())

	moved, err := off.Relocate(context.Background(), []domain.ExtractedFile{})
	require.NoError(t, err)
	assert.Empty(t, moved)
	assert.Empty(t, store.uploaded)
}

func TestRelocateMissingLocalFileIsIgnored(t *testing.T) {
	store := &fakeStorage{}
	off := NewOffloader(store, true, 0, "tmp/", logger.Discard())
	gone := filepath.Join(t.TempDir(), "gone.txt")

	moved, err := off.Relocate(context.Background(), []domain.ExtractedFile{{Path: gone, Member: "gone.txt"}})
	require.NoError(t, err)
	require.Len(t, moved, 1)
	assert.True(t, moved[0].Offloaded)
}

func TestOffloaderCleanup(t *testing.T) {
	store := &fakeStorage{}
	off := NewOffloader(store, true, 0, "scratch/", logger.Discard())
	require.NoError(t, off.Cleanup(context.Background()))
	assert.Equal(t, []string{"scratch/"}, store.cleaned)

	store.cleanupErr = errors.New("boom")
	err := off.Cleanup(context.Background())
	assert.ErrorIs(t, err, domain.ErrStorageCleanup)
	assert.Equal(t, domain.CodeStorageCleanup, domain.ErrorCodeOf(err))
}

func TestRelocateNamesObjectsByMemberPath(t *testing.T) {
	dir := t.TempDir()
	files := []domain.ExtractedFile{
		{Path: filepath.Join(dir, "a", "readme.txt"), Member: "a/readme.txt"},
		{Path: filepath.Join(dir, "b", "readme.txt"), Member: "./b/readme.txt"},
		{Path: filepath.Join(dir, "b", "readme.txt"), Member: "b/readme.txt"},
	}
	store := &fakeStorage{}
	off := NewOffloader(store, true, 0, "tmp/", logger.Discard())

	_, err := off.Relocate(context.Background(), files)
	require.NoError(t, err)
	assert.Equal(t, []string{"a/readme.txt", "b/readme.txt"}, store.names)
}

func TestExtractOffloadKeepsMembersWithSameBaseName(t *testing.T) {
	dir := t.TempDir()
	src := writeZip(t, filepath.Join(dir, "docs.zip"),
		member{name: "a/readme.txt", body: "AAAA"},
		member{name: "b/readme.txt", body: "BBBB"},
	)
	base := filepath.Join(dir, "offload")
	client, err := storage.NewLocal(base, "tmp/", logger.Discard())
	require.NoError(t, err)
	off := NewOffloader(client, true, 0, "tmp/", logger.Discard())

	files, err := newTestExtractor(t, Config{}, WithOffloader(off)).
		Extract(context.Background(), src, ExtractOptions{Destination: filepath.Join(dir, "out")})
	require.NoError(t, err)
	require.Len(t, files, 2)
	for _, f := range files {
		assert.True(t, f.Offloaded)
		assert.NoFileExists(t, f.Path)
	}

	assert.Equal(t, "AAAA", readFile(t, filepath.Join(base, "tmp", "a", "readme.txt")))
	assert.Equal(t, "BBBB", readFile(t, filepath.Join(base, "tmp", "b", "readme.txt")))
}
