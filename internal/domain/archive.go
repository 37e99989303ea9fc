package domain

import (
	"path"
	"path/filepath"
	"strings"
)

// ArchiveKind classifies an archive by container format.
type ArchiveKind string

const (
	ArchiveZip      ArchiveKind = "zip"
	ArchiveTar      ArchiveKind = "tar"
	ArchiveSevenZip ArchiveKind = "7z"
	ArchiveUnknown  ArchiveKind = "unknown"
)

// Supported reports whether k is a kind the extractor can open.
func (k ArchiveKind) Supported() bool {
	switch k {
	case ArchiveZip, ArchiveTar, ArchiveSevenZip:
		return true
	}
	return false
}

// ExtractedFile is a regular file materialised by an extraction call.
// The caller owns its lifecycle unless Offloaded is set, in which case the
// local copy has already been relocated to remote storage and removed.
type ExtractedFile struct {
	Path      string `json:"path"`   // absolute, rooted under the destination directory
	Member    string `json:"member"` // name as stored in the archive
	Size      int64  `json:"size"`
	Offloaded bool   `json:"offloaded,omitempty"`
}

// Paths returns the Path of every file in files.
func Paths(files []ExtractedFile) []string {
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.Path
	}
	return out
}

// StorageObjects names each file by its member path, so members sharing a
// base name in different directories stay distinct. A member that appears
// more than once is uploaded once.
func StorageObjects(files []ExtractedFile) []StorageObject {
	out := make([]StorageObject, 0, len(files))
	seen := make(map[string]bool, len(files))
	for _, f := range files {
		name := ObjectName(f)
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, StorageObject{Path: f.Path, Name: name})
	}
	return out
}

// ObjectName is the relative storage name of f: its cleaned member path, or
// the local base name when the member has no usable path.
func ObjectName(f ExtractedFile) string {
	name := strings.TrimPrefix(path.Clean("/"+strings.ReplaceAll(f.Member, "\\", "/")), "/")
	if name == "" {
		return filepath.Base(f.Path)
	}
	return name
}
