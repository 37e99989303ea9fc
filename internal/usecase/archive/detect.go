package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	lru "github.com/hashicorp/golang-lru/v2"

	"archive-agent/internal/domain"
)

var suffixKinds = map[string]domain.ArchiveKind{
	".zip":    domain.ArchiveZip,
	".tar":    domain.ArchiveTar,
	".tar.gz": domain.ArchiveTar,
	".tgz":    domain.ArchiveTar,
	".7z":     domain.ArchiveSevenZip,
}

// MIME types are matched against the detected type and each of its parents,
// so zip-based containers such as .docx classify as zip.
var mimeKinds = []struct {
	mime string
	kind domain.ArchiveKind
}{
	{"application/zip", domain.ArchiveZip},
	{"application/x-tar", domain.ArchiveTar},
	{"application/x-7z-compressed", domain.ArchiveSevenZip},
}

type sniffKey struct {
	path    string
	size    int64
	modTime int64
}

// Detector classifies files as zip, tar or 7z archives.
type Detector struct {
	sniff bool
	cache *lru.Cache[sniffKey, domain.ArchiveKind]
}

// NewDetector creates a Detector. When sniff is false only the file suffix
// is consulted. cacheSize bounds the memo of sniffed results; 0 disables it.
func NewDetector(sniff bool, cacheSize int) (*Detector, error) {
	d := &Detector{sniff: sniff}
	if sniff && cacheSize > 0 {
		c, err := lru.New[sniffKey, domain.ArchiveKind](cacheSize)
		if err != nil {
			return nil, fmt.Errorf("create detect cache: %w", err)
		}
		d.cache = c
	}
	return d, nil
}

// SuffixKind maps the file suffix to an archive kind. A trailing ".gz" is
// combined with the suffix before it. Matching is case-insensitive.
func SuffixKind(path string) domain.ArchiveKind {
	base := strings.ToLower(filepath.Base(path))
	ext := filepath.Ext(base)
	if ext == ".gz" {
		ext = filepath.Ext(strings.TrimSuffix(base, ext)) + ext
	}
	if k, ok := suffixKinds[ext]; ok {
		return k
	}
	return domain.ArchiveUnknown
}

// Detect returns the archive kind of path. Unrecognised suffixes fall back
// to content sniffing; an inconclusive sniff yields ArchiveUnknown. Only
// I/O failures while sniffing are returned as errors.
func (d *Detector) Detect(path string) (domain.ArchiveKind, error) {
	if k := SuffixKind(path); k != domain.ArchiveUnknown {
		return k, nil
	}
	if !d.sniff {
		return domain.ArchiveUnknown, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return domain.ArchiveUnknown, fmt.Errorf("detect %s: %w", path, err)
	}
	if !info.Mode().IsRegular() || info.Size() == 0 {
		return domain.ArchiveUnknown, nil
	}

	key := sniffKey{path: path, size: info.Size(), modTime: info.ModTime().UnixNano()}
	if d.cache != nil {
		if k, ok := d.cache.Get(key); ok {
			return k, nil
		}
	}

	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return domain.ArchiveUnknown, fmt.Errorf("detect %s: %w", path, err)
	}
	kind := kindOf(mt)

	if d.cache != nil {
		d.cache.Add(key, kind)
	}
	return kind, nil
}

func kindOf(mt *mimetype.MIME) domain.ArchiveKind {
	for m := mt; m != nil; m = m.Parent() {
		for _, mk := range mimeKinds {
			if m.Is(mk.mime) {
				return mk.kind
			}
		}
	}
	return domain.ArchiveUnknown
}
