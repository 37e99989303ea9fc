package archive

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"archive-agent/internal/domain"
	"archive-agent/internal/security"
)

var gzipMagic = []byte{0x1f, 0x8b}

type tarStream struct {
	*tar.Reader
	closers []io.Closer
}

func (t *tarStream) Close() error {
	var errs []error
	for i := len(t.closers) - 1; i >= 0; i-- {
		errs = append(errs, t.closers[i].Close())
	}
	return errors.Join(errs...)
}

// openTar opens a plain or gzip-compressed tar stream. Compression is
// recognised by suffix or by the gzip magic bytes.
func openTar(path string) (*tarStream, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	br := bufio.NewReader(f)

	lower := strings.ToLower(path)
	magic, _ := br.Peek(len(gzipMagic))
	if strings.HasSuffix(lower, ".gz") || strings.HasSuffix(lower, ".tgz") || bytes.Equal(magic, gzipMagic) {
		gz, err := gzip.NewReader(br)
		if err != nil {
			f.Close()
			return nil, corrupt(path, err)
		}
		return &tarStream{Reader: tar.NewReader(gz), closers: []io.Closer{f, gz}}, nil
	}
	return &tarStream{Reader: tar.NewReader(br), closers: []io.Closer{f}}, nil
}

// nextHeader is tar.Reader.Next that tolerates ErrInsecurePath; member
// names are checked by the sandbox instead.
func nextHeader(tr *tar.Reader) (*tar.Header, error) {
	hdr, err := tr.Next()
	if err != nil && hdr != nil && errors.Is(err, tar.ErrInsecurePath) {
		return hdr, nil
	}
	return hdr, err
}

// scanTar walks every header once, enforcing the member limit and
// validating names and link targets before anything is written.
func scanTar(path string, sb *security.Sandbox, limit int) error {
	ts, err := openTar(path)
	if err != nil {
		return err
	}
	defer ts.Close()

	count := 0
	for {
		hdr, err := nextHeader(ts.Reader)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return corrupt(path, err)
		}
		count++
		if count > limit {
			return domain.NewDomainError("Extractor.Extract", domain.ErrTooManyMembers,
				fmt.Sprintf("more than %d members", limit))
		}
		if _, err := sb.ResolveMember(hdr.Name); err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeSymlink:
			err = sb.ValidateLink(hdr.Name, hdr.Linkname, false)
		case tar.TypeLink:
			err = sb.ValidateLink(hdr.Name, hdr.Linkname, true)
		}
		if err != nil {
			return err
		}
	}
}

func (e *Extractor) extractTar(ctx context.Context, path string, sb *security.Sandbox, limit int) ([]domain.ExtractedFile, error) {
	if err := scanTar(path, sb, limit); err != nil {
		return nil, err
	}

	ts, err := openTar(path)
	if err != nil {
		return nil, err
	}
	defer ts.Close()

	var out []domain.ExtractedFile
	for {
		hdr, err := nextHeader(ts.Reader)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, corrupt(path, err)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := makeDir(sb, hdr.Name); err != nil {
				return nil, err
			}
		case tar.TypeSymlink:
			if err := e.tarSymlink(sb, hdr); err != nil {
				return nil, err
			}
		case tar.TypeLink:
			ef, err := tarHardlink(ctx, sb, hdr)
			if err != nil {
				return nil, err
			}
			out = append(out, ef)
		default:
			if !hdr.FileInfo().Mode().IsRegular() {
				e.logger.Debug("skipping special tar member", "archive", path, "member", hdr.Name, "type", hdr.Typeflag)
				continue
			}
			ef, src, err := writeMember(ctx, sb, hdr.Name, ts, hdr.FileInfo().Mode())
			if err != nil {
				if src.err != nil {
					return nil, corrupt(path, src.err)
				}
				return nil, err
			}
			out = append(out, ef)
		}
	}
	if out == nil {
		out = []domain.ExtractedFile{}
	}
	return out, nil
}

func (e *Extractor) tarSymlink(sb *security.Sandbox, hdr *tar.Header) error {
	if err := sb.ValidateLink(hdr.Name, hdr.Linkname, false); err != nil {
		return err
	}
	target, err := sb.ResolveMember(hdr.Name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create parent of %s: %w", hdr.Name, err)
	}
	os.Remove(target)
	if err := os.Symlink(filepath.FromSlash(hdr.Linkname), target); err != nil {
		return fmt.Errorf("symlink %s: %w", hdr.Name, err)
	}
	return nil
}

// tarHardlink materialises a hardlink member as an independent copy of its
// already extracted target, so later members rewriting either path do not
// change the other.
func tarHardlink(ctx context.Context, sb *security.Sandbox, hdr *tar.Header) (domain.ExtractedFile, error) {
	if err := sb.ValidateLink(hdr.Name, hdr.Linkname, true); err != nil {
		return domain.ExtractedFile{}, err
	}
	src, err := sb.ResolveMember(hdr.Linkname)
	if err != nil {
		return domain.ExtractedFile{}, err
	}
	target, err := sb.ResolveMember(hdr.Name)
	if err != nil {
		return domain.ExtractedFile{}, err
	}

	f, err := os.Open(src)
	if err != nil {
		return domain.ExtractedFile{}, fmt.Errorf("link %s: %w", hdr.Name, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return domain.ExtractedFile{}, fmt.Errorf("stat %s: %w", hdr.Linkname, err)
	}
	if !info.Mode().IsRegular() {
		return domain.ExtractedFile{}, fmt.Errorf("link %s: target %s is not a regular file", hdr.Name, hdr.Linkname)
	}
	if src == target {
		return domain.ExtractedFile{Path: target, Member: hdr.Name, Size: info.Size()}, nil
	}

	ef, _, err := writeMember(ctx, sb, hdr.Name, f, info.Mode())
	return ef, err
}

func listTar(ctx context.Context, path string) ([]string, error) {
	ts, err := openTar(path)
	if err != nil {
		return nil, err
	}
	defer ts.Close()

	names := []string{}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hdr, err := nextHeader(ts.Reader)
		if err == io.EOF {
			return names, nil
		}
		if err != nil {
			return nil, corrupt(path, err)
		}
		names = append(names, hdr.Name)
	}
}
