package archive

import (
	"context"

	"github.com/klauspost/compress/zip"

	"archive-agent/internal/domain"
	"archive-agent/internal/security"
)

func (e *Extractor) extractZip(ctx context.Context, path string, sb *security.Sandbox, limit int) ([]domain.ExtractedFile, error) {
	zr, err := openZip(path)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	if len(zr.File) > limit {
		return nil, tooMany(len(zr.File), limit)
	}
	names := make([]string, len(zr.File))
	for i, f := range zr.File {
		names[i] = f.Name
	}
	if err := checkNames(sb, names); err != nil {
		return nil, err
	}

	out := make([]domain.ExtractedFile, 0, len(zr.File))
	for _, f := range zr.File {
		mode := f.Mode()
		switch {
		case mode.IsDir():
			if err := makeDir(sb, f.Name); err != nil {
				return nil, err
			}
		case mode.IsRegular():
			ef, err := e.writeZipMember(ctx, path, sb, f)
			if err != nil {
				return nil, err
			}
			out = append(out, ef)
		default:
			e.logger.Debug("skipping non-regular zip member", "archive", path, "member", f.Name, "mode", mode.String())
		}
	}
	return out, nil
}

func (e *Extractor) writeZipMember(ctx context.Context, path string, sb *security.Sandbox, f *zip.File) (domain.ExtractedFile, error) {
	rc, err := f.Open()
	if err != nil {
		return domain.ExtractedFile{}, corrupt(path, err)
	}
	defer rc.Close()

	ef, src, err := writeMember(ctx, sb, f.Name, rc, f.Mode())
	if err != nil && src.err != nil {
		return domain.ExtractedFile{}, corrupt(path, src.err)
	}
	return ef, err
}

// openZip opens path. A reader returned together with an error only flags
// insecure member names, which the sandbox checks itself.
func openZip(path string) (*zip.ReadCloser, error) {
	zr, err := zip.OpenReader(path)
	if err != nil && zr == nil {
		return nil, corrupt(path, err)
	}
	return zr, nil
}

func listZip(path string) ([]string, error) {
	zr, err := openZip(path)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	names := make([]string, len(zr.File))
	for i, f := range zr.File {
		names[i] = f.Name
	}
	return names, nil
}
