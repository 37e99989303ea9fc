package archive

import (
	"context"
	"errors"
	"strings"

	"github.com/bodgit/sevenzip"

	"archive-agent/internal/domain"
	"archive-agent/internal/security"
)

func openSevenZip(path, password string) (*sevenzip.ReadCloser, error) {
	var (
		r   *sevenzip.ReadCloser
		err error
	)
	if password != "" {
		r, err = sevenzip.OpenReaderWithPassword(path, password)
	} else {
		r, err = sevenzip.OpenReader(path)
	}
	if err != nil {
		return nil, sevenZipError(path, err)
	}
	return r, nil
}

// sevenZipError keeps an authentication failure distinguishable from a
// damaged archive.
func sevenZipError(path string, err error) error {
	if passwordProblem(err) {
		return domain.NewDomainError("Extractor.Extract", domain.ErrPasswordRequired, path)
	}
	return corrupt(path, err)
}

func passwordProblem(err error) bool {
	var re *sevenzip.ReadError
	if errors.As(err, &re) && re.Encrypted {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "password")
}

func (e *Extractor) extractSevenZip(ctx context.Context, path string, sb *security.Sandbox, limit int, password string) ([]domain.ExtractedFile, error) {
	r, err := openSevenZip(path, password)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	if len(r.File) > limit {
		return nil, tooMany(len(r.File), limit)
	}
	names := make([]string, len(r.File))
	for i, f := range r.File {
		names[i] = f.Name
	}
	if err := checkNames(sb, names); err != nil {
		return nil, err
	}

	out := make([]domain.ExtractedFile, 0, len(r.File))
	for _, f := range r.File {
		mode := f.FileInfo().Mode()
		switch {
		case mode.IsDir():
			if err := makeDir(sb, f.Name); err != nil {
				return nil, err
			}
		case mode.IsRegular():
			ef, err := e.writeSevenZipMember(ctx, path, sb, f)
			if err != nil {
				return nil, err
			}
			out = append(out, ef)
		default:
			e.logger.Debug("skipping non-regular 7z member", "archive", path, "member", f.Name)
		}
	}
	return out, nil
}

func (e *Extractor) writeSevenZipMember(ctx context.Context, path string, sb *security.Sandbox, f *sevenzip.File) (domain.ExtractedFile, error) {
	rc, err := f.Open()
	if err != nil {
		return domain.ExtractedFile{}, sevenZipError(path, err)
	}
	defer rc.Close()

	ef, src, err := writeMember(ctx, sb, f.Name, rc, f.FileInfo().Mode())
	if err != nil && src.err != nil {
		return domain.ExtractedFile{}, sevenZipError(path, src.err)
	}
	return ef, err
}

func listSevenZip(path, password string) ([]string, error) {
	r, err := openSevenZip(path, password)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	names := make([]string, len(r.File))
	for i, f := range r.File {
		names[i] = f.Name
	}
	return names, nil
}
