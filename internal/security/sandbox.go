package security

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"archive-agent/internal/domain"
)

// Sandbox confines file operations to a directory tree.
type Sandbox struct {
	root string // absolute, symlink-resolved
}

// NewSandbox creates a sandbox rooted at the given existing directory.
func NewSandbox(root string) (*Sandbox, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve sandbox root: %w", err)
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("eval symlinks for sandbox root: %w", err)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("stat sandbox root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("sandbox root %q is not a directory", resolved)
	}

	return &Sandbox{root: resolved}, nil
}

// Root returns the sandbox root directory.
func (s *Sandbox) Root() string { return s.root }

// ValidatePath checks that requested, once made absolute and with every
// existing symlink along it resolved, stays inside the sandbox. It returns
// the resolved path.
func (s *Sandbox) ValidatePath(requested string) (string, error) {
	abs, err := filepath.Abs(requested)
	if err != nil {
		return "", domain.NewDomainError("Sandbox.ValidatePath", domain.ErrPathOutsideSandbox, err.Error())
	}

	resolved, err := resolveExisting(abs)
	if err != nil {
		return "", domain.NewDomainError("Sandbox.ValidatePath", domain.ErrPathOutsideSandbox, err.Error())
	}

	if !s.contains(resolved) {
		return "", domain.NewDomainError("Sandbox.ValidatePath", domain.ErrPathOutsideSandbox,
			fmt.Sprintf("resolved %q is outside root %q", resolved, s.root))
	}
	return resolved, nil
}

// ResolveMember maps an archive member name to its destination path under
// the root. Absolute names, ".." escapes and paths that leave the root
// through an already extracted symlink fail with ErrPathTraversal naming
// the member. The returned path is lexical (root joined with the member).
func (s *Sandbox) ResolveMember(member string) (string, error) {
	name := filepath.FromSlash(member)
	if filepath.IsAbs(name) || filepath.VolumeName(name) != "" || strings.HasPrefix(member, "/") {
		return "", traversal(member)
	}

	target := filepath.Join(s.root, name)
	if !s.contains(target) {
		return "", traversal(member)
	}

	if _, err := s.ValidatePath(target); err != nil {
		if errors.Is(err, domain.ErrPathOutsideSandbox) {
			return "", traversal(member)
		}
		return "", err
	}
	return target, nil
}

// ValidateLink checks that a symlink or hard link created for member, whose
// link target is linkname, cannot point outside the root.
func (s *Sandbox) ValidateLink(member, linkname string, hard bool) error {
	target := filepath.FromSlash(linkname)
	if filepath.IsAbs(target) || strings.HasPrefix(linkname, "/") {
		return traversal(member)
	}

	var dest string
	if hard {
		// Hard link names are relative to the archive root.
		dest = filepath.Join(s.root, target)
	} else {
		dest = filepath.Join(s.root, filepath.Dir(filepath.FromSlash(member)), target)
	}
	if !s.contains(dest) {
		return traversal(member)
	}
	if _, err := s.ValidatePath(dest); err != nil {
		return traversal(member)
	}
	return nil
}

func traversal(member string) error {
	return domain.NewDomainError("Sandbox.ResolveMember", domain.ErrPathTraversal, member)
}

func (s *Sandbox) contains(path string) bool {
	return path == s.root || strings.HasPrefix(path, s.root+string(os.PathSeparator))
}

// resolveExisting evaluates symlinks on the deepest existing ancestor of abs
// and re-appends the missing tail. A dangling symlink on the way is an error
// because writing through it would land wherever it points.
func resolveExisting(abs string) (string, error) {
	cur := abs
	var tail []string
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			for i := len(tail) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, tail[i])
			}
			return resolved, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		if fi, lerr := os.Lstat(cur); lerr == nil && fi.Mode()&fs.ModeSymlink != 0 {
			return "", fmt.Errorf("dangling symlink %q", cur)
		}

		parent := filepath.Dir(cur)
		if parent == cur {
			return abs, nil
		}
		tail = append(tail, filepath.Base(cur))
		cur = parent
	}
}
