package paths

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutsideRoot reports a path that escapes its sandbox root.
var ErrOutsideRoot = errors.New("path outside sandbox root")

// Root is a sandbox root directory: absolute, cleaned, symlinks resolved.
type Root string

// NewRoot canonicalises dir into a Root. The directory must exist.
func NewRoot(dir string) (Root, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(real)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s: not a directory", real)
	}
	return Root(real), nil
}

func (r Root) String() string {
	return string(r)
}

// Contains reports whether p lies within r. The comparison is lexical and
// respects path separators, so /srv/mod does not contain /srv/modules.
func (r Root) Contains(p string) bool {
	return Within(string(r), p)
}

// Resolve turns p (absolute, or relative to r) into a real path and checks
// that it, after following symlinks, stays within r. The target must exist.
func (r Root) Resolve(p string) (string, error) {
	if !filepath.IsAbs(p) {
		p = filepath.Join(string(r), p)
	}
	p = filepath.Clean(p)
	if !r.Contains(p) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, p)
	}

	real, err := filepath.EvalSymlinks(p)
	if err != nil {
		return "", err
	}
	if !r.Contains(real) {
		return "", fmt.Errorf("%w: %s -> %s", ErrOutsideRoot, p, real)
	}
	return real, nil
}

// Rel returns p relative to r, for log output.
func (r Root) Rel(p string) string {
	rel, err := filepath.Rel(string(r), p)
	if err != nil {
		return p
	}
	return rel
}

// Within reports whether p equals root or is nested below it.
func Within(root, p string) bool {
	root = filepath.Clean(root)
	p = filepath.Clean(p)
	if p == root {
		return true
	}
	if !strings.HasSuffix(root, string(filepath.Separator)) {
		root += string(filepath.Separator)
	}
	return strings.HasPrefix(p, root)
}
