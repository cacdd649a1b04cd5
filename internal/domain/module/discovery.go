package module

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charlievieth/fastwalk"

	"github.com/GriffinCanCode/maitre/internal/shared/paths"
)

// Reason says why a module directory was not selected for start-up.
type Reason string

const (
	ReasonExcluded        Reason = "excluded"
	ReasonDisabled        Reason = "disabled"
	ReasonInvalidManifest Reason = "invalid manifest"
	ReasonMissingEntry    Reason = "missing entry"
	ReasonUnsafeTree      Reason = "unsafe tree"
	ReasonNotDirectory    Reason = "not a directory"
)

// Skipped records a directory under the module root that will not run.
type Skipped struct {
	Name   string `json:"name"`
	Dir    string `json:"dir"`
	Reason Reason `json:"reason"`
	Err    error  `json:"-"`
}

// Error renders the reason with its cause, if any.
func (s Skipped) Error() string {
	if s.Err != nil {
		return fmt.Sprintf("%s: %s: %v", s.Name, s.Reason, s.Err)
	}
	return fmt.Sprintf("%s: %s", s.Name, s.Reason)
}

// Options controls discovery.
type Options struct {
	// Include and Exclude are comma separated doublestar patterns matched
	// against the module directory name. Empty Include means everything.
	Include string
	Exclude string
	// DefaultEntry is used when the manifest does not name an entry script.
	DefaultEntry string
}

// Result is the outcome of one scan. Modules is sorted by name.
type Result struct {
	Root    string       `json:"root"`
	Modules []Descriptor `json:"modules"`
	Skipped []Skipped    `json:"skipped"`
}

// Discover scans the immediate subdirectories of root. A failure confined
// to one module lands in Result.Skipped; only an unreadable root or a bad
// pattern is returned as an error.
func Discover(ctx context.Context, root string, opts Options) (*Result, error) {
	include, err := splitPatterns(opts.Include)
	if err != nil {
		return nil, err
	}
	exclude, err := splitPatterns(opts.Exclude)
	if err != nil {
		return nil, err
	}
	if opts.DefaultEntry == "" {
		opts.DefaultEntry = "index.js"
	}

	base, err := paths.NewRoot(root)
	if err != nil {
		return nil, fmt.Errorf("module root: %w", err)
	}
	entries, err := os.ReadDir(base.String())
	if err != nil {
		return nil, fmt.Errorf("module root: %w", err)
	}

	res := &Result{Root: base.String(), Modules: []Descriptor{}, Skipped: []Skipped{}}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		name := entry.Name()
		dir := filepath.Join(base.String(), name)
		if strings.HasPrefix(name, ".") {
			continue
		}
		if !entry.IsDir() {
			if entry.Type()&fs.ModeSymlink != 0 {
				res.Skipped = append(res.Skipped, Skipped{Name: name, Dir: dir, Reason: ReasonNotDirectory,
					Err: errors.New("module directories may not be symlinks")})
			}
			continue
		}
		if !selected(name, include, exclude) {
			res.Skipped = append(res.Skipped, Skipped{Name: name, Dir: dir, Reason: ReasonExcluded})
			continue
		}

		desc, skip := inspect(dir, name, opts.DefaultEntry)
		if skip != nil {
			res.Skipped = append(res.Skipped, *skip)
			continue
		}
		res.Modules = append(res.Modules, desc)
	}

	sort.Slice(res.Modules, func(i, j int) bool { return res.Modules[i].Name < res.Modules[j].Name })
	sort.Slice(res.Skipped, func(i, j int) bool { return res.Skipped[i].Name < res.Skipped[j].Name })
	return res, nil
}

func inspect(dir, name, defaultEntry string) (Descriptor, *Skipped) {
	desc := Descriptor{Name: name, Dir: dir, Entry: defaultEntry}

	manifestPath, err := FindManifest(dir)
	if err != nil {
		return desc, &Skipped{Name: name, Dir: dir, Reason: ReasonInvalidManifest, Err: err}
	}
	if manifestPath != "" {
		m, err := LoadManifest(manifestPath)
		if err != nil {
			return desc, &Skipped{Name: name, Dir: dir, Reason: ReasonInvalidManifest, Err: err}
		}
		desc.Manifest = m
		desc.ManifestPath = manifestPath
		if m.Entry != "" {
			desc.Entry = filepath.Clean(m.Entry)
		}
	}

	if !desc.Enabled() {
		return desc, &Skipped{Name: name, Dir: dir, Reason: ReasonDisabled}
	}
	if err := Audit(dir); err != nil {
		return desc, &Skipped{Name: name, Dir: dir, Reason: ReasonUnsafeTree, Err: err}
	}
	if info, err := os.Stat(desc.EntryPath()); err != nil || !info.Mode().IsRegular() {
		if err == nil {
			err = fmt.Errorf("%s is not a regular file", desc.Entry)
		}
		return desc, &Skipped{Name: name, Dir: dir, Reason: ReasonMissingEntry, Err: err}
	}
	return desc, nil
}

// Audit walks dir and fails if any symlink inside it points outside dir or
// cannot be resolved.
func Audit(dir string) error {
	root, err := paths.NewRoot(dir)
	if err != nil {
		return err
	}

	var (
		mu       sync.Mutex
		problems []string
	)
	conf := fastwalk.Config{Follow: false}
	err = fastwalk.Walk(&conf, root.String(), func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type()&fs.ModeSymlink == 0 {
			return nil
		}
		if _, rerr := root.Resolve(p); rerr != nil {
			mu.Lock()
			problems = append(problems, fmt.Sprintf("%s (%v)", root.Rel(p), rerr))
			mu.Unlock()
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("audit %s: %w", root, err)
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return fmt.Errorf("%w: %s", ErrUnsafeTree, strings.Join(problems, ", "))
	}
	return nil
}

func splitPatterns(list string) ([]string, error) {
	var patterns []string
	for _, p := range strings.Split(list, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid module pattern %q", p)
		}
		patterns = append(patterns, p)
	}
	return patterns, nil
}

func selected(name string, include, exclude []string) bool {
	if len(include) > 0 && !matchAny(include, name) {
		return false
	}
	return !matchAny(exclude, name)
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, name); ok {
			return true
		}
	}
	return false
}
