package sandbox

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/dop251/goja"

	"github.com/GriffinCanCode/maitre/internal/shared/paths"
)

const (
	maxSourceSize  = 4 << 20
	maxGraphModule = 1024
)

// requirePattern finds string-literal require calls. Dynamic specifiers are
// not found here and therefore can never be loaded.
var requirePattern = regexp.MustCompile("\\brequire\\s*\\(\\s*(?:\"([^\"\\\\\\n]+)\"|'([^'\\\\\\n]+)'|`([^`$\\\\\\n]+)`)\\s*\\)")

// wrapper turns a script into a CommonJS style function.
const (
	wrapperHead = "(function (exports, require, module, __filename, __dirname) {"
	wrapperTail = "\n})"
)

// unit is one compiled file of a module.
type unit struct {
	path    string
	program *goja.Program     // nil for JSON units
	json    string            // validated JSON source for .json units
	deps    map[string]string // specifier -> absolute path
}

// graph is the arena of every file reachable from a module's entry,
// keyed by real absolute path. It is built before any module code runs.
type graph struct {
	root  paths.Root
	entry string
	units map[string]*unit
}

// scanRequires lists the distinct string-literal specifiers in src, in
// order of first appearance.
func scanRequires(src string) []string {
	var specs []string
	seen := make(map[string]struct{})
	for _, m := range requirePattern.FindAllStringSubmatch(src, -1) {
		spec := m[1] + m[2] + m[3]
		if _, ok := seen[spec]; ok {
			continue
		}
		seen[spec] = struct{}{}
		specs = append(specs, spec)
	}
	return specs
}

// buildGraph resolves, reads and compiles the entry and everything it
// requires, breadth first. Each dependency is checked against the root
// before it is read.
func buildGraph(root paths.Root, entry string) (*graph, error) {
	entryPath, err := root.Resolve(entry)
	if err != nil {
		return nil, resolveError(entry, err)
	}

	g := &graph{root: root, entry: entryPath, units: make(map[string]*unit)}
	queue := []string{entryPath}
	queued := map[string]struct{}{entryPath: {}}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		u, src, err := compileUnit(root, current)
		if err != nil {
			return nil, err
		}
		g.units[current] = u
		if u.program == nil {
			continue
		}

		for _, spec := range scanRequires(src) {
			dep, err := resolveSpecifier(root, current, spec)
			if err != nil {
				return nil, err
			}
			u.deps[spec] = dep
			if _, ok := queued[dep]; ok {
				continue
			}
			if len(queued) >= maxGraphModule {
				return nil, &LoadError{Stage: StageResolve, Path: root.Rel(current),
					Err: fmt.Errorf("more than %d files in module graph", maxGraphModule)}
			}
			queued[dep] = struct{}{}
			queue = append(queue, dep)
		}
	}
	return g, nil
}

func compileUnit(root paths.Root, path string) (*unit, string, error) {
	rel := root.Rel(path)
	info, err := os.Stat(path)
	if err != nil {
		return nil, "", &LoadError{Stage: StageRead, Path: rel, Err: err}
	}
	if info.Size() > maxSourceSize {
		return nil, "", &LoadError{Stage: StageRead, Path: rel,
			Err: fmt.Errorf("source is %d bytes, limit is %d", info.Size(), maxSourceSize)}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", &LoadError{Stage: StageRead, Path: rel, Err: err}
	}
	src := string(data)

	u := &unit{path: path, deps: make(map[string]string)}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		if !sonic.Valid(data) {
			return nil, "", &LoadError{Stage: StageCompile, Path: rel, Err: errors.New("invalid JSON")}
		}
		u.json = src
		return u, src, nil
	}

	prog, err := goja.Compile(rel, wrapperHead+src+wrapperTail, false)
	if err != nil {
		return nil, "", &LoadError{Stage: StageCompile, Path: rel, Err: err}
	}
	u.program = prog
	return u, src, nil
}

// resolveSpecifier maps a require specifier, relative to the importing
// file, to a real path inside root. Bare and absolute specifiers are not
// supported: the sandbox has no built-in modules and no search path.
func resolveSpecifier(root paths.Root, importer, spec string) (string, error) {
	rel := root.Rel(importer)
	if !strings.HasPrefix(spec, "./") && !strings.HasPrefix(spec, "../") {
		return "", &LoadError{Stage: StageResolve, Path: rel,
			Err: fmt.Errorf("%w: %q (only relative specifiers are allowed)", ErrModuleNotFound, spec)}
	}

	base := filepath.Join(filepath.Dir(importer), filepath.FromSlash(spec))
	if !root.Contains(base) {
		return "", &LoadError{Stage: StageResolve, Path: rel,
			Err: fmt.Errorf("%w: %q resolves to %s", ErrSandboxViolation, spec, base)}
	}

	for _, candidate := range []string{base, base + ".js", base + ".json", filepath.Join(base, "index.js")} {
		real, err := root.Resolve(candidate)
		switch {
		case err == nil:
			info, serr := os.Stat(real)
			if serr != nil || info.IsDir() {
				continue
			}
			return real, nil
		case errors.Is(err, paths.ErrOutsideRoot):
			return "", &LoadError{Stage: StageResolve, Path: rel,
				Err: fmt.Errorf("%w: %q: %v", ErrSandboxViolation, spec, err)}
		case errors.Is(err, fs.ErrNotExist):
			continue
		default:
			return "", &LoadError{Stage: StageResolve, Path: rel, Err: err}
		}
	}
	return "", &LoadError{Stage: StageResolve, Path: rel, Err: fmt.Errorf("%w: %q", ErrModuleNotFound, spec)}
}

func resolveError(entry string, err error) error {
	if errors.Is(err, paths.ErrOutsideRoot) {
		return &LoadError{Stage: StageResolve, Path: entry, Err: fmt.Errorf("%w: %v", ErrSandboxViolation, err)}
	}
	return &LoadError{Stage: StageRead, Path: entry, Err: err}
}
