// Package module describes plugin modules on disk: where they live, what
// their manifest says, and whether their directory tree is safe to sandbox.
package module

import (
	"errors"
	"path/filepath"
)

// ErrUnsafeTree reports a module directory containing a symlink that
// escapes the module root.
var ErrUnsafeTree = errors.New("module tree escapes its root")

// Descriptor identifies one discovered module. It is immutable once built.
type Descriptor struct {
	Name         string   `json:"name"`
	Dir          string   `json:"dir"`
	Entry        string   `json:"entry"`
	ManifestPath string   `json:"manifest,omitempty"`
	Manifest     Manifest `json:"metadata"`
}

// EntryPath returns the absolute path of the module's entry script.
func (d Descriptor) EntryPath() string {
	return filepath.Join(d.Dir, d.Entry)
}

// Enabled reports whether the manifest allows the module to be started.
func (d Descriptor) Enabled() bool {
	return d.Manifest.Enabled()
}

// DisplayName prefers the manifest name over the directory name.
func (d Descriptor) DisplayName() string {
	if d.Manifest.Name != "" {
		return d.Manifest.Name
	}
	return d.Name
}
