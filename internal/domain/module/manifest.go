package module

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bytedance/sonic"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"
	"github.com/invopop/jsonschema"
	"github.com/pelletier/go-toml/v2"
)

// ManifestFiles lists the accepted manifest names in lookup order.
var ManifestFiles = []string{"manifest.json", "manifest.yaml", "manifest.yml", "manifest.toml"}

var (
	ErrInvalidManifest  = errors.New("invalid manifest")
	ErrMultipleManifest = errors.New("more than one manifest")
)

var validate = validator.New()

// Manifest is the optional per-module metadata file. Unknown keys are kept
// in Extra and reported by the admin API untouched.
type Manifest struct {
	Name        string         `json:"name,omitempty" validate:"omitempty,max=128" jsonschema:"description=Display name; defaults to the directory name"`
	Version     string         `json:"version,omitempty" validate:"omitempty,max=64" jsonschema:"description=Free-form module version"`
	Description string         `json:"description,omitempty" validate:"omitempty,max=1024"`
	Entry       string         `json:"entry,omitempty" validate:"omitempty,max=512" jsonschema:"description=Entry script relative to the module directory"`
	Load        *bool          `json:"load,omitempty" jsonschema:"description=Set to false to keep the module installed but not started,default=true"`
	Extra       map[string]any `json:"-" validate:"-"`
}

var manifestKeys = map[string]struct{}{
	"name": {}, "version": {}, "description": {}, "entry": {}, "load": {},
}

// Enabled reports whether the module should be started.
func (m Manifest) Enabled() bool {
	return m.Load == nil || *m.Load
}

// MarshalJSON flattens Extra next to the known fields.
func (m Manifest) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Extra)+5)
	for k, v := range m.Extra {
		out[k] = v
	}
	if m.Name != "" {
		out["name"] = m.Name
	}
	if m.Version != "" {
		out["version"] = m.Version
	}
	if m.Description != "" {
		out["description"] = m.Description
	}
	if m.Entry != "" {
		out["entry"] = m.Entry
	}
	out["load"] = m.Enabled()
	return sonic.ConfigStd.Marshal(out)
}

// FindManifest returns the manifest path in dir, or "" when there is none.
func FindManifest(dir string) (string, error) {
	var found string
	for _, name := range ManifestFiles {
		p := filepath.Join(dir, name)
		info, err := os.Lstat(p)
		if err != nil {
			continue
		}
		if !info.Mode().IsRegular() {
			return "", fmt.Errorf("%w: %s is not a regular file", ErrInvalidManifest, name)
		}
		if found != "" {
			return "", fmt.Errorf("%w: %s and %s", ErrMultipleManifest, filepath.Base(found), name)
		}
		found = p
	}
	return found, nil
}

// LoadManifest reads and validates the manifest at path.
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	return ParseManifest(filepath.Ext(path), data)
}

// ParseManifest decodes a manifest in the format named by ext (".json",
// ".yaml", ".yml" or ".toml").
func ParseManifest(ext string, data []byte) (Manifest, error) {
	raw := map[string]any{}
	var err error
	switch ext {
	case ".json":
		err = sonic.ConfigStd.Unmarshal(data, &raw)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &raw)
	case ".toml":
		err = toml.Unmarshal(data, &raw)
	default:
		return Manifest{}, fmt.Errorf("%w: unsupported format %q", ErrInvalidManifest, ext)
	}
	if err != nil {
		return Manifest{}, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if raw == nil {
		raw = map[string]any{}
	}

	// Normalise through JSON so all three formats share one set of rules.
	normalised, err := sonic.ConfigStd.Marshal(raw)
	if err != nil {
		return Manifest{}, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	var m Manifest
	if err := sonic.ConfigStd.Unmarshal(normalised, &m); err != nil {
		return Manifest{}, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}

	for k, v := range raw {
		if _, known := manifestKeys[k]; known {
			continue
		}
		if m.Extra == nil {
			m.Extra = make(map[string]any)
		}
		m.Extra[k] = v
	}

	if err := validate.Struct(m); err != nil {
		return Manifest{}, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if m.Entry != "" && (filepath.IsAbs(m.Entry) || !filepath.IsLocal(m.Entry)) {
		return Manifest{}, fmt.Errorf("%w: entry %q must be a relative path inside the module", ErrInvalidManifest, m.Entry)
	}
	return m, nil
}

// Schema returns the JSON schema of the manifest file.
func Schema() ([]byte, error) {
	reflector := jsonschema.Reflector{
		ExpandedStruct:            true,
		AllowAdditionalProperties: true,
	}
	schema := reflector.Reflect(&Manifest{})

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	return data, nil
}
