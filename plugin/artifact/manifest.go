// Package artifact fetches, verifies, and lays out plugin artifacts on
// disk, and resolves installed versions to runtime entries.
//
// On-disk layout: <root>/<server scope>/<plugin id>/<version>/ with a
// plugin.toml manifest and the wasm entry module inside each version
// directory. A version directory either exists completely or not at
// all; downloads land in a staging directory and are renamed into place
// only after verification.
package artifact

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/CarryPigeon/CarryPigeon-Desktop-sub001/errors"
	"github.com/CarryPigeon/CarryPigeon-Desktop-sub001/plugin"
)

// ManifestFileName is the manifest every plugin artifact must carry at
// its root.
const ManifestFileName = "plugin.toml"

// Manifest describes one plugin version: identity, entry module, host
// requirement, declared permissions, and the message domains it serves.
type Manifest struct {
	ID             string                 `toml:"id"`
	Version        string                 `toml:"version"`
	Entry          string                 `toml:"entry"`
	MinHostVersion string                 `toml:"min_host_version"`
	Permissions    []string               `toml:"permissions"`
	Domains        []plugin.DomainVersion `toml:"domains"`
}

// Validate checks the fields a loadable artifact cannot do without.
func (m *Manifest) Validate() error {
	if m.ID == "" {
		return errors.New("manifest missing plugin id")
	}
	if m.Version == "" {
		return errors.Newf("manifest for %s missing version", m.ID)
	}
	if m.Entry == "" {
		return errors.Newf("manifest for %s@%s missing entry module", m.ID, m.Version)
	}
	if filepath.IsAbs(m.Entry) || filepath.Clean(m.Entry) != m.Entry || containsDotDot(m.Entry) {
		return errors.Newf("manifest for %s@%s has invalid entry path %q", m.ID, m.Version, m.Entry)
	}
	return nil
}

func containsDotDot(p string) bool {
	for dir := p; dir != "." && dir != string(filepath.Separator); dir = filepath.Dir(dir) {
		if filepath.Base(dir) == ".." {
			return true
		}
	}
	return false
}

// ReadManifest reads and validates the manifest in an artifact directory.
func ReadManifest(dir string) (*Manifest, error) {
	path := filepath.Join(dir, ManifestFileName)

	var m Manifest
	if _, err := toml.DecodeFile(path, &m); err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "no manifest in %s", dir)
		}
		return nil, errors.Wrapf(err, "parse manifest %s", path)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}
