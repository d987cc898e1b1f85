// Package catalog models the server-published plugin catalog: which
// plugins exist, which are required for the server, and where each
// version's artifact lives.
package catalog

import (
	"github.com/CarryPigeon/CarryPigeon-Desktop-sub001/errors"
	"github.com/Masterminds/semver/v3"
)

// VersionEntry is one downloadable version of a plugin.
type VersionEntry struct {
	Version        string `json:"version"`
	URL            string `json:"url"`
	SHA256         string `json:"sha256"`
	MinHostVersion string `json:"min_host_version,omitempty"`
}

// Entry is one plugin in the catalog.
type Entry struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Required    bool           `json:"required,omitempty"`
	Versions    []VersionEntry `json:"versions"`
}

// Catalog is the full plugin listing a server publishes.
type Catalog struct {
	Plugins []Entry `json:"plugins"`
}

// Find returns the entry for a plugin id.
func (c *Catalog) Find(pluginID string) (*Entry, bool) {
	for i := range c.Plugins {
		if c.Plugins[i].ID == pluginID {
			return &c.Plugins[i], true
		}
	}
	return nil, false
}

// RequiredIDs lists the ids the server mandates, in catalog order.
func (c *Catalog) RequiredIDs() []string {
	var ids []string
	for i := range c.Plugins {
		if c.Plugins[i].Required {
			ids = append(ids, c.Plugins[i].ID)
		}
	}
	return ids
}

// Version returns the entry for an exact version string.
func (e *Entry) Version(version string) (*VersionEntry, bool) {
	for i := range e.Versions {
		if e.Versions[i].Version == version {
			return &e.Versions[i], true
		}
	}
	return nil, false
}

// Latest returns the highest semver version in the entry. Entries with
// unparsable versions are skipped; an entry with none is an error.
func (e *Entry) Latest() (*VersionEntry, error) {
	var best *VersionEntry
	var bestVer *semver.Version

	for i := range e.Versions {
		v, err := semver.NewVersion(e.Versions[i].Version)
		if err != nil {
			continue
		}
		if bestVer == nil || v.GreaterThan(bestVer) {
			best = &e.Versions[i]
			bestVer = v
		}
	}
	if best == nil {
		return nil, errors.Newf("plugin %s has no parsable versions in the catalog", e.ID)
	}
	return best, nil
}
