package artifact

import (
	"os"
	"path/filepath"

	"github.com/CarryPigeon/CarryPigeon-Desktop-sub001/errors"
	"github.com/CarryPigeon/CarryPigeon-Desktop-sub001/plugin"
)

// Resolver implements plugin.EntryResolver over the on-disk artifact
// layout. Read-only; it never mutates the tree.
type Resolver struct {
	root string
}

// NewResolver creates a resolver over the provider's root directory.
func NewResolver(provider *Provider) *Resolver {
	return &Resolver{root: provider.Root()}
}

// NewResolverAt creates a resolver over an explicit root, for callers
// without a provider.
func NewResolverAt(root string) (*Resolver, error) {
	expanded, err := expandAndValidatePath(root)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid plugin root %q", root)
	}
	return &Resolver{root: expanded}, nil
}

// ResolveVersion reads the manifest of an installed version and builds
// its runtime entry. A missing directory or manifest resolves to
// errors.ErrVersionNotInstalled.
func (r *Resolver) ResolveVersion(scope, pluginID, version string) (*plugin.RuntimeEntry, error) {
	dir := filepath.Join(r.root, scope, pluginID, version)

	m, err := ReadManifest(dir)
	if err != nil {
		if os.IsNotExist(errors.UnwrapAll(err)) {
			return nil, errors.Wrapf(errors.ErrVersionNotInstalled, "plugin %s version %s", pluginID, version)
		}
		return nil, err
	}
	if m.ID != pluginID || m.Version != version {
		return nil, errors.Newf("manifest in %s declares %s@%s, expected %s@%s", dir, m.ID, m.Version, pluginID, version)
	}

	locator := filepath.Join(dir, m.Entry)
	if _, err := os.Stat(locator); err != nil {
		return nil, errors.Wrapf(errors.ErrVersionNotInstalled, "plugin %s version %s: entry module missing", pluginID, version)
	}

	return &plugin.RuntimeEntry{
		ServerScope:     scope,
		PluginID:        pluginID,
		Version:         version,
		EntryLocator:    locator,
		Permissions:     m.Permissions,
		ProvidesDomains: m.Domains,
		MinHostVersion:  m.MinHostVersion,
	}, nil
}
