package artifact

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/CarryPigeon/CarryPigeon-Desktop-sub001/errors"
	"github.com/CarryPigeon/CarryPigeon-Desktop-sub001/plugin"
	"github.com/hashicorp/go-getter"
	"go.uber.org/zap"
)

// Source resolves a (plugin id, version) pair to a download URL and
// expected sha256. Backed by the plugin catalog in production.
type Source func(ctx context.Context, pluginID, version string) (url, sha256 string, err error)

// artifactGetters restricts fetching to http(s) archives and local
// files. The file getter copies instead of symlinking so the staging
// directory can be renamed into place.
var artifactGetters = func() map[string]getter.Getter {
	httpGetter := &getter.HttpGetter{Netrc: true}
	return map[string]getter.Getter{
		"file":  &getter.FileGetter{Copy: true},
		"http":  httpGetter,
		"https": httpGetter,
	}
}()

// Provider implements plugin.ArtifactProvider on top of go-getter.
// Artifacts are fetched into a staging directory, checksum-verified by
// the getter, manifest-checked, and renamed into their final version
// directory in one step.
type Provider struct {
	root   string
	source Source
	logger *zap.SugaredLogger
}

// NewProvider creates a provider rooted at root (tilde and relative
// paths are expanded). source may be nil; Install then fails and only
// InstallFromURL works.
func NewProvider(root string, source Source, logger *zap.SugaredLogger) (*Provider, error) {
	expanded, err := expandAndValidatePath(root)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid plugin root %q", root)
	}
	if err := os.MkdirAll(expanded, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create plugin root %s", expanded)
	}

	return &Provider{
		root:   expanded,
		source: source,
		logger: logger.Named("artifact"),
	}, nil
}

// Root returns the expanded artifact root directory.
func (p *Provider) Root() string {
	return p.root
}

// Install fetches a version using the configured catalog source.
func (p *Provider) Install(ctx context.Context, scope, pluginID, version string) (*plugin.InstalledState, error) {
	if p.source == nil {
		return nil, errors.Newf("install %s@%s: no artifact source configured", pluginID, version)
	}

	srcURL, sha256, err := p.source(ctx, pluginID, version)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve artifact for %s@%s", pluginID, version)
	}
	return p.InstallFromURL(ctx, scope, pluginID, version, srcURL, sha256)
}

// InstallFromURL fetches a version from an explicit URL. sha256 may be
// empty to skip integrity verification (local file sources in tests);
// catalog installs always carry one.
func (p *Provider) InstallFromURL(ctx context.Context, scope, pluginID, version, srcURL, sha256 string) (*plugin.InstalledState, error) {
	if scope == "" || pluginID == "" || version == "" {
		return nil, errors.New("install requires scope, plugin id, and version")
	}

	dst := p.versionDir(scope, pluginID, version)
	if m, err := ReadManifest(dst); err == nil && m.ID == pluginID && m.Version == version {
		p.logger.Debugw("Artifact already installed",
			"plugin", pluginID,
			"version", version,
		)
		return p.installedState(scope, pluginID)
	}

	staging, err := os.MkdirTemp(p.root, ".staging-*")
	if err != nil {
		return nil, errors.Wrap(err, "create staging directory")
	}
	defer os.RemoveAll(staging)

	src := srcURL
	if sha256 != "" {
		sep := "?"
		if strings.Contains(src, "?") {
			sep = "&"
		}
		src += sep + "checksum=sha256:" + sha256
	}

	client := &getter.Client{
		Ctx:     ctx,
		Src:     src,
		Dst:     staging,
		Pwd:     p.root,
		Mode:    getter.ClientModeDir,
		Getters: artifactGetters,
	}
	if err := client.Get(); err != nil {
		return nil, errors.Wrapf(err, "fetch %s@%s from %s", pluginID, version, srcURL)
	}

	m, err := ReadManifest(staging)
	if err != nil {
		return nil, errors.Wrapf(err, "artifact for %s@%s", pluginID, version)
	}
	if m.ID != pluginID || m.Version != version {
		return nil, errors.Newf("artifact manifest declares %s@%s, expected %s@%s", m.ID, m.Version, pluginID, version)
	}
	if _, err := os.Stat(filepath.Join(staging, m.Entry)); err != nil {
		return nil, errors.Wrapf(err, "artifact for %s@%s missing entry module %s", pluginID, version, m.Entry)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return nil, errors.Wrapf(err, "create plugin directory for %s", pluginID)
	}
	if err := os.RemoveAll(dst); err != nil {
		return nil, errors.Wrapf(err, "clear stale version directory %s", dst)
	}
	if err := os.Rename(staging, dst); err != nil {
		return nil, errors.Wrapf(err, "commit %s@%s", pluginID, version)
	}

	p.logger.Infow("Artifact installed",
		"plugin", pluginID,
		"version", version,
		"scope", scope,
	)
	return p.installedState(scope, pluginID)
}

// Remove deletes all artifact versions for the plugin in this scope.
func (p *Provider) Remove(scope, pluginID string) error {
	if scope == "" || pluginID == "" {
		return errors.New("remove requires scope and plugin id")
	}
	dir := filepath.Join(p.root, scope, pluginID)
	if err := os.RemoveAll(dir); err != nil {
		return errors.Wrapf(err, "remove artifacts for %s", pluginID)
	}
	return nil
}

// installedState lists the version directories currently on disk.
func (p *Provider) installedState(scope, pluginID string) (*plugin.InstalledState, error) {
	dir := filepath.Join(p.root, scope, pluginID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return &plugin.InstalledState{PluginID: pluginID}, nil
		}
		return nil, errors.Wrapf(err, "list versions for %s", pluginID)
	}

	versions := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			versions = append(versions, e.Name())
		}
	}
	sort.Strings(versions)

	return &plugin.InstalledState{
		PluginID:          pluginID,
		InstalledVersions: versions,
	}, nil
}

func (p *Provider) versionDir(scope, pluginID, version string) string {
	return filepath.Join(p.root, scope, pluginID, version)
}

// expandAndValidatePath safely expands and validates a path using
// go-getter's detection. Handles ~ and relative paths.
func expandAndValidatePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", errors.Wrap(err, "failed to get home directory")
		}
		path = filepath.Join(home, path[2:])
	} else if path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", errors.Wrap(err, "failed to get home directory")
		}
		return home, nil
	}

	pwd, err := os.Getwd()
	if err != nil {
		pwd = "."
	}

	detected, err := getter.Detect(path, pwd, getter.Detectors)
	if err != nil {
		return "", errors.Wrap(err, "invalid path")
	}

	u, err := url.Parse(detected)
	if err != nil {
		return "", errors.Wrap(err, "failed to parse path")
	}

	if u.Scheme == "file" {
		return u.Path, nil
	}
	if u.Scheme == "" {
		abs, err := filepath.Abs(path)
		if err != nil {
			return "", errors.Wrap(err, "failed to make absolute path")
		}
		return abs, nil
	}

	return "", errors.Newf("unsupported path scheme: %s (expected file:// or local path)", u.Scheme)
}
