package plugin

import (
	"context"
	"sort"
	"sync"

	"github.com/CarryPigeon/CarryPigeon-Desktop-sub001/errors"
	"go.uber.org/zap"
)

// Manager owns the per-server-scope installed plugin state and its
// transitions. It delegates artifact handling to the ArtifactProvider
// but never records a version as installed unless the provider returned
// success. Each operation is atomic under the manager's mutex;
// multi-step atomicity (validate + switch + reload) is the
// Orchestrator's job.
//
// All returned states are clones; callers cannot mutate owned state.
type Manager struct {
	scope    string
	provider ArtifactProvider
	store    StateStore
	logger   *zap.SugaredLogger

	mu        sync.RWMutex
	installed map[string]*InstalledState
}

// NewManager creates a lifecycle manager for one server scope, loading
// any persisted state from the store.
func NewManager(scope string, provider ArtifactProvider, store StateStore, logger *zap.SugaredLogger) (*Manager, error) {
	m := &Manager{
		scope:     scope,
		provider:  provider,
		store:     store,
		logger:    logger.Named("lifecycle").With("scope", scope),
		installed: make(map[string]*InstalledState),
	}

	persisted, err := store.List(scope)
	if err != nil {
		return nil, errors.Wrapf(err, "load installed state for scope %s", scope)
	}
	for _, st := range persisted {
		m.installed[st.PluginID] = st.Clone()
	}

	return m, nil
}

// Scope returns the server scope this manager owns.
func (m *Manager) Scope() string {
	return m.scope
}

// Install fetches and unpacks a version via the ArtifactProvider. On
// success the version is appended to InstalledVersions if absent;
// CurrentVersion and Enabled are not touched. On failure no partial
// state is committed.
func (m *Manager) Install(ctx context.Context, pluginID, version string) (*InstalledState, error) {
	if pluginID == "" || version == "" {
		return nil, errors.NewInvalidRequestError("install requires plugin id and version")
	}

	if _, err := m.provider.Install(ctx, m.scope, pluginID, version); err != nil {
		return nil, errors.Wrapf(err, "install %s@%s", pluginID, version)
	}

	return m.commitInstall(pluginID, version)
}

// InstallFromURL is Install with an explicit artifact URL and sha256.
func (m *Manager) InstallFromURL(ctx context.Context, pluginID, version, url, sha256 string) (*InstalledState, error) {
	if pluginID == "" || version == "" || url == "" {
		return nil, errors.NewInvalidRequestError("install requires plugin id, version, and url")
	}

	if _, err := m.provider.InstallFromURL(ctx, m.scope, pluginID, version, url, sha256); err != nil {
		return nil, errors.Wrapf(err, "install %s@%s from %s", pluginID, version, url)
	}

	return m.commitInstall(pluginID, version)
}

func (m *Manager) commitInstall(pluginID, version string) (*InstalledState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.installed[pluginID]
	if !ok {
		st = &InstalledState{
			PluginID: pluginID,
			Status:   StatusOK,
		}
		m.installed[pluginID] = st
	}
	if !st.HasVersion(version) {
		st.InstalledVersions = append(st.InstalledVersions, version)
	}

	if err := m.persistLocked(st); err != nil {
		return nil, err
	}

	m.logger.Infow("Plugin version installed",
		"plugin", pluginID,
		"version", version,
	)
	return st.Clone(), nil
}

// SwitchVersion sets CurrentVersion to an already-installed version. It
// does not touch Enabled; reload sequencing is the Orchestrator's
// concern.
func (m *Manager) SwitchVersion(pluginID, version string) (*InstalledState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.installed[pluginID]
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotInstalled, "plugin %s", pluginID)
	}
	if !st.HasVersion(version) {
		return nil, errors.Wrapf(errors.ErrVersionNotInstalled, "plugin %s version %s", pluginID, version)
	}

	st.CurrentVersion = version
	if err := m.persistLocked(st); err != nil {
		return nil, err
	}

	m.logger.Infow("Plugin version switched",
		"plugin", pluginID,
		"version", version,
	)
	return st.Clone(), nil
}

// Enable marks the plugin enabled with status ok, optimistically: the
// Orchestrator reports actual runtime failure back via SetFailed, and
// the gate predicate only trusts enabled && status == ok.
func (m *Manager) Enable(pluginID string) (*InstalledState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.installed[pluginID]
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotInstalled, "plugin %s", pluginID)
	}
	if st.CurrentVersion == "" {
		return nil, errors.NewInvalidRequestError("enable %s: no current version selected", pluginID)
	}

	st.Enabled = true
	st.Status = StatusOK
	st.LastError = ""
	if err := m.persistLocked(st); err != nil {
		return nil, err
	}

	return st.Clone(), nil
}

// Disable marks the plugin disabled. Returns (nil, nil) when the plugin
// was never installed: disabling nothing is a no-op, not an error.
func (m *Manager) Disable(pluginID string) (*InstalledState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.installed[pluginID]
	if !ok {
		return nil, nil
	}

	st.Enabled = false
	if err := m.persistLocked(st); err != nil {
		return nil, err
	}

	return st.Clone(), nil
}

// SetFailed records a runtime failure. CurrentVersion and
// InstalledVersions stay untouched so failure is reversible without
// reinstalling; the Enabled flag also survives so ClearError can
// restore the pre-failure state.
func (m *Manager) SetFailed(pluginID, message string) (*InstalledState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.installed[pluginID]
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotInstalled, "plugin %s", pluginID)
	}

	st.Status = StatusFailed
	st.LastError = message
	if err := m.persistLocked(st); err != nil {
		return nil, err
	}

	m.logger.Warnw("Plugin marked failed",
		"plugin", pluginID,
		"error", message,
	)
	return st.Clone(), nil
}

// ClearError resets the status to ok and clears the stored error. The
// Enabled flag is not changed: a previously enabled plugin returns to
// enabled, a disabled one stays disabled.
func (m *Manager) ClearError(pluginID string) (*InstalledState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.installed[pluginID]
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotInstalled, "plugin %s", pluginID)
	}

	st.Status = StatusOK
	st.LastError = ""
	if err := m.persistLocked(st); err != nil {
		return nil, err
	}

	return st.Clone(), nil
}

// Uninstall removes all state and artifacts for the plugin in this
// scope.
func (m *Manager) Uninstall(ctx context.Context, pluginID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.installed[pluginID]; !ok {
		return errors.Wrapf(errors.ErrNotInstalled, "plugin %s", pluginID)
	}

	if err := m.provider.Remove(m.scope, pluginID); err != nil {
		return errors.Wrapf(err, "remove artifacts for %s", pluginID)
	}

	delete(m.installed, pluginID)
	if err := m.store.Delete(m.scope, pluginID); err != nil {
		return errors.Wrapf(err, "delete state for %s", pluginID)
	}

	m.logger.Infow("Plugin uninstalled", "plugin", pluginID)
	return nil
}

// GetInstalledState returns the state for one plugin, or false if the
// plugin has no record in this scope.
func (m *Manager) GetInstalledState(pluginID string) (*InstalledState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.installed[pluginID]
	if !ok {
		return nil, false
	}
	return st.Clone(), true
}

// ListInstalled returns all installed states, sorted by plugin id.
func (m *Manager) ListInstalled() []*InstalledState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make([]*InstalledState, 0, len(m.installed))
	for _, st := range m.installed {
		states = append(states, st.Clone())
	}
	sort.Slice(states, func(i, j int) bool {
		return states[i].PluginID < states[j].PluginID
	})
	return states
}

func (m *Manager) persistLocked(st *InstalledState) error {
	if err := m.store.Save(m.scope, st); err != nil {
		return errors.Wrapf(err, "persist state for %s", st.PluginID)
	}
	return nil
}
