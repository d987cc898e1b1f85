package plugin

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/CarryPigeon/CarryPigeon-Desktop-sub001/errors"
	"github.com/Masterminds/semver/v3"
	"go.uber.org/zap"
)

// Registry owns the loaded plugin modules and domain bindings for one
// server scope. It is the production RuntimeOps implementation the
// Orchestrator sequences lifecycle mutations with. Switching server
// scope means switching to a different Registry instance; the maps are
// never shared or merged across scopes.
type Registry struct {
	scope             string
	manager           *Manager
	resolver          EntryResolver
	loader            Loader
	builder           *contextBuilder
	hostVersion       string
	activationTimeout time.Duration
	logger            *zap.SugaredLogger

	mu       sync.RWMutex
	loaded   map[string]Module
	entries  map[string]*RuntimeEntry
	bindings map[string]*DomainBinding
	disposed bool
}

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	// HostVersion is the client's semver, checked against each entry's
	// MinHostVersion constraint before load.
	HostVersion string

	// ActivationTimeout bounds activate/deactivate hook calls. Zero
	// means 30 seconds.
	ActivationTimeout time.Duration

	// Network builds the network capability handed to plugins that
	// declared the permission. Nil disables the capability entirely.
	Network func() *NetworkCapability
}

// NewRegistry creates a registry for the manager's server scope.
func NewRegistry(manager *Manager, resolver EntryResolver, loader Loader, bridge HostBridge, storage StorageFactory, opts RegistryOptions, logger *zap.SugaredLogger) *Registry {
	timeout := opts.ActivationTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Registry{
		scope:    manager.Scope(),
		manager:  manager,
		resolver: resolver,
		loader:   loader,
		builder: &contextBuilder{
			scope:   manager.Scope(),
			bridge:  bridge,
			storage: storage,
			network: opts.Network,
		},
		hostVersion:       opts.HostVersion,
		activationTimeout: timeout,
		logger:            logger.Named("registry").With("scope", manager.Scope()),
		loaded:            make(map[string]Module),
		entries:           make(map[string]*RuntimeEntry),
		bindings:          make(map[string]*DomainBinding),
	}
}

// ValidateVersion performs a real load probe of an installed version
// without committing any state change or binding. The probe module is
// closed immediately; its activation hook is not run.
func (r *Registry) ValidateVersion(ctx context.Context, pluginID, version string) error {
	entry, err := r.resolver.ResolveVersion(r.scope, pluginID, version)
	if err != nil {
		return errors.Wrapf(err, "resolve %s@%s", pluginID, version)
	}
	if err := r.checkHostVersion(entry); err != nil {
		return err
	}

	mod, err := r.loader.Load(ctx, entry, r.providerFor(entry))
	if err != nil {
		return errors.Wrapf(err, "load probe of %s@%s", pluginID, version)
	}
	if err := mod.Close(ctx); err != nil {
		r.logger.Warnw("Probe module close failed",
			"plugin", pluginID,
			"version", version,
			"error", err,
		)
	}
	return nil
}

// Reload unloads any bound module for the plugin and loads, activates,
// and binds the current installed version.
func (r *Registry) Reload(ctx context.Context, pluginID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.disposed {
		return errors.New("registry disposed")
	}
	return r.reloadLocked(ctx, pluginID)
}

// Disable unloads the plugin's module and drops its domain bindings.
// Unloading a plugin that is not loaded is a no-op.
func (r *Registry) Disable(ctx context.Context, pluginID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.unloadLocked(ctx, pluginID)
	return nil
}

// EnsureLoaded reconciles the loaded module set against the lifecycle
// manager's state: plugins that gate as enabled but are not loaded get
// loaded; loaded modules whose backing state no longer gates as enabled
// (or whose current version changed underneath) get unloaded. A load
// failure is converted into SetFailed and never blocks the other
// plugins.
func (r *Registry) EnsureLoaded(ctx context.Context) {
	states := r.manager.ListInstalled()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.disposed {
		return
	}

	for _, st := range states {
		want := st.EffectivelyEnabled()
		mod, have := r.loaded[st.PluginID]

		switch {
		case want && have && mod.Version() == st.CurrentVersion:
			continue
		case want:
			if err := r.reloadLocked(ctx, st.PluginID); err != nil {
				r.logger.Errorw("Reconciliation load failed",
					"plugin", st.PluginID,
					"version", st.CurrentVersion,
					"error", err,
				)
				if _, ferr := r.manager.SetFailed(st.PluginID, err.Error()); ferr != nil {
					r.logger.Errorw("Failed to record plugin failure",
						"plugin", st.PluginID,
						"error", ferr,
					)
				}
			}
		case have:
			r.unloadLocked(ctx, st.PluginID)
		}
	}

	// Drop modules whose state record disappeared entirely (uninstall)
	known := make(map[string]bool, len(states))
	for _, st := range states {
		known[st.PluginID] = true
	}
	for id := range r.loaded {
		if !known[id] {
			r.unloadLocked(ctx, id)
		}
	}
}

// GetContextForDomain builds a fresh plugin context for the plugin
// currently bound to the domain.
func (r *Registry) GetContextForDomain(ctx context.Context, domain string) (*Context, error) {
	r.mu.RLock()
	binding, ok := r.bindings[domain]
	var entry *RuntimeEntry
	if ok {
		entry = r.entries[binding.PluginID]
	}
	r.mu.RUnlock()

	if !ok || entry == nil {
		return nil, errors.NewNotFoundError("no plugin bound for domain %s", domain)
	}
	return r.builder.build(ctx, entry)
}

// GetContextForPlugin builds a fresh plugin context for a loaded plugin.
func (r *Registry) GetContextForPlugin(ctx context.Context, pluginID string) (*Context, error) {
	r.mu.RLock()
	entry := r.entries[pluginID]
	r.mu.RUnlock()

	if entry == nil {
		return nil, errors.NewNotFoundError("plugin %s is not loaded", pluginID)
	}
	return r.builder.build(ctx, entry)
}

// Binding returns the current binding for a domain, if any.
func (r *Registry) Binding(domain string) (*DomainBinding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bindings[domain]
	return b, ok
}

// Bindings returns all current domain bindings sorted by domain.
func (r *Registry) Bindings() []*DomainBinding {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*DomainBinding, 0, len(r.bindings))
	for _, b := range r.bindings {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}

// Loaded reports whether a module is currently loaded for the plugin.
func (r *Registry) Loaded(pluginID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.loaded[pluginID]
	return ok
}

// Dispose unloads every module and renders the registry unusable. Called
// when the server scope is torn down (logout, account removal).
func (r *Registry) Dispose(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id := range r.loaded {
		r.unloadLocked(ctx, id)
	}
	r.disposed = true
}

func (r *Registry) reloadLocked(ctx context.Context, pluginID string) error {
	st, ok := r.manager.GetInstalledState(pluginID)
	if !ok {
		return errors.Wrapf(errors.ErrNotInstalled, "plugin %s", pluginID)
	}
	if st.CurrentVersion == "" {
		return errors.NewInvalidRequestError("reload %s: no current version selected", pluginID)
	}

	r.unloadLocked(ctx, pluginID)

	entry, err := r.resolver.ResolveVersion(r.scope, pluginID, st.CurrentVersion)
	if err != nil {
		return errors.Wrapf(err, "resolve %s@%s", pluginID, st.CurrentVersion)
	}
	if err := r.checkHostVersion(entry); err != nil {
		return err
	}

	mod, err := r.loader.Load(ctx, entry, r.providerFor(entry))
	if err != nil {
		return errors.Wrapf(err, "load %s@%s", pluginID, st.CurrentVersion)
	}

	if err := r.activate(ctx, mod, entry); err != nil {
		if cerr := mod.Close(ctx); cerr != nil {
			r.logger.Warnw("Module close after failed activation",
				"plugin", pluginID,
				"error", cerr,
			)
		}
		return err
	}

	r.bindLocked(mod, entry)
	r.loaded[pluginID] = mod
	r.entries[pluginID] = entry

	r.logger.Infow("Plugin module loaded",
		"plugin", pluginID,
		"version", entry.Version,
		"domains", len(entry.ProvidesDomains),
	)
	return nil
}

// activate runs the module's activation hook under the configured
// timeout. A timeout is an activation failure, not a hang.
func (r *Registry) activate(ctx context.Context, mod Module, entry *RuntimeEntry) error {
	actx, cancel := context.WithTimeout(ctx, r.activationTimeout)
	defer cancel()

	pctx, err := r.builder.build(actx, entry)
	if err != nil {
		return errors.Wrapf(err, "build context for %s", entry.PluginID)
	}

	if err := mod.Activate(actx, pctx); err != nil {
		if actx.Err() == context.DeadlineExceeded {
			return errors.Wrapf(errors.ErrTimeout, "activate %s@%s after %s", entry.PluginID, entry.Version, r.activationTimeout)
		}
		return errors.Wrapf(err, "activate %s@%s", entry.PluginID, entry.Version)
	}
	return nil
}

func (r *Registry) unloadLocked(ctx context.Context, pluginID string) {
	mod, ok := r.loaded[pluginID]
	if !ok {
		return
	}

	dctx, cancel := context.WithTimeout(ctx, r.activationTimeout)
	if err := mod.Deactivate(dctx); err != nil {
		r.logger.Warnw("Plugin deactivate hook failed",
			"plugin", pluginID,
			"error", err,
		)
	}
	cancel()

	if err := mod.Close(ctx); err != nil {
		r.logger.Warnw("Module close failed",
			"plugin", pluginID,
			"error", err,
		)
	}

	delete(r.loaded, pluginID)
	delete(r.entries, pluginID)
	for domain, b := range r.bindings {
		if b.PluginID == pluginID {
			delete(r.bindings, domain)
		}
	}
}

// bindLocked registers the module's domains. Last-registered-wins: a
// domain already bound by another enabled plugin is silently rebound,
// with a warning for diagnostics.
func (r *Registry) bindLocked(mod Module, entry *RuntimeEntry) {
	renderers := mod.Renderers()
	composers := mod.Composers()
	contracts := mod.Contracts()

	for _, dv := range entry.ProvidesDomains {
		if prev, ok := r.bindings[dv.Domain]; ok && prev.PluginID != entry.PluginID {
			r.logger.Warnw("Domain rebound to another plugin",
				"domain", dv.Domain,
				"previous", prev.PluginID,
				"new", entry.PluginID,
			)
		}

		binding := &DomainBinding{
			PluginID:      entry.PluginID,
			PluginVersion: entry.Version,
			Domain:        dv.Domain,
			DomainVersion: dv.Version,
			Renderer:      renderers[dv.Domain],
			Composer:      composers[dv.Domain],
		}
		for i := range contracts {
			if contracts[i].Domain == dv.Domain {
				binding.Contract = &contracts[i]
				break
			}
		}
		r.bindings[dv.Domain] = binding
	}
}

// checkHostVersion validates the entry's MinHostVersion constraint
// against the running client version. An empty constraint always passes.
func (r *Registry) checkHostVersion(entry *RuntimeEntry) error {
	if entry.MinHostVersion == "" {
		return nil
	}

	hostVer, err := semver.NewVersion(r.hostVersion)
	if err != nil {
		return errors.Wrapf(err, "invalid host version %s", r.hostVersion)
	}

	constraint, err := semver.NewConstraint(entry.MinHostVersion)
	if err != nil {
		return errors.Wrapf(err, "invalid host constraint %q in %s@%s", entry.MinHostVersion, entry.PluginID, entry.Version)
	}

	if !constraint.Check(hostVer) {
		return errors.Newf("plugin %s@%s requires host %s, but running %s", entry.PluginID, entry.Version, entry.MinHostVersion, r.hostVersion)
	}
	return nil
}

func (r *Registry) providerFor(entry *RuntimeEntry) ContextProvider {
	return func() (*Context, error) {
		return r.builder.build(context.Background(), entry)
	}
}
