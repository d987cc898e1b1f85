package plugin

import (
	"context"
)

// ArtifactProvider fetches, verifies, and unpacks plugin artifacts. It
// must verify integrity (sha256) before reporting success and must never
// report partial success: on error the version directory does not exist.
// The returned state reflects the on-disk installed versions only; the
// lifecycle manager owns current-version and enabled flags.
type ArtifactProvider interface {
	Install(ctx context.Context, scope, pluginID, version string) (*InstalledState, error)
	InstallFromURL(ctx context.Context, scope, pluginID, version, url, sha256 string) (*InstalledState, error)

	// Remove deletes all artifacts for the plugin in this scope.
	Remove(scope, pluginID string) error
}

// EntryResolver resolves the runtime entry for an installed version
// without mutating any state. Returns errors.ErrVersionNotInstalled if
// the version directory or manifest is missing.
type EntryResolver interface {
	ResolveVersion(scope, pluginID, version string) (*RuntimeEntry, error)
}

// ContextProvider builds a fresh Context for a host-to-plugin call.
// Called on every capability invocation, never cached, so channel id
// and user id are always read live.
type ContextProvider func() (*Context, error)

// Loader fetches and instantiates the executable module behind a
// runtime entry. Each Load returns an independent module instance;
// repeated loads never share mutable module state.
type Loader interface {
	Load(ctx context.Context, entry *RuntimeEntry, provider ContextProvider) (Module, error)
}

// Module is a loaded plugin executable with its exports normalized.
// Absent or malformed exports degrade to empty maps rather than errors.
// Replaced wholesale on reload, never mutated in place.
type Module interface {
	PluginID() string
	Version() string
	Permissions() []string
	ProvidesDomains() []DomainVersion

	// Renderers and Composers are keyed by domain identifier.
	Renderers() map[string]Renderer
	Composers() map[string]Composer
	Contracts() []WireContract

	// Activate runs the module's activation hook if it exports one.
	// The passed context carries the activation timeout.
	Activate(ctx context.Context, pctx *Context) error

	// Deactivate runs the module's deactivation hook if it exports one.
	Deactivate(ctx context.Context) error

	// Close releases the module instance and its runtime resources.
	Close(ctx context.Context) error
}

// Renderer renders a raw wire payload of a domain into display content.
type Renderer interface {
	Render(ctx context.Context, payload []byte) (string, error)
}

// Composer builds a wire payload for a domain from user input.
type Composer interface {
	Compose(ctx context.Context, input []byte) ([]byte, error)
}

// HostBridge is the narrow interface the chat layer exposes to the
// plugin subsystem: current channel, current user, locale, send-message.
type HostBridge interface {
	CurrentChannelID(ctx context.Context) (string, error)
	CurrentUserID(ctx context.Context) (string, error)
	Locale() string
	SendMessage(ctx context.Context, payload []byte) error
}

// StateStore persists installed plugin state per server scope.
type StateStore interface {
	Save(scope string, state *InstalledState) error
	Delete(scope, pluginID string) error
	List(scope string) ([]*InstalledState, error)
}

// KVStorage is the storage capability handed to plugins, namespaced per
// (server scope, plugin id).
type KVStorage interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// StorageFactory produces namespaced KV storage for plugin contexts.
type StorageFactory interface {
	Namespace(scope, pluginID string) KVStorage
}

// RuntimeOps is the runtime capability set the orchestrator sequences
// lifecycle mutations with. The registry is the production
// implementation; tests substitute fakes.
type RuntimeOps interface {
	// ValidateVersion performs a real load-and-resolve probe of an
	// installed version without committing any state change. It must
	// fail loudly if the module cannot be instantiated.
	ValidateVersion(ctx context.Context, pluginID, version string) error

	// Reload disables then enables the currently bound version.
	Reload(ctx context.Context, pluginID string) error

	// Disable unloads the module and drops its domain bindings.
	Disable(ctx context.Context, pluginID string) error
}

// ProgressSink receives transient progress events from lifecycle
// operations.
type ProgressSink interface {
	Publish(p Progress)
}
