// Package plugin implements the plugin lifecycle manager and runtime
// registry for CarryPigeon Desktop.
//
// A plugin is a versioned, independently enable/disable-able extension
// module scoped to a server identity. The same plugin id can have
// independent installed versions per server. The lifecycle manager owns
// the durable per-scope state; the registry owns the loaded executable
// modules and the domain bindings built from them; the orchestrator
// sequences the two so that version switches and enables are atomic
// from the caller's perspective, with automatic rollback on failure.
package plugin

// Status of an installed plugin.
type Status string

const (
	// StatusOK means the plugin's last runtime interaction succeeded
	StatusOK Status = "ok"
	// StatusFailed means the last runtime interaction failed; recoverable
	// via ClearError, Rollback, or Uninstall, never auto-retried
	StatusFailed Status = "failed"
)

// Stage identifies a step of one lifecycle operation, for transient
// progress reporting. Stages are ordered per operation, not globally.
type Stage string

const (
	StageSelectVersion   Stage = "select_version"
	StageConfirm         Stage = "confirm"
	StageCheckingUpdates Stage = "checking_updates"
	StageDownloading     Stage = "downloading"
	StageVerifyingSHA256 Stage = "verifying_sha256"
	StageUnpacking       Stage = "unpacking"
	StageSwitching       Stage = "switching"
	StageRollingBack     Stage = "rolling_back"
	StageInstalled       Stage = "installed"
	StageEnabling        Stage = "enabling"
	StageEnabled         Stage = "enabled"
	StageFailed          Stage = "failed"
)

// InstalledState is the durable record for one (server scope, plugin id).
type InstalledState struct {
	PluginID string `json:"plugin_id"`

	// InstalledVersions grows only via successful installs.
	// Insertion order is install order.
	InstalledVersions []string `json:"installed_versions"`

	// CurrentVersion is the active version, or "" for none. A plugin
	// with no current version gates as not-installed even if
	// InstalledVersions is non-empty.
	CurrentVersion string `json:"current_version"`

	Enabled   bool   `json:"enabled"`
	Status    Status `json:"status"`
	LastError string `json:"last_error"`
}

// HasVersion reports whether v is in the installed set.
func (s *InstalledState) HasVersion(v string) bool {
	for _, iv := range s.InstalledVersions {
		if iv == v {
			return true
		}
	}
	return false
}

// Installed reports whether the plugin has a current version.
func (s *InstalledState) Installed() bool {
	return s.CurrentVersion != ""
}

// EffectivelyEnabled is the gating predicate: the plugin counts as
// enabled only when the enabled flag is set, the status is ok, and a
// current version exists. The raw Enabled flag survives a SetFailed so
// that ClearError can restore the pre-failure state.
func (s *InstalledState) EffectivelyEnabled() bool {
	return s.Enabled && s.Status == StatusOK && s.CurrentVersion != ""
}

// Clone returns a deep copy. The lifecycle manager hands out clones so
// callers can never mutate owned state.
func (s *InstalledState) Clone() *InstalledState {
	if s == nil {
		return nil
	}
	c := *s
	c.InstalledVersions = append([]string(nil), s.InstalledVersions...)
	return &c
}

// Progress is a transient report for one lifecycle operation. It is not
// persisted and is cleared shortly after terminal stages.
type Progress struct {
	OperationID string `json:"operation_id"`
	PluginID    string `json:"plugin_id"`
	Stage       Stage  `json:"stage"`
	Percent     int    `json:"percent"`
	Message     string `json:"message"`
}

// Terminal reports whether the stage ends an operation.
func (p Progress) Terminal() bool {
	switch p.Stage {
	case StageInstalled, StageEnabled, StageFailed:
		return true
	}
	return false
}

// DomainVersion pairs a message-domain identifier with the version of
// the wire contract the plugin speaks for it.
type DomainVersion struct {
	Domain  string `json:"domain" toml:"domain"`
	Version string `json:"version" toml:"version"`
}

// RuntimeEntry is the resolved, loadable reference for one installed
// plugin version. Immutable per (plugin id, version).
type RuntimeEntry struct {
	ServerScope     string
	PluginID        string
	Version         string
	EntryLocator    string // path the loader resolves to the executable module
	Permissions     []string
	ProvidesDomains []DomainVersion
	MinHostVersion  string // semver constraint on the host, "" for none
}

// HasPermission reports whether the entry declared the named permission.
func (e *RuntimeEntry) HasPermission(name string) bool {
	for _, p := range e.Permissions {
		if p == name {
			return true
		}
	}
	return false
}

// WireContract describes the payload schema a plugin speaks for a domain.
type WireContract struct {
	Domain  string `json:"domain"`
	Version string `json:"version"`
	Schema  string `json:"schema"`
}

// DomainBinding maps a domain identifier to the enabled plugin currently
// serving it. At most one binding per domain per server scope;
// registration is last-write-wins.
type DomainBinding struct {
	PluginID      string
	PluginVersion string
	Domain        string
	DomainVersion string
	Renderer      Renderer // nil if the module exports none for this domain
	Composer      Composer // nil if the module exports none for this domain
	Contract      *WireContract
}
