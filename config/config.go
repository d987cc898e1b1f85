// Package config loads CarryPigeon Desktop configuration from
// carrypigeon.toml files and CARRYPIGEON_* environment variables.
package config

// Config represents the desktop client configuration consumed by the
// plugin subsystem.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Bridge   BridgeConfig   `mapstructure:"bridge"`
	Plugins  PluginsConfig  `mapstructure:"plugins"`
	Catalog  CatalogConfig  `mapstructure:"catalog"`
}

// DatabaseConfig configures the SQLite database that holds installed
// plugin state and plugin key/value storage.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// BridgeConfig configures the WebSocket connection to the chat core.
type BridgeConfig struct {
	URL                     string `mapstructure:"url"`
	HandshakeTimeoutSeconds int    `mapstructure:"handshake_timeout_seconds"`
}

// PluginsConfig configures the plugin lifecycle subsystem.
type PluginsConfig struct {
	// Dir is the root directory for unpacked plugin artifacts,
	// laid out as <dir>/<server-scope>/<plugin-id>/<version>/
	Dir string `mapstructure:"dir"`

	// ActivationTimeoutSeconds bounds each activate/deactivate hook call.
	// A hook that exceeds it is treated as an activation failure.
	ActivationTimeoutSeconds int `mapstructure:"activation_timeout_seconds"`

	// NetworkRequestsPerMinute rate-limits the network capability handed
	// to plugins that declared the "network" permission
	NetworkRequestsPerMinute int `mapstructure:"network_requests_per_minute"`

	// ProgressClearSeconds is how long terminal progress events remain
	// observable before being cleared
	ProgressClearSeconds int `mapstructure:"progress_clear_seconds"`
}

// CatalogConfig configures retrieval of the plugin catalog.
type CatalogConfig struct {
	URL            string `mapstructure:"url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}
