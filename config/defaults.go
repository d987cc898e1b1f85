package config

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "carrypigeon.db")

	// Bridge defaults
	v.SetDefault("bridge.url", "ws://127.0.0.1:8790/plugin-bridge")
	v.SetDefault("bridge.handshake_timeout_seconds", 10)

	// Plugin subsystem defaults
	v.SetDefault("plugins.dir", "~/.carrypigeon/plugins")
	v.SetDefault("plugins.activation_timeout_seconds", 30) // Bound activate/deactivate hooks
	v.SetDefault("plugins.network_requests_per_minute", 60)
	v.SetDefault("plugins.progress_clear_seconds", 5)

	// Catalog defaults
	v.SetDefault("catalog.url", "")
	v.SetDefault("catalog.timeout_seconds", 30)
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("catalog.url", "CARRYPIGEON_CATALOG_URL")
	v.BindEnv("bridge.url", "CARRYPIGEON_BRIDGE_URL")
}
