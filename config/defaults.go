package config

import "github.com/spf13/viper"

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "gnosis.db")

	// Server defaults
	v.SetDefault("server.addr", ":8710")
	v.SetDefault("server.actor_header", "X-Gnosis-Actor")
	v.SetDefault("server.admin_header", "X-Gnosis-Admin")
	v.SetDefault("server.scopes_header", "X-Gnosis-Scopes")
	v.SetDefault("server.kind_header", "X-Gnosis-Kind")

	// Rate guard defaults: 60 requests per 60 second sliding window
	v.SetDefault("ratelimit.max_requests", 60)
	v.SetDefault("ratelimit.window_seconds", 60)
	// Process-wide flood guard, requests per second across all principals
	v.SetDefault("ratelimit.global_rps", 500.0)
}
