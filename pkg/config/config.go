package config

// Config is the umbrella configuration object that encapsulates all
// registries, defaults, and configuration state.
// This is the primary object returned by Initialize() and used throughout the application.
type Config struct {
	configDir string // Configuration directory path (for reference)

	// System-wide defaults
	Defaults *Defaults

	// Ingress tunables and plugin type registry
	Ingress     *IngressConfig
	PluginTypes *PluginTypeRegistry

	// Dispatch worker pool configuration
	Dispatch *DispatchConfig

	// Per-channel effect outbox configuration
	Outbox *OutboxChannelRegistry

	// Routine evaluator configuration
	Routines *RoutinesConfig

	// Hook pipeline registry
	Hooks *HookRegistry

	// Crash Guard per-plugin-type configuration
	CrashGuard *CrashGuardRegistry
}

// Initialize is defined in loader.go

// ConfigStats contains statistics about loaded configuration
type ConfigStats struct {
	PluginTypes int
	Hooks       int
}

// Stats returns configuration statistics for logging/monitoring
func (c *Config) Stats() ConfigStats {
	return ConfigStats{
		PluginTypes: c.PluginTypes.Len(),
		Hooks:       c.Hooks.Len(),
	}
}

// ConfigDir returns the configuration directory path
func (c *Config) ConfigDir() string {
	return c.configDir
}

// GetPluginType retrieves a plugin type configuration by name.
// This is a convenience method that wraps PluginTypeRegistry.Get().
func (c *Config) GetPluginType(name string) (*PluginTypeConfig, error) {
	return c.PluginTypes.Get(name)
}

// GetOutboxChannel retrieves a channel's outbox configuration, falling back
// to the built-in defaults if the channel has no explicit entry.
// This is a convenience method that wraps OutboxChannelRegistry.Get().
func (c *Config) GetOutboxChannel(channel string) *OutboxChannelConfig {
	return c.Outbox.Get(channel)
}

// GetCrashGuard retrieves a plugin type's Crash Guard configuration.
// This is a convenience method that wraps CrashGuardRegistry.Get().
func (c *Config) GetCrashGuard(pluginType string) *CrashGuardConfig {
	return c.CrashGuard.Get(pluginType)
}
