package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// OrchestraYAMLConfig represents the complete orchestra.yaml file structure.
type OrchestraYAMLConfig struct {
	System      *SystemYAMLConfig              `yaml:"system"`
	PluginTypes map[string]PluginTypeConfig    `yaml:"plugin_types"`
	Ingress     *IngressConfig                 `yaml:"ingress"`
	Dispatch    *DispatchConfig                `yaml:"dispatch"`
	Outbox      map[string]OutboxChannelConfig `yaml:"outbox"`
	Routines    *RoutinesConfig                `yaml:"routines"`
	Hooks       map[string]HookConfig          `yaml:"hooks"`
	CrashGuard  map[string]CrashGuardConfig    `yaml:"crash_guard"`
	Defaults    *Defaults                      `yaml:"defaults"`
}

// SystemYAMLConfig groups system-wide infrastructure settings.
type SystemYAMLConfig struct {
	AllowedWSOrigins []string `yaml:"allowed_ws_origins"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load orchestra.yaml from configDir
//  2. Expand environment variables
//  3. Parse YAML into structs
//  4. Merge user-defined configuration on top of built-in defaults
//  5. Build in-memory registries
//  6. Validate all configuration
//  7. Return Config ready for use
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized successfully",
		"plugin_types", stats.PluginTypes,
		"hooks", stats.Hooks)

	return cfg, nil
}

// load is the internal loader (not exported)
func load(_ context.Context, configDir string) (*Config, error) {
	loader := &configLoader{configDir: configDir}

	yamlCfg, err := loader.loadOrchestraYAML()
	if err != nil {
		return nil, NewLoadError("orchestra.yaml", err)
	}

	// Build plugin type registry directly from YAML (no built-in set — every
	// plugin type must be explicitly configured).
	pluginTypes := make(map[string]*PluginTypeConfig, len(yamlCfg.PluginTypes))
	for name, pt := range yamlCfg.PluginTypes {
		pt := pt
		pluginTypes[name] = &pt
	}

	// Resolve ingress config (merge user YAML with built-in defaults).
	ingressCfg := DefaultIngressConfig()
	if yamlCfg.Ingress != nil {
		if err := mergo.Merge(ingressCfg, yamlCfg.Ingress, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge ingress config: %w", err)
		}
	}

	// Resolve dispatch config.
	dispatchCfg := DefaultDispatchConfig()
	if yamlCfg.Dispatch != nil {
		if err := mergo.Merge(dispatchCfg, yamlCfg.Dispatch, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge dispatch config: %w", err)
		}
	}

	// Resolve per-channel outbox configs, each merged against the built-in
	// per-channel defaults independently.
	outboxChannels := make(map[string]*OutboxChannelConfig, len(yamlCfg.Outbox))
	for channel, userCfg := range yamlCfg.Outbox {
		userCfg := userCfg
		merged := DefaultOutboxChannelConfig()
		if err := mergo.Merge(merged, &userCfg, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge outbox config for channel %q: %w", channel, err)
		}
		outboxChannels[channel] = merged
	}

	// Resolve routines config.
	routinesCfg := DefaultRoutinesConfig()
	if yamlCfg.Routines != nil {
		if err := mergo.Merge(routinesCfg, yamlCfg.Routines, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge routines config: %w", err)
		}
	}

	// Build hook registry directly from YAML.
	hooks := make(map[string]*HookConfig, len(yamlCfg.Hooks))
	for name, h := range yamlCfg.Hooks {
		h := h
		hooks[name] = &h
	}

	// Resolve per-plugin-type Crash Guard configs.
	crashGuard := make(map[string]*CrashGuardConfig, len(yamlCfg.CrashGuard))
	for pluginType, userCfg := range yamlCfg.CrashGuard {
		userCfg := userCfg
		merged := DefaultCrashGuardConfig()
		if err := mergo.Merge(merged, &userCfg, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge crash guard config for plugin type %q: %w", pluginType, err)
		}
		crashGuard[pluginType] = merged
	}

	// Resolve system-wide defaults.
	defaults := yamlCfg.Defaults
	if defaults == nil {
		defaults = &Defaults{}
	}
	if defaults.PayloadMasking == nil {
		defaults.PayloadMasking = &PayloadMaskingDefaults{
			Enabled:      true,
			PatternGroup: "security",
		}
	}
	if defaults.QueueMode == "" {
		defaults.QueueMode = "collect"
	}
	if defaults.HookEventBudgetMS == 0 {
		defaults.HookEventBudgetMS = 8000
	}

	return &Config{
		configDir:   configDir,
		Defaults:    defaults,
		Ingress:     ingressCfg,
		PluginTypes: NewPluginTypeRegistry(pluginTypes),
		Dispatch:    dispatchCfg,
		Outbox:      NewOutboxChannelRegistry(outboxChannels),
		Routines:    routinesCfg,
		Hooks:       NewHookRegistry(hooks),
		CrashGuard:  NewCrashGuardRegistry(crashGuard),
	}, nil
}

// validate performs comprehensive validation on loaded configuration
func validate(cfg *Config) error {
	validator := NewValidator(cfg)
	return validator.ValidateAll()
}

type configLoader struct {
	configDir string
}

func (l *configLoader) loadYAML(filename string, target any) error {
	path := filepath.Join(l.configDir, filename)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	// Expand ${VAR} and $VAR environment references (os.ExpandEnv); missing
	// variables expand to the empty string.
	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return nil
}

func (l *configLoader) loadOrchestraYAML() (*OrchestraYAMLConfig, error) {
	var cfg OrchestraYAMLConfig

	cfg.PluginTypes = make(map[string]PluginTypeConfig)
	cfg.Outbox = make(map[string]OutboxChannelConfig)
	cfg.Hooks = make(map[string]HookConfig)
	cfg.CrashGuard = make(map[string]CrashGuardConfig)

	if err := l.loadYAML("orchestra.yaml", &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
