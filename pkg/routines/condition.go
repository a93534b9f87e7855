package routines

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/relaykit/orchestra/pkg/db"
)

// Probe evaluates a condition-triggered routine's config against live state
// and reports whether the routine should fire (§4.E: "a probe (e.g., 'stale
// PRs > N') is evaluated on cron tick against its config").
type Probe func(ctx context.Context, config []byte) (bool, string, error)

// ProbeRegistry maps a routine's condition_probe name to its implementation.
type ProbeRegistry struct {
	probes map[string]Probe
}

// NewProbeRegistry builds a registry from named probes.
func NewProbeRegistry(probes map[string]Probe) *ProbeRegistry {
	return &ProbeRegistry{probes: probes}
}

// Get returns the probe registered under name, or false if none is.
func (r *ProbeRegistry) Get(name string) (Probe, bool) {
	p, ok := r.probes[name]
	return p, ok
}

// staleOpenConfig is the condition_config shape for the "stale_open_items"
// built-in probe.
type staleOpenConfig struct {
	SessionPrefix string `json:"sessionPrefix"`
	OlderThanMins int    `json:"olderThanMinutes"`
	Threshold     int    `json:"threshold"`
}

// NewStaleOpenItemsProbe builds the built-in "stale_open_items" probe: true
// when more than Threshold work items matching SessionPrefix have sat open
// longer than OlderThanMinutes — the generalized form of "stale PRs > N"
// over whatever a plugin's WorkItems represent.
func NewStaleOpenItemsProbe(workItems *db.WorkItemRepo) Probe {
	return func(ctx context.Context, configJSON []byte) (bool, string, error) {
		var cfg staleOpenConfig
		if err := json.Unmarshal(configJSON, &cfg); err != nil {
			return false, "", fmt.Errorf("unmarshal stale_open_items config: %w", err)
		}
		if cfg.OlderThanMins <= 0 || cfg.Threshold < 0 {
			return false, "", fmt.Errorf("stale_open_items config: olderThanMinutes must be positive and threshold non-negative")
		}

		cutoff := time.Now().UTC().Add(-time.Duration(cfg.OlderThanMins) * time.Minute)
		count, err := workItems.CountStaleOpen(ctx, cfg.SessionPrefix, cutoff)
		if err != nil {
			return false, "", fmt.Errorf("stale_open_items probe: %w", err)
		}

		fired := count > cfg.Threshold
		reason := fmt.Sprintf("%d open item(s) older than %dm (threshold %d)", count, cfg.OlderThanMins, cfg.Threshold)
		return fired, reason, nil
	}
}
