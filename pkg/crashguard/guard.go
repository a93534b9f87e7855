// Package crashguard implements the Crash Guard (§4.G): a per-plugin
// sliding-window failure tripwire that auto-disables a misbehaving plugin
// instance rather than letting it keep failing every hook dispatch it's
// wired into.
package crashguard

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sony/gobreaker"

	"github.com/relaykit/orchestra/pkg/config"
	"github.com/relaykit/orchestra/pkg/db"
	"github.com/relaykit/orchestra/pkg/models"
)

// Guard tracks one circuit breaker per plugin instance, each configured from
// the plugin type's CrashGuardConfig (window, threshold, cooldown,
// half-open probe count).
type Guard struct {
	cfg       *config.CrashGuardRegistry
	instances *db.PluginInstanceRepo
	events    *db.PluginEventRepo

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// New builds a Crash Guard backed by the given plugin-type policy registry
// and the repos it acts on (disabling an instance, recording the
// auto_disable audit event).
func New(cfg *config.CrashGuardRegistry, instances *db.PluginInstanceRepo, events *db.PluginEventRepo) *Guard {
	return &Guard{
		cfg:       cfg,
		instances: instances,
		events:    events,
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
	}
}

// RecordFailure appends a failure for pluginID (of the given plugin type)
// to its sliding window. Tripping the breaker auto-disables the instance in
// the DB and emits an auto_disable event; per §4.G, a fresh window starts
// once the breaker is disabled since gobreaker clears its internal counts on
// every state transition.
func (g *Guard) RecordFailure(ctx context.Context, pluginID, pluginType, reason string) {
	g.observe(ctx, pluginID, pluginType, fmt.Errorf("%s", reason))
}

// RecordSuccess clears pluginID's failure window.
func (g *Guard) RecordSuccess(ctx context.Context, pluginID, pluginType string) {
	g.observe(ctx, pluginID, pluginType, nil)
}

func (g *Guard) observe(ctx context.Context, pluginID, pluginType string, failure error) {
	cb := g.breakerFor(ctx, pluginID, pluginType)
	_, _ = cb.Execute(func() (any, error) {
		return nil, failure
	})
}

// breakerFor lazily creates pluginID's circuit breaker, wiring its
// ReadyToTrip/OnStateChange against the plugin type's configured window,
// threshold, cooldown, and half-open probe count.
func (g *Guard) breakerFor(ctx context.Context, pluginID, pluginType string) *gobreaker.CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	if cb, ok := g.breakers[pluginID]; ok {
		return cb
	}

	policy := g.cfg.Get(pluginType)
	threshold := uint32(policy.FailureThreshold)

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        pluginID,
		MaxRequests: uint32(policy.HalfOpenProbes),
		Interval:    policy.Window,
		Timeout:     policy.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			if to != gobreaker.StateOpen {
				return
			}
			g.autoDisable(context.WithoutCancel(ctx), pluginID, pluginType)
		},
	})
	g.breakers[pluginID] = cb
	return cb
}

func (g *Guard) autoDisable(ctx context.Context, pluginID, pluginType string) {
	if err := g.instances.SetEnabled(ctx, pluginID, false); err != nil {
		slog.Error("crash guard: failed to disable plugin instance", "plugin_instance_id", pluginID, "error", err)
	}

	detail, _ := json.Marshal(map[string]string{"plugin_type": pluginType, "reason": "failure threshold exceeded"})
	if err := g.events.Record(ctx, &models.PluginEvent{
		PluginID:   pluginID,
		Kind:       models.EventAutoDisable,
		Status:     "disabled",
		DetailJSON: detail,
	}); err != nil {
		slog.Error("crash guard: failed to record auto_disable event", "plugin_instance_id", pluginID, "error", err)
	}
	slog.Warn("crash guard: plugin instance auto-disabled", "plugin_instance_id", pluginID, "plugin_type", pluginType)
}

// Reset is the operator re-enable path (§4.G: "Operator re-enable resets the
// disabled flag"). It re-enables the instance in the DB and discards the
// breaker so the plugin starts its next failure window from a clean slate.
func (g *Guard) Reset(ctx context.Context, pluginID string) error {
	g.mu.Lock()
	delete(g.breakers, pluginID)
	g.mu.Unlock()

	return g.instances.SetEnabled(ctx, pluginID, true)
}

// Allow reports whether pluginID's breaker currently permits a call —
// hooks.Dispatcher consults this before invoking a handler so an
// already-tripped plugin is skipped rather than invoked and failed again.
func (g *Guard) Allow(pluginID, _ string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	cb, ok := g.breakers[pluginID]
	if !ok {
		return true
	}
	return cb.State() != gobreaker.StateOpen
}
