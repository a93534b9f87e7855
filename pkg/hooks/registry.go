package hooks

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds every plugin's hook registrations in memory, pre-sortable
// per hook point for pipeline construction — the same in-memory,
// thread-safe-map shape config.HookRegistry uses for static configuration,
// generalized here to runtime plugin registrations.
type Registry struct {
	mu   sync.RWMutex
	byHook map[Name][]*entry
	seq  int
}

type entry struct {
	reg   *Registration
	order int
}

// NewRegistry creates an empty hook registry.
func NewRegistry() *Registry {
	return &Registry{byHook: make(map[Name][]*entry)}
}

// Register adds a plugin's binding to a hook point. Rejects hook names
// outside the closed vocabulary (§4.F).
func (r *Registry) Register(reg *Registration) error {
	if !Valid(reg.HookName) {
		return fmt.Errorf("hooks: unknown hook name %q", reg.HookName)
	}
	if reg.Handler == nil {
		return fmt.Errorf("hooks: registration for %q/%q has a nil handler", reg.PluginID, reg.HookName)
	}
	if reg.FailPolicy == "" {
		reg.FailPolicy = FailOpen
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	r.byHook[reg.HookName] = append(r.byHook[reg.HookName], &entry{reg: reg, order: r.seq})
	return nil
}

// Unregister drops every registration a plugin holds for a hook point —
// used when a plugin instance is disabled or unloaded.
func (r *Registry) Unregister(pluginID string, hookName Name) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := r.byHook[hookName]
	kept := entries[:0]
	for _, e := range entries {
		if e.reg.PluginID != pluginID {
			kept = append(kept, e)
		}
	}
	r.byHook[hookName] = kept
}

// OrderedFor returns a hook point's registrations sorted by descending
// priority, ties broken by plugin ID lexicographically and then by
// registration order (§4.F: "Ties broken by pluginId lexicographically,
// then registration order").
func (r *Registry) OrderedFor(hookName Name) []*Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]*entry, len(r.byHook[hookName]))
	copy(entries, r.byHook[hookName])
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.reg.Priority != b.reg.Priority {
			return a.reg.Priority > b.reg.Priority
		}
		if a.reg.PluginID != b.reg.PluginID {
			return a.reg.PluginID < b.reg.PluginID
		}
		return a.order < b.order
	})

	out := make([]*Registration, len(entries))
	for i, e := range entries {
		out[i] = e.reg
	}
	return out
}
