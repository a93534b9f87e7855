package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/relaykit/orchestra/pkg/crashguard"
	"github.com/relaykit/orchestra/pkg/db"
	"github.com/relaykit/orchestra/pkg/models"
)

// DefaultBudgetMS is the per-invocation cumulative handler budget (§4.F).
const DefaultBudgetMS = 8000

// Dispatcher runs a hook point's registered chain under a cumulative budget,
// folding in Crash Guard notifications and an async audit receipt per
// handler — the runtime counterpart to config.HookRegistry's static
// priority ordering.
type Dispatcher struct {
	registry     *Registry
	events       *db.PluginEventRepo
	guard        *crashguard.Guard
	pluginTypeOf func(pluginID string) string
	budgetMS     int
}

// NewDispatcher builds a Dispatcher. pluginTypeOf resolves a plugin
// instance ID to its plugin type for Crash Guard policy lookup; a nil
// pluginTypeOf uses the instance ID itself as the type. A nil guard skips
// Crash Guard linkage entirely (e.g. in tests with no real instances).
func NewDispatcher(registry *Registry, events *db.PluginEventRepo, guard *crashguard.Guard, pluginTypeOf func(string) string, budgetMS int) *Dispatcher {
	if budgetMS <= 0 {
		budgetMS = DefaultBudgetMS
	}
	if pluginTypeOf == nil {
		pluginTypeOf = func(pluginID string) string { return pluginID }
	}
	return &Dispatcher{registry: registry, events: events, guard: guard, pluginTypeOf: pluginTypeOf, budgetMS: budgetMS}
}

// Dispatch runs hookName's ordered chain against payload, per §4.F steps 1-5.
func (d *Dispatcher) Dispatch(ctx context.Context, hookName Name, payload *Payload) (*DispatchResult, error) {
	chain := d.registry.OrderedFor(hookName)
	result := &DispatchResult{Data: cloneData(payload.Data)}
	remaining := time.Duration(d.budgetMS) * time.Millisecond

	for _, reg := range chain {
		if d.guard != nil && !d.guard.Allow(reg.PluginID, d.pluginTypeOf(reg.PluginID)) {
			d.appendReceipt(ctx, result, reg, StatusError, 0, fmt.Errorf("plugin instance disabled by crash guard"))
			if reg.FailPolicy == FailClosed {
				break
			}
			continue
		}

		if remaining <= 0 {
			d.appendReceipt(ctx, result, reg, StatusBudgetExceeded, 0, nil)
			if reg.FailPolicy == FailClosed {
				break
			}
			continue
		}

		effectiveTimeout := time.Duration(reg.TimeoutMs) * time.Millisecond
		if effectiveTimeout <= 0 || effectiveTimeout > remaining {
			effectiveTimeout = remaining
		}

		payload.Data = result.Data
		start := time.Now()
		res, err := d.invoke(ctx, reg, payload, effectiveTimeout)
		elapsed := time.Since(start)
		remaining -= elapsed

		switch {
		case err == context.DeadlineExceeded:
			d.appendReceipt(ctx, result, reg, StatusTimeout, elapsed.Milliseconds(), err)
			if d.guard != nil {
				d.guard.RecordFailure(ctx, reg.PluginID, d.pluginTypeOf(reg.PluginID), "timeout")
			}
			if reg.FailPolicy == FailClosed {
				return result, nil
			}
		case err != nil:
			d.appendReceipt(ctx, result, reg, StatusError, elapsed.Milliseconds(), err)
			if d.guard != nil {
				d.guard.RecordFailure(ctx, reg.PluginID, d.pluginTypeOf(reg.PluginID), err.Error())
			}
			if reg.FailPolicy == FailClosed {
				return result, nil
			}
		default:
			if d.guard != nil {
				d.guard.RecordSuccess(ctx, reg.PluginID, d.pluginTypeOf(reg.PluginID))
			}
			if res.Action == ActionBlock {
				d.appendReceipt(ctx, result, reg, StatusBlocked, elapsed.Milliseconds(), nil)
				result.Blocked = true
				return result, nil
			}
			d.appendReceipt(ctx, result, reg, StatusOK, elapsed.Milliseconds(), nil)
			mergeData(result.Data, res.Data)
		}
	}

	return result, nil
}

// invoke calls a handler under its effective timeout, translating a context
// deadline into context.DeadlineExceeded regardless of whether the handler
// itself honors cancellation promptly.
func (d *Dispatcher) invoke(ctx context.Context, reg *Registration, payload *Payload, timeout time.Duration) (*Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{nil, fmt.Errorf("handler panic: %v", r)}
			}
		}()
		res, err := reg.Handler(callCtx, payload)
		done <- outcome{res, err}
	}()

	select {
	case <-callCtx.Done():
		return nil, context.DeadlineExceeded
	case o := <-done:
		if o.err != nil {
			return nil, o.err
		}
		if o.res == nil {
			return &Result{Action: ActionContinue}, nil
		}
		return o.res, nil
	}
}

func (d *Dispatcher) appendReceipt(ctx context.Context, result *DispatchResult, reg *Registration, status Status, durationMs int64, err error) {
	receipt := Receipt{PluginID: reg.PluginID, HookName: reg.HookName, Status: status, DurationMs: durationMs}
	if err != nil {
		receipt.Error = err.Error()
	}
	result.Receipts = append(result.Receipts, receipt)

	if d.events == nil {
		return
	}
	detail, _ := json.Marshal(map[string]any{"status": status, "duration_ms": durationMs, "error": receipt.Error})
	go func() {
		recordErr := d.events.Record(context.WithoutCancel(ctx), &models.PluginEvent{
			PluginID:   reg.PluginID,
			Kind:       models.EventHook,
			Status:     string(status),
			DetailJSON: detail,
		})
		if recordErr != nil {
			slog.Error("hooks: failed to flush hook receipt to audit log", "plugin_id", reg.PluginID, "hook_name", reg.HookName, "error", recordErr)
		}
	}()
}

func cloneData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}

func mergeData(dst, src map[string]any) {
	for k, v := range src {
		dst[k] = v
	}
}
