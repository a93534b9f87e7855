// Package ingress implements the webhook entry point described in §4.A:
// one HTTP-agnostic routeWebhook operation that resolves a plugin instance,
// decrypts its secret config fields, delegates payload parsing to a
// registered Handler, and de-duplicates the resulting WorkItem against
// idempotency keys before it ever reaches the Session Queue.
package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/relaykit/orchestra/pkg/config"
	"github.com/relaykit/orchestra/pkg/db"
	"github.com/relaykit/orchestra/pkg/masking"
	"github.com/relaykit/orchestra/pkg/models"
	"github.com/relaykit/orchestra/pkg/routines"
)

// Reason codes from §4.A's closed vocabulary.
const (
	ReasonAccepted              = "accepted"
	ReasonDuplicate             = "duplicate"
	ReasonShouldProcessFalse    = "should_process_false"
	ReasonNoWorkItem            = "no_work_item"
	ReasonInboundPolicyFiltered = "inbound_policy_filtered"
	ReasonBlockedByPluginHook   = "blocked_by_plugin_hook"
	ReasonInstanceDisabled      = "instance_disabled"
	ReasonPluginTypeMismatch    = "plugin_type_mismatch"
	ReasonUnknownPluginType     = "unknown_plugin_type"
	ReasonParseError            = "parse_error"
)

// Outcome is routeWebhook's result — enough for the HTTP layer to pick a
// status code and a JSON body without knowing any ingress internals.
type Outcome struct {
	StatusCode      int
	Duplicate       bool
	WorkItemID      string
	Reason          string
	WebhookResponse *WebhookResponse
}

// HookPayload is the context payload passed into a work_item lifecycle hook.
type HookPayload struct {
	WorkItemID string
	PluginID   string
	Data       map[string]any
}

// HookResult is a hook dispatch's verdict, per §4.F's action vocabulary
// restricted to the subset relevant to work_item.pre_create/post_create.
type HookResult struct {
	Blocked bool
	Data    map[string]any
}

// HookDispatcher fires a named hook and collects the chain's verdict. The
// Router holds it behind an interface so pkg/hooks can depend on pkg/ingress's
// types without pkg/ingress importing pkg/hooks back.
type HookDispatcher interface {
	Dispatch(ctx context.Context, hookName string, payload *HookPayload) (*HookResult, error)
}

// noopDispatcher fires no handlers and never blocks — used when a Router is
// built without a hook pipeline wired in (e.g. unit tests).
type noopDispatcher struct{}

func (noopDispatcher) Dispatch(context.Context, string, *HookPayload) (*HookResult, error) {
	return &HookResult{}, nil
}

// Router implements routeWebhook against durable storage.
type Router struct {
	registry      *Registry
	instances     *db.PluginInstanceRepo
	workItems     *db.WorkItemRepo
	events        *db.PluginEventRepo
	routineEvents *db.EventQueueRepo
	pluginTypes   *config.PluginTypeRegistry
	decoder       masking.Decoder
	hooks         HookDispatcher
}

// Option configures a Router at construction time.
type Option func(*Router)

// WithHookDispatcher wires a hook pipeline into work_item.pre_create/
// post_create dispatch. Without one, hooks are a no-op (fail-open).
func WithHookDispatcher(d HookDispatcher) Option {
	return func(r *Router) { r.hooks = d }
}

// WithRoutineEvents wires the Routine Evaluator's event inbox so every
// newly created WorkItem is offered to event-triggered routines (§4.E's
// "event triggers produced by ingress writing to routine_event_queue").
// Without one, ingress never feeds the event-trigger stream.
func WithRoutineEvents(events *db.EventQueueRepo) Option {
	return func(r *Router) { r.routineEvents = events }
}

// NewRouter builds a Router. decoder resolves secret references on plugin
// instance config fields before a Handler ever sees them; pass
// masking.EnvDecoder{} for the default "env:VAR_NAME" scheme.
func NewRouter(
	registry *Registry,
	instances *db.PluginInstanceRepo,
	workItems *db.WorkItemRepo,
	events *db.PluginEventRepo,
	pluginTypes *config.PluginTypeRegistry,
	decoder masking.Decoder,
	opts ...Option,
) *Router {
	r := &Router{
		registry:    registry,
		instances:   instances,
		workItems:   workItems,
		events:      events,
		pluginTypes: pluginTypes,
		decoder:     decoder,
		hooks:       noopDispatcher{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RouteWebhook is §4.A's routeWebhook operation.
func (r *Router) RouteWebhook(ctx context.Context, pluginType, pluginInstanceID string, req *Request) (*Outcome, error) {
	handler, ok := r.registry.Get(pluginType)
	if !ok {
		r.recordIngress(ctx, "", pluginInstanceID, nil, ReasonUnknownPluginType)
		return &Outcome{StatusCode: 400, Reason: ReasonUnknownPluginType}, nil
	}

	instance, err := r.instances.Get(ctx, pluginInstanceID)
	if err != nil {
		if err == db.ErrNotFound {
			r.recordIngress(ctx, "", pluginInstanceID, nil, ReasonPluginTypeMismatch)
			return &Outcome{StatusCode: 400, Reason: ReasonPluginTypeMismatch}, nil
		}
		return nil, fmt.Errorf("ingress: lookup plugin instance: %w", err)
	}
	if instance.Type != pluginType {
		r.recordIngress(ctx, instance.ID, pluginInstanceID, nil, ReasonPluginTypeMismatch)
		return &Outcome{StatusCode: 400, Reason: ReasonPluginTypeMismatch}, nil
	}
	if !instance.Enabled {
		r.recordIngress(ctx, instance.ID, pluginInstanceID, nil, ReasonInstanceDisabled)
		return &Outcome{StatusCode: 200, Reason: ReasonInstanceDisabled}, nil
	}

	decodedConfig, err := r.decodeSecrets(instance.Config)
	if err != nil {
		return nil, fmt.Errorf("ingress: decode plugin instance secrets: %w", err)
	}

	result, err := handler.ParseWebhook(ctx, decodedConfig, req)
	if err != nil {
		r.recordIngress(ctx, instance.ID, pluginInstanceID, nil, ReasonParseError)
		return &Outcome{StatusCode: 500, Reason: ReasonParseError}, nil
	}

	if !result.ShouldProcess {
		reason := result.SkipReason
		if reason == "" {
			reason = ReasonShouldProcessFalse
		}
		r.recordIngress(ctx, instance.ID, pluginInstanceID, nil, reason)
		return &Outcome{StatusCode: 200, Reason: reason, WebhookResponse: result.WebhookResponse}, nil
	}
	if result.WorkItem == nil {
		r.recordIngress(ctx, instance.ID, pluginInstanceID, nil, ReasonNoWorkItem)
		return &Outcome{StatusCode: 200, Reason: ReasonNoWorkItem, WebhookResponse: result.WebhookResponse}, nil
	}

	keys := normalizeKeys(result.IdempotencyKeys)
	if len(keys) == 0 {
		// Fall back to the handler's own ingress event ID so every accepted
		// request still has at least one dedup key.
		keys = []string{result.IngressEventID}
	}

	item := result.WorkItem
	item.PluginInstanceID = instance.ID
	item.Payload = r.maskSensitiveFields(pluginType, item.Payload)

	if r.hooks != nil {
		hookResult, err := r.hooks.Dispatch(ctx, "work_item.pre_create", &HookPayload{
			PluginID: instance.ID,
			Data:     map[string]any{"source": item.Source, "title": item.Title},
		})
		if err != nil {
			slog.Warn("ingress: work_item.pre_create hook dispatch failed, continuing", "plugin_instance_id", instance.ID, "error", err)
		} else if hookResult.Blocked {
			r.recordIngress(ctx, instance.ID, pluginInstanceID, nil, ReasonBlockedByPluginHook)
			return &Outcome{StatusCode: 200, Reason: ReasonBlockedByPluginHook}, nil
		} else if title, ok := hookResult.Data["title"].(string); ok && title != "" {
			item.Title = title
		}
	}

	// CreateIdempotent checks the whole normalized key set for an existing
	// mapping before inserting, and binds every key to the new WorkItem in
	// the same transaction, so a re-delivery dedups on any of its keys
	// regardless of which one it presents first (§4.A steps 2-3).
	existing, created, err := r.workItems.CreateIdempotent(ctx, item, keys)
	if err != nil {
		return nil, fmt.Errorf("ingress: create work item: %w", err)
	}

	if !created {
		r.recordIngress(ctx, instance.ID, pluginInstanceID, &existing.ID, ReasonDuplicate)
		return &Outcome{StatusCode: 200, Duplicate: true, WorkItemID: existing.ID, Reason: ReasonDuplicate, WebhookResponse: result.WebhookResponse}, nil
	}

	r.recordIngress(ctx, instance.ID, pluginInstanceID, &existing.ID, ReasonAccepted)
	r.pushRoutineEvent(ctx, existing, pluginType, result.Actor)

	if r.hooks != nil {
		go func() {
			// fire-and-forget per §4.A's "After insert: fire-and-forget
			// work_item.post_create" — intentionally detached from the
			// request context.
			if _, err := r.hooks.Dispatch(context.Background(), "work_item.post_create", &HookPayload{
				WorkItemID: existing.ID,
				PluginID:   instance.ID,
			}); err != nil {
				slog.Warn("ingress: work_item.post_create hook dispatch failed", "work_item_id", existing.ID, "error", err)
			}
		}()
	}

	return &Outcome{StatusCode: 201, WorkItemID: existing.ID, Reason: ReasonAccepted, WebhookResponse: result.WebhookResponse}, nil
}

// maskSensitiveFields redacts a plugin type's configured SensitiveFields out
// of a WorkItem's payload before it's ever written to work_items. Unknown
// plugin types or ones with no sensitive fields configured pass through
// unchanged.
func (r *Router) maskSensitiveFields(pluginType string, payload []byte) []byte {
	if r.pluginTypes == nil || len(payload) == 0 {
		return payload
	}
	pt, err := r.pluginTypes.Get(pluginType)
	if err != nil || len(pt.SensitiveFields) == 0 {
		return payload
	}
	masker := masking.NewFieldMasker(pluginType, pt.SensitiveFields)
	return []byte(masker.Mask(string(payload)))
}

func (r *Router) recordIngress(ctx context.Context, pluginID, pluginInstanceIDFallback string, workItemID *string, reason string) {
	if r.events == nil {
		return
	}
	if pluginID == "" {
		pluginID = pluginInstanceIDFallback
	}
	detail, _ := json.Marshal(map[string]string{"reason": reason})
	err := r.events.Record(ctx, &models.PluginEvent{
		PluginID:   pluginID,
		Kind:       models.EventWebhookIngress,
		Status:     reason,
		WorkItemID: workItemID,
		DetailJSON: detail,
	})
	if err != nil {
		slog.Error("ingress: failed to record webhook_ingress audit event", "plugin_id", pluginID, "reason", reason, "error", err)
	}
}

// normalizeKeys trims, drops empties, and deduplicates while preserving
// order (§4.A idempotency algorithm step 1).
func normalizeKeys(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// pushRoutineEvent offers a newly created WorkItem to event-triggered
// routines as an envelope. Best-effort: a push failure is logged but never
// fails the webhook response, since the work item itself is already durable.
func (r *Router) pushRoutineEvent(ctx context.Context, item *models.WorkItem, pluginType string, actor *Actor) {
	if r.routineEvents == nil {
		return
	}

	env := routines.Envelope{
		EventID:          item.ID,
		Source:           item.Source,
		EventType:        pluginType,
		SourceRef:        item.SourceRef,
		SessionKey:       item.SessionKey,
		PluginInstanceID: item.PluginInstanceID,
		Status:           string(item.Status),
		Title:            item.Title,
		CreatedAt:        item.CreatedAt,
	}
	if actor != nil {
		env.ActorKind = actor.Kind
		env.ActorHandle = actor.Handle
	}

	envJSON, err := json.Marshal(env)
	if err != nil {
		slog.Warn("ingress: failed to marshal routine event envelope", "work_item_id", item.ID, "error", err)
		return
	}
	if _, err := r.routineEvents.Push(ctx, envJSON); err != nil {
		slog.Warn("ingress: failed to push routine event envelope", "work_item_id", item.ID, "error", err)
	}
}

// decodeSecrets walks a plugin instance's config JSON and resolves any
// string leaf the decoder recognizes as a secret reference (e.g.
// "env:SLACK_BOT_TOKEN") into its plaintext value. Non-reference strings —
// anything the decoder rejects as unsupported — pass through unchanged.
func (r *Router) decodeSecrets(raw []byte) ([]byte, error) {
	return masking.DecodeJSONSecrets(r.decoder, raw)
}
