// Package genericplugin provides two synthetic ingress.Handler
// implementations used where a spec-accurate reference plugin is needed but
// no real external system is in scope: a generic JSON webhook receiver, and
// a minimal "schedule-ping" plugin exercising the routine-evaluator's
// synthesized-dispatch pathway (§4.E).
package genericplugin

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/relaykit/orchestra/pkg/ingress"
	"github.com/relaykit/orchestra/pkg/models"
)

// WebhookPluginType is the registry key for the generic JSON webhook handler.
const WebhookPluginType = "genericwebhook"

// webhookConfig is the decrypted instance config shape for genericwebhook.
type webhookConfig struct {
	// IdempotencyHeader, if set, names an HTTP header the sender uses as a
	// delivery ID. Falls back to a content hash when absent or missing.
	IdempotencyHeader string `json:"idempotency_header"`
}

// WebhookHandler accepts arbitrary JSON payloads with minimal assumptions —
// a permissive reference implementation for plugin types that have no
// provider-specific wire format worth modeling.
type WebhookHandler struct{}

// NewWebhookHandler constructs the generic webhook handler.
func NewWebhookHandler() *WebhookHandler { return &WebhookHandler{} }

var _ ingress.Handler = (*WebhookHandler)(nil)

// PluginType implements ingress.Handler.
func (h *WebhookHandler) PluginType() string { return WebhookPluginType }

// ValidateConfig implements ingress.Handler. Any (possibly empty) JSON
// object is acceptable — genericwebhook has no required fields.
func (h *WebhookHandler) ValidateConfig(config []byte) error {
	if len(config) == 0 {
		return nil
	}
	var cfg webhookConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return fmt.Errorf("genericwebhook plugin: invalid instance config: %w", err)
	}
	return nil
}

// ParseWebhook implements ingress.Handler.
func (h *WebhookHandler) ParseWebhook(_ context.Context, instanceConfig []byte, req *ingress.Request) (*ingress.ParseResult, error) {
	var cfg webhookConfig
	if len(instanceConfig) > 0 {
		if err := json.Unmarshal(instanceConfig, &cfg); err != nil {
			return nil, fmt.Errorf("genericwebhook plugin: invalid instance config: %w", err)
		}
	}

	if len(req.RawBody) == 0 {
		return &ingress.ParseResult{ShouldProcess: false, SkipReason: "empty_body"}, nil
	}

	var parsed map[string]any
	if err := json.Unmarshal(req.RawBody, &parsed); err != nil {
		return nil, fmt.Errorf("genericwebhook plugin: payload is not valid JSON: %w", err)
	}

	title := "generic webhook"
	if t, ok := parsed["title"].(string); ok && t != "" {
		title = t
	}

	sessionKey := req.Path
	if sk, ok := parsed["session_key"].(string); ok && sk != "" {
		sessionKey = sk
	}

	idempotencyKey := ""
	if cfg.IdempotencyHeader != "" {
		if vals, ok := req.Headers[cfg.IdempotencyHeader]; ok && len(vals) > 0 {
			idempotencyKey = vals[0]
		}
	}
	if idempotencyKey == "" {
		sum := sha256.Sum256(req.RawBody)
		idempotencyKey = hex.EncodeToString(sum[:])
	}

	return &ingress.ParseResult{
		ShouldProcess: true,
		WorkItem: &models.WorkItem{
			SessionKey: sessionKey,
			Source:     WebhookPluginType,
			SourceRef:  req.Path,
			Title:      title,
			Payload:    req.RawBody,
		},
		IdempotencyKeys: []string{idempotencyKey},
		IngressEventID:  idempotencyKey,
	}, nil
}

// PostResponse implements ingress.Handler. genericwebhook has no outbound
// channel of its own — effects targeting it are a configuration error.
func (h *WebhookHandler) PostResponse(context.Context, []byte, string, []byte) (string, error) {
	return "", fmt.Errorf("genericwebhook plugin: does not support outbound effects")
}

// SchedulePluginType is the registry key for the schedule-ping reference plugin.
const SchedulePluginType = "schedule-ping"

// pingPayload is the trivial JSON body a scheduled or test-driven ping sends.
type pingPayload struct {
	PingID string `json:"ping_id"`
	Note   string `json:"note"`
}

// SchedulePingHandler is a minimal plugin used to exercise the routine
// evaluator's time/condition-triggered dispatch pathway end to end without
// depending on a real external system.
type SchedulePingHandler struct{}

// NewSchedulePingHandler constructs the schedule-ping handler.
func NewSchedulePingHandler() *SchedulePingHandler { return &SchedulePingHandler{} }

var _ ingress.Handler = (*SchedulePingHandler)(nil)

// PluginType implements ingress.Handler.
func (h *SchedulePingHandler) PluginType() string { return SchedulePluginType }

// ValidateConfig implements ingress.Handler — schedule-ping takes no config.
func (h *SchedulePingHandler) ValidateConfig([]byte) error { return nil }

// ParseWebhook implements ingress.Handler.
func (h *SchedulePingHandler) ParseWebhook(_ context.Context, _ []byte, req *ingress.Request) (*ingress.ParseResult, error) {
	var ping pingPayload
	if len(req.RawBody) > 0 {
		if err := json.Unmarshal(req.RawBody, &ping); err != nil {
			return nil, fmt.Errorf("schedule-ping plugin: invalid payload: %w", err)
		}
	}
	if ping.PingID == "" {
		return &ingress.ParseResult{ShouldProcess: false, SkipReason: "missing_ping_id"}, nil
	}

	return &ingress.ParseResult{
		ShouldProcess: true,
		WorkItem: &models.WorkItem{
			SessionKey: "schedule-ping:" + ping.PingID,
			Source:     SchedulePluginType,
			SourceRef:  ping.PingID,
			Title:      "schedule ping " + ping.PingID,
			Payload:    req.RawBody,
		},
		IdempotencyKeys: []string{ping.PingID},
		IngressEventID:  ping.PingID,
	}, nil
}

// PostResponse implements ingress.Handler as a no-op — schedule-ping has no
// outbound channel, it only proves the inbound pathway.
func (h *SchedulePingHandler) PostResponse(context.Context, []byte, string, []byte) (string, error) {
	return "", nil
}
