package ingress

import (
	"context"
	"fmt"
	"sync"

	"github.com/relaykit/orchestra/pkg/models"
)

// ParseResult is a plugin handler's verdict on one inbound webhook request,
// returned from Handler.ParseWebhook (§4.A).
type ParseResult struct {
	// ShouldProcess reports whether the request should become a WorkItem at
	// all. Handlers return false for things like Slack's url_verification
	// challenge, which needs a synchronous WebhookResponse but no work item.
	ShouldProcess bool

	// WorkItem is the draft row to persist when ShouldProcess is true. ID,
	// CreatedAt, UpdatedAt, and Status are filled in by the router.
	WorkItem *models.WorkItem

	// IdempotencyKeys are candidate dedup keys, in preference order (e.g.
	// provider delivery ID, then a content hash fallback).
	IdempotencyKeys []string

	// IngressEventID is the handler's own identifier for this request. The
	// router uses it as the only dedup key when IdempotencyKeys normalizes to
	// empty, and otherwise does not store it.
	IngressEventID string

	// ResponseContext carries handler-specific data the dispatcher later
	// needs to reply on the same channel/thread (e.g. a Slack channel+ts).
	ResponseContext []byte

	// WebhookResponse, when non-nil, is written back synchronously instead
	// of the router's default 200 JSON body (e.g. Slack's plaintext
	// challenge echo).
	WebhookResponse *WebhookResponse

	// Actor is the human or system identity the handler attributes the
	// event to, when the payload carries one.
	Actor *Actor

	// SkipReason is set when ShouldProcess is false, naming why, from the
	// closed skipped(...) vocabulary (§4.A).
	SkipReason string
}

// WebhookResponse is a synchronous reply a handler wants written verbatim
// instead of the router's standard acknowledgement body.
type WebhookResponse struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// Actor identifies who or what triggered an inbound event.
type Actor struct {
	Kind   string // "user", "bot", "system"
	Handle string
}

// Request is the router's transport-agnostic view of an inbound webhook,
// built by the HTTP layer from the echo request before delegating to ingress.
type Request struct {
	Method     string
	Path       string
	Headers    map[string][]string
	RawBody    []byte
	RemoteAddr string
}

// Handler parses one plugin type's webhook payloads into ParseResults. A
// handler must not block on network I/O beyond what's needed to validate
// the payload — side effects belong in the Effect Outbox, not here.
type Handler interface {
	// PluginType is the registry key this handler answers for (e.g. "slack").
	PluginType() string

	// ValidateConfig checks a PluginInstance.Config blob (already decrypted)
	// is well-formed for this plugin type, before the instance is enabled.
	ValidateConfig(config []byte) error

	// ParseWebhook interprets one inbound request against a specific
	// instance's (decrypted) config.
	ParseWebhook(ctx context.Context, instanceConfig []byte, req *Request) (*ParseResult, error)

	// PostResponse delivers an outbound effect for this plugin type (used by
	// the Effect Outbox, §4.D) — e.g. posting a Slack message. channel
	// identifies the outbox channel this handler is answering for, so a
	// single handler can serve more than one (e.g. "slack" and
	// "slack.thread_reply").
	PostResponse(ctx context.Context, instanceConfig []byte, channel string, payload []byte) (providerRef string, err error)
}

// Registry holds Handlers keyed by plugin type, mirroring the teacher's
// AgentRegistry/ChainRegistry construction idiom in pkg/config (defensive
// copy on read, RWMutex-guarded map) but over a behavior interface instead
// of a config struct.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry builds a Registry from a set of handlers, keyed by their own
// PluginType(). Panics on duplicate plugin types — a programmer error, not
// a runtime condition.
func NewRegistry(handlers ...Handler) *Registry {
	r := &Registry{handlers: make(map[string]Handler, len(handlers))}
	for _, h := range handlers {
		pt := h.PluginType()
		if _, exists := r.handlers[pt]; exists {
			panic(fmt.Sprintf("ingress: duplicate handler registered for plugin type %q", pt))
		}
		r.handlers[pt] = h
	}
	return r
}

// Get returns the handler for pluginType, or false if none is registered.
func (r *Registry) Get(pluginType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[pluginType]
	return h, ok
}

// Has reports whether pluginType has a registered handler.
func (r *Registry) Has(pluginType string) bool {
	_, ok := r.Get(pluginType)
	return ok
}

// Len returns the number of registered plugin types.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}
