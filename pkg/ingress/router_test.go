package ingress_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/orchestra/pkg/config"
	"github.com/relaykit/orchestra/pkg/db"
	"github.com/relaykit/orchestra/pkg/ingress"
	"github.com/relaykit/orchestra/pkg/masking"
	"github.com/relaykit/orchestra/pkg/models"
	testdb "github.com/relaykit/orchestra/test/database"
)

// fakeHandler lets each test script a canned ParseResult/error without
// standing up a real plugin's wire format.
type fakeHandler struct {
	pluginType string
	result     *ingress.ParseResult
	err        error
}

func (h *fakeHandler) PluginType() string           { return h.pluginType }
func (h *fakeHandler) ValidateConfig(_ []byte) error { return nil }
func (h *fakeHandler) ParseWebhook(_ context.Context, _ []byte, _ *ingress.Request) (*ingress.ParseResult, error) {
	return h.result, h.err
}
func (h *fakeHandler) PostResponse(_ context.Context, _ []byte, _ string, _ []byte) (string, error) {
	return "", nil
}

func newRouter(t *testing.T, handler *fakeHandler, pluginTypes *config.PluginTypeRegistry) (*ingress.Router, *db.PluginInstanceRepo, *db.WorkItemRepo) {
	t.Helper()
	client := testdb.NewTestClient(t)
	instances := db.NewPluginInstanceRepo(client.DB())
	workItems := db.NewWorkItemRepo(client.DB())
	events := db.NewPluginEventRepo(client.DB())
	if pluginTypes == nil {
		pluginTypes = config.NewPluginTypeRegistry(map[string]*config.PluginTypeConfig{
			handler.pluginType: {Enabled: true},
		})
	}
	router := ingress.NewRouter(
		ingress.NewRegistry(handler),
		instances,
		workItems,
		events,
		pluginTypes,
		masking.EnvDecoder{},
	)
	return router, instances, workItems
}

func TestRouteWebhookUnknownPluginType(t *testing.T) {
	handler := &fakeHandler{pluginType: "slack"}
	router, _, _ := newRouter(t, handler, nil)

	outcome, err := router.RouteWebhook(context.Background(), "does-not-exist", "whatever", &ingress.Request{})
	require.NoError(t, err)
	assert.Equal(t, 400, outcome.StatusCode)
	assert.Equal(t, ingress.ReasonUnknownPluginType, outcome.Reason)
}

func TestRouteWebhookInstanceDisabled(t *testing.T) {
	handler := &fakeHandler{pluginType: "slack"}
	router, instances, _ := newRouter(t, handler, nil)

	inst := &models.PluginInstance{Type: "slack", Name: "disabled-workspace", Config: []byte(`{}`), Enabled: false}
	require.NoError(t, instances.Create(context.Background(), inst))

	outcome, err := router.RouteWebhook(context.Background(), "slack", inst.ID, &ingress.Request{})
	require.NoError(t, err)
	assert.Equal(t, 200, outcome.StatusCode)
	assert.Equal(t, ingress.ReasonInstanceDisabled, outcome.Reason)
}

func TestRouteWebhookPluginTypeMismatch(t *testing.T) {
	handler := &fakeHandler{pluginType: "slack"}
	router, instances, _ := newRouter(t, handler, nil)

	inst := &models.PluginInstance{Type: "github", Name: "repo", Config: []byte(`{}`), Enabled: true}
	require.NoError(t, instances.Create(context.Background(), inst))

	outcome, err := router.RouteWebhook(context.Background(), "slack", inst.ID, &ingress.Request{})
	require.NoError(t, err)
	assert.Equal(t, 400, outcome.StatusCode)
	assert.Equal(t, ingress.ReasonPluginTypeMismatch, outcome.Reason)
}

func TestRouteWebhookShouldProcessFalse(t *testing.T) {
	handler := &fakeHandler{
		pluginType: "slack",
		result:     &ingress.ParseResult{ShouldProcess: false, SkipReason: ingress.ReasonInboundPolicyFiltered},
	}
	router, instances, _ := newRouter(t, handler, nil)

	inst := &models.PluginInstance{Type: "slack", Name: "workspace", Config: []byte(`{}`), Enabled: true}
	require.NoError(t, instances.Create(context.Background(), inst))

	outcome, err := router.RouteWebhook(context.Background(), "slack", inst.ID, &ingress.Request{})
	require.NoError(t, err)
	assert.Equal(t, 200, outcome.StatusCode)
	assert.Equal(t, ingress.ReasonInboundPolicyFiltered, outcome.Reason)
}

func TestRouteWebhookAcceptsAndDedupsByIdempotencyKey(t *testing.T) {
	handler := &fakeHandler{
		pluginType: "slack",
		result: &ingress.ParseResult{
			ShouldProcess: true,
			WorkItem: &models.WorkItem{
				SessionKey: "C123:1700000000.000100",
				Source:     "slack",
				SourceRef:  "1700000000.000100",
				Title:      "message from Ann",
				Payload:    []byte(`{"user":{"email":"ann@example.com"},"text":"hello"}`),
			},
			IdempotencyKeys: []string{" evt-1 ", "evt-1", "evt-1-fallback"},
			IngressEventID:  "evt-1",
		},
	}
	pluginTypes := config.NewPluginTypeRegistry(map[string]*config.PluginTypeConfig{
		"slack": {Enabled: true, SensitiveFields: []string{"user.email"}},
	})
	router, instances, workItems := newRouter(t, handler, pluginTypes)

	inst := &models.PluginInstance{Type: "slack", Name: "workspace", Config: []byte(`{}`), Enabled: true}
	require.NoError(t, instances.Create(context.Background(), inst))

	outcome, err := router.RouteWebhook(context.Background(), "slack", inst.ID, &ingress.Request{})
	require.NoError(t, err)
	assert.Equal(t, 201, outcome.StatusCode)
	assert.Equal(t, ingress.ReasonAccepted, outcome.Reason)
	require.NotEmpty(t, outcome.WorkItemID)

	stored, err := workItems.Get(context.Background(), outcome.WorkItemID)
	require.NoError(t, err)
	assert.Contains(t, string(stored.Payload), `"[REDACTED]"`)
	assert.NotContains(t, string(stored.Payload), "ann@example.com")

	// A second delivery using any of the normalized keys dedups to the same
	// work item instead of creating a new one.
	second, err := router.RouteWebhook(context.Background(), "slack", inst.ID, &ingress.Request{})
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, outcome.WorkItemID, second.WorkItemID)
}

// TestRouteWebhookDedupsWhenReDeliveryLeadsWithNewAlias guards against
// checking only the first normalized key: a re-delivery that presents an
// alias the first request never carried, ahead of the key the first request
// did carry, must still resolve to the original work item.
func TestRouteWebhookDedupsWhenReDeliveryLeadsWithNewAlias(t *testing.T) {
	handler := &fakeHandler{
		pluginType: "slack",
		result: &ingress.ParseResult{
			ShouldProcess:   true,
			WorkItem:        &models.WorkItem{SessionKey: "k", Source: "slack", Payload: []byte(`{}`)},
			IdempotencyKeys: []string{"a"},
		},
	}
	router, instances, workItems := newRouter(t, handler, nil)

	inst := &models.PluginInstance{Type: "slack", Name: "workspace", Config: []byte(`{}`), Enabled: true}
	require.NoError(t, instances.Create(context.Background(), inst))

	first, err := router.RouteWebhook(context.Background(), "slack", inst.ID, &ingress.Request{})
	require.NoError(t, err)
	assert.Equal(t, 201, first.StatusCode)
	require.NotEmpty(t, first.WorkItemID)

	handler.result.IdempotencyKeys = []string{"b", "a"}
	second, err := router.RouteWebhook(context.Background(), "slack", inst.ID, &ingress.Request{})
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.WorkItemID, second.WorkItemID)

	all, err := workItems.CountStaleOpen(context.Background(), "k", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, all)
}

type blockingDispatcher struct{}

func (blockingDispatcher) Dispatch(_ context.Context, hookName string, _ *ingress.HookPayload) (*ingress.HookResult, error) {
	if hookName == "work_item.pre_create" {
		return &ingress.HookResult{Blocked: true}, nil
	}
	return &ingress.HookResult{}, nil
}

func TestRouteWebhookBlockedByPreCreateHook(t *testing.T) {
	handler := &fakeHandler{
		pluginType: "slack",
		result: &ingress.ParseResult{
			ShouldProcess:   true,
			WorkItem:        &models.WorkItem{SessionKey: "k", Source: "slack", Payload: []byte(`{}`)},
			IdempotencyKeys: []string{"evt-blocked"},
		},
	}
	client := testdb.NewTestClient(t)
	instances := db.NewPluginInstanceRepo(client.DB())
	workItems := db.NewWorkItemRepo(client.DB())
	events := db.NewPluginEventRepo(client.DB())
	pluginTypes := config.NewPluginTypeRegistry(map[string]*config.PluginTypeConfig{"slack": {Enabled: true}})
	router := ingress.NewRouter(
		ingress.NewRegistry(handler), instances, workItems, events, pluginTypes, masking.EnvDecoder{},
		ingress.WithHookDispatcher(blockingDispatcher{}),
	)

	inst := &models.PluginInstance{Type: "slack", Name: "workspace", Config: []byte(`{}`), Enabled: true}
	require.NoError(t, instances.Create(context.Background(), inst))

	outcome, err := router.RouteWebhook(context.Background(), "slack", inst.ID, &ingress.Request{})
	require.NoError(t, err)
	assert.Equal(t, 200, outcome.StatusCode)
	assert.Equal(t, ingress.ReasonBlockedByPluginHook, outcome.Reason)
}
