package hooks

import (
	"context"

	"github.com/relaykit/orchestra/pkg/ingress"
)

// IngressAdapter satisfies ingress.HookDispatcher, translating the narrower
// HookPayload/HookResult shape ingress uses for work_item.pre_create/
// post_create into this package's richer Payload/Result types — keeping
// pkg/ingress free of any dependency on pkg/hooks.
type IngressAdapter struct {
	d *Dispatcher
}

// NewIngressAdapter wraps a Dispatcher for use as an ingress.Router's
// HookDispatcher.
func NewIngressAdapter(d *Dispatcher) *IngressAdapter {
	return &IngressAdapter{d: d}
}

// Dispatch implements ingress.HookDispatcher.
func (a *IngressAdapter) Dispatch(ctx context.Context, hookName string, payload *ingress.HookPayload) (*ingress.HookResult, error) {
	result, err := a.d.Dispatch(ctx, Name(hookName), &Payload{
		HookName:   Name(hookName),
		PluginID:   payload.PluginID,
		WorkItemID: payload.WorkItemID,
		Data:       payload.Data,
	})
	if err != nil {
		return nil, err
	}
	return &ingress.HookResult{Blocked: result.Blocked, Data: result.Data}, nil
}
