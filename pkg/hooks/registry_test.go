package hooks_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/orchestra/pkg/hooks"
)

func noopHandler(context.Context, *hooks.Payload) (*hooks.Result, error) {
	return &hooks.Result{Action: hooks.ActionContinue}, nil
}

func TestRegistryRejectsUnknownHookName(t *testing.T) {
	r := hooks.NewRegistry()
	err := r.Register(&hooks.Registration{PluginID: "p1", HookName: "not.a.real.hook", Handler: noopHandler})
	assert.Error(t, err)
}

func TestRegistryOrdersByPriorityDescending(t *testing.T) {
	r := hooks.NewRegistry()
	require.NoError(t, r.Register(&hooks.Registration{PluginID: "low", HookName: hooks.ModelPreCall, Handler: noopHandler, Priority: 1}))
	require.NoError(t, r.Register(&hooks.Registration{PluginID: "high", HookName: hooks.ModelPreCall, Handler: noopHandler, Priority: 10}))

	ordered := r.OrderedFor(hooks.ModelPreCall)
	require.Len(t, ordered, 2)
	assert.Equal(t, "high", ordered[0].PluginID)
	assert.Equal(t, "low", ordered[1].PluginID)
}

func TestRegistryTiesBrokenByPluginIDThenOrder(t *testing.T) {
	r := hooks.NewRegistry()
	require.NoError(t, r.Register(&hooks.Registration{PluginID: "zebra", HookName: hooks.ToolPreExec, Handler: noopHandler, Priority: 5}))
	require.NoError(t, r.Register(&hooks.Registration{PluginID: "alpha", HookName: hooks.ToolPreExec, Handler: noopHandler, Priority: 5}))
	require.NoError(t, r.Register(&hooks.Registration{PluginID: "alpha", HookName: hooks.ToolPreExec, Handler: noopHandler, Priority: 5}))

	ordered := r.OrderedFor(hooks.ToolPreExec)
	require.Len(t, ordered, 3)
	assert.Equal(t, "alpha", ordered[0].PluginID)
	assert.Equal(t, "alpha", ordered[1].PluginID)
	assert.Equal(t, "zebra", ordered[2].PluginID)
}

func TestRegistryUnregisterDropsOnlyMatchingPlugin(t *testing.T) {
	r := hooks.NewRegistry()
	require.NoError(t, r.Register(&hooks.Registration{PluginID: "a", HookName: hooks.ToolPostExec, Handler: noopHandler}))
	require.NoError(t, r.Register(&hooks.Registration{PluginID: "b", HookName: hooks.ToolPostExec, Handler: noopHandler}))

	r.Unregister("a", hooks.ToolPostExec)

	ordered := r.OrderedFor(hooks.ToolPostExec)
	require.Len(t, ordered, 1)
	assert.Equal(t, "b", ordered[0].PluginID)
}
