package ingress

import "errors"

var (
	// ErrUnknownPluginType means no handler is registered for the pluginType
	// path segment of an inbound webhook (§4.A: unknown_plugin_type, 400).
	ErrUnknownPluginType = errors.New("ingress: unknown plugin type")

	// ErrPluginTypeMismatch means the resolved plugin instance's Type column
	// doesn't match the pluginType path segment (§4.A: plugin_type_mismatch, 400).
	ErrPluginTypeMismatch = errors.New("ingress: plugin instance type mismatch")

	// ErrInstanceDisabled means the resolved plugin instance has enabled=false
	// (§4.A: instance disabled, 200 ignored).
	ErrInstanceDisabled = errors.New("ingress: plugin instance disabled")

	// ErrBlockedByHook means a work_item.pre_create hook handler returned
	// action=block (§4.A: skipped(blocked_by_plugin_hook)).
	ErrBlockedByHook = errors.New("ingress: blocked by plugin hook")
)
