// Package hooks implements the priority-ordered plugin hook pipeline (§4.F):
// a closed set of named extension points, each carrying an ordered chain of
// registered handlers that may mutate a running payload, block the chain, or
// fail open/closed within a per-invocation budget.
package hooks

import "context"

// Name is the closed vocabulary of hook points a plugin may register against.
type Name string

const (
	WorkItemPreCreate   Name = "work_item.pre_create"
	WorkItemPostCreate  Name = "work_item.post_create"
	RunPrePrompt        Name = "run.pre_prompt"
	ModelPreCall        Name = "model.pre_call"
	ModelPostCall       Name = "model.post_call"
	ToolPreExec         Name = "tool.pre_exec"
	ToolPostExec        Name = "tool.post_exec"
	ResponsePreDeliver  Name = "response.pre_deliver"
	ResponsePostDeliver Name = "response.post_deliver"
)

var validNames = map[Name]struct{}{
	WorkItemPreCreate: {}, WorkItemPostCreate: {}, RunPrePrompt: {},
	ModelPreCall: {}, ModelPostCall: {}, ToolPreExec: {}, ToolPostExec: {},
	ResponsePreDeliver: {}, ResponsePostDeliver: {},
}

// Valid reports whether name is one of the closed set of hook points.
func Valid(name Name) bool {
	_, ok := validNames[name]
	return ok
}

// FailPolicy governs what happens when a handler errors or exceeds its
// effective timeout.
type FailPolicy string

const (
	FailOpen   FailPolicy = "fail_open"
	FailClosed FailPolicy = "fail_closed"
)

// Action is a handler's verdict on the chain.
type Action string

const (
	ActionContinue Action = "continue"
	ActionBlock    Action = "block"
)

// Status is the closed vocabulary a receipt's status may take.
type Status string

const (
	StatusOK             Status = "ok"
	StatusBlocked        Status = "blocked"
	StatusError          Status = "error"
	StatusTimeout        Status = "timeout"
	StatusBudgetExceeded Status = "budget_exceeded"
)

// Payload is the context passed into every handler invocation.
type Payload struct {
	HookName   Name
	PluginID   string
	WorkItemID string
	JobID      string
	AgentID    string
	Data       map[string]any
}

// Result is a handler's return value.
type Result struct {
	Action Action
	Data   map[string]any
}

// Handler is a registered plugin's hook function.
type Handler func(ctx context.Context, payload *Payload) (*Result, error)

// Registration is one plugin's binding to a hook point.
type Registration struct {
	PluginID   string
	HookName   Name
	Handler    Handler
	Priority   int // higher runs first
	FailPolicy FailPolicy
	TimeoutMs  int
}

// Receipt is the audit record of one handler invocation within a dispatch.
type Receipt struct {
	PluginID   string
	HookName   Name
	Status     Status
	DurationMs int64
	Error      string
}

// DispatchResult is the outcome of running a hook's full chain.
type DispatchResult struct {
	Blocked  bool
	Data     map[string]any
	Receipts []Receipt
}
