// Package models contains the plain-struct entities persisted by pkg/db.
//
// Column names match the SQL schema in pkg/database/migrations exactly;
// repositories in pkg/db scan rows directly into these structs.
package models

import "time"

// WorkItemStatus is the lifecycle of a WorkItem (§3 Data model).
type WorkItemStatus string

const (
	WorkItemNew        WorkItemStatus = "NEW"
	WorkItemInProgress WorkItemStatus = "IN_PROGRESS"
	WorkItemCompleted  WorkItemStatus = "COMPLETED"
	WorkItemFailed     WorkItemStatus = "FAILED"
	WorkItemCancelled  WorkItemStatus = "CANCELLED"
)

// WorkItem is the durable record of one inbound actionable event.
// Rows are never deleted — they form the audit history for a session_key.
type WorkItem struct {
	ID                string
	PluginInstanceID  string
	SessionKey        string
	Source            string
	SourceRef         string
	Status            WorkItemStatus
	Title             string
	Payload           []byte // opaque structured blob, stored as jsonb
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// IdempotencyKey is one alias mapping to a WorkItem; keys are globally unique.
type IdempotencyKey struct {
	Key        string
	WorkItemID string
	CreatedAt  time.Time
}

// PluginInstance is a configured external-system binding (e.g. a chat workspace).
type PluginInstance struct {
	ID      string
	Type    string
	Name    string
	Config  []byte // jsonb, may contain encrypted fields
	Enabled bool
}

// QueueLaneState is the durable mirror of an in-memory session-queue lane.
type QueueLaneState string

const (
	LaneIdle       QueueLaneState = "idle"
	LaneQueued     QueueLaneState = "queued"
	LaneRunning    QueueLaneState = "running"
	LaneDebouncing QueueLaneState = "debouncing"
)

// QueueLaneMode controls how a lane reacts to messages that arrive while running.
type QueueLaneMode string

const (
	ModeCollect  QueueLaneMode = "collect"
	ModeFollowup QueueLaneMode = "followup"
	ModeSteer    QueueLaneMode = "steer"
)

// QueueLane is the durable mirror of §4.B's in-memory lane state machine.
type QueueLane struct {
	QueueKey        string // session_key:agent_id
	SessionKey      string
	AgentID         string
	State           QueueLaneState
	Mode            QueueLaneMode
	IsPaused        bool
	DebounceUntil   *time.Time
	DebounceMS      int
	MaxQueued       int
	ActiveDispatchID *string
	UpdatedAt       time.Time
}

// QueueMessageStatus tracks a single buffered message's fate.
type QueueMessageStatus string

const (
	MessagePending   QueueMessageStatus = "pending"
	MessageIncluded  QueueMessageStatus = "included"
	MessageDropped   QueueMessageStatus = "dropped"
	MessageCancelled QueueMessageStatus = "cancelled"
)

// QueueMessage is a single pending message enqueued during a run.
type QueueMessage struct {
	ID         string
	QueueKey   string
	WorkItemID string
	Text       string
	SenderName string
	ArrivedAt  time.Time
	Status     QueueMessageStatus
	DispatchID *string
}

// DispatchStatus is the durable status of a RunDispatch row.
type DispatchStatus string

const (
	DispatchQueued    DispatchStatus = "queued"
	DispatchRunning   DispatchStatus = "running"
	DispatchPaused    DispatchStatus = "paused"
	DispatchCompleted DispatchStatus = "completed"
	DispatchFailed    DispatchStatus = "failed"
	DispatchAbandoned DispatchStatus = "abandoned"
	DispatchCancelled DispatchStatus = "cancelled"
	DispatchMerged    DispatchStatus = "merged"
)

// IsTerminal reports whether status never transitions out (§8 invariant 3).
func (s DispatchStatus) IsTerminal() bool {
	switch s {
	case DispatchCompleted, DispatchFailed, DispatchCancelled, DispatchMerged, DispatchAbandoned:
		return true
	default:
		return false
	}
}

// ControlState is the in-flight cooperative-cancellation state of a dispatch.
type ControlState string

const (
	ControlNormal          ControlState = "normal"
	ControlPauseRequested  ControlState = "pause_requested"
	ControlPaused          ControlState = "paused"
	ControlCancelRequested ControlState = "cancel_requested"
	ControlCancelled       ControlState = "cancelled"
)

// RunDispatch is the durable execution ledger entry (§3, §4.C).
type RunDispatch struct {
	ID                   string
	RunKey               string
	QueueKey             string
	WorkItemID           string
	AgentID              string
	SessionKey           string
	Status               DispatchStatus
	ControlState         ControlState
	InputText            string
	CoalescedText        string
	AttemptCount         int
	ClaimedBy            *string
	LeaseExpiresAt       *time.Time
	ClaimedEpoch         int64
	ReplayOfDispatchID   *string
	MergedIntoDispatchID *string
	ScheduledAt          time.Time
	StartedAt            *time.Time
	FinishedAt           *time.Time
	ErrorMessage         *string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// EffectStatus is the delivery status of an EffectOutboxEntry.
type EffectStatus string

const (
	EffectPending   EffectStatus = "pending"
	EffectSending   EffectStatus = "sending"
	EffectSent      EffectStatus = "sent"
	EffectFailed    EffectStatus = "failed"
	EffectUnknown   EffectStatus = "unknown"
	EffectCancelled EffectStatus = "cancelled"
)

// EffectOutboxEntry is a pending external side effect (§4.D).
type EffectOutboxEntry struct {
	ID               string
	EffectKey        string
	DispatchID       string
	PluginInstanceID string
	Channel          string
	Kind             string
	Payload          []byte
	Status           EffectStatus
	Retryable        bool
	AttemptCount     int
	NextAttemptAt    time.Time
	ClaimedBy        *string
	LeaseExpiresAt   *time.Time
	ClaimedEpoch     int64
	ProviderRef      *string
	UnknownReason    *string
	LastError        *string
	CreatedAt        time.Time
	SentAt           *time.Time
}

// ScheduledItemType distinguishes future-timed invocations.
type ScheduledItemType string

const (
	ScheduledDeferred  ScheduledItemType = "deferred"
	ScheduledHeartbeat ScheduledItemType = "heartbeat"
	ScheduledCron      ScheduledItemType = "cron"
)

// ScheduledItemStatus is the lifecycle of a ScheduledItem.
type ScheduledItemStatus string

const (
	ScheduledPending  ScheduledItemStatus = "pending"
	ScheduledFiring   ScheduledItemStatus = "firing"
	ScheduledFired    ScheduledItemStatus = "fired"
	ScheduledCancelled ScheduledItemStatus = "cancelled"
)

// ScheduledItem is a future timed invocation produced by a Routine or directly.
type ScheduledItem struct {
	ID            string
	AgentID       string
	SessionKey    string
	Type          ScheduledItemType
	Payload       []byte
	RunAt         time.Time
	Recurrence    *string
	Status        ScheduledItemStatus
	RoutineID     *string
	RoutineRunID  *string
}

// TriggerKind is the kind of a Routine's trigger.
type TriggerKind string

const (
	TriggerCron      TriggerKind = "cron"
	TriggerEvent     TriggerKind = "event"
	TriggerCondition TriggerKind = "condition"
	TriggerOneshot   TriggerKind = "oneshot"
)

// Routine is a declarative trigger (§4.E).
type Routine struct {
	ID                      string
	AgentID                 string
	TriggerKind             TriggerKind
	CronExpr                *string
	Timezone                *string
	RuleJSON                []byte
	ConditionProbe          *string
	ConditionConfig         []byte
	TargetPluginInstanceID  *string
	TargetSessionKey        *string
	ActionPrompt            string
	Enabled                 bool
	NextRunAt               *time.Time
	LastFiredAt             *time.Time
	LastStatus              *string
}

// RoutineDecision is the outcome of one routine evaluation.
type RoutineDecision string

const (
	DecisionEnqueued  RoutineDecision = "enqueued"
	DecisionSkipped   RoutineDecision = "skipped"
	DecisionThrottled RoutineDecision = "throttled"
	DecisionError     RoutineDecision = "error"
)

// RoutineRun is the receipt of a single routine evaluation.
type RoutineRun struct {
	ID              string
	RoutineID       string
	Decision        RoutineDecision
	DecisionReason  string
	EnvelopeJSON    []byte
	ScheduledItemID *string
	WorkItemID      *string
	CreatedAt       time.Time
}

// RoutineEventQueueEntry is an inbox row awaiting routine evaluation.
type RoutineEventQueueEntry struct {
	ID             string
	EnvelopeJSON   []byte
	ClaimedBy      *string
	LeaseExpiresAt *time.Time
	CreatedAt      time.Time
}

// PauseMode is the severity of a Runtime Control pause.
type PauseMode string

const (
	PauseSoft PauseMode = "soft"
	PauseHard PauseMode = "hard"
)

// RuntimeControl is the singleton row gating every worker loop (§3, §4.H).
type RuntimeControl struct {
	ProcessingEnabled      bool
	PauseMode              PauseMode
	ControlEpoch           int64
	MaxConcurrentDispatches int
	UpdatedAt              time.Time
}

// PluginEventKind is the closed vocabulary for plugin_events.kind.
type PluginEventKind string

const (
	EventWebhookIngress PluginEventKind = "webhook_ingress"
	EventHook           PluginEventKind = "hook"
	EventLoad           PluginEventKind = "load"
	EventUnload         PluginEventKind = "unload"
	EventAutoDisable    PluginEventKind = "auto_disable"
)

// PluginEvent is one row in the plugin_events audit stream (§6).
type PluginEvent struct {
	ID              string
	PluginID        string
	PluginVersion   string
	Kind            PluginEventKind
	Status          string
	WorkItemID      *string
	DetailJSON      []byte
	CreatedAt       time.Time
}
