// Package routines is the Routine Evaluator (§4.E): a predicate/cron/
// condition engine that turns time ticks and inbound event envelopes into
// Scheduled Items or Run Dispatches, grounded on pkg/dispatch's poll-and-
// claim worker idiom and zkoranges-go-claw's cron scheduler shape.
package routines

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaykit/orchestra/pkg/config"
	"github.com/relaykit/orchestra/pkg/db"
	"github.com/relaykit/orchestra/pkg/models"
	"github.com/relaykit/orchestra/pkg/sessionqueue"
)

// Evaluator runs the three input streams §4.E describes: a cron-tick loop,
// a condition-probe loop, and a pool of event-envelope workers, all sharing
// one in-memory throttle map keyed by routine ID.
type Evaluator struct {
	cfg *config.RoutinesConfig

	routines   *db.RoutineRepo
	events     *db.EventQueueRepo
	scheduled  *db.ScheduledItemRepo
	dispatches *db.DispatchRepo
	lanes      *db.QueueLaneRepo
	workItems  *db.WorkItemRepo
	probes     *ProbeRegistry

	mu        sync.Mutex
	lastFired map[string]time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewEvaluator constructs a Routine Evaluator from its dependent repos and
// the condition-probe registry.
func NewEvaluator(
	cfg *config.RoutinesConfig,
	routines *db.RoutineRepo,
	events *db.EventQueueRepo,
	scheduled *db.ScheduledItemRepo,
	dispatches *db.DispatchRepo,
	lanes *db.QueueLaneRepo,
	workItems *db.WorkItemRepo,
	probes *ProbeRegistry,
) *Evaluator {
	return &Evaluator{
		cfg:        cfg,
		routines:   routines,
		events:     events,
		scheduled:  scheduled,
		dispatches: dispatches,
		lanes:      lanes,
		workItems:  workItems,
		probes:     probes,
		lastFired:  make(map[string]time.Time),
		stopCh:     make(chan struct{}),
	}
}

// Start launches the cron loop, the condition loop, and the configured
// number of event-queue worker goroutines.
func (e *Evaluator) Start(ctx context.Context) {
	e.wg.Add(3)
	go e.runCronLoop(ctx)
	go e.runConditionLoop(ctx)
	go e.runScheduledItemLoop(ctx)

	for i := 0; i < e.cfg.EventWorkerCount; i++ {
		e.wg.Add(1)
		id := fmt.Sprintf("routine-event-%d", i)
		go e.runEventWorker(ctx, id)
	}
}

// Stop signals every loop to exit and waits for them to finish.
func (e *Evaluator) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
}

func (e *Evaluator) sleep(d time.Duration) {
	select {
	case <-e.stopCh:
	case <-time.After(d):
	}
}

// throttled reports whether routineID fired more recently than gap ago,
// resolving Open Question 3: event/condition routines without an explicit
// per-routine window fall back to cfg.EventThrottleMS.
func (e *Evaluator) throttled(routineID string, gap time.Duration, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	last, ok := e.lastFired[routineID]
	if ok && now.Sub(last) < gap {
		return true
	}
	e.lastFired[routineID] = now
	return false
}

// --- cron loop ---------------------------------------------------------

func (e *Evaluator) runCronLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.CronPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tickCron(ctx)
		}
	}
}

func (e *Evaluator) tickCron(ctx context.Context) {
	now := time.Now().UTC()
	due, err := e.routines.ListDueCron(ctx, now)
	if err != nil {
		slog.Error("routine evaluator: list due cron routines failed", "error", err)
		return
	}
	for _, rt := range due {
		if err := e.fireCron(ctx, rt, now); err != nil {
			slog.Error("routine evaluator: cron fire failed", "routine_id", rt.ID, "error", err)
		}
	}
}

func (e *Evaluator) fireCron(ctx context.Context, rt *models.Routine, now time.Time) error {
	var nextRun *time.Time
	if rt.CronExpr != nil && *rt.CronExpr != "" {
		next, err := NextCronRun(*rt.CronExpr, rt.Timezone, now)
		if err != nil {
			return fmt.Errorf("compute next cron run: %w", err)
		}
		nextRun = &next
	}

	decision := models.DecisionEnqueued
	reason := "cron tick due"

	if len(rt.RuleJSON) > 0 {
		var rule Rule
		if err := json.Unmarshal(rt.RuleJSON, &rule); err != nil {
			decision, reason = models.DecisionError, fmt.Sprintf("unmarshal rule: %v", err)
		} else if ok, err := Evaluate(&rule, cronEnvelope(rt, now)); err != nil {
			decision, reason = models.DecisionError, fmt.Sprintf("evaluate rule: %v", err)
		} else if !ok {
			decision, reason = models.DecisionSkipped, "rule did not match"
		}
	}

	run := &models.RoutineRun{RoutineID: rt.ID, Decision: decision, DecisionReason: reason}

	if decision == models.DecisionEnqueued {
		item := &models.ScheduledItem{
			AgentID:    rt.AgentID,
			SessionKey: derefOr(rt.TargetSessionKey, ""),
			Type:       models.ScheduledCron,
			Payload:    actionPayload(rt),
			RunAt:      now,
			RoutineID:  &rt.ID,
		}
		if err := e.scheduled.Create(ctx, item); err != nil {
			return fmt.Errorf("create scheduled item: %w", err)
		}
		run.ScheduledItemID = &item.ID
	}

	if err := e.routines.RecordRun(ctx, run); err != nil {
		return fmt.Errorf("record routine run: %w", err)
	}
	return e.routines.RecordFire(ctx, rt.ID, nextRun, string(decision))
}

func cronEnvelope(rt *models.Routine, now time.Time) *Envelope {
	return &Envelope{
		EventID:          uuid.NewString(),
		Source:           "scheduler",
		EventType:        "cron_tick",
		SessionKey:       derefOr(rt.TargetSessionKey, ""),
		PluginInstanceID: derefOr(rt.TargetPluginInstanceID, ""),
		CreatedAt:        now,
	}
}

// --- condition loop ------------------------------------------------------

func (e *Evaluator) runConditionLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.ConditionPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tickConditions(ctx)
		}
	}
}

func (e *Evaluator) tickConditions(ctx context.Context) {
	routines, err := e.routines.ListByTriggerKind(ctx, models.TriggerCondition)
	if err != nil {
		slog.Error("routine evaluator: list condition routines failed", "error", err)
		return
	}
	for _, rt := range routines {
		if err := e.fireCondition(ctx, rt); err != nil {
			slog.Error("routine evaluator: condition fire failed", "routine_id", rt.ID, "error", err)
		}
	}
}

func (e *Evaluator) fireCondition(ctx context.Context, rt *models.Routine) error {
	now := time.Now().UTC()

	if rt.ConditionProbe == nil || *rt.ConditionProbe == "" {
		return e.recordSkip(ctx, rt, "no condition_probe configured")
	}
	probe, ok := e.probes.Get(*rt.ConditionProbe)
	if !ok {
		return e.recordSkip(ctx, rt, fmt.Sprintf("unknown condition probe %q", *rt.ConditionProbe))
	}

	fired, reason, err := probe(ctx, rt.ConditionConfig)
	if err != nil {
		run := &models.RoutineRun{RoutineID: rt.ID, Decision: models.DecisionError, DecisionReason: err.Error()}
		if recErr := e.routines.RecordRun(ctx, run); recErr != nil {
			return recErr
		}
		return e.routines.RecordFire(ctx, rt.ID, nil, string(models.DecisionError))
	}
	if !fired {
		return e.recordSkip(ctx, rt, reason)
	}

	if e.throttled(rt.ID, e.throttleWindow(rt), now) {
		run := &models.RoutineRun{RoutineID: rt.ID, Decision: models.DecisionThrottled, DecisionReason: reason}
		if err := e.routines.RecordRun(ctx, run); err != nil {
			return err
		}
		return e.routines.RecordFire(ctx, rt.ID, nil, string(models.DecisionThrottled))
	}

	item := &models.ScheduledItem{
		AgentID:    rt.AgentID,
		SessionKey: derefOr(rt.TargetSessionKey, ""),
		Type:       models.ScheduledDeferred,
		Payload:    actionPayload(rt),
		RunAt:      now,
		RoutineID:  &rt.ID,
	}
	if err := e.scheduled.Create(ctx, item); err != nil {
		return fmt.Errorf("create scheduled item: %w", err)
	}

	run := &models.RoutineRun{RoutineID: rt.ID, Decision: models.DecisionEnqueued, DecisionReason: reason, ScheduledItemID: &item.ID}
	if err := e.routines.RecordRun(ctx, run); err != nil {
		return err
	}
	return e.routines.RecordFire(ctx, rt.ID, nil, string(models.DecisionEnqueued))
}

func (e *Evaluator) recordSkip(ctx context.Context, rt *models.Routine, reason string) error {
	run := &models.RoutineRun{RoutineID: rt.ID, Decision: models.DecisionSkipped, DecisionReason: reason}
	if err := e.routines.RecordRun(ctx, run); err != nil {
		return err
	}
	return e.routines.RecordFire(ctx, rt.ID, nil, string(models.DecisionSkipped))
}

// --- scheduled item loop ---------------------------------------------------

func (e *Evaluator) runScheduledItemLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.ScheduledItemPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.drainDueScheduledItems(ctx)
		}
	}
}

// drainDueScheduledItems claims every currently-due scheduled item rather
// than just one per tick, so a burst of cron fires doesn't trail behind by a
// full poll interval each.
func (e *Evaluator) drainDueScheduledItems(ctx context.Context) {
	for {
		item, err := e.scheduled.ClaimDue(ctx, time.Now().UTC())
		if err != nil {
			if !errors.Is(err, db.ErrNotFound) {
				slog.Error("routine evaluator: claim due scheduled item failed", "error", err)
			}
			return
		}
		if err := e.fireScheduledItem(ctx, item); err != nil {
			slog.Error("routine evaluator: fire scheduled item failed", "scheduled_item_id", item.ID, "error", err)
		}
	}
}

func (e *Evaluator) fireScheduledItem(ctx context.Context, item *models.ScheduledItem) error {
	if item.SessionKey == "" {
		return e.scheduled.Cancel(ctx, item.ID)
	}

	actionPrompt := actionPromptFromPayload(item.Payload)

	workItem := &models.WorkItem{
		SessionKey: item.SessionKey,
		Source:     "routine",
		SourceRef:  item.ID,
		Title:      actionPrompt,
		Payload:    item.Payload,
	}
	created, _, err := e.workItems.CreateIdempotent(ctx, workItem, []string{fmt.Sprintf("scheduled_item:%s", item.ID)})
	if err != nil {
		return fmt.Errorf("create work item for scheduled item: %w", err)
	}

	queueKey := sessionqueue.QueueKey(item.SessionKey, item.AgentID)
	if _, err := e.lanes.GetOrCreate(ctx, queueKey, item.SessionKey, item.AgentID, sessionqueue.DefaultDebounceMS, sessionqueue.DefaultMaxQueued); err != nil {
		return fmt.Errorf("get-or-create queue lane: %w", err)
	}

	d := &models.RunDispatch{
		QueueKey:      queueKey,
		WorkItemID:    created.ID,
		AgentID:       item.AgentID,
		SessionKey:    item.SessionKey,
		InputText:     actionPrompt,
		CoalescedText: actionPrompt,
	}
	if err := e.dispatches.Enqueue(ctx, d); err != nil {
		return fmt.Errorf("enqueue scheduled item dispatch: %w", err)
	}

	if item.RoutineID != nil {
		run := &models.RoutineRun{RoutineID: *item.RoutineID, Decision: models.DecisionEnqueued, DecisionReason: "scheduled item fired", WorkItemID: &created.ID, ScheduledItemID: &item.ID}
		if err := e.routines.RecordRun(ctx, run); err != nil {
			slog.Warn("routine evaluator: failed to record run for fired scheduled item", "scheduled_item_id", item.ID, "error", err)
		}
	}

	return e.scheduled.MarkFired(ctx, item.ID)
}

func actionPromptFromPayload(payload []byte) string {
	var decoded struct {
		ActionPrompt string `json:"action_prompt"`
	}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return ""
	}
	return decoded.ActionPrompt
}

// --- event loop ------------------------------------------------------------

func (e *Evaluator) runEventWorker(ctx context.Context, workerID string) {
	defer e.wg.Done()
	log := slog.With("worker_id", workerID)
	log.Info("routine event worker started")

	for {
		select {
		case <-e.stopCh:
			log.Info("routine event worker shutting down")
			return
		case <-ctx.Done():
			return
		default:
			if err := e.pollAndEvaluateEvent(ctx, workerID); err != nil {
				if errors.Is(err, db.ErrNoneClaimable) {
					e.sleep(200 * time.Millisecond)
					continue
				}
				log.Error("error processing routine event", "error", err)
				e.sleep(time.Second)
			}
		}
	}
}

func (e *Evaluator) pollAndEvaluateEvent(ctx context.Context, workerID string) error {
	id, envJSON, err := e.events.ClaimNext(ctx, workerID, e.cfg.EventClaimLease)
	if err != nil {
		return err
	}

	var env Envelope
	if err := json.Unmarshal(envJSON, &env); err != nil {
		slog.Error("routine evaluator: malformed envelope, dropping", "event_queue_id", id, "error", err)
		return e.events.Delete(ctx, id)
	}

	candidates, err := e.routines.ListByTriggerKind(ctx, models.TriggerEvent)
	if err != nil {
		return fmt.Errorf("list event routines: %w", err)
	}

	for _, rt := range candidates {
		if err := e.evaluateEventRoutine(ctx, rt, &env, envJSON); err != nil {
			slog.Error("routine evaluator: event evaluation failed", "routine_id", rt.ID, "error", err)
		}
	}

	return e.events.Delete(ctx, id)
}

func (e *Evaluator) evaluateEventRoutine(ctx context.Context, rt *models.Routine, env *Envelope, envJSON []byte) error {
	now := time.Now().UTC()

	var rule Rule
	if len(rt.RuleJSON) > 0 {
		if err := json.Unmarshal(rt.RuleJSON, &rule); err != nil {
			run := &models.RoutineRun{RoutineID: rt.ID, Decision: models.DecisionError, DecisionReason: err.Error(), EnvelopeJSON: envJSON}
			return e.routines.RecordRun(ctx, run)
		}
	}

	ok, err := Evaluate(&rule, env)
	if err != nil {
		run := &models.RoutineRun{RoutineID: rt.ID, Decision: models.DecisionError, DecisionReason: err.Error(), EnvelopeJSON: envJSON}
		return e.routines.RecordRun(ctx, run)
	}
	if !ok {
		run := &models.RoutineRun{RoutineID: rt.ID, Decision: models.DecisionSkipped, DecisionReason: "rule did not match", EnvelopeJSON: envJSON}
		return e.routines.RecordRun(ctx, run)
	}

	if e.throttled(rt.ID, e.throttleWindow(rt), now) {
		run := &models.RoutineRun{RoutineID: rt.ID, Decision: models.DecisionThrottled, DecisionReason: "within coalescing window", EnvelopeJSON: envJSON}
		return e.routines.RecordRun(ctx, run)
	}

	workItemID, dispatchID, err := e.dispatchDirect(ctx, rt, env, envJSON)
	if err != nil {
		run := &models.RoutineRun{RoutineID: rt.ID, Decision: models.DecisionError, DecisionReason: err.Error(), EnvelopeJSON: envJSON}
		return e.routines.RecordRun(ctx, run)
	}

	run := &models.RoutineRun{
		RoutineID:      rt.ID,
		Decision:       models.DecisionEnqueued,
		DecisionReason: fmt.Sprintf("dispatch %s created", dispatchID),
		EnvelopeJSON:   envJSON,
		WorkItemID:     &workItemID,
	}
	return e.routines.RecordRun(ctx, run)
}

// dispatchDirect synthesizes a WorkItem + RunDispatch for an event-triggered
// routine (§4.E: "write a dispatch directly with synthesized input_text from
// action_prompt"). A WorkItem is required since run_dispatches.work_item_id
// is a NOT NULL foreign key; it carries the envelope as its payload so the
// audit trail can still be traced back to the triggering event.
func (e *Evaluator) dispatchDirect(ctx context.Context, rt *models.Routine, env *Envelope, envJSON []byte) (workItemID, dispatchID string, err error) {
	sessionKey := env.SessionKey
	if sessionKey == "" {
		sessionKey = derefOr(rt.TargetSessionKey, "")
	}
	if sessionKey == "" {
		return "", "", fmt.Errorf("routine %s: no session key available for event dispatch", rt.ID)
	}

	item := &models.WorkItem{
		PluginInstanceID: derefOr(rt.TargetPluginInstanceID, ""),
		SessionKey:       sessionKey,
		Source:           "routine",
		SourceRef:        rt.ID,
		Title:            rt.ActionPrompt,
		Payload:          envJSON,
	}
	idempotencyKey := fmt.Sprintf("routine:%s:event:%s", rt.ID, env.EventID)
	created, _, err := e.workItems.CreateIdempotent(ctx, item, []string{idempotencyKey})
	if err != nil {
		return "", "", fmt.Errorf("create work item for routine fire: %w", err)
	}

	queueKey := sessionqueue.QueueKey(sessionKey, rt.AgentID)
	if _, err := e.lanes.GetOrCreate(ctx, queueKey, sessionKey, rt.AgentID, sessionqueue.DefaultDebounceMS, sessionqueue.DefaultMaxQueued); err != nil {
		return "", "", fmt.Errorf("get-or-create queue lane: %w", err)
	}

	d := &models.RunDispatch{
		QueueKey:      queueKey,
		WorkItemID:    created.ID,
		AgentID:       rt.AgentID,
		SessionKey:    sessionKey,
		InputText:     rt.ActionPrompt,
		CoalescedText: rt.ActionPrompt,
	}
	if err := e.dispatches.Enqueue(ctx, d); err != nil {
		return "", "", fmt.Errorf("enqueue routine dispatch: %w", err)
	}
	return created.ID, d.ID, nil
}

// throttleWindow is the minimum gap between fires of an event/condition
// routine. Routine carries no per-routine override field, so every such
// routine uses the evaluator-wide default (Open Question 3).
func (e *Evaluator) throttleWindow(rt *models.Routine) time.Duration {
	return time.Duration(e.cfg.EventThrottleMS) * time.Millisecond
}

func actionPayload(rt *models.Routine) []byte {
	payload, err := json.Marshal(map[string]string{"action_prompt": rt.ActionPrompt})
	if err != nil {
		return []byte(`{}`)
	}
	return payload
}

func derefOr(p *string, fallback string) string {
	if p == nil {
		return fallback
	}
	return *p
}
