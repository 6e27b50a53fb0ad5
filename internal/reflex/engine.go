// Package reflex implements the Layer-0 reflex engine: event canonicalisation,
// trigger matching, hard constraints, builtin actions and the hand-off of
// Layer-1 work to the batch processor.
package reflex

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clawbuds/backend/internal/bus"
	"github.com/clawbuds/backend/internal/clock"
	"github.com/clawbuds/backend/internal/core"
	"github.com/clawbuds/backend/internal/heartbeat"
	"github.com/clawbuds/backend/internal/message"
	"github.com/clawbuds/backend/internal/metrics"
	"github.com/clawbuds/backend/internal/pearl"
	"github.com/clawbuds/backend/internal/repo"
)

// QueueItem is one unit of Layer-1 work handed to the batch processor.
type QueueItem struct {
	ExecutionID string                 `json:"execution_id"`
	ReflexID    string                 `json:"reflex_id"`
	ReflexName  string                 `json:"reflex_name"`
	ClawID      string                 `json:"claw_id"`
	EventType   string                 `json:"event_type"`
	TriggerData map[string]interface{} `json:"trigger_data,omitempty"`
	EnqueuedAt  time.Time              `json:"enqueued_at"`
}

// Enqueuer is the batch-processor surface the engine depends on. Attached
// after construction; a nil enqueuer leaves Layer 1 inert.
type Enqueuer interface {
	Enqueue(item QueueItem)
}

// phaticEmojis is the rotation pool for micro reactions.
var phaticEmojis = []string{"👍", "✨", "🦀", "💙"}

// groomPhrases is the rotation pool for grooming openers.
var groomPhrases = []string{
	"saw your update, how is it going?",
	"that reminded me of something you said",
	"been a while, what are you into lately?",
}

// Engine evaluates Layer-0 reflexes synchronously on the event bus.
type Engine struct {
	store      repo.Store
	bus        *bus.Bus
	clock      clock.Clock
	heartbeats *heartbeat.Service
	messages   *message.Service
	router     *pearl.Router
	maxPerHour int
	logger     *slog.Logger
	metrics    *metrics.Metrics

	mu       sync.Mutex
	counters map[string]int // owner + hour bucket
	batch    Enqueuer
}

func NewEngine(store repo.Store, b *bus.Bus, clk clock.Clock, hearts *heartbeat.Service, msgs *message.Service, router *pearl.Router, maxPerHour int, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if maxPerHour <= 0 {
		maxPerHour = 20
	}
	return &Engine{
		store:      store,
		bus:        b,
		clock:      clk,
		heartbeats: hearts,
		messages:   msgs,
		router:     router,
		maxPerHour: maxPerHour,
		logger:     logger,
		counters:   make(map[string]int),
	}
}

// Instrument attaches the Prometheus bundle. Startup-time only.
func (e *Engine) Instrument(m *metrics.Metrics) {
	e.metrics = m
}

// AttachBatchProcessor wires the Layer-1 queue. Startup-time only.
func (e *Engine) AttachBatchProcessor(enq Enqueuer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.batch = enq
}

// L1Active reports whether a batch processor is attached.
func (e *Engine) L1Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.batch != nil
}

// Subscribe registers the engine on its fixed topic set.
func (e *Engine) Subscribe() {
	for _, topic := range subscribedTopics {
		e.bus.Subscribe(topic, func(ctx context.Context, t bus.Topic, p bus.Payload) {
			e.HandleEvent(ctx, Canonicalize(t, p))
		})
	}
}

// HandleEvent evaluates every enabled reflex of the event's claw. Events that
// name no claw are dropped.
func (e *Engine) HandleEvent(ctx context.Context, ev BusEvent) {
	if ev.ClawID == "" {
		return
	}
	reflexes, err := e.store.Reflexes().FindEnabled(ctx, ev.ClawID, -1)
	if err != nil {
		e.logger.Error("reflex lookup failed", "claw_id", ev.ClawID, "error", err)
		return
	}
	now := e.clock.Now()
	for _, r := range reflexes {
		if !Match(r, ev, now) {
			continue
		}
		if r.TriggerLayer == 1 {
			e.dispatchL1(ctx, r, ev)
			continue
		}
		e.executeL0(ctx, r, ev)
	}
}

// executeL0 runs one matched Layer-0 reflex under the hard constraint.
func (e *Engine) executeL0(ctx context.Context, r *core.Reflex, ev BusEvent) {
	counted := r.Behavior != core.BehaviorAudit && r.Behavior != core.BehaviorKeepalive
	if counted && !e.underHardConstraint(r.OwnerID) {
		e.metrics.RecordHardConstraintHit()
		e.record(ctx, r, ev, core.ResultBlocked, map[string]interface{}{
			"reason": "hard_constraint",
		})
		return
	}

	details, err := e.runAction(ctx, r, ev)
	if err != nil {
		e.logger.Warn("reflex action failed", "reflex", r.Name, "claw_id", r.OwnerID, "error", err)
		if details == nil {
			details = map[string]interface{}{}
		}
		details["error"] = err.Error()
	}
	if counted {
		e.incrementCounter(r.OwnerID)
	}
	e.record(ctx, r, ev, core.ResultExecuted, details)
}

// runAction executes the builtin keyed by reflex name. Unknown names are
// user/learned reflexes whose only Layer-0 effect is the audit record.
func (e *Engine) runAction(ctx context.Context, r *core.Reflex, ev BusEvent) (map[string]interface{}, error) {
	switch r.Name {
	case NameKeepaliveHeartbeat:
		sent, err := e.heartbeats.Broadcast(ctx, r.OwnerID, "keepalive", nil)
		return map[string]interface{}{"sent": sent}, err

	case NamePhaticMicroReaction:
		if commonTags(ev.Payload) < 1 {
			return map[string]interface{}{"skipped": "no_common_tags"}, nil
		}
		messageID, _ := ev.Payload["messageId"].(string)
		if messageID == "" {
			return map[string]interface{}{"skipped": "no_message"}, nil
		}
		emoji := pick(phaticEmojis, r.OwnerID+messageID)
		_, err := e.messages.React(ctx, messageID, r.OwnerID, emoji)
		return map[string]interface{}{"emoji": emoji, "messageId": messageID}, err

	case NameRelationshipDecay:
		from, _ := ev.Payload["fromClawId"].(string)
		oldLayer, _ := ev.Payload["oldLayer"].(string)
		newLayer, _ := ev.Payload["newLayer"].(string)
		e.logger.Info("relationship downgrade alert",
			"claw_id", r.OwnerID, "from", from, "old_layer", oldLayer, "new_layer", newLayer)
		return map[string]interface{}{"oldLayer": oldLayer, "newLayer": newLayer}, nil

	case NameCollectPollResponses:
		pollID, _ := ev.Payload["pollId"].(string)
		closesAt, _ := ev.Payload["closesAt"].(string)
		e.logger.Info("collecting poll responses", "claw_id", r.OwnerID, "poll_id", pollID, "closes_at", closesAt)
		return map[string]interface{}{"pollId": pollID, "closesAt": closesAt}, nil

	case NameTrackThreadProgress:
		threadID, _ := ev.Payload["threadId"].(string)
		e.logger.Info("thread progress tracked", "claw_id", r.OwnerID, "thread_id", threadID)
		return map[string]interface{}{"threadId": threadID}, nil

	case NameAuditBehaviorLog:
		// Meta: the execution record written for every evaluation is the log.
		return nil, nil
	}
	return nil, nil
}

// dispatchL1 queues one matched Layer-1 reflex. Pearl routing computes its
// context first and drops silently when nothing can route.
func (e *Engine) dispatchL1(ctx context.Context, r *core.Reflex, ev BusEvent) {
	triggerData := map[string]interface{}{}
	details := map[string]interface{}{}

	switch r.Name {
	case NameRoutePearlByInterest:
		friendID, _ := ev.Payload["fromClawId"].(string)
		interests := stringsField(ev.Payload, "interests")
		if friendID == "" {
			return
		}
		rc, err := e.router.BuildContext(ctx, r.OwnerID, friendID, interests)
		if err != nil {
			e.logger.Warn("routing context failed", "claw_id", r.OwnerID, "error", err)
			return
		}
		if rc == nil {
			return
		}
		under, err := e.router.UnderFrequencyCap(ctx, r.OwnerID, friendID)
		if err != nil || !under {
			return
		}
		triggerData["routingContext"] = rc
		details["targetClawId"] = friendID
		details["candidates"] = len(rc.Candidates)

	case NameGroomOpening:
		friendID, _ := ev.Payload["fromClawId"].(string)
		phrase := pick(groomPhrases, r.OwnerID+friendID)
		triggerData["friendId"] = friendID
		triggerData["groomPhrase"] = phrase
		details["groomPhrase"] = phrase
	}

	rec := e.record(ctx, r, ev, core.ResultQueuedForL1, details)

	e.mu.Lock()
	batch := e.batch
	e.mu.Unlock()
	if batch == nil {
		return
	}
	batch.Enqueue(QueueItem{
		ExecutionID: rec.ID,
		ReflexID:    r.ID,
		ReflexName:  r.Name,
		ClawID:      r.OwnerID,
		EventType:   ev.Type,
		TriggerData: triggerData,
		EnqueuedAt:  e.clock.Now(),
	})
}

// record writes the audit row and feeds the synthetic execution stream. Audit
// failures never block the primary effect.
func (e *Engine) record(ctx context.Context, r *core.Reflex, ev BusEvent, result core.ExecutionResult, details map[string]interface{}) *core.ReflexExecution {
	rec := &core.ReflexExecution{
		ID:         uuid.NewString(),
		ReflexID:   r.ID,
		ReflexName: r.Name,
		OwnerID:    r.OwnerID,
		EventType:  ev.Type,
		Result:     result,
		Details:    details,
		CreatedAt:  e.clock.Now(),
	}
	e.metrics.RecordReflexExecution(string(result))
	if err := e.store.Executions().Create(ctx, rec); err != nil {
		e.logger.Error("execution audit write failed", "reflex", r.Name, "error", err)
		return rec
	}
	// Synthetic events never cascade into further synthetic events.
	if ev.Type != string(bus.TopicReflexExecution) {
		e.bus.Emit(ctx, bus.TopicReflexExecution, bus.Payload{
			"executionId": rec.ID,
			"clawId":      r.OwnerID,
			"reflexName":  r.Name,
			"result":      string(result),
		})
	}
	return rec
}

// ============================================================================
// HARD CONSTRAINT COUNTER
// ============================================================================

func (e *Engine) bucketKey(ownerID string) string {
	return fmt.Sprintf("%s|%s", ownerID, e.clock.Now().UTC().Format("2006010215"))
}

func (e *Engine) underHardConstraint(ownerID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counters[e.bucketKey(ownerID)] < e.maxPerHour
}

func (e *Engine) incrementCounter(ownerID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := e.bucketKey(ownerID)
	e.counters[key]++
	if len(e.counters) > 10000 {
		// Rare housekeeping; stale hour buckets are never read again.
		current := e.clock.Now().UTC().Format("2006010215")
		for k := range e.counters {
			if k[len(k)-10:] != current {
				delete(e.counters, k)
			}
		}
	}
}

// ============================================================================
// INITIALIZATION & MANAGEMENT
// ============================================================================

// InitializeBuiltins upserts the six Layer-0 builtins for a claw. Idempotent;
// a disabled reflex stays disabled.
func (e *Engine) InitializeBuiltins(ctx context.Context, clawID string) error {
	for _, r := range layer0Builtins(clawID) {
		if err := e.store.Reflexes().Upsert(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

// InitializeLayer1Builtins upserts the four Layer-1 builtins for a claw.
func (e *Engine) InitializeLayer1Builtins(ctx context.Context, clawID string) error {
	for _, r := range layer1Builtins(clawID) {
		if err := e.store.Reflexes().Upsert(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

// List returns the claw's reflexes.
func (e *Engine) List(ctx context.Context, ownerID string) ([]*core.Reflex, error) {
	return e.store.Reflexes().ListByOwner(ctx, ownerID)
}

// Enable turns a reflex on.
func (e *Engine) Enable(ctx context.Context, ownerID, name string) error {
	return e.setEnabled(ctx, ownerID, name, true)
}

// Disable turns a reflex off. The audit reflex cannot be disabled.
func (e *Engine) Disable(ctx context.Context, ownerID, name string) error {
	if name == core.AuditReflexName {
		return core.Errorf(core.ErrForbidden, "the audit reflex cannot be disabled")
	}
	return e.setEnabled(ctx, ownerID, name, false)
}

func (e *Engine) setEnabled(ctx context.Context, ownerID, name string, enabled bool) error {
	r, err := e.store.Reflexes().FindByName(ctx, ownerID, name)
	if err != nil {
		return err
	}
	if r == nil {
		return core.Errorf(core.ErrNotFound, "reflex %q not found", name)
	}
	return e.store.Reflexes().SetEnabled(ctx, ownerID, name, enabled)
}

func pick(pool []string, seed string) string {
	h := fnv.New32a()
	h.Write([]byte(seed))
	return pool[h.Sum32()%uint32(len(pool))]
}
