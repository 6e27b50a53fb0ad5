package reflex

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawbuds/backend/internal/bus"
	"github.com/clawbuds/backend/internal/clock"
	"github.com/clawbuds/backend/internal/core"
	"github.com/clawbuds/backend/internal/heartbeat"
	"github.com/clawbuds/backend/internal/message"
	"github.com/clawbuds/backend/internal/pearl"
	"github.com/clawbuds/backend/internal/repo/memory"
	"github.com/clawbuds/backend/internal/trust"
)

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type captureQueue struct {
	items []QueueItem
}

func (q *captureQueue) Enqueue(item QueueItem) { q.items = append(q.items, item) }

func newTestEngine(t *testing.T) (*Engine, *memory.Store, *bus.Bus, *clock.Manual) {
	t.Helper()
	store := memory.New()
	b := bus.New(nil)
	clk := clock.NewManual(testStart)
	hearts := heartbeat.NewService(store, b, clk, nil)
	msgs := message.NewService(store, b, clk, nil)
	tr := trust.NewService(store, b, clk, trust.DefaultWeights, 0.9, nil)
	router := pearl.NewRouter(store, tr, clk, nil)
	engine := NewEngine(store, b, clk, hearts, msgs, router, 20, nil)
	return engine, store, b, clk
}

func mkFriends(t *testing.T, store *memory.Store, a, b string) {
	t.Helper()
	require.NoError(t, store.Friendships().Create(context.Background(), &core.Friendship{
		ID: a + "-" + b, RequesterID: a, AccepterID: b,
		Status: core.FriendshipAccepted, CreatedAt: testStart,
	}))
}

func executions(t *testing.T, store *memory.Store, ownerID string) []*core.ReflexExecution {
	t.Helper()
	out, err := store.Executions().FindRecent(context.Background(), ownerID, time.Time{})
	require.NoError(t, err)
	return out
}

// ============================================================================
// TRIGGER MATCHING
// ============================================================================

func TestMatchTriggerKinds(t *testing.T) {
	now := testStart
	cases := []struct {
		name    string
		trigger core.TriggerConfig
		event   BusEvent
		want    bool
	}{
		{
			name:    "event type match",
			trigger: core.TriggerConfig{Kind: core.TriggerEventType, EventType: "message.new"},
			event:   BusEvent{Type: "message.new"},
			want:    true,
		},
		{
			name:    "event type mismatch",
			trigger: core.TriggerConfig{Kind: core.TriggerEventType, EventType: "message.new"},
			event:   BusEvent{Type: "reaction.added"},
			want:    false,
		},
		{
			name:    "downgrade condition on upgrade",
			trigger: core.TriggerConfig{Kind: core.TriggerEventType, EventType: "relationship.layer_changed", Condition: "downgrade"},
			event: BusEvent{Type: "relationship.layer_changed", Payload: bus.Payload{
				"oldLayer": "active", "newLayer": "core",
			}},
			want: false,
		},
		{
			name:    "downgrade condition on downgrade",
			trigger: core.TriggerConfig{Kind: core.TriggerEventType, EventType: "relationship.layer_changed", Condition: "downgrade"},
			event: BusEvent{Type: "relationship.layer_changed", Payload: bus.Payload{
				"oldLayer": "core", "newLayer": "casual",
			}},
			want: true,
		},
		{
			name:    "timer needs matching interval",
			trigger: core.TriggerConfig{Kind: core.TriggerTimer, IntervalMs: 6 * hourMs},
			event:   BusEvent{Type: "timer.tick", Payload: bus.Payload{"intervalMs": float64(6 * hourMs)}},
			want:    true,
		},
		{
			name:    "timer rejects wrong interval",
			trigger: core.TriggerConfig{Kind: core.TriggerTimer, IntervalMs: 6 * hourMs},
			event:   BusEvent{Type: "timer.tick", Payload: bus.Payload{"intervalMs": float64(dayMs)}},
			want:    false,
		},
		{
			name:    "zero interval matches any tick",
			trigger: core.TriggerConfig{Kind: core.TriggerTimer},
			event:   BusEvent{Type: "timer.tick", Payload: bus.Payload{"intervalMs": float64(dayMs)}},
			want:    true,
		},
		{
			name:    "timer never fires off non-tick events",
			trigger: core.TriggerConfig{Kind: core.TriggerTimer},
			event:   BusEvent{Type: "message.new"},
			want:    false,
		},
		{
			name: "tag intersection requires enough overlap",
			trigger: core.TriggerConfig{
				Kind: core.TriggerTagIntersection, EventType: "message.new", MinCommonTags: 2,
			},
			event: BusEvent{Type: "message.new", Payload: bus.Payload{
				"domainTags":      []string{"cooking", "food"},
				"senderInterests": []string{"cooking"},
			}},
			want: false,
		},
		{
			name: "tag intersection satisfied",
			trigger: core.TriggerConfig{
				Kind: core.TriggerTagIntersection, EventType: "message.new", MinCommonTags: 1,
			},
			event: BusEvent{Type: "message.new", Payload: bus.Payload{
				"domainTags":      []string{"cooking", "food"},
				"senderInterests": []string{"food", "hiking"},
			}},
			want: true,
		},
		{
			name:    "threshold lt",
			trigger: core.TriggerConfig{Kind: core.TriggerThreshold, Field: "strength", Op: "lt", Value: 0.3},
			event:   BusEvent{Type: "relationship.layer_changed", Payload: bus.Payload{"strength": 0.2}},
			want:    true,
		},
		{
			name:    "threshold missing field",
			trigger: core.TriggerConfig{Kind: core.TriggerThreshold, Field: "strength", Op: "lt", Value: 0.3},
			event:   BusEvent{Type: "relationship.layer_changed", Payload: bus.Payload{}},
			want:    false,
		},
		{
			name:    "counter rejects fractional values",
			trigger: core.TriggerConfig{Kind: core.TriggerCounter, Field: "votes", Op: "gte", Value: 3},
			event:   BusEvent{Type: "poll.closing_soon", Payload: bus.Payload{"votes": 2.5}},
			want:    false,
		},
		{
			name:    "counter gte",
			trigger: core.TriggerConfig{Kind: core.TriggerCounter, Field: "votes", Op: "gte", Value: 3},
			event:   BusEvent{Type: "poll.closing_soon", Payload: bus.Payload{"votes": 3}},
			want:    true,
		},
		{
			name:    "deadline inside window",
			trigger: core.TriggerConfig{Kind: core.TriggerDeadline, WithinMs: hourMs},
			event: BusEvent{Type: "poll.closing_soon", Payload: bus.Payload{
				"closesAt": now.Add(30 * time.Minute).Format(time.RFC3339),
			}},
			want: true,
		},
		{
			name:    "deadline already past",
			trigger: core.TriggerConfig{Kind: core.TriggerDeadline, WithinMs: hourMs},
			event: BusEvent{Type: "poll.closing_soon", Payload: bus.Payload{
				"closesAt": now.Add(-time.Minute).Format(time.RFC3339),
			}},
			want: false,
		},
		{
			name:    "any execution",
			trigger: core.TriggerConfig{Kind: core.TriggerAnyExecution},
			event:   BusEvent{Type: "__reflex_execution__"},
			want:    true,
		},
		{
			name:    "multi heartbeat forwards heartbeats",
			trigger: core.TriggerConfig{Kind: core.TriggerMultiHeartbeat},
			event:   BusEvent{Type: "heartbeat.received"},
			want:    true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := &core.Reflex{Trigger: tc.trigger}
			assert.Equal(t, tc.want, Match(r, tc.event, now))
		})
	}
}

func TestCanonicalizeClawIDPrecedence(t *testing.T) {
	ev := Canonicalize(bus.TopicMessageNew, bus.Payload{
		"recipientId": "bob",
		"ownerId":     "carol",
	})
	assert.Equal(t, "bob", ev.ClawID)

	ev = Canonicalize(bus.TopicMessageNew, bus.Payload{"senderId": "alice"})
	assert.Empty(t, ev.ClawID)
}

// ============================================================================
// ENGINE
// ============================================================================

func TestHardConstraintBlocksAfterHourlyCap(t *testing.T) {
	engine, store, _, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, store.Reflexes().Upsert(ctx, &core.Reflex{
		ID: "r1", OwnerID: "alice", Name: "track_thread_progress",
		Behavior: "tracking",
		Trigger: core.TriggerConfig{
			Kind: core.TriggerEventType, EventType: "thread.contribution_added",
		},
		Enabled: true, Source: core.SourceBuiltin,
	}))

	ev := BusEvent{Type: "thread.contribution_added", ClawID: "alice", Payload: bus.Payload{"threadId": "t1"}}
	for i := 0; i < 25; i++ {
		engine.HandleEvent(ctx, ev)
	}

	var executed, blocked int
	for _, e := range executions(t, store, "alice") {
		switch e.Result {
		case core.ResultExecuted:
			executed++
		case core.ResultBlocked:
			blocked++
			assert.Equal(t, "hard_constraint", e.Details["reason"])
		}
	}
	assert.Equal(t, 20, executed)
	assert.Equal(t, 5, blocked)
}

func TestHardConstraintResetsNextHour(t *testing.T) {
	engine, store, _, clk := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, store.Reflexes().Upsert(ctx, &core.Reflex{
		ID: "r1", OwnerID: "alice", Name: "track_thread_progress",
		Behavior: "tracking",
		Trigger: core.TriggerConfig{
			Kind: core.TriggerEventType, EventType: "thread.contribution_added",
		},
		Enabled: true, Source: core.SourceBuiltin,
	}))

	ev := BusEvent{Type: "thread.contribution_added", ClawID: "alice", Payload: bus.Payload{}}
	for i := 0; i < 21; i++ {
		engine.HandleEvent(ctx, ev)
	}
	clk.Advance(time.Hour)
	engine.HandleEvent(ctx, ev)

	var blocked, executed int
	for _, e := range executions(t, store, "alice") {
		switch e.Result {
		case core.ResultBlocked:
			blocked++
		case core.ResultExecuted:
			executed++
		}
	}
	assert.Equal(t, 1, blocked)
	assert.Equal(t, 21, executed)
}

func TestAuditAndKeepaliveExemptFromHardConstraint(t *testing.T) {
	engine, store, _, _ := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, engine.InitializeBuiltins(ctx, "alice"))

	// Exhaust the hourly budget with a counted reflex.
	require.NoError(t, store.Reflexes().Upsert(ctx, &core.Reflex{
		ID: "rx", OwnerID: "alice", Name: "track_thread_progress_extra",
		Behavior: "tracking",
		Trigger: core.TriggerConfig{
			Kind: core.TriggerEventType, EventType: "thread.contribution_added",
		},
		Enabled: true, Source: core.SourceBuiltin,
	}))
	for i := 0; i < 20; i++ {
		engine.HandleEvent(ctx, BusEvent{Type: "thread.contribution_added", ClawID: "alice", Payload: bus.Payload{}})
	}

	// The keepalive timer still runs over budget.
	engine.HandleEvent(ctx, BusEvent{
		Type: "timer.tick", ClawID: "alice",
		Payload: bus.Payload{"intervalMs": float64(6 * hourMs)},
	})

	found := false
	for _, e := range executions(t, store, "alice") {
		if e.ReflexName == NameKeepaliveHeartbeat {
			found = true
			assert.Equal(t, core.ResultExecuted, e.Result)
		}
	}
	assert.True(t, found)
}

func TestAuditReflexCannotBeDisabled(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, engine.InitializeBuiltins(ctx, "alice"))

	err := engine.Disable(ctx, "alice", core.AuditReflexName)
	assert.True(t, core.IsKind(err, core.ErrForbidden))

	require.NoError(t, engine.Disable(ctx, "alice", NamePhaticMicroReaction))
	require.NoError(t, engine.Enable(ctx, "alice", NamePhaticMicroReaction))

	err = engine.Disable(ctx, "alice", "no_such_reflex")
	assert.True(t, core.IsKind(err, core.ErrNotFound))
}

func TestInitializeBuiltinsPreservesDisabledState(t *testing.T) {
	engine, store, _, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, engine.InitializeBuiltins(ctx, "alice"))
	require.NoError(t, engine.Disable(ctx, "alice", NamePhaticMicroReaction))
	require.NoError(t, engine.InitializeBuiltins(ctx, "alice"))

	r, err := store.Reflexes().FindByName(ctx, "alice", NamePhaticMicroReaction)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.False(t, r.Enabled)
}

func TestSyntheticExecutionEventsDoNotCascade(t *testing.T) {
	engine, store, b, _ := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, engine.InitializeBuiltins(ctx, "alice"))
	engine.Subscribe()

	// One real event: the tracking reflex runs, its synthetic reflex.execution
	// event triggers the audit reflex once, and the audit record emits nothing
	// further.
	b.Emit(ctx, bus.TopicThreadContribution, bus.Payload{
		"contributorId": "alice",
		"threadId":      "t1",
	})

	var tracking, audit int
	for _, e := range executions(t, store, "alice") {
		switch e.ReflexName {
		case NameTrackThreadProgress:
			tracking++
		case NameAuditBehaviorLog:
			audit++
		}
	}
	assert.Equal(t, 1, tracking)
	assert.Equal(t, 1, audit)
}

func TestDisabledReflexesNeverFire(t *testing.T) {
	engine, store, _, _ := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, engine.InitializeBuiltins(ctx, "alice"))
	require.NoError(t, engine.Disable(ctx, "alice", NameTrackThreadProgress))

	engine.HandleEvent(ctx, BusEvent{
		Type: "thread.contribution_added", ClawID: "alice", Payload: bus.Payload{"threadId": "t1"},
	})

	for _, e := range executions(t, store, "alice") {
		assert.NotEqual(t, NameTrackThreadProgress, e.ReflexName)
	}
}

// ============================================================================
// LAYER-1 DISPATCH
// ============================================================================

func TestDispatchL1QueuesRoutingWithContext(t *testing.T) {
	engine, store, _, _ := newTestEngine(t)
	ctx := context.Background()
	mkFriends(t, store, "alice", "bob")

	require.NoError(t, store.Pearls().Create(ctx, &core.Pearl{
		ID: "p1", OwnerID: "alice", Type: "insight",
		DomainTags: []string{"cooking"}, Luster: 0.5,
		Shareability: core.SharePublic, Origin: core.OriginManual,
		CreatedAt: testStart, UpdatedAt: testStart,
	}))
	require.NoError(t, engine.InitializeLayer1Builtins(ctx, "alice"))

	queue := &captureQueue{}
	engine.AttachBatchProcessor(queue)
	assert.True(t, engine.L1Active())

	engine.HandleEvent(ctx, BusEvent{
		Type: "heartbeat.received", ClawID: "alice",
		Payload: bus.Payload{
			"fromClawId": "bob",
			"toClawId":   "alice",
			"interests":  []string{"cooking"},
		},
	})

	var item QueueItem
	for _, it := range queue.items {
		if it.ReflexName == NameRoutePearlByInterest {
			item = it
		}
	}
	require.NotEmpty(t, item.ExecutionID)
	rc, ok := item.TriggerData["routingContext"].(*pearl.RoutingContext)
	require.True(t, ok)
	assert.Equal(t, "bob", rc.TargetClawID)
	require.Len(t, rc.Candidates, 1)
	assert.Equal(t, "p1", rc.Candidates[0].ID)

	// The audit row is queued_for_l1 with the routing target recorded.
	found := false
	for _, e := range executions(t, store, "alice") {
		if e.ReflexName == NameRoutePearlByInterest {
			found = true
			assert.Equal(t, core.ResultQueuedForL1, e.Result)
			assert.Equal(t, "bob", e.Details["targetClawId"])
		}
	}
	assert.True(t, found)
}

func TestDispatchL1RoutingDropsSilentlyWithoutCandidates(t *testing.T) {
	engine, store, _, _ := newTestEngine(t)
	ctx := context.Background()
	mkFriends(t, store, "alice", "bob")
	require.NoError(t, engine.InitializeLayer1Builtins(ctx, "alice"))

	queue := &captureQueue{}
	engine.AttachBatchProcessor(queue)

	// No shareable pearls: no queue item and no routing audit row.
	engine.HandleEvent(ctx, BusEvent{
		Type: "heartbeat.received", ClawID: "alice",
		Payload: bus.Payload{
			"fromClawId": "bob",
			"interests":  []string{"cooking"},
		},
	})

	for _, it := range queue.items {
		assert.NotEqual(t, NameRoutePearlByInterest, it.ReflexName)
	}
	for _, e := range executions(t, store, "alice") {
		assert.NotEqual(t, NameRoutePearlByInterest, e.ReflexName)
	}
}

func TestDispatchL1FrequencyCapSuppressesRouting(t *testing.T) {
	engine, store, _, _ := newTestEngine(t)
	ctx := context.Background()
	mkFriends(t, store, "alice", "bob")

	require.NoError(t, store.Pearls().Create(ctx, &core.Pearl{
		ID: "p1", OwnerID: "alice", Type: "insight",
		DomainTags: []string{"cooking"}, Luster: 0.5,
		Shareability: core.SharePublic, Origin: core.OriginManual,
		CreatedAt: testStart, UpdatedAt: testStart,
	}))
	for i := 0; i < 3; i++ {
		require.NoError(t, store.Executions().Create(ctx, &core.ReflexExecution{
			ID: fmt.Sprintf("prior-%d", i), OwnerID: "alice",
			Result:    core.ResultQueuedForL1,
			Details:   map[string]interface{}{"targetClawId": "bob"},
			CreatedAt: testStart,
		}))
	}
	require.NoError(t, engine.InitializeLayer1Builtins(ctx, "alice"))

	queue := &captureQueue{}
	engine.AttachBatchProcessor(queue)

	engine.HandleEvent(ctx, BusEvent{
		Type: "heartbeat.received", ClawID: "alice",
		Payload: bus.Payload{
			"fromClawId": "bob",
			"interests":  []string{"cooking"},
		},
	})

	for _, it := range queue.items {
		assert.NotEqual(t, NameRoutePearlByInterest, it.ReflexName)
	}
}

func TestDispatchL1GroomOpeningCarriesPhrase(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, engine.InitializeLayer1Builtins(ctx, "alice"))

	queue := &captureQueue{}
	engine.AttachBatchProcessor(queue)

	engine.HandleEvent(ctx, BusEvent{
		Type: "heartbeat.received", ClawID: "alice",
		Payload: bus.Payload{"fromClawId": "bob", "toClawId": "alice"},
	})

	var item QueueItem
	for _, it := range queue.items {
		if it.ReflexName == NameGroomOpening {
			item = it
		}
	}
	require.NotEmpty(t, item.ExecutionID)
	assert.Equal(t, "bob", item.TriggerData["friendId"])
	assert.Contains(t, groomPhrases, item.TriggerData["groomPhrase"])
}
