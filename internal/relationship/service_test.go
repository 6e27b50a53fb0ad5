package relationship

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawbuds/backend/internal/bus"
	"github.com/clawbuds/backend/internal/clock"
	"github.com/clawbuds/backend/internal/core"
	"github.com/clawbuds/backend/internal/repo/memory"
)

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *memory.Store, *bus.Bus, *clock.Manual) {
	t.Helper()
	store := memory.New()
	b := bus.New(nil)
	clk := clock.NewManual(testStart)
	svc := NewService(store, b, clk, 7, nil)
	svc.Subscribe()
	return svc, store, b, clk
}

func putEdge(t *testing.T, store *memory.Store, from, to string, strength float64, at time.Time) {
	t.Helper()
	err := store.Strengths().Put(context.Background(), &core.RelationshipStrength{
		FromClawID:  from,
		ToClawID:    to,
		Strength:    strength,
		Layer:       LayerFor(strength),
		LastBoostAt: at,
	})
	require.NoError(t, err)
}

func TestDecayedStrengthHalfLife(t *testing.T) {
	now := testStart.Add(7 * 24 * time.Hour)
	got := DecayedStrength(0.8, testStart, now, 7)
	assert.InDelta(t, 0.4, got, 1e-9)
}

func TestDecayedStrengthNoTimeElapsed(t *testing.T) {
	assert.Equal(t, 0.8, DecayedStrength(0.8, testStart, testStart, 7))
}

func TestLayerBands(t *testing.T) {
	assert.Equal(t, core.LayerCore, LayerFor(0.75))
	assert.Equal(t, core.LayerSympathy, LayerFor(0.5))
	assert.Equal(t, core.LayerSympathy, LayerFor(0.7499))
	assert.Equal(t, core.LayerActive, LayerFor(0.25))
	assert.Equal(t, core.LayerCasual, LayerFor(0.2499))
	assert.Equal(t, core.LayerCasual, LayerFor(0))
}

func TestFriendAcceptedInitialisesBothDirections(t *testing.T) {
	_, store, b, _ := newTestService(t)
	ctx := context.Background()

	b.Emit(ctx, bus.TopicFriendAccepted, bus.Payload{
		"friendshipId": "f1",
		"requesterId":  "alice",
		"accepterId":   "bob",
	})

	for _, pair := range [][2]string{{"alice", "bob"}, {"bob", "alice"}} {
		rs, err := store.Strengths().Get(ctx, pair[0], pair[1])
		require.NoError(t, err)
		require.NotNil(t, rs)
		assert.Equal(t, InitialStrength, rs.Strength)
		assert.Equal(t, core.LayerSympathy, rs.Layer)
	}
}

func TestBoostAppliesDecayThenDelta(t *testing.T) {
	svc, store, _, clk := newTestService(t)
	ctx := context.Background()
	putEdge(t, store, "alice", "bob", 0.8, testStart)

	clk.Advance(7 * 24 * time.Hour)
	require.NoError(t, svc.Boost(ctx, "alice", "bob", "message"))

	rs, err := store.Strengths().Get(ctx, "alice", "bob")
	require.NoError(t, err)
	// Half-life decay to 0.4, then the message delta.
	assert.InDelta(t, 0.46, rs.Strength, 1e-9)
	assert.Equal(t, core.LayerActive, rs.Layer)
}

func TestBoostUnknownKindRejected(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	putEdge(t, store, "alice", "bob", 0.5, testStart)
	err := svc.Boost(context.Background(), "alice", "bob", "telepathy")
	assert.True(t, core.IsKind(err, core.ErrValidation))
}

func TestBoostWithoutEdgeIsNoOp(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.Boost(ctx, "alice", "stranger", "message"))
	rs, err := store.Strengths().Get(ctx, "alice", "stranger")
	require.NoError(t, err)
	assert.Nil(t, rs)
}

func TestBoostEmitsLayerChangeOnceOnBandCrossing(t *testing.T) {
	svc, store, b, _ := newTestService(t)
	ctx := context.Background()
	putEdge(t, store, "alice", "bob", 0.72, testStart)

	var events []bus.Payload
	b.Subscribe(bus.TopicLayerChanged, func(_ context.Context, _ bus.Topic, p bus.Payload) {
		events = append(events, p)
	})

	// 0.72 + 0.06 crosses into core.
	require.NoError(t, svc.Boost(ctx, "alice", "bob", "message"))
	require.Len(t, events, 1)
	assert.Equal(t, "alice", events[0]["fromClawId"])
	assert.Equal(t, "bob", events[0]["toClawId"])
	assert.Equal(t, string(core.LayerSympathy), events[0]["oldLayer"])
	assert.Equal(t, string(core.LayerCore), events[0]["newLayer"])

	// Same-band boost stays silent.
	require.NoError(t, svc.Boost(ctx, "alice", "bob", "reaction"))
	assert.Len(t, events, 1)
}

func TestCurrentAppliesDecayAndPersistsBandCrossing(t *testing.T) {
	svc, store, b, clk := newTestService(t)
	ctx := context.Background()
	putEdge(t, store, "alice", "bob", 0.6, testStart)

	var events int
	b.Subscribe(bus.TopicLayerChanged, func(_ context.Context, _ bus.Topic, _ bus.Payload) {
		events++
	})

	clk.Advance(14 * 24 * time.Hour) // two half-lives: 0.6 -> 0.15

	view, err := svc.Current(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.InDelta(t, 0.15, view.Strength, 1e-9)
	assert.Equal(t, core.LayerCasual, view.Layer)
	assert.Equal(t, 1, events)

	// Second read observes the persisted state; no duplicate event.
	_, err = svc.Current(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, events)
}

func TestFriendRemovedDeletesBothDirections(t *testing.T) {
	_, store, b, _ := newTestService(t)
	ctx := context.Background()
	putEdge(t, store, "alice", "bob", 0.5, testStart)
	putEdge(t, store, "bob", "alice", 0.5, testStart)

	b.Emit(ctx, bus.TopicFriendRemoved, bus.Payload{"clawId": "alice", "friendId": "bob"})

	rs, err := store.Strengths().Get(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Nil(t, rs)
	rs, err = store.Strengths().Get(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.Nil(t, rs)
}

func TestHeartbeatEventBoostsBothDirectionsIndependently(t *testing.T) {
	_, store, b, _ := newTestService(t)
	ctx := context.Background()
	putEdge(t, store, "alice", "bob", 0.3, testStart)
	putEdge(t, store, "bob", "alice", 0.3, testStart)

	b.Emit(ctx, bus.TopicHeartbeatReceived, bus.Payload{
		"heartbeatId": "h1",
		"fromClawId":  "alice",
		"toClawId":    "bob",
	})

	rs, err := store.Strengths().Get(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.InDelta(t, 0.31, rs.Strength, 1e-9)
	// The reverse edge is untouched by a one-way heartbeat.
	rs, err = store.Strengths().Get(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.InDelta(t, 0.3, rs.Strength, 1e-9)
}
