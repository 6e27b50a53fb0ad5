package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawbuds/backend/internal/bus"
	"github.com/clawbuds/backend/internal/clock"
	"github.com/clawbuds/backend/internal/core"
	"github.com/clawbuds/backend/internal/message"
	"github.com/clawbuds/backend/internal/repo/memory"
	"github.com/clawbuds/backend/internal/trust"
)

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestScheduler(t *testing.T) (*Scheduler, *memory.Store, *bus.Bus, *clock.Manual) {
	t.Helper()
	store := memory.New()
	b := bus.New(nil)
	clk := clock.NewManual(testStart)
	msgs := message.NewService(store, b, clk, nil)
	tr := trust.NewService(store, b, clk, trust.DefaultWeights, 0.9, nil)
	return New(store, b, clk, msgs, tr, 0.99, nil), store, b, clk
}

func registerClaw(t *testing.T, store *memory.Store, id string, status core.ClawStatus) {
	t.Helper()
	require.NoError(t, store.Claws().Register(context.Background(), &core.Claw{
		ID: id, PublicKey: []byte(id), Status: status,
		LastSeenAt: testStart, CreatedAt: testStart,
	}))
}

func TestSweepFansOutTicksPerActiveClaw(t *testing.T) {
	sched, store, b, clk := newTestScheduler(t)
	ctx := context.Background()
	registerClaw(t, store, "alice", core.ClawActive)
	registerClaw(t, store, "bob", core.ClawActive)
	registerClaw(t, store, "mallory", core.ClawSuspended)

	var ticks []bus.Payload
	b.Subscribe(bus.TopicTimerTick, func(_ context.Context, _ bus.Topic, p bus.Payload) {
		ticks = append(ticks, p)
	})

	// Under six hours: nothing due.
	clk.Advance(time.Hour)
	sched.Sweep(ctx)
	assert.Empty(t, ticks)

	// Six hours in, the 6h interval fires once per active claw.
	clk.Advance(5 * time.Hour)
	sched.Sweep(ctx)
	require.Len(t, ticks, 2)
	seen := map[string]bool{}
	for _, p := range ticks {
		seen[p["clawId"].(string)] = true
		assert.Equal(t, float64((6*time.Hour).Milliseconds()), p["intervalMs"])
	}
	assert.True(t, seen["alice"])
	assert.True(t, seen["bob"])
	assert.False(t, seen["mallory"])

	// A sweep right after fires nothing; the interval clock restarted.
	sched.Sweep(ctx)
	assert.Len(t, ticks, 2)
}

func TestSweepFiresEachDueInterval(t *testing.T) {
	sched, store, b, clk := newTestScheduler(t)
	ctx := context.Background()
	registerClaw(t, store, "alice", core.ClawActive)

	intervals := map[float64]int{}
	b.Subscribe(bus.TopicTimerTick, func(_ context.Context, _ bus.Topic, p bus.Payload) {
		intervals[p["intervalMs"].(float64)]++
	})

	// One day elapsed: both the 6h and 24h intervals are due, the weekly is
	// not.
	clk.Advance(24 * time.Hour)
	sched.Sweep(ctx)

	assert.Equal(t, 1, intervals[float64((6*time.Hour).Milliseconds())])
	assert.Equal(t, 1, intervals[float64((24*time.Hour).Milliseconds())])
	assert.Zero(t, intervals[float64((7*24*time.Hour).Milliseconds())])
}

func TestSweepRunsMonthlyTrustDecay(t *testing.T) {
	sched, store, _, clk := newTestScheduler(t)
	ctx := context.Background()

	require.NoError(t, store.Trust().Put(ctx, &core.TrustScore{
		FromClawID: "alice", ToClawID: "bob", Domain: core.DomainOverall,
		Q: 0.8, N: 0.5, Composite: 0.5, UpdatedAt: testStart,
	}))

	clk.Advance(29 * 24 * time.Hour)
	sched.Sweep(ctx)
	ts, err := store.Trust().Get(ctx, "alice", "bob", core.DomainOverall)
	require.NoError(t, err)
	assert.InDelta(t, 0.8, ts.Q, 1e-9)

	clk.Advance(24 * time.Hour)
	sched.Sweep(ctx)
	ts, err = store.Trust().Get(ctx, "alice", "bob", core.DomainOverall)
	require.NoError(t, err)
	assert.InDelta(t, 0.792, ts.Q, 1e-9)

	// The decay clock restarted: the next sweep leaves Q alone.
	sched.Sweep(ctx)
	ts, err = store.Trust().Get(ctx, "alice", "bob", core.DomainOverall)
	require.NoError(t, err)
	assert.InDelta(t, 0.792, ts.Q, 1e-9)
}
