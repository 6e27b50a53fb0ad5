package trust

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

func newTestService(t *testing.T) (*Service, *memory.Store, *bus.Bus) {
	t.Helper()
	store := memory.New()
	b := bus.New(nil)
	svc := NewService(store, b, clock.NewManual(testStart), DefaultWeights, 0.9, nil)
	svc.Subscribe()
	return svc, store, b
}

func TestCompositeIdentityWhenAllEqual(t *testing.T) {
	// With H unset and Q = N = W = v, renormalisation yields exactly v.
	for _, v := range []float64{0, 0.25, 0.5, 0.9, 1} {
		assert.InDelta(t, v, Composite(DefaultWeights, v, v, v, nil), 1e-12)
	}
}

func TestCompositeWithHumanScore(t *testing.T) {
	h := 1.0
	// 0.25*0.6 + 0.40*1.0 + 0.20*0.5 + 0.15*0.2
	assert.InDelta(t, 0.68, Composite(DefaultWeights, 0.6, 0.5, 0.2, &h), 1e-12)
}

func TestCompositeScenario(t *testing.T) {
	h := 0.8
	// 0.25*0.7 + 0.40*0.8 + 0.20*0.4 + 0.15*0.2 = 0.605
	assert.InDelta(t, 0.605, Composite(DefaultWeights, 0.7, 0.4, 0.2, &h), 1e-12)
}

func TestCompositeClamped(t *testing.T) {
	h := 1.0
	assert.LessOrEqual(t, Composite(DefaultWeights, 1, 1, 1, &h), 1.0)
	assert.GreaterOrEqual(t, Composite(DefaultWeights, 0, 0, 0, nil), 0.0)
}

func TestGetFallsBackToOverallThenDefault(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	// No rows at all: neutral default, not persisted.
	ts, err := svc.Get(ctx, "alice", "bob", "cooking")
	require.NoError(t, err)
	assert.Equal(t, 0.5, ts.Q)
	assert.Equal(t, 0.5, ts.N)
	assert.Equal(t, 0.0, ts.W)
	assert.Nil(t, ts.H)
	stored, err := store.Trust().Get(ctx, "alice", "bob", "cooking")
	require.NoError(t, err)
	assert.Nil(t, stored)

	// An _overall row answers domain lookups with no domain row.
	require.NoError(t, svc.Upsert(ctx, &core.TrustScore{
		FromClawID: "alice", ToClawID: "bob", Domain: core.DomainOverall,
		Q: 0.9, N: 0.5, W: 0.1,
	}))
	ts, err = svc.Get(ctx, "alice", "bob", "cooking")
	require.NoError(t, err)
	assert.Equal(t, core.DomainOverall, ts.Domain)
	assert.Equal(t, 0.9, ts.Q)
}

func TestApplySignalTouchesOverallAndDomainRows(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.ApplySignal(ctx, "alice", "bob", "cooking", "helpful_reply"))

	overall, err := store.Trust().Get(ctx, "alice", "bob", core.DomainOverall)
	require.NoError(t, err)
	require.NotNil(t, overall)
	assert.InDelta(t, 0.55, overall.Q, 1e-9)

	domain, err := store.Trust().Get(ctx, "alice", "bob", "cooking")
	require.NoError(t, err)
	require.NotNil(t, domain)
	assert.InDelta(t, 0.55, domain.Q, 1e-9)
	assert.InDelta(t, Composite(DefaultWeights, domain.Q, domain.N, domain.W, nil), domain.Composite, 1e-9)
}

func TestApplySignalNegativeDeltaClampsAtZero(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Upsert(ctx, &core.TrustScore{
		FromClawID: "alice", ToClawID: "bob", Domain: core.DomainOverall,
		Q: 0.05, N: 0.5,
	}))
	require.NoError(t, svc.ApplySignal(ctx, "alice", "bob", "", "commitment_broken"))

	ts, err := store.Trust().Get(ctx, "alice", "bob", core.DomainOverall)
	require.NoError(t, err)
	assert.Equal(t, 0.0, ts.Q)
}

func TestApplySignalUnknownSignal(t *testing.T) {
	svc, _, _ := newTestService(t)
	err := svc.ApplySignal(context.Background(), "alice", "bob", "", "vibes")
	assert.True(t, core.IsKind(err, core.ErrValidation))
}

func TestSetHumanScoreRecomputesComposite(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.SetHumanScore(ctx, "alice", "bob", "", 0.8))

	ts, err := store.Trust().Get(ctx, "alice", "bob", core.DomainOverall)
	require.NoError(t, err)
	require.NotNil(t, ts.H)
	assert.Equal(t, 0.8, *ts.H)
	// 0.25*0.5 + 0.40*0.8 + 0.20*0.5 + 0.15*0
	assert.InDelta(t, 0.545, ts.Composite, 1e-9)

	assert.Error(t, svc.SetHumanScore(ctx, "alice", "bob", "", 1.5))
}

func TestPearlEndorsedEventAppliesSignal(t *testing.T) {
	_, store, b := newTestService(t)
	ctx := context.Background()

	b.Emit(ctx, bus.TopicPearlEndorsed, bus.Payload{
		"pearlId":    "p1",
		"ownerId":    "bob",
		"endorserId": "alice",
		"domain":     "cooking",
		"score":      0.9,
	})

	// Signal runs endorser → owner.
	ts, err := store.Trust().Get(ctx, "alice", "bob", "cooking")
	require.NoError(t, err)
	require.NotNil(t, ts)
	assert.InDelta(t, 0.54, ts.Q, 1e-9)
}

func TestLayerChangedEventRecomputesNetwork(t *testing.T) {
	_, store, b := newTestService(t)
	ctx := context.Background()

	b.Emit(ctx, bus.TopicLayerChanged, bus.Payload{
		"fromClawId": "alice",
		"toClawId":   "bob",
		"oldLayer":   "active",
		"newLayer":   "core",
		"strength":   0.8,
	})

	ts, err := store.Trust().Get(ctx, "alice", "bob", core.DomainOverall)
	require.NoError(t, err)
	require.NotNil(t, ts)
	// (layerScore 1.0 + strength 0.8 + mutuals 0) / 3
	assert.InDelta(t, 0.6, ts.N, 1e-9)
}

func TestFriendRemovedDeletesTrustBothWays(t *testing.T) {
	svc, store, b := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.Upsert(ctx, &core.TrustScore{
		FromClawID: "alice", ToClawID: "bob", Domain: core.DomainOverall, Q: 0.7, N: 0.5,
	}))
	require.NoError(t, svc.Upsert(ctx, &core.TrustScore{
		FromClawID: "bob", ToClawID: "alice", Domain: core.DomainOverall, Q: 0.7, N: 0.5,
	}))

	b.Emit(ctx, bus.TopicFriendRemoved, bus.Payload{"clawId": "alice", "friendId": "bob"})

	ts, err := store.Trust().Get(ctx, "alice", "bob", core.DomainOverall)
	require.NoError(t, err)
	assert.Nil(t, ts)
	ts, err = store.Trust().Get(ctx, "bob", "alice", core.DomainOverall)
	require.NoError(t, err)
	assert.Nil(t, ts)
}

func TestRecomputeWitnessAveragesChains(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	// alice and bob share the mutual friend mila.
	mkFriends := func(a, b string) {
		require.NoError(t, store.Friendships().Create(ctx, &core.Friendship{
			ID: a + "-" + b, RequesterID: a, AccepterID: b,
			Status: core.FriendshipAccepted, CreatedAt: testStart,
		}))
	}
	mkFriends("alice", "bob")
	mkFriends("alice", "mila")
	mkFriends("mila", "bob")

	require.NoError(t, svc.Upsert(ctx, &core.TrustScore{
		FromClawID: "alice", ToClawID: "mila", Domain: core.DomainOverall, Q: 0.8, N: 0.8, W: 0.8,
	}))
	require.NoError(t, svc.Upsert(ctx, &core.TrustScore{
		FromClawID: "mila", ToClawID: "bob", Domain: "cooking", Q: 0.6, N: 0.6, W: 0.6,
	}))

	require.NoError(t, svc.RecomputeWitness(ctx, "alice", "bob", "cooking"))

	ts, err := store.Trust().Get(ctx, "alice", "bob", "cooking")
	require.NoError(t, err)
	require.NotNil(t, ts)
	// Composites renormalise to 0.8 and 0.6: W = 0.8 * 0.6 * 0.9.
	assert.InDelta(t, 0.432, ts.W, 1e-9)
}

func TestDecaySweepDecaysQNeverH(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Upsert(ctx, &core.TrustScore{
		FromClawID: "alice", ToClawID: "bob", Domain: core.DomainOverall, Q: 0.8, N: 0.5,
	}))
	require.NoError(t, svc.SetHumanScore(ctx, "alice", "bob", "", 0.9))

	n, err := svc.DecaySweep(ctx, 0.99)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ts, err := store.Trust().Get(ctx, "alice", "bob", core.DomainOverall)
	require.NoError(t, err)
	assert.InDelta(t, 0.792, ts.Q, 1e-9)
	require.NotNil(t, ts.H)
	assert.Equal(t, 0.9, *ts.H)
}
