package pearl

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
	"github.com/clawbuds/backend/internal/trust"
)

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *trust.Service, *memory.Store, *bus.Bus) {
	t.Helper()
	store := memory.New()
	b := bus.New(nil)
	clk := clock.NewManual(testStart)
	tr := trust.NewService(store, b, clk, trust.DefaultWeights, 0.9, nil)
	svc := NewService(store, b, clk, tr, nil)
	return svc, tr, store, b
}

func mkFriends(t *testing.T, store *memory.Store, a, b string) {
	t.Helper()
	require.NoError(t, store.Friendships().Create(context.Background(), &core.Friendship{
		ID: a + "-" + b, RequesterID: a, AccepterID: b,
		Status: core.FriendshipAccepted, CreatedAt: testStart,
	}))
}

func TestComputeLusterBaseline(t *testing.T) {
	assert.Equal(t, 0.5, ComputeLuster(nil, 0))
}

func TestComputeLusterBounds(t *testing.T) {
	// A pile of zero votes cannot push luster below the floor.
	low := make([]WeightedScore, 20)
	for i := range low {
		low[i] = WeightedScore{Score: 0, Weight: 1}
	}
	assert.Equal(t, 0.1, ComputeLuster(low, 0))

	// Max votes plus max citation boost stay at the ceiling.
	high := make([]WeightedScore, 50)
	for i := range high {
		high[i] = WeightedScore{Score: 1, Weight: 1}
	}
	assert.Equal(t, 1.0, ComputeLuster(high, 100))
}

func TestComputeLusterBaselineDampensSingleVote(t *testing.T) {
	// One perfect vote with unit weight averages against the implicit 0.5.
	got := ComputeLuster([]WeightedScore{{Score: 1, Weight: 1}}, 0)
	assert.InDelta(t, 0.75, got, 1e-9)
}

func TestComputeLusterCitationBoost(t *testing.T) {
	assert.InDelta(t, 0.54, ComputeLuster(nil, 5), 1e-9)
	// Boost caps at 0.20.
	assert.InDelta(t, 0.70, ComputeLuster(nil, 1000), 1e-9)
}

func TestCreateStartsAtBaselineAndEmits(t *testing.T) {
	svc, _, _, b := newTestService(t)
	ctx := context.Background()

	var events []bus.Payload
	b.Subscribe(bus.TopicPearlCreated, func(_ context.Context, _ bus.Topic, p bus.Payload) {
		events = append(events, p)
	})

	p, err := svc.Create(ctx, "alice", CreateParams{
		Type:       "insight",
		DomainTags: []string{"cooking", "food"},
	})
	require.NoError(t, err)
	assert.Equal(t, 0.5, p.Luster)
	assert.Equal(t, core.SharePrivate, p.Shareability)
	require.Len(t, events, 1)
	assert.Equal(t, p.ID, events[0]["pearlId"])
	assert.Equal(t, "alice", events[0]["ownerId"])
}

func TestGetVisibilityGates(t *testing.T) {
	svc, _, store, _ := newTestService(t)
	ctx := context.Background()

	private, err := svc.Create(ctx, "alice", CreateParams{Type: "insight", Shareability: core.SharePrivate})
	require.NoError(t, err)
	friendsOnly, err := svc.Create(ctx, "alice", CreateParams{Type: "insight", Shareability: core.ShareFriendsOnly})
	require.NoError(t, err)

	// Private pearls are indistinguishable from missing ones.
	_, err = svc.Get(ctx, private.ID, "bob")
	assert.True(t, core.IsKind(err, core.ErrNotFound))

	// Friends-only needs an accepted edge.
	_, err = svc.Get(ctx, friendsOnly.ID, "bob")
	assert.True(t, core.IsKind(err, core.ErrNotFriends))
	mkFriends(t, store, "alice", "bob")
	_, err = svc.Get(ctx, friendsOnly.ID, "bob")
	assert.NoError(t, err)

	// The owner always sees their own.
	_, err = svc.Get(ctx, private.ID, "alice")
	assert.NoError(t, err)
}

func TestEndorseGuardsAndRecompute(t *testing.T) {
	svc, _, store, _ := newTestService(t)
	ctx := context.Background()
	mkFriends(t, store, "alice", "bob")

	p, err := svc.Create(ctx, "alice", CreateParams{Type: "insight", Shareability: core.ShareFriendsOnly})
	require.NoError(t, err)

	_, err = svc.Endorse(ctx, p.ID, "alice", 0.9, "")
	assert.True(t, core.IsKind(err, core.ErrSelfEndorse))

	_, err = svc.Endorse(ctx, p.ID, "bob", 1.5, "")
	assert.True(t, core.IsKind(err, core.ErrValidation))

	// No trust rows: bob's endorsement carries the neutral default composite
	// (0.25*0.5 + 0.20*0.5) / 0.6 = 0.375 as its weight.
	updated, err := svc.Endorse(ctx, p.ID, "bob", 0.9, "nice")
	require.NoError(t, err)
	stored, err := store.Pearls().FindByID(ctx, p.ID)
	require.NoError(t, err)
	assert.InDelta(t, (0.5+0.9*0.375)/1.375, stored.Luster, 1e-9)
	assert.Equal(t, updated.ID, stored.ID)

	// Re-endorsing upserts instead of stacking votes.
	_, err = svc.Endorse(ctx, p.ID, "bob", 0.1, "")
	require.NoError(t, err)
	endorsements, err := store.Pearls().ListEndorsements(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, endorsements, 1)
}

func TestEndorseWeightsByOwnerTrustInEndorser(t *testing.T) {
	svc, tr, store, _ := newTestService(t)
	ctx := context.Background()
	mkFriends(t, store, "alice", "bob")

	require.NoError(t, tr.Upsert(ctx, &core.TrustScore{
		FromClawID: "alice", ToClawID: "bob", Domain: core.DomainOverall,
		Q: 0.9, N: 0.9, W: 0.9,
	}))

	p, err := svc.Create(ctx, "alice", CreateParams{Type: "insight", Shareability: core.ShareFriendsOnly})
	require.NoError(t, err)
	_, err = svc.Endorse(ctx, p.ID, "bob", 1.0, "")
	require.NoError(t, err)

	stored, err := store.Pearls().FindByID(ctx, p.ID)
	require.NoError(t, err)
	// Trusted endorser weight 0.9: (0.5 + 1.0*0.9) / 1.9.
	assert.InDelta(t, (0.5+0.9)/1.9, stored.Luster, 1e-9)
}

func TestCiteBoostsLuster(t *testing.T) {
	svc, _, store, _ := newTestService(t)
	ctx := context.Background()

	p, err := svc.Create(ctx, "alice", CreateParams{Type: "insight"})
	require.NoError(t, err)
	require.NoError(t, svc.Cite(ctx, p.ID, "other-pearl"))

	stored, err := store.Pearls().FindByID(ctx, p.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.508, stored.Luster, 1e-9)
}

func TestShareGuards(t *testing.T) {
	svc, _, store, _ := newTestService(t)
	ctx := context.Background()
	mkFriends(t, store, "alice", "bob")

	private, err := svc.Create(ctx, "alice", CreateParams{Type: "insight"})
	require.NoError(t, err)
	assert.True(t, core.IsKind(svc.Share(ctx, private.ID, "alice", "bob", nil), core.ErrPrivate))

	p, err := svc.Create(ctx, "alice", CreateParams{
		Type: "insight", Shareability: core.ShareFriendsOnly, DomainTags: []string{"cooking"},
	})
	require.NoError(t, err)

	assert.True(t, core.IsKind(svc.Share(ctx, p.ID, "bob", "carol", nil), core.ErrForbidden))
	assert.True(t, core.IsKind(svc.Share(ctx, p.ID, "alice", "carol", nil), core.ErrNotFriends))

	require.NoError(t, svc.Share(ctx, p.ID, "alice", "bob", nil))
	assert.True(t, core.IsKind(svc.Share(ctx, p.ID, "alice", "bob", nil), core.ErrDuplicate))
}

func TestShareDomainMismatchOnlyForRoutedShares(t *testing.T) {
	svc, _, store, _ := newTestService(t)
	ctx := context.Background()
	mkFriends(t, store, "alice", "bob")

	p, err := svc.Create(ctx, "alice", CreateParams{
		Type:            "insight",
		Shareability:    core.ShareFriendsOnly,
		DomainTags:      []string{"cooking"},
		ShareConditions: &core.ShareConditions{DomainMatch: true},
	})
	require.NoError(t, err)

	// Routed share against non-matching interests is rejected.
	err = svc.Share(ctx, p.ID, "alice", "bob", []string{"astronomy"})
	assert.True(t, core.IsKind(err, core.ErrDomainMismatch))

	// A manual share (nil interests) skips the guard entirely.
	require.NoError(t, svc.Share(ctx, p.ID, "alice", "bob", nil))
}

func TestSharedEmitsPrimaryDomain(t *testing.T) {
	svc, _, store, b := newTestService(t)
	ctx := context.Background()
	mkFriends(t, store, "alice", "bob")

	var events []bus.Payload
	b.Subscribe(bus.TopicPearlShared, func(_ context.Context, _ bus.Topic, p bus.Payload) {
		events = append(events, p)
	})

	p, err := svc.Create(ctx, "alice", CreateParams{
		Type: "insight", Shareability: core.SharePublic, DomainTags: []string{"cooking", "food"},
	})
	require.NoError(t, err)
	require.NoError(t, svc.Share(ctx, p.ID, "alice", "bob", nil))

	require.Len(t, events, 1)
	assert.Equal(t, "cooking", events[0]["domain"])
}
