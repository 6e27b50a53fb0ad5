package threadspace

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/nacl/box"

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
	return NewService(store, b, clk, nil), store, b, clk
}

// mkClaw registers a claw with a real X25519 exchange key and returns the
// private half so tests can unwrap thread keys.
func mkClaw(t *testing.T, store *memory.Store, id string) (*[32]byte, *[32]byte) {
	t.Helper()
	pub, priv, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)
	err = store.Claws().Register(context.Background(), &core.Claw{
		ID:          id,
		DisplayName: id,
		ExchangeKey: pub[:],
		Status:      core.ClawActive,
		CreatedAt:   testStart,
	})
	require.NoError(t, err)
	return pub, priv
}

func mkFriends(t *testing.T, store *memory.Store, a, b string) {
	t.Helper()
	now := testStart
	err := store.Friendships().Create(context.Background(), &core.Friendship{
		ID:          uuid.NewString(),
		RequesterID: a,
		AccepterID:  b,
		Status:      core.FriendshipAccepted,
		CreatedAt:   now,
		AcceptedAt:  &now,
	})
	require.NoError(t, err)
}

func TestCreateWrapsKeyPerParticipant(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	ctx := context.Background()
	alicePub, alicePriv := mkClaw(t, store, "alice")
	bobPub, bobPriv := mkClaw(t, store, "bob")
	mkFriends(t, store, "alice", "bob")

	thread, err := svc.Create(ctx, "alice", "research", "tide patterns", []string{"bob"})
	require.NoError(t, err)
	assert.Equal(t, core.ThreadActive, thread.Status)
	require.Len(t, thread.Participants, 2)

	keys := make(map[string][]byte, 2)
	unwrap := func(p core.ThreadParticipant, pub, priv *[32]byte) {
		clear, ok := box.OpenAnonymous(nil, p.WrappedKey, pub, priv)
		require.True(t, ok, "participant %s cannot unwrap", p.ClawID)
		keys[p.ClawID] = clear
	}
	for _, p := range thread.Participants {
		switch p.ClawID {
		case "alice":
			unwrap(p, alicePub, alicePriv)
		case "bob":
			unwrap(p, bobPub, bobPriv)
		default:
			t.Fatalf("unexpected participant %s", p.ClawID)
		}
	}
	// Both wraps decrypt to the same 32-byte thread key.
	require.Len(t, keys["alice"], 32)
	assert.Equal(t, keys["alice"], keys["bob"])
}

func TestCreateRejectsNonFriendsAndMissingKeys(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	ctx := context.Background()
	mkClaw(t, store, "alice")
	mkClaw(t, store, "bob")

	_, err := svc.Create(ctx, "alice", "chat", "no edge", []string{"bob"})
	assert.Equal(t, core.ErrNotFriends, core.KindOf(err))

	// Keyless friend cannot receive a wrapped thread key.
	err = store.Claws().Register(ctx, &core.Claw{
		ID: "keyless", DisplayName: "keyless", Status: core.ClawActive, CreatedAt: testStart,
	})
	require.NoError(t, err)
	mkFriends(t, store, "alice", "keyless")
	_, err = svc.Create(ctx, "alice", "chat", "no key", []string{"keyless"})
	assert.Equal(t, core.ErrValidation, core.KindOf(err))

	_, err = svc.Create(ctx, "alice", "chat", "", nil)
	assert.Equal(t, core.ErrValidation, core.KindOf(err))
}

func TestGetRequiresParticipation(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	ctx := context.Background()
	mkClaw(t, store, "alice")
	mkClaw(t, store, "bob")
	mkClaw(t, store, "eve")
	mkFriends(t, store, "alice", "bob")

	thread, err := svc.Create(ctx, "alice", "chat", "private", []string{"bob"})
	require.NoError(t, err)

	_, err = svc.Get(ctx, thread.ID, "bob")
	require.NoError(t, err)

	_, err = svc.Get(ctx, thread.ID, "eve")
	assert.Equal(t, core.ErrForbidden, core.KindOf(err))

	_, err = svc.Get(ctx, "missing", "alice")
	assert.Equal(t, core.ErrNotFound, core.KindOf(err))
}

func TestContributeEmitsEvent(t *testing.T) {
	svc, store, b, clk := newTestService(t)
	ctx := context.Background()
	mkClaw(t, store, "alice")
	mkClaw(t, store, "bob")
	mkFriends(t, store, "alice", "bob")

	var events []bus.Payload
	b.Subscribe(bus.TopicThreadContribution, func(_ context.Context, _ bus.Topic, p bus.Payload) {
		events = append(events, p)
	})

	thread, err := svc.Create(ctx, "alice", "chat", "notes", []string{"bob"})
	require.NoError(t, err)

	clk.Advance(time.Minute)
	c, err := svc.Contribute(ctx, thread.ID, "bob", []byte("ciphertext blob"))
	require.NoError(t, err)
	assert.Equal(t, clk.Now(), c.CreatedAt)

	require.Len(t, events, 1)
	assert.Equal(t, thread.ID, events[0]["threadId"])
	assert.Equal(t, "bob", events[0]["contributorId"])

	list, err := svc.Contributions(ctx, thread.ID, "alice")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, c.ID, list[0].ID)

	// Outsiders can neither write nor read.
	_, err = svc.Contribute(ctx, thread.ID, "eve", []byte("x"))
	assert.Equal(t, core.ErrForbidden, core.KindOf(err))
	_, err = svc.Contributions(ctx, thread.ID, "eve")
	assert.Equal(t, core.ErrForbidden, core.KindOf(err))
}

func TestContributeRequiresActiveThread(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	ctx := context.Background()
	mkClaw(t, store, "alice")
	mkClaw(t, store, "bob")
	mkFriends(t, store, "alice", "bob")

	thread, err := svc.Create(ctx, "alice", "chat", "done soon", []string{"bob"})
	require.NoError(t, err)

	_, err = svc.SetStatus(ctx, thread.ID, "alice", core.ThreadCompleted)
	require.NoError(t, err)

	_, err = svc.Contribute(ctx, thread.ID, "bob", []byte("too late"))
	assert.Equal(t, core.ErrValidation, core.KindOf(err))
}

func TestSetStatusCreatorOnly(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	ctx := context.Background()
	mkClaw(t, store, "alice")
	mkClaw(t, store, "bob")
	mkFriends(t, store, "alice", "bob")

	thread, err := svc.Create(ctx, "alice", "chat", "lifecycle", []string{"bob"})
	require.NoError(t, err)

	_, err = svc.SetStatus(ctx, thread.ID, "bob", core.ThreadArchived)
	assert.Equal(t, core.ErrForbidden, core.KindOf(err))

	updated, err := svc.SetStatus(ctx, thread.ID, "alice", core.ThreadArchived)
	require.NoError(t, err)
	assert.Equal(t, core.ThreadArchived, updated.Status)

	_, err = svc.SetStatus(ctx, thread.ID, "alice", core.ThreadStatus("bogus"))
	assert.Equal(t, core.ErrValidation, core.KindOf(err))
}

func TestListByParticipant(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	ctx := context.Background()
	mkClaw(t, store, "alice")
	mkClaw(t, store, "bob")
	mkClaw(t, store, "carol")
	mkFriends(t, store, "alice", "bob")
	mkFriends(t, store, "alice", "carol")

	_, err := svc.Create(ctx, "alice", "chat", "with bob", []string{"bob"})
	require.NoError(t, err)
	_, err = svc.Create(ctx, "alice", "chat", "with carol", []string{"carol"})
	require.NoError(t, err)

	mine, err := svc.List(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	bobs, err := svc.List(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, bobs, 1)
	assert.Equal(t, "with bob", bobs[0].Title)
}
