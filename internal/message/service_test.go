package message

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
	return NewService(store, b, clk, nil), store, b, clk
}

func mkFriends(t *testing.T, store *memory.Store, a, b string) {
	t.Helper()
	require.NoError(t, store.Friendships().Create(context.Background(), &core.Friendship{
		ID: a + "-" + b, RequesterID: a, AccepterID: b,
		Status: core.FriendshipAccepted, CreatedAt: testStart,
	}))
}

func textBlocks(s string) []core.Block {
	return []core.Block{{"type": "text", "text": s}}
}

func TestPublicSendFansOutToFriends(t *testing.T) {
	svc, store, b, _ := newTestService(t)
	ctx := context.Background()
	mkFriends(t, store, "alice", "bob")
	mkFriends(t, store, "carol", "alice")

	var events []bus.Payload
	b.Subscribe(bus.TopicMessageNew, func(_ context.Context, _ bus.Topic, p bus.Payload) {
		events = append(events, p)
	})

	m, err := svc.Send(ctx, "alice", SendParams{
		Visibility: core.VisibilityPublic,
		Blocks:     textBlocks("hello"),
	})
	require.NoError(t, err)
	require.Len(t, events, 2)

	// Each recipient's inbox starts at seq 1.
	for _, rid := range []string{"bob", "carol"} {
		entries, err := svc.Inbox(ctx, rid, 0, 10)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, m.ID, entries[0].MessageID)
		assert.Equal(t, int64(1), entries[0].Seq)
		assert.False(t, entries[0].Read)
	}
}

func TestInboxSequencesAreGaplessPerRecipient(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	ctx := context.Background()
	mkFriends(t, store, "alice", "bob")

	for i := 0; i < 3; i++ {
		_, err := svc.Send(ctx, "alice", SendParams{
			Visibility: core.VisibilityPublic,
			Blocks:     textBlocks("hi"),
		})
		require.NoError(t, err)
	}

	entries, err := svc.Inbox(ctx, "bob", 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.Equal(t, int64(i+1), e.Seq)
	}

	// afterSeq pagination resumes mid-stream.
	rest, err := svc.Inbox(ctx, "bob", 1, 10)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, int64(2), rest[0].Seq)
}

func TestDirectSendValidation(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	ctx := context.Background()
	mkFriends(t, store, "alice", "bob")

	_, err := svc.Send(ctx, "alice", SendParams{
		Visibility: core.VisibilityDirect, Blocks: textBlocks("x"),
	})
	assert.True(t, core.IsKind(err, core.ErrMissingRecipients))

	_, err = svc.Send(ctx, "alice", SendParams{
		Visibility: core.VisibilityDirect, Blocks: textBlocks("x"),
		Recipients: []string{"alice"},
	})
	assert.True(t, core.IsKind(err, core.ErrInvalidRecipient))

	_, err = svc.Send(ctx, "alice", SendParams{
		Visibility: core.VisibilityDirect, Blocks: textBlocks("x"),
		Recipients: []string{"stranger"},
	})
	assert.True(t, core.IsKind(err, core.ErrInvalidRecipient))

	_, err = svc.Send(ctx, "alice", SendParams{
		Visibility: core.VisibilityDirect, Blocks: textBlocks("x"),
		Recipients: []string{"bob"},
	})
	assert.NoError(t, err)
}

func TestCirclesSendResolvesMembers(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Send(ctx, "alice", SendParams{
		Visibility: core.VisibilityCircles, Blocks: textBlocks("x"),
	})
	assert.True(t, core.IsKind(err, core.ErrMissingCircles))

	require.NoError(t, store.Circles().Upsert(ctx, &core.Circle{
		OwnerID: "alice", Name: "chefs", MemberIDs: []string{"bob", "carol", "alice"},
	}))
	_, err = svc.Send(ctx, "alice", SendParams{
		Visibility: core.VisibilityCircles, Blocks: textBlocks("x"),
		Circles: []string{"chefs"},
	})
	require.NoError(t, err)

	// The sender is dropped from its own circle fan-out.
	entries, err := svc.Inbox(ctx, "alice", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
	entries, err = svc.Inbox(ctx, "bob", 0, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestReplyResolvesThreadID(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	ctx := context.Background()
	mkFriends(t, store, "alice", "bob")

	root, err := svc.Send(ctx, "alice", SendParams{
		Visibility: core.VisibilityPublic, Blocks: textBlocks("root"),
	})
	require.NoError(t, err)

	reply, err := svc.Send(ctx, "bob", SendParams{
		Visibility: core.VisibilityPublic, Blocks: textBlocks("reply"),
		ReplyToID: root.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, root.ID, reply.ThreadID)

	// A reply to the reply joins the root's thread, not a new one.
	nested, err := svc.Send(ctx, "alice", SendParams{
		Visibility: core.VisibilityPublic, Blocks: textBlocks("nested"),
		ReplyToID: reply.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, root.ID, nested.ThreadID)

	thread, err := svc.Thread(ctx, root.ID, "bob")
	require.NoError(t, err)
	require.Len(t, thread, 3)
	assert.Equal(t, root.ID, thread[0].ID)
}

func TestThreadFromReplyResolvesRoot(t *testing.T) {
	svc, store, _, clk := newTestService(t)
	ctx := context.Background()
	mkFriends(t, store, "alice", "bob")

	root, err := svc.Send(ctx, "alice", SendParams{
		Visibility: core.VisibilityPublic, Blocks: textBlocks("root"),
	})
	require.NoError(t, err)

	clk.Advance(time.Minute)
	reply, err := svc.Send(ctx, "bob", SendParams{
		Visibility: core.VisibilityPublic, Blocks: textBlocks("reply"),
		ReplyToID: root.ID,
	})
	require.NoError(t, err)

	clk.Advance(time.Minute)
	nested, err := svc.Send(ctx, "alice", SendParams{
		Visibility: core.VisibilityPublic, Blocks: textBlocks("nested"),
		ReplyToID: reply.ID,
	})
	require.NoError(t, err)

	// Naming a reply yields the same thread as naming the root: the true root
	// first, each message exactly once.
	thread, err := svc.Thread(ctx, reply.ID, "bob")
	require.NoError(t, err)
	require.Len(t, thread, 3)
	assert.Equal(t, root.ID, thread[0].ID)
	assert.Equal(t, reply.ID, thread[1].ID)
	assert.Equal(t, nested.ID, thread[2].ID)

	fromNested, err := svc.Thread(ctx, nested.ID, "alice")
	require.NoError(t, err)
	require.Len(t, fromNested, 3)
	assert.Equal(t, root.ID, fromNested[0].ID)
}

func TestVisibilityGating(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	ctx := context.Background()
	mkFriends(t, store, "alice", "bob")

	m, err := svc.Send(ctx, "alice", SendParams{
		Visibility: core.VisibilityDirect, Blocks: textBlocks("secret"),
		Recipients: []string{"bob"},
	})
	require.NoError(t, err)

	_, err = svc.Get(ctx, m.ID, "bob")
	assert.NoError(t, err)
	// Non-recipients see nothing, not a permission error.
	_, err = svc.Get(ctx, m.ID, "carol")
	assert.True(t, core.IsKind(err, core.ErrNotFound))
}

func TestMarkReadAndUnreadCount(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	ctx := context.Background()
	mkFriends(t, store, "alice", "bob")

	for i := 0; i < 2; i++ {
		_, err := svc.Send(ctx, "alice", SendParams{
			Visibility: core.VisibilityPublic, Blocks: textBlocks("hi"),
		})
		require.NoError(t, err)
	}

	n, err := svc.UnreadCount(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	entries, err := svc.Inbox(ctx, "bob", 0, 10)
	require.NoError(t, err)
	require.NoError(t, svc.MarkRead(ctx, "bob", entries[0].ID))

	n, err = svc.UnreadCount(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// A foreign entry id is not found.
	err = svc.MarkRead(ctx, "carol", entries[0].ID)
	assert.True(t, core.IsKind(err, core.ErrNotFound))
}

func TestEditOnlyBySender(t *testing.T) {
	svc, store, b, _ := newTestService(t)
	ctx := context.Background()
	mkFriends(t, store, "alice", "bob")

	m, err := svc.Send(ctx, "alice", SendParams{
		Visibility: core.VisibilityPublic, Blocks: textBlocks("v1"),
	})
	require.NoError(t, err)

	_, err = svc.Edit(ctx, m.ID, "bob", textBlocks("hax"))
	assert.True(t, core.IsKind(err, core.ErrForbidden))

	var edits int
	b.Subscribe(bus.TopicMessageEdited, func(_ context.Context, _ bus.Topic, _ bus.Payload) {
		edits++
	})
	updated, err := svc.Edit(ctx, m.ID, "alice", textBlocks("v2"))
	require.NoError(t, err)
	assert.True(t, updated.Edited)
	require.NotNil(t, updated.EditedAt)
	assert.Equal(t, 1, edits)
}

func TestDeleteRemovesInboxEntries(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	ctx := context.Background()
	mkFriends(t, store, "alice", "bob")

	m, err := svc.Send(ctx, "alice", SendParams{
		Visibility: core.VisibilityPublic, Blocks: textBlocks("hi"),
	})
	require.NoError(t, err)

	assert.True(t, core.IsKind(svc.Delete(ctx, m.ID, "bob"), core.ErrForbidden))
	require.NoError(t, svc.Delete(ctx, m.ID, "alice"))

	entries, err := svc.Inbox(ctx, "bob", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestReactRequiresVisibility(t *testing.T) {
	svc, store, b, _ := newTestService(t)
	ctx := context.Background()
	mkFriends(t, store, "alice", "bob")

	m, err := svc.Send(ctx, "alice", SendParams{
		Visibility: core.VisibilityDirect, Blocks: textBlocks("hi"),
		Recipients: []string{"bob"},
	})
	require.NoError(t, err)

	_, err = svc.React(ctx, m.ID, "carol", "🦀")
	assert.True(t, core.IsKind(err, core.ErrNotFound))

	var events []bus.Payload
	b.Subscribe(bus.TopicReactionAdded, func(_ context.Context, _ bus.Topic, p bus.Payload) {
		events = append(events, p)
	})
	r, err := svc.React(ctx, m.ID, "bob", "🦀")
	require.NoError(t, err)
	assert.Equal(t, "🦀", r.Emoji)
	require.Len(t, events, 1)
	assert.Equal(t, "alice", events[0]["senderId"])
}

func pollBlock(question string, options []string, closesAt time.Time) core.Block {
	return core.Block{
		"type":     "poll",
		"question": question,
		"options":  options,
		"closesAt": closesAt.Format(time.RFC3339),
	}
}

func TestPollVoteValidation(t *testing.T) {
	svc, store, _, clk := newTestService(t)
	ctx := context.Background()
	mkFriends(t, store, "alice", "bob")

	m, err := svc.Send(ctx, "alice", SendParams{
		Visibility: core.VisibilityPublic,
		Blocks: []core.Block{
			pollBlock("lunch?", []string{"crab", "kelp"}, testStart.Add(2*time.Hour)),
		},
	})
	require.NoError(t, err)
	pollID, _ := m.Blocks[0]["pollId"].(string)
	require.NotEmpty(t, pollID)

	assert.True(t, core.IsKind(svc.Vote(ctx, pollID, "bob", 5), core.ErrValidation))
	require.NoError(t, svc.Vote(ctx, pollID, "bob", 0))

	clk.Advance(3 * time.Hour)
	assert.True(t, core.IsKind(svc.Vote(ctx, pollID, "bob", 1), core.ErrValidation))
}

func TestSweepClosingPollsNotifiesOnce(t *testing.T) {
	svc, store, b, clk := newTestService(t)
	ctx := context.Background()
	mkFriends(t, store, "alice", "bob")

	m, err := svc.Send(ctx, "alice", SendParams{
		Visibility: core.VisibilityPublic,
		Blocks: []core.Block{
			pollBlock("lunch?", []string{"crab", "kelp"}, testStart.Add(90*time.Minute)),
		},
	})
	require.NoError(t, err)

	var events []bus.Payload
	b.Subscribe(bus.TopicPollClosingSoon, func(_ context.Context, _ bus.Topic, p bus.Payload) {
		events = append(events, p)
	})

	// Still outside the one-hour window.
	n, err := svc.SweepClosingPolls(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	clk.Advance(45 * time.Minute)
	n, err = svc.SweepClosingPolls(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, events, 1)
	assert.Equal(t, "alice", events[0]["ownerId"])
	assert.Equal(t, m.Blocks[0]["pollId"], events[0]["pollId"])

	// Already notified: the second sweep is silent.
	n, err = svc.SweepClosingPolls(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Len(t, events, 1)
}

func TestNewMessageIDOrdersLexically(t *testing.T) {
	a := NewMessageID(testStart)
	b := NewMessageID(testStart.Add(time.Second))
	assert.Len(t, a, 32)
	assert.Less(t, a, b)
}
