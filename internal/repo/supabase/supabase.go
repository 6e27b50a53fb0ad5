// Package supabase backs the repository façade with Supabase (PostgREST).
//
// The client offers no multi-statement transactions, so Atomic runs the
// function directly and each call relies on per-row atomicity. Deployments
// that need strict cross-row guarantees (concurrent sends to one inbox)
// should prefer the postgres backend.
package supabase

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/supabase-community/postgrest-go"
	"github.com/supabase-community/supabase-go"

	"github.com/clawbuds/backend/internal/core"
	"github.com/clawbuds/backend/internal/repo"
)

// descending orders by newest-first.
var descending = postgrest.OrderOpts{Ascending: false}

// Store implements repo.Store over the Supabase REST API.
type Store struct {
	client *supabase.Client
}

// Open creates and wires the Supabase client.
func Open(url, serviceKey string) (*Store, error) {
	if url == "" || serviceKey == "" {
		return nil, fmt.Errorf("supabase url and service key must be set")
	}
	client, err := supabase.NewClient(url, serviceKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("create supabase client: %w", err)
	}
	return &Store{client: client}, nil
}

// Atomic runs fn directly; PostgREST has no transaction surface.
func (s *Store) Atomic(ctx context.Context, fn func(repo.Store) error) error {
	return fn(s)
}

func (s *Store) Claws() repo.ClawRepo               { return (*clawRepo)(s) }
func (s *Store) Friendships() repo.FriendshipRepo   { return (*friendshipRepo)(s) }
func (s *Store) Circles() repo.CircleRepo           { return (*circleRepo)(s) }
func (s *Store) Strengths() repo.StrengthRepo       { return (*strengthRepo)(s) }
func (s *Store) Trust() repo.TrustRepo              { return (*trustRepo)(s) }
func (s *Store) Pearls() repo.PearlRepo             { return (*pearlRepo)(s) }
func (s *Store) Messages() repo.MessageRepo         { return (*messageRepo)(s) }
func (s *Store) Inbox() repo.InboxRepo              { return (*inboxRepo)(s) }
func (s *Store) Polls() repo.PollRepo               { return (*pollRepo)(s) }
func (s *Store) Reactions() repo.ReactionRepo       { return (*reactionRepo)(s) }
func (s *Store) Reflexes() repo.ReflexRepo          { return (*reflexRepo)(s) }
func (s *Store) Executions() repo.ExecutionRepo     { return (*executionRepo)(s) }
func (s *Store) Heartbeats() repo.HeartbeatRepo     { return (*heartbeatRepo)(s) }
func (s *Store) FriendModels() repo.FriendModelRepo { return (*friendModelRepo)(s) }
func (s *Store) Threads() repo.ThreadRepo           { return (*threadRepo)(s) }
func (s *Store) Carapace() repo.CarapaceRepo        { return (*carapaceRepo)(s) }

func ts(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

// ============================================================================
// CLAWS
// ============================================================================

type clawRepo Store

func (r *clawRepo) Register(ctx context.Context, c *core.Claw) error {
	var existing []core.Claw
	_, err := r.client.From("claws").
		Select("id", "", false).
		Eq("id", c.ID).
		ExecuteTo(&existing)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return core.Errorf(core.ErrDuplicate, "claw %s already registered", c.ID)
	}
	var result []core.Claw
	_, err = r.client.From("claws").
		Insert(c, false, "", "", "").
		ExecuteTo(&result)
	return err
}

func (r *clawRepo) FindByID(ctx context.Context, id string) (*core.Claw, error) {
	var claws []core.Claw
	_, err := r.client.From("claws").
		Select("*", "", false).
		Eq("id", id).
		ExecuteTo(&claws)
	if err != nil || len(claws) == 0 {
		return nil, err
	}
	return &claws[0], nil
}

func (r *clawRepo) UpdateProfile(ctx context.Context, c *core.Claw) error {
	var result []core.Claw
	_, err := r.client.From("claws").
		Update(map[string]interface{}{
			"display_name": c.DisplayName,
			"bio":          c.Bio,
			"tags":         c.Tags,
			"discoverable": c.Discoverable,
		}, "", "").
		Eq("id", c.ID).
		ExecuteTo(&result)
	return err
}

func (r *clawRepo) UpdateLastSeen(ctx context.Context, id string, at time.Time) error {
	var result []core.Claw
	_, err := r.client.From("claws").
		Update(map[string]interface{}{"last_seen_at": ts(at)}, "", "").
		Eq("id", id).
		ExecuteTo(&result)
	return err
}

func (r *clawRepo) SearchByTag(ctx context.Context, tag string) ([]*core.Claw, error) {
	// Tags live in a jsonb array; filter client-side over discoverable rows.
	var claws []core.Claw
	_, err := r.client.From("claws").
		Select("*", "", false).
		Eq("discoverable", "true").
		Order("created_at", nil).
		ExecuteTo(&claws)
	if err != nil {
		return nil, err
	}
	var out []*core.Claw
	for i := range claws {
		for _, t := range claws[i].Tags {
			if t == tag {
				out = append(out, &claws[i])
				break
			}
		}
	}
	return out, nil
}

func (r *clawRepo) ListActiveIDs(ctx context.Context) ([]string, error) {
	var claws []core.Claw
	_, err := r.client.From("claws").
		Select("id", "", false).
		Eq("status", string(core.ClawActive)).
		Order("id", nil).
		ExecuteTo(&claws)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(claws))
	for i := range claws {
		out[i] = claws[i].ID
	}
	return out, nil
}

// ============================================================================
// FRIENDSHIPS
// ============================================================================

type friendshipRepo Store

func (r *friendshipRepo) Create(ctx context.Context, f *core.Friendship) error {
	var result []core.Friendship
	_, err := r.client.From("friendships").
		Insert(f, false, "", "", "").
		ExecuteTo(&result)
	return err
}

func (r *friendshipRepo) Update(ctx context.Context, f *core.Friendship) error {
	var result []core.Friendship
	update := map[string]interface{}{"status": f.Status}
	if f.AcceptedAt != nil {
		update["accepted_at"] = ts(*f.AcceptedAt)
	}
	_, err := r.client.From("friendships").
		Update(update, "", "").
		Eq("id", f.ID).
		ExecuteTo(&result)
	return err
}

func (r *friendshipRepo) Delete(ctx context.Context, id string) error {
	var result []core.Friendship
	_, err := r.client.From("friendships").
		Delete("", "").
		Eq("id", id).
		ExecuteTo(&result)
	return err
}

// edgesOf fetches every friendship row touching the claw.
func (r *friendshipRepo) edgesOf(clawID string) ([]core.Friendship, error) {
	var edges []core.Friendship
	_, err := r.client.From("friendships").
		Select("*", "", false).
		Or(fmt.Sprintf("requester_id.eq.%s,accepter_id.eq.%s", clawID, clawID), "").
		ExecuteTo(&edges)
	return edges, err
}

func (r *friendshipRepo) FindByPair(ctx context.Context, a, b string) (*core.Friendship, error) {
	edges, err := r.edgesOf(a)
	if err != nil {
		return nil, err
	}
	var found *core.Friendship
	for i := range edges {
		f := &edges[i]
		if !f.Involves(b) || f.Status == core.FriendshipRejected {
			continue
		}
		if found == nil || f.CreatedAt.After(found.CreatedAt) {
			found = f
		}
	}
	return found, nil
}

func (r *friendshipRepo) AreFriends(ctx context.Context, a, b string) (bool, error) {
	f, err := r.FindByPair(ctx, a, b)
	if err != nil {
		return false, err
	}
	return f != nil && f.Status == core.FriendshipAccepted, nil
}

func (r *friendshipRepo) ListFriends(ctx context.Context, clawID string) ([]string, error) {
	edges, err := r.edgesOf(clawID)
	if err != nil {
		return nil, err
	}
	var out []string
	for i := range edges {
		if edges[i].Status == core.FriendshipAccepted {
			out = append(out, edges[i].Other(clawID))
		}
	}
	sort.Strings(out)
	return out, nil
}

func (r *friendshipRepo) MutualFriends(ctx context.Context, a, b string) ([]string, error) {
	friendsA, err := r.ListFriends(ctx, a)
	if err != nil {
		return nil, err
	}
	friendsB, err := r.ListFriends(ctx, b)
	if err != nil {
		return nil, err
	}
	setB := make(map[string]bool, len(friendsB))
	for _, id := range friendsB {
		setB[id] = true
	}
	var out []string
	for _, id := range friendsA {
		if id != a && id != b && setB[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

// ============================================================================
// CIRCLES
// ============================================================================

type circleRepo Store

func (r *circleRepo) Upsert(ctx context.Context, c *core.Circle) error {
	var result []core.Circle
	_, err := r.client.From("circles").
		Upsert(c, "owner_id,name", "", "").
		ExecuteTo(&result)
	return err
}

func (r *circleRepo) Find(ctx context.Context, ownerID, name string) (*core.Circle, error) {
	var circles []core.Circle
	_, err := r.client.From("circles").
		Select("*", "", false).
		Eq("owner_id", ownerID).
		Eq("name", name).
		ExecuteTo(&circles)
	if err != nil || len(circles) == 0 {
		return nil, err
	}
	return &circles[0], nil
}

func (r *circleRepo) ListByOwner(ctx context.Context, ownerID string) ([]*core.Circle, error) {
	var circles []core.Circle
	_, err := r.client.From("circles").
		Select("*", "", false).
		Eq("owner_id", ownerID).
		Order("name", nil).
		ExecuteTo(&circles)
	if err != nil {
		return nil, err
	}
	out := make([]*core.Circle, len(circles))
	for i := range circles {
		out[i] = &circles[i]
	}
	return out, nil
}

func (r *circleRepo) CountByOwner(ctx context.Context, ownerID string) (int, error) {
	circles, err := r.ListByOwner(ctx, ownerID)
	return len(circles), err
}

func (r *circleRepo) Delete(ctx context.Context, ownerID, name string) error {
	var result []core.Circle
	_, err := r.client.From("circles").
		Delete("", "").
		Eq("owner_id", ownerID).
		Eq("name", name).
		ExecuteTo(&result)
	return err
}

// ============================================================================
// RELATIONSHIP STRENGTH
// ============================================================================

type strengthRepo Store

func (r *strengthRepo) Get(ctx context.Context, from, to string) (*core.RelationshipStrength, error) {
	var rows []core.RelationshipStrength
	_, err := r.client.From("relationship_strengths").
		Select("*", "", false).
		Eq("from_claw_id", from).
		Eq("to_claw_id", to).
		ExecuteTo(&rows)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0], nil
}

func (r *strengthRepo) Put(ctx context.Context, rs *core.RelationshipStrength) error {
	var result []core.RelationshipStrength
	_, err := r.client.From("relationship_strengths").
		Upsert(rs, "from_claw_id,to_claw_id", "", "").
		ExecuteTo(&result)
	return err
}

func (r *strengthRepo) Delete(ctx context.Context, from, to string) error {
	var result []core.RelationshipStrength
	_, err := r.client.From("relationship_strengths").
		Delete("", "").
		Eq("from_claw_id", from).
		Eq("to_claw_id", to).
		ExecuteTo(&result)
	return err
}

func (r *strengthRepo) ListFrom(ctx context.Context, from string) ([]*core.RelationshipStrength, error) {
	var rows []core.RelationshipStrength
	_, err := r.client.From("relationship_strengths").
		Select("*", "", false).
		Eq("from_claw_id", from).
		Order("to_claw_id", nil).
		ExecuteTo(&rows)
	if err != nil {
		return nil, err
	}
	out := make([]*core.RelationshipStrength, len(rows))
	for i := range rows {
		out[i] = &rows[i]
	}
	return out, nil
}

// ============================================================================
// TRUST
// ============================================================================

type trustRepo Store

func (r *trustRepo) Get(ctx context.Context, from, to, domain string) (*core.TrustScore, error) {
	var rows []core.TrustScore
	_, err := r.client.From("trust_scores").
		Select("*", "", false).
		Eq("from_claw_id", from).
		Eq("to_claw_id", to).
		Eq("domain", domain).
		ExecuteTo(&rows)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0], nil
}

func (r *trustRepo) Put(ctx context.Context, score *core.TrustScore) error {
	var result []core.TrustScore
	_, err := r.client.From("trust_scores").
		Upsert(score, "from_claw_id,to_claw_id,domain", "", "").
		ExecuteTo(&result)
	return err
}

func (r *trustRepo) ListByPair(ctx context.Context, from, to string) ([]*core.TrustScore, error) {
	var rows []core.TrustScore
	_, err := r.client.From("trust_scores").
		Select("*", "", false).
		Eq("from_claw_id", from).
		Eq("to_claw_id", to).
		Order("domain", nil).
		ExecuteTo(&rows)
	if err != nil {
		return nil, err
	}
	out := make([]*core.TrustScore, len(rows))
	for i := range rows {
		out[i] = &rows[i]
	}
	return out, nil
}

func (r *trustRepo) ListAll(ctx context.Context) ([]*core.TrustScore, error) {
	var rows []core.TrustScore
	_, err := r.client.From("trust_scores").
		Select("*", "", false).
		Order("from_claw_id", nil).
		ExecuteTo(&rows)
	if err != nil {
		return nil, err
	}
	out := make([]*core.TrustScore, len(rows))
	for i := range rows {
		out[i] = &rows[i]
	}
	return out, nil
}

func (r *trustRepo) DeletePair(ctx context.Context, from, to string) error {
	var result []core.TrustScore
	_, err := r.client.From("trust_scores").
		Delete("", "").
		Eq("from_claw_id", from).
		Eq("to_claw_id", to).
		ExecuteTo(&result)
	return err
}

// ============================================================================
// PEARLS
// ============================================================================

type pearlRepo Store

func (r *pearlRepo) Create(ctx context.Context, p *core.Pearl) error {
	var result []core.Pearl
	_, err := r.client.From("pearls").
		Insert(p, false, "", "", "").
		ExecuteTo(&result)
	return err
}

func (r *pearlRepo) FindByID(ctx context.Context, id string) (*core.Pearl, error) {
	var pearls []core.Pearl
	_, err := r.client.From("pearls").
		Select("*", "", false).
		Eq("id", id).
		ExecuteTo(&pearls)
	if err != nil || len(pearls) == 0 {
		return nil, err
	}
	return &pearls[0], nil
}

func (r *pearlRepo) Update(ctx context.Context, p *core.Pearl) error {
	var result []core.Pearl
	_, err := r.client.From("pearls").
		Update(p, "", "").
		Eq("id", p.ID).
		ExecuteTo(&result)
	return err
}

func (r *pearlRepo) ListByOwner(ctx context.Context, ownerID string) ([]*core.Pearl, error) {
	var pearls []core.Pearl
	_, err := r.client.From("pearls").
		Select("*", "", false).
		Eq("owner_id", ownerID).
		Order("created_at", nil).
		ExecuteTo(&pearls)
	if err != nil {
		return nil, err
	}
	out := make([]*core.Pearl, len(pearls))
	for i := range pearls {
		out[i] = &pearls[i]
	}
	return out, nil
}

func (r *pearlRepo) ListShareable(ctx context.Context, ownerID string) ([]*core.Pearl, error) {
	var pearls []core.Pearl
	_, err := r.client.From("pearls").
		Select("*", "", false).
		Eq("owner_id", ownerID).
		Neq("shareability", string(core.SharePrivate)).
		Order("created_at", nil).
		ExecuteTo(&pearls)
	if err != nil {
		return nil, err
	}
	out := make([]*core.Pearl, len(pearls))
	for i := range pearls {
		out[i] = &pearls[i]
	}
	return out, nil
}

func (r *pearlRepo) UpsertEndorsement(ctx context.Context, e *core.Endorsement) error {
	var result []core.Endorsement
	_, err := r.client.From("endorsements").
		Upsert(e, "pearl_id,endorser_id", "", "").
		ExecuteTo(&result)
	return err
}

func (r *pearlRepo) ListEndorsements(ctx context.Context, pearlID string) ([]*core.Endorsement, error) {
	var rows []core.Endorsement
	_, err := r.client.From("endorsements").
		Select("*", "", false).
		Eq("pearl_id", pearlID).
		Order("endorser_id", nil).
		ExecuteTo(&rows)
	if err != nil {
		return nil, err
	}
	out := make([]*core.Endorsement, len(rows))
	for i := range rows {
		out[i] = &rows[i]
	}
	return out, nil
}

func (r *pearlRepo) AddCitation(ctx context.Context, pearlID, citingPearlID string) error {
	var result []map[string]interface{}
	_, err := r.client.From("pearl_citations").
		Upsert(map[string]interface{}{
			"pearl_id":        pearlID,
			"citing_pearl_id": citingPearlID,
		}, "pearl_id,citing_pearl_id", "", "").
		ExecuteTo(&result)
	return err
}

func (r *pearlRepo) CitationCount(ctx context.Context, pearlID string) (int, error) {
	var rows []map[string]interface{}
	_, err := r.client.From("pearl_citations").
		Select("citing_pearl_id", "", false).
		Eq("pearl_id", pearlID).
		ExecuteTo(&rows)
	return len(rows), err
}

func (r *pearlRepo) RecordShare(ctx context.Context, s *core.PearlShare) error {
	var result []core.PearlShare
	_, err := r.client.From("pearl_shares").
		Insert(s, false, "", "", "").
		ExecuteTo(&result)
	return err
}

func (r *pearlRepo) WasShared(ctx context.Context, pearlID, toClawID string) (bool, error) {
	var rows []core.PearlShare
	_, err := r.client.From("pearl_shares").
		Select("pearl_id", "", false).
		Eq("pearl_id", pearlID).
		Eq("to_claw_id", toClawID).
		ExecuteTo(&rows)
	return len(rows) > 0, err
}

// ============================================================================
// MESSAGES & INBOX
// ============================================================================

type messageRepo Store

type inboxSeqRow struct {
	RecipientID string `json:"recipient_id"`
	Seq         int64  `json:"seq"`
}

// nextSeq advances the recipient's inbox counter. Read-modify-write; the
// postgres backend does this under a transaction instead.
func (r *messageRepo) nextSeq(recipientID string) (int64, error) {
	var rows []inboxSeqRow
	_, err := r.client.From("inbox_seqs").
		Select("*", "", false).
		Eq("recipient_id", recipientID).
		ExecuteTo(&rows)
	if err != nil {
		return 0, err
	}
	next := int64(1)
	if len(rows) > 0 {
		next = rows[0].Seq + 1
	}
	var result []inboxSeqRow
	_, err = r.client.From("inbox_seqs").
		Upsert(inboxSeqRow{RecipientID: recipientID, Seq: next}, "recipient_id", "", "").
		ExecuteTo(&result)
	return next, err
}

func (r *messageRepo) InsertWithRecipients(ctx context.Context, m *core.Message, recipientIDs []string, polls []*core.Poll) ([]*core.InboxEntry, error) {
	var inserted []core.Message
	_, err := r.client.From("messages").
		Insert(m, false, "", "", "").
		ExecuteTo(&inserted)
	if err != nil {
		return nil, err
	}
	for _, p := range polls {
		var result []core.Poll
		if _, err := r.client.From("polls").
			Insert(p, false, "", "", "").
			ExecuteTo(&result); err != nil {
			return nil, err
		}
	}
	var entries []*core.InboxEntry
	for _, rid := range recipientIDs {
		if m.Visibility == core.VisibilityDirect {
			var result []map[string]interface{}
			if _, err := r.client.From("message_recipients").
				Insert(map[string]interface{}{
					"message_id":   m.ID,
					"recipient_id": rid,
				}, false, "", "", "").
				ExecuteTo(&result); err != nil {
				return nil, err
			}
		}
		seq, err := r.nextSeq(rid)
		if err != nil {
			return nil, err
		}
		entry := &core.InboxEntry{
			ID:          fmt.Sprintf("%s:%s", rid, m.ID),
			RecipientID: rid,
			MessageID:   m.ID,
			Seq:         seq,
			CreatedAt:   m.CreatedAt,
		}
		var result []core.InboxEntry
		if _, err := r.client.From("inbox_entries").
			Insert(entry, false, "", "", "").
			ExecuteTo(&result); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (r *messageRepo) FindByID(ctx context.Context, id string) (*core.Message, error) {
	var msgs []core.Message
	_, err := r.client.From("messages").
		Select("*", "", false).
		Eq("id", id).
		ExecuteTo(&msgs)
	if err != nil || len(msgs) == 0 {
		return nil, err
	}
	return &msgs[0], nil
}

func (r *messageRepo) FindByThread(ctx context.Context, threadID string) ([]*core.Message, error) {
	var msgs []core.Message
	_, err := r.client.From("messages").
		Select("*", "", false).
		Eq("thread_id", threadID).
		Order("created_at", nil).
		ExecuteTo(&msgs)
	if err != nil {
		return nil, err
	}
	out := make([]*core.Message, len(msgs))
	for i := range msgs {
		out[i] = &msgs[i]
	}
	return out, nil
}

func (r *messageRepo) IsRecipient(ctx context.Context, messageID, clawID string) (bool, error) {
	entry, err := r.FindInboxEntry(ctx, clawID, messageID)
	return entry != nil, err
}

func (r *messageRepo) Recipients(ctx context.Context, messageID string) ([]string, error) {
	var rows []core.InboxEntry
	_, err := r.client.From("inbox_entries").
		Select("recipient_id", "", false).
		Eq("message_id", messageID).
		Order("recipient_id", nil).
		ExecuteTo(&rows)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(rows))
	for i := range rows {
		out[i] = rows[i].RecipientID
	}
	return out, nil
}

func (r *messageRepo) FindInboxEntry(ctx context.Context, recipientID, messageID string) (*core.InboxEntry, error) {
	var rows []core.InboxEntry
	_, err := r.client.From("inbox_entries").
		Select("*", "", false).
		Eq("recipient_id", recipientID).
		Eq("message_id", messageID).
		ExecuteTo(&rows)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0], nil
}

func (r *messageRepo) Edit(ctx context.Context, m *core.Message) error {
	var result []core.Message
	update := map[string]interface{}{
		"blocks": m.Blocks,
		"edited": m.Edited,
	}
	if m.EditedAt != nil {
		update["edited_at"] = ts(*m.EditedAt)
	}
	_, err := r.client.From("messages").
		Update(update, "", "").
		Eq("id", m.ID).
		ExecuteTo(&result)
	return err
}

func (r *messageRepo) Delete(ctx context.Context, id string) error {
	var entries []core.InboxEntry
	if _, err := r.client.From("inbox_entries").
		Delete("", "").
		Eq("message_id", id).
		ExecuteTo(&entries); err != nil {
		return err
	}
	var recips []map[string]interface{}
	if _, err := r.client.From("message_recipients").
		Delete("", "").
		Eq("message_id", id).
		ExecuteTo(&recips); err != nil {
		return err
	}
	var msgs []core.Message
	_, err := r.client.From("messages").
		Delete("", "").
		Eq("id", id).
		ExecuteTo(&msgs)
	return err
}

type inboxRepo Store

func (r *inboxRepo) ListForRecipient(ctx context.Context, recipientID string, afterSeq int64, limit int) ([]*core.InboxEntry, error) {
	var rows []core.InboxEntry
	_, err := r.client.From("inbox_entries").
		Select("*", "", false).
		Eq("recipient_id", recipientID).
		Gt("seq", strconv.FormatInt(afterSeq, 10)).
		Order("seq", nil).
		Limit(limit, "").
		ExecuteTo(&rows)
	if err != nil {
		return nil, err
	}
	out := make([]*core.InboxEntry, len(rows))
	for i := range rows {
		out[i] = &rows[i]
	}
	return out, nil
}

func (r *inboxRepo) MarkRead(ctx context.Context, recipientID, entryID string) error {
	var result []core.InboxEntry
	_, err := r.client.From("inbox_entries").
		Update(map[string]interface{}{"read": true}, "", "").
		Eq("recipient_id", recipientID).
		Eq("id", entryID).
		ExecuteTo(&result)
	if err != nil {
		return err
	}
	if len(result) == 0 {
		return core.Errorf(core.ErrNotFound, "inbox entry %s not found", entryID)
	}
	return nil
}

func (r *inboxRepo) CountUnread(ctx context.Context, recipientID string) (int, error) {
	var rows []core.InboxEntry
	_, err := r.client.From("inbox_entries").
		Select("id", "", false).
		Eq("recipient_id", recipientID).
		Eq("read", "false").
		ExecuteTo(&rows)
	return len(rows), err
}

// ============================================================================
// POLLS & REACTIONS
// ============================================================================

type pollRepo Store

func (r *pollRepo) FindByID(ctx context.Context, id string) (*core.Poll, error) {
	var polls []core.Poll
	_, err := r.client.From("polls").
		Select("*", "", false).
		Eq("id", id).
		ExecuteTo(&polls)
	if err != nil || len(polls) == 0 {
		return nil, err
	}
	return &polls[0], nil
}

func (r *pollRepo) Vote(ctx context.Context, v *core.PollVote) error {
	var result []core.PollVote
	_, err := r.client.From("poll_votes").
		Upsert(v, "poll_id,voter_id", "", "").
		ExecuteTo(&result)
	return err
}

func (r *pollRepo) CountVotes(ctx context.Context, pollID string) (int, error) {
	var rows []core.PollVote
	_, err := r.client.From("poll_votes").
		Select("voter_id", "", false).
		Eq("poll_id", pollID).
		ExecuteTo(&rows)
	return len(rows), err
}

func (r *pollRepo) ListClosingWithin(ctx context.Context, now time.Time, window time.Duration) ([]*core.Poll, error) {
	var polls []core.Poll
	_, err := r.client.From("polls").
		Select("*", "", false).
		Eq("notified", "false").
		Gt("closes_at", ts(now)).
		Lte("closes_at", ts(now.Add(window))).
		Order("closes_at", nil).
		ExecuteTo(&polls)
	if err != nil {
		return nil, err
	}
	out := make([]*core.Poll, len(polls))
	for i := range polls {
		out[i] = &polls[i]
	}
	return out, nil
}

func (r *pollRepo) MarkNotified(ctx context.Context, pollID string) error {
	var result []core.Poll
	_, err := r.client.From("polls").
		Update(map[string]interface{}{"notified": true}, "", "").
		Eq("id", pollID).
		ExecuteTo(&result)
	return err
}

type reactionRepo Store

func (r *reactionRepo) Create(ctx context.Context, re *core.Reaction) error {
	var result []core.Reaction
	_, err := r.client.From("reactions").
		Insert(re, false, "", "", "").
		ExecuteTo(&result)
	return err
}

func (r *reactionRepo) ListByMessage(ctx context.Context, messageID string) ([]*core.Reaction, error) {
	var rows []core.Reaction
	_, err := r.client.From("reactions").
		Select("*", "", false).
		Eq("message_id", messageID).
		Order("created_at", nil).
		ExecuteTo(&rows)
	if err != nil {
		return nil, err
	}
	out := make([]*core.Reaction, len(rows))
	for i := range rows {
		out[i] = &rows[i]
	}
	return out, nil
}

// ============================================================================
// REFLEXES & EXECUTIONS
// ============================================================================

type reflexRepo Store

func (r *reflexRepo) Upsert(ctx context.Context, rf *core.Reflex) error {
	existing, err := r.FindByName(ctx, rf.OwnerID, rf.Name)
	if err != nil {
		return err
	}
	if existing != nil {
		// Keep the stored id and enabled flag; a re-upsert never re-enables
		// a disabled reflex.
		var result []core.Reflex
		_, err := r.client.From("reflexes").
			Update(map[string]interface{}{
				"value_layer":   rf.ValueLayer,
				"behavior":      rf.Behavior,
				"trigger_layer": rf.TriggerLayer,
				"trigger":       rf.Trigger,
				"confidence":    rf.Confidence,
				"source":        rf.Source,
			}, "", "").
			Eq("id", existing.ID).
			ExecuteTo(&result)
		return err
	}
	if rf.ID == "" {
		rf.ID = fmt.Sprintf("%s:%s", rf.OwnerID, rf.Name)
	}
	var result []core.Reflex
	_, err = r.client.From("reflexes").
		Insert(rf, false, "", "", "").
		ExecuteTo(&result)
	return err
}

func (r *reflexRepo) FindByName(ctx context.Context, ownerID, name string) (*core.Reflex, error) {
	var rows []core.Reflex
	_, err := r.client.From("reflexes").
		Select("*", "", false).
		Eq("owner_id", ownerID).
		Eq("name", name).
		ExecuteTo(&rows)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0], nil
}

func (r *reflexRepo) ListByOwner(ctx context.Context, ownerID string) ([]*core.Reflex, error) {
	var rows []core.Reflex
	_, err := r.client.From("reflexes").
		Select("*", "", false).
		Eq("owner_id", ownerID).
		Order("name", nil).
		ExecuteTo(&rows)
	if err != nil {
		return nil, err
	}
	out := make([]*core.Reflex, len(rows))
	for i := range rows {
		out[i] = &rows[i]
	}
	return out, nil
}

func (r *reflexRepo) FindEnabled(ctx context.Context, ownerID string, layer int) ([]*core.Reflex, error) {
	query := r.client.From("reflexes").
		Select("*", "", false).
		Eq("owner_id", ownerID).
		Eq("enabled", "true")
	if layer >= 0 {
		query = query.Eq("trigger_layer", strconv.Itoa(layer))
	}
	var rows []core.Reflex
	_, err := query.Order("name", nil).ExecuteTo(&rows)
	if err != nil {
		return nil, err
	}
	out := make([]*core.Reflex, len(rows))
	for i := range rows {
		out[i] = &rows[i]
	}
	return out, nil
}

func (r *reflexRepo) SetEnabled(ctx context.Context, ownerID, name string, enabled bool) error {
	var result []core.Reflex
	_, err := r.client.From("reflexes").
		Update(map[string]interface{}{"enabled": enabled}, "", "").
		Eq("owner_id", ownerID).
		Eq("name", name).
		ExecuteTo(&result)
	if err != nil {
		return err
	}
	if len(result) == 0 {
		return core.Errorf(core.ErrNotFound, "reflex %q not found", name)
	}
	return nil
}

type executionRepo Store

func (r *executionRepo) Create(ctx context.Context, e *core.ReflexExecution) error {
	var result []core.ReflexExecution
	_, err := r.client.From("reflex_executions").
		Insert(e, false, "", "", "").
		ExecuteTo(&result)
	return err
}

func (r *executionRepo) FindRecent(ctx context.Context, ownerID string, since time.Time) ([]*core.ReflexExecution, error) {
	var rows []core.ReflexExecution
	_, err := r.client.From("reflex_executions").
		Select("*", "", false).
		Eq("owner_id", ownerID).
		Gte("created_at", ts(since)).
		Order("created_at", nil).
		ExecuteTo(&rows)
	if err != nil {
		return nil, err
	}
	out := make([]*core.ReflexExecution, len(rows))
	for i := range rows {
		out[i] = &rows[i]
	}
	return out, nil
}

func (r *executionRepo) FindByResult(ctx context.Context, ownerID string, result core.ExecutionResult, since time.Time) ([]*core.ReflexExecution, error) {
	var rows []core.ReflexExecution
	_, err := r.client.From("reflex_executions").
		Select("*", "", false).
		Eq("owner_id", ownerID).
		Eq("result", string(result)).
		Gte("created_at", ts(since)).
		Order("created_at", nil).
		ExecuteTo(&rows)
	if err != nil {
		return nil, err
	}
	out := make([]*core.ReflexExecution, len(rows))
	for i := range rows {
		out[i] = &rows[i]
	}
	return out, nil
}

func (r *executionRepo) CountRoutings(ctx context.Context, ownerID, targetClawID string, since time.Time) (int, error) {
	// The target claw lives inside the details jsonb; filter client-side.
	recent, err := r.FindRecent(ctx, ownerID, since)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range recent {
		switch e.Result {
		case core.ResultQueuedForL1, core.ResultDispatchedToL1, core.ResultL1Acknowledged:
		default:
			continue
		}
		if target, _ := e.Details["targetClawId"].(string); target == targetClawID {
			n++
		}
	}
	return n, nil
}

func (r *executionRepo) UpdateResult(ctx context.Context, executionID string, result core.ExecutionResult, batchID string) error {
	var rows []core.ReflexExecution
	_, err := r.client.From("reflex_executions").
		Update(map[string]interface{}{
			"result":   result,
			"batch_id": batchID,
		}, "", "").
		Eq("id", executionID).
		ExecuteTo(&rows)
	return err
}

func (r *executionRepo) UpdateResultByBatch(ctx context.Context, batchID string, from, to core.ExecutionResult) (int, error) {
	var rows []core.ReflexExecution
	_, err := r.client.From("reflex_executions").
		Update(map[string]interface{}{"result": to}, "", "").
		Eq("batch_id", batchID).
		Eq("result", string(from)).
		ExecuteTo(&rows)
	return len(rows), err
}

// ============================================================================
// HEARTBEATS & FRIEND MODELS
// ============================================================================

type heartbeatRepo Store

func (r *heartbeatRepo) Create(ctx context.Context, h *core.Heartbeat) error {
	var result []core.Heartbeat
	_, err := r.client.From("heartbeats").
		Insert(h, false, "", "", "").
		ExecuteTo(&result)
	return err
}

func (r *heartbeatRepo) ListReceived(ctx context.Context, toClawID string, since time.Time) ([]*core.Heartbeat, error) {
	var rows []core.Heartbeat
	_, err := r.client.From("heartbeats").
		Select("*", "", false).
		Eq("to_claw_id", toClawID).
		Gte("created_at", ts(since)).
		Order("created_at", nil).
		ExecuteTo(&rows)
	if err != nil {
		return nil, err
	}
	out := make([]*core.Heartbeat, len(rows))
	for i := range rows {
		out[i] = &rows[i]
	}
	return out, nil
}

type friendModelRepo Store

func (r *friendModelRepo) Get(ctx context.Context, ownerID, friendID string) (*core.FriendModel, error) {
	var rows []core.FriendModel
	_, err := r.client.From("friend_models").
		Select("*", "", false).
		Eq("owner_id", ownerID).
		Eq("friend_id", friendID).
		ExecuteTo(&rows)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0], nil
}

func (r *friendModelRepo) Put(ctx context.Context, fm *core.FriendModel) error {
	var result []core.FriendModel
	_, err := r.client.From("friend_models").
		Upsert(fm, "owner_id,friend_id", "", "").
		ExecuteTo(&result)
	return err
}

// ============================================================================
// THREADS
// ============================================================================

type threadRepo Store

func (r *threadRepo) Create(ctx context.Context, t *core.Thread) error {
	var result []core.Thread
	_, err := r.client.From("threads").
		Insert(t, false, "", "", "").
		ExecuteTo(&result)
	return err
}

func (r *threadRepo) FindByID(ctx context.Context, id string) (*core.Thread, error) {
	var rows []core.Thread
	_, err := r.client.From("threads").
		Select("*", "", false).
		Eq("id", id).
		ExecuteTo(&rows)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0], nil
}

func (r *threadRepo) Update(ctx context.Context, t *core.Thread) error {
	var result []core.Thread
	_, err := r.client.From("threads").
		Update(map[string]interface{}{
			"purpose":      t.Purpose,
			"title":        t.Title,
			"status":       t.Status,
			"participants": t.Participants,
		}, "", "").
		Eq("id", t.ID).
		ExecuteTo(&result)
	return err
}

func (r *threadRepo) ListByParticipant(ctx context.Context, clawID string) ([]*core.Thread, error) {
	// Participants are a jsonb array of wrapped-key records; filter
	// client-side.
	var rows []core.Thread
	_, err := r.client.From("threads").
		Select("*", "", false).
		Order("created_at", nil).
		ExecuteTo(&rows)
	if err != nil {
		return nil, err
	}
	var out []*core.Thread
	for i := range rows {
		if rows[i].HasParticipant(clawID) {
			out = append(out, &rows[i])
		}
	}
	return out, nil
}

func (r *threadRepo) AddContribution(ctx context.Context, c *core.ThreadContribution) error {
	var result []core.ThreadContribution
	_, err := r.client.From("thread_contributions").
		Insert(c, false, "", "", "").
		ExecuteTo(&result)
	return err
}

func (r *threadRepo) ListContributions(ctx context.Context, threadID string) ([]*core.ThreadContribution, error) {
	var rows []core.ThreadContribution
	_, err := r.client.From("thread_contributions").
		Select("*", "", false).
		Eq("thread_id", threadID).
		Order("created_at", nil).
		ExecuteTo(&rows)
	if err != nil {
		return nil, err
	}
	out := make([]*core.ThreadContribution, len(rows))
	for i := range rows {
		out[i] = &rows[i]
	}
	return out, nil
}

// ============================================================================
// CARAPACE HISTORY
// ============================================================================

type carapaceRepo Store

func (r *carapaceRepo) RecordChange(ctx context.Context, c *core.ConfigChange) error {
	var result []core.ConfigChange
	_, err := r.client.From("carapace_changes").
		Insert(c, false, "", "", "").
		ExecuteTo(&result)
	return err
}

func (r *carapaceRepo) LastChange(ctx context.Context, clawID string) (*core.ConfigChange, error) {
	var rows []core.ConfigChange
	_, err := r.client.From("carapace_changes").
		Select("*", "", false).
		Eq("claw_id", clawID).
		Order("changed_at", &descending).
		ExecuteTo(&rows)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0], nil
}
