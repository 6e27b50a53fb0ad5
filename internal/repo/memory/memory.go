// Package memory is the in-memory Store backend used by tests and local
// development. Every call is individually atomic behind one store-wide mutex;
// Atomic runs the function directly, the same per-call semantics the hosted
// backend has.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clawbuds/backend/internal/core"
	"github.com/clawbuds/backend/internal/repo"
)

type Store struct {
	mu sync.RWMutex

	claws         map[string]*core.Claw
	friendships   map[string]*core.Friendship
	circles       map[string]*core.Circle // owner|name
	strengths     map[string]*core.RelationshipStrength
	trust         map[string]*core.TrustScore
	pearls        map[string]*core.Pearl
	endorsements  map[string]*core.Endorsement // pearl|endorser
	citations     map[string]map[string]bool   // pearl → citing pearls
	shares        map[string]*core.PearlShare  // pearl|to
	messages      map[string]*core.Message
	recipients    map[string]map[string]bool // message → claw set
	inbox         map[string][]*core.InboxEntry
	seqs          map[string]int64
	polls         map[string]*core.Poll
	votes         map[string]*core.PollVote // poll|voter
	reactions     map[string][]*core.Reaction
	reflexes      map[string]*core.Reflex // owner|name
	executions    []*core.ReflexExecution
	heartbeats    []*core.Heartbeat
	friendModels  map[string]*core.FriendModel // owner|friend
	threads       map[string]*core.Thread
	contributions map[string][]*core.ThreadContribution
	carapace      map[string][]*core.ConfigChange
}

func New() *Store {
	return &Store{
		claws:         make(map[string]*core.Claw),
		friendships:   make(map[string]*core.Friendship),
		circles:       make(map[string]*core.Circle),
		strengths:     make(map[string]*core.RelationshipStrength),
		trust:         make(map[string]*core.TrustScore),
		pearls:        make(map[string]*core.Pearl),
		endorsements:  make(map[string]*core.Endorsement),
		citations:     make(map[string]map[string]bool),
		shares:        make(map[string]*core.PearlShare),
		messages:      make(map[string]*core.Message),
		recipients:    make(map[string]map[string]bool),
		inbox:         make(map[string][]*core.InboxEntry),
		seqs:          make(map[string]int64),
		polls:         make(map[string]*core.Poll),
		votes:         make(map[string]*core.PollVote),
		reactions:     make(map[string][]*core.Reaction),
		reflexes:      make(map[string]*core.Reflex),
		friendModels:  make(map[string]*core.FriendModel),
		threads:       make(map[string]*core.Thread),
		contributions: make(map[string][]*core.ThreadContribution),
		carapace:      make(map[string][]*core.ConfigChange),
	}
}

func key(parts ...string) string { return strings.Join(parts, "\x00") }

var _ repo.Store = (*Store)(nil)

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

func (s *Store) Atomic(ctx context.Context, fn func(repo.Store) error) error {
	return fn(s)
}

// ============================================================================
// CLAWS
// ============================================================================

type clawRepo Store

func (r *clawRepo) Register(ctx context.Context, claw *core.Claw) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.claws[claw.ID]; ok {
		return core.Errorf(core.ErrDuplicate, "claw %s already registered", claw.ID)
	}
	c := *claw
	r.claws[claw.ID] = &c
	return nil
}

func (r *clawRepo) FindByID(ctx context.Context, id string) (*core.Claw, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.claws[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (r *clawRepo) UpdateProfile(ctx context.Context, claw *core.Claw) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.claws[claw.ID]; !ok {
		return core.Errorf(core.ErrNotFound, "claw %s", claw.ID)
	}
	c := *claw
	r.claws[claw.ID] = &c
	return nil
}

func (r *clawRepo) UpdateLastSeen(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.claws[id]; ok {
		c.LastSeenAt = at
	}
	return nil
}

func (r *clawRepo) SearchByTag(ctx context.Context, tag string) ([]*core.Claw, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*core.Claw
	for _, c := range r.claws {
		if !c.Discoverable {
			continue
		}
		for _, t := range c.Tags {
			if t == tag {
				cp := *c
				out = append(out, &cp)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *clawRepo) ListActiveIDs(ctx context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for id, c := range r.claws {
		if c.Status == core.ClawActive {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

// ============================================================================
// FRIENDSHIPS
// ============================================================================

type friendshipRepo Store

func (r *friendshipRepo) Create(ctx context.Context, f *core.Friendship) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.friendships {
		if existing.Status == core.FriendshipRejected {
			continue
		}
		if existing.Involves(f.RequesterID) && existing.Involves(f.AccepterID) {
			return core.Errorf(core.ErrDuplicate, "friendship between %s and %s exists", f.RequesterID, f.AccepterID)
		}
	}
	cp := *f
	r.friendships[f.ID] = &cp
	return nil
}

func (r *friendshipRepo) Update(ctx context.Context, f *core.Friendship) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.friendships[f.ID]; !ok {
		return core.Errorf(core.ErrNotFound, "friendship %s", f.ID)
	}
	cp := *f
	r.friendships[f.ID] = &cp
	return nil
}

func (r *friendshipRepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.friendships, id)
	return nil
}

func (r *friendshipRepo) FindByPair(ctx context.Context, a, b string) (*core.Friendship, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.findByPairLocked(a, b), nil
}

func (r *friendshipRepo) findByPairLocked(a, b string) *core.Friendship {
	for _, f := range r.friendships {
		if f.Status == core.FriendshipRejected {
			continue
		}
		if f.Involves(a) && f.Involves(b) {
			cp := *f
			return &cp
		}
	}
	return nil
}

func (r *friendshipRepo) AreFriends(ctx context.Context, a, b string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f := r.findByPairLocked(a, b)
	return f != nil && f.Status == core.FriendshipAccepted, nil
}

func (r *friendshipRepo) ListFriends(ctx context.Context, clawID string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listFriendsLocked(clawID), nil
}

func (r *friendshipRepo) listFriendsLocked(clawID string) []string {
	var out []string
	for _, f := range r.friendships {
		if f.Status == core.FriendshipAccepted && f.Involves(clawID) {
			out = append(out, f.Other(clawID))
		}
	}
	sort.Strings(out)
	return out
}

func (r *friendshipRepo) MutualFriends(ctx context.Context, a, b string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bs := make(map[string]bool)
	for _, id := range r.listFriendsLocked(b) {
		bs[id] = true
	}
	var out []string
	for _, id := range r.listFriendsLocked(a) {
		if bs[id] {
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
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *c
	r.circles[key(c.OwnerID, c.Name)] = &cp
	return nil
}

func (r *circleRepo) Find(ctx context.Context, ownerID, name string) (*core.Circle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.circles[key(ownerID, name)]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (r *circleRepo) ListByOwner(ctx context.Context, ownerID string) ([]*core.Circle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*core.Circle
	for _, c := range r.circles {
		if c.OwnerID == ownerID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *circleRepo) CountByOwner(ctx context.Context, ownerID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, c := range r.circles {
		if c.OwnerID == ownerID {
			n++
		}
	}
	return n, nil
}

func (r *circleRepo) Delete(ctx context.Context, ownerID, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.circles, key(ownerID, name))
	return nil
}

// ============================================================================
// RELATIONSHIP STRENGTH
// ============================================================================

type strengthRepo Store

func (r *strengthRepo) Get(ctx context.Context, from, to string) (*core.RelationshipStrength, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rs, ok := r.strengths[key(from, to)]
	if !ok {
		return nil, nil
	}
	cp := *rs
	return &cp, nil
}

func (r *strengthRepo) Put(ctx context.Context, rs *core.RelationshipStrength) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *rs
	r.strengths[key(rs.FromClawID, rs.ToClawID)] = &cp
	return nil
}

func (r *strengthRepo) Delete(ctx context.Context, from, to string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.strengths, key(from, to))
	return nil
}

func (r *strengthRepo) ListFrom(ctx context.Context, from string) ([]*core.RelationshipStrength, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*core.RelationshipStrength
	for _, rs := range r.strengths {
		if rs.FromClawID == from {
			cp := *rs
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ToClawID < out[j].ToClawID })
	return out, nil
}

// ============================================================================
// TRUST
// ============================================================================

type trustRepo Store

func (r *trustRepo) Get(ctx context.Context, from, to, domain string) (*core.TrustScore, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ts, ok := r.trust[key(from, to, domain)]
	if !ok {
		return nil, nil
	}
	cp := cloneTrust(ts)
	return cp, nil
}

func cloneTrust(ts *core.TrustScore) *core.TrustScore {
	cp := *ts
	if ts.H != nil {
		h := *ts.H
		cp.H = &h
	}
	return &cp
}

func (r *trustRepo) Put(ctx context.Context, ts *core.TrustScore) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trust[key(ts.FromClawID, ts.ToClawID, ts.Domain)] = cloneTrust(ts)
	return nil
}

func (r *trustRepo) ListByPair(ctx context.Context, from, to string) ([]*core.TrustScore, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*core.TrustScore
	for _, ts := range r.trust {
		if ts.FromClawID == from && ts.ToClawID == to {
			out = append(out, cloneTrust(ts))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out, nil
}

func (r *trustRepo) ListAll(ctx context.Context) ([]*core.TrustScore, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*core.TrustScore, 0, len(r.trust))
	for _, ts := range r.trust {
		out = append(out, cloneTrust(ts))
	}
	return out, nil
}

func (r *trustRepo) DeletePair(ctx context.Context, from, to string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, ts := range r.trust {
		if ts.FromClawID == from && ts.ToClawID == to {
			delete(r.trust, k)
		}
	}
	return nil
}

// ============================================================================
// PEARLS
// ============================================================================

type pearlRepo Store

func clonePearl(p *core.Pearl) *core.Pearl {
	cp := *p
	cp.DomainTags = append([]string(nil), p.DomainTags...)
	if p.ShareConditions != nil {
		sc := *p.ShareConditions
		if p.ShareConditions.TrustThreshold != nil {
			t := *p.ShareConditions.TrustThreshold
			sc.TrustThreshold = &t
		}
		cp.ShareConditions = &sc
	}
	return &cp
}

func (r *pearlRepo) Create(ctx context.Context, p *core.Pearl) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pearls[p.ID]; ok {
		return core.Errorf(core.ErrDuplicate, "pearl %s", p.ID)
	}
	r.pearls[p.ID] = clonePearl(p)
	return nil
}

func (r *pearlRepo) FindByID(ctx context.Context, id string) (*core.Pearl, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pearls[id]
	if !ok {
		return nil, nil
	}
	return clonePearl(p), nil
}

func (r *pearlRepo) Update(ctx context.Context, p *core.Pearl) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pearls[p.ID]; !ok {
		return core.Errorf(core.ErrNotFound, "pearl %s", p.ID)
	}
	r.pearls[p.ID] = clonePearl(p)
	return nil
}

func (r *pearlRepo) ListByOwner(ctx context.Context, ownerID string) ([]*core.Pearl, error) {
	return r.list(ownerID, false)
}

func (r *pearlRepo) ListShareable(ctx context.Context, ownerID string) ([]*core.Pearl, error) {
	return r.list(ownerID, true)
}

func (r *pearlRepo) list(ownerID string, shareableOnly bool) ([]*core.Pearl, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*core.Pearl
	for _, p := range r.pearls {
		if p.OwnerID != ownerID {
			continue
		}
		if shareableOnly && p.Shareability == core.SharePrivate {
			continue
		}
		out = append(out, clonePearl(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *pearlRepo) UpsertEndorsement(ctx context.Context, e *core.Endorsement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *e
	r.endorsements[key(e.PearlID, e.EndorserID)] = &cp
	return nil
}

func (r *pearlRepo) ListEndorsements(ctx context.Context, pearlID string) ([]*core.Endorsement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*core.Endorsement
	for _, e := range r.endorsements {
		if e.PearlID == pearlID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndorserID < out[j].EndorserID })
	return out, nil
}

func (r *pearlRepo) AddCitation(ctx context.Context, pearlID, citingPearlID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.citations[pearlID] == nil {
		r.citations[pearlID] = make(map[string]bool)
	}
	r.citations[pearlID][citingPearlID] = true
	return nil
}

func (r *pearlRepo) CitationCount(ctx context.Context, pearlID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.citations[pearlID]), nil
}

func (r *pearlRepo) RecordShare(ctx context.Context, s *core.PearlShare) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *s
	r.shares[key(s.PearlID, s.ToClawID)] = &cp
	return nil
}

func (r *pearlRepo) WasShared(ctx context.Context, pearlID, toClawID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.shares[key(pearlID, toClawID)]
	return ok, nil
}

// ============================================================================
// MESSAGES & INBOX
// ============================================================================

type messageRepo Store

func cloneMessage(m *core.Message) *core.Message {
	cp := *m
	cp.Blocks = append([]core.Block(nil), m.Blocks...)
	cp.Circles = append([]string(nil), m.Circles...)
	if m.EditedAt != nil {
		t := *m.EditedAt
		cp.EditedAt = &t
	}
	return &cp
}

func (r *messageRepo) InsertWithRecipients(ctx context.Context, m *core.Message, recipientIDs []string, polls []*core.Poll) ([]*core.InboxEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.messages[m.ID]; ok {
		return nil, core.Errorf(core.ErrDuplicate, "message %s", m.ID)
	}
	r.messages[m.ID] = cloneMessage(m)

	if m.Visibility == core.VisibilityDirect {
		set := make(map[string]bool, len(recipientIDs))
		for _, id := range recipientIDs {
			set[id] = true
		}
		r.recipients[m.ID] = set
	}

	entries := make([]*core.InboxEntry, 0, len(recipientIDs))
	for _, rid := range recipientIDs {
		r.seqs[rid]++
		entry := &core.InboxEntry{
			ID:          uuid.NewString(),
			RecipientID: rid,
			MessageID:   m.ID,
			Seq:         r.seqs[rid],
			CreatedAt:   m.CreatedAt,
		}
		r.inbox[rid] = append(r.inbox[rid], entry)
		cp := *entry
		entries = append(entries, &cp)
	}

	for _, p := range polls {
		cp := *p
		cp.MessageID = m.ID
		r.polls[p.ID] = &cp
	}
	return entries, nil
}

func (r *messageRepo) FindByID(ctx context.Context, id string) (*core.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.messages[id]
	if !ok {
		return nil, nil
	}
	return cloneMessage(m), nil
}

func (r *messageRepo) FindByThread(ctx context.Context, threadID string) ([]*core.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*core.Message
	for _, m := range r.messages {
		if m.ThreadID == threadID {
			out = append(out, cloneMessage(m))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *messageRepo) IsRecipient(ctx context.Context, messageID, clawID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.recipients[messageID][clawID], nil
}

func (r *messageRepo) Recipients(ctx context.Context, messageID string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for id := range r.recipients[messageID] {
		out = append(out, id)
	}
	// Inbox entries cover non-direct visibilities.
	for rid, entries := range r.inbox {
		for _, e := range entries {
			if e.MessageID == messageID && !contains(out, rid) {
				out = append(out, rid)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func (r *messageRepo) FindInboxEntry(ctx context.Context, recipientID, messageID string) (*core.InboxEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.inbox[recipientID] {
		if e.MessageID == messageID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *messageRepo) Edit(ctx context.Context, m *core.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.messages[m.ID]; !ok {
		return core.Errorf(core.ErrNotFound, "message %s", m.ID)
	}
	r.messages[m.ID] = cloneMessage(m)
	return nil
}

func (r *messageRepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.messages, id)
	delete(r.recipients, id)
	for rid, entries := range r.inbox {
		kept := entries[:0]
		for _, e := range entries {
			if e.MessageID != id {
				kept = append(kept, e)
			}
		}
		r.inbox[rid] = kept
	}
	return nil
}

type inboxRepo Store

func (r *inboxRepo) ListForRecipient(ctx context.Context, recipientID string, afterSeq int64, limit int) ([]*core.InboxEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*core.InboxEntry
	for _, e := range r.inbox[recipientID] {
		if e.Seq > afterSeq {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *inboxRepo) MarkRead(ctx context.Context, recipientID, entryID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.inbox[recipientID] {
		if e.ID == entryID {
			e.Read = true
			return nil
		}
	}
	return core.Errorf(core.ErrNotFound, "inbox entry %s", entryID)
}

func (r *inboxRepo) CountUnread(ctx context.Context, recipientID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.inbox[recipientID] {
		if !e.Read {
			n++
		}
	}
	return n, nil
}

// ============================================================================
// POLLS & REACTIONS
// ============================================================================

type pollRepo Store

func (r *pollRepo) FindByID(ctx context.Context, id string) (*core.Poll, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.polls[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (r *pollRepo) Vote(ctx context.Context, v *core.PollVote) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *v
	r.votes[key(v.PollID, v.VoterID)] = &cp
	return nil
}

func (r *pollRepo) CountVotes(ctx context.Context, pollID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, v := range r.votes {
		if v.PollID == pollID {
			n++
		}
	}
	return n, nil
}

func (r *pollRepo) ListClosingWithin(ctx context.Context, now time.Time, window time.Duration) ([]*core.Poll, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*core.Poll
	for _, p := range r.polls {
		if p.Notified {
			continue
		}
		if p.ClosesAt.After(now) && !p.ClosesAt.After(now.Add(window)) {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *pollRepo) MarkNotified(ctx context.Context, pollID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.polls[pollID]; ok {
		p.Notified = true
	}
	return nil
}

type reactionRepo Store

func (r *reactionRepo) Create(ctx context.Context, re *core.Reaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *re
	r.reactions[re.MessageID] = append(r.reactions[re.MessageID], &cp)
	return nil
}

func (r *reactionRepo) ListByMessage(ctx context.Context, messageID string) ([]*core.Reaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*core.Reaction
	for _, re := range r.reactions[messageID] {
		cp := *re
		out = append(out, &cp)
	}
	return out, nil
}

// ============================================================================
// REFLEXES & EXECUTIONS
// ============================================================================

type reflexRepo Store

func (r *reflexRepo) Upsert(ctx context.Context, rf *core.Reflex) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(rf.OwnerID, rf.Name)
	cp := *rf
	if existing, ok := r.reflexes[k]; ok {
		cp.ID = existing.ID
		cp.Enabled = existing.Enabled // upsert never re-enables a disabled reflex
	}
	r.reflexes[k] = &cp
	return nil
}

func (r *reflexRepo) FindByName(ctx context.Context, ownerID, name string) (*core.Reflex, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rf, ok := r.reflexes[key(ownerID, name)]
	if !ok {
		return nil, nil
	}
	cp := *rf
	return &cp, nil
}

func (r *reflexRepo) ListByOwner(ctx context.Context, ownerID string) ([]*core.Reflex, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*core.Reflex
	for _, rf := range r.reflexes {
		if rf.OwnerID == ownerID {
			cp := *rf
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *reflexRepo) FindEnabled(ctx context.Context, ownerID string, layer int) ([]*core.Reflex, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*core.Reflex
	for _, rf := range r.reflexes {
		if rf.OwnerID != ownerID || !rf.Enabled {
			continue
		}
		if layer >= 0 && rf.TriggerLayer != layer {
			continue
		}
		cp := *rf
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *reflexRepo) SetEnabled(ctx context.Context, ownerID, name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rf, ok := r.reflexes[key(ownerID, name)]
	if !ok {
		return core.Errorf(core.ErrNotFound, "reflex %s", name)
	}
	rf.Enabled = enabled
	return nil
}

type executionRepo Store

func (r *executionRepo) Create(ctx context.Context, e *core.ReflexExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *e
	r.executions = append(r.executions, &cp)
	return nil
}

func (r *executionRepo) FindRecent(ctx context.Context, ownerID string, since time.Time) ([]*core.ReflexExecution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*core.ReflexExecution
	for _, e := range r.executions {
		if e.OwnerID == ownerID && !e.CreatedAt.Before(since) {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *executionRepo) FindByResult(ctx context.Context, ownerID string, result core.ExecutionResult, since time.Time) ([]*core.ReflexExecution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*core.ReflexExecution
	for _, e := range r.executions {
		if e.OwnerID == ownerID && e.Result == result && !e.CreatedAt.Before(since) {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *executionRepo) CountRoutings(ctx context.Context, ownerID, targetClawID string, since time.Time) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.executions {
		if e.OwnerID != ownerID || e.CreatedAt.Before(since) {
			continue
		}
		if e.Result != core.ResultQueuedForL1 && e.Result != core.ResultDispatchedToL1 && e.Result != core.ResultL1Acknowledged {
			continue
		}
		if target, _ := e.Details["targetClawId"].(string); target == targetClawID {
			n++
		}
	}
	return n, nil
}

func (r *executionRepo) UpdateResult(ctx context.Context, executionID string, result core.ExecutionResult, batchID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.executions {
		if e.ID == executionID {
			e.Result = result
			if batchID != "" {
				e.BatchID = batchID
			}
			return nil
		}
	}
	return core.Errorf(core.ErrNotFound, "execution %s", executionID)
}

func (r *executionRepo) UpdateResultByBatch(ctx context.Context, batchID string, from, to core.ExecutionResult) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.executions {
		if e.BatchID == batchID && e.Result == from {
			e.Result = to
			n++
		}
	}
	return n, nil
}

// ============================================================================
// HEARTBEATS & FRIEND MODELS
// ============================================================================

type heartbeatRepo Store

func (r *heartbeatRepo) Create(ctx context.Context, h *core.Heartbeat) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *h
	r.heartbeats = append(r.heartbeats, &cp)
	return nil
}

func (r *heartbeatRepo) ListReceived(ctx context.Context, toClawID string, since time.Time) ([]*core.Heartbeat, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*core.Heartbeat
	for _, h := range r.heartbeats {
		if h.ToClawID == toClawID && !h.CreatedAt.Before(since) {
			cp := *h
			out = append(out, &cp)
		}
	}
	return out, nil
}

type friendModelRepo Store

func (r *friendModelRepo) Get(ctx context.Context, ownerID, friendID string) (*core.FriendModel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fm, ok := r.friendModels[key(ownerID, friendID)]
	if !ok {
		return nil, nil
	}
	cp := *fm
	cp.Interests = append([]string(nil), fm.Interests...)
	return &cp, nil
}

func (r *friendModelRepo) Put(ctx context.Context, fm *core.FriendModel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *fm
	cp.Interests = append([]string(nil), fm.Interests...)
	r.friendModels[key(fm.OwnerID, fm.FriendID)] = &cp
	return nil
}

// ============================================================================
// THREADS
// ============================================================================

type threadRepo Store

func cloneThread(t *core.Thread) *core.Thread {
	cp := *t
	cp.Participants = append([]core.ThreadParticipant(nil), t.Participants...)
	return &cp
}

func (r *threadRepo) Create(ctx context.Context, t *core.Thread) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.threads[t.ID]; ok {
		return core.Errorf(core.ErrDuplicate, "thread %s", t.ID)
	}
	r.threads[t.ID] = cloneThread(t)
	return nil
}

func (r *threadRepo) FindByID(ctx context.Context, id string) (*core.Thread, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.threads[id]
	if !ok {
		return nil, nil
	}
	return cloneThread(t), nil
}

func (r *threadRepo) Update(ctx context.Context, t *core.Thread) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.threads[t.ID]; !ok {
		return core.Errorf(core.ErrNotFound, "thread %s", t.ID)
	}
	r.threads[t.ID] = cloneThread(t)
	return nil
}

func (r *threadRepo) ListByParticipant(ctx context.Context, clawID string) ([]*core.Thread, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*core.Thread
	for _, t := range r.threads {
		if t.HasParticipant(clawID) {
			out = append(out, cloneThread(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *threadRepo) AddContribution(ctx context.Context, c *core.ThreadContribution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *c
	r.contributions[c.ThreadID] = append(r.contributions[c.ThreadID], &cp)
	return nil
}

func (r *threadRepo) ListContributions(ctx context.Context, threadID string) ([]*core.ThreadContribution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*core.ThreadContribution
	for _, c := range r.contributions[threadID] {
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

// ============================================================================
// CARAPACE HISTORY
// ============================================================================

type carapaceRepo Store

func (r *carapaceRepo) RecordChange(ctx context.Context, c *core.ConfigChange) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *c
	r.carapace[c.ClawID] = append(r.carapace[c.ClawID], &cp)
	return nil
}

func (r *carapaceRepo) LastChange(ctx context.Context, clawID string) (*core.ConfigChange, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	changes := r.carapace[clawID]
	if len(changes) == 0 {
		return nil, nil
	}
	last := changes[0]
	for _, c := range changes[1:] {
		if c.ChangedAt.After(last.ChangedAt) {
			last = c
		}
	}
	cp := *last
	return &cp, nil
}
