// Package repo defines the persistence façade the domain services consume.
//
// Two production backends exist (postgres: native transactions; supabase:
// per-call atomic upserts) plus an in-memory backend for tests and local
// development. The core depends only on these interfaces and receives the
// backend as an injected dependency. Every write that must be consistent with
// another write goes through Atomic.
package repo

import (
	"context"
	"time"

	"github.com/clawbuds/backend/internal/core"
)

// Store is the per-entity repository façade.
type Store interface {
	Claws() ClawRepo
	Friendships() FriendshipRepo
	Circles() CircleRepo
	Strengths() StrengthRepo
	Trust() TrustRepo
	Pearls() PearlRepo
	Messages() MessageRepo
	Inbox() InboxRepo
	Polls() PollRepo
	Reactions() ReactionRepo
	Reflexes() ReflexRepo
	Executions() ExecutionRepo
	Heartbeats() HeartbeatRepo
	FriendModels() FriendModelRepo
	Threads() ThreadRepo
	Carapace() CarapaceRepo

	// Atomic runs fn inside one transactional unit. Backends without native
	// transactions run fn directly and rely on per-call atomicity; callers
	// still group dependent writes here so transactional backends get the
	// full guarantee.
	Atomic(ctx context.Context, fn func(Store) error) error
}

// ClawRepo persists identities.
type ClawRepo interface {
	Register(ctx context.Context, claw *core.Claw) error // DUPLICATE on id collision
	FindByID(ctx context.Context, id string) (*core.Claw, error)
	UpdateProfile(ctx context.Context, claw *core.Claw) error
	UpdateLastSeen(ctx context.Context, id string, at time.Time) error
	SearchByTag(ctx context.Context, tag string) ([]*core.Claw, error)
	// ListActiveIDs returns every active claw id (timer fan-out).
	ListActiveIDs(ctx context.Context) ([]string, error)
}

// FriendshipRepo persists undirected friendship edges.
type FriendshipRepo interface {
	Create(ctx context.Context, f *core.Friendship) error
	Update(ctx context.Context, f *core.Friendship) error
	Delete(ctx context.Context, id string) error
	// FindByPair returns the non-rejected record for the unordered pair, or nil.
	FindByPair(ctx context.Context, a, b string) (*core.Friendship, error)
	AreFriends(ctx context.Context, a, b string) (bool, error)
	ListFriends(ctx context.Context, clawID string) ([]string, error)
	MutualFriends(ctx context.Context, a, b string) ([]string, error)
}

// CircleRepo persists named friend lists.
type CircleRepo interface {
	Upsert(ctx context.Context, c *core.Circle) error
	Find(ctx context.Context, ownerID, name string) (*core.Circle, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*core.Circle, error)
	CountByOwner(ctx context.Context, ownerID string) (int, error)
	Delete(ctx context.Context, ownerID, name string) error
}

// StrengthRepo persists directed relationship-strength rows.
type StrengthRepo interface {
	Get(ctx context.Context, from, to string) (*core.RelationshipStrength, error)
	Put(ctx context.Context, rs *core.RelationshipStrength) error
	Delete(ctx context.Context, from, to string) error
	ListFrom(ctx context.Context, from string) ([]*core.RelationshipStrength, error)
}

// TrustRepo persists five-dimensional trust rows.
type TrustRepo interface {
	Get(ctx context.Context, from, to, domain string) (*core.TrustScore, error)
	Put(ctx context.Context, ts *core.TrustScore) error
	ListByPair(ctx context.Context, from, to string) ([]*core.TrustScore, error)
	ListAll(ctx context.Context) ([]*core.TrustScore, error)
	DeletePair(ctx context.Context, from, to string) error
}

// PearlRepo persists pearls, their endorsements, citations and share records.
type PearlRepo interface {
	Create(ctx context.Context, p *core.Pearl) error
	FindByID(ctx context.Context, id string) (*core.Pearl, error)
	Update(ctx context.Context, p *core.Pearl) error
	ListByOwner(ctx context.Context, ownerID string) ([]*core.Pearl, error)
	// ListShareable returns the owner's pearls with visibility != private.
	ListShareable(ctx context.Context, ownerID string) ([]*core.Pearl, error)

	UpsertEndorsement(ctx context.Context, e *core.Endorsement) error
	ListEndorsements(ctx context.Context, pearlID string) ([]*core.Endorsement, error)

	AddCitation(ctx context.Context, pearlID, citingPearlID string) error
	CitationCount(ctx context.Context, pearlID string) (int, error)

	RecordShare(ctx context.Context, s *core.PearlShare) error
	WasShared(ctx context.Context, pearlID, toClawID string) (bool, error)
}

// MessageRepo persists messages, recipient rows and the fan-out inbox entries.
type MessageRepo interface {
	// InsertWithRecipients commits the message, its recipient rows (direct
	// visibility), per-recipient sequence increments, inbox entries and any
	// polls in a single atomic unit, returning the materialized entries.
	InsertWithRecipients(ctx context.Context, m *core.Message, recipientIDs []string, polls []*core.Poll) ([]*core.InboxEntry, error)
	FindByID(ctx context.Context, id string) (*core.Message, error)
	// FindByThread returns all messages with the thread id in ascending
	// creation order, excluding the root itself.
	FindByThread(ctx context.Context, threadID string) ([]*core.Message, error)
	IsRecipient(ctx context.Context, messageID, clawID string) (bool, error)
	Recipients(ctx context.Context, messageID string) ([]string, error)
	FindInboxEntry(ctx context.Context, recipientID, messageID string) (*core.InboxEntry, error)
	Edit(ctx context.Context, m *core.Message) error
	// Delete cascades to recipient rows and inbox entries.
	Delete(ctx context.Context, id string) error
}

// InboxRepo reads the per-recipient inbox.
type InboxRepo interface {
	ListForRecipient(ctx context.Context, recipientID string, afterSeq int64, limit int) ([]*core.InboxEntry, error)
	MarkRead(ctx context.Context, recipientID, entryID string) error
	CountUnread(ctx context.Context, recipientID string) (int, error)
}

// PollRepo persists polls and votes.
type PollRepo interface {
	FindByID(ctx context.Context, id string) (*core.Poll, error)
	Vote(ctx context.Context, v *core.PollVote) error
	CountVotes(ctx context.Context, pollID string) (int, error)
	// ListClosingWithin returns un-notified polls closing in (now, now+window].
	ListClosingWithin(ctx context.Context, now time.Time, window time.Duration) ([]*core.Poll, error)
	MarkNotified(ctx context.Context, pollID string) error
}

// ReactionRepo persists reactions.
type ReactionRepo interface {
	Create(ctx context.Context, r *core.Reaction) error
	ListByMessage(ctx context.Context, messageID string) ([]*core.Reaction, error)
}

// ReflexRepo persists declarative rules.
type ReflexRepo interface {
	// Upsert is keyed by (owner, name) and idempotent.
	Upsert(ctx context.Context, r *core.Reflex) error
	FindByName(ctx context.Context, ownerID, name string) (*core.Reflex, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*core.Reflex, error)
	// FindEnabled returns the owner's enabled reflexes; layer < 0 means any.
	FindEnabled(ctx context.Context, ownerID string, layer int) ([]*core.Reflex, error)
	SetEnabled(ctx context.Context, ownerID, name string, enabled bool) error
}

// ExecutionRepo persists the reflex audit log.
type ExecutionRepo interface {
	Create(ctx context.Context, e *core.ReflexExecution) error
	FindRecent(ctx context.Context, ownerID string, since time.Time) ([]*core.ReflexExecution, error)
	FindByResult(ctx context.Context, ownerID string, result core.ExecutionResult, since time.Time) ([]*core.ReflexExecution, error)
	// CountRoutings counts queued/dispatched pearl routings from owner to
	// target since the given instant (frequency-cap query).
	CountRoutings(ctx context.Context, ownerID, targetClawID string, since time.Time) (int, error)
	// UpdateResult advances one record's result, optionally tagging it with a
	// batch id.
	UpdateResult(ctx context.Context, executionID string, result core.ExecutionResult, batchID string) error
	// UpdateResultByBatch flips every record of the batch from one result to
	// another, returning the number of rows changed.
	UpdateResultByBatch(ctx context.Context, batchID string, from, to core.ExecutionResult) (int, error)
}

// HeartbeatRepo persists heartbeats.
type HeartbeatRepo interface {
	Create(ctx context.Context, h *core.Heartbeat) error
	ListReceived(ctx context.Context, toClawID string, since time.Time) ([]*core.Heartbeat, error)
}

// FriendModelRepo persists proxy theory-of-mind rows.
type FriendModelRepo interface {
	Get(ctx context.Context, ownerID, friendID string) (*core.FriendModel, error)
	Put(ctx context.Context, fm *core.FriendModel) error
}

// ThreadRepo persists encrypted workspaces.
type ThreadRepo interface {
	Create(ctx context.Context, t *core.Thread) error
	FindByID(ctx context.Context, id string) (*core.Thread, error)
	Update(ctx context.Context, t *core.Thread) error
	ListByParticipant(ctx context.Context, clawID string) ([]*core.Thread, error)
	AddContribution(ctx context.Context, c *core.ThreadContribution) error
	ListContributions(ctx context.Context, threadID string) ([]*core.ThreadContribution, error)
}

// CarapaceRepo records configuration-change timestamps for staleness checks.
type CarapaceRepo interface {
	RecordChange(ctx context.Context, c *core.ConfigChange) error
	LastChange(ctx context.Context, clawID string) (*core.ConfigChange, error)
}
