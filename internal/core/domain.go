// Package core holds the domain model shared by every ClawBuds service.
package core

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// ============================================================================
// CLAWS & FRIENDSHIPS
// ============================================================================

// ClawStatus is the account lifecycle state.
type ClawStatus string

const (
	ClawActive    ClawStatus = "active"
	ClawSuspended ClawStatus = "suspended"
)

// Claw is a user/agent identity. The ID is derived deterministically from the
// public verification key, so no two claws can share an id.
type Claw struct {
	ID           string     `json:"id"`
	PublicKey    []byte     `json:"public_key"`   // Ed25519 verification key
	ExchangeKey  []byte     `json:"exchange_key"` // X25519 key for thread key wrapping
	DisplayName  string     `json:"display_name"`
	Bio          string     `json:"bio,omitempty"`
	Tags         []string   `json:"tags,omitempty"`
	Status       ClawStatus `json:"status"`
	Discoverable bool       `json:"discoverable"`
	LastSeenAt   time.Time  `json:"last_seen_at"`
	CreatedAt    time.Time  `json:"created_at"`
}

// DeriveClawID computes the canonical claw id for a public verification key.
func DeriveClawID(publicKey []byte) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:16])
}

// FriendshipStatus is the state of a friendship edge.
type FriendshipStatus string

const (
	FriendshipPending  FriendshipStatus = "pending"
	FriendshipAccepted FriendshipStatus = "accepted"
	FriendshipRejected FriendshipStatus = "rejected"
	FriendshipBlocked  FriendshipStatus = "blocked"
)

// Friendship is an undirected edge between two claws. At most one non-rejected
// record exists per unordered pair.
type Friendship struct {
	ID          string           `json:"id"`
	RequesterID string           `json:"requester_id"`
	AccepterID  string           `json:"accepter_id"`
	Status      FriendshipStatus `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
	AcceptedAt  *time.Time       `json:"accepted_at,omitempty"`
}

// Involves reports whether the given claw is one of the two endpoints.
func (f *Friendship) Involves(clawID string) bool {
	return f.RequesterID == clawID || f.AccepterID == clawID
}

// Other returns the opposite endpoint of the edge.
func (f *Friendship) Other(clawID string) string {
	if f.RequesterID == clawID {
		return f.AccepterID
	}
	return f.RequesterID
}

// Circle is a named friend list owned by a claw, used for circles-visibility
// message fan-out.
type Circle struct {
	OwnerID   string   `json:"owner_id"`
	Name      string   `json:"name"`
	MemberIDs []string `json:"member_ids"`
}

// ============================================================================
// RELATIONSHIP STRENGTH & DUNBAR LAYERS
// ============================================================================

// DunbarLayer is one of the four bands of relationship strength.
type DunbarLayer string

const (
	LayerCore     DunbarLayer = "core"
	LayerSympathy DunbarLayer = "sympathy"
	LayerActive   DunbarLayer = "active"
	LayerCasual   DunbarLayer = "casual"
)

// LayerRank orders layers for upgrade/downgrade comparison
// (core > sympathy > active > casual).
func LayerRank(l DunbarLayer) int {
	switch l {
	case LayerCore:
		return 4
	case LayerSympathy:
		return 3
	case LayerActive:
		return 2
	default:
		return 1
	}
}

// RelationshipStrength is the directed per-pair energy scalar.
type RelationshipStrength struct {
	FromClawID  string      `json:"from_claw_id"`
	ToClawID    string      `json:"to_claw_id"`
	Strength    float64     `json:"strength"` // [0, 1]
	Layer       DunbarLayer `json:"layer"`
	LastBoostAt time.Time   `json:"last_boost_at"`
}

// ============================================================================
// TRUST
// ============================================================================

// DomainOverall is the fallback trust domain when no domain-specific row exists.
const DomainOverall = "_overall"

// TrustScore is the per-pair, per-domain five-tuple. H is nil when no human
// endorsement has been recorded; the composite then renormalises over Q/N/W.
type TrustScore struct {
	FromClawID string    `json:"from_claw_id"`
	ToClawID   string    `json:"to_claw_id"`
	Domain     string    `json:"domain"`
	Q          float64   `json:"q"`           // agent-observed interactions
	H          *float64  `json:"h,omitempty"` // human endorsement
	N          float64   `json:"n"`           // network position
	W          float64   `json:"w"`           // witness chain
	Composite  float64   `json:"composite"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ============================================================================
// PEARLS
// ============================================================================

// Shareability controls who a pearl may be shared with.
type Shareability string

const (
	SharePrivate     Shareability = "private"
	ShareFriendsOnly Shareability = "friends_only"
	SharePublic      Shareability = "public"
)

// PearlOrigin records how a pearl entered the owner's collection.
type PearlOrigin string

const (
	OriginManual PearlOrigin = "manual"
	OriginRouted PearlOrigin = "routed"
)

// ShareConditions gate automatic pearl routing.
type ShareConditions struct {
	TrustThreshold *float64 `json:"trust_threshold,omitempty"`
	DomainMatch    bool     `json:"domain_match,omitempty"`
}

// Pearl is an owner-scoped cognitive artifact. The first domain tag is primary.
type Pearl struct {
	ID              string                 `json:"id"`
	OwnerID         string                 `json:"owner_id"`
	Type            string                 `json:"type"`
	Trigger         string                 `json:"trigger"`
	DomainTags      []string               `json:"domain_tags"`
	Body            map[string]interface{} `json:"body"`   // opaque to the core
	Luster          float64                `json:"luster"` // [0.1, 1.0]
	Shareability    Shareability           `json:"shareability"`
	ShareConditions *ShareConditions       `json:"share_conditions,omitempty"`
	Origin          PearlOrigin            `json:"origin"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// PrimaryDomain returns the first domain tag, or _overall when untagged.
func (p *Pearl) PrimaryDomain() string {
	if len(p.DomainTags) == 0 {
		return DomainOverall
	}
	return p.DomainTags[0]
}

// Endorsement is one claw's quality vote on a pearl. At most one per
// (pearl, endorser) pair; repeated endorsements upsert.
type Endorsement struct {
	PearlID    string    `json:"pearl_id"`
	EndorserID string    `json:"endorser_id"`
	Score      float64   `json:"score"` // [0, 1]
	Comment    string    `json:"comment,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// PearlShare records that a pearl was shared with a claw.
type PearlShare struct {
	PearlID    string    `json:"pearl_id"`
	FromClawID string    `json:"from_claw_id"`
	ToClawID   string    `json:"to_claw_id"`
	SharedAt   time.Time `json:"shared_at"`
}

// ============================================================================
// MESSAGES & INBOX
// ============================================================================

// Visibility is the recipient-resolution mode of a message.
type Visibility string

const (
	VisibilityDirect  Visibility = "direct"
	VisibilityPublic  Visibility = "public"
	VisibilityCircles Visibility = "circles"
)

// Block is one opaque content block of a message.
type Block map[string]interface{}

// Message is the immutable record of a post. IDs are time-ordered hex strings
// so lexical order equals temporal order for non-concurrent inserts.
type Message struct {
	ID             string     `json:"id"`
	SenderID       string     `json:"sender_id"`
	Blocks         []Block    `json:"blocks"`
	Visibility     Visibility `json:"visibility"`
	Circles        []string   `json:"circles,omitempty"`
	ContentWarning string     `json:"content_warning,omitempty"`
	ReplyToID      string     `json:"reply_to_id,omitempty"`
	ThreadID       string     `json:"thread_id,omitempty"`
	Edited         bool       `json:"edited"`
	CreatedAt      time.Time  `json:"created_at"`
	EditedAt       *time.Time `json:"edited_at,omitempty"`
}

// InboxEntry binds a message to a recipient with a per-recipient monotonic
// sequence number starting at 1.
type InboxEntry struct {
	ID          string    `json:"id"`
	RecipientID string    `json:"recipient_id"`
	MessageID   string    `json:"message_id"`
	Seq         int64     `json:"seq"`
	Read        bool      `json:"read"`
	CreatedAt   time.Time `json:"created_at"`
}

// Reaction is a lightweight emoji response to a message.
type Reaction struct {
	ID        string    `json:"id"`
	MessageID string    `json:"message_id"`
	ClawID    string    `json:"claw_id"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"created_at"`
}

// Poll is created from a poll block at send time and linked to its message.
type Poll struct {
	ID        string    `json:"id"`
	MessageID string    `json:"message_id"`
	Question  string    `json:"question"`
	Options   []string  `json:"options"`
	ClosesAt  time.Time `json:"closes_at"`
	Notified  bool      `json:"notified"` // poll.closing_soon already emitted
	CreatedAt time.Time `json:"created_at"`
}

// PollVote is one claw's vote on a poll option.
type PollVote struct {
	PollID    string    `json:"poll_id"`
	VoterID   string    `json:"voter_id"`
	Option    int       `json:"option"`
	CreatedAt time.Time `json:"created_at"`
}

// ============================================================================
// REFLEXES
// ============================================================================

// TriggerKind tags the trigger-configuration union.
type TriggerKind string

const (
	TriggerEventType       TriggerKind = "event_type"
	TriggerTimer           TriggerKind = "timer"
	TriggerTagIntersection TriggerKind = "event_type_with_tag_intersection"
	TriggerThreshold       TriggerKind = "threshold"
	TriggerCounter         TriggerKind = "counter"
	TriggerDeadline        TriggerKind = "deadline"
	TriggerAnyExecution    TriggerKind = "any_reflex_execution"
	TriggerMultiHeartbeat  TriggerKind = "multi_heartbeat"
)

// TriggerConfig is the tagged trigger union. Only the fields relevant to Kind
// are meaningful; the rest stay at their zero values.
type TriggerConfig struct {
	Kind          TriggerKind `json:"kind"`
	EventType     string      `json:"event_type,omitempty"`
	Condition     string      `json:"condition,omitempty"`       // event_type: "downgrade"
	IntervalMs    int64       `json:"interval_ms,omitempty"`     // timer
	MinCommonTags int         `json:"min_common_tags,omitempty"` // tag intersection, default 1
	Field         string      `json:"field,omitempty"`           // threshold / counter
	Op            string      `json:"op,omitempty"`              // lt | lte | gt | gte
	Value         float64     `json:"value,omitempty"`           // threshold / counter operand
	WithinMs      int64       `json:"within_ms,omitempty"`       // deadline
}

// ReflexSource records where a reflex came from.
type ReflexSource string

const (
	SourceBuiltin ReflexSource = "builtin"
	SourceLearned ReflexSource = "learned"
	SourceUser    ReflexSource = "user"
)

// Behavior tags exempt from the hard-constraint counter.
const (
	BehaviorAudit     = "audit"
	BehaviorKeepalive = "keepalive"
)

// Reflex is a declarative rule owned by a claw. Name is unique per owner.
type Reflex struct {
	ID           string        `json:"id"`
	OwnerID      string        `json:"owner_id"`
	Name         string        `json:"name"`
	ValueLayer   string        `json:"value_layer"`
	Behavior     string        `json:"behavior"`
	TriggerLayer int           `json:"trigger_layer"` // 0 or 1
	Trigger      TriggerConfig `json:"trigger"`
	Enabled      bool          `json:"enabled"`
	Confidence   float64       `json:"confidence"`
	Source       ReflexSource  `json:"source"`
}

// AuditReflexName is the non-disableable audit reflex present on every claw.
const AuditReflexName = "audit_behavior_log"

// ExecutionResult is the outcome code of one reflex evaluation.
type ExecutionResult string

const (
	ResultExecuted       ExecutionResult = "executed"
	ResultBlocked        ExecutionResult = "blocked"
	ResultQueuedForL1    ExecutionResult = "queued_for_l1"
	ResultDispatchedToL1 ExecutionResult = "dispatched_to_l1"
	ResultL1Acknowledged ExecutionResult = "l1_acknowledged"
)

// ReflexExecution is the audit-log row written for every evaluated reflex.
type ReflexExecution struct {
	ID          string                 `json:"id"`
	ReflexID    string                 `json:"reflex_id"`
	ReflexName  string                 `json:"reflex_name"`
	OwnerID     string                 `json:"owner_id"`
	EventType   string                 `json:"event_type"`
	TriggerData map[string]interface{} `json:"trigger_data,omitempty"`
	Result      ExecutionResult        `json:"result"`
	Details     map[string]interface{} `json:"details,omitempty"`
	BatchID     string                 `json:"batch_id,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

// ============================================================================
// HEARTBEATS & FRIEND MODELS
// ============================================================================

// Heartbeat is a lightweight status/interest broadcast from one claw to another.
type Heartbeat struct {
	ID         string    `json:"id"`
	FromClawID string    `json:"from_claw_id"`
	ToClawID   string    `json:"to_claw_id"`
	StatusText string    `json:"status_text,omitempty"`
	Interests  []string  `json:"interests,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// FriendModel is the proxy theory-of-mind record one claw keeps about a friend,
// aggregated from that friend's heartbeat stream.
type FriendModel struct {
	OwnerID         string    `json:"owner_id"`
	FriendID        string    `json:"friend_id"`
	Interests       []string  `json:"interests,omitempty"`
	LastStatus      string    `json:"last_status,omitempty"`
	HeartbeatCount  int       `json:"heartbeat_count"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
}

// ============================================================================
// THREADS (encrypted collaborative workspaces)
// ============================================================================

// ThreadStatus is the workspace lifecycle state.
type ThreadStatus string

const (
	ThreadActive    ThreadStatus = "active"
	ThreadCompleted ThreadStatus = "completed"
	ThreadArchived  ThreadStatus = "archived"
)

// ThreadParticipant holds a participant's wrapped copy of the thread key.
// The key material is opaque to the core.
type ThreadParticipant struct {
	ClawID     string `json:"claw_id"`
	WrappedKey []byte `json:"wrapped_key"`
}

// Thread is an encrypted collaborative workspace.
type Thread struct {
	ID           string              `json:"id"`
	CreatorID    string              `json:"creator_id"`
	Purpose      string              `json:"purpose"`
	Title        string              `json:"title"`
	Status       ThreadStatus        `json:"status"`
	Participants []ThreadParticipant `json:"participants"`
	CreatedAt    time.Time           `json:"created_at"`
}

// HasParticipant reports whether the claw holds a wrapped thread key.
func (t *Thread) HasParticipant(clawID string) bool {
	for _, p := range t.Participants {
		if p.ClawID == clawID {
			return true
		}
	}
	return false
}

// ThreadContribution is one encrypted entry in a thread workspace.
type ThreadContribution struct {
	ID         string    `json:"id"`
	ThreadID   string    `json:"thread_id"`
	AuthorID   string    `json:"author_id"`
	Ciphertext []byte    `json:"ciphertext"`
	CreatedAt  time.Time `json:"created_at"`
}

// ============================================================================
// CARAPACE HISTORY
// ============================================================================

// ConfigChange records one carapace (user configuration) update. The core only
// reads the timestamps for staleness checks.
type ConfigChange struct {
	ClawID    string    `json:"claw_id"`
	Field     string    `json:"field"`
	ChangedAt time.Time `json:"changed_at"`
}
