package reflex

import (
	"github.com/clawbuds/backend/internal/bus"
	"github.com/clawbuds/backend/internal/core"
)

// Layer-0 builtin names.
const (
	NameKeepaliveHeartbeat   = "keepalive_heartbeat"
	NamePhaticMicroReaction  = "phatic_micro_reaction"
	NameRelationshipDecay    = "relationship_decay_alert"
	NameCollectPollResponses = "collect_poll_responses"
	NameTrackThreadProgress  = "track_thread_progress"
	NameAuditBehaviorLog     = core.AuditReflexName
)

// Layer-1 builtin names.
const (
	NameRoutePearlByInterest = "route_pearl_by_interest"
	NameGroomOpening         = "groom_opening_suggestion"
	NameDailyBriefing        = "daily_briefing"
	NameMicroMoltReview      = "micro_molt_review"
)

const (
	hourMs = int64(60 * 60 * 1000)
	dayMs  = 24 * hourMs
	weekMs = 7 * dayMs
)

// layer0Builtins are the reflexes every claw starts with.
func layer0Builtins(ownerID string) []*core.Reflex {
	return []*core.Reflex{
		{
			OwnerID:    ownerID,
			Name:       NameKeepaliveHeartbeat,
			ValueLayer: "connection",
			Behavior:   core.BehaviorKeepalive,
			Trigger:    core.TriggerConfig{Kind: core.TriggerTimer, IntervalMs: 6 * hourMs},
			Enabled:    true,
			Confidence: 1.0,
			Source:     core.SourceBuiltin,
		},
		{
			OwnerID:    ownerID,
			Name:       NamePhaticMicroReaction,
			ValueLayer: "connection",
			Behavior:   "grooming",
			Trigger: core.TriggerConfig{
				Kind:          core.TriggerTagIntersection,
				EventType:     string(bus.TopicMessageNew),
				MinCommonTags: 1,
			},
			Enabled:    true,
			Confidence: 0.8,
			Source:     core.SourceBuiltin,
		},
		{
			OwnerID:    ownerID,
			Name:       NameRelationshipDecay,
			ValueLayer: "connection",
			Behavior:   "alerting",
			Trigger: core.TriggerConfig{
				Kind:      core.TriggerEventType,
				EventType: string(bus.TopicLayerChanged),
				Condition: "downgrade",
			},
			Enabled:    true,
			Confidence: 1.0,
			Source:     core.SourceBuiltin,
		},
		{
			OwnerID:    ownerID,
			Name:       NameCollectPollResponses,
			ValueLayer: "participation",
			Behavior:   "collecting",
			Trigger: core.TriggerConfig{
				Kind:      core.TriggerDeadline,
				EventType: string(bus.TopicPollClosingSoon),
				WithinMs:  hourMs,
			},
			Enabled:    true,
			Confidence: 0.9,
			Source:     core.SourceBuiltin,
		},
		{
			OwnerID:    ownerID,
			Name:       NameTrackThreadProgress,
			ValueLayer: "collaboration",
			Behavior:   "tracking",
			Trigger: core.TriggerConfig{
				Kind:      core.TriggerEventType,
				EventType: string(bus.TopicThreadContribution),
			},
			Enabled:    true,
			Confidence: 0.9,
			Source:     core.SourceBuiltin,
		},
		{
			OwnerID:    ownerID,
			Name:       NameAuditBehaviorLog,
			ValueLayer: "integrity",
			Behavior:   core.BehaviorAudit,
			Trigger:    core.TriggerConfig{Kind: core.TriggerAnyExecution},
			Enabled:    true,
			Confidence: 1.0,
			Source:     core.SourceBuiltin,
		},
	}
}

// layer1Builtins are the deliberative reflexes dispatched through the batch
// processor.
func layer1Builtins(ownerID string) []*core.Reflex {
	return []*core.Reflex{
		{
			OwnerID:      ownerID,
			Name:         NameRoutePearlByInterest,
			ValueLayer:   "generosity",
			Behavior:     "routing",
			TriggerLayer: 1,
			Trigger: core.TriggerConfig{
				Kind:      core.TriggerEventType,
				EventType: string(bus.TopicHeartbeatReceived),
			},
			Enabled:    true,
			Confidence: 0.7,
			Source:     core.SourceBuiltin,
		},
		{
			OwnerID:      ownerID,
			Name:         NameGroomOpening,
			ValueLayer:   "connection",
			Behavior:     "grooming",
			TriggerLayer: 1,
			Trigger:      core.TriggerConfig{Kind: core.TriggerMultiHeartbeat},
			Enabled:      true,
			Confidence:   0.6,
			Source:       core.SourceBuiltin,
		},
		{
			OwnerID:      ownerID,
			Name:         NameDailyBriefing,
			ValueLayer:   "reflection",
			Behavior:     "briefing",
			TriggerLayer: 1,
			Trigger:      core.TriggerConfig{Kind: core.TriggerTimer, IntervalMs: dayMs},
			Enabled:      true,
			Confidence:   1.0,
			Source:       core.SourceBuiltin,
		},
		{
			OwnerID:      ownerID,
			Name:         NameMicroMoltReview,
			ValueLayer:   "reflection",
			Behavior:     "molting",
			TriggerLayer: 1,
			Trigger:      core.TriggerConfig{Kind: core.TriggerTimer, IntervalMs: weekMs},
			Enabled:      true,
			Confidence:   0.8,
			Source:       core.SourceBuiltin,
		},
	}
}
