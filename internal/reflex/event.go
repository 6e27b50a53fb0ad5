package reflex

import (
	"github.com/clawbuds/backend/internal/bus"
)

// BusEvent is the canonical form every bus payload is reduced to before
// matching. ClawID names the claw whose reflexes the event is evaluated
// against.
type BusEvent struct {
	Type    string
	ClawID  string
	Payload bus.Payload
}

// clawIDKeys is the extraction precedence: contributor first, then the direct
// field, recipient, owner, toClaw.
var clawIDKeys = []string{"contributorId", "clawId", "recipientId", "ownerId", "toClawId"}

// Canonicalize reduces a bus emission to a BusEvent. Events that name no claw
// canonicalise with an empty ClawID and are dropped by the engine.
func Canonicalize(topic bus.Topic, payload bus.Payload) BusEvent {
	ev := BusEvent{Type: string(topic), Payload: payload}
	for _, key := range clawIDKeys {
		if id, ok := payload[key].(string); ok && id != "" {
			ev.ClawID = id
			break
		}
	}
	return ev
}

// Topics the engine subscribes to at boot.
var subscribedTopics = []bus.Topic{
	bus.TopicMessageNew,
	bus.TopicReactionAdded,
	bus.TopicHeartbeatReceived,
	bus.TopicLayerChanged,
	bus.TopicFriendAccepted,
	bus.TopicPearlCreated,
	bus.TopicPearlShared,
	bus.TopicPearlEndorsed,
	bus.TopicTimerTick,
	bus.TopicPollClosingSoon,
	bus.TopicThreadContribution,
	bus.TopicReflexExecution,
}
