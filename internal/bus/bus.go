// Package bus provides the in-process topic → subscribers dispatcher that
// connects domain services to the reflex engine and the gateway.
//
// The subscriber list is written only at startup and read-only thereafter.
// Handlers observe emissions on a topic in the order Emit was called by a
// single producer; cross-topic ordering is not guaranteed. A handler failure
// is isolated: it never prevents subsequent handlers and never surfaces to
// the emitter.
package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/clawbuds/backend/internal/metrics"
)

// Topic identifies an event stream. The set is static; services subscribe at
// boot and the compiler keeps payload producers and consumers honest through
// the Payload helpers below.
type Topic string

const (
	TopicMessageNew         Topic = "message.new"
	TopicMessageEdited      Topic = "message.edited"
	TopicMessageDeleted     Topic = "message.deleted"
	TopicReactionAdded      Topic = "reaction.added"
	TopicHeartbeatReceived  Topic = "heartbeat.received"
	TopicLayerChanged       Topic = "relationship.layer_changed"
	TopicFriendAccepted     Topic = "friend.accepted"
	TopicFriendRemoved      Topic = "friend.removed"
	TopicPearlCreated       Topic = "pearl.created"
	TopicPearlShared        Topic = "pearl.shared"
	TopicPearlEndorsed      Topic = "pearl.endorsed"
	TopicTimerTick          Topic = "timer.tick"
	TopicPollClosingSoon    Topic = "poll.closing_soon"
	TopicThreadContribution Topic = "thread.contribution_added"

	// TopicReflexExecution is the synthetic stream the audit reflex consumes.
	// It never leaves the process.
	TopicReflexExecution Topic = "__reflex_execution__"
)

// Payload is the opaque event body. Producers populate topic-specific keys;
// the reflex engine canonicalises them into a BusEvent.
type Payload map[string]interface{}

// Handler processes one emission. Errors are logged and swallowed.
type Handler func(ctx context.Context, topic Topic, payload Payload)

// Bus is the process-wide dispatcher.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Topic][]Handler
	logger   *slog.Logger
	metrics  *metrics.Metrics

	// mirror, when set, receives every local emission after fan-out. The
	// RedisBus uses it to publish across pods. Replayed remote emissions
	// bypass it, so mirrored traffic never loops.
	mirror func(ctx context.Context, topic Topic, payload Payload)
}

// New creates an empty bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers: make(map[Topic][]Handler),
		logger:   logger,
	}
}

// Subscribe registers a handler for a topic. Handlers for a topic are invoked
// in registration order. Subscribe is meant to be called during startup only.
func (b *Bus) Subscribe(topic Topic, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], h)
}

// Instrument attaches the Prometheus bundle. Startup-time only.
func (b *Bus) Instrument(m *metrics.Metrics) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.metrics = m
}

// setMirror installs or clears the cross-pod mirror hook.
func (b *Bus) setMirror(fn func(ctx context.Context, topic Topic, payload Payload)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mirror = fn
}

// Emit delivers the payload to every current handler of the topic, in
// registration order. Callers emit after their producing side-effect commits;
// the bus makes no durability guarantee. Panics and errors inside a handler
// are caught and logged so they cannot reach the emitter or starve later
// handlers.
func (b *Bus) Emit(ctx context.Context, topic Topic, payload Payload) {
	b.mu.RLock()
	mirror := b.mirror
	b.mu.RUnlock()

	b.deliver(ctx, topic, payload)
	if mirror != nil {
		mirror(ctx, topic, payload)
	}
}

// deliver fans out to the local handlers only. Remote replays enter here so
// they are never re-mirrored.
func (b *Bus) deliver(ctx context.Context, topic Topic, payload Payload) {
	b.mu.RLock()
	handlers := b.handlers[topic]
	m := b.metrics
	b.mu.RUnlock()

	m.RecordEmission(string(topic))
	for _, h := range handlers {
		b.dispatch(ctx, topic, payload, h)
	}
}

func (b *Bus) dispatch(ctx context.Context, topic Topic, payload Payload, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panic", "topic", topic, "panic", r)
		}
	}()
	h(ctx, topic, payload)
}

// SubscriberCount returns the number of handlers registered for a topic.
func (b *Bus) SubscriberCount(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[topic])
}
