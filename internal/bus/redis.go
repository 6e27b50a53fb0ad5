package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// PubSubClient is the minimal pub/sub surface the mirror needs. Kept separate
// from the full go-redis client so the mirroring logic is testable without a
// server.
type PubSubClient interface {
	// Publish sends one message to a channel.
	Publish(ctx context.Context, channel string, payload []byte) error

	// PSubscribe delivers every message matching the pattern to handler until
	// the returned stop function is called.
	PSubscribe(ctx context.Context, pattern string, handler func(channel string, payload []byte)) (func(), error)
}

// goRedisPubSub adapts a go-redis client to the PubSubClient surface.
type goRedisPubSub struct {
	client *redis.Client
}

func NewRedisPubSub(client *redis.Client) PubSubClient {
	return &goRedisPubSub{client: client}
}

func (g *goRedisPubSub) Publish(ctx context.Context, channel string, payload []byte) error {
	return g.client.Publish(ctx, channel, payload).Err()
}

func (g *goRedisPubSub) PSubscribe(ctx context.Context, pattern string, handler func(string, []byte)) (func(), error) {
	sub := g.client.PSubscribe(ctx, pattern)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, err
	}
	go func() {
		for msg := range sub.Channel() {
			handler(msg.Channel, []byte(msg.Payload))
		}
	}()
	return func() { sub.Close() }, nil
}

// RedisBus mirrors emissions across pods using Redis Pub/Sub. It installs
// itself as the local bus's mirror hook, so every Emit on the wrapped bus —
// from any service holding it — fans out locally first and is then published.
// Remote emissions arrive on a pattern subscription and are replayed into the
// local handlers without re-publishing.
//
// Ordering across pods is best-effort; within one producer and one topic the
// local fan-out keeps the Bus ordering guarantee.
type RedisBus struct {
	local    *Bus
	client   PubSubClient
	prefix   string
	originID string // filters out our own mirrored emissions
	logger   *slog.Logger
	unsub    func()
}

type redisEnvelope struct {
	Origin  string  `json:"origin"`
	Topic   Topic   `json:"topic"`
	Payload Payload `json:"payload"`
}

// NewRedisBus wraps a local bus with Redis mirroring. The channel prefix
// defaults to "clawbuds:events:".
func NewRedisBus(local *Bus, client PubSubClient, prefix string, logger *slog.Logger) *RedisBus {
	if prefix == "" {
		prefix = "clawbuds:events:"
	}
	if logger == nil {
		logger = slog.Default()
	}
	rb := &RedisBus{
		local:    local,
		client:   client,
		prefix:   prefix,
		originID: uuid.NewString(),
		logger:   logger,
	}
	local.setMirror(rb.publish)
	return rb
}

// Start begins consuming mirrored emissions from other pods. Outbound
// mirroring is active from construction; a failed subscription leaves the bus
// publish-only.
func (rb *RedisBus) Start(ctx context.Context) {
	unsub, err := rb.client.PSubscribe(ctx, rb.prefix+"*", func(channel string, payload []byte) {
		rb.replay(ctx, channel, payload)
	})
	if err != nil {
		rb.logger.Warn("redis bus: subscribe failed, outbound mirroring only", "error", err)
		return
	}
	rb.unsub = unsub
}

// Stop detaches the mirror hook and tears down the pattern subscription.
func (rb *RedisBus) Stop() {
	rb.local.setMirror(nil)
	if rb.unsub != nil {
		rb.unsub()
	}
}

// Subscribe registers on the local bus; remote emissions are replayed there.
func (rb *RedisBus) Subscribe(topic Topic, h Handler) {
	rb.local.Subscribe(topic, h)
}

// Emit is equivalent to emitting on the wrapped bus.
func (rb *RedisBus) Emit(ctx context.Context, topic Topic, payload Payload) {
	rb.local.Emit(ctx, topic, payload)
}

// publish mirrors one local emission to Redis. Failures are logged and
// swallowed: the local delivery already happened and the bus makes no
// durability promise.
func (rb *RedisBus) publish(ctx context.Context, topic Topic, payload Payload) {
	env := redisEnvelope{Origin: rb.originID, Topic: topic, Payload: payload}
	data, err := json.Marshal(env)
	if err != nil {
		rb.logger.Warn("redis bus: marshal failed", "topic", topic, "error", err)
		return
	}
	if err := rb.client.Publish(ctx, rb.prefix+string(topic), data); err != nil {
		rb.logger.Warn("redis bus: publish failed", "topic", topic, "error", err)
	}
}

func (rb *RedisBus) replay(ctx context.Context, channel string, data []byte) {
	var env redisEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		rb.logger.Warn("redis bus: bad envelope", "channel", channel, "error", err)
		return
	}
	if env.Origin == rb.originID {
		return // our own mirror
	}
	topic := env.Topic
	if topic == "" {
		topic = Topic(strings.TrimPrefix(channel, rb.prefix))
	}
	rb.local.deliver(ctx, topic, env.Payload)
}
