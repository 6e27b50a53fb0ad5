// Package relationship maintains the per-pair energy model and its projection
// onto the four Dunbar layers.
package relationship

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/clawbuds/backend/internal/bus"
	"github.com/clawbuds/backend/internal/clock"
	"github.com/clawbuds/backend/internal/core"
	"github.com/clawbuds/backend/internal/repo"
)

// Boost deltas per interaction kind.
var boostDeltas = map[string]float64{
	"message":             0.06,
	"reaction":            0.02,
	"heartbeat":           0.01,
	"pearl_share":         0.08,
	"endorsement":         0.05,
	"thread_contribution": 0.04,
}

// InitialStrength is assigned to both directed rows when a friendship is
// accepted; it lands in the active band.
const InitialStrength = 0.5

// DecayedStrength applies exponential decay from lastBoost to now. λ is
// chosen so a week-idle edge loses half its strength. Pure and exactly
// reproducible.
func DecayedStrength(strength float64, lastBoost, now time.Time, halfLifeDays float64) float64 {
	if halfLifeDays <= 0 || !now.After(lastBoost) {
		return strength
	}
	lambda := math.Ln2 / (halfLifeDays * 24 * float64(time.Hour))
	dt := float64(now.Sub(lastBoost))
	return strength * math.Exp(-lambda*dt)
}

// LayerFor projects a strength value onto its Dunbar band.
func LayerFor(strength float64) core.DunbarLayer {
	switch {
	case strength >= 0.75:
		return core.LayerCore
	case strength >= 0.50:
		return core.LayerSympathy
	case strength >= 0.25:
		return core.LayerActive
	default:
		return core.LayerCasual
	}
}

// Service owns relationship-strength rows and emits layer-change events.
type Service struct {
	store        repo.Store
	bus          *bus.Bus
	clock        clock.Clock
	halfLifeDays float64
	logger       *slog.Logger
}

func NewService(store repo.Store, b *bus.Bus, clk clock.Clock, halfLifeDays float64, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, bus: b, clock: clk, halfLifeDays: halfLifeDays, logger: logger}
}

// Subscribe wires the lifecycle hooks and interaction boosts. Called once at
// startup.
func (s *Service) Subscribe() {
	s.bus.Subscribe(bus.TopicFriendAccepted, func(ctx context.Context, _ bus.Topic, p bus.Payload) {
		requester, _ := p["requesterId"].(string)
		accepter, _ := p["accepterId"].(string)
		s.initPair(ctx, requester, accepter)
	})
	s.bus.Subscribe(bus.TopicFriendRemoved, func(ctx context.Context, _ bus.Topic, p bus.Payload) {
		a, _ := p["clawId"].(string)
		b, _ := p["friendId"].(string)
		s.removePair(ctx, a, b)
	})

	boostOn := func(topic bus.Topic, fromKey, toKey, kind string) {
		s.bus.Subscribe(topic, func(ctx context.Context, _ bus.Topic, p bus.Payload) {
			from, _ := p[fromKey].(string)
			to, _ := p[toKey].(string)
			if from == "" || to == "" || from == to {
				return
			}
			if err := s.Boost(ctx, from, to, kind); err != nil {
				s.logger.Warn("boost failed", "kind", kind, "from", from, "to", to, "error", err)
			}
		})
	}
	boostOn(bus.TopicMessageNew, "senderId", "recipientId", "message")
	boostOn(bus.TopicReactionAdded, "clawId", "senderId", "reaction")
	boostOn(bus.TopicHeartbeatReceived, "fromClawId", "toClawId", "heartbeat")
	boostOn(bus.TopicPearlShared, "fromClawId", "toClawId", "pearl_share")
	boostOn(bus.TopicPearlEndorsed, "endorserId", "ownerId", "endorsement")
}

func (s *Service) initPair(ctx context.Context, a, b string) {
	if a == "" || b == "" {
		return
	}
	now := s.clock.Now()
	for _, pair := range [][2]string{{a, b}, {b, a}} {
		rs := &core.RelationshipStrength{
			FromClawID:  pair[0],
			ToClawID:    pair[1],
			Strength:    InitialStrength,
			Layer:       LayerFor(InitialStrength),
			LastBoostAt: now,
		}
		if err := s.store.Strengths().Put(ctx, rs); err != nil {
			s.logger.Warn("strength init failed", "from", pair[0], "to", pair[1], "error", err)
		}
	}
}

func (s *Service) removePair(ctx context.Context, a, b string) {
	if a == "" || b == "" {
		return
	}
	_ = s.store.Strengths().Delete(ctx, a, b)
	_ = s.store.Strengths().Delete(ctx, b, a)
}

// Boost applies decay up to now, adds the kind-dependent delta, clamps to
// [0, 1] and persists. A band crossing emits relationship.layer_changed
// exactly once, synchronously with the update.
func (s *Service) Boost(ctx context.Context, from, to, kind string) error {
	delta, ok := boostDeltas[kind]
	if !ok {
		return core.Errorf(core.ErrValidation, "unknown interaction kind %q", kind)
	}
	rs, err := s.store.Strengths().Get(ctx, from, to)
	if err != nil {
		return err
	}
	if rs == nil {
		// No edge; interactions between non-friends do not create one.
		return nil
	}

	now := s.clock.Now()
	strength := DecayedStrength(rs.Strength, rs.LastBoostAt, now, s.halfLifeDays) + delta
	strength = math.Min(1, math.Max(0, strength))

	oldLayer := rs.Layer
	rs.Strength = strength
	rs.Layer = LayerFor(strength)
	rs.LastBoostAt = now
	if err := s.store.Strengths().Put(ctx, rs); err != nil {
		return err
	}
	if rs.Layer != oldLayer {
		s.emitLayerChange(ctx, rs, oldLayer)
	}
	return nil
}

// Current returns the edge with decay applied at read time. A band crossing
// observed at read is persisted so the change event fires exactly once.
func (s *Service) Current(ctx context.Context, from, to string) (*core.RelationshipStrength, error) {
	rs, err := s.store.Strengths().Get(ctx, from, to)
	if err != nil {
		return nil, err
	}
	if rs == nil {
		return nil, nil
	}
	now := s.clock.Now()
	decayed := DecayedStrength(rs.Strength, rs.LastBoostAt, now, s.halfLifeDays)
	newLayer := LayerFor(decayed)

	view := *rs
	view.Strength = decayed
	view.Layer = newLayer

	if newLayer != rs.Layer {
		oldLayer := rs.Layer
		rs.Strength = decayed
		rs.Layer = newLayer
		rs.LastBoostAt = now
		if err := s.store.Strengths().Put(ctx, rs); err != nil {
			return nil, err
		}
		s.emitLayerChange(ctx, rs, oldLayer)
	}
	return &view, nil
}

// ListFrom returns every outgoing edge with decay applied.
func (s *Service) ListFrom(ctx context.Context, from string) ([]*core.RelationshipStrength, error) {
	rows, err := s.store.Strengths().ListFrom(ctx, from)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	for _, rs := range rows {
		rs.Strength = DecayedStrength(rs.Strength, rs.LastBoostAt, now, s.halfLifeDays)
		rs.Layer = LayerFor(rs.Strength)
	}
	return rows, nil
}

func (s *Service) emitLayerChange(ctx context.Context, rs *core.RelationshipStrength, oldLayer core.DunbarLayer) {
	s.logger.Info("dunbar layer changed",
		"from", rs.FromClawID, "to", rs.ToClawID,
		"old_layer", oldLayer, "new_layer", rs.Layer, "strength", rs.Strength)
	s.bus.Emit(ctx, bus.TopicLayerChanged, bus.Payload{
		"fromClawId": rs.FromClawID,
		"toClawId":   rs.ToClawID,
		"oldLayer":   string(oldLayer),
		"newLayer":   string(rs.Layer),
		"strength":   rs.Strength,
	})
}
