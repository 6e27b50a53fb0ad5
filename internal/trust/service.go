// Package trust maintains the five-dimensional per-pair, per-domain trust
// model: Q (agent-observed interactions), H (human endorsement, may be unset),
// N (network position), W (witness chain), composed into a clamped composite.
package trust

import (
	"context"
	"log/slog"
	"math"

	"github.com/clawbuds/backend/internal/bus"
	"github.com/clawbuds/backend/internal/clock"
	"github.com/clawbuds/backend/internal/core"
	"github.com/clawbuds/backend/internal/repo"
)

// Weights are the fixed composite weights; they sum to 1 and H carries the
// largest share.
type Weights struct {
	Q, H, N, W float64
}

// DefaultWeights matches the documented composition rule.
var DefaultWeights = Weights{Q: 0.25, H: 0.40, N: 0.20, W: 0.15}

// Composite computes the composition rule. With H unset the weights
// renormalise over Q/N/W, so Q = N = W = v yields exactly v.
func Composite(w Weights, q, n, wit float64, h *float64) float64 {
	var c float64
	if h != nil {
		c = w.Q*q + w.H*(*h) + w.N*n + w.W*wit
	} else {
		c = (w.Q*q + w.N*n + w.W*wit) / (w.Q + w.N + w.W)
	}
	return clamp01(c)
}

func clamp01(v float64) float64 { return math.Min(1, math.Max(0, v)) }

// Domain signals map to fixed Q deltas. A signal touches both the _overall
// row and the named domain row.
var signalDeltas = map[string]float64{
	"helpful_reply":     0.05,
	"interaction":       0.02,
	"pearl_endorsed":    0.04,
	"pearl_cited":       0.03,
	"ignored":           -0.02,
	"negative_feedback": -0.08,
	"commitment_kept":   0.06,
	"commitment_broken": -0.10,
}

// Network-position layer scores keyed by Dunbar layer.
var layerScores = map[core.DunbarLayer]float64{
	core.LayerCore:     1.0,
	core.LayerSympathy: 0.75,
	core.LayerActive:   0.5,
	core.LayerCasual:   0.25,
}

// Service owns trust rows.
type Service struct {
	store     repo.Store
	bus       *bus.Bus
	clock     clock.Clock
	weights   Weights
	dampening float64 // witness-chain dampening, < 1
	logger    *slog.Logger
}

func NewService(store repo.Store, b *bus.Bus, clk clock.Clock, weights Weights, dampening float64, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if dampening <= 0 || dampening >= 1 {
		dampening = 0.9
	}
	return &Service{store: store, bus: b, clock: clk, weights: weights, dampening: dampening, logger: logger}
}

// Subscribe wires the N recompute to layer changes and the pair cleanup to
// friendship removal.
func (s *Service) Subscribe() {
	s.bus.Subscribe(bus.TopicLayerChanged, func(ctx context.Context, _ bus.Topic, p bus.Payload) {
		from, _ := p["fromClawId"].(string)
		to, _ := p["toClawId"].(string)
		layer, _ := p["newLayer"].(string)
		strength, _ := p["strength"].(float64)
		if err := s.RecomputeNetwork(ctx, from, to, core.DunbarLayer(layer), strength); err != nil {
			s.logger.Warn("network recompute failed", "from", from, "to", to, "error", err)
		}
	})
	s.bus.Subscribe(bus.TopicPearlEndorsed, func(ctx context.Context, _ bus.Topic, p bus.Payload) {
		endorser, _ := p["endorserId"].(string)
		owner, _ := p["ownerId"].(string)
		domain, _ := p["domain"].(string)
		if endorser == "" || owner == "" {
			return
		}
		if err := s.ApplySignal(ctx, endorser, owner, domain, "pearl_endorsed"); err != nil {
			s.logger.Warn("trust signal failed", "signal", "pearl_endorsed", "error", err)
		}
	})
	s.bus.Subscribe(bus.TopicFriendRemoved, func(ctx context.Context, _ bus.Topic, p bus.Payload) {
		a, _ := p["clawId"].(string)
		b, _ := p["friendId"].(string)
		_ = s.store.Trust().DeletePair(ctx, a, b)
		_ = s.store.Trust().DeletePair(ctx, b, a)
	})
}

// Get returns the trust row for (from, to, domain), falling back to _overall
// when no domain-specific row exists. With no row at all a neutral default is
// returned (not persisted).
func (s *Service) Get(ctx context.Context, from, to, domain string) (*core.TrustScore, error) {
	ts, err := s.store.Trust().Get(ctx, from, to, domain)
	if err != nil {
		return nil, err
	}
	if ts == nil && domain != core.DomainOverall {
		ts, err = s.store.Trust().Get(ctx, from, to, core.DomainOverall)
		if err != nil {
			return nil, err
		}
	}
	if ts == nil {
		ts = s.defaultRow(from, to, domain)
	}
	return ts, nil
}

func (s *Service) defaultRow(from, to, domain string) *core.TrustScore {
	ts := &core.TrustScore{
		FromClawID: from,
		ToClawID:   to,
		Domain:     domain,
		Q:          0.5,
		N:          0.5,
		W:          0,
		UpdatedAt:  s.clock.Now(),
	}
	ts.Composite = Composite(s.weights, ts.Q, ts.N, ts.W, ts.H)
	return ts
}

// ApplySignal applies the fixed Q delta for a domain signal to the _overall
// row and the named domain row, creating missing rows at defaults, and
// recomputes each touched composite. Both writes run in one transaction.
func (s *Service) ApplySignal(ctx context.Context, from, to, domain, signal string) error {
	delta, ok := signalDeltas[signal]
	if !ok {
		return core.Errorf(core.ErrValidation, "unknown trust signal %q", signal)
	}
	domains := []string{core.DomainOverall}
	if domain != "" && domain != core.DomainOverall {
		domains = append(domains, domain)
	}
	return s.store.Atomic(ctx, func(tx repo.Store) error {
		for _, d := range domains {
			ts, err := tx.Trust().Get(ctx, from, to, d)
			if err != nil {
				return err
			}
			if ts == nil {
				ts = s.defaultRow(from, to, d)
			}
			ts.Q = clamp01(ts.Q + delta)
			ts.Composite = Composite(s.weights, ts.Q, ts.N, ts.W, ts.H)
			ts.UpdatedAt = s.clock.Now()
			if err := tx.Trust().Put(ctx, ts); err != nil {
				return err
			}
		}
		return nil
	})
}

// SetHumanScore records a manual human endorsement and recomputes the
// composite. H is never decayed afterwards.
func (s *Service) SetHumanScore(ctx context.Context, from, to, domain string, h float64) error {
	if h < 0 || h > 1 {
		return core.Errorf(core.ErrValidation, "human score %v out of [0,1]", h)
	}
	if domain == "" {
		domain = core.DomainOverall
	}
	ts, err := s.store.Trust().Get(ctx, from, to, domain)
	if err != nil {
		return err
	}
	if ts == nil {
		ts = s.defaultRow(from, to, domain)
	}
	ts.H = &h
	ts.Composite = Composite(s.weights, ts.Q, ts.N, ts.W, ts.H)
	ts.UpdatedAt = s.clock.Now()
	return s.store.Trust().Put(ctx, ts)
}

// Upsert stores a full five-tuple and recomputes the composite. Used by the
// API surface and by tests; the composite invariant always holds after it.
func (s *Service) Upsert(ctx context.Context, ts *core.TrustScore) error {
	ts.Q, ts.N, ts.W = clamp01(ts.Q), clamp01(ts.N), clamp01(ts.W)
	ts.Composite = Composite(s.weights, ts.Q, ts.N, ts.W, ts.H)
	ts.UpdatedAt = s.clock.Now()
	return s.store.Trust().Put(ctx, ts)
}

// RecomputeNetwork refreshes N for every domain row of (from, to) after a
// Dunbar layer change. N averages the layer score, the current strength and
// the mutual-friend score.
func (s *Service) RecomputeNetwork(ctx context.Context, from, to string, layer core.DunbarLayer, strength float64) error {
	mutuals, err := s.store.Friendships().MutualFriends(ctx, from, to)
	if err != nil {
		return err
	}
	mutualScore := math.Min(float64(len(mutuals))/5.0, 1)
	n := (layerScores[layer] + clamp01(strength) + mutualScore) / 3

	return s.store.Atomic(ctx, func(tx repo.Store) error {
		rows, err := tx.Trust().ListByPair(ctx, from, to)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			rows = []*core.TrustScore{s.defaultRow(from, to, core.DomainOverall)}
		}
		for _, ts := range rows {
			ts.N = clamp01(n)
			ts.Composite = Composite(s.weights, ts.Q, ts.N, ts.W, ts.H)
			ts.UpdatedAt = s.clock.Now()
			if err := tx.Trust().Put(ctx, ts); err != nil {
				return err
			}
		}
		return nil
	})
}

// RecomputeWitness refreshes W for (from, to, domain) from the witness chain:
// each mutual friend M contributes composite(from→M,_overall) ×
// composite(M→to,domain) × dampening; W is the average (0 with no mutuals).
func (s *Service) RecomputeWitness(ctx context.Context, from, to, domain string) error {
	mutuals, err := s.store.Friendships().MutualFriends(ctx, from, to)
	if err != nil {
		return err
	}
	var w float64
	if len(mutuals) > 0 {
		var sum float64
		for _, m := range mutuals {
			toM, err := s.Get(ctx, from, m, core.DomainOverall)
			if err != nil {
				return err
			}
			mTo, err := s.Get(ctx, m, to, domain)
			if err != nil {
				return err
			}
			sum += toM.Composite * mTo.Composite * s.dampening
		}
		w = sum / float64(len(mutuals))
	}

	ts, err := s.store.Trust().Get(ctx, from, to, domain)
	if err != nil {
		return err
	}
	if ts == nil {
		ts = s.defaultRow(from, to, domain)
	}
	ts.W = clamp01(w)
	ts.Composite = Composite(s.weights, ts.Q, ts.N, ts.W, ts.H)
	ts.UpdatedAt = s.clock.Now()
	return s.store.Trust().Put(ctx, ts)
}

// DecaySweep multiplies every Q by the monthly factor and recomputes the
// composites. H is never decayed.
func (s *Service) DecaySweep(ctx context.Context, factor float64) (int, error) {
	rows, err := s.store.Trust().ListAll(ctx)
	if err != nil {
		return 0, err
	}
	decayed := 0
	for _, ts := range rows {
		old := ts.Q
		ts.Q = clamp01(ts.Q * factor)
		if ts.Q == old {
			continue
		}
		ts.Composite = Composite(s.weights, ts.Q, ts.N, ts.W, ts.H)
		ts.UpdatedAt = s.clock.Now()
		if err := s.store.Trust().Put(ctx, ts); err != nil {
			return decayed, err
		}
		decayed++
	}
	return decayed, nil
}
