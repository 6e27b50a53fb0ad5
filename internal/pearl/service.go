// Package pearl manages cognitive artifacts: lifecycle, endorsement-driven
// luster, sharing guards and the interest-based routing filter.
package pearl

import (
	"context"
	"log/slog"
	"math"

	"github.com/google/uuid"

	"github.com/clawbuds/backend/internal/bus"
	"github.com/clawbuds/backend/internal/clock"
	"github.com/clawbuds/backend/internal/core"
	"github.com/clawbuds/backend/internal/repo"
	"github.com/clawbuds/backend/internal/trust"
)

// baselineWeight is the strength of the implicit 0.5 vote every pearl starts
// with, so a single extreme endorsement cannot swing luster to the rails.
const baselineWeight = 1.0

// WeightedScore is one endorsement with its trust weight.
type WeightedScore struct {
	Score  float64
	Weight float64
}

// ComputeLuster folds the weighted endorsement set and the citation count into
// the luster value. Always in [0.1, 1.0].
func ComputeLuster(votes []WeightedScore, citations int) float64 {
	weightedSum := baselineWeight * 0.5
	weightSum := baselineWeight
	for _, v := range votes {
		weightedSum += v.Score * v.Weight
		weightSum += v.Weight
	}
	raw := weightedSum / weightSum
	boost := math.Min(float64(citations)/5*0.04, 0.20)
	return math.Min(1.0, math.Max(0.1, raw+boost))
}

type Service struct {
	store  repo.Store
	bus    *bus.Bus
	clock  clock.Clock
	trust  *trust.Service
	logger *slog.Logger
}

func NewService(store repo.Store, b *bus.Bus, clk clock.Clock, tr *trust.Service, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, bus: b, clock: clk, trust: tr, logger: logger}
}

// CreateParams carries the caller-supplied pearl fields.
type CreateParams struct {
	Type            string
	Trigger         string
	DomainTags      []string
	Body            map[string]interface{}
	Shareability    core.Shareability
	ShareConditions *core.ShareConditions
	Origin          core.PearlOrigin
}

// Create stores a new pearl at baseline luster and emits pearl.created.
func (s *Service) Create(ctx context.Context, ownerID string, params CreateParams) (*core.Pearl, error) {
	if params.Type == "" {
		return nil, core.Errorf(core.ErrValidation, "pearl type is required")
	}
	if params.Shareability == "" {
		params.Shareability = core.SharePrivate
	}
	if params.Origin == "" {
		params.Origin = core.OriginManual
	}
	now := s.clock.Now()
	p := &core.Pearl{
		ID:              uuid.NewString(),
		OwnerID:         ownerID,
		Type:            params.Type,
		Trigger:         params.Trigger,
		DomainTags:      params.DomainTags,
		Body:            params.Body,
		Luster:          ComputeLuster(nil, 0),
		Shareability:    params.Shareability,
		ShareConditions: params.ShareConditions,
		Origin:          params.Origin,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.Pearls().Create(ctx, p); err != nil {
		return nil, err
	}
	s.bus.Emit(ctx, bus.TopicPearlCreated, bus.Payload{
		"pearlId":    p.ID,
		"ownerId":    ownerID,
		"domainTags": p.DomainTags,
	})
	return p, nil
}

// Get returns a pearl visible to the caller.
func (s *Service) Get(ctx context.Context, pearlID, callerID string) (*core.Pearl, error) {
	p, err := s.store.Pearls().FindByID(ctx, pearlID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, core.Errorf(core.ErrNotFound, "pearl %s not found", pearlID)
	}
	if p.OwnerID != callerID {
		if err := s.checkVisible(ctx, p, callerID); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (s *Service) checkVisible(ctx context.Context, p *core.Pearl, callerID string) error {
	switch p.Shareability {
	case core.SharePrivate:
		return core.Errorf(core.ErrNotFound, "pearl %s not found", p.ID)
	case core.ShareFriendsOnly:
		ok, err := s.store.Friendships().AreFriends(ctx, p.OwnerID, callerID)
		if err != nil {
			return err
		}
		if !ok {
			return core.Errorf(core.ErrNotFriends, "pearl %s is friends-only", p.ID)
		}
	}
	return nil
}

// Endorse upserts the endorser's vote and recomputes luster. Owners cannot
// endorse their own pearls.
func (s *Service) Endorse(ctx context.Context, pearlID, endorserID string, score float64, comment string) (*core.Pearl, error) {
	if score < 0 || score > 1 {
		return nil, core.Errorf(core.ErrValidation, "endorsement score %v out of [0,1]", score)
	}
	p, err := s.store.Pearls().FindByID(ctx, pearlID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, core.Errorf(core.ErrNotFound, "pearl %s not found", pearlID)
	}
	if p.OwnerID == endorserID {
		return nil, core.Errorf(core.ErrSelfEndorse, "owner cannot endorse own pearl")
	}
	if err := s.checkVisible(ctx, p, endorserID); err != nil {
		return nil, err
	}

	err = s.store.Atomic(ctx, func(tx repo.Store) error {
		if err := tx.Pearls().UpsertEndorsement(ctx, &core.Endorsement{
			PearlID:    pearlID,
			EndorserID: endorserID,
			Score:      score,
			Comment:    comment,
			CreatedAt:  s.clock.Now(),
		}); err != nil {
			return err
		}
		return s.recomputeLuster(ctx, tx, p)
	})
	if err != nil {
		return nil, err
	}

	s.bus.Emit(ctx, bus.TopicPearlEndorsed, bus.Payload{
		"pearlId":    p.ID,
		"ownerId":    p.OwnerID,
		"endorserId": endorserID,
		"domain":     p.PrimaryDomain(),
		"score":      score,
	})
	return p, nil
}

// Cite records that citingPearlID references pearlID and refreshes the cited
// pearl's luster.
func (s *Service) Cite(ctx context.Context, pearlID, citingPearlID string) error {
	p, err := s.store.Pearls().FindByID(ctx, pearlID)
	if err != nil {
		return err
	}
	if p == nil {
		return core.Errorf(core.ErrNotFound, "pearl %s not found", pearlID)
	}
	return s.store.Atomic(ctx, func(tx repo.Store) error {
		if err := tx.Pearls().AddCitation(ctx, pearlID, citingPearlID); err != nil {
			return err
		}
		return s.recomputeLuster(ctx, tx, p)
	})
}

// recomputeLuster rebuilds luster from the endorsement set weighted by the
// owner's overall trust in each endorser, plus the citation boost.
func (s *Service) recomputeLuster(ctx context.Context, tx repo.Store, p *core.Pearl) error {
	endorsements, err := tx.Pearls().ListEndorsements(ctx, p.ID)
	if err != nil {
		return err
	}
	votes := make([]WeightedScore, 0, len(endorsements))
	for _, e := range endorsements {
		weight := 1.0
		if s.trust != nil {
			ts, err := s.trust.Get(ctx, p.OwnerID, e.EndorserID, core.DomainOverall)
			if err == nil && ts != nil {
				weight = ts.Composite
			}
		}
		votes = append(votes, WeightedScore{Score: e.Score, Weight: weight})
	}
	citations, err := tx.Pearls().CitationCount(ctx, p.ID)
	if err != nil {
		return err
	}
	p.Luster = ComputeLuster(votes, citations)
	p.UpdatedAt = s.clock.Now()
	return tx.Pearls().Update(ctx, p)
}

// Share delivers a pearl to a friend. targetInterests is non-nil only for
// routed shares; the domain-match guard applies to those alone.
func (s *Service) Share(ctx context.Context, pearlID, from, to string, targetInterests []string) error {
	if from == to {
		return core.Errorf(core.ErrValidation, "cannot share a pearl with its owner")
	}
	p, err := s.store.Pearls().FindByID(ctx, pearlID)
	if err != nil {
		return err
	}
	if p == nil {
		return core.Errorf(core.ErrNotFound, "pearl %s not found", pearlID)
	}
	if p.OwnerID != from {
		return core.Errorf(core.ErrForbidden, "only the owner may share a pearl")
	}
	if p.Shareability == core.SharePrivate {
		return core.Errorf(core.ErrPrivate, "pearl %s is private", pearlID)
	}
	if p.Shareability == core.ShareFriendsOnly {
		ok, err := s.store.Friendships().AreFriends(ctx, from, to)
		if err != nil {
			return err
		}
		if !ok {
			return core.Errorf(core.ErrNotFriends, "pearl %s is friends-only", pearlID)
		}
	}
	if targetInterests != nil && p.ShareConditions != nil && p.ShareConditions.DomainMatch {
		if len(intersect(p.DomainTags, targetInterests)) == 0 {
			return core.Errorf(core.ErrDomainMismatch,
				"pearl domains %v do not match recipient interests", p.DomainTags)
		}
	}
	shared, err := s.store.Pearls().WasShared(ctx, pearlID, to)
	if err != nil {
		return err
	}
	if shared {
		return core.Errorf(core.ErrDuplicate, "pearl %s already shared with %s", pearlID, to)
	}

	if err := s.store.Pearls().RecordShare(ctx, &core.PearlShare{
		PearlID:    pearlID,
		FromClawID: from,
		ToClawID:   to,
		SharedAt:   s.clock.Now(),
	}); err != nil {
		return err
	}
	s.bus.Emit(ctx, bus.TopicPearlShared, bus.Payload{
		"pearlId":    pearlID,
		"fromClawId": from,
		"toClawId":   to,
		"domain":     p.PrimaryDomain(),
	})
	return nil
}

// ListByOwner returns the owner's pearls.
func (s *Service) ListByOwner(ctx context.Context, ownerID string) ([]*core.Pearl, error) {
	return s.store.Pearls().ListByOwner(ctx, ownerID)
}

func intersect(a, b []string) []string {
	set := make(map[string]bool, len(a))
	for _, s := range a {
		set[s] = true
	}
	var out []string
	for _, s := range b {
		if set[s] {
			out = append(out, s)
		}
	}
	return out
}
