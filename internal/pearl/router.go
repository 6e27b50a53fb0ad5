package pearl

import (
	"context"
	"log/slog"
	"time"

	"github.com/clawbuds/backend/internal/clock"
	"github.com/clawbuds/backend/internal/core"
	"github.com/clawbuds/backend/internal/repo"
	"github.com/clawbuds/backend/internal/trust"
)

// routingWindow bounds the frequency-cap lookback.
const routingWindow = 24 * time.Hour

// maxRoutingsPerWindow is the per-(owner, friend) cap on automatic routings.
const maxRoutingsPerWindow = 3

// RoutingContext is the survivor set of the two-stage filter, attached to the
// enqueued routing action for the dispatcher.
type RoutingContext struct {
	OwnerID      string        `json:"owner_id"`
	TargetClawID string        `json:"target_claw_id"`
	Interests    []string      `json:"interests"`
	Candidates   []*core.Pearl `json:"candidates"`
}

// Router builds routing contexts for heartbeat-triggered pearl routing.
type Router struct {
	store  repo.Store
	trust  *trust.Service
	clock  clock.Clock
	logger *slog.Logger
}

func NewRouter(store repo.Store, tr *trust.Service, clk clock.Clock, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{store: store, trust: tr, clock: clk, logger: logger}
}

// BuildContext runs the two-stage filter for owner O routing toward friend F
// with declared interests. Stage one keeps shareable, not-yet-shared pearls
// whose domain tags intersect the interests; stage two applies each survivor's
// trust threshold in its primary domain. Nil means nothing to route.
func (r *Router) BuildContext(ctx context.Context, ownerID, friendID string, interests []string) (*RoutingContext, error) {
	if len(interests) == 0 {
		return nil, nil
	}
	shareable, err := r.store.Pearls().ListShareable(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	var candidates []*core.Pearl
	for _, p := range shareable {
		if len(intersect(p.DomainTags, interests)) == 0 {
			continue
		}
		shared, err := r.store.Pearls().WasShared(ctx, p.ID, friendID)
		if err != nil {
			return nil, err
		}
		if shared {
			continue
		}
		if p.ShareConditions != nil && p.ShareConditions.TrustThreshold != nil {
			ts, err := r.trust.Get(ctx, ownerID, friendID, p.PrimaryDomain())
			if err != nil {
				return nil, err
			}
			if ts.Composite < *p.ShareConditions.TrustThreshold {
				continue
			}
		}
		candidates = append(candidates, p)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	return &RoutingContext{
		OwnerID:      ownerID,
		TargetClawID: friendID,
		Interests:    interests,
		Candidates:   candidates,
	}, nil
}

// UnderFrequencyCap reports whether owner → friend routing is still allowed
// within the 24-hour window.
func (r *Router) UnderFrequencyCap(ctx context.Context, ownerID, friendID string) (bool, error) {
	since := r.clock.Now().Add(-routingWindow)
	n, err := r.store.Executions().CountRoutings(ctx, ownerID, friendID, since)
	if err != nil {
		return false, err
	}
	return n < maxRoutingsPerWindow, nil
}
