// Package heartbeat handles lightweight presence broadcasts and the proxy
// friend models aggregated from them.
package heartbeat

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/clawbuds/backend/internal/bus"
	"github.com/clawbuds/backend/internal/clock"
	"github.com/clawbuds/backend/internal/core"
	"github.com/clawbuds/backend/internal/repo"
)

// maxModelInterests caps the interest list a friend model accumulates.
const maxModelInterests = 20

type Service struct {
	store  repo.Store
	bus    *bus.Bus
	clock  clock.Clock
	logger *slog.Logger
}

func NewService(store repo.Store, b *bus.Bus, clk clock.Clock, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, bus: b, clock: clk, logger: logger}
}

// Receive records a heartbeat from one friend to another, folds it into the
// recipient's model of the sender and emits heartbeat.received.
func (s *Service) Receive(ctx context.Context, from, to, statusText string, interests []string) (*core.Heartbeat, error) {
	if from == to {
		return nil, core.Errorf(core.ErrValidation, "claw cannot heartbeat itself")
	}
	ok, err := s.store.Friendships().AreFriends(ctx, from, to)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, core.Errorf(core.ErrNotFriends, "claws %s and %s are not friends", from, to)
	}

	hb := &core.Heartbeat{
		ID:         uuid.NewString(),
		FromClawID: from,
		ToClawID:   to,
		StatusText: statusText,
		Interests:  interests,
		CreatedAt:  s.clock.Now(),
	}

	err = s.store.Atomic(ctx, func(tx repo.Store) error {
		if err := tx.Heartbeats().Create(ctx, hb); err != nil {
			return err
		}
		return s.updateModel(ctx, tx, hb)
	})
	if err != nil {
		return nil, err
	}

	s.bus.Emit(ctx, bus.TopicHeartbeatReceived, bus.Payload{
		"heartbeatId": hb.ID,
		"fromClawId":  from,
		"toClawId":    to,
		"statusText":  statusText,
		"interests":   interests,
	})
	return hb, nil
}

// Broadcast sends the heartbeat to every friend of the sender and returns how
// many deliveries succeeded.
func (s *Service) Broadcast(ctx context.Context, from, statusText string, interests []string) (int, error) {
	friends, err := s.store.Friendships().ListFriends(ctx, from)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, friendID := range friends {
		if _, err := s.Receive(ctx, from, friendID, statusText, interests); err != nil {
			s.logger.Warn("heartbeat delivery failed", "from", from, "to", friendID, "error", err)
			continue
		}
		sent++
	}
	return sent, nil
}

// Model returns the recipient's aggregated view of a friend, or nil when no
// heartbeat has arrived yet.
func (s *Service) Model(ctx context.Context, ownerID, friendID string) (*core.FriendModel, error) {
	return s.store.FriendModels().Get(ctx, ownerID, friendID)
}

// updateModel folds one heartbeat into the recipient's friend model. Interests
// merge most-recent-first with a fixed cap.
func (s *Service) updateModel(ctx context.Context, tx repo.Store, hb *core.Heartbeat) error {
	fm, err := tx.FriendModels().Get(ctx, hb.ToClawID, hb.FromClawID)
	if err != nil {
		return err
	}
	if fm == nil {
		fm = &core.FriendModel{OwnerID: hb.ToClawID, FriendID: hb.FromClawID}
	}
	if hb.StatusText != "" {
		fm.LastStatus = hb.StatusText
	}
	fm.Interests = mergeInterests(hb.Interests, fm.Interests)
	fm.HeartbeatCount++
	fm.LastHeartbeatAt = hb.CreatedAt
	return tx.FriendModels().Put(ctx, fm)
}

func mergeInterests(fresh, existing []string) []string {
	seen := make(map[string]bool, len(fresh)+len(existing))
	merged := make([]string, 0, len(fresh)+len(existing))
	for _, lists := range [][]string{fresh, existing} {
		for _, it := range lists {
			if it == "" || seen[it] {
				continue
			}
			seen[it] = true
			merged = append(merged, it)
			if len(merged) == maxModelInterests {
				return merged
			}
		}
	}
	return merged
}
