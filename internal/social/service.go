// Package social covers identity and graph management: claw registration and
// profiles, the friendship lifecycle and named circles.
package social

import (
	"context"
	"crypto/ed25519"
	"log/slog"

	"github.com/google/uuid"

	"github.com/clawbuds/backend/internal/bus"
	"github.com/clawbuds/backend/internal/clock"
	"github.com/clawbuds/backend/internal/core"
	"github.com/clawbuds/backend/internal/repo"
)

// maxCirclesPerOwner bounds how many named circles one claw may keep.
const maxCirclesPerOwner = 50

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

// RegisterParams carries the self-service registration fields.
type RegisterParams struct {
	PublicKey    []byte
	ExchangeKey  []byte
	DisplayName  string
	Bio          string
	Tags         []string
	Discoverable bool
}

// Register creates a claw whose id is derived from its verification key.
func (s *Service) Register(ctx context.Context, params RegisterParams) (*core.Claw, error) {
	if len(params.PublicKey) != ed25519.PublicKeySize {
		return nil, core.Errorf(core.ErrValidation, "public key must be %d bytes", ed25519.PublicKeySize)
	}
	if params.DisplayName == "" {
		return nil, core.Errorf(core.ErrValidation, "display name is required")
	}
	now := s.clock.Now()
	claw := &core.Claw{
		ID:           core.DeriveClawID(params.PublicKey),
		PublicKey:    params.PublicKey,
		ExchangeKey:  params.ExchangeKey,
		DisplayName:  params.DisplayName,
		Bio:          params.Bio,
		Tags:         params.Tags,
		Status:       core.ClawActive,
		Discoverable: params.Discoverable,
		LastSeenAt:   now,
		CreatedAt:    now,
	}
	if err := s.store.Claws().Register(ctx, claw); err != nil {
		return nil, err
	}
	s.logger.Info("claw registered", "claw_id", claw.ID, "display_name", claw.DisplayName)
	return claw, nil
}

// GetClaw loads a claw by id.
func (s *Service) GetClaw(ctx context.Context, id string) (*core.Claw, error) {
	claw, err := s.store.Claws().FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if claw == nil {
		return nil, core.Errorf(core.ErrNotFound, "claw %s not found", id)
	}
	return claw, nil
}

// ProfileUpdate is a partial profile change; nil fields are left untouched.
type ProfileUpdate struct {
	DisplayName  *string
	Bio          *string
	Tags         *[]string
	Discoverable *bool
}

// UpdateProfile applies a partial update and records each touched field in the
// carapace change history.
func (s *Service) UpdateProfile(ctx context.Context, clawID string, upd ProfileUpdate) (*core.Claw, error) {
	claw, err := s.GetClaw(ctx, clawID)
	if err != nil {
		return nil, err
	}
	changed := make([]string, 0, 4)
	if upd.DisplayName != nil && *upd.DisplayName != claw.DisplayName {
		claw.DisplayName = *upd.DisplayName
		changed = append(changed, "display_name")
	}
	if upd.Bio != nil && *upd.Bio != claw.Bio {
		claw.Bio = *upd.Bio
		changed = append(changed, "bio")
	}
	if upd.Tags != nil {
		claw.Tags = *upd.Tags
		changed = append(changed, "tags")
	}
	if upd.Discoverable != nil && *upd.Discoverable != claw.Discoverable {
		claw.Discoverable = *upd.Discoverable
		changed = append(changed, "discoverable")
	}
	if len(changed) == 0 {
		return claw, nil
	}
	err = s.store.Atomic(ctx, func(tx repo.Store) error {
		if err := tx.Claws().UpdateProfile(ctx, claw); err != nil {
			return err
		}
		now := s.clock.Now()
		for _, field := range changed {
			if err := tx.Carapace().RecordChange(ctx, &core.ConfigChange{
				ClawID:    clawID,
				Field:     field,
				ChangedAt: now,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claw, nil
}

// Search returns discoverable claws carrying the tag.
func (s *Service) Search(ctx context.Context, tag string) ([]*core.Claw, error) {
	claws, err := s.store.Claws().SearchByTag(ctx, tag)
	if err != nil {
		return nil, err
	}
	out := claws[:0]
	for _, c := range claws {
		if c.Discoverable {
			out = append(out, c)
		}
	}
	return out, nil
}

// TouchLastSeen bumps the presence timestamp.
func (s *Service) TouchLastSeen(ctx context.Context, clawID string) error {
	return s.store.Claws().UpdateLastSeen(ctx, clawID, s.clock.Now())
}

// ============================================================================
// FRIENDSHIPS
// ============================================================================

// RequestFriendship creates a pending edge from requester to accepter.
func (s *Service) RequestFriendship(ctx context.Context, requesterID, accepterID string) (*core.Friendship, error) {
	if requesterID == accepterID {
		return nil, core.Errorf(core.ErrValidation, "claw cannot befriend itself")
	}
	if _, err := s.GetClaw(ctx, accepterID); err != nil {
		return nil, err
	}
	existing, err := s.store.Friendships().FindByPair(ctx, requesterID, accepterID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, core.Errorf(core.ErrDuplicate, "friendship between %s and %s already exists", requesterID, accepterID)
	}
	f := &core.Friendship{
		ID:          uuid.NewString(),
		RequesterID: requesterID,
		AccepterID:  accepterID,
		Status:      core.FriendshipPending,
		CreatedAt:   s.clock.Now(),
	}
	if err := s.store.Friendships().Create(ctx, f); err != nil {
		return nil, err
	}
	return f, nil
}

// AcceptFriendship transitions a pending edge to accepted and emits
// friend.accepted, which seeds the relationship-strength rows.
func (s *Service) AcceptFriendship(ctx context.Context, accepterID, requesterID string) (*core.Friendship, error) {
	f, err := s.pendingFor(ctx, accepterID, requesterID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	f.Status = core.FriendshipAccepted
	f.AcceptedAt = &now
	if err := s.store.Friendships().Update(ctx, f); err != nil {
		return nil, err
	}
	s.bus.Emit(ctx, bus.TopicFriendAccepted, bus.Payload{
		"friendshipId": f.ID,
		"requesterId":  f.RequesterID,
		"accepterId":   f.AccepterID,
	})
	return f, nil
}

// RejectFriendship marks a pending edge rejected. Rejected records do not
// block a later fresh request.
func (s *Service) RejectFriendship(ctx context.Context, accepterID, requesterID string) error {
	f, err := s.pendingFor(ctx, accepterID, requesterID)
	if err != nil {
		return err
	}
	f.Status = core.FriendshipRejected
	return s.store.Friendships().Update(ctx, f)
}

func (s *Service) pendingFor(ctx context.Context, accepterID, requesterID string) (*core.Friendship, error) {
	f, err := s.store.Friendships().FindByPair(ctx, requesterID, accepterID)
	if err != nil {
		return nil, err
	}
	if f == nil || f.Status != core.FriendshipPending {
		return nil, core.Errorf(core.ErrNotFound, "no pending request from %s", requesterID)
	}
	if f.AccepterID != accepterID {
		return nil, core.Errorf(core.ErrForbidden, "only the requested claw may answer")
	}
	return f, nil
}

// RemoveFriendship deletes the edge and emits friend.removed, which cascades
// to strength and trust rows.
func (s *Service) RemoveFriendship(ctx context.Context, clawID, friendID string) error {
	f, err := s.store.Friendships().FindByPair(ctx, clawID, friendID)
	if err != nil {
		return err
	}
	if f == nil {
		return core.Errorf(core.ErrNotFound, "no friendship between %s and %s", clawID, friendID)
	}
	if !f.Involves(clawID) {
		return core.Errorf(core.ErrForbidden, "claw %s is not part of this friendship", clawID)
	}
	if err := s.store.Friendships().Delete(ctx, f.ID); err != nil {
		return err
	}
	s.bus.Emit(ctx, bus.TopicFriendRemoved, bus.Payload{
		"clawId":   clawID,
		"friendId": f.Other(clawID),
	})
	return nil
}

// BlockClaw replaces any existing edge with a blocked record owned by blocker.
func (s *Service) BlockClaw(ctx context.Context, blockerID, blockedID string) error {
	if blockerID == blockedID {
		return core.Errorf(core.ErrValidation, "claw cannot block itself")
	}
	f, err := s.store.Friendships().FindByPair(ctx, blockerID, blockedID)
	if err != nil {
		return err
	}
	if f != nil {
		wasAccepted := f.Status == core.FriendshipAccepted
		f.Status = core.FriendshipBlocked
		if err := s.store.Friendships().Update(ctx, f); err != nil {
			return err
		}
		if wasAccepted {
			s.bus.Emit(ctx, bus.TopicFriendRemoved, bus.Payload{
				"clawId":   blockerID,
				"friendId": blockedID,
			})
		}
		return nil
	}
	return s.store.Friendships().Create(ctx, &core.Friendship{
		ID:          uuid.NewString(),
		RequesterID: blockerID,
		AccepterID:  blockedID,
		Status:      core.FriendshipBlocked,
		CreatedAt:   s.clock.Now(),
	})
}

// ListFriends returns the accepted-friend id set.
func (s *Service) ListFriends(ctx context.Context, clawID string) ([]string, error) {
	return s.store.Friendships().ListFriends(ctx, clawID)
}

// ============================================================================
// CIRCLES
// ============================================================================

// PutCircle creates or replaces a named circle. Every member must be an
// accepted friend of the owner.
func (s *Service) PutCircle(ctx context.Context, ownerID, name string, memberIDs []string) (*core.Circle, error) {
	if name == "" {
		return nil, core.Errorf(core.ErrValidation, "circle name is required")
	}
	for _, m := range memberIDs {
		ok, err := s.store.Friendships().AreFriends(ctx, ownerID, m)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, core.Errorf(core.ErrNotFriends, "circle member %s is not a friend", m)
		}
	}
	existing, err := s.store.Circles().Find(ctx, ownerID, name)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		n, err := s.store.Circles().CountByOwner(ctx, ownerID)
		if err != nil {
			return nil, err
		}
		if n >= maxCirclesPerOwner {
			return nil, core.Errorf(core.ErrLimitExceeded, "circle limit of %d reached", maxCirclesPerOwner)
		}
	}
	c := &core.Circle{OwnerID: ownerID, Name: name, MemberIDs: memberIDs}
	if err := s.store.Circles().Upsert(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// ListCircles returns all circles owned by a claw.
func (s *Service) ListCircles(ctx context.Context, ownerID string) ([]*core.Circle, error) {
	return s.store.Circles().ListByOwner(ctx, ownerID)
}

// DeleteCircle removes a named circle.
func (s *Service) DeleteCircle(ctx context.Context, ownerID, name string) error {
	c, err := s.store.Circles().Find(ctx, ownerID, name)
	if err != nil {
		return err
	}
	if c == nil {
		return core.Errorf(core.ErrNotFound, "circle %q not found", name)
	}
	return s.store.Circles().Delete(ctx, ownerID, name)
}
