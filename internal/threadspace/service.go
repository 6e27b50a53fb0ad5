// Package threadspace manages encrypted collaborative workspaces. The server
// never sees the thread key in the clear: it generates one per thread, wraps
// it for each participant with NaCl anonymous sealing against their X25519
// exchange key, and stores only the wrapped copies and ciphertext entries.
package threadspace

import (
	"context"
	"crypto/rand"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/crypto/nacl/box"

	"github.com/clawbuds/backend/internal/bus"
	"github.com/clawbuds/backend/internal/clock"
	"github.com/clawbuds/backend/internal/core"
	"github.com/clawbuds/backend/internal/repo"
)

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

// Create opens a workspace for the creator and the named friends. The thread
// key is generated here, wrapped per participant and immediately discarded.
func (s *Service) Create(ctx context.Context, creatorID, purpose, title string, participantIDs []string) (*core.Thread, error) {
	if title == "" {
		return nil, core.Errorf(core.ErrValidation, "thread title is required")
	}

	members := append([]string{creatorID}, participantIDs...)
	seen := make(map[string]bool, len(members))
	var unique []string
	for _, id := range members {
		if seen[id] {
			continue
		}
		seen[id] = true
		unique = append(unique, id)
	}

	for _, id := range unique {
		if id == creatorID {
			continue
		}
		ok, err := s.store.Friendships().AreFriends(ctx, creatorID, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, core.Errorf(core.ErrNotFriends, "participant %s is not a friend", id)
		}
	}

	var threadKey [32]byte
	if _, err := rand.Read(threadKey[:]); err != nil {
		return nil, err
	}

	participants := make([]core.ThreadParticipant, 0, len(unique))
	for _, id := range unique {
		claw, err := s.store.Claws().FindByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if claw == nil {
			return nil, core.Errorf(core.ErrNotFound, "claw %s not found", id)
		}
		if len(claw.ExchangeKey) != 32 {
			return nil, core.Errorf(core.ErrValidation, "claw %s has no exchange key", id)
		}
		var peerKey [32]byte
		copy(peerKey[:], claw.ExchangeKey)
		wrapped, err := box.SealAnonymous(nil, threadKey[:], &peerKey, rand.Reader)
		if err != nil {
			return nil, err
		}
		participants = append(participants, core.ThreadParticipant{ClawID: id, WrappedKey: wrapped})
	}

	t := &core.Thread{
		ID:           uuid.NewString(),
		CreatorID:    creatorID,
		Purpose:      purpose,
		Title:        title,
		Status:       core.ThreadActive,
		Participants: participants,
		CreatedAt:    s.clock.Now(),
	}
	if err := s.store.Threads().Create(ctx, t); err != nil {
		return nil, err
	}
	s.logger.Info("thread created", "thread_id", t.ID, "creator", creatorID, "participants", len(participants))
	return t, nil
}

// Get returns a thread the caller participates in.
func (s *Service) Get(ctx context.Context, threadID, callerID string) (*core.Thread, error) {
	t, err := s.store.Threads().FindByID(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, core.Errorf(core.ErrNotFound, "thread %s not found", threadID)
	}
	if !t.HasParticipant(callerID) {
		return nil, core.Errorf(core.ErrForbidden, "claw %s is not a thread participant", callerID)
	}
	return t, nil
}

// List returns every thread the claw participates in.
func (s *Service) List(ctx context.Context, clawID string) ([]*core.Thread, error) {
	return s.store.Threads().ListByParticipant(ctx, clawID)
}

// Contribute appends an encrypted entry and emits thread.contribution_added.
func (s *Service) Contribute(ctx context.Context, threadID, authorID string, ciphertext []byte) (*core.ThreadContribution, error) {
	if len(ciphertext) == 0 {
		return nil, core.Errorf(core.ErrValidation, "contribution ciphertext is required")
	}
	t, err := s.Get(ctx, threadID, authorID)
	if err != nil {
		return nil, err
	}
	if t.Status != core.ThreadActive {
		return nil, core.Errorf(core.ErrValidation, "thread %s is %s", threadID, t.Status)
	}
	c := &core.ThreadContribution{
		ID:         uuid.NewString(),
		ThreadID:   threadID,
		AuthorID:   authorID,
		Ciphertext: ciphertext,
		CreatedAt:  s.clock.Now(),
	}
	if err := s.store.Threads().AddContribution(ctx, c); err != nil {
		return nil, err
	}
	s.bus.Emit(ctx, bus.TopicThreadContribution, bus.Payload{
		"threadId":       threadID,
		"contributorId":  authorID,
		"contributionId": c.ID,
	})
	return c, nil
}

// Contributions lists a thread's entries for a participant.
func (s *Service) Contributions(ctx context.Context, threadID, callerID string) ([]*core.ThreadContribution, error) {
	if _, err := s.Get(ctx, threadID, callerID); err != nil {
		return nil, err
	}
	return s.store.Threads().ListContributions(ctx, threadID)
}

// SetStatus moves the thread through its lifecycle. Creator only.
func (s *Service) SetStatus(ctx context.Context, threadID, callerID string, status core.ThreadStatus) (*core.Thread, error) {
	switch status {
	case core.ThreadActive, core.ThreadCompleted, core.ThreadArchived:
	default:
		return nil, core.Errorf(core.ErrValidation, "unknown thread status %q", status)
	}
	t, err := s.Get(ctx, threadID, callerID)
	if err != nil {
		return nil, err
	}
	if t.CreatorID != callerID {
		return nil, core.Errorf(core.ErrForbidden, "only the creator may change thread status")
	}
	t.Status = status
	if err := s.store.Threads().Update(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}
