// Package message implements posting with visibility-based fan-out,
// per-recipient inbox sequencing, reply threading, reactions and polls.
package message

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/clawbuds/backend/internal/bus"
	"github.com/clawbuds/backend/internal/clock"
	"github.com/clawbuds/backend/internal/core"
	"github.com/clawbuds/backend/internal/metrics"
	"github.com/clawbuds/backend/internal/repo"
)

// NewMessageID returns a lowercase hex id: a 12-char big-endian millisecond
// timestamp followed by 20 random hex chars. Lexical order equals temporal
// order for non-concurrent inserts.
func NewMessageID(t time.Time) string {
	var buf [10]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}
	return fmt.Sprintf("%012x%s", t.UnixMilli(), hex.EncodeToString(buf[:]))
}

type Service struct {
	store   repo.Store
	bus     *bus.Bus
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewService(store repo.Store, b *bus.Bus, clk clock.Clock, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, bus: b, clock: clk, logger: logger}
}

// Instrument attaches the Prometheus bundle. Startup-time only.
func (s *Service) Instrument(m *metrics.Metrics) {
	s.metrics = m
}

// SendParams carries the caller-facing send fields.
type SendParams struct {
	Visibility     core.Visibility
	Blocks         []core.Block
	Recipients     []string // direct only
	Circles        []string // circles only
	ContentWarning string
	ReplyToID      string
}

// Send resolves recipients, threads the reply, materializes poll blocks and
// commits everything in one transaction. message.new fires once per recipient
// after the commit.
func (s *Service) Send(ctx context.Context, senderID string, params SendParams) (*core.Message, error) {
	if len(params.Blocks) == 0 {
		return nil, core.Errorf(core.ErrValidation, "message needs at least one block")
	}
	recipients, err := s.resolveRecipients(ctx, senderID, params)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	m := &core.Message{
		ID:             NewMessageID(now),
		SenderID:       senderID,
		Blocks:         params.Blocks,
		Visibility:     params.Visibility,
		Circles:        params.Circles,
		ContentWarning: params.ContentWarning,
		CreatedAt:      now,
	}

	if params.ReplyToID != "" {
		parent, err := s.visibleMessage(ctx, params.ReplyToID, senderID)
		if err != nil {
			return nil, err
		}
		m.ReplyToID = parent.ID
		if parent.ThreadID != "" {
			m.ThreadID = parent.ThreadID
		} else {
			m.ThreadID = parent.ID
		}
	}

	polls := s.materializePolls(m, now)

	entries, err := s.store.Messages().InsertWithRecipients(ctx, m, recipients, polls)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordMessageSent(len(entries))

	for _, entry := range entries {
		s.bus.Emit(ctx, bus.TopicMessageNew, bus.Payload{
			"messageId":   m.ID,
			"senderId":    senderID,
			"recipientId": entry.RecipientID,
			"seq":         entry.Seq,
			"entry":       entry,
		})
	}
	return m, nil
}

// resolveRecipients expands the visibility mode into a deduplicated recipient
// set. The sender is never a recipient of its own message.
func (s *Service) resolveRecipients(ctx context.Context, senderID string, params SendParams) ([]string, error) {
	var raw []string
	switch params.Visibility {
	case core.VisibilityDirect:
		if len(params.Recipients) == 0 {
			return nil, core.Errorf(core.ErrMissingRecipients, "direct message needs explicit recipients")
		}
		for _, r := range params.Recipients {
			if r == senderID {
				return nil, core.Errorf(core.ErrInvalidRecipient, "sender cannot address itself")
			}
			ok, err := s.store.Friendships().AreFriends(ctx, senderID, r)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, core.Errorf(core.ErrInvalidRecipient, "recipient %s is not an accepted friend", r)
			}
		}
		raw = params.Recipients

	case core.VisibilityPublic:
		friends, err := s.store.Friendships().ListFriends(ctx, senderID)
		if err != nil {
			return nil, err
		}
		raw = friends

	case core.VisibilityCircles:
		if len(params.Circles) == 0 {
			return nil, core.Errorf(core.ErrMissingCircles, "circles message needs at least one circle")
		}
		for _, name := range params.Circles {
			c, err := s.store.Circles().Find(ctx, senderID, name)
			if err != nil {
				return nil, err
			}
			if c == nil {
				return nil, core.Errorf(core.ErrNotFound, "circle %q not found", name)
			}
			raw = append(raw, c.MemberIDs...)
		}

	default:
		return nil, core.Errorf(core.ErrValidation, "unknown visibility %q", params.Visibility)
	}

	seen := make(map[string]bool, len(raw))
	deduped := make([]string, 0, len(raw))
	for _, r := range raw {
		if r == senderID || seen[r] {
			continue
		}
		seen[r] = true
		deduped = append(deduped, r)
	}
	return deduped, nil
}

// materializePolls creates a poll entity per poll block and injects the new
// poll id back into the block.
func (s *Service) materializePolls(m *core.Message, now time.Time) []*core.Poll {
	var polls []*core.Poll
	for _, block := range m.Blocks {
		if t, _ := block["type"].(string); t != "poll" {
			continue
		}
		question, _ := block["question"].(string)
		var options []string
		if rawOpts, ok := block["options"].([]interface{}); ok {
			for _, o := range rawOpts {
				if str, ok := o.(string); ok {
					options = append(options, str)
				}
			}
		} else if strOpts, ok := block["options"].([]string); ok {
			options = strOpts
		}
		closesAt := now.Add(24 * time.Hour)
		if raw, ok := block["closesAt"].(string); ok {
			if t, err := time.Parse(time.RFC3339, raw); err == nil {
				closesAt = t
			}
		}
		p := &core.Poll{
			ID:        uuid.NewString(),
			MessageID: m.ID,
			Question:  question,
			Options:   options,
			ClosesAt:  closesAt,
			CreatedAt: now,
		}
		block["pollId"] = p.ID
		polls = append(polls, p)
	}
	return polls
}

// CanView applies the visibility rule.
func (s *Service) CanView(ctx context.Context, m *core.Message, clawID string) (bool, error) {
	if m.SenderID == clawID {
		return true, nil
	}
	switch m.Visibility {
	case core.VisibilityPublic:
		return s.store.Friendships().AreFriends(ctx, m.SenderID, clawID)
	case core.VisibilityDirect:
		return s.store.Messages().IsRecipient(ctx, m.ID, clawID)
	case core.VisibilityCircles:
		circles, err := s.store.Circles().ListByOwner(ctx, m.SenderID)
		if err != nil {
			return false, err
		}
		for _, c := range circles {
			for _, member := range c.MemberIDs {
				if member == clawID {
					return true, nil
				}
			}
		}
	}
	return false, nil
}

// Get returns a message the caller may view.
func (s *Service) Get(ctx context.Context, messageID, callerID string) (*core.Message, error) {
	return s.visibleMessage(ctx, messageID, callerID)
}

func (s *Service) visibleMessage(ctx context.Context, messageID, callerID string) (*core.Message, error) {
	m, err := s.store.Messages().FindByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, core.Errorf(core.ErrNotFound, "message %s not found", messageID)
	}
	ok, err := s.CanView(ctx, m, callerID)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Invisible messages are indistinguishable from absent ones.
		return nil, core.Errorf(core.ErrNotFound, "message %s not found", messageID)
	}
	return m, nil
}

// Edit replaces the blocks of the sender's own message and notifies every
// recipient.
func (s *Service) Edit(ctx context.Context, messageID, callerID string, blocks []core.Block) (*core.Message, error) {
	m, err := s.store.Messages().FindByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, core.Errorf(core.ErrNotFound, "message %s not found", messageID)
	}
	if m.SenderID != callerID {
		return nil, core.Errorf(core.ErrForbidden, "only the sender may edit")
	}
	if len(blocks) == 0 {
		return nil, core.Errorf(core.ErrValidation, "message needs at least one block")
	}
	now := s.clock.Now()
	m.Blocks = blocks
	m.Edited = true
	m.EditedAt = &now
	if err := s.store.Messages().Edit(ctx, m); err != nil {
		return nil, err
	}
	s.notifyRecipients(ctx, bus.TopicMessageEdited, m.ID, callerID)
	return m, nil
}

// Delete removes the sender's own message; recipient rows and inbox entries
// go with it.
func (s *Service) Delete(ctx context.Context, messageID, callerID string) error {
	m, err := s.store.Messages().FindByID(ctx, messageID)
	if err != nil {
		return err
	}
	if m == nil {
		return core.Errorf(core.ErrNotFound, "message %s not found", messageID)
	}
	if m.SenderID != callerID {
		return core.Errorf(core.ErrForbidden, "only the sender may delete")
	}
	recipients, err := s.store.Messages().Recipients(ctx, messageID)
	if err != nil {
		return err
	}
	if err := s.store.Messages().Delete(ctx, messageID); err != nil {
		return err
	}
	for _, r := range recipients {
		s.bus.Emit(ctx, bus.TopicMessageDeleted, bus.Payload{
			"messageId":   messageID,
			"senderId":    callerID,
			"recipientId": r,
		})
	}
	return nil
}

func (s *Service) notifyRecipients(ctx context.Context, topic bus.Topic, messageID, senderID string) {
	recipients, err := s.store.Messages().Recipients(ctx, messageID)
	if err != nil {
		s.logger.Warn("recipient lookup failed", "message_id", messageID, "error", err)
		return
	}
	for _, r := range recipients {
		s.bus.Emit(ctx, topic, bus.Payload{
			"messageId":   messageID,
			"senderId":    senderID,
			"recipientId": r,
		})
	}
}

// Thread returns the root followed by its replies in ascending creation
// order. Any message in the thread may be named; the caller must be able to
// view it.
func (s *Service) Thread(ctx context.Context, messageID, callerID string) ([]*core.Message, error) {
	root, err := s.visibleMessage(ctx, messageID, callerID)
	if err != nil {
		return nil, err
	}
	// A reply carries the id of the thread it belongs to; resolve back to the
	// actual root so it appears exactly once, at the head.
	if root.ThreadID != "" {
		root, err = s.visibleMessage(ctx, root.ThreadID, callerID)
		if err != nil {
			return nil, err
		}
	}
	replies, err := s.store.Messages().FindByThread(ctx, root.ID)
	if err != nil {
		return nil, err
	}
	return append([]*core.Message{root}, replies...), nil
}

// ============================================================================
// INBOX
// ============================================================================

// Inbox lists the recipient's entries after the given sequence number.
func (s *Service) Inbox(ctx context.Context, recipientID string, afterSeq int64, limit int) ([]*core.InboxEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.Inbox().ListForRecipient(ctx, recipientID, afterSeq, limit)
}

// MarkRead flags one inbox entry as read.
func (s *Service) MarkRead(ctx context.Context, recipientID, entryID string) error {
	return s.store.Inbox().MarkRead(ctx, recipientID, entryID)
}

// UnreadCount returns the recipient's unread entry count.
func (s *Service) UnreadCount(ctx context.Context, recipientID string) (int, error) {
	return s.store.Inbox().CountUnread(ctx, recipientID)
}

// ============================================================================
// REACTIONS & POLLS
// ============================================================================

// React records an emoji reaction from a claw that can view the message and
// emits reaction.added toward the message sender.
func (s *Service) React(ctx context.Context, messageID, clawID, emoji string) (*core.Reaction, error) {
	if emoji == "" {
		return nil, core.Errorf(core.ErrValidation, "emoji is required")
	}
	m, err := s.visibleMessage(ctx, messageID, clawID)
	if err != nil {
		return nil, err
	}
	r := &core.Reaction{
		ID:        uuid.NewString(),
		MessageID: messageID,
		ClawID:    clawID,
		Emoji:     emoji,
		CreatedAt: s.clock.Now(),
	}
	if err := s.store.Reactions().Create(ctx, r); err != nil {
		return nil, err
	}
	s.bus.Emit(ctx, bus.TopicReactionAdded, bus.Payload{
		"reactionId": r.ID,
		"messageId":  messageID,
		"clawId":     clawID,
		"senderId":   m.SenderID,
		"emoji":      emoji,
	})
	return r, nil
}

// Vote records a poll vote from a claw that can view the poll's message.
func (s *Service) Vote(ctx context.Context, pollID, voterID string, option int) error {
	p, err := s.store.Polls().FindByID(ctx, pollID)
	if err != nil {
		return err
	}
	if p == nil {
		return core.Errorf(core.ErrNotFound, "poll %s not found", pollID)
	}
	if option < 0 || option >= len(p.Options) {
		return core.Errorf(core.ErrValidation, "option %d out of range", option)
	}
	now := s.clock.Now()
	if now.After(p.ClosesAt) {
		return core.Errorf(core.ErrValidation, "poll %s is closed", pollID)
	}
	if _, err := s.visibleMessage(ctx, p.MessageID, voterID); err != nil {
		return err
	}
	return s.store.Polls().Vote(ctx, &core.PollVote{
		PollID:    pollID,
		VoterID:   voterID,
		Option:    option,
		CreatedAt: now,
	})
}

// SweepClosingPolls emits poll.closing_soon once per poll closing within the
// window. Called periodically by the background scheduler.
func (s *Service) SweepClosingPolls(ctx context.Context, window time.Duration) (int, error) {
	now := s.clock.Now()
	polls, err := s.store.Polls().ListClosingWithin(ctx, now, window)
	if err != nil {
		return 0, err
	}
	for _, p := range polls {
		m, err := s.store.Messages().FindByID(ctx, p.MessageID)
		if err != nil {
			return 0, err
		}
		ownerID := ""
		if m != nil {
			ownerID = m.SenderID
		}
		votes, err := s.store.Polls().CountVotes(ctx, p.ID)
		if err != nil {
			return 0, err
		}
		if err := s.store.Polls().MarkNotified(ctx, p.ID); err != nil {
			return 0, err
		}
		s.bus.Emit(ctx, bus.TopicPollClosingSoon, bus.Payload{
			"pollId":    p.ID,
			"messageId": p.MessageID,
			"ownerId":   ownerID,
			"closesAt":  p.ClosesAt.Format(time.RFC3339),
			"votes":     votes,
		})
	}
	return len(polls), nil
}
