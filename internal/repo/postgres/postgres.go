// Package postgres backs the repository façade with PostgreSQL via lib/pq.
// Multi-row writes run inside native transactions; JSON-shaped fields live in
// jsonb columns.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/clawbuds/backend/internal/core"
	"github.com/clawbuds/backend/internal/repo"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Store implements repo.Store over a Postgres connection pool.
type Store struct {
	db *sql.DB
	q  querier
}

// Open connects and verifies the pool.
func Open(url string) (*Store, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &Store{db: db}
	s.q = db
	return s, nil
}

// Close releases the pool.
func (s *Store) Close() error { return s.db.Close() }

// Atomic runs fn inside one transaction. Nested calls reuse the open
// transaction.
func (s *Store) Atomic(ctx context.Context, fn func(repo.Store) error) error {
	if _, nested := s.q.(*sql.Tx); nested {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	txStore := &Store{db: s.db, q: tx}
	if err := fn(txStore); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) Claws() repo.ClawRepo               { return (*clawRepo)(s) }
func (s *Store) Friendships() repo.FriendshipRepo   { return (*friendshipRepo)(s) }
func (s *Store) Circles() repo.CircleRepo           { return (*circleRepo)(s) }
func (s *Store) Strengths() repo.StrengthRepo       { return (*strengthRepo)(s) }
func (s *Store) Trust() repo.TrustRepo              { return (*trustRepo)(s) }
func (s *Store) Pearls() repo.PearlRepo             { return (*pearlRepo)(s) }
func (s *Store) Messages() repo.MessageRepo         { return (*messageRepo)(s) }
func (s *Store) Inbox() repo.InboxRepo              { return (*inboxRepo)(s) }
func (s *Store) Polls() repo.PollRepo               { return (*pollRepo)(s) }
func (s *Store) Reactions() repo.ReactionRepo       { return (*reactionRepo)(s) }
func (s *Store) Reflexes() repo.ReflexRepo          { return (*reflexRepo)(s) }
func (s *Store) Executions() repo.ExecutionRepo     { return (*executionRepo)(s) }
func (s *Store) Heartbeats() repo.HeartbeatRepo     { return (*heartbeatRepo)(s) }
func (s *Store) FriendModels() repo.FriendModelRepo { return (*friendModelRepo)(s) }
func (s *Store) Threads() repo.ThreadRepo           { return (*threadRepo)(s) }
func (s *Store) Carapace() repo.CarapaceRepo        { return (*carapaceRepo)(s) }

func jsonb(v interface{}) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}

// ============================================================================
// CLAWS
// ============================================================================

type clawRepo Store

func (r *clawRepo) Register(ctx context.Context, c *core.Claw) error {
	tags, _ := jsonb(c.Tags)
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO claws (id, public_key, exchange_key, display_name, bio, tags, status, discoverable, last_seen_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		c.ID, c.PublicKey, c.ExchangeKey, c.DisplayName, c.Bio, tags, c.Status, c.Discoverable, c.LastSeenAt, c.CreatedAt)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return core.Errorf(core.ErrDuplicate, "claw %s already registered", c.ID)
	}
	return err
}

func (r *clawRepo) FindByID(ctx context.Context, id string) (*core.Claw, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT id, public_key, exchange_key, display_name, bio, tags, status, discoverable, last_seen_at, created_at
		FROM claws WHERE id = $1`, id)
	return scanClaw(row)
}

func scanClaw(row *sql.Row) (*core.Claw, error) {
	var c core.Claw
	var tags []byte
	err := row.Scan(&c.ID, &c.PublicKey, &c.ExchangeKey, &c.DisplayName, &c.Bio, &tags, &c.Status, &c.Discoverable, &c.LastSeenAt, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	json.Unmarshal(tags, &c.Tags)
	return &c, nil
}

func (r *clawRepo) UpdateProfile(ctx context.Context, c *core.Claw) error {
	tags, _ := jsonb(c.Tags)
	_, err := r.q.ExecContext(ctx, `
		UPDATE claws SET display_name = $2, bio = $3, tags = $4, discoverable = $5 WHERE id = $1`,
		c.ID, c.DisplayName, c.Bio, tags, c.Discoverable)
	return err
}

func (r *clawRepo) UpdateLastSeen(ctx context.Context, id string, at time.Time) error {
	_, err := r.q.ExecContext(ctx, `UPDATE claws SET last_seen_at = $2 WHERE id = $1`, id, at)
	return err
}

func (r *clawRepo) SearchByTag(ctx context.Context, tag string) ([]*core.Claw, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, public_key, exchange_key, display_name, bio, tags, status, discoverable, last_seen_at, created_at
		FROM claws WHERE tags @> to_jsonb(ARRAY[$1]::text[]) ORDER BY created_at`, tag)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*core.Claw
	for rows.Next() {
		var c core.Claw
		var tags []byte
		if err := rows.Scan(&c.ID, &c.PublicKey, &c.ExchangeKey, &c.DisplayName, &c.Bio, &tags, &c.Status, &c.Discoverable, &c.LastSeenAt, &c.CreatedAt); err != nil {
			return nil, err
		}
		json.Unmarshal(tags, &c.Tags)
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (r *clawRepo) ListActiveIDs(ctx context.Context) ([]string, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT id FROM claws WHERE status = 'active' ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ============================================================================
// FRIENDSHIPS
// ============================================================================

type friendshipRepo Store

func (r *friendshipRepo) Create(ctx context.Context, f *core.Friendship) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO friendships (id, requester_id, accepter_id, status, created_at, accepted_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		f.ID, f.RequesterID, f.AccepterID, f.Status, f.CreatedAt, f.AcceptedAt)
	return err
}

func (r *friendshipRepo) Update(ctx context.Context, f *core.Friendship) error {
	_, err := r.q.ExecContext(ctx, `
		UPDATE friendships SET status = $2, accepted_at = $3 WHERE id = $1`,
		f.ID, f.Status, f.AcceptedAt)
	return err
}

func (r *friendshipRepo) Delete(ctx context.Context, id string) error {
	_, err := r.q.ExecContext(ctx, `DELETE FROM friendships WHERE id = $1`, id)
	return err
}

func (r *friendshipRepo) FindByPair(ctx context.Context, a, b string) (*core.Friendship, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT id, requester_id, accepter_id, status, created_at, accepted_at
		FROM friendships
		WHERE ((requester_id = $1 AND accepter_id = $2) OR (requester_id = $2 AND accepter_id = $1))
		  AND status <> 'rejected'
		ORDER BY created_at DESC LIMIT 1`, a, b)
	var f core.Friendship
	err := row.Scan(&f.ID, &f.RequesterID, &f.AccepterID, &f.Status, &f.CreatedAt, &f.AcceptedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (r *friendshipRepo) AreFriends(ctx context.Context, a, b string) (bool, error) {
	var n int
	err := r.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM friendships
		WHERE ((requester_id = $1 AND accepter_id = $2) OR (requester_id = $2 AND accepter_id = $1))
		  AND status = 'accepted'`, a, b).Scan(&n)
	return n > 0, err
}

func (r *friendshipRepo) ListFriends(ctx context.Context, clawID string) ([]string, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT CASE WHEN requester_id = $1 THEN accepter_id ELSE requester_id END
		FROM friendships
		WHERE (requester_id = $1 OR accepter_id = $1) AND status = 'accepted'
		ORDER BY 1`, clawID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (r *friendshipRepo) MutualFriends(ctx context.Context, a, b string) ([]string, error) {
	friendsA, err := r.ListFriends(ctx, a)
	if err != nil {
		return nil, err
	}
	friendsB, err := r.ListFriends(ctx, b)
	if err != nil {
		return nil, err
	}
	setB := make(map[string]bool, len(friendsB))
	for _, id := range friendsB {
		setB[id] = true
	}
	var out []string
	for _, id := range friendsA {
		if id != a && id != b && setB[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

// ============================================================================
// CIRCLES
// ============================================================================

type circleRepo Store

func (r *circleRepo) Upsert(ctx context.Context, c *core.Circle) error {
	members, _ := jsonb(c.MemberIDs)
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO circles (owner_id, name, member_ids) VALUES ($1, $2, $3)
		ON CONFLICT (owner_id, name) DO UPDATE SET member_ids = EXCLUDED.member_ids`,
		c.OwnerID, c.Name, members)
	return err
}

func (r *circleRepo) Find(ctx context.Context, ownerID, name string) (*core.Circle, error) {
	var c core.Circle
	var members []byte
	err := r.q.QueryRowContext(ctx, `
		SELECT owner_id, name, member_ids FROM circles WHERE owner_id = $1 AND name = $2`,
		ownerID, name).Scan(&c.OwnerID, &c.Name, &members)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	json.Unmarshal(members, &c.MemberIDs)
	return &c, nil
}

func (r *circleRepo) ListByOwner(ctx context.Context, ownerID string) ([]*core.Circle, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT owner_id, name, member_ids FROM circles WHERE owner_id = $1 ORDER BY name`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*core.Circle
	for rows.Next() {
		var c core.Circle
		var members []byte
		if err := rows.Scan(&c.OwnerID, &c.Name, &members); err != nil {
			return nil, err
		}
		json.Unmarshal(members, &c.MemberIDs)
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (r *circleRepo) CountByOwner(ctx context.Context, ownerID string) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM circles WHERE owner_id = $1`, ownerID).Scan(&n)
	return n, err
}

func (r *circleRepo) Delete(ctx context.Context, ownerID, name string) error {
	_, err := r.q.ExecContext(ctx, `DELETE FROM circles WHERE owner_id = $1 AND name = $2`, ownerID, name)
	return err
}

// ============================================================================
// RELATIONSHIP STRENGTH
// ============================================================================

type strengthRepo Store

func (r *strengthRepo) Get(ctx context.Context, from, to string) (*core.RelationshipStrength, error) {
	var rs core.RelationshipStrength
	err := r.q.QueryRowContext(ctx, `
		SELECT from_claw_id, to_claw_id, strength, layer, last_boost_at
		FROM relationship_strengths WHERE from_claw_id = $1 AND to_claw_id = $2`,
		from, to).Scan(&rs.FromClawID, &rs.ToClawID, &rs.Strength, &rs.Layer, &rs.LastBoostAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rs, nil
}

func (r *strengthRepo) Put(ctx context.Context, rs *core.RelationshipStrength) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO relationship_strengths (from_claw_id, to_claw_id, strength, layer, last_boost_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (from_claw_id, to_claw_id)
		DO UPDATE SET strength = EXCLUDED.strength, layer = EXCLUDED.layer, last_boost_at = EXCLUDED.last_boost_at`,
		rs.FromClawID, rs.ToClawID, rs.Strength, rs.Layer, rs.LastBoostAt)
	return err
}

func (r *strengthRepo) Delete(ctx context.Context, from, to string) error {
	_, err := r.q.ExecContext(ctx, `
		DELETE FROM relationship_strengths WHERE from_claw_id = $1 AND to_claw_id = $2`, from, to)
	return err
}

func (r *strengthRepo) ListFrom(ctx context.Context, from string) ([]*core.RelationshipStrength, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT from_claw_id, to_claw_id, strength, layer, last_boost_at
		FROM relationship_strengths WHERE from_claw_id = $1 ORDER BY to_claw_id`, from)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*core.RelationshipStrength
	for rows.Next() {
		var rs core.RelationshipStrength
		if err := rows.Scan(&rs.FromClawID, &rs.ToClawID, &rs.Strength, &rs.Layer, &rs.LastBoostAt); err != nil {
			return nil, err
		}
		out = append(out, &rs)
	}
	return out, rows.Err()
}

// ============================================================================
// TRUST
// ============================================================================

type trustRepo Store

func (r *trustRepo) Get(ctx context.Context, from, to, domain string) (*core.TrustScore, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT from_claw_id, to_claw_id, domain, q, h, n, w, composite, updated_at
		FROM trust_scores WHERE from_claw_id = $1 AND to_claw_id = $2 AND domain = $3`,
		from, to, domain)
	var ts core.TrustScore
	var h sql.NullFloat64
	err := row.Scan(&ts.FromClawID, &ts.ToClawID, &ts.Domain, &ts.Q, &h, &ts.N, &ts.W, &ts.Composite, &ts.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if h.Valid {
		ts.H = &h.Float64
	}
	return &ts, nil
}

func (r *trustRepo) Put(ctx context.Context, ts *core.TrustScore) error {
	var h interface{}
	if ts.H != nil {
		h = *ts.H
	}
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO trust_scores (from_claw_id, to_claw_id, domain, q, h, n, w, composite, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (from_claw_id, to_claw_id, domain)
		DO UPDATE SET q = EXCLUDED.q, h = EXCLUDED.h, n = EXCLUDED.n, w = EXCLUDED.w,
		              composite = EXCLUDED.composite, updated_at = EXCLUDED.updated_at`,
		ts.FromClawID, ts.ToClawID, ts.Domain, ts.Q, h, ts.N, ts.W, ts.Composite, ts.UpdatedAt)
	return err
}

func (r *trustRepo) ListByPair(ctx context.Context, from, to string) ([]*core.TrustScore, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT from_claw_id, to_claw_id, domain, q, h, n, w, composite, updated_at
		FROM trust_scores WHERE from_claw_id = $1 AND to_claw_id = $2 ORDER BY domain`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTrustRows(rows)
}

func (r *trustRepo) ListAll(ctx context.Context) ([]*core.TrustScore, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT from_claw_id, to_claw_id, domain, q, h, n, w, composite, updated_at
		FROM trust_scores ORDER BY from_claw_id, to_claw_id, domain`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTrustRows(rows)
}

func scanTrustRows(rows *sql.Rows) ([]*core.TrustScore, error) {
	var out []*core.TrustScore
	for rows.Next() {
		var ts core.TrustScore
		var h sql.NullFloat64
		if err := rows.Scan(&ts.FromClawID, &ts.ToClawID, &ts.Domain, &ts.Q, &h, &ts.N, &ts.W, &ts.Composite, &ts.UpdatedAt); err != nil {
			return nil, err
		}
		if h.Valid {
			ts.H = &h.Float64
		}
		out = append(out, &ts)
	}
	return out, rows.Err()
}

func (r *trustRepo) DeletePair(ctx context.Context, from, to string) error {
	_, err := r.q.ExecContext(ctx, `
		DELETE FROM trust_scores WHERE from_claw_id = $1 AND to_claw_id = $2`, from, to)
	return err
}

// ============================================================================
// PEARLS
// ============================================================================

type pearlRepo Store

func (r *pearlRepo) Create(ctx context.Context, p *core.Pearl) error {
	tags, _ := jsonb(p.DomainTags)
	body, _ := jsonb(p.Body)
	conditions, _ := jsonb(p.ShareConditions)
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO pearls (id, owner_id, type, trigger, domain_tags, body, luster, shareability, share_conditions, origin, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		p.ID, p.OwnerID, p.Type, p.Trigger, tags, body, p.Luster, p.Shareability, conditions, p.Origin, p.CreatedAt, p.UpdatedAt)
	return err
}

const pearlColumns = `id, owner_id, type, trigger, domain_tags, body, luster, shareability, share_conditions, origin, created_at, updated_at`

func (r *pearlRepo) FindByID(ctx context.Context, id string) (*core.Pearl, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+pearlColumns+` FROM pearls WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	pearls, err := scanPearls(rows)
	if err != nil || len(pearls) == 0 {
		return nil, err
	}
	return pearls[0], nil
}

func scanPearls(rows *sql.Rows) ([]*core.Pearl, error) {
	var out []*core.Pearl
	for rows.Next() {
		var p core.Pearl
		var tags, body, conditions []byte
		if err := rows.Scan(&p.ID, &p.OwnerID, &p.Type, &p.Trigger, &tags, &body, &p.Luster, &p.Shareability, &conditions, &p.Origin, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		json.Unmarshal(tags, &p.DomainTags)
		json.Unmarshal(body, &p.Body)
		json.Unmarshal(conditions, &p.ShareConditions)
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (r *pearlRepo) Update(ctx context.Context, p *core.Pearl) error {
	tags, _ := jsonb(p.DomainTags)
	body, _ := jsonb(p.Body)
	conditions, _ := jsonb(p.ShareConditions)
	_, err := r.q.ExecContext(ctx, `
		UPDATE pearls SET type = $2, trigger = $3, domain_tags = $4, body = $5, luster = $6,
		       shareability = $7, share_conditions = $8, updated_at = $9
		WHERE id = $1`,
		p.ID, p.Type, p.Trigger, tags, body, p.Luster, p.Shareability, conditions, p.UpdatedAt)
	return err
}

func (r *pearlRepo) ListByOwner(ctx context.Context, ownerID string) ([]*core.Pearl, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+pearlColumns+` FROM pearls WHERE owner_id = $1 ORDER BY created_at`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPearls(rows)
}

func (r *pearlRepo) ListShareable(ctx context.Context, ownerID string) ([]*core.Pearl, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+pearlColumns+` FROM pearls
		WHERE owner_id = $1 AND shareability <> 'private' ORDER BY created_at`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPearls(rows)
}

func (r *pearlRepo) UpsertEndorsement(ctx context.Context, e *core.Endorsement) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO endorsements (pearl_id, endorser_id, score, comment, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (pearl_id, endorser_id)
		DO UPDATE SET score = EXCLUDED.score, comment = EXCLUDED.comment, created_at = EXCLUDED.created_at`,
		e.PearlID, e.EndorserID, e.Score, e.Comment, e.CreatedAt)
	return err
}

func (r *pearlRepo) ListEndorsements(ctx context.Context, pearlID string) ([]*core.Endorsement, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT pearl_id, endorser_id, score, comment, created_at
		FROM endorsements WHERE pearl_id = $1 ORDER BY endorser_id`, pearlID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*core.Endorsement
	for rows.Next() {
		var e core.Endorsement
		if err := rows.Scan(&e.PearlID, &e.EndorserID, &e.Score, &e.Comment, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (r *pearlRepo) AddCitation(ctx context.Context, pearlID, citingPearlID string) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO pearl_citations (pearl_id, citing_pearl_id)
		VALUES ($1, $2) ON CONFLICT DO NOTHING`, pearlID, citingPearlID)
	return err
}

func (r *pearlRepo) CitationCount(ctx context.Context, pearlID string) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM pearl_citations WHERE pearl_id = $1`, pearlID).Scan(&n)
	return n, err
}

func (r *pearlRepo) RecordShare(ctx context.Context, s *core.PearlShare) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO pearl_shares (pearl_id, from_claw_id, to_claw_id, shared_at)
		VALUES ($1, $2, $3, $4)`, s.PearlID, s.FromClawID, s.ToClawID, s.SharedAt)
	return err
}

func (r *pearlRepo) WasShared(ctx context.Context, pearlID, toClawID string) (bool, error) {
	var n int
	err := r.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM pearl_shares WHERE pearl_id = $1 AND to_claw_id = $2`,
		pearlID, toClawID).Scan(&n)
	return n > 0, err
}

// ============================================================================
// MESSAGES & INBOX
// ============================================================================

type messageRepo Store

func (r *messageRepo) InsertWithRecipients(ctx context.Context, m *core.Message, recipientIDs []string, polls []*core.Poll) ([]*core.InboxEntry, error) {
	var entries []*core.InboxEntry
	err := (*Store)(r).Atomic(ctx, func(tx repo.Store) error {
		txr := tx.Messages().(*messageRepo)
		blocks, _ := jsonb(m.Blocks)
		circles, _ := jsonb(m.Circles)
		if _, err := txr.q.ExecContext(ctx, `
			INSERT INTO messages (id, sender_id, blocks, visibility, circles, content_warning, reply_to_id, thread_id, edited, created_at, edited_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			m.ID, m.SenderID, blocks, m.Visibility, circles, m.ContentWarning, m.ReplyToID, m.ThreadID, m.Edited, m.CreatedAt, m.EditedAt); err != nil {
			return err
		}
		for _, p := range polls {
			options, _ := jsonb(p.Options)
			if _, err := txr.q.ExecContext(ctx, `
				INSERT INTO polls (id, message_id, question, options, closes_at, notified, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				p.ID, m.ID, p.Question, options, p.ClosesAt, p.Notified, p.CreatedAt); err != nil {
				return err
			}
		}
		for _, rid := range recipientIDs {
			if m.Visibility == core.VisibilityDirect {
				if _, err := txr.q.ExecContext(ctx, `
					INSERT INTO message_recipients (message_id, recipient_id) VALUES ($1, $2)`,
					m.ID, rid); err != nil {
					return err
				}
			}
			var seq int64
			if err := txr.q.QueryRowContext(ctx, `
				INSERT INTO inbox_seqs (recipient_id, seq) VALUES ($1, 1)
				ON CONFLICT (recipient_id) DO UPDATE SET seq = inbox_seqs.seq + 1
				RETURNING seq`, rid).Scan(&seq); err != nil {
				return err
			}
			entry := &core.InboxEntry{
				ID:          fmt.Sprintf("%s:%s", rid, m.ID),
				RecipientID: rid,
				MessageID:   m.ID,
				Seq:         seq,
				CreatedAt:   m.CreatedAt,
			}
			if _, err := txr.q.ExecContext(ctx, `
				INSERT INTO inbox_entries (id, recipient_id, message_id, seq, read, created_at)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				entry.ID, entry.RecipientID, entry.MessageID, entry.Seq, entry.Read, entry.CreatedAt); err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

const messageColumns = `id, sender_id, blocks, visibility, circles, content_warning, reply_to_id, thread_id, edited, created_at, edited_at`

func (r *messageRepo) FindByID(ctx context.Context, id string) (*core.Message, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	msgs, err := scanMessages(rows)
	if err != nil || len(msgs) == 0 {
		return nil, err
	}
	return msgs[0], nil
}

func scanMessages(rows *sql.Rows) ([]*core.Message, error) {
	var out []*core.Message
	for rows.Next() {
		var m core.Message
		var blocks, circles []byte
		if err := rows.Scan(&m.ID, &m.SenderID, &blocks, &m.Visibility, &circles, &m.ContentWarning, &m.ReplyToID, &m.ThreadID, &m.Edited, &m.CreatedAt, &m.EditedAt); err != nil {
			return nil, err
		}
		json.Unmarshal(blocks, &m.Blocks)
		json.Unmarshal(circles, &m.Circles)
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (r *messageRepo) FindByThread(ctx context.Context, threadID string) ([]*core.Message, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages WHERE thread_id = $1 ORDER BY created_at, id`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (r *messageRepo) IsRecipient(ctx context.Context, messageID, clawID string) (bool, error) {
	var n int
	err := r.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM inbox_entries WHERE message_id = $1 AND recipient_id = $2`,
		messageID, clawID).Scan(&n)
	return n > 0, err
}

func (r *messageRepo) Recipients(ctx context.Context, messageID string) ([]string, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT recipient_id FROM inbox_entries WHERE message_id = $1 ORDER BY recipient_id`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (r *messageRepo) FindInboxEntry(ctx context.Context, recipientID, messageID string) (*core.InboxEntry, error) {
	var e core.InboxEntry
	err := r.q.QueryRowContext(ctx, `
		SELECT id, recipient_id, message_id, seq, read, created_at
		FROM inbox_entries WHERE recipient_id = $1 AND message_id = $2`,
		recipientID, messageID).Scan(&e.ID, &e.RecipientID, &e.MessageID, &e.Seq, &e.Read, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *messageRepo) Edit(ctx context.Context, m *core.Message) error {
	blocks, _ := jsonb(m.Blocks)
	_, err := r.q.ExecContext(ctx, `
		UPDATE messages SET blocks = $2, edited = $3, edited_at = $4 WHERE id = $1`,
		m.ID, blocks, m.Edited, m.EditedAt)
	return err
}

func (r *messageRepo) Delete(ctx context.Context, id string) error {
	return (*Store)(r).Atomic(ctx, func(tx repo.Store) error {
		txr := tx.Messages().(*messageRepo)
		if _, err := txr.q.ExecContext(ctx, `DELETE FROM inbox_entries WHERE message_id = $1`, id); err != nil {
			return err
		}
		if _, err := txr.q.ExecContext(ctx, `DELETE FROM message_recipients WHERE message_id = $1`, id); err != nil {
			return err
		}
		_, err := txr.q.ExecContext(ctx, `DELETE FROM messages WHERE id = $1`, id)
		return err
	})
}

type inboxRepo Store

func (r *inboxRepo) ListForRecipient(ctx context.Context, recipientID string, afterSeq int64, limit int) ([]*core.InboxEntry, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, recipient_id, message_id, seq, read, created_at
		FROM inbox_entries WHERE recipient_id = $1 AND seq > $2
		ORDER BY seq LIMIT $3`, recipientID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*core.InboxEntry
	for rows.Next() {
		var e core.InboxEntry
		if err := rows.Scan(&e.ID, &e.RecipientID, &e.MessageID, &e.Seq, &e.Read, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (r *inboxRepo) MarkRead(ctx context.Context, recipientID, entryID string) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE inbox_entries SET read = TRUE WHERE recipient_id = $1 AND id = $2`,
		recipientID, entryID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.Errorf(core.ErrNotFound, "inbox entry %s not found", entryID)
	}
	return nil
}

func (r *inboxRepo) CountUnread(ctx context.Context, recipientID string) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM inbox_entries WHERE recipient_id = $1 AND read = FALSE`,
		recipientID).Scan(&n)
	return n, err
}

// ============================================================================
// POLLS & REACTIONS
// ============================================================================

type pollRepo Store

func (r *pollRepo) FindByID(ctx context.Context, id string) (*core.Poll, error) {
	var p core.Poll
	var options []byte
	err := r.q.QueryRowContext(ctx, `
		SELECT id, message_id, question, options, closes_at, notified, created_at
		FROM polls WHERE id = $1`, id).
		Scan(&p.ID, &p.MessageID, &p.Question, &options, &p.ClosesAt, &p.Notified, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	json.Unmarshal(options, &p.Options)
	return &p, nil
}

func (r *pollRepo) Vote(ctx context.Context, v *core.PollVote) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO poll_votes (poll_id, voter_id, option, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (poll_id, voter_id)
		DO UPDATE SET option = EXCLUDED.option, created_at = EXCLUDED.created_at`,
		v.PollID, v.VoterID, v.Option, v.CreatedAt)
	return err
}

func (r *pollRepo) CountVotes(ctx context.Context, pollID string) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM poll_votes WHERE poll_id = $1`, pollID).Scan(&n)
	return n, err
}

func (r *pollRepo) ListClosingWithin(ctx context.Context, now time.Time, window time.Duration) ([]*core.Poll, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, message_id, question, options, closes_at, notified, created_at
		FROM polls WHERE notified = FALSE AND closes_at > $1 AND closes_at <= $2
		ORDER BY closes_at`, now, now.Add(window))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*core.Poll
	for rows.Next() {
		var p core.Poll
		var options []byte
		if err := rows.Scan(&p.ID, &p.MessageID, &p.Question, &options, &p.ClosesAt, &p.Notified, &p.CreatedAt); err != nil {
			return nil, err
		}
		json.Unmarshal(options, &p.Options)
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (r *pollRepo) MarkNotified(ctx context.Context, pollID string) error {
	_, err := r.q.ExecContext(ctx, `UPDATE polls SET notified = TRUE WHERE id = $1`, pollID)
	return err
}

type reactionRepo Store

func (r *reactionRepo) Create(ctx context.Context, re *core.Reaction) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO reactions (id, message_id, claw_id, emoji, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		re.ID, re.MessageID, re.ClawID, re.Emoji, re.CreatedAt)
	return err
}

func (r *reactionRepo) ListByMessage(ctx context.Context, messageID string) ([]*core.Reaction, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, message_id, claw_id, emoji, created_at
		FROM reactions WHERE message_id = $1 ORDER BY created_at`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*core.Reaction
	for rows.Next() {
		var re core.Reaction
		if err := rows.Scan(&re.ID, &re.MessageID, &re.ClawID, &re.Emoji, &re.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &re)
	}
	return out, rows.Err()
}

// ============================================================================
// REFLEXES & EXECUTIONS
// ============================================================================

type reflexRepo Store

func (r *reflexRepo) Upsert(ctx context.Context, rf *core.Reflex) error {
	trigger, _ := jsonb(rf.Trigger)
	if rf.ID == "" {
		rf.ID = fmt.Sprintf("%s:%s", rf.OwnerID, rf.Name)
	}
	// Existing rows keep their id and enabled flag: an upsert never
	// re-enables a disabled reflex.
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO reflexes (id, owner_id, name, value_layer, behavior, trigger_layer, trigger, enabled, confidence, source)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (owner_id, name)
		DO UPDATE SET value_layer = EXCLUDED.value_layer, behavior = EXCLUDED.behavior,
		              trigger_layer = EXCLUDED.trigger_layer, trigger = EXCLUDED.trigger,
		              confidence = EXCLUDED.confidence, source = EXCLUDED.source`,
		rf.ID, rf.OwnerID, rf.Name, rf.ValueLayer, rf.Behavior, rf.TriggerLayer, trigger, rf.Enabled, rf.Confidence, rf.Source)
	return err
}

const reflexColumns = `id, owner_id, name, value_layer, behavior, trigger_layer, trigger, enabled, confidence, source`

func scanReflexes(rows *sql.Rows) ([]*core.Reflex, error) {
	var out []*core.Reflex
	for rows.Next() {
		var rf core.Reflex
		var trigger []byte
		if err := rows.Scan(&rf.ID, &rf.OwnerID, &rf.Name, &rf.ValueLayer, &rf.Behavior, &rf.TriggerLayer, &trigger, &rf.Enabled, &rf.Confidence, &rf.Source); err != nil {
			return nil, err
		}
		json.Unmarshal(trigger, &rf.Trigger)
		out = append(out, &rf)
	}
	return out, rows.Err()
}

func (r *reflexRepo) FindByName(ctx context.Context, ownerID, name string) (*core.Reflex, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+reflexColumns+` FROM reflexes WHERE owner_id = $1 AND name = $2`, ownerID, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	reflexes, err := scanReflexes(rows)
	if err != nil || len(reflexes) == 0 {
		return nil, err
	}
	return reflexes[0], nil
}

func (r *reflexRepo) ListByOwner(ctx context.Context, ownerID string) ([]*core.Reflex, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+reflexColumns+` FROM reflexes WHERE owner_id = $1 ORDER BY name`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanReflexes(rows)
}

func (r *reflexRepo) FindEnabled(ctx context.Context, ownerID string, layer int) ([]*core.Reflex, error) {
	query := `SELECT ` + reflexColumns + ` FROM reflexes WHERE owner_id = $1 AND enabled = TRUE`
	args := []interface{}{ownerID}
	if layer >= 0 {
		query += ` AND trigger_layer = $2`
		args = append(args, layer)
	}
	query += ` ORDER BY name`
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanReflexes(rows)
}

func (r *reflexRepo) SetEnabled(ctx context.Context, ownerID, name string, enabled bool) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE reflexes SET enabled = $3 WHERE owner_id = $1 AND name = $2`, ownerID, name, enabled)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.Errorf(core.ErrNotFound, "reflex %q not found", name)
	}
	return nil
}

type executionRepo Store

func (r *executionRepo) Create(ctx context.Context, e *core.ReflexExecution) error {
	triggerData, _ := jsonb(e.TriggerData)
	details, _ := jsonb(e.Details)
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO reflex_executions (id, reflex_id, reflex_name, owner_id, event_type, trigger_data, result, details, batch_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.ReflexID, e.ReflexName, e.OwnerID, e.EventType, triggerData, e.Result, details, e.BatchID, e.CreatedAt)
	return err
}

const executionColumns = `id, reflex_id, reflex_name, owner_id, event_type, trigger_data, result, details, batch_id, created_at`

func scanExecutions(rows *sql.Rows) ([]*core.ReflexExecution, error) {
	var out []*core.ReflexExecution
	for rows.Next() {
		var e core.ReflexExecution
		var triggerData, details []byte
		if err := rows.Scan(&e.ID, &e.ReflexID, &e.ReflexName, &e.OwnerID, &e.EventType, &triggerData, &e.Result, &details, &e.BatchID, &e.CreatedAt); err != nil {
			return nil, err
		}
		json.Unmarshal(triggerData, &e.TriggerData)
		json.Unmarshal(details, &e.Details)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (r *executionRepo) FindRecent(ctx context.Context, ownerID string, since time.Time) ([]*core.ReflexExecution, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+executionColumns+` FROM reflex_executions
		WHERE owner_id = $1 AND created_at >= $2 ORDER BY created_at`, ownerID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanExecutions(rows)
}

func (r *executionRepo) FindByResult(ctx context.Context, ownerID string, result core.ExecutionResult, since time.Time) ([]*core.ReflexExecution, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+executionColumns+` FROM reflex_executions
		WHERE owner_id = $1 AND result = $2 AND created_at >= $3 ORDER BY created_at`, ownerID, result, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanExecutions(rows)
}

func (r *executionRepo) CountRoutings(ctx context.Context, ownerID, targetClawID string, since time.Time) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM reflex_executions
		WHERE owner_id = $1 AND created_at >= $2
		  AND details->>'targetClawId' = $3
		  AND result IN ('queued_for_l1', 'dispatched_to_l1', 'l1_acknowledged')`,
		ownerID, since, targetClawID).Scan(&n)
	return n, err
}

func (r *executionRepo) UpdateResult(ctx context.Context, executionID string, result core.ExecutionResult, batchID string) error {
	_, err := r.q.ExecContext(ctx, `
		UPDATE reflex_executions SET result = $2, batch_id = $3 WHERE id = $1`,
		executionID, result, batchID)
	return err
}

func (r *executionRepo) UpdateResultByBatch(ctx context.Context, batchID string, from, to core.ExecutionResult) (int, error) {
	res, err := r.q.ExecContext(ctx, `
		UPDATE reflex_executions SET result = $3 WHERE batch_id = $1 AND result = $2`,
		batchID, from, to)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ============================================================================
// HEARTBEATS & FRIEND MODELS
// ============================================================================

type heartbeatRepo Store

func (r *heartbeatRepo) Create(ctx context.Context, h *core.Heartbeat) error {
	interests, _ := jsonb(h.Interests)
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO heartbeats (id, from_claw_id, to_claw_id, status_text, interests, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		h.ID, h.FromClawID, h.ToClawID, h.StatusText, interests, h.CreatedAt)
	return err
}

func (r *heartbeatRepo) ListReceived(ctx context.Context, toClawID string, since time.Time) ([]*core.Heartbeat, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, from_claw_id, to_claw_id, status_text, interests, created_at
		FROM heartbeats WHERE to_claw_id = $1 AND created_at >= $2 ORDER BY created_at`, toClawID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*core.Heartbeat
	for rows.Next() {
		var h core.Heartbeat
		var interests []byte
		if err := rows.Scan(&h.ID, &h.FromClawID, &h.ToClawID, &h.StatusText, &interests, &h.CreatedAt); err != nil {
			return nil, err
		}
		json.Unmarshal(interests, &h.Interests)
		out = append(out, &h)
	}
	return out, rows.Err()
}

type friendModelRepo Store

func (r *friendModelRepo) Get(ctx context.Context, ownerID, friendID string) (*core.FriendModel, error) {
	var fm core.FriendModel
	var interests []byte
	err := r.q.QueryRowContext(ctx, `
		SELECT owner_id, friend_id, interests, last_status, heartbeat_count, last_heartbeat_at
		FROM friend_models WHERE owner_id = $1 AND friend_id = $2`, ownerID, friendID).
		Scan(&fm.OwnerID, &fm.FriendID, &interests, &fm.LastStatus, &fm.HeartbeatCount, &fm.LastHeartbeatAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	json.Unmarshal(interests, &fm.Interests)
	return &fm, nil
}

func (r *friendModelRepo) Put(ctx context.Context, fm *core.FriendModel) error {
	interests, _ := jsonb(fm.Interests)
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO friend_models (owner_id, friend_id, interests, last_status, heartbeat_count, last_heartbeat_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (owner_id, friend_id)
		DO UPDATE SET interests = EXCLUDED.interests, last_status = EXCLUDED.last_status,
		              heartbeat_count = EXCLUDED.heartbeat_count, last_heartbeat_at = EXCLUDED.last_heartbeat_at`,
		fm.OwnerID, fm.FriendID, interests, fm.LastStatus, fm.HeartbeatCount, fm.LastHeartbeatAt)
	return err
}

// ============================================================================
// THREADS
// ============================================================================

type threadRepo Store

func (r *threadRepo) Create(ctx context.Context, t *core.Thread) error {
	participants, _ := jsonb(t.Participants)
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO threads (id, creator_id, purpose, title, status, participants, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.CreatorID, t.Purpose, t.Title, t.Status, participants, t.CreatedAt)
	return err
}

func (r *threadRepo) FindByID(ctx context.Context, id string) (*core.Thread, error) {
	var t core.Thread
	var participants []byte
	err := r.q.QueryRowContext(ctx, `
		SELECT id, creator_id, purpose, title, status, participants, created_at
		FROM threads WHERE id = $1`, id).
		Scan(&t.ID, &t.CreatorID, &t.Purpose, &t.Title, &t.Status, &participants, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	json.Unmarshal(participants, &t.Participants)
	return &t, nil
}

func (r *threadRepo) Update(ctx context.Context, t *core.Thread) error {
	participants, _ := jsonb(t.Participants)
	_, err := r.q.ExecContext(ctx, `
		UPDATE threads SET purpose = $2, title = $3, status = $4, participants = $5 WHERE id = $1`,
		t.ID, t.Purpose, t.Title, t.Status, participants)
	return err
}

func (r *threadRepo) ListByParticipant(ctx context.Context, clawID string) ([]*core.Thread, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, creator_id, purpose, title, status, participants, created_at
		FROM threads
		WHERE participants @> $1::jsonb ORDER BY created_at`,
		fmt.Sprintf(`[{"claw_id": %q}]`, clawID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*core.Thread
	for rows.Next() {
		var t core.Thread
		var participants []byte
		if err := rows.Scan(&t.ID, &t.CreatorID, &t.Purpose, &t.Title, &t.Status, &participants, &t.CreatedAt); err != nil {
			return nil, err
		}
		json.Unmarshal(participants, &t.Participants)
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (r *threadRepo) AddContribution(ctx context.Context, c *core.ThreadContribution) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO thread_contributions (id, thread_id, author_id, ciphertext, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		c.ID, c.ThreadID, c.AuthorID, c.Ciphertext, c.CreatedAt)
	return err
}

func (r *threadRepo) ListContributions(ctx context.Context, threadID string) ([]*core.ThreadContribution, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, thread_id, author_id, ciphertext, created_at
		FROM thread_contributions WHERE thread_id = $1 ORDER BY created_at`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*core.ThreadContribution
	for rows.Next() {
		var c core.ThreadContribution
		if err := rows.Scan(&c.ID, &c.ThreadID, &c.AuthorID, &c.Ciphertext, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// ============================================================================
// CARAPACE HISTORY
// ============================================================================

type carapaceRepo Store

func (r *carapaceRepo) RecordChange(ctx context.Context, c *core.ConfigChange) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO carapace_changes (claw_id, field, changed_at) VALUES ($1, $2, $3)`,
		c.ClawID, c.Field, c.ChangedAt)
	return err
}

func (r *carapaceRepo) LastChange(ctx context.Context, clawID string) (*core.ConfigChange, error) {
	var c core.ConfigChange
	err := r.q.QueryRowContext(ctx, `
		SELECT claw_id, field, changed_at FROM carapace_changes
		WHERE claw_id = $1 ORDER BY changed_at DESC LIMIT 1`, clawID).
		Scan(&c.ClawID, &c.Field, &c.ChangedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}
