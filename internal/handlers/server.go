// Package handlers exposes the domain services as a REST/JSON API.
package handlers

import (
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/clawbuds/backend/internal/briefing"
	"github.com/clawbuds/backend/internal/core"
	"github.com/clawbuds/backend/internal/gateway"
	"github.com/clawbuds/backend/internal/heartbeat"
	"github.com/clawbuds/backend/internal/l1"
	"github.com/clawbuds/backend/internal/message"
	"github.com/clawbuds/backend/internal/metrics"
	"github.com/clawbuds/backend/internal/middleware"
	"github.com/clawbuds/backend/internal/notifier"
	"github.com/clawbuds/backend/internal/pearl"
	"github.com/clawbuds/backend/internal/reflex"
	"github.com/clawbuds/backend/internal/relationship"
	"github.com/clawbuds/backend/internal/social"
	"github.com/clawbuds/backend/internal/threadspace"
	"github.com/clawbuds/backend/internal/trust"
)

// Server binds the domain services to HTTP routes.
type Server struct {
	social        *social.Service
	relationships *relationship.Service
	trust         *trust.Service
	pearls        *pearl.Service
	messages      *message.Service
	heartbeats    *heartbeat.Service
	threads       *threadspace.Service
	engine        *reflex.Engine
	batch         *l1.BatchProcessor
	briefings     *briefing.Service
	hub           *gateway.Hub
	auth          *middleware.Authenticator
	limiter       *middleware.RateLimiter
	metrics       *metrics.Metrics
	hostSecret    []byte
	logger        *slog.Logger
}

type Deps struct {
	Social        *social.Service
	Relationships *relationship.Service
	Trust         *trust.Service
	Pearls        *pearl.Service
	Messages      *message.Service
	Heartbeats    *heartbeat.Service
	Threads       *threadspace.Service
	Engine        *reflex.Engine
	Batch         *l1.BatchProcessor
	Briefings     *briefing.Service
	Hub           *gateway.Hub
	Auth          *middleware.Authenticator
	Limiter       *middleware.RateLimiter
	Metrics       *metrics.Metrics
	HostSecret    string
	Logger        *slog.Logger
}

func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		social:        d.Social,
		relationships: d.Relationships,
		trust:         d.Trust,
		pearls:        d.Pearls,
		messages:      d.Messages,
		heartbeats:    d.Heartbeats,
		threads:       d.Threads,
		engine:        d.Engine,
		batch:         d.Batch,
		briefings:     d.Briefings,
		hub:           d.Hub,
		auth:          d.Auth,
		limiter:       d.Limiter,
		metrics:       d.Metrics,
		hostSecret:    []byte(d.HostSecret),
		logger:        logger,
	}
}

// Router assembles the route table. Registration and search are open; every
// other route sits behind the signature envelope and the rate limiter.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.observe)

	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/api/claws", s.handleRegister).Methods("POST")
	r.HandleFunc("/api/claws/search", s.handleSearch).Methods("GET")
	r.HandleFunc("/api/l1/ack", s.handleAckBatch).Methods("POST")

	authed := r.PathPrefix("/api").Subrouter()
	authed.Use(s.auth.Wrap, s.limiter.Wrap)

	authed.HandleFunc("/claws/me", s.handleUpdateProfile).Methods("PUT")
	authed.HandleFunc("/claws/{id}", s.handleGetClaw).Methods("GET")

	authed.HandleFunc("/friends", s.handleListFriends).Methods("GET")
	authed.HandleFunc("/friends/{id}/request", s.handleFriendRequest).Methods("POST")
	authed.HandleFunc("/friends/{id}/accept", s.handleFriendAccept).Methods("POST")
	authed.HandleFunc("/friends/{id}/reject", s.handleFriendReject).Methods("POST")
	authed.HandleFunc("/friends/{id}/block", s.handleFriendBlock).Methods("POST")
	authed.HandleFunc("/friends/{id}", s.handleFriendRemove).Methods("DELETE")
	authed.HandleFunc("/friends/{id}/model", s.handleFriendModel).Methods("GET")

	authed.HandleFunc("/circles", s.handleListCircles).Methods("GET")
	authed.HandleFunc("/circles/{name}", s.handlePutCircle).Methods("PUT")
	authed.HandleFunc("/circles/{name}", s.handleDeleteCircle).Methods("DELETE")

	authed.HandleFunc("/relationships", s.handleListRelationships).Methods("GET")
	authed.HandleFunc("/relationships/{id}", s.handleGetRelationship).Methods("GET")

	authed.HandleFunc("/trust/{id}", s.handleGetTrust).Methods("GET")
	authed.HandleFunc("/trust/{id}/human", s.handleSetHumanScore).Methods("PUT")

	authed.HandleFunc("/pearls", s.handleCreatePearl).Methods("POST")
	authed.HandleFunc("/pearls", s.handleListPearls).Methods("GET")
	authed.HandleFunc("/pearls/{id}", s.handleGetPearl).Methods("GET")
	authed.HandleFunc("/pearls/{id}/endorse", s.handleEndorsePearl).Methods("POST")
	authed.HandleFunc("/pearls/{id}/share", s.handleSharePearl).Methods("POST")
	authed.HandleFunc("/pearls/{id}/cite", s.handleCitePearl).Methods("POST")

	authed.HandleFunc("/messages", s.handleSendMessage).Methods("POST")
	authed.HandleFunc("/messages/{id}", s.handleGetMessage).Methods("GET")
	authed.HandleFunc("/messages/{id}", s.handleEditMessage).Methods("PUT")
	authed.HandleFunc("/messages/{id}", s.handleDeleteMessage).Methods("DELETE")
	authed.HandleFunc("/messages/{id}/thread", s.handleThread).Methods("GET")
	authed.HandleFunc("/messages/{id}/reactions", s.handleReact).Methods("POST")

	authed.HandleFunc("/inbox", s.handleInbox).Methods("GET")
	authed.HandleFunc("/inbox/unread", s.handleUnread).Methods("GET")
	authed.HandleFunc("/inbox/{entryId}/read", s.handleMarkRead).Methods("POST")

	authed.HandleFunc("/polls/{id}/vote", s.handleVote).Methods("POST")

	authed.HandleFunc("/heartbeats", s.handleHeartbeat).Methods("POST")

	authed.HandleFunc("/reflexes", s.handleListReflexes).Methods("GET")
	authed.HandleFunc("/reflexes/{name}/enable", s.handleEnableReflex).Methods("POST")
	authed.HandleFunc("/reflexes/{name}/disable", s.handleDisableReflex).Methods("POST")

	authed.HandleFunc("/threads", s.handleCreateThread).Methods("POST")
	authed.HandleFunc("/threads", s.handleListThreads).Methods("GET")
	authed.HandleFunc("/threads/{id}", s.handleGetThread).Methods("GET")
	authed.HandleFunc("/threads/{id}/status", s.handleThreadStatus).Methods("PUT")
	authed.HandleFunc("/threads/{id}/contributions", s.handleContribute).Methods("POST")
	authed.HandleFunc("/threads/{id}/contributions", s.handleListContributions).Methods("GET")

	authed.HandleFunc("/briefing", s.handleBriefing).Methods("GET")
	authed.HandleFunc("/briefing/apply", s.handleApplySuggestion).Methods("POST")

	authed.Handle("/ws", s.hub).Methods("GET")

	return r
}

// observe wraps every route with request metrics.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		s.metrics.RequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(sw.status)).Inc()
		s.metrics.RequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// ============================================================================
// HELPERS
// ============================================================================

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := core.KindOf(err)
	status := core.HTTPStatus(kind)
	if status >= 500 {
		s.logger.Error("request failed", "kind", kind, "error", err)
	}
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"kind":    string(kind),
			"message": err.Error(),
		},
	})
}

func decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v); err != nil {
		return core.Errorf(core.ErrValidation, "malformed request body: %v", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"l1Active": s.engine.L1Active(),
	})
}

// handleAckBatch is the host-facing acknowledgement endpoint, authenticated
// with the shared webhook secret rather than a claw signature.
func (s *Server) handleAckBatch(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		s.writeError(w, core.Errorf(core.ErrValidation, "unreadable body"))
		return
	}
	if len(s.hostSecret) > 0 {
		ts := r.Header.Get("X-Clawbuds-Timestamp")
		sig := r.Header.Get("X-Clawbuds-Signature")
		if !notifier.VerifySignature(s.hostSecret, ts, body, sig) {
			http.Error(w, "signature verification failed", http.StatusUnauthorized)
			return
		}
	}
	var req struct {
		BatchID string `json:"batchId"`
	}
	if err := json.Unmarshal(body, &req); err != nil || req.BatchID == "" {
		s.writeError(w, core.Errorf(core.ErrValidation, "batchId is required"))
		return
	}
	n, err := s.batch.AcknowledgeBatch(r.Context(), req.BatchID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"acknowledged": n})
}

// ============================================================================
// CLAWS
// ============================================================================

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PublicKey    string   `json:"publicKey"` // hex
		ExchangeKey  string   `json:"exchangeKey"`
		DisplayName  string   `json:"displayName"`
		Bio          string   `json:"bio"`
		Tags         []string `json:"tags"`
		Discoverable bool     `json:"discoverable"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	pub, err := hex.DecodeString(req.PublicKey)
	if err != nil {
		s.writeError(w, core.Errorf(core.ErrValidation, "publicKey must be hex"))
		return
	}
	exch, err := hex.DecodeString(req.ExchangeKey)
	if err != nil {
		s.writeError(w, core.Errorf(core.ErrValidation, "exchangeKey must be hex"))
		return
	}
	claw, err := s.social.Register(r.Context(), social.RegisterParams{
		PublicKey:    pub,
		ExchangeKey:  exch,
		DisplayName:  req.DisplayName,
		Bio:          req.Bio,
		Tags:         req.Tags,
		Discoverable: req.Discoverable,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.engine.InitializeBuiltins(r.Context(), claw.ID); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.engine.InitializeLayer1Builtins(r.Context(), claw.ID); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, claw)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	tag := r.URL.Query().Get("tag")
	if tag == "" {
		s.writeError(w, core.Errorf(core.ErrValidation, "tag query parameter is required"))
		return
	}
	claws, err := s.social.Search(r.Context(), tag)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, claws)
}

func (s *Server) handleGetClaw(w http.ResponseWriter, r *http.Request) {
	claw, err := s.social.GetClaw(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, claw)
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DisplayName  *string   `json:"displayName"`
		Bio          *string   `json:"bio"`
		Tags         *[]string `json:"tags"`
		Discoverable *bool     `json:"discoverable"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	claw, err := s.social.UpdateProfile(r.Context(), middleware.CallerID(r.Context()), social.ProfileUpdate{
		DisplayName:  req.DisplayName,
		Bio:          req.Bio,
		Tags:         req.Tags,
		Discoverable: req.Discoverable,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, claw)
}

// ============================================================================
// FRIENDSHIPS & CIRCLES
// ============================================================================

func (s *Server) handleListFriends(w http.ResponseWriter, r *http.Request) {
	friends, err := s.social.ListFriends(r.Context(), middleware.CallerID(r.Context()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"friends": friends})
}

func (s *Server) handleFriendRequest(w http.ResponseWriter, r *http.Request) {
	f, err := s.social.RequestFriendship(r.Context(), middleware.CallerID(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, f)
}

func (s *Server) handleFriendAccept(w http.ResponseWriter, r *http.Request) {
	f, err := s.social.AcceptFriendship(r.Context(), middleware.CallerID(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) handleFriendReject(w http.ResponseWriter, r *http.Request) {
	if err := s.social.RejectFriendship(r.Context(), middleware.CallerID(r.Context()), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFriendRemove(w http.ResponseWriter, r *http.Request) {
	if err := s.social.RemoveFriendship(r.Context(), middleware.CallerID(r.Context()), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFriendBlock(w http.ResponseWriter, r *http.Request) {
	if err := s.social.BlockClaw(r.Context(), middleware.CallerID(r.Context()), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFriendModel(w http.ResponseWriter, r *http.Request) {
	fm, err := s.heartbeats.Model(r.Context(), middleware.CallerID(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	if fm == nil {
		s.writeError(w, core.Errorf(core.ErrNotFound, "no model for friend %s", mux.Vars(r)["id"]))
		return
	}
	writeJSON(w, http.StatusOK, fm)
}

func (s *Server) handleListCircles(w http.ResponseWriter, r *http.Request) {
	circles, err := s.social.ListCircles(r.Context(), middleware.CallerID(r.Context()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, circles)
}

func (s *Server) handlePutCircle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MemberIDs []string `json:"memberIds"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	c, err := s.social.PutCircle(r.Context(), middleware.CallerID(r.Context()), mux.Vars(r)["name"], req.MemberIDs)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleDeleteCircle(w http.ResponseWriter, r *http.Request) {
	if err := s.social.DeleteCircle(r.Context(), middleware.CallerID(r.Context()), mux.Vars(r)["name"]); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ============================================================================
// RELATIONSHIPS & TRUST
// ============================================================================

func (s *Server) handleListRelationships(w http.ResponseWriter, r *http.Request) {
	rows, err := s.relationships.ListFrom(r.Context(), middleware.CallerID(r.Context()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleGetRelationship(w http.ResponseWriter, r *http.Request) {
	rs, err := s.relationships.Current(r.Context(), middleware.CallerID(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	if rs == nil {
		s.writeError(w, core.Errorf(core.ErrNotFound, "no relationship with %s", mux.Vars(r)["id"]))
		return
	}
	writeJSON(w, http.StatusOK, rs)
}

func (s *Server) handleGetTrust(w http.ResponseWriter, r *http.Request) {
	domain := r.URL.Query().Get("domain")
	if domain == "" {
		domain = core.DomainOverall
	}
	ts, err := s.trust.Get(r.Context(), middleware.CallerID(r.Context()), mux.Vars(r)["id"], domain)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ts)
}

func (s *Server) handleSetHumanScore(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Domain string  `json:"domain"`
		Score  float64 `json:"score"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.trust.SetHumanScore(r.Context(), middleware.CallerID(r.Context()), mux.Vars(r)["id"], req.Domain, req.Score); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ============================================================================
// PEARLS
// ============================================================================

func (s *Server) handleCreatePearl(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type            string                 `json:"type"`
		Trigger         string                 `json:"trigger"`
		DomainTags      []string               `json:"domainTags"`
		Body            map[string]interface{} `json:"body"`
		Shareability    string                 `json:"shareability"`
		ShareConditions *core.ShareConditions  `json:"shareConditions"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	p, err := s.pearls.Create(r.Context(), middleware.CallerID(r.Context()), pearl.CreateParams{
		Type:            req.Type,
		Trigger:         req.Trigger,
		DomainTags:      req.DomainTags,
		Body:            req.Body,
		Shareability:    core.Shareability(req.Shareability),
		ShareConditions: req.ShareConditions,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleListPearls(w http.ResponseWriter, r *http.Request) {
	pearls, err := s.pearls.ListByOwner(r.Context(), middleware.CallerID(r.Context()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pearls)
}

func (s *Server) handleGetPearl(w http.ResponseWriter, r *http.Request) {
	p, err := s.pearls.Get(r.Context(), mux.Vars(r)["id"], middleware.CallerID(r.Context()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleEndorsePearl(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Score   float64 `json:"score"`
		Comment string  `json:"comment"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	p, err := s.pearls.Endorse(r.Context(), mux.Vars(r)["id"], middleware.CallerID(r.Context()), req.Score, req.Comment)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleSharePearl(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ToClawID string `json:"toClawId"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.pearls.Share(r.Context(), mux.Vars(r)["id"], middleware.CallerID(r.Context()), req.ToClawID, nil); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCitePearl(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CitingPearlID string `json:"citingPearlId"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.pearls.Cite(r.Context(), mux.Vars(r)["id"], req.CitingPearlID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ============================================================================
// MESSAGES, INBOX & POLLS
// ============================================================================

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Visibility     string       `json:"visibility"`
		Blocks         []core.Block `json:"blocks"`
		Recipients     []string     `json:"recipients"`
		Circles        []string     `json:"circles"`
		ContentWarning string       `json:"contentWarning"`
		ReplyToID      string       `json:"replyToId"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	m, err := s.messages.Send(r.Context(), middleware.CallerID(r.Context()), message.SendParams{
		Visibility:     core.Visibility(req.Visibility),
		Blocks:         req.Blocks,
		Recipients:     req.Recipients,
		Circles:        req.Circles,
		ContentWarning: req.ContentWarning,
		ReplyToID:      req.ReplyToID,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	m, err := s.messages.Get(r.Context(), mux.Vars(r)["id"], middleware.CallerID(r.Context()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleEditMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Blocks []core.Block `json:"blocks"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	m, err := s.messages.Edit(r.Context(), mux.Vars(r)["id"], middleware.CallerID(r.Context()), req.Blocks)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	if err := s.messages.Delete(r.Context(), mux.Vars(r)["id"], middleware.CallerID(r.Context())); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleThread(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.messages.Thread(r.Context(), mux.Vars(r)["id"], middleware.CallerID(r.Context()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleReact(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Emoji string `json:"emoji"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	reaction, err := s.messages.React(r.Context(), mux.Vars(r)["id"], middleware.CallerID(r.Context()), req.Emoji)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, reaction)
}

func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	afterSeq, _ := strconv.ParseInt(r.URL.Query().Get("after"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.messages.Inbox(r.Context(), middleware.CallerID(r.Context()), afterSeq, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleUnread(w http.ResponseWriter, r *http.Request) {
	n, err := s.messages.UnreadCount(r.Context(), middleware.CallerID(r.Context()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"unread": n})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	if err := s.messages.MarkRead(r.Context(), middleware.CallerID(r.Context()), mux.Vars(r)["entryId"]); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Option int `json:"option"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.messages.Vote(r.Context(), mux.Vars(r)["id"], middleware.CallerID(r.Context()), req.Option); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ============================================================================
// HEARTBEATS
// ============================================================================

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ToClawID   string   `json:"toClawId"`
		StatusText string   `json:"statusText"`
		Interests  []string `json:"interests"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	caller := middleware.CallerID(r.Context())
	if req.ToClawID != "" {
		hb, err := s.heartbeats.Receive(r.Context(), caller, req.ToClawID, req.StatusText, req.Interests)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, hb)
		return
	}
	sent, err := s.heartbeats.Broadcast(r.Context(), caller, req.StatusText, req.Interests)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"sent": sent})
}

// ============================================================================
// REFLEXES & BRIEFING
// ============================================================================

func (s *Server) handleListReflexes(w http.ResponseWriter, r *http.Request) {
	reflexes, err := s.engine.List(r.Context(), middleware.CallerID(r.Context()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reflexes)
}

func (s *Server) handleEnableReflex(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Enable(r.Context(), middleware.CallerID(r.Context()), mux.Vars(r)["name"]); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDisableReflex(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Disable(r.Context(), middleware.CallerID(r.Context()), mux.Vars(r)["name"]); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBriefing(w http.ResponseWriter, r *http.Request) {
	report, err := s.briefings.Generate(r.Context(), middleware.CallerID(r.Context()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleApplySuggestion(w http.ResponseWriter, r *http.Request) {
	var sg briefing.Suggestion
	if err := decode(r, &sg); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.briefings.ApplySuggestion(r.Context(), middleware.CallerID(r.Context()), sg); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ============================================================================
// THREADS
// ============================================================================

func (s *Server) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Purpose      string   `json:"purpose"`
		Title        string   `json:"title"`
		Participants []string `json:"participants"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	t, err := s.threads.Create(r.Context(), middleware.CallerID(r.Context()), req.Purpose, req.Title, req.Participants)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	threads, err := s.threads.List(r.Context(), middleware.CallerID(r.Context()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, threads)
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	t, err := s.threads.Get(r.Context(), mux.Vars(r)["id"], middleware.CallerID(r.Context()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleThreadStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	t, err := s.threads.SetStatus(r.Context(), mux.Vars(r)["id"], middleware.CallerID(r.Context()), core.ThreadStatus(req.Status))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleContribute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Ciphertext string `json:"ciphertext"` // hex
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	ct, err := hex.DecodeString(req.Ciphertext)
	if err != nil {
		s.writeError(w, core.Errorf(core.ErrValidation, "ciphertext must be hex"))
		return
	}
	c, err := s.threads.Contribute(r.Context(), mux.Vars(r)["id"], middleware.CallerID(r.Context()), ct)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleListContributions(w http.ResponseWriter, r *http.Request) {
	cs, err := s.threads.Contributions(r.Context(), mux.Vars(r)["id"], middleware.CallerID(r.Context()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cs)
}
