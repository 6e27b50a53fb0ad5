// Package middleware carries the HTTP cross-cutting layers: the Ed25519
// authentication envelope and the per-claw rate limiter.
package middleware

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/clawbuds/backend/internal/clock"
	"github.com/clawbuds/backend/internal/core"
	"github.com/clawbuds/backend/internal/repo"
)

const (
	HeaderClawID    = "X-Claw-Id"
	HeaderTimestamp = "X-Claw-Timestamp"
	HeaderSignature = "X-Claw-Signature"

	// maxSkew bounds how far a request timestamp may drift from server time.
	maxSkew = 5 * time.Minute

	// maxBody caps how much request body the verifier will hash.
	maxBody = 1 << 20
)

type ctxKey int

const callerKey ctxKey = iota

// CallerID returns the authenticated claw id, or "" on unauthenticated
// requests.
func CallerID(ctx context.Context) string {
	id, _ := ctx.Value(callerKey).(string)
	return id
}

// SigningString builds the canonical string a client signs:
// METHOD|PATH|TIMESTAMP|sha256(body).
func SigningString(method, path, timestamp string, body []byte) []byte {
	sum := sha256.Sum256(body)
	s := strings.Join([]string{method, path, timestamp, hex.EncodeToString(sum[:])}, "|")
	return []byte(s)
}

// Authenticator verifies the signature envelope on mutating calls.
type Authenticator struct {
	store repo.Store
	clock clock.Clock
}

func NewAuthenticator(store repo.Store, clk clock.Clock) *Authenticator {
	return &Authenticator{store: store, clock: clk}
}

// Wrap enforces the envelope and stores the caller id in the request context.
func (a *Authenticator) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clawID := r.Header.Get(HeaderClawID)
		timestamp := r.Header.Get(HeaderTimestamp)
		signature := r.Header.Get(HeaderSignature)
		if clawID == "" || timestamp == "" || signature == "" {
			http.Error(w, "missing authentication headers", http.StatusUnauthorized)
			return
		}

		ms, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil {
			http.Error(w, "malformed timestamp", http.StatusUnauthorized)
			return
		}
		skew := a.clock.Now().Sub(time.UnixMilli(ms))
		if skew > maxSkew || skew < -maxSkew {
			http.Error(w, "timestamp outside allowed window", http.StatusUnauthorized)
			return
		}

		claw, err := a.store.Claws().FindByID(r.Context(), clawID)
		if err != nil || claw == nil || claw.Status != core.ClawActive {
			http.Error(w, "unknown claw", http.StatusUnauthorized)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
		if err != nil {
			http.Error(w, "unreadable body", http.StatusBadRequest)
			return
		}
		r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(body))

		sig, err := hex.DecodeString(signature)
		if err != nil || len(sig) != ed25519.SignatureSize {
			http.Error(w, "malformed signature", http.StatusUnauthorized)
			return
		}
		msg := SigningString(r.Method, r.URL.Path, timestamp, body)
		if !ed25519.Verify(ed25519.PublicKey(claw.PublicKey), msg, sig) {
			http.Error(w, "signature verification failed", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), callerKey, clawID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Sign produces the envelope headers for a request. Used by clients and
// tests.
func Sign(priv ed25519.PrivateKey, clawID, method, path string, body []byte, at time.Time) (timestamp, signature string) {
	timestamp = strconv.FormatInt(at.UnixMilli(), 10)
	sig := ed25519.Sign(priv, SigningString(method, path, timestamp, body))
	return timestamp, hex.EncodeToString(sig)
}
