// Package notifier delivers Layer-1 batches and briefings to the external
// cognitive host.
package notifier

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// Notification types the host understands.
const (
	TypeReflexBatch     = "REFLEX_BATCH"
	TypeGroomRequest    = "GROOM_REQUEST"
	TypeBriefingRequest = "BRIEFING_REQUEST"
	TypeLLMRequest      = "LLM_REQUEST"
)

// Notification is the envelope pushed to the host agent.
type Notification struct {
	BatchID string        `json:"batchId,omitempty"`
	Type    string        `json:"type"`
	Message string        `json:"message"`
	Items   []interface{} `json:"items,omitempty"`
}

// Notifier is the host-delivery surface. Implementations must be safe for
// concurrent use; delivery is fire-and-forget from the caller's perspective.
type Notifier interface {
	// TriggerAgent pushes a structured notification to the cognitive host.
	TriggerAgent(ctx context.Context, n Notification) error
	// Notify sends a plain wake message.
	Notify(ctx context.Context, message string) error
	// IsAvailable reports whether a host endpoint is configured.
	IsAvailable() bool
}

// Noop discards every notification. Used when no host is configured.
type Noop struct{}

func (Noop) TriggerAgent(context.Context, Notification) error { return nil }
func (Noop) Notify(context.Context, string) error             { return nil }
func (Noop) IsAvailable() bool                                { return false }

// Webhook posts notifications to an HTTP endpoint, signing each body with
// HMAC-SHA256 over timestamp + "." + body.
type Webhook struct {
	url    string
	secret []byte
	client *http.Client
	logger *slog.Logger
}

func NewWebhook(url, secret string, logger *slog.Logger) *Webhook {
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhook{
		url:    url,
		secret: []byte(secret),
		client: &http.Client{Timeout: 5 * time.Second},
		logger: logger,
	}
}

func (w *Webhook) IsAvailable() bool { return w.url != "" }

func (w *Webhook) TriggerAgent(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return w.post(ctx, body)
}

func (w *Webhook) Notify(ctx context.Context, message string) error {
	body, err := json.Marshal(map[string]string{"type": "WAKE", "message": message})
	if err != nil {
		return err
	}
	return w.post(ctx, body)
}

func (w *Webhook) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if len(w.secret) > 0 {
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		req.Header.Set("X-Clawbuds-Timestamp", ts)
		req.Header.Set("X-Clawbuds-Signature", Sign(w.secret, ts, body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Sign computes the HMAC-SHA256 hex signature over timestamp + "." + body.
func Sign(secret []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks an inbound signature against Sign's construction in
// constant time.
func VerifySignature(secret []byte, timestamp string, body []byte, signature string) bool {
	expected := Sign(secret, timestamp, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
