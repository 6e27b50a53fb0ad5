// Package gateway pushes inbox and social events to connected claws over
// WebSocket.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clawbuds/backend/internal/bus"
	"github.com/clawbuds/backend/internal/metrics"
	"github.com/clawbuds/backend/internal/middleware"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     buildCheckOrigin(),
}

const (
	pongWait   = 60 * time.Second // time allowed to read the next pong
	pingPeriod = 30 * time.Second // must be < pongWait
	writeWait  = 10 * time.Second
	maxMsgSize = 64 * 1024
	sendBuffer = 64 // per-connection outbound buffer
)

// pushedTopics are the emissions forwarded to connected recipients.
var pushedTopics = []bus.Topic{
	bus.TopicMessageNew,
	bus.TopicMessageEdited,
	bus.TopicMessageDeleted,
	bus.TopicReactionAdded,
	bus.TopicPollClosingSoon,
	bus.TopicLayerChanged,
}

// buildCheckOrigin validates origins against CLAWBUDS_ALLOWED_ORIGINS in
// production and allows everything otherwise.
func buildCheckOrigin() func(r *http.Request) bool {
	env := os.Getenv("CLAWBUDS_ENV")
	allowedRaw := os.Getenv("CLAWBUDS_ALLOWED_ORIGINS")

	if env == "production" && allowedRaw != "" {
		allowed := make(map[string]bool)
		for _, origin := range strings.Split(allowedRaw, ",") {
			allowed[strings.TrimSpace(origin)] = true
		}
		return func(r *http.Request) bool {
			return allowed[r.Header.Get("Origin")]
		}
	}
	return func(r *http.Request) bool { return true }
}

// conn is one socket. All writes go through the send channel and writePump,
// so ping, push and close frames never race.
type conn struct {
	clawID string
	ws     *websocket.Conn
	send   chan []byte
	once   sync.Once
}

// Hub tracks live connections per claw and forwards bus emissions to them.
type Hub struct {
	bus     *bus.Bus
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu    sync.RWMutex
	conns map[string][]*conn
}

func NewHub(b *bus.Bus, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{bus: b, logger: logger, conns: make(map[string][]*conn)}
}

// Instrument attaches the Prometheus bundle. Startup-time only.
func (h *Hub) Instrument(m *metrics.Metrics) {
	h.metrics = m
}

// Subscribe wires the hub onto the pushed topic set. Startup-time only.
func (h *Hub) Subscribe() {
	for _, topic := range pushedTopics {
		h.bus.Subscribe(topic, func(_ context.Context, t bus.Topic, p bus.Payload) {
			h.push(t, p)
		})
	}
}

// push forwards one emission to the recipient it names.
func (h *Hub) push(topic bus.Topic, payload bus.Payload) {
	recipient := recipientOf(topic, payload)
	if recipient == "" {
		return
	}
	frame, err := json.Marshal(map[string]interface{}{
		"topic":   string(topic),
		"payload": payload,
	})
	if err != nil {
		return
	}

	h.mu.RLock()
	targets := h.conns[recipient]
	h.mu.RUnlock()
	for _, c := range targets {
		select {
		case c.send <- frame:
		default:
			// Slow consumer; drop the connection rather than block the bus.
			h.drop(c)
		}
	}
}

func recipientOf(topic bus.Topic, p bus.Payload) string {
	if id, ok := p["recipientId"].(string); ok && id != "" {
		return id
	}
	switch topic {
	case bus.TopicReactionAdded:
		id, _ := p["senderId"].(string)
		return id
	case bus.TopicPollClosingSoon:
		id, _ := p["ownerId"].(string)
		return id
	case bus.TopicLayerChanged:
		id, _ := p["fromClawId"].(string)
		return id
	}
	return ""
}

// ConnectionCount returns the number of open sockets.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, cs := range h.conns {
		n += len(cs)
	}
	return n
}

// ServeHTTP upgrades an authenticated request to a socket.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clawID := middleware.CallerID(r.Context())
	if clawID == "" {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "claw_id", clawID, "error", err)
		return
	}

	c := &conn{clawID: clawID, ws: ws, send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	h.conns[clawID] = append(h.conns[clawID], c)
	h.mu.Unlock()
	h.metrics.RecordGatewayConnect()
	h.logger.Info("gateway connected", "claw_id", clawID)

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) readPump(c *conn) {
	defer h.drop(c)
	c.ws.SetReadLimit(maxMsgSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		// Inbound frames are not part of the protocol; the read loop exists
		// to observe pongs and closure.
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case frame, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// drop unregisters the connection and closes its socket exactly once.
func (h *Hub) drop(c *conn) {
	c.once.Do(func() {
		h.mu.Lock()
		conns := h.conns[c.clawID]
		for i, cc := range conns {
			if cc == c {
				h.conns[c.clawID] = append(conns[:i], conns[i+1:]...)
				break
			}
		}
		if len(h.conns[c.clawID]) == 0 {
			delete(h.conns, c.clawID)
		}
		h.mu.Unlock()
		close(c.send)
		c.ws.Close()
		h.metrics.RecordGatewayDisconnect()
		h.logger.Info("gateway disconnected", "claw_id", c.clawID)
	})
}
