// Package wsrelay is the Connection Handler: the per-accepted-socket
// entrypoint that validates a room, assigns identity, wires transport
// events into the Room Registry, and runs the disconnect path, per
// spec.md §4.6.
package wsrelay

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/codecollab/relay/internal/classify"
	"github.com/codecollab/relay/internal/metrics"
	"github.com/codecollab/relay/internal/quota"
	"github.com/codecollab/relay/internal/room"
)

// Tuning constants grounded on the teacher's websocket handler, scaled
// down since this relay carries CRDT update frames rather than
// encrypted media payloads.
const (
	MaxMessageSize = 1 * 1024 * 1024
	ReadTimeout    = 90 * time.Second
	WriteTimeout   = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16 * 1024,
	WriteBufferSize: 16 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// fileTreeMessage is the typed-broadcast envelope FileTree rooms look
// for per spec.md §4.6 step 8.
type fileTreeMessage struct {
	Type string `json:"type"`
}

// Handler upgrades incoming HTTP requests to WebSocket connections and
// drives them through admission, fan-out, and teardown.
type Handler struct {
	rooms    *room.Registry
	quota    *quota.Table
	throttle *quota.ConnectThrottle
	log      *zap.Logger

	maxClientsPerRoom int
}

// NewHandler builds a Connection Handler. maxClientsPerRoom is the
// per-room capacity spec.md §4.6 step 5 enforces (default 50).
func NewHandler(rooms *room.Registry, quotaTable *quota.Table, throttle *quota.ConnectThrottle, maxClientsPerRoom int, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	if maxClientsPerRoom <= 0 {
		maxClientsPerRoom = 50
	}
	return &Handler{
		rooms:             rooms,
		quota:             quotaTable,
		throttle:          throttle,
		log:               log,
		maxClientsPerRoom: maxClientsPerRoom,
	}
}

// ServeHTTP implements the Connection Handler's full admission
// sequence. A connect attempt refused by the throttle is answered with
// HTTP 429 before any upgrade; after the upgrade, any failure closes
// the socket with the indicated code and halts processing.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	peerIP := clientIP(r)
	if h.throttle != nil && !h.throttle.Allow(peerIP) {
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	roomID := roomIDFromPath(r.URL.Path)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("upgrade failed", zap.Error(err))
		return
	}

	if roomID == "default" {
		closeAndDiscard(conn, 1000, "test connection")
		return
	}

	kind, _ := classify.Classify(roomID)
	if kind == classify.Unsupported {
		h.log.Warn("unauthorized room access attempt", zap.String("room_id", roomID))
		closeAndDiscard(conn, 1008, "Unauthorized room access")
		return
	}

	if !h.quota.Admit(peerIP, roomID) {
		metrics.Global.IncQuotaRejection()
		h.log.Warn("quota refused connection", zap.String("room_id", roomID), zap.String("peer_ip", peerIP))
		closeAndDiscard(conn, 1008, "Too many connections per IP per room")
		return
	}

	if h.rooms.ActiveClientCount(roomID) >= h.maxClientsPerRoom {
		h.quota.Release(peerIP, roomID)
		metrics.Global.IncCapacityRejection()
		h.log.Warn("room capacity exceeded", zap.String("room_id", roomID))
		closeAndDiscard(conn, 1008, "Room capacity exceeded")
		return
	}

	conn.SetReadLimit(MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(ReadTimeout))

	c := room.NewConnection(newClientID(), roomID, peerIP, conn, time.Now())
	conn.SetPongHandler(func(string) error {
		c.SetAlive(true)
		c.TouchActivity(time.Now())
		conn.SetReadDeadline(time.Now().Add(ReadTimeout))
		return nil
	})

	h.rooms.AddClient(roomID, c)
	metrics.Global.IncConnections()
	defer h.disconnect(c, peerIP)

	h.readLoop(conn, c, roomID, kind)
}

func (h *Handler) disconnect(c *room.Connection, peerIP string) {
	if r := recover(); r != nil {
		h.log.Error("panic in connection handler, synthesizing 1011 close", zap.Any("recovered", r))
		c.Close(1011, "internal error")
	}
	h.rooms.RemoveClient(c.RoomID, c)
	h.quota.Release(peerIP, c.RoomID)
}

func (h *Handler) readLoop(conn *websocket.Conn, c *room.Connection, roomID string, kind classify.Kind) {
	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.BinaryMessage && messageType != websocket.TextMessage {
			continue
		}

		c.TouchActivity(time.Now())
		c.SetAlive(true)
		metrics.Global.IncMessages()

		if kind == classify.FileTree && isTypedFileTreeMessage(payload) {
			metrics.Global.IncFileTreeTypedMessage()
		}
		h.rooms.Broadcast(roomID, payload, c)
	}
}

// isTypedFileTreeMessage reports whether payload decodes as JSON with
// field type=="fileTree". Any decode failure falls through to generic
// broadcast per spec.md §4.6 step 8 — the result does not change how the
// payload is relayed, only whether the FileTree typed-message counter
// is incremented.
func isTypedFileTreeMessage(payload []byte) bool {
	var msg fileTreeMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return false
	}
	return msg.Type == "fileTree"
}

func closeAndDiscard(conn *websocket.Conn, code int, reason string) {
	conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	conn.Close()
}

// roomIDFromPath strips the leading "/" from the request path. An
// empty result maps to "default" per spec.md §4.6 step 1.
func roomIDFromPath(path string) string {
	roomID := strings.TrimPrefix(path, "/")
	if roomID == "" {
		return "default"
	}
	return roomID
}

// clientIP extracts the caller's address, preferring proxy headers
// over the raw socket address, matching the teacher's getClientIP.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}

// newClientID builds a client-id of the shape client_<millis>_<random>
// per spec.md §3. The random suffix is a uuid fragment rather than the
// teacher's biased nanosecond-polling loop.
func newClientID() string {
	return fmt.Sprintf("client_%d_%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}
