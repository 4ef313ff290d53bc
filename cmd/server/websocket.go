// WebSocket transport for the collaboration service.
package main

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/propsync/backend/internal/auth"
	apperrors "github.com/propsync/backend/internal/errors"
	"github.com/propsync/backend/internal/logging"
	"github.com/propsync/backend/internal/realtime"
	"github.com/propsync/backend/internal/service"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsConn adapts *websocket.Conn to the registry's Conn interface.
// Writes are serialized; gorilla connections allow one concurrent writer.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// handleWebSocket upgrades the request, authenticates the token and runs
// the read loop for client messages.
func handleWebSocket(svc *service.CollabService, decoder *auth.Decoder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Warn("WebSocket upgrade failed", map[string]interface{}{"error": err.Error()})
			return
		}

		token := r.URL.Query().Get("token")
		ident, err := decoder.Decode(token)
		if err != nil {
			// Refused with an explicit reason code, nothing retried.
			writeEnvelope(conn, realtime.NewEnvelope(realtime.EventError, map[string]interface{}{
				"code":   string(apperrors.CodeOf(err)),
				"reason": "authentication failed",
			}))
			conn.Close()
			return
		}

		registry := svc.Registry()
		wc := &wsConn{conn: conn}
		registry.Connect(ident, wc)

		go pingLoop(wc)
		readLoop(svc, registry, conn, ident)
	}
}

// readLoop dispatches client messages until the connection drops.
func readLoop(svc *service.CollabService, registry *realtime.Registry, conn *websocket.Conn, ident auth.Identity) {
	defer registry.Disconnect(ident.UserID)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Debug("WebSocket read error",
					map[string]interface{}{"user_id": ident.UserID, "error": err.Error()})
			}
			return
		}

		var env realtime.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			registry.SendToUser(ident.UserID, realtime.EventError, map[string]interface{}{
				"code":   string(apperrors.ErrInvalid),
				"reason": "malformed envelope",
			})
			continue
		}

		switch env.Type {
		case realtime.MsgHeartbeat:
			registry.Heartbeat(ident.UserID)

		case realtime.MsgSubscribe:
			roomID, _ := env.Data["room_id"].(string)
			if err := registry.Subscribe(ident.UserID, roomID); err != nil {
				// Permission denial keeps the connection open.
				registry.SendToUser(ident.UserID, realtime.EventError, map[string]interface{}{
					"code":    string(apperrors.CodeOf(err)),
					"room_id": roomID,
				})
			}

		case realtime.MsgUnsubscribe:
			roomID, _ := env.Data["room_id"].(string)
			registry.Unsubscribe(ident.UserID, roomID)

		case realtime.MsgGetStats:
			if !ident.GlobalScope() {
				registry.SendToUser(ident.UserID, realtime.EventError, map[string]interface{}{
					"code": string(apperrors.ErrPermission),
				})
				continue
			}
			registry.SendToUser(ident.UserID, "stats", svc.GetMetrics())

		default:
			registry.SendToUser(ident.UserID, realtime.EventError, map[string]interface{}{
				"code":   string(apperrors.ErrInvalid),
				"reason": "unknown message type: " + env.Type,
			})
		}
	}
}

// pingLoop keeps the connection alive at the protocol level.
func pingLoop(c *wsConn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for range ticker.C {
		if err := c.Ping(); err != nil {
			return
		}
	}
}

func writeEnvelope(conn *websocket.Conn, env realtime.Envelope) {
	payload, err := env.Marshal()
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.TextMessage, payload)
}
