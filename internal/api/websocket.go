package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/netsound/connman-session/internal/session"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Send pings to peer with this period.
	pingPeriod = 30 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 512
)

// WSHandler streams session events over WebSocket connections.
type WSHandler struct {
	ctrl *session.Controller

	connsMu sync.Mutex
	conns   map[*wsConnection]struct{}
}

// NewWSHandler creates a WebSocket handler over the controller.
func NewWSHandler(ctrl *session.Controller) *WSHandler {
	return &WSHandler{
		ctrl:  ctrl,
		conns: make(map[*wsConnection]struct{}),
	}
}

// wsConnection is a single WebSocket client.
type wsConnection struct {
	handler *WSHandler
	conn    *websocket.Conn
	send    chan []byte
	ctx     context.Context
	cancel  context.CancelFunc
	subID   uuid.UUID
	once    sync.Once
}

// HandleWS handles WebSocket upgrade requests for /api/v1/events.
func (h *WSHandler) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("WebSocket accept failed", "error", err)
		return
	}
	conn.SetReadLimit(maxMessageSize)

	// Background context: the connection lives beyond the HTTP request.
	ctx, cancel := context.WithCancel(context.Background())
	wsc := &wsConnection{
		handler: h,
		conn:    conn,
		send:    make(chan []byte, 256),
		ctx:     ctx,
		cancel:  cancel,
	}

	h.connsMu.Lock()
	h.conns[wsc] = struct{}{}
	h.connsMu.Unlock()

	wsc.subID = h.ctrl.Subscribe(wsc)

	if err := wsc.sendSnapshot(); err != nil {
		slog.Error("failed to send snapshot", "error", err)
		wsc.close()
		return
	}

	go wsc.writePump()
	go wsc.readPump()
}

// CloseAll drops every connected client; used during shutdown.
func (h *WSHandler) CloseAll() {
	h.connsMu.Lock()
	conns := make([]*wsConnection, 0, len(h.conns))
	for wsc := range h.conns {
		conns = append(conns, wsc)
	}
	h.connsMu.Unlock()
	for _, wsc := range conns {
		wsc.close()
	}
}

// OnEvent implements session.Observer.
func (wsc *wsConnection) OnEvent(event session.Event) {
	msg := WSMessage{Type: "event", Event: &event}
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("failed to marshal WebSocket message", "error", err)
		return
	}

	// Non-blocking send — drop the message if the client is slow.
	select {
	case wsc.send <- data:
	default:
		slog.Warn("WebSocket send buffer full, dropping message")
	}
}

// sendSnapshot sends the current session and connection state to the client.
func (wsc *wsConnection) sendSnapshot() error {
	h := wsc.handler

	msg := WSMessage{
		Type:        "snapshot",
		Session:     h.ctrl.SessionState().String(),
		Connections: []session.ConnectionInfo{},
	}
	if state, err := h.ctrl.ConnectionState(); err == nil {
		msg.State = state
	}
	if conns, err := h.ctrl.Connections(); err == nil && conns != nil {
		msg.Connections = conns
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(wsc.ctx, writeWait)
	defer cancel()
	return wsc.conn.Write(ctx, websocket.MessageText, data)
}

// writePump pumps messages from the send channel to the connection.
func (wsc *wsConnection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		wsc.close()
	}()

	for {
		select {
		case <-wsc.ctx.Done():
			return

		case message, ok := <-wsc.send:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(wsc.ctx, writeWait)
			err := wsc.conn.Write(ctx, websocket.MessageText, message)
			cancel()
			if err != nil {
				slog.Debug("WebSocket write failed", "error", err)
				return
			}

		case <-ticker.C:
			ctx, cancel := context.WithTimeout(wsc.ctx, writeWait)
			err := wsc.conn.Ping(ctx)
			cancel()
			if err != nil {
				slog.Debug("WebSocket ping failed", "error", err)
				return
			}
		}
	}
}

// readPump reads from the connection purely for close detection; clients
// are not expected to send anything.
func (wsc *wsConnection) readPump() {
	defer wsc.close()
	for {
		if _, _, err := wsc.conn.Read(wsc.ctx); err != nil {
			return
		}
	}
}

func (wsc *wsConnection) close() {
	wsc.once.Do(func() {
		wsc.cancel()
		wsc.handler.ctrl.Unsubscribe(wsc.subID)

		wsc.handler.connsMu.Lock()
		delete(wsc.handler.conns, wsc)
		wsc.handler.connsMu.Unlock()

		wsc.conn.Close(websocket.StatusNormalClosure, "") //nolint:errcheck
	})
}
