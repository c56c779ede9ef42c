package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentgate/agentgate/internal/events"
	"github.com/agentgate/agentgate/internal/storage"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024 // 512KB
)

// WebSocket error codes sent in error frames.
const (
	wsErrInvalidMessage = "INVALID_MESSAGE"
	wsErrParseError     = "PARSE_ERROR"
	wsErrNotFound       = "NOT_FOUND"
	wsErrInternal       = "INTERNAL_ERROR"
)

// WSMessage is the client-to-server frame.
type WSMessage struct {
	Type        string `json:"type"` // subscribe, unsubscribe, ping
	WorkOrderID string `json:"workOrderId,omitempty"`
}

// WSHandler manages WebSocket connections. Server-to-client frames are
// StreamEvent envelopes, so the stream and the control acknowledgements
// share one schema.
type WSHandler struct {
	upgrader    websocket.Upgrader
	hub         *events.Hub
	store       *storage.Store
	catchUp     int
	connections map[*websocket.Conn]*wsConnection
	mu          sync.RWMutex
	logger      *slog.Logger
}

// wsConnection tracks a single WebSocket connection and its
// subscriptions.
type wsConnection struct {
	conn *websocket.Conn
	mu   sync.Mutex // protects subs
	subs map[string]<-chan events.StreamEvent
	send chan []byte
	done chan struct{}
}

// NewWSHandler creates a WebSocket handler. catchUp is the number of
// buffered events replayed on subscribe.
func NewWSHandler(hub *events.Hub, store *storage.Store, catchUp int, logger *slog.Logger) *WSHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		hub:         hub,
		store:       store,
		catchUp:     catchUp,
		connections: make(map[*websocket.Conn]*wsConnection),
		logger:      logger,
	}
}

// ServeHTTP handles WebSocket upgrade requests.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &wsConnection{
		conn: conn,
		subs: make(map[string]<-chan events.StreamEvent),
		send: make(chan []byte, 256),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	h.connections[conn] = c
	h.mu.Unlock()

	go h.readPump(c)
	go h.writePump(c)
}

// readPump reads messages from the WebSocket connection.
func (h *WSHandler) readPump(c *wsConnection) {
	defer h.closeConnection(c)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Error("websocket read error", "error", err)
			}
			return
		}
		h.handleMessage(c, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (h *WSHandler) writePump(c *wsConnection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			// Drain queued messages as separate frames.
			n := len(c.send)
			for i := 0; i < n; i++ {
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.conn.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage processes one incoming frame.
func (h *WSHandler) handleMessage(c *wsConnection, data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		h.sendError(c, wsErrParseError, "frame is not valid JSON")
		return
	}

	switch msg.Type {
	case "subscribe":
		h.handleSubscribe(c, msg.WorkOrderID)
	case "unsubscribe":
		h.handleUnsubscribe(c, msg.WorkOrderID)
	case "ping":
		h.sendEvent(c, events.New(events.TypePong, ""))
	default:
		h.sendError(c, wsErrInvalidMessage, "unknown message type: "+msg.Type)
	}
}

// handleSubscribe subscribes the connection to a work order's events
// and replays the catch-up buffer. Use workOrderId "*" to receive
// everything.
func (h *WSHandler) handleSubscribe(c *wsConnection, id string) {
	if id == "" {
		h.sendError(c, wsErrInvalidMessage, `workOrderId required for subscribe (use "*" for all)`)
		return
	}
	if id != events.GlobalID && !h.store.Exists(id) {
		h.sendError(c, wsErrNotFound, "work order "+id+" not found")
		return
	}

	c.mu.Lock()
	if _, ok := c.subs[id]; ok {
		c.mu.Unlock()
		h.sendEvent(c, events.New(events.TypeSubscriptionConfirmed, id))
		return
	}
	ch := h.hub.Subscribe(id)
	c.subs[id] = ch
	c.mu.Unlock()

	h.sendEvent(c, events.New(events.TypeSubscriptionConfirmed, id))

	// Replay buffered events before live delivery; events arriving in
	// the meantime wait in the subscription channel, so clients see a
	// gap-free (if occasionally duplicated) sequence.
	if id != events.GlobalID {
		for _, ev := range h.hub.CatchUp(id, h.catchUp) {
			h.sendEvent(c, ev)
		}
	}

	go h.forwardEvents(c, id, ch)
	h.logger.Debug("websocket subscribed", "workOrderId", id)
}

// handleUnsubscribe removes one subscription.
func (h *WSHandler) handleUnsubscribe(c *wsConnection, id string) {
	if id == "" {
		h.sendError(c, wsErrInvalidMessage, "workOrderId required for unsubscribe")
		return
	}

	c.mu.Lock()
	ch, ok := c.subs[id]
	if ok {
		delete(c.subs, id)
	}
	c.mu.Unlock()

	if !ok {
		h.sendError(c, wsErrNotFound, "not subscribed to "+id)
		return
	}

	h.hub.Unsubscribe(id, ch)
	h.sendEvent(c, events.New(events.TypeUnsubscriptionConfirmed, id))
}

// forwardEvents forwards one subscription's events to the peer until
// the subscription or the connection ends.
func (h *WSHandler) forwardEvents(c *wsConnection, id string, ch <-chan events.StreamEvent) {
	for {
		select {
		case <-c.done:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			c.mu.Lock()
			_, live := c.subs[id]
			c.mu.Unlock()
			if !live {
				return
			}
			h.sendEvent(c, ev)
		}
	}
}

// closeConnection cleans up a WebSocket connection.
func (h *WSHandler) closeConnection(c *wsConnection) {
	h.mu.Lock()
	if _, exists := h.connections[c.conn]; !exists {
		h.mu.Unlock()
		return
	}
	delete(h.connections, c.conn)
	h.mu.Unlock()

	c.mu.Lock()
	for id, ch := range c.subs {
		h.hub.Unsubscribe(id, ch)
		delete(c.subs, id)
	}
	c.mu.Unlock()

	select {
	case <-c.done:
	default:
		close(c.done)
	}
	_ = c.conn.Close()
}

// sendEvent queues a stream event for delivery.
func (h *WSHandler) sendEvent(c *wsConnection, ev events.StreamEvent) {
	msg, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("failed to marshal event", "error", err)
		return
	}

	// Slow clients lose frames rather than stall the hub.
	select {
	case c.send <- msg:
	default:
		h.logger.Warn("websocket send buffer full, dropping frame",
			"workOrderId", ev.WorkOrderID, "type", ev.Type)
	}
}

// sendError sends an error frame.
func (h *WSHandler) sendError(c *wsConnection, code, message string) {
	ev := events.New(events.TypeError, "")
	ev.Data = map[string]any{"code": code, "message": message}
	h.sendEvent(c, ev)
}

// ConnectionCount returns the number of active connections.
func (h *WSHandler) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// Close closes all connections.
func (h *WSHandler) Close() {
	h.mu.Lock()
	conns := make([]*wsConnection, 0, len(h.connections))
	for _, c := range h.connections {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		h.closeConnection(c)
	}
}
