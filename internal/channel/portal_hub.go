package channel

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/capitalize-ai/handover-engine/pkg/logger"
	"github.com/capitalize-ai/handover-engine/pkg/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

type portalMessage struct {
	clientID string
	data     []byte
}

// PortalConn is one connected agent UI.
type PortalConn struct {
	hub      *PortalHub
	conn     *websocket.Conn
	send     chan []byte
	ClientID string
	UserID   string
}

// PortalHub fans portal notifications out to the websocket connections of
// each client's agents.
type PortalHub struct {
	clients    map[string]map[*PortalConn]bool
	broadcast  chan portalMessage
	register   chan *PortalConn
	unregister chan *PortalConn
	logger     *logger.Logger
}

// NewPortalHub creates a hub. Call Run to start it.
func NewPortalHub(log *logger.Logger) *PortalHub {
	return &PortalHub{
		clients:    make(map[string]map[*PortalConn]bool),
		broadcast:  make(chan portalMessage, 256),
		register:   make(chan *PortalConn),
		unregister: make(chan *PortalConn),
		logger:     log.Component("portal.hub"),
	}
}

// Run processes registrations and broadcasts until ctx is done.
func (h *PortalHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for _, conns := range h.clients {
				for c := range conns {
					close(c.send)
				}
			}
			h.clients = make(map[string]map[*PortalConn]bool)
			return

		case c := <-h.register:
			if h.clients[c.ClientID] == nil {
				h.clients[c.ClientID] = make(map[*PortalConn]bool)
			}
			h.clients[c.ClientID][c] = true
			metrics.IncrementPortalConnections()
			h.logger.Info("portal agent connected",
				zap.String("client_id", c.ClientID),
				zap.Int("connections", len(h.clients[c.ClientID])),
			)

		case c := <-h.unregister:
			h.remove(c)

		case msg := <-h.broadcast:
			for c := range h.clients[msg.clientID] {
				select {
				case c.send <- msg.data:
				default:
					h.remove(c)
				}
			}
		}
	}
}

func (h *PortalHub) remove(c *PortalConn) {
	conns, ok := h.clients[c.ClientID]
	if !ok || !conns[c] {
		return
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(h.clients, c.ClientID)
	}
	close(c.send)
	metrics.DecrementPortalConnections()
}

// Broadcast queues v for every connection of a client. It never blocks; when
// the hub is saturated the push is dropped and the notification stays queued
// in the portal adapter.
func (h *PortalHub) Broadcast(clientID string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("failed to marshal portal notification", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- portalMessage{clientID: clientID, data: data}:
	default:
		h.logger.Warn("portal hub saturated, dropping live push", zap.String("client_id", clientID))
	}
}

// Attach registers a websocket connection for a client and starts its pumps.
// It returns after the connection closes.
func (h *PortalHub) Attach(ctx context.Context, conn *websocket.Conn, clientID, userID string) {
	c := &PortalConn{
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, 64),
		ClientID: clientID,
		UserID:   userID,
	}
	select {
	case h.register <- c:
	case <-ctx.Done():
		conn.Close()
		return
	}
	go c.writePump()
	c.readPump(ctx)
}

// readPump drains control frames; agents reply through the HTTP API.
func (c *PortalConn) readPump(ctx context.Context) {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-ctx.Done():
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("portal websocket closed unexpectedly",
					zap.String("client_id", c.ClientID),
					zap.Error(err),
				)
			}
			return
		}
	}
}

func (c *PortalConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
