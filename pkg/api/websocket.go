package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/ethpandaops/pagesmith/pkg/store"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512
)

// createUpgrader creates a WebSocket upgrader with origin validation.
func createUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 1 && allowedOrigins[0] == "*"

	originSet := make(map[string]bool, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		originSet[origin] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")

			// Same-origin and non-browser clients send no Origin header.
			if origin == "" {
				return true
			}

			return allowAll || originSet[origin]
		},
	}
}

// MessageType represents the type of WebSocket message.
type MessageType string

const (
	// Server -> Client messages.
	MessageTypeJobRun       MessageType = "job_run"
	MessageTypeSystemStatus MessageType = "system_status"
	MessageTypeSubscribed   MessageType = "subscribed"
	MessageTypeUnsubscribed MessageType = "unsubscribed"

	// Client -> Server messages.
	MessageTypeSubscribe   MessageType = "subscribe"
	MessageTypeUnsubscribe MessageType = "unsubscribe"
	MessageTypePing        MessageType = "ping"
)

// Message represents a WebSocket message.
type Message struct {
	Type       MessageType `json:"type"`
	Repository string      `json:"repository,omitempty"`
	Payload    any         `json:"payload,omitempty"`
}

// Hub maintains the set of active clients and fans job run events out to
// them. A client without a repository subscription receives every event.
type Hub struct {
	log logrus.FieldLogger

	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan *Message

	mu sync.RWMutex
}

// NewHub creates a new WebSocket hub.
func NewHub(log logrus.FieldLogger) *Hub {
	return &Hub{
		log:        log.WithField("component", "websocket"),
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *Message, 256),
	}
}

// Run starts the hub's main loop.
func (h *Hub) Run(ctx context.Context) {
	h.log.Info("Starting WebSocket hub")

	for {
		select {
		case <-ctx.Done():
			h.log.Info("Stopping WebSocket hub")

			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

			h.log.WithField("client", client.id).Debug("Client registered")

		case client := <-h.unregister:
			h.remove(client)

			h.log.WithField("client", client.id).Debug("Client unregistered")

		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
}

func (h *Hub) deliver(msg *Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		if !client.wants(msg.Repository) {
			continue
		}

		select {
		case client.send <- msg:
		default:
			// Slow consumer.
			close(client.send)
			delete(h.clients, client)
		}
	}
}

// Broadcast queues a message for delivery.
func (h *Hub) Broadcast(msg *Message) {
	select {
	case h.broadcast <- msg:
	default:
		h.log.Warn("Broadcast channel full, dropping message")
	}
}

// BroadcastJobRun broadcasts a job run state change.
func (h *Hub) BroadcastJobRun(run *store.JobRun) {
	snapshot := *run

	h.Broadcast(&Message{
		Type:       MessageTypeJobRun,
		Repository: run.FullName,
		Payload:    &snapshot,
	})
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients)
}

// Client represents a WebSocket client connection.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan *Message

	mu         sync.RWMutex
	repository string
}

// NewClient creates a new WebSocket client.
func NewClient(hub *Hub, conn *websocket.Conn, id string) *Client {
	return &Client{
		id:   id,
		hub:  hub,
		conn: conn,
		send: make(chan *Message, 256),
	}
}

func (c *Client) wants(repository string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.repository == "" || c.repository == repository
}

func (c *Client) subscribe(repository string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.repository = repository
}

// reply queues a direct response without blocking the read loop.
func (c *Client) reply(msg *Message) {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()

	if !c.hub.clients[c] {
		return
	}

	select {
	case c.send <- msg:
	default:
	}
}

// ReadPump pumps messages from the websocket connection to the hub.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)

	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.WithError(err).Warn("WebSocket read error")
			}

			break
		}

		var msg Message
		if err := json.Unmarshal(message, &msg); err != nil {
			c.hub.log.WithError(err).Warn("Failed to parse WebSocket message")

			continue
		}

		c.handleMessage(&msg)
	}
}

// WritePump pumps messages from the hub to the websocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}

			if !ok {
				// The hub closed the channel.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})

				return
			}

			data, err := json.Marshal(msg)
			if err != nil {
				c.hub.log.WithError(err).Warn("Failed to marshal WebSocket message")

				continue
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}

			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleMessage(msg *Message) {
	switch msg.Type {
	case MessageTypeSubscribe:
		c.subscribe(msg.Repository)
		c.reply(&Message{Type: MessageTypeSubscribed, Repository: msg.Repository})

	case MessageTypeUnsubscribe:
		c.subscribe("")
		c.reply(&Message{Type: MessageTypeUnsubscribed})

	case MessageTypePing:
		c.reply(&Message{Type: MessageTypeSystemStatus, Payload: map[string]any{
			"status":    "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		}})

	default:
		c.hub.log.WithField("type", msg.Type).Warn("Unknown message type")
	}
}

// ServeWs upgrades the request and registers the client with the hub.
func ServeWs(hub *Hub, allowedOrigins []string, w http.ResponseWriter, r *http.Request) {
	upgrader := createUpgrader(allowedOrigins)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.log.WithError(err).Error("Failed to upgrade WebSocket")

		return
	}

	clientID := r.Header.Get("X-Request-ID")
	if clientID == "" {
		clientID = uuid.NewString()
	}

	client := NewClient(hub, conn, clientID)
	client.subscribe(r.URL.Query().Get("repository"))

	hub.register <- client

	go client.WritePump()
	go client.ReadPump()
}
