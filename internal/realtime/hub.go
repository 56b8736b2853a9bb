// Package realtime pushes queue-position and session-status changes to
// subscribed parties over WebSocket, bridged across instances through a
// Redis pub/sub channel.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
)

// Message is one realtime update delivered to subscribers
type Message struct {
	Topic     string      `json:"topic"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// SubscriptionRequest is the client-to-server subscribe frame
type SubscriptionRequest struct {
	Type   string   `json:"type"` // subscribe, unsubscribe
	Topics []string `json:"topics"`
}

// Client is one WebSocket connection with its topic set
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	topics map[string]bool
	mutex  sync.RWMutex
}

// Hub maintains the set of active connections and fans published
// messages out to the clients subscribed to their topic
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	redis      *redis.Client
	channel    string
	logger     *slog.Logger
	mutex      sync.RWMutex
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// NewHub creates a realtime hub bridged over the given Redis channel
func NewHub(redisClient *redis.Client, channel string, logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		redis:      redisClient,
		channel:    channel,
		logger:     logger,
	}
}

// Run processes registration and fan-out until the context is cancelled
func (h *Hub) Run(ctx context.Context) error {
	go h.subscribeRedis(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true
			h.mutex.Unlock()
		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mutex.Unlock()
		case raw := <-h.broadcast:
			h.deliver(raw)
		}
	}
}

// Publish emits an update for a topic. The message goes through Redis so
// subscribers connected to any instance receive it.
func (h *Hub) Publish(topic string, payload interface{}) {
	msg := Message{
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal realtime message", "topic", topic, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := h.redis.Publish(ctx, h.channel, raw).Err(); err != nil {
		h.logger.Warn("Redis publish failed, delivering locally only",
			"topic", topic, "error", err)
		h.deliver(raw)
	}
}

func (h *Hub) subscribeRedis(ctx context.Context) {
	sub := h.redis.Subscribe(ctx, h.channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			select {
			case h.broadcast <- []byte(msg.Payload):
			default:
				h.logger.Warn("Realtime broadcast buffer full, dropping message")
			}
		}
	}
}

func (h *Hub) deliver(raw []byte) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.logger.Error("Failed to decode realtime message", "error", err)
		return
	}

	h.mutex.RLock()
	defer h.mutex.RUnlock()
	for client := range h.clients {
		if !client.subscribed(msg.Topic) {
			continue
		}
		select {
		case client.send <- raw:
		default:
			// Slow consumer; drop rather than block the hub.
		}
	}
}

// ServeWS upgrades an HTTP request to a realtime subscription connection
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 64),
		topics: make(map[string]bool),
	}

	h.register <- client

	go client.writeLoop()
	go client.readLoop()
}

func (c *Client) subscribed(topic string) bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.topics[topic]
}

func (c *Client) readLoop() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var req SubscriptionRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			continue
		}

		c.mutex.Lock()
		for _, topic := range req.Topics {
			switch req.Type {
			case "subscribe":
				c.topics[topic] = true
			case "unsubscribe":
				delete(c.topics, topic)
			}
		}
		c.mutex.Unlock()
	}
}

func (c *Client) writeLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case raw, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// QueueTopic names the realtime topic for a requester's queue position
func QueueTopic(requesterID string) string {
	return "queue:" + requesterID
}

// SessionTopic names the realtime topic for a session's status
func SessionTopic(sessionID string) string {
	return "session:" + sessionID
}
