// Package websocket fans newly written audit records out to connected
// WebSocket clients. Clients subscribe to topics and receive the events
// published to those topics.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/hashaudit/internal/platform/metrics"
)

const (
	sendBuffer   = 256
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	maxInboundKB = 4
)

// Event is a realtime notification sent to WebSocket clients.
type Event struct {
	Type         string          `json:"type"`
	Topic        string          `json:"topic"`
	ResourceType string          `json:"resourceType,omitempty"`
	ResourceID   string          `json:"resourceId,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// ClientMessage is an inbound subscription change from a client.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// Client is a single WebSocket connection.
type Client struct {
	ID     string
	UserID string
	Topics []string
	Send   chan []byte
}

// Hub tracks clients and their topic subscriptions.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // topic -> set of clients
	all     map[*Client]struct{}

	allowTopic func(string) bool
	logger     zerolog.Logger
}

// NewHub creates a hub. allowTopic rejects unknown subscription topics; nil
// accepts every topic.
func NewHub(logger zerolog.Logger, allowTopic func(string) bool) *Hub {
	if allowTopic == nil {
		allowTopic = func(string) bool { return true }
	}
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		all:        make(map[*Client]struct{}),
		allowTopic: allowTopic,
		logger:     logger.With().Str("component", "realtime-hub").Logger(),
	}
}

func (h *Hub) filterTopics(topics []string) []string {
	out := make([]string, 0, len(topics))
	for _, t := range topics {
		if t = strings.TrimSpace(t); t != "" && h.allowTopic(t) {
			out = append(out, t)
		}
	}
	return out
}

// Register adds a client to the hub and subscribes it to its initial topics.
func (h *Hub) Register(client *Client) {
	client.Topics = h.filterTopics(client.Topics)

	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	for _, topic := range client.Topics {
		h.addLocked(topic, client)
	}
	metrics.WebSocketClients.Set(float64(len(h.all)))
}

func (h *Hub) addLocked(topic string, client *Client) {
	if h.clients[topic] == nil {
		h.clients[topic] = make(map[*Client]struct{})
	}
	h.clients[topic][client] = struct{}{}
}

func (h *Hub) removeLocked(topic string, client *Client) {
	if subscribers, ok := h.clients[topic]; ok {
		delete(subscribers, client)
		if len(subscribers) == 0 {
			delete(h.clients, topic)
		}
	}
}

// Unregister removes a client from every topic and closes its Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for _, topic := range client.Topics {
		h.removeLocked(topic, client)
	}
	delete(h.all, client)
	close(client.Send)
	metrics.WebSocketClients.Set(float64(len(h.all)))
}

// Subscribe adds topics to a registered client.
func (h *Hub) Subscribe(client *Client, topics []string) {
	topics = h.filterTopics(topics)

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for _, topic := range topics {
		if _, already := h.clients[topic][client]; already {
			continue
		}
		h.addLocked(topic, client)
		client.Topics = append(client.Topics, topic)
	}
}

// Unsubscribe removes topics from a registered client.
func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	removeSet := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		removeSet[t] = struct{}{}
		h.removeLocked(t, client)
	}

	remaining := make([]string, 0, len(client.Topics))
	for _, t := range client.Topics {
		if _, rm := removeSet[t]; !rm {
			remaining = append(remaining, t)
		}
	}
	client.Topics = remaining
}

// ProcessMessage dispatches an inbound ClientMessage.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		h.Subscribe(client, msg.Topics)
	case "unsubscribe":
		h.Unsubscribe(client, msg.Topics)
	}
}

// Broadcast delivers the event once to every client subscribed to at least
// one of topics. Clients with a full buffer miss the event.
func (h *Hub) Broadcast(event Event, topics ...string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	recipients := make(map[*Client]string)
	for _, topic := range topics {
		for client := range h.clients[topic] {
			if _, seen := recipients[client]; !seen {
				recipients[client] = topic
			}
		}
	}

	delivered := 0
	for client, topic := range recipients {
		ev := event
		ev.Topic = topic
		data, err := json.Marshal(ev)
		if err != nil {
			h.logger.Error().Err(err).Msg("marshal event")
			return delivered
		}
		select {
		case client.Send <- data:
			delivered++
		default:
			h.logger.Warn().Str("client_id", client.ID).Msg("client buffer full, event dropped")
		}
	}
	return delivered
}

// Publish broadcasts the event to the subscribers of its topic and of any
// extra topics.
func (h *Hub) Publish(_ context.Context, event Event, extraTopics ...string) error {
	h.Broadcast(event, append([]string{event.Topic}, extraTopics...)...)
	return nil
}

// ClientCount returns the total number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// TopicCount returns the number of clients subscribed to a topic.
func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

// Handler upgrades HTTP connections and pumps messages for one client.
type Handler struct {
	hub      *Hub
	upgrader gorillawebsocket.Upgrader
	userID   func(c echo.Context) string
}

// NewHandler creates a handler. allowedOrigins empty means same-origin and
// non-browser clients only; "*" admits any origin.
func NewHandler(hub *Hub, allowedOrigins []string, userID func(c echo.Context) string) *Handler {
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = true
	}
	return &Handler{
		hub:    hub,
		userID: userID,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" || origins["*"] || origins[origin] {
					return true
				}
				return strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://") == r.Host
			},
		},
	}
}

// HandleConnect upgrades the connection, registers the client with the
// topics of the ?topics= query parameter and starts the pumps.
func (wsh *Handler) HandleConnect(c echo.Context) error {
	ws, err := wsh.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	var topics []string
	if raw := c.QueryParam("topics"); raw != "" {
		topics = strings.Split(raw, ",")
	}
	client := &Client{
		ID:     uuid.New().String(),
		Topics: topics,
		Send:   make(chan []byte, sendBuffer),
	}
	if wsh.userID != nil {
		client.UserID = wsh.userID(c)
	}

	wsh.hub.Register(client)
	wsh.hub.logger.Info().Str("client_id", client.ID).Str("user_id", client.UserID).
		Strs("topics", client.Topics).Msg("client connected")

	go wsh.writePump(client, ws)
	go wsh.readPump(client, ws)
	return nil
}

func (wsh *Handler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		wsh.hub.Unregister(client)
		ws.Close()
		wsh.hub.logger.Info().Str("client_id", client.ID).Msg("client disconnected")
	}()

	ws.SetReadLimit(maxInboundKB * 1024)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue // malformed messages are ignored
		}
		wsh.hub.ProcessMessage(client, msg)
	}
}

func (wsh *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
