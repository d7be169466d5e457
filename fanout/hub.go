package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/eddielth/telemetry-hub/logger"
	"github.com/eddielth/telemetry-hub/metrics"
	"github.com/eddielth/telemetry-hub/transformer"
)

// JoinAuthorizer decides whether a user may join a device room. Returning
// an error rejects the join with that error's text.
type JoinAuthorizer func(ctx context.Context, claims *Claims, room string) error

// Event is pushed to every member of a room
type Event struct {
	Type    string      `json:"type"`
	Room    string      `json:"room"`
	Payload interface{} `json:"payload"`
	At      time.Time   `json:"at"`
}

// Hub tracks authenticated connections and the device rooms they joined.
// Broadcasts go to the current members only; nothing is replayed.
type Hub struct {
	secret     []byte
	authorize  JoinAuthorizer
	sendBuffer int
	upgrader   websocket.Upgrader

	mu      sync.RWMutex
	clients map[*Client]struct{}
	rooms   map[string]map[*Client]struct{}
}

// Option configures the hub
type Option func(*Hub)

// WithJoinAuthorizer installs a join hook; by default every join is allowed
func WithJoinAuthorizer(fn JoinAuthorizer) Option {
	return func(h *Hub) {
		if fn != nil {
			h.authorize = fn
		}
	}
}

// WithSendBuffer sets the per-client queue length
func WithSendBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.sendBuffer = n
		}
	}
}

func NewHub(secret []byte, opts ...Option) *Hub {
	h := &Hub{
		secret:     secret,
		authorize:  func(context.Context, *Claims, string) error { return nil },
		sendBuffer: 256,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*Client]struct{}),
		rooms:   make(map[string]map[*Client]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP authenticates the request, then upgrades it to a websocket
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, err := ParseToken(TokenFromRequest(r), h.secret)
	if err != nil {
		logger.Debug("websocket auth failed from %s: %v", r.RemoteAddr, err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed: %v", err)
		return
	}

	client := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, h.sendBuffer),
		claims: claims,
		rooms:  make(map[string]struct{}),
	}
	h.register(client)

	go client.writePump()
	go client.readPump()
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	metrics.AddConnections(1)
	logger.Debug("websocket client %s connected", c.claims.UserID)
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		h.removeLocked(c)
	}
	h.mu.Unlock()
	if ok {
		metrics.AddConnections(-1)
		logger.Debug("websocket client %s disconnected", c.claims.UserID)
	}
}

// removeLocked drops c from every room; h.mu must be held for writing
func (h *Hub) removeLocked(c *Client) {
	delete(h.clients, c)
	for room := range c.rooms {
		h.leaveLocked(c, room)
	}
	c.closeSend()
}

func (h *Hub) leaveLocked(c *Client, room string) {
	delete(c.rooms, room)
	if members, ok := h.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

func (h *Hub) handleRequest(c *Client, message []byte) {
	var req request
	if err := json.Unmarshal(message, &req); err != nil {
		h.reply(c, Ack{Type: "ack", OK: false, Error: "malformed request"})
		return
	}
	ack := Ack{Type: "ack", Action: req.Action, Room: req.Room, RequestID: req.RequestID}

	room := strings.TrimSpace(req.Room)
	if room == "" {
		ack.Error = "room required"
		h.reply(c, ack)
		return
	}

	switch req.Action {
	case ActionJoin:
		if err := h.authorize(context.Background(), c.claims, room); err != nil {
			ack.Error = err.Error()
			ack.Members = h.Members(room)
			break
		}
		ack.Members, ack.OK = h.join(c, room), true
	case ActionLeave:
		ack.Members, ack.OK = h.leave(c, room), true
	default:
		ack.Error = fmt.Sprintf("unknown action %q", req.Action)
	}
	h.reply(c, ack)
}

func (h *Hub) join(c *Client, room string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return len(h.rooms[room])
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	c.rooms[room] = struct{}{}
	return len(members)
}

func (h *Hub) leave(c *Client, room string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c, room)
	return len(h.rooms[room])
}

func (h *Hub) reply(c *Client, ack Ack) {
	data := encode(ack)
	if data == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// Members returns the number of clients in room
func (h *Hub) Members(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Publish pushes a record to the device's room. An empty room is not an
// error.
func (h *Hub) Publish(ctx context.Context, logicalID string, record transformer.Record) error {
	return h.broadcast(ctx, logicalID, "telemetry", record)
}

// PublishAlert pushes an alert to the device's room
func (h *Hub) PublishAlert(ctx context.Context, logicalID string, alert interface{}) error {
	return h.broadcast(ctx, logicalID, "alert", alert)
}

func (h *Hub) broadcast(ctx context.Context, room, eventType string, payload interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if room == "" {
		return errors.New("broadcast: empty room")
	}
	if h.Members(room) == 0 {
		return nil
	}

	data, err := json.Marshal(Event{Type: eventType, Room: room, Payload: payload, At: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("broadcast %s: %w", eventType, err)
	}

	var slow []*Client
	h.mu.RLock()
	for c := range h.rooms[room] {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		logger.Warn("websocket client %s send buffer full, disconnecting", c.claims.UserID)
		metrics.IncDroppedClient()
		h.unregister(c)
	}
	return nil
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.Lock()
	n := len(h.clients)
	for c := range h.clients {
		h.removeLocked(c)
	}
	h.mu.Unlock()
	metrics.AddConnections(-float64(n))
}
