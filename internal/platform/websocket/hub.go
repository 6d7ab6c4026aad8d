// Package websocket pushes order status changes to connected clients. Clients
// subscribe to topics (one order, one facility worklist, or one owner) and the
// hub fans each event out to the subscribers of its topic.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/amir0631/noskhe-resan-backend/internal/platform/auth"
)

// Topic constructors. The string forms are part of the client protocol.
func OrderTopic(orderID string) string      { return "order:" + orderID }
func FacilityTopic(facilityID int64) string { return "facility:" + strconv.FormatInt(facilityID, 10) }
func OwnerTopic(identity string) string     { return "owner:" + identity }

// Event is the frame delivered to subscribers.
type Event struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic"`
	OrderID   string          `json:"orderId,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ClientMessage is an inbound subscribe/unsubscribe request.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// Authorizer decides whether a principal may watch a topic.
type Authorizer interface {
	CanSubscribe(ctx context.Context, p auth.Principal, topic string) bool
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, p auth.Principal, topic string) bool

func (f AuthorizerFunc) CanSubscribe(ctx context.Context, p auth.Principal, topic string) bool {
	return f(ctx, p, topic)
}

// Client is one connection.
type Client struct {
	ID        string
	Principal auth.Principal
	Topics    []string
	Send      chan []byte
	hub       *Hub
}

// Hub tracks clients and their topic subscriptions.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
	all     map[*Client]struct{}
	recheck Authorizer
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		logger:  logger,
	}
}

// SetRecheck makes every delivery re-run a against the subscriber. A client
// that no longer passes loses the topic and does not get the frame. Nil
// disables the check.
func (h *Hub) SetRecheck(a Authorizer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recheck = a
}

// Register adds a client and subscribes it to its initial topics.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client.hub = h
	h.all[client] = struct{}{}
	for _, topic := range client.Topics {
		h.addLocked(topic, client)
	}
}

// Unregister drops every subscription of the client and closes its Send
// channel. Calling it twice is a no-op.
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
}

// Subscribe adds topics to a registered client, skipping ones it already has.
func (h *Hub) Subscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, topic := range topics {
		if _, ok := h.clients[topic][client]; ok {
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

	drop := make(map[string]struct{}, len(topics))
	for _, topic := range topics {
		drop[topic] = struct{}{}
		h.removeLocked(topic, client)
	}

	kept := client.Topics[:0]
	for _, t := range client.Topics {
		if _, ok := drop[t]; !ok {
			kept = append(kept, t)
		}
	}
	client.Topics = kept
}

func (h *Hub) addLocked(topic string, client *Client) {
	if h.clients[topic] == nil {
		h.clients[topic] = make(map[*Client]struct{})
	}
	h.clients[topic][client] = struct{}{}
}

func (h *Hub) removeLocked(topic string, client *Client) {
	if subs, ok := h.clients[topic]; ok {
		delete(subs, client)
		if len(subs) == 0 {
			delete(h.clients, topic)
		}
	}
}

// Broadcast delivers the event to the topic's subscribers. Slow clients whose
// buffer is full miss the frame rather than block the sender.
func (h *Hub) Broadcast(topic string, event Event) {
	h.broadcast(context.Background(), topic, event)
}

// Publish broadcasts to event.Topic.
func (h *Hub) Publish(ctx context.Context, event Event) error {
	h.broadcast(ctx, event.Topic, event)
	return nil
}

func (h *Hub) broadcast(ctx context.Context, topic string, event Event) {
	event.Topic = topic
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Str("topic", topic).Msg("marshal websocket event")
		return
	}

	h.mu.RLock()
	recheck := h.recheck
	subs := make([]*Client, 0, len(h.clients[topic]))
	for client := range h.clients[topic] {
		subs = append(subs, client)
	}
	h.mu.RUnlock()

	// The authorizer may hit storage, so it runs without the hub lock.
	allowed := subs
	var revoked []*Client
	if recheck != nil {
		allowed = subs[:0:0]
		for _, client := range subs {
			if recheck.CanSubscribe(ctx, client.Principal, topic) {
				allowed = append(allowed, client)
			} else {
				revoked = append(revoked, client)
			}
		}
	}

	for _, client := range revoked {
		h.Unsubscribe(client, []string{topic})
		h.logger.Debug().Str("client_id", client.ID).Str("topic", topic).Msg("websocket subscription revoked")
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range allowed {
		if _, ok := h.all[client]; !ok {
			continue
		}
		select {
		case client.Send <- data:
		default:
			h.logger.Warn().Str("client_id", client.ID).Str("topic", topic).Msg("websocket client buffer full, dropping frame")
		}
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64
)

// Handler upgrades authenticated requests and routes client messages.
type Handler struct {
	hub      *Hub
	authz    Authorizer
	upgrader gorillawebsocket.Upgrader
	logger   zerolog.Logger
}

// NewHandler builds the /ws endpoint. An empty origins list, or one holding
// "*", accepts any Origin.
func NewHandler(hub *Hub, authz Authorizer, origins []string, logger zerolog.Logger) *Handler {
	allowAll := len(origins) == 0
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = struct{}{}
	}

	return &Handler{
		hub:   hub,
		authz: authz,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if allowAll || origin == "" {
					return true
				}
				_, ok := allowed[origin]
				return ok
			},
		},
		logger: logger,
	}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", h.HandleConnect)
}

// HandleConnect upgrades the connection and starts the read and write pumps.
func (h *Handler) HandleConnect(c echo.Context) error {
	p, ok := auth.PrincipalFromContext(c.Request().Context())
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := &Client{
		ID:        uuid.NewString(),
		Principal: p,
		Send:      make(chan []byte, sendBuffer),
	}
	h.hub.Register(client)
	h.logger.Debug().Str("client_id", client.ID).Str("principal", p.ID).Msg("websocket connected")

	go h.writePump(client, ws)
	go h.readPump(client, ws)
	return nil
}

// HandleMessage applies a client request after filtering topics through the
// authorizer, and returns the acknowledgement frame.
func (h *Handler) HandleMessage(ctx context.Context, client *Client, msg ClientMessage) Event {
	ack := struct {
		Action  string   `json:"action"`
		Topics  []string `json:"topics"`
		Denied  []string `json:"denied,omitempty"`
		Message string   `json:"message,omitempty"`
	}{Action: msg.Action, Topics: []string{}}

	switch msg.Action {
	case "subscribe":
		for _, topic := range msg.Topics {
			if h.authz != nil && h.authz.CanSubscribe(ctx, client.Principal, topic) {
				ack.Topics = append(ack.Topics, topic)
			} else {
				ack.Denied = append(ack.Denied, topic)
			}
		}
		h.hub.Subscribe(client, ack.Topics)
	case "unsubscribe":
		h.hub.Unsubscribe(client, msg.Topics)
		ack.Topics = msg.Topics
	default:
		ack.Message = "unknown action"
	}

	data, _ := json.Marshal(ack)
	return Event{Type: "ack", Timestamp: time.Now().UTC(), Data: data}
}

func (h *Handler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		h.hub.Unregister(client)
		ws.Close()
	}()

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	ctx := auth.WithPrincipal(context.Background(), client.Principal)
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		ack := h.HandleMessage(ctx, client, msg)
		if data, err := json.Marshal(ack); err == nil {
			h.trySend(client, data)
		}
	}
}

// trySend queues a frame unless the client has already been unregistered.
func (h *Handler) trySend(client *Client, data []byte) {
	h.hub.mu.RLock()
	defer h.hub.mu.RUnlock()
	if _, ok := h.hub.all[client]; !ok {
		return
	}
	select {
	case client.Send <- data:
	default:
	}
}

func (h *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
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
