package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/amir0631/noskhe-resan-backend/internal/platform/auth"
)

func newClient(id string, topics ...string) *Client {
	return &Client{ID: id, Topics: topics, Send: make(chan []byte, 16)}
}

func TestTopics(t *testing.T) {
	if got := OrderTopic("abc"); got != "order:abc" {
		t.Errorf("OrderTopic = %q", got)
	}
	if got := FacilityTopic(12); got != "facility:12" {
		t.Errorf("FacilityTopic = %q", got)
	}
	if got := OwnerTopic("0012345678"); got != "owner:0012345678" {
		t.Errorf("OwnerTopic = %q", got)
	}
}

func TestHub_RegisterAndUnregister(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := newClient("c1", "order:1")

	hub.Register(client)
	if hub.ClientCount() != 1 || hub.TopicCount("order:1") != 1 {
		t.Fatalf("expected 1 client on order:1, got %d/%d", hub.ClientCount(), hub.TopicCount("order:1"))
	}

	hub.Unregister(client)
	if hub.ClientCount() != 0 || hub.TopicCount("order:1") != 0 {
		t.Fatalf("expected hub to be empty, got %d/%d", hub.ClientCount(), hub.TopicCount("order:1"))
	}
	if _, ok := <-client.Send; ok {
		t.Error("expected Send channel to be closed")
	}

	// second unregister must not panic on the closed channel
	hub.Unregister(client)
}

func TestHub_BroadcastToTopic(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	sub := newClient("sub", "facility:7")
	other := newClient("other", "facility:8")
	hub.Register(sub)
	hub.Register(other)

	hub.Broadcast("facility:7", Event{Type: "status_changed", OrderID: "o-1", Timestamp: time.Now()})

	select {
	case msg := <-sub.Send:
		var got Event
		if err := json.Unmarshal(msg, &got); err != nil {
			t.Fatalf("failed to unmarshal event: %v", err)
		}
		if got.Type != "status_changed" || got.Topic != "facility:7" || got.OrderID != "o-1" {
			t.Errorf("unexpected event %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event")
	}

	select {
	case <-other.Send:
		t.Fatal("non-subscriber should not have received event")
	default:
	}
}

func TestHub_BroadcastDropsWhenBufferFull(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	slow := &Client{ID: "slow", Topics: []string{"order:1"}, Send: make(chan []byte, 1)}
	hub.Register(slow)

	hub.Broadcast("order:1", Event{Type: "a"})
	hub.Broadcast("order:1", Event{Type: "b"})

	if len(slow.Send) != 1 {
		t.Fatalf("expected exactly one buffered frame, got %d", len(slow.Send))
	}
}

func TestHub_RecheckRevokesSubscription(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	var mu sync.Mutex
	assigned := int64(42)
	hub.SetRecheck(AuthorizerFunc(func(_ context.Context, p auth.Principal, topic string) bool {
		mu.Lock()
		defer mu.Unlock()
		return p.FacilityID != nil && *p.FacilityID == assigned
	}))

	old, current := int64(42), int64(7)
	before := &Client{ID: "p42", Principal: auth.Principal{ID: "p42", Role: auth.RolePharmacy, FacilityID: &old}, Topics: []string{"order:1"}, Send: make(chan []byte, 4)}
	after := &Client{ID: "p7", Principal: auth.Principal{ID: "p7", Role: auth.RolePharmacy, FacilityID: &current}, Topics: []string{"order:1"}, Send: make(chan []byte, 4)}
	hub.Register(before)
	hub.Register(after)

	hub.Broadcast("order:1", Event{Type: "status_changed"})
	if len(before.Send) != 1 || len(after.Send) != 0 {
		t.Fatalf("while 42 is assigned: got %d/%d frames, want 1/0", len(before.Send), len(after.Send))
	}
	if hub.TopicCount("order:1") != 1 {
		t.Fatalf("expected the unauthorized subscriber to be dropped, topic count %d", hub.TopicCount("order:1"))
	}

	mu.Lock()
	assigned = 7
	mu.Unlock()

	if err := hub.Publish(context.Background(), Event{Type: "status_changed", Topic: "order:1"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(before.Send) != 1 {
		t.Errorf("previous pharmacy received a frame after reassignment")
	}
	if hub.TopicCount("order:1") != 0 {
		t.Errorf("topic count = %d, want 0", hub.TopicCount("order:1"))
	}
	if len(before.Topics) != 0 {
		t.Errorf("revoked client still lists topics %v", before.Topics)
	}
}

func TestHub_SubscribeUnsubscribe(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := newClient("c1")
	hub.Register(client)

	hub.Subscribe(client, []string{"order:1", "owner:u1", "order:1"})
	if len(client.Topics) != 2 {
		t.Fatalf("expected duplicate subscription to be ignored, topics=%v", client.Topics)
	}

	hub.Unsubscribe(client, []string{"order:1"})
	if hub.TopicCount("order:1") != 0 || hub.TopicCount("owner:u1") != 1 {
		t.Errorf("unexpected counts order:1=%d owner:u1=%d", hub.TopicCount("order:1"), hub.TopicCount("owner:u1"))
	}
	if len(client.Topics) != 1 || client.Topics[0] != "owner:u1" {
		t.Errorf("unexpected topics %v", client.Topics)
	}
}

func TestHub_ConcurrentRegisterBroadcast(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		c := newClient("c", "order:x")
		go func() {
			defer wg.Done()
			hub.Register(c)
			hub.Unregister(c)
		}()
		go func() {
			defer wg.Done()
			_ = hub.Publish(context.Background(), Event{Type: "status_changed", Topic: "order:x"})
		}()
	}
	wg.Wait()
	if hub.ClientCount() != 0 {
		t.Errorf("expected 0 clients, got %d", hub.ClientCount())
	}
}

func ownerOnly(_ context.Context, p auth.Principal, topic string) bool {
	return topic == OwnerTopic(p.ID)
}

func TestHandler_HandleMessageFiltersTopics(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	h := NewHandler(hub, AuthorizerFunc(ownerOnly), nil, zerolog.Nop())
	client := newClient("c1")
	client.Principal = auth.Principal{ID: "u1", Role: auth.RoleUser}
	hub.Register(client)

	ack := h.HandleMessage(context.Background(), client, ClientMessage{
		Action: "subscribe",
		Topics: []string{"owner:u1", "owner:u2"},
	})

	var body struct {
		Topics []string `json:"topics"`
		Denied []string `json:"denied"`
	}
	if err := json.Unmarshal(ack.Data, &body); err != nil {
		t.Fatalf("bad ack: %v", err)
	}
	if len(body.Topics) != 1 || body.Topics[0] != "owner:u1" {
		t.Errorf("unexpected granted topics %v", body.Topics)
	}
	if len(body.Denied) != 1 || body.Denied[0] != "owner:u2" {
		t.Errorf("unexpected denied topics %v", body.Denied)
	}
	if hub.TopicCount("owner:u2") != 0 {
		t.Error("denied topic must not be subscribed")
	}
}

func TestHandler_RequiresPrincipal(t *testing.T) {
	h := NewHandler(NewHub(zerolog.Nop()), AuthorizerFunc(ownerOnly), nil, zerolog.Nop())
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/ws", nil), httptest.NewRecorder())

	err := h.HandleConnect(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
}

func TestHandler_FullUpgradeWithDialer(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	handler := NewHandler(hub, AuthorizerFunc(ownerOnly), []string{"http://localhost:3000"}, zerolog.Nop())

	e := echo.New()
	g := e.Group("", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := auth.WithPrincipal(c.Request().Context(), auth.Principal{ID: "u1", Role: auth.RoleUser})
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	})
	handler.RegisterRoutes(g)

	server := httptest.NewServer(e)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, resp, err := gorillawebsocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	if err := conn.WriteJSON(ClientMessage{Action: "subscribe", Topics: []string{"owner:u1"}}); err != nil {
		t.Fatalf("failed to send subscribe: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ack Event
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("failed to read ack: %v", err)
	}
	if ack.Type != "ack" {
		t.Fatalf("expected ack, got %s", ack.Type)
	}

	hub.Broadcast("owner:u1", Event{Type: "status_changed", OrderID: "o-9", Timestamp: time.Now()})

	var got Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("failed to read event: %v", err)
	}
	if got.OrderID != "o-9" {
		t.Fatalf("expected order o-9, got %s", got.OrderID)
	}
}

func TestHandler_RejectsForeignOrigin(t *testing.T) {
	handler := NewHandler(NewHub(zerolog.Nop()), nil, []string{"http://localhost:3000"}, zerolog.Nop())
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Origin", "http://evil.example")
	if handler.upgrader.CheckOrigin(req) {
		t.Error("expected foreign origin to be rejected")
	}
	req.Header.Set("Origin", "http://localhost:3000")
	if !handler.upgrader.CheckOrigin(req) {
		t.Error("expected configured origin to be accepted")
	}
}
