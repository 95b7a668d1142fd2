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
)

func newClient(id string, topics ...string) *Client {
	return &Client{ID: id, Topics: topics, Send: make(chan []byte, 8)}
}

// ---------------------------------------------------------------------------
// Hub tests
// ---------------------------------------------------------------------------

func TestHub_RegisterUnregister(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := newClient("client-1", "warnings")

	hub.Register(client)
	if hub.ClientCount() != 1 || hub.TopicCount("warnings") != 1 {
		t.Fatalf("expected 1 client on warnings, got %d/%d", hub.ClientCount(), hub.TopicCount("warnings"))
	}

	hub.Unregister(client)
	if hub.ClientCount() != 0 || hub.TopicCount("warnings") != 0 {
		t.Fatalf("expected hub to be empty, got %d/%d", hub.ClientCount(), hub.TopicCount("warnings"))
	}
	if _, ok := <-client.Send; ok {
		t.Error("expected Send channel to be closed")
	}

	// second unregister is a no-op
	hub.Unregister(client)
}

func TestHub_BroadcastToTopic(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	subscriber := newClient("sub-1", "warnings")
	other := newClient("sub-2", "orders")
	hub.Register(subscriber)
	hub.Register(other)

	hub.Broadcast("warnings", Event{Type: "warning.entered", Topic: "warnings", MedicineID: 7})

	select {
	case msg := <-subscriber.Send:
		var got Event
		if err := json.Unmarshal(msg, &got); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.Type != "warning.entered" || got.MedicineID != 7 {
			t.Errorf("unexpected event: %+v", got)
		}
	default:
		t.Fatal("expected subscriber to receive the event")
	}

	select {
	case <-other.Send:
		t.Fatal("orders subscriber should not receive warnings")
	default:
	}
}

func TestHub_BroadcastSkipsFullBuffer(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := &Client{ID: "slow", Topics: []string{"stock"}, Send: make(chan []byte, 1)}
	hub.Register(client)

	hub.Broadcast("stock", Event{Type: "stock.changed"})
	hub.Broadcast("stock", Event{Type: "stock.changed"})

	if len(client.Send) != 1 {
		t.Errorf("expected one buffered event, got %d", len(client.Send))
	}
}

func TestHub_SubscribeUnsubscribe(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := newClient("dyn-1")
	hub.Register(client)

	hub.ProcessMessage(client, ClientMessage{Action: "subscribe", Topics: []string{"warnings", "orders", "warnings"}})
	if hub.TopicCount("warnings") != 1 || hub.TopicCount("orders") != 1 {
		t.Fatalf("expected both topics subscribed")
	}
	if len(client.Topics) != 2 {
		t.Errorf("expected 2 distinct topics on client, got %v", client.Topics)
	}

	hub.ProcessMessage(client, ClientMessage{Action: "unsubscribe", Topics: []string{"warnings"}})
	if hub.TopicCount("warnings") != 0 || hub.TopicCount("orders") != 1 {
		t.Errorf("expected only orders to remain, got %d/%d", hub.TopicCount("warnings"), hub.TopicCount("orders"))
	}
	if len(client.Topics) != 1 || client.Topics[0] != "orders" {
		t.Errorf("expected [orders], got %v", client.Topics)
	}

	hub.ProcessMessage(client, ClientMessage{Action: "bogus", Topics: []string{"stock"}})
	if hub.TopicCount("stock") != 0 {
		t.Error("expected unknown action to be ignored")
	}
}

func TestHub_PublishStampsTime(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := newClient("pub-1", "orders")
	hub.Register(client)

	if err := hub.Publish(context.Background(), Event{Type: "order.dispensed", Topic: "orders"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got Event
	json.Unmarshal(<-client.Send, &got)
	if got.Timestamp.IsZero() {
		t.Error("expected timestamp to be set")
	}
}

func TestHub_ConcurrentRegisterUnregister(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := newClient("c", "warnings")
			hub.Register(c)
			hub.Broadcast("warnings", Event{Type: "warning.entered"})
			hub.Unregister(c)
		}()
	}
	wg.Wait()
	if hub.ClientCount() != 0 {
		t.Errorf("expected 0 clients, got %d", hub.ClientCount())
	}
}

// ---------------------------------------------------------------------------
// Handler tests
// ---------------------------------------------------------------------------

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"http://localhost:3000"})
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	if !check(req) {
		t.Error("expected requests without Origin to pass")
	}
	req.Header.Set("Origin", "http://localhost:3000")
	if !check(req) {
		t.Error("expected allowed origin to pass")
	}
	req.Header.Set("Origin", "http://evil.example")
	if check(req) {
		t.Error("expected unknown origin to be rejected")
	}
	if !originChecker([]string{"*"})(req) {
		t.Error("expected wildcard to allow any origin")
	}
}

func TestHandler_HandleConnectRequiresWebSocket(t *testing.T) {
	handler := NewHandler(NewHub(zerolog.Nop()), []string{"*"}, "warnings")

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	rec := httptest.NewRecorder()
	err := handler.HandleConnect(e.NewContext(req, rec))

	if err == nil && rec.Code == http.StatusSwitchingProtocols {
		t.Fatal("expected upgrade to fail for non-websocket request")
	}
}

func TestHandler_FullUpgradeWithDialer(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	handler := NewHandler(hub, []string{"*"}, "warnings")

	e := echo.New()
	handler.RegisterRoutes(e)
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

	waitFor(t, func() bool { return hub.TopicCount("warnings") == 1 })

	if err := conn.WriteJSON(ClientMessage{Action: "subscribe", Topics: []string{"orders"}}); err != nil {
		t.Fatalf("failed to send subscribe: %v", err)
	}
	waitFor(t, func() bool { return hub.TopicCount("orders") == 1 })

	hub.Broadcast("orders", Event{Type: "order.replenished", Topic: "orders", MedicineID: 3, Timestamp: time.Now()})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var received Event
	if err := conn.ReadJSON(&received); err != nil {
		t.Fatalf("failed to read event: %v", err)
	}
	if received.Type != "order.replenished" || received.MedicineID != 3 {
		t.Fatalf("unexpected event: %+v", received)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
