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

func auditTopics(t string) bool {
	return t == "audit" || strings.HasPrefix(t, "audit.")
}

func newTestHub() *Hub {
	return NewHub(zerolog.Nop(), auditTopics)
}

func newClient(id string, topics ...string) *Client {
	return &Client{ID: id, Topics: topics, Send: make(chan []byte, sendBuffer)}
}

func receive(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case data := <-c.Send:
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func assertNothing(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.Send:
		t.Fatalf("unexpected message %s", data)
	default:
	}
}

func TestHub_RegisterAndUnregister(t *testing.T) {
	hub := newTestHub()
	client := newClient("c1", "audit", "audit.failure")

	hub.Register(client)
	if hub.ClientCount() != 1 || hub.TopicCount("audit") != 1 || hub.TopicCount("audit.failure") != 1 {
		t.Fatalf("unexpected counts: clients=%d audit=%d", hub.ClientCount(), hub.TopicCount("audit"))
	}

	hub.Unregister(client)
	if hub.ClientCount() != 0 || hub.TopicCount("audit") != 0 {
		t.Fatal("expected hub to be empty after unregister")
	}
	if _, ok := <-client.Send; ok {
		t.Error("expected Send channel to be closed")
	}

	// second unregister is a no-op
	hub.Unregister(client)
}

func TestHub_RejectsUnknownTopics(t *testing.T) {
	hub := newTestHub()
	client := newClient("c1", "Patient/123", "audit")
	hub.Register(client)

	if hub.TopicCount("Patient/123") != 0 {
		t.Error("non-audit topic should be rejected")
	}
	hub.Subscribe(client, []string{"system", "audit.chain_verify"})
	if hub.TopicCount("system") != 0 || hub.TopicCount("audit.chain_verify") != 1 {
		t.Error("subscribe should filter topics")
	}
	if len(client.Topics) != 2 {
		t.Errorf("expected 2 topics, got %v", client.Topics)
	}
}

func TestHub_BroadcastDeliversOncePerClient(t *testing.T) {
	hub := newTestHub()
	both := newClient("both", "audit", "audit.failure")
	failures := newClient("failures", "audit.failure")
	other := newClient("other", "audit.hash_verify")
	hub.Register(both)
	hub.Register(failures)
	hub.Register(other)

	ev := Event{Type: "audit.recorded", Topic: "audit", ResourceType: "Patient", ResourceID: "p1", Timestamp: time.Now()}
	n := hub.Broadcast(ev, "audit", "audit.failure", "audit.chain_verify")
	if n != 2 {
		t.Fatalf("expected 2 deliveries, got %d", n)
	}

	if got := receive(t, both); got.Topic != "audit" {
		t.Errorf("expected first matching topic audit, got %s", got.Topic)
	}
	assertNothing(t, both)
	if got := receive(t, failures); got.Topic != "audit.failure" || got.ResourceID != "p1" {
		t.Errorf("unexpected event %+v", got)
	}
	assertNothing(t, other)
}

func TestHub_PublishIncludesExtraTopics(t *testing.T) {
	hub := newTestHub()
	client := newClient("c1", "audit.resource_create")
	hub.Register(client)

	err := hub.Publish(context.Background(), Event{Type: "audit.recorded", Topic: "audit"}, "audit.resource_create")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := receive(t, client); got.Topic != "audit.resource_create" {
		t.Errorf("unexpected topic %s", got.Topic)
	}
}

func TestHub_FullBufferDropsEvent(t *testing.T) {
	hub := newTestHub()
	client := &Client{ID: "slow", Topics: []string{"audit"}, Send: make(chan []byte, 1)}
	hub.Register(client)

	hub.Broadcast(Event{Type: "a"}, "audit")
	if n := hub.Broadcast(Event{Type: "b"}, "audit"); n != 0 {
		t.Errorf("expected drop on full buffer, delivered %d", n)
	}
}

func TestHub_Unsubscribe(t *testing.T) {
	hub := newTestHub()
	client := newClient("c1", "audit", "audit.failure")
	hub.Register(client)

	hub.ProcessMessage(client, ClientMessage{Action: "unsubscribe", Topics: []string{"audit"}})
	if hub.TopicCount("audit") != 0 || hub.TopicCount("audit.failure") != 1 {
		t.Error("unsubscribe should only remove the named topic")
	}
	if len(client.Topics) != 1 || client.Topics[0] != "audit.failure" {
		t.Errorf("unexpected topics %v", client.Topics)
	}
}

func TestHub_ConcurrentRegisterUnregister(t *testing.T) {
	hub := newTestHub()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := newClient("c", "audit")
			hub.Register(c)
			hub.Broadcast(Event{Type: "x"}, "audit")
			hub.Unregister(c)
		}()
	}
	wg.Wait()
	if hub.ClientCount() != 0 {
		t.Errorf("expected 0 clients, got %d", hub.ClientCount())
	}
}

func TestHandler_HandleConnectRequiresWebSocket(t *testing.T) {
	h := NewHandler(newTestHub(), nil, nil)
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/ws", nil), rec)

	if err := h.HandleConnect(c); err == nil && rec.Code < 400 {
		t.Error("expected plain HTTP request to be rejected")
	}
}

func TestHandler_FullUpgradeWithDialer(t *testing.T) {
	hub := newTestHub()
	handler := NewHandler(hub, nil, func(c echo.Context) string { return "auditor-1" })

	e := echo.New()
	e.GET("/ws", handler.HandleConnect)
	server := httptest.NewServer(e)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?topics=audit.failure"
	conn, resp, err := gorillawebsocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	deadline := time.Now().Add(2 * time.Second)
	for hub.TopicCount("audit.failure") != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if hub.TopicCount("audit.failure") != 1 {
		t.Fatal("expected the client to be subscribed from the query string")
	}

	if err := conn.WriteJSON(ClientMessage{Action: "subscribe", Topics: []string{"audit"}}); err != nil {
		t.Fatalf("failed to send subscribe: %v", err)
	}
	for hub.TopicCount("audit") != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	hub.Broadcast(Event{Type: "audit.recorded", ResourceType: "Patient", ResourceID: "p-ws", Timestamp: time.Now()}, "audit")

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var received Event
	if err := conn.ReadJSON(&received); err != nil {
		t.Fatalf("failed to read event: %v", err)
	}
	if received.Type != "audit.recorded" || received.ResourceID != "p-ws" {
		t.Fatalf("unexpected event %+v", received)
	}
}

func TestHandler_RejectsForeignOrigin(t *testing.T) {
	hub := newTestHub()
	e := echo.New()
	e.GET("/ws", NewHandler(hub, []string{"https://console.example"}, nil).HandleConnect)
	server := httptest.NewServer(e)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	header := http.Header{"Origin": []string{"https://evil.example"}}
	if _, _, err := gorillawebsocket.DefaultDialer.Dial(wsURL, header); err == nil {
		t.Fatal("expected foreign origin to be rejected")
	}
}
