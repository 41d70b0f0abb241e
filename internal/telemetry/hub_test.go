package telemetry

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// TestHubStreamsEvents verifies a websocket client receives published events
// as JSON.
func TestHubStreamsEvents(t *testing.T) {
	b := NewBus("ws-session")
	defer b.Close()

	hub, err := NewHub(b, "ws")
	if err != nil {
		t.Fatalf("NewHub failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(hub)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for hub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	b.Publish(Event{Type: EventConverged, Step: 42, Loss: 5e-5, Mode: "solving"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}

	var ev Event
	if err := json.Unmarshal(msg, &ev); err != nil {
		t.Fatalf("invalid event JSON %q: %v", msg, err)
	}
	if ev.Type != EventConverged || ev.Step != 42 || ev.Session != "ws-session" {
		t.Errorf("Unexpected event %+v", ev)
	}
}

// TestHubRunUnsubscribes verifies the hub leaves the bus when it stops.
func TestHubRunUnsubscribes(t *testing.T) {
	b := NewBus("s")
	defer b.Close()

	hub, err := NewHub(b, "ws")
	if err != nil {
		t.Fatalf("NewHub failed: %v", err)
	}
	if _, err := NewHub(b, "ws"); err == nil {
		t.Fatal("Expected duplicate hub id to fail")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if _, ok := b.Stats().Subscribers["ws"]; ok {
		t.Error("hub still subscribed after Run returned")
	}
}
