package eventbus

import (
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/net/websocket"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := New()
	srv := httptest.NewServer(b.Handler(RoomStreams))
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):]
	ws, err := websocket.Dial(wsURL, "", srv.URL)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	deadline := time.Now().Add(2 * time.Second)
	for b.SubscriberCount(RoomStreams) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if b.SubscriberCount(RoomStreams) != 1 {
		t.Fatal("expected one subscriber registered")
	}

	b.Publish(RoomStreams, "session:started", map[string]string{"id": "sess-1"})

	var ev Event
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := websocket.JSON.Receive(ws, &ev); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if ev.Type != "session:started" || ev.Room != RoomStreams {
		t.Errorf("ev = %+v", ev)
	}
}

func TestPublishToEmptyRoomIsNoop(t *testing.T) {
	b := New()
	b.Publish(RoomMetrics, "metrics:update", nil) // must not panic with no subscribers
}

func TestSubscriberRemovedOnDisconnect(t *testing.T) {
	b := New()
	srv := httptest.NewServer(b.Handler(RoomSettings))
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):]
	ws, err := websocket.Dial(wsURL, "", srv.URL)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for b.SubscriberCount(RoomSettings) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	ws.Close()

	deadline = time.Now().Add(2 * time.Second)
	for b.SubscriberCount(RoomSettings) != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if b.SubscriberCount(RoomSettings) != 0 {
		t.Error("expected subscriber to be removed after disconnect")
	}
}
