// Package eventbus is the Event Bus: a best-effort publish/subscribe
// facility over persistent websocket connections to operator clients,
// organized into rooms.
package eventbus

import (
	"log"
	"sync"

	"golang.org/x/net/websocket"
)

// Room names match the subscription channels operator clients join.
const (
	RoomMetrics  = "metrics"
	RoomSettings = "settings"
	RoomStreams  = "streams"
)

// Event is one message delivered to a room's subscribers.
type Event struct {
	Type string `json:"type"`
	Room string `json:"room"`
	Data any    `json:"data"`
}

type subscriber struct {
	ws   *websocket.Conn
	send chan Event
}

// Bus fans out events to room subscribers. Delivery is at-most-once and
// best-effort: an event is skipped for a slow subscriber (its send buffer is
// full) rather than blocking publishers; the subscriber stays subscribed.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]map[*subscriber]struct{}
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{subscribers: map[string]map[*subscriber]struct{}{}}
}

// Handler returns a websocket.Handler that subscribes the connection to
// room until it disconnects.
func (b *Bus) Handler(room string) websocket.Handler {
	return func(ws *websocket.Conn) {
		sub := &subscriber{ws: ws, send: make(chan Event, 32)}
		b.addSubscriber(room, sub)
		defer b.removeSubscriber(room, sub)

		done := make(chan struct{})
		go func() {
			defer close(done)
			var discard []byte
			for {
				if err := websocket.Message.Receive(ws, &discard); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case ev, ok := <-sub.send:
				if !ok {
					return
				}
				if err := websocket.JSON.Send(ws, ev); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}
}

func (b *Bus) addSubscriber(room string, sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribers[room] == nil {
		b.subscribers[room] = map[*subscriber]struct{}{}
	}
	b.subscribers[room][sub] = struct{}{}
}

func (b *Bus) removeSubscriber(room string, sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers[room], sub)
	close(sub.send)
}

// Publish delivers an event to every current subscriber of room. A
// subscriber whose send buffer is full is skipped for this event rather
// than blocking the publisher.
func (b *Bus) Publish(room, eventType string, data any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ev := Event{Type: eventType, Room: room, Data: data}
	for sub := range b.subscribers[room] {
		select {
		case sub.send <- ev:
		default:
			log.Printf("eventbus: dropping event for slow subscriber room=%s type=%s", room, eventType)
		}
	}
}

// SubscriberCount reports how many connections are currently subscribed
// to room, for metrics/diagnostics.
func (b *Bus) SubscriberCount(room string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[room])
}

