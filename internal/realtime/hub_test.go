package realtime

import (
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Coder-HNP/LensClear/internal/bus"
)

func attach(t *testing.T, h *Hub, userID string, buffer int) *Client {
	t.Helper()
	c := &Client{hub: h, userID: userID, send: make(chan []byte, buffer)}
	h.register <- c
	return c
}

func recv(t *testing.T, c *Client) message {
	t.Helper()
	select {
	case raw, ok := <-c.send:
		if !ok {
			t.Fatal("send channel closed")
		}
		var m message
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatalf("bad frame: %v", err)
		}
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
	}
	return message{}
}

func expectNothing(t *testing.T, c *Client) {
	t.Helper()
	select {
	case raw := <-c.send:
		t.Fatalf("unexpected frame: %s", raw)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishScopedToUser(t *testing.T) {
	h := NewHub(zerolog.New(io.Discard))
	go h.Run()

	alice := attach(t, h, "alice", 4)
	bob := attach(t, h, "bob", 4)

	h.Publish(bus.Event{Kind: bus.KindDeviceStatus, UserID: "alice", Payload: map[string]string{"deviceId": "dev-1"}})

	m := recv(t, alice)
	if m.Event != bus.KindDeviceStatus {
		t.Fatalf("event = %s, want device:status", m.Event)
	}
	expectNothing(t, bob)
}

func TestPublishFansOutToAllClientsInScope(t *testing.T) {
	h := NewHub(zerolog.New(io.Discard))
	go h.Run()

	first := attach(t, h, "alice", 4)
	second := attach(t, h, "alice", 4)

	h.Publish(bus.Event{Kind: bus.KindLogNew, UserID: "alice", Payload: "x"})

	if m := recv(t, first); m.Event != bus.KindLogNew {
		t.Fatalf("first: %s", m.Event)
	}
	if m := recv(t, second); m.Event != bus.KindLogNew {
		t.Fatalf("second: %s", m.Event)
	}
}

func TestSlowClientIsDropped(t *testing.T) {
	h := NewHub(zerolog.New(io.Discard))
	go h.Run()

	slow := attach(t, h, "alice", 1)
	pacer := attach(t, h, "alice", 4)

	// First event fills the slow buffer, the second forces the drop. The
	// pacer is drained live, so receiving both frames on it proves the hub
	// finished both fan-outs before the slow channel is inspected.
	h.Publish(bus.Event{Kind: bus.KindSensorData, UserID: "alice", Payload: 1})
	h.Publish(bus.Event{Kind: bus.KindSensorData, UserID: "alice", Payload: 2})
	recv(t, pacer)
	recv(t, pacer)

	deadline := time.After(2 * time.Second)
	got := 0
	for {
		select {
		case _, ok := <-slow.send:
			if !ok {
				if got != 1 {
					t.Fatalf("delivered %d frames before drop, want 1", got)
				}
				return
			}
			got++
		case <-deadline:
			t.Fatal("send channel never closed")
		}
	}
}

func TestUnregisterTwiceIsSafe(t *testing.T) {
	h := NewHub(zerolog.New(io.Discard))
	go h.Run()

	c := attach(t, h, "alice", 1)
	h.unregister <- c
	h.unregister <- c

	// A publish after removal must not panic or deliver.
	h.Publish(bus.Event{Kind: bus.KindLogNew, UserID: "alice", Payload: "x"})
	time.Sleep(50 * time.Millisecond)
}
