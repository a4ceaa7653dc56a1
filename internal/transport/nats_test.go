package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/hoshiyomi-live/hoshiyomi/internal/protocol"
)

func newSource() *NATSSource {
	return &NATSSource{
		log: slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError})),
	}
}

func chatMsg(t *testing.T, id, message string) *nats.Msg {
	t.Helper()
	payload, err := json.Marshal(map[string]string{"author": "viewer", "message": message})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	data, err := json.Marshal(protocol.ChatEvent{ID: id, Payload: payload})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return &nats.Msg{Data: data}
}

// A slow consumer must stall the forwarder, not cost events. Every message
// pushed before cancellation has to come out the other side.
func TestForwardBlocksInsteadOfDropping(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := newSource()
	raw := make(chan *nats.Msg, 8)
	events := make(chan Event, 1)

	const total = 5
	for i := 0; i < total; i++ {
		raw <- chatMsg(t, fmt.Sprintf("m%d", i), "hello")
	}
	go src.forward(ctx, raw, events)

	for i := 0; i < total; i++ {
		// Read slowly so the forwarder has to wait for buffer space.
		time.Sleep(10 * time.Millisecond)
		select {
		case evt := <-events:
			if want := fmt.Sprintf("m%d", i); evt.ID != want {
				t.Fatalf("event %d has id %q, want %q", i, evt.ID, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("event %d never arrived", i)
		}
	}

	cancel()
	select {
	case _, open := <-events:
		if open {
			t.Fatal("unexpected event after cancellation")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancellation")
	}
}

func TestForwardSkipsUndecodableMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := newSource()
	raw := make(chan *nats.Msg, 4)
	events := make(chan Event, 4)
	raw <- &nats.Msg{Data: []byte("not json")}
	raw <- chatMsg(t, "m1", "hello")
	go src.forward(ctx, raw, events)

	select {
	case evt := <-events:
		if evt.ID != "m1" {
			t.Fatalf("got id %q, want m1", evt.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("valid event never arrived")
	}
}

func TestDecodeDerivesStableID(t *testing.T) {
	src := newSource()
	data, err := json.Marshal(protocol.ChatEvent{Payload: []byte(`{"author":"a","message":"b"}`)})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	first, ok := src.decode(data)
	if !ok {
		t.Fatal("decode rejected a valid event")
	}
	if first.ID == "" {
		t.Fatal("no id derived for an id-less event")
	}
	second, _ := src.decode(data)
	if second.ID != first.ID {
		t.Fatalf("derived id not stable: %q vs %q", first.ID, second.ID)
	}
}
