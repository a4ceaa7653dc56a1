package transport

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hoshiyomi-live/hoshiyomi/internal/bus"
	"github.com/hoshiyomi-live/hoshiyomi/internal/config"
	"github.com/hoshiyomi-live/hoshiyomi/internal/protocol"
	"github.com/nats-io/nats.go"
)

// NATSSource subscribes to the chat subject and yields decoded events.
type NATSSource struct {
	bus     *bus.Client
	subject string
	buffer  int
	log     *slog.Logger
}

func NewNATSSource(busClient *bus.Client, cfg config.ChatConfig, log *slog.Logger) *NATSSource {
	return &NATSSource{
		bus:     busClient,
		subject: cfg.Subject,
		buffer:  cfg.Buffer,
		log:     log.With(slog.String("component", "chat-transport")),
	}
}

// Events subscribes and forwards decoded events until ctx is cancelled.
// When the consumer falls behind, the callback blocks and backpressure
// lands in the subscription's pending buffer instead of dropping events
// before the store has seen them.
func (s *NATSSource) Events(ctx context.Context) (<-chan Event, error) {
	raw := make(chan *nats.Msg, s.buffer)
	sub, err := s.bus.Conn().Subscribe(s.subject, func(msg *nats.Msg) {
		select {
		case raw <- msg:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", s.subject, err)
	}

	events := make(chan Event, s.buffer)
	go func() {
		defer func() { _ = sub.Unsubscribe() }()
		s.forward(ctx, raw, events)
	}()
	return events, nil
}

// forward is the only sender on events, so closing it here is safe.
func (s *NATSSource) forward(ctx context.Context, raw <-chan *nats.Msg, events chan<- Event) {
	defer close(events)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-raw:
			evt, ok := s.decode(msg.Data)
			if !ok {
				continue
			}
			select {
			case events <- evt:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *NATSSource) decode(data []byte) (Event, bool) {
	var evt protocol.ChatEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		s.log.Warn("failed to decode chat event", slog.String("error", err.Error()))
		return Event{}, false
	}
	id := evt.ID
	if id == "" {
		// Sources without native ids get a stable digest of the payload,
		// so re-delivery still deduplicates.
		sum := sha256.Sum256(data)
		id = hex.EncodeToString(sum[:16])
	}
	return Event{ID: id, Payload: payloadOf(evt, data)}, true
}

func payloadOf(evt protocol.ChatEvent, raw []byte) []byte {
	if len(evt.Payload) > 0 {
		return evt.Payload
	}
	return raw
}
