// Package transport delivers raw chat events into the pipeline. The
// transport owns its own reconnect behavior; the ingestion stage only sees
// a channel that stalls while the source is down.
package transport

import "context"

// Event is one raw comment from the chat source.
type Event struct {
	ID      string
	Payload []byte
}

// Source is a lazy, effectively unbounded stream of chat events.
type Source interface {
	// Events returns the event channel. The channel is closed when ctx is
	// cancelled; it never closes on transport errors.
	Events(ctx context.Context) (<-chan Event, error)
}
