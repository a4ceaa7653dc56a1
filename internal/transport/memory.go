package transport

import "context"

// MemorySource is an in-process source for tests and replays.
type MemorySource struct {
	events chan Event
}

func NewMemorySource(buffer int) *MemorySource {
	if buffer <= 0 {
		buffer = 64
	}
	return &MemorySource{events: make(chan Event, buffer)}
}

// Push enqueues an event; it blocks when the buffer is full.
func (s *MemorySource) Push(evt Event) {
	s.events <- evt
}

func (s *MemorySource) Events(ctx context.Context) (<-chan Event, error) {
	return s.events, nil
}
