package player

import (
	"context"
	"sync"
	"time"
)

// Mock records played paths for tests.
type Mock struct {
	mu    sync.Mutex
	plays []string

	// Delay simulates playback duration.
	Delay time.Duration
	// Err, when set, is returned by every Play call.
	Err error
}

func NewMock() *Mock { return &Mock{} }

func (m *Mock) Play(ctx context.Context, path string) error {
	if m.Delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.Delay):
		}
	}
	if m.Err != nil {
		return m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plays = append(m.plays, path)
	return nil
}

// Plays returns a copy of everything played so far.
func (m *Mock) Plays() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.plays...)
}
