// Package display pushes reading snapshots to the on-screen surface.
// Publishing is fire-and-forget: a lost frame only means the overlay skips
// one update.
package display

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/hoshiyomi-live/hoshiyomi/internal/bus"
	"github.com/hoshiyomi-live/hoshiyomi/internal/protocol"
)

// Publisher shows a reading snapshot on the visual output.
type Publisher interface {
	Show(snapshot protocol.ReadingSnapshot)
}

type natsPublisher struct {
	bus *bus.Client
	log *slog.Logger
}

func NewNATSPublisher(busClient *bus.Client, log *slog.Logger) Publisher {
	return &natsPublisher{
		bus: busClient,
		log: log.With(slog.String("component", "display")),
	}
}

func (p *natsPublisher) Show(snapshot protocol.ReadingSnapshot) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		p.log.Warn("failed to marshal snapshot", slog.String("error", err.Error()))
		return
	}
	if err := p.bus.Conn().Publish(protocol.SubjectDisplayReading, data); err != nil {
		p.log.Warn("failed to publish snapshot", slog.String("error", err.Error()))
	}
}

// Recorder keeps snapshots in memory for tests and headless runs.
type Recorder struct {
	mu        sync.Mutex
	snapshots []protocol.ReadingSnapshot
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Show(snapshot protocol.ReadingSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, snapshot)
}

// Snapshots returns a copy of everything shown so far.
func (r *Recorder) Snapshots() []protocol.ReadingSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.ReadingSnapshot(nil), r.snapshots...)
}
