package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hoshiyomi-live/hoshiyomi/internal/store"
	"github.com/hoshiyomi-live/hoshiyomi/internal/transport"
)

// Ingest drains the chat source into the record store. Every stored
// message gets a status row so downstream stages can find it.
type Ingest struct {
	source transport.Source
	store  *store.Store
	log    *slog.Logger
	batch  int

	events  <-chan transport.Event
	pending *transport.Event
}

func NewIngest(source transport.Source, st *store.Store, batch int, log *slog.Logger) *Ingest {
	return &Ingest{
		source: source,
		store:  st,
		log:    log.With(slog.String("stage", StageIngest)),
		batch:  batch,
	}
}

func (s *Ingest) Name() string { return StageIngest }

func (s *Ingest) RunOnce(ctx context.Context) (int, error) {
	if s.events == nil {
		events, err := s.source.Events(ctx)
		if err != nil {
			return 0, fmt.Errorf("open chat source: %w", err)
		}
		s.events = events
	}

	n := 0
	// A persist failure keeps the event so the next cycle retries it
	// instead of dropping a consumed comment.
	if s.pending != nil {
		if err := s.persist(ctx, *s.pending); err != nil {
			return n, err
		}
		s.pending = nil
		n++
	}

	for n < s.batch {
		select {
		case evt, ok := <-s.events:
			if !ok {
				// Source closed with the previous worker context;
				// resubscribe on the next cycle.
				s.events = nil
				return n, nil
			}
			if err := s.persist(ctx, evt); err != nil {
				s.pending = &evt
				return n, err
			}
			n++
		default:
			return n, nil
		}
	}
	return n, nil
}

func (s *Ingest) persist(ctx context.Context, evt transport.Event) error {
	if err := s.store.InsertMessage(ctx, evt.ID, evt.Payload); err != nil {
		return err
	}
	return s.store.EnsureStatus(ctx, evt.ID)
}
