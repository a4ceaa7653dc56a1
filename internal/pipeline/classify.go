package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hoshiyomi-live/hoshiyomi/internal/protocol"
	"github.com/hoshiyomi-live/hoshiyomi/internal/reading"
	"github.com/hoshiyomi-live/hoshiyomi/internal/store"
)

// Classify splits unclassified messages into reading targets and rejects.
// Both outcomes are recorded; only targets flow further.
type Classify struct {
	store   *store.Store
	matcher *reading.Matcher
	log     *slog.Logger
	batch   int
}

func NewClassify(st *store.Store, matcher *reading.Matcher, batch int, log *slog.Logger) *Classify {
	return &Classify{
		store:   st,
		matcher: matcher,
		log:     log.With(slog.String("stage", StageClassify)),
		batch:   batch,
	}
}

func (s *Classify) Name() string { return StageClassify }

func (s *Classify) RunOnce(ctx context.Context) (int, error) {
	rows, err := s.store.ClaimUnclassified(ctx, s.batch)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, row := range rows {
		decision := reading.Rejected
		var payload protocol.ChatPayload
		if err := json.Unmarshal(row.Payload, &payload); err != nil {
			s.log.Warn("rejecting message with unreadable payload",
				slog.String("message_id", row.MessageID),
				slog.String("error", err.Error()))
		} else if s.matcher.Match(payload.Message) {
			decision = reading.Target
		}
		if err := s.store.SetClassification(ctx, row.MessageID, decision); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
