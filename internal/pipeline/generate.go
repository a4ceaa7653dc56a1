package pipeline

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hoshiyomi-live/hoshiyomi/internal/astro"
	"github.com/hoshiyomi-live/hoshiyomi/internal/llm"
	"github.com/hoshiyomi-live/hoshiyomi/internal/reading"
	"github.com/hoshiyomi-live/hoshiyomi/internal/store"
)

// Generate turns completed birth data into reading text. The chart facts
// are computed locally and handed to the model so the astrology in the
// output stays deterministic.
type Generate struct {
	store       *store.Store
	composer    llm.Composer
	log         *slog.Logger
	batch       int
	concurrency int
	maxAttempts int
	timeout     time.Duration
}

func NewGenerate(st *store.Store, composer llm.Composer, batch, concurrency, maxAttempts int, timeout time.Duration, log *slog.Logger) *Generate {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Generate{
		store:       st,
		composer:    composer,
		log:         log.With(slog.String("stage", StageGenerate)),
		batch:       batch,
		concurrency: concurrency,
		maxAttempts: maxAttempts,
		timeout:     timeout,
	}
}

func (s *Generate) Name() string { return StageGenerate }

func (s *Generate) RunOnce(ctx context.Context) (int, error) {
	rows, err := s.store.ClaimGeneratable(ctx, s.batch)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	// Bump-only outcomes count as no progress so the controller waits the
	// poll interval before the row is claimed again.
	var advanced atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(s.concurrency)
	for _, row := range rows {
		g.Go(func() error {
			ok, err := s.processRow(ctx, row)
			if ok {
				advanced.Add(1)
			}
			return err
		})
	}
	err = g.Wait()
	return int(advanced.Load()), err
}

func (s *Generate) processRow(ctx context.Context, row reading.Status) (bool, error) {
	info, err := reading.DecodeRequiredInfo(row.RequiredInfo)
	if err != nil {
		// Corrupt stored data cannot heal on retry.
		s.log.Warn("stored birth data failed to decode",
			slog.String("message_id", row.MessageID),
			slog.String("error", err.Error()))
		return s.terminal(ctx, row.MessageID)
	}
	facts, err := astro.Compute(info)
	if err != nil {
		s.log.Warn("chart computation rejected birth data",
			slog.String("message_id", row.MessageID),
			slog.String("error", err.Error()))
		return s.terminal(ctx, row.MessageID)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	text, err := s.composer.Compose(callCtx, info, facts)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		s.log.Warn("reading generation failed",
			slog.String("message_id", row.MessageID),
			slog.String("error", err.Error()))
		return false, s.store.BumpAttempts(ctx, row.MessageID, s.maxAttempts)
	}
	if text == "" {
		s.log.Warn("model returned empty reading", slog.String("message_id", row.MessageID))
		return false, s.store.BumpAttempts(ctx, row.MessageID, s.maxAttempts)
	}
	if err := s.store.SetResult(ctx, row.MessageID, text); err != nil {
		return false, err
	}
	return true, nil
}

// terminal fails the row permanently. The row leaves the claim window, so
// that still counts as the stage advancing it.
func (s *Generate) terminal(ctx context.Context, messageID string) (bool, error) {
	if err := s.store.MarkFailed(ctx, messageID); err != nil {
		return false, err
	}
	return true, nil
}
