package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hoshiyomi-live/hoshiyomi/internal/llm"
	"github.com/hoshiyomi-live/hoshiyomi/internal/reading"
	"github.com/hoshiyomi-live/hoshiyomi/internal/store"
)

// Extract pulls structured birth data out of target messages via the
// language model. Rows where the comment simply lacks the data are
// closed with the insufficient marker; model failures retry up to the
// attempt cap.
type Extract struct {
	store       *store.Store
	extractor   llm.Extractor
	log         *slog.Logger
	batch       int
	concurrency int
	maxAttempts int
	timeout     time.Duration
}

func NewExtract(st *store.Store, extractor llm.Extractor, batch, concurrency, maxAttempts int, timeout time.Duration, log *slog.Logger) *Extract {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Extract{
		store:       st,
		extractor:   extractor,
		log:         log.With(slog.String("stage", StageExtract)),
		batch:       batch,
		concurrency: concurrency,
		maxAttempts: maxAttempts,
		timeout:     timeout,
	}
}

func (s *Extract) Name() string { return StageExtract }

func (s *Extract) RunOnce(ctx context.Context) (int, error) {
	rows, err := s.store.ClaimExtractable(ctx, s.batch)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	// Rows are independent, so one model failure never blocks its
	// siblings. Only store errors propagate out of the group.
	// Bump-only outcomes count as no progress: the row waits out the
	// poll interval before its next attempt.
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

func (s *Extract) processRow(ctx context.Context, row store.ClaimedRow) (bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	payload := decodePayload(row.Payload)
	info, err := s.extractor.Extract(callCtx, payload.Message)
	switch {
	case errors.Is(err, llm.ErrInsufficient):
		if err := s.store.SetRequiredInfo(ctx, row.MessageID, reading.InsufficientDoc); err != nil {
			return false, err
		}
		return true, nil
	case err != nil:
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		s.log.Warn("extraction failed",
			slog.String("message_id", row.MessageID),
			slog.String("error", err.Error()))
		return false, s.store.BumpAttempts(ctx, row.MessageID, s.maxAttempts)
	}

	info.SupplementDefaults()
	if !info.Satisfied() {
		if err := s.store.SetRequiredInfo(ctx, row.MessageID, reading.InsufficientDoc); err != nil {
			return false, err
		}
		return true, nil
	}
	doc, err := info.Encode()
	if err != nil {
		s.log.Warn("extracted data failed to encode",
			slog.String("message_id", row.MessageID),
			slog.String("error", err.Error()))
		if err := s.store.MarkFailed(ctx, row.MessageID); err != nil {
			return false, err
		}
		return true, nil
	}
	if err := s.store.SetRequiredInfo(ctx, row.MessageID, doc); err != nil {
		return false, err
	}
	return true, nil
}
