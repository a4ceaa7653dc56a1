package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hoshiyomi-live/hoshiyomi/internal/display"
	"github.com/hoshiyomi-live/hoshiyomi/internal/player"
	"github.com/hoshiyomi-live/hoshiyomi/internal/protocol"
	"github.com/hoshiyomi-live/hoshiyomi/internal/reading"
	"github.com/hoshiyomi-live/hoshiyomi/internal/store"
)

// Playback serializes finished readings onto the stream: one reading at a
// time, oldest first, played to completion before the next begins. The
// same Step powers both the automatic worker and the operator's manual
// advance.
type Playback struct {
	store       *store.Store
	display     display.Publisher
	player      player.Player
	log         *slog.Logger
	maxAttempts int
}

func NewPlayback(st *store.Store, pub display.Publisher, pl player.Player, maxAttempts int, log *slog.Logger) *Playback {
	return &Playback{
		store:       st,
		display:     pub,
		player:      pl,
		log:         log.With(slog.String("stage", StagePlayback)),
		maxAttempts: maxAttempts,
	}
}

func (s *Playback) Name() string { return StagePlayback }

func (s *Playback) RunOnce(ctx context.Context) (int, error) {
	advanced, err := s.Step(ctx)
	if err != nil {
		return 0, err
	}
	if !advanced {
		return 0, nil
	}
	return 1, nil
}

// Next returns the reading Step would play, without playing it. Nil means
// the queue is empty.
func (s *Playback) Next(ctx context.Context) (*reading.Status, error) {
	return s.store.NextPlayable(ctx)
}

// Step plays the oldest unplayed reading to completion and marks it
// played. A stop before the mark lands replays the reading on restart,
// which beats silently losing it.
func (s *Playback) Step(ctx context.Context) (bool, error) {
	st, err := s.store.NextPlayable(ctx)
	if err != nil {
		return false, err
	}
	if st == nil {
		return false, nil
	}

	s.display.Show(s.snapshot(ctx, st))

	if err := s.player.Play(ctx, st.ResultAudioPath); err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		s.log.Warn("audio playback failed",
			slog.String("message_id", st.MessageID),
			slog.String("error", err.Error()))
		if err := s.store.BumpAttempts(ctx, st.MessageID, s.maxAttempts); err != nil {
			return false, err
		}
		return false, nil
	}

	if err := s.store.MarkPlayed(ctx, st.MessageID); err != nil {
		return false, err
	}
	s.log.Info("reading played", slog.String("message_id", st.MessageID))
	return true, nil
}

func (s *Playback) snapshot(ctx context.Context, st *reading.Status) protocol.ReadingSnapshot {
	snap := protocol.ReadingSnapshot{
		MessageID:    st.MessageID,
		RequiredInfo: json.RawMessage(st.RequiredInfo),
		Result:       st.Result,
		AudioPath:    st.ResultAudioPath,
		Timestamp:    time.Now().UTC(),
	}
	if payload, err := s.store.Message(ctx, st.MessageID); err == nil {
		snap.Author = decodePayload(payload).Author
	}
	return snap
}
