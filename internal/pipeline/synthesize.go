package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hoshiyomi-live/hoshiyomi/internal/reading"
	"github.com/hoshiyomi-live/hoshiyomi/internal/store"
	"github.com/hoshiyomi-live/hoshiyomi/internal/tts"
)

// Synthesize renders reading text to audio files. Paths are derived from
// the message id, so a redundant render from overlapping claims writes
// the same file and the guarded path update stays idempotent.
type Synthesize struct {
	store       *store.Store
	renderer    tts.Renderer
	log         *slog.Logger
	audioDir    string
	batch       int
	maxAttempts int
	timeout     time.Duration

	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewSynthesize(st *store.Store, renderer tts.Renderer, audioDir string, batch, maxAttempts int, timeout time.Duration, log *slog.Logger) (*Synthesize, error) {
	if err := os.MkdirAll(audioDir, 0o755); err != nil {
		return nil, fmt.Errorf("create audio dir: %w", err)
	}
	return &Synthesize{
		store:       st,
		renderer:    renderer,
		log:         log.With(slog.String("stage", StageSynthesize)),
		audioDir:    audioDir,
		batch:       batch,
		maxAttempts: maxAttempts,
		timeout:     timeout,
		inflight:    make(map[string]struct{}),
	}, nil
}

func (s *Synthesize) Name() string { return StageSynthesize }

func (s *Synthesize) RunOnce(ctx context.Context) (int, error) {
	rows, err := s.store.ClaimSynthesizable(ctx, s.batch)
	if err != nil {
		return 0, err
	}

	// A render that only bumped the attempt counter is not progress. The
	// row should wait out the poll interval, not be retried immediately.
	n := 0
	for _, row := range rows {
		if !s.begin(row.MessageID) {
			continue
		}
		ok, err := s.render(ctx, row)
		s.end(row.MessageID)
		if err != nil {
			if ctx.Err() != nil {
				return n, ctx.Err()
			}
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

func (s *Synthesize) render(ctx context.Context, row reading.Status) (bool, error) {
	path := filepath.Join(s.audioDir, row.MessageID+".wav")

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.renderer.Render(callCtx, row.Result, path); err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		s.log.Warn("speech synthesis failed",
			slog.String("message_id", row.MessageID),
			slog.String("error", err.Error()))
		return false, s.store.BumpAttempts(ctx, row.MessageID, s.maxAttempts)
	}
	if err := s.store.SetAudioPath(ctx, row.MessageID, path); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Synthesize) begin(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[id]; busy {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Synthesize) end(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, id)
}
