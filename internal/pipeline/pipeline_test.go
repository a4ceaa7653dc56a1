package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hoshiyomi-live/hoshiyomi/internal/astro"
	"github.com/hoshiyomi-live/hoshiyomi/internal/config"
	"github.com/hoshiyomi-live/hoshiyomi/internal/display"
	"github.com/hoshiyomi-live/hoshiyomi/internal/llm"
	"github.com/hoshiyomi-live/hoshiyomi/internal/player"
	"github.com/hoshiyomi-live/hoshiyomi/internal/reading"
	"github.com/hoshiyomi-live/hoshiyomi/internal/store"
	"github.com/hoshiyomi-live/hoshiyomi/internal/transport"
	"github.com/hoshiyomi-live/hoshiyomi/internal/tts"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	cfg := config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")}
	s, err := store.Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func chatEvent(t *testing.T, id, author, message string) transport.Event {
	t.Helper()
	payload, err := json.Marshal(map[string]string{"author": author, "message": message})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return transport.Event{ID: id, Payload: payload}
}

func seedTarget(t *testing.T, s *store.Store, id, message string) {
	t.Helper()
	ctx := context.Background()
	evt := chatEvent(t, id, "viewer", message)
	if err := s.InsertMessage(ctx, evt.ID, evt.Payload); err != nil {
		t.Fatalf("insert message: %v", err)
	}
	if err := s.EnsureStatus(ctx, evt.ID); err != nil {
		t.Fatalf("ensure status: %v", err)
	}
	if err := s.SetClassification(ctx, evt.ID, reading.Target); err != nil {
		t.Fatalf("classify: %v", err)
	}
}

func statusByID(t *testing.T, s *store.Store, id string) reading.Status {
	t.Helper()
	st, err := s.Status(context.Background(), id)
	if err != nil {
		t.Fatalf("load status: %v", err)
	}
	if st == nil {
		t.Fatalf("no status row for %s", id)
	}
	return *st
}

func TestIngestPersistsEveryEvent(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	source := transport.NewMemorySource(8)
	source.Push(chatEvent(t, "m1", "alice", "hello"))
	source.Push(chatEvent(t, "m2", "bob", "fortune name=Bob birthday=1991/02/03"))

	stage := NewIngest(source, s, 10, newLogger())
	n, err := stage.RunOnce(ctx)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if n != 2 {
		t.Fatalf("ingested %d events, want 2", n)
	}

	counts, err := s.Counts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Messages != 2 {
		t.Fatalf("stored %d messages, want 2", counts.Messages)
	}

	// Redelivery of a seen id must not create a second row.
	source.Push(chatEvent(t, "m1", "alice", "hello"))
	if _, err := stage.RunOnce(ctx); err != nil {
		t.Fatalf("ingest redelivery: %v", err)
	}
	counts, err = s.Counts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Messages != 2 {
		t.Fatalf("redelivery created a row, have %d messages", counts.Messages)
	}
}

func TestClassifySplitsTargetsFromRejects(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	for _, evt := range []transport.Event{
		chatEvent(t, "m1", "alice", "great stream today"),
		chatEvent(t, "m2", "bob", "Fortune please! name=Bob birthday=1991/02/03"),
		chatEvent(t, "m3", "carol", "占ってください"),
	} {
		if err := s.InsertMessage(ctx, evt.ID, evt.Payload); err != nil {
			t.Fatalf("insert: %v", err)
		}
		if err := s.EnsureStatus(ctx, evt.ID); err != nil {
			t.Fatalf("status: %v", err)
		}
	}

	matcher := reading.NewMatcher([]string{"占って", "fortune"})
	stage := NewClassify(s, matcher, 10, newLogger())
	n, err := stage.RunOnce(ctx)
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if n != 3 {
		t.Fatalf("classified %d rows, want 3", n)
	}

	want := map[string]reading.Classification{
		"m1": reading.Rejected,
		"m2": reading.Target,
		"m3": reading.Target,
	}
	for id, c := range want {
		if got := statusByID(t, s, id).Classification; got != c {
			t.Errorf("%s classified %q, want %q", id, got, c)
		}
	}

	// A second cycle finds nothing unclassified.
	n, err = stage.RunOnce(ctx)
	if err != nil {
		t.Fatalf("classify again: %v", err)
	}
	if n != 0 {
		t.Fatalf("reclassified %d rows, want 0", n)
	}
}

func TestExtractThenGenerate(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	seedTarget(t, s, "m1", "fortune name=Taro birthday=1990/08/12 worries=work")

	extract := NewExtract(s, llm.NewMockExtractor(), 10, 2, 3, time.Second, newLogger())
	n, err := extract.RunOnce(ctx)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if n != 1 {
		t.Fatalf("extracted %d rows, want 1", n)
	}

	st := statusByID(t, s, "m1")
	info, err := reading.DecodeRequiredInfo(st.RequiredInfo)
	if err != nil {
		t.Fatalf("decode required info: %v", err)
	}
	if info.Name != "Taro" || info.Birthday != "1990/08/12" {
		t.Fatalf("unexpected extraction: %+v", info)
	}
	if info.Birthplace != "Tokyo" || info.BirthTime != "00:00" {
		t.Fatalf("defaults not supplemented: %+v", info)
	}

	generate := NewGenerate(s, llm.NewMockComposer(), 10, 2, 3, time.Second, newLogger())
	n, err = generate.RunOnce(ctx)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if n != 1 {
		t.Fatalf("generated %d rows, want 1", n)
	}
	if got := statusByID(t, s, "m1").Result; got == "" {
		t.Fatal("generation left result empty")
	}
}

func TestExtractInsufficientIsTerminal(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	seedTarget(t, s, "m1", "fortune please, no details")

	extract := NewExtract(s, llm.NewMockExtractor(), 10, 2, 3, time.Second, newLogger())
	if _, err := extract.RunOnce(ctx); err != nil {
		t.Fatalf("extract: %v", err)
	}

	st := statusByID(t, s, "m1")
	if !reading.IsInsufficient(st.RequiredInfo) {
		t.Fatalf("expected insufficient marker, got %q", st.RequiredInfo)
	}

	// The marked row never reaches generation.
	rows, err := s.ClaimGeneratable(ctx, 10)
	if err != nil {
		t.Fatalf("claim generatable: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("insufficient row claimed for generation: %+v", rows)
	}
}

type failingComposer struct{ calls int }

func (c *failingComposer) Compose(ctx context.Context, info reading.RequiredInfo, facts astro.Facts) (string, error) {
	c.calls++
	return "", errors.New("model unavailable")
}

func TestGenerateRetriesThenFails(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	seedTarget(t, s, "m1", "fortune name=Taro birthday=1990/08/12")

	extract := NewExtract(s, llm.NewMockExtractor(), 10, 1, 3, time.Second, newLogger())
	if _, err := extract.RunOnce(ctx); err != nil {
		t.Fatalf("extract: %v", err)
	}

	composer := &failingComposer{}
	generate := NewGenerate(s, composer, 10, 1, 2, time.Second, newLogger())
	for i := 0; i < 3; i++ {
		if _, err := generate.RunOnce(ctx); err != nil {
			t.Fatalf("generate cycle %d: %v", i, err)
		}
	}

	st := statusByID(t, s, "m1")
	if !st.Failed {
		t.Fatal("row not failed after exhausting attempts")
	}
	if composer.calls != 2 {
		t.Fatalf("composer called %d times, want 2", composer.calls)
	}

	// Failed rows drop out of the claim window.
	rows, err := s.ClaimGeneratable(ctx, 10)
	if err != nil {
		t.Fatalf("claim generatable: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("failed row still claimable: %+v", rows)
	}
}

type failingExtractor struct{ calls int }

func (e *failingExtractor) Extract(ctx context.Context, comment string) (reading.RequiredInfo, error) {
	e.calls++
	return reading.RequiredInfo{}, errors.New("connection refused")
}

type failingRenderer struct{ calls int }

func (r *failingRenderer) Render(ctx context.Context, text, path string) error {
	r.calls++
	return errors.New("engine unavailable")
}

// A cycle whose only effect was bumping attempt counters must report zero
// progress. Otherwise the controller re-polls immediately and a short
// outage exhausts the attempt cap in milliseconds instead of spreading
// retries across poll intervals.
func TestTransientFailureIsNotProgress(t *testing.T) {
	ctx := context.Background()

	t.Run("extract", func(t *testing.T) {
		s := openStore(t)
		seedTarget(t, s, "m1", "fortune name=Taro birthday=1990/08/12")

		extractor := &failingExtractor{}
		stage := NewExtract(s, extractor, 10, 1, 5, time.Second, newLogger())
		n, err := stage.RunOnce(ctx)
		if err != nil {
			t.Fatalf("extract: %v", err)
		}
		if n != 0 {
			t.Fatalf("bump-only cycle reported %d rows advanced, want 0", n)
		}
		st := statusByID(t, s, "m1")
		if st.Attempts != 1 || st.Failed {
			t.Fatalf("after one cycle attempts=%d failed=%v, want 1 attempt and not failed", st.Attempts, st.Failed)
		}
		if extractor.calls != 1 {
			t.Fatalf("extractor called %d times in one cycle, want 1", extractor.calls)
		}
	})

	t.Run("generate", func(t *testing.T) {
		s := openStore(t)
		seedTarget(t, s, "m1", "fortune name=Taro birthday=1990/08/12")
		extract := NewExtract(s, llm.NewMockExtractor(), 10, 1, 3, time.Second, newLogger())
		if _, err := extract.RunOnce(ctx); err != nil {
			t.Fatalf("extract: %v", err)
		}

		composer := &failingComposer{}
		stage := NewGenerate(s, composer, 10, 1, 5, time.Second, newLogger())
		n, err := stage.RunOnce(ctx)
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if n != 0 {
			t.Fatalf("bump-only cycle reported %d rows advanced, want 0", n)
		}
		st := statusByID(t, s, "m1")
		if st.Attempts != 1 || st.Failed {
			t.Fatalf("after one cycle attempts=%d failed=%v, want 1 attempt and not failed", st.Attempts, st.Failed)
		}
	})

	t.Run("synthesize", func(t *testing.T) {
		s := openStore(t)
		seedTarget(t, s, "m1", "fortune name=Taro birthday=1990/08/12")
		extract := NewExtract(s, llm.NewMockExtractor(), 10, 1, 3, time.Second, newLogger())
		if _, err := extract.RunOnce(ctx); err != nil {
			t.Fatalf("extract: %v", err)
		}
		generate := NewGenerate(s, llm.NewMockComposer(), 10, 1, 3, time.Second, newLogger())
		if _, err := generate.RunOnce(ctx); err != nil {
			t.Fatalf("generate: %v", err)
		}

		stage, err := NewSynthesize(s, &failingRenderer{}, t.TempDir(), 10, 5, time.Second, newLogger())
		if err != nil {
			t.Fatalf("new synthesize: %v", err)
		}
		n, err := stage.RunOnce(ctx)
		if err != nil {
			t.Fatalf("synthesize: %v", err)
		}
		if n != 0 {
			t.Fatalf("bump-only cycle reported %d rows advanced, want 0", n)
		}
		st := statusByID(t, s, "m1")
		if st.Attempts != 1 || st.Failed {
			t.Fatalf("after one cycle attempts=%d failed=%v, want 1 attempt and not failed", st.Attempts, st.Failed)
		}
		if st.ResultAudioPath != "" {
			t.Fatalf("audio path set despite render failure: %q", st.ResultAudioPath)
		}
	})
}

func TestSynthesizeWritesDeterministicPath(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	seedTarget(t, s, "m1", "fortune name=Taro birthday=1990/08/12")
	extract := NewExtract(s, llm.NewMockExtractor(), 10, 1, 3, time.Second, newLogger())
	if _, err := extract.RunOnce(ctx); err != nil {
		t.Fatalf("extract: %v", err)
	}
	generate := NewGenerate(s, llm.NewMockComposer(), 10, 1, 3, time.Second, newLogger())
	if _, err := generate.RunOnce(ctx); err != nil {
		t.Fatalf("generate: %v", err)
	}

	audioDir := t.TempDir()
	stage, err := NewSynthesize(s, tts.NewMockRenderer(24000), audioDir, 10, 3, time.Second, newLogger())
	if err != nil {
		t.Fatalf("new synthesize: %v", err)
	}
	n, err := stage.RunOnce(ctx)
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if n != 1 {
		t.Fatalf("synthesized %d rows, want 1", n)
	}

	wantPath := filepath.Join(audioDir, "m1.wav")
	if got := statusByID(t, s, "m1").ResultAudioPath; got != wantPath {
		t.Fatalf("audio path %q, want %q", got, wantPath)
	}
	if _, err := os.Stat(wantPath); err != nil {
		t.Fatalf("audio file missing: %v", err)
	}

	// Nothing left to claim on the next cycle.
	n, err = stage.RunOnce(ctx)
	if err != nil {
		t.Fatalf("synthesize again: %v", err)
	}
	if n != 0 {
		t.Fatalf("re-synthesized %d rows, want 0", n)
	}
}

func TestSynthesizeRedundantWorkersConverge(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	seedTarget(t, s, "m1", "fortune name=Taro birthday=1990/08/12")
	extract := NewExtract(s, llm.NewMockExtractor(), 10, 1, 3, time.Second, newLogger())
	if _, err := extract.RunOnce(ctx); err != nil {
		t.Fatalf("extract: %v", err)
	}
	generate := NewGenerate(s, llm.NewMockComposer(), 10, 1, 3, time.Second, newLogger())
	if _, err := generate.RunOnce(ctx); err != nil {
		t.Fatalf("generate: %v", err)
	}

	// Two workers claim the same row at once. The deterministic path and
	// the guarded path update make the redundant render harmless: both
	// write the same file, only the first update takes effect.
	audioDir := t.TempDir()
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		worker, err := NewSynthesize(s, tts.NewMockRenderer(24000), audioDir, 10, 3, time.Second, newLogger())
		if err != nil {
			t.Fatalf("new synthesize: %v", err)
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = worker.RunOnce(ctx)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("worker %d: %v", i, err)
		}
	}

	wantPath := filepath.Join(audioDir, "m1.wav")
	if got := statusByID(t, s, "m1").ResultAudioPath; got != wantPath {
		t.Fatalf("audio path %q, want %q", got, wantPath)
	}
}

func preparePlayable(t *testing.T, s *store.Store, id string) {
	t.Helper()
	ctx := context.Background()
	seedTarget(t, s, id, "fortune name=Taro birthday=1990/08/12")
	doc, err := reading.RequiredInfo{Name: "Taro", Birthday: "1990/08/12", BirthTime: "00:00", Birthplace: "Tokyo"}.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := s.SetRequiredInfo(ctx, id, doc); err != nil {
		t.Fatalf("set required info: %v", err)
	}
	if err := s.SetResult(ctx, id, "a short reading for "+id); err != nil {
		t.Fatalf("set result: %v", err)
	}
	if err := s.SetAudioPath(ctx, id, filepath.Join("/tmp", id+".wav")); err != nil {
		t.Fatalf("set audio path: %v", err)
	}
}

func TestPlaybackPlaysOldestFirst(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	preparePlayable(t, s, "m1")
	preparePlayable(t, s, "m2")

	recorder := display.NewRecorder()
	mock := player.NewMock()
	stage := NewPlayback(s, recorder, mock, 3, newLogger())

	for i := 0; i < 2; i++ {
		advanced, err := stage.Step(ctx)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if !advanced {
			t.Fatalf("step %d did not advance", i)
		}
	}

	plays := mock.Plays()
	if len(plays) != 2 {
		t.Fatalf("played %d files, want 2", len(plays))
	}
	if filepath.Base(plays[0]) != "m1.wav" || filepath.Base(plays[1]) != "m2.wav" {
		t.Fatalf("wrong play order: %v", plays)
	}

	snaps := recorder.Snapshots()
	if len(snaps) != 2 || snaps[0].MessageID != "m1" || snaps[1].MessageID != "m2" {
		t.Fatalf("wrong display order: %+v", snaps)
	}
	if snaps[0].Author != "viewer" {
		t.Fatalf("snapshot missing author: %+v", snaps[0])
	}

	advanced, err := stage.Step(ctx)
	if err != nil {
		t.Fatalf("final step: %v", err)
	}
	if advanced {
		t.Fatal("step advanced on an empty queue")
	}
}

func TestPlaybackFailureLeavesRowUnplayed(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	preparePlayable(t, s, "m1")

	mock := player.NewMock()
	mock.Err = errors.New("audio device busy")
	stage := NewPlayback(s, display.NewRecorder(), mock, 3, newLogger())

	advanced, err := stage.Step(ctx)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if advanced {
		t.Fatal("step reported progress despite player failure")
	}
	if statusByID(t, s, "m1").IsPlayed {
		t.Fatal("row marked played despite player failure")
	}

	// The same row is offered again once the device recovers.
	mock.Err = nil
	advanced, err = stage.Step(ctx)
	if err != nil {
		t.Fatalf("retry step: %v", err)
	}
	if !advanced {
		t.Fatal("retry did not advance")
	}
	if !statusByID(t, s, "m1").IsPlayed {
		t.Fatal("row not marked played after successful retry")
	}
}
