package operator

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/hoshiyomi-live/hoshiyomi/internal/config"
	"github.com/hoshiyomi-live/hoshiyomi/internal/display"
	"github.com/hoshiyomi-live/hoshiyomi/internal/pipeline"
	"github.com/hoshiyomi-live/hoshiyomi/internal/player"
	"github.com/hoshiyomi-live/hoshiyomi/internal/reading"
	"github.com/hoshiyomi-live/hoshiyomi/internal/store"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fixture struct {
	server     *httptest.Server
	api        *Server
	store      *store.Store
	controller *pipeline.Controller
	player     *player.Mock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	cfg := config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")}
	st, err := store.Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	mock := player.NewMock()
	playback := pipeline.NewPlayback(st, display.NewRecorder(), mock, 3, newLogger())
	controller := pipeline.NewController(newLogger())
	controller.Register(playback, 50*time.Millisecond)
	t.Cleanup(controller.StopAll)

	api := NewServer(controller, st, playback, newLogger())
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return &fixture{server: srv, api: api, store: st, controller: controller, player: mock}
}

func (f *fixture) get(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(f.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func (f *fixture) post(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Post(f.server.URL+path, "application/json", nil)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func seedPlayable(t *testing.T, st *store.Store, id string) {
	t.Helper()
	ctx := context.Background()
	if err := st.InsertMessage(ctx, id, []byte(`{"author":"viewer","message":"fortune"}`)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := st.EnsureStatus(ctx, id); err != nil {
		t.Fatalf("status: %v", err)
	}
	if err := st.SetClassification(ctx, id, reading.Target); err != nil {
		t.Fatalf("classify: %v", err)
	}
	doc, err := reading.RequiredInfo{Name: "Taro", Birthday: "1990/08/12", BirthTime: "00:00", Birthplace: "Tokyo"}.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := st.SetRequiredInfo(ctx, id, doc); err != nil {
		t.Fatalf("required info: %v", err)
	}
	if err := st.SetResult(ctx, id, "a reading"); err != nil {
		t.Fatalf("result: %v", err)
	}
	if err := st.SetAudioPath(ctx, id, filepath.Join("/tmp", id+".wav")); err != nil {
		t.Fatalf("audio path: %v", err)
	}
}

func TestStageLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t)

	var stages struct {
		Stages []pipeline.StageStatus `json:"stages"`
	}
	if code := f.get(t, "/api/stages", &stages); code != http.StatusOK {
		t.Fatalf("list stages: status %d", code)
	}
	if len(stages.Stages) != 1 || stages.Stages[0].Name != "playback" || stages.Stages[0].Running {
		t.Fatalf("unexpected initial stages: %+v", stages.Stages)
	}

	if code := f.post(t, "/api/stages/playback/start", nil); code != http.StatusOK {
		t.Fatalf("start: status %d", code)
	}
	if code := f.get(t, "/api/stages", &stages); code != http.StatusOK {
		t.Fatalf("list stages: status %d", code)
	}
	if !stages.Stages[0].Running {
		t.Fatal("stage not running after start")
	}

	if code := f.post(t, "/api/stages/playback/stop", nil); code != http.StatusOK {
		t.Fatalf("stop: status %d", code)
	}
	if code := f.post(t, "/api/stages/unknown/start", nil); code != http.StatusNotFound {
		t.Fatalf("unknown stage start: status %d", code)
	}
}

func TestManualPlaybackStep(t *testing.T) {
	f := newFixture(t)
	seedPlayable(t, f.store, "m1")

	var next struct {
		Empty   bool            `json:"empty"`
		Reading *reading.Status `json:"reading"`
	}
	if code := f.get(t, "/api/playback/next", &next); code != http.StatusOK {
		t.Fatalf("next: status %d", code)
	}
	if next.Empty || next.Reading == nil || next.Reading.MessageID != "m1" {
		t.Fatalf("unexpected next: %+v", next)
	}

	var step struct {
		Advanced bool `json:"advanced"`
	}
	if code := f.post(t, "/api/playback/step", &step); code != http.StatusOK {
		t.Fatalf("step: status %d", code)
	}
	if !step.Advanced {
		t.Fatal("step did not advance")
	}
	if plays := f.player.Plays(); len(plays) != 1 {
		t.Fatalf("played %d files, want 1", len(plays))
	}

	if code := f.get(t, "/api/playback/next", &next); code != http.StatusOK {
		t.Fatalf("next: status %d", code)
	}
	if !next.Empty {
		t.Fatalf("queue not empty after step: %+v", next)
	}
	if code := f.post(t, "/api/playback/step", &step); code != http.StatusOK {
		t.Fatalf("empty step: status %d", code)
	}
	if step.Advanced {
		t.Fatal("step advanced on an empty queue")
	}
}

func TestManualStepBoundedByTimeout(t *testing.T) {
	f := newFixture(t)
	seedPlayable(t, f.store, "m1")

	// A player that never finishes must not pin the handler.
	f.api.stepTimeout = 50 * time.Millisecond
	f.player.Delay = 10 * time.Second

	if code := f.post(t, "/api/playback/step", nil); code != http.StatusGatewayTimeout {
		t.Fatalf("hung step: status %d, want 504", code)
	}

	// The reading survives and plays once the device behaves.
	f.player.Delay = 0
	var step struct {
		Advanced bool `json:"advanced"`
	}
	if code := f.post(t, "/api/playback/step", &step); code != http.StatusOK {
		t.Fatalf("retry step: status %d", code)
	}
	if !step.Advanced {
		t.Fatal("retry step did not advance")
	}
}

func TestManualStepRefusedWhileStageRuns(t *testing.T) {
	f := newFixture(t)
	if err := f.controller.Start("playback"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if code := f.post(t, "/api/playback/step", nil); code != http.StatusConflict {
		t.Fatalf("step while running: status %d, want 409", code)
	}
}

func TestStatsAndReadings(t *testing.T) {
	f := newFixture(t)
	seedPlayable(t, f.store, "m1")

	var counts store.Counts
	if code := f.get(t, "/api/stats", &counts); code != http.StatusOK {
		t.Fatalf("stats: status %d", code)
	}
	if counts.Messages != 1 || counts.Rendered != 1 {
		t.Fatalf("unexpected counts: %+v", counts)
	}

	var readings struct {
		Readings []reading.Status `json:"readings"`
	}
	if code := f.get(t, "/api/readings?limit=10", &readings); code != http.StatusOK {
		t.Fatalf("readings: status %d", code)
	}
	if len(readings.Readings) != 1 {
		t.Fatalf("listed %d readings, want 1", len(readings.Readings))
	}
	if code := f.get(t, "/api/readings?limit=zero", nil); code != http.StatusBadRequest {
		t.Fatalf("bad limit: status %d", code)
	}

	var single reading.Status
	if code := f.get(t, "/api/readings/m1", &single); code != http.StatusOK {
		t.Fatalf("reading by id: status %d", code)
	}
	if single.MessageID != "m1" || single.Result != "a reading" {
		t.Fatalf("unexpected reading: %+v", single)
	}
	if code := f.get(t, "/api/readings/missing", nil); code != http.StatusNotFound {
		t.Fatalf("unknown reading: status %d", code)
	}

	if code := f.get(t, "/healthz", nil); code != http.StatusOK {
		t.Fatalf("healthz: status %d", code)
	}
}
