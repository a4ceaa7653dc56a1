// Package runtime assembles the daemon: telemetry, message bus, record
// store, pipeline stages, and the operator HTTP surface.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hoshiyomi-live/hoshiyomi/internal/bus"
	"github.com/hoshiyomi-live/hoshiyomi/internal/config"
	"github.com/hoshiyomi-live/hoshiyomi/internal/display"
	"github.com/hoshiyomi-live/hoshiyomi/internal/llm"
	"github.com/hoshiyomi-live/hoshiyomi/internal/natsserver"
	"github.com/hoshiyomi-live/hoshiyomi/internal/operator"
	"github.com/hoshiyomi-live/hoshiyomi/internal/pipeline"
	"github.com/hoshiyomi-live/hoshiyomi/internal/player"
	"github.com/hoshiyomi-live/hoshiyomi/internal/reading"
	"github.com/hoshiyomi-live/hoshiyomi/internal/store"
	"github.com/hoshiyomi-live/hoshiyomi/internal/transport"
	"github.com/hoshiyomi-live/hoshiyomi/internal/tts"
)

type Runtime struct {
	cfg   config.Config
	log   *slog.Logger
	ready atomic.Bool
	wg    sync.WaitGroup
}

func New(cfg config.Config, log *slog.Logger) *Runtime {
	return &Runtime{cfg: cfg, log: log}
}

// Start runs the daemon until ctx is cancelled. Stages registered here
// stay stopped until the operator starts them or the autostart list names
// them.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	telemetryShutdown, metricsHandler, err := setupTelemetry(r.cfg, r.log)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		if err := telemetryShutdown(shutdownCtx); err != nil {
			r.log.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}()

	if r.cfg.Bus.Embedded {
		embedded, err := natsserver.Start(r.cfg.Bus, r.log)
		if err != nil {
			return fmt.Errorf("start embedded bus: %w", err)
		}
		defer embedded.Shutdown()
	}

	busClient, err := bus.Connect(r.cfg.Bus, r.log)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	defer busClient.Close()

	st, err := store.Open(ctx, r.cfg.Store, r.log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	controller, playback, err := r.buildPipeline(busClient, st)
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}
	defer controller.StopAll()

	api := operator.NewServer(controller, st, playback, r.log)
	root := http.NewServeMux()
	root.HandleFunc("/readyz", r.handleReady)
	root.Handle("/", api.Handler())

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           root,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(httpServer, "operator api")

	var metricsServer *http.Server
	if metricsHandler != nil && r.cfg.Telemetry.PrometheusBind != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(metricsServer, "metrics")
	}

	r.autostart(controller)

	r.ready.Store(true)
	r.log.Info("runtime started",
		slog.String("addr", addr),
		slog.String("store", r.cfg.Store.Path),
		slog.String("playback_mode", r.cfg.Playback.Mode))

	<-ctx.Done()
	r.ready.Store(false)
	r.log.Info("runtime stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		r.log.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			r.log.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()
	return nil
}

func (r *Runtime) serve(server *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.log.Error("http server failed",
				slog.String("server", name),
				slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) buildPipeline(busClient *bus.Client, st *store.Store) (*pipeline.Controller, *pipeline.Playback, error) {
	cfg := r.cfg

	extractor, err := newExtractor(cfg.Extraction)
	if err != nil {
		return nil, nil, err
	}
	composer, err := newComposer(cfg.Generation)
	if err != nil {
		return nil, nil, err
	}
	renderer, err := newRenderer(cfg.Synthesis)
	if err != nil {
		return nil, nil, err
	}
	audioPlayer, err := player.NewExecPlayer(cfg.Playback.Player)
	if err != nil {
		return nil, nil, fmt.Errorf("configure player: %w", err)
	}

	source := transport.NewNATSSource(busClient, cfg.Chat, r.log)
	publisher := display.NewNATSPublisher(busClient, r.log)

	synthesize, err := pipeline.NewSynthesize(st, renderer, cfg.Synthesis.AudioDir,
		cfg.Synthesis.BatchSize, cfg.Synthesis.MaxAttempts,
		millis(cfg.Synthesis.TimeoutMS), r.log)
	if err != nil {
		return nil, nil, err
	}
	playback := pipeline.NewPlayback(st, publisher, audioPlayer, cfg.Playback.MaxAttempts, r.log)

	controller := pipeline.NewController(r.log)
	controller.Register(pipeline.NewIngest(source, st, cfg.Chat.BatchSize, r.log), millis(cfg.Chat.PollMS))
	controller.Register(pipeline.NewClassify(st, reading.NewMatcher(cfg.Classifier.Keywords), cfg.Classifier.BatchSize, r.log), millis(cfg.Classifier.PollMS))
	controller.Register(pipeline.NewExtract(st, extractor, cfg.Extraction.BatchSize,
		cfg.Extraction.Concurrency, cfg.Extraction.MaxAttempts,
		millis(cfg.Extraction.TimeoutMS), r.log), millis(cfg.Extraction.PollMS))
	controller.Register(pipeline.NewGenerate(st, composer, cfg.Generation.BatchSize,
		cfg.Generation.Concurrency, cfg.Generation.MaxAttempts,
		millis(cfg.Generation.TimeoutMS), r.log), millis(cfg.Generation.PollMS))
	controller.Register(synthesize, millis(cfg.Synthesis.PollMS))
	controller.Register(playback, millis(cfg.Playback.PollMS))

	return controller, playback, nil
}

func (r *Runtime) autostart(controller *pipeline.Controller) {
	for _, name := range r.cfg.Pipeline.Autostart {
		if name == pipeline.StagePlayback && r.cfg.Playback.Mode == "manual" {
			r.log.Warn("skipping playback autostart in manual mode")
			continue
		}
		if err := controller.Start(name); err != nil {
			r.log.Error("autostart failed",
				slog.String("stage", name),
				slog.String("error", err.Error()))
		}
	}
}

func newExtractor(cfg config.ExtractionConfig) (llm.Extractor, error) {
	switch cfg.Mode {
	case "ollama":
		return llm.NewOllamaExtractor(cfg), nil
	case "exec":
		return llm.NewExecExtractor(cfg.Command)
	default:
		return llm.NewMockExtractor(), nil
	}
}

func newComposer(cfg config.GenerationConfig) (llm.Composer, error) {
	switch cfg.Mode {
	case "ollama":
		return llm.NewOllamaComposer(cfg), nil
	case "exec":
		return llm.NewExecComposer(cfg.Command)
	default:
		return llm.NewMockComposer(), nil
	}
}

func newRenderer(cfg config.SynthesisConfig) (tts.Renderer, error) {
	switch cfg.Mode {
	case "voicevox":
		return tts.NewVoicevoxRenderer(cfg), nil
	case "exec":
		return tts.NewExecRenderer(cfg.Command)
	default:
		return tts.NewMockRenderer(24000), nil
	}
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
