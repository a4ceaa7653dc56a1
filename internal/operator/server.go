// Package operator exposes the HTTP control surface: stage start/stop,
// reading inspection, and manual playback advance.
package operator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/hoshiyomi-live/hoshiyomi/internal/pipeline"
	"github.com/hoshiyomi-live/hoshiyomi/internal/store"
)

// defaultStepTimeout bounds a manual playback step. Long enough for any
// reading's audio, short enough that a hung player cannot pin the handler
// forever.
const defaultStepTimeout = 5 * time.Minute

// Server wires the operator routes onto a gorilla/mux router.
type Server struct {
	log         *slog.Logger
	controller  *pipeline.Controller
	store       *store.Store
	playback    *pipeline.Playback
	router      *mux.Router
	stepTimeout time.Duration
}

func NewServer(controller *pipeline.Controller, st *store.Store, playback *pipeline.Playback, log *slog.Logger) *Server {
	s := &Server{
		log:         log.With(slog.String("component", "operator")),
		controller:  controller,
		store:       st,
		playback:    playback,
		router:      mux.NewRouter(),
		stepTimeout: defaultStepTimeout,
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/stages", s.handleStages).Methods(http.MethodGet)
	api.HandleFunc("/stages/{name}/start", s.handleStageStart).Methods(http.MethodPost)
	api.HandleFunc("/stages/{name}/stop", s.handleStageStop).Methods(http.MethodPost)
	api.HandleFunc("/readings", s.handleReadings).Methods(http.MethodGet)
	api.HandleFunc("/readings/{id}", s.handleReading).Methods(http.MethodGet)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/playback/next", s.handlePlaybackNext).Methods(http.MethodGet)
	api.HandleFunc("/playback/step", s.handlePlaybackStep).Methods(http.MethodPost)
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStages(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"stages": s.controller.Status()})
}

func (s *Server) handleStageStart(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := s.controller.Start(name); err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"stage": name, "state": "running"})
}

func (s *Server) handleStageStop(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := s.controller.Stop(name); err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"stage": name, "state": "stopped"})
}

func (s *Server) handleReadings(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	readings, err := s.store.ListReadings(r.Context(), limit)
	if err != nil {
		s.serverError(w, "list readings", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"readings": readings})
}

func (s *Server) handleReading(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	st, err := s.store.Status(r.Context(), id)
	if err != nil {
		s.serverError(w, "load reading", err)
		return
	}
	if st == nil {
		s.writeError(w, http.StatusNotFound, "unknown message id")
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.Counts(r.Context())
	if err != nil {
		s.serverError(w, "load stats", err)
		return
	}
	s.writeJSON(w, http.StatusOK, counts)
}

func (s *Server) handlePlaybackNext(w http.ResponseWriter, r *http.Request) {
	next, err := s.playback.Next(r.Context())
	if err != nil {
		s.serverError(w, "peek playback queue", err)
		return
	}
	if next == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"empty": true})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"empty": false, "reading": next})
}

// handlePlaybackStep advances manual playback by one reading. It refuses
// while the automatic playback worker runs, so a reading is never driven
// from two places at once.
func (s *Server) handlePlaybackStep(w http.ResponseWriter, r *http.Request) {
	for _, st := range s.controller.Status() {
		if st.Name == pipeline.StagePlayback && st.Running {
			s.writeError(w, http.StatusConflict, "playback stage is running; stop it before stepping manually")
			return
		}
	}
	// Detached from the request so a dropped client does not cut audio
	// mid-play, but bounded so a hung player frees the handler.
	ctx, cancel := context.WithTimeout(context.Background(), s.stepTimeout)
	defer cancel()
	advanced, err := s.playback.Step(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			s.writeError(w, http.StatusGatewayTimeout, "playback step timed out")
			return
		}
		s.serverError(w, "manual playback step", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"advanced": advanced})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Warn("failed to encode response", slog.String("error", err.Error()))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) serverError(w http.ResponseWriter, op string, err error) {
	s.log.Error("request failed", slog.String("op", op), slog.String("error", err.Error()))
	s.writeError(w, http.StatusInternalServerError, "internal error")
}
