package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/gayhub/tablo2hdhr/internal/model"
	"github.com/gayhub/tablo2hdhr/internal/tuner"
)

type Lineup interface {
	Items() []model.LineupItem
}

type Tuner interface {
	Start(ctx context.Context, channelID string) (*tuner.Stream, error)
	Slots() *tuner.Slots
}

type Ledger interface {
	ListJobs(ctx context.Context, limit int) ([]model.Job, error)
	ListStreams(ctx context.Context, activeOnly bool, limit int) ([]model.StreamRecord, error)
}

type GuideTrigger interface {
	Trigger(trigger string)
}

type Options struct {
	DeviceName string
	DeviceID   string
	BaseURL    string
	GuidePath  string
}

type Deps struct {
	Lineup   Lineup
	Tuner    Tuner
	Guide    GuideTrigger
	Ledger   Ledger
	Events   *EventBus
	Gatherer prometheus.Gatherer
}

type Server struct {
	opts   Options
	deps   Deps
	logger zerolog.Logger
}

func New(opts Options, deps Deps, logger zerolog.Logger) *Server {
	if deps.Events == nil {
		deps.Events = NewEventBus()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		opts:   opts,
		deps:   deps,
		logger: logger.With().Str("component", "http").Logger(),
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)

	// Live video and SSE are unbounded; everything else gets a deadline.
	r.Get("/channel/{id}", s.handleChannel)
	r.Get("/auto/v{number}", s.handleAuto)
	r.Get("/api/v1/events", s.handleEvents)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.Get("/discover.json", s.handleDiscover)
		r.Get("/lineup_status.json", s.handleLineupStatus)
		r.Get("/lineup.json", s.handleLineup)
		r.Get("/lineup.post", s.handleLineupPost)
		r.Post("/lineup.post", s.handleLineupPost)
		r.Get("/guide.xml", s.handleGuide)
		r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))

		r.Route("/api/v1", func(api chi.Router) {
			api.Get("/health", s.handleHealth)
			api.Get("/jobs", s.handleJobs)
			api.Get("/streams", s.handleStreams)
			api.Post("/guide/refresh", s.handleGuideRefresh)
		})
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	_, guideErr := os.Stat(s.opts.GuidePath)
	slots := s.deps.Tuner.Slots()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"service":     "tablo2hdhr",
		"version":     firmwareVersion,
		"time":        time.Now().UTC().Format(time.RFC3339),
		"channels":    len(s.deps.Lineup.Items()),
		"tuners":      slots.Capacity(),
		"tuners_used": slots.InUse(),
		"guide_ready": guideErr == nil,
		"storage":     "sqlite",
	})
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.deps.Ledger.ListJobs(r.Context(), limitParam(r, 50, 500))
	if err != nil {
		s.internalError(w, r, "list jobs", err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleStreams(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	streams, err := s.deps.Ledger.ListStreams(r.Context(), activeOnly, limitParam(r, 50, 500))
	if err != nil {
		s.internalError(w, r, "list streams", err)
		return
	}
	writeJSON(w, http.StatusOK, streams)
}

func (s *Server) handleGuideRefresh(w http.ResponseWriter, _ *http.Request) {
	go s.deps.Guide.Trigger("api")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	stream := s.deps.Events.Subscribe()
	defer s.deps.Events.Unsubscribe(stream)

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg := <-stream:
			_, _ = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", msg.id, msg.name, msg.data)
			flusher.Flush()
		case <-heartbeat.C:
			_, _ = io.WriteString(w, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, what string, err error) {
	s.logger.Error().
		Err(err).
		Str("request_id", middleware.GetReqID(r.Context())).
		Msg(what)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func limitParam(r *http.Request, fallback, max int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 || parsed > max {
		return fallback
	}
	return parsed
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
