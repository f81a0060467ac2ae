package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/trymwestin/smartgrade/internal/core/auth"
	"github.com/trymwestin/smartgrade/internal/core/cloud"
	"github.com/trymwestin/smartgrade/internal/core/coordinator"
	"github.com/trymwestin/smartgrade/internal/core/state"
)

// Coordinator is the part of the coordinator the API exposes.
type Coordinator interface {
	Status() coordinator.Status
	Snapshot(deviceID string) (state.Snapshot, bool)
	Snapshots() []state.Snapshot
	SetSwitch(ctx context.Context, deviceID string, index int, on bool) error
	CreateTimer(ctx context.Context, deviceID string, spec cloud.TimerSpec) (state.Timer, error)
	DeleteTimer(ctx context.Context, deviceID, timerID string) error
	Credential() auth.Info
	InstallCredential(value string) (auth.Info, error)
	Subscribe(buffer int) (<-chan state.Event, func())
}

// Server is the HTTP API server.
type Server struct {
	coord   Coordinator
	corsAll bool
	log     *slog.Logger
	router  chi.Router

	closeOnce sync.Once
	done      chan struct{}
}

// NewServer creates a new HTTP API server.
func NewServer(coord Coordinator, corsAll bool, log *slog.Logger) *Server {
	s := &Server{
		coord:   coord,
		corsAll: corsAll,
		log:     log,
		router:  chi.NewRouter(),
		done:    make(chan struct{}),
	}
	s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	if !s.corsAll {
		return s.router
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.corsHeaders(w)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		s.router.ServeHTTP(w, r)
	})
}

// Close ends open event streams. http.Server.Shutdown does not wait for
// hijacked connections, so call this first.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleGetStatus)
		r.Get("/events", s.handleEvents)

		r.Get("/credential", s.handleGetCredential)
		r.Post("/credential", s.handleInstallCredential)

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.handleListDevices)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetDevice)
				r.Put("/switches/{index}", s.handleSetSwitch)
				r.Get("/timers", s.handleListTimers)
				r.Post("/timers", s.handleCreateTimer)
				r.Delete("/timers/{timerID}", s.handleDeleteTimer)
			})
		})
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
		)
	})
}

func (s *Server) corsHeaders(w http.ResponseWriter) {
	if s.corsAll {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("failed to encode JSON response", "error", err)
	}
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Field string `json:"field,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	s.writeJSON(w, status, errorBody{Error: msg, Code: code})
}

// writeCoordinatorError maps command errors onto HTTP statuses.
func (s *Server) writeCoordinatorError(w http.ResponseWriter, err error) {
	var verr *coordinator.ValidationError
	switch {
	case errors.As(err, &verr):
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: verr.Error(), Code: "validation_error", Field: verr.Field})
	case errors.Is(err, auth.ErrAuthExpired):
		s.writeError(w, http.StatusUnauthorized, "auth_expired", "credential expired, install a new one via POST /api/credential")
	case errors.Is(err, coordinator.ErrDeviceNotFound), errors.Is(err, coordinator.ErrTimerNotFound):
		s.writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, cloud.ErrRateLimited):
		s.writeError(w, http.StatusTooManyRequests, "rate_limited", err.Error())
	case errors.Is(err, cloud.ErrTransient):
		s.writeError(w, http.StatusBadGateway, "upstream_unavailable", err.Error())
	case errors.Is(err, coordinator.ErrCommandTimeout):
		s.writeError(w, http.StatusGatewayTimeout, "command_timeout", err.Error())
	default:
		var apiErr *cloud.APIError
		if errors.As(err, &apiErr) {
			s.writeError(w, http.StatusBadGateway, "upstream_error", err.Error())
			return
		}
		s.log.Error("request failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func (s *Server) readJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// --- Handlers ---

func (s *Server) handleGetStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.coord.Status())
}

func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"devices": s.coord.Snapshots()})
}

func (s *Server) snapshot(w http.ResponseWriter, r *http.Request) (state.Snapshot, bool) {
	id := chi.URLParam(r, "id")
	snap, ok := s.coord.Snapshot(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("device %q not found", id))
	}
	return snap, ok
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	if snap, ok := s.snapshot(w, r); ok {
		s.writeJSON(w, http.StatusOK, snap)
	}
}

type switchBody struct {
	On *bool `json:"on"`
}

func (s *Server) handleSetSwitch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", "switch index must be an integer")
		return
	}
	var body switchBody
	if err := s.readJSON(r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body: "+err.Error())
		return
	}
	if body.On == nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", `body must contain "on"`)
		return
	}

	if err := s.coord.SetSwitch(r.Context(), id, index, *body.On); err != nil {
		s.writeCoordinatorError(w, err)
		return
	}
	snap, _ := s.coord.Snapshot(id)
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleListTimers(w http.ResponseWriter, r *http.Request) {
	if snap, ok := s.snapshot(w, r); ok {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"timers":     snap.Timers,
			"next_timer": snap.NextTimer,
		})
	}
}

func (s *Server) handleCreateTimer(w http.ResponseWriter, r *http.Request) {
	var spec cloud.TimerSpec
	if err := s.readJSON(r, &spec); err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body: "+err.Error())
		return
	}
	timer, err := s.coord.CreateTimer(r.Context(), chi.URLParam(r, "id"), spec)
	if err != nil {
		s.writeCoordinatorError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, timer)
}

func (s *Server) handleDeleteTimer(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.DeleteTimer(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "timerID")); err != nil {
		s.writeCoordinatorError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetCredential(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.coord.Credential())
}

type credentialBody struct {
	Token string `json:"token"`
}

func (s *Server) handleInstallCredential(w http.ResponseWriter, r *http.Request) {
	var body credentialBody
	if err := s.readJSON(r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body: "+err.Error())
		return
	}
	info, err := s.coord.InstallCredential(body.Token)
	if err != nil {
		s.writeCoordinatorError(w, err)
		return
	}
	s.log.Info("credential installed via API", "expires_at", info.ExpiresAt, "state", info.State)
	s.writeJSON(w, http.StatusOK, info)
}
