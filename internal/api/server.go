// SPDX-License-Identifier: MIT

// Package api exposes the administrative surface consumed by the UI layer:
// connector and throttle-profile CRUD, content and registry browsing, bulk
// registry operations, dispatch control, and manual sweeps.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/sweeparr/sweeparr/internal/connector"
	"github.com/sweeparr/sweeparr/internal/dispatch"
	"github.com/sweeparr/sweeparr/internal/log"
	"github.com/sweeparr/sweeparr/internal/search"
	"github.com/sweeparr/sweeparr/internal/store"
	"github.com/sweeparr/sweeparr/internal/throttle"
	"github.com/sweeparr/sweeparr/internal/vault"
)

// Config tunes the HTTP surface.
type Config struct {
	ListenAddr   string
	Version      string
	DataDir      string
	RateLimitRPM int // per-client budget on every /api route
}

// Server is the admin HTTP server.
type Server struct {
	cfg        Config
	store      *store.Store
	connectors *connector.Service
	registry   *search.Service
	scheduler  *dispatch.Scheduler
	vault      *vault.Vault
	startedAt  time.Time
	log        zerolog.Logger

	http *http.Server
}

// NewServer wires the admin surface.
func NewServer(cfg Config, st *store.Store, cs *connector.Service, rs *search.Service,
	sched *dispatch.Scheduler, v *vault.Vault) *Server {
	s := &Server{
		cfg:        cfg,
		store:      st,
		connectors: cs,
		registry:   rs,
		scheduler:  sched,
		vault:      v,
		startedAt:  time.Now(),
		log:        log.WithComponent("api"),
	}
	s.http = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(log.Middleware())

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		limit := s.cfg.RateLimitRPM
		if limit <= 0 {
			limit = 120
		}
		r.Use(httprate.LimitByIP(limit, time.Minute))

		r.Get("/system/status", s.handleSystemStatus)
		r.Get("/history", s.handleListHistory)

		r.Route("/connectors", func(r chi.Router) {
			r.Get("/", s.handleListConnectors)
			r.Post("/", s.handleCreateConnector)
			r.Post("/test", s.handleTestConnector)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetConnector)
				r.Put("/", s.handleUpdateConnector)
				r.Delete("/", s.handleDeleteConnector)
				r.Get("/stats", s.handleConnectorStats)
				r.Post("/sync", s.handleRunSync)
				r.Post("/pause", s.handlePauseDispatch)
				r.Post("/resume", s.handleResumeDispatch)
				r.Post("/queue/clear", s.handleClearQueue)
				r.Post("/searches/clear-failed", s.handleClearFailed)
				r.Get("/content", s.handleListContent)
				r.Get("/registry", s.handleListRegistry)
				r.Get("/registry/counts", s.handleRegistryCounts)
			})
		})

		r.Route("/registry/bulk", func(r chi.Router) {
			r.Post("/queue", s.handleBulkQueue)
			r.Post("/priority", s.handleBulkPriority)
			r.Post("/exhaust", s.handleBulkExhaust)
			r.Post("/clear", s.handleBulkClear)
		})

		r.Route("/profiles", func(r chi.Router) {
			r.Get("/", s.handleListProfiles)
			r.Post("/", s.handleCreateProfile)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetProfile)
				r.Put("/", s.handleUpdateProfile)
				r.Delete("/", s.handleDeleteProfile)
			})
		})
	})

	return r
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// ListenAndServe runs the server until Shutdown.
func (s *Server) ListenAndServe() error {
	s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("admin API listening")
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// apiError is the structured error body.
type apiError struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, detail string) {
	writeJSON(w, status, apiError{Error: msg, Detail: detail})
}

// writeStoreError maps store/service sentinel errors onto status codes.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found", "")
	case errors.Is(err, store.ErrDuplicateName):
		writeError(w, http.StatusConflict, "name already in use", "")
	case errors.Is(err, connector.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid input", err.Error())
	case errors.Is(err, vault.ErrDecryption), errors.Is(err, vault.ErrSecretKey):
		writeError(w, http.StatusInternalServerError, "credential error", "")
	default:
		writeError(w, http.StatusInternalServerError, "internal error", "")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return false
	}
	return true
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func queryBoolPtr(r *http.Request, key string) *bool {
	if v := r.URL.Query().Get(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return &b
		}
	}
	return nil
}

// throttleValidate is re-exported locally so profile handlers stay terse.
var throttleValidate = throttle.ValidateProfile
