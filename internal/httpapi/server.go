// Package httpapi serves the client side price series, sync trigger and
// settings over HTTP.
package httpapi

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/RTX-TreDiX/GCPMS/internal/metrics"
	"github.com/RTX-TreDiX/GCPMS/internal/remotesync"
	"github.com/RTX-TreDiX/GCPMS/internal/series"
	"github.com/RTX-TreDiX/GCPMS/internal/settings"
)

// Syncer runs one download-and-merge cycle.
type Syncer interface {
	Sync(ctx context.Context, store *series.Store, in remotesync.SessionInput) (remotesync.Result, series.Report, error)
}

// SettingsStore is the subset of the settings vault the API needs.
type SettingsStore interface {
	Load() (*settings.Connection, error)
	Save(conn settings.Connection) error
	Update(fn func(cur *settings.Connection) (settings.Connection, error)) error
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// syncWriteMargin is the time left to write the POST /sync response after
// the download itself timed out.
const syncWriteMargin = 30 * time.Second

// DefaultServerConfig returns default server configuration. WriteTimeout
// covers a sync with the default two minute timeout.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:         "127.0.0.1:8080",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 2*time.Minute + syncWriteMargin,
		IdleTimeout:  60 * time.Second,
	}
}

// ForSyncTimeout raises WriteTimeout so a POST /sync bounded by d can still
// write its response. It never lowers it.
func (c ServerConfig) ForSyncTimeout(d time.Duration) ServerConfig {
	if need := d + syncWriteMargin; need > c.WriteTimeout {
		c.WriteTimeout = need
	}
	return c
}

type ctxKey int

const requestIDKey ctxKey = iota

// Server is the client side HTTP API.
type Server struct {
	router  *mux.Router
	server  *http.Server
	store   *series.Store
	syncer  Syncer
	vault   SettingsStore
	metrics *metrics.Registry
	hub     *Hub

	syncMu sync.Mutex
}

// NewServer wires routes. syncer and vault may be nil, which disables the
// corresponding endpoints.
func NewServer(cfg ServerConfig, store *series.Store, syncer Syncer, vault SettingsStore, m *metrics.Registry) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		store:   store,
		syncer:  syncer,
		vault:   vault,
		metrics: m,
		hub:     NewHub(),
	}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.requestLoggingMiddleware)

	s.router.Handle("/metrics", promhttp.HandlerFor(s.metrics.Gatherer(), promhttp.HandlerOpts{})).Methods(http.MethodGet)
	s.router.HandleFunc("/ws", s.hub.ServeHTTP).Methods(http.MethodGet)

	api := s.router.PathPrefix("/").Subrouter()
	api.Use(jsonContentTypeMiddleware)
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/series", s.handleSeriesIndex).Methods(http.MethodGet)
	api.HandleFunc("/series/{name}", s.handleSeries).Methods(http.MethodGet)
	api.HandleFunc("/sync", s.handleSync).Methods(http.MethodPost)
	api.HandleFunc("/settings", s.handleGetSettings).Methods(http.MethodGet)
	api.HandleFunc("/settings", s.handlePutSettings).Methods(http.MethodPut)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until Shutdown. It returns http.ErrServerClosed after a
// graceful shutdown.
func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown closes websocket subscribers and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down HTTP server")
	s.hub.Close()
	return s.server.Shutdown(ctx)
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()[:8]
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, requestID)))
	})
}

func (s *Server) requestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/ws") {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		requestID, _ := r.Context().Value(requestIDKey).(string)
		log.Debug().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.statusCode).
			Dur("took", time.Since(start)).
			Msg("HTTP request")
	})
}

func jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// responseWrapper captures HTTP status codes for logging
type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
