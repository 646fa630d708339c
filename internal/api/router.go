// Package api provides the HTTP status API for timebeat-ssh.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/timebeat-ssh/internal/config"
	"github.com/ternarybob/timebeat-ssh/internal/timebeat"
)

// Server represents the API server.
type Server struct {
	cfg    *config.Config
	router chi.Router
	store  *timebeat.Store
	logger arbor.ILogger
}

// NewServer creates a new API server.
func NewServer(cfg *config.Config, store *timebeat.Store, logger arbor.ILogger) *Server {
	s := &Server{
		cfg:    cfg,
		store:  store,
		logger: logger,
	}

	s.setupRouter()
	return s
}

// setupRouter configures all routes.
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if s.cfg.HTTP.APIKey != "" {
		r.Use(s.apiKeyAuth)
	}

	// Health and version endpoints (no auth)
	r.Get("/health", s.handleHealth)
	r.Get("/version", s.handleVersion)

	r.Get("/protocols", s.handleProtocols)
	r.Get("/config", s.handleConfig)
	r.Post("/reload", s.handleReload)

	s.router = r
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// requestLogger logs each request through arbor once it completes.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote", r.RemoteAddr).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msgf("HTTP %d in %s", ww.Status(), time.Since(start))
	})
}

// apiKeyAuth is middleware that validates API key.
func (s *Server) apiKeyAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip auth for health and version
		if r.URL.Path == "/health" || r.URL.Path == "/version" {
			next.ServeHTTP(w, r)
			return
		}

		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			apiKey = r.URL.Query().Get("api_key")
		}

		if apiKey != s.cfg.HTTP.APIKey {
			writeError(w, http.StatusUnauthorized, "Invalid or missing API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}
