package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"coderunner/internal/config"
	"coderunner/internal/storage"
)

// Server is the main HTTP server for the execution API.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	cfg        *config.Config
	startTime  time.Time
}

// NewServer creates and configures the HTTP server with all routes and middleware.
func NewServer(cfg *config.Config, deps Deps) *Server {
	if deps.AllowedOrigins == nil {
		deps.AllowedOrigins = cfg.Security.AllowedOrigins
	}
	if deps.MaxMessageBytes == 0 {
		deps.MaxMessageBytes = cfg.Server.MaxRequestBody
	}
	handlers := NewHandlers(deps)

	s := &Server{
		handlers:  handlers,
		cfg:       cfg,
		startTime: time.Now(),
	}

	if cfg.Auth.JWTSecret == "" {
		log.Warn().Msg("no JWT secret configured; every caller is treated as guest")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/run", handlers.HandleRun)
	mux.HandleFunc("GET /api/history", handlers.HandleListHistory)
	mux.HandleFunc("DELETE /api/history", handlers.HandleClearHistory)
	mux.HandleFunc("DELETE /api/history/{id}", handlers.HandleDeleteHistoryEntry)
	mux.HandleFunc("GET /api/runs", handlers.HandleListRuns)
	mux.HandleFunc("GET /api/runs/{id}", handlers.HandleGetRun)
	mux.HandleFunc("GET /ws", handlers.HandleStream)
	mux.HandleFunc("GET /health", s.handleHealth(deps.DB))
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.HandlerFor(deps.Metrics.Registry, promhttp.HandlerOpts{}))
	}

	// Apply middleware chain (outermost last)
	var handler http.Handler = mux
	handler = PrincipalMiddleware(handlers.verifier)(handler)
	handler = MetricsMiddleware(deps.Metrics)(handler)
	handler = RateLimitMiddleware(cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst)(handler)
	handler = MaxBodyMiddleware(cfg.Server.MaxRequestBody)(handler)
	handler = SecurityHeadersMiddleware(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Handler returns the fully wrapped handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for requests. Uses TLS if configured.
func (s *Server) Start() error {
	if s.cfg.TLS.Enabled {
		log.Info().
			Str("addr", s.httpServer.Addr).
			Str("cert", s.cfg.TLS.CertFile).
			Msg("starting HTTPS server with TLS")

		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	log.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting requests, waits for in-flight ones and then
// closes the streaming connections.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	err := s.httpServer.Shutdown(ctx)
	s.handlers.CloseStreams()
	return err
}

func (s *Server) handleHealth(db *storage.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dbOK := db == nil || db.Healthy(r.Context())

		resp := HealthResponse{
			Status:   "ok",
			Database: dbOK,
			Uptime:   time.Since(s.startTime).Round(time.Second).String(),
		}
		if s.handlers.supervisor != nil {
			resp.ActiveRuns = s.handlers.supervisor.Active()
		}
		if s.handlers.audit != nil {
			stats := s.handlers.audit.Stats()
			resp.Audit = &stats
		}

		if !dbOK {
			resp.Status = "degraded"
		}

		status := http.StatusOK
		if resp.Status != "ok" {
			status = http.StatusServiceUnavailable
		}

		writeJSON(w, status, resp)
	}
}
