package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"scriptflow/internal/bus"
	"scriptflow/internal/config"
	"scriptflow/internal/engine"
	"scriptflow/internal/monitor"
	"scriptflow/internal/storage"
)

// Server is the main HTTP server for the execution API.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	cfg        *config.Config
	startTime  time.Time
}

// NewServer creates and configures the HTTP server with all routes and
// middleware.
func NewServer(cfg *config.Config, core engine.Core, store *storage.Memory, b *bus.Bus, db *storage.DB, recorder *monitor.Recorder, metrics *monitor.Metrics) *Server {
	handlers := NewHandlers(core, store, recorder, metrics)
	stream := NewEventStream(b)

	s := &Server{
		handlers:  handlers,
		cfg:       cfg,
		startTime: time.Now(),
	}

	if len(cfg.Security.AllowedKeys) == 0 {
		log.Warn().Msg("no API keys configured — all requests will be accepted")
	}

	// Execution API — wrapped with auth
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /executions", handlers.HandleSubmit)
	apiMux.HandleFunc("GET /executions", handlers.HandleListExecutions)
	apiMux.HandleFunc("GET /executions/running", handlers.HandleListRunning)
	apiMux.HandleFunc("GET /executions/{id}", handlers.HandleGetExecution)
	apiMux.HandleFunc("DELETE /executions/{id}", handlers.HandleCancelExecution)
	apiMux.HandleFunc("GET /quarantine", handlers.HandleListQuarantine)
	apiMux.HandleFunc("GET /quarantine/{id}", handlers.HandleGetQuarantine)
	apiMux.HandleFunc("POST /quarantine/{id}/review", handlers.HandleReviewQuarantine)
	apiMux.HandleFunc("GET /security/metrics", handlers.HandleSecurityMetrics)
	apiMux.HandleFunc("GET /security/metrics/current", handlers.HandleSecurityMetricsCurrent)
	apiMux.HandleFunc("GET /config/engine", handlers.HandleGetSettings)
	apiMux.HandleFunc("PUT /config/engine", handlers.HandleUpdateSettings)
	apiMux.HandleFunc("GET /events", stream.HandleSSE)
	apiMux.HandleFunc("GET /ws", stream.HandleWS)

	authedAPI := AuthMiddleware(cfg.Security.APIKeyHeader, cfg.Security.AllowedKeys)(apiMux)

	// Top-level mux: health/metrics bypass auth, everything else goes
	// through auth
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth(db, core))
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	}
	mux.Handle("/", authedAPI)

	// Apply middleware chain (outermost first)
	var handler http.Handler = mux
	handler = MetricsMiddleware(metrics)(handler)
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

	log.Warn().Msg("TLS not enabled — running plain HTTP (not recommended for production)")
	log.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(db *storage.DB, core engine.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dbOK := db == nil || db.Healthy(r.Context())

		running := 0
		queued := 0
		for _, exec := range core.ListRunning() {
			if exec.Status == storage.StatusRunning {
				running++
			} else {
				queued++
			}
		}

		resp := HealthResponse{
			Status:   "ok",
			Database: dbOK,
			Running:  running,
			Queued:   queued,
			Uptime:   time.Since(s.startTime).Round(time.Second).String(),
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
