package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"strategy-sandbox/internal/config"
	"strategy-sandbox/internal/monitor"
	"strategy-sandbox/internal/strategy"
)

// supportedLanguages must all have a backend for the server to be healthy.
var supportedLanguages = []strategy.Language{strategy.LanguagePython, strategy.LanguageStarlark}

// Deps are the collaborators the HTTP surface needs.
type Deps struct {
	Jobs    JobSubmitter
	Store   JobStore
	Metrics *monitor.Metrics
	// QueueHealthy reports whether jobs can be queued. Nil means always.
	QueueHealthy func(ctx context.Context) bool
	// ActiveJobs reports the number of running jobs. Optional.
	ActiveJobs func() int64
	Languages  []string
}

// Server is the HTTP server for the job API.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	deps       Deps
	cfg        *config.Config
	startTime  time.Time
	cancel     context.CancelFunc
}

// NewServer creates and configures the HTTP server with all routes and middleware.
func NewServer(cfg *config.Config, deps Deps) *Server {
	handlers := NewHandlers(deps.Jobs, deps.Store, deps.Metrics, cfg.Security.UserHeader, cfg.Security.BlockCritical)
	bg, cancel := context.WithCancel(context.Background())

	s := &Server{
		handlers:  handlers,
		deps:      deps,
		cfg:       cfg,
		startTime: time.Now(),
		cancel:    cancel,
	}

	if len(cfg.Security.AllowedKeys) == 0 && cfg.Security.AllowUnauthenticated {
		log.Warn().Msg("no API keys configured and allow_unauthenticated is true, all requests will be accepted")
	}

	jobsMux := http.NewServeMux()
	jobsMux.HandleFunc("POST /jobs", handlers.HandleSubmitJob)
	jobsMux.HandleFunc("GET /jobs", handlers.HandleListJobs)
	jobsMux.HandleFunc("GET /jobs/{id}", handlers.HandleGetJob)
	jobsMux.HandleFunc("POST /jobs/{id}/rating", handlers.HandleRateJob)
	jobsMux.HandleFunc("POST /jobs/{id}/comments", handlers.HandleCommentJob)

	authed := AuthMiddleware(cfg.Security.APIKeyHeader, cfg.Security.AllowedKeys, cfg.Security.AllowUnauthenticated)(jobsMux)

	// health and metrics bypass auth
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.HandlerFor(deps.Metrics.Registry, promhttp.HandlerOpts{}))
	}
	mux.Handle("/", authed)

	// outermost last
	var handler http.Handler = mux
	handler = MetricsMiddleware(deps.Metrics)(handler)
	handler = RateLimitMiddleware(bg, cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst)(handler)
	handler = MaxBodyMiddleware(cfg.Server.MaxRequestBody)(handler)
	handler = CORSMiddleware(cfg.Security.AllowedOrigins)(handler)
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

// Handler returns the fully wrapped HTTP handler.
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

	log.Warn().Msg("TLS not enabled, running plain HTTP")
	log.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	defer s.cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := s.deps.Store == nil || s.deps.Store.Healthy(r.Context())
	queueOK := s.deps.QueueHealthy == nil || s.deps.QueueHealthy(r.Context())

	resp := HealthResponse{
		Status:    "ok",
		Database:  dbOK,
		Queue:     queueOK,
		Languages: s.deps.Languages,
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
	}
	if s.deps.ActiveJobs != nil {
		resp.ActiveJobs = s.deps.ActiveJobs()
	}
	if resp.Languages == nil {
		resp.Languages = []string{}
	}

	if !dbOK || !queueOK || len(resp.Languages) < len(supportedLanguages) {
		resp.Status = "degraded"
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, resp)
}
