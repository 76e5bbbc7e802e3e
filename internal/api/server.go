package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/callreportd/callreportd/internal/api/middleware"
	"github.com/callreportd/callreportd/internal/config"
	"github.com/callreportd/callreportd/internal/database"
	"github.com/callreportd/callreportd/internal/pipeline"
	"github.com/callreportd/callreportd/internal/report"
)

// PipelineRunner triggers pipeline batches on request.
type PipelineRunner interface {
	GenerateFromCorrelationID(ctx context.Context, correlationID string) (*pipeline.RunResult, error)
	GenerateFromAge(ctx context.Context, maxAge time.Duration) (*pipeline.RunResult, error)
	GenerateFromCount(ctx context.Context, count int) (*pipeline.RunResult, error)
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router    *chi.Mux
	records   database.CallRecordRepository
	schedules database.ScheduleRepository
	cels      database.CELRepository
	pipeline  PipelineRunner
	policy    report.NoSchedulePolicy
	metrics   http.Handler
	jwtSecret []byte
	logger    *slog.Logger
	limiter   *middleware.IPRateLimiter
}

// Options configures the HTTP server.
type Options struct {
	Records   database.CallRecordRepository
	Schedules database.ScheduleRepository
	CELs      database.CELRepository
	Pipeline  PipelineRunner
	// Metrics serves GET /metrics; nil disables the endpoint.
	Metrics http.Handler
	// JWTSecret enables bearer-token auth on the API routes when set.
	JWTSecret []byte
	// Logger receives request logs; nil falls back to slog.Default().
	Logger *slog.Logger
}

// NewServer creates the HTTP handler with all routes mounted. The
// no-schedule policy comes from the config.
func NewServer(cfg *config.Config, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		router:    chi.NewRouter(),
		records:   opts.Records,
		schedules: opts.Schedules,
		cels:      opts.CELs,
		pipeline:  opts.Pipeline,
		policy:    noSchedulePolicy(cfg),
		metrics:   opts.Metrics,
		jwtSecret: opts.JWTSecret,
		logger:    logger,
		limiter:   middleware.NewIPRateLimiter(middleware.DefaultRateLimitConfig(), logger),
	}
	if s.metrics == nil {
		s.metrics = promhttp.Handler()
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops background resources held by the server.
func (s *Server) Close() {
	s.limiter.Stop()
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	// Global middleware stack.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.RateLimit(s.limiter))

	r.Route("/api/v1", func(r chi.Router) {
		// Unauthenticated routes.
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			if len(s.jwtSecret) > 0 {
				r.Use(middleware.RequireAuth(s.jwtSecret))
			}

			r.Get("/call-records", s.handleListCallRecords)
			r.Get("/reports", s.handleGetReport)
			r.Route("/pipeline", func(r chi.Router) {
				r.Post("/runs", s.handleRunPipeline)
				r.Get("/runs/last", s.handleLastRun)
			})
		})
	})

	r.Method(http.MethodGet, "/metrics", s.metrics)
}

// noSchedulePolicy maps the configured no-schedule behavior onto a report
// classification policy.
func noSchedulePolicy(cfg *config.Config) report.NoSchedulePolicy {
	if cfg.NoScheduleBehavior == "window" {
		return report.FixedWindow{
			Start: cfg.WorkingHoursStart,
			End:   cfg.WorkingHoursEnd,
		}
	}
	return report.AssumeClosed{}
}

// handleHealth reports liveness and the event backlog.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if s.cels != nil {
		if backlog, err := s.cels.CountUnprocessed(r.Context()); err == nil {
			resp["event_backlog"] = backlog
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
