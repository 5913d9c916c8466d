// Package httpapi serves the service's REST surface under /api/v1: sync
// control, entity and mapping configuration, background schedules, and
// monitoring.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/erpbridge/erpbridge/internal/metrics"
	"github.com/erpbridge/erpbridge/internal/orchestrator"
	"github.com/erpbridge/erpbridge/internal/scheduler"
	"github.com/erpbridge/erpbridge/internal/storage"
)

// Version is stamped at build time.
var Version = "dev"

// HealthChecker probes one upstream dependency.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Options wires the server's collaborators.
type Options struct {
	Store        storage.Store
	Orch         *orchestrator.Orchestrator
	Sched        *scheduler.Scheduler
	Backfill     *scheduler.Backfill
	Source       HealthChecker
	Sink         HealthChecker
	Metrics      *metrics.Metrics
	JWTSecret    string
	SourceSystem string
	MaxBatchSize int
	Logger       *zap.Logger
}

// Server is the HTTP API.
type Server struct {
	store        storage.Store
	orch         *orchestrator.Orchestrator
	sched        *scheduler.Scheduler
	backfill     *scheduler.Backfill
	source       HealthChecker
	sink         HealthChecker
	metrics      *metrics.Metrics
	jwtSecret    []byte
	sourceSystem string
	maxBatchSize int
	validate     *validator.Validate
	log          *zap.Logger
}

// New builds the server.
func New(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	maxBatch := opts.MaxBatchSize
	if maxBatch <= 0 {
		maxBatch = 10000
	}
	return &Server{
		store:        opts.Store,
		orch:         opts.Orch,
		sched:        opts.Sched,
		backfill:     opts.Backfill,
		source:       opts.Source,
		sink:         opts.Sink,
		metrics:      opts.Metrics,
		jwtSecret:    []byte(opts.JWTSecret),
		sourceSystem: opts.SourceSystem,
		maxBatchSize: maxBatch,
		validate:     validator.New(validator.WithRequiredStructEnabled()),
		log:          log,
	}
}

// Router builds the chi handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Minute))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)

			r.Get("/metadata", s.handleMetadata)

			r.Route("/sync", func(r chi.Router) {
				r.Post("/start", s.handleSyncStart)
				r.Get("/status/{batchUID}", s.handleSyncStatus)
				r.Post("/stop/{batchUID}", s.handleSyncStop)
				r.Get("/history", s.handleSyncHistory)
				r.Post("/retry-failed", s.handleRetryFailed)
			})

			r.Route("/entities", func(r chi.Router) {
				r.Get("/", s.handleListEntities)
				r.Post("/", s.handleCreateEntity)
				r.Get("/{entityName}", s.handleGetEntity)
				r.Put("/{entityName}", s.handleUpdateEntity)
				r.Delete("/{entityName}", s.handleDeleteEntity)
			})

			r.Route("/mappings/{entityName}", func(r chi.Router) {
				r.Get("/", s.handleListMappings)
				r.Post("/", s.handleCreateMapping)
				r.Post("/bulk", s.handleBulkCreateMappings)
				r.Delete("/", s.handleDeleteAllMappings)
				r.Put("/{uid}", s.handleUpdateMapping)
				r.Delete("/{uid}", s.handleDeleteMapping)
			})

			r.Route("/schedules", func(r chi.Router) {
				r.Get("/", s.handleListSchedules)
				r.Post("/", s.handleCreateSchedule)
				r.Get("/stats", s.handleScheduleStats)
				r.Route("/{entityName}", func(r chi.Router) {
					r.Get("/", s.handleGetSchedule)
					r.Put("/", s.handleUpdateSchedule)
					r.Delete("/", s.handleDeleteSchedule)
					r.Post("/reset", s.handleResetSchedule)
					r.Post("/trigger", s.handleTriggerSchedule)
					r.Post("/start", s.handleStartSchedule)
					r.Post("/stop", s.handleStopSchedule)
					r.Get("/status", s.handleScheduleStatus)
				})
			})

			r.Route("/monitoring", func(r chi.Router) {
				r.Get("/stats", s.handleStats)
				r.Get("/failed-records", s.handleFailedRecords)
				r.Get("/pending-children", s.handlePendingChildren)
				r.Get("/health/detailed", s.handleDetailedHealth)
				r.Get("/metrics/prometheus", s.prometheusHandler())
			})
		})
	})

	return r
}

func (s *Server) prometheusHandler() http.HandlerFunc {
	h := promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})
	return h.ServeHTTP
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)))
	})
}
