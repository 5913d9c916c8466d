package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/erpbridge/erpbridge/internal/apiauth"
	"github.com/erpbridge/erpbridge/internal/config"
	"github.com/erpbridge/erpbridge/internal/httpapi"
	"github.com/erpbridge/erpbridge/internal/logging"
	"github.com/erpbridge/erpbridge/internal/metrics"
	"github.com/erpbridge/erpbridge/internal/orchestrator"
	"github.com/erpbridge/erpbridge/internal/resolver"
	"github.com/erpbridge/erpbridge/internal/scheduler"
	"github.com/erpbridge/erpbridge/internal/sinkapi"
	"github.com/erpbridge/erpbridge/internal/sourceapi"
	"github.com/erpbridge/erpbridge/internal/storage/postgres"
	"github.com/erpbridge/erpbridge/internal/types"
)

// app holds the wired service components for the serve and sync commands.
type app struct {
	cfg      *config.Config
	log      *zap.Logger
	store    *postgres.Store
	source   *sourceapi.Client
	sink     *sinkapi.Client
	resolver *resolver.Resolver
	orch     *orchestrator.Orchestrator
	sched    *scheduler.Scheduler
	backfill *scheduler.Backfill
	metrics  *metrics.Metrics
}

func buildApp(ctx context.Context, configFile string) (*app, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	store, err := postgres.Open(ctx, cfg.Postgres.DSN(), cfg.Postgres.PoolSize)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}

	source := sourceapi.New(apiauth.Config{
		BaseURL:  cfg.Source.URL,
		Username: cfg.Source.Username,
		Password: cfg.Source.Password,
		Logger:   log.Named("source"),
	})
	sink := sinkapi.New(apiauth.Config{
		BaseURL:  cfg.Sink.URL,
		Username: cfg.Sink.Username,
		Password: cfg.Sink.Password,
		Logger:   log.Named("sink"),
	})

	m := metrics.New()
	res := resolver.New(store, sink, log.Named("resolver"),
		resolver.WithMaxRetries(resolver.DefaultMaxRetries),
		resolver.WithBackoff(cfg.RetryDelay, cfg.MaxRetryDelay))
	orch := orchestrator.New(store, source, sink, res, m, cfg.SourceSystem, log.Named("orchestrator"),
		orchestrator.WithRetryBackoff(cfg.RetryDelay, cfg.MaxRetryDelay))
	sched := scheduler.New(scheduler.DefaultWorkers, log.Named("scheduler"))
	backfill := scheduler.NewBackfill(store, orch, cfg.DefaultBatchSize, log.Named("backfill"))

	return &app{
		cfg:      cfg,
		log:      log,
		store:    store,
		source:   source,
		sink:     sink,
		resolver: res,
		orch:     orch,
		sched:    sched,
		backfill: backfill,
		metrics:  m,
	}, nil
}

func (a *app) close() {
	a.sched.Stop(true)
	if err := a.store.Close(); err != nil {
		a.log.Warn("close store", zap.Error(err))
	}
	_ = a.log.Sync()
}

func (a *app) runOnce(ctx context.Context, entityName, syncType string, pageSize, maxPages int) (*types.SyncBatch, error) {
	cfg, err := a.store.GetEntityConfig(ctx, entityName)
	if err != nil {
		return nil, err
	}
	return a.orch.Run(ctx, orchestrator.Request{
		EntityName:        entityName,
		SourceAPISlug:     cfg.SourceAPISlug,
		BusinessKeyFields: cfg.BusinessKeyFields,
		SyncType:          types.SyncType(syncType),
		PageSize:          pageSize,
		MaxPages:          maxPages,
	})
}

// registerJobs installs the recurring maintenance jobs, per-entity cron
// syncs, and the background-sync window job.
func (a *app) registerJobs(ctx context.Context) error {
	// pending children blocked on absent parents
	if err := a.sched.AddIntervalJob("pending-child-retry", 5*time.Minute, func(ctx context.Context) error {
		_, err := a.resolver.RetryPending(ctx, "", a.orch.IngestOne)
		return err
	}); err != nil {
		return err
	}

	// dead-letter rows, replayed from their failed stage once their backoff
	// elapses
	if err := a.sched.AddIntervalJob("failed-record-retry", 5*time.Minute, func(ctx context.Context) error {
		_, err := a.orch.RetryFailedRecords(ctx, "", 0)
		return err
	}); err != nil {
		return err
	}

	// retention sweep
	if err := a.sched.AddIntervalJob("retention-cleanup", 24*time.Hour, func(ctx context.Context) error {
		cutBatches := time.Now().AddDate(0, 0, -30)
		if _, err := a.store.PurgeCompletedBatches(ctx, cutBatches); err != nil {
			return err
		}
		cutFailed := time.Now().AddDate(0, 0, -90)
		if _, err := a.store.PurgeResolvedFailedRecords(ctx, cutFailed); err != nil {
			return err
		}
		cutPending := time.Now().AddDate(0, 0, -30)
		_, err := a.store.PurgeStalePendingChildren(ctx, cutPending)
		return err
	}); err != nil {
		return err
	}

	if err := a.registerEntityJobs(ctx); err != nil {
		return err
	}

	if !a.cfg.BackgroundSyncEnabled {
		return nil
	}
	window := scheduler.Window{
		Start: a.cfg.BackgroundWindowStart,
		End:   a.cfg.BackgroundWindowEnd,
	}
	return a.sched.AddSyncJob("background-sync", window, a.backfill.RunDue)
}

// registerEntityJobs turns each entity's sync_schedule into a cron job and
// queues a one-shot catch-up for entities whose cursor has gone stale.
func (a *app) registerEntityJobs(ctx context.Context) error {
	configs, err := a.store.ListEntityConfigs(ctx)
	if err != nil {
		return err
	}
	for _, cfg := range configs {
		if !cfg.SyncEnabled || cfg.SyncSchedule == "" {
			continue
		}
		if err := a.sched.AddCronJob(cfg.EntityName, cfg.SyncSchedule, a.entitySyncJob(cfg)); err != nil {
			return err
		}
	}

	stale, err := a.store.ListEntitiesNeedingSync(ctx, a.cfg.SourceSystem, time.Now().Add(-24*time.Hour))
	if err != nil {
		return err
	}
	for _, cfg := range stale {
		a.log.Info("entity cursor stale, scheduling catch-up sync",
			zap.String("entity", cfg.EntityName))
		if err := a.sched.AddOneTimeJob(cfg.EntityName+"-catchup",
			time.Now().Add(time.Minute), a.entitySyncJob(cfg)); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) entitySyncJob(cfg *types.EntityConfig) scheduler.JobFunc {
	return func(ctx context.Context) error {
		_, err := a.orch.Run(ctx, orchestrator.Request{
			EntityName:        cfg.EntityName,
			SourceAPISlug:     cfg.SourceAPISlug,
			BusinessKeyFields: cfg.BusinessKeyFields,
			SyncType:          types.SyncIncremental,
			PageSize:          a.cfg.DefaultBatchSize,
		})
		return err
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API server and scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := buildApp(ctx, configFile)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.registerJobs(ctx); err != nil {
				return err
			}
			a.sched.Start()

			api := httpapi.New(httpapi.Options{
				Store:        a.store,
				Orch:         a.orch,
				Sched:        a.sched,
				Backfill:     a.backfill,
				Source:       a.source,
				Sink:         a.sink,
				Metrics:      a.metrics,
				JWTSecret:    a.cfg.JWTSecret,
				SourceSystem: a.cfg.SourceSystem,
				MaxBatchSize: a.cfg.MaxBatchSize,
				Logger:       a.log.Named("http"),
			})

			srv := &http.Server{
				Addr:              a.cfg.ListenAddr(),
				Handler:           api.Router(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				a.log.Info("http server listening", zap.String("addr", srv.Addr))
				errCh <- srv.ListenAndServe()
			}()

			select {
			case <-ctx.Done():
				a.log.Info("shutdown signal received")
			case err := <-errCh:
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
			}

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer shutdownCancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.log.Warn("http shutdown", zap.Error(err))
			}
			return nil
		},
	}
}
