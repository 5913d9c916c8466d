package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/erpbridge/erpbridge/internal/orchestrator"
	"github.com/erpbridge/erpbridge/internal/storage"
	"github.com/erpbridge/erpbridge/internal/types"
)

// DefaultSliceRows is the backfill slice size when a schedule declares
// neither rows_per_day nor a total estimate.
const DefaultSliceRows = 10000

// SyncRunner executes one pipeline run. *orchestrator.Orchestrator satisfies
// it.
type SyncRunner interface {
	Run(ctx context.Context, req orchestrator.Request) (*types.SyncBatch, error)
}

// Backfill drives windowed multi-day background syncs: one slice of rows per
// window per entity, advancing a persisted offset until the estimated total
// is covered.
type Backfill struct {
	store     storage.Store
	runner    SyncRunner
	sliceRows int
	log       *zap.Logger
}

// NewBackfill builds a backfill driver. sliceRows is the fallback slice size;
// zero applies DefaultSliceRows.
func NewBackfill(store storage.Store, runner SyncRunner, sliceRows int, log *zap.Logger) *Backfill {
	if sliceRows <= 0 {
		sliceRows = DefaultSliceRows
	}
	return &Backfill{store: store, runner: runner, sliceRows: sliceRows, log: log}
}

// RunEntity processes the next slice for one entity. Outside the entity's
// window, or when the backfill is disabled or complete, it is a no-op; force
// skips the window check.
func (b *Backfill) RunEntity(ctx context.Context, entityName string, force bool) error {
	sched, err := b.store.GetSchedule(ctx, entityName)
	if err != nil {
		return types.Wrap(types.KindConfig, err, "load background schedule for %q", entityName)
	}
	if !sched.IsEnabled {
		return nil
	}
	if sched.Complete() {
		b.log.Info("backfill complete",
			zap.String("entity", entityName),
			zap.Int("rows_covered", sched.CurrentOffset))
		return nil
	}

	window := Window{Start: sched.SyncWindowStart, End: sched.SyncWindowEnd}
	now := time.Now()
	if !force && !window.Contains(now) {
		b.log.Debug("outside backfill window",
			zap.String("entity", entityName),
			zap.String("window_start", sched.SyncWindowStart.String()),
			zap.String("window_end", sched.SyncWindowEnd.String()))
		return nil
	}

	cfg, err := b.store.GetEntityConfig(ctx, entityName)
	if err != nil {
		return types.Wrap(types.KindConfig, err, "load entity config for %q", entityName)
	}

	slice := sched.SliceSize(b.sliceRows)
	batch, err := b.runner.Run(ctx, orchestrator.Request{
		EntityName:        entityName,
		SourceAPISlug:     cfg.SourceAPISlug,
		BusinessKeyFields: cfg.BusinessKeyFields,
		SyncType:          types.SyncBackground,
		Offset:            sched.CurrentOffset,
		Limit:             slice,
	})

	// a failed batch must not advance the cursor
	if err == nil && batch.Status == types.BatchCompleted {
		sched.CurrentOffset += batch.Metrics.RowsFetched
	}

	ranAt := now.UTC()
	sched.LastRunAt = &ranAt
	next := window.Start.At(now.AddDate(0, 0, 1)).UTC()
	sched.NextRunAt = &next
	if uerr := b.store.UpdateSchedule(ctx, sched); uerr != nil {
		return types.Wrap(types.KindConfig, uerr, "persist backfill progress for %q", entityName)
	}

	if err != nil {
		return err
	}
	b.log.Info("backfill slice processed",
		zap.String("entity", entityName),
		zap.Int("slice", slice),
		zap.Int("current_offset", sched.CurrentOffset),
		zap.Int("total_rows_estimate", sched.TotalRowsEstimate))
	return nil
}

// RunDue processes one slice for every enabled schedule. Per-entity errors
// are logged and do not stop the sweep.
func (b *Backfill) RunDue(ctx context.Context) error {
	schedules, err := b.store.ListSchedules(ctx, true)
	if err != nil {
		return types.Wrap(types.KindConfig, err, "list background schedules")
	}

	for _, sched := range schedules {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := b.RunEntity(ctx, sched.EntityName, false); err != nil {
			b.log.Error("backfill entity failed",
				zap.String("entity", sched.EntityName),
				zap.Error(err))
		}
	}
	return nil
}
