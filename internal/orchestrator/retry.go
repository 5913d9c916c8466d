package orchestrator

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/erpbridge/erpbridge/internal/identity"
	"github.com/erpbridge/erpbridge/internal/normalize"
	"github.com/erpbridge/erpbridge/internal/resolver"
	"github.com/erpbridge/erpbridge/internal/storage"
	"github.com/erpbridge/erpbridge/internal/types"
)

// RetryStats summarizes one dead-letter retry sweep.
type RetryStats struct {
	Scanned  int `json:"scanned"`
	Retried  int `json:"retried"`
	Resolved int `json:"resolved"`
}

// RetryFailedRecords replays retryable dead-letter rows through the pipeline
// from the stage they failed at. Rows whose next_retry_at is still in the
// future are left alone; rows that fail again have their retry count bumped
// and the next attempt pushed out with exponential backoff. An empty
// entityName sweeps every entity.
func (o *Orchestrator) RetryFailedRecords(ctx context.Context, entityName string, limit int) (RetryStats, error) {
	if limit <= 0 {
		limit = 100
	}
	failed, err := o.store.ListFailedRecords(ctx, storage.FailedRecordFilter{
		EntityName:    entityName,
		OnlyRetryable: true,
		OnlyOpen:      true,
		Limit:         limit,
	})
	if err != nil {
		return RetryStats{}, types.Wrap(types.KindSync, err, "list failed records")
	}

	stats := RetryStats{Scanned: len(failed)}
	now := time.Now().UTC()

	type entityBundle struct {
		cfg      *types.EntityConfig
		mappings []types.FieldMapping
	}
	bundles := make(map[string]entityBundle)

	for _, f := range failed {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if f.NextRetryAt != nil && f.NextRetryAt.After(now) {
			continue
		}

		b, ok := bundles[f.EntityName]
		if !ok {
			cfg, mappings, err := o.loadConfig(ctx, Request{EntityName: f.EntityName})
			if err != nil {
				return stats, err
			}
			b = entityBundle{cfg: cfg, mappings: mappings}
			bundles[f.EntityName] = b
		}

		stats.Retried++
		f.RetryCount++
		if err := o.replay(ctx, b.cfg, b.mappings, f); err != nil {
			f.ErrorType = string(types.KindOf(err))
			f.ErrorMessage = err.Error()
			next := now.Add(o.retryBackoff(f.RetryCount))
			f.NextRetryAt = &next
			o.log.Warn("dead-letter retry unsuccessful",
				zap.String("entity", f.EntityName),
				zap.String("uid", f.UID),
				zap.String("stage_failed", f.StageFailed),
				zap.Int("retry_count", f.RetryCount),
				zap.Error(err))
		} else {
			f.ResolvedAt = &now
			f.ResolvedBy = "retry"
			f.NextRetryAt = nil
			stats.Resolved++
		}
		if err := o.store.UpdateFailedRecord(ctx, f); err != nil {
			return stats, types.Wrap(types.KindSync, err, "update failed record")
		}
	}
	return stats, nil
}

// replay reruns the pipeline stages for one dead-letter row, starting at the
// stage it failed in and carrying the result through to ingest.
func (o *Orchestrator) replay(ctx context.Context, cfg *types.EntityConfig, mappings []types.FieldMapping, f *types.FailedRecord) error {
	rec := f.MappedData
	if rec == nil {
		rec = f.NormalizedData
	}

	switch f.StageFailed {
	case "fetch", "normalize", "validate", "map":
		if f.RawData == nil {
			return types.E(types.KindValidation, "no raw data to replay")
		}
		engine := normalize.NewEngine(f.EntityName, normalize.Config{Mappings: mappings}, o.log)
		norm, problems := engine.Normalize(f.RawData)
		if len(problems) > 0 {
			return types.E(types.KindValidation, "%s", strings.Join(problems, "; "))
		}
		rec = norm
	}
	if rec == nil {
		return types.E(types.KindSync, "no data to replay")
	}

	if rec.KeyHash() == "" {
		if cfg == nil || len(cfg.BusinessKeyFields) == 0 {
			return types.E(types.KindConfig, "no business key fields configured for entity %q", f.EntityName)
		}
		stamped, err := identity.NewEngine(f.EntityName, cfg.BusinessKeyFields, o.log).Stamp(rec)
		if err != nil {
			return err
		}
		rec = stamped
	}

	if cfg != nil && len(cfg.ParentRefs) > 0 {
		enriched, err := resolver.DetectParentRefs(rec, cfg.ParentRefs)
		if err != nil {
			return err
		}
		rec = enriched
	}

	return o.IngestOne(ctx, f.EntityName, rec)
}

// retryBackoff returns base·2^retry clamped to the configured maximum.
func (o *Orchestrator) retryBackoff(retryCount int) time.Duration {
	d := o.retryBase
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= o.retryMax {
			return o.retryMax
		}
	}
	return d
}
