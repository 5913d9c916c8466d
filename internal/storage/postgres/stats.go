package postgres

import (
	"context"
	"time"

	"github.com/erpbridge/erpbridge/internal/storage"
)

func (s *Store) GetStatistics(ctx context.Context) (*storage.Statistics, error) {
	stats := &storage.Statistics{
		BatchesByStatus: make(map[string]int),
		BatchesByType:   make(map[string]int),
	}

	type bucket struct {
		Status string `db:"status"`
		Type   string `db:"sync_type"`
		N      int    `db:"n"`
	}
	var buckets []bucket
	err := s.db.SelectContext(ctx, &buckets,
		`SELECT status, sync_type, count(*) AS n FROM sync_batches GROUP BY status, sync_type`)
	if err != nil {
		return nil, mapError(err)
	}
	for _, b := range buckets {
		stats.TotalBatches += b.N
		stats.BatchesByStatus[b.Status] += b.N
		stats.BatchesByType[b.Type] += b.N
	}

	if err := s.db.GetContext(ctx, &stats.OpenFailed,
		`SELECT count(*) FROM failed_records WHERE resolved_at IS NULL`); err != nil {
		return nil, mapError(err)
	}
	if err := s.db.GetContext(ctx, &stats.PendingChildren,
		`SELECT count(*) FROM pending_children`); err != nil {
		return nil, mapError(err)
	}
	if err := s.db.GetContext(ctx, &stats.EntitiesTracked,
		`SELECT count(*) FROM entity_config`); err != nil {
		return nil, mapError(err)
	}

	var last *time.Time
	if err := s.db.GetContext(ctx, &last,
		`SELECT max(completed_at) FROM sync_batches WHERE status = 'completed'`); err != nil {
		return nil, mapError(err)
	}
	stats.LastCompletedRun = last

	return stats, nil
}
