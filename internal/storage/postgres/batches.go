package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/erpbridge/erpbridge/internal/storage"
	"github.com/erpbridge/erpbridge/internal/types"
)

const pgUniqueViolation = "23505"

func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return storage.ErrAlreadyExists
	}
	return err
}

type batchRow struct {
	UID          string     `db:"uid"`
	EntityName   string     `db:"entity_name"`
	SyncType     string     `db:"sync_type"`
	SourceSystem string     `db:"source_system"`
	StartedAt    time.Time  `db:"started_at"`
	CompletedAt  *time.Time `db:"completed_at"`
	Status       string     `db:"status"`
	ErrorMessage string     `db:"error_message"`
	CreatedAt    time.Time  `db:"created_at"`

	RowsFetched    int     `db:"rows_fetched"`
	RowsNormalized int     `db:"rows_normalized"`
	RowsValidated  int     `db:"rows_validated"`
	RowsMapped     int     `db:"rows_mapped"`
	RowsInserted   int     `db:"rows_inserted"`
	RowsUpdated    int     `db:"rows_updated"`
	RowsDeleted    int     `db:"rows_deleted"`
	RowsSkipped    int     `db:"rows_skipped"`
	RowsFailed     int     `db:"rows_failed"`
	SuccessRate    float64 `db:"success_rate"`
}

func (r *batchRow) toBatch() *types.SyncBatch {
	return &types.SyncBatch{
		UID:          r.UID,
		EntityName:   r.EntityName,
		SyncType:     types.SyncType(r.SyncType),
		SourceSystem: r.SourceSystem,
		StartedAt:    r.StartedAt,
		CompletedAt:  r.CompletedAt,
		Status:       types.BatchStatus(r.Status),
		ErrorMessage: r.ErrorMessage,
		CreatedAt:    r.CreatedAt,
		Metrics: types.BatchMetrics{
			RowsFetched:    r.RowsFetched,
			RowsNormalized: r.RowsNormalized,
			RowsValidated:  r.RowsValidated,
			RowsMapped:     r.RowsMapped,
			RowsInserted:   r.RowsInserted,
			RowsUpdated:    r.RowsUpdated,
			RowsDeleted:    r.RowsDeleted,
			RowsSkipped:    r.RowsSkipped,
			RowsFailed:     r.RowsFailed,
			SuccessRate:    r.SuccessRate,
		},
	}
}

const batchColumns = `uid, entity_name, sync_type, source_system, started_at, completed_at,
	status, rows_fetched, rows_normalized, rows_validated, rows_mapped, rows_inserted,
	rows_updated, rows_deleted, rows_skipped, rows_failed, success_rate, error_message, created_at`

func (s *Store) CreateBatch(ctx context.Context, b *types.SyncBatch) error {
	ensureUID(&b.UID)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_batches (`+batchColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, now())`,
		b.UID, b.EntityName, b.SyncType, b.SourceSystem, b.StartedAt, b.CompletedAt,
		b.Status, b.Metrics.RowsFetched, b.Metrics.RowsNormalized, b.Metrics.RowsValidated,
		b.Metrics.RowsMapped, b.Metrics.RowsInserted, b.Metrics.RowsUpdated,
		b.Metrics.RowsDeleted, b.Metrics.RowsSkipped, b.Metrics.RowsFailed,
		b.Metrics.SuccessRate, b.ErrorMessage)
	return mapError(err)
}

func (s *Store) GetBatch(ctx context.Context, uid string) (*types.SyncBatch, error) {
	var row batchRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+batchColumns+` FROM sync_batches WHERE uid = $1`, uid)
	if err != nil {
		return nil, mapError(err)
	}
	return row.toBatch(), nil
}

func (s *Store) UpdateBatch(ctx context.Context, b *types.SyncBatch) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_batches SET
			completed_at = $2, status = $3,
			rows_fetched = $4, rows_normalized = $5, rows_validated = $6, rows_mapped = $7,
			rows_inserted = $8, rows_updated = $9, rows_deleted = $10, rows_skipped = $11,
			rows_failed = $12, success_rate = $13, error_message = $14
		WHERE uid = $1`,
		b.UID, b.CompletedAt, b.Status,
		b.Metrics.RowsFetched, b.Metrics.RowsNormalized, b.Metrics.RowsValidated,
		b.Metrics.RowsMapped, b.Metrics.RowsInserted, b.Metrics.RowsUpdated,
		b.Metrics.RowsDeleted, b.Metrics.RowsSkipped, b.Metrics.RowsFailed,
		b.Metrics.SuccessRate, b.ErrorMessage)
	if err != nil {
		return mapError(err)
	}
	return requireRow(res)
}

func (s *Store) ListBatches(ctx context.Context, f storage.BatchFilter) ([]*types.SyncBatch, error) {
	query := `SELECT ` + batchColumns + ` FROM sync_batches WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.EntityName != "" {
		query += ` AND entity_name = ` + arg(f.EntityName)
	}
	if f.Status != "" {
		query += ` AND status = ` + arg(string(f.Status))
	}
	if f.SyncType != "" {
		query += ` AND sync_type = ` + arg(string(f.SyncType))
	}
	query += ` ORDER BY started_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ` + arg(f.Limit)
	}
	if f.Offset > 0 {
		query += ` OFFSET ` + arg(f.Offset)
	}

	var rows []batchRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, mapError(err)
	}
	out := make([]*types.SyncBatch, len(rows))
	for i := range rows {
		out[i] = rows[i].toBatch()
	}
	return out, nil
}

func (s *Store) PurgeCompletedBatches(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM sync_batches
		WHERE status IN ('completed', 'cancelled') AND completed_at < $1`, olderThan)
	if err != nil {
		return 0, mapError(err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}
