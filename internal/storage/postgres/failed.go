package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/erpbridge/erpbridge/internal/storage"
	"github.com/erpbridge/erpbridge/internal/types"
)

type failedRow struct {
	UID            string     `db:"uid"`
	BatchUID       *string    `db:"batch_uid"`
	EntityName     string     `db:"entity_name"`
	SourceSystem   string     `db:"source_system"`
	RawData        []byte     `db:"raw_data"`
	NormalizedData []byte     `db:"normalized_data"`
	MappedData     []byte     `db:"mapped_data"`
	StageFailed    string     `db:"stage_failed"`
	ErrorType      string     `db:"error_type"`
	ErrorMessage   string     `db:"error_message"`
	RetryCount     int        `db:"retry_count"`
	MaxRetries     int        `db:"max_retries"`
	NextRetryAt    *time.Time `db:"next_retry_at"`
	ResolvedAt     *time.Time `db:"resolved_at"`
	ResolvedBy     string     `db:"resolved_by"`
	CreatedAt      time.Time  `db:"created_at"`
}

func (r *failedRow) toRecord() (*types.FailedRecord, error) {
	out := &types.FailedRecord{
		UID:          r.UID,
		EntityName:   r.EntityName,
		SourceSystem: r.SourceSystem,
		StageFailed:  r.StageFailed,
		ErrorType:    r.ErrorType,
		ErrorMessage: r.ErrorMessage,
		RetryCount:   r.RetryCount,
		MaxRetries:   r.MaxRetries,
		NextRetryAt:  r.NextRetryAt,
		ResolvedAt:   r.ResolvedAt,
		ResolvedBy:   r.ResolvedBy,
		CreatedAt:    r.CreatedAt,
	}
	if r.BatchUID != nil {
		out.BatchUID = *r.BatchUID
	}
	var err error
	if out.RawData, err = decodeRecord(r.RawData); err != nil {
		return nil, err
	}
	if out.NormalizedData, err = decodeRecord(r.NormalizedData); err != nil {
		return nil, err
	}
	if out.MappedData, err = decodeRecord(r.MappedData); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeRecord(data []byte) (types.Record, error) {
	if len(data) == 0 {
		return nil, nil
	}
	return types.RecordFromJSON(data)
}

func encodeRecord(rec types.Record) ([]byte, error) {
	if rec == nil {
		return nil, nil
	}
	return rec.JSON()
}

func nullableUID(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

const failedColumns = `uid, batch_uid, entity_name, source_system, raw_data, normalized_data,
	mapped_data, stage_failed, error_type, error_message, retry_count, max_retries,
	next_retry_at, resolved_at, resolved_by, created_at`

func (s *Store) CreateFailedRecord(ctx context.Context, rec *types.FailedRecord) error {
	ensureUID(&rec.UID)
	raw, err := encodeRecord(rec.RawData)
	if err != nil {
		return err
	}
	norm, err := encodeRecord(rec.NormalizedData)
	if err != nil {
		return err
	}
	mapped, err := encodeRecord(rec.MappedData)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO failed_records (`+failedColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, now())`,
		rec.UID, nullableUID(rec.BatchUID), rec.EntityName, rec.SourceSystem,
		raw, norm, mapped, rec.StageFailed, rec.ErrorType, rec.ErrorMessage,
		rec.RetryCount, rec.MaxRetries, rec.NextRetryAt, rec.ResolvedAt, rec.ResolvedBy)
	return mapError(err)
}

func (s *Store) GetFailedRecord(ctx context.Context, uid string) (*types.FailedRecord, error) {
	var row failedRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+failedColumns+` FROM failed_records WHERE uid = $1`, uid)
	if err != nil {
		return nil, mapError(err)
	}
	return row.toRecord()
}

func (s *Store) UpdateFailedRecord(ctx context.Context, rec *types.FailedRecord) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE failed_records SET
			retry_count = $2, max_retries = $3, next_retry_at = $4,
			resolved_at = $5, resolved_by = $6, error_message = $7
		WHERE uid = $1`,
		rec.UID, rec.RetryCount, rec.MaxRetries, rec.NextRetryAt,
		rec.ResolvedAt, rec.ResolvedBy, rec.ErrorMessage)
	if err != nil {
		return mapError(err)
	}
	return requireRow(res)
}

func (s *Store) ListFailedRecords(ctx context.Context, f storage.FailedRecordFilter) ([]*types.FailedRecord, error) {
	query := `SELECT ` + failedColumns + ` FROM failed_records WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.EntityName != "" {
		query += ` AND entity_name = ` + arg(f.EntityName)
	}
	if f.StageFailed != "" {
		query += ` AND stage_failed = ` + arg(f.StageFailed)
	}
	if f.OnlyOpen || f.OnlyRetryable {
		query += ` AND resolved_at IS NULL`
	}
	if f.OnlyRetryable {
		query += ` AND retry_count < max_retries`
	}
	query += ` ORDER BY created_at`
	if f.Limit > 0 {
		query += ` LIMIT ` + arg(f.Limit)
	}
	if f.Offset > 0 {
		query += ` OFFSET ` + arg(f.Offset)
	}

	var rows []failedRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, mapError(err)
	}
	out := make([]*types.FailedRecord, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].toRecord()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) CountOpenFailedRecords(ctx context.Context, entityName string) (int, error) {
	var n int
	var err error
	if entityName != "" {
		err = s.db.GetContext(ctx, &n,
			`SELECT count(*) FROM failed_records WHERE resolved_at IS NULL AND entity_name = $1`,
			entityName)
	} else {
		err = s.db.GetContext(ctx, &n,
			`SELECT count(*) FROM failed_records WHERE resolved_at IS NULL`)
	}
	return n, mapError(err)
}

func (s *Store) PurgeResolvedFailedRecords(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM failed_records WHERE resolved_at IS NOT NULL AND resolved_at < $1`, olderThan)
	if err != nil {
		return 0, mapError(err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
