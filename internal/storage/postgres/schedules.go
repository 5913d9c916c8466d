package postgres

import (
	"context"
	"time"

	"github.com/erpbridge/erpbridge/internal/types"
)

type scheduleRow struct {
	UID               string          `db:"uid"`
	EntityName        string          `db:"entity_name"`
	SourceSystem      string          `db:"source_system"`
	IsEnabled         bool            `db:"is_enabled"`
	SyncWindowStart   types.TimeOfDay `db:"sync_window_start"`
	SyncWindowEnd     types.TimeOfDay `db:"sync_window_end"`
	DaysToComplete    int             `db:"days_to_complete"`
	RowsPerDay        int             `db:"rows_per_day"`
	TotalRowsEstimate int             `db:"total_rows_estimate"`
	CurrentOffset     int             `db:"current_offset"`
	LastRunAt         *time.Time      `db:"last_run_at"`
	NextRunAt         *time.Time      `db:"next_run_at"`
	CreatedAt         time.Time       `db:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at"`
}

func (r *scheduleRow) toSchedule() *types.BackgroundSchedule {
	return &types.BackgroundSchedule{
		UID:               r.UID,
		EntityName:        r.EntityName,
		SourceSystem:      r.SourceSystem,
		IsEnabled:         r.IsEnabled,
		SyncWindowStart:   r.SyncWindowStart,
		SyncWindowEnd:     r.SyncWindowEnd,
		DaysToComplete:    r.DaysToComplete,
		RowsPerDay:        r.RowsPerDay,
		TotalRowsEstimate: r.TotalRowsEstimate,
		CurrentOffset:     r.CurrentOffset,
		LastRunAt:         r.LastRunAt,
		NextRunAt:         r.NextRunAt,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}

const scheduleColumns = `uid, entity_name, source_system, is_enabled, sync_window_start,
	sync_window_end, days_to_complete, rows_per_day, total_rows_estimate, current_offset,
	last_run_at, next_run_at, created_at, updated_at`

func (s *Store) CreateSchedule(ctx context.Context, sched *types.BackgroundSchedule) error {
	ensureUID(&sched.UID)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO background_sync_schedule (`+scheduleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now(), now())`,
		sched.UID, sched.EntityName, sched.SourceSystem, sched.IsEnabled,
		sched.SyncWindowStart, sched.SyncWindowEnd, sched.DaysToComplete,
		sched.RowsPerDay, sched.TotalRowsEstimate, sched.CurrentOffset,
		sched.LastRunAt, sched.NextRunAt)
	return mapError(err)
}

func (s *Store) GetSchedule(ctx context.Context, entityName string) (*types.BackgroundSchedule, error) {
	var row scheduleRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+scheduleColumns+` FROM background_sync_schedule WHERE entity_name = $1`,
		entityName)
	if err != nil {
		return nil, mapError(err)
	}
	return row.toSchedule(), nil
}

func (s *Store) UpdateSchedule(ctx context.Context, sched *types.BackgroundSchedule) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE background_sync_schedule SET
			source_system = $2, is_enabled = $3, sync_window_start = $4,
			sync_window_end = $5, days_to_complete = $6, rows_per_day = $7,
			total_rows_estimate = $8, current_offset = $9, last_run_at = $10,
			next_run_at = $11, updated_at = now()
		WHERE entity_name = $1`,
		sched.EntityName, sched.SourceSystem, sched.IsEnabled, sched.SyncWindowStart,
		sched.SyncWindowEnd, sched.DaysToComplete, sched.RowsPerDay,
		sched.TotalRowsEstimate, sched.CurrentOffset, sched.LastRunAt, sched.NextRunAt)
	if err != nil {
		return mapError(err)
	}
	return requireRow(res)
}

func (s *Store) DeleteSchedule(ctx context.Context, entityName string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM background_sync_schedule WHERE entity_name = $1`, entityName)
	if err != nil {
		return mapError(err)
	}
	return requireRow(res)
}

func (s *Store) ListSchedules(ctx context.Context, enabledOnly bool) ([]*types.BackgroundSchedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM background_sync_schedule`
	if enabledOnly {
		query += ` WHERE is_enabled`
	}
	query += ` ORDER BY entity_name`

	var rows []scheduleRow
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, mapError(err)
	}
	out := make([]*types.BackgroundSchedule, len(rows))
	for i := range rows {
		out[i] = rows[i].toSchedule()
	}
	return out, nil
}
