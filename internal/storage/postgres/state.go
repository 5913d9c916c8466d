package postgres

import (
	"context"
	"time"

	"github.com/erpbridge/erpbridge/internal/types"
)

type stateRow struct {
	UID                string     `db:"uid"`
	EntityName         string     `db:"entity_name"`
	SourceSystem       string     `db:"source_system"`
	LastSyncRowversion string     `db:"last_sync_rowversion"`
	LastSyncTimestamp  *time.Time `db:"last_sync_timestamp"`
	LastBatchUID       *string    `db:"last_batch_uid"`
	UpdatedAt          time.Time  `db:"updated_at"`
}

func (r *stateRow) toState() *types.SyncState {
	out := &types.SyncState{
		UID:                r.UID,
		EntityName:         r.EntityName,
		SourceSystem:       r.SourceSystem,
		LastSyncRowversion: r.LastSyncRowversion,
		LastSyncTimestamp:  r.LastSyncTimestamp,
		UpdatedAt:          r.UpdatedAt,
	}
	if r.LastBatchUID != nil {
		out.LastBatchUID = *r.LastBatchUID
	}
	return out
}

func (s *Store) GetSyncState(ctx context.Context, entityName, sourceSystem string) (*types.SyncState, error) {
	var row stateRow
	err := s.db.GetContext(ctx, &row, `
		SELECT uid, entity_name, source_system, last_sync_rowversion,
		       last_sync_timestamp, last_batch_uid, updated_at
		FROM erp_sync_state
		WHERE entity_name = $1 AND source_system = $2`,
		entityName, sourceSystem)
	if err != nil {
		return nil, mapError(err)
	}
	return row.toState(), nil
}

func (s *Store) UpsertSyncState(ctx context.Context, state *types.SyncState) error {
	ensureUID(&state.UID)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO erp_sync_state
			(uid, entity_name, source_system, last_sync_rowversion,
			 last_sync_timestamp, last_batch_uid, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (entity_name, source_system) DO UPDATE SET
			last_sync_rowversion = EXCLUDED.last_sync_rowversion,
			last_sync_timestamp  = EXCLUDED.last_sync_timestamp,
			last_batch_uid       = EXCLUDED.last_batch_uid,
			updated_at           = now()`,
		state.UID, state.EntityName, state.SourceSystem, state.LastSyncRowversion,
		state.LastSyncTimestamp, nullableUID(state.LastBatchUID))
	return mapError(err)
}

func (s *Store) ResetSyncState(ctx context.Context, entityName, sourceSystem string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM erp_sync_state WHERE entity_name = $1 AND source_system = $2`,
		entityName, sourceSystem)
	if err != nil {
		return mapError(err)
	}
	return requireRow(res)
}
