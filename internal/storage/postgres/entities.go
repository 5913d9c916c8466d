package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/erpbridge/erpbridge/internal/types"
)

type entityRow struct {
	UID               string    `db:"uid"`
	EntityName        string    `db:"entity_name"`
	SourceAPISlug     string    `db:"source_api_slug"`
	BusinessKeyFields []byte    `db:"business_key_fields"`
	SyncEnabled       bool      `db:"sync_enabled"`
	SyncSchedule      string    `db:"sync_schedule"`
	ParentRefsConfig  []byte    `db:"parent_refs_config"`
	CreatedAt         time.Time `db:"created_at"`
	UpdatedAt         time.Time `db:"updated_at"`
}

func (r *entityRow) toConfig() (*types.EntityConfig, error) {
	out := &types.EntityConfig{
		UID:           r.UID,
		EntityName:    r.EntityName,
		SourceAPISlug: r.SourceAPISlug,
		SyncEnabled:   r.SyncEnabled,
		SyncSchedule:  r.SyncSchedule,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if err := json.Unmarshal(r.BusinessKeyFields, &out.BusinessKeyFields); err != nil {
		return nil, fmt.Errorf("decode business_key_fields for %s: %w", r.EntityName, err)
	}
	if len(r.ParentRefsConfig) > 0 {
		if err := json.Unmarshal(r.ParentRefsConfig, &out.ParentRefs); err != nil {
			return nil, fmt.Errorf("decode parent_refs_config for %s: %w", r.EntityName, err)
		}
	}
	return out, nil
}

func encodeEntityConfig(cfg *types.EntityConfig) (bkFields, parentRefs []byte, err error) {
	bkFields, err = json.Marshal(cfg.BusinessKeyFields)
	if err != nil {
		return nil, nil, err
	}
	if len(cfg.ParentRefs) > 0 {
		parentRefs, err = json.Marshal(cfg.ParentRefs)
		if err != nil {
			return nil, nil, err
		}
	}
	return bkFields, parentRefs, nil
}

const entityColumns = `uid, entity_name, source_api_slug, business_key_fields,
	sync_enabled, sync_schedule, parent_refs_config, created_at, updated_at`

func (s *Store) CreateEntityConfig(ctx context.Context, cfg *types.EntityConfig) error {
	ensureUID(&cfg.UID)
	bkFields, parentRefs, err := encodeEntityConfig(cfg)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entity_config (`+entityColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())`,
		cfg.UID, cfg.EntityName, cfg.SourceAPISlug, bkFields,
		cfg.SyncEnabled, cfg.SyncSchedule, parentRefs)
	return mapError(err)
}

func (s *Store) GetEntityConfig(ctx context.Context, entityName string) (*types.EntityConfig, error) {
	var row entityRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+entityColumns+` FROM entity_config WHERE entity_name = $1`, entityName)
	if err != nil {
		return nil, mapError(err)
	}
	return row.toConfig()
}

func (s *Store) UpdateEntityConfig(ctx context.Context, cfg *types.EntityConfig) error {
	bkFields, parentRefs, err := encodeEntityConfig(cfg)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE entity_config SET
			source_api_slug = $2, business_key_fields = $3, sync_enabled = $4,
			sync_schedule = $5, parent_refs_config = $6, updated_at = now()
		WHERE entity_name = $1`,
		cfg.EntityName, cfg.SourceAPISlug, bkFields, cfg.SyncEnabled,
		cfg.SyncSchedule, parentRefs)
	if err != nil {
		return mapError(err)
	}
	return requireRow(res)
}

func (s *Store) DeleteEntityConfig(ctx context.Context, entityName string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM entity_config WHERE entity_name = $1`, entityName)
	if err != nil {
		return mapError(err)
	}
	return requireRow(res)
}

func (s *Store) ListEntityConfigs(ctx context.Context) ([]*types.EntityConfig, error) {
	var rows []entityRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+entityColumns+` FROM entity_config ORDER BY entity_name`)
	if err != nil {
		return nil, mapError(err)
	}
	out := make([]*types.EntityConfig, 0, len(rows))
	for i := range rows {
		cfg, err := rows[i].toConfig()
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, nil
}

func (s *Store) ListEntitiesNeedingSync(ctx context.Context, sourceSystem string, olderThan time.Time) ([]*types.EntityConfig, error) {
	var rows []entityRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT e.uid, e.entity_name, e.source_api_slug, e.business_key_fields,
		       e.sync_enabled, e.sync_schedule, e.parent_refs_config,
		       e.created_at, e.updated_at
		FROM entity_config e
		LEFT JOIN erp_sync_state st
		  ON st.entity_name = e.entity_name AND st.source_system = $1
		WHERE e.sync_enabled
		  AND (st.last_sync_timestamp IS NULL OR st.last_sync_timestamp < $2)
		ORDER BY e.entity_name`, sourceSystem, olderThan)
	if err != nil {
		return nil, mapError(err)
	}
	out := make([]*types.EntityConfig, 0, len(rows))
	for i := range rows {
		cfg, err := rows[i].toConfig()
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, nil
}
