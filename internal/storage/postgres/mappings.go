package postgres

import (
	"context"
	"time"

	"github.com/erpbridge/erpbridge/internal/types"
)

type mappingRow struct {
	UID            string    `db:"uid"`
	EntityName     string    `db:"entity_name"`
	SourceField    string    `db:"source_field"`
	TargetField    string    `db:"target_field"`
	Transformation string    `db:"transformation"`
	DefaultValue   string    `db:"default_value"`
	IsRequired     bool      `db:"is_required"`
	CreatedAt      time.Time `db:"created_at"`
}

func (r *mappingRow) toMapping() *types.FieldMapping {
	return &types.FieldMapping{
		UID:            r.UID,
		EntityName:     r.EntityName,
		SourceField:    r.SourceField,
		TargetField:    r.TargetField,
		Transformation: types.Transformation(r.Transformation),
		DefaultValue:   r.DefaultValue,
		IsRequired:     r.IsRequired,
		CreatedAt:      r.CreatedAt,
	}
}

const mappingColumns = `uid, entity_name, source_field, target_field,
	transformation, default_value, is_required, created_at`

func (s *Store) CreateFieldMapping(ctx context.Context, m *types.FieldMapping) error {
	ensureUID(&m.UID)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO field_mappings (`+mappingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())`,
		m.UID, m.EntityName, m.SourceField, m.TargetField,
		m.Transformation, m.DefaultValue, m.IsRequired)
	return mapError(err)
}

func (s *Store) CreateFieldMappings(ctx context.Context, ms []*types.FieldMapping) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, m := range ms {
		ensureUID(&m.UID)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO field_mappings (`+mappingColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, now())`,
			m.UID, m.EntityName, m.SourceField, m.TargetField,
			m.Transformation, m.DefaultValue, m.IsRequired); err != nil {
			return mapError(err)
		}
	}
	return tx.Commit()
}

func (s *Store) GetFieldMapping(ctx context.Context, uid string) (*types.FieldMapping, error) {
	var row mappingRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+mappingColumns+` FROM field_mappings WHERE uid = $1`, uid)
	if err != nil {
		return nil, mapError(err)
	}
	return row.toMapping(), nil
}

func (s *Store) UpdateFieldMapping(ctx context.Context, m *types.FieldMapping) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE field_mappings SET
			source_field = $2, target_field = $3, transformation = $4,
			default_value = $5, is_required = $6
		WHERE uid = $1`,
		m.UID, m.SourceField, m.TargetField, m.Transformation,
		m.DefaultValue, m.IsRequired)
	if err != nil {
		return mapError(err)
	}
	return requireRow(res)
}

func (s *Store) DeleteFieldMapping(ctx context.Context, uid string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM field_mappings WHERE uid = $1`, uid)
	if err != nil {
		return mapError(err)
	}
	return requireRow(res)
}

func (s *Store) DeleteFieldMappings(ctx context.Context, entityName string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM field_mappings WHERE entity_name = $1`, entityName)
	return mapError(err)
}

func (s *Store) ListFieldMappings(ctx context.Context, entityName string) ([]*types.FieldMapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM field_mappings`
	var args []any
	if entityName != "" {
		query += ` WHERE entity_name = $1`
		args = append(args, entityName)
	}
	query += ` ORDER BY entity_name, source_field`

	var rows []mappingRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, mapError(err)
	}
	out := make([]*types.FieldMapping, len(rows))
	for i := range rows {
		out[i] = rows[i].toMapping()
	}
	return out, nil
}
