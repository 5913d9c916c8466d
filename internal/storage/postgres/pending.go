package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/erpbridge/erpbridge/internal/storage"
	"github.com/erpbridge/erpbridge/internal/types"
)

type pendingRow struct {
	UID          string     `db:"uid"`
	BatchUID     *string    `db:"batch_uid"`
	ChildEntity  string     `db:"child_entity"`
	ParentEntity string     `db:"parent_entity"`
	ParentBKHash string     `db:"parent_bk_hash"`
	ChildPayload []byte     `db:"child_payload"`
	RetryCount   int        `db:"retry_count"`
	MaxRetries   int        `db:"max_retries"`
	NextRetryAt  *time.Time `db:"next_retry_at"`
	ResolvedAt   *time.Time `db:"resolved_at"`
	CreatedAt    time.Time  `db:"created_at"`
}

func (r *pendingRow) toChild() (*types.PendingChild, error) {
	out := &types.PendingChild{
		UID:          r.UID,
		ChildEntity:  r.ChildEntity,
		ParentEntity: r.ParentEntity,
		ParentBKHash: r.ParentBKHash,
		RetryCount:   r.RetryCount,
		MaxRetries:   r.MaxRetries,
		NextRetryAt:  r.NextRetryAt,
		ResolvedAt:   r.ResolvedAt,
		CreatedAt:    r.CreatedAt,
	}
	if r.BatchUID != nil {
		out.BatchUID = *r.BatchUID
	}
	var err error
	if out.ChildPayload, err = decodeRecord(r.ChildPayload); err != nil {
		return nil, err
	}
	return out, nil
}

const pendingColumns = `uid, batch_uid, child_entity, parent_entity, parent_bk_hash,
	child_payload, retry_count, max_retries, next_retry_at, resolved_at, created_at`

func (s *Store) CreatePendingChild(ctx context.Context, child *types.PendingChild) error {
	ensureUID(&child.UID)
	payload, err := encodeRecord(child.ChildPayload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pending_children (`+pendingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())`,
		child.UID, nullableUID(child.BatchUID), child.ChildEntity, child.ParentEntity,
		child.ParentBKHash, payload, child.RetryCount, child.MaxRetries,
		child.NextRetryAt, child.ResolvedAt)
	return mapError(err)
}

func (s *Store) GetPendingChild(ctx context.Context, uid string) (*types.PendingChild, error) {
	var row pendingRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+pendingColumns+` FROM pending_children WHERE uid = $1`, uid)
	if err != nil {
		return nil, mapError(err)
	}
	return row.toChild()
}

func (s *Store) UpdatePendingChild(ctx context.Context, child *types.PendingChild) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_children SET
			retry_count = $2, next_retry_at = $3, resolved_at = $4
		WHERE uid = $1`,
		child.UID, child.RetryCount, child.NextRetryAt, child.ResolvedAt)
	if err != nil {
		return mapError(err)
	}
	return requireRow(res)
}

func (s *Store) DeletePendingChild(ctx context.Context, uid string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pending_children WHERE uid = $1`, uid)
	if err != nil {
		return mapError(err)
	}
	return requireRow(res)
}

func (s *Store) ListPendingChildren(ctx context.Context, f storage.PendingChildFilter) ([]*types.PendingChild, error) {
	query := `SELECT ` + pendingColumns + ` FROM pending_children WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.ChildEntity != "" {
		query += ` AND child_entity = ` + arg(f.ChildEntity)
	}
	if f.ParentEntity != "" {
		query += ` AND parent_entity = ` + arg(f.ParentEntity)
	}
	if f.RetryBudgetOnly {
		query += ` AND retry_count < max_retries`
	}
	if !f.DueBefore.IsZero() {
		query += ` AND (next_retry_at IS NULL OR next_retry_at <= ` + arg(f.DueBefore) + `)`
	}
	query += ` ORDER BY created_at`
	if f.Limit > 0 {
		query += ` LIMIT ` + arg(f.Limit)
	}

	var rows []pendingRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, mapError(err)
	}
	out := make([]*types.PendingChild, 0, len(rows))
	for i := range rows {
		child, err := rows[i].toChild()
		if err != nil {
			return nil, err
		}
		out = append(out, child)
	}
	return out, nil
}

func (s *Store) CountPendingChildren(ctx context.Context, childEntity string) (int, error) {
	var n int
	var err error
	if childEntity != "" {
		err = s.db.GetContext(ctx, &n,
			`SELECT count(*) FROM pending_children WHERE child_entity = $1`, childEntity)
	} else {
		err = s.db.GetContext(ctx, &n, `SELECT count(*) FROM pending_children`)
	}
	return n, mapError(err)
}

func (s *Store) PurgeStalePendingChildren(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM pending_children WHERE created_at < $1`, olderThan)
	if err != nil {
		return 0, mapError(err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
