// Package postgres implements storage.Store on PostgreSQL via sqlx over the
// pgx stdlib driver. Schema migrations are embedded and applied with goose.
package postgres

import (
	"context"
	"embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	"github.com/erpbridge/erpbridge/internal/storage"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store is the PostgreSQL implementation of storage.Store.
type Store struct {
	db *sqlx.DB
}

var _ storage.Store = (*Store)(nil)

// Open connects to the database and verifies the connection. poolSize bounds
// open connections; values below one fall back to the default of 20.
func Open(ctx context.Context, dsn string, poolSize int) (*Store, error) {
	if poolSize < 1 {
		poolSize = 20
	}
	db, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(poolSize)
	db.SetMaxIdleConns(min(poolSize, 5))
	db.SetConnMaxLifetime(30 * time.Minute)
	return &Store{db: db}, nil
}

// ensureUID fills in an application-side UUID v7 key when the caller left it
// empty, matching the memory store's create semantics.
func ensureUID(uid *string) {
	if *uid == "" {
		*uid = uuid.Must(uuid.NewV7()).String()
	}
}

// Migrate applies all pending schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, s.db.DB, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}
