// Package storage provides the persistence interface and shared filter types
// for the sync-state database.
//
// The concrete Postgres implementation lives in the postgres sub-package; an
// in-memory implementation for tests lives in the memory sub-package.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/erpbridge/erpbridge/internal/types"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is returned on unique-constraint conflicts.
var ErrAlreadyExists = errors.New("already exists")

// BatchFilter narrows ListBatches.
type BatchFilter struct {
	EntityName string
	Status     types.BatchStatus
	SyncType   types.SyncType
	Limit      int
	Offset     int
}

// FailedRecordFilter narrows ListFailedRecords.
type FailedRecordFilter struct {
	EntityName    string
	StageFailed   string
	OnlyRetryable bool
	OnlyOpen      bool
	Limit         int
	Offset        int
}

// PendingChildFilter narrows ListPendingChildren.
type PendingChildFilter struct {
	ChildEntity  string
	ParentEntity string
	// DueBefore selects children whose next_retry_at is at or before the
	// instant, or unset. Zero means no due filter.
	DueBefore time.Time
	// RetryBudgetOnly keeps only children with retry_count < max_retries.
	RetryBudgetOnly bool
	Limit           int
}

// Statistics is the aggregate snapshot served by the monitoring API.
type Statistics struct {
	TotalBatches     int            `json:"total_batches"`
	BatchesByStatus  map[string]int `json:"batches_by_status"`
	BatchesByType    map[string]int `json:"batches_by_type"`
	OpenFailed       int            `json:"open_failed_records"`
	PendingChildren  int            `json:"pending_children"`
	EntitiesTracked  int            `json:"entities_tracked"`
	LastCompletedRun *time.Time     `json:"last_completed_run,omitempty"`
}

// Store is the persistence contract for all sync-state tables. Consumers
// depend on this interface so the Postgres store and the in-memory test store
// are interchangeable.
type Store interface {
	// Sync batches
	CreateBatch(ctx context.Context, batch *types.SyncBatch) error
	GetBatch(ctx context.Context, uid string) (*types.SyncBatch, error)
	UpdateBatch(ctx context.Context, batch *types.SyncBatch) error
	ListBatches(ctx context.Context, filter BatchFilter) ([]*types.SyncBatch, error)

	// Dead letter
	CreateFailedRecord(ctx context.Context, rec *types.FailedRecord) error
	GetFailedRecord(ctx context.Context, uid string) (*types.FailedRecord, error)
	UpdateFailedRecord(ctx context.Context, rec *types.FailedRecord) error
	ListFailedRecords(ctx context.Context, filter FailedRecordFilter) ([]*types.FailedRecord, error)
	CountOpenFailedRecords(ctx context.Context, entityName string) (int, error)

	// Pending children
	CreatePendingChild(ctx context.Context, child *types.PendingChild) error
	GetPendingChild(ctx context.Context, uid string) (*types.PendingChild, error)
	UpdatePendingChild(ctx context.Context, child *types.PendingChild) error
	DeletePendingChild(ctx context.Context, uid string) error
	ListPendingChildren(ctx context.Context, filter PendingChildFilter) ([]*types.PendingChild, error)
	CountPendingChildren(ctx context.Context, childEntity string) (int, error)

	// Sync cursor
	GetSyncState(ctx context.Context, entityName, sourceSystem string) (*types.SyncState, error)
	UpsertSyncState(ctx context.Context, state *types.SyncState) error
	ResetSyncState(ctx context.Context, entityName, sourceSystem string) error

	// Entity configuration
	CreateEntityConfig(ctx context.Context, cfg *types.EntityConfig) error
	GetEntityConfig(ctx context.Context, entityName string) (*types.EntityConfig, error)
	UpdateEntityConfig(ctx context.Context, cfg *types.EntityConfig) error
	DeleteEntityConfig(ctx context.Context, entityName string) error
	ListEntityConfigs(ctx context.Context) ([]*types.EntityConfig, error)
	// ListEntitiesNeedingSync returns sync-enabled entities whose cursor has
	// not advanced since the cutoff (or has never been set).
	ListEntitiesNeedingSync(ctx context.Context, sourceSystem string, olderThan time.Time) ([]*types.EntityConfig, error)

	// Field mappings
	CreateFieldMapping(ctx context.Context, m *types.FieldMapping) error
	CreateFieldMappings(ctx context.Context, ms []*types.FieldMapping) error
	GetFieldMapping(ctx context.Context, uid string) (*types.FieldMapping, error)
	UpdateFieldMapping(ctx context.Context, m *types.FieldMapping) error
	DeleteFieldMapping(ctx context.Context, uid string) error
	DeleteFieldMappings(ctx context.Context, entityName string) error
	ListFieldMappings(ctx context.Context, entityName string) ([]*types.FieldMapping, error)

	// Background schedules
	CreateSchedule(ctx context.Context, s *types.BackgroundSchedule) error
	GetSchedule(ctx context.Context, entityName string) (*types.BackgroundSchedule, error)
	UpdateSchedule(ctx context.Context, s *types.BackgroundSchedule) error
	DeleteSchedule(ctx context.Context, entityName string) error
	ListSchedules(ctx context.Context, enabledOnly bool) ([]*types.BackgroundSchedule, error)

	// Monitoring
	GetStatistics(ctx context.Context) (*Statistics, error)

	// Retention
	PurgeCompletedBatches(ctx context.Context, olderThan time.Time) (int, error)
	PurgeResolvedFailedRecords(ctx context.Context, olderThan time.Time) (int, error)
	PurgeStalePendingChildren(ctx context.Context, olderThan time.Time) (int, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Close() error
}
