package postgres_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erpbridge/erpbridge/internal/storage/postgres"
	"github.com/erpbridge/erpbridge/internal/types"
)

// openTestStore connects to the database named by ERPBRIDGE_TEST_DSN and runs
// migrations. Tests that need a live database skip without it.
func openTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := os.Getenv("ERPBRIDGE_TEST_DSN")
	if dsn == "" {
		t.Skip("ERPBRIDGE_TEST_DSN not set")
	}
	store, err := postgres.Open(context.Background(), dsn, 4)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

// Production callers leave UID empty on create; every insert must still land
// in a UUID primary-key column.
func TestCreatesGenerateKeys(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	entity := fmt.Sprintf("contract_%d", time.Now().UnixNano())

	cfg := &types.EntityConfig{
		EntityName:        entity,
		SourceAPISlug:     entity + "-api",
		BusinessKeyFields: []string{"id"},
		SyncEnabled:       true,
	}
	require.NoError(t, store.CreateEntityConfig(ctx, cfg))
	assert.NotEmpty(t, cfg.UID)
	t.Cleanup(func() { _ = store.DeleteEntityConfig(ctx, entity) })

	mapping := &types.FieldMapping{
		EntityName:  entity,
		SourceField: "SRC",
		TargetField: "dst",
	}
	require.NoError(t, store.CreateFieldMapping(ctx, mapping))
	assert.NotEmpty(t, mapping.UID)

	batch := &types.SyncBatch{
		EntityName:   entity,
		SyncType:     types.SyncFull,
		SourceSystem: "erp",
		StartedAt:    time.Now().UTC(),
		Status:       types.BatchPending,
	}
	require.NoError(t, store.CreateBatch(ctx, batch))
	assert.NotEmpty(t, batch.UID)

	failed := &types.FailedRecord{
		BatchUID:     batch.UID,
		EntityName:   entity,
		SourceSystem: "erp",
		RawData:      types.Record{"id": "1"},
		StageFailed:  "ingest",
		ErrorType:    "sync",
		ErrorMessage: "boom",
		MaxRetries:   3,
	}
	require.NoError(t, store.CreateFailedRecord(ctx, failed))
	assert.NotEmpty(t, failed.UID)

	child := &types.PendingChild{
		BatchUID:     batch.UID,
		ChildEntity:  entity,
		ParentEntity: entity,
		ParentBKHash: "bk-1",
		ChildPayload: types.Record{"id": "2"},
		MaxRetries:   5,
	}
	require.NoError(t, store.CreatePendingChild(ctx, child))
	assert.NotEmpty(t, child.UID)

	start, err := types.ParseTimeOfDay("19:00")
	require.NoError(t, err)
	end, err := types.ParseTimeOfDay("07:00")
	require.NoError(t, err)
	sched := &types.BackgroundSchedule{
		EntityName:      entity,
		SourceSystem:    "erp",
		IsEnabled:       true,
		SyncWindowStart: start,
		SyncWindowEnd:   end,
		DaysToComplete:  1,
	}
	require.NoError(t, store.CreateSchedule(ctx, sched))
	assert.NotEmpty(t, sched.UID)

	// reads come back under the generated keys
	got, err := store.GetBatch(ctx, batch.UID)
	require.NoError(t, err)
	assert.Equal(t, entity, got.EntityName)
}

// Deleting an entity config takes its field mappings with it.
func TestDeleteEntityConfigCascades(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	entity := fmt.Sprintf("cascade_%d", time.Now().UnixNano())

	require.NoError(t, store.CreateEntityConfig(ctx, &types.EntityConfig{
		EntityName:        entity,
		SourceAPISlug:     entity + "-api",
		BusinessKeyFields: []string{"id"},
	}))
	require.NoError(t, store.CreateFieldMapping(ctx, &types.FieldMapping{
		EntityName:  entity,
		SourceField: "SRC",
		TargetField: "dst",
	}))

	require.NoError(t, store.DeleteEntityConfig(ctx, entity))

	mappings, err := store.ListFieldMappings(ctx, entity)
	require.NoError(t, err)
	assert.Empty(t, mappings)
}
