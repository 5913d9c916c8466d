package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erpbridge/erpbridge/internal/storage/memory"
	"github.com/erpbridge/erpbridge/internal/types"
)

func TestListEntitiesNeedingSync(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	now := time.Now().UTC()

	seed := func(name string, enabled bool) {
		require.NoError(t, store.CreateEntityConfig(ctx, &types.EntityConfig{
			EntityName:        name,
			SourceAPISlug:     name + "-api",
			BusinessKeyFields: []string{"id"},
			SyncEnabled:       enabled,
		}))
	}
	seed("never-synced", true)
	seed("fresh", true)
	seed("stale", true)
	seed("disabled", false)

	freshAt := now.Add(-time.Hour)
	require.NoError(t, store.UpsertSyncState(ctx, &types.SyncState{
		EntityName: "fresh", SourceSystem: "erp", LastSyncTimestamp: &freshAt,
	}))
	staleAt := now.Add(-48 * time.Hour)
	require.NoError(t, store.UpsertSyncState(ctx, &types.SyncState{
		EntityName: "stale", SourceSystem: "erp", LastSyncTimestamp: &staleAt,
	}))

	got, err := store.ListEntitiesNeedingSync(ctx, "erp", now.Add(-24*time.Hour))
	require.NoError(t, err)

	names := make([]string, len(got))
	for i, cfg := range got {
		names[i] = cfg.EntityName
	}
	assert.Equal(t, []string{"never-synced", "stale"}, names)
}

func TestPurgeStalePendingChildren(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.CreatePendingChild(ctx, &types.PendingChild{
		UID: "old", ChildEntity: "order_lines", ParentEntity: "orders",
		CreatedAt: now.Add(-40 * 24 * time.Hour),
	}))
	require.NoError(t, store.CreatePendingChild(ctx, &types.PendingChild{
		UID: "recent", ChildEntity: "order_lines", ParentEntity: "orders",
		CreatedAt: now.Add(-time.Hour),
	}))

	n, err := store.PurgeStalePendingChildren(ctx, now.Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.GetPendingChild(ctx, "old")
	assert.Error(t, err)
	_, err = store.GetPendingChild(ctx, "recent")
	assert.NoError(t, err)
}

func TestDeleteEntityConfigCascadesMappings(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	require.NoError(t, store.CreateEntityConfig(ctx, &types.EntityConfig{
		EntityName:        "orders",
		SourceAPISlug:     "orders-api",
		BusinessKeyFields: []string{"order_no"},
	}))
	require.NoError(t, store.CreateEntityConfig(ctx, &types.EntityConfig{
		EntityName:        "customers",
		SourceAPISlug:     "customers-api",
		BusinessKeyFields: []string{"number"},
	}))
	require.NoError(t, store.CreateFieldMapping(ctx, &types.FieldMapping{
		EntityName: "orders", SourceField: "CUST", TargetField: "customer",
	}))
	require.NoError(t, store.CreateFieldMapping(ctx, &types.FieldMapping{
		EntityName: "customers", SourceField: "NAME", TargetField: "name",
	}))

	require.NoError(t, store.DeleteEntityConfig(ctx, "orders"))

	orphaned, err := store.ListFieldMappings(ctx, "orders")
	require.NoError(t, err)
	assert.Empty(t, orphaned)

	kept, err := store.ListFieldMappings(ctx, "customers")
	require.NoError(t, err)
	assert.Len(t, kept, 1)
}

func TestPurgeCompletedBatchesCascadesChildren(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	old := time.Now().UTC().Add(-60 * 24 * time.Hour)

	require.NoError(t, store.CreateBatch(ctx, &types.SyncBatch{
		UID: "b-old", EntityName: "orders", SyncType: types.SyncFull,
		Status: types.BatchCompleted, CompletedAt: &old,
	}))
	require.NoError(t, store.CreateFailedRecord(ctx, &types.FailedRecord{
		UID: "f-1", BatchUID: "b-old", EntityName: "orders", SourceSystem: "erp",
		RawData: types.Record{"order_no": "A-1"}, StageFailed: "ingest",
		ErrorType: "sync", ErrorMessage: "boom", MaxRetries: 3,
	}))
	require.NoError(t, store.CreatePendingChild(ctx, &types.PendingChild{
		UID: "p-1", BatchUID: "b-old", ChildEntity: "order_lines", ParentEntity: "orders",
		CreatedAt: old,
	}))

	n, err := store.PurgeCompletedBatches(ctx, time.Now().AddDate(0, 0, -30))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = store.GetFailedRecord(ctx, "f-1")
	assert.Error(t, err)
	_, err = store.GetPendingChild(ctx, "p-1")
	assert.Error(t, err)
}

func TestPurgeCompletedBatchesIncludesCancelled(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	old := time.Now().UTC().Add(-60 * 24 * time.Hour)

	seed := func(uid string, status types.BatchStatus, done *time.Time) {
		require.NoError(t, store.CreateBatch(ctx, &types.SyncBatch{
			UID: uid, EntityName: "orders", SyncType: types.SyncFull,
			Status: status, CompletedAt: done,
		}))
	}
	seed("done-old", types.BatchCompleted, &old)
	seed("cancelled-old", types.BatchCancelled, &old)
	seed("failed-old", types.BatchFailed, &old)
	seed("running", types.BatchRunning, nil)

	n, err := store.PurgeCompletedBatches(ctx, time.Now().AddDate(0, 0, -30))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// failed batches are kept for inspection
	_, err = store.GetBatch(ctx, "failed-old")
	assert.NoError(t, err)
}
