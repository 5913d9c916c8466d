package orchestrator_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/erpbridge/erpbridge/internal/metrics"
	"github.com/erpbridge/erpbridge/internal/orchestrator"
	"github.com/erpbridge/erpbridge/internal/resolver"
	"github.com/erpbridge/erpbridge/internal/sinkapi"
	"github.com/erpbridge/erpbridge/internal/sourceapi"
	"github.com/erpbridge/erpbridge/internal/storage"
	"github.com/erpbridge/erpbridge/internal/storage/memory"
	"github.com/erpbridge/erpbridge/internal/types"
)

// fakeSource serves canned rows and captures the last execute request.
type fakeSource struct {
	rows    []types.Record
	lastReq sourceapi.ExecuteRequest
	block   chan struct{} // when set, Execute waits for ctx cancellation
}

func (f *fakeSource) Execute(ctx context.Context, _ string, req sourceapi.ExecuteRequest) (*sourceapi.ExecuteResult, error) {
	f.lastReq = req
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &sourceapi.ExecuteResult{
		Success:  true,
		Data:     f.rows,
		Metadata: sourceapi.ExecuteMetadata{TotalRows: len(f.rows)},
	}, nil
}

func (f *fakeSource) ExecuteAllPages(ctx context.Context, slug string, req sourceapi.ExecuteRequest, _ int) ([]types.Record, error) {
	res, err := f.Execute(ctx, slug, req)
	if err != nil {
		return nil, err
	}
	return res.Data, nil
}

// fakeSink records writes and answers lookups from an in-memory map keyed by
// business-key hash.
type fakeSink struct {
	stored   map[string]types.Record
	inserted []types.Record
	updated  []sinkapi.BatchUpdate
	deleted  []string
	failBK   string // insert of this BK reports a per-record failure
}

func newFakeSink() *fakeSink {
	return &fakeSink{stored: make(map[string]types.Record)}
}

func (f *fakeSink) GetBatchByBKHashes(_ context.Context, _ string, bks []string) (map[string]types.Record, error) {
	out := make(map[string]types.Record)
	for _, bk := range bks {
		if rec, ok := f.stored[bk]; ok {
			out[bk] = rec
		}
	}
	return out, nil
}

func (f *fakeSink) Insert(_ context.Context, _ string, rec types.Record) (types.Record, error) {
	f.inserted = append(f.inserted, rec)
	return rec, nil
}

func (f *fakeSink) Update(_ context.Context, _, uid string, changes types.Record) (types.Record, error) {
	f.updated = append(f.updated, sinkapi.BatchUpdate{UID: uid, Record: changes})
	return changes, nil
}

func (f *fakeSink) BatchInsert(_ context.Context, _ string, records []types.Record) (*sinkapi.BatchResult, error) {
	res := &sinkapi.BatchResult{}
	for _, rec := range records {
		if f.failBK != "" && rec.KeyHash() == f.failBK {
			res.FailureCount++
			res.Failures = append(res.Failures, sinkapi.BatchFailure{Record: rec, Error: "constraint violation"})
			continue
		}
		f.inserted = append(f.inserted, rec)
		res.SuccessCount++
	}
	return res, nil
}

func (f *fakeSink) BatchUpdate(_ context.Context, _ string, updates []sinkapi.BatchUpdate) (*sinkapi.BatchResult, error) {
	f.updated = append(f.updated, updates...)
	return &sinkapi.BatchResult{SuccessCount: len(updates)}, nil
}

func (f *fakeSink) BatchDelete(_ context.Context, _ string, uids []string) (*sinkapi.BatchResult, error) {
	f.deleted = append(f.deleted, uids...)
	return &sinkapi.BatchResult{SuccessCount: len(uids)}, nil
}

type harness struct {
	store  storage.Store
	source *fakeSource
	sink   *fakeSink
	orch   *orchestrator.Orchestrator
}

func newHarness(t *testing.T, rows []types.Record) *harness {
	t.Helper()
	store := memory.New()
	source := &fakeSource{rows: rows}
	sink := newFakeSink()
	res := resolver.New(store, sink, zap.NewNop())
	orch := orchestrator.New(store, source, sink, res, metrics.New(), "erp", zap.NewNop())
	return &harness{store: store, source: source, sink: sink, orch: orch}
}

func orderReq() orchestrator.Request {
	return orchestrator.Request{
		EntityName:        "orders",
		SourceAPISlug:     "orders-api",
		BusinessKeyFields: []string{"order_no"},
		SyncType:          types.SyncFull,
	}
}

func TestRunFullSyncInsertsAll(t *testing.T) {
	h := newHarness(t, []types.Record{
		{"order_no": "A-1", "amount": "  100 ", "rowversion": "5"},
		{"order_no": "A-2", "amount": "200", "rowversion": "7"},
	})

	batch, err := h.orch.Run(context.Background(), orderReq())
	require.NoError(t, err)

	assert.Equal(t, types.BatchCompleted, batch.Status)
	assert.Equal(t, 2, batch.Metrics.RowsFetched)
	assert.Equal(t, 2, batch.Metrics.RowsInserted)
	assert.Equal(t, 0, batch.Metrics.RowsFailed)
	assert.Equal(t, float64(100), batch.Metrics.SuccessRate)

	require.Len(t, h.sink.inserted, 2)
	for _, rec := range h.sink.inserted {
		assert.NotEmpty(t, rec.KeyHash())
		assert.NotEmpty(t, rec.DataHash())
	}

	// cursor advanced to the max stamped row-version
	state, err := h.store.GetSyncState(context.Background(), "orders", "erp")
	require.NoError(t, err)
	assert.Equal(t, "7", state.LastSyncRowversion)
	assert.Equal(t, batch.UID, state.LastBatchUID)

	// terminal batch row persisted
	persisted, err := h.store.GetBatch(context.Background(), batch.UID)
	require.NoError(t, err)
	assert.Equal(t, types.BatchCompleted, persisted.Status)
	require.NotNil(t, persisted.CompletedAt)
}

func TestRunIncrementalAppliesCursorFilter(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.store.UpsertSyncState(context.Background(), &types.SyncState{
		EntityName:         "orders",
		SourceSystem:       "erp",
		LastSyncRowversion: "41",
	}))

	req := orderReq()
	req.SyncType = types.SyncIncremental
	batch, err := h.orch.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, types.BatchCompleted, batch.Status)

	require.Len(t, h.source.lastReq.Filters, 1)
	assert.Equal(t, sourceapi.Filter{Field: "rowversion", Operator: ">", Value: "41"}, h.source.lastReq.Filters[0])

	// empty fetch must not move the cursor
	state, err := h.store.GetSyncState(context.Background(), "orders", "erp")
	require.NoError(t, err)
	assert.Equal(t, "41", state.LastSyncRowversion)
}

func TestRunSecondPassSkipsUnchanged(t *testing.T) {
	rows := []types.Record{{"order_no": "A-1", "amount": float64(100), "rowversion": "5"}}
	h := newHarness(t, rows)

	first, err := h.orch.Run(context.Background(), orderReq())
	require.NoError(t, err)
	require.Equal(t, 1, first.Metrics.RowsInserted)

	// mirror the sink's stored state from the first pass
	for _, rec := range h.sink.inserted {
		stored := rec.Clone()
		stored["uid"] = "uid-" + stored.KeyHash()[:8]
		h.sink.stored[stored.KeyHash()] = stored
	}
	h.sink.inserted = nil

	second, err := h.orch.Run(context.Background(), orderReq())
	require.NoError(t, err)
	assert.Equal(t, 0, second.Metrics.RowsInserted)
	assert.Equal(t, 0, second.Metrics.RowsUpdated)
	assert.Equal(t, 1, second.Metrics.RowsSkipped)
	assert.Empty(t, h.sink.inserted)
}

func TestRunUpdatesChangedRows(t *testing.T) {
	h := newHarness(t, []types.Record{{"order_no": "A-1", "amount": float64(100), "rowversion": "5"}})

	first, err := h.orch.Run(context.Background(), orderReq())
	require.NoError(t, err)
	require.Equal(t, 1, first.Metrics.RowsInserted)

	for _, rec := range h.sink.inserted {
		stored := rec.Clone()
		stored["uid"] = "uid-1"
		h.sink.stored[stored.KeyHash()] = stored
	}
	h.sink.inserted = nil

	// same business key, newer row-version
	h.source.rows = []types.Record{{"order_no": "A-1", "amount": float64(150), "rowversion": "6"}}

	second, err := h.orch.Run(context.Background(), orderReq())
	require.NoError(t, err)
	assert.Equal(t, 0, second.Metrics.RowsInserted)
	assert.Equal(t, 1, second.Metrics.RowsUpdated)

	require.Len(t, h.sink.updated, 1)
	assert.Equal(t, "uid-1", h.sink.updated[0].UID)
	assert.Equal(t, float64(150), h.sink.updated[0].Record["amount"])
}

func TestRunDeadLettersRequiredViolations(t *testing.T) {
	h := newHarness(t, []types.Record{
		{"order_no": "A-1", "customer": "acme", "rowversion": "1"},
		{"order_no": "A-2", "customer": nil, "rowversion": "2"},
	})
	require.NoError(t, h.store.CreateFieldMapping(context.Background(), &types.FieldMapping{
		EntityName:  "orders",
		SourceField: "customer",
		TargetField: "customer_name",
		IsRequired:  true,
	}))

	batch, err := h.orch.Run(context.Background(), orderReq())
	require.NoError(t, err)

	assert.Equal(t, types.BatchCompleted, batch.Status)
	assert.Equal(t, 1, batch.Metrics.RowsInserted)
	assert.Equal(t, 1, batch.Metrics.RowsFailed)
	assert.Equal(t, float64(50), batch.Metrics.SuccessRate)

	failed, err := h.store.ListFailedRecords(context.Background(), storage.FailedRecordFilter{StageFailed: "validate"})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, batch.UID, failed[0].BatchUID)
	assert.Equal(t, string(types.KindValidation), failed[0].ErrorType)
}

func TestRunDeadLettersIdentityFailures(t *testing.T) {
	h := newHarness(t, []types.Record{
		{"order_no": "A-1", "rowversion": "1"},
		{"part_no": "missing-bk-field", "rowversion": "2"},
	})

	batch, err := h.orch.Run(context.Background(), orderReq())
	require.NoError(t, err)

	assert.Equal(t, 1, batch.Metrics.RowsInserted)
	assert.Equal(t, 1, batch.Metrics.RowsFailed)

	failed, err := h.store.ListFailedRecords(context.Background(), storage.FailedRecordFilter{StageFailed: "identity"})
	require.NoError(t, err)
	require.Len(t, failed, 1)
}

func TestRunQueuesChildrenOnAbsentParents(t *testing.T) {
	h := newHarness(t, []types.Record{
		{"order_no": "A-1", "customer_number": "7", "rowversion": "1"},
	})
	require.NoError(t, h.store.CreateEntityConfig(context.Background(), &types.EntityConfig{
		EntityName:    "orders",
		SourceAPISlug: "orders-api",
		ParentRefs: map[string]types.ParentRef{
			"customer": {ParentEntity: "customers", ParentField: "number", ChildField: "customer_number"},
		},
	}))

	batch, err := h.orch.Run(context.Background(), orderReq())
	require.NoError(t, err)

	assert.Equal(t, types.BatchCompleted, batch.Status)
	assert.Equal(t, 0, batch.Metrics.RowsInserted)
	assert.Empty(t, h.sink.inserted)

	pending, err := h.store.ListPendingChildren(context.Background(), storage.PendingChildFilter{})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "orders", pending[0].ChildEntity)
	assert.Equal(t, "customers", pending[0].ParentEntity)
	assert.Equal(t, batch.UID, pending[0].BatchUID)
}

func TestRunDeadLettersIngestFailures(t *testing.T) {
	h := newHarness(t, []types.Record{
		{"order_no": "A-1", "rowversion": "1"},
		{"order_no": "A-2", "rowversion": "2"},
	})

	batch, err := h.orch.Run(context.Background(), orderReq())
	require.NoError(t, err)
	require.Equal(t, 2, batch.Metrics.RowsInserted)

	// rerun with one insert failing at the sink
	h2 := newHarness(t, h.source.rows)
	h2.sink.failBK = h.sink.inserted[1].KeyHash()

	batch2, err := h2.orch.Run(context.Background(), orderReq())
	require.NoError(t, err)
	assert.Equal(t, 1, batch2.Metrics.RowsInserted)
	assert.Equal(t, 1, batch2.Metrics.RowsFailed)

	failed, err := h2.store.ListFailedRecords(context.Background(), storage.FailedRecordFilter{StageFailed: "ingest"})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "constraint violation", failed[0].ErrorMessage)
}

func TestCancelMarksBatchCancelled(t *testing.T) {
	h := newHarness(t, []types.Record{{"order_no": "A-1", "rowversion": "1"}})
	h.source.block = make(chan struct{})

	type runResult struct {
		batch *types.SyncBatch
		err   error
	}
	done := make(chan runResult, 1)
	go func() {
		b, err := h.orch.Run(context.Background(), orderReq())
		done <- runResult{b, err}
	}()

	// wait until the batch registers as running, then cancel it
	require.Eventually(t, func() bool {
		batches, err := h.store.ListBatches(context.Background(), storage.BatchFilter{Status: types.BatchRunning})
		return err == nil && len(batches) == 1 && h.orch.Cancel(batches[0].UID)
	}, 2*time.Second, 5*time.Millisecond)

	res := <-done
	require.Error(t, res.err)
	require.NotNil(t, res.batch)
	assert.Equal(t, types.BatchCancelled, res.batch.Status)

	persisted, err := h.store.GetBatch(context.Background(), res.batch.UID)
	require.NoError(t, err)
	assert.Equal(t, types.BatchCancelled, persisted.Status)
}

func TestCancelUnknownBatch(t *testing.T) {
	h := newHarness(t, nil)
	assert.False(t, h.orch.Cancel("no-such-batch"))
}

func TestIngestOneInsertsThenUpdates(t *testing.T) {
	h := newHarness(t, nil)

	rec := types.Record{"order_no": "A-9", types.FieldKeyHash: "bk-9"}
	require.NoError(t, h.orch.IngestOne(context.Background(), "orders", rec))
	require.Len(t, h.sink.inserted, 1)

	h.sink.stored["bk-9"] = types.Record{types.FieldKeyHash: "bk-9", "uid": "uid-9"}
	require.NoError(t, h.orch.IngestOne(context.Background(), "orders", rec))
	require.Len(t, h.sink.updated, 1)
	assert.Equal(t, "uid-9", h.sink.updated[0].UID)
}

func TestRetryFailedRecordsReplaysFromFailedStage(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.store.CreateEntityConfig(context.Background(), &types.EntityConfig{
		EntityName:        "orders",
		SourceAPISlug:     "orders-api",
		BusinessKeyFields: []string{"order_no"},
	}))
	require.NoError(t, h.store.CreateFieldMapping(context.Background(), &types.FieldMapping{
		EntityName:  "orders",
		SourceField: "customer",
		TargetField: "customer_name",
		IsRequired:  true,
	}))

	// failed at validate, but the raw data is complete now
	require.NoError(t, h.store.CreateFailedRecord(context.Background(), &types.FailedRecord{
		EntityName:   "orders",
		SourceSystem: "erp",
		RawData:      types.Record{"order_no": "A-7", "customer": "acme", "rowversion": "9"},
		StageFailed:  "validate",
		ErrorType:    string(types.KindValidation),
		ErrorMessage: "missing required field",
		MaxRetries:   3,
	}))
	// still missing its required field
	require.NoError(t, h.store.CreateFailedRecord(context.Background(), &types.FailedRecord{
		EntityName:   "orders",
		SourceSystem: "erp",
		RawData:      types.Record{"order_no": "A-8", "customer": nil},
		StageFailed:  "validate",
		ErrorType:    string(types.KindValidation),
		ErrorMessage: "missing required field",
		MaxRetries:   3,
	}))
	// backoff from the last attempt has not elapsed
	due := time.Now().UTC().Add(time.Hour)
	require.NoError(t, h.store.CreateFailedRecord(context.Background(), &types.FailedRecord{
		EntityName:   "orders",
		SourceSystem: "erp",
		RawData:      types.Record{"order_no": "A-9", "customer": "acme"},
		StageFailed:  "ingest",
		ErrorType:    string(types.KindSync),
		ErrorMessage: "constraint violation",
		RetryCount:   1,
		MaxRetries:   3,
		NextRetryAt:  &due,
	}))

	stats, err := h.orch.RetryFailedRecords(context.Background(), "orders", 0)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.RetryStats{Scanned: 3, Retried: 2, Resolved: 1}, stats)

	// the resolved row went through normalize, identity, and ingest
	require.Len(t, h.sink.inserted, 1)
	ingested := h.sink.inserted[0]
	assert.Equal(t, "acme", ingested["customer_name"])
	assert.NotEmpty(t, ingested.KeyHash())

	failed, err := h.store.ListFailedRecords(context.Background(), storage.FailedRecordFilter{EntityName: "orders"})
	require.NoError(t, err)
	require.Len(t, failed, 3)
	for _, f := range failed {
		switch f.RawData["order_no"] {
		case "A-7":
			require.NotNil(t, f.ResolvedAt)
			assert.Equal(t, "retry", f.ResolvedBy)
		case "A-8":
			assert.Nil(t, f.ResolvedAt)
			assert.Equal(t, 1, f.RetryCount)
			require.NotNil(t, f.NextRetryAt)
			assert.Greater(t, time.Until(*f.NextRetryAt), time.Minute)
		case "A-9":
			assert.Equal(t, 1, f.RetryCount)
			assert.Equal(t, due, *f.NextRetryAt)
		}
	}
}

func TestRunBackgroundSliceFetch(t *testing.T) {
	h := newHarness(t, []types.Record{{"order_no": "B-1", "rowversion": "3"}})

	req := orderReq()
	req.SyncType = types.SyncBackground
	req.Offset = 2000
	req.Limit = 1000

	batch, err := h.orch.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, types.BatchCompleted, batch.Status)

	assert.Equal(t, 3, h.source.lastReq.Page)
	assert.Equal(t, 1000, h.source.lastReq.PageSize)
	require.Len(t, h.source.lastReq.Sort, 1)
	assert.Equal(t, "rowversion", h.source.lastReq.Sort[0].Field)
}
