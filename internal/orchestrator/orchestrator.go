// Package orchestrator drives the nine-stage sync pipeline for one entity:
// fetch, normalize, validate, map, identity, parent refs, delta, resolve,
// ingest, and cursor tracking. Partial success is the norm; per-record
// failures land in the dead letter while the batch completes.
package orchestrator

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/erpbridge/erpbridge/internal/delta"
	"github.com/erpbridge/erpbridge/internal/identity"
	"github.com/erpbridge/erpbridge/internal/metrics"
	"github.com/erpbridge/erpbridge/internal/normalize"
	"github.com/erpbridge/erpbridge/internal/resolver"
	"github.com/erpbridge/erpbridge/internal/sinkapi"
	"github.com/erpbridge/erpbridge/internal/sourceapi"
	"github.com/erpbridge/erpbridge/internal/storage"
	"github.com/erpbridge/erpbridge/internal/types"
)

// DefaultPageSize is the fetch page size when the request leaves it unset.
const DefaultPageSize = 1000

// SourceClient is the slice of the source gateway the pipeline needs.
type SourceClient interface {
	ExecuteAllPages(ctx context.Context, slug string, req sourceapi.ExecuteRequest, maxPages int) ([]types.Record, error)
	Execute(ctx context.Context, slug string, req sourceapi.ExecuteRequest) (*sourceapi.ExecuteResult, error)
}

// SinkClient is the slice of the sink API the pipeline needs.
type SinkClient interface {
	GetBatchByBKHashes(ctx context.Context, entity string, bkHashes []string) (map[string]types.Record, error)
	Insert(ctx context.Context, entity string, rec types.Record) (types.Record, error)
	Update(ctx context.Context, entity, uid string, changes types.Record) (types.Record, error)
	BatchInsert(ctx context.Context, entity string, records []types.Record) (*sinkapi.BatchResult, error)
	BatchUpdate(ctx context.Context, entity string, updates []sinkapi.BatchUpdate) (*sinkapi.BatchResult, error)
	BatchDelete(ctx context.Context, entity string, uids []string) (*sinkapi.BatchResult, error)
}

// Request describes one pipeline run.
type Request struct {
	EntityName        string
	SourceAPISlug     string
	BusinessKeyFields []string
	SyncType          types.SyncType
	PageSize          int
	MaxPages          int
	// Offset and Limit select a background slice; both zero for full and
	// incremental runs.
	Offset int
	Limit  int
}

// Orchestrator runs sync batches.
type Orchestrator struct {
	store        storage.Store
	source       SourceClient
	sink         SinkClient
	resolver     *resolver.Resolver
	metrics      *metrics.Metrics
	sourceSystem string
	log          *zap.Logger

	retryBase time.Duration
	retryMax  time.Duration

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRetryBackoff overrides the dead-letter retry backoff base and cap.
func WithRetryBackoff(base, max time.Duration) Option {
	return func(o *Orchestrator) {
		o.retryBase = base
		o.retryMax = max
	}
}

// New builds an orchestrator.
func New(store storage.Store, source SourceClient, sink SinkClient, res *resolver.Resolver, m *metrics.Metrics, sourceSystem string, log *zap.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:        store,
		source:       source,
		sink:         sink,
		resolver:     res,
		metrics:      m,
		sourceSystem: sourceSystem,
		log:          log,
		retryBase:    resolver.DefaultBackoffBase,
		retryMax:     resolver.DefaultBackoffMax,
		running:      make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Cancel stops a running batch. Returns false when the batch is not running
// in this process.
func (o *Orchestrator) Cancel(batchUID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	cancel, ok := o.running[batchUID]
	if ok {
		cancel()
	}
	return ok
}

func (o *Orchestrator) track(batchUID string, cancel context.CancelFunc) {
	o.mu.Lock()
	o.running[batchUID] = cancel
	o.mu.Unlock()
}

func (o *Orchestrator) untrack(batchUID string) {
	o.mu.Lock()
	delete(o.running, batchUID)
	o.mu.Unlock()
}

// Run executes the full pipeline for one entity and returns the finished
// batch row. A fatal stage error marks the batch failed and is also returned;
// per-record failures only surface in the batch metrics.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*types.SyncBatch, error) {
	batch, err := o.newBatch(ctx, &req)
	if err != nil {
		return nil, err
	}
	return o.execute(ctx, batch, req)
}

// StartAsync creates the batch row and runs the pipeline in the background,
// returning the batch UID immediately. The run detaches from the caller's
// context; Cancel is the only way to stop it.
func (o *Orchestrator) StartAsync(ctx context.Context, req Request) (string, error) {
	batch, err := o.newBatch(ctx, &req)
	if err != nil {
		return "", err
	}
	go func() {
		if _, err := o.execute(context.Background(), batch, req); err != nil {
			o.log.Error("async sync batch failed",
				zap.String("batch_uid", batch.UID),
				zap.Error(err))
		}
	}()
	return batch.UID, nil
}

// newBatch applies request defaults and persists the pending batch row.
func (o *Orchestrator) newBatch(ctx context.Context, req *Request) (*types.SyncBatch, error) {
	if req.PageSize <= 0 {
		req.PageSize = DefaultPageSize
	}
	if req.SyncType == "" {
		req.SyncType = types.SyncFull
	}

	batch := &types.SyncBatch{
		UID:          uuid.Must(uuid.NewV7()).String(),
		EntityName:   req.EntityName,
		SyncType:     req.SyncType,
		SourceSystem: o.sourceSystem,
		StartedAt:    time.Now().UTC(),
		Status:       types.BatchPending,
	}
	if err := o.store.CreateBatch(ctx, batch); err != nil {
		return nil, types.Wrap(types.KindSync, err, "create batch")
	}
	return batch, nil
}

func (o *Orchestrator) execute(ctx context.Context, batch *types.SyncBatch, req Request) (*types.SyncBatch, error) {
	ctx, cancel := context.WithCancel(ctx)
	o.track(batch.UID, cancel)
	defer func() {
		cancel()
		o.untrack(batch.UID)
	}()

	o.metrics.BatchesStarted.WithLabelValues(req.EntityName, string(req.SyncType)).Inc()

	batch.Status = types.BatchRunning
	if err := o.store.UpdateBatch(ctx, batch); err != nil {
		return nil, types.Wrap(types.KindSync, err, "mark batch running")
	}

	log := o.log.With(
		zap.String("entity", req.EntityName),
		zap.String("batch_uid", batch.UID),
		zap.String("sync_type", string(req.SyncType)))

	err := o.pipeline(ctx, log, batch, req)
	completed := time.Now().UTC()
	batch.CompletedAt = &completed
	batch.Metrics.ComputeSuccessRate()

	switch {
	case err == nil:
		batch.Status = types.BatchCompleted
	case ctx.Err() != nil:
		batch.Status = types.BatchCancelled
		batch.ErrorMessage = "cancelled"
	default:
		batch.Status = types.BatchFailed
		batch.ErrorMessage = err.Error()
	}

	// persist the terminal state even when the run context is gone
	finalCtx, finalCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer finalCancel()
	if uerr := o.store.UpdateBatch(finalCtx, batch); uerr != nil {
		log.Error("persist terminal batch state", zap.Error(uerr))
	}

	o.metrics.BatchesFinished.WithLabelValues(req.EntityName, string(batch.Status)).Inc()
	o.metrics.BatchDuration.WithLabelValues(req.EntityName).
		Observe(completed.Sub(batch.StartedAt).Seconds())

	if err != nil {
		log.Error("sync batch failed", zap.Error(err))
		return batch, err
	}
	log.Info("sync batch completed",
		zap.Int("rows_fetched", batch.Metrics.RowsFetched),
		zap.Int("rows_inserted", batch.Metrics.RowsInserted),
		zap.Int("rows_updated", batch.Metrics.RowsUpdated),
		zap.Int("rows_deleted", batch.Metrics.RowsDeleted),
		zap.Int("rows_skipped", batch.Metrics.RowsSkipped),
		zap.Int("rows_failed", batch.Metrics.RowsFailed),
		zap.Float64("success_rate", batch.Metrics.SuccessRate))
	return batch, nil
}

func (o *Orchestrator) pipeline(ctx context.Context, log *zap.Logger, batch *types.SyncBatch, req Request) error {
	entityCfg, mappings, err := o.loadConfig(ctx, req)
	if err != nil {
		return err
	}

	// stage 1: fetch
	log.Info("[stage 1/9] fetch: pulling records from source")
	incoming, err := o.stageFetch(ctx, req)
	if err != nil {
		return types.Wrap(types.KindConnection, err, "fetch stage")
	}
	batch.Metrics.RowsFetched = len(incoming)
	o.metrics.SourceFetchRows.WithLabelValues(req.EntityName).Add(float64(len(incoming)))
	if len(incoming) == 0 {
		log.Info("no records to sync")
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// stages 2-4: normalize, validate, map
	log.Info("[stage 2-4/9] normalize: running layers", zap.Int("records", len(incoming)))
	normalized, err := o.stageNormalize(ctx, batch, req, mappings, incoming)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// stage 5: identity
	log.Info("[stage 5/9] identity: stamping business keys and hashes")
	stamped, err := o.stageIdentity(ctx, batch, req, normalized)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// stage 6: parent refs
	var parentRefs map[string]types.ParentRef
	if entityCfg != nil {
		parentRefs = entityCfg.ParentRefs
	}
	log.Info("[stage 6/9] parent_refs: computing parent keys",
		zap.Int("declared_refs", len(parentRefs)))
	withRefs, err := o.stageParentRefs(ctx, batch, req, stamped, parentRefs)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// stage 7: delta
	log.Info("[stage 7/9] delta: classifying against sink state")
	res, err := o.stageDelta(ctx, req, withRefs)
	if err != nil {
		return err
	}
	batch.Metrics.RowsSkipped = len(res.Skips)
	for _, op := range []struct {
		name string
		n    int
	}{
		{"insert", len(res.Inserts)}, {"update", len(res.Updates)},
		{"delete", len(res.Deletes)}, {"skip", len(res.Skips)},
	} {
		o.metrics.DeltaOperations.WithLabelValues(req.EntityName, op.name).Add(float64(op.n))
	}
	log.Info("delta classified",
		zap.Int("inserts", len(res.Inserts)),
		zap.Int("updates", len(res.Updates)),
		zap.Int("deletes", len(res.Deletes)),
		zap.Int("skips", len(res.Skips)),
		zap.Float64("efficiency_percent", res.Metrics.EfficiencyPercent),
		zap.String("strategy", string(res.Metrics.StrategyUsed)))
	if err := ctx.Err(); err != nil {
		return err
	}

	// stage 8: resolve
	log.Info("[stage 8/9] resolve: checking parent dependencies")
	inserts, updates, err := o.stageResolve(ctx, batch, req, res, parentRefs)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// stage 9: ingest
	log.Info("[stage 9/9] ingest: writing to sink",
		zap.Int("inserts", len(inserts)),
		zap.Int("updates", len(updates)),
		zap.Int("deletes", len(res.Deletes)))
	if err := o.stageIngest(ctx, batch, req, inserts, updates, res.Deletes); err != nil {
		return err
	}

	// track: advance the cursor and close out
	return o.stageTrack(ctx, batch, req, stamped)
}

func (o *Orchestrator) loadConfig(ctx context.Context, req Request) (*types.EntityConfig, []types.FieldMapping, error) {
	cfg, err := o.store.GetEntityConfig(ctx, req.EntityName)
	if err != nil && err != storage.ErrNotFound {
		return nil, nil, types.Wrap(types.KindConfig, err, "load entity config")
	}

	mappingPtrs, err := o.store.ListFieldMappings(ctx, req.EntityName)
	if err != nil {
		return nil, nil, types.Wrap(types.KindConfig, err, "load field mappings")
	}
	mappings := make([]types.FieldMapping, len(mappingPtrs))
	for i, m := range mappingPtrs {
		mappings[i] = *m
	}
	return cfg, mappings, nil
}

// stageFetch pulls records from the source, applying the incremental cursor
// filter or the background slice window.
func (o *Orchestrator) stageFetch(ctx context.Context, req Request) ([]types.Record, error) {
	exec := sourceapi.ExecuteRequest{PageSize: req.PageSize}

	if req.SyncType == types.SyncIncremental {
		state, err := o.store.GetSyncState(ctx, req.EntityName, o.sourceSystem)
		if err != nil && err != storage.ErrNotFound {
			return nil, err
		}
		if state != nil && state.LastSyncRowversion != "" {
			exec.Filters = []sourceapi.Filter{{
				Field:    "rowversion",
				Operator: ">",
				Value:    state.LastSyncRowversion,
			}}
			o.log.Info("incremental fetch from cursor",
				zap.String("entity", req.EntityName),
				zap.String("last_sync_rowversion", state.LastSyncRowversion))
		}
	}

	if req.SyncType == types.SyncBackground && req.Limit > 0 {
		// deterministic slice: stable sort plus offset translated to a page
		exec.Sort = []sourceapi.SortField{{Field: "rowversion", Direction: "asc"}}
		exec.PageSize = req.Limit
		exec.Page = req.Offset/req.Limit + 1
		res, err := o.source.Execute(ctx, req.SourceAPISlug, exec)
		if err != nil {
			return nil, err
		}
		return res.Data, nil
	}

	return o.source.ExecuteAllPages(ctx, req.SourceAPISlug, exec, req.MaxPages)
}

// stageNormalize runs the five layers; records with required-field violations
// dead-letter at stage validate and are excluded from the pipeline.
func (o *Orchestrator) stageNormalize(ctx context.Context, batch *types.SyncBatch, req Request, mappings []types.FieldMapping, incoming []types.Record) ([]types.Record, error) {
	engine := normalize.NewEngine(req.EntityName, normalize.Config{Mappings: mappings}, o.log)

	kept := make([]types.Record, 0, len(incoming))
	for _, raw := range incoming {
		norm, problems := engine.Normalize(raw)
		batch.Metrics.RowsNormalized++
		if len(problems) > 0 {
			msg := strings.Join(problems, "; ")
			if err := o.deadLetter(ctx, batch, req, raw, norm, "validate", types.KindValidation, msg); err != nil {
				return nil, err
			}
			continue
		}
		kept = append(kept, norm)
	}

	batch.Metrics.RowsValidated = len(kept)
	batch.Metrics.RowsMapped = len(kept)
	o.metrics.RecordsProcessed.WithLabelValues(req.EntityName, "normalize").
		Add(float64(len(kept)))
	return kept, nil
}

// stageIdentity stamps records; failures dead-letter at stage identity.
func (o *Orchestrator) stageIdentity(ctx context.Context, batch *types.SyncBatch, req Request, records []types.Record) ([]types.Record, error) {
	engine := identity.NewEngine(req.EntityName, req.BusinessKeyFields, o.log)
	stamped, failures, _ := engine.StampBatch(records)

	for _, f := range failures {
		if err := o.deadLetter(ctx, batch, req, f.Record, nil, "identity", types.KindOf(f.Err), f.Err.Error()); err != nil {
			return nil, err
		}
	}
	o.metrics.RecordsProcessed.WithLabelValues(req.EntityName, "identity").
		Add(float64(len(stamped)))
	return stamped, nil
}

// stageParentRefs enriches records with parent BK hashes.
func (o *Orchestrator) stageParentRefs(ctx context.Context, batch *types.SyncBatch, req Request, records []types.Record, refs map[string]types.ParentRef) ([]types.Record, error) {
	if len(refs) == 0 {
		return records, nil
	}

	out := make([]types.Record, 0, len(records))
	for _, rec := range records {
		enriched, err := resolver.DetectParentRefs(rec, refs)
		if err != nil {
			if derr := o.deadLetter(ctx, batch, req, rec, nil, "parent_refs", types.KindResolve, err.Error()); derr != nil {
				return nil, derr
			}
			continue
		}
		out = append(out, enriched)
	}
	return out, nil
}

// stageDelta fetches the stored counterparts and classifies.
func (o *Orchestrator) stageDelta(ctx context.Context, req Request, records []types.Record) (delta.Result, error) {
	bks := make([]string, 0, len(records))
	for _, rec := range records {
		if bk := rec.KeyHash(); bk != "" {
			bks = append(bks, bk)
		}
	}

	storedByBK, err := o.sink.GetBatchByBKHashes(ctx, req.EntityName, bks)
	if err != nil {
		return delta.Result{}, types.Wrap(types.KindDelta, err, "fetch stored records")
	}
	stored := make([]types.Record, 0, len(storedByBK))
	for _, rec := range storedByBK {
		stored = append(stored, rec)
	}

	detector := delta.NewDetector(delta.StrategyAuto, o.log)
	return detector.Detect(records, stored, req.SyncType == types.SyncFull), nil
}

// stageResolve holds back children with absent parents; the rest proceed.
func (o *Orchestrator) stageResolve(ctx context.Context, batch *types.SyncBatch, req Request, res delta.Result, refs map[string]types.ParentRef) ([]types.Record, []sinkapi.BatchUpdate, error) {
	if len(refs) == 0 {
		updates := make([]sinkapi.BatchUpdate, len(res.Updates))
		for i, u := range res.Updates {
			updates[i] = sinkapi.BatchUpdate{UID: u.UID, Record: u.Record}
		}
		return res.Inserts, updates, nil
	}

	uidByBK := make(map[string]string, len(res.Updates))
	candidates := make([]types.Record, 0, len(res.Inserts)+len(res.Updates))
	candidates = append(candidates, res.Inserts...)
	for _, u := range res.Updates {
		uidByBK[u.Record.KeyHash()] = u.UID
		candidates = append(candidates, u.Record)
	}

	ready, blocked, err := o.resolver.Partition(ctx, candidates, refs)
	if err != nil {
		return nil, nil, types.Wrap(types.KindResolve, err, "partition by parents")
	}
	if len(blocked) > 0 {
		if err := o.resolver.Queue(ctx, batch.UID, req.EntityName, blocked); err != nil {
			return nil, nil, err
		}
		o.metrics.PendingChildren.Add(float64(len(blocked)))
	}

	var inserts []types.Record
	var updates []sinkapi.BatchUpdate
	for _, rec := range ready {
		if uid, isUpdate := uidByBK[rec.KeyHash()]; isUpdate {
			updates = append(updates, sinkapi.BatchUpdate{UID: uid, Record: rec})
		} else {
			inserts = append(inserts, rec)
		}
	}
	return inserts, updates, nil
}

// stageIngest writes inserts, then updates, then deletes. Sink-side
// per-record failures dead-letter at stage ingest.
func (o *Orchestrator) stageIngest(ctx context.Context, batch *types.SyncBatch, req Request, inserts []types.Record, updates []sinkapi.BatchUpdate, deletes []delta.Delete) error {
	if len(inserts) > 0 {
		res, err := o.sink.BatchInsert(ctx, req.EntityName, inserts)
		if err != nil {
			return types.Wrap(types.KindSync, err, "batch insert")
		}
		batch.Metrics.RowsInserted = res.SuccessCount
		if err := o.ingestFailures(ctx, batch, req, res.Failures); err != nil {
			return err
		}
	}

	if len(updates) > 0 {
		res, err := o.sink.BatchUpdate(ctx, req.EntityName, updates)
		if err != nil {
			return types.Wrap(types.KindSync, err, "batch update")
		}
		batch.Metrics.RowsUpdated = res.SuccessCount
		if err := o.ingestFailures(ctx, batch, req, res.Failures); err != nil {
			return err
		}
	}

	if len(deletes) > 0 {
		uids := make([]string, len(deletes))
		for i, d := range deletes {
			uids[i] = d.UID
		}
		res, err := o.sink.BatchDelete(ctx, req.EntityName, uids)
		if err != nil {
			return types.Wrap(types.KindSync, err, "batch delete")
		}
		batch.Metrics.RowsDeleted = res.SuccessCount
		if err := o.ingestFailures(ctx, batch, req, res.Failures); err != nil {
			return err
		}
	}

	o.metrics.RecordsProcessed.WithLabelValues(req.EntityName, "ingest").
		Add(float64(batch.Metrics.RowsInserted + batch.Metrics.RowsUpdated + batch.Metrics.RowsDeleted))
	return nil
}

func (o *Orchestrator) ingestFailures(ctx context.Context, batch *types.SyncBatch, req Request, failures []sinkapi.BatchFailure) error {
	for _, f := range failures {
		rec := f.Record
		if rec == nil {
			rec = types.Record{"uid": f.UID}
		}
		if err := o.deadLetter(ctx, batch, req, rec, rec, "ingest", types.KindSync, f.Error); err != nil {
			return err
		}
	}
	return nil
}

// stageTrack advances the per-entity cursor to the maximum stamped
// row-version.
func (o *Orchestrator) stageTrack(ctx context.Context, batch *types.SyncBatch, req Request, stamped []types.Record) error {
	maxRV := identity.MaxRowVersion(stamped)
	if maxRV == "" {
		return nil
	}

	now := time.Now().UTC()
	state := &types.SyncState{
		EntityName:         req.EntityName,
		SourceSystem:       o.sourceSystem,
		LastSyncRowversion: maxRV,
		LastSyncTimestamp:  &now,
		LastBatchUID:       batch.UID,
	}
	if err := o.store.UpsertSyncState(ctx, state); err != nil {
		return types.Wrap(types.KindSync, err, "advance sync cursor")
	}
	o.log.Debug("sync cursor advanced",
		zap.String("entity", req.EntityName),
		zap.String("last_sync_rowversion", maxRV))
	return nil
}

// IngestOne writes a single record to the sink, updating in place when the
// business key already exists. Used by the pending-child retry path.
func (o *Orchestrator) IngestOne(ctx context.Context, entity string, rec types.Record) error {
	stored, err := o.sink.GetBatchByBKHashes(ctx, entity, []string{rec.KeyHash()})
	if err != nil {
		return err
	}
	if existing, ok := stored[rec.KeyHash()]; ok {
		uid, _ := existing["uid"].(string)
		_, err = o.sink.Update(ctx, entity, uid, rec)
		return err
	}
	_, err = o.sink.Insert(ctx, entity, rec)
	return err
}

func (o *Orchestrator) deadLetter(ctx context.Context, batch *types.SyncBatch, req Request, raw, normalized types.Record, stage string, kind types.ErrorKind, msg string) error {
	batch.Metrics.RowsFailed++
	o.metrics.RecordsFailed.WithLabelValues(req.EntityName, stage).Inc()

	failed := &types.FailedRecord{
		BatchUID:       batch.UID,
		EntityName:     req.EntityName,
		SourceSystem:   o.sourceSystem,
		RawData:        raw,
		NormalizedData: normalized,
		StageFailed:    stage,
		ErrorType:      string(kind),
		ErrorMessage:   msg,
		MaxRetries:     3,
	}
	if err := o.store.CreateFailedRecord(ctx, failed); err != nil {
		return types.Wrap(types.KindSync, err, "dead-letter record")
	}
	return nil
}
