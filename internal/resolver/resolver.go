// Package resolver handles parent-child ordering: computing parent business
// keys for incoming children, holding back children whose parents have not
// reached the sink yet, and draining that queue with bounded exponential
// retry.
package resolver

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/erpbridge/erpbridge/internal/identity"
	"github.com/erpbridge/erpbridge/internal/storage"
	"github.com/erpbridge/erpbridge/internal/types"
)

// Defaults for the pending-child retry protocol.
const (
	DefaultMaxRetries  = 5
	DefaultBackoffBase = time.Minute
	DefaultBackoffMax  = 2 * time.Hour
)

// ParentChecker is the sink lookup the resolver needs. *sinkapi.Client
// satisfies it.
type ParentChecker interface {
	GetBatchByBKHashes(ctx context.Context, entity string, bkHashes []string) (map[string]types.Record, error)
}

// IngestFunc re-attempts ingest of one queued child into the sink.
type IngestFunc func(ctx context.Context, childEntity string, rec types.Record) error

// Resolver implements parent-reference detection and the pending-child queue.
type Resolver struct {
	store       storage.Store
	sink        ParentChecker
	maxRetries  int
	backoffBase time.Duration
	backoffMax  time.Duration
	log         *zap.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithMaxRetries overrides the retry budget for queued children.
func WithMaxRetries(n int) Option {
	return func(r *Resolver) { r.maxRetries = n }
}

// WithBackoff overrides the exponential backoff base and cap.
func WithBackoff(base, max time.Duration) Option {
	return func(r *Resolver) {
		r.backoffBase = base
		r.backoffMax = max
	}
}

// New builds a resolver.
func New(store storage.Store, sink ParentChecker, log *zap.Logger, opts ...Option) *Resolver {
	r := &Resolver{
		store:       store,
		sink:        sink,
		maxRetries:  DefaultMaxRetries,
		backoffBase: DefaultBackoffBase,
		backoffMax:  DefaultBackoffMax,
		log:         log,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DetectParentRefs computes the parent BK hash for every declared reference
// and stamps the result onto a copy of the record under parent_refs. A null
// child field yields a nil entry, meaning the reference is simply absent.
func DetectParentRefs(rec types.Record, refs map[string]types.ParentRef) (types.Record, error) {
	if len(refs) == 0 {
		return rec, nil
	}

	parents := make(map[string]*string, len(refs))
	for name, ref := range refs {
		v, ok := rec[ref.ChildField]
		if !ok || v == nil {
			parents[name] = nil
			continue
		}
		bk, err := identity.BKHash(
			types.Record{ref.ParentField: v},
			[]string{ref.ParentField},
			ref.ParentEntity,
		)
		if err != nil {
			return nil, types.Wrap(types.KindResolve, err,
				"compute parent key for reference %q", name)
		}
		parents[name] = &bk
	}

	out := rec.Clone()
	out[types.FieldParentRefs] = parents
	return out, nil
}

// Blocked pairs a child record with the first parent reference that is absent
// from the sink.
type Blocked struct {
	Record       types.Record
	ParentEntity string
	ParentBKHash string
}

// Partition splits records into those whose declared parents all exist in the
// sink and those blocked on an absent parent. Existence probes are batched
// per parent entity.
func (r *Resolver) Partition(ctx context.Context, records []types.Record, refs map[string]types.ParentRef) (ready []types.Record, blocked []Blocked, err error) {
	if len(refs) == 0 {
		return records, nil, nil
	}

	// collect every referenced parent BK per parent entity
	wanted := make(map[string]map[string]struct{})
	for _, rec := range records {
		for name, parentBK := range rec.ParentRefs() {
			if parentBK == nil {
				continue
			}
			entity := refs[name].ParentEntity
			if wanted[entity] == nil {
				wanted[entity] = make(map[string]struct{})
			}
			wanted[entity][*parentBK] = struct{}{}
		}
	}

	exists := make(map[string]map[string]bool, len(wanted))
	for entity, bkSet := range wanted {
		bks := make([]string, 0, len(bkSet))
		for bk := range bkSet {
			bks = append(bks, bk)
		}

		found, err := r.probeParents(ctx, entity, bks)
		if err != nil {
			return nil, nil, err
		}
		exists[entity] = found
	}

	for _, rec := range records {
		var block *Blocked
		for name, parentBK := range rec.ParentRefs() {
			if parentBK == nil {
				continue
			}
			entity := refs[name].ParentEntity
			if !exists[entity][*parentBK] {
				block = &Blocked{Record: rec, ParentEntity: entity, ParentBKHash: *parentBK}
				break
			}
		}
		if block != nil {
			blocked = append(blocked, *block)
			continue
		}
		ready = append(ready, rec)
	}
	return ready, blocked, nil
}

// probeParents asks the sink which of the BK hashes exist, retrying transient
// connection failures.
func (r *Resolver) probeParents(ctx context.Context, entity string, bks []string) (map[string]bool, error) {
	var stored map[string]types.Record

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	err := backoff.Retry(func() error {
		var err error
		stored, err = r.sink.GetBatchByBKHashes(ctx, entity, bks)
		if err != nil && !types.IsKind(err, types.KindConnection) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
	if err != nil {
		return nil, err
	}

	found := make(map[string]bool, len(stored))
	for bk := range stored {
		found[bk] = true
	}
	return found, nil
}

// Queue persists blocked children as pending rows. The first retry is due
// after one backoff base interval.
func (r *Resolver) Queue(ctx context.Context, batchUID, childEntity string, blocked []Blocked) error {
	now := time.Now().UTC()
	for _, b := range blocked {
		due := now.Add(r.backoffBase)
		child := &types.PendingChild{
			BatchUID:     batchUID,
			ChildEntity:  childEntity,
			ParentEntity: b.ParentEntity,
			ParentBKHash: b.ParentBKHash,
			ChildPayload: b.Record,
			MaxRetries:   r.maxRetries,
			NextRetryAt:  &due,
		}
		if err := r.store.CreatePendingChild(ctx, child); err != nil {
			return types.Wrap(types.KindResolve, err, "queue pending child")
		}
		r.log.Info("child queued on absent parent",
			zap.String("child_entity", childEntity),
			zap.String("parent_entity", b.ParentEntity),
			zap.String("parent_bk_hash", b.ParentBKHash),
			zap.String("ref", b.Record.RefStr()))
	}
	return nil
}

// RetryStats summarizes one queue drain.
type RetryStats struct {
	Scanned   int
	Resolved  int
	Deferred  int
	Exhausted int
}

// RetryPending scans due pending children, re-checks parent existence, and
// re-attempts ingest through the supplied function. parentEntity narrows the
// scan to children blocked on that entity; empty means all. Children that
// exhaust their retry budget move to the dead letter with stage resolve.
func (r *Resolver) RetryPending(ctx context.Context, parentEntity string, ingest IngestFunc) (RetryStats, error) {
	var stats RetryStats

	children, err := r.store.ListPendingChildren(ctx, storage.PendingChildFilter{
		ParentEntity:    parentEntity,
		DueBefore:       time.Now().UTC(),
		RetryBudgetOnly: true,
	})
	if err != nil {
		return stats, types.Wrap(types.KindResolve, err, "scan pending children")
	}
	stats.Scanned = len(children)

	for _, child := range children {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		ok, err := r.retryOne(ctx, child, ingest)
		if err != nil {
			return stats, err
		}
		switch {
		case ok:
			stats.Resolved++
		case child.RetryCount >= child.MaxRetries:
			stats.Exhausted++
		default:
			stats.Deferred++
		}
	}

	if stats.Scanned > 0 {
		r.log.Info("pending children processed",
			zap.String("parent_entity", parentEntity),
			zap.Int("scanned", stats.Scanned),
			zap.Int("resolved", stats.Resolved),
			zap.Int("deferred", stats.Deferred),
			zap.Int("exhausted", stats.Exhausted))
	}
	return stats, nil
}

// retryOne reports whether the child was resolved and removed from the queue.
// On failure it either reschedules the child or dead-letters it, mutating the
// child's counters in place.
func (r *Resolver) retryOne(ctx context.Context, child *types.PendingChild, ingest IngestFunc) (bool, error) {
	found, err := r.probeParents(ctx, child.ParentEntity, []string{child.ParentBKHash})
	if err != nil {
		return false, err
	}

	if found[child.ParentBKHash] {
		if err := ingest(ctx, child.ChildEntity, child.ChildPayload); err == nil {
			if err := r.store.DeletePendingChild(ctx, child.UID); err != nil {
				return false, types.Wrap(types.KindResolve, err, "dequeue resolved child")
			}
			return true, nil
		}
		r.log.Warn("child ingest failed after parent appeared",
			zap.String("child_entity", child.ChildEntity),
			zap.String("ref", child.ChildPayload.RefStr()))
	}

	child.RetryCount++
	if child.RetryCount >= child.MaxRetries {
		if err := r.deadLetter(ctx, child); err != nil {
			return false, err
		}
		return false, nil
	}

	due := time.Now().UTC().Add(r.backoffFor(child.RetryCount))
	child.NextRetryAt = &due
	if err := r.store.UpdatePendingChild(ctx, child); err != nil {
		return false, types.Wrap(types.KindResolve, err, "reschedule pending child")
	}
	return false, nil
}

// backoffFor returns base·2^retry clamped to the configured maximum.
func (r *Resolver) backoffFor(retryCount int) time.Duration {
	d := r.backoffBase
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= r.backoffMax {
			return r.backoffMax
		}
	}
	return d
}

func (r *Resolver) deadLetter(ctx context.Context, child *types.PendingChild) error {
	failed := &types.FailedRecord{
		BatchUID:     child.BatchUID,
		EntityName:   child.ChildEntity,
		RawData:      child.ChildPayload,
		StageFailed:  "resolve",
		ErrorType:    string(types.KindResolve),
		ErrorMessage: "parent " + child.ParentEntity + " never appeared: " + child.ParentBKHash,
		RetryCount:   child.RetryCount,
		MaxRetries:   child.MaxRetries,
	}
	if err := r.store.CreateFailedRecord(ctx, failed); err != nil {
		return types.Wrap(types.KindResolve, err, "dead-letter exhausted child")
	}
	if err := r.store.DeletePendingChild(ctx, child.UID); err != nil {
		return types.Wrap(types.KindResolve, err, "remove exhausted child")
	}
	r.log.Warn("pending child exhausted retries",
		zap.String("child_entity", child.ChildEntity),
		zap.String("parent_entity", child.ParentEntity),
		zap.String("parent_bk_hash", child.ParentBKHash))
	return nil
}
