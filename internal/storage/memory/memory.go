// Package memory provides an in-memory Store used by tests and by the
// orchestrator's dry-run mode. It mirrors the Postgres store's semantics,
// including unique constraints and not-found behavior.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/erpbridge/erpbridge/internal/storage"
	"github.com/erpbridge/erpbridge/internal/types"
)

// Store is a mutex-guarded in-memory implementation of storage.Store.
type Store struct {
	mu sync.RWMutex

	batches   map[string]*types.SyncBatch
	failed    map[string]*types.FailedRecord
	pending   map[string]*types.PendingChild
	states    map[string]*types.SyncState // key: entity|source
	entities  map[string]*types.EntityConfig
	mappings  map[string]*types.FieldMapping
	schedules map[string]*types.BackgroundSchedule // key: entity
}

// New builds an empty store.
func New() *Store {
	return &Store{
		batches:   make(map[string]*types.SyncBatch),
		failed:    make(map[string]*types.FailedRecord),
		pending:   make(map[string]*types.PendingChild),
		states:    make(map[string]*types.SyncState),
		entities:  make(map[string]*types.EntityConfig),
		mappings:  make(map[string]*types.FieldMapping),
		schedules: make(map[string]*types.BackgroundSchedule),
	}
}

var _ storage.Store = (*Store)(nil)

func newUID() string { return uuid.Must(uuid.NewV7()).String() }

func stateKey(entity, source string) string { return entity + "|" + source }

// ---- sync batches ----

func (s *Store) CreateBatch(_ context.Context, batch *types.SyncBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if batch.UID == "" {
		batch.UID = newUID()
	}
	if _, ok := s.batches[batch.UID]; ok {
		return storage.ErrAlreadyExists
	}
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = time.Now().UTC()
	}
	cp := *batch
	s.batches[batch.UID] = &cp
	return nil
}

func (s *Store) GetBatch(_ context.Context, uid string) (*types.SyncBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batches[uid]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *Store) UpdateBatch(_ context.Context, batch *types.SyncBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.batches[batch.UID]; !ok {
		return storage.ErrNotFound
	}
	cp := *batch
	s.batches[batch.UID] = &cp
	return nil
}

func (s *Store) ListBatches(_ context.Context, f storage.BatchFilter) ([]*types.SyncBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.SyncBatch
	for _, b := range s.batches {
		if f.EntityName != "" && b.EntityName != f.EntityName {
			continue
		}
		if f.Status != "" && b.Status != f.Status {
			continue
		}
		if f.SyncType != "" && b.SyncType != f.SyncType {
			continue
		}
		cp := *b
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return paginate(out, f.Offset, f.Limit), nil
}

// ---- dead letter ----

func (s *Store) CreateFailedRecord(_ context.Context, rec *types.FailedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.UID == "" {
		rec.UID = newUID()
	}
	if _, ok := s.failed[rec.UID]; ok {
		return storage.ErrAlreadyExists
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	cp := *rec
	s.failed[rec.UID] = &cp
	return nil
}

func (s *Store) GetFailedRecord(_ context.Context, uid string) (*types.FailedRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.failed[uid]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *Store) UpdateFailedRecord(_ context.Context, rec *types.FailedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.failed[rec.UID]; !ok {
		return storage.ErrNotFound
	}
	cp := *rec
	s.failed[rec.UID] = &cp
	return nil
}

func (s *Store) ListFailedRecords(_ context.Context, f storage.FailedRecordFilter) ([]*types.FailedRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.FailedRecord
	for _, r := range s.failed {
		if f.EntityName != "" && r.EntityName != f.EntityName {
			continue
		}
		if f.StageFailed != "" && r.StageFailed != f.StageFailed {
			continue
		}
		if f.OnlyOpen && r.ResolvedAt != nil {
			continue
		}
		if f.OnlyRetryable && !r.Retryable() {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return paginate(out, f.Offset, f.Limit), nil
}

func (s *Store) CountOpenFailedRecords(_ context.Context, entityName string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, r := range s.failed {
		if entityName != "" && r.EntityName != entityName {
			continue
		}
		if r.ResolvedAt == nil {
			n++
		}
	}
	return n, nil
}

// ---- pending children ----

func (s *Store) CreatePendingChild(_ context.Context, child *types.PendingChild) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if child.UID == "" {
		child.UID = newUID()
	}
	if _, ok := s.pending[child.UID]; ok {
		return storage.ErrAlreadyExists
	}
	if child.CreatedAt.IsZero() {
		child.CreatedAt = time.Now().UTC()
	}
	cp := *child
	s.pending[child.UID] = &cp
	return nil
}

func (s *Store) GetPendingChild(_ context.Context, uid string) (*types.PendingChild, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pending[uid]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *Store) UpdatePendingChild(_ context.Context, child *types.PendingChild) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[child.UID]; !ok {
		return storage.ErrNotFound
	}
	cp := *child
	s.pending[child.UID] = &cp
	return nil
}

func (s *Store) DeletePendingChild(_ context.Context, uid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[uid]; !ok {
		return storage.ErrNotFound
	}
	delete(s.pending, uid)
	return nil
}

func (s *Store) ListPendingChildren(_ context.Context, f storage.PendingChildFilter) ([]*types.PendingChild, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.PendingChild
	for _, p := range s.pending {
		if f.ChildEntity != "" && p.ChildEntity != f.ChildEntity {
			continue
		}
		if f.ParentEntity != "" && p.ParentEntity != f.ParentEntity {
			continue
		}
		if f.RetryBudgetOnly && p.RetryCount >= p.MaxRetries {
			continue
		}
		if !f.DueBefore.IsZero() && p.NextRetryAt != nil && p.NextRetryAt.After(f.DueBefore) {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) CountPendingChildren(_ context.Context, childEntity string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, p := range s.pending {
		if childEntity != "" && p.ChildEntity != childEntity {
			continue
		}
		n++
	}
	return n, nil
}

// ---- sync cursor ----

func (s *Store) GetSyncState(_ context.Context, entityName, sourceSystem string) (*types.SyncState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[stateKey(entityName, sourceSystem)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *st
	return &cp, nil
}

func (s *Store) UpsertSyncState(_ context.Context, state *types.SyncState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := stateKey(state.EntityName, state.SourceSystem)
	if existing, ok := s.states[key]; ok {
		state.UID = existing.UID
	} else if state.UID == "" {
		state.UID = newUID()
	}
	state.UpdatedAt = time.Now().UTC()
	cp := *state
	s.states[key] = &cp
	return nil
}

func (s *Store) ResetSyncState(_ context.Context, entityName, sourceSystem string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := stateKey(entityName, sourceSystem)
	if _, ok := s.states[key]; !ok {
		return storage.ErrNotFound
	}
	delete(s.states, key)
	return nil
}

// ---- entity configuration ----

func (s *Store) CreateEntityConfig(_ context.Context, cfg *types.EntityConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entities[cfg.EntityName]; ok {
		return storage.ErrAlreadyExists
	}
	if cfg.UID == "" {
		cfg.UID = newUID()
	}
	now := time.Now().UTC()
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now
	cp := *cfg
	s.entities[cfg.EntityName] = &cp
	return nil
}

func (s *Store) GetEntityConfig(_ context.Context, entityName string) (*types.EntityConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.entities[entityName]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *Store) UpdateEntityConfig(_ context.Context, cfg *types.EntityConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entities[cfg.EntityName]; !ok {
		return storage.ErrNotFound
	}
	cfg.UpdatedAt = time.Now().UTC()
	cp := *cfg
	s.entities[cfg.EntityName] = &cp
	return nil
}

func (s *Store) DeleteEntityConfig(_ context.Context, entityName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entities[entityName]; !ok {
		return storage.ErrNotFound
	}
	delete(s.entities, entityName)
	// mappings cascade with their entity
	for uid, m := range s.mappings {
		if m.EntityName == entityName {
			delete(s.mappings, uid)
		}
	}
	return nil
}

func (s *Store) ListEntityConfigs(_ context.Context) ([]*types.EntityConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.EntityConfig, 0, len(s.entities))
	for _, c := range s.entities {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityName < out[j].EntityName })
	return out, nil
}

func (s *Store) ListEntitiesNeedingSync(_ context.Context, sourceSystem string, olderThan time.Time) ([]*types.EntityConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.EntityConfig
	for _, c := range s.entities {
		if !c.SyncEnabled {
			continue
		}
		st, ok := s.states[stateKey(c.EntityName, sourceSystem)]
		if ok && st.LastSyncTimestamp != nil && !st.LastSyncTimestamp.Before(olderThan) {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityName < out[j].EntityName })
	return out, nil
}

// ---- field mappings ----

func (s *Store) CreateFieldMapping(_ context.Context, m *types.FieldMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createMappingLocked(m)
}

func (s *Store) CreateFieldMappings(_ context.Context, ms []*types.FieldMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range ms {
		if err := s.createMappingLocked(m); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) createMappingLocked(m *types.FieldMapping) error {
	for _, existing := range s.mappings {
		if existing.EntityName == m.EntityName &&
			existing.SourceField == m.SourceField &&
			existing.TargetField == m.TargetField {
			return storage.ErrAlreadyExists
		}
	}
	if m.UID == "" {
		m.UID = newUID()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	cp := *m
	s.mappings[m.UID] = &cp
	return nil
}

func (s *Store) GetFieldMapping(_ context.Context, uid string) (*types.FieldMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.mappings[uid]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *Store) UpdateFieldMapping(_ context.Context, m *types.FieldMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.mappings[m.UID]; !ok {
		return storage.ErrNotFound
	}
	cp := *m
	s.mappings[m.UID] = &cp
	return nil
}

func (s *Store) DeleteFieldMapping(_ context.Context, uid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.mappings[uid]; !ok {
		return storage.ErrNotFound
	}
	delete(s.mappings, uid)
	return nil
}

func (s *Store) DeleteFieldMappings(_ context.Context, entityName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for uid, m := range s.mappings {
		if m.EntityName == entityName {
			delete(s.mappings, uid)
		}
	}
	return nil
}

func (s *Store) ListFieldMappings(_ context.Context, entityName string) ([]*types.FieldMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.FieldMapping
	for _, m := range s.mappings {
		if entityName != "" && m.EntityName != entityName {
			continue
		}
		cp := *m
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntityName != out[j].EntityName {
			return out[i].EntityName < out[j].EntityName
		}
		return strings.Compare(out[i].SourceField, out[j].SourceField) < 0
	})
	return out, nil
}

// ---- background schedules ----

func (s *Store) CreateSchedule(_ context.Context, sched *types.BackgroundSchedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[sched.EntityName]; ok {
		return storage.ErrAlreadyExists
	}
	if sched.UID == "" {
		sched.UID = newUID()
	}
	now := time.Now().UTC()
	if sched.CreatedAt.IsZero() {
		sched.CreatedAt = now
	}
	sched.UpdatedAt = now
	cp := *sched
	s.schedules[sched.EntityName] = &cp
	return nil
}

func (s *Store) GetSchedule(_ context.Context, entityName string) (*types.BackgroundSchedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sched, ok := s.schedules[entityName]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *sched
	return &cp, nil
}

func (s *Store) UpdateSchedule(_ context.Context, sched *types.BackgroundSchedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[sched.EntityName]; !ok {
		return storage.ErrNotFound
	}
	sched.UpdatedAt = time.Now().UTC()
	cp := *sched
	s.schedules[sched.EntityName] = &cp
	return nil
}

func (s *Store) DeleteSchedule(_ context.Context, entityName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[entityName]; !ok {
		return storage.ErrNotFound
	}
	delete(s.schedules, entityName)
	return nil
}

func (s *Store) ListSchedules(_ context.Context, enabledOnly bool) ([]*types.BackgroundSchedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.BackgroundSchedule
	for _, sched := range s.schedules {
		if enabledOnly && !sched.IsEnabled {
			continue
		}
		cp := *sched
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityName < out[j].EntityName })
	return out, nil
}

// ---- monitoring ----

func (s *Store) GetStatistics(_ context.Context) (*storage.Statistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &storage.Statistics{
		TotalBatches:    len(s.batches),
		BatchesByStatus: make(map[string]int),
		BatchesByType:   make(map[string]int),
		PendingChildren: len(s.pending),
		EntitiesTracked: len(s.entities),
	}
	for _, b := range s.batches {
		stats.BatchesByStatus[string(b.Status)]++
		stats.BatchesByType[string(b.SyncType)]++
		if b.Status == types.BatchCompleted && b.CompletedAt != nil {
			if stats.LastCompletedRun == nil || b.CompletedAt.After(*stats.LastCompletedRun) {
				t := *b.CompletedAt
				stats.LastCompletedRun = &t
			}
		}
	}
	for _, r := range s.failed {
		if r.ResolvedAt == nil {
			stats.OpenFailed++
		}
	}
	return stats, nil
}

// ---- retention ----

func (s *Store) PurgeCompletedBatches(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for uid, b := range s.batches {
		if (b.Status == types.BatchCompleted || b.Status == types.BatchCancelled) &&
			b.CompletedAt != nil && b.CompletedAt.Before(olderThan) {
			delete(s.batches, uid)
			// dead-letter and pending rows cascade with their batch
			for fuid, r := range s.failed {
				if r.BatchUID == uid {
					delete(s.failed, fuid)
				}
			}
			for puid, p := range s.pending {
				if p.BatchUID == uid {
					delete(s.pending, puid)
				}
			}
			n++
		}
	}
	return n, nil
}

func (s *Store) PurgeResolvedFailedRecords(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for uid, r := range s.failed {
		if r.ResolvedAt != nil && r.ResolvedAt.Before(olderThan) {
			delete(s.failed, uid)
			n++
		}
	}
	return n, nil
}

func (s *Store) PurgeStalePendingChildren(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for uid, p := range s.pending {
		if p.CreatedAt.Before(olderThan) {
			delete(s.pending, uid)
			n++
		}
	}
	return n, nil
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }

func paginate[T any](in []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(in) {
			return nil
		}
		in = in[offset:]
	}
	if limit > 0 && len(in) > limit {
		in = in[:limit]
	}
	return in
}
