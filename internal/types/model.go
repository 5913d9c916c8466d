package types

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// SyncType is the kind of synchronization run.
type SyncType string

const (
	SyncFull        SyncType = "full"
	SyncIncremental SyncType = "incremental"
	SyncBackground  SyncType = "background"
)

// BatchStatus is the lifecycle state of a sync batch. Transitions only move
// forward: pending -> running -> completed|failed|cancelled.
type BatchStatus string

const (
	BatchPending   BatchStatus = "pending"
	BatchRunning   BatchStatus = "running"
	BatchCompleted BatchStatus = "completed"
	BatchFailed    BatchStatus = "failed"
	BatchCancelled BatchStatus = "cancelled"
)

// CanTransition reports whether s may move to next.
func (s BatchStatus) CanTransition(next BatchStatus) bool {
	switch s {
	case BatchPending:
		return next == BatchRunning || next == BatchFailed || next == BatchCancelled
	case BatchRunning:
		return next == BatchCompleted || next == BatchFailed || next == BatchCancelled
	default:
		return false
	}
}

// BatchMetrics holds per-stage row counts for a sync batch.
type BatchMetrics struct {
	RowsFetched    int     `json:"rows_fetched" db:"rows_fetched"`
	RowsNormalized int     `json:"rows_normalized" db:"rows_normalized"`
	RowsValidated  int     `json:"rows_validated" db:"rows_validated"`
	RowsMapped     int     `json:"rows_mapped" db:"rows_mapped"`
	RowsInserted   int     `json:"rows_inserted" db:"rows_inserted"`
	RowsUpdated    int     `json:"rows_updated" db:"rows_updated"`
	RowsDeleted    int     `json:"rows_deleted" db:"rows_deleted"`
	RowsSkipped    int     `json:"rows_skipped" db:"rows_skipped"`
	RowsFailed     int     `json:"rows_failed" db:"rows_failed"`
	SuccessRate    float64 `json:"success_rate" db:"success_rate"`
}

// ComputeSuccessRate derives the percentage of fetched rows that were not
// dead-lettered. Zero fetched rows counts as fully successful.
func (m *BatchMetrics) ComputeSuccessRate() {
	if m.RowsFetched == 0 {
		m.SuccessRate = 100
		return
	}
	ok := m.RowsFetched - m.RowsFailed
	if ok < 0 {
		ok = 0
	}
	m.SuccessRate = roundPct(float64(ok) / float64(m.RowsFetched) * 100)
}

// SyncBatch is one orchestrator run for one entity.
type SyncBatch struct {
	UID          string      `json:"uid" db:"uid"`
	EntityName   string      `json:"entity_name" db:"entity_name"`
	SyncType     SyncType    `json:"sync_type" db:"sync_type"`
	SourceSystem string      `json:"source_system" db:"source_system"`
	StartedAt    time.Time   `json:"started_at" db:"started_at"`
	CompletedAt  *time.Time  `json:"completed_at,omitempty" db:"completed_at"`
	Status       BatchStatus `json:"status" db:"status"`
	Metrics      BatchMetrics
	ErrorMessage string    `json:"error_message,omitempty" db:"error_message"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// FailedRecord is one dead-letter row. Retryable while retry budget remains
// and the record has not been resolved.
type FailedRecord struct {
	UID            string     `json:"uid"`
	BatchUID       string     `json:"batch_uid,omitempty"`
	EntityName     string     `json:"entity_name"`
	SourceSystem   string     `json:"source_system"`
	RawData        Record     `json:"raw_data"`
	NormalizedData Record     `json:"normalized_data,omitempty"`
	MappedData     Record     `json:"mapped_data,omitempty"`
	StageFailed    string     `json:"stage_failed"`
	ErrorType      string     `json:"error_type"`
	ErrorMessage   string     `json:"error_message"`
	RetryCount     int        `json:"retry_count"`
	MaxRetries     int        `json:"max_retries"`
	NextRetryAt    *time.Time `json:"next_retry_at,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy     string     `json:"resolved_by,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Retryable reports whether the record is still eligible for the retry job.
func (f *FailedRecord) Retryable() bool {
	return f.ResolvedAt == nil && f.RetryCount < f.MaxRetries
}

// PendingChild is a child record whose ingest is blocked on a parent BK hash
// that is not yet present in the sink.
type PendingChild struct {
	UID          string     `json:"uid"`
	BatchUID     string     `json:"batch_uid,omitempty"`
	ChildEntity  string     `json:"child_entity"`
	ParentEntity string     `json:"parent_entity"`
	ParentBKHash string     `json:"parent_bk_hash"`
	ChildPayload Record     `json:"child_payload"`
	RetryCount   int        `json:"retry_count"`
	MaxRetries   int        `json:"max_retries"`
	NextRetryAt  *time.Time `json:"next_retry_at,omitempty"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// SyncState is the per-(entity, source) cursor row. Exactly one row per pair.
type SyncState struct {
	UID                string     `json:"uid"`
	EntityName         string     `json:"entity_name"`
	SourceSystem       string     `json:"source_system"`
	LastSyncRowversion string     `json:"last_sync_rowversion,omitempty"`
	LastSyncTimestamp  *time.Time `json:"last_sync_timestamp,omitempty"`
	LastBatchUID       string     `json:"last_batch_uid,omitempty"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// ParentRef declares that child_field in an incoming record carries the value
// of parent_field in the parent entity's business key.
type ParentRef struct {
	ParentEntity string `json:"parent_entity"`
	ParentField  string `json:"parent_field"`
	ChildField   string `json:"child_field"`
}

// EntityConfig is the operator-owned description of one synced entity.
type EntityConfig struct {
	UID               string               `json:"uid"`
	EntityName        string               `json:"entity_name"`
	SourceAPISlug     string               `json:"source_api_slug"`
	BusinessKeyFields []string             `json:"business_key_fields"`
	SyncEnabled       bool                 `json:"sync_enabled"`
	SyncSchedule      string               `json:"sync_schedule,omitempty"`
	ParentRefs        map[string]ParentRef `json:"parent_refs_config,omitempty"`
	CreatedAt         time.Time            `json:"created_at"`
	UpdatedAt         time.Time            `json:"updated_at"`
}

// Transformation is the enumerated set of declarative field transforms.
type Transformation string

const (
	TransformNone          Transformation = "none"
	TransformUppercase     Transformation = "uppercase"
	TransformLowercase     Transformation = "lowercase"
	TransformTrim          Transformation = "trim"
	TransformTitleCase     Transformation = "title_case"
	TransformCapitalize    Transformation = "capitalize"
	TransformStripSpace    Transformation = "strip_whitespace"
	TransformRemoveSpecial Transformation = "remove_special_chars"
)

// ValidTransformation reports whether t names a known transform.
func ValidTransformation(t Transformation) bool {
	switch t {
	case TransformNone, TransformUppercase, TransformLowercase, TransformTrim,
		TransformTitleCase, TransformCapitalize, TransformStripSpace,
		TransformRemoveSpecial, "":
		return true
	}
	return false
}

// FieldMapping maps one source field to one target field with an optional
// transform, default, and required flag. Unique on (entity, source, target).
type FieldMapping struct {
	UID            string         `json:"uid"`
	EntityName     string         `json:"entity_name"`
	SourceField    string         `json:"source_field"`
	TargetField    string         `json:"target_field"`
	Transformation Transformation `json:"transformation,omitempty"`
	DefaultValue   string         `json:"default_value,omitempty"`
	IsRequired     bool           `json:"is_required"`
	CreatedAt      time.Time      `json:"created_at"`
}

// TimeOfDay is a wall-clock time (no date), persisted as a Postgres TIME
// column and rendered as "HH:MM:SS".
type TimeOfDay struct {
	Hour, Minute, Second int
}

// ParseTimeOfDay accepts "HH:MM:SS" or "HH:MM".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	var t TimeOfDay
	switch n, err := fmt.Sscanf(s, "%d:%d:%d", &t.Hour, &t.Minute, &t.Second); {
	case err == nil && n == 3:
	case n == 2:
		t.Second = 0
	default:
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q", s)
	}
	if t.Hour < 0 || t.Hour > 23 || t.Minute < 0 || t.Minute > 59 || t.Second < 0 || t.Second > 59 {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q", s)
	}
	return t, nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", t.Hour, t.Minute, t.Second)
}

// Seconds returns the offset from midnight.
func (t TimeOfDay) Seconds() int { return t.Hour*3600 + t.Minute*60 + t.Second }

// At anchors the time of day onto the date of ref, in ref's location.
func (t TimeOfDay) At(ref time.Time) time.Time {
	return time.Date(ref.Year(), ref.Month(), ref.Day(), t.Hour, t.Minute, t.Second, 0, ref.Location())
}

// MarshalJSON renders "HH:MM:SS".
func (t TimeOfDay) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.String() + `"`), nil
}

// UnmarshalJSON accepts "HH:MM:SS" or "HH:MM".
func (t *TimeOfDay) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("invalid time of day %s", data)
	}
	parsed, err := ParseTimeOfDay(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Scan implements sql.Scanner for TIME columns.
func (t *TimeOfDay) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		*t = TimeOfDay{}
		return nil
	case time.Time:
		*t = TimeOfDay{Hour: v.Hour(), Minute: v.Minute(), Second: v.Second()}
		return nil
	case string:
		parsed, err := ParseTimeOfDay(v)
		if err != nil {
			return err
		}
		*t = parsed
		return nil
	case []byte:
		parsed, err := ParseTimeOfDay(string(v))
		if err != nil {
			return err
		}
		*t = parsed
		return nil
	default:
		return fmt.Errorf("cannot scan %T into TimeOfDay", value)
	}
}

// Value implements driver.Valuer.
func (t TimeOfDay) Value() (driver.Value, error) { return t.String(), nil }

// BackgroundSchedule drives multi-day windowed backfill for one entity.
type BackgroundSchedule struct {
	UID               string     `json:"uid"`
	EntityName        string     `json:"entity_name"`
	SourceSystem      string     `json:"source_system"`
	IsEnabled         bool       `json:"is_enabled"`
	SyncWindowStart   TimeOfDay  `json:"sync_window_start"`
	SyncWindowEnd     TimeOfDay  `json:"sync_window_end"`
	DaysToComplete    int        `json:"days_to_complete"`
	RowsPerDay        int        `json:"rows_per_day,omitempty"`
	TotalRowsEstimate int        `json:"total_rows_estimate,omitempty"`
	CurrentOffset     int        `json:"current_offset"`
	LastRunAt         *time.Time `json:"last_run_at,omitempty"`
	NextRunAt         *time.Time `json:"next_run_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// SliceSize returns how many rows the next background run should process.
func (s *BackgroundSchedule) SliceSize(fallback int) int {
	if s.RowsPerDay > 0 {
		return s.RowsPerDay
	}
	if s.TotalRowsEstimate > 0 && s.DaysToComplete > 0 {
		if n := s.TotalRowsEstimate / s.DaysToComplete; n > 0 {
			return n
		}
	}
	return fallback
}

// Complete reports whether the backfill has covered the estimated row count.
func (s *BackgroundSchedule) Complete() bool {
	return s.TotalRowsEstimate > 0 && s.CurrentOffset >= s.TotalRowsEstimate
}

func roundPct(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}
