// Package delta classifies identity-stamped incoming records against the
// sink's stored state into insert, update, skip, and delete buckets.
package delta

import (
	"go.uber.org/zap"

	"github.com/erpbridge/erpbridge/internal/identity"
	"github.com/erpbridge/erpbridge/internal/types"
)

// Strategy selects how change detection compares a record against its stored
// counterpart.
type Strategy string

const (
	// StrategyRowVersion compares monotonic row-version markers.
	StrategyRowVersion Strategy = "row_version"
	// StrategyHash compares content hashes.
	StrategyHash Strategy = "hash"
	// StrategyAuto picks row_version when every incoming record carries one,
	// hash otherwise.
	StrategyAuto Strategy = "auto"
)

// Operation is the classified outcome for one record.
type Operation string

const (
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpSkip   Operation = "SKIP"
	OpDelete Operation = "DELETE"
)

// Update pairs an incoming record with the stored uid it must target.
type Update struct {
	UID    string
	Record types.Record
}

// Delete identifies a stored record absent from an exhaustive incoming set.
type Delete struct {
	UID    string
	BKHash string
	RefStr string
}

// Result is the full categorization of one detection run.
type Result struct {
	Inserts []types.Record
	Updates []Update
	Skips   []types.Record
	Deletes []Delete
	Dropped []types.Record
	Metrics Metrics
}

// Metrics summarizes a detection run. EfficiencyPercent is the share of
// records that actually need work: (inserts+updates+deletes)/total.
type Metrics struct {
	Total             int      `json:"total"`
	Inserts           int      `json:"inserts"`
	Updates           int      `json:"updates"`
	Skips             int      `json:"skips"`
	Deletes           int      `json:"deletes"`
	Dropped           int      `json:"dropped"`
	EfficiencyPercent float64  `json:"efficiency_percent"`
	StrategyUsed      Strategy `json:"strategy_used"`
}

// Detector runs change detection for one entity.
type Detector struct {
	strategy Strategy
	log      *zap.Logger
}

// NewDetector builds a detector. An empty strategy means StrategyAuto.
func NewDetector(strategy Strategy, log *zap.Logger) *Detector {
	if strategy == "" {
		strategy = StrategyAuto
	}
	return &Detector{strategy: strategy, log: log}
}

// Detect classifies incoming records against stored ones. Stored records must
// carry at least erp_key_hash, erp_data_hash, erp_rowversion, and uid.
// fullSync enables DELETE detection; an incremental (partial) fetch must
// never generate deletes.
func (d *Detector) Detect(incoming, stored []types.Record, fullSync bool) Result {
	var res Result

	storedByBK := make(map[string]types.Record, len(stored))
	for _, s := range stored {
		if bk := s.KeyHash(); bk != "" {
			storedByBK[bk] = s
		}
	}

	// last-wins on duplicate BKs within the batch
	incomingByBK := make(map[string]types.Record, len(incoming))
	order := make([]string, 0, len(incoming))
	for _, rec := range incoming {
		bk := rec.KeyHash()
		if bk == "" {
			d.log.Warn("record without business key hash dropped",
				zap.String("ref", rec.RefStr()))
			res.Dropped = append(res.Dropped, rec)
			continue
		}
		if _, dup := incomingByBK[bk]; dup {
			d.log.Warn("duplicate business key in batch, last record wins",
				zap.String("bk_hash", bk),
				zap.String("ref", rec.RefStr()))
		} else {
			order = append(order, bk)
		}
		incomingByBK[bk] = rec
	}

	strategy := d.strategy
	if strategy == StrategyAuto {
		strategy = resolveAuto(incomingByBK)
	}

	for _, bk := range order {
		rec := incomingByBK[bk]
		s, exists := storedByBK[bk]
		if !exists {
			res.Inserts = append(res.Inserts, rec)
			continue
		}

		if changed(rec, s, strategy) {
			res.Updates = append(res.Updates, Update{UID: storedUID(s), Record: rec})
		} else {
			res.Skips = append(res.Skips, rec)
		}
	}

	if fullSync {
		for bk, s := range storedByBK {
			if _, present := incomingByBK[bk]; present {
				continue
			}
			res.Deletes = append(res.Deletes, Delete{
				UID:    storedUID(s),
				BKHash: bk,
				RefStr: s.RefStr(),
			})
		}
	}

	total := len(incoming) + len(res.Deletes)
	work := len(res.Inserts) + len(res.Updates) + len(res.Deletes)
	res.Metrics = Metrics{
		Total:        total,
		Inserts:      len(res.Inserts),
		Updates:      len(res.Updates),
		Skips:        len(res.Skips),
		Deletes:      len(res.Deletes),
		Dropped:      len(res.Dropped),
		StrategyUsed: strategy,
	}
	if total > 0 {
		res.Metrics.EfficiencyPercent = float64(work) / float64(total) * 100
	}

	return res
}

// changed reports whether an incoming record differs from its stored
// counterpart. When one side is missing a row-version, a row_version strategy
// falls back to hash for that record.
func changed(incoming, stored types.Record, strategy Strategy) bool {
	if strategy == StrategyRowVersion {
		inRV, stRV := incoming.RowVersion(), stored.RowVersion()
		if inRV != "" && stRV != "" {
			return identity.RowVersionNewer(inRV, stRV)
		}
	}
	return incoming.DataHash() != stored.DataHash()
}

func resolveAuto(incoming map[string]types.Record) Strategy {
	if len(incoming) == 0 {
		return StrategyHash
	}
	for _, rec := range incoming {
		if rec.RowVersion() == "" {
			return StrategyHash
		}
	}
	return StrategyRowVersion
}

func storedUID(rec types.Record) string {
	if v, ok := rec["uid"]; ok && v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
