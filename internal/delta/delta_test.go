package delta_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/erpbridge/erpbridge/internal/delta"
	"github.com/erpbridge/erpbridge/internal/types"
)

func rec(bk, dh, rv string) types.Record {
	return types.Record{
		types.FieldKeyHash:    bk,
		types.FieldDataHash:   dh,
		types.FieldRowVersion: rv,
	}
}

func stored(bk, dh, rv, uid string) types.Record {
	r := rec(bk, dh, rv)
	r["uid"] = uid
	return r
}

func TestDetectHashStrategy(t *testing.T) {
	d := delta.NewDetector(delta.StrategyHash, zap.NewNop())

	incoming := []types.Record{
		rec("bk1", "hash-a", ""), // new
		rec("bk2", "hash-b", ""), // changed
		rec("bk3", "hash-c", ""), // unchanged
	}
	storedRecs := []types.Record{
		stored("bk2", "hash-old", "", "uid-2"),
		stored("bk3", "hash-c", "", "uid-3"),
	}

	res := d.Detect(incoming, storedRecs, false)

	require.Len(t, res.Inserts, 1)
	require.Len(t, res.Updates, 1)
	assert.Equal(t, "uid-2", res.Updates[0].UID)
	assert.Len(t, res.Skips, 1)
	assert.Empty(t, res.Deletes)
	assert.Equal(t, delta.StrategyHash, res.Metrics.StrategyUsed)
}

func TestDetectRowVersionStrategy(t *testing.T) {
	d := delta.NewDetector(delta.StrategyRowVersion, zap.NewNop())

	incoming := []types.Record{
		rec("bk1", "h1", "10"), // newer than stored
		rec("bk2", "h2", "5"),  // equal, skip
		rec("bk3", "h3", "3"),  // older, skip
	}
	storedRecs := []types.Record{
		stored("bk1", "h1-old", "9", "uid-1"),
		stored("bk2", "h2", "5", "uid-2"),
		stored("bk3", "h3-old", "4", "uid-3"),
	}

	res := d.Detect(incoming, storedRecs, false)

	require.Len(t, res.Updates, 1)
	assert.Equal(t, "uid-1", res.Updates[0].UID)
	assert.Len(t, res.Skips, 2)
}

func TestDetectRowVersionFallsBackToHashPerRecord(t *testing.T) {
	d := delta.NewDetector(delta.StrategyRowVersion, zap.NewNop())

	// stored side has no row-version, so hashes decide
	incoming := []types.Record{rec("bk1", "hash-new", "10")}
	storedRecs := []types.Record{stored("bk1", "hash-old", "", "uid-1")}

	res := d.Detect(incoming, storedRecs, false)
	require.Len(t, res.Updates, 1)
}

func TestDetectAutoStrategySelection(t *testing.T) {
	d := delta.NewDetector(delta.StrategyAuto, zap.NewNop())

	allVersioned := []types.Record{rec("bk1", "h1", "1"), rec("bk2", "h2", "2")}
	res := d.Detect(allVersioned, nil, false)
	assert.Equal(t, delta.StrategyRowVersion, res.Metrics.StrategyUsed)

	mixed := []types.Record{rec("bk1", "h1", "1"), rec("bk2", "h2", "")}
	res = d.Detect(mixed, nil, false)
	assert.Equal(t, delta.StrategyHash, res.Metrics.StrategyUsed)
}

func TestDetectDeletesOnlyOnFullSync(t *testing.T) {
	d := delta.NewDetector(delta.StrategyHash, zap.NewNop())

	incoming := []types.Record{rec("bk1", "h1", "")}
	storedRecs := []types.Record{
		stored("bk1", "h1", "", "uid-1"),
		stored("bk-gone", "h9", "", "uid-9"),
	}

	res := d.Detect(incoming, storedRecs, true)
	require.Len(t, res.Deletes, 1)
	assert.Equal(t, "uid-9", res.Deletes[0].UID)

	res = d.Detect(incoming, storedRecs, false)
	assert.Empty(t, res.Deletes)
}

func TestDetectDropsMissingBKAndDeduplicates(t *testing.T) {
	d := delta.NewDetector(delta.StrategyHash, zap.NewNop())

	incoming := []types.Record{
		{types.FieldDataHash: "h0"}, // no BK, dropped
		rec("bk1", "h-first", ""),
		rec("bk1", "h-last", ""), // duplicate BK, last wins
	}

	res := d.Detect(incoming, nil, false)

	assert.Len(t, res.Dropped, 1)
	require.Len(t, res.Inserts, 1)
	assert.Equal(t, "h-last", res.Inserts[0].DataHash())
}

func TestDetectBucketsPartitionInput(t *testing.T) {
	d := delta.NewDetector(delta.StrategyHash, zap.NewNop())

	incoming := []types.Record{
		rec("bk1", "h1", ""),
		rec("bk2", "h2", ""),
		rec("bk3", "h3", ""),
		{types.FieldDataHash: "nobk"},
	}
	storedRecs := []types.Record{
		stored("bk2", "h2", "", "uid-2"),
		stored("bk3", "old", "", "uid-3"),
		stored("bk4", "h4", "", "uid-4"),
	}

	res := d.Detect(incoming, storedRecs, true)

	// every unique incoming record lands in exactly one bucket
	classified := len(res.Inserts) + len(res.Updates) + len(res.Skips) + len(res.Dropped)
	assert.Equal(t, len(incoming), classified)

	m := res.Metrics
	assert.Equal(t, 5, m.Total)
	assert.Equal(t, 1, m.Deletes)
	assert.InDelta(t, 60.0, m.EfficiencyPercent, 0.01) // 1 insert + 1 update + 1 delete of 5
}
