package scheduler_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/erpbridge/erpbridge/internal/orchestrator"
	"github.com/erpbridge/erpbridge/internal/scheduler"
	"github.com/erpbridge/erpbridge/internal/storage/memory"
	"github.com/erpbridge/erpbridge/internal/types"
)

func tod(h, m int) types.TimeOfDay {
	return types.TimeOfDay{Hour: h, Minute: m}
}

func at(h, m int) time.Time {
	return time.Date(2026, 3, 14, h, m, 0, 0, time.UTC)
}

func TestWindowContains(t *testing.T) {
	tests := []struct {
		name   string
		window scheduler.Window
		at     time.Time
		want   bool
	}{
		{"inside day window", scheduler.Window{Start: tod(9, 0), End: tod(17, 0)}, at(12, 30), true},
		{"before day window", scheduler.Window{Start: tod(9, 0), End: tod(17, 0)}, at(8, 59), false},
		{"after day window", scheduler.Window{Start: tod(9, 0), End: tod(17, 0)}, at(17, 1), false},
		{"at start boundary", scheduler.Window{Start: tod(9, 0), End: tod(17, 0)}, at(9, 0), true},
		{"overnight early morning", scheduler.Window{Start: tod(19, 0), End: tod(7, 0)}, at(2, 30), true},
		{"overnight late evening", scheduler.Window{Start: tod(19, 0), End: tod(7, 0)}, at(23, 15), true},
		{"overnight midday excluded", scheduler.Window{Start: tod(19, 0), End: tod(7, 0)}, at(10, 0), false},
		{"zero-length window always open", scheduler.Window{Start: tod(6, 0), End: tod(6, 0)}, at(15, 45), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.window.Contains(tt.at))
		})
	}
}

// windowAround returns a window guaranteed to contain (or exclude) now.
func windowAround(now time.Time, containing bool) scheduler.Window {
	if containing {
		return scheduler.Window{
			Start: tod((now.Hour()+23)%24, 0),
			End:   tod((now.Hour()+1)%24, 59),
		}
	}
	return scheduler.Window{
		Start: tod((now.Hour()+2)%24, 0),
		End:   tod((now.Hour()+3)%24, 0),
	}
}

func TestIntervalJobFires(t *testing.T) {
	s := scheduler.New(2, zap.NewNop())
	defer s.Stop(true)

	var runs atomic.Int32
	require.NoError(t, s.AddIntervalJob("tick", 10*time.Millisecond, func(context.Context) error {
		runs.Add(1)
		return nil
	}))
	s.Start()

	require.Eventually(t, func() bool { return runs.Load() >= 2 }, 3*time.Second, 10*time.Millisecond)

	st, err := s.JobStatus("tick")
	require.NoError(t, err)
	assert.Equal(t, scheduler.KindInterval, st.Kind)
	assert.GreaterOrEqual(t, st.Runs, 2)
	assert.NotNil(t, st.LastRunAt)
}

func TestPausedJobDoesNotFire(t *testing.T) {
	s := scheduler.New(2, zap.NewNop())
	defer s.Stop(true)

	var runs atomic.Int32
	require.NoError(t, s.AddIntervalJob("tick", 10*time.Millisecond, func(context.Context) error {
		runs.Add(1)
		return nil
	}))
	require.NoError(t, s.PauseJob("tick"))
	s.Start()

	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, runs.Load())

	require.NoError(t, s.ResumeJob("tick"))
	require.Eventually(t, func() bool { return runs.Load() > 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestOneTimeJobFiresAndUnregisters(t *testing.T) {
	s := scheduler.New(2, zap.NewNop())
	defer s.Stop(true)
	s.Start()

	var runs atomic.Int32
	require.NoError(t, s.AddOneTimeJob("once", time.Now().Add(20*time.Millisecond), func(context.Context) error {
		runs.Add(1)
		return nil
	}))

	require.Eventually(t, func() bool { return runs.Load() == 1 }, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		_, err := s.JobStatus("once")
		return err == scheduler.ErrJobNotFound
	}, time.Second, 10*time.Millisecond)
}

func TestDuplicateJobRejected(t *testing.T) {
	s := scheduler.New(1, zap.NewNop())
	defer s.Stop(false)

	noop := func(context.Context) error { return nil }
	require.NoError(t, s.AddIntervalJob("job", time.Hour, noop))
	assert.ErrorIs(t, s.AddIntervalJob("job", time.Hour, noop), scheduler.ErrJobExists)
}

func TestRemoveJob(t *testing.T) {
	s := scheduler.New(1, zap.NewNop())
	defer s.Stop(false)

	require.NoError(t, s.AddIntervalJob("job", time.Hour, func(context.Context) error { return nil }))
	require.NoError(t, s.RemoveJob("job"))
	assert.ErrorIs(t, s.RemoveJob("job"), scheduler.ErrJobNotFound)
	assert.Empty(t, s.ListJobs())
}

func TestSyncJobStatusCarriesNextRun(t *testing.T) {
	s := scheduler.New(1, zap.NewNop())
	defer s.Stop(false)

	require.NoError(t, s.AddSyncJob("orders", scheduler.Window{Start: tod(2, 0), End: tod(5, 0)},
		func(context.Context) error { return nil }))
	s.Start()

	st, err := s.JobStatus("orders")
	require.NoError(t, err)
	assert.Equal(t, scheduler.KindDaily, st.Kind)
	require.NotNil(t, st.NextRunAt)
	assert.Equal(t, 2, st.NextRunAt.Hour())
	assert.Equal(t, 0, st.NextRunAt.Minute())
}

func TestCronJobRegisters(t *testing.T) {
	s := scheduler.New(1, zap.NewNop())
	defer s.Stop(false)

	noop := func(context.Context) error { return nil }
	require.NoError(t, s.AddCronJob("orders", "15 3 * * *", noop))
	assert.Error(t, s.AddCronJob("bad", "not a cron spec", noop))
	s.Start()

	st, err := s.JobStatus("orders")
	require.NoError(t, err)
	assert.Equal(t, scheduler.KindCron, st.Kind)
	require.NotNil(t, st.NextRunAt)
	assert.Equal(t, 3, st.NextRunAt.Hour())
	assert.Equal(t, 15, st.NextRunAt.Minute())
}

func TestTriggerSyncWindowGate(t *testing.T) {
	s := scheduler.New(2, zap.NewNop())
	defer s.Stop(true)
	s.Start()

	var runs atomic.Int32
	run := func(context.Context) error { runs.Add(1); return nil }

	require.NoError(t, s.AddSyncJob("closed", windowAround(time.Now(), false), run))
	require.NoError(t, s.AddSyncJob("open", windowAround(time.Now(), true), run))

	assert.ErrorIs(t, s.TriggerSync("closed", false), scheduler.ErrOutsideWindow)
	assert.ErrorIs(t, s.TriggerSync("missing", false), scheduler.ErrJobNotFound)

	require.NoError(t, s.TriggerSync("open", false))
	require.Eventually(t, func() bool { return runs.Load() == 1 }, 3*time.Second, 10*time.Millisecond)

	// force bypasses the gate
	require.NoError(t, s.TriggerSync("closed", true))
	require.Eventually(t, func() bool { return runs.Load() == 2 }, 3*time.Second, 10*time.Millisecond)
}

func TestStopRefusesNewWork(t *testing.T) {
	s := scheduler.New(1, zap.NewNop())

	var runs atomic.Int32
	require.NoError(t, s.AddSyncJob("orders", windowAround(time.Now(), true),
		func(context.Context) error { runs.Add(1); return nil }))
	s.Start()
	s.Stop(true)

	assert.ErrorIs(t, s.TriggerSync("orders", true), scheduler.ErrNotRunning)
	assert.Zero(t, runs.Load())
}

// fakeRunner fabricates completed batches of a fixed fetched-row count.
type fakeRunner struct {
	reqs   []orchestrator.Request
	rows   int
	status types.BatchStatus
	err    error
}

func (f *fakeRunner) Run(_ context.Context, req orchestrator.Request) (*types.SyncBatch, error) {
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	return &types.SyncBatch{
		UID:      "batch-fake",
		Status:   f.status,
		Metrics:  types.BatchMetrics{RowsFetched: f.rows},
		SyncType: req.SyncType,
	}, nil
}

func seedBackfill(t *testing.T, store *memory.Store, estimate, perDay int) {
	t.Helper()
	require.NoError(t, store.CreateEntityConfig(context.Background(), &types.EntityConfig{
		EntityName:        "orders",
		SourceAPISlug:     "orders-api",
		BusinessKeyFields: []string{"order_no"},
	}))
	require.NoError(t, store.CreateSchedule(context.Background(), &types.BackgroundSchedule{
		EntityName:        "orders",
		SourceSystem:      "erp",
		IsEnabled:         true,
		RowsPerDay:        perDay,
		TotalRowsEstimate: estimate,
		// zero-length window, always open
		SyncWindowStart: tod(0, 0),
		SyncWindowEnd:   tod(0, 0),
	}))
}

func TestBackfillAdvancesOffset(t *testing.T) {
	store := memory.New()
	runner := &fakeRunner{rows: 500, status: types.BatchCompleted}
	seedBackfill(t, store, 2000, 500)

	b := scheduler.NewBackfill(store, runner, 0, zap.NewNop())
	require.NoError(t, b.RunEntity(context.Background(), "orders", false))

	require.Len(t, runner.reqs, 1)
	assert.Equal(t, types.SyncBackground, runner.reqs[0].SyncType)
	assert.Equal(t, 0, runner.reqs[0].Offset)
	assert.Equal(t, 500, runner.reqs[0].Limit)
	assert.Equal(t, "orders-api", runner.reqs[0].SourceAPISlug)

	sched, err := store.GetSchedule(context.Background(), "orders")
	require.NoError(t, err)
	assert.Equal(t, 500, sched.CurrentOffset)
	require.NotNil(t, sched.LastRunAt)
	require.NotNil(t, sched.NextRunAt)

	// next slice starts where the last one ended
	require.NoError(t, b.RunEntity(context.Background(), "orders", false))
	require.Len(t, runner.reqs, 2)
	assert.Equal(t, 500, runner.reqs[1].Offset)
}

func TestBackfillFailedBatchKeepsOffset(t *testing.T) {
	store := memory.New()
	runner := &fakeRunner{rows: 500, status: types.BatchFailed}
	seedBackfill(t, store, 2000, 500)

	b := scheduler.NewBackfill(store, runner, 0, zap.NewNop())
	require.NoError(t, b.RunEntity(context.Background(), "orders", false))

	sched, err := store.GetSchedule(context.Background(), "orders")
	require.NoError(t, err)
	assert.Equal(t, 0, sched.CurrentOffset)
	require.NotNil(t, sched.LastRunAt)
}

func TestBackfillCompleteIsNoOp(t *testing.T) {
	store := memory.New()
	runner := &fakeRunner{rows: 500, status: types.BatchCompleted}
	seedBackfill(t, store, 1000, 500)

	sched, err := store.GetSchedule(context.Background(), "orders")
	require.NoError(t, err)
	sched.CurrentOffset = 1000
	require.NoError(t, store.UpdateSchedule(context.Background(), sched))

	b := scheduler.NewBackfill(store, runner, 0, zap.NewNop())
	require.NoError(t, b.RunEntity(context.Background(), "orders", false))
	assert.Empty(t, runner.reqs)
}

func TestBackfillSliceFromEstimate(t *testing.T) {
	store := memory.New()
	runner := &fakeRunner{rows: 300, status: types.BatchCompleted}
	seedBackfill(t, store, 3000, 0)

	sched, err := store.GetSchedule(context.Background(), "orders")
	require.NoError(t, err)
	sched.DaysToComplete = 10
	require.NoError(t, store.UpdateSchedule(context.Background(), sched))

	b := scheduler.NewBackfill(store, runner, 0, zap.NewNop())
	require.NoError(t, b.RunEntity(context.Background(), "orders", false))

	require.Len(t, runner.reqs, 1)
	assert.Equal(t, 300, runner.reqs[0].Limit)
}

func TestBackfillRunDueSweepsEnabled(t *testing.T) {
	store := memory.New()
	runner := &fakeRunner{rows: 100, status: types.BatchCompleted}
	seedBackfill(t, store, 1000, 100)

	require.NoError(t, store.CreateEntityConfig(context.Background(), &types.EntityConfig{
		EntityName:    "parts",
		SourceAPISlug: "parts-api",
	}))
	require.NoError(t, store.CreateSchedule(context.Background(), &types.BackgroundSchedule{
		EntityName:      "parts",
		SourceSystem:    "erp",
		IsEnabled:       false,
		SyncWindowStart: tod(0, 0),
		SyncWindowEnd:   tod(0, 0),
	}))

	b := scheduler.NewBackfill(store, runner, 0, zap.NewNop())
	require.NoError(t, b.RunDue(context.Background()))

	// only the enabled schedule ran
	require.Len(t, runner.reqs, 1)
	assert.Equal(t, "orders", runner.reqs[0].EntityName)
}
