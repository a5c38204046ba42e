package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cloudesk/brokerd/pkg/log"
	"github.com/cloudesk/brokerd/pkg/storage"
	"github.com/cloudesk/brokerd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

func newTestStore(t *testing.T) *storage.BoltStore {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type countingJob struct {
	name string
	runs atomic.Int32
	err  error
}

func (j *countingJob) Name() string { return j.name }
func (j *countingJob) Run() error {
	j.runs.Add(1)
	return j.err
}

func TestRegisterAndExecute(t *testing.T) {
	store := newTestStore(t)
	sched := New(store, Config{Node: "node-a", Workers: 1})

	job := &countingJob{name: "test-job"}
	require.NoError(t, sched.Register(job, 30*time.Second, 0))

	sched.executeOne()
	assert.Equal(t, int32(1), job.runs.Load())

	// Claim released with next execution pushed out: nothing due now.
	sched.executeOne()
	assert.Equal(t, int32(1), job.runs.Load())

	row, err := store.GetJob("test-job")
	require.NoError(t, err)
	assert.Empty(t, row.OwnerNode)
	assert.True(t, row.NextExecution.After(time.Now()))
}

func TestFrequencyOverride(t *testing.T) {
	store := newTestStore(t)
	sched := New(store, Config{Node: "node-a"})

	job := &countingJob{name: "overridden"}
	require.NoError(t, sched.Register(job, 30*time.Second, 5*time.Minute))

	row, err := store.GetJob("overridden")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, row.Frequency)
}

func TestLostClaimIsSilentlySkipped(t *testing.T) {
	store := newTestStore(t)
	schedA := New(store, Config{Node: "node-a"})
	schedB := New(store, Config{Node: "node-b"})

	jobA := &countingJob{name: "shared-job"}
	jobB := &countingJob{name: "shared-job"}
	require.NoError(t, schedA.Register(jobA, time.Hour, 0))
	require.NoError(t, schedB.Register(jobB, time.Hour, 0))

	// node-a wins the cycle, node-b's attempt is a no-op, not an error.
	schedA.executeOne()
	schedB.executeOne()

	assert.Equal(t, int32(1), jobA.runs.Load())
	assert.Equal(t, int32(0), jobB.runs.Load())
}

func TestFailingJobDoesNotStopSiblings(t *testing.T) {
	store := newTestStore(t)
	sched := New(store, Config{Node: "node-a"})

	failing := &countingJob{name: "failing", err: assert.AnError}
	healthy := &countingJob{name: "healthy"}
	require.NoError(t, sched.Register(failing, time.Hour, 0))
	require.NoError(t, sched.Register(healthy, time.Hour, 0))

	sched.executeOne()
	sched.executeOne()

	assert.Equal(t, int32(1), failing.runs.Load())
	assert.Equal(t, int32(1), healthy.runs.Load())

	// The failing job was still released for its next cycle.
	row, err := store.GetJob("failing")
	require.NoError(t, err)
	assert.Empty(t, row.OwnerNode)
}

type panickyJob struct{ name string }

func (j *panickyJob) Name() string { return j.name }
func (j *panickyJob) Run() error   { panic("backend blew up") }

func TestPanickingJobIsAbsorbed(t *testing.T) {
	store := newTestStore(t)
	sched := New(store, Config{Node: "node-a"})

	require.NoError(t, sched.Register(&panickyJob{name: "panicky"}, time.Hour, 0))

	assert.NotPanics(t, func() { sched.executeOne() })

	row, err := store.GetJob("panicky")
	require.NoError(t, err)
	assert.Empty(t, row.OwnerNode, "claim released despite panic")
}

func TestRunStopsOnContextCancel(t *testing.T) {
	store := newTestStore(t)
	sched := New(store, Config{
		Node:        "node-a",
		Workers:     2,
		Granularity: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop after context cancellation")
	}
}

func TestReleaseOwnSchedules(t *testing.T) {
	store := newTestStore(t)
	sched := New(store, Config{Node: "node-a"})

	job := &countingJob{name: "orphaned"}
	require.NoError(t, sched.Register(job, time.Hour, 0))

	// Simulate a crash mid-job: claim without release.
	claimed, err := store.ClaimJob("orphaned", "node-a", time.Now(), time.Hour)
	require.NoError(t, err)
	require.True(t, claimed)

	require.NoError(t, sched.ReleaseOwnSchedules())

	row, err := store.GetJob("orphaned")
	require.NoError(t, err)
	assert.Empty(t, row.OwnerNode)
	assert.NotEqual(t, "running", string(row.State))
}

func TestDelayedRunnerExecutesDueTask(t *testing.T) {
	store := newTestStore(t)
	runner := NewDelayedRunner(store, 10*time.Millisecond)

	var gotResource atomic.Value
	runner.HandleKind("recheck", func(task *types.DelayedTask) error {
		gotResource.Store(task.ResourceID)
		return nil
	})

	require.NoError(t, runner.Schedule("opchk-r1", "recheck", "r1", 0))
	runner.executeDue()

	assert.Equal(t, "r1", gotResource.Load())

	// Claim-by-delete: the task is gone after its single run.
	exists, err := runner.Exists("opchk-r1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestDelayedRunnerTagDedup(t *testing.T) {
	store := newTestStore(t)
	runner := NewDelayedRunner(store, 10*time.Millisecond)

	var runs atomic.Int32
	runner.HandleKind("recheck", func(task *types.DelayedTask) error {
		runs.Add(1)
		return nil
	})

	require.NoError(t, runner.Schedule("opchk-r1", "recheck", "r1", 0))
	require.NoError(t, runner.Schedule("opchk-r1", "recheck", "r1", 0))
	runner.executeDue()

	assert.Equal(t, int32(1), runs.Load(), "duplicate tags collapse to one task")
}

func TestDelayedRunnerUnknownKindDropped(t *testing.T) {
	store := newTestStore(t)
	runner := NewDelayedRunner(store, 10*time.Millisecond)

	require.NoError(t, runner.Schedule("tag-x", "no-such-kind", "r1", 0))
	assert.NotPanics(t, func() { runner.executeDue() })

	exists, err := runner.Exists("tag-x")
	require.NoError(t, err)
	assert.False(t, exists, "unhandled task is consumed, not retried forever")
}
