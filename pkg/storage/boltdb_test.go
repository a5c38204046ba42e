package storage

import (
	"testing"
	"time"

	"github.com/cloudesk/brokerd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRegisterJobIdempotent(t *testing.T) {
	store := newTestStore(t)

	job := &types.ScheduledJob{Name: "cache-updater", Frequency: 20 * time.Second}
	require.NoError(t, store.RegisterJob(job))

	// Claim it so ownership fields are populated
	now := time.Now()
	claimed, err := store.ClaimJob("cache-updater", "node-a", now, time.Minute)
	require.NoError(t, err)
	require.True(t, claimed)

	// Re-registration with a new frequency must not touch the claim
	require.NoError(t, store.RegisterJob(&types.ScheduledJob{
		Name:      "cache-updater",
		Frequency: 45 * time.Second,
	}))

	got, err := store.GetJob("cache-updater")
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, got.Frequency)
	assert.Equal(t, "node-a", got.OwnerNode)
	assert.Equal(t, types.JobStateRunning, got.State)
}

func TestClaimJobAtMostOne(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.RegisterJob(&types.ScheduledJob{
		Name:      "hanged-cleaner",
		Frequency: time.Minute,
	}))

	now := time.Now()
	first, err := store.ClaimJob("hanged-cleaner", "node-a", now, time.Minute)
	require.NoError(t, err)
	second, err := store.ClaimJob("hanged-cleaner", "node-b", now, time.Minute)
	require.NoError(t, err)

	assert.True(t, first)
	assert.False(t, second, "second claim in the same cycle must lose")
}

func TestClaimJobConcurrent(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.RegisterJob(&types.ScheduledJob{
		Name:      "stuck-cleaner",
		Frequency: time.Minute,
	}))

	// Simulate several broker nodes racing for the same cycle.
	const nodes = 8
	now := time.Now()
	results := make(chan bool, nodes)
	for i := 0; i < nodes; i++ {
		go func(n int) {
			claimed, err := store.ClaimJob("stuck-cleaner", string(rune('a'+n)), now, time.Minute)
			assert.NoError(t, err)
			results <- claimed
		}(i)
	}

	winners := 0
	for i := 0; i < nodes; i++ {
		if <-results {
			winners++
		}
	}
	assert.Equal(t, 1, winners, "exactly one node wins the claim")
}

func TestClaimJobLeaseReclaim(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.RegisterJob(&types.ScheduledJob{
		Name:      "unused-cleaner",
		Frequency: time.Minute,
	}))

	now := time.Now()
	claimed, err := store.ClaimJob("unused-cleaner", "node-a", now, time.Minute)
	require.NoError(t, err)
	require.True(t, claimed)

	// While the lease holds, nobody else can take it.
	claimed, err = store.ClaimJob("unused-cleaner", "node-b", now.Add(30*time.Second), time.Minute)
	require.NoError(t, err)
	assert.False(t, claimed)

	// Once the lease lapses (node-a died mid-job), the claim self-heals.
	claimed, err = store.ClaimJob("unused-cleaner", "node-b", now.Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed)

	got, err := store.GetJob("unused-cleaner")
	require.NoError(t, err)
	assert.Equal(t, "node-b", got.OwnerNode)
}

func TestReleaseJobsOwnedBy(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()
	for _, name := range []string{"job-a", "job-b", "job-c"} {
		require.NoError(t, store.RegisterJob(&types.ScheduledJob{Name: name, Frequency: time.Minute}))
	}
	_, err := store.ClaimJob("job-a", "node-a", now, time.Hour)
	require.NoError(t, err)
	_, err = store.ClaimJob("job-b", "node-b", now, time.Hour)
	require.NoError(t, err)

	// node-a restarts: its own orphaned claim is released, node-b's live
	// claim is untouched.
	require.NoError(t, store.ReleaseJobsOwnedBy("node-a", now.Add(time.Second)))

	a, err := store.GetJob("job-a")
	require.NoError(t, err)
	assert.Equal(t, types.JobStateReady, a.State)
	assert.Empty(t, a.OwnerNode)

	b, err := store.GetJob("job-b")
	require.NoError(t, err)
	assert.Equal(t, types.JobStateRunning, b.State)
	assert.Equal(t, "node-b", b.OwnerNode)
}

func TestDueJobsOrdering(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()

	require.NoError(t, store.RegisterJob(&types.ScheduledJob{
		Name: "late", Frequency: time.Minute, NextExecution: now.Add(-time.Second),
	}))
	require.NoError(t, store.RegisterJob(&types.ScheduledJob{
		Name: "later", Frequency: time.Minute, NextExecution: now.Add(-time.Minute),
	}))
	require.NoError(t, store.RegisterJob(&types.ScheduledJob{
		Name: "future", Frequency: time.Minute, NextExecution: now.Add(time.Hour),
	}))

	due, err := store.DueJobs(now)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "later", due[0].Name)
	assert.Equal(t, "late", due[1].Name)
}

func TestDelayedTaskTagDedup(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()

	require.NoError(t, store.PutDelayedTask(&types.DelayedTask{
		Tag: "opchk-r1", Kind: "recheck", ResourceID: "r1",
		InsertDate: now, ExecTime: now.Add(10 * time.Second),
	}))
	// Second insert with the same tag is swallowed.
	require.NoError(t, store.PutDelayedTask(&types.DelayedTask{
		Tag: "opchk-r1", Kind: "recheck", ResourceID: "r1",
		InsertDate: now, ExecTime: now.Add(99 * time.Hour),
	}))

	task, err := store.ClaimDueDelayedTask(now.Add(11 * time.Second))
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, now.Add(10*time.Second).Unix(), task.ExecTime.Unix())

	// The claim deleted the row: nothing left to claim.
	task, err = store.ClaimDueDelayedTask(now.Add(time.Hour))
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestClaimDueDelayedTaskOrder(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()

	require.NoError(t, store.PutDelayedTask(&types.DelayedTask{
		Tag: "b", Kind: "recheck", ExecTime: now.Add(-time.Second),
	}))
	require.NoError(t, store.PutDelayedTask(&types.DelayedTask{
		Tag: "a", Kind: "recheck", ExecTime: now.Add(-time.Minute),
	}))

	task, err := store.ClaimDueDelayedTask(now)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "a", task.Tag, "earliest due task claimed first")
}

func TestUpdateResourceIfConflict(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()

	resource := &types.Resource{
		ID:             "r1",
		PoolID:         "p1",
		State:          types.StatePreparing,
		StateTimestamp: now,
	}
	require.NoError(t, store.CreateResource(resource))

	// A guarded update with the right timestamp succeeds.
	resource.SetState(types.StateUsable, now.Add(time.Second))
	require.NoError(t, store.UpdateResourceIf(resource, now))

	// Replaying the same guard must conflict.
	resource.SetState(types.StateRemovable, now.Add(2*time.Second))
	err := store.UpdateResourceIf(resource, now)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestAssignmentHistory(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()

	require.NoError(t, store.AppendAssignmentHistory(&types.AssignmentHistoryRecord{
		ID: "h1", ResourceID: "r1", PoolID: "p1", User: "alice",
		AssignedAt: now.Add(-time.Hour), ReleasedAt: now,
	}))
	require.NoError(t, store.AppendAssignmentHistory(&types.AssignmentHistoryRecord{
		ID: "h2", ResourceID: "r2", PoolID: "p2", User: "bob",
		AssignedAt: now.Add(-time.Hour), ReleasedAt: now,
	}))

	records, err := store.ListAssignmentHistoryByPool("p1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "alice", records[0].User)
}
