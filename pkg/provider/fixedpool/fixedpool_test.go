package fixedpool

import (
	"testing"
	"time"

	"github.com/cloudesk/brokerd/pkg/lifecycle"
	"github.com/cloudesk/brokerd/pkg/log"
	"github.com/cloudesk/brokerd/pkg/scheduler"
	"github.com/cloudesk/brokerd/pkg/storage"
	"github.com/cloudesk/brokerd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

func TestClaimAndRelease(t *testing.T) {
	p := New("fixed", []string{"vm-01", "vm-02"})

	a := &types.Resource{ID: "r1"}
	b := &types.Resource{ID: "r2"}
	require.NoError(t, p.claim(a))
	require.NoError(t, p.claim(b))

	assert.Equal(t, "vm-01", a.UniqueID)
	assert.Equal(t, "vm-02", b.UniqueID)
	assert.Equal(t, 0, p.FreeCount())

	// Pool is full: the next create must fail, not double-book.
	c := &types.Resource{ID: "r3"}
	assert.Error(t, p.claim(c))

	p.release(a)
	assert.Equal(t, 1, p.FreeCount())
	require.NoError(t, p.claim(c))
	assert.Equal(t, "vm-01", c.UniqueID, "freed slot is reused")
}

func TestReleaseIgnoresStaleClaim(t *testing.T) {
	p := New("fixed", []string{"vm-01"})

	a := &types.Resource{ID: "r1"}
	require.NoError(t, p.claim(a))

	// A stale row pointing at the same machine must not free r1's claim.
	stale := &types.Resource{ID: "r0", UniqueID: "vm-01"}
	p.release(stale)
	assert.Equal(t, 0, p.FreeCount())

	p.release(a)
	assert.Equal(t, 1, p.FreeCount())
}

func TestReattachRebuildsClaims(t *testing.T) {
	p := New("fixed", []string{"vm-01", "vm-02", "vm-03"})

	p.Reattach([]*types.Resource{
		{ID: "r1", UniqueID: "vm-01", State: types.StateUsable},
		{ID: "r2", UniqueID: "vm-02", State: types.StateRemoved}, // gone, slot free
		{ID: "r3", State: types.StatePreparing},                  // never claimed
	})

	assert.Equal(t, 2, p.FreeCount())
}

func TestDestroyFreesSlot(t *testing.T) {
	p := New("fixed", []string{"vm-01"})
	a := &types.Resource{ID: "r1"}
	require.NoError(t, p.claim(a))

	require.NoError(t, p.Destroy(a))
	assert.Equal(t, 1, p.FreeCount())
}

func TestFullLifecycleThroughMachine(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	runner := scheduler.NewDelayedRunner(store, 10*time.Millisecond)
	machine := lifecycle.NewMachine(store, runner)
	p := New("fixed", []string{"vm-01"})
	require.NoError(t, machine.RegisterProvider(p))

	require.NoError(t, store.CreatePool(&types.Pool{
		ID: "p1", Name: "desktops", Provider: "fixed",
		Policy: types.PoolPolicy{MaxCount: 1}, State: types.PoolActive,
	}))

	r := &types.Resource{ID: "r1", PoolID: "p1", State: types.StatePreparing, StateTimestamp: time.Now()}
	require.NoError(t, store.CreateResource(r))

	require.NoError(t, machine.StartCreate(r, types.CacheL1))
	assert.Equal(t, types.StateUsable, r.State)
	assert.Equal(t, "vm-01", r.UniqueID)
	assert.Equal(t, 0, p.FreeCount())

	require.NoError(t, machine.StartRemoval(r))
	assert.Equal(t, types.StateRemoved, r.State)
	assert.Equal(t, 1, p.FreeCount())
}
