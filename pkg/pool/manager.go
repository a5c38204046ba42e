package pool

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cloudesk/brokerd/pkg/lifecycle"
	"github.com/cloudesk/brokerd/pkg/log"
	"github.com/cloudesk/brokerd/pkg/metrics"
	"github.com/cloudesk/brokerd/pkg/storage"
	"github.com/cloudesk/brokerd/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrPoolExhausted is returned when a pool is at its hard MaxCount cap and
// cannot grow to satisfy the request.
var ErrPoolExhausted = errors.New("pool: exhausted, max count reached")

// ErrNotReady is returned when an assignment was reserved but the resource
// still needs backend work (resume from L2 or a fresh create) before it is
// usable. Callers poll the resource and retry; Assign never blocks.
var ErrNotReady = errors.New("pool: resource not ready yet")

// ErrAccessDenied is returned when the pool does not accept assignments in
// its current administrative state.
var ErrAccessDenied = errors.New("pool: not accepting assignments")

// maxLevelActions bounds the convergence loop of EnsurePoolLevels so a
// miscounted pool can never spin forever within one cycle.
const maxLevelActions = 64

// Manager keeps pools at their policy levels and hands out resources to
// users. All mutations go through the lifecycle machine; the manager itself
// only decides which resource changes and to what.
type Manager struct {
	store   storage.Store
	machine *lifecycle.Machine
	logger  zerolog.Logger
}

func NewManager(store storage.Store, machine *lifecycle.Machine) *Manager {
	return &Manager{
		store:   store,
		machine: machine,
		logger:  log.WithComponent("pool"),
	}
}

// counts splits a pool's live resources into the classes the level math
// cares about. Resources still being built count toward their target level
// so one cycle never over-provisions.
type counts struct {
	l1       int // cached at L1, usable or being built
	l2       int
	assigned int // handed to a user, any state
	total    int // everything not yet on its way out
}

func (m *Manager) countPool(poolID string) (counts, []*types.Resource, error) {
	resources, err := m.store.ListResourcesByPool(poolID)
	if err != nil {
		return counts{}, nil, err
	}
	var c counts
	for _, r := range resources {
		if r.State.Terminal() || r.State == types.StateRemoving ||
			r.State == types.StateCanceling || r.State == types.StateRemovable {
			continue
		}
		c.total++
		switch {
		case r.AssignedUser != "":
			c.assigned++
		case r.CacheLevel == types.CacheL1:
			c.l1++
		case r.CacheLevel == types.CacheL2:
			c.l2++
		}
	}
	return c, resources, nil
}

// EnsurePoolLevels converges one pool toward its policy: grow L1 and L2 up
// to their targets, shrink overflow, never exceed MaxCount. Growth prefers
// promoting a suspended L2 resource over creating a new one; shrink demotes
// the newest L1 resource to L2 when L2 has room, otherwise retires it.
// Returns ErrPoolExhausted when growth is still needed but the cap is hit.
func (m *Manager) EnsurePoolLevels(pool *types.Pool) error {
	if pool.State != types.PoolActive {
		return nil
	}
	policy := pool.Policy

	for i := 0; i < maxLevelActions; i++ {
		c, resources, err := m.countPool(pool.ID)
		if err != nil {
			return err
		}

		l1Overflow := c.l1+c.assigned > policy.MaxCount ||
			(c.l1+c.assigned > policy.InitialCount && c.l1 > policy.CacheL1Target)
		l1Needed := c.l1+c.assigned < policy.MaxCount &&
			(c.l1+c.assigned < policy.InitialCount || c.l1 < policy.CacheL1Target)
		l2Overflow := c.l2 > policy.CacheL2Target
		l2Needed := c.l2 < policy.CacheL2Target

		switch {
		case l1Needed:
			if err := m.growL1(pool, c, resources); err != nil {
				return err
			}
		case l1Overflow && c.l1 > 0:
			if err := m.reduceL1(pool, resources); err != nil {
				return err
			}
		case l2Needed:
			if c.total >= policy.MaxCount {
				return fmt.Errorf("pool %s: growing L2 cache: %w", pool.Name, ErrPoolExhausted)
			}
			if err := m.createCached(pool, types.CacheL2); err != nil {
				return err
			}
		case l2Overflow && c.l2 > 0:
			if err := m.reduceL2(pool, resources); err != nil {
				return err
			}
		default:
			return nil
		}
	}
	lg := log.WithPool(pool.Name)
	lg.Warn().Msg("level convergence did not stabilize in one cycle")
	return nil
}

func (m *Manager) growL1(pool *types.Pool, c counts, resources []*types.Resource) error {
	// A warm L2 resource is cheaper to promote than a fresh create.
	if l2 := pickCached(resources, types.CacheL2, oldestFirst); l2 != nil {
		l2.CacheLevel = types.CacheL1
		return m.machine.StartMove(l2, types.CacheL1)
	}
	if c.total >= pool.Policy.MaxCount {
		return fmt.Errorf("pool %s: growing L1 cache: %w", pool.Name, ErrPoolExhausted)
	}
	return m.createCached(pool, types.CacheL1)
}

func (m *Manager) reduceL1(pool *types.Pool, resources []*types.Resource) error {
	// The newest L1 resource is demoted: the oldest ones are the ones users
	// get next, so they stay warm.
	r := pickCached(resources, types.CacheL1, newestFirst)
	if r == nil {
		return nil
	}
	if countLevel(resources, types.CacheL2) < pool.Policy.CacheL2Target {
		r.CacheLevel = types.CacheL2
		return m.machine.StartMove(r, types.CacheL2)
	}
	return m.MarkRemovable(r)
}

func (m *Manager) reduceL2(pool *types.Pool, resources []*types.Resource) error {
	r := pickCached(resources, types.CacheL2, oldestFirst)
	if r == nil {
		return nil
	}
	return m.MarkRemovable(r)
}

func (m *Manager) createCached(pool *types.Pool, level types.CacheLevel) error {
	r := m.newResource(pool)
	r.CacheLevel = level
	if err := m.store.CreateResource(r); err != nil {
		return err
	}
	lg := log.WithPool(pool.Name)
	lg.Info().Str("resource_id", r.ID).
		Int("cache_level", int(level)).Msg("provisioning cached resource")
	return m.machine.StartCreate(r, level)
}

func (m *Manager) newResource(pool *types.Pool) *types.Resource {
	id := uuid.New().String()
	now := time.Now()
	return &types.Resource{
		ID:             id,
		PoolID:         pool.ID,
		Name:           pool.Name + "-" + id[:8],
		State:          types.StatePreparing,
		StateTimestamp: now,
		CreatedAt:      now,
	}
}

// Assign hands a usable resource from the pool to a user. Preference order:
// the user's existing assignment, the oldest idle L1 resource, a reserved L2
// resource (resumed first, ErrNotReady), an on-demand create under the cap
// (ErrNotReady). When ErrNotReady is returned the resource is already
// reserved for the user; callers poll it by id. Never blocks on the backend.
func (m *Manager) Assign(pool *types.Pool, user, srcIP, srcHostname string) (*types.Resource, error) {
	if pool.State != types.PoolActive {
		return nil, fmt.Errorf("pool %s: %w", pool.Name, ErrAccessDenied)
	}

	c, resources, err := m.countPool(pool.ID)
	if err != nil {
		return nil, err
	}

	// A user keeps their assignment across repeated requests.
	for _, r := range resources {
		if r.AssignedUser == user && !r.State.Terminal() &&
			r.State != types.StateRemoving && r.State != types.StateCanceling {
			r.InUse = true
			r.SrcIP = srcIP
			r.SrcHostname = srcHostname
			if err := m.store.UpdateResource(r); err != nil {
				return nil, err
			}
			metrics.AssignmentsTotal.WithLabelValues("existing").Inc()
			return r, nil
		}
	}

	// Oldest-idle first so resources age evenly and stale ones surface to
	// maintenance sooner. Reservation is a guarded update: losing the race
	// to another broker node just means trying the next candidate.
	for _, r := range usableCached(resources, types.CacheL1, oldestFirst) {
		expected := r.StateTimestamp
		r.AssignedUser = user
		r.CacheLevel = types.CacheNone
		r.InUse = true
		r.SrcIP = srcIP
		r.SrcHostname = srcHostname
		r.SetState(types.StateUsable, time.Now())
		if err := m.store.UpdateResourceIf(r, expected); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				continue
			}
			return nil, err
		}
		metrics.AssignmentsTotal.WithLabelValues("hit").Inc()
		return r, nil
	}

	for _, r := range usableCached(resources, types.CacheL2, oldestFirst) {
		expected := r.StateTimestamp
		r.AssignedUser = user
		r.CacheLevel = types.CacheNone
		r.SrcIP = srcIP
		r.SrcHostname = srcHostname
		r.SetState(types.StateUsable, time.Now())
		if err := m.store.UpdateResourceIf(r, expected); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				continue
			}
			return nil, err
		}
		if err := m.machine.StartMove(r, types.CacheL1); err != nil {
			return nil, err
		}
		metrics.AssignmentsTotal.WithLabelValues("resume").Inc()
		return r, ErrNotReady
	}

	if c.total < pool.Policy.MaxCount {
		r := m.newResource(pool)
		r.AssignedUser = user
		r.SrcIP = srcIP
		r.SrcHostname = srcHostname
		if err := m.store.CreateResource(r); err != nil {
			return nil, err
		}
		m.logger.Info().Str("pool", pool.Name).Str("resource_id", r.ID).
			Str("user", user).Msg("on-demand create for assignment")
		if err := m.machine.StartCreate(r, types.CacheL1); err != nil {
			return nil, err
		}
		if r.State == types.StateUsable {
			// Synchronous backends finish the whole queue in one pass.
			metrics.AssignmentsTotal.WithLabelValues("created").Inc()
			return r, nil
		}
		metrics.AssignmentsTotal.WithLabelValues("created").Inc()
		return r, ErrNotReady
	}

	metrics.AssignmentsTotal.WithLabelValues("exhausted").Inc()
	return nil, fmt.Errorf("pool %s: %w", pool.Name, ErrPoolExhausted)
}

// ForcedMoveToCache takes an assigned resource away from its user and parks
// it back in the cache at the given level. The assignment itself survives as
// an immutable history record; the live row is cleared and reused.
func (m *Manager) ForcedMoveToCache(r *types.Resource, level types.CacheLevel) error {
	if r.AssignedUser != "" {
		if err := m.recordAssignment(r); err != nil {
			return err
		}
	}
	r.AssignedUser = ""
	r.InUse = false
	r.SrcIP = ""
	r.SrcHostname = ""
	r.CacheLevel = level
	m.logger.Info().Str("resource_id", r.ID).Int("cache_level", int(level)).
		Msg("recycling assigned resource back to cache")
	return m.machine.StartMove(r, level)
}

func (m *Manager) recordAssignment(r *types.Resource) error {
	return m.store.AppendAssignmentHistory(&types.AssignmentHistoryRecord{
		ID:          uuid.New().String(),
		ResourceID:  r.ID,
		PoolID:      r.PoolID,
		User:        r.AssignedUser,
		UniqueID:    r.UniqueID,
		SrcIP:       r.SrcIP,
		SrcHostname: r.SrcHostname,
		AssignedAt:  r.StateTimestamp,
		ReleasedAt:  time.Now(),
	})
}

// MarkRemovable queues a resource for retirement without dispatching any
// backend work. The remover sweep drains removable resources in bounded
// batches, so non-urgent retires (cache shrink, pool retirement) go through
// here instead of removing immediately. A resource still being built is
// canceled instead; departing resources are left alone.
func (m *Manager) MarkRemovable(r *types.Resource) error {
	switch r.State {
	case types.StateRemovable, types.StateRemoving, types.StateCanceling, types.StateRemoved:
		return nil
	case types.StatePreparing:
		return m.machine.Cancel(r)
	}
	if r.AssignedUser != "" {
		if err := m.recordAssignment(r); err != nil {
			return err
		}
		r.AssignedUser = ""
		r.InUse = false
		r.SrcIP = ""
		r.SrcHostname = ""
	}
	r.CacheLevel = types.CacheNone
	r.SetState(types.StateRemovable, time.Now())
	m.logger.Info().Str("resource_id", r.ID).Msg("marked removable")
	return m.store.UpdateResource(r)
}

// ReleaseOrCancel retires a resource. One that never finished building gets
// its queue canceled; a finished one gets the regular removal queue. Safe to
// call repeatedly: already-departing resources are left alone.
func (m *Manager) ReleaseOrCancel(r *types.Resource) error {
	switch r.State {
	case types.StateRemoved, types.StateRemoving, types.StateCanceling:
		return nil
	case types.StatePreparing:
		return m.machine.Cancel(r)
	default:
		if r.AssignedUser != "" {
			if err := m.recordAssignment(r); err != nil {
				return err
			}
		}
		return m.machine.StartRemoval(r)
	}
}

// EnsureAllPoolLevels runs the level convergence over every active pool.
// Per-pool failures are logged and do not stop the sweep; an exhausted pool
// is expected steady-state, not a fault.
func (m *Manager) EnsureAllPoolLevels() error {
	pools, err := m.store.ListPools()
	if err != nil {
		return err
	}
	for _, p := range pools {
		if err := m.EnsurePoolLevels(p); err != nil {
			if errors.Is(err, ErrPoolExhausted) {
				m.logger.Debug().Str("pool", p.Name).Msg("pool at capacity")
				continue
			}
			m.logger.Error().Err(err).Str("pool", p.Name).Msg("converging pool levels")
		}
	}
	return nil
}

type order int

const (
	oldestFirst order = iota
	newestFirst
)

// usableCached returns the pool's idle cached resources at one level,
// sorted by state age.
func usableCached(resources []*types.Resource, level types.CacheLevel, ord order) []*types.Resource {
	var out []*types.Resource
	for _, r := range resources {
		if r.State == types.StateUsable && r.CacheLevel == level &&
			r.AssignedUser == "" && len(r.Queue) == 0 {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if ord == oldestFirst {
			return out[i].StateTimestamp.Before(out[j].StateTimestamp)
		}
		return out[i].StateTimestamp.After(out[j].StateTimestamp)
	})
	return out
}

func pickCached(resources []*types.Resource, level types.CacheLevel, ord order) *types.Resource {
	candidates := usableCached(resources, level, ord)
	if len(candidates) == 0 {
		return nil
	}
	return candidates[0]
}

func countLevel(resources []*types.Resource, level types.CacheLevel) int {
	n := 0
	for _, r := range resources {
		if r.CacheLevel == level && r.AssignedUser == "" && !r.State.Terminal() &&
			r.State != types.StateRemoving && r.State != types.StateCanceling {
			n++
		}
	}
	return n
}
