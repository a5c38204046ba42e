package maintenance

import (
	"sort"
	"time"

	"github.com/cloudesk/brokerd/pkg/config"
	"github.com/cloudesk/brokerd/pkg/lifecycle"
	"github.com/cloudesk/brokerd/pkg/log"
	"github.com/cloudesk/brokerd/pkg/metrics"
	"github.com/cloudesk/brokerd/pkg/pool"
	"github.com/cloudesk/brokerd/pkg/storage"
	"github.com/cloudesk/brokerd/pkg/types"
	"github.com/rs/zerolog"
)

// deps bundles what every sweep needs.
type deps struct {
	store      storage.Store
	machine    *lifecycle.Machine
	manager    *pool.Manager
	thresholds config.Thresholds
	logger     zerolog.Logger
}

func newDeps(store storage.Store, machine *lifecycle.Machine, manager *pool.Manager, th config.Thresholds, component string) deps {
	return deps{
		store:      store,
		machine:    machine,
		manager:    manager,
		thresholds: th,
		logger:     log.WithComponent(component),
	}
}

// HangedCleaner releases resources whose backend operation wedged: stuck
// preparing past the initializing timeout, or stuck removing/canceling past
// the removal timeout. Mid-removal resources get their queue restarted
// rather than abandoned.
type HangedCleaner struct {
	deps
}

func NewHangedCleaner(store storage.Store, machine *lifecycle.Machine, manager *pool.Manager, th config.Thresholds) *HangedCleaner {
	return &HangedCleaner{newDeps(store, machine, manager, th, "hanged-cleaner")}
}

func (c *HangedCleaner) Name() string { return "hanged-cleaner" }

func (c *HangedCleaner) Run() error {
	resources, err := c.store.ListResources()
	if err != nil {
		return err
	}
	now := time.Now()
	for _, r := range resources {
		age := now.Sub(r.StateTimestamp)
		switch r.State {
		case types.StatePreparing:
			if age > c.thresholds.InitializingTimeout.D() {
				c.logger.Warn().Str("resource_id", r.ID).Dur("age", age).
					Msg("stuck preparing, force releasing")
				metrics.ResourcesForceReleased.Inc()
				if err := c.manager.ReleaseOrCancel(r); err != nil {
					c.logger.Error().Err(err).Str("resource_id", r.ID).Msg("releasing hung resource")
				}
			}
		case types.StateRemoving, types.StateCanceling:
			if age > c.thresholds.RemovalTimeout.D() {
				c.logger.Warn().Str("resource_id", r.ID).Dur("age", age).
					Msg("removal wedged, restarting removal queue")
				if err := c.machine.StartRemoval(r); err != nil {
					c.logger.Error().Err(err).Str("resource_id", r.ID).Msg("restarting removal")
				}
			}
		}
	}
	return nil
}

// StuckCleaner is the last-resort safety valve: anything non-terminal that
// has not been usable for an extreme duration is destroyed directly and
// deleted, bypassing the queue contract on purpose.
type StuckCleaner struct {
	deps
}

func NewStuckCleaner(store storage.Store, machine *lifecycle.Machine, manager *pool.Manager, th config.Thresholds) *StuckCleaner {
	return &StuckCleaner{newDeps(store, machine, manager, th, "stuck-cleaner")}
}

func (c *StuckCleaner) Name() string { return "stuck-cleaner" }

func (c *StuckCleaner) Run() error {
	resources, err := c.store.ListResources()
	if err != nil {
		return err
	}
	now := time.Now()
	for _, r := range resources {
		if r.State.Terminal() || r.State == types.StateUsable {
			continue
		}
		age := now.Sub(r.StateTimestamp)
		if age <= c.thresholds.StuckTimeout.D() {
			continue
		}
		c.logger.Warn().Str("resource_id", r.ID).Str("pool", r.PoolID).
			Str("state", string(r.State)).Dur("age", age).Str("unique_id", r.UniqueID).
			Msg("hard deleting stuck resource")
		if err := c.machine.ForceDestroy(r); err != nil {
			// Best effort; the row goes regardless so the pool can recover.
			c.logger.Error().Err(err).Str("resource_id", r.ID).Msg("backend destroy failed")
		}
		if err := c.store.DeleteResource(r.ID); err != nil {
			c.logger.Error().Err(err).Str("resource_id", r.ID).Msg("deleting stuck resource row")
			continue
		}
		metrics.ResourcesHardDeleted.Inc()
	}
	return nil
}

// AssignedAndUnused releases desktops their user walked away from. Pools
// with RecycleOnLogout park the machine back in cache; others retire it.
type AssignedAndUnused struct {
	deps
}

func NewAssignedAndUnused(store storage.Store, machine *lifecycle.Machine, manager *pool.Manager, th config.Thresholds) *AssignedAndUnused {
	return &AssignedAndUnused{newDeps(store, machine, manager, th, "assigned-unused")}
}

func (c *AssignedAndUnused) Name() string { return "assigned-and-unused" }

func (c *AssignedAndUnused) Run() error {
	resources, err := c.store.ListResources()
	if err != nil {
		return err
	}
	now := time.Now()
	for _, r := range resources {
		if r.AssignedUser == "" || r.InUse || r.State != types.StateUsable {
			continue
		}
		if now.Sub(r.StateTimestamp) <= c.thresholds.UnusedTimeout.D() {
			continue
		}
		p, err := c.store.GetPool(r.PoolID)
		if err != nil {
			c.logger.Error().Err(err).Str("resource_id", r.ID).Msg("resolving pool")
			continue
		}
		c.logger.Info().Str("resource_id", r.ID).Str("user", r.AssignedUser).
			Bool("recycle", p.RecycleOnLogout).Msg("releasing idle assignment")
		if p.RecycleOnLogout {
			err = c.manager.ForcedMoveToCache(r, types.CacheL1)
		} else {
			err = c.manager.ReleaseOrCancel(r)
		}
		if err != nil {
			c.logger.Error().Err(err).Str("resource_id", r.ID).Msg("releasing idle assignment")
		}
	}
	return nil
}

// PoolRetirer drains pools an operator put into the removing state: every
// live resource is marked removable (assigned ones lose their user, with an
// audit record), and once nothing live remains the pool row itself is
// deleted. The remover sweep does the actual backend teardown, so retiring
// a large pool never floods the backend in one cycle.
type PoolRetirer struct {
	deps
}

func NewPoolRetirer(store storage.Store, machine *lifecycle.Machine, manager *pool.Manager, th config.Thresholds) *PoolRetirer {
	return &PoolRetirer{newDeps(store, machine, manager, th, "pool-retirer")}
}

func (c *PoolRetirer) Name() string { return "pool-retirer" }

func (c *PoolRetirer) Run() error {
	pools, err := c.store.ListPools()
	if err != nil {
		return err
	}
	for _, p := range pools {
		if p.State != types.PoolRemoving {
			continue
		}
		resources, err := c.store.ListResourcesByPool(p.ID)
		if err != nil {
			return err
		}
		live := 0
		for _, r := range resources {
			if r.State.Terminal() {
				continue
			}
			live++
			if r.State == types.StateRemovable || r.State == types.StateRemoving ||
				r.State == types.StateCanceling {
				continue
			}
			if err := c.manager.MarkRemovable(r); err != nil {
				c.logger.Error().Err(err).Str("resource_id", r.ID).Msg("retiring pool resource")
			}
		}
		if live == 0 {
			c.logger.Info().Str("pool", p.Name).Msg("retired pool fully drained, deleting")
			if err := c.store.DeletePool(p.ID); err != nil {
				c.logger.Error().Err(err).Str("pool", p.Name).Msg("deleting retired pool")
			}
		}
	}
	return nil
}

// Remover dispatches removal queues for resources already marked REMOVABLE,
// oldest first, capped per run so one sweep cannot flood the backend.
type Remover struct {
	deps
}

func NewRemover(store storage.Store, machine *lifecycle.Machine, manager *pool.Manager, th config.Thresholds) *Remover {
	return &Remover{newDeps(store, machine, manager, th, "remover")}
}

func (c *Remover) Name() string { return "resource-remover" }

func (c *Remover) Run() error {
	resources, err := c.store.ListResources()
	if err != nil {
		return err
	}
	var removable []*types.Resource
	for _, r := range resources {
		if r.State == types.StateRemovable {
			removable = append(removable, r)
		}
	}
	sort.Slice(removable, func(i, j int) bool {
		return removable[i].StateTimestamp.Before(removable[j].StateTimestamp)
	})
	if len(removable) > c.thresholds.RemovalBatchSize {
		removable = removable[:c.thresholds.RemovalBatchSize]
	}
	for _, r := range removable {
		if err := c.machine.StartRemoval(r); err != nil {
			c.logger.Error().Err(err).Str("resource_id", r.ID).Msg("dispatching removal")
		}
	}
	return nil
}

// InfoCleaner purges removed and errored rows once their grace period
// lapses. The grace window keeps recent failures inspectable by operators.
type InfoCleaner struct {
	deps
}

func NewInfoCleaner(store storage.Store, machine *lifecycle.Machine, manager *pool.Manager, th config.Thresholds) *InfoCleaner {
	return &InfoCleaner{newDeps(store, machine, manager, th, "info-cleaner")}
}

func (c *InfoCleaner) Name() string { return "info-cleaner" }

func (c *InfoCleaner) Run() error {
	resources, err := c.store.ListResources()
	if err != nil {
		return err
	}
	now := time.Now()
	for _, r := range resources {
		if r.State != types.StateRemoved && r.State != types.StateError {
			continue
		}
		if now.Sub(r.StateTimestamp) <= c.thresholds.KeepInfoTime.D() {
			continue
		}
		if err := c.store.DeleteResource(r.ID); err != nil {
			c.logger.Error().Err(err).Str("resource_id", r.ID).Msg("purging removed row")
		}
	}
	return nil
}

// PoolLevels converges every pool toward its policy each cycle.
type PoolLevels struct {
	deps
}

func NewPoolLevels(store storage.Store, machine *lifecycle.Machine, manager *pool.Manager, th config.Thresholds) *PoolLevels {
	return &PoolLevels{newDeps(store, machine, manager, th, "pool-levels")}
}

func (c *PoolLevels) Name() string { return "pool-levels" }

func (c *PoolLevels) Run() error {
	return c.manager.EnsureAllPoolLevels()
}
