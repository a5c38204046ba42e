package lifecycle

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cloudesk/brokerd/pkg/log"
	"github.com/cloudesk/brokerd/pkg/metrics"
	"github.com/cloudesk/brokerd/pkg/scheduler"
	"github.com/cloudesk/brokerd/pkg/storage"
	"github.com/cloudesk/brokerd/pkg/types"
	"github.com/rs/zerolog"
)

// RecheckKind is the delayed-task kind the machine registers for polling
// in-flight operations.
const RecheckKind = "op-recheck"

const recheckTagPrefix = "opchk-"

// Standard queue templates. The goal of a queue, not its content, decides
// the state a resource lands in when the queue drains.
var (
	createQueue   = []types.Operation{types.OpCreate, types.OpCreateCompleted, types.OpStart, types.OpFinish}
	createL2Queue = []types.Operation{types.OpCreate, types.OpCreateCompleted, types.OpStart, types.OpSuspend, types.OpFinish}
	removeQueue   = []types.Operation{types.OpStop, types.OpRemove, types.OpFinish}
	cancelQueue   = []types.Operation{types.OpDestroyValidate, types.OpRemove, types.OpFinish}
	moveToL1Queue = []types.Operation{types.OpResume, types.OpFinish}
	moveToL2Queue = []types.Operation{types.OpSuspend, types.OpFinish}
)

// Machine drives resources through their operation queues. Within one
// resource operations execute strictly in order and never concurrently:
// the machine is only entered for a resource when its pending re-check is
// due, and a RUNNING checker always parks the resource behind a new
// delayed task instead of blocking.
type Machine struct {
	store   storage.Store
	delayed *scheduler.DelayedRunner
	logger  zerolog.Logger

	mu     sync.RWMutex
	tables map[string]*dispatchTable
}

// NewMachine creates the state machine and registers its re-check handler
// with the delayed runner.
func NewMachine(store storage.Store, delayed *scheduler.DelayedRunner) *Machine {
	m := &Machine{
		store:   store,
		delayed: delayed,
		logger:  log.WithComponent("lifecycle"),
		tables:  make(map[string]*dispatchTable),
	}
	delayed.HandleKind(RecheckKind, m.handleRecheck)
	return m
}

// RegisterProvider resolves and validates a provider's dispatch table.
func (m *Machine) RegisterProvider(p Provider) error {
	table, err := resolveTable(p)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.tables[p.Name()]; dup {
		return fmt.Errorf("provider %s already registered", p.Name())
	}
	m.tables[p.Name()] = table
	return nil
}

func (m *Machine) tableFor(r *types.Resource) (*dispatchTable, error) {
	pool, err := m.store.GetPool(r.PoolID)
	if err != nil {
		return nil, fmt.Errorf("resolving pool for resource %s: %w", r.ID, err)
	}
	m.mu.RLock()
	table, ok := m.tables[pool.Provider]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no provider %q registered for pool %s", pool.Provider, pool.ID)
	}
	return table, nil
}

// StartCreate puts a fresh create queue on the resource and dispatches it.
// L2 targets get the suspend-terminated variant so the machine parks them
// cheaply once built.
func (m *Machine) StartCreate(r *types.Resource, level types.CacheLevel) error {
	queue := createQueue
	if level == types.CacheL2 {
		queue = createL2Queue
	}
	m.setQueue(r, queue, types.GoalCreate)
	r.SetState(types.StatePreparing, time.Now())
	return m.Advance(r)
}

// StartRemoval replaces the resource's queue with the removal template.
func (m *Machine) StartRemoval(r *types.Resource) error {
	m.setQueue(r, removeQueue, types.GoalRemove)
	r.SetState(types.StateRemoving, time.Now())
	return m.Advance(r)
}

// StartMove enqueues the cache-level transition queue (resume for L1,
// suspend for L2). The level itself is applied by the caller; the machine
// only runs the backend work.
func (m *Machine) StartMove(r *types.Resource, level types.CacheLevel) error {
	queue := moveToL1Queue
	if level == types.CacheL2 {
		queue = moveToL2Queue
	}
	m.setQueue(r, queue, types.GoalMove)
	return m.Advance(r)
}

// Cancel aborts whatever the resource's queue is doing by replacing it with
// a destroy-validate/remove pair. Cancellation is always a queue edit,
// never a direct state bypass. Idempotent on already-removed resources.
func (m *Machine) Cancel(r *types.Resource) error {
	if r.State == types.StateRemoved || r.State == types.StateCanceling {
		return nil
	}
	m.setQueue(r, cancelQueue, types.GoalRemove)
	r.SetState(types.StateCanceling, time.Now())
	return m.Advance(r)
}

func (m *Machine) setQueue(r *types.Resource, queue []types.Operation, goal types.QueueGoal) {
	r.Queue = append([]types.Operation(nil), queue...)
	r.QueueGoal = goal
	r.OpDispatched = false
}

// Advance executes one step of the resource's queue: dispatch the head
// operation if it has not been handed to the backend yet, then poll its
// checker. A finished operation immediately tries the next one, so a queue
// of cheap operations drains in a single pass. A still-running operation
// parks the resource behind a delayed re-check. Errors are absorbed into
// the resource state and never returned as advance failures.
func (m *Machine) Advance(r *types.Resource) error {
	table, err := m.tableFor(r)
	if err != nil {
		return err
	}

	for {
		op := r.CurrentOp()

		if op == types.OpFinish {
			if len(r.Queue) > 0 {
				r.Queue = r.Queue[1:]
				continue
			}
			return m.resolveDrained(r)
		}
		if op == types.OpNop {
			r.Queue = r.Queue[1:]
			r.OpDispatched = false
			continue
		}

		handler, ok := table.ops[op]
		if !ok {
			return m.fail(r, fmt.Sprintf("operation %s not supported by provider %s", op, table.provider.Name()))
		}

		if !r.OpDispatched {
			if err := safeRun(handler.Run, r); err != nil {
				return m.fail(r, fmt.Sprintf("%s: %v", op, err))
			}
			r.OpDispatched = true
			metrics.OperationsDispatched.WithLabelValues(string(op)).Inc()
		}

		state, err := safeCheck(handler.Check, r)
		if err != nil {
			return m.fail(r, fmt.Sprintf("%s check: %v", op, err))
		}

		switch state {
		case types.CheckRunning:
			if err := m.scheduleRecheck(r, table.interval); err != nil {
				return err
			}
			return m.store.UpdateResource(r)

		case types.CheckFinished:
			r.Queue = r.Queue[1:]
			r.OpDispatched = false
			if handler.Completed != nil {
				if err := safeRun(handler.Completed, r); err != nil {
					return m.fail(r, fmt.Sprintf("%s completed: %v", op, err))
				}
			}
			// Keep draining within the same call.

		default:
			return m.fail(r, fmt.Sprintf("%s: backend reported failure", op))
		}
	}
}

// resolveDrained maps an empty queue to the state its goal promises.
func (m *Machine) resolveDrained(r *types.Resource) error {
	now := time.Now()
	switch r.QueueGoal {
	case types.GoalRemove:
		r.SetState(types.StateRemoved, now)
	case types.GoalCreate:
		if r.DestroyAfter {
			// Marked for retirement while still being built: remove it
			// now that the backend finished creating it.
			r.DestroyAfter = false
			m.logger.Info().Str("resource_id", r.ID).Msg("destroy-after set, retiring freshly built resource")
			return m.StartRemoval(r)
		}
		r.SetState(types.StateUsable, now)
		r.OSState = types.StateUsable
	case types.GoalMove:
		r.SetState(types.StateUsable, now)
	}
	r.QueueGoal = types.GoalNone
	r.OpDispatched = false
	return m.store.UpdateResource(r)
}

// fail discards the queue and absorbs the error into the resource row.
func (m *Machine) fail(r *types.Resource, reason string) error {
	logger := log.WithResource(r.ID)
	logger.Error().Str("reason", reason).Msg("operation failed")
	metrics.OperationErrors.WithLabelValues(string(r.CurrentOp())).Inc()

	r.Queue = nil
	r.QueueGoal = types.GoalNone
	r.OpDispatched = false
	r.LastErrorReason = reason
	r.SetState(types.StateError, time.Now())

	if err := m.delayed.Remove(recheckTag(r.ID)); err != nil {
		logger.Warn().Err(err).Msg("removing pending re-check")
	}
	return m.store.UpdateResource(r)
}

func (m *Machine) scheduleRecheck(r *types.Resource, interval time.Duration) error {
	exists, err := m.delayed.Exists(recheckTag(r.ID))
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	metrics.RechecksScheduled.Inc()
	return m.delayed.Schedule(recheckTag(r.ID), RecheckKind, r.ID, interval)
}

// ForceDestroy bypasses the queue and tells the backend to tear the
// resource down directly. Only last-resort maintenance sweeps use it; the
// normal path is always a removal queue.
func (m *Machine) ForceDestroy(r *types.Resource) error {
	table, err := m.tableFor(r)
	if err != nil {
		return err
	}
	return table.provider.Destroy(r)
}

// handleRecheck is the delayed-task entry point: reload the resource and
// take another step. A resource deleted in the meantime is not an error.
func (m *Machine) handleRecheck(task *types.DelayedTask) error {
	r, err := m.store.GetResource(task.ResourceID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			m.logger.Debug().Str("resource_id", task.ResourceID).Msg("re-check for deleted resource")
			return nil
		}
		return err
	}
	return m.Advance(r)
}

func recheckTag(resourceID string) string {
	return recheckTagPrefix + resourceID
}

// safeRun converts a panicking backend handler into an error.
func safeRun(fn func(*types.Resource) error, r *types.Resource) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return fn(r)
}

func safeCheck(fn func(*types.Resource) (types.CheckState, error), r *types.Resource) (state types.CheckState, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			state = types.CheckError
			err = fmt.Errorf("checker panic: %v", rec)
		}
	}()
	state, err = fn(r)
	if err == nil && state == types.CheckError {
		err = errors.New("checker reported error")
	}
	return state, err
}
