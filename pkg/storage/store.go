package storage

import (
	"errors"
	"time"

	"github.com/cloudesk/brokerd/pkg/types"
)

// ErrConflict is returned by guarded updates when the row changed underneath
// the caller. Callers re-read and retry or give up the cycle.
var ErrConflict = errors.New("storage: conflicting concurrent update")

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("storage: not found")

// Store defines the interface for the shared broker state storage.
// All cross-node coordination happens through the conditional operations
// here (ClaimJob, ClaimDueDelayedTask, UpdateResourceIf); nothing in the
// engine holds long-lived locks.
type Store interface {
	// Scheduled jobs
	RegisterJob(job *types.ScheduledJob) error // idempotent; re-registration updates frequency, not ownership
	GetJob(name string) (*types.ScheduledJob, error)
	ListJobs() ([]*types.ScheduledJob, error)
	DueJobs(now time.Time) ([]*types.ScheduledJob, error) // ready and due, ordered by NextExecution
	ClaimJob(name, node string, now time.Time, lease time.Duration) (bool, error)
	ReleaseJob(name string, next time.Time) error
	ReleaseJobsOwnedBy(node string, now time.Time) error

	// Delayed one-off tasks
	PutDelayedTask(task *types.DelayedTask) error // no-op if the tag already has a pending task
	DelayedTaskExists(tag string) (bool, error)
	RemoveDelayedTask(tag string) error
	ClaimDueDelayedTask(now time.Time) (*types.DelayedTask, error) // nil when none due; claim is by atomic delete

	// Resources
	CreateResource(resource *types.Resource) error
	GetResource(id string) (*types.Resource, error)
	ListResources() ([]*types.Resource, error)
	ListResourcesByPool(poolID string) ([]*types.Resource, error)
	UpdateResource(resource *types.Resource) error
	UpdateResourceIf(resource *types.Resource, expectedStateTimestamp time.Time) error
	DeleteResource(id string) error

	// Pools
	CreatePool(pool *types.Pool) error
	GetPool(id string) (*types.Pool, error)
	GetPoolByName(name string) (*types.Pool, error)
	ListPools() ([]*types.Pool, error)
	UpdatePool(pool *types.Pool) error
	DeletePool(id string) error

	// Assignment history
	AppendAssignmentHistory(rec *types.AssignmentHistoryRecord) error
	ListAssignmentHistoryByPool(poolID string) ([]*types.AssignmentHistoryRecord, error)

	// Utility
	Close() error
}
