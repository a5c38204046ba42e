package types

import (
	"time"
)

// ScheduledJob is the shared-store row coordinating one named periodic job
// across all broker nodes. At most one node owns it at a time; claiming and
// releasing are atomic conditional updates performed by the storage layer.
type ScheduledJob struct {
	Name          string
	Frequency     time.Duration
	LastExecution time.Time
	NextExecution time.Time
	OwnerNode     string // empty when unclaimed
	State         JobState
	LeaseExpiry   time.Time // a RUNNING claim past this point may be reclaimed
}

// JobState represents the claim state of a scheduled job
type JobState string

const (
	JobStateReady   JobState = "ready"
	JobStateRunning JobState = "running"
)

// DelayedTask is a one-off follow-up registered by the state machine
// (for example "re-check resource X in 30 seconds"). Tasks are claimed with
// the same discipline as jobs but deleted after one successful run.
type DelayedTask struct {
	Tag        string // unique; at most one pending task per tag
	Kind       string // routes to a registered handler
	ResourceID string
	InsertDate time.Time
	ExecTime   time.Time
}

// Resource is the provisioned unit: a deployed desktop or a published
// template, regardless of which backend provider created it.
type Resource struct {
	ID              string
	PoolID          string
	Name            string
	State           ResourceState
	OSState         ResourceState // in-guest readiness sub-state
	StateTimestamp  time.Time
	CacheLevel      CacheLevel
	InUse           bool
	AssignedUser    string // non-empty only when CacheLevel is CacheNone
	SrcIP           string
	SrcHostname     string
	UniqueID        string // backend handle (MAC, VM id, ...)
	Queue           []Operation
	QueueGoal       QueueGoal
	OpDispatched    bool // head of queue already handed to the backend
	LastErrorReason string
	DestroyAfter    bool // retire as soon as the create queue drains
	CreatedAt       time.Time
}

// CurrentOp returns the head of the operation queue, or OpFinish when the
// queue is empty.
func (r *Resource) CurrentOp() Operation {
	if len(r.Queue) == 0 {
		return OpFinish
	}
	return r.Queue[0]
}

// SetState updates the state and its timestamp together.
func (r *Resource) SetState(s ResourceState, now time.Time) {
	r.State = s
	r.StateTimestamp = now
}

// ResourceState represents the lifecycle state of a resource
type ResourceState string

const (
	StatePreparing ResourceState = "preparing"
	StateUsable    ResourceState = "usable"
	StateRemovable ResourceState = "removable"
	StateRemoving  ResourceState = "removing"
	StateCanceling ResourceState = "canceling"
	StateRemoved   ResourceState = "removed"
	StateError     ResourceState = "error"
)

// Terminal reports whether no further automatic progress happens from s.
func (s ResourceState) Terminal() bool {
	return s == StateRemoved || s == StateError
}

// CacheLevel ranks pre-provisioned resources by expected reuse speed
type CacheLevel int

const (
	CacheNone CacheLevel = 0 // assigned to a user
	CacheL1   CacheLevel = 1 // running, ready for immediate hand-off
	CacheL2   CacheLevel = 2 // suspended, cheaper to keep warm
)

// Operation is one abstract step a backend must perform on a resource.
// Each tag maps to exactly one handler/checker/completed triple supplied
// by the provider at registration time.
type Operation string

const (
	OpCreate          Operation = "create"
	OpCreateCompleted Operation = "create_completed"
	OpStart           Operation = "start"
	OpStop            Operation = "stop"
	OpSuspend         Operation = "suspend"
	OpResume          Operation = "resume"
	OpRename          Operation = "rename"
	OpRemove          Operation = "remove"
	OpDestroyValidate Operation = "destroy_validate"
	OpFinish          Operation = "finish"
	OpNop             Operation = "nop"
)

// QueueGoal records the purpose of the current operation queue so that an
// empty queue resolves to the right terminal state.
type QueueGoal string

const (
	GoalNone   QueueGoal = ""
	GoalCreate QueueGoal = "create"
	GoalRemove QueueGoal = "remove"
	GoalMove   QueueGoal = "move"
)

// CheckState is what an operation checker reports about an in-flight
// backend action.
type CheckState string

const (
	CheckRunning  CheckState = "running"
	CheckFinished CheckState = "finished"
	CheckError    CheckState = "error"
)

// Pool groups resources provisioned from one backend service definition
type Pool struct {
	ID              string
	Name            string
	Provider        string // registry name of the backing provider
	Policy          PoolPolicy
	State           PoolState
	StateTimestamp  time.Time
	RecycleOnLogout bool // released desktops go back to cache instead of being destroyed
	CreatedAt       time.Time
}

// PoolState represents the administrative state of a pool
type PoolState string

const (
	PoolActive   PoolState = "active"
	PoolRemoving PoolState = "removing"
)

// PoolPolicy is the external configuration the cache manager converges on.
// Read-only to the engine.
type PoolPolicy struct {
	InitialCount  int `yaml:"initial"`
	CacheL1Target int `yaml:"cacheL1"`
	CacheL2Target int `yaml:"cacheL2"`
	MaxCount      int `yaml:"max"`
}

// AssignmentHistoryRecord is the immutable audit entry written whenever an
// assigned resource is recycled back into cache or released. The live
// resource row is repurposed; this record preserves who had it and when.
type AssignmentHistoryRecord struct {
	ID          string
	ResourceID  string
	PoolID      string
	User        string
	UniqueID    string
	SrcIP       string
	SrcHostname string
	AssignedAt  time.Time
	ReleasedAt  time.Time
}
