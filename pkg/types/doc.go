/*
Package types defines the core data structures used throughout brokerd.

This package contains the domain model of the broker: scheduled jobs and
delayed tasks (the distributed scheduler's shared rows), resources and their
operation queues (the lifecycle state machine's unit of work), pools with
their cache policies, and the immutable assignment history records.

# Core Types

Scheduling:
  - ScheduledJob: Named periodic job row with atomic claim/lease fields
  - DelayedTask: One-off follow-up, deleted after a single successful run

Lifecycle:
  - Resource: A provisioned desktop or published template
  - ResourceState: preparing, usable, removable, removing, canceling,
    removed, error
  - Operation: Backend-agnostic step tags (create, start, remove, ...)
  - QueueGoal: Purpose of the current queue, resolves the terminal state

Pooling:
  - Pool / PoolPolicy: Cache level targets and the hard max cap
  - CacheLevel: NONE (assigned), L1 (running spare), L2 (suspended spare)
  - AssignmentHistoryRecord: Audit trail for recycled assignments

All types serialize to JSON for the bbolt-backed store. State transitions
are owned by pkg/lifecycle and pkg/pool; nothing else mutates them.
*/
package types
