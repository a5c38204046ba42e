/*
Package scheduler provides the distributed periodic job executor for brokerd.

Multiple broker processes run against one shared store. Each process runs N
worker loops polling at ~1 second granularity; a due job is claimed with an
atomic conditional update (READY -> RUNNING plus owner and lease), executed
synchronously in the worker, then released with its next execution time set.
Exactly one node runs a given job per cycle; a lost claim is expected under
contention and silently skipped.

# Failure semantics

  - A job returning an error or panicking is logged, counted, and
    rescheduled normally for its next cycle. Nothing propagates.
  - A node that dies mid-job leaves a RUNNING claim behind. Its own restart
    releases it (ReleaseOwnSchedules), and any other node may reclaim it
    once the lease lapses, so a permanently dead node cannot starve a job.
  - Cancellation is cooperative: Run exits after the poll cycle observes
    context cancellation; a job already in progress finishes first.

# Delayed tasks

DelayedRunner is the smaller one-off catalog used by the lifecycle state
machine for follow-ups ("re-check this resource in 30 seconds"). Tasks are
tagged; the tag deduplicates pending work and the claiming delete
guarantees a task runs at most once across all nodes.
*/
package scheduler
