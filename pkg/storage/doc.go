/*
Package storage provides the shared persistent state store for brokerd.

The store holds five buckets: scheduled jobs, delayed one-off tasks,
resources, pools, and assignment history. All of them are JSON-serialized
rows in a single BoltDB file.

# Coordination

Every cross-node coordination primitive lives here, expressed as a
conditional read-modify-write inside one BoltDB transaction:

  - ClaimJob: grants one node the right to run a job for one cycle. The
    condition is "READY and due", or "RUNNING with a lapsed lease"; the
    lease makes claims self-healing after a node crash.
  - ClaimDueDelayedTask: pops the earliest due one-off task; the delete is
    the claim, so a task executes exactly once.
  - UpdateResourceIf: optimistic write guarded by the resource's
    StateTimestamp; a concurrent change surfaces as ErrConflict.

Contention degrades to wasted claim attempts, never to deadlock: no lock
is held outside a single transaction.
*/
package storage
