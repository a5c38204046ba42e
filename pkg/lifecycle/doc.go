// Package lifecycle drives resources through ordered operation queues.
//
// Every change to a resource (create, remove, cancel, cache-level move) is
// expressed as a queue of abstract operations executed strictly in order.
// Each operation is dispatched to the pool's provider exactly once and then
// polled through its checker; still-running operations park the resource
// behind a delayed re-check task instead of blocking a worker. Backend
// failures are absorbed into the resource row as an error state with a
// recorded reason, never propagated as engine failures.
package lifecycle
