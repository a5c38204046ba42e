// Package pool keeps resource pools converged on their configured cache
// levels and satisfies user assignment requests.
//
// The manager prefers warm resources: assignments take the oldest idle L1
// resource, fall back to resuming an L2 one, and only then create on
// demand. MaxCount is a hard cap surfaced as ErrPoolExhausted, never
// silently exceeded. Reservations use guarded store updates so concurrent
// broker nodes racing for the same resource degrade to retries, not
// double assignment.
package pool
