package lifecycle

import (
	"fmt"
	"time"

	"github.com/cloudesk/brokerd/pkg/types"
)

// DefaultCheckInterval is used when a provider does not suggest its own
// re-check cadence.
const DefaultCheckInterval = 30 * time.Second

// OpHandler is the handler/checker/completed triple bound to one Operation
// tag. Run performs the non-blocking kick-off half of the action (submit an
// async backend request); Check polls it; Completed is an optional hook
// invoked once after Check reports finished.
type OpHandler struct {
	Run       func(r *types.Resource) error
	Check     func(r *types.Resource) (types.CheckState, error)
	Completed func(r *types.Resource) error
}

// Provider is the backend collaborator contract. Each backend (hypervisor,
// cloud API, fixed pool) supplies one dispatch table mapping Operation tags
// to handlers; the table is resolved and validated once at registration,
// never looked up by name at runtime.
type Provider interface {
	Name() string
	Operations() map[types.Operation]OpHandler
	CheckInterval() time.Duration
	Destroy(r *types.Resource) error
}

// dispatchTable is a provider's resolved operation set.
type dispatchTable struct {
	ops      map[types.Operation]OpHandler
	interval time.Duration
	provider Provider
}

// resolveTable validates that every queueable operation the provider claims
// to support has both halves of its contract.
func resolveTable(p Provider) (*dispatchTable, error) {
	ops := p.Operations()
	for tag, h := range ops {
		if tag == types.OpFinish || tag == types.OpNop {
			return nil, fmt.Errorf("provider %s: %s is handled by the engine, not the backend", p.Name(), tag)
		}
		if h.Run == nil || h.Check == nil {
			return nil, fmt.Errorf("provider %s: operation %s must define Run and Check", p.Name(), tag)
		}
	}
	interval := p.CheckInterval()
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	return &dispatchTable{ops: ops, interval: interval, provider: p}, nil
}
