package fixedpool

import (
	"fmt"
	"sync"
	"time"

	"github.com/cloudesk/brokerd/pkg/lifecycle"
	"github.com/cloudesk/brokerd/pkg/log"
	"github.com/cloudesk/brokerd/pkg/types"
	"github.com/rs/zerolog"
)

// Provider serves resources from a fixed set of pre-existing machines.
// Nothing is ever provisioned or torn down on the backend: create claims a
// free machine slot, remove returns it. Machines are identified by the
// handle stored in the resource's UniqueID, so claims survive a broker
// restart via Reattach.
type Provider struct {
	name     string
	machines []string
	logger   zerolog.Logger

	mu      sync.Mutex
	claimed map[string]string // machine handle -> resource id
}

func New(name string, machines []string) *Provider {
	return &Provider{
		name:     name,
		machines: append([]string(nil), machines...),
		logger:   log.WithComponent("fixedpool").With().Str("provider", name).Logger(),
		claimed:  make(map[string]string),
	}
}

func (p *Provider) Name() string { return p.name }

// CheckInterval is short: fixed machines have no slow backend work.
func (p *Provider) CheckInterval() time.Duration { return 5 * time.Second }

// Reattach rebuilds the claim table from resources that survived a restart.
func (p *Provider) Reattach(resources []*types.Resource) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range resources {
		if r.UniqueID == "" || r.State.Terminal() {
			continue
		}
		p.claimed[r.UniqueID] = r.ID
	}
	p.logger.Info().Int("claimed", len(p.claimed)).Int("total", len(p.machines)).
		Msg("reattached machine claims")
}

// FreeCount reports how many machines are currently unclaimed.
func (p *Provider) FreeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.machines) - len(p.claimed)
}

func (p *Provider) claim(r *types.Resource) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, machine := range p.machines {
		if _, taken := p.claimed[machine]; taken {
			continue
		}
		p.claimed[machine] = r.ID
		r.UniqueID = machine
		if r.Name == "" {
			r.Name = machine
		}
		p.logger.Debug().Str("machine", machine).Str("resource_id", r.ID).Msg("machine claimed")
		return nil
	}
	return fmt.Errorf("no free machine in fixed pool %s", p.name)
}

func (p *Provider) release(r *types.Resource) {
	if r.UniqueID == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.claimed[r.UniqueID] == r.ID {
		delete(p.claimed, r.UniqueID)
		p.logger.Debug().Str("machine", r.UniqueID).Str("resource_id", r.ID).Msg("machine released")
	}
}

// Destroy frees the machine slot directly, bypassing the queue.
func (p *Provider) Destroy(r *types.Resource) error {
	p.release(r)
	return nil
}

func (p *Provider) Operations() map[types.Operation]lifecycle.OpHandler {
	finished := func(*types.Resource) (types.CheckState, error) {
		return types.CheckFinished, nil
	}
	noop := func(*types.Resource) error { return nil }

	return map[types.Operation]lifecycle.OpHandler{
		types.OpCreate: {
			Run:   p.claim,
			Check: finished,
		},
		types.OpCreateCompleted: {Run: noop, Check: finished},
		// The machines are physical or externally managed; power state
		// transitions are accepted and reported done immediately.
		types.OpStart:   {Run: noop, Check: finished},
		types.OpStop:    {Run: noop, Check: finished},
		types.OpSuspend: {Run: noop, Check: finished},
		types.OpResume:  {Run: noop, Check: finished},
		types.OpRemove: {
			Run: func(r *types.Resource) error {
				p.release(r)
				return nil
			},
			Check: finished,
		},
		types.OpDestroyValidate: {Run: noop, Check: finished},
	}
}
