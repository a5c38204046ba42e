package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cloudesk/brokerd/pkg/log"
	"github.com/cloudesk/brokerd/pkg/storage"
	"github.com/cloudesk/brokerd/pkg/types"
	"github.com/rs/zerolog"
)

// TaskHandler executes one claimed delayed task.
type TaskHandler func(task *types.DelayedTask) error

// DelayedRunner executes the one-off follow-up catalog: tasks registered by
// the state machine (such as "re-check resource X in 30 seconds"). It uses
// the same claim/execute discipline as the job scheduler, but a claimed
// task is deleted rather than rescheduled.
type DelayedRunner struct {
	store       storage.Store
	granularity time.Duration
	logger      zerolog.Logger

	mu       sync.RWMutex
	handlers map[string]TaskHandler
}

// NewDelayedRunner creates a delayed task runner bound to the shared store
func NewDelayedRunner(store storage.Store, granularity time.Duration) *DelayedRunner {
	if granularity <= 0 {
		granularity = DefaultGranularity
	}
	return &DelayedRunner{
		store:       store,
		granularity: granularity,
		logger:      log.WithComponent("delayed-runner"),
		handlers:    make(map[string]TaskHandler),
	}
}

// HandleKind registers the handler for one task kind. Must be called for
// every kind before Run; a task with no handler is dropped with a log entry.
func (r *DelayedRunner) HandleKind(kind string, handler TaskHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = handler
}

// Schedule inserts a one-off task due after delay. The tag deduplicates:
// if a task with the same tag is already pending, nothing is inserted.
func (r *DelayedRunner) Schedule(tag, kind, resourceID string, delay time.Duration) error {
	now := time.Now()
	return r.store.PutDelayedTask(&types.DelayedTask{
		Tag:        tag,
		Kind:       kind,
		ResourceID: resourceID,
		InsertDate: now,
		ExecTime:   now.Add(delay),
	})
}

// Remove deletes any pending task with the given tag.
func (r *DelayedRunner) Remove(tag string) error {
	return r.store.RemoveDelayedTask(tag)
}

// Exists reports whether a task with the given tag is pending.
func (r *DelayedRunner) Exists(tag string) (bool, error) {
	return r.store.DelayedTaskExists(tag)
}

// Run blocks until ctx is canceled, draining due tasks on each poll.
func (r *DelayedRunner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.granularity)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("delayed runner stopped")
			return
		case <-ticker.C:
			r.executeDue()
		}
	}
}

// executeDue claims and executes every task already due. The claim is a
// delete, so a task that fails is gone: the handler itself is responsible
// for rescheduling if it wants another attempt.
func (r *DelayedRunner) executeDue() {
	for {
		task, err := r.store.ClaimDueDelayedTask(time.Now())
		if err != nil {
			r.logger.Error().Err(err).Msg("claiming delayed task")
			return
		}
		if task == nil {
			return
		}
		r.executeTask(task)
	}
}

func (r *DelayedRunner) executeTask(task *types.DelayedTask) {
	r.mu.RLock()
	handler, ok := r.handlers[task.Kind]
	r.mu.RUnlock()
	if !ok {
		r.logger.Error().Str("kind", task.Kind).Str("tag", task.Tag).Msg("no handler for delayed task")
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Str("tag", task.Tag).Interface("panic", rec).Msg("delayed task panicked")
		}
	}()
	if err := handler(task); err != nil {
		r.logger.Warn().Err(err).Str("tag", task.Tag).Msg("delayed task failed")
	}
}

// JobFunc adapts a plain function to the Job interface
type JobFunc struct {
	JobName string
	Fn      func() error
}

// Name returns the job name
func (j JobFunc) Name() string { return j.JobName }

// Run executes the wrapped function
func (j JobFunc) Run() error {
	if j.Fn == nil {
		return fmt.Errorf("job %s has no function", j.JobName)
	}
	return j.Fn()
}
