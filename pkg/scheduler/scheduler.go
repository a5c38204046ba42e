package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cloudesk/brokerd/pkg/log"
	"github.com/cloudesk/brokerd/pkg/metrics"
	"github.com/cloudesk/brokerd/pkg/storage"
	"github.com/cloudesk/brokerd/pkg/types"
	"github.com/rs/zerolog"
)

// DefaultGranularity is how often each worker loop polls for due jobs.
const DefaultGranularity = time.Second

// DefaultLease bounds how long a claim survives a dead owner before any
// node may reclaim the job.
const DefaultLease = 15 * time.Minute

// Job is one registered periodic unit of work. Run is executed on exactly
// one broker node per cycle; errors are logged and the job is rescheduled
// normally for its next cycle.
type Job interface {
	Name() string
	Run() error
}

type registration struct {
	job       Job
	frequency time.Duration
}

// Scheduler runs N independent worker loops inside one process and
// coordinates with other broker processes through atomic claims on the
// shared store, so each named job executes on one node at a time.
type Scheduler struct {
	store       storage.Store
	node        string
	workers     int
	granularity time.Duration
	lease       time.Duration
	logger      zerolog.Logger

	mu   sync.RWMutex
	jobs map[string]registration
}

// Config holds scheduler configuration
type Config struct {
	Node        string
	Workers     int
	Granularity time.Duration // defaults to DefaultGranularity
	Lease       time.Duration // defaults to DefaultLease
}

// New creates a scheduler bound to the shared store
func New(store storage.Store, cfg Config) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.Granularity <= 0 {
		cfg.Granularity = DefaultGranularity
	}
	if cfg.Lease <= 0 {
		cfg.Lease = DefaultLease
	}
	return &Scheduler{
		store:       store,
		node:        cfg.Node,
		workers:     cfg.Workers,
		granularity: cfg.Granularity,
		lease:       cfg.Lease,
		logger:      log.WithComponent("scheduler"),
		jobs:        make(map[string]registration),
	}
}

// Register adds a job to the in-process catalog and ensures its row exists
// in the store. Idempotent across restarts: re-registration updates the
// frequency but never touches ownership. A positive override wins over the
// built-in frequency.
func (s *Scheduler) Register(job Job, frequency, override time.Duration) error {
	if override > 0 {
		frequency = override
	}
	if frequency <= 0 {
		return fmt.Errorf("job %s: frequency must be positive", job.Name())
	}

	s.mu.Lock()
	s.jobs[job.Name()] = registration{job: job, frequency: frequency}
	s.mu.Unlock()

	return s.store.RegisterJob(&types.ScheduledJob{
		Name:          job.Name(),
		Frequency:     frequency,
		NextExecution: time.Now(),
	})
}

// ReleaseOwnSchedules clears any claim this node held before a previous
// crash. Without it an orphaned claim would starve that job until the
// lease lapsed, so this runs once at startup.
func (s *Scheduler) ReleaseOwnSchedules() error {
	return s.store.ReleaseJobsOwnedBy(s.node, time.Now())
}

// Run blocks until ctx is canceled, polling for due jobs from every worker
// loop. Cancellation is cooperative: a job already in progress finishes
// before its worker exits.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			s.runWorker(ctx, worker)
		}(i)
	}
	wg.Wait()
	s.logger.Info().Msg("scheduler stopped")
}

func (s *Scheduler) runWorker(ctx context.Context, worker int) {
	s.logger.Debug().Int("worker", worker).Msg("worker loop started")
	ticker := time.NewTicker(s.granularity)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.executeOne()
		}
	}
}

// executeOne claims and runs at most one due job. Lost claims are expected
// under contention and silently skipped.
func (s *Scheduler) executeOne() {
	now := time.Now()
	due, err := s.store.DueJobs(now)
	if err != nil {
		s.logger.Error().Err(err).Msg("querying due jobs")
		return
	}

	for _, row := range due {
		s.mu.RLock()
		reg, known := s.jobs[row.Name]
		s.mu.RUnlock()
		if !known {
			// Registered by another node type; not ours to run.
			continue
		}

		claimed, err := s.store.ClaimJob(row.Name, s.node, now, s.lease)
		if err != nil {
			s.logger.Error().Err(err).Str("job", row.Name).Msg("claiming job")
			continue
		}
		if !claimed {
			metrics.ClaimsLost.Inc()
			continue
		}
		metrics.ClaimsWon.Inc()

		s.execute(reg)
		return
	}
}

// execute runs the job synchronously in the worker, absorbing every
// failure so one broken job never stops the loop, then releases the claim
// with the next execution time set.
func (s *Scheduler) execute(reg registration) {
	name := reg.job.Name()
	logger := log.WithJob(name)
	timer := metrics.NewTimer()
	result := "ok"

	func() {
		defer func() {
			if r := recover(); r != nil {
				result = "panic"
				logger.Error().Interface("panic", r).Msg("job panicked")
			}
		}()
		if err := reg.job.Run(); err != nil {
			result = "error"
			logger.Warn().Err(err).Msg("job failed")
		}
	}()

	timer.ObserveDuration(metrics.JobDuration.WithLabelValues(name))
	metrics.JobRunsTotal.WithLabelValues(name, result).Inc()

	next := time.Now().Add(reg.frequency)
	if err := s.store.ReleaseJob(name, next); err != nil {
		logger.Error().Err(err).Msg("releasing job")
	}
}
