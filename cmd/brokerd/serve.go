package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cloudesk/brokerd/pkg/config"
	"github.com/cloudesk/brokerd/pkg/lifecycle"
	"github.com/cloudesk/brokerd/pkg/log"
	"github.com/cloudesk/brokerd/pkg/maintenance"
	"github.com/cloudesk/brokerd/pkg/metrics"
	"github.com/cloudesk/brokerd/pkg/pool"
	"github.com/cloudesk/brokerd/pkg/provider"
	"github.com/cloudesk/brokerd/pkg/provider/fixedpool"
	"github.com/cloudesk/brokerd/pkg/scheduler"
	"github.com/cloudesk/brokerd/pkg/storage"
	"github.com/cloudesk/brokerd/pkg/types"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the broker node",
	Long: `Run one broker node: scheduler workers, the delayed task runner,
the maintenance sweeps and the metrics endpoint. Safe to run on several
nodes against the same shared store.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		return runServe(configPath)
	},
}

func init() {
	serveCmd.Flags().StringP("config", "c", "/etc/brokerd/brokerd.yaml", "Path to config file")
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: true})
	logger := log.WithComponent("serve")
	logger.Info().Str("node", cfg.Node).Str("data_dir", cfg.DataDir).
		Str("version", Version).Msg("broker node starting")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	runner := scheduler.NewDelayedRunner(store, cfg.Granularity.D())
	machine := lifecycle.NewMachine(store, runner)
	manager := pool.NewManager(store, machine)

	registry, err := buildProviders(cfg, store)
	if err != nil {
		return err
	}
	if err := registry.RegisterAll(machine); err != nil {
		return err
	}
	if err := syncPools(cfg, store); err != nil {
		return err
	}

	sched := scheduler.New(store, scheduler.Config{
		Node:        cfg.Node,
		Workers:     cfg.Workers,
		Granularity: cfg.Granularity.D(),
		Lease:       cfg.Lease.D(),
	})
	// Claims orphaned by a previous crash of this node are freed before any
	// worker starts.
	if err := sched.ReleaseOwnSchedules(); err != nil {
		return fmt.Errorf("releasing own schedules: %w", err)
	}
	if err := registerJobs(sched, store, machine, manager, cfg.Thresholds); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	collector := metrics.NewCollector(store)
	collector.Start()
	defer collector.Stop()

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler()}
	go func() {
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics endpoint listening")
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics endpoint failed")
		}
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sched.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		runner.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	cancel()
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = metricsSrv.Shutdown(shutdownCtx)

	logger.Info().Msg("broker node stopped")
	return nil
}

// buildProviders constructs the backend for every pool in the config. Only
// fixed pools are built in-tree; a pool naming an unknown provider is a
// startup error, not a runtime surprise.
func buildProviders(cfg *config.Config, store storage.Store) (*provider.Registry, error) {
	registry := provider.NewRegistry()
	resources, err := store.ListResources()
	if err != nil {
		return nil, err
	}
	for _, spec := range cfg.Pools {
		if _, exists := registry.Get(spec.Provider); exists {
			continue
		}
		if len(spec.Machines) == 0 {
			return nil, fmt.Errorf("pool %s: provider %q is not built in and no machines are configured", spec.Name, spec.Provider)
		}
		fixed := fixedpool.New(spec.Provider, spec.Machines)
		fixed.Reattach(resources)
		if err := registry.Add(fixed); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// syncPools makes the store match the configured pools: missing ones are
// created, existing ones get their policy refreshed. Pools are never
// deleted here; retiring one is an operator action.
func syncPools(cfg *config.Config, store storage.Store) error {
	for _, spec := range cfg.Pools {
		existing, err := store.GetPoolByName(spec.Name)
		if err == nil {
			existing.Provider = spec.Provider
			existing.Policy = spec.Policy
			existing.RecycleOnLogout = spec.RecycleOnLogout
			if err := store.UpdatePool(existing); err != nil {
				return fmt.Errorf("updating pool %s: %w", spec.Name, err)
			}
			continue
		}
		now := time.Now()
		if err := store.CreatePool(&types.Pool{
			ID:              uuid.New().String(),
			Name:            spec.Name,
			Provider:        spec.Provider,
			Policy:          spec.Policy,
			State:           types.PoolActive,
			StateTimestamp:  now,
			RecycleOnLogout: spec.RecycleOnLogout,
			CreatedAt:       now,
		}); err != nil {
			return fmt.Errorf("creating pool %s: %w", spec.Name, err)
		}
	}
	return nil
}

func registerJobs(sched *scheduler.Scheduler, store storage.Store, machine *lifecycle.Machine, manager *pool.Manager, th config.Thresholds) error {
	jobs := []struct {
		job  scheduler.Job
		freq time.Duration
	}{
		{maintenance.NewHangedCleaner(store, machine, manager, th), th.HangedCheckFrequency.D()},
		{maintenance.NewStuckCleaner(store, machine, manager, th), th.StuckCheckFrequency.D()},
		{maintenance.NewAssignedAndUnused(store, machine, manager, th), th.UnusedCheckFrequency.D()},
		{maintenance.NewPoolRetirer(store, machine, manager, th), th.RemoverFrequency.D()},
		{maintenance.NewRemover(store, machine, manager, th), th.RemoverFrequency.D()},
		{maintenance.NewInfoCleaner(store, machine, manager, th), th.CleanupFrequency.D()},
		{maintenance.NewPoolLevels(store, machine, manager, th), th.PoolLevelFrequency.D()},
	}
	for _, j := range jobs {
		if err := sched.Register(j.job, j.freq, 0); err != nil {
			return fmt.Errorf("registering job %s: %w", j.job.Name(), err)
		}
	}
	return nil
}
