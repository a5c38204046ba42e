package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/cloudesk/brokerd/pkg/config"
	"github.com/cloudesk/brokerd/pkg/storage"
	"github.com/cloudesk/brokerd/pkg/types"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// openStore opens the shared store for the utility commands. The store is
// single-writer; these commands expect to run while no broker node holds
// the database, or against a copy.
func openStore(cmd *cobra.Command) (*storage.BoltStore, error) {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	if dataDir == "" {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		dataDir = cfg.DataDir
	}
	return storage.NewBoltStore(dataDir)
}

func addStoreFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("config", "c", "/etc/brokerd/brokerd.yaml", "Path to config file")
	cmd.Flags().String("data-dir", "", "Data directory (overrides config)")
}

// Pool commands
var poolCmd = &cobra.Command{
	Use:   "pool",
	Short: "Manage resource pools",
}

var poolListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pools",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		pools, err := store.ListPools()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tPROVIDER\tSTATE\tINITIAL\tL1\tL2\tMAX\tRECYCLE")
		for _, p := range pools {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%t\n",
				p.Name, p.Provider, p.State,
				p.Policy.InitialCount, p.Policy.CacheL1Target,
				p.Policy.CacheL2Target, p.Policy.MaxCount, p.RecycleOnLogout)
		}
		return w.Flush()
	},
}

var poolAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Add a pool",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		providerName, _ := cmd.Flags().GetString("provider")
		initial, _ := cmd.Flags().GetInt("initial")
		l1, _ := cmd.Flags().GetInt("cache-l1")
		l2, _ := cmd.Flags().GetInt("cache-l2")
		max, _ := cmd.Flags().GetInt("max")
		recycle, _ := cmd.Flags().GetBool("recycle-on-logout")

		if max <= 0 {
			return fmt.Errorf("--max must be positive")
		}
		if _, err := store.GetPoolByName(args[0]); err == nil {
			return fmt.Errorf("pool %s already exists", args[0])
		}

		now := time.Now()
		pool := &types.Pool{
			ID:              uuid.New().String(),
			Name:            args[0],
			Provider:        providerName,
			Policy:          types.PoolPolicy{InitialCount: initial, CacheL1Target: l1, CacheL2Target: l2, MaxCount: max},
			State:           types.PoolActive,
			StateTimestamp:  now,
			RecycleOnLogout: recycle,
			CreatedAt:       now,
		}
		if err := store.CreatePool(pool); err != nil {
			return err
		}
		fmt.Printf("Pool %s created (%s)\n", pool.Name, pool.ID)
		return nil
	},
}

// Resource commands
var resourceCmd = &cobra.Command{
	Use:   "resource",
	Short: "Inspect resources",
}

var resourceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List resources",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		poolName, _ := cmd.Flags().GetString("pool")
		var resources []*types.Resource
		if poolName != "" {
			pool, err := store.GetPoolByName(poolName)
			if err != nil {
				return fmt.Errorf("pool %s: %w", poolName, err)
			}
			resources, err = store.ListResourcesByPool(pool.ID)
			if err != nil {
				return err
			}
		} else {
			resources, err = store.ListResources()
			if err != nil {
				return err
			}
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSTATE\tCACHE\tUSER\tIN-USE\tQUEUE\tSINCE")
		for _, r := range resources {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%t\t%d\t%s\n",
				r.ID, r.Name, r.State, r.CacheLevel, r.AssignedUser,
				r.InUse, len(r.Queue), r.StateTimestamp.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

// Job commands
var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Inspect scheduled jobs",
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scheduled jobs and their claims",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		jobs, err := store.ListJobs()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tFREQUENCY\tSTATE\tOWNER\tNEXT")
		for _, j := range jobs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				j.Name, j.Frequency, j.State, j.OwnerNode,
				j.NextExecution.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

func init() {
	poolCmd.AddCommand(poolListCmd)
	poolCmd.AddCommand(poolAddCmd)
	resourceCmd.AddCommand(resourceListCmd)
	jobCmd.AddCommand(jobListCmd)

	addStoreFlags(poolListCmd)
	addStoreFlags(poolAddCmd)
	addStoreFlags(resourceListCmd)
	addStoreFlags(jobListCmd)

	poolAddCmd.Flags().String("provider", "", "Backend provider name")
	poolAddCmd.Flags().Int("initial", 0, "Initial resource count")
	poolAddCmd.Flags().Int("cache-l1", 0, "L1 cache target")
	poolAddCmd.Flags().Int("cache-l2", 0, "L2 cache target")
	poolAddCmd.Flags().Int("max", 0, "Hard resource cap")
	poolAddCmd.Flags().Bool("recycle-on-logout", false, "Recycle released desktops back to cache")
	poolAddCmd.MarkFlagRequired("provider")
	poolAddCmd.MarkFlagRequired("max")

	resourceListCmd.Flags().String("pool", "", "Filter by pool name")
}
