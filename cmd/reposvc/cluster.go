package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/snapvault/pkg/httpapi"
	"github.com/cuemby/snapvault/pkg/log"
	"github.com/cuemby/snapvault/pkg/manager"
	"github.com/cuemby/snapvault/pkg/reconciler"
	"github.com/cuemby/snapvault/pkg/repository"
	"github.com/cuemby/snapvault/pkg/scheduler"
	"github.com/spf13/cobra"
)

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Manage a reposvc node",
}

var clusterInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Bootstrap a reposvc node and serve its control plane",
	Long: `Bootstrap initializes a new single-node cluster metadata store, starts the
cleanup scheduler and registration reconciler, and serves the HTTP control
plane until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeID, _ := cmd.Flags().GetString("node-id")
		bindAddr, _ := cmd.Flags().GetString("bind-addr")
		apiAddr, _ := cmd.Flags().GetString("api-addr")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		uuidLayout, _ := cmd.Flags().GetBool("uuid-shard-layout")
		cleanupInterval, _ := cmd.Flags().GetDuration("cleanup-interval")
		reconcileInterval, _ := cmd.Flags().GetDuration("reconcile-interval")

		fmt.Println("Bootstrapping reposvc cluster...")
		fmt.Printf("  Node ID: %s\n", nodeID)
		fmt.Printf("  Raft Address: %s\n", bindAddr)
		fmt.Printf("  API Address: %s\n", apiAddr)
		fmt.Printf("  Data Directory: %s\n", dataDir)

		cluster, err := manager.NewClusterMetadataStore(&manager.Config{
			NodeID:   nodeID,
			BindAddr: bindAddr,
			DataDir:  dataDir,
		})
		if err != nil {
			return fmt.Errorf("failed to create cluster metadata store: %w", err)
		}

		if err := cluster.Bootstrap(); err != nil {
			return fmt.Errorf("failed to bootstrap cluster: %w", err)
		}
		fmt.Println("✓ Cluster metadata store bootstrapped")

		reg := newRegistry(cluster, dataDir, repository.Config{ShardPathsUseUUID: uuidLayout})

		ctx := context.Background()
		if err := reg.restoreFromRegistrations(ctx); err != nil {
			return fmt.Errorf("failed to restore existing repositories: %w", err)
		}

		sched := scheduler.NewScheduler(reg, cleanupInterval)
		sched.Start()
		defer sched.Stop()
		fmt.Println("✓ Cleanup scheduler started")

		recon := reconciler.NewReconciler(cluster, reconcileInterval)
		recon.Start()
		defer recon.Stop()
		fmt.Println("✓ Reconciler started")

		server := httpapi.NewServer(reg, cluster, cluster, reg)
		errCh := make(chan error, 1)
		go func() {
			if err := server.Start(apiAddr); err != nil {
				errCh <- fmt.Errorf("control-plane server error: %w", err)
			}
		}()
		fmt.Printf("✓ Control plane listening on http://%s\n", apiAddr)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case err := <-errCh:
			return err
		case sig := <-sigCh:
			log.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, r := range reg.Repositories() {
			if err := r.Close(shutdownCtx); err != nil {
				log.Logger.Warn().Err(err).Str("repository", r.Name()).Msg("error closing repository")
			}
		}

		return cluster.Shutdown()
	},
}

func init() {
	clusterInitCmd.Flags().String("node-id", "node-1", "Unique identifier for this node")
	clusterInitCmd.Flags().String("bind-addr", "127.0.0.1:9000", "Raft bind address")
	clusterInitCmd.Flags().String("api-addr", "127.0.0.1:9090", "Control-plane HTTP bind address")
	clusterInitCmd.Flags().String("data-dir", "./data", "Directory for Raft/bbolt state and blob storage")
	clusterInitCmd.Flags().Bool("uuid-shard-layout", true, "Use the modern uuid-keyed shard-generation layout")
	clusterInitCmd.Flags().Duration("cleanup-interval", 5*time.Minute, "Interval between garbage-collection sweeps")
	clusterInitCmd.Flags().Duration("reconcile-interval", 10*time.Second, "Interval between registration reconciliation cycles")

	clusterCmd.AddCommand(clusterInitCmd)
}
