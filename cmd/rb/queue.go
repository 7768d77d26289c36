package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
	"github.com/zulandar/railbot/internal/queue"
)

func newQueueCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Show pending work per worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueue(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to railbot config file")
	return cmd
}

func runQueue(cmd *cobra.Command, configPath string) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	depth, err := queue.QueueDepthByWorker(gormDB)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(depth) == 0 {
		fmt.Fprintln(out, "All worker queues are empty.")
		return nil
	}
	ids := make([]int, 0, len(depth))
	for id := range depth {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	fmt.Fprintf(out, "%-8s %s\n", "WORKER", "PENDING")
	var total int64
	for _, id := range ids {
		note := ""
		if id > cfg.Queue.Workers {
			note = "  (outside pool, run `rb pool drain`)"
		}
		fmt.Fprintf(out, "%-8d %d%s\n", id, depth[id], note)
		total += depth[id]
	}
	fmt.Fprintf(out, "%-8s %d\n", "total", total)
	return nil
}

func newPoolCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pool",
		Short: "Worker pool management commands",
	}

	cmd.AddCommand(newPoolDrainCmd())
	return cmd
}

func newPoolDrainCmd() *cobra.Command {
	var (
		configPath string
		workers    int
	)

	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Move pending work off workers above the new pool size",
		Long: `Rebinds pending items of workers above --workers onto workers inside the
pool, one conversation at a time. Run it with the new size before lowering
queue.workers and restarting the pool.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPoolDrain(cmd, configPath, workers)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to railbot config file")
	cmd.Flags().IntVar(&workers, "workers", 0, "new pool size")
	cmd.MarkFlagRequired("workers")
	return cmd
}

func runPoolDrain(cmd *cobra.Command, configPath string, workers int) error {
	if workers < 1 {
		return fmt.Errorf("--workers must be at least 1")
	}
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	moved, err := queue.Drain(gormDB, workers)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Moved %d pending items onto workers 1..%d\n", moved, workers)
	return nil
}
