package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/zulandar/railbot/internal/config"
	"github.com/zulandar/railbot/internal/i18n"
	"github.com/zulandar/railbot/internal/worker"
	"gorm.io/gorm"
)

func newWorkerCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "worker <id>",
		Short: "Run one queue worker",
		Long:  "Runs the worker with the given id (1..queue.workers). It processes the items bound to it one at a time until interrupted.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid worker id %q: %w", args[0], err)
			}
			return runWorker(cmd, configPath, id)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to railbot config file")
	return cmd
}

func runWorker(cmd *cobra.Command, configPath string, id int) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	if id < 1 || id > cfg.Queue.Workers {
		return fmt.Errorf("worker id %d out of range 1..%d", id, cfg.Queue.Workers)
	}

	ctx, stop := signalContext()
	defer stop()

	opts, err := workerOpts(ctx, cmd, cfg, gormDB)
	if err != nil {
		return err
	}
	defer opts.Adapter.Close()
	opts.WorkerID = id

	rt, err := worker.New(opts)
	if err != nil {
		return err
	}
	return rt.Run(ctx)
}

func newWorkersCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "workers",
		Short: "Run the whole worker pool in one process",
		Long:  "Runs workers 1..queue.workers concurrently until interrupted. The first worker that fails stops the pool.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkers(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to railbot config file")
	return cmd
}

func runWorkers(cmd *cobra.Command, configPath string) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	opts, err := workerOpts(ctx, cmd, cfg, gormDB)
	if err != nil {
		return err
	}
	defer opts.Adapter.Close()

	return worker.RunPool(ctx, opts)
}

// workerOpts assembles everything a worker needs except its id. The adapter
// is connected send-only.
func workerOpts(ctx context.Context, cmd *cobra.Command, cfg *config.Config, gormDB *gorm.DB) (worker.Opts, error) {
	catalog, err := i18n.Load(cfg.Language.Default)
	if err != nil {
		return worker.Opts{}, err
	}
	client, err := createContent(cfg, gormDB)
	if err != nil {
		return worker.Opts{}, err
	}
	adapter, err := connectAdapter(ctx, cfg, true)
	if err != nil {
		return worker.Opts{}, err
	}
	return worker.Opts{
		DB:           gormDB,
		WorkerCount:  cfg.Queue.Workers,
		Adapter:      adapter,
		Content:      client,
		Catalog:      catalog,
		Plans:        cfg.Plans,
		PrivacyURL:   cfg.Webhook.PrivacyURL(),
		PollInterval: cfg.Queue.PollInterval,
		Out:          cmd.OutOrStdout(),
	}, nil
}
