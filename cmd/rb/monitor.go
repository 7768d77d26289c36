package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/zulandar/railbot/internal/config"
	"github.com/zulandar/railbot/internal/i18n"
	"github.com/zulandar/railbot/internal/monitor"
	"github.com/zulandar/railbot/internal/platform"
	"github.com/zulandar/railbot/internal/queue"
	"gorm.io/gorm"
)

func newMonitorCmd() *cobra.Command {
	var (
		configPath string
		once       bool
	)

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Watch worker queues for stuck items",
		Long: `Checks the head of every worker queue. Items stuck on oversized uploads are
answered and marked processed; other stuck items are reported to the alerts
channel and the notify command. Runs on queue.monitor_cron when set, else
every queue.monitor_interval. With --once a single check is made.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMonitor(cmd, configPath, once)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to railbot config file")
	cmd.Flags().BoolVar(&once, "once", false, "run a single check and exit")
	return cmd
}

func runMonitor(cmd *cobra.Command, configPath string, once bool) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	check, adapter, err := checkOpts(ctx, cmd.OutOrStdout(), cfg, gormDB)
	if err != nil {
		return err
	}
	defer adapter.Close()

	if once {
		report, err := monitor.Check(ctx, check)
		if err != nil {
			return err
		}
		printReport(cmd.OutOrStdout(), report)
		return nil
	}
	return monitor.RunDaemon(ctx, monitor.DaemonOpts{
		Check:    check,
		Interval: cfg.Queue.MonitorInterval,
		Cron:     cfg.Queue.MonitorCron,
		Out:      cmd.OutOrStdout(),
	})
}

func checkOpts(ctx context.Context, out io.Writer, cfg *config.Config, gormDB *gorm.DB) (monitor.CheckOpts, platform.Adapter, error) {
	catalog, err := i18n.Load(cfg.Language.Default)
	if err != nil {
		return monitor.CheckOpts{}, nil, err
	}
	adapter, err := connectAdapter(ctx, cfg, true)
	if err != nil {
		return monitor.CheckOpts{}, nil, err
	}
	return monitor.CheckOpts{
		DB:        gormDB,
		Adapter:   adapter,
		Catalog:   catalog,
		Notifier:  createNotifier(cfg, adapter),
		Threshold: cfg.Queue.StuckThreshold,
		Out:       out,
	}, adapter, nil
}

func printReport(out io.Writer, r *monitor.Report) {
	fmt.Fprintf(out, "Checked %d worker queues\n", len(r.Checked))
	for _, id := range r.Recovered {
		fmt.Fprintf(out, "  recovered item %d\n", id)
	}
	for _, s := range r.Stuck {
		fmt.Fprintf(out, "  %s (waiting %s)\n", s, s.Age.Round(time.Second))
	}
	if len(r.Recovered) == 0 && len(r.Stuck) == 0 {
		fmt.Fprintln(out, "All queues healthy.")
	}
}

func newCleanupCmd() *cobra.Command {
	var (
		configPath string
		olderThan  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete finished queue items past the retention window",
		Long:  "Deletes processed and no-action items received more than queue.retention ago. Pending work is never deleted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCleanup(cmd, configPath, olderThan)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to railbot config file")
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "override queue.retention")
	return cmd
}

func runCleanup(cmd *cobra.Command, configPath string, olderThan time.Duration) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	window := cfg.Queue.Retention
	if olderThan > 0 {
		window = olderThan
	}
	return cleanup(cmd.OutOrStdout(), gormDB, window)
}

func cleanup(out io.Writer, gormDB *gorm.DB, window time.Duration) error {
	n, err := queue.DeleteOlderThan(gormDB, window, time.Now())
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Deleted %d items older than %s\n", n, window)
	return nil
}

func newCronCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Run the monitor and retention cleanup on their schedules",
		Long:  "Schedules the health check (queue.monitor_cron or queue.monitor_interval) and retention cleanup (queue.cleanup_cron) in one long-running process.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCron(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to railbot config file")
	return cmd
}

func runCron(cmd *cobra.Command, configPath string) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	ctx, stop := signalContext()
	defer stop()

	check, adapter, err := checkOpts(ctx, out, cfg, gormDB)
	if err != nil {
		return err
	}
	defer adapter.Close()

	c, err := newScheduler(ctx, out, cfg, check, gormDB)
	if err != nil {
		return err
	}
	c.Start()
	fmt.Fprintf(out, "Cron started (monitor %q, cleanup %q)\n", monitorSpec(cfg), cfg.Queue.CleanupCron)

	<-ctx.Done()
	<-c.Stop().Done()
	fmt.Fprintln(out, "Cron stopped.")
	return nil
}

// monitorSpec is the cron spec for health checks.
func monitorSpec(cfg *config.Config) string {
	if cfg.Queue.MonitorCron != "" {
		return cfg.Queue.MonitorCron
	}
	return "@every " + cfg.Queue.MonitorInterval.String()
}

// newScheduler registers the health check and the retention cleanup. Jobs
// never overlap with themselves.
func newScheduler(ctx context.Context, out io.Writer, cfg *config.Config, check monitor.CheckOpts, gormDB *gorm.DB) (*cron.Cron, error) {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(monitorSpec(cfg), func() {
		if _, err := monitor.Check(ctx, check); err != nil {
			log.Printf("cron: monitor: %v", err)
		}
	}); err != nil {
		return nil, fmt.Errorf("monitor schedule %q: %w", monitorSpec(cfg), err)
	}
	if _, err := c.AddFunc(cfg.Queue.CleanupCron, func() {
		if err := cleanup(out, gormDB, cfg.Queue.Retention); err != nil {
			log.Printf("cron: cleanup: %v", err)
		}
	}); err != nil {
		return nil, fmt.Errorf("cleanup schedule %q: %w", cfg.Queue.CleanupCron, err)
	}
	return c, nil
}
