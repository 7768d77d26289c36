package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/railbot/internal/config"
	"github.com/zulandar/railbot/internal/i18n"
	"github.com/zulandar/railbot/internal/ingest"
	"github.com/zulandar/railbot/internal/platform"
	"github.com/zulandar/railbot/internal/webhook"
	"gorm.io/gorm"
)

func newListenCmd() *cobra.Command {
	var (
		configPath string
		withHTTP   bool
	)

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Ingest events from the chat platform",
		Long: `Connects to the configured chat platform and turns every inbound message
and button press into a queue item. With --webhook the HTTP server runs in
the same process and shares the ingestor.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runListen(cmd, configPath, withHTTP)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to railbot config file")
	cmd.Flags().BoolVar(&withHTTP, "webhook", false, "also run the webhook server")
	return cmd
}

func runListen(cmd *cobra.Command, configPath string, withHTTP bool) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	adapter, err := connectAdapter(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer adapter.Close()

	in, err := newIngestor(cmd, cfg, gormDB, adapter)
	if err != nil {
		return err
	}
	if !withHTTP {
		return in.Run(ctx)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	httpErr := make(chan error, 1)
	go func() {
		httpErr <- webhook.Start(ctx, webhookOpts(cmd, cfg, gormDB, in))
		cancel()
	}()

	runErr := in.Run(ctx)
	cancel()
	if err := <-httpErr; err != nil {
		return err
	}
	return runErr
}

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook and admin HTTP server",
		Long: `Serves POST /hooks/:platform for platforms that push events over HTTP,
plus /healthz, /api/queues and /privacy. The chat platform is connected
send-only, so immediate replies to hook events reach the user.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to railbot config file")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	adapter, err := connectAdapter(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer adapter.Close()

	opts, err := serveOpts(cmd, cfg, gormDB, adapter)
	if err != nil {
		return err
	}
	return webhook.Start(ctx, opts)
}

// serveOpts wires the webhook server to an ingestor that replies through
// adapter.
func serveOpts(cmd *cobra.Command, cfg *config.Config, gormDB *gorm.DB, adapter platform.Adapter) (webhook.StartOpts, error) {
	in, err := newIngestor(cmd, cfg, gormDB, adapter)
	if err != nil {
		return webhook.StartOpts{}, err
	}
	return webhookOpts(cmd, cfg, gormDB, in), nil
}

func newIngestor(cmd *cobra.Command, cfg *config.Config, gormDB *gorm.DB, adapter platform.Adapter) (*ingest.Ingestor, error) {
	catalog, err := i18n.Load(cfg.Language.Default)
	if err != nil {
		return nil, err
	}
	in, err := ingest.New(ingest.Opts{
		DB:          gormDB,
		Adapter:     adapter,
		Catalog:     catalog,
		WorkerCount: cfg.Queue.Workers,
		Platform:    cfg.Platform.Kind,
		Out:         cmd.OutOrStdout(),
	})
	if err != nil {
		return nil, fmt.Errorf("create ingestor: %w", err)
	}
	return in, nil
}

func webhookOpts(cmd *cobra.Command, cfg *config.Config, gormDB *gorm.DB, in *ingest.Ingestor) webhook.StartOpts {
	return webhook.StartOpts{
		DB:            gormDB,
		Ingestor:      in,
		Secret:        cfg.Webhook.Secret,
		PrivacyPolicy: cfg.Webhook.PrivacyPolicy,
		Port:          cfg.Webhook.Port,
		Out:           cmd.OutOrStdout(),
	}
}
