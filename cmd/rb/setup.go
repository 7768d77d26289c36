package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/zulandar/railbot/internal/alert"
	"github.com/zulandar/railbot/internal/config"
	"github.com/zulandar/railbot/internal/content"
	"github.com/zulandar/railbot/internal/db"
	"github.com/zulandar/railbot/internal/platform"
	discordadapter "github.com/zulandar/railbot/internal/platform/discord"
	slackadapter "github.com/zulandar/railbot/internal/platform/slack"
	"gorm.io/gorm"
)

// connectFromConfig loads the config file and opens the queue store.
func connectFromConfig(configPath string) (*config.Config, *gorm.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	gormDB, err := db.Open(cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to %s database: %w", cfg.Database.Driver, err)
	}

	return cfg, gormDB, nil
}

// createAdapter builds a platform adapter from the config. Workers and the
// monitor only send, so they pass sendOnly to skip the inbound connection.
func createAdapter(cfg *config.Config, sendOnly bool) (platform.Adapter, error) {
	switch cfg.Platform.Kind {
	case "discord":
		return discordadapter.New(discordadapter.AdapterOpts{
			BotToken: cfg.Platform.BotToken,
			SendOnly: sendOnly,
		})
	case "slack":
		return slackadapter.New(slackadapter.AdapterOpts{
			AppToken: cfg.Platform.AppToken,
			BotToken: cfg.Platform.BotToken,
			SendOnly: sendOnly,
		})
	case "mock":
		return platform.NewMockAdapter(), nil
	default:
		return nil, fmt.Errorf("unsupported platform %q", cfg.Platform.Kind)
	}
}

// connectAdapter creates and connects the configured adapter.
func connectAdapter(ctx context.Context, cfg *config.Config, sendOnly bool) (platform.Adapter, error) {
	adapter, err := createAdapter(cfg, sendOnly)
	if err != nil {
		return nil, fmt.Errorf("create adapter: %w", err)
	}
	if err := adapter.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.Platform.Kind, err)
	}
	return adapter, nil
}

// createContent builds the upstream content client. The mock platform gets
// the in-memory client so a local setup needs no API key.
func createContent(cfg *config.Config, gormDB *gorm.DB) (content.Client, error) {
	if cfg.Platform.Kind == "mock" && cfg.Content.APIKey == "" {
		return content.NewMock(), nil
	}
	return content.NewAnthropic(gormDB, content.AnthropicOpts{
		APIKey:       cfg.Content.APIKey,
		DefaultModel: cfg.Content.DefaultModel,
		MaxTokens:    cfg.Content.MaxTokens,
	})
}

// createNotifier fans monitor alerts out to the alerts channel and the
// notify command, whichever are configured.
func createNotifier(cfg *config.Config, adapter platform.Adapter) alert.Notifier {
	var sinks alert.Multi
	if cfg.Platform.AlertsChannel != "" && adapter != nil {
		sinks = append(sinks, &alert.PlatformSink{Adapter: adapter, ChannelID: cfg.Platform.AlertsChannel})
	}
	if cfg.Notify.Command != "" {
		sinks = append(sinks, &alert.CommandSink{Command: cfg.Notify.Command})
	}
	return sinks
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
