// Package config provides YAML-based configuration loading for railbot.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level railbot configuration, loaded from railbot.yaml.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Queue    QueueConfig    `yaml:"queue"`
	Platform PlatformConfig `yaml:"platform"`
	Content  ContentConfig  `yaml:"content"`
	Language LanguageConfig `yaml:"language"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Notify   NotifyConfig   `yaml:"notify"`
	Plans    []PlanConfig   `yaml:"plans"`
}

// DatabaseConfig selects the queue store backend.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "mysql" or "sqlite"
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	Path     string `yaml:"path"` // sqlite file path
	// BusyTimeout is how long a sqlite connection waits for the write lock.
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// QueueConfig holds worker pool and housekeeping settings.
type QueueConfig struct {
	Workers         int           `yaml:"workers"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	StuckThreshold  time.Duration `yaml:"stuck_threshold"`
	MonitorInterval time.Duration `yaml:"monitor_interval"`
	MonitorCron     string        `yaml:"monitor_cron"`
	Retention       time.Duration `yaml:"retention"`
	CleanupCron     string        `yaml:"cleanup_cron"`
}

// PlatformConfig configures the chat platform adapter.
type PlatformConfig struct {
	Kind          string `yaml:"kind"` // "discord", "slack", or "mock"
	BotToken      string `yaml:"bot_token"`
	AppToken      string `yaml:"app_token"` // slack socket mode only
	AlertsChannel string `yaml:"alerts_channel"`
}

// ContentConfig configures the upstream LLM client and model catalog.
type ContentConfig struct {
	APIKey       string        `yaml:"api_key"`
	DefaultModel string        `yaml:"default_model"`
	MaxTokens    int64         `yaml:"max_tokens"`
	Models       []ModelConfig `yaml:"models"`
}

// ModelConfig is one entry of the model catalog seeded by `rb db init`.
type ModelConfig struct {
	ID              string `yaml:"id"`
	Label           string `yaml:"label"`
	Kind            string `yaml:"kind"` // "text", "image", "tool"
	SupportsContext *bool  `yaml:"supports_context"`
	Default         bool   `yaml:"default"`
}

// LanguageConfig holds localization settings.
type LanguageConfig struct {
	Default string `yaml:"default"`
}

// WebhookConfig configures the HTTP ingest and admin server.
type WebhookConfig struct {
	Port          int    `yaml:"port"`
	Secret        string `yaml:"secret"`
	PrivacyPolicy string `yaml:"privacy_policy"`
	PublicURL     string `yaml:"public_url"` // base URL users reach the server at
}

// PrivacyURL is the public address of the rendered privacy policy.
func (w WebhookConfig) PrivacyURL() string {
	if w.PublicURL == "" {
		return fmt.Sprintf("http://localhost:%d/privacy", w.Port)
	}
	return strings.TrimRight(w.PublicURL, "/") + "/privacy"
}

// NotifyConfig controls the optional shell-command alert sink.
type NotifyConfig struct {
	Command string `yaml:"command"`
}

// PlanConfig is one purchasable token plan.
type PlanConfig struct {
	ID         string `yaml:"id"`
	Label      string `yaml:"label"`
	PaymentURL string `yaml:"payment_url"` // may contain {{.Plan}}, {{.User}}, {{.Method}}
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "mysql"
	}
	if c.Database.Driver == "mysql" {
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
		if c.Database.Name == "" {
			c.Database.Name = "railbot"
		}
	}
	if c.Database.Driver == "sqlite" {
		if c.Database.Path == "" {
			c.Database.Path = "railbot.db"
		}
		if c.Database.BusyTimeout == 0 {
			c.Database.BusyTimeout = 30 * time.Second
		}
	}

	if c.Queue.PollInterval == 0 {
		c.Queue.PollInterval = time.Second
	}
	if c.Queue.StuckThreshold == 0 {
		c.Queue.StuckThreshold = 720 * time.Second
	}
	if c.Queue.MonitorInterval == 0 {
		c.Queue.MonitorInterval = time.Minute
	}
	if c.Queue.Retention == 0 {
		c.Queue.Retention = 7 * 24 * time.Hour
	}
	if c.Queue.CleanupCron == "" {
		c.Queue.CleanupCron = "0 3 * * *"
	}

	if c.Platform.Kind == "" {
		c.Platform.Kind = "discord"
	}

	if c.Content.APIKey == "" {
		c.Content.APIKey = strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY"))
	}
	if c.Content.MaxTokens == 0 {
		c.Content.MaxTokens = 4096
	}
	if c.Content.DefaultModel == "" {
		for _, m := range c.Content.Models {
			if m.Default {
				c.Content.DefaultModel = m.ID
				break
			}
		}
	}
	for i := range c.Content.Models {
		if c.Content.Models[i].Kind == "" {
			c.Content.Models[i].Kind = "text"
		}
		if c.Content.Models[i].Label == "" {
			c.Content.Models[i].Label = c.Content.Models[i].ID
		}
	}

	if c.Language.Default == "" {
		c.Language.Default = "en"
	}
	if c.Webhook.Port == 0 {
		c.Webhook.Port = 8080
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported (want mysql or sqlite)", c.Database.Driver))
	}
	if c.Queue.Workers < 1 {
		errs = append(errs, "queue.workers must be at least 1")
	}
	if c.Queue.PollInterval < 0 {
		errs = append(errs, "queue.poll_interval must not be negative")
	}
	if c.Queue.StuckThreshold < 0 {
		errs = append(errs, "queue.stuck_threshold must not be negative")
	}
	switch c.Platform.Kind {
	case "discord", "slack", "mock":
	default:
		errs = append(errs, fmt.Sprintf("platform.kind %q is not supported", c.Platform.Kind))
	}
	if c.Platform.Kind == "slack" && c.Platform.BotToken != "" && c.Platform.AppToken == "" {
		errs = append(errs, "platform.app_token is required for slack socket mode")
	}
	switch c.Language.Default {
	case "en", "ru":
	default:
		errs = append(errs, fmt.Sprintf("language.default %q is not supported", c.Language.Default))
	}
	seen := make(map[string]bool)
	for i, m := range c.Content.Models {
		if m.ID == "" {
			errs = append(errs, fmt.Sprintf("content.models[%d].id is required", i))
			continue
		}
		if seen[m.ID] {
			errs = append(errs, fmt.Sprintf("content.models[%d].id %q is duplicated", i, m.ID))
		}
		seen[m.ID] = true
		switch m.Kind {
		case "text", "image", "tool":
		default:
			errs = append(errs, fmt.Sprintf("content.models[%d].kind %q is not supported", i, m.Kind))
		}
	}
	for i, p := range c.Plans {
		if p.ID == "" {
			errs = append(errs, fmt.Sprintf("plans[%d].id is required", i))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ContextSupported reports whether the model keeps conversational context.
// Text models do unless configured otherwise; image and tool models never do.
func (m ModelConfig) ContextSupported() bool {
	if m.Kind != "text" {
		return false
	}
	if m.SupportsContext == nil {
		return true
	}
	return *m.SupportsContext
}
