// Package alert delivers operator alerts raised by the health monitor.
package alert

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"strings"

	"github.com/google/uuid"
	"github.com/zulandar/railbot/internal/platform"
)

// Notifier delivers one alert.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// Alert is one operator alert. ID correlates the alert across sinks.
type Alert struct {
	ID      string
	Message string
}

// New creates an alert with a fresh correlation id.
func New(message string) Alert {
	return Alert{ID: uuid.NewString()[:8], Message: message}
}

// PlatformSink posts alerts to a chat channel.
type PlatformSink struct {
	Adapter   platform.Adapter
	ChannelID string
}

// Notify sends the alert text to the configured channel.
func (s *PlatformSink) Notify(ctx context.Context, a Alert) error {
	if s.Adapter == nil || s.ChannelID == "" {
		return fmt.Errorf("alert: platform sink is not configured")
	}
	_, err := s.Adapter.Send(ctx, platform.Outbound{
		ConversationID: s.ChannelID,
		Text:           fmt.Sprintf("[%s]\n%s", a.ID, a.Message),
	})
	if err != nil {
		return fmt.Errorf("alert: send to %s: %w", s.ChannelID, err)
	}
	return nil
}

// CommandSink runs a shell command per alert. The command may reference
// {{.ID}} and {{.Message}}.
type CommandSink struct {
	Command string
}

// Notify runs the command. Output is included in the error on failure.
func (s *CommandSink) Notify(ctx context.Context, a Alert) error {
	if s.Command == "" {
		return nil
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", templateCommand(s.Command, a))
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("alert: command failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// templateCommand replaces placeholders in the command template. Single
// quotes in values are escaped for use inside single-quoted shell strings.
func templateCommand(command string, a Alert) string {
	esc := func(s string) string { return strings.ReplaceAll(s, "'", `'\''`) }
	r := strings.NewReplacer(
		"{{.ID}}", esc(a.ID),
		"{{.Message}}", esc(a.Message),
	)
	return r.Replace(command)
}

// Multi fans an alert out to every sink. Failures are logged and the first
// one is returned after all sinks have run.
type Multi []Notifier

// Notify delivers the alert to each sink.
func (m Multi) Notify(ctx context.Context, a Alert) error {
	var first error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, a); err != nil {
			log.Printf("alert: %v", err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// Recorder keeps delivered alerts in memory.
type Recorder struct {
	Alerts []Alert
}

// Notify records the alert.
func (r *Recorder) Notify(_ context.Context, a Alert) error {
	r.Alerts = append(r.Alerts, a)
	return nil
}
