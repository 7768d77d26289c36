// Package platform defines the boundary to chat platforms (Discord, Slack)
// and the event and message types exchanged across it.
package platform

import (
	"context"
	"fmt"
	"time"

	"github.com/zulandar/railbot/internal/models"
)

// Adapter is the interface that platform-specific implementations must satisfy.
type Adapter interface {
	// Connect establishes a connection to the chat platform.
	Connect(ctx context.Context) error

	// Listen returns a channel of inbound events. The channel is closed when
	// the adapter is closed. Listen must only be called after Connect.
	Listen(ctx context.Context) (<-chan Event, error)

	// Send delivers an outbound message and returns the platform id of the
	// message that was created. Failures are *TransportError.
	Send(ctx context.Context, msg Outbound) (string, error)

	// FileURL resolves an attachment reference to a downloadable URL.
	FileURL(ctx context.Context, fileRef string) (string, error)

	// Close gracefully shuts down the adapter connection.
	Close() error
}

// BotUserIDer is an optional interface that adapters can implement to
// expose the bot's own user ID. This enables self-message filtering.
type BotUserIDer interface {
	BotUserID() string
}

// Event is one raw inbound event: a text or media message, or a button press.
type Event struct {
	Platform         string              `json:"platform"`
	ConversationID   string              `json:"conversation_id"`
	MessageID        string              `json:"message_id"`
	ReplyToMessageID string              `json:"reply_to_message_id,omitempty"`
	UserID           string              `json:"user_id"`
	UserName         string              `json:"user_name,omitempty"`
	FirstName        string              `json:"first_name,omitempty"`
	LastName         string              `json:"last_name,omitempty"`
	LanguageCode     string              `json:"language_code,omitempty"`
	IsBot            bool                `json:"is_bot,omitempty"`
	Text             string              `json:"text,omitempty"`
	Caption          string              `json:"caption,omitempty"`
	Attachments      []models.Attachment `json:"attachments,omitempty"`
	Callback         *Callback           `json:"callback,omitempty"`
	SentAt           time.Time           `json:"sent_at"`
}

// Callback is a structured button press.
type Callback struct {
	ID        string `json:"id"`
	Data      string `json:"data"`
	MessageID string `json:"message_id,omitempty"`
}

// Button is one keyboard button. Buttons with Callback data produce a
// callback event when pressed; buttons without it send their label as text.
type Button struct {
	Label    string
	Callback string
	URL      string
}

// Keyboard is a grid of buttons attached to an outbound message.
type Keyboard struct {
	Inline bool // attached to the message rather than replacing the input keyboard
	Rows   [][]Button
}

// Outbound is a message to send to a conversation.
type Outbound struct {
	ConversationID string
	Text           string
	ReplyTo        string // platform message id to reply to or thread under
	Keyboard       *Keyboard
	MediaURLs      []string
}

// TransportError is a failure to deliver a message to the platform.
type TransportError struct {
	Platform string
	Op       string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Platform, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// LabelButtonPrefix marks button callback data that stands for the label
// text itself. Platforms without reply keyboards render reply keyboards as
// buttons carrying this prefix, and convert presses back into text events.
const LabelButtonPrefix = "label:"
