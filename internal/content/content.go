// Package content defines the boundary to the upstream LLM service that
// answers user prompts.
package content

import (
	"context"
	"fmt"

	"github.com/zulandar/railbot/internal/models"
	"gorm.io/gorm"
)

// Client is the interface the worker uses to talk to the upstream service.
type Client interface {
	// CreateConversation opens a new upstream chat and returns its id.
	CreateConversation(ctx context.Context, model, systemPrompt string) (string, error)

	// SendPrompt sends one user turn and returns the answer.
	SendPrompt(ctx context.Context, p Prompt) (*Answer, error)

	// ResetContext forgets the history of an upstream chat.
	ResetContext(ctx context.Context, upstreamID string) error

	// Transcribe converts a voice or audio file to text.
	Transcribe(ctx context.Context, fileURL string) (string, error)

	// Models lists the models the upstream service offers.
	Models(ctx context.Context) ([]models.AIModel, error)
}

// TxBinder is implemented by clients that keep chat state in the queue
// database. A bound client reads and writes through tx, so its state
// commits or rolls back together with the work item being processed.
type TxBinder interface {
	WithTx(tx *gorm.DB) Client
}

// Bind returns c bound to tx when c supports it, else c unchanged.
func Bind(c Client, tx *gorm.DB) Client {
	if b, ok := c.(TxBinder); ok && tx != nil {
		return b.WithTx(tx)
	}
	return c
}

// Prompt is one user turn.
type Prompt struct {
	UpstreamChatID string
	Model          string
	SystemPrompt   string
	Text           string
	FileURLs       []string
	Remember       bool // replay and extend the chat history
	WebSearch      bool
	Tool           string
	ImageAction    string // follow-up action on a generated image
}

// Answer is the upstream reply to a prompt.
type Answer struct {
	Text         string
	MediaURLs    []string
	Actions      []ImageAction
	InputTokens  int64
	OutputTokens int64
}

// ImageAction is a follow-up offered on a generated image.
type ImageAction struct {
	ID    string
	Label string
}

// Error is a failure reported by the upstream service. Expected errors are
// ones the bot knows how to recover from or explain to the user.
type Error struct {
	Code     string
	Expected bool
	Status   int
	Err      error
}

func (e *Error) Error() string {
	msg := "content: " + e.Code
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches errors by code, so errors.Is(err, ErrInvalidModel) holds for
// any invalid-model error regardless of status or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Error codes. Each has a localized "error.<code>" message.
const (
	CodeInvalidModel         = "invalid_model"
	CodeDefaultModelNotFound = "default_model_not_found"
	CodeChatNotFound         = "chat_not_found"
	CodeUnsupported          = "unsupported"
	CodeTokenLimitExceeded   = "token_limit_exceeded"
	CodeRateLimited          = "rate_limited"
	CodeUnknown              = "unknown"
)

var (
	ErrInvalidModel         = &Error{Code: CodeInvalidModel, Expected: true}
	ErrDefaultModelNotFound = &Error{Code: CodeDefaultModelNotFound, Expected: true}
	ErrChatNotFound         = &Error{Code: CodeChatNotFound, Expected: true}
	ErrUnsupported          = &Error{Code: CodeUnsupported, Expected: true}
)

// Unsupported reports a request the upstream service cannot serve.
func Unsupported(what string) error {
	return &Error{Code: CodeUnsupported, Expected: true, Err: fmt.Errorf("%s is not supported", what)}
}
