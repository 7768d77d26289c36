package content

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"
	"github.com/zulandar/railbot/internal/models"
	"gorm.io/gorm"
)

// historyLimit bounds the number of replayed turns per prompt.
const historyLimit = 40

// Messager is the subset of the Anthropic client used here.
type Messager interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// AnthropicOpts configures an Anthropic client.
type AnthropicOpts struct {
	APIKey       string
	DefaultModel string
	MaxTokens    int64
	Messager     Messager // injected in tests
}

// Anthropic answers prompts with the Anthropic Messages API. Chat history
// is kept in the turns table and replayed with every prompt.
type Anthropic struct {
	db           *gorm.DB
	msgs         Messager
	defaultModel string
	maxTokens    int64
}

// NewAnthropic creates an Anthropic content client.
func NewAnthropic(db *gorm.DB, opts AnthropicOpts) (*Anthropic, error) {
	if db == nil {
		return nil, fmt.Errorf("content: db is required")
	}
	msgs := opts.Messager
	if msgs == nil {
		if opts.APIKey == "" {
			return nil, fmt.Errorf("content: api key is required")
		}
		client := anthropic.NewClient(option.WithAPIKey(opts.APIKey))
		msgs = &client.Messages
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Anthropic{db: db, msgs: msgs, defaultModel: opts.DefaultModel, maxTokens: maxTokens}, nil
}

// WithTx returns a copy of the client that stores turns through tx.
func (a *Anthropic) WithTx(tx *gorm.DB) Client {
	c := *a
	c.db = tx
	return &c
}

// CreateConversation mints an upstream chat id. The Messages API is
// stateless, so the chat exists only as its stored turns.
func (a *Anthropic) CreateConversation(_ context.Context, model, _ string) (string, error) {
	if model == "" && a.defaultModel == "" {
		return "", ErrDefaultModelNotFound
	}
	return uuid.NewString(), nil
}

// SendPrompt sends one user turn, replaying the stored history when the
// prompt remembers context.
func (a *Anthropic) SendPrompt(ctx context.Context, p Prompt) (*Answer, error) {
	if _, err := uuid.Parse(p.UpstreamChatID); err != nil {
		return nil, &Error{Code: CodeChatNotFound, Expected: true, Err: fmt.Errorf("upstream chat %q", p.UpstreamChatID)}
	}
	if p.ImageAction != "" {
		return nil, Unsupported("image actions")
	}
	model := p.Model
	if model == "" {
		model = a.defaultModel
	}
	if model == "" {
		return nil, ErrDefaultModelNotFound
	}

	var history []models.Turn
	if p.Remember {
		var err error
		history, err = a.history(p.UpstreamChatID)
		if err != nil {
			return nil, err
		}
	}

	userText := p.Text
	if len(p.FileURLs) > 0 {
		userText += "\n\nAttached files:\n" + strings.Join(p.FileURLs, "\n")
	}
	if p.Tool != "" {
		userText = fmt.Sprintf("[tool: %s]\n%s", p.Tool, userText)
	}

	msgs := make([]anthropic.MessageParam, 0, len(history)+1)
	for _, t := range history {
		if t.Role == "assistant" {
			msgs = append(msgs, anthropic.NewAssistantMessage(anthropic.NewTextBlock(t.Text)))
		} else {
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(t.Text)))
		}
	}
	msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(userText)))

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: a.maxTokens,
		Messages:  msgs,
	}
	if p.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: p.SystemPrompt}}
	}
	if p.WebSearch {
		params.Tools = []anthropic.ToolUnionParam{{OfWebSearchTool20250305: &anthropic.WebSearchTool20250305Param{}}}
	}

	resp, err := a.msgs.New(ctx, params)
	if err != nil {
		return nil, classifyAPIError(err)
	}

	var parts []string
	for _, block := range resp.Content {
		if block.Type == "text" {
			parts = append(parts, block.Text)
		}
	}
	answer := &Answer{
		Text:         strings.TrimSpace(strings.Join(parts, "")),
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}

	if p.Remember {
		turns := []models.Turn{
			{UpstreamChatID: p.UpstreamChatID, Role: "user", Text: userText},
			{UpstreamChatID: p.UpstreamChatID, Role: "assistant", Text: answer.Text},
		}
		if err := a.db.Create(&turns).Error; err != nil {
			return nil, fmt.Errorf("content: store turns of %s: %w", p.UpstreamChatID, err)
		}
	}
	return answer, nil
}

// history returns the most recent turns of a chat in chronological order.
func (a *Anthropic) history(upstreamID string) ([]models.Turn, error) {
	var turns []models.Turn
	if err := a.db.Where("upstream_chat_id = ?", upstreamID).
		Order("id DESC").Limit(historyLimit).Find(&turns).Error; err != nil {
		return nil, fmt.Errorf("content: load history of %s: %w", upstreamID, err)
	}
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	// The API requires the conversation to open with a user turn.
	for len(turns) > 0 && turns[0].Role != "user" {
		turns = turns[1:]
	}
	return turns, nil
}

// ResetContext deletes the stored history of a chat.
func (a *Anthropic) ResetContext(_ context.Context, upstreamID string) error {
	if err := a.db.Where("upstream_chat_id = ?", upstreamID).Delete(&models.Turn{}).Error; err != nil {
		return fmt.Errorf("content: reset %s: %w", upstreamID, err)
	}
	return nil
}

// Transcribe is not offered by the Messages API.
func (a *Anthropic) Transcribe(_ context.Context, _ string) (string, error) {
	return "", Unsupported("transcription")
}

// Models returns the enabled catalog entries.
func (a *Anthropic) Models(_ context.Context) ([]models.AIModel, error) {
	var list []models.AIModel
	if err := a.db.Where("enabled = ?", true).Order("id ASC").Find(&list).Error; err != nil {
		return nil, fmt.Errorf("content: list models: %w", err)
	}
	return list, nil
}

// classifyAPIError maps API failures onto the content error taxonomy.
// Context cancellation is returned as is.
func classifyAPIError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return &Error{Code: CodeUnknown, Err: err}
	}
	var msg string
	if apiErr.Request != nil && apiErr.Response != nil {
		msg = strings.ToLower(apiErr.Error())
	}
	switch {
	case apiErr.StatusCode == http.StatusNotFound:
		return &Error{Code: CodeInvalidModel, Expected: true, Status: apiErr.StatusCode, Err: err}
	case apiErr.StatusCode == http.StatusBadRequest && strings.Contains(msg, "model"):
		return &Error{Code: CodeInvalidModel, Expected: true, Status: apiErr.StatusCode, Err: err}
	case apiErr.StatusCode == http.StatusBadRequest && strings.Contains(msg, "too long"):
		return &Error{Code: CodeTokenLimitExceeded, Status: apiErr.StatusCode, Err: err}
	case apiErr.StatusCode == http.StatusTooManyRequests:
		return &Error{Code: CodeRateLimited, Status: apiErr.StatusCode, Err: err}
	}
	return &Error{Code: CodeUnknown, Status: apiErr.StatusCode, Err: err}
}

var _ Client = (*Anthropic)(nil)
