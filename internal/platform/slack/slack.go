// Package slack implements the platform Adapter for Slack using Socket Mode.
package slack

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"github.com/zulandar/railbot/internal/models"
	"github.com/zulandar/railbot/internal/platform"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff duration for reconnection.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff for reconnection.
	maxBackoff = 2 * time.Minute
	// maxReconnectAttempts limits reconnection retries before giving up.
	maxReconnectAttempts = 10
	// maxSectionText is the Block Kit limit for a section's text.
	maxSectionText = 3000
	// maxButtonValue is the Block Kit limit for a button value.
	maxButtonValue = 2000
)

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	AuthTest() (*slackapi.AuthTestResponse, error)
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
	GetUserInfo(userID string) (*slackapi.User, error)
	GetFileInfo(fileID string, count, page int) (*slackapi.File, []slackapi.Comment, *slackapi.Paging, error)
}

// socketClient abstracts the Socket Mode client methods we use.
type socketClient interface {
	Run() error
	EventsChan() chan socketmode.Event
	Ack(req socketmode.Request, payload ...interface{})
}

// realSocketClient wraps *socketmode.Client to implement socketClient.
type realSocketClient struct {
	client *socketmode.Client
}

func (r *realSocketClient) Run() error                        { return r.client.Run() }
func (r *realSocketClient) EventsChan() chan socketmode.Event { return r.client.Events }
func (r *realSocketClient) Ack(req socketmode.Request, payload ...interface{}) {
	r.client.Ack(req, payload...)
}

// Adapter implements platform.Adapter for Slack Socket Mode.
type Adapter struct {
	client       slackClient
	socket       socketClient
	botUserID    string
	appToken     string
	botToken     string
	sendOnly     bool
	mu           sync.Mutex
	connected    bool
	closed       bool
	inbound      chan platform.Event
	cancelFunc   context.CancelFunc
	baseBackoff  time.Duration // reconnection base backoff (default: baseBackoff const)
	maxBackoff   time.Duration // reconnection max backoff (default: maxBackoff const)
	maxReconnect int           // max reconnection attempts (default: maxReconnectAttempts)
}

// AdapterOpts holds parameters for creating a Slack Adapter.
type AdapterOpts struct {
	AppToken string // xapp-... Slack app-level token for Socket Mode
	BotToken string // xoxb-... Slack bot token
	// SendOnly skips Socket Mode entirely; no app token is needed.
	SendOnly bool
	// For testing: inject mock clients instead of real Slack API.
	Client slackClient
	Socket socketClient
}

// New creates a Slack Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	if !opts.SendOnly && opts.Socket == nil && opts.AppToken == "" {
		return nil, fmt.Errorf("slack: app token is required for socket mode")
	}

	a := &Adapter{
		appToken:     opts.AppToken,
		botToken:     opts.BotToken,
		sendOnly:     opts.SendOnly,
		inbound:      make(chan platform.Event, 100),
		baseBackoff:  baseBackoff,
		maxBackoff:   maxBackoff,
		maxReconnect: maxReconnectAttempts,
	}

	if opts.Client != nil {
		a.client = opts.Client
	}
	if opts.Socket != nil {
		a.socket = opts.Socket
	}

	return a, nil
}

// Connect authenticates the bot token and prepares the Socket Mode client.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("slack: adapter already closed")
	}
	if a.connected {
		return nil
	}

	// Create real clients if not injected (production path).
	if a.client == nil {
		var opts []slackapi.Option
		if a.appToken != "" {
			opts = append(opts, slackapi.OptionAppLevelToken(a.appToken))
		}
		api := slackapi.New(a.botToken, opts...)
		a.client = api
		if !a.sendOnly {
			a.socket = &realSocketClient{client: socketmode.New(api)}
		}
	}

	// Get bot user ID for self-message filtering.
	auth, err := a.client.AuthTest()
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	a.botUserID = auth.UserID

	a.connected = true
	return nil
}

// Listen returns a channel of inbound events. Starts the Socket Mode
// event pump in a background goroutine. Must be called after Connect.
func (a *Adapter) Listen(ctx context.Context) (<-chan platform.Event, error) {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return nil, fmt.Errorf("slack: not connected")
	}
	if a.socket == nil {
		a.mu.Unlock()
		return nil, fmt.Errorf("slack: adapter is send-only")
	}
	a.mu.Unlock()

	listenCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancelFunc = cancel
	a.mu.Unlock()

	go a.runWithReconnect(listenCtx)
	go a.pumpEvents(listenCtx)

	return a.inbound, nil
}

// Send delivers a message to Slack and returns its timestamp, which Slack
// uses as the message ID. Keyboards are rendered as Block Kit buttons.
// Slack replies are not threaded: a DM conversation stays a flat channel.
func (a *Adapter) Send(ctx context.Context, msg platform.Outbound) (string, error) {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return "", &platform.TransportError{Platform: "slack", Op: "post message", Err: errors.New("not connected")}
	}
	a.mu.Unlock()

	if msg.ConversationID == "" {
		return "", &platform.TransportError{Platform: "slack", Op: "post message", Err: errors.New("no channel specified")}
	}

	options := buildMessageOptions(msg)

	var ts string
	err := retryOnRateLimit(ctx, func() error {
		var postErr error
		_, ts, postErr = a.client.PostMessage(msg.ConversationID, options...)
		return postErr
	})
	if err != nil {
		return "", &platform.TransportError{Platform: "slack", Op: "post message", Err: err}
	}
	return ts, nil
}

// FileURL resolves a Slack file ID to its private download URL.
func (a *Adapter) FileURL(ctx context.Context, fileRef string) (string, error) {
	var file *slackapi.File
	err := retryOnRateLimit(ctx, func() error {
		var apiErr error
		file, _, _, apiErr = a.client.GetFileInfo(fileRef, 0, 0)
		return apiErr
	})
	if err != nil {
		return "", fmt.Errorf("slack: file info %s: %w", fileRef, err)
	}
	if file.URLPrivateDownload != "" {
		return file.URLPrivateDownload, nil
	}
	return file.URLPrivate, nil
}

// Close shuts down the adapter and closes the inbound channel.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.connected = false
	if a.cancelFunc != nil {
		a.cancelFunc()
	}
	close(a.inbound)
	return nil
}

// BotUserID returns the bot's Slack user ID (available after Connect).
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

// runWithReconnect runs the Socket Mode client and retries with exponential
// backoff when Run() returns an error (e.g., reconnection failure).
func (a *Adapter) runWithReconnect(ctx context.Context) {
	for attempt := 0; attempt < a.maxReconnect; attempt++ {
		err := a.socket.Run()
		if err == nil {
			return // clean shutdown
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * a.baseBackoff
		if wait > a.maxBackoff {
			wait = a.maxBackoff
		}

		log.Printf("slack: socket mode disconnected (attempt %d/%d): %v, reconnecting in %v",
			attempt+1, a.maxReconnect, err, wait)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
	log.Printf("slack: socket mode exhausted %d reconnection attempts, giving up", a.maxReconnect)
}

// pumpEvents reads Socket Mode events and converts them to platform events.
func (a *Adapter) pumpEvents(ctx context.Context) {
	events := a.socket.EventsChan()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			a.handleSocketEvent(evt)
		}
	}
}

// handleSocketEvent processes a single Socket Mode event.
func (a *Adapter) handleSocketEvent(evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		if evt.Request != nil {
			a.socket.Ack(*evt.Request)
		}
		a.handleEventsAPI(eventsAPIEvent)

	case socketmode.EventTypeInteractive:
		callback, ok := evt.Data.(slackapi.InteractionCallback)
		if !ok {
			return
		}
		if evt.Request != nil {
			a.socket.Ack(*evt.Request)
		}
		a.handleInteraction(callback)

	case socketmode.EventTypeConnecting:
		log.Printf("slack: connecting to Socket Mode...")

	case socketmode.EventTypeConnected:
		log.Printf("slack: connected to Socket Mode")

	case socketmode.EventTypeConnectionError:
		log.Printf("slack: connection error: %v", evt.Data)

	case socketmode.EventTypeDisconnect:
		log.Printf("slack: server requested disconnect, will reconnect")
	}
}

// handleEventsAPI processes Events API callbacks.
func (a *Adapter) handleEventsAPI(event slackevents.EventsAPIEvent) {
	if event.Type != slackevents.CallbackEvent {
		return
	}
	if ev, ok := event.InnerEvent.Data.(*slackevents.MessageEvent); ok {
		a.handleMessage(ev)
	}
}

// handleMessage converts a Slack message event to a platform.Event.
func (a *Adapter) handleMessage(ev *slackevents.MessageEvent) {
	if ev.User == a.BotUserID() {
		return
	}
	// Filter bot messages and message subtypes (edits, deletes, etc.),
	// except file shares, which carry user attachments.
	if ev.BotID != "" || (ev.SubType != "" && ev.SubType != "file_share") {
		return
	}

	out := platform.Event{
		Platform:         "slack",
		ConversationID:   ev.Channel,
		MessageID:        ev.TimeStamp,
		ReplyToMessageID: ev.ThreadTimeStamp,
		UserID:           ev.User,
		Text:             ev.Text,
		SentAt:           parseSlackTimestamp(ev.TimeStamp),
	}
	a.fillUser(&out)

	for _, f := range ev.Files {
		out.Attachments = append(out.Attachments, models.Attachment{
			Kind:     attachmentKind(f.Mimetype),
			FileRef:  f.ID,
			FileName: f.Name,
			MimeType: f.Mimetype,
			Size:     int64(f.Size),
		})
	}
	if len(out.Attachments) > 0 {
		out.Caption, out.Text = out.Text, ""
	}

	a.inbound <- out
}

// handleInteraction converts a block_actions payload into callback events,
// one per action. Label buttons turn back into text events.
func (a *Adapter) handleInteraction(cb slackapi.InteractionCallback) {
	if cb.Type != slackapi.InteractionTypeBlockActions {
		return
	}
	for _, action := range cb.ActionCallback.BlockActions {
		out := platform.Event{
			Platform:       "slack",
			ConversationID: cb.Channel.ID,
			MessageID:      cb.ActionTs,
			UserID:         cb.User.ID,
			UserName:       cb.User.Name,
			SentAt:         parseSlackTimestamp(cb.ActionTs),
		}
		a.fillUser(&out)
		if label, ok := strings.CutPrefix(action.Value, platform.LabelButtonPrefix); ok {
			out.Text = label
		} else {
			out.Callback = &platform.Callback{
				ID:        cb.TriggerID,
				Data:      action.Value,
				MessageID: cb.Message.Timestamp,
			}
		}
		a.inbound <- out
	}
}

// fillUser resolves profile details for the event's user. Lookup failures
// leave the user ID as the name.
func (a *Adapter) fillUser(ev *platform.Event) {
	if ev.UserID == "" {
		return
	}
	user, err := a.client.GetUserInfo(ev.UserID)
	if err != nil {
		if ev.UserName == "" {
			ev.UserName = ev.UserID
		}
		return
	}
	ev.UserName = user.Name
	ev.FirstName = user.Profile.FirstName
	ev.LastName = user.Profile.LastName
	if ev.FirstName == "" {
		ev.FirstName = user.Profile.DisplayName
	}
	ev.LanguageCode = user.Locale
	ev.IsBot = user.IsBot
}

// attachmentKind maps a Slack file mime type to an attachment kind.
// Recorded audio clips arrive as webm and count as voice.
func attachmentKind(mimeType string) string {
	switch {
	case mimeType == "audio/webm":
		return models.AttachmentVoice
	case strings.HasPrefix(mimeType, "audio/"):
		return models.AttachmentAudio
	case strings.HasPrefix(mimeType, "video/"):
		return models.AttachmentVideo
	case strings.HasPrefix(mimeType, "image/"):
		return models.AttachmentPhoto
	default:
		return models.AttachmentDocument
	}
}

// buildMessageOptions translates an Outbound into Slack MsgOptions.
func buildMessageOptions(msg platform.Outbound) []slackapi.MsgOption {
	options := []slackapi.MsgOption{slackapi.MsgOptionText(msg.Text, false)}
	if msg.Keyboard == nil && len(msg.MediaURLs) == 0 {
		return options
	}

	var blocks []slackapi.Block
	for _, chunk := range splitText(msg.Text, maxSectionText) {
		blocks = append(blocks, slackapi.NewSectionBlock(
			slackapi.NewTextBlockObject(slackapi.MarkdownType, chunk, false, false), nil, nil))
	}
	for i, u := range msg.MediaURLs {
		blocks = append(blocks, slackapi.NewImageBlock(u, fmt.Sprintf("image %d", i+1), "", nil))
	}
	if msg.Keyboard != nil {
		for r, row := range msg.Keyboard.Rows {
			var elems []slackapi.BlockElement
			for c, b := range row {
				elems = append(elems, buildButton(b, msg.Keyboard.Inline, fmt.Sprintf("btn_%d_%d", r, c)))
			}
			if len(elems) > 0 {
				blocks = append(blocks, slackapi.NewActionBlock(fmt.Sprintf("row_%d", r), elems...))
			}
		}
	}
	return append(options, slackapi.MsgOptionBlocks(blocks...))
}

func buildButton(b platform.Button, inline bool, actionID string) *slackapi.ButtonBlockElement {
	value := b.Callback
	if value == "" || !inline {
		value = platform.LabelButtonPrefix + b.Label
	}
	if len(value) > maxButtonValue {
		value = value[:maxButtonValue]
	}
	btn := slackapi.NewButtonBlockElement(actionID, value,
		slackapi.NewTextBlockObject(slackapi.PlainTextType, b.Label, false, false))
	if b.URL != "" {
		btn.URL = b.URL
	}
	return btn
}

// splitText cuts s into pieces of at most n runes. Empty input yields no pieces.
func splitText(s string, n int) []string {
	var out []string
	r := []rune(s)
	for len(r) > 0 {
		end := n
		if end > len(r) {
			end = len(r)
		}
		out = append(out, string(r[:end]))
		r = r[end:]
	}
	return out
}

// retryOnRateLimit calls fn and retries with backoff on Slack rate limit errors.
// It respects context cancellation and the RetryAfter duration from Slack.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) {
			return err // not a rate limit error, don't retry
		}

		if attempt == maxRetries {
			return err
		}

		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}

// parseSlackTimestamp converts a Slack timestamp (e.g., "1234567890.123456")
// to a time.Time.
func parseSlackTimestamp(ts string) time.Time {
	parts := strings.SplitN(ts, ".", 2)
	sec, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}
