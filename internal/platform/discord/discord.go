// Package discord implements the platform Adapter for Discord using the Gateway WebSocket.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/railbot/internal/models"
	"github.com/zulandar/railbot/internal/platform"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff duration for rate-limit retries.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff.
	maxBackoff = 2 * time.Minute
	// maxButtonsPerRow is Discord's action row limit.
	maxButtonsPerRow = 5
	// maxRows is Discord's limit on action rows per message.
	maxRows = 5
	// maxCustomID is Discord's limit on component custom_id length.
	maxCustomID = 100
	// maxLabel is Discord's limit on button label length.
	maxLabel = 80
)

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	Open() error
	Close() error
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	AddHandler(handler interface{}) func()
}

// realSession wraps *discordgo.Session to implement the session interface.
type realSession struct {
	s *discordgo.Session
}

func (r *realSession) Open() error  { return r.s.Open() }
func (r *realSession) Close() error { return r.s.Close() }
func (r *realSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageSendComplex(channelID, data, options...)
}
func (r *realSession) InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error {
	return r.s.InteractionRespond(interaction, resp, options...)
}
func (r *realSession) AddHandler(handler interface{}) func() {
	return r.s.AddHandler(handler)
}

// Adapter implements platform.Adapter for Discord via the Gateway WebSocket.
type Adapter struct {
	sess           session
	botToken       string
	sendOnly       bool
	botUserID      string
	mu             sync.Mutex
	connected      bool
	closed         bool
	inbound        chan platform.Event
	cancelFunc     context.CancelFunc
	removeHandlers []func()
	baseBackoff    time.Duration
	maxBackoff     time.Duration
}

// AdapterOpts holds parameters for creating a Discord Adapter.
type AdapterOpts struct {
	BotToken string // Discord bot token
	// SendOnly skips opening the Gateway. Workers only send over REST.
	SendOnly bool
	// For testing: inject a mock session instead of real Discord API.
	Session session
}

// New creates a Discord Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}

	a := &Adapter{
		botToken:    opts.BotToken,
		sendOnly:    opts.SendOnly,
		inbound:     make(chan platform.Event, 100),
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
	}
	if opts.Session != nil {
		a.sess = opts.Session
	}
	return a, nil
}

// Connect establishes the Discord Gateway WebSocket connection.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("discord: adapter already closed")
	}
	if a.connected {
		return nil
	}

	// Create real session if not injected (production path).
	if a.sess == nil {
		dg, err := discordgo.New("Bot " + a.botToken)
		if err != nil {
			return fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuildMessages |
			discordgo.IntentsDirectMessages |
			discordgo.IntentsMessageContent
		a.sess = &realSession{s: dg}
	}

	if a.sendOnly {
		a.connected = true
		return nil
	}

	// Capture bot user ID on connect/reconnect.
	a.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		a.mu.Lock()
		a.botUserID = r.User.ID
		a.mu.Unlock()
		log.Printf("discord: connected as %s (ID: %s)", r.User.Username, r.User.ID)
	})

	// discordgo reconnects on its own; log for observability.
	a.sess.AddHandler(func(_ *discordgo.Session, d *discordgo.Disconnect) {
		log.Printf("discord: gateway disconnected, discordgo will auto-reconnect")
	})

	if err := a.sess.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}

	a.connected = true
	return nil
}

// Listen returns a channel of inbound events from Discord. Registers message
// and component-interaction handlers on the Gateway session.
func (a *Adapter) Listen(ctx context.Context) (<-chan platform.Event, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, fmt.Errorf("discord: not connected")
	}
	if a.sendOnly {
		return nil, fmt.Errorf("discord: adapter is send-only")
	}

	_, cancel := context.WithCancel(ctx)
	a.cancelFunc = cancel

	a.removeHandlers = append(a.removeHandlers,
		a.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
			a.handleMessage(m)
		}),
		a.sess.AddHandler(func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
			a.handleInteraction(i)
		}),
	)
	return a.inbound, nil
}

// Send delivers a message to Discord. Keyboards become button action rows.
func (a *Adapter) Send(ctx context.Context, msg platform.Outbound) (string, error) {
	a.mu.Lock()
	connected := a.connected
	a.mu.Unlock()
	if !connected {
		return "", &platform.TransportError{Platform: "discord", Op: "send message", Err: errors.New("not connected")}
	}
	if msg.ConversationID == "" {
		return "", &platform.TransportError{Platform: "discord", Op: "send message", Err: errors.New("no channel specified")}
	}

	data := buildMessageSend(msg)

	var sent *discordgo.Message
	err := a.retryOnRateLimit(ctx, func() error {
		var sendErr error
		sent, sendErr = a.sess.ChannelMessageSendComplex(msg.ConversationID, data)
		return sendErr
	})
	if err != nil {
		return "", &platform.TransportError{Platform: "discord", Op: "send message", Err: err}
	}
	if sent == nil {
		return "", nil
	}
	return sent.ID, nil
}

// FileURL returns the attachment reference unchanged: Discord attachment
// references are already CDN URLs.
func (a *Adapter) FileURL(ctx context.Context, fileRef string) (string, error) {
	if !strings.HasPrefix(fileRef, "https://") {
		return "", fmt.Errorf("discord: file reference %q is not a URL", fileRef)
	}
	return fileRef, nil
}

// Close gracefully shuts down the adapter connection.
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
	for _, remove := range a.removeHandlers {
		remove()
	}
	close(a.inbound)
	if a.sess != nil && !a.sendOnly {
		return a.sess.Close()
	}
	return nil
}

// BotUserID returns the bot's Discord user ID (available after Connect).
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

// SetBotUserID sets the bot user ID (used for self-message filtering).
func (a *Adapter) SetBotUserID(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.botUserID = id
}

// handleMessage converts a Discord message event to a platform.Event.
func (a *Adapter) handleMessage(m *discordgo.MessageCreate) {
	if m.Author == nil {
		return
	}

	a.mu.Lock()
	botID := a.botUserID
	a.mu.Unlock()
	if m.Author.ID == botID {
		return
	}

	ts, _ := discordgo.SnowflakeTimestamp(m.ID)
	ev := platform.Event{
		Platform:       "discord",
		ConversationID: m.ChannelID,
		MessageID:      m.ID,
		UserID:         m.Author.ID,
		UserName:       m.Author.Username,
		FirstName:      m.Author.GlobalName,
		LanguageCode:   m.Author.Locale,
		IsBot:          m.Author.Bot,
		Text:           m.Content,
		SentAt:         ts,
	}
	if m.MessageReference != nil {
		ev.ReplyToMessageID = m.MessageReference.MessageID
	}
	voice := m.Flags&discordgo.MessageFlagsIsVoiceMessage != 0
	for _, att := range m.Attachments {
		ev.Attachments = append(ev.Attachments, models.Attachment{
			Kind:     attachmentKind(att.ContentType, voice),
			FileRef:  att.URL,
			FileName: att.Filename,
			MimeType: att.ContentType,
			Size:     int64(att.Size),
		})
	}
	if len(ev.Attachments) > 0 {
		ev.Caption, ev.Text = ev.Text, ""
	}

	a.inbound <- ev
}

// handleInteraction converts a button press to a callback or, for label
// buttons standing in for a reply keyboard, to a text event.
func (a *Adapter) handleInteraction(i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionMessageComponent {
		return
	}
	data := i.MessageComponentData()

	// Acknowledge so the client does not show "interaction failed".
	if err := a.sess.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredMessageUpdate,
	}); err != nil {
		log.Printf("discord: ack interaction %s: %v", i.ID, err)
	}

	user := i.User
	if user == nil && i.Member != nil {
		user = i.Member.User
	}
	if user == nil {
		return
	}

	ev := platform.Event{
		Platform:       "discord",
		ConversationID: i.ChannelID,
		MessageID:      i.ID,
		UserID:         user.ID,
		UserName:       user.Username,
		FirstName:      user.GlobalName,
		LanguageCode:   string(i.Locale),
		IsBot:          user.Bot,
		SentAt:         time.Now(),
	}
	if label, ok := strings.CutPrefix(data.CustomID, platform.LabelButtonPrefix); ok {
		ev.Text = label
	} else {
		ev.Callback = &platform.Callback{ID: i.ID, Data: data.CustomID}
		if i.Message != nil {
			ev.Callback.MessageID = i.Message.ID
		}
	}

	a.inbound <- ev
}

// attachmentKind maps a Discord attachment content type to an attachment kind.
func attachmentKind(contentType string, voice bool) string {
	switch {
	case voice:
		return models.AttachmentVoice
	case strings.HasPrefix(contentType, "audio/"):
		return models.AttachmentAudio
	case strings.HasPrefix(contentType, "video/"):
		return models.AttachmentVideo
	case strings.HasPrefix(contentType, "image/"):
		return models.AttachmentPhoto
	default:
		return models.AttachmentDocument
	}
}

// buildMessageSend translates an Outbound into a Discord MessageSend.
func buildMessageSend(msg platform.Outbound) *discordgo.MessageSend {
	data := &discordgo.MessageSend{
		Content: msg.Text,
	}
	if msg.ReplyTo != "" {
		data.Reference = &discordgo.MessageReference{
			MessageID: msg.ReplyTo,
			ChannelID: msg.ConversationID,
		}
	}
	for _, u := range msg.MediaURLs {
		data.Embeds = append(data.Embeds, &discordgo.MessageEmbed{
			Image: &discordgo.MessageEmbedImage{URL: u},
		})
	}
	if msg.Keyboard != nil {
		data.Components = keyboardComponents(msg.Keyboard)
	}
	return data
}

// keyboardComponents renders keyboard rows as action rows of buttons,
// splitting rows wider than Discord allows.
func keyboardComponents(kb *platform.Keyboard) []discordgo.MessageComponent {
	var rows []discordgo.MessageComponent
	for _, row := range kb.Rows {
		for start := 0; start < len(row); start += maxButtonsPerRow {
			end := start + maxButtonsPerRow
			if end > len(row) {
				end = len(row)
			}
			var buttons []discordgo.MessageComponent
			for _, b := range row[start:end] {
				buttons = append(buttons, buildButton(b, kb.Inline))
			}
			rows = append(rows, discordgo.ActionsRow{Components: buttons})
			if len(rows) == maxRows {
				return rows
			}
		}
	}
	return rows
}

func buildButton(b platform.Button, inline bool) discordgo.Button {
	label := truncate(b.Label, maxLabel)
	if b.URL != "" {
		return discordgo.Button{Label: label, Style: discordgo.LinkButton, URL: b.URL}
	}
	customID := b.Callback
	style := discordgo.PrimaryButton
	if customID == "" || !inline {
		customID = platform.LabelButtonPrefix + b.Label
		style = discordgo.SecondaryButton
	}
	return discordgo.Button{
		Label:    label,
		Style:    style,
		CustomID: truncate(customID, maxCustomID),
	}
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// retryOnRateLimit calls fn and retries with exponential backoff on Discord
// rate limit errors. It respects context cancellation.
func (a *Adapter) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var restErr *discordgo.RESTError
		if !errors.As(err, &restErr) || restErr.Response == nil || restErr.Response.StatusCode != 429 {
			return err
		}
		if attempt == maxRetries {
			return err
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * a.baseBackoff
		if wait > a.maxBackoff {
			wait = a.maxBackoff
		}
		log.Printf("discord: rate limited (attempt %d/%d), retrying in %v",
			attempt+1, maxRetries, wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}
