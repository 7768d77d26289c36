package slack

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"github.com/zulandar/railbot/internal/models"
	"github.com/zulandar/railbot/internal/platform"
)

// --- Mock Slack client ---

type mockSlackClient struct {
	mu       sync.Mutex
	authResp *slackapi.AuthTestResponse
	authErr  error
	posted   []postedMessage
	postErr  error
	users    map[string]*slackapi.User
	files    map[string]*slackapi.File
}

type postedMessage struct {
	channelID string
	options   []slackapi.MsgOption
}

func newMockSlackClient() *mockSlackClient {
	return &mockSlackClient{
		authResp: &slackapi.AuthTestResponse{UserID: "U_BOT_123"},
		users:    make(map[string]*slackapi.User),
		files:    make(map[string]*slackapi.File),
	}
}

func (m *mockSlackClient) AuthTest() (*slackapi.AuthTestResponse, error) {
	return m.authResp, m.authErr
}

func (m *mockSlackClient) PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.postErr != nil {
		return "", "", m.postErr
	}
	m.posted = append(m.posted, postedMessage{channelID: channelID, options: options})
	return channelID, "1234567890.123456", nil
}

func (m *mockSlackClient) GetUserInfo(userID string) (*slackapi.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[userID]; ok {
		return u, nil
	}
	return nil, fmt.Errorf("user not found: %s", userID)
}

func (m *mockSlackClient) GetFileInfo(fileID string, count, page int) (*slackapi.File, []slackapi.Comment, *slackapi.Paging, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.files[fileID]; ok {
		return f, nil, nil, nil
	}
	return nil, nil, nil, errors.New("file_not_found")
}

func (m *mockSlackClient) postedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.posted)
}

// --- Mock Socket Mode client ---

type mockSocketClient struct {
	events chan socketmode.Event
	acked  []socketmode.Request
	mu     sync.Mutex
	done   chan struct{}
}

func newMockSocketClient() *mockSocketClient {
	return &mockSocketClient{
		events: make(chan socketmode.Event, 100),
		done:   make(chan struct{}),
	}
}

func (m *mockSocketClient) Run() error {
	<-m.done
	return nil
}

func (m *mockSocketClient) EventsChan() chan socketmode.Event {
	return m.events
}

func (m *mockSocketClient) Ack(req socketmode.Request, payload ...interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked = append(m.acked, req)
}

func (m *mockSocketClient) ackedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.acked)
}

// failingSocketClient fails Run() a specified number of times before succeeding.
type failingSocketClient struct {
	mu        sync.Mutex
	runCalls  int
	failCount int
	events    chan socketmode.Event
}

func (f *failingSocketClient) Run() error {
	f.mu.Lock()
	f.runCalls++
	n := f.runCalls
	f.mu.Unlock()
	if n <= f.failCount {
		return fmt.Errorf("connection failed (attempt %d)", n)
	}
	return nil
}

func (f *failingSocketClient) EventsChan() chan socketmode.Event     { return f.events }
func (f *failingSocketClient) Ack(req socketmode.Request, _ ...interface{}) {}

func newTestAdapter(t *testing.T) (*Adapter, *mockSlackClient, *mockSocketClient) {
	t.Helper()
	client := newMockSlackClient()
	socket := newMockSocketClient()
	t.Cleanup(func() { close(socket.done) })

	a, err := New(AdapterOpts{Client: client, Socket: socket})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return a, client, socket
}

func receive(t *testing.T, ch <-chan platform.Event) platform.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for inbound event")
	}
	return platform.Event{}
}

func messageEvent(ev *slackevents.MessageEvent) socketmode.Event {
	return socketmode.Event{
		Type: socketmode.EventTypeEventsAPI,
		Data: slackevents.EventsAPIEvent{
			Type:       slackevents.CallbackEvent,
			InnerEvent: slackevents.EventsAPIInnerEvent{Data: ev},
		},
		Request: &socketmode.Request{EnvelopeID: "env-1"},
	}
}

func TestNew_RequiresTokens(t *testing.T) {
	if _, err := New(AdapterOpts{AppToken: "xapp"}); err == nil || !strings.Contains(err.Error(), "bot token") {
		t.Errorf("err = %v, want bot token is required", err)
	}
	if _, err := New(AdapterOpts{BotToken: "xoxb"}); err == nil || !strings.Contains(err.Error(), "app token") {
		t.Errorf("err = %v, want app token is required", err)
	}
	if _, err := New(AdapterOpts{BotToken: "xoxb", SendOnly: true}); err != nil {
		t.Errorf("send-only adapter should not need an app token: %v", err)
	}
}

func TestConnect_AuthError(t *testing.T) {
	client := newMockSlackClient()
	client.authErr = errors.New("invalid_auth")
	a, _ := New(AdapterOpts{Client: client, Socket: newMockSocketClient()})
	err := a.Connect(context.Background())
	if err == nil || !strings.Contains(err.Error(), "auth test") {
		t.Errorf("err = %v, want auth test error", err)
	}
}

func TestConnect_SetsBotUserID(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	if a.BotUserID() != "U_BOT_123" {
		t.Errorf("BotUserID = %q, want U_BOT_123", a.BotUserID())
	}
}

func TestListen_SendOnly(t *testing.T) {
	a, _ := New(AdapterOpts{Client: newMockSlackClient(), SendOnly: true})
	a.Connect(context.Background())
	if _, err := a.Listen(context.Background()); err == nil {
		t.Error("expected error listening on a send-only adapter")
	}
}

func TestListen_ReceivesMessages(t *testing.T) {
	a, client, socket := newTestAdapter(t)
	client.users["U_ALICE"] = &slackapi.User{
		ID:     "U_ALICE",
		Name:   "alice",
		Locale: "ru-RU",
		Profile: slackapi.UserProfile{
			FirstName: "Alice",
			LastName:  "Liddell",
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := a.Listen(ctx)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	socket.events <- messageEvent(&slackevents.MessageEvent{
		User:      "U_ALICE",
		Channel:   "D1",
		Text:      "hello",
		TimeStamp: "1700000000.000001",
	})

	ev := receive(t, ch)
	if ev.Platform != "slack" {
		t.Errorf("Platform = %q, want slack", ev.Platform)
	}
	if ev.ConversationID != "D1" {
		t.Errorf("ConversationID = %q, want D1", ev.ConversationID)
	}
	if ev.MessageID != "1700000000.000001" {
		t.Errorf("MessageID = %q, want the ts", ev.MessageID)
	}
	if ev.FirstName != "Alice" || ev.LastName != "Liddell" {
		t.Errorf("name = %q %q", ev.FirstName, ev.LastName)
	}
	if ev.LanguageCode != "ru-RU" {
		t.Errorf("LanguageCode = %q, want ru-RU", ev.LanguageCode)
	}
	if ev.SentAt.Unix() != 1700000000 {
		t.Errorf("SentAt = %v", ev.SentAt)
	}
	if socket.ackedCount() != 1 {
		t.Errorf("acked = %d, want 1", socket.ackedCount())
	}
}

func TestHandleMessage_Filters(t *testing.T) {
	a, _, _ := newTestAdapter(t)

	a.handleMessage(&slackevents.MessageEvent{User: "U_BOT_123", Channel: "D1", Text: "self"})
	a.handleMessage(&slackevents.MessageEvent{User: "U1", BotID: "B1", Channel: "D1", Text: "bot"})
	a.handleMessage(&slackevents.MessageEvent{User: "U1", SubType: "message_changed", Channel: "D1"})

	select {
	case ev := <-a.inbound:
		t.Fatalf("unexpected event: %+v", ev)
	default:
	}

	a.handleMessage(&slackevents.MessageEvent{User: "U1", SubType: "file_share", Channel: "D1", Text: "caption"})
	select {
	case ev := <-a.inbound:
		if ev.UserName != "U1" {
			t.Errorf("UserName = %q, want ID fallback", ev.UserName)
		}
	default:
		t.Error("file_share messages should be delivered")
	}
}

func TestHandleInteraction_Callback(t *testing.T) {
	a, _, socket := newTestAdapter(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, _ := a.Listen(ctx)

	cb := slackapi.InteractionCallback{
		Type:      slackapi.InteractionTypeBlockActions,
		TriggerID: "T1",
		ActionTs:  "1700000001.000100",
		User:      slackapi.User{ID: "U1", Name: "bob"},
		ActionCallback: slackapi.ActionCallbacks{BlockActions: []*slackapi.BlockAction{
			{ActionID: "btn_0_0", Value: "select_chat?index=3"},
		}},
	}
	cb.Channel.ID = "D1"
	cb.Message.Timestamp = "1700000000.000001"

	socket.events <- socketmode.Event{
		Type:    socketmode.EventTypeInteractive,
		Data:    cb,
		Request: &socketmode.Request{EnvelopeID: "env-2"},
	}

	ev := receive(t, ch)
	if ev.Callback == nil {
		t.Fatal("expected callback")
	}
	if ev.Callback.Data != "select_chat?index=3" {
		t.Errorf("Callback.Data = %q", ev.Callback.Data)
	}
	if ev.Callback.MessageID != "1700000000.000001" {
		t.Errorf("Callback.MessageID = %q", ev.Callback.MessageID)
	}
	if ev.ConversationID != "D1" {
		t.Errorf("ConversationID = %q, want D1", ev.ConversationID)
	}
	if socket.ackedCount() != 1 {
		t.Errorf("acked = %d, want 1", socket.ackedCount())
	}
}

func TestHandleInteraction_LabelButtonBecomesText(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	cb := slackapi.InteractionCallback{
		Type: slackapi.InteractionTypeBlockActions,
		User: slackapi.User{ID: "U1"},
		ActionCallback: slackapi.ActionCallbacks{BlockActions: []*slackapi.BlockAction{
			{Value: platform.LabelButtonPrefix + "Buffer"},
		}},
	}
	a.handleInteraction(cb)

	ev := <-a.inbound
	if ev.Callback != nil {
		t.Error("label buttons should not produce callbacks")
	}
	if ev.Text != "Buffer" {
		t.Errorf("Text = %q, want Buffer", ev.Text)
	}
}

func TestSend_ReturnsTimestamp(t *testing.T) {
	a, client, _ := newTestAdapter(t)
	ts, err := a.Send(context.Background(), platform.Outbound{ConversationID: "D1", Text: "hi"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if ts != "1234567890.123456" {
		t.Errorf("ts = %q", ts)
	}
	if client.postedCount() != 1 {
		t.Errorf("posted = %d, want 1", client.postedCount())
	}
}

func TestSend_Errors(t *testing.T) {
	a, client, _ := newTestAdapter(t)

	_, err := a.Send(context.Background(), platform.Outbound{Text: "x"})
	var te *platform.TransportError
	if !errors.As(err, &te) {
		t.Errorf("no channel: err = %v, want TransportError", err)
	}

	client.postErr = errors.New("channel_not_found")
	_, err = a.Send(context.Background(), platform.Outbound{ConversationID: "D1", Text: "x"})
	if !errors.As(err, &te) || te.Platform != "slack" {
		t.Errorf("post error: err = %v, want slack TransportError", err)
	}

	b, _ := New(AdapterOpts{Client: newMockSlackClient(), SendOnly: true})
	if _, err := b.Send(context.Background(), platform.Outbound{ConversationID: "D1"}); err == nil {
		t.Error("expected not connected error")
	}
}

func TestFileURL(t *testing.T) {
	a, client, _ := newTestAdapter(t)
	client.files["F1"] = &slackapi.File{ID: "F1", URLPrivate: "https://files.slack.com/p", URLPrivateDownload: "https://files.slack.com/d"}

	u, err := a.FileURL(context.Background(), "F1")
	if err != nil {
		t.Fatalf("FileURL: %v", err)
	}
	if u != "https://files.slack.com/d" {
		t.Errorf("url = %q, want the download URL", u)
	}
	if _, err := a.FileURL(context.Background(), "F404"); err == nil {
		t.Error("expected error for unknown file")
	}
}

func TestBuildMessageOptions(t *testing.T) {
	if n := len(buildMessageOptions(platform.Outbound{Text: "hello"})); n != 1 {
		t.Errorf("text only: %d options, want 1", n)
	}
	kb := &platform.Keyboard{Inline: true, Rows: [][]platform.Button{{{Label: "A", Callback: "a"}}}}
	if n := len(buildMessageOptions(platform.Outbound{Text: "hello", Keyboard: kb})); n != 2 {
		t.Errorf("with keyboard: %d options, want 2 (text + blocks)", n)
	}
}

func TestBuildButton(t *testing.T) {
	b := buildButton(platform.Button{Label: "Next", Callback: "chat_list?page=2"}, true, "btn_0_0")
	if b.Value != "chat_list?page=2" {
		t.Errorf("Value = %q", b.Value)
	}
	reply := buildButton(platform.Button{Label: "Next"}, false, "btn_0_1")
	if reply.Value != platform.LabelButtonPrefix+"Next" {
		t.Errorf("reply Value = %q", reply.Value)
	}
	link := buildButton(platform.Button{Label: "Pay", URL: "https://pay.example.com"}, true, "btn_0_2")
	if link.URL != "https://pay.example.com" {
		t.Errorf("URL = %q", link.URL)
	}
}

func TestSplitText(t *testing.T) {
	if got := splitText("", 10); len(got) != 0 {
		t.Errorf("splitText(empty) = %v", got)
	}
	got := splitText(strings.Repeat("я", 25), 10)
	if len(got) != 3 || len([]rune(got[2])) != 5 {
		t.Errorf("splitText = %d pieces", len(got))
	}
}

func TestAttachmentKind(t *testing.T) {
	tests := []struct {
		mime string
		want string
	}{
		{"audio/webm", models.AttachmentVoice},
		{"audio/mpeg", models.AttachmentAudio},
		{"video/mp4", models.AttachmentVideo},
		{"image/jpeg", models.AttachmentPhoto},
		{"application/pdf", models.AttachmentDocument},
	}
	for _, tt := range tests {
		if got := attachmentKind(tt.mime); got != tt.want {
			t.Errorf("attachmentKind(%q) = %q, want %q", tt.mime, got, tt.want)
		}
	}
}

func TestParseSlackTimestamp(t *testing.T) {
	tests := []struct {
		ts   string
		want int64
	}{
		{"1700000000.000001", 1700000000},
		{"1234567890.123456", 1234567890},
		{"", 0},
		{"invalid", 0},
	}
	for _, tt := range tests {
		got := parseSlackTimestamp(tt.ts)
		if tt.want == 0 && !got.IsZero() {
			t.Errorf("parseSlackTimestamp(%q) = %v, want zero", tt.ts, got)
		} else if tt.want != 0 && got.Unix() != tt.want {
			t.Errorf("parseSlackTimestamp(%q) = %d, want %d", tt.ts, got.Unix(), tt.want)
		}
	}
}

func TestRetryOnRateLimit_RetriesAndSucceeds(t *testing.T) {
	calls := 0
	err := retryOnRateLimit(context.Background(), func() error {
		calls++
		if calls < 3 {
			return &slackapi.RateLimitedError{RetryAfter: time.Millisecond}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetryOnRateLimit_NonRateLimitError(t *testing.T) {
	calls := 0
	err := retryOnRateLimit(context.Background(), func() error {
		calls++
		return fmt.Errorf("some other error")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("should not retry non-rate-limit errors, calls = %d", calls)
	}
}

func TestRunWithReconnect_RetriesOnError(t *testing.T) {
	socket := &failingSocketClient{failCount: 2, events: make(chan socketmode.Event, 10)}
	a, err := New(AdapterOpts{Client: newMockSlackClient(), Socket: socket})
	if err != nil {
		t.Fatal(err)
	}
	a.baseBackoff = time.Millisecond
	a.maxBackoff = 10 * time.Millisecond

	done := make(chan struct{})
	go func() {
		a.runWithReconnect(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout: runWithReconnect should finish after retries succeed")
	}

	socket.mu.Lock()
	calls := socket.runCalls
	socket.mu.Unlock()
	if calls != 3 {
		t.Errorf("expected 3 Run() calls (2 failures + 1 success), got %d", calls)
	}
}

var _ platform.Adapter = (*Adapter)(nil)
