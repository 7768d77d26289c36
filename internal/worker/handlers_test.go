package worker

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/zulandar/railbot/internal/content"
	"github.com/zulandar/railbot/internal/keyboard"
	"github.com/zulandar/railbot/internal/models"
	"github.com/zulandar/railbot/internal/platform"
	"github.com/zulandar/railbot/internal/session"
)

// do enqueues one request and processes it.
func (h *harness) do(t *testing.T, action models.ActionType, text string, p *models.Payload) *models.WorkItem {
	t.Helper()
	item := h.enqueue(t, action, text, p)
	h.step(t)
	return item
}

func (h *harness) reloadSession(t *testing.T) *models.Session {
	t.Helper()
	s, err := session.Get(h.db, h.session.ID)
	if err != nil {
		t.Fatalf("session.Get: %v", err)
	}
	return s
}

func TestHandlers_CoverEveryAction(t *testing.T) {
	all := []models.ActionType{
		models.ActionStart, models.ActionSendMessage, models.ActionGetUserInfo,
		models.ActionCreateNewChat, models.ActionListPlans, models.ActionCancelBuyPlan,
		models.ActionCreateNewImageGenerationChat, models.ActionConnectAccount,
		models.ActionVoiceMessage, models.ActionSelectPaymentMethod, models.ActionGptConfig,
		models.ActionImageGenerationConfig, models.ActionToolz, models.ActionContextConfig,
		models.ActionDocumentMessage, models.ActionLinksParsingConfig, models.ActionPresent,
		models.ActionAddToContext, models.ActionBufferMessage, models.ActionSendBuffer,
		models.ActionCancelAddToContext, models.ActionSetSystemPrompt, models.ActionSaveSystemPrompt,
		models.ActionCancelSetSystemPrompt, models.ActionResetSystemPrompt, models.ActionSelectChat,
		models.ActionFormulaToImageConfig, models.ActionAnswerToVoiceConfig, models.ActionReferral,
		models.ActionListReferralTemplates, models.ActionCreateReferralProgram, models.ActionPrivacy,
		models.ActionVideoMessage, models.ActionResetContext, models.ActionChangeWebSearch,
		models.ActionChatList, models.ActionCreateNewCustomChatWithoutName,
		models.ActionCancelCreateNewCustomChat, models.ActionSetChatName, models.ActionImageButtons,
	}
	hs := handlers()
	for _, a := range all {
		if _, ok := hs[a]; !ok {
			t.Errorf("no handler for %q", a)
		}
	}
	if len(hs) != len(all) {
		t.Errorf("len(handlers) = %d, want %d", len(hs), len(all))
	}
}

func TestHandleStart(t *testing.T) {
	h := newHarness(t, 1)
	h.do(t, models.ActionStart, "/start", nil)
	if got := h.lastText(t); !strings.HasPrefix(got, "Hi, Ann!") {
		t.Errorf("sent = %q", got)
	}

	h.session.ReferralCode = "R42"
	session.Save(h.db, h.session)
	h.do(t, models.ActionStart, "/start R42", nil)
	if got := h.lastText(t); !strings.Contains(got, "Referral code R42") {
		t.Errorf("sent = %q, want referral line", got)
	}
}

func TestHandleBufferFlow(t *testing.T) {
	h := newHarness(t, 1)
	h.do(t, models.ActionBufferMessage, "", &models.Payload{Text: "first part"})
	if got := h.lastText(t); got != "Added to the buffer, 1 item(s) so far." {
		t.Errorf("sent = %q", got)
	}
	h.do(t, models.ActionBufferMessage, "", &models.Payload{
		Caption:     "second part",
		Attachments: []models.Attachment{{Kind: models.AttachmentDocument, FileRef: "f1"}},
	})
	if got := h.lastText(t); !strings.Contains(got, "2 item(s)") {
		t.Errorf("sent = %q", got)
	}

	h.do(t, models.ActionSendBuffer, "📨 Send buffer", nil)
	p := h.content.LastPrompt()
	if p == nil {
		t.Fatal("buffer was not sent")
	}
	if p.Text != "first part\n\nsecond part" {
		t.Errorf("prompt text = %q", p.Text)
	}
	if len(p.FileURLs) != 1 || p.FileURLs[0] != "https://files.invalid/f1" {
		t.Errorf("prompt files = %v", p.FileURLs)
	}
	entries, _ := h.conversation(t, 1).BufferEntries()
	if len(entries) != 0 {
		t.Errorf("buffer = %d entries, want cleared", len(entries))
	}
}

func TestHandleBufferMessage_EmptySend(t *testing.T) {
	h := newHarness(t, 1)
	h.do(t, models.ActionBufferMessage, "", &models.Payload{EmptySend: true})
	if got := h.lastText(t); got != catalog.T("en", "buffer.empty") {
		t.Errorf("sent = %q", got)
	}
	h.do(t, models.ActionSendBuffer, "", nil)
	if got := h.lastText(t); got != catalog.T("en", "buffer.empty") {
		t.Errorf("sent = %q", got)
	}
	if len(h.content.Prompts()) != 0 {
		t.Error("an empty buffer must not reach the model")
	}
}

func TestHandleCreateCustomChat(t *testing.T) {
	h := newHarness(t, 1)
	h.do(t, models.ActionSetChatName, "Work", nil)

	if got := h.lastText(t); got != `Chat 6 is now called "Work".` {
		t.Errorf("sent = %q", got)
	}
	if got := h.reloadSession(t).CurrentConversationIndex; got != 6 {
		t.Errorf("CurrentConversationIndex = %d, want 6", got)
	}
	c := h.conversation(t, 6)
	if c.Name != "Work" || c.Model != "sonnet" {
		t.Errorf("conversation = %+v", c)
	}
	if created := h.content.Created(); len(created) != 1 || c.UpstreamChatID != created[0] {
		t.Errorf("upstream = %q, created = %v", c.UpstreamChatID, created)
	}

	h.do(t, models.ActionCreateNewCustomChatWithoutName, "➡️ Without name", nil)
	if got := h.lastText(t); got != "New chat started with model sonnet." {
		t.Errorf("sent = %q", got)
	}
	if got := h.reloadSession(t).CurrentConversationIndex; got != 7 {
		t.Errorf("CurrentConversationIndex = %d, want 7", got)
	}
}

func TestHandleCreateCustomChat_NoFreeIndex(t *testing.T) {
	h := newHarness(t, 1)
	session.EnsureConversation(h.db, h.session.ID, models.MaxConversationIndex, session.ConversationDefaults{Model: "sonnet"})
	h.do(t, models.ActionSetChatName, "Overflow", nil)
	if got := h.lastText(t); got != catalog.T("en", "error.unsupported") {
		t.Errorf("sent = %q", got)
	}
}

func TestHandleCreateNewChat(t *testing.T) {
	h := newHarness(t, 1)
	h.session.TextModel = "haiku"
	h.session.Tool = "search"
	session.Save(h.db, h.session)

	h.do(t, models.ActionCreateNewChat, "🆕 New chat", nil)
	if got := h.lastText(t); got != "New chat started with model haiku." {
		t.Errorf("sent = %q", got)
	}
	if got := h.conversation(t, 1).Model; got != "haiku" {
		t.Errorf("Model = %q, want haiku", got)
	}
	if got := h.reloadSession(t).Tool; got != "" {
		t.Errorf("Tool = %q, want cleared", got)
	}
}

func TestHandleCreateNewImageChat(t *testing.T) {
	h := newHarness(t, 1)
	h.do(t, models.ActionCreateNewImageGenerationChat, "🎨 New image chat", nil)
	c := h.conversation(t, 1)
	if c.Model != "painter" || c.ContextRemember {
		t.Errorf("conversation = model %q context %v", c.Model, c.ContextRemember)
	}
}

func TestHandleChangeWebSearch(t *testing.T) {
	h := newHarness(t, 1)
	h.do(t, models.ActionChangeWebSearch, "", nil)
	if got := h.lastText(t); got != "Web search is now on." {
		t.Errorf("sent = %q", got)
	}
	if !h.conversation(t, 1).WebSearch {
		t.Error("WebSearch = false, want true")
	}
	h.do(t, models.ActionChangeWebSearch, "", nil)
	if h.conversation(t, 1).WebSearch {
		t.Error("WebSearch = true, want toggled back off")
	}

	h.do(t, models.ActionSendMessage, "news?", nil)
	if h.content.LastPrompt().WebSearch {
		t.Error("prompt used web search while disabled")
	}
}

func TestHandleSelectPaymentMethod(t *testing.T) {
	h := newHarness(t, 1)
	h.do(t, models.ActionSelectPaymentMethod, "", &models.Payload{Data: map[string]string{"plan": "basic", "method": "card"}})
	want := "Follow the link to pay: https://pay.example.com/basic?u=u1&m=card"
	if got := h.lastText(t); got != want {
		t.Errorf("sent = %q, want %q", got, want)
	}

	h.session.GiftRecipient = "friend@example.com"
	session.Save(h.db, h.session)
	h.do(t, models.ActionSelectPaymentMethod, "", &models.Payload{Data: map[string]string{"plan": "basic", "method": "crypto"}})
	if got := h.lastText(t); !strings.Contains(got, "u=friend@example.com&m=crypto") {
		t.Errorf("sent = %q, want gift recipient in link", got)
	}

	h.do(t, models.ActionSelectPaymentMethod, "", &models.Payload{Data: map[string]string{"plan": "gold"}})
	if got := h.lastText(t); got != "Choose a plan:" {
		t.Errorf("sent = %q, want plan list for unknown plan", got)
	}
}

func TestHandleGptConfig(t *testing.T) {
	h := newHarness(t, 1)
	h.do(t, models.ActionGptConfig, "", nil)
	out, _ := h.adapter.LastSent()
	if out.Keyboard == nil || !out.Keyboard.Inline {
		t.Fatal("want inline model keyboard")
	}
	found := false
	for _, row := range out.Keyboard.Rows {
		for _, b := range row {
			if b.Label != "retired" {
				continue
			}
			found = true
			if typ, _ := platform.DecodeCallback(b.Callback); typ != keyboard.CallbackNotModel {
				t.Errorf("retired callback = %q, want %s", b.Callback, keyboard.CallbackNotModel)
			}
		}
	}
	if !found {
		t.Error("disabled models should still be listed")
	}
}

func TestHandleResetContext(t *testing.T) {
	h := newHarness(t, 1)
	d, _ := session.DefaultsFor(h.db, h.session, "")
	c, _ := session.EnsureConversation(h.db, h.session.ID, 1, d)
	c.ContextCounter = 7
	session.SaveConversation(h.db, c)

	h.do(t, models.ActionResetContext, "/reset", nil)
	if got := h.conversation(t, 1).ContextCounter; got != 0 {
		t.Errorf("ContextCounter = %d, want 0", got)
	}
	if resets := h.content.Resets(); len(resets) != 1 || resets[0] != c.UpstreamChatID {
		t.Errorf("resets = %v", resets)
	}
}

func TestHandleResetSystemPrompt_Notes(t *testing.T) {
	h := newHarness(t, 1)
	c, _ := session.EnsureConversation(h.db, h.session.ID, models.NotesConversationIndex, session.ConversationDefaults{Model: "sonnet"})
	c.SystemPrompt = "custom"
	session.SaveConversation(h.db, c)

	item := h.enqueue(t, models.ActionResetSystemPrompt, "♻️ Reset system prompt", nil)
	h.db.Model(item).Update("conversation_index", models.NotesConversationIndex)
	h.session.CurrentConversationIndex = models.NotesConversationIndex
	session.Save(h.db, h.session)
	h.step(t)

	if got := h.conversation(t, models.NotesConversationIndex).SystemPrompt; got != catalog.T("en", "chat.notes_prompt") {
		t.Errorf("SystemPrompt = %q, want notes prompt", got)
	}
}

func TestHandleSaveSystemPrompt(t *testing.T) {
	h := newHarness(t, 1)
	h.do(t, models.ActionSaveSystemPrompt, "Answer like a pirate.", nil)
	if got := h.conversation(t, 1).SystemPrompt; got != "Answer like a pirate." {
		t.Errorf("SystemPrompt = %q", got)
	}
	h.do(t, models.ActionSendMessage, "hi", nil)
	if got := h.content.LastPrompt().SystemPrompt; got != "Answer like a pirate." {
		t.Errorf("prompt SystemPrompt = %q", got)
	}
}

func TestHandleVoiceMessage(t *testing.T) {
	voice := &models.Payload{Attachments: []models.Attachment{{Kind: models.AttachmentVoice, FileRef: "v1"}}}

	t.Run("transcribed", func(t *testing.T) {
		h := newHarness(t, 1)
		h.content.SetTranscript("what time is it", nil)
		h.do(t, models.ActionVoiceMessage, "", voice)
		if got := h.content.LastPrompt().Text; got != "what time is it" {
			t.Errorf("prompt text = %q", got)
		}
	})
	t.Run("unsupported", func(t *testing.T) {
		h := newHarness(t, 1)
		h.content.SetTranscript("", content.Unsupported("transcription"))
		item := h.do(t, models.ActionVoiceMessage, "", voice)
		if got := h.lastText(t); got != catalog.T("en", "error.unsupported") {
			t.Errorf("sent = %q", got)
		}
		if got := h.status(t, item.ID); got != models.StatusProcessed {
			t.Errorf("status = %q", got)
		}
	})
}

func TestHandleFileMessage(t *testing.T) {
	h := newHarness(t, 1)
	h.adapter.SetFileURL("doc-1", "https://cdn.example.com/report.pdf")
	h.do(t, models.ActionDocumentMessage, "summarize", &models.Payload{
		Attachments: []models.Attachment{{Kind: models.AttachmentDocument, FileRef: "doc-1"}},
	})
	p := h.content.LastPrompt()
	if p.Text != "summarize" || len(p.FileURLs) != 1 || p.FileURLs[0] != "https://cdn.example.com/report.pdf" {
		t.Errorf("prompt = %+v", p)
	}
}

func TestHandleFileMessage_FileUnavailable(t *testing.T) {
	h := newHarness(t, 1)
	h.adapter.SetFileError("F1", errors.New("file_not_found"))
	item := h.enqueue(t, models.ActionDocumentMessage, "summarize", &models.Payload{
		Attachments: []models.Attachment{{Kind: models.AttachmentDocument, FileRef: "F1"}},
	})

	processed, err := h.rt.Step(context.Background())
	if err != nil || !processed {
		t.Fatalf("Step = %v, %v; want processed without error", processed, err)
	}
	if got := h.status(t, item.ID); got != models.StatusProcessed {
		t.Errorf("status = %q, want processed", got)
	}
	if got := h.lastText(t); got != catalog.Error("en", content.CodeTokenLimitExceeded) {
		t.Errorf("sent = %q, want token limit message", got)
	}
	if p := h.content.LastPrompt(); p != nil {
		t.Errorf("prompt sent for unavailable file: %+v", p)
	}
}

func TestHandleSendBuffer_FileUnavailable(t *testing.T) {
	h := newHarness(t, 1)
	h.adapter.SetFileError("gone", errors.New("file_not_found"))
	h.do(t, models.ActionBufferMessage, "", &models.Payload{
		Attachments: []models.Attachment{{Kind: models.AttachmentDocument, FileRef: "gone"}},
	})
	item := h.do(t, models.ActionSendBuffer, "📨 Send buffer", nil)

	if got := h.status(t, item.ID); got != models.StatusProcessed {
		t.Errorf("status = %q, want processed", got)
	}
	if got := h.lastText(t); got != catalog.Error("en", content.CodeTokenLimitExceeded) {
		t.Errorf("sent = %q, want token limit message", got)
	}
}

func TestHandleImageButtons(t *testing.T) {
	h := newHarness(t, 1)
	h.content.QueueAnswer(&content.Answer{
		Text:      "done",
		MediaURLs: []string{"https://img.example.com/1.png"},
		Actions:   []content.ImageAction{{ID: "U1", Label: "U1"}},
	})
	h.do(t, models.ActionImageButtons, "", &models.Payload{Data: map[string]string{"buttonId": "V2"}})

	sent := h.adapter.AllSent()
	if len(sent) != 2 {
		t.Fatalf("sent = %d, want progress and result", len(sent))
	}
	if sent[0].Text != catalog.T("en", "image.button_sent") {
		t.Errorf("first message = %q", sent[0].Text)
	}
	if got := h.content.LastPrompt().ImageAction; got != "V2" {
		t.Errorf("ImageAction = %q, want V2", got)
	}
	if len(sent[1].MediaURLs) != 1 || sent[1].Keyboard == nil {
		t.Errorf("result = %+v, want media and image buttons", sent[1])
	}
}

func TestHandleChatList_ClampsPage(t *testing.T) {
	h := newHarness(t, 1)
	h.session.ChatListPage = 9
	session.Save(h.db, h.session)

	h.do(t, models.ActionChatList, "", nil)
	if got := h.reloadSession(t).ChatListPage; got != 1 {
		t.Errorf("ChatListPage = %d, want 1", got)
	}
	if got := h.lastText(t); got != "Your chats, page 1 of 1:" {
		t.Errorf("sent = %q", got)
	}
}

func TestHandleGetUserInfo(t *testing.T) {
	h := newHarness(t, 1)
	h.do(t, models.ActionGetUserInfo, "/profile", nil)
	got := h.lastText(t)
	for _, want := range []string{"ID: u1", "Text model: sonnet", "Active chat: 1"} {
		if !strings.Contains(got, want) {
			t.Errorf("sent = %q, want %q", got, want)
		}
	}
}

func TestHandleReferral(t *testing.T) {
	h := newHarness(t, 1)
	h.do(t, models.ActionReferral, "", nil)
	if got := h.lastText(t); got != "Your referral code is R1. Share it with friends." {
		t.Errorf("sent = %q", got)
	}
	h.do(t, models.ActionCreateReferralProgram, "", &models.Payload{Data: map[string]string{"id": "basic"}})
	if got := h.lastText(t); got != "Referral program created: /start R1-basic" {
		t.Errorf("sent = %q", got)
	}
}

func TestHandlePrivacy(t *testing.T) {
	h := newHarness(t, 1)
	h.do(t, models.ActionPrivacy, "/privacy", nil)
	if got := h.lastText(t); got != "Our privacy policy: https://bot.example.com/privacy" {
		t.Errorf("sent = %q", got)
	}
}

func TestHandleContinueChatting(t *testing.T) {
	for _, a := range []models.ActionType{models.ActionCancelBuyPlan, models.ActionCancelSetSystemPrompt, models.ActionCancelCreateNewCustomChat} {
		h := newHarness(t, 1)
		h.do(t, a, "❌ Cancel", nil)
		if got := h.lastText(t); got != catalog.T("en", "chat.continue_chatting") {
			t.Errorf("%s: sent = %q", a, got)
		}
	}
}

func TestHandleConnectAccount(t *testing.T) {
	h := newHarness(t, 1)
	h.do(t, models.ActionConnectAccount, "", nil)
	got := h.lastText(t)
	i := strings.LastIndex(got, ": ")
	if i < 0 || len(got[i+2:]) != 8 {
		t.Errorf("sent = %q, want 8 character code", got)
	}
}

func TestActiveModel_EmptyCatalog(t *testing.T) {
	h := newHarness(t, 1)
	h.db.Where("1 = 1").Delete(&models.AIModel{})
	h.do(t, models.ActionSendMessage, "hi", nil)
	// no default model: first pass repeats, second restarts nothing and tells the user
	h.step(t)
	if got := h.lastText(t); got != catalog.T("en", "error.invalid_model") {
		t.Errorf("sent = %q", got)
	}
	if errors.Is(content.ErrDefaultModelNotFound, content.ErrInvalidModel) {
		t.Error("default model and invalid model errors must stay distinct")
	}
}
