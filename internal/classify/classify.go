// Package classify maps inbound platform events to queue actions. Classify
// is a pure function of the event and a snapshot of the session, so
// replaying an event against the same snapshot yields the same decision.
package classify

import (
	"errors"
	"net/mail"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/zulandar/railbot/internal/keyboard"
	"github.com/zulandar/railbot/internal/models"
	"github.com/zulandar/railbot/internal/platform"
)

// ErrInvalidEvent marks events that are discarded without being queued:
// messages from bots and events with no content.
var ErrInvalidEvent = errors.New("classify: invalid event")

// Settings toggled directly by callbacks.
const (
	SettingLinksParse     = "links_parse"
	SettingFormulaToImage = "formula_to_image"
	SettingAnswerToVoice  = "answer_to_voice"
)

var handlePattern = regexp.MustCompile(`^@?[A-Za-z0-9_]+$`)

// Snapshot is the part of a session the classifier reads.
type Snapshot struct {
	State             models.SessionState
	ConversationIndex int
	BufferNonEmpty    bool
	ModelKind         string
	ContextSupported  bool
	KnownModels       map[string]bool
	Locale            string
	WebSearch         bool
}

// Decision is the outcome of classifying one event.
type Decision struct {
	Action  models.ActionType
	Text    string
	Payload *models.Payload

	// NextState is nil when the session state is unchanged.
	NextState *models.SessionState
	// ConversationIndex is 0 when the active conversation is unchanged.
	ConversationIndex int

	ResetCounter     bool
	IncrementCounter bool
	ClearBuffer      bool

	SetGiftRecipient bool
	GiftRecipient    string
	ReferralCode     string
	TextModel        string
	ImageModel       string
	Tool             string
	ChatListPage     int
	ContextRemember  *bool
	Setting          string
	SettingOn        bool

	// Reply is an i18n key sent immediately by ingest, without a worker.
	Reply         string
	ReplyArgs     []string
	ReplyKeyboard *platform.Keyboard

	Discard bool
	Err     error
}

func state(s models.SessionState) *models.SessionState { return &s }

func boolPtr(b bool) *bool { return &b }

// Classify decides what to do with ev given the session snapshot.
func Classify(ev platform.Event, snap Snapshot, vocab *Vocabulary) Decision {
	if ev.IsBot || ev.UserID == "" {
		return Decision{Action: models.NoAction, Discard: true, Err: ErrInvalidEvent}
	}
	if ev.Callback != nil {
		return classifyCallback(ev, snap, vocab)
	}

	text := strings.TrimSpace(ev.Text)
	if text == "" && strings.TrimSpace(ev.Caption) == "" && len(ev.Attachments) == 0 {
		return Decision{Action: models.NoAction, Discard: true, Err: ErrInvalidEvent}
	}

	if strings.HasPrefix(text, "/") {
		if d, ok := classifyCommand(text, snap, vocab); ok {
			return d
		}
	}

	if vocab.is(labelCancel, text) {
		return classifyCancel(snap, vocab)
	}

	switch snap.State {
	case models.StateAwaitingGiftRecipient:
		return classifyGiftRecipient(text, snap, vocab)
	case models.StateAwaitingBufferContent:
		return classifyBufferContent(ev, text, snap, vocab)
	case models.StateAwaitingSystemPrompt:
		return classifySystemPrompt(text, snap, vocab)
	case models.StateAwaitingCustomChatName:
		return classifyChatName(text, snap, vocab)
	}
	return classifyIdle(ev, text, snap, vocab)
}

var commands = map[string]models.ActionType{
	"/start":                   models.ActionStart,
	"/gpt_config":              models.ActionGptConfig,
	"/image_generation_config": models.ActionImageGenerationConfig,
	"/context":                 models.ActionContextConfig,
	"/scan_links":              models.ActionLinksParsingConfig,
	"/formula":                 models.ActionFormulaToImageConfig,
	"/voice":                   models.ActionAnswerToVoiceConfig,
	"/profile":                 models.ActionGetUserInfo,
	"/buy_tokens":              models.ActionListPlans,
	"/present":                 models.ActionPresent,
	"/system_prompt":           models.ActionSetSystemPrompt,
	"/link_account":            models.ActionConnectAccount,
	"/referral":                models.ActionReferral,
	"/privacy":                 models.ActionPrivacy,
	"/continue":                models.ActionSendMessage,
	"/reset":                   models.ActionResetContext,
}

// classifyCommand handles slash commands. Commands work from every state
// and clear the buffer. Unknown commands are reported as not handled so
// they are treated as plain text.
func classifyCommand(text string, snap Snapshot, vocab *Vocabulary) (Decision, bool) {
	fields := strings.Fields(text)
	name := fields[0]
	if at := strings.IndexByte(name, '@'); at > 0 {
		name = name[:at]
	}
	action, ok := commands[name]
	if !ok {
		return Decision{}, false
	}

	d := Decision{Action: action, Text: text, NextState: state(models.StateIdle), ClearBuffer: true}
	switch name {
	case "/start":
		if len(fields) > 1 {
			d.ReferralCode = fields[1]
		}
	case "/buy_tokens":
		d.SetGiftRecipient = true
	case "/present":
		d.NextState = state(models.StateAwaitingGiftRecipient)
	case "/system_prompt":
		d.NextState = state(models.StateAwaitingSystemPrompt)
	case "/continue":
		if !snap.ContextSupported {
			d.Action = models.NoAction
			return d, true
		}
		d.Text = vocab.Catalog().T(snap.Locale, "chat.continue_prompt")
		d.IncrementCounter = true
	case "/reset":
		d.ResetCounter = true
	}
	return d, true
}

func classifyCancel(snap Snapshot, vocab *Vocabulary) Decision {
	idle := state(models.StateIdle)
	switch snap.State {
	case models.StateAwaitingGiftRecipient:
		return Decision{Action: models.ActionCancelBuyPlan, NextState: idle, SetGiftRecipient: true}
	case models.StateAwaitingBufferContent:
		return Decision{Action: models.ActionCancelAddToContext, NextState: idle, ClearBuffer: true}
	case models.StateAwaitingSystemPrompt:
		return Decision{Action: models.ActionCancelSetSystemPrompt, NextState: idle}
	case models.StateAwaitingCustomChatName:
		return Decision{Action: models.ActionCancelCreateNewCustomChat, NextState: idle}
	}
	return Decision{
		Action:        models.NoAction,
		Reply:         "chat.continue_chatting",
		ReplyKeyboard: mainKeyboard(snap, vocab),
	}
}

func mainKeyboard(snap Snapshot, vocab *Vocabulary) *platform.Keyboard {
	return keyboard.Main(vocab.Catalog(), snap.Locale, snap.WebSearch, snap.ConversationIndex)
}

func classifyGiftRecipient(text string, snap Snapshot, vocab *Vocabulary) Decision {
	if validRecipient(text) {
		return Decision{
			Action:           models.ActionListPlans,
			Text:             text,
			NextState:        state(models.StateIdle),
			SetGiftRecipient: true,
			GiftRecipient:    text,
		}
	}
	return Decision{
		Action:        models.NoAction,
		Text:          text,
		Reply:         "error.invalid_format",
		ReplyKeyboard: keyboard.Cancel(vocab.Catalog(), snap.Locale),
	}
}

// validRecipient accepts a bare email address or a platform handle.
func validRecipient(s string) bool {
	if s == "" {
		return false
	}
	if handlePattern.MatchString(s) {
		return true
	}
	addr, err := mail.ParseAddress(s)
	return err == nil && addr.Address == s
}

func classifyBufferContent(ev platform.Event, text string, snap Snapshot, vocab *Vocabulary) Decision {
	if vocab.is(labelSendBuffer, text) {
		if snap.BufferNonEmpty {
			return Decision{Action: models.ActionSendBuffer, Text: text, NextState: state(models.StateIdle)}
		}
		return Decision{Action: models.ActionBufferMessage, Text: text, Payload: &models.Payload{Text: text, EmptySend: true}}
	}
	return Decision{Action: models.ActionBufferMessage, Text: messageText(ev), Payload: eventPayload(ev)}
}

func classifySystemPrompt(text string, snap Snapshot, vocab *Vocabulary) Decision {
	if vocab.is(labelResetPrompt, text) {
		return Decision{Action: models.ActionResetSystemPrompt, Text: text, NextState: state(models.StateIdle)}
	}
	if text == "" {
		cat := vocab.Catalog()
		return Decision{
			Action:        models.NoAction,
			Reply:         "prompt.ask",
			ReplyArgs:     []string{"reset", cat.T(snap.Locale, labelResetPrompt)},
			ReplyKeyboard: keyboard.SystemPrompt(cat, snap.Locale),
		}
	}
	return Decision{Action: models.ActionSaveSystemPrompt, Text: text, NextState: state(models.StateIdle)}
}

func classifyChatName(text string, snap Snapshot, vocab *Vocabulary) Decision {
	if vocab.is(labelWithoutName, text) {
		return Decision{Action: models.ActionCreateNewCustomChatWithoutName, Text: text, NextState: state(models.StateIdle)}
	}
	reply := ""
	switch {
	case text == "":
		reply = "chat.name_prompt"
	case utf8.RuneCountInString(text) > models.MaxChatNameLength:
		reply = "chat.name_too_long"
	}
	if reply != "" {
		return Decision{
			Action:        models.NoAction,
			Text:          text,
			Reply:         reply,
			ReplyKeyboard: keyboard.CustomChat(vocab.Catalog(), snap.Locale),
		}
	}
	return Decision{Action: models.ActionSetChatName, Text: text, NextState: state(models.StateIdle)}
}

func classifyIdle(ev platform.Event, text string, snap Snapshot, vocab *Vocabulary) Decision {
	switch {
	case vocab.is(labelNewChat, text):
		return Decision{Action: models.ActionCreateNewChat, Text: text, ResetCounter: true}
	case vocab.hasPrefix(labelWebSearch, text):
		return Decision{Action: models.ActionChangeWebSearch, Text: text}
	case vocab.is(labelNewImageChat, text):
		return Decision{Action: models.ActionCreateNewImageGenerationChat, Text: text, ResetCounter: true}
	case vocab.is(labelTools, text):
		return Decision{Action: models.ActionChatList, Text: text, ResetCounter: true}
	case vocab.is(labelBuffer, text):
		return Decision{
			Action:      models.ActionAddToContext,
			Text:        text,
			NextState:   state(models.StateAwaitingBufferContent),
			ClearBuffer: true,
		}
	}
	if idx := keyboard.ParseChatSelector(text); idx > 0 {
		return Decision{Action: models.ActionSelectChat, Text: text, ConversationIndex: idx}
	}

	d := Decision{
		Action:           contentAction(ev.Attachments),
		Text:             messageText(ev),
		IncrementCounter: snap.ModelKind != models.ModelKindImage,
	}
	if len(ev.Attachments) > 0 {
		d.Payload = eventPayload(ev)
	}
	return d
}

// contentAction picks the action for a content message by its first
// attachment.
func contentAction(atts []models.Attachment) models.ActionType {
	if len(atts) == 0 {
		return models.ActionSendMessage
	}
	switch atts[0].Kind {
	case models.AttachmentVoice, models.AttachmentAudio:
		return models.ActionVoiceMessage
	case models.AttachmentVideo, models.AttachmentVideoNote:
		return models.ActionVideoMessage
	case models.AttachmentPhoto, models.AttachmentDocument:
		return models.ActionDocumentMessage
	}
	return models.ActionSendMessage
}

func messageText(ev platform.Event) string {
	if t := strings.TrimSpace(ev.Text); t != "" {
		return t
	}
	return strings.TrimSpace(ev.Caption)
}

func eventPayload(ev platform.Event) *models.Payload {
	return &models.Payload{Text: ev.Text, Caption: ev.Caption, Attachments: ev.Attachments}
}

func classifyCallback(ev platform.Event, snap Snapshot, vocab *Vocabulary) Decision {
	typ, data := platform.DecodeCallback(ev.Callback.Data)
	cat := vocab.Catalog()
	d := Decision{
		Action:    models.NoAction,
		Text:      ev.Callback.Data,
		Payload:   &models.Payload{Data: data},
		NextState: state(models.StateIdle),
	}

	switch typ {
	case keyboard.CallbackCancel:
		d.Reply = "chat.continue_chatting"
		d.ReplyKeyboard = mainKeyboard(snap, vocab)
	case keyboard.CallbackContextOn, keyboard.CallbackContextOff:
		d.Action = models.ActionCreateNewChat
		d.ContextRemember = boolPtr(typ == keyboard.CallbackContextOn)
		d.ResetCounter = true
	case keyboard.CallbackLinksParseOn, keyboard.CallbackLinksParseOff:
		d.Setting, d.SettingOn = SettingLinksParse, typ == keyboard.CallbackLinksParseOn
		d.Reply = "settings.saved"
	case keyboard.CallbackFormulaToImageOn, keyboard.CallbackFormulaToImageOff:
		d.Setting, d.SettingOn = SettingFormulaToImage, typ == keyboard.CallbackFormulaToImageOn
		d.Reply = "settings.saved"
	case keyboard.CallbackAnswerToVoiceOn, keyboard.CallbackAnswerToVoiceOff:
		d.Setting, d.SettingOn = SettingAnswerToVoice, typ == keyboard.CallbackAnswerToVoiceOn
		d.Reply = "settings.saved"
	case keyboard.CallbackWebSearchChange:
		d.Action = models.ActionChangeWebSearch
	case keyboard.CallbackCreateReferralProgram:
		d.Action = models.ActionListReferralTemplates
	case keyboard.CallbackReferralTemplate:
		d.Action = models.ActionCreateReferralProgram
	case keyboard.CallbackPlanList:
		d.Reply = "plans.payment_method"
		d.ReplyKeyboard = keyboard.PaymentMethodKeyboard(cat, snap.Locale, data["plan"])
	case keyboard.CallbackPlanPayment:
		d.Action = models.ActionSelectPaymentMethod
	case keyboard.CallbackTool:
		d.Action = models.ActionToolz
		d.Tool = data["tool_id"]
	case keyboard.CallbackChatModels:
		if !snap.KnownModels[data["model_id"]] {
			d.Reply = "error.invalid_model"
			break
		}
		d.Action = models.ActionCreateNewChat
		d.TextModel = data["model_id"]
		d.ResetCounter = true
	case keyboard.CallbackImageModels:
		if !snap.KnownModels[data["model_id"]] {
			d.Reply = "error.invalid_model"
			break
		}
		d.Action = models.ActionCreateNewImageGenerationChat
		d.ImageModel = data["model_id"]
		d.ResetCounter = true
	case keyboard.CallbackNotModel:
		d.Reply = "error.invalid_model"
	case keyboard.CallbackChatNav:
		page, _ := strconv.Atoi(data["page"])
		dir, _ := strconv.Atoi(data["direction"])
		d.Action = models.ActionChatList
		d.ChatListPage = max(page+dir, 1)
	case keyboard.CallbackCreateNewChat:
		d.NextState = state(models.StateAwaitingCustomChatName)
		d.Reply = "chat.name_prompt"
		d.ReplyKeyboard = keyboard.CustomChat(cat, snap.Locale)
	case keyboard.CallbackSelectChat:
		idx, err := strconv.Atoi(data["index"])
		if err != nil || idx < 1 || idx > models.MaxConversationIndex {
			break
		}
		d.Action = models.ActionSelectChat
		d.ConversationIndex = idx
	case keyboard.CallbackImageButton:
		d.Action = models.ActionImageButtons
		d.Payload = &models.Payload{Data: map[string]string{"buttonId": data["id"]}}
	}
	return d
}
