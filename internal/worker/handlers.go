package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/zulandar/railbot/internal/content"
	"github.com/zulandar/railbot/internal/keyboard"
	"github.com/zulandar/railbot/internal/models"
	"github.com/zulandar/railbot/internal/platform"
	"github.com/zulandar/railbot/internal/session"
	"gorm.io/gorm"
)

// contextReminderEvery is the number of remembered exchanges between
// context reminders.
const contextReminderEvery = 10

// Handler executes one action.
type Handler func(ctx context.Context, j *job) error

func handlers() map[models.ActionType]Handler {
	return map[models.ActionType]Handler{
		models.ActionStart:                          handleStart,
		models.ActionSendMessage:                    handleSendMessage,
		models.ActionVoiceMessage:                   handleVoiceMessage,
		models.ActionDocumentMessage:                handleFileMessage,
		models.ActionVideoMessage:                   handleFileMessage,
		models.ActionGetUserInfo:                    handleGetUserInfo,
		models.ActionCreateNewChat:                  handleCreateNewChat,
		models.ActionCreateNewImageGenerationChat:   handleCreateNewImageChat,
		models.ActionListPlans:                      handleListPlans,
		models.ActionCancelBuyPlan:                  handleContinueChatting,
		models.ActionSelectPaymentMethod:            handleSelectPaymentMethod,
		models.ActionConnectAccount:                 handleConnectAccount,
		models.ActionGptConfig:                      handleGptConfig,
		models.ActionImageGenerationConfig:          handleImageGenerationConfig,
		models.ActionToolz:                          handleToolz,
		models.ActionContextConfig:                  handleContextConfig,
		models.ActionLinksParsingConfig:             handleLinksParsingConfig,
		models.ActionFormulaToImageConfig:           handleFormulaToImageConfig,
		models.ActionAnswerToVoiceConfig:            handleAnswerToVoiceConfig,
		models.ActionPresent:                        handlePresent,
		models.ActionAddToContext:                   handleAddToContext,
		models.ActionBufferMessage:                  handleBufferMessage,
		models.ActionSendBuffer:                     handleSendBuffer,
		models.ActionCancelAddToContext:             handleCancelAddToContext,
		models.ActionSetSystemPrompt:                handleSetSystemPrompt,
		models.ActionSaveSystemPrompt:               handleSaveSystemPrompt,
		models.ActionResetSystemPrompt:              handleResetSystemPrompt,
		models.ActionCancelSetSystemPrompt:          handleContinueChatting,
		models.ActionSelectChat:                     handleSelectChat,
		models.ActionReferral:                       handleReferral,
		models.ActionListReferralTemplates:          handleListReferralTemplates,
		models.ActionCreateReferralProgram:          handleCreateReferralProgram,
		models.ActionPrivacy:                        handlePrivacy,
		models.ActionResetContext:                   handleResetContext,
		models.ActionChangeWebSearch:                handleChangeWebSearch,
		models.ActionChatList:                       handleChatList,
		models.ActionCreateNewCustomChatWithoutName: handleCreateCustomChat,
		models.ActionSetChatName:                    handleCreateCustomChat,
		models.ActionCancelCreateNewCustomChat:      handleContinueChatting,
		models.ActionImageButtons:                   handleImageButtons,
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

func onOff(j *job, on bool) string {
	if on {
		return j.t("state.on")
	}
	return j.t("state.off")
}

func handleStart(ctx context.Context, j *job) error {
	name := j.session.FirstName
	if name == "" {
		name = j.session.UserName
	}
	text := j.t("start.welcome", "name", name)
	if fields := strings.Fields(j.item.Text); len(fields) > 1 && j.session.ReferralCode != "" {
		text += "\n\n" + j.t("start.referral", "code", j.session.ReferralCode)
	}
	return j.reply(ctx, text, j.mainKeyboard())
}

func handleContinueChatting(ctx context.Context, j *job) error {
	return j.reply(ctx, j.t("chat.continue_chatting"), j.mainKeyboard())
}

// activeModel resolves the model the conversation runs on. A conversation
// pinned to a model the catalog no longer offers fails with
// content.ErrInvalidModel; an empty catalog with ErrDefaultModelNotFound.
func activeModel(j *job) (models.AIModel, error) {
	catalog, err := session.EnabledModels(j.tx)
	if err != nil {
		return models.AIModel{}, err
	}
	if j.conv.Model != "" {
		if _, ok := catalog[j.conv.Model]; !ok {
			return models.AIModel{}, &content.Error{Code: content.CodeInvalidModel, Expected: true,
				Err: fmt.Errorf("model %q is not in the catalog", j.conv.Model)}
		}
	}
	m, ok := session.ActiveModel(catalog, j.session, j.conv)
	if !ok {
		return models.AIModel{}, content.ErrDefaultModelNotFound
	}
	return m, nil
}

// prompt sends text and files to the conversation's upstream chat and
// answers the user.
func prompt(ctx context.Context, j *job, text string, files []string) error {
	m, err := activeModel(j)
	if err != nil {
		return err
	}
	remember := j.conv.ContextRemember && m.SupportsContext
	ans, err := j.content.SendPrompt(ctx, content.Prompt{
		UpstreamChatID: j.conv.UpstreamChatID,
		Model:          m.ID,
		SystemPrompt:   j.conv.SystemPrompt,
		Text:           text,
		FileURLs:       files,
		Remember:       remember,
		WebSearch:      j.conv.WebSearch,
		Tool:           j.session.Tool,
	})
	if err != nil {
		return err
	}

	reply := ans.Text
	if remember && j.conv.ContextCounter > 0 && j.conv.ContextCounter%contextReminderEvery == 0 {
		reply += "\n\n" + j.t("chat.context_reminder", "count", strconv.Itoa(j.conv.ContextCounter))
	}
	kb := imageKeyboard(ans)
	if kb == nil {
		kb = j.mainKeyboard()
	}
	return j.answer(ctx, reply, kb, ans.MediaURLs)
}

func imageKeyboard(ans *content.Answer) *platform.Keyboard {
	if len(ans.Actions) == 0 {
		return nil
	}
	buttons := make([]keyboard.ImageButton, 0, len(ans.Actions))
	for _, a := range ans.Actions {
		buttons = append(buttons, keyboard.ImageButton{ID: a.ID, Label: a.Label})
	}
	return keyboard.ImageButtons(buttons)
}

func handleSendMessage(ctx context.Context, j *job) error {
	return prompt(ctx, j, j.item.Text, nil)
}

// fileURLs resolves the platform URLs of the given attachments. A file the
// platform no longer serves is reported to the user as too large, like an
// upload the platform refused.
func fileURLs(ctx context.Context, j *job, atts []models.Attachment) ([]string, error) {
	var urls []string
	for _, a := range atts {
		u, err := j.rt.adapter.FileURL(ctx, a.FileRef)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &content.Error{Code: content.CodeTokenLimitExceeded, Expected: true, Err: fmt.Errorf("file %s: %w", a.FileRef, err)}
		}
		urls = append(urls, u)
	}
	return urls, nil
}

func handleVoiceMessage(ctx context.Context, j *job) error {
	if j.payload == nil || len(j.payload.Attachments) == 0 {
		return content.Unsupported("voice message without audio")
	}
	urls, err := fileURLs(ctx, j, j.payload.Attachments[:1])
	if err != nil {
		return err
	}
	transcript, err := j.content.Transcribe(ctx, urls[0])
	if err != nil {
		return err
	}
	text := strings.TrimSpace(strings.Join([]string{j.payload.Caption, transcript}, "\n"))
	return prompt(ctx, j, text, nil)
}

func handleFileMessage(ctx context.Context, j *job) error {
	if j.payload == nil {
		return prompt(ctx, j, j.item.Text, nil)
	}
	urls, err := fileURLs(ctx, j, j.payload.Attachments)
	if err != nil {
		return err
	}
	return prompt(ctx, j, j.item.Text, urls)
}

func handleImageButtons(ctx context.Context, j *job) error {
	if err := j.reply(ctx, j.t("image.button_sent"), nil); err != nil {
		return err
	}
	id := ""
	if j.payload != nil {
		id = j.payload.Data["buttonId"]
	}
	m, err := activeModel(j)
	if err != nil {
		return err
	}
	ans, err := j.content.SendPrompt(ctx, content.Prompt{
		UpstreamChatID: j.conv.UpstreamChatID,
		Model:          m.ID,
		ImageAction:    id,
	})
	if err != nil {
		return err
	}
	return j.answer(ctx, ans.Text, imageKeyboard(ans), ans.MediaURLs)
}

func handleGetUserInfo(ctx context.Context, j *job) error {
	model := j.conv.Model
	if model == "" {
		model = j.session.TextModel
	}
	text := j.t("user.info",
		"id", j.session.PlatformUserID,
		"model", model,
		"image_model", j.session.ImageModel,
		"index", strconv.Itoa(j.session.CurrentConversationIndex),
	)
	return j.reply(ctx, text, j.mainKeyboard())
}

// restart starts the conversation over on model with a new upstream chat.
func restart(ctx context.Context, j *job, model string, contextOn bool) error {
	id, err := j.content.CreateConversation(ctx, model, j.conv.SystemPrompt)
	if err != nil {
		return err
	}
	if err := session.ReplaceConversation(j.tx, j.conv, model, contextOn); err != nil {
		return err
	}
	j.conv.UpstreamChatID = id
	return session.SaveConversation(j.tx, j.conv)
}

func handleCreateNewChat(ctx context.Context, j *job) error {
	model := j.session.TextModel
	if model == "" {
		def, err := session.DefaultModel(j.tx, models.ModelKindText)
		if isNotFound(err) {
			return content.ErrDefaultModelNotFound
		}
		if err != nil {
			return err
		}
		model = def.ID
	}
	contextOn := j.conv.ContextRemember && j.conv.Index != models.NotesConversationIndex
	if err := restart(ctx, j, model, contextOn); err != nil {
		return err
	}
	j.session.Tool = ""
	if err := session.Save(j.tx, j.session); err != nil {
		return err
	}
	return j.reply(ctx, j.t("chat.created", "model", model), j.mainKeyboard())
}

func handleCreateNewImageChat(ctx context.Context, j *job) error {
	model := j.session.ImageModel
	if model == "" {
		def, err := session.DefaultModel(j.tx, models.ModelKindImage)
		if isNotFound(err) {
			return content.ErrDefaultModelNotFound
		}
		if err != nil {
			return err
		}
		model = def.ID
	}
	if err := restart(ctx, j, model, false); err != nil {
		return err
	}
	return j.reply(ctx, j.t("chat.image_created", "model", model), j.mainKeyboard())
}

func handleListPlans(ctx context.Context, j *job) error {
	text := j.t("plans.list")
	if j.session.GiftRecipient != "" {
		text = j.t("plans.gift_for", "recipient", j.session.GiftRecipient)
	}
	return j.reply(ctx, text, keyboard.Plans(j.rt.catalog, j.locale, j.rt.plans))
}

func handleSelectPaymentMethod(ctx context.Context, j *job) error {
	var planID, method string
	if j.payload != nil {
		planID, method = j.payload.Data["plan"], j.payload.Data["method"]
	}
	for _, p := range j.rt.plans {
		if p.ID != planID {
			continue
		}
		user := j.session.PlatformUserID
		if j.session.GiftRecipient != "" {
			user = j.session.GiftRecipient
		}
		url := strings.NewReplacer("{{.Plan}}", p.ID, "{{.User}}", user, "{{.Method}}", method).Replace(p.PaymentURL)
		return j.reply(ctx, j.t("plans.payment_link", "url", url), j.mainKeyboard())
	}
	return j.reply(ctx, j.t("plans.list"), keyboard.Plans(j.rt.catalog, j.locale, j.rt.plans))
}

func handleConnectAccount(ctx context.Context, j *job) error {
	code := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return j.reply(ctx, j.t("connect.code", "code", code), j.mainKeyboard())
}

// catalogOf lists every catalog model of a kind, enabled or not.
func catalogOf(j *job, kind string) ([]models.AIModel, error) {
	var list []models.AIModel
	if err := j.tx.Where("kind = ?", kind).Order("id ASC").Find(&list).Error; err != nil {
		return nil, fmt.Errorf("list %s models: %w", kind, err)
	}
	return list, nil
}

func handleGptConfig(ctx context.Context, j *job) error {
	list, err := catalogOf(j, models.ModelKindText)
	if err != nil {
		return err
	}
	return j.reply(ctx, j.t("settings.gpt"), keyboard.Models(j.rt.catalog, j.locale, keyboard.CallbackChatModels, list, j.conv.Model))
}

func handleImageGenerationConfig(ctx context.Context, j *job) error {
	list, err := catalogOf(j, models.ModelKindImage)
	if err != nil {
		return err
	}
	return j.reply(ctx, j.t("settings.image"), keyboard.Models(j.rt.catalog, j.locale, keyboard.CallbackImageModels, list, j.session.ImageModel))
}

func handleToolz(ctx context.Context, j *job) error {
	return j.reply(ctx, j.t("tools.selected", "tool", j.session.Tool), j.mainKeyboard())
}

func handleContextConfig(ctx context.Context, j *job) error {
	return j.reply(ctx, j.t("settings.context", "state", onOff(j, j.conv.ContextRemember)),
		keyboard.Toggle(j.rt.catalog, j.locale, keyboard.CallbackContextOn, keyboard.CallbackContextOff))
}

func handleLinksParsingConfig(ctx context.Context, j *job) error {
	return j.reply(ctx, j.t("settings.links", "state", onOff(j, j.conv.LinksParse)),
		keyboard.Toggle(j.rt.catalog, j.locale, keyboard.CallbackLinksParseOn, keyboard.CallbackLinksParseOff))
}

func handleFormulaToImageConfig(ctx context.Context, j *job) error {
	return j.reply(ctx, j.t("settings.formula", "state", onOff(j, j.conv.FormulaToImage)),
		keyboard.Toggle(j.rt.catalog, j.locale, keyboard.CallbackFormulaToImageOn, keyboard.CallbackFormulaToImageOff))
}

func handleAnswerToVoiceConfig(ctx context.Context, j *job) error {
	return j.reply(ctx, j.t("settings.voice", "state", onOff(j, j.conv.AnswerToVoice)),
		keyboard.Toggle(j.rt.catalog, j.locale, keyboard.CallbackAnswerToVoiceOn, keyboard.CallbackAnswerToVoiceOff))
}

func handlePresent(ctx context.Context, j *job) error {
	return j.reply(ctx, j.t("present.prompt"), keyboard.Cancel(j.rt.catalog, j.locale))
}

func handleAddToContext(ctx context.Context, j *job) error {
	return j.reply(ctx, j.t("buffer.prompt", "send", j.t("button.send_buffer")), keyboard.Buffer(j.rt.catalog, j.locale))
}

func handleBufferMessage(ctx context.Context, j *job) error {
	kb := keyboard.Buffer(j.rt.catalog, j.locale)
	if j.payload == nil || j.payload.EmptySend {
		return j.reply(ctx, j.t("buffer.empty"), kb)
	}
	entries, err := j.conv.BufferEntries()
	if err != nil {
		return err
	}
	entry := *j.payload
	entry.IsRepeat = false
	entries = append(entries, entry)
	if err := j.conv.SetBufferEntries(entries); err != nil {
		return err
	}
	if err := session.SaveConversation(j.tx, j.conv); err != nil {
		return err
	}
	return j.reply(ctx, j.t("buffer.added", "count", strconv.Itoa(len(entries))), kb)
}

func handleSendBuffer(ctx context.Context, j *job) error {
	entries, err := j.conv.BufferEntries()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return j.reply(ctx, j.t("buffer.empty"), j.mainKeyboard())
	}
	var parts []string
	var atts []models.Attachment
	for _, e := range entries {
		for _, s := range []string{e.Text, e.Caption} {
			if s = strings.TrimSpace(s); s != "" {
				parts = append(parts, s)
			}
		}
		atts = append(atts, e.Attachments...)
	}
	urls, err := fileURLs(ctx, j, atts)
	if err != nil {
		return err
	}
	if err := j.conv.SetBufferEntries(nil); err != nil {
		return err
	}
	if err := session.SaveConversation(j.tx, j.conv); err != nil {
		return err
	}
	return prompt(ctx, j, strings.Join(parts, "\n\n"), urls)
}

func handleCancelAddToContext(ctx context.Context, j *job) error {
	return j.reply(ctx, j.t("buffer.cleared"), j.mainKeyboard())
}

func handleSetSystemPrompt(ctx context.Context, j *job) error {
	return j.reply(ctx, j.t("prompt.ask", "reset", j.t("button.reset_prompt")), keyboard.SystemPrompt(j.rt.catalog, j.locale))
}

func handleSaveSystemPrompt(ctx context.Context, j *job) error {
	j.conv.SystemPrompt = j.item.Text
	if err := session.SaveConversation(j.tx, j.conv); err != nil {
		return err
	}
	return j.reply(ctx, j.t("prompt.saved"), j.mainKeyboard())
}

func handleResetSystemPrompt(ctx context.Context, j *job) error {
	j.conv.SystemPrompt = ""
	if j.conv.Index == models.NotesConversationIndex {
		j.conv.SystemPrompt = j.t("chat.notes_prompt")
	}
	if err := session.SaveConversation(j.tx, j.conv); err != nil {
		return err
	}
	return j.reply(ctx, j.t("prompt.reset"), j.mainKeyboard())
}

func handleSelectChat(ctx context.Context, j *job) error {
	name := ""
	if j.conv.Name != "" {
		name = " (" + j.conv.Name + ")"
	}
	return j.reply(ctx, j.t("chat.selected", "index", strconv.Itoa(j.conv.Index), "name", name), j.mainKeyboard())
}

// referralCode derives a stable referral code from the session id.
func referralCode(s *models.Session) string {
	return "R" + strings.ToUpper(strconv.FormatUint(uint64(s.ID), 36))
}

func handleReferral(ctx context.Context, j *job) error {
	return j.reply(ctx, j.t("referral.info", "code", referralCode(j.session)), keyboard.CreateReferral(j.rt.catalog, j.locale))
}

// referralTemplates offers one referral program per plan.
func referralTemplates(j *job) []keyboard.ReferralTemplate {
	out := make([]keyboard.ReferralTemplate, 0, len(j.rt.plans))
	for _, p := range j.rt.plans {
		label := p.Label
		if label == "" {
			label = p.ID
		}
		out = append(out, keyboard.ReferralTemplate{ID: p.ID, Label: label})
	}
	return out
}

func handleListReferralTemplates(ctx context.Context, j *job) error {
	return j.reply(ctx, j.t("referral.templates"), keyboard.ReferralTemplates(j.rt.catalog, j.locale, referralTemplates(j)))
}

func handleCreateReferralProgram(ctx context.Context, j *job) error {
	id := ""
	if j.payload != nil {
		id = j.payload.Data["id"]
	}
	link := "/start " + referralCode(j.session)
	if id != "" {
		link += "-" + id
	}
	return j.reply(ctx, j.t("referral.created", "link", link), j.mainKeyboard())
}

func handlePrivacy(ctx context.Context, j *job) error {
	return j.reply(ctx, j.t("privacy.text", "url", j.rt.privacyURL), j.mainKeyboard())
}

func handleResetContext(ctx context.Context, j *job) error {
	if err := j.content.ResetContext(ctx, j.conv.UpstreamChatID); err != nil {
		return err
	}
	j.conv.ContextCounter = 0
	if err := session.SaveConversation(j.tx, j.conv); err != nil {
		return err
	}
	return j.reply(ctx, j.t("chat.context_reset"), j.mainKeyboard())
}

func handleChangeWebSearch(ctx context.Context, j *job) error {
	j.conv.WebSearch = !j.conv.WebSearch
	if err := session.SaveConversation(j.tx, j.conv); err != nil {
		return err
	}
	return j.reply(ctx, j.t("chat.web_search_changed", "state", onOff(j, j.conv.WebSearch)), j.mainKeyboard())
}

func handleChatList(ctx context.Context, j *job) error {
	convs, err := session.ListConversations(j.tx, j.session.ID)
	if err != nil {
		return err
	}
	page := keyboard.ClampPage(j.session.ChatListPage, len(convs))
	if page != j.session.ChatListPage {
		j.session.ChatListPage = page
		if err := session.Save(j.tx, j.session); err != nil {
			return err
		}
	}
	tools, err := catalogOf(j, models.ModelKindTool)
	if err != nil {
		return err
	}
	var enabled []models.AIModel
	for _, m := range tools {
		if m.Enabled {
			enabled = append(enabled, m)
		}
	}
	text := j.t("chat.list_header", "page", strconv.Itoa(page), "pages", strconv.Itoa(keyboard.PageCount(len(convs))))
	kb := keyboard.ChatList(j.rt.catalog, j.locale, convs, page, j.session.CurrentConversationIndex,
		keyboard.Tools(enabled, j.session.Tool))
	return j.reply(ctx, text, kb)
}

// handleCreateCustomChat opens a conversation after the selector slots and
// switches the session to it.
func handleCreateCustomChat(ctx context.Context, j *job) error {
	index, err := session.NextCustomIndex(j.tx, j.session.ID)
	if err != nil {
		return content.Unsupported("more chats")
	}
	d, err := session.DefaultsFor(j.tx, j.session, "")
	if err != nil {
		return err
	}
	c := session.NewConversation(j.session.ID, index, d)
	if j.item.ActionType == models.ActionSetChatName {
		c.Name = j.item.Text
	}
	id, err := j.content.CreateConversation(ctx, c.Model, c.SystemPrompt)
	if err != nil {
		return err
	}
	c.UpstreamChatID = id
	if err := session.SaveConversation(j.tx, c); err != nil {
		return err
	}
	j.session.CurrentConversationIndex = index
	if err := session.Save(j.tx, j.session); err != nil {
		return err
	}
	j.conv = c

	text := j.t("chat.created", "model", c.Model)
	if c.Name != "" {
		text = j.t("chat.named", "index", strconv.Itoa(index), "name", c.Name)
	}
	return j.reply(ctx, text, j.mainKeyboard())
}
