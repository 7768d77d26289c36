// Package keyboard builds the reply and inline keyboards the bot attaches
// to its messages, and defines the callback types their buttons carry.
package keyboard

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/zulandar/railbot/internal/config"
	"github.com/zulandar/railbot/internal/i18n"
	"github.com/zulandar/railbot/internal/models"
	"github.com/zulandar/railbot/internal/platform"
)

// Callback types.
const (
	CallbackCancel                = "cancel"
	CallbackContextOn             = "contextOn"
	CallbackContextOff            = "contextOff"
	CallbackLinksParseOn          = "linksParseOn"
	CallbackLinksParseOff         = "linksParseOff"
	CallbackFormulaToImageOn      = "formulaToImageOn"
	CallbackFormulaToImageOff     = "formulaToImageOff"
	CallbackAnswerToVoiceOn       = "answerToVoiceOn"
	CallbackAnswerToVoiceOff      = "answerToVoiceOff"
	CallbackWebSearchChange       = "webSearchChange"
	CallbackCreateReferralProgram = "createReferralProgram"
	CallbackReferralTemplate      = "ref_t"
	CallbackPlanList              = "plan_list"
	CallbackPlanPayment           = "plan_payment"
	CallbackTool                  = "tool"
	CallbackChatModels            = "chat_models"
	CallbackNotModel              = "not_model"
	CallbackImageModels           = "image_models"
	CallbackChatNav               = "chat_nav"
	CallbackCurrentPage           = "current_chat"
	CallbackCreateNewChat         = "create_new_chat"
	CallbackSelectChat            = "select_chat"
	CallbackImageButton           = "MJ_BUTTON"
)

// ChatListPageSize is the number of conversations per chat list page.
const ChatListPageSize = 5

// PaymentMethods are offered for every plan, in display order.
var PaymentMethods = []string{"card", "crypto"}

// activeMark flags the active conversation on selector buttons.
const activeMark = "✅"

// chatSelectors are the selector tokens for conversations 1..SelectorConversations.
var chatSelectors = []string{"1️⃣", "2️⃣", "3️⃣", "4️⃣", "📝"}

// ChatSelector returns the selector token for a conversation index, marked
// when it is the active one.
func ChatSelector(index int, active bool) string {
	if index < 1 || index > len(chatSelectors) {
		return ""
	}
	if active {
		return chatSelectors[index-1] + activeMark
	}
	return chatSelectors[index-1]
}

// ParseChatSelector maps a selector token to its conversation index. It
// returns 0 for any other text.
func ParseChatSelector(text string) int {
	text = strings.TrimSpace(strings.ReplaceAll(text, activeMark, ""))
	for i, s := range chatSelectors {
		if text == s {
			return i + 1
		}
	}
	return 0
}

// WebSearchLabel renders the web search button with its current state.
func WebSearchLabel(cat *i18n.Catalog, locale string, on bool) string {
	mark := " ❌"
	if on {
		mark = " " + activeMark
	}
	return cat.T(locale, "button.web_search") + mark
}

// Main is the persistent reply keyboard: chat management buttons followed
// by the chat selector.
func Main(cat *i18n.Catalog, locale string, webSearch bool, activeIndex int) *platform.Keyboard {
	selector := []platform.Button{
		{Label: cat.T(locale, "button.tools")},
		{Label: cat.T(locale, "button.buffer")},
	}
	for i := 1; i <= models.SelectorConversations; i++ {
		selector = append(selector, platform.Button{Label: ChatSelector(i, i == activeIndex)})
	}
	return &platform.Keyboard{Rows: [][]platform.Button{
		{
			{Label: cat.T(locale, "button.new_chat")},
			{Label: WebSearchLabel(cat, locale, webSearch)},
			{Label: cat.T(locale, "button.new_image_chat")},
		},
		selector,
	}}
}

// Cancel is a reply keyboard holding only the cancel button.
func Cancel(cat *i18n.Catalog, locale string) *platform.Keyboard {
	return &platform.Keyboard{Rows: [][]platform.Button{{{Label: cat.T(locale, "button.cancel")}}}}
}

// Buffer is shown while the user collects buffer content.
func Buffer(cat *i18n.Catalog, locale string) *platform.Keyboard {
	return &platform.Keyboard{Rows: [][]platform.Button{{
		{Label: cat.T(locale, "button.send_buffer")},
		{Label: cat.T(locale, "button.cancel")},
	}}}
}

// SystemPrompt is shown while the user types a system prompt.
func SystemPrompt(cat *i18n.Catalog, locale string) *platform.Keyboard {
	return &platform.Keyboard{Rows: [][]platform.Button{{
		{Label: cat.T(locale, "button.reset_prompt")},
		{Label: cat.T(locale, "button.cancel")},
	}}}
}

// CustomChat is shown while the user names a new custom chat.
func CustomChat(cat *i18n.Catalog, locale string) *platform.Keyboard {
	return &platform.Keyboard{Rows: [][]platform.Button{{
		{Label: cat.T(locale, "button.without_name")},
		{Label: cat.T(locale, "button.cancel")},
	}}}
}

// cancelRow is the trailing inline cancel button.
func cancelRow(cat *i18n.Catalog, locale string) []platform.Button {
	return []platform.Button{{Label: cat.T(locale, "button.cancel"), Callback: platform.EncodeCallback(CallbackCancel)}}
}

// Toggle offers turning a setting on or off.
func Toggle(cat *i18n.Catalog, locale, onCallback, offCallback string) *platform.Keyboard {
	return &platform.Keyboard{Inline: true, Rows: [][]platform.Button{
		{
			{Label: cat.T(locale, "button.turn_on"), Callback: platform.EncodeCallback(onCallback)},
			{Label: cat.T(locale, "button.turn_off"), Callback: platform.EncodeCallback(offCallback)},
		},
		cancelRow(cat, locale),
	}}
}

// Models lists catalog models for selection. Models the account cannot use
// carry the not_model callback so the press is answered with an error.
func Models(cat *i18n.Catalog, locale, callbackType string, list []models.AIModel, current string) *platform.Keyboard {
	kb := &platform.Keyboard{Inline: true}
	for _, m := range list {
		label := m.Label
		if label == "" {
			label = m.ID
		}
		if m.ID == current {
			label += " " + activeMark
		}
		cb := platform.EncodeCallback(callbackType, "model_id", m.ID)
		if !m.Enabled {
			cb = platform.EncodeCallback(CallbackNotModel, "model_id", m.ID)
		}
		kb.Rows = append(kb.Rows, []platform.Button{{Label: label, Callback: cb}})
	}
	kb.Rows = append(kb.Rows, cancelRow(cat, locale))
	return kb
}

// Tools lists the tool models.
func Tools(list []models.AIModel, current string) [][]platform.Button {
	var rows [][]platform.Button
	for _, m := range list {
		label := m.Label
		if m.ID == current {
			label += " " + activeMark
		}
		rows = append(rows, []platform.Button{{Label: label, Callback: platform.EncodeCallback(CallbackTool, "tool_id", m.ID)}})
	}
	return rows
}

// Plans lists the purchasable plans.
func Plans(cat *i18n.Catalog, locale string, plans []config.PlanConfig) *platform.Keyboard {
	kb := &platform.Keyboard{Inline: true}
	for _, p := range plans {
		label := p.Label
		if label == "" {
			label = p.ID
		}
		kb.Rows = append(kb.Rows, []platform.Button{{Label: label, Callback: platform.EncodeCallback(CallbackPlanList, "plan", p.ID)}})
	}
	kb.Rows = append(kb.Rows, cancelRow(cat, locale))
	return kb
}

// PaymentMethodKeyboard offers the payment methods for one plan.
func PaymentMethodKeyboard(cat *i18n.Catalog, locale, planID string) *platform.Keyboard {
	kb := &platform.Keyboard{Inline: true}
	for _, m := range PaymentMethods {
		kb.Rows = append(kb.Rows, []platform.Button{{
			Label:    cat.T(locale, "plans.method."+m),
			Callback: platform.EncodeCallback(CallbackPlanPayment, "plan", planID, "method", m),
		}})
	}
	kb.Rows = append(kb.Rows, cancelRow(cat, locale))
	return kb
}

// PageCount returns the number of chat list pages for n conversations.
func PageCount(n int) int {
	if n <= 0 {
		return 1
	}
	return (n + ChatListPageSize - 1) / ChatListPageSize
}

// ChatList renders one page of the session's conversations with navigation,
// the create-chat button, and the tools. page is clamped to the valid range.
func ChatList(cat *i18n.Catalog, locale string, convs []models.Conversation, page, activeIndex int, tools [][]platform.Button) *platform.Keyboard {
	pages := PageCount(len(convs))
	page = ClampPage(page, len(convs))

	kb := &platform.Keyboard{Inline: true}
	start := (page - 1) * ChatListPageSize
	end := start + ChatListPageSize
	if end > len(convs) {
		end = len(convs)
	}
	for _, c := range convs[start:end] {
		label := cat.T(locale, "button.chat_number") + strconv.Itoa(c.Index)
		if c.Name != "" {
			label += " | " + c.Name
		}
		if c.Index == activeIndex {
			label += " " + activeMark
		}
		kb.Rows = append(kb.Rows, []platform.Button{{
			Label:    label,
			Callback: platform.EncodeCallback(CallbackSelectChat, "index", strconv.Itoa(c.Index), "page", strconv.Itoa(page)),
		}})
	}

	if pages > 1 {
		var nav []platform.Button
		if page > 1 {
			nav = append(nav, platform.Button{Label: cat.T(locale, "button.prev"),
				Callback: platform.EncodeCallback(CallbackChatNav, "page", strconv.Itoa(page), "direction", "-1")})
		}
		nav = append(nav, platform.Button{Label: fmt.Sprintf("%d/%d", page, pages), Callback: platform.EncodeCallback(CallbackCurrentPage)})
		if page < pages {
			nav = append(nav, platform.Button{Label: cat.T(locale, "button.next"),
				Callback: platform.EncodeCallback(CallbackChatNav, "page", strconv.Itoa(page), "direction", "1")})
		}
		kb.Rows = append(kb.Rows, nav)
	}

	kb.Rows = append(kb.Rows, []platform.Button{{Label: cat.T(locale, "button.create_chat"), Callback: platform.EncodeCallback(CallbackCreateNewChat)}})
	kb.Rows = append(kb.Rows, tools...)
	kb.Rows = append(kb.Rows, cancelRow(cat, locale))
	return kb
}

// ClampPage bounds page to the pages available for n conversations.
func ClampPage(page, n int) int {
	if page < 1 {
		return 1
	}
	if pages := PageCount(n); page > pages {
		return pages
	}
	return page
}

// ReferralTemplate is one referral program template offered to the user.
type ReferralTemplate struct {
	ID    string
	Label string
}

// ReferralTemplates lists templates to create a referral program from.
func ReferralTemplates(cat *i18n.Catalog, locale string, templates []ReferralTemplate) *platform.Keyboard {
	kb := &platform.Keyboard{Inline: true}
	for _, t := range templates {
		kb.Rows = append(kb.Rows, []platform.Button{{Label: t.Label, Callback: platform.EncodeCallback(CallbackReferralTemplate, "id", t.ID)}})
	}
	kb.Rows = append(kb.Rows, cancelRow(cat, locale))
	return kb
}

// CreateReferral offers creating a referral program.
func CreateReferral(cat *i18n.Catalog, locale string) *platform.Keyboard {
	return &platform.Keyboard{Inline: true, Rows: [][]platform.Button{
		{{Label: cat.T(locale, "button.create_referral"), Callback: platform.EncodeCallback(CallbackCreateReferralProgram)}},
		cancelRow(cat, locale),
	}}
}

// ImageButtons renders the follow-up actions an image model offers.
func ImageButtons(buttons []ImageButton) *platform.Keyboard {
	if len(buttons) == 0 {
		return nil
	}
	kb := &platform.Keyboard{Inline: true}
	var row []platform.Button
	for _, b := range buttons {
		row = append(row, platform.Button{Label: b.Label, Callback: platform.EncodeCallback(CallbackImageButton, "id", b.ID)})
		if len(row) == 4 {
			kb.Rows = append(kb.Rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		kb.Rows = append(kb.Rows, row)
	}
	return kb
}

// ImageButton is one follow-up action on a generated image.
type ImageButton struct {
	ID    string
	Label string
}
