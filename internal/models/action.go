package models

// ActionType tags what a queued REQUEST asks a worker to do.
type ActionType string

// NoAction is the sentinel for ignored input. NoAction items are an audit
// trail only and are never scheduled.
const NoAction ActionType = "no_action"

// Actionable action types.
const (
	ActionStart                          ActionType = "start"
	ActionSendMessage                    ActionType = "send_message"
	ActionGetUserInfo                    ActionType = "get_user_info"
	ActionCreateNewChat                  ActionType = "create_new_chat"
	ActionListPlans                      ActionType = "list_plans"
	ActionCancelBuyPlan                  ActionType = "cancel_buy_plan"
	ActionCreateNewImageGenerationChat   ActionType = "create_new_image_generation_chat"
	ActionConnectAccount                 ActionType = "connect_account"
	ActionVoiceMessage                   ActionType = "voice_message"
	ActionSelectPaymentMethod            ActionType = "select_payment_method"
	ActionGptConfig                      ActionType = "gpt_config"
	ActionImageGenerationConfig          ActionType = "image_generation_config"
	ActionToolz                          ActionType = "toolz"
	ActionContextConfig                  ActionType = "context_config"
	ActionDocumentMessage                ActionType = "document_message"
	ActionLinksParsingConfig             ActionType = "links_parsing_config"
	ActionPresent                        ActionType = "present"
	ActionAddToContext                   ActionType = "add_to_context"
	ActionBufferMessage                  ActionType = "buffer_message"
	ActionSendBuffer                     ActionType = "send_buffer"
	ActionCancelAddToContext             ActionType = "cancel_add_to_context"
	ActionSetSystemPrompt                ActionType = "set_system_prompt"
	ActionSaveSystemPrompt               ActionType = "save_system_prompt"
	ActionCancelSetSystemPrompt          ActionType = "cancel_set_system_prompt"
	ActionResetSystemPrompt              ActionType = "reset_system_prompt"
	ActionSelectChat                     ActionType = "select_chat"
	ActionFormulaToImageConfig           ActionType = "formula_to_image_config"
	ActionAnswerToVoiceConfig            ActionType = "answer_to_voice_config"
	ActionReferral                       ActionType = "referral"
	ActionListReferralTemplates          ActionType = "list_referral_templates"
	ActionCreateReferralProgram          ActionType = "create_referral_program"
	ActionPrivacy                        ActionType = "privacy"
	ActionVideoMessage                   ActionType = "video_message"
	ActionResetContext                   ActionType = "reset_context"
	ActionChangeWebSearch                ActionType = "change_web_search"
	ActionChatList                       ActionType = "chat_list"
	ActionCreateNewCustomChatWithoutName ActionType = "create_new_custom_chat_without_name"
	ActionCancelCreateNewCustomChat      ActionType = "cancel_create_new_custom_chat"
	ActionSetChatName                    ActionType = "set_chat_name"
	ActionImageButtons                   ActionType = "image_buttons"
)

// Actionable reports whether items of this type are scheduled onto a worker.
func (a ActionType) Actionable() bool {
	return a != "" && a != NoAction
}

// Media reports whether the action carries an uploaded file that the worker
// must fetch and transcode or attach.
func (a ActionType) Media() bool {
	switch a {
	case ActionVoiceMessage, ActionDocumentMessage, ActionVideoMessage:
		return true
	}
	return false
}

// Direction distinguishes inbound requests from audit records of sent replies.
type Direction string

const (
	DirectionRequest  Direction = "request"
	DirectionResponse Direction = "response"
)

// Status is the processing state of a work item.
type Status string

const (
	StatusPending   Status = "pending"
	StatusProcessed Status = "processed"
)
