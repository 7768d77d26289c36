package models

import "time"

// SessionState is what a session is waiting for. The empty state is idle.
type SessionState string

const (
	StateIdle                   SessionState = ""
	StateAwaitingGiftRecipient  SessionState = "awaiting_gift_recipient"
	StateAwaitingBufferContent  SessionState = "awaiting_buffer_content"
	StateAwaitingSystemPrompt   SessionState = "awaiting_system_prompt"
	StateAwaitingCustomChatName SessionState = "awaiting_custom_chat_name"
)

// Session is the per-user record holding conversation state and the
// active conversation index.
type Session struct {
	ID                       uint         `gorm:"primaryKey;autoIncrement"`
	Platform                 string       `gorm:"size:16;not null;uniqueIndex:idx_sessions_identity"`
	PlatformUserID           string       `gorm:"size:64;not null;uniqueIndex:idx_sessions_identity"`
	UserName                 string       `gorm:"size:128"`
	FirstName                string       `gorm:"size:128"`
	LastName                 string       `gorm:"size:128"`
	LanguageCode             string       `gorm:"size:8"`
	State                    SessionState `gorm:"size:32"`
	CurrentConversationIndex int          `gorm:"not null;default:1"`
	TextModel                string       `gorm:"size:128"`
	ImageModel               string       `gorm:"size:128"`
	Tool                     string       `gorm:"size:128"`
	GiftRecipient            string       `gorm:"size:255"`
	ReferralCode             string       `gorm:"size:64"`
	ChatListPage             int          `gorm:"default:1"`
	CreatedAt                time.Time
	UpdatedAt                time.Time
}
