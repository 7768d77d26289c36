package models

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// NotesConversationIndex is the conversation reserved for note taking. It
// never remembers context and carries a fixed system prompt.
const NotesConversationIndex = 5

// SelectorConversations is the number of conversations reachable from the
// main keyboard's chat selector. Custom chats take the indexes after it.
const SelectorConversations = 5

// MaxConversationIndex bounds custom chats per session.
const MaxConversationIndex = 50

// MaxChatNameLength bounds custom conversation names, in runes.
const MaxChatNameLength = 50

// Conversation is one of a session's parallel chat threads.
type Conversation struct {
	ID              uint           `gorm:"primaryKey;autoIncrement"`
	SessionID       uint           `gorm:"not null;uniqueIndex:idx_conversations_slot"`
	Index           int            `gorm:"column:conversation_index;not null;uniqueIndex:idx_conversations_slot"`
	UpstreamChatID  string         `gorm:"size:64;index"`
	Model           string         `gorm:"size:128"`
	ContextRemember bool           `gorm:"not null"`
	ContextCounter  int            `gorm:"not null"`
	LinksParse      bool           `gorm:"not null"`
	FormulaToImage  bool           `gorm:"not null"`
	AnswerToVoice   bool           `gorm:"not null"`
	WebSearch       bool           `gorm:"not null"`
	Buffer          datatypes.JSON `gorm:"type:json"`
	SystemPrompt    string         `gorm:"type:text"`
	Name            string         `gorm:"size:64"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// BufferEntries decodes the buffered payloads awaiting SendBuffer.
func (c *Conversation) BufferEntries() ([]Payload, error) {
	if len(c.Buffer) == 0 || string(c.Buffer) == "null" {
		return nil, nil
	}
	var entries []Payload
	if err := json.Unmarshal(c.Buffer, &entries); err != nil {
		return nil, fmt.Errorf("models: decode buffer of conversation %d: %w", c.ID, err)
	}
	return entries, nil
}

// SetBufferEntries replaces the buffer. An empty slice clears it.
func (c *Conversation) SetBufferEntries(entries []Payload) error {
	if len(entries) == 0 {
		c.Buffer = nil
		return nil
	}
	b, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("models: encode buffer of conversation %d: %w", c.ID, err)
	}
	c.Buffer = datatypes.JSON(b)
	return nil
}
