// Package session provides per-user session and conversation persistence.
package session

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/zulandar/railbot/internal/models"
	"gorm.io/gorm"
)

// Identity identifies the sender of an event and carries their profile.
type Identity struct {
	Platform     string
	UserID       string
	UserName     string
	FirstName    string
	LastName     string
	LanguageCode string
}

// GetOrCreate returns the session for the identity, creating it on first
// contact. Profile fields are refreshed when the platform reports changes.
// The second return value reports whether the session was created.
func GetOrCreate(db *gorm.DB, id Identity) (*models.Session, bool, error) {
	if id.Platform == "" {
		return nil, false, fmt.Errorf("session: platform is required")
	}
	if id.UserID == "" {
		return nil, false, fmt.Errorf("session: user id is required")
	}

	var s models.Session
	result := db.Where("platform = ? AND platform_user_id = ?", id.Platform, id.UserID).Limit(1).Find(&s)
	if result.Error != nil {
		return nil, false, fmt.Errorf("session: lookup %s/%s: %w", id.Platform, id.UserID, result.Error)
	}

	if result.RowsAffected == 0 {
		s = models.Session{
			Platform:                 id.Platform,
			PlatformUserID:           id.UserID,
			UserName:                 id.UserName,
			FirstName:                id.FirstName,
			LastName:                 id.LastName,
			LanguageCode:             id.LanguageCode,
			CurrentConversationIndex: 1,
			ChatListPage:             1,
		}
		if err := db.Create(&s).Error; err != nil {
			return nil, false, fmt.Errorf("session: create %s/%s: %w", id.Platform, id.UserID, err)
		}
		return &s, true, nil
	}

	updates := map[string]interface{}{}
	if id.UserName != "" && id.UserName != s.UserName {
		updates["user_name"] = id.UserName
	}
	if id.FirstName != "" && id.FirstName != s.FirstName {
		updates["first_name"] = id.FirstName
	}
	if id.LastName != "" && id.LastName != s.LastName {
		updates["last_name"] = id.LastName
	}
	if id.LanguageCode != "" && id.LanguageCode != s.LanguageCode {
		updates["language_code"] = id.LanguageCode
	}
	if len(updates) > 0 {
		if err := db.Model(&s).Updates(updates).Error; err != nil {
			return nil, false, fmt.Errorf("session: refresh profile %d: %w", s.ID, err)
		}
	}
	return &s, false, nil
}

// Get loads a session by ID.
func Get(db *gorm.DB, id uint) (*models.Session, error) {
	var s models.Session
	result := db.Where("id = ?", id).Limit(1).Find(&s)
	if result.Error != nil {
		return nil, fmt.Errorf("session: get %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("session: get %d: %w", id, gorm.ErrRecordNotFound)
	}
	return &s, nil
}

// Save writes every field of the session, including zero values.
func Save(db *gorm.DB, s *models.Session) error {
	if s == nil || s.ID == 0 {
		return fmt.Errorf("session: saved session must have an id")
	}
	if err := db.Save(s).Error; err != nil {
		return fmt.Errorf("session: save %d: %w", s.ID, err)
	}
	return nil
}

// ConversationDefaults holds the values a newly created conversation starts with.
type ConversationDefaults struct {
	Model       string
	NotesPrompt string // system prompt of the notes conversation
}

// NewConversation builds an unsaved conversation for the given slot. The
// notes slot keeps no context and starts with the notes system prompt.
func NewConversation(sessionID uint, index int, d ConversationDefaults) *models.Conversation {
	c := &models.Conversation{
		SessionID:       sessionID,
		Index:           index,
		UpstreamChatID:  uuid.NewString(),
		Model:           d.Model,
		ContextRemember: true,
		LinksParse:      true,
		FormulaToImage:  true,
	}
	if index == models.NotesConversationIndex {
		c.ContextRemember = false
		c.SystemPrompt = d.NotesPrompt
	}
	return c
}

// FindConversation loads the conversation in a session slot. A missing slot
// wraps gorm.ErrRecordNotFound.
func FindConversation(db *gorm.DB, sessionID uint, index int) (*models.Conversation, error) {
	var c models.Conversation
	result := db.Where("session_id = ? AND conversation_index = ?", sessionID, index).Limit(1).Find(&c)
	if result.Error != nil {
		return nil, fmt.Errorf("session: conversation %d/%d: %w", sessionID, index, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("session: conversation %d/%d: %w", sessionID, index, gorm.ErrRecordNotFound)
	}
	return &c, nil
}

// EnsureConversation loads the conversation in a session slot, creating it
// with defaults when the slot is empty.
func EnsureConversation(db *gorm.DB, sessionID uint, index int, d ConversationDefaults) (*models.Conversation, error) {
	if index < 1 || index > models.MaxConversationIndex {
		return nil, fmt.Errorf("session: conversation index %d out of range", index)
	}
	c, err := FindConversation(db, sessionID, index)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	c = NewConversation(sessionID, index, d)
	if err := db.Create(c).Error; err != nil {
		return nil, fmt.Errorf("session: create conversation %d/%d: %w", sessionID, index, err)
	}
	return c, nil
}

// ReplaceConversation starts the slot over: a fresh upstream chat with the
// given model and context setting, an empty buffer and a zero counter.
// Per-slot preferences (links, formulas, voice, web search, name) survive.
func ReplaceConversation(db *gorm.DB, c *models.Conversation, model string, contextOn bool) error {
	c.UpstreamChatID = uuid.NewString()
	c.Model = model
	c.ContextRemember = contextOn
	c.ContextCounter = 0
	c.Buffer = nil
	return SaveConversation(db, c)
}

// SaveConversation writes every field of the conversation, creating it if needed.
func SaveConversation(db *gorm.DB, c *models.Conversation) error {
	if c == nil {
		return fmt.Errorf("session: conversation is required")
	}
	if err := db.Save(c).Error; err != nil {
		return fmt.Errorf("session: save conversation %d/%d: %w", c.SessionID, c.Index, err)
	}
	return nil
}

// ListConversations returns the session's conversations ordered by slot.
func ListConversations(db *gorm.DB, sessionID uint) ([]models.Conversation, error) {
	var convs []models.Conversation
	if err := db.Where("session_id = ?", sessionID).Order("conversation_index ASC").Find(&convs).Error; err != nil {
		return nil, fmt.Errorf("session: list conversations %d: %w", sessionID, err)
	}
	return convs, nil
}

// NextCustomIndex returns the first free conversation index after the
// selector slots. It fails when the session has used every index.
func NextCustomIndex(db *gorm.DB, sessionID uint) (int, error) {
	var maxIndex int
	err := db.Model(&models.Conversation{}).Where("session_id = ?", sessionID).
		Select("COALESCE(MAX(conversation_index), 0)").Scan(&maxIndex).Error
	if err != nil {
		return 0, fmt.Errorf("session: next custom index %d: %w", sessionID, err)
	}
	next := maxIndex + 1
	if next <= models.SelectorConversations {
		next = models.SelectorConversations + 1
	}
	if next > models.MaxConversationIndex {
		return 0, fmt.Errorf("session: session %d has no free conversation index", sessionID)
	}
	return next, nil
}
