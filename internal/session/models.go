package session

import (
	"errors"
	"fmt"

	"github.com/zulandar/railbot/internal/models"
	"gorm.io/gorm"
)

// EnabledModels returns the enabled catalog entries keyed by id.
func EnabledModels(db *gorm.DB) (map[string]models.AIModel, error) {
	var list []models.AIModel
	if err := db.Where("enabled = ?", true).Order("id ASC").Find(&list).Error; err != nil {
		return nil, fmt.Errorf("session: list models: %w", err)
	}
	out := make(map[string]models.AIModel, len(list))
	for _, m := range list {
		out[m.ID] = m
	}
	return out, nil
}

// DefaultModel returns the enabled default model of the given kind. It wraps
// gorm.ErrRecordNotFound when the catalog has none.
func DefaultModel(db *gorm.DB, kind string) (*models.AIModel, error) {
	var m models.AIModel
	result := db.Where("kind = ? AND enabled = ?", kind, true).
		Order("is_default DESC, id ASC").Limit(1).Find(&m)
	if result.Error != nil {
		return nil, fmt.Errorf("session: default %s model: %w", kind, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("session: default %s model: %w", kind, gorm.ErrRecordNotFound)
	}
	return &m, nil
}

// ActiveModel resolves the model a conversation runs on. An empty or
// unknown id falls back to the session's text model, then the catalog
// default.
func ActiveModel(catalog map[string]models.AIModel, s *models.Session, c *models.Conversation) (models.AIModel, bool) {
	for _, id := range []string{conversationModel(c), s.TextModel} {
		if m, ok := catalog[id]; ok && id != "" {
			return m, true
		}
	}
	var fallback models.AIModel
	found := false
	for _, m := range catalog {
		if m.Kind != models.ModelKindText {
			continue
		}
		if !found || (m.IsDefault && !fallback.IsDefault) || (m.IsDefault == fallback.IsDefault && m.ID < fallback.ID) {
			fallback, found = m, true
		}
	}
	return fallback, found
}

func conversationModel(c *models.Conversation) string {
	if c == nil {
		return ""
	}
	return c.Model
}

// DefaultsFor returns the defaults for a new conversation of the session:
// the session's text model, or else the catalog's default text model. An
// empty catalog leaves the model unset.
func DefaultsFor(db *gorm.DB, s *models.Session, notesPrompt string) (ConversationDefaults, error) {
	d := ConversationDefaults{Model: s.TextModel, NotesPrompt: notesPrompt}
	if d.Model != "" {
		return d, nil
	}
	m, err := DefaultModel(db, models.ModelKindText)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return d, nil
		}
		return d, err
	}
	d.Model = m.ID
	return d, nil
}
