package models

import "time"

// Model kinds.
const (
	ModelKindText  = "text"
	ModelKindImage = "image"
	ModelKindTool  = "tool"
)

// AIModel is an entry of the upstream model catalog.
type AIModel struct {
	ID              string `gorm:"primaryKey;size:128"`
	Label           string `gorm:"size:128"`
	Kind            string `gorm:"size:16;not null;default:text;index"`
	SupportsContext bool   `gorm:"not null"`
	IsDefault       bool   `gorm:"not null"`
	Enabled         bool   `gorm:"not null"`
}

// Turn is one message of an upstream conversation history.
type Turn struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	UpstreamChatID string `gorm:"size:64;not null;index"`
	Role           string `gorm:"size:16;not null"` // "user" or "assistant"
	Text           string `gorm:"type:text"`
	CreatedAt      time.Time
}
