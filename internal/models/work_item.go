package models

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// WorkItem is one row of the durable queue: an inbound request awaiting a
// worker, or an audit record of a reply that was already sent.
type WorkItem struct {
	ID                uint           `gorm:"primaryKey;autoIncrement"`
	ConversationID    string         `gorm:"size:64;not null;index:idx_work_items_conversation"`
	ConversationIndex int            `gorm:"not null;default:1"`
	SessionID         uint           `gorm:"not null;index"`
	ExternalMessageID string         `gorm:"size:64"`
	Direction         Direction      `gorm:"size:16;not null;index:idx_work_items_queue"`
	ActionType        ActionType     `gorm:"size:48;not null;index:idx_work_items_queue"`
	Status            Status         `gorm:"size:16;not null;default:pending;index:idx_work_items_queue"`
	WorkerID          *int           `gorm:"index:idx_work_items_queue"`
	Payload           datatypes.JSON `gorm:"type:json"`
	Text              string         `gorm:"type:text"`
	RelatedItemID     *uint
	CreatedAt         time.Time
	ReceivedAt        time.Time `gorm:"index"`
}

// Actionable reports whether the item is a REQUEST that a worker must execute.
func (w *WorkItem) Actionable() bool {
	return w.Direction == DirectionRequest && w.ActionType.Actionable()
}

// Attachment kinds carried by inbound events.
const (
	AttachmentVoice     = "voice"
	AttachmentAudio     = "audio"
	AttachmentVideo     = "video"
	AttachmentVideoNote = "video_note"
	AttachmentDocument  = "document"
	AttachmentPhoto     = "photo"
)

// Attachment references an uploaded file on the chat platform.
type Attachment struct {
	Kind     string `json:"kind"`
	FileRef  string `json:"file_ref"`
	FileName string `json:"file_name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// AudioVisual reports whether the attachment is voice, audio or video.
func (a Attachment) AudioVisual() bool {
	switch a.Kind {
	case AttachmentVoice, AttachmentAudio, AttachmentVideo, AttachmentVideoNote:
		return true
	}
	return false
}

// Payload is the structured event fragment persisted with a work item.
type Payload struct {
	Text        string            `json:"text,omitempty"`
	Caption     string            `json:"caption,omitempty"`
	Attachments []Attachment      `json:"attachments,omitempty"`
	Data        map[string]string `json:"data,omitempty"`
	IsRepeat    bool              `json:"is_repeat,omitempty"`
	EmptySend   bool              `json:"empty_send,omitempty"`
}

// HasAudioVisual reports whether any attachment is voice, audio or video.
func (p *Payload) HasAudioVisual() bool {
	if p == nil {
		return false
	}
	for _, a := range p.Attachments {
		if a.AudioVisual() {
			return true
		}
	}
	return false
}

// EncodePayload marshals a payload for storage. A nil payload is stored as NULL.
func EncodePayload(p *Payload) (datatypes.JSON, error) {
	if p == nil {
		return nil, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("models: encode payload: %w", err)
	}
	return datatypes.JSON(b), nil
}

// DecodePayload returns the item's payload, or nil if none was stored.
func (w *WorkItem) DecodePayload() (*Payload, error) {
	if len(w.Payload) == 0 || string(w.Payload) == "null" {
		return nil, nil
	}
	var p Payload
	if err := json.Unmarshal(w.Payload, &p); err != nil {
		return nil, fmt.Errorf("models: decode payload of item %d: %w", w.ID, err)
	}
	return &p, nil
}
