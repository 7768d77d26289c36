package queue

import (
	"fmt"
	"time"

	"github.com/zulandar/railbot/internal/models"
	"gorm.io/gorm"
)

// AssignWorker picks the worker for a new actionable item in the given
// conversation. A conversation with pending actionable work stays on the
// worker that already holds it; otherwise the freest worker is chosen.
func AssignWorker(db *gorm.DB, conversationID string, workerCount int) (int, error) {
	if conversationID == "" {
		return 0, fmt.Errorf("queue: conversationID is required")
	}
	if workerCount < 1 {
		return 0, fmt.Errorf("queue: workerCount must be at least 1")
	}

	var head models.WorkItem
	result := pendingActionable(db).Where("conversation_id = ?", conversationID).
		Order("id ASC").Limit(1).Find(&head)
	if result.Error != nil {
		return 0, fmt.Errorf("queue: sticky worker for %s: %w", conversationID, result.Error)
	}
	if result.RowsAffected > 0 && head.WorkerID != nil {
		return *head.WorkerID, nil
	}
	return Freest(db, workerCount)
}

// Freest returns the first worker in 1..workerCount with no pending
// actionable items, or else the least loaded worker, lowest id first.
// Workers above workerCount are ignored.
func Freest(db *gorm.DB, workerCount int) (int, error) {
	if workerCount < 1 {
		return 0, fmt.Errorf("queue: workerCount must be at least 1")
	}
	depth, err := depthByWorker(db, workerCount)
	if err != nil {
		return 0, err
	}
	best := 0
	var bestDepth int64
	for w := 1; w <= workerCount; w++ {
		d, ok := depth[w]
		if !ok {
			return w, nil
		}
		if best == 0 || d < bestDepth {
			best, bestDepth = w, d
		}
	}
	return best, nil
}

// EnqueueRequest describes a work item to be scheduled.
type EnqueueRequest struct {
	ConversationID    string
	ConversationIndex int
	SessionID         uint
	ExternalMessageID string
	Direction         models.Direction // defaults to request
	ActionType        models.ActionType
	Payload           *models.Payload
	Text              string
	RelatedItemID     *uint
	SentAt            time.Time
}

// Enqueue persists a work item, assigning its worker in the same transaction
// as the insert. Items that reference a related item inherit its
// conversation index. Only actionable requests receive a worker.
func Enqueue(db *gorm.DB, req EnqueueRequest, workerCount int) (*models.WorkItem, error) {
	if req.ConversationID == "" {
		return nil, fmt.Errorf("queue: conversationID is required")
	}
	if req.ActionType == "" {
		return nil, fmt.Errorf("queue: action type is required")
	}
	if req.Direction == "" {
		req.Direction = models.DirectionRequest
	}
	raw, err := models.EncodePayload(req.Payload)
	if err != nil {
		return nil, err
	}

	item := &models.WorkItem{
		ConversationID:    req.ConversationID,
		ConversationIndex: req.ConversationIndex,
		SessionID:         req.SessionID,
		ExternalMessageID: req.ExternalMessageID,
		Direction:         req.Direction,
		ActionType:        req.ActionType,
		Status:            models.StatusPending,
		Payload:           raw,
		Text:              req.Text,
		RelatedItemID:     req.RelatedItemID,
		CreatedAt:         req.SentAt,
	}
	if req.Direction == models.DirectionResponse {
		item.Status = models.StatusProcessed
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		if req.RelatedItemID != nil {
			related, err := Get(tx, *req.RelatedItemID)
			if err != nil {
				return err
			}
			item.ConversationIndex = related.ConversationIndex
		}
		if item.Actionable() {
			w, err := AssignWorker(tx, req.ConversationID, workerCount)
			if err != nil {
				return err
			}
			item.WorkerID = &w
		}
		_, err := Insert(tx, item)
		return err
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// Drain moves pending actionable items bound to workers above workerCount
// onto workers inside the pool. Each conversation moves as a unit, keeping
// its id order, onto the worker already holding its other pending work or
// else the freest worker. Run it before shrinking the pool.
func Drain(db *gorm.DB, workerCount int) (int64, error) {
	if workerCount < 1 {
		return 0, fmt.Errorf("queue: workerCount must be at least 1")
	}
	var moved int64
	err := db.Transaction(func(tx *gorm.DB) error {
		var conversations []string
		if err := pendingActionable(tx).Where("worker_id > ?", workerCount).
			Distinct("conversation_id").Pluck("conversation_id", &conversations).Error; err != nil {
			return fmt.Errorf("queue: drain scan: %w", err)
		}
		for _, conv := range conversations {
			target, err := drainTarget(tx, conv, workerCount)
			if err != nil {
				return err
			}
			result := pendingActionable(tx).
				Where("conversation_id = ? AND worker_id > ?", conv, workerCount).
				Update("worker_id", target)
			if result.Error != nil {
				return fmt.Errorf("queue: drain %s: %w", conv, result.Error)
			}
			moved += result.RowsAffected
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return moved, nil
}

// drainTarget picks the in-pool worker for a conversation being drained.
func drainTarget(tx *gorm.DB, conversationID string, workerCount int) (int, error) {
	var inPool models.WorkItem
	result := pendingActionable(tx).
		Where("conversation_id = ? AND worker_id <= ?", conversationID, workerCount).
		Order("id ASC").Limit(1).Find(&inPool)
	if result.Error != nil {
		return 0, fmt.Errorf("queue: drain target for %s: %w", conversationID, result.Error)
	}
	if result.RowsAffected > 0 && inPool.WorkerID != nil {
		return *inPool.WorkerID, nil
	}
	return Freest(tx, workerCount)
}
