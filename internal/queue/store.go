// Package queue is the durable work-item queue and the scheduler that binds
// each actionable request to a worker.
package queue

import (
	"errors"
	"fmt"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"
	"github.com/zulandar/railbot/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Insert validates and persists a work item, returning its id.
func Insert(db *gorm.DB, item *models.WorkItem) (uint, error) {
	if item == nil {
		return 0, fmt.Errorf("queue: item is required")
	}
	if item.Direction == "" {
		return 0, fmt.Errorf("queue: direction is required")
	}
	if item.ActionType == "" {
		return 0, fmt.Errorf("queue: action type is required")
	}
	if item.WorkerID != nil && !item.Actionable() {
		return 0, fmt.Errorf("queue: %s %s item must not carry a worker", item.Direction, item.ActionType)
	}
	if item.WorkerID == nil && item.Actionable() {
		return 0, fmt.Errorf("queue: actionable request requires a worker")
	}
	if item.Status == "" {
		item.Status = models.StatusPending
	}
	if item.ConversationIndex == 0 {
		item.ConversationIndex = 1
	}
	now := time.Now()
	if item.ReceivedAt.IsZero() {
		item.ReceivedAt = now
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	if err := db.Create(item).Error; err != nil {
		return 0, fmt.Errorf("queue: insert: %w", err)
	}
	return item.ID, nil
}

// Get loads a work item by id.
func Get(db *gorm.DB, id uint) (*models.WorkItem, error) {
	var item models.WorkItem
	if err := db.First(&item, id).Error; err != nil {
		return nil, fmt.Errorf("queue: get %d: %w", id, err)
	}
	return &item, nil
}

// FindByExternalMessageID returns the newest item of a conversation carrying
// the platform message id, or nil when there is none. Replies to a bot
// message resolve to the RESPONSE item recorded for it.
func FindByExternalMessageID(db *gorm.DB, conversationID, externalID string) (*models.WorkItem, error) {
	if externalID == "" {
		return nil, nil
	}
	var item models.WorkItem
	result := db.Where("conversation_id = ? AND external_message_id = ?", conversationID, externalID).
		Order("id DESC").Limit(1).Find(&item)
	if result.Error != nil {
		return nil, fmt.Errorf("queue: find message %s/%s: %w", conversationID, externalID, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &item, nil
}

// pendingActionable scopes a query to PENDING actionable REQUEST items.
func pendingActionable(db *gorm.DB) *gorm.DB {
	return db.Model(&models.WorkItem{}).
		Where("direction = ? AND status = ? AND action_type <> ?",
			models.DirectionRequest, models.StatusPending, models.NoAction)
}

// FindPendingForWorker returns the worker's pending actionable items in id order.
func FindPendingForWorker(db *gorm.DB, workerID int) ([]models.WorkItem, error) {
	var items []models.WorkItem
	if err := pendingActionable(db).Where("worker_id = ?", workerID).
		Order("id ASC").Find(&items).Error; err != nil {
		return nil, fmt.Errorf("queue: pending for worker %d: %w", workerID, err)
	}
	return items, nil
}

// FindOldestPendingForWorker returns the head of the worker's queue, or nil
// when the worker has nothing pending.
func FindOldestPendingForWorker(db *gorm.DB, workerID int) (*models.WorkItem, error) {
	var item models.WorkItem
	result := pendingActionable(db).Where("worker_id = ?", workerID).
		Order("id ASC").Limit(1).Find(&item)
	if result.Error != nil {
		return nil, fmt.Errorf("queue: oldest pending for worker %d: %w", workerID, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &item, nil
}

// ClaimNext locks and returns the head of the worker's queue inside the
// caller's transaction. It returns an error wrapping gorm.ErrRecordNotFound
// when there is nothing to do.
//
// SQLite has no row-level locking; its writer lock serializes transactions.
func ClaimNext(tx *gorm.DB, workerID int) (*models.WorkItem, error) {
	q := pendingActionable(tx).Where("worker_id = ?", workerID)
	if tx.Dialector.Name() != "sqlite" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}
	var item models.WorkItem
	result := q.Order("id ASC").Limit(1).Find(&item)
	if result.Error != nil {
		return nil, fmt.Errorf("queue: claim for worker %d: %w", workerID, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("queue: nothing pending for worker %d: %w", workerID, gorm.ErrRecordNotFound)
	}
	return &item, nil
}

// IsEmpty reports whether err means the queue had nothing to return.
func IsEmpty(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

// MySQL lock wait timeout and deadlock.
const (
	mysqlLockWaitTimeout = 1205
	mysqlDeadlock        = 1213
)

// IsContention reports whether err means another transaction held the
// lock the caller needed. Nothing was written; the caller may retry.
func IsContention(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	var me *mysqldriver.MySQLError
	if errors.As(err, &me) {
		return me.Number == mysqlLockWaitTimeout || me.Number == mysqlDeadlock
	}
	return false
}

// workerDepth is one row of the per-worker depth aggregate.
type workerDepth struct {
	WorkerID int
	Depth    int64
}

// QueueDepthByWorker counts pending actionable items per worker id.
func QueueDepthByWorker(db *gorm.DB) (map[int]int64, error) {
	return depthByWorker(db, 0)
}

// depthByWorker aggregates pending actionable items per worker, restricted
// to worker_id <= maxWorker when maxWorker is positive.
func depthByWorker(db *gorm.DB, maxWorker int) (map[int]int64, error) {
	q := pendingActionable(db).Where("worker_id IS NOT NULL")
	if maxWorker > 0 {
		q = q.Where("worker_id <= ?", maxWorker)
	}
	var rows []workerDepth
	if err := q.Select("worker_id, COUNT(id) AS depth").
		Group("worker_id").Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("queue: depth by worker: %w", err)
	}
	depth := make(map[int]int64, len(rows))
	for _, r := range rows {
		depth[r.WorkerID] = r.Depth
	}
	return depth, nil
}

// MarkProcessed flips an item to PROCESSED.
func MarkProcessed(db *gorm.DB, id uint) error {
	result := db.Model(&models.WorkItem{}).Where("id = ?", id).
		Update("status", models.StatusProcessed)
	if result.Error != nil {
		return fmt.Errorf("queue: mark processed %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("queue: item not found: %d", id)
	}
	return nil
}

// SetPayload replaces an item's stored payload.
func SetPayload(db *gorm.DB, id uint, p *models.Payload) error {
	raw, err := models.EncodePayload(p)
	if err != nil {
		return err
	}
	if err := db.Model(&models.WorkItem{}).Where("id = ?", id).
		Update("payload", raw).Error; err != nil {
		return fmt.Errorf("queue: set payload %d: %w", id, err)
	}
	return nil
}

// DeleteOlderThan removes items received before now-window that are either
// PROCESSED or NO_ACTION. Pending actionable items are kept regardless of age.
func DeleteOlderThan(db *gorm.DB, window time.Duration, now time.Time) (int64, error) {
	if window <= 0 {
		return 0, fmt.Errorf("queue: retention window must be positive")
	}
	cutoff := now.Add(-window)
	result := db.Where("received_at < ? AND (action_type = ? OR status = ?)",
		cutoff, models.NoAction, models.StatusProcessed).
		Delete(&models.WorkItem{})
	if result.Error != nil {
		return 0, fmt.Errorf("queue: delete older than %s: %w", window, result.Error)
	}
	return result.RowsAffected, nil
}
