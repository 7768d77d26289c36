package queue

import (
	"testing"

	"github.com/zulandar/railbot/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&models.WorkItem{}); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

func intPtr(n int) *int { return &n }

// seedPending inserts a pending actionable request bound to worker w.
func seedPending(t *testing.T, db *gorm.DB, conv string, w int) *models.WorkItem {
	t.Helper()
	item := &models.WorkItem{
		ConversationID: conv,
		SessionID:      1,
		Direction:      models.DirectionRequest,
		ActionType:     models.ActionSendMessage,
		WorkerID:       intPtr(w),
	}
	if _, err := Insert(db, item); err != nil {
		t.Fatalf("seed pending: %v", err)
	}
	return item
}
