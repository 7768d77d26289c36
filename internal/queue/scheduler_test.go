package queue

import (
	"testing"

	"github.com/zulandar/railbot/internal/models"
	"gorm.io/gorm"
)

// seedDepth gives each worker the requested number of pending items, each in
// its own conversation.
func seedDepth(t *testing.T, db *gorm.DB, depth map[int]int) {
	t.Helper()
	for w, n := range depth {
		for i := 0; i < n; i++ {
			seedPending(t, db, "seed-"+string(rune('a'+w))+string(rune('a'+i)), w)
		}
	}
}

func TestAssignWorker_IdleFirst(t *testing.T) {
	db := openTestDB(t)
	seedDepth(t, db, map[int]int{1: 2, 3: 5})

	w, err := AssignWorker(db, "new-conv", 3)
	if err != nil {
		t.Fatal(err)
	}
	if w != 2 {
		t.Errorf("AssignWorker = %d, want 2 (idle)", w)
	}
}

func TestAssignWorker_TieBreakLowestID(t *testing.T) {
	db := openTestDB(t)
	seedDepth(t, db, map[int]int{1: 1, 2: 1})

	w, err := AssignWorker(db, "new-conv", 2)
	if err != nil {
		t.Fatal(err)
	}
	if w != 1 {
		t.Errorf("AssignWorker = %d, want 1", w)
	}
}

func TestAssignWorker_MinimumDepth(t *testing.T) {
	db := openTestDB(t)
	seedDepth(t, db, map[int]int{1: 3, 2: 1, 3: 2})

	w, err := AssignWorker(db, "new-conv", 3)
	if err != nil {
		t.Fatal(err)
	}
	if w != 2 {
		t.Errorf("AssignWorker = %d, want 2", w)
	}
}

func TestAssignWorker_Stickiness(t *testing.T) {
	db := openTestDB(t)
	seedDepth(t, db, map[int]int{1: 1, 2: 1})
	seedPending(t, db, "sticky", 3)
	seedDepth(t, db, map[int]int{3: 4})

	for i := 0; i < 3; i++ {
		item, err := Enqueue(db, EnqueueRequest{
			ConversationID: "sticky",
			SessionID:      1,
			ActionType:     models.ActionSendMessage,
		}, 3)
		if err != nil {
			t.Fatal(err)
		}
		if item.WorkerID == nil || *item.WorkerID != 3 {
			t.Fatalf("enqueue %d assigned %v, want sticky worker 3", i, item.WorkerID)
		}
	}
}

func TestAssignWorker_StickinessEndsWhenDrained(t *testing.T) {
	db := openTestDB(t)
	item := seedPending(t, db, "conv", 2)
	seedPending(t, db, "other", 1)
	if err := MarkProcessed(db, item.ID); err != nil {
		t.Fatal(err)
	}
	w, err := AssignWorker(db, "conv", 2)
	if err != nil {
		t.Fatal(err)
	}
	if w != 2 {
		t.Errorf("AssignWorker = %d, want 2 (freest, idle)", w)
	}

	// A processed item no longer pins: with worker 2 busier, conv moves to 1.
	seedDepth(t, db, map[int]int{2: 2})
	MarkProcessed(db, 2) // "other" on worker 1
	w, err = AssignWorker(db, "conv", 2)
	if err != nil {
		t.Fatal(err)
	}
	if w != 1 {
		t.Errorf("AssignWorker = %d, want 1", w)
	}
}

func TestAssignWorker_IgnoresNoActionForStickiness(t *testing.T) {
	db := openTestDB(t)
	Insert(db, &models.WorkItem{ConversationID: "conv", Direction: models.DirectionRequest, ActionType: models.NoAction})
	seedPending(t, db, "x", 1)
	w, err := AssignWorker(db, "conv", 2)
	if err != nil {
		t.Fatal(err)
	}
	if w != 2 {
		t.Errorf("AssignWorker = %d, want 2", w)
	}
}

func TestFreest_IgnoresWorkersAboveCount(t *testing.T) {
	db := openTestDB(t)
	seedDepth(t, db, map[int]int{1: 1, 2: 2, 5: 1})
	w, err := Freest(db, 2)
	if err != nil {
		t.Fatal(err)
	}
	if w != 1 {
		t.Errorf("Freest = %d, want 1", w)
	}
}

func TestAssignWorker_Validation(t *testing.T) {
	if _, err := AssignWorker(nil, "", 1); err == nil {
		t.Error("expected error for empty conversation")
	}
	if _, err := AssignWorker(nil, "c", 0); err == nil {
		t.Error("expected error for zero workers")
	}
}

func TestEnqueue_NonActionableGetsNoWorker(t *testing.T) {
	db := openTestDB(t)
	noop, err := Enqueue(db, EnqueueRequest{ConversationID: "c", ActionType: models.NoAction, Text: "???"}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if noop.WorkerID != nil {
		t.Errorf("NO_ACTION WorkerID = %d, want nil", *noop.WorkerID)
	}
	resp, err := Enqueue(db, EnqueueRequest{ConversationID: "c", Direction: models.DirectionResponse, ActionType: models.NoAction}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if resp.WorkerID != nil {
		t.Error("RESPONSE received a worker")
	}
	if resp.Status != models.StatusProcessed {
		t.Errorf("RESPONSE status = %q, want processed", resp.Status)
	}
}

func TestEnqueue_InheritsRelatedConversationIndex(t *testing.T) {
	db := openTestDB(t)
	orig, err := Enqueue(db, EnqueueRequest{ConversationID: "c", ConversationIndex: 3, ActionType: models.ActionSendMessage}, 1)
	if err != nil {
		t.Fatal(err)
	}
	retry, err := Enqueue(db, EnqueueRequest{
		ConversationID:    "c",
		ConversationIndex: 1,
		ActionType:        models.ActionSendMessage,
		RelatedItemID:     &orig.ID,
		Payload:           &models.Payload{IsRepeat: true},
	}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if retry.ConversationIndex != 3 {
		t.Errorf("ConversationIndex = %d, want inherited 3", retry.ConversationIndex)
	}
}

func TestEnqueue_MissingRelatedRollsBack(t *testing.T) {
	db := openTestDB(t)
	missing := uint(42)
	_, err := Enqueue(db, EnqueueRequest{ConversationID: "c", ActionType: models.ActionSendMessage, RelatedItemID: &missing}, 1)
	if err == nil {
		t.Fatal("expected error for missing related item")
	}
	var n int64
	db.Model(&models.WorkItem{}).Count(&n)
	if n != 0 {
		t.Errorf("%d items persisted, want 0", n)
	}
}

func TestConversationOrdering_SingleWorker(t *testing.T) {
	db := openTestDB(t)
	var mine []uint
	for i := 0; i < 5; i++ {
		item, err := Enqueue(db, EnqueueRequest{ConversationID: "mine", ActionType: models.ActionSendMessage}, 3)
		if err != nil {
			t.Fatal(err)
		}
		mine = append(mine, item.ID)
		if _, err := Enqueue(db, EnqueueRequest{ConversationID: "other-" + string(rune('a'+i)), ActionType: models.ActionSendMessage}, 3); err != nil {
			t.Fatal(err)
		}
	}
	head, _ := Get(db, mine[0])
	w := *head.WorkerID

	var got []uint
	for {
		item, err := ClaimNext(db, w)
		if IsEmpty(err) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		if item.ConversationID == "mine" {
			got = append(got, item.ID)
		}
		MarkProcessed(db, item.ID)
	}
	if len(got) != len(mine) {
		t.Fatalf("worker %d executed %d of conversation's items, want %d", w, len(got), len(mine))
	}
	for i := range mine {
		if got[i] != mine[i] {
			t.Fatalf("execution order = %v, want %v", got, mine)
		}
	}
}

func TestDrain(t *testing.T) {
	db := openTestDB(t)
	a1 := seedPending(t, db, "a", 4)
	a2 := seedPending(t, db, "a", 4)
	b := seedPending(t, db, "b", 5)
	c1 := seedPending(t, db, "c", 2)
	c2 := seedPending(t, db, "c", 6)
	seedPending(t, db, "busy", 1)

	moved, err := Drain(db, 2)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if moved != 4 {
		t.Errorf("moved = %d, want 4", moved)
	}

	worker := func(id uint) int {
		item, err := Get(db, id)
		if err != nil {
			t.Fatal(err)
		}
		return *item.WorkerID
	}
	if worker(a1.ID) != worker(a2.ID) {
		t.Error("conversation a split across workers")
	}
	if worker(a1.ID) > 2 || worker(b.ID) > 2 {
		t.Error("items still above pool size")
	}
	if worker(c2.ID) != worker(c1.ID) || worker(c1.ID) != 2 {
		t.Errorf("conversation c on %d/%d, want both on 2", worker(c1.ID), worker(c2.ID))
	}
	depth, _ := QueueDepthByWorker(db)
	for w := range depth {
		if w > 2 {
			t.Errorf("worker %d still has depth after drain", w)
		}
	}
}
