// Package monitor watches the per-worker queues for stuck items. Items that
// are stuck on oversized uploads are recovered; everything else is reported
// to the operators through an alert.Notifier.
package monitor

import (
	"context"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/zulandar/railbot/internal/alert"
	"github.com/zulandar/railbot/internal/i18n"
	"github.com/zulandar/railbot/internal/keyboard"
	"github.com/zulandar/railbot/internal/models"
	"github.com/zulandar/railbot/internal/platform"
	"github.com/zulandar/railbot/internal/queue"
	"github.com/zulandar/railbot/internal/session"
	"gorm.io/gorm"
)

// DefaultThreshold is how long the head of a queue may wait before its
// worker counts as stuck.
const DefaultThreshold = 720 * time.Second

// CheckOpts configures one health check.
type CheckOpts struct {
	DB        *gorm.DB
	Adapter   platform.Adapter
	Catalog   *i18n.Catalog
	Notifier  alert.Notifier
	Threshold time.Duration
	Now       func() time.Time
	Out       io.Writer
}

// Report is the outcome of one check.
type Report struct {
	Checked   []int       // worker ids with pending work
	Recovered []uint      // stuck upload items marked processed
	Stuck     []StuckItem // items that need an operator
	Alert     string      // the alert text sent, empty when none
}

// StuckItem is the head of a stuck worker queue.
type StuckItem struct {
	WorkerID int
	ItemID   uint
	Age      time.Duration
}

func (s StuckItem) String() string {
	return fmt.Sprintf("Problem with worker %d - message %d", s.WorkerID, s.ItemID)
}

// Check inspects the head of every non-empty worker queue, including
// queues of workers above the current pool size.
func Check(ctx context.Context, opts CheckOpts) (*Report, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("monitor: db is required")
	}
	if opts.Catalog == nil {
		return nil, fmt.Errorf("monitor: catalog is required")
	}
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Out == nil {
		opts.Out = io.Discard
	}

	depth, err := queue.QueueDepthByWorker(opts.DB)
	if err != nil {
		return nil, fmt.Errorf("monitor: %w", err)
	}
	ids := make([]int, 0, len(depth))
	for id, n := range depth {
		if n > 0 {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)

	now := opts.Now()
	report := &Report{Checked: ids}
	for _, id := range ids {
		item, err := queue.FindOldestPendingForWorker(opts.DB, id)
		if err != nil {
			return report, fmt.Errorf("monitor: %w", err)
		}
		if item == nil {
			continue
		}
		age := now.Sub(item.ReceivedAt)
		if age <= opts.Threshold {
			continue
		}

		if recoverable(item) {
			if err := recoverItem(ctx, opts, item); err != nil {
				return report, err
			}
			report.Recovered = append(report.Recovered, item.ID)
			fmt.Fprintf(opts.Out, "Recovered item %d on worker %d (waited %s)\n", item.ID, id, age.Round(time.Second))
			continue
		}
		report.Stuck = append(report.Stuck, StuckItem{WorkerID: id, ItemID: item.ID, Age: age})
	}

	if len(report.Stuck) == 0 {
		return report, nil
	}
	lines := make([]string, 0, len(report.Stuck))
	for _, s := range report.Stuck {
		lines = append(lines, s.String())
	}
	report.Alert = strings.Join(lines, "\n\n")
	fmt.Fprintf(opts.Out, "%d stuck worker(s)\n", len(report.Stuck))
	if opts.Notifier != nil {
		if err := opts.Notifier.Notify(ctx, alert.New(report.Alert)); err != nil {
			log.Printf("monitor: alert: %v", err)
		}
	}
	return report, nil
}

// recoverable reports whether a stuck item is an upload the workers choke
// on: a media action, or a buffered voice, audio or video message.
func recoverable(item *models.WorkItem) bool {
	if item.ActionType.Media() {
		return true
	}
	if item.ActionType != models.ActionBufferMessage {
		return false
	}
	p, err := item.DecodePayload()
	if err != nil {
		log.Printf("monitor: item %d: %v", item.ID, err)
		return false
	}
	return p.HasAudioVisual()
}

// recoverItem marks the item processed and tells the user the file was too
// large. A failed send is logged only.
func recoverItem(ctx context.Context, opts CheckOpts, item *models.WorkItem) error {
	if err := queue.MarkProcessed(opts.DB, item.ID); err != nil {
		return fmt.Errorf("monitor: %w", err)
	}
	if opts.Adapter == nil {
		return nil
	}

	locale := opts.Catalog.Resolve("")
	var kb *platform.Keyboard
	if s, err := session.Get(opts.DB, item.SessionID); err == nil {
		locale = opts.Catalog.Resolve(s.LanguageCode)
		web := false
		if c, err := session.FindConversation(opts.DB, s.ID, item.ConversationIndex); err == nil {
			web = c.WebSearch
		}
		kb = keyboard.Main(opts.Catalog, locale, web, s.CurrentConversationIndex)
	} else {
		log.Printf("monitor: item %d: %v", item.ID, err)
	}

	text := opts.Catalog.Error(locale, "token_limit_exceeded")
	sentID, err := opts.Adapter.Send(ctx, platform.Outbound{
		ConversationID: item.ConversationID,
		Text:           text,
		ReplyTo:        item.ExternalMessageID,
		Keyboard:       kb,
	})
	if err != nil {
		log.Printf("monitor: item %d: notify user: %v", item.ID, err)
		return nil
	}
	_, err = queue.Enqueue(opts.DB, queue.EnqueueRequest{
		ConversationID:    item.ConversationID,
		SessionID:         item.SessionID,
		ExternalMessageID: sentID,
		Direction:         models.DirectionResponse,
		ActionType:        item.ActionType,
		Text:              text,
		RelatedItemID:     &item.ID,
		SentAt:            opts.Now(),
	}, 1)
	if err != nil {
		log.Printf("monitor: item %d: record response: %v", item.ID, err)
	}
	return nil
}
