// Package worker runs the queue consumers. Each worker owns a fixed id and
// executes the actionable requests the scheduler binds to it, one at a
// time and in id order.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/zulandar/railbot/internal/config"
	"github.com/zulandar/railbot/internal/content"
	"github.com/zulandar/railbot/internal/i18n"
	"github.com/zulandar/railbot/internal/keyboard"
	"github.com/zulandar/railbot/internal/models"
	"github.com/zulandar/railbot/internal/platform"
	"github.com/zulandar/railbot/internal/queue"
	"github.com/zulandar/railbot/internal/session"
	"gorm.io/gorm"
)

const defaultPollInterval = time.Second

// Opts configures a worker runtime.
type Opts struct {
	DB           *gorm.DB
	WorkerID     int
	WorkerCount  int
	Adapter      platform.Adapter
	Content      content.Client
	Catalog      *i18n.Catalog
	Plans        []config.PlanConfig
	PrivacyURL   string
	PollInterval time.Duration
	Out          io.Writer
}

// Runtime is one queue consumer.
type Runtime struct {
	db          *gorm.DB
	id          int
	workerCount int
	adapter     platform.Adapter
	content     content.Client
	catalog     *i18n.Catalog
	plans       []config.PlanConfig
	privacyURL  string
	poll        time.Duration
	out         io.Writer
	handlers    map[models.ActionType]Handler
}

// New validates opts and creates a runtime.
func New(opts Opts) (*Runtime, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("worker: db is required")
	}
	if opts.WorkerCount < 1 {
		return nil, fmt.Errorf("worker: worker count must be at least 1")
	}
	if opts.WorkerID < 1 || opts.WorkerID > opts.WorkerCount {
		return nil, fmt.Errorf("worker: id %d out of range 1..%d", opts.WorkerID, opts.WorkerCount)
	}
	if opts.Adapter == nil {
		return nil, fmt.Errorf("worker: adapter is required")
	}
	if opts.Content == nil {
		return nil, fmt.Errorf("worker: content client is required")
	}
	if opts.Catalog == nil {
		return nil, fmt.Errorf("worker: catalog is required")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	r := &Runtime{
		db:          opts.DB,
		id:          opts.WorkerID,
		workerCount: opts.WorkerCount,
		adapter:     opts.Adapter,
		content:     opts.Content,
		catalog:     opts.Catalog,
		plans:       opts.Plans,
		privacyURL:  opts.PrivacyURL,
		poll:        opts.PollInterval,
		out:         opts.Out,
	}
	r.handlers = handlers()
	return r, nil
}

// ID returns the worker id.
func (r *Runtime) ID() int { return r.id }

// Run processes the worker's queue until ctx is done. It returns nil on
// cancellation and the error of any item that could not be classified.
func (r *Runtime) Run(ctx context.Context) error {
	fmt.Fprintf(r.out, "Worker %d started (poll every %s)\n", r.id, r.poll)
	defer fmt.Fprintf(r.out, "Worker %d stopped.\n", r.id)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		processed, err := r.Step(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if !processed {
			sleepWithContext(ctx, r.poll)
		}
	}
}

// Step claims and processes the head of the worker's queue in one
// transaction. It reports whether an item was processed. Failing to get the
// queue lock before claiming counts as an empty poll.
func (r *Runtime) Step(ctx context.Context) (bool, error) {
	processed := false
	err := r.db.Transaction(func(tx *gorm.DB) error {
		item, err := queue.ClaimNext(tx, r.id)
		if queue.IsEmpty(err) {
			return nil
		}
		if err != nil {
			return err
		}
		processed = true
		return r.process(ctx, tx, item)
	})
	if err != nil {
		if !processed && queue.IsContention(err) {
			log.Printf("worker %d: queue busy, retrying: %v", r.id, err)
			return false, nil
		}
		return processed, fmt.Errorf("worker %d: %w", r.id, err)
	}
	return processed, nil
}

// process runs the item's handler and applies the error taxonomy. A nil
// return commits the transaction with the item marked processed.
func (r *Runtime) process(ctx context.Context, tx *gorm.DB, item *models.WorkItem) error {
	j, err := r.newJob(tx, item)
	if err != nil {
		return err
	}

	err = r.run(ctx, j)
	if errors.Is(err, content.ErrChatNotFound) {
		log.Printf("worker %d: item %d: upstream chat %s not found, recreating", r.id, item.ID, j.convUpstreamID())
		if rerr := r.recreateUpstream(ctx, j); rerr != nil {
			err = rerr
		} else {
			err = r.run(ctx, j)
		}
	}

	var cerr *content.Error
	var terr *platform.TransportError
	switch {
	case err == nil:
	case errors.Is(err, content.ErrInvalidModel), errors.Is(err, content.ErrDefaultModelNotFound):
		if rerr := r.recoverInvalidModel(ctx, j, err); rerr != nil {
			return rerr
		}
	case errors.As(err, &cerr):
		log.Printf("worker %d: item %d (%s): %v", r.id, item.ID, item.ActionType, err)
		if serr := j.reply(ctx, r.catalog.Error(j.locale, cerr.Code), j.mainKeyboard()); serr != nil {
			log.Printf("worker %d: item %d: send error message: %v", r.id, item.ID, serr)
		}
	case errors.As(err, &terr):
		log.Printf("worker %d: item %d (%s): %v", r.id, item.ID, item.ActionType, err)
	default:
		return fmt.Errorf("item %d (%s): %w", item.ID, item.ActionType, err)
	}

	if err := queue.MarkProcessed(tx, item.ID); err != nil {
		return err
	}
	fmt.Fprintf(r.out, "Worker %d processed item %d (%s)\n", r.id, item.ID, item.ActionType)
	return nil
}

// run loads the conversation and dispatches the item to its handler.
func (r *Runtime) run(ctx context.Context, j *job) error {
	h, ok := r.handlers[j.item.ActionType]
	if !ok {
		return fmt.Errorf("no handler for action %q", j.item.ActionType)
	}
	if j.conv == nil {
		if err := r.loadConversation(j); err != nil {
			return err
		}
	}
	return h(ctx, j)
}

// recreateUpstream replaces the conversation's missing upstream chat.
func (r *Runtime) recreateUpstream(ctx context.Context, j *job) error {
	id, err := j.content.CreateConversation(ctx, j.conv.Model, j.conv.SystemPrompt)
	if err != nil {
		return err
	}
	j.conv.UpstreamChatID = id
	j.conv.ContextCounter = 0
	return session.SaveConversation(j.tx, j.conv)
}

// recoverInvalidModel repeats the request once. When the repeat fails too,
// the conversation is restarted on the default model and the user is told.
func (r *Runtime) recoverInvalidModel(ctx context.Context, j *job, cause error) error {
	if j.payload == nil || !j.payload.IsRepeat {
		p := models.Payload{}
		if j.payload != nil {
			p = *j.payload
		}
		p.IsRepeat = true
		repeat, err := queue.Enqueue(j.tx, queue.EnqueueRequest{
			ConversationID:    j.item.ConversationID,
			ConversationIndex: j.item.ConversationIndex,
			SessionID:         j.item.SessionID,
			ExternalMessageID: j.item.ExternalMessageID,
			ActionType:        j.item.ActionType,
			Payload:           &p,
			Text:              j.item.Text,
			SentAt:            j.item.CreatedAt,
		}, r.workerCount)
		if err != nil {
			return err
		}
		log.Printf("worker %d: item %d: %v, repeating as item %d", r.id, j.item.ID, cause, repeat.ID)
		return nil
	}

	log.Printf("worker %d: item %d: %v on repeat, restarting on the default model", r.id, j.item.ID, cause)
	key := "error.invalid_model"
	def, err := session.DefaultModel(j.tx, models.ModelKindText)
	switch {
	case err == nil && j.conv != nil:
		id, cerr := j.content.CreateConversation(ctx, def.ID, j.conv.SystemPrompt)
		if cerr != nil {
			log.Printf("worker %d: item %d: create default conversation: %v", r.id, j.item.ID, cerr)
			break
		}
		if err := session.ReplaceConversation(j.tx, j.conv, def.ID, j.conv.ContextRemember && def.SupportsContext); err != nil {
			return err
		}
		j.conv.UpstreamChatID = id
		if err := session.SaveConversation(j.tx, j.conv); err != nil {
			return err
		}
		key = "error.invalid_model_default"
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		return err
	}
	if serr := j.reply(ctx, r.catalog.T(j.locale, key), j.mainKeyboard()); serr != nil {
		log.Printf("worker %d: item %d: send error message: %v", r.id, j.item.ID, serr)
	}
	return nil
}

// RunPool runs workers 1..opts.WorkerCount in one process until ctx is done.
// The first worker error cancels the rest and is returned.
func RunPool(ctx context.Context, opts Opts) error {
	if opts.WorkerCount < 1 {
		return fmt.Errorf("worker: worker count must be at least 1")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	runtimes := make([]*Runtime, 0, opts.WorkerCount)
	for id := 1; id <= opts.WorkerCount; id++ {
		o := opts
		o.WorkerID = id
		r, err := New(o)
		if err != nil {
			return err
		}
		runtimes = append(runtimes, r)
	}

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	for _, r := range runtimes {
		wg.Add(1)
		go func(r *Runtime) {
			defer wg.Done()
			if err := r.Run(ctx); err != nil {
				log.Printf("worker %d: stopped: %v", r.id, err)
				once.Do(func() {
					firstErr = err
					cancel()
				})
			}
		}(r)
	}
	wg.Wait()
	return firstErr
}

// sleepWithContext sleeps for the given duration or until the context is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (j *job) mainKeyboard() *platform.Keyboard {
	web := false
	if j.conv != nil {
		web = j.conv.WebSearch
	}
	return keyboard.Main(j.rt.catalog, j.locale, web, j.session.CurrentConversationIndex)
}
