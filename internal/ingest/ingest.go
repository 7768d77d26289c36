// Package ingest turns inbound platform events into queue items. Each
// event is classified against its session and persisted in one
// transaction together with the session changes the decision implies.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/zulandar/railbot/internal/classify"
	"github.com/zulandar/railbot/internal/i18n"
	"github.com/zulandar/railbot/internal/models"
	"github.com/zulandar/railbot/internal/platform"
	"github.com/zulandar/railbot/internal/queue"
	"github.com/zulandar/railbot/internal/session"
	"gorm.io/gorm"
)

// Opts configures an Ingestor.
type Opts struct {
	DB          *gorm.DB
	Adapter     platform.Adapter
	Catalog     *i18n.Catalog
	WorkerCount int
	Platform    string    // used when an event carries no platform name
	Out         io.Writer // defaults to io.Discard
}

// Ingestor classifies and enqueues events from one adapter.
type Ingestor struct {
	db          *gorm.DB
	adapter     platform.Adapter
	catalog     *i18n.Catalog
	vocab       *classify.Vocabulary
	workerCount int
	platform    string
	out         io.Writer
}

// Result is what Handle did with one event.
type Result struct {
	Decision classify.Decision
	Item     *models.WorkItem // nil when the event was discarded
	Session  *models.Session
}

// New validates opts and creates an Ingestor.
func New(opts Opts) (*Ingestor, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("ingest: db is required")
	}
	if opts.Catalog == nil {
		return nil, fmt.Errorf("ingest: catalog is required")
	}
	if opts.WorkerCount < 1 {
		return nil, fmt.Errorf("ingest: worker count must be at least 1")
	}
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	return &Ingestor{
		db:          opts.DB,
		adapter:     opts.Adapter,
		catalog:     opts.Catalog,
		vocab:       classify.NewVocabulary(opts.Catalog),
		workerCount: opts.WorkerCount,
		platform:    opts.Platform,
		out:         opts.Out,
	}, nil
}

// Run pumps the adapter's inbound events through Handle until ctx is done
// or the adapter closes its channel. Events are handled one at a time.
func (in *Ingestor) Run(ctx context.Context) error {
	if in.adapter == nil {
		return fmt.Errorf("ingest: adapter is required")
	}
	events, err := in.adapter.Listen(ctx)
	if err != nil {
		return fmt.Errorf("ingest: listen: %w", err)
	}
	fmt.Fprintf(in.out, "Ingest listening (%d workers)\n", in.workerCount)
	defer fmt.Fprintf(in.out, "Ingest stopped.\n")

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				fmt.Fprintf(in.out, "Ingest inbound channel closed\n")
				return nil
			}
			if _, err := in.Handle(ctx, ev); err != nil {
				log.Printf("ingest: event %s/%s: %v", ev.ConversationID, ev.MessageID, err)
			}
		}
	}
}

// Handle classifies one event and persists the outcome. Discarded events
// are not stored. Immediate replies are sent after the item is inserted
// and recorded as RESPONSE items; a failed send is logged only.
func (in *Ingestor) Handle(ctx context.Context, ev platform.Event) (*Result, error) {
	if ev.Platform == "" {
		ev.Platform = in.platform
	}
	if ev.IsBot || ev.UserID == "" {
		d := classify.Classify(ev, classify.Snapshot{}, in.vocab)
		return &Result{Decision: d}, nil
	}

	var res *Result
	err := in.db.Transaction(func(tx *gorm.DB) error {
		r, err := in.handle(ctx, tx, ev)
		res = r
		return err
	})
	if err != nil {
		return nil, err
	}
	if res.Item != nil {
		fmt.Fprintf(in.out, "Ingested item %d (%s) for session %d\n", res.Item.ID, res.Item.ActionType, res.Session.ID)
	}
	return res, nil
}

func (in *Ingestor) handle(ctx context.Context, tx *gorm.DB, ev platform.Event) (*Result, error) {
	s, _, err := session.GetOrCreate(tx, session.Identity{
		Platform:     ev.Platform,
		UserID:       ev.UserID,
		UserName:     ev.UserName,
		FirstName:    ev.FirstName,
		LastName:     ev.LastName,
		LanguageCode: ev.LanguageCode,
	})
	if err != nil {
		return nil, fmt.Errorf("ingest: %w", err)
	}
	locale := in.catalog.Resolve(s.LanguageCode)

	conv, err := session.FindConversation(tx, s.ID, s.CurrentConversationIndex)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("ingest: %w", err)
	}
	enabled, err := session.EnabledModels(tx)
	if err != nil {
		return nil, fmt.Errorf("ingest: %w", err)
	}
	d := classify.Classify(ev, snapshot(s, conv, enabled, locale), in.vocab)
	res := &Result{Decision: d, Session: s}
	if d.Discard {
		return res, nil
	}

	if err := applySession(tx, s, d); err != nil {
		return nil, fmt.Errorf("ingest: %w", err)
	}
	if err := in.applyConversation(tx, s, locale, d); err != nil {
		return nil, fmt.Errorf("ingest: %w", err)
	}

	var related *uint
	if ev.ReplyToMessageID != "" {
		r, err := queue.FindByExternalMessageID(tx, ev.ConversationID, ev.ReplyToMessageID)
		if err != nil {
			return nil, fmt.Errorf("ingest: %w", err)
		}
		if r != nil {
			related = &r.ID
		}
	}

	item, err := queue.Enqueue(tx, queue.EnqueueRequest{
		ConversationID:    ev.ConversationID,
		ConversationIndex: s.CurrentConversationIndex,
		SessionID:         s.ID,
		ExternalMessageID: ev.MessageID,
		ActionType:        d.Action,
		Payload:           d.Payload,
		Text:              d.Text,
		RelatedItemID:     related,
		SentAt:            ev.SentAt,
	}, in.workerCount)
	if err != nil {
		return nil, fmt.Errorf("ingest: %w", err)
	}
	res.Item = item

	if d.Reply != "" {
		in.reply(ctx, tx, item, locale, d)
	}
	return res, nil
}

// snapshot builds the classifier's view of the session.
func snapshot(s *models.Session, c *models.Conversation, enabled map[string]models.AIModel, locale string) classify.Snapshot {
	snap := classify.Snapshot{
		State:             s.State,
		ConversationIndex: s.CurrentConversationIndex,
		Locale:            locale,
		KnownModels:       make(map[string]bool, len(enabled)),
	}
	for id := range enabled {
		snap.KnownModels[id] = true
	}
	if m, ok := session.ActiveModel(enabled, s, c); ok {
		snap.ModelKind = m.Kind
		snap.ContextSupported = m.SupportsContext
	}
	if c != nil {
		snap.WebSearch = c.WebSearch
		if entries, err := c.BufferEntries(); err == nil {
			snap.BufferNonEmpty = len(entries) > 0
		}
	}
	return snap
}

// applySession stores the session fields the decision changes.
func applySession(tx *gorm.DB, s *models.Session, d classify.Decision) error {
	changed := false
	set := func(dst *string, v string) {
		if v != "" && *dst != v {
			*dst, changed = v, true
		}
	}
	if d.NextState != nil && s.State != *d.NextState {
		s.State, changed = *d.NextState, true
	}
	if d.ConversationIndex > 0 && s.CurrentConversationIndex != d.ConversationIndex {
		s.CurrentConversationIndex, changed = d.ConversationIndex, true
	}
	if d.SetGiftRecipient && s.GiftRecipient != d.GiftRecipient {
		s.GiftRecipient, changed = d.GiftRecipient, true
	}
	if s.ReferralCode == "" {
		set(&s.ReferralCode, d.ReferralCode)
	}
	set(&s.TextModel, d.TextModel)
	set(&s.ImageModel, d.ImageModel)
	set(&s.Tool, d.Tool)
	if d.ChatListPage > 0 && s.ChatListPage != d.ChatListPage {
		s.ChatListPage, changed = d.ChatListPage, true
	}
	if !changed {
		return nil
	}
	return session.Save(tx, s)
}

// applyConversation stores the conversation changes of the decision on the
// session's active conversation, creating the conversation if needed.
func (in *Ingestor) applyConversation(tx *gorm.DB, s *models.Session, locale string, d classify.Decision) error {
	if !d.ResetCounter && !d.IncrementCounter && !d.ClearBuffer && d.ContextRemember == nil && d.Setting == "" {
		return nil
	}
	defaults, err := session.DefaultsFor(tx, s, in.catalog.T(locale, "chat.notes_prompt"))
	if err != nil {
		return err
	}
	c, err := session.EnsureConversation(tx, s.ID, s.CurrentConversationIndex, defaults)
	if err != nil {
		return err
	}
	if d.ResetCounter {
		c.ContextCounter = 0
	}
	if d.IncrementCounter {
		c.ContextCounter++
	}
	if d.ClearBuffer {
		c.Buffer = nil
	}
	if d.ContextRemember != nil {
		c.ContextRemember = *d.ContextRemember
	}
	switch d.Setting {
	case classify.SettingLinksParse:
		c.LinksParse = d.SettingOn
	case classify.SettingFormulaToImage:
		c.FormulaToImage = d.SettingOn
	case classify.SettingAnswerToVoice:
		c.AnswerToVoice = d.SettingOn
	}
	return session.SaveConversation(tx, c)
}

// reply sends the decision's immediate reply and records it.
func (in *Ingestor) reply(ctx context.Context, tx *gorm.DB, item *models.WorkItem, locale string, d classify.Decision) {
	if in.adapter == nil {
		return
	}
	text := in.catalog.T(locale, d.Reply, d.ReplyArgs...)
	sentID, err := in.adapter.Send(ctx, platform.Outbound{
		ConversationID: item.ConversationID,
		Text:           text,
		ReplyTo:        item.ExternalMessageID,
		Keyboard:       d.ReplyKeyboard,
	})
	if err != nil {
		log.Printf("ingest: item %d: reply: %v", item.ID, err)
		return
	}
	_, err = queue.Enqueue(tx, queue.EnqueueRequest{
		ConversationID:    item.ConversationID,
		SessionID:         item.SessionID,
		ExternalMessageID: sentID,
		Direction:         models.DirectionResponse,
		ActionType:        item.ActionType,
		Text:              text,
		RelatedItemID:     &item.ID,
	}, in.workerCount)
	if err != nil {
		log.Printf("ingest: item %d: record reply: %v", item.ID, err)
	}
}
