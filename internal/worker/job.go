package worker

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/zulandar/railbot/internal/content"
	"github.com/zulandar/railbot/internal/models"
	"github.com/zulandar/railbot/internal/platform"
	"github.com/zulandar/railbot/internal/queue"
	"github.com/zulandar/railbot/internal/session"
	"gorm.io/gorm"
)

// MaxMessageRunes is the longest message sent in one piece.
const MaxMessageRunes = 4096

// job is one claimed item with the state its handler works on.
type job struct {
	rt      *Runtime
	tx      *gorm.DB
	content content.Client // bound to tx
	item    *models.WorkItem
	payload *models.Payload
	session *models.Session
	conv    *models.Conversation
	locale  string
}

func (r *Runtime) newJob(tx *gorm.DB, item *models.WorkItem) (*job, error) {
	p, err := item.DecodePayload()
	if err != nil {
		return nil, err
	}
	s, err := session.Get(tx, item.SessionID)
	if err != nil {
		return nil, err
	}
	return &job{rt: r, tx: tx, content: content.Bind(r.content, tx), item: item, payload: p, session: s, locale: r.catalog.Resolve(s.LanguageCode)}, nil
}

// loadConversation loads the item's conversation, creating it and its
// upstream chat when the slot is empty.
func (r *Runtime) loadConversation(j *job) error {
	index := j.item.ConversationIndex
	if index < 1 {
		index = j.session.CurrentConversationIndex
	}
	c, err := session.FindConversation(j.tx, j.session.ID, index)
	if err == nil {
		j.conv = c
		return nil
	}
	if !isNotFound(err) {
		return err
	}
	d, err := session.DefaultsFor(j.tx, j.session, r.catalog.T(j.locale, "chat.notes_prompt"))
	if err != nil {
		return err
	}
	c, err = session.EnsureConversation(j.tx, j.session.ID, index, d)
	if err != nil {
		return err
	}
	j.conv = c
	return nil
}

func (j *job) convUpstreamID() string {
	if j.conv == nil {
		return ""
	}
	return j.conv.UpstreamChatID
}

func (j *job) t(key string, kv ...string) string {
	return j.rt.catalog.T(j.locale, key, kv...)
}

// reply sends text to the item's conversation, split into chunks, and
// records each delivered chunk as a RESPONSE item. The keyboard goes on the
// last chunk. A failed send stops and returns the *platform.TransportError.
func (j *job) reply(ctx context.Context, text string, kb *platform.Keyboard) error {
	return j.send(ctx, platform.Outbound{Text: text, Keyboard: kb})
}

// answer is reply threaded under the request message.
func (j *job) answer(ctx context.Context, text string, kb *platform.Keyboard, media []string) error {
	return j.send(ctx, platform.Outbound{Text: text, Keyboard: kb, ReplyTo: j.item.ExternalMessageID, MediaURLs: media})
}

func (j *job) send(ctx context.Context, msg platform.Outbound) error {
	chunks := SplitMessage(msg.Text, MaxMessageRunes)
	if len(chunks) == 0 {
		chunks = []string{""}
	}
	for i, chunk := range chunks {
		out := platform.Outbound{ConversationID: j.item.ConversationID, Text: chunk}
		if i == 0 {
			out.ReplyTo = msg.ReplyTo
			out.MediaURLs = msg.MediaURLs
		}
		if i == len(chunks)-1 {
			out.Keyboard = msg.Keyboard
		}
		sentID, err := j.rt.adapter.Send(ctx, out)
		if err != nil {
			return err
		}
		_, err = queue.Enqueue(j.tx, queue.EnqueueRequest{
			ConversationID:    j.item.ConversationID,
			SessionID:         j.item.SessionID,
			ExternalMessageID: sentID,
			Direction:         models.DirectionResponse,
			ActionType:        j.item.ActionType,
			Text:              chunk,
			RelatedItemID:     &j.item.ID,
		}, j.rt.workerCount)
		if err != nil {
			return fmt.Errorf("record response to item %d: %w", j.item.ID, err)
		}
	}
	return nil
}

// SplitMessage splits text into chunks of at most limit runes, breaking on
// the last newline that fits. Lines longer than limit are hard-split.
func SplitMessage(text string, limit int) []string {
	if text == "" {
		return nil
	}
	var chunks []string
	for utf8.RuneCountInString(text) > limit {
		cut := runeOffset(text, limit)
		if nl := strings.LastIndexByte(text[:cut], '\n'); nl > 0 {
			chunks = append(chunks, text[:nl])
			text = text[nl+1:]
			continue
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

// runeOffset returns the byte offset of the n-th rune of s.
func runeOffset(s string, n int) int {
	i := 0
	for off := range s {
		if i == n {
			return off
		}
		i++
	}
	return len(s)
}
