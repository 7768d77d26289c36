package content

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/zulandar/railbot/internal/models"
)

type mockResult struct {
	answer *Answer
	err    error
}

// Mock is an in-memory Client for tests. Queued results are returned in
// order; once they run out, SendPrompt echoes the prompt text.
type Mock struct {
	mu         sync.Mutex
	prompts    []Prompt
	results    []mockResult
	created    []string
	resets     []string
	transcript string
	transErr   error
	models     []models.AIModel
}

// NewMock creates an empty mock client.
func NewMock() *Mock {
	return &Mock{}
}

// QueueAnswer makes the next SendPrompt return a.
func (m *Mock) QueueAnswer(a *Answer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, mockResult{answer: a})
}

// QueueError makes the next SendPrompt fail with err.
func (m *Mock) QueueError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, mockResult{err: err})
}

// SetTranscript configures the result of Transcribe.
func (m *Mock) SetTranscript(text string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transcript, m.transErr = text, err
}

// SetModels configures the result of Models.
func (m *Mock) SetModels(list []models.AIModel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.models = list
}

func (m *Mock) CreateConversation(_ context.Context, _, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.NewString()
	m.created = append(m.created, id)
	return id, nil
}

func (m *Mock) SendPrompt(_ context.Context, p Prompt) (*Answer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prompts = append(m.prompts, p)
	if len(m.results) > 0 {
		r := m.results[0]
		m.results = m.results[1:]
		return r.answer, r.err
	}
	return &Answer{Text: "echo: " + p.Text}, nil
}

func (m *Mock) ResetContext(_ context.Context, upstreamID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resets = append(m.resets, upstreamID)
	return nil
}

func (m *Mock) Transcribe(_ context.Context, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transcript, m.transErr
}

func (m *Mock) Models(_ context.Context) ([]models.AIModel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.AIModel(nil), m.models...), nil
}

// Prompts returns every prompt sent so far.
func (m *Mock) Prompts() []Prompt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Prompt(nil), m.prompts...)
}

// LastPrompt returns the most recent prompt, or nil.
func (m *Mock) LastPrompt() *Prompt {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.prompts) == 0 {
		return nil
	}
	p := m.prompts[len(m.prompts)-1]
	return &p
}

// Created returns the upstream ids minted by CreateConversation.
func (m *Mock) Created() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.created...)
}

// Resets returns the upstream ids passed to ResetContext.
func (m *Mock) Resets() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.resets...)
}

var _ Client = (*Mock)(nil)
