package platform

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockAdapter implements Adapter for testing and for the "mock" platform
// kind. It records sent messages and allows simulating inbound events via
// SimulateInbound.
type MockAdapter struct {
	mu        sync.Mutex
	connected bool
	closed    bool
	inbound   chan Event
	sent      []Outbound
	sendErr   error
	files     map[string]string
	fileErrs  map[string]error
	botUserID string
	nextID    int
}

// NewMockAdapter creates a MockAdapter with a buffered inbound channel.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{
		inbound:  make(chan Event, 100),
		files:    make(map[string]string),
		fileErrs: make(map[string]error),
	}
}

// BotUserID returns the configured bot user ID (implements BotUserIDer).
func (m *MockAdapter) BotUserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.botUserID
}

// SetBotUserID sets the bot user ID for testing.
func (m *MockAdapter) SetBotUserID(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.botUserID = id
}

// Connect marks the adapter as connected.
func (m *MockAdapter) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("mock adapter: already closed")
	}
	m.connected = true
	return nil
}

// Listen returns the inbound event channel. Must be called after Connect.
func (m *MockAdapter) Listen(ctx context.Context) (<-chan Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, fmt.Errorf("mock adapter: not connected")
	}
	return m.inbound, nil
}

// Send records the outbound message and returns a sequential message id.
func (m *MockAdapter) Send(ctx context.Context, msg Outbound) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return "", &TransportError{Platform: "mock", Op: "send", Err: fmt.Errorf("not connected")}
	}
	if m.sendErr != nil {
		return "", &TransportError{Platform: "mock", Op: "send", Err: m.sendErr}
	}
	m.sent = append(m.sent, msg)
	m.nextID++
	return fmt.Sprintf("mock-%d", m.nextID), nil
}

// FileURL returns the URL registered with SetFileURL, or a mock URL.
func (m *MockAdapter) FileURL(ctx context.Context, fileRef string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.fileErrs[fileRef]; ok {
		return "", fmt.Errorf("mock: file %s: %w", fileRef, err)
	}
	if u, ok := m.files[fileRef]; ok {
		return u, nil
	}
	return "https://files.invalid/" + fileRef, nil
}

// Close shuts down the mock adapter and closes the inbound channel.
func (m *MockAdapter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.connected = false
	close(m.inbound)
	return nil
}

// --- Test helpers ---

// SimulateInbound sends an event into the inbound channel as if it came
// from the chat platform. Safe to call from any goroutine.
func (m *MockAdapter) SimulateInbound(ev Event) {
	if ev.SentAt.IsZero() {
		ev.SentAt = time.Now()
	}
	if ev.Platform == "" {
		ev.Platform = "mock"
	}
	m.inbound <- ev
}

// SetSendError makes subsequent Send calls fail with err. nil restores success.
func (m *MockAdapter) SetSendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// SetFileURL registers the URL returned by FileURL for fileRef.
func (m *MockAdapter) SetFileURL(fileRef, url string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[fileRef] = url
}

// SetFileError makes FileURL fail for fileRef.
func (m *MockAdapter) SetFileError(fileRef string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fileErrs[fileRef] = err
}

// LastSent returns the most recently sent outbound message.
// Returns zero value and false if no messages have been sent.
func (m *MockAdapter) LastSent() (Outbound, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return Outbound{}, false
	}
	return m.sent[len(m.sent)-1], true
}

// SentCount returns the number of outbound messages sent.
func (m *MockAdapter) SentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// AllSent returns a copy of all sent outbound messages.
func (m *MockAdapter) AllSent() []Outbound {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Outbound, len(m.sent))
	copy(out, m.sent)
	return out
}
