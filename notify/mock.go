package notify

import (
	"context"
	"log/slog"
	"sync"
)

// MockProvider logs messages instead of sending them, for local development.
type MockProvider struct {
	logger *slog.Logger

	mu   sync.Mutex
	sent []Message
}

// NewMockProvider creates a new mock provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{
		logger: logger,
	}
}

// Send logs the message and records it.
func (m *MockProvider) Send(ctx context.Context, msg Message) error {
	m.logger.Info("MOCK NOTIFICATION",
		"subject", msg.Subject,
		"url", msg.URL,
		"body_length", len(msg.Body))

	m.mu.Lock()
	m.sent = append(m.sent, msg)
	m.mu.Unlock()
	return nil
}

// Sent returns the messages recorded so far.
func (m *MockProvider) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.sent...)
}
