package nats

import (
	"context"
	"sync"
)

// MockPublisher records published events for tests.
type MockPublisher struct {
	mu            sync.RWMutex
	notifications []*NotificationEvent
	outcomes      []*OutcomeEvent
	publishError  error
	closed        bool
}

// NewMockPublisher creates a new mock publisher for testing.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{}
}

func (m *MockPublisher) PublishNotification(ctx context.Context, event *NotificationEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishError != nil {
		return m.publishError
	}
	m.notifications = append(m.notifications, event)
	return nil
}

func (m *MockPublisher) PublishOutcome(ctx context.Context, event *OutcomeEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishError != nil {
		return m.publishError
	}
	m.outcomes = append(m.outcomes, event)
	return nil
}

// Close marks the publisher as closed.
func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// GetNotifications returns a copy of all published notifications.
func (m *MockPublisher) GetNotifications() []*NotificationEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*NotificationEvent, len(m.notifications))
	copy(out, m.notifications)
	return out
}

// GetOutcomes returns a copy of all published outcomes.
func (m *MockPublisher) GetOutcomes() []*OutcomeEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*OutcomeEvent, len(m.outcomes))
	copy(out, m.outcomes)
	return out
}

// SetPublishError makes every publish fail with err.
func (m *MockPublisher) SetPublishError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishError = err
}

// IsClosed returns whether the publisher has been closed.
func (m *MockPublisher) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
