package connector

import (
	"context"
	"encoding/json"
	"sync"
)

// MockConnector is a scriptable Connector for tests.
type MockConnector struct {
	mu sync.Mutex

	presentOnCall int
	detectCalls   int
	initErr       error
	initCalls     int
	state         PublicState
	stateErr      error
	listeners     []func(PublicState)
	subscribeErr  error
	signResult    json.RawMessage
	signErr       error
	publishResult json.RawMessage
	publishErr    error
	signCalls     int
	publishCalls  int
	caps          Capabilities
}

// NewMockConnector returns a connector that is present on the first check and
// supports both call shapes.
func NewMockConnector() *MockConnector {
	return &MockConnector{
		presentOnCall: 1,
		caps:          Capabilities{SignAndPublish: true, Sign: true},
	}
}

// SetPresentOnCall makes DetectPresence succeed from the n-th call on. Zero
// means never.
func (m *MockConnector) SetPresentOnCall(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.presentOnCall = n
}

func (m *MockConnector) DetectPresence(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.detectCalls++
	return m.presentOnCall > 0 && m.detectCalls >= m.presentOnCall, nil
}

// DetectCalls returns how many presence checks were made.
func (m *MockConnector) DetectCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.detectCalls
}

// SetInitError makes AwaitInitialization fail with err.
func (m *MockConnector) SetInitError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initErr = err
}

func (m *MockConnector) AwaitInitialization(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initCalls++
	return m.initErr
}

// InitCalls returns how many handshakes were attempted.
func (m *MockConnector) InitCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initCalls
}

// SetPublicState scripts the next PublicState results.
func (m *MockConnector) SetPublicState(state PublicState, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
	m.stateErr = err
}

func (m *MockConnector) PublicState(ctx context.Context) (PublicState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.stateErr
}

// SetSubscribeError makes OnUpdate fail with err.
func (m *MockConnector) SetSubscribeError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribeErr = err
}

func (m *MockConnector) OnUpdate(ctx context.Context, fn func(PublicState)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subscribeErr != nil {
		return m.subscribeErr
	}
	m.listeners = append(m.listeners, fn)
	return nil
}

// Push delivers state to every registered listener.
func (m *MockConnector) Push(state PublicState) {
	m.mu.Lock()
	listeners := append([]func(PublicState){}, m.listeners...)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(state)
	}
}

// ListenerCount returns the number of registered update listeners.
func (m *MockConnector) ListenerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listeners)
}

// SetSignResult scripts SignTransaction.
func (m *MockConnector) SetSignResult(raw json.RawMessage, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signResult = raw
	m.signErr = err
}

func (m *MockConnector) SignTransaction(ctx context.Context, tx json.RawMessage) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signCalls++
	return m.signResult, m.signErr
}

// SetPublishResult scripts SignAndPublishTransaction.
func (m *MockConnector) SetPublishResult(raw json.RawMessage, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishResult = raw
	m.publishErr = err
}

func (m *MockConnector) SignAndPublishTransaction(ctx context.Context, tx json.RawMessage) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishCalls++
	return m.publishResult, m.publishErr
}

// SignCalls returns how many SignTransaction calls were made.
func (m *MockConnector) SignCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.signCalls
}

// PublishCalls returns how many SignAndPublishTransaction calls were made.
func (m *MockConnector) PublishCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.publishCalls
}

// SetCapabilities overrides the advertised capabilities.
func (m *MockConnector) SetCapabilities(caps Capabilities) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.caps = caps
}

func (m *MockConnector) Capabilities() Capabilities {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.caps
}
