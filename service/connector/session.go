package connector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/brojonat/dccwallet/service/metrics"
	"github.com/brojonat/dccwallet/service/notify"
	"github.com/brojonat/dccwallet/service/walleterr"
)

// SnapshotHandler receives every validated snapshot the session obtains.
type SnapshotHandler interface {
	ApplySnapshot(ctx context.Context, snap Snapshot) error
}

// Session owns the ConnectionState and the authorization handshake with the
// connector. Failures are reported to the sink and leave the state at its last
// good value.
type Session struct {
	conn    Connector
	handler SnapshotHandler
	sink    notify.Sink
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu         sync.Mutex
	state      ConnectionState
	subscribed bool
	observers  []func(from, to ConnectionState)
}

// NewSession creates a session in StateUnknown.
func NewSession(conn Connector, handler SnapshotHandler, sink notify.Sink, m *metrics.Metrics, logger *slog.Logger) *Session {
	return &Session{
		conn:    conn,
		handler: handler,
		sink:    sink,
		metrics: m,
		logger:  logger.With("component", "connector_session"),
	}
}

// State returns the live connection state.
func (s *Session) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Observe registers fn to be called after every state change.
func (s *Session) Observe(fn func(from, to ConnectionState)) {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

func (s *Session) transition(ctx context.Context, to ConnectionState) bool {
	s.mu.Lock()
	from := s.state
	if from == to {
		s.mu.Unlock()
		return true
	}
	if !CanTransition(from, to) {
		s.mu.Unlock()
		s.logger.DebugContext(ctx, "ignoring illegal state transition",
			"from", from.String(),
			"to", to.String(),
		)
		return false
	}
	s.state = to
	observers := append([]func(from, to ConnectionState){}, s.observers...)
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "connection state changed",
		"from", from.String(),
		"to", to.String(),
	)
	s.metrics.RecordConnectionState(from.String(), to.String())
	for _, fn := range observers {
		fn(from, to)
	}
	return true
}

// TrackProbe publishes StateProbing, waits for the probe result and publishes
// it. It returns the resulting state, which stays StateProbing if the probe was
// cancelled.
func (s *Session) TrackProbe(ctx context.Context, results <-chan ConnectionState) ConnectionState {
	s.transition(ctx, StateProbing)
	select {
	case <-ctx.Done():
		return s.State()
	case result, ok := <-results:
		if !ok {
			return s.State()
		}
		s.transition(ctx, result)
		return s.State()
	}
}

// Initialize starts the handshake without blocking. The returned channel
// yields the handshake result once and is then closed. Calling it on a session
// whose handshake already completed yields nil immediately.
func (s *Session) Initialize(ctx context.Context) <-chan error {
	done := make(chan error, 1)

	current := s.State()
	switch {
	case current.Ready():
		close(done)
		return done
	case current != StateFound && current != StateUninitialized:
		done <- walleterr.New(walleterr.ConnectorNotFound, fmt.Sprintf("connector is not available (state %s)", current))
		close(done)
		return done
	}

	if !s.transition(ctx, StateInitializing) {
		done <- walleterr.New(walleterr.ConnectorCallFailed, "connector handshake already in progress")
		close(done)
		return done
	}

	go func() {
		defer close(done)
		err := Guard(s.metrics, "AwaitInitialization", func() error {
			return s.conn.AwaitInitialization(ctx)
		})
		if err != nil {
			s.transition(ctx, StateUninitialized)
			we := Classify(walleterr.ConnectorCallFailed, err, "failed to initialize the connector")
			s.report(ctx, we)
			done <- we
			return
		}
		s.transition(ctx, StateInitialized)
		done <- nil
	}()

	return done
}

// Authorize requests the connector's public state. An account makes the
// session Authorized and the snapshot goes to the handler. The "not yet
// authorized" rejection makes it Unauthorized and returns an
// AuthorizationPending error that is not reported. Either way the update
// subscription is registered. Any other failure is reported and returned.
func (s *Session) Authorize(ctx context.Context) error {
	if !s.State().Ready() {
		return walleterr.New(walleterr.ConnectorCallFailed, "connector is not initialized")
	}

	var state PublicState
	err := Guard(s.metrics, "PublicState", func() error {
		var err error
		state, err = s.conn.PublicState(ctx)
		return err
	})
	if err != nil {
		if IsNotAuthorized(err) {
			s.logger.InfoContext(ctx, "waiting for approval in the connector")
			s.transition(ctx, StateUnauthorized)
			s.Subscribe(ctx)
			return walleterr.Wrap(walleterr.AuthorizationPending, err, "waiting for approval in the connector")
		}
		kind := walleterr.ConnectorCallFailed
		if _, ok := AsError(err); ok {
			kind = walleterr.AuthorizationDenied
		}
		we := Classify(kind, err, "failed to read the connector state")
		s.report(ctx, we)
		return we
	}

	snap, err := state.Snapshot()
	if err != nil {
		we := walleterr.Wrap(walleterr.ConnectorCallFailed, err, "connector returned an invalid state")
		s.report(ctx, we)
		return we
	}

	if snap.Account != nil {
		s.transition(ctx, StateAuthorized)
	} else {
		s.transition(ctx, StateUnauthorized)
	}
	s.apply(ctx, snap)
	s.Subscribe(ctx)

	if snap.Account == nil {
		return walleterr.New(walleterr.AuthorizationPending, "connector has no account selected")
	}
	return nil
}

// Subscribe registers the update listener once. The listener lives as long as
// the connector's page session; there is no way to tear it down.
func (s *Session) Subscribe(ctx context.Context) {
	s.mu.Lock()
	if s.subscribed {
		s.mu.Unlock()
		return
	}
	s.subscribed = true
	s.mu.Unlock()

	listenCtx := context.WithoutCancel(ctx)
	err := Guard(s.metrics, "OnUpdate", func() error {
		return s.conn.OnUpdate(listenCtx, func(state PublicState) {
			s.handleUpdate(listenCtx, state)
		})
	})
	if err != nil {
		s.mu.Lock()
		s.subscribed = false
		s.mu.Unlock()
		s.report(ctx, Classify(walleterr.ConnectorCallFailed, err, "failed to subscribe to connector updates"))
		return
	}
	s.logger.DebugContext(ctx, "subscribed to connector updates")
}

// Subscribed reports whether the update listener is registered.
func (s *Session) Subscribed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribed
}

func (s *Session) handleUpdate(ctx context.Context, state PublicState) {
	snap, err := state.Snapshot()
	if err != nil {
		s.report(ctx, walleterr.Wrap(walleterr.ConnectorCallFailed, err, "connector pushed an invalid state"))
		return
	}

	current := s.State()
	switch {
	case snap.Account != nil && (current == StateInitialized || current == StateUnauthorized):
		s.transition(ctx, StateAuthorized)
	case snap.Account == nil && current == StateAuthorized:
		s.transition(ctx, StateUnauthorized)
	}
	s.apply(ctx, snap)
}

// Logout drops the authorization and clears the held account.
func (s *Session) Logout(ctx context.Context) {
	if s.State() == StateAuthorized {
		s.transition(ctx, StateUnauthorized)
	}
	s.apply(ctx, Snapshot{})
}

func (s *Session) apply(ctx context.Context, snap Snapshot) {
	if s.handler == nil {
		return
	}
	if err := s.handler.ApplySnapshot(ctx, snap); err != nil {
		s.report(ctx, Classify(walleterr.ConnectorCallFailed, err, "failed to apply connector state"))
	}
}

func (s *Session) report(ctx context.Context, err *walleterr.Error) {
	s.logger.WarnContext(ctx, "connector call failed",
		"kind", err.Kind.String(),
		"error", err,
	)
	notify.Emit(ctx, s.sink, notify.FromError(err), s.logger)
}

// Guard runs one connector call, converting a panic into an error and
// recording the call.
func Guard(m *metrics.Metrics, method string, fn func() error) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("connector %s panicked: %v", method, r)
		}
		m.RecordConnectorCall(method, err, time.Since(start).Seconds())
	}()
	return fn()
}
