// Package notify defines the user-facing notification contract produced by the
// wallet orchestrator and the sinks that deliver it.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/brojonat/dccwallet/service/metrics"
	"github.com/brojonat/dccwallet/service/walleterr"
	"github.com/google/uuid"
)

// Type is the display level of a notification.
type Type string

const (
	TypeInfo    Type = "info"
	TypeWarning Type = "warning"
	TypeError   Type = "error"
	TypeSuccess Type = "success"
)

// Notification is a structured user-facing message. The orchestrator only
// produces these; rendering is up to whoever consumes the sink.
type Notification struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Message   string    `json:"message"`
	Title     string    `json:"title,omitempty"`
	Link      string    `json:"link,omitempty"`
	LinkTitle string    `json:"link_title,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	TxID      string    `json:"tx_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Sink receives notifications.
type Sink interface {
	Notify(ctx context.Context, n Notification) error
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ctx context.Context, n Notification) error

func (f SinkFunc) Notify(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

// New creates a notification with a fresh id.
func New(t Type, message string) Notification {
	return Notification{
		ID:        uuid.NewString(),
		Type:      t,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}
}

// WithLink returns a copy of n linking to link. An empty link leaves n unchanged.
func (n Notification) WithLink(link, title string) Notification {
	if link == "" {
		return n
	}
	n.Link = link
	n.LinkTitle = title
	return n
}

// FromError builds an error-level notification from err. Classified errors
// keep their connector-supplied title and message.
func FromError(err error) Notification {
	n := New(TypeError, "")
	var we *walleterr.Error
	if errors.As(err, &we) {
		n.Kind = we.Kind.String()
		n.Title = we.Title
		n.Message = we.Message
		if n.Message == "" && n.Title == "" {
			n.Message = we.Error()
		}
		return n
	}
	if err != nil {
		n.Message = err.Error()
	}
	return n
}

// Emit delivers n to sink, logging rather than returning delivery failures.
// A nil sink drops the notification.
func Emit(ctx context.Context, sink Sink, n Notification, logger *slog.Logger) {
	if sink == nil {
		return
	}
	if err := sink.Notify(ctx, n); err != nil && logger != nil {
		logger.WarnContext(ctx, "failed to deliver notification",
			"notification_id", n.ID,
			"type", n.Type,
			"error", err,
		)
	}
}

// LogSink writes notifications to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink that logs every notification.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Notify(ctx context.Context, n Notification) error {
	level := slog.LevelInfo
	switch n.Type {
	case TypeWarning:
		level = slog.LevelWarn
	case TypeError:
		level = slog.LevelError
	}
	s.logger.Log(ctx, level, "notification",
		"notification_id", n.ID,
		"type", n.Type,
		"message", n.Message,
		"title", n.Title,
		"link", n.Link,
		"kind", n.Kind,
		"tx_id", n.TxID,
	)
	return nil
}

// MemorySink records notifications in memory.
type MemorySink struct {
	mu            sync.Mutex
	notifications []Notification
	err           error
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Notify(_ context.Context, n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = append(s.notifications, n)
	return s.err
}

// Notifications returns a copy of everything recorded so far.
func (s *MemorySink) Notifications() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Notification, len(s.notifications))
	copy(out, s.notifications)
	return out
}

// OfType returns recorded notifications with the given type.
func (s *MemorySink) OfType(t Type) []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Notification
	for _, n := range s.notifications {
		if n.Type == t {
			out = append(out, n)
		}
	}
	return out
}

// SetError makes subsequent Notify calls return err after recording.
func (s *MemorySink) SetError(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Fanout delivers to every sink and joins their errors.
type Fanout []Sink

func (f Fanout) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, sink := range f {
		if sink == nil {
			continue
		}
		if err := sink.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Instrumented counts notifications by type and kind before delegating.
func Instrumented(sink Sink, m *metrics.Metrics) Sink {
	return SinkFunc(func(ctx context.Context, n Notification) error {
		m.RecordNotification(string(n.Type), n.Kind)
		return sink.Notify(ctx, n)
	})
}
