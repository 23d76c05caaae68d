package notify

import (
	"context"
	"log/slog"
	"sync"
)

const defaultSubscriberBuffer = 64

// Broker fans notifications out to live subscribers (SSE streams). Slow
// subscribers drop notifications instead of blocking producers. The broker
// keeps a short history so new subscribers can catch up.
type Broker struct {
	mu          sync.Mutex
	subscribers map[uint64]subscriber
	nextID      uint64
	history     []Notification
	historySize int
	closed      bool
	logger      *slog.Logger
}

type subscriber struct {
	ch     chan Notification
	filter *Filter
}

// NewBroker creates a broker remembering the last historySize notifications.
func NewBroker(historySize int, logger *slog.Logger) *Broker {
	return &Broker{
		subscribers: make(map[uint64]subscriber),
		historySize: historySize,
		logger:      logger,
	}
}

func (b *Broker) Notify(ctx context.Context, n Notification) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	if b.historySize > 0 {
		b.history = append(b.history, n)
		if len(b.history) > b.historySize {
			b.history = b.history[len(b.history)-b.historySize:]
		}
	}

	// sends never block, so holding the lock keeps cancel from closing a
	// channel mid-send
	for id, s := range b.subscribers {
		if !s.filter.Match(n) {
			continue
		}
		select {
		case s.ch <- n:
		default:
			b.logger.WarnContext(ctx, "dropping notification for slow subscriber",
				"subscriber_id", id,
				"notification_id", n.ID,
			)
		}
	}
	return nil
}

// Subscribe registers a subscriber. A nil filter matches everything. The
// returned cancel func must be called to release the subscription.
func (b *Broker) Subscribe(filter *Filter) (<-chan Notification, func()) {
	ch := make(chan Notification, defaultSubscriberBuffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.nextID++
	id := b.nextID
	b.subscribers[id] = subscriber{ch: ch, filter: filter}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if s, ok := b.subscribers[id]; ok {
				delete(b.subscribers, id)
				close(s.ch)
			}
		})
	}
}

// Recent returns up to limit of the most recent notifications, oldest first.
// A non-positive limit returns the whole history.
func (b *Broker) Recent(limit int) []Notification {
	b.mu.Lock()
	defer b.mu.Unlock()
	start := 0
	if limit > 0 && len(b.history) > limit {
		start = len(b.history) - limit
	}
	out := make([]Notification, len(b.history)-start)
	copy(out, b.history[start:])
	return out
}

// SubscriberCount returns the number of live subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Close closes every subscriber channel. Later notifications are discarded.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subscribers {
		close(s.ch)
		delete(b.subscribers, id)
	}
}
