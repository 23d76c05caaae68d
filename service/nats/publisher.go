package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/dccwallet/service/metrics"
	"github.com/brojonat/dccwallet/service/notify"
	"github.com/brojonat/dccwallet/service/txpipeline"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Publisher publishes wallet events to NATS.
type Publisher interface {
	// PublishNotification publishes to "wallet.notifications.{type}".
	PublishNotification(ctx context.Context, event *NotificationEvent) error

	// PublishOutcome publishes to "wallet.tx.{status}".
	PublishOutcome(ctx context.Context, event *OutcomeEvent) error

	// Close closes the connection to NATS.
	Close() error
}

const (
	// StreamName is the JetStream stream holding wallet events.
	StreamName = "WALLET"

	// StreamSubjects is the subject pattern for the stream.
	StreamSubjects = "wallet.>"

	// StreamRetention is how long events are kept.
	StreamRetention = 7 * 24 * time.Hour

	NotificationSubjectPrefix = "wallet.notifications"
	OutcomeSubjectPrefix      = "wallet.tx"
)

// JetStreamPublisher publishes wallet events to NATS JetStream.
type JetStreamPublisher struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewPublisher connects to NATS and ensures the stream exists.
func NewPublisher(natsURL string, m *metrics.Metrics, logger *slog.Logger) (*JetStreamPublisher, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("dccwallet-publisher"),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	publisher := &JetStreamPublisher{
		nc:      nc,
		js:      js,
		metrics: m,
		logger:  logger.With("component", "nats_publisher"),
	}

	if err := publisher.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream exists: %w", err)
	}

	publisher.logger.Info("NATS publisher initialized",
		"url", natsURL,
		"stream", StreamName,
	)

	return publisher, nil
}

func (p *JetStreamPublisher) ensureStream() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream, err := p.js.Stream(ctx, StreamName)
	if err == nil {
		if info, err := stream.Info(ctx); err == nil {
			p.logger.Debug("JetStream stream already exists",
				"stream", StreamName,
				"messages", info.State.Msgs,
			)
		}
		return nil
	}

	p.logger.Info("creating JetStream stream", "stream", StreamName)
	_, err = p.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Description: "Wallet notifications and transaction outcomes",
		Subjects:    []string{StreamSubjects},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      StreamRetention,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

func (p *JetStreamPublisher) publish(ctx context.Context, subject string, v any) error {
	start := time.Now()
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	_, err = p.js.Publish(ctx, subject, data)
	status := "success"
	if err != nil {
		status = "error"
	}
	p.metrics.RecordNATSPublish(subject, status, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}

	p.logger.DebugContext(ctx, "published event", "subject", subject)
	return nil
}

func (p *JetStreamPublisher) PublishNotification(ctx context.Context, event *NotificationEvent) error {
	return p.publish(ctx, event.Subject(), event)
}

func (p *JetStreamPublisher) PublishOutcome(ctx context.Context, event *OutcomeEvent) error {
	return p.publish(ctx, event.Subject(), event)
}

// Close closes the connection to NATS.
func (p *JetStreamPublisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
		p.logger.Info("NATS publisher closed")
	}
	return nil
}

// Sink adapts a Publisher to notify.Sink.
type Sink struct {
	pub Publisher
}

// NewSink returns a notification sink publishing through pub.
func NewSink(pub Publisher) *Sink {
	return &Sink{pub: pub}
}

func (s *Sink) Notify(ctx context.Context, n notify.Notification) error {
	return s.pub.PublishNotification(ctx, FromNotification(n))
}

// OutcomeHandler returns a txpipeline.Pipeline.OnOutcome observer that
// publishes terminal outcomes. Publish failures are logged; outcomes are
// never held back.
func OutcomeHandler(pub Publisher, logger *slog.Logger) func(txpipeline.Outcome) {
	return func(o txpipeline.Outcome) {
		if !o.Status.Terminal() {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := pub.PublishOutcome(ctx, FromOutcome(o)); err != nil {
			logger.WarnContext(ctx, "failed to publish transaction outcome",
				"tx_id", o.ID,
				"status", o.Status,
				"error", err,
			)
		}
	}
}
