package nats

import (
	"fmt"
	"time"

	"github.com/brojonat/dccwallet/service/notify"
	"github.com/brojonat/dccwallet/service/txpipeline"
)

// NotificationEvent is a user notification as published on
// "wallet.notifications.{type}".
type NotificationEvent struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Title     string    `json:"title,omitempty"`
	Message   string    `json:"message"`
	Link      string    `json:"link,omitempty"`
	LinkTitle string    `json:"link_title,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	TxID      string    `json:"tx_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`

	PublishedAt time.Time `json:"published_at"`
}

// Subject returns the subject the event is published to.
func (e *NotificationEvent) Subject() string {
	return fmt.Sprintf("%s.%s", NotificationSubjectPrefix, e.Type)
}

// FromNotification converts a notification for publishing.
func FromNotification(n notify.Notification) *NotificationEvent {
	return &NotificationEvent{
		ID:          n.ID,
		Type:        string(n.Type),
		Title:       n.Title,
		Message:     n.Message,
		Link:        n.Link,
		LinkTitle:   n.LinkTitle,
		Kind:        n.Kind,
		TxID:        n.TxID,
		CreatedAt:   n.CreatedAt,
		PublishedAt: time.Now().UTC(),
	}
}

// OutcomeEvent is a transaction outcome as published on "wallet.tx.{status}".
type OutcomeEvent struct {
	TxID         string `json:"tx_id,omitempty"`
	Status       string `json:"status"`
	Network      string `json:"network,omitempty"`
	ExplorerLink string `json:"explorer_link,omitempty"`
	Kind         string `json:"kind,omitempty"`
	Reason       string `json:"reason,omitempty"`

	PublishedAt time.Time `json:"published_at"`
}

// Subject returns the subject the event is published to.
func (e *OutcomeEvent) Subject() string {
	return fmt.Sprintf("%s.%s", OutcomeSubjectPrefix, e.Status)
}

// FromOutcome converts a pipeline outcome for publishing.
func FromOutcome(o txpipeline.Outcome) *OutcomeEvent {
	return &OutcomeEvent{
		TxID:         o.ID,
		Status:       string(o.Status),
		Network:      o.Network,
		ExplorerLink: o.ExplorerLink,
		Kind:         o.Kind,
		Reason:       o.Reason,
		PublishedAt:  time.Now().UTC(),
	}
}
