package rabbitmq

import (
	"context"
	"time"

	"github.com/passwallet/access-service/internal/domain"
)

// NotificationPublisher sends notification requests to the email collaborator.
// Routing keys are "notification.<template>".
type NotificationPublisher struct {
	publisher Publisher
	exchange  string
}

func NewNotificationPublisher(p Publisher, exchange string) *NotificationPublisher {
	return &NotificationPublisher{publisher: p, exchange: exchange}
}

func (n *NotificationPublisher) Notify(ctx context.Context, msg domain.Notification) error {
	return n.publisher.Publish(ctx, n.exchange, "notification."+string(msg.Template), msg)
}

// DomainEvent is the envelope of every event on the events exchange.
type DomainEvent struct {
	Event      string      `json:"event"`
	Payload    interface{} `json:"payload"`
	OccurredAt time.Time   `json:"occurredAt"`
}

// DomainEventPublisher emits domain events with the event name as routing key.
type DomainEventPublisher struct {
	publisher Publisher
	exchange  string
}

func NewDomainEventPublisher(p Publisher, exchange string) *DomainEventPublisher {
	return &DomainEventPublisher{publisher: p, exchange: exchange}
}

func (d *DomainEventPublisher) PublishEvent(ctx context.Context, event string, payload interface{}) error {
	return d.publisher.Publish(ctx, d.exchange, event, DomainEvent{
		Event:      event,
		Payload:    payload,
		OccurredAt: time.Now().UTC(),
	})
}
