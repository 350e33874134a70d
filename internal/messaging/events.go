// Package messaging publishes settlement domain events to a durable queue.
// Notification collaborators (email, SMS, webhooks) subscribe downstream;
// their delivery failures never affect settlement correctness.
package messaging

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventType identifies a domain event.
type EventType string

const (
	EventOrderFilled         EventType = "order.filled"
	EventOrderFailed         EventType = "order.failed"
	EventOrderCancelled      EventType = "order.cancelled"
	EventDepositCredited     EventType = "deposit.credited"
	EventWithdrawalCompleted EventType = "withdrawal.completed"
)

// Event is one settlement domain event.
type Event struct {
	ID        uuid.UUID       `json:"id"`
	Type      EventType       `json:"type"`
	UserID    uuid.UUID       `json:"user_id"`
	OrderID   string          `json:"order_id,omitempty"`
	Symbol    string          `json:"symbol,omitempty"`
	Currency  string          `json:"currency,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	Reason    string          `json:"reason,omitempty"`
	Venue     string          `json:"venue,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewEvent creates an event with id and timestamp set.
func NewEvent(eventType EventType, userID uuid.UUID) Event {
	return Event{
		ID:        uuid.New(),
		Type:      eventType,
		UserID:    userID,
		CreatedAt: time.Now(),
	}
}

// Publisher delivers domain events. Implementations must not block
// settlement on downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// NopPublisher drops all events; used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close() error                         { return nil }
