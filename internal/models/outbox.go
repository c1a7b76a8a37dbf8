package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type OutboxEvent struct {
	ID        int             `db:"id"`
	EventID   string          `db:"event_id"` // UUID
	OrderID   int             `db:"order_id"`
	DedupeKey string          `db:"dedupe_key"`
	Payload   json.RawMessage `db:"payload"` // JSON snapshot of the order (JSONB)

	Status        string     `db:"status"` // pending, claimed, delivered, dead
	AttemptCount  int        `db:"attempt_count"`
	NextAttemptAt time.Time  `db:"next_attempt_at"`
	ClaimedAt     *time.Time `db:"claimed_at"` // NULL unless in flight
	CreatedAt     time.Time  `db:"created_at"`
	DeliveredAt   *time.Time `db:"delivered_at"` // NULL until delivered
	LastError     *string    `db:"last_error"`
}

// orderSnapshot is the payload recorded at commit time and sent to the
// warehouse verbatim on every attempt.
type orderSnapshot struct {
	EventID   string    `json:"event_id"`
	DedupeKey string    `json:"dedupe_key"`
	Kind      string    `json:"kind"`
	OrderID   int       `json:"order_id"`
	CarID     string    `json:"car_id"`
	Amount    *int64    `json:"amount,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NewOrderEvent builds the outbox event for a just-inserted order. The dedupe
// key is derived from the order identity, so redeliveries of the same event
// are recognizable downstream.
func NewOrderEvent(order *Order) (*OutboxEvent, error) {
	if order == nil {
		return nil, fmt.Errorf("order is nil")
	}
	if order.ID <= 0 {
		return nil, fmt.Errorf("order has no id")
	}

	eventID := uuid.NewString()
	dedupeKey := fmt.Sprintf("%s-%d", order.Kind, order.ID)

	payload, err := json.Marshal(orderSnapshot{
		EventID:   eventID,
		DedupeKey: dedupeKey,
		Kind:      order.Kind,
		OrderID:   order.ID,
		CarID:     order.CarID,
		Amount:    order.Amount,
		CreatedAt: order.CreatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal order snapshot: %w", err)
	}

	return &OutboxEvent{
		EventID:   eventID,
		OrderID:   order.ID,
		DedupeKey: dedupeKey,
		Payload:   payload,
	}, nil
}
