package models

import "time"

const (
	KindOrder   = "order"
	KindPayment = "payment"
)

const (
	OrderStatusPending  = "pending"
	OrderStatusNotified = "notified"
	OrderStatusRejected = "rejected"
)

type Order struct {
	ID         int        `db:"id"`
	Kind       string     `db:"kind"` // order | payment
	CarID      string     `db:"car_id"`
	Amount     *int64     `db:"amount"` // payments only
	Status     string     `db:"status"` // pending, notified, rejected
	CreatedAt  time.Time  `db:"created_at"`
	NotifiedAt *time.Time `db:"notified_at"`
}

// SubmitRequest is the command accepted by both POST /api/orders and
// POST /api/payments; Kind is set by the route, not the client.
type SubmitRequest struct {
	Kind   string `json:"-"`
	CarID  string `json:"car_id"`
	Amount *int64 `json:"amount,omitempty"`
}
