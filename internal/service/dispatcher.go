package service

import (
	"context"
	"errors"
	"log"
	"time"

	"order_processing/internal/cache"
	"order_processing/internal/metrics"
	"order_processing/internal/models"
	"order_processing/internal/repository"
	"order_processing/internal/warehouse"
)

// Notification states reported to the submitting client.
const (
	NotificationDelivered = "delivered"
	NotificationPending   = "pending"
	NotificationDead      = "dead"
)

// DeliveryClient performs one downstream exchange per call.
type DeliveryClient interface {
	Deliver(ctx context.Context, event *models.OutboxEvent) warehouse.Result
}

// Dispatcher makes the single post-commit delivery attempt for a fresh event.
// It claims the event first so a concurrently running poller cannot dispatch
// the same row, and it never runs inside a storage transaction.
type Dispatcher struct {
	orderRepo   OrderStore
	eventRepo   EventStore
	client      DeliveryClient
	cache       cache.Cache // optional; order rows are invalidated on status change
	backoffBase time.Duration
	backoffMax  time.Duration
	logger      *log.Logger
}

func NewDispatcher(
	orderRepo OrderStore,
	eventRepo EventStore,
	client DeliveryClient,
	c cache.Cache,
	backoffBase time.Duration,
	backoffMax time.Duration,
	logger *log.Logger,
) *Dispatcher {
	if backoffBase <= 0 {
		backoffBase = 1 * time.Second
	}
	if backoffMax <= 0 {
		backoffMax = 5 * time.Minute
	}
	if logger == nil {
		logger = log.Default()
	}

	return &Dispatcher{
		orderRepo:   orderRepo,
		eventRepo:   eventRepo,
		client:      client,
		cache:       c,
		backoffBase: backoffBase,
		backoffMax:  backoffMax,
		logger:      logger,
	}
}

// DispatchNew attempts delivery once. The returned state is what the HTTP
// response reports; the Result carries the warehouse status for passthrough on
// permanent rejection. The order is already committed, so a failure here never
// rolls anything back.
func (d *Dispatcher) DispatchNew(ctx context.Context, event *models.OutboxEvent) (string, warehouse.Result) {
	if err := d.eventRepo.ClaimByID(ctx, event.ID); err != nil {
		if !errors.Is(err, repository.ErrConflict) {
			d.logger.Printf("immediate claim failed for event %d: %v", event.ID, err)
		}
		// a poller instance owns the event now; it stays on the async path
		return NotificationPending, warehouse.Result{Outcome: warehouse.OutcomeTransient}
	}

	start := time.Now()
	res := d.client.Deliver(ctx, event)
	metrics.ObserveWarehouseDuration(time.Since(start))
	metrics.IncWarehouseDelivery(res.Outcome.String())

	switch res.Outcome {
	case warehouse.OutcomeDelivered:
		if err := d.eventRepo.MarkDelivered(ctx, event.ID); err != nil {
			d.logger.Printf("mark delivered failed for event %d: %v", event.ID, err)
			return NotificationPending, res
		}
		if err := d.orderRepo.MarkNotified(ctx, event.OrderID); err != nil {
			d.logger.Printf("mark order notified failed for order %d: %v", event.OrderID, err)
		}
		d.invalidateOrder(ctx, event.OrderID)
		metrics.IncOutboxDelivered()
		return NotificationDelivered, res

	case warehouse.OutcomePermanent:
		if err := d.eventRepo.MarkDead(ctx, event.ID, res.Reason); err != nil {
			d.logger.Printf("mark dead failed for event %d: %v", event.ID, err)
			return NotificationPending, res
		}
		if err := d.orderRepo.MarkRejected(ctx, event.OrderID); err != nil {
			d.logger.Printf("mark order rejected failed for order %d: %v", event.OrderID, err)
		}
		d.invalidateOrder(ctx, event.OrderID)
		metrics.IncOutboxDead()
		return NotificationDead, res

	default: // transient
		next := time.Now().Add(nextBackoff(d.backoffBase, d.backoffMax, 1))
		if err := d.eventRepo.MarkRetry(ctx, event.ID, res.Reason, next); err != nil {
			d.logger.Printf("mark retry failed for event %d: %v", event.ID, err)
		}
		metrics.IncOutboxRetry()
		return NotificationPending, res
	}
}

func (d *Dispatcher) invalidateOrder(ctx context.Context, orderID int) {
	if d.cache == nil {
		return
	}
	if err := d.cache.Del(ctx, cache.OrderKey(orderID)); err != nil {
		d.logger.Printf("cache invalidate failed for order %d: %v", orderID, err)
	}
}
