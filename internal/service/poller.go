package service

import (
	"context"
	"log"
	"time"

	"order_processing/internal/cache"
	"order_processing/internal/metrics"
	"order_processing/internal/models"
	"order_processing/internal/warehouse"

	"github.com/jonboulle/clockwork"
)

// Poller is the reconciliation loop: it periodically claims due pending
// events, retries delivery with capped exponential backoff, and dead-letters
// events that exhaust their attempts. The claim step is the only
// synchronization point, so several instances may run side by side.
type Poller struct {
	orderRepo OrderStore
	eventRepo EventStore
	client    DeliveryClient
	cache     cache.Cache // optional
	clock     clockwork.Clock

	pollInterval  time.Duration
	batchSize     int
	maxAttempts   int
	backoffBase   time.Duration
	backoffMax    time.Duration
	retentionDays int
	logger        *log.Logger

	cleanupEvery    time.Duration
	staleClaimAfter time.Duration
}

type PollerConfig struct {
	PollInterval  time.Duration
	BatchSize     int
	MaxAttempts   int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	RetentionDays int
}

func NewPoller(
	orderRepo OrderStore,
	eventRepo EventStore,
	client DeliveryClient,
	c cache.Cache,
	clock clockwork.Clock,
	cfg PollerConfig,
	logger *log.Logger,
) *Poller {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 1 * time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 5 * time.Minute
	}
	if cfg.RetentionDays < 0 {
		cfg.RetentionDays = 0
	}
	if logger == nil {
		logger = log.Default()
	}

	return &Poller{
		orderRepo:     orderRepo,
		eventRepo:     eventRepo,
		client:        client,
		cache:         c,
		clock:         clock,
		pollInterval:  cfg.PollInterval,
		batchSize:     cfg.BatchSize,
		maxAttempts:   cfg.MaxAttempts,
		backoffBase:   cfg.BackoffBase,
		backoffMax:    cfg.BackoffMax,
		retentionDays: cfg.RetentionDays,
		logger:        logger,
		// cleanup and stale-claim recovery run much less often than dispatch
		cleanupEvery:    1 * time.Hour,
		staleClaimAfter: 10 * time.Minute,
	}
}

// Start launches the loop in a background goroutine. The returned channel is
// closed once the loop has drained or released its in-flight batch after ctx
// is cancelled.
func (p *Poller) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})

	go func() {
		defer close(done)

		p.logger.Println("outbox poller started")
		defer p.logger.Println("outbox poller stopped")

		ticker := p.clock.NewTicker(p.pollInterval)
		defer ticker.Stop()

		cleanupTicker := p.clock.NewTicker(p.cleanupEvery)
		defer cleanupTicker.Stop()

		p.runOnce(ctx)

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				p.runOnce(ctx)
			case <-cleanupTicker.Chan():
				p.cleanupOnce()
			}
		}
	}()

	return done
}

// runOnce claims one batch and dispatches it. When ctx is cancelled mid-batch
// the current event still finishes, and the untouched remainder is released
// back to pending without an attempt increment.
func (p *Poller) runOnce(ctx context.Context) {
	// storage and dispatch calls must outlive loop cancellation so the
	// in-flight batch can be finished or released cleanly
	opCtx := context.WithoutCancel(ctx)

	events, err := p.eventRepo.ClaimDue(opCtx, p.batchSize)
	if err != nil {
		p.logger.Printf("outbox claim failed: %v", err)
		return
	}
	if len(events) == 0 {
		return
	}

	for i, event := range events {
		if ctx.Err() != nil {
			p.releaseRest(opCtx, events[i:])
			return
		}
		p.dispatchOne(opCtx, event)
	}
}

func (p *Poller) dispatchOne(ctx context.Context, event *models.OutboxEvent) {
	metrics.ObserveOutboxLagSeconds(p.clock.Since(event.CreatedAt).Seconds())

	start := p.clock.Now()
	res := p.client.Deliver(ctx, event)
	metrics.ObserveWarehouseDuration(p.clock.Since(start))
	metrics.IncWarehouseDelivery(res.Outcome.String())

	switch res.Outcome {
	case warehouse.OutcomeDelivered:
		if err := p.eventRepo.MarkDelivered(ctx, event.ID); err != nil {
			p.logger.Printf("outbox mark delivered failed: %v", err)
			return
		}
		if err := p.orderRepo.MarkNotified(ctx, event.OrderID); err != nil {
			p.logger.Printf("order mark notified failed: %v", err)
		}
		p.invalidateOrder(ctx, event.OrderID)
		metrics.IncOutboxDelivered()

	case warehouse.OutcomePermanent:
		p.bury(ctx, event, res.Reason)

	default: // transient
		attempt := event.AttemptCount + 1
		if attempt >= p.maxAttempts {
			p.bury(ctx, event, "retries exhausted: "+res.Reason)
			return
		}

		next := p.clock.Now().Add(nextBackoff(p.backoffBase, p.backoffMax, attempt))
		if err := p.eventRepo.MarkRetry(ctx, event.ID, res.Reason, next); err != nil {
			p.logger.Printf("outbox mark retry failed: %v", err)
		}
		metrics.IncOutboxRetry()
	}
}

func (p *Poller) bury(ctx context.Context, event *models.OutboxEvent, reason string) {
	if err := p.eventRepo.MarkDead(ctx, event.ID, reason); err != nil {
		p.logger.Printf("outbox mark dead failed: %v", err)
		return
	}
	if err := p.orderRepo.MarkRejected(ctx, event.OrderID); err != nil {
		p.logger.Printf("order mark rejected failed: %v", err)
	}
	p.invalidateOrder(ctx, event.OrderID)
	metrics.IncOutboxDead()
}

func (p *Poller) invalidateOrder(ctx context.Context, orderID int) {
	if p.cache == nil {
		return
	}
	if err := p.cache.Del(ctx, cache.OrderKey(orderID)); err != nil {
		p.logger.Printf("cache invalidate failed for order %d: %v", orderID, err)
	}
}

func (p *Poller) releaseRest(ctx context.Context, events []*models.OutboxEvent) {
	ids := make([]int, 0, len(events))
	for _, e := range events {
		ids = append(ids, e.ID)
	}
	if err := p.eventRepo.Release(ctx, ids); err != nil {
		p.logger.Printf("outbox release on shutdown failed: %v", err)
		return
	}
	p.logger.Printf("outbox released %d claimed events on shutdown", len(ids))
}

func (p *Poller) cleanupOnce() {
	ctx := context.Background()

	if n, err := p.eventRepo.ReleaseStale(ctx, p.staleClaimAfter); err != nil {
		p.logger.Printf("outbox release stale failed: %v", err)
	} else if n > 0 {
		p.logger.Printf("outbox released %d stale claims", n)
	}

	if p.retentionDays <= 0 {
		return
	}
	n, err := p.eventRepo.CleanupDelivered(ctx, p.retentionDays)
	if err != nil {
		p.logger.Printf("outbox cleanup failed: %v", err)
		return
	}
	if n > 0 {
		p.logger.Printf("outbox cleanup: deleted %d delivered events", n)
	}
}
