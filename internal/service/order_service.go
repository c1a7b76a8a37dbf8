package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"order_processing/internal/metrics"
	"order_processing/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

var ErrInvalidInput = errors.New("invalid input")

// DB is the transactional entry point; *pgxpool.Pool satisfies it.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// OrderStore covers the order-side persistence the services need.
type OrderStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, order *models.Order) error
	Get(ctx context.Context, id int) (*models.Order, error)
	MarkNotified(ctx context.Context, id int) error
	MarkRejected(ctx context.Context, id int) error
}

// EventStore covers the outbox-side persistence the services need.
type EventStore interface {
	CreateEventTx(ctx context.Context, tx pgx.Tx, event *models.OutboxEvent) error
	ClaimByID(ctx context.Context, id int) error
	ClaimDue(ctx context.Context, limit int) ([]*models.OutboxEvent, error)
	MarkDelivered(ctx context.Context, id int) error
	MarkRetry(ctx context.Context, id int, errMsg string, nextAttemptAt time.Time) error
	MarkDead(ctx context.Context, id int, errMsg string) error
	Release(ctx context.Context, ids []int) error
	ReleaseStale(ctx context.Context, olderThan time.Duration) (int, error)
	ListDead(ctx context.Context, limit int) ([]*models.OutboxEvent, error)
	Requeue(ctx context.Context, eventID string) error
	CleanupDelivered(ctx context.Context, retentionDays int) (int, error)
}

type OrderService struct {
	db        DB
	orderRepo OrderStore
	eventRepo EventStore
	logger    *log.Logger
}

func NewOrderService(db DB, orderRepo OrderStore, eventRepo EventStore, logger *log.Logger) *OrderService {
	if logger == nil {
		logger = log.Default()
	}

	return &OrderService{
		db:        db,
		orderRepo: orderRepo,
		eventRepo: eventRepo,
		logger:    logger,
	}
}

// Submit validates the command and commits the order together with its outbox
// event in one transaction. No network call happens here; the immediate
// dispatch runs after commit, against the returned event.
func (s *OrderService) Submit(ctx context.Context, req *models.SubmitRequest) (*models.Order, *models.OutboxEvent, error) {
	if err := validateSubmitRequest(req); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	order := &models.Order{
		Kind:   req.Kind,
		CarID:  req.CarID,
		Amount: req.Amount,
	}
	if err := s.orderRepo.CreateTx(ctx, tx, order); err != nil {
		return nil, nil, fmt.Errorf("create order tx: %w", err)
	}

	event, err := models.NewOrderEvent(order)
	if err != nil {
		return nil, nil, fmt.Errorf("build outbox event: %w", err)
	}
	if err := s.eventRepo.CreateEventTx(ctx, tx, event); err != nil {
		return nil, nil, fmt.Errorf("create outbox event tx: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("commit tx: %w", err)
	}
	metrics.IncOrderCreated(order.Kind)

	return order, event, nil
}

func (s *OrderService) GetOrder(ctx context.Context, id int) (*models.Order, error) {
	if id <= 0 {
		return nil, fmt.Errorf("%w: id must be positive", ErrInvalidInput)
	}
	return s.orderRepo.Get(ctx, id)
}

func (s *OrderService) ListDeadEvents(ctx context.Context, limit int) ([]*models.OutboxEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	return s.eventRepo.ListDead(ctx, limit)
}

// RequeueDeadEvent resets one dead event for another round of delivery attempts.
func (s *OrderService) RequeueDeadEvent(ctx context.Context, eventID string) error {
	if strings.TrimSpace(eventID) == "" {
		return fmt.Errorf("%w: event_id is required", ErrInvalidInput)
	}
	if _, err := uuid.Parse(eventID); err != nil {
		return fmt.Errorf("%w: event_id must be a UUID", ErrInvalidInput)
	}
	return s.eventRepo.Requeue(ctx, eventID)
}

func validateSubmitRequest(req *models.SubmitRequest) error {
	if req == nil {
		return errors.New("request is nil")
	}

	switch req.Kind {
	case models.KindOrder, models.KindPayment:
	default:
		return fmt.Errorf("unknown kind: %q", req.Kind)
	}

	if strings.TrimSpace(req.CarID) == "" {
		return errors.New("car_id is required")
	}
	if _, err := uuid.Parse(req.CarID); err != nil {
		return errors.New("car_id must be a UUID")
	}

	if req.Kind == models.KindPayment {
		if req.Amount == nil {
			return errors.New("amount is required")
		}
		if *req.Amount < 0 {
			return errors.New("amount must be >= 0")
		}
	} else if req.Amount != nil {
		return errors.New("amount is not allowed for orders")
	}

	return nil
}
