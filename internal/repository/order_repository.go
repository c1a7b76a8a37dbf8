package repository

import (
	"context"
	"errors"
	"fmt"

	"order_processing/internal/models"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflicting state")
)

var allowedKinds = map[string]struct{}{
	models.KindOrder:   {},
	models.KindPayment: {},
}

type OrderRepository struct {
	db *pgxpool.Pool
	sb sq.StatementBuilderType
}

func NewOrderRepository(db *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{
		db: db,
		sb: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

// CreateTx(tx, order) – insert with status "pending" inside the caller's transaction.
func (r *OrderRepository) CreateTx(ctx context.Context, tx pgx.Tx, order *models.Order) error {
	if order == nil {
		return fmt.Errorf("order is nil")
	}
	if _, ok := allowedKinds[order.Kind]; !ok {
		return fmt.Errorf("invalid kind: %s", order.Kind)
	}
	if order.CarID == "" {
		return fmt.Errorf("car_id is empty")
	}

	order.Status = models.OrderStatusPending

	q := r.sb.
		Insert("orders").
		Columns("kind", "car_id", "amount", "status").
		Values(order.Kind, order.CarID, order.Amount, models.OrderStatusPending).
		Suffix("RETURNING id, created_at")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build create order sql: %w", err)
	}

	var id int64
	if err := tx.QueryRow(ctx, sqlStr, args...).Scan(&id, &order.CreatedAt); err != nil {
		return fmt.Errorf("create order: %w", err)
	}

	order.ID = int(id)
	order.NotifiedAt = nil

	return nil
}

func (r *OrderRepository) Get(ctx context.Context, id int) (*models.Order, error) {
	if id <= 0 {
		return nil, fmt.Errorf("invalid id")
	}

	q := r.sb.
		Select("id", "kind", "car_id", "amount", "status", "created_at", "notified_at").
		From("orders").
		Where(sq.Eq{"id": id})

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build get order sql: %w", err)
	}

	var (
		o          models.Order
		oid        int64
		amount     pgtype.Int8
		notifiedAt pgtype.Timestamptz
	)

	err = r.db.QueryRow(ctx, sqlStr, args...).Scan(
		&oid,
		&o.Kind,
		&o.CarID,
		&amount,
		&o.Status,
		&o.CreatedAt,
		&notifiedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	o.ID = int(oid)
	if amount.Valid {
		v := amount.Int64
		o.Amount = &v
	}
	if notifiedAt.Valid {
		t := notifiedAt.Time
		o.NotifiedAt = &t
	}

	return &o, nil
}

// MarkNotified(id) – status notified + notified_at, only from "pending".
func (r *OrderRepository) MarkNotified(ctx context.Context, id int) error {
	return r.updateStatus(ctx, id, models.OrderStatusNotified)
}

// MarkRejected(id) – status rejected, only from "pending".
func (r *OrderRepository) MarkRejected(ctx context.Context, id int) error {
	return r.updateStatus(ctx, id, models.OrderStatusRejected)
}

func (r *OrderRepository) updateStatus(ctx context.Context, id int, status string) error {
	if id <= 0 {
		return fmt.Errorf("invalid id")
	}

	q := r.sb.
		Update("orders").
		Set("status", status).
		Where(sq.Eq{"id": id, "status": models.OrderStatusPending})

	if status == models.OrderStatusNotified {
		q = q.Set("notified_at", sq.Expr("NOW()"))
	}

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build update order status sql: %w", err)
	}

	tag, err := r.db.Exec(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}
