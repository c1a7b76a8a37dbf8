package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"order_processing/internal/models"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	OutboxStatusPending   = "pending"
	OutboxStatusClaimed   = "claimed"
	OutboxStatusDelivered = "delivered"
	OutboxStatusDead      = "dead"
)

const outboxColumns = "id, event_id::text, order_id, dedupe_key, payload, status, attempt_count, next_attempt_at, claimed_at, created_at, delivered_at, last_error"

type OutboxRepository struct {
	db *pgxpool.Pool
	sb sq.StatementBuilderType
}

func NewOutboxRepository(db *pgxpool.Pool) *OutboxRepository {
	return &OutboxRepository{
		db: db,
		sb: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

// CreateEventTx(tx, event) – insert the event in the same transaction as its order.
func (r *OutboxRepository) CreateEventTx(ctx context.Context, tx pgx.Tx, event *models.OutboxEvent) error {
	if event == nil {
		return fmt.Errorf("outbox event is nil")
	}
	if event.OrderID <= 0 {
		return fmt.Errorf("order_id is empty")
	}
	if event.DedupeKey == "" {
		return fmt.Errorf("dedupe_key is empty")
	}
	if len(event.Payload) == 0 {
		return fmt.Errorf("payload is empty")
	}
	if !json.Valid(event.Payload) {
		return fmt.Errorf("payload is not valid json")
	}

	q := r.sb.
		Insert("outbox_events").
		Columns("event_id", "order_id", "dedupe_key", "payload", "status", "attempt_count", "next_attempt_at").
		Values(event.EventID, event.OrderID, event.DedupeKey, event.Payload, OutboxStatusPending, 0, sq.Expr("NOW()")).
		Suffix("RETURNING id, next_attempt_at, created_at")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build outbox insert: %w", err)
	}

	var id int64
	if err := tx.QueryRow(ctx, sqlStr, args...).Scan(&id, &event.NextAttemptAt, &event.CreatedAt); err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}

	event.ID = int(id)
	event.Status = OutboxStatusPending
	event.AttemptCount = 0
	event.ClaimedAt = nil
	event.DeliveredAt = nil
	event.LastError = nil
	return nil
}

// ClaimByID(id) – pending -> claimed for a single event. ErrConflict when another
// worker got there first; the caller must then leave the event alone.
func (r *OutboxRepository) ClaimByID(ctx context.Context, id int) error {
	if id <= 0 {
		return fmt.Errorf("invalid id")
	}

	q := r.sb.
		Update("outbox_events").
		Set("status", OutboxStatusClaimed).
		Set("claimed_at", sq.Expr("NOW()")).
		Where(sq.Eq{"id": id, "status": OutboxStatusPending})

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build outbox claim: %w", err)
	}

	tag, err := r.db.Exec(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("claim outbox event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// ClaimDue(limit) – atomically move up to limit due pending events to "claimed"
// and return them. FOR UPDATE SKIP LOCKED keeps concurrent poller instances from
// claiming the same rows.
func (r *OutboxRepository) ClaimDue(ctx context.Context, limit int) ([]*models.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	sqlStr := fmt.Sprintf(`
		UPDATE outbox_events
		SET status = $1, claimed_at = NOW()
		WHERE id IN (
			SELECT id FROM outbox_events
			WHERE status = $2 AND next_attempt_at <= NOW()
			ORDER BY next_attempt_at ASC, id ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING %s`, outboxColumns)

	rows, err := r.db.Query(ctx, sqlStr, OutboxStatusClaimed, OutboxStatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due outbox events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows, limit)
}

// MarkDelivered(id) – claimed -> delivered (terminal).
func (r *OutboxRepository) MarkDelivered(ctx context.Context, id int) error {
	q := r.sb.
		Update("outbox_events").
		Set("status", OutboxStatusDelivered).
		Set("delivered_at", sq.Expr("NOW()")).
		Set("claimed_at", nil).
		Set("last_error", nil).
		Where(sq.Eq{"id": id, "status": OutboxStatusClaimed})

	return r.execOne(ctx, q, "mark outbox delivered")
}

// MarkRetry(id, errMsg, nextAttemptAt) – claimed -> pending with attempt_count+1;
// the event becomes eligible again once nextAttemptAt passes.
func (r *OutboxRepository) MarkRetry(ctx context.Context, id int, errMsg string, nextAttemptAt time.Time) error {
	if errMsg == "" {
		errMsg = "unknown error"
	}

	q := r.sb.
		Update("outbox_events").
		Set("status", OutboxStatusPending).
		Set("attempt_count", sq.Expr("attempt_count + 1")).
		Set("next_attempt_at", nextAttemptAt).
		Set("claimed_at", nil).
		Set("last_error", errMsg).
		Where(sq.Eq{"id": id, "status": OutboxStatusClaimed})

	return r.execOne(ctx, q, "mark outbox retry")
}

// MarkDead(id, errMsg) – claimed -> dead (terminal). Dead events are kept for
// inspection and manual requeue, never auto-retried.
func (r *OutboxRepository) MarkDead(ctx context.Context, id int, errMsg string) error {
	if errMsg == "" {
		errMsg = "unknown error"
	}

	q := r.sb.
		Update("outbox_events").
		Set("status", OutboxStatusDead).
		Set("attempt_count", sq.Expr("attempt_count + 1")).
		Set("claimed_at", nil).
		Set("last_error", errMsg).
		Where(sq.Eq{"id": id, "status": OutboxStatusClaimed})

	return r.execOne(ctx, q, "mark outbox dead")
}

// Release(ids) – claimed -> pending without touching attempt_count. Used on
// shutdown for events a poller claimed but never dispatched.
func (r *OutboxRepository) Release(ctx context.Context, ids []int) error {
	if len(ids) == 0 {
		return nil
	}

	q := r.sb.
		Update("outbox_events").
		Set("status", OutboxStatusPending).
		Set("claimed_at", nil).
		Where(sq.Eq{"id": ids, "status": OutboxStatusClaimed})

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build outbox release: %w", err)
	}

	if _, err := r.db.Exec(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("release outbox events: %w", err)
	}
	return nil
}

// ReleaseStale(olderThan) – return claims abandoned by a crashed instance to
// "pending" so another poller can pick them up.
func (r *OutboxRepository) ReleaseStale(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, nil
	}

	q := r.sb.
		Update("outbox_events").
		Set("status", OutboxStatusPending).
		Set("claimed_at", nil).
		Where(sq.Eq{"status": OutboxStatusClaimed}).
		Where(sq.Expr("claimed_at < NOW() - (? * INTERVAL '1 second')", int(olderThan.Seconds())))

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build outbox release stale: %w", err)
	}

	tag, err := r.db.Exec(ctx, sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("release stale outbox claims: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ListDead(limit) – dead events, oldest first, for the operator surface.
func (r *OutboxRepository) ListDead(ctx context.Context, limit int) ([]*models.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	q := r.sb.
		Select(outboxColumnList()...).
		From("outbox_events").
		Where(sq.Eq{"status": OutboxStatusDead}).
		OrderBy("created_at ASC", "id ASC").
		Limit(uint64(limit))

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build outbox list dead: %w", err)
	}

	rows, err := r.db.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query dead outbox events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows, limit)
}

// Requeue(eventID) – manual replay: dead -> pending with attempt_count reset.
func (r *OutboxRepository) Requeue(ctx context.Context, eventID string) error {
	if eventID == "" {
		return fmt.Errorf("eventID is empty")
	}

	q := r.sb.
		Update("outbox_events").
		Set("status", OutboxStatusPending).
		Set("attempt_count", 0).
		Set("next_attempt_at", sq.Expr("NOW()")).
		Set("last_error", nil).
		Where(sq.Eq{"event_id": eventID, "status": OutboxStatusDead})

	return r.execOne(ctx, q, "requeue outbox event")
}

// CleanupDelivered(retentionDays) – purge delivered events older than N days.
func (r *OutboxRepository) CleanupDelivered(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		return 0, nil
	}

	q := r.sb.
		Delete("outbox_events").
		Where(sq.Eq{"status": OutboxStatusDelivered}).
		Where(sq.Expr("delivered_at < NOW() - (? * INTERVAL '1 day')", retentionDays))

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build outbox cleanup: %w", err)
	}

	tag, err := r.db.Exec(ctx, sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("cleanup outbox: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *OutboxRepository) execOne(ctx context.Context, q sq.UpdateBuilder, op string) error {
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build %s: %w", op, err)
	}

	tag, err := r.db.Exec(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func outboxColumnList() []string {
	return []string{
		"id",
		"event_id::text",
		"order_id",
		"dedupe_key",
		"payload",
		"status",
		"attempt_count",
		"next_attempt_at",
		"claimed_at",
		"created_at",
		"delivered_at",
		"last_error",
	}
}

func scanEvents(rows pgx.Rows, capacity int) ([]*models.OutboxEvent, error) {
	res := make([]*models.OutboxEvent, 0, capacity)

	for rows.Next() {
		var (
			e           models.OutboxEvent
			id          int64
			orderID     int64
			payload     []byte
			claimedAt   pgtype.Timestamptz
			deliveredAt pgtype.Timestamptz
			lastError   pgtype.Text
		)

		if err := rows.Scan(
			&id,
			&e.EventID,
			&orderID,
			&e.DedupeKey,
			&payload,
			&e.Status,
			&e.AttemptCount,
			&e.NextAttemptAt,
			&claimedAt,
			&e.CreatedAt,
			&deliveredAt,
			&lastError,
		); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}

		e.ID = int(id)
		e.OrderID = int(orderID)
		e.Payload = payload

		if claimedAt.Valid {
			t := claimedAt.Time
			e.ClaimedAt = &t
		}
		if deliveredAt.Valid {
			t := deliveredAt.Time
			e.DeliveredAt = &t
		}
		if lastError.Valid {
			s := lastError.String
			e.LastError = &s
		}

		res = append(res, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox rows: %w", err)
	}

	return res, nil
}
