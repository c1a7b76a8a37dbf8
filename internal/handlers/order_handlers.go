package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"order_processing/internal/cache"
	"order_processing/internal/metrics"
	"order_processing/internal/models"
	"order_processing/internal/repository"
	"order_processing/internal/service"
	"order_processing/internal/warehouse"

	"github.com/go-chi/chi/v5"
)

// OrderService describes the service-layer methods the handlers need.
type OrderService interface {
	Submit(ctx context.Context, req *models.SubmitRequest) (*models.Order, *models.OutboxEvent, error)
	GetOrder(ctx context.Context, id int) (*models.Order, error)
	ListDeadEvents(ctx context.Context, limit int) ([]*models.OutboxEvent, error)
	RequeueDeadEvent(ctx context.Context, eventID string) error
}

// ImmediateDispatcher makes the single post-commit delivery attempt.
type ImmediateDispatcher interface {
	DispatchNew(ctx context.Context, event *models.OutboxEvent) (string, warehouse.Result)
}

type OrderHandler struct {
	service    OrderService
	dispatcher ImmediateDispatcher
	cache      cache.Cache
	ttl        time.Duration
}

func NewOrderHandler(service OrderService, dispatcher ImmediateDispatcher, cache cache.Cache, ttl time.Duration) *OrderHandler {
	return &OrderHandler{
		service:    service,
		dispatcher: dispatcher,
		cache:      cache,
		ttl:        ttl,
	}
}

// POST /api/orders
// 201: { "id": int, "status": "pending", "notification": "delivered"|"pending" }
// 400: invalid input
// 4xx/502 passthrough: warehouse rejected the event permanently
// 500: internal error
func (h *OrderHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, models.KindOrder)
}

// POST /api/payments – same contract as CreateOrder, amount required.
func (h *OrderHandler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, models.KindPayment)
}

func (h *OrderHandler) submit(w http.ResponseWriter, r *http.Request, kind string) {
	var req models.SubmitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	req.Kind = kind

	order, event, err := h.service.Submit(r.Context(), &req)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	// the order is committed; this one attempt decides only what we report
	state, res := h.dispatcher.DispatchNew(r.Context(), event)

	if state == service.NotificationDead {
		writeJSON(w, passthroughStatus(res), map[string]any{
			"id":     order.ID,
			"status": models.OrderStatusRejected,
			"error":  "warehouse rejected the notification",
		})
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":           order.ID,
		"status":       order.Status,
		"notification": state,
	})
}

// GET /api/orders/{id}
// 200: order JSON (cached, X-Cache header)
// 400: invalid id
// 404: not found
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	idRaw := chi.URLParam(r, "id")
	id, err := strconv.Atoi(idRaw)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "id must be a positive integer")
		return
	}

	// 1) cache lookup
	var cacheKey string
	if h.cache != nil {
		cacheKey = cache.OrderKey(id)
		if b, ok, err := h.cache.Get(r.Context(), cacheKey); err == nil && ok {
			metrics.IncRedisHit()
			w.Header().Set("X-Cache", "HIT")
			writeRawJSON(w, http.StatusOK, b)
			return
		}
	}

	// 2) DB via service
	order, err := h.service.GetOrder(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, repository.ErrNotFound):
			writeError(w, http.StatusNotFound, "order not found")
		default:
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	resp := map[string]any{
		"id":         order.ID,
		"kind":       order.Kind,
		"car_id":     order.CarID,
		"status":     order.Status,
		"created_at": order.CreatedAt,
	}
	if order.Amount != nil {
		resp["amount"] = *order.Amount
	}
	if order.NotifiedAt != nil {
		resp["notified_at"] = *order.NotifiedAt
	}

	b, _ := json.Marshal(resp)

	// 3) cache store
	if h.cache != nil {
		_ = h.cache.Set(r.Context(), cacheKey, b, h.ttl)
	}

	metrics.IncRedisMiss()
	w.Header().Set("X-Cache", "MISS")
	writeRawJSON(w, http.StatusOK, b)
}

// GET /api/outbox/dead?limit=
// 200: { "events": [...], "count": n }
func (h *OrderHandler) ListDeadEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if limitRaw := strings.TrimSpace(r.URL.Query().Get("limit")); limitRaw != "" {
		n, err := strconv.Atoi(limitRaw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if n > 100 {
			n = 100
		}
		limit = n
	}

	events, err := h.service.ListDeadEvents(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]map[string]any, 0, len(events))
	for _, e := range events {
		item := map[string]any{
			"event_id":      e.EventID,
			"order_id":      e.OrderID,
			"dedupe_key":    e.DedupeKey,
			"payload":       e.Payload,
			"attempt_count": e.AttemptCount,
			"created_at":    e.CreatedAt,
		}
		if e.LastError != nil {
			item["last_error"] = *e.LastError
		}
		items = append(items, item)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"events": items,
		"count":  len(items),
	})
}

// POST /api/outbox/dead/{event_id}/requeue
// 200: { "event_id": "...", "status": "pending" }
// 404: no dead event with that id
func (h *OrderHandler) RequeueDeadEvent(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "event_id")

	if err := h.service.RequeueDeadEvent(r.Context(), eventID); err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, repository.ErrNotFound):
			writeError(w, http.StatusNotFound, "dead event not found")
		default:
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"event_id": eventID,
		"status":   repository.OutboxStatusPending,
	})
}

// passthroughStatus maps a permanent warehouse rejection to the response code:
// the warehouse's own 4xx when we have one, 502 otherwise.
func passthroughStatus(res warehouse.Result) int {
	if res.StatusCode >= 400 && res.StatusCode < 500 {
		return res.StatusCode
	}
	return http.StatusBadGateway
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		return err
	}

	// a second JSON object in the body is rejected
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("only one JSON object is allowed")
	}

	return nil
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeRawJSON(w http.ResponseWriter, status int, b []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}
