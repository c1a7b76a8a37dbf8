package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"order_processing/internal/models"
	"order_processing/internal/repository"
	"order_processing/internal/warehouse"

	"github.com/jackc/pgx/v5"
)

// memStore implements OrderStore and EventStore in memory with the same claim
// semantics as the postgres repositories: every state change is conditional on
// the current status, guarded by one mutex.
type memStore struct {
	mu sync.Mutex

	now func() time.Time

	nextOrderID int
	nextEventID int
	orders      map[int]*models.Order
	events      map[int]*models.OutboxEvent

	failEventInsert bool
	released        []int
}

func newMemStore() *memStore {
	return &memStore{
		now:    time.Now,
		orders: make(map[int]*models.Order),
		events: make(map[int]*models.OutboxEvent),
	}
}

// seed inserts a committed order + pending event pair, bypassing transactions.
func (s *memStore) seed(kind, carID string) (*models.Order, *models.OutboxEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextOrderID++
	order := &models.Order{
		ID:        s.nextOrderID,
		Kind:      kind,
		CarID:     carID,
		Status:    models.OrderStatusPending,
		CreatedAt: s.now(),
	}
	s.orders[order.ID] = order

	event, err := models.NewOrderEvent(order)
	if err != nil {
		panic(err)
	}
	s.nextEventID++
	event.ID = s.nextEventID
	event.Status = repository.OutboxStatusPending
	event.NextAttemptAt = s.now()
	event.CreatedAt = s.now()
	s.events[event.ID] = event

	return order, copyEvent(event)
}

func (s *memStore) order(id int) *models.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := *s.orders[id]
	return &o
}

func (s *memStore) event(id int) *models.OutboxEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyEvent(s.events[id])
}

// --- OrderStore ---

func (s *memStore) CreateTx(ctx context.Context, tx pgx.Tx, order *models.Order) error {
	mt := tx.(*memTx)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextOrderID++
	order.ID = s.nextOrderID
	order.Status = models.OrderStatusPending
	order.CreatedAt = s.now()
	mt.orders = append(mt.orders, order)
	return nil
}

func (s *memStore) Get(ctx context.Context, id int) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	res := *o
	return &res, nil
}

func (s *memStore) MarkNotified(ctx context.Context, id int) error {
	return s.setOrderStatus(id, models.OrderStatusNotified)
}

func (s *memStore) MarkRejected(ctx context.Context, id int) error {
	return s.setOrderStatus(id, models.OrderStatusRejected)
}

func (s *memStore) setOrderStatus(id int, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok || o.Status != models.OrderStatusPending {
		return repository.ErrNotFound
	}
	o.Status = status
	if status == models.OrderStatusNotified {
		t := s.now()
		o.NotifiedAt = &t
	}
	return nil
}

// --- EventStore ---

func (s *memStore) CreateEventTx(ctx context.Context, tx pgx.Tx, event *models.OutboxEvent) error {
	if s.failEventInsert {
		return errors.New("insert outbox event: simulated failure")
	}

	mt := tx.(*memTx)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextEventID++
	event.ID = s.nextEventID
	event.Status = repository.OutboxStatusPending
	event.NextAttemptAt = s.now()
	event.CreatedAt = s.now()
	mt.events = append(mt.events, event)
	return nil
}

func (s *memStore) ClaimByID(ctx context.Context, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.events[id]
	if !ok || e.Status != repository.OutboxStatusPending {
		return repository.ErrConflict
	}
	t := s.now()
	e.Status = repository.OutboxStatusClaimed
	e.ClaimedAt = &t
	return nil
}

func (s *memStore) ClaimDue(ctx context.Context, limit int) ([]*models.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]int, 0, len(s.events))
	for id := range s.events {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	now := s.now()
	res := make([]*models.OutboxEvent, 0, limit)
	for _, id := range ids {
		if len(res) >= limit {
			break
		}
		e := s.events[id]
		if e.Status != repository.OutboxStatusPending || e.NextAttemptAt.After(now) {
			continue
		}
		e.Status = repository.OutboxStatusClaimed
		t := now
		e.ClaimedAt = &t
		res = append(res, copyEvent(e))
	}
	return res, nil
}

func (s *memStore) MarkDelivered(ctx context.Context, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.events[id]
	if !ok || e.Status != repository.OutboxStatusClaimed {
		return repository.ErrNotFound
	}
	t := s.now()
	e.Status = repository.OutboxStatusDelivered
	e.DeliveredAt = &t
	e.ClaimedAt = nil
	e.LastError = nil
	return nil
}

func (s *memStore) MarkRetry(ctx context.Context, id int, errMsg string, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.events[id]
	if !ok || e.Status != repository.OutboxStatusClaimed {
		return repository.ErrNotFound
	}
	e.Status = repository.OutboxStatusPending
	e.AttemptCount++
	e.NextAttemptAt = nextAttemptAt
	e.ClaimedAt = nil
	e.LastError = &errMsg
	return nil
}

func (s *memStore) MarkDead(ctx context.Context, id int, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.events[id]
	if !ok || e.Status != repository.OutboxStatusClaimed {
		return repository.ErrNotFound
	}
	e.Status = repository.OutboxStatusDead
	e.AttemptCount++
	e.ClaimedAt = nil
	e.LastError = &errMsg
	return nil
}

func (s *memStore) Release(ctx context.Context, ids []int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		e, ok := s.events[id]
		if !ok || e.Status != repository.OutboxStatusClaimed {
			continue
		}
		e.Status = repository.OutboxStatusPending
		e.ClaimedAt = nil
		s.released = append(s.released, id)
	}
	return nil
}

func (s *memStore) ReleaseStale(ctx context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-olderThan)
	n := 0
	for _, e := range s.events {
		if e.Status == repository.OutboxStatusClaimed && e.ClaimedAt != nil && e.ClaimedAt.Before(cutoff) {
			e.Status = repository.OutboxStatusPending
			e.ClaimedAt = nil
			n++
		}
	}
	return n, nil
}

func (s *memStore) ListDead(ctx context.Context, limit int) ([]*models.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := make([]*models.OutboxEvent, 0, limit)
	ids := make([]int, 0, len(s.events))
	for id := range s.events {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		if len(res) >= limit {
			break
		}
		if s.events[id].Status == repository.OutboxStatusDead {
			res = append(res, copyEvent(s.events[id]))
		}
	}
	return res, nil
}

func (s *memStore) Requeue(ctx context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.events {
		if e.EventID == eventID && e.Status == repository.OutboxStatusDead {
			e.Status = repository.OutboxStatusPending
			e.AttemptCount = 0
			e.NextAttemptAt = s.now()
			e.LastError = nil
			return nil
		}
	}
	return repository.ErrNotFound
}

func (s *memStore) CleanupDelivered(ctx context.Context, retentionDays int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().AddDate(0, 0, -retentionDays)
	n := 0
	for id, e := range s.events {
		if e.Status == repository.OutboxStatusDelivered && e.DeliveredAt != nil && e.DeliveredAt.Before(cutoff) {
			delete(s.events, id)
			n++
		}
	}
	return n, nil
}

func copyEvent(e *models.OutboxEvent) *models.OutboxEvent {
	if e == nil {
		return nil
	}
	res := *e
	return &res
}

// memDB hands out transactions that buffer writes until Commit, so tests can
// observe that nothing becomes visible when the transaction aborts.
type memDB struct {
	store  *memStore
	begins int
}

func (db *memDB) Begin(ctx context.Context) (pgx.Tx, error) {
	db.begins++
	return &memTx{store: db.store}, nil
}

type memTx struct {
	pgx.Tx // panics on anything the fakes do not stage

	store  *memStore
	orders []*models.Order
	events []*models.OutboxEvent

	committed  bool
	rolledBack bool
}

func (t *memTx) Commit(ctx context.Context) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	for _, o := range t.orders {
		t.store.orders[o.ID] = o
	}
	for _, e := range t.events {
		t.store.events[e.ID] = e
	}
	t.committed = true
	return nil
}

func (t *memTx) Rollback(ctx context.Context) error {
	if !t.committed {
		t.rolledBack = true
	}
	return nil
}

// stubClient replays scripted results and records which events it saw.
type stubClient struct {
	mu      sync.Mutex
	results []warehouse.Result
	calls   int
	seen    map[int]int // event ID -> attempts

	onDeliver func() // optional hook, runs inside Deliver
}

func newStubClient(results ...warehouse.Result) *stubClient {
	return &stubClient{results: results, seen: make(map[int]int)}
}

func (c *stubClient) Deliver(ctx context.Context, event *models.OutboxEvent) warehouse.Result {
	c.mu.Lock()
	res := c.results[min(c.calls, len(c.results)-1)]
	c.calls++
	c.seen[event.ID]++
	hook := c.onDeliver
	c.mu.Unlock()

	if hook != nil {
		hook()
	}
	return res
}

func (c *stubClient) attempts(eventID int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seen[eventID]
}

// fakeCache records deleted keys.
type fakeCache struct {
	mu      sync.Mutex
	deleted []string
}

func (c *fakeCache) Get(ctx context.Context, key string) ([]byte, bool, error) { return nil, false, nil }
func (c *fakeCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return nil
}
func (c *fakeCache) Del(ctx context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleted = append(c.deleted, keys...)
	return nil
}
func (c *fakeCache) Close() error { return nil }
