package order

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/orderflow/internal/domain"
	"github.com/vladislavdragonenkov/orderflow/internal/idempotency"
	"github.com/vladislavdragonenkov/orderflow/internal/storage/keyed"
	"github.com/vladislavdragonenkov/orderflow/internal/storage/memory"
)

type recordingStarter struct {
	mu      sync.Mutex
	started []domain.SagaContext
	err     error
}

func (r *recordingStarter) Start(_ context.Context, sc domain.SagaContext) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.started = append(r.started, sc)
	return nil
}

func (r *recordingStarter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.started)
}

type fixture struct {
	service *Service
	orders  *keyed.OrderRepository
	starter *recordingStarter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewStore()
	orders := keyed.NewOrderRepository(store)
	registry := idempotency.NewRegistry(store, time.Hour, nil)
	starter := &recordingStarter{}
	return &fixture{
		service: NewService(orders, registry, starter, nil),
		orders:  orders,
		starter: starter,
	}
}

func validCommand(key string) CreateOrderCommand {
	return CreateOrderCommand{
		IdempotencyKey: key,
		CustomerID:     "alice",
		Items: []domain.OrderItem{
			{ProductID: "LAPTOP-01", Quantity: 1, UnitPriceCents: 149900},
		},
	}
}

func TestCreateOrderHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.service.CreateOrder(ctx, validCommand("key-1"))
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if result.OrderID == "" || result.Status != domain.OrderStatusPending {
		t.Fatalf("unexpected result: %+v", result)
	}

	order, err := f.orders.Get(ctx, result.OrderID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if order.Status != domain.OrderStatusPending || order.TotalCents != 149900 {
		t.Fatalf("unexpected order: %+v", order)
	}
	events, err := f.orders.Events(ctx, result.OrderID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 1 || events[0].Status != domain.OrderStatusPending {
		t.Fatalf("expected single PENDING event, got %v", events)
	}
	if f.starter.count() != 1 {
		t.Fatalf("expected one saga start, got %d", f.starter.count())
	}
	sc := f.starter.started[0]
	if sc.OrderID != result.OrderID || sc.TotalCents != 149900 || sc.CorrelationID == "" {
		t.Fatalf("unexpected saga context: %+v", sc)
	}
}

func TestCreateOrderMissingIdempotencyKey(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.CreateOrder(context.Background(), validCommand(""))
	if !errors.Is(err, domain.ErrMissingIdempotencyKey) {
		t.Fatalf("expected ErrMissingIdempotencyKey, got %v", err)
	}
}

func TestCreateOrderValidation(t *testing.T) {
	f := newFixture(t)
	cmd := validCommand("key-2")
	cmd.CustomerID = ""

	_, err := f.service.CreateOrder(context.Background(), cmd)
	if !errors.Is(err, domain.ErrCustomerRequired) {
		t.Fatalf("expected ErrCustomerRequired, got %v", err)
	}
	// Невалидная команда не должна породить ни заказа, ни саги.
	if f.starter.count() != 0 {
		t.Fatal("saga must not start for invalid command")
	}
}

func TestCreateOrderTotalMismatch(t *testing.T) {
	f := newFixture(t)
	cmd := validCommand("key-3")
	cmd.TotalCents = 100

	_, err := f.service.CreateOrder(context.Background(), cmd)
	if !errors.Is(err, domain.ErrAmountMismatch) {
		t.Fatalf("expected ErrAmountMismatch, got %v", err)
	}
}

func TestCreateOrderDuplicateKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.service.CreateOrder(ctx, validCommand("key-4"))
	if err != nil {
		t.Fatalf("first CreateOrder: %v", err)
	}
	second, err := f.service.CreateOrder(ctx, validCommand("key-4"))
	if err != nil {
		t.Fatalf("second CreateOrder: %v", err)
	}

	if first.OrderID != second.OrderID {
		t.Fatalf("duplicate must return the same order id: %s vs %s", first.OrderID, second.OrderID)
	}
	if f.starter.count() != 1 {
		t.Fatalf("duplicate must not start a second saga, got %d", f.starter.count())
	}
	events, err := f.orders.Events(ctx, first.OrderID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected single PENDING event, got %d", len(events))
	}
}

func TestCreateOrderDistinctKeys(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.service.CreateOrder(ctx, validCommand("key-5"))
	if err != nil {
		t.Fatalf("first CreateOrder: %v", err)
	}
	second, err := f.service.CreateOrder(ctx, validCommand("key-6"))
	if err != nil {
		t.Fatalf("second CreateOrder: %v", err)
	}
	if first.OrderID == second.OrderID {
		t.Fatal("distinct keys must produce distinct orders")
	}
	if f.starter.count() != 2 {
		t.Fatalf("expected two sagas, got %d", f.starter.count())
	}
}

func TestCreateOrderRetryAfterStartFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	boom := errors.New("runner saturated")
	f.starter.err = boom

	_, err := f.service.CreateOrder(ctx, validCommand("key-7"))
	if !errors.Is(err, boom) {
		t.Fatalf("expected starter error, got %v", err)
	}

	// Повтор команды возобновляет тот же заказ и не дублирует PENDING-событие.
	f.starter.err = nil
	result, err := f.service.CreateOrder(ctx, validCommand("key-7"))
	if err != nil {
		t.Fatalf("retry CreateOrder: %v", err)
	}
	events, err := f.orders.Events(ctx, result.OrderID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected single PENDING event after retry, got %d", len(events))
	}
	if f.starter.count() != 1 {
		t.Fatalf("expected one successful saga start, got %d", f.starter.count())
	}
}

func TestGetOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.service.CreateOrder(ctx, validCommand("key-8"))
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	view, err := f.service.GetOrder(ctx, result.OrderID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if view.Order.ID != result.OrderID || len(view.Events) != 1 {
		t.Fatalf("unexpected view: order=%+v events=%d", view.Order, len(view.Events))
	}
}

func TestGetOrderNotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.GetOrder(context.Background(), "missing")
	if !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}
