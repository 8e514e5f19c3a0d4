package saga

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/orderflow/internal/domain"
	"github.com/vladislavdragonenkov/orderflow/internal/storage/keyed"
	"github.com/vladislavdragonenkov/orderflow/internal/storage/memory"
)

// blockingInventory держит шаг Reserve открытым, пока тест не разрешит
// продолжение. Позволяет наблюдать сагу в состоянии "в полёте".
type blockingInventory struct {
	entered chan struct{}
	proceed chan struct{}
}

func (b *blockingInventory) Reserve(ctx context.Context, orderID string, _ []domain.OrderItem) (string, error) {
	b.entered <- struct{}{}
	select {
	case <-b.proceed:
		return "res-" + orderID, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (b *blockingInventory) Release(context.Context, string) error { return nil }

type runnerFixture struct {
	orders    *keyed.OrderRepository
	inventory *blockingInventory
	runner    *Runner
}

func newRunnerFixture(t *testing.T, maxWorkers, queueSize int) *runnerFixture {
	t.Helper()
	f := &runnerFixture{
		orders: keyed.NewOrderRepository(memory.NewStore()),
		inventory: &blockingInventory{
			entered: make(chan struct{}, 8),
			proceed: make(chan struct{}),
		},
	}
	orchestrator := NewOrchestrator(f.orders, f.inventory, &stubPayments{}, &stubNotifier{}, testConfig(), nil, nil)
	f.runner = NewRunner(orchestrator, maxWorkers, queueSize, nil)
	t.Cleanup(f.runner.Stop)
	return f
}

func (f *runnerFixture) createOrder(t *testing.T, orderID string) domain.SagaContext {
	t.Helper()
	items := []domain.OrderItem{{ProductID: "LAPTOP-01", Quantity: 1, UnitPriceCents: 100}}
	order := &domain.Order{
		ID:         orderID,
		CustomerID: "alice",
		Items:      items,
		TotalCents: 100,
		Status:     domain.OrderStatusPending,
	}
	if err := f.orders.Create(context.Background(), order); err != nil {
		t.Fatalf("create order: %v", err)
	}
	return domain.SagaContext{OrderID: orderID, CustomerID: "alice", TotalCents: 100, Items: items}
}

func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestRunnerRejectsDuplicateStart(t *testing.T) {
	f := newRunnerFixture(t, 4, 16)
	sc := f.createOrder(t, "ord-1")
	ctx := context.Background()

	if err := f.runner.Start(ctx, sc); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-f.inventory.entered

	if err := f.runner.Start(ctx, sc); !errors.Is(err, ErrSagaInFlight) {
		t.Fatalf("expected ErrSagaInFlight, got %v", err)
	}

	close(f.inventory.proceed)
	waitUntil(t, func() bool { return !f.runner.InFlight("ord-1") }, "saga did not finish")

	order, err := f.orders.Get(ctx, "ord-1")
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if order.Status != domain.OrderStatusConfirmed {
		t.Fatalf("expected CONFIRMED, got %s", order.Status)
	}
}

func TestRunnerSurvivesCallerCancellation(t *testing.T) {
	f := newRunnerFixture(t, 4, 16)
	sc := f.createOrder(t, "ord-2")

	// Имитация HTTP-запроса: контекст отменяется сразу после постановки саги.
	ctx, cancel := context.WithCancel(context.Background())
	if err := f.runner.Start(ctx, sc); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-f.inventory.entered
	cancel()

	close(f.inventory.proceed)
	waitUntil(t, func() bool { return !f.runner.InFlight("ord-2") }, "saga did not finish")

	order, err := f.orders.Get(context.Background(), "ord-2")
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if order.Status != domain.OrderStatusConfirmed {
		t.Fatalf("saga must outlive the caller, got %s", order.Status)
	}
}

func TestRunnerSaturation(t *testing.T) {
	f := newRunnerFixture(t, 1, 1)
	ctx := context.Background()

	first := f.createOrder(t, "ord-3")
	second := f.createOrder(t, "ord-4")
	third := f.createOrder(t, "ord-5")

	if err := f.runner.Start(ctx, first); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	<-f.inventory.entered

	if err := f.runner.Start(ctx, second); err != nil {
		t.Fatalf("second Start must queue: %v", err)
	}
	if err := f.runner.Start(ctx, third); !errors.Is(err, ErrRunnerSaturated) {
		t.Fatalf("expected ErrRunnerSaturated, got %v", err)
	}
	// Отклонённый заказ не должен числиться в полёте.
	if f.runner.InFlight("ord-5") {
		t.Fatal("rejected saga must not stay in flight")
	}

	close(f.inventory.proceed)
	waitUntil(t, func() bool {
		return !f.runner.InFlight("ord-3") && !f.runner.InFlight("ord-4")
	}, "queued sagas did not finish")
}
