package app

import (
	"context"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/orderflow/internal/config"
	"github.com/vladislavdragonenkov/orderflow/internal/domain"
	"github.com/vladislavdragonenkov/orderflow/internal/service/order"
)

// Сценарии полного жизненного цикла поверх собранного графа зависимостей:
// компенсация при отказе оплаты и поведение размыкателя провайдера.

func fastConfig() config.Config {
	cfg := config.Default()
	cfg.Saga.Timeout = config.Duration(10 * time.Second)
	cfg.Saga.StepTimeout = config.Duration(time.Second)
	cfg.Saga.RetryInitialDelay = config.Duration(time.Millisecond)
	cfg.Saga.RetryMaxDelay = config.Duration(5 * time.Millisecond)
	cfg.Breaker.FailureThreshold = 3
	cfg.Breaker.SuccessThreshold = 1
	cfg.Breaker.Timeout = config.Duration(100 * time.Millisecond)
	return cfg
}

func newLifecycleDeps(t *testing.T) *Dependencies {
	t.Helper()
	deps, err := NewDependencies(context.Background(), fastConfig(), nil)
	if err != nil {
		t.Fatalf("NewDependencies: %v", err)
	}
	t.Cleanup(deps.Close)
	return deps
}

func seedStock(t *testing.T, deps *Dependencies, productID string, quantity int64) {
	t.Helper()
	err := deps.Products.Put(context.Background(), &domain.Product{
		ID: productID, Quantity: quantity, UnitPriceCents: 1000,
	})
	if err != nil {
		t.Fatalf("seed stock: %v", err)
	}
}

func placeOrder(t *testing.T, deps *Dependencies, key string) string {
	t.Helper()
	result, err := deps.OrderSvc.CreateOrder(context.Background(), order.CreateOrderCommand{
		IdempotencyKey: key,
		CustomerID:     "alice",
		Items:          []domain.OrderItem{{ProductID: "SKU-1", Quantity: 1, UnitPriceCents: 1000}},
	})
	if err != nil {
		t.Fatalf("CreateOrder %s: %v", key, err)
	}
	return result.OrderID
}

func awaitTerminal(t *testing.T, deps *Dependencies, orderID string) *domain.Order {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		o, err := deps.Orders.Get(context.Background(), orderID)
		if err == nil && o.Status.IsTerminal() {
			return o
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("order %s did not reach a terminal status", orderID)
	return nil
}

func stockOf(t *testing.T, deps *Dependencies, productID string) int64 {
	t.Helper()
	product, found, err := deps.Products.Get(context.Background(), productID)
	if err != nil || !found {
		t.Fatalf("get product: found=%v err=%v", found, err)
	}
	return product.Quantity
}

func TestLifecyclePaymentDeclineCompensates(t *testing.T) {
	deps := newLifecycleDeps(t)
	seedStock(t, deps, "SKU-1", 5)
	deps.PaymentProvider.SetDecline(true)

	orderID := placeOrder(t, deps, "decline-1")
	final := awaitTerminal(t, deps, orderID)

	if final.Status != domain.OrderStatusFailed {
		t.Fatalf("expected FAILED, got %s", final.Status)
	}
	// Компенсация вернула резерв: сток как до заказа.
	if got := stockOf(t, deps, "SKU-1"); got != 5 {
		t.Fatalf("expected stock 5 after compensation, got %d", got)
	}

	// Резерв из журнала событий переведён в RELEASED.
	events, err := deps.Orders.Events(context.Background(), orderID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	var reservationID string
	for _, e := range events {
		if id, ok := e.Metadata["reservation_id"]; ok {
			reservationID = id
		}
	}
	if reservationID == "" {
		t.Fatalf("reservation id not recorded in events: %+v", events)
	}
	reservation, found, err := deps.Reservations.Get(context.Background(), reservationID)
	if err != nil || !found {
		t.Fatalf("reservation lookup: found=%v err=%v", found, err)
	}
	if reservation.Status != domain.ReservationStatusReleased {
		t.Fatalf("expected RELEASED reservation, got %s", reservation.Status)
	}
}

func TestLifecycleBreakerFastFail(t *testing.T) {
	deps := newLifecycleDeps(t)
	seedStock(t, deps, "SKU-1", 10)
	deps.PaymentProvider.SetOutage(true)

	// Первый заказ выжигает порог отказов и размыкает breaker.
	first := awaitTerminal(t, deps, placeOrder(t, deps, "outage-1"))
	if first.Status != domain.OrderStatusFailed {
		t.Fatalf("expected FAILED during outage, got %s", first.Status)
	}
	record, err := deps.Breaker.State(context.Background())
	if err != nil {
		t.Fatalf("breaker state: %v", err)
	}
	if record.State != domain.BreakerOpen {
		t.Fatalf("expected OPEN breaker, got %+v", record)
	}

	// Второй заказ отклоняется без единого вызова провайдера.
	callsBefore := deps.PaymentProvider.ChargeCalls()
	second := awaitTerminal(t, deps, placeOrder(t, deps, "outage-2"))
	if second.Status != domain.OrderStatusFailed {
		t.Fatalf("expected fast FAILED, got %s", second.Status)
	}
	if calls := deps.PaymentProvider.ChargeCalls(); calls != callsBefore {
		t.Fatalf("provider must not be called while breaker is open: %d -> %d", callsBefore, calls)
	}
	// Сток не утёк: обе компенсации вернули резервы.
	if got := stockOf(t, deps, "SKU-1"); got != 10 {
		t.Fatalf("expected stock 10, got %d", got)
	}
}

func TestLifecycleBreakerRecovery(t *testing.T) {
	deps := newLifecycleDeps(t)
	seedStock(t, deps, "SKU-1", 10)
	deps.PaymentProvider.SetOutage(true)

	awaitTerminal(t, deps, placeOrder(t, deps, "recovery-1"))

	// Провайдер восстановился; после таймаута breaker пропускает пробу.
	deps.PaymentProvider.SetOutage(false)
	time.Sleep(150 * time.Millisecond)

	final := awaitTerminal(t, deps, placeOrder(t, deps, "recovery-2"))
	if final.Status != domain.OrderStatusConfirmed {
		t.Fatalf("expected CONFIRMED after recovery, got %s", final.Status)
	}
	record, err := deps.Breaker.State(context.Background())
	if err != nil {
		t.Fatalf("breaker state: %v", err)
	}
	if record.State != domain.BreakerClosed {
		t.Fatalf("expected CLOSED breaker after probe, got %+v", record)
	}
}
