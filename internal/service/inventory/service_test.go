package inventory

import (
	"context"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/orderflow/internal/domain"
	"github.com/vladislavdragonenkov/orderflow/internal/idempotency"
	"github.com/vladislavdragonenkov/orderflow/internal/storage/keyed"
	"github.com/vladislavdragonenkov/orderflow/internal/storage/memory"
)

type fixture struct {
	service      *Service
	products     *keyed.ProductRepository
	reservations *keyed.ReservationRepository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewStore()
	products := keyed.NewProductRepository(store)
	reservations := keyed.NewReservationRepository(store)
	registry := idempotency.NewRegistry(store, time.Hour, nil)
	return &fixture{
		service:      NewService(products, reservations, registry, nil),
		products:     products,
		reservations: reservations,
	}
}

func (f *fixture) seed(t *testing.T, productID string, quantity int64) {
	t.Helper()
	err := f.products.Put(context.Background(), &domain.Product{ID: productID, Quantity: quantity})
	if err != nil {
		t.Fatalf("seed %s: %v", productID, err)
	}
}

func (f *fixture) quantity(t *testing.T, productID string) int64 {
	t.Helper()
	product, found, err := f.products.Get(context.Background(), productID)
	if err != nil || !found {
		t.Fatalf("get %s: found=%v err=%v", productID, found, err)
	}
	return product.Quantity
}

func TestReserveHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "LAPTOP-01", 10)

	items := []domain.OrderItem{{ProductID: "LAPTOP-01", Quantity: 1, UnitPriceCents: 149900}}
	reservationID, err := f.service.Reserve(ctx, "ord-1", items)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if reservationID == "" {
		t.Fatal("empty reservation id")
	}

	if got := f.quantity(t, "LAPTOP-01"); got != 9 {
		t.Fatalf("expected quantity 9, got %d", got)
	}
	reservation, found, err := f.reservations.Get(ctx, reservationID)
	if err != nil || !found {
		t.Fatalf("reservation lookup: found=%v err=%v", found, err)
	}
	if reservation.Status != domain.ReservationStatusActive || reservation.OrderID != "ord-1" {
		t.Fatalf("unexpected reservation: %+v", reservation)
	}
}

func TestReserveIdempotentReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "LAPTOP-01", 10)

	items := []domain.OrderItem{{ProductID: "LAPTOP-01", Quantity: 2}}
	first, err := f.service.Reserve(ctx, "ord-1", items)
	if err != nil {
		t.Fatalf("first Reserve: %v", err)
	}
	second, err := f.service.Reserve(ctx, "ord-1", items)
	if err != nil {
		t.Fatalf("second Reserve: %v", err)
	}

	if first != second {
		t.Fatalf("replay must return the same reservation id: %s vs %s", first, second)
	}
	// Сток списан ровно один раз.
	if got := f.quantity(t, "LAPTOP-01"); got != 8 {
		t.Fatalf("expected quantity 8, got %d", got)
	}
}

func TestReserveInsufficientStockRollsBackPartial(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "LAPTOP-01", 5)
	f.seed(t, "MOUSE-01", 1)

	items := []domain.OrderItem{
		{ProductID: "LAPTOP-01", Quantity: 2},
		{ProductID: "MOUSE-01", Quantity: 3},
	}
	_, err := f.service.Reserve(ctx, "ord-2", items)
	be, ok := domain.AsBusinessError(err)
	if !ok || be.Kind != domain.BusinessInsufficientStock {
		t.Fatalf("expected INSUFFICIENT_STOCK, got %v", err)
	}

	// Частично списанный LAPTOP-01 возвращён в том же вызове.
	if got := f.quantity(t, "LAPTOP-01"); got != 5 {
		t.Fatalf("partial decrement not rolled back: %d", got)
	}
	if got := f.quantity(t, "MOUSE-01"); got != 1 {
		t.Fatalf("mouse stock must be untouched: %d", got)
	}
}

func TestReleaseRestoresStock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "KEYBD-01", 4)

	items := []domain.OrderItem{{ProductID: "KEYBD-01", Quantity: 3}}
	reservationID, err := f.service.Reserve(ctx, "ord-3", items)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if got := f.quantity(t, "KEYBD-01"); got != 1 {
		t.Fatalf("expected quantity 1, got %d", got)
	}

	if err := f.service.Release(ctx, reservationID); err != nil {
		t.Fatalf("Release: %v", err)
	}
	// Reserve;Release восстанавливает сток в точности.
	if got := f.quantity(t, "KEYBD-01"); got != 4 {
		t.Fatalf("expected quantity 4 after release, got %d", got)
	}

	reservation, _, err := f.reservations.Get(ctx, reservationID)
	if err != nil {
		t.Fatalf("reservation lookup: %v", err)
	}
	if reservation.Status != domain.ReservationStatusReleased {
		t.Fatalf("expected RELEASED, got %s", reservation.Status)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "KEYBD-01", 4)

	reservationID, err := f.service.Reserve(ctx, "ord-4", []domain.OrderItem{{ProductID: "KEYBD-01", Quantity: 1}})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	// Release;Release == Release: сток возвращается ровно один раз.
	if err := f.service.Release(ctx, reservationID); err != nil {
		t.Fatalf("first Release: %v", err)
	}
	if err := f.service.Release(ctx, reservationID); err != nil {
		t.Fatalf("second Release: %v", err)
	}
	if got := f.quantity(t, "KEYBD-01"); got != 4 {
		t.Fatalf("stock restored more than once: %d", got)
	}
}

func TestReleaseMissingReservation(t *testing.T) {
	f := newFixture(t)

	if err := f.service.Release(context.Background(), "missing-id"); err != nil {
		t.Fatalf("release of missing reservation must succeed: %v", err)
	}
}
