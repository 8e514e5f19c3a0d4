package keyed

import (
	"context"
	"testing"

	"github.com/vladislavdragonenkov/orderflow/internal/domain"
	"github.com/vladislavdragonenkov/orderflow/internal/storage/memory"
)

func TestReservationRepositoryLifecycle(t *testing.T) {
	repo := NewReservationRepository(memory.NewStore())
	ctx := context.Background()

	reservation := &domain.Reservation{
		ID:      "res-1",
		OrderID: "ord-1",
		Items:   []domain.OrderItem{{ProductID: "LAPTOP-01", Quantity: 2}},
		Status:  domain.ReservationStatusActive,
	}
	if err := repo.Create(ctx, reservation); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, found, err := repo.Get(ctx, "res-1")
	if err != nil || !found {
		t.Fatalf("Get: found=%v err=%v", found, err)
	}
	if got.Status != domain.ReservationStatusActive || got.Items[0].Quantity != 2 {
		t.Fatalf("unexpected reservation: %+v", got)
	}

	if err := repo.MarkReleased(ctx, "res-1"); err != nil {
		t.Fatalf("MarkReleased: %v", err)
	}
	// Повторный вызов идемпотентен, в том числе для неизвестного id.
	if err := repo.MarkReleased(ctx, "res-1"); err != nil {
		t.Fatalf("MarkReleased twice: %v", err)
	}
	if err := repo.MarkReleased(ctx, "missing"); err != nil {
		t.Fatalf("MarkReleased missing: %v", err)
	}

	got, _, err = repo.Get(ctx, "res-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != domain.ReservationStatusReleased {
		t.Fatalf("expected RELEASED, got %s", got.Status)
	}
}

func TestPaymentRepositoryLifecycle(t *testing.T) {
	repo := NewPaymentRepository(memory.NewStore())
	ctx := context.Background()

	payment := &domain.Payment{
		ID:               "pay-1",
		OrderID:          "ord-1",
		CustomerID:       "alice",
		AmountCents:      149900,
		ProviderChargeID: "ch_abc",
		Status:           domain.PaymentStatusCharged,
	}
	if err := repo.Create(ctx, payment); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, found, err := repo.Get(ctx, "pay-1")
	if err != nil || !found {
		t.Fatalf("Get: found=%v err=%v", found, err)
	}
	if got.AmountCents != 149900 || got.ProviderChargeID != "ch_abc" {
		t.Fatalf("unexpected payment: %+v", got)
	}

	if err := repo.MarkRefunded(ctx, "pay-1"); err != nil {
		t.Fatalf("MarkRefunded: %v", err)
	}
	if err := repo.MarkRefunded(ctx, "missing"); err != nil {
		t.Fatalf("MarkRefunded missing must be no-op: %v", err)
	}

	got, _, err = repo.Get(ctx, "pay-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != domain.PaymentStatusRefunded {
		t.Fatalf("expected REFUNDED, got %s", got.Status)
	}
}
