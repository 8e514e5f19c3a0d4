package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/orderflow/internal/domain"
	"github.com/vladislavdragonenkov/orderflow/internal/storage/memory"
)

var errProviderDown = errors.New("provider connection refused")

func newTestBreaker(t *testing.T) (*Breaker, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	b := New(store, "payment-provider", Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          time.Minute,
	}, nil, nil)
	return b, store
}

func fail(_ context.Context) error    { return errProviderDown }
func succeed(_ context.Context) error { return nil }

func mustState(t *testing.T, b *Breaker) domain.BreakerRecord {
	t.Helper()
	record, err := b.State(context.Background())
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	return record
}

func TestBreakerOpensAfterFailureThreshold(t *testing.T) {
	b, _ := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := b.Execute(ctx, fail); !errors.Is(err, errProviderDown) {
			t.Fatalf("call %d: expected provider error, got %v", i, err)
		}
	}

	record := mustState(t, b)
	if record.State != domain.BreakerOpen {
		t.Fatalf("expected OPEN after threshold, got %s", record.State)
	}
	if !record.ResetsAt.After(time.Now()) {
		t.Fatalf("resets_at must be in the future: %s", record.ResetsAt)
	}
}

func TestBreakerRejectsWhileOpen(t *testing.T) {
	b, _ := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, fail)
	}

	invoked := false
	err := b.Execute(ctx, func(context.Context) error {
		invoked = true
		return nil
	})
	oe, ok := IsOpen(err)
	if !ok {
		t.Fatalf("expected OpenError, got %v", err)
	}
	if invoked {
		t.Fatal("underlying callable must not be invoked while open")
	}
	if oe.Name != "payment-provider" || oe.ResetsAt.IsZero() {
		t.Fatalf("unexpected OpenError: %+v", oe)
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(t)
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	if err := b.Execute(ctx, succeed); err != nil {
		t.Fatalf("success call: %v", err)
	}

	record := mustState(t, b)
	if record.State != domain.BreakerClosed || record.FailureCount != 0 {
		t.Fatalf("expected CLOSED with zero failures, got %+v", record)
	}

	// Счётчик начат заново: до порога снова нужно три отказа.
	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	if record := mustState(t, b); record.State != domain.BreakerClosed {
		t.Fatalf("expected CLOSED below threshold, got %s", record.State)
	}
}

func TestBreakerBusinessErrorDoesNotCount(t *testing.T) {
	b, _ := newTestBreaker(t)
	ctx := context.Background()

	declined := domain.NewBusinessError(domain.BusinessPaymentDeclined, "card declined")
	for i := 0; i < 10; i++ {
		if err := b.Execute(ctx, func(context.Context) error { return declined }); !errors.Is(err, declined) {
			t.Fatalf("expected declined error, got %v", err)
		}
	}

	record := mustState(t, b)
	if record.State != domain.BreakerClosed || record.FailureCount != 0 {
		t.Fatalf("business failures must not trip the breaker: %+v", record)
	}
}

func TestBreakerHalfOpenProbeAndRecovery(t *testing.T) {
	b, _ := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, fail)
	}

	// Сдвигаем часы за resets_at: следующий вызов — проба.
	b.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	probed := false
	if err := b.Execute(ctx, func(context.Context) error {
		probed = true
		return nil
	}); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if !probed {
		t.Fatal("probe must reach the callable")
	}
	if record := mustState(t, b); record.State != domain.BreakerHalfOpen || record.SuccessCount != 1 {
		t.Fatalf("expected HALF_OPEN with one success, got %+v", record)
	}

	// Второй успех достигает порога и замыкает breaker.
	if err := b.Execute(ctx, succeed); err != nil {
		t.Fatalf("second probe: %v", err)
	}
	if record := mustState(t, b); record.State != domain.BreakerClosed {
		t.Fatalf("expected CLOSED after success threshold, got %+v", record)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b, _ := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, fail)
	}
	b.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	if err := b.Execute(ctx, fail); !errors.Is(err, errProviderDown) {
		t.Fatalf("probe: %v", err)
	}
	record := mustState(t, b)
	if record.State != domain.BreakerOpen {
		t.Fatalf("failed probe must reopen the breaker, got %+v", record)
	}
}

func TestBreakerSharedStateAcrossInstances(t *testing.T) {
	store := memory.NewStore()
	cfg := Config{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Minute}
	first := New(store, "shared", cfg, nil, nil)
	second := New(store, "shared", cfg, nil, nil)
	ctx := context.Background()

	// Отказы, записанные одним исполнителем, видны другому.
	_ = first.Execute(ctx, fail)
	_ = first.Execute(ctx, fail)

	err := second.Execute(ctx, func(context.Context) error {
		t.Fatal("callable must not run: breaker opened by another process")
		return nil
	})
	if _, ok := IsOpen(err); !ok {
		t.Fatalf("expected OpenError from second instance, got %v", err)
	}
}

func TestBreakerForceOpenForceClosed(t *testing.T) {
	b, _ := newTestBreaker(t)
	ctx := context.Background()

	if err := b.ForceOpen(ctx); err != nil {
		t.Fatalf("ForceOpen: %v", err)
	}
	if err := b.Execute(ctx, succeed); err == nil {
		t.Fatal("expected rejection after ForceOpen")
	}

	if err := b.ForceClosed(ctx); err != nil {
		t.Fatalf("ForceClosed: %v", err)
	}
	if err := b.Execute(ctx, succeed); err != nil {
		t.Fatalf("call after ForceClosed: %v", err)
	}
}
