package notification

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/orderflow/internal/domain"
	"github.com/vladislavdragonenkov/orderflow/internal/idempotency"
	"github.com/vladislavdragonenkov/orderflow/internal/storage/memory"
)

func newService(publisher Publisher) *Service {
	registry := idempotency.NewRegistry(memory.NewStore(), time.Hour, nil)
	return NewService(publisher, registry, nil)
}

func confirmedEnvelope(id string) domain.NotificationEnvelope {
	return domain.NotificationEnvelope{
		NotificationID: id,
		Type:           domain.NotificationOrderConfirmed,
		OrderID:        "ord-1",
		CustomerID:     "alice",
		TotalCents:     149900,
		CreatedAt:      time.Now().UTC(),
	}
}

func TestNotifyPublishesEnvelope(t *testing.T) {
	publisher := NewMemoryPublisher()
	service := newService(publisher)

	if err := service.Notify(context.Background(), confirmedEnvelope("n-1")); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	envelopes := publisher.Envelopes()
	if len(envelopes) != 1 {
		t.Fatalf("expected 1 envelope, got %d", len(envelopes))
	}
	if envelopes[0].Type != domain.NotificationOrderConfirmed || envelopes[0].TotalCents != 149900 {
		t.Fatalf("unexpected envelope: %+v", envelopes[0])
	}
}

func TestNotifyIdempotentPerEnvelope(t *testing.T) {
	publisher := NewMemoryPublisher()
	service := newService(publisher)
	ctx := context.Background()

	envelope := confirmedEnvelope("n-2")
	if err := service.Notify(ctx, envelope); err != nil {
		t.Fatalf("first Notify: %v", err)
	}
	if err := service.Notify(ctx, envelope); err != nil {
		t.Fatalf("second Notify: %v", err)
	}

	if got := len(publisher.Envelopes()); got != 1 {
		t.Fatalf("envelope must be published once, got %d", got)
	}
}

type failingPublisher struct{ err error }

func (p *failingPublisher) Publish(context.Context, domain.NotificationEnvelope) error {
	return p.err
}

func TestNotifyPropagatesPublishError(t *testing.T) {
	boom := errors.New("broker unavailable")
	service := newService(&failingPublisher{err: boom})

	err := service.Notify(context.Background(), confirmedEnvelope("n-3"))
	if !errors.Is(err, boom) {
		t.Fatalf("expected publish error, got %v", err)
	}
}
