package kafka

import (
	"context"
	"testing"

	"github.com/vladislavdragonenkov/orderflow/internal/domain"
	"github.com/vladislavdragonenkov/orderflow/internal/storage/memory"
)

func TestDeduplicatorFirstEnvelopePasses(t *testing.T) {
	dedup := NewDeduplicator(memory.NewStore())
	ctx := context.Background()

	seen, err := dedup.Seen(ctx, testEnvelope())
	if err != nil {
		t.Fatalf("Seen: %v", err)
	}
	if seen {
		t.Fatal("first envelope must not be a duplicate")
	}
}

func TestDeduplicatorRepeatIsDuplicate(t *testing.T) {
	dedup := NewDeduplicator(memory.NewStore())
	ctx := context.Background()
	envelope := testEnvelope()

	if _, err := dedup.Seen(ctx, envelope); err != nil {
		t.Fatalf("first Seen: %v", err)
	}
	seen, err := dedup.Seen(ctx, envelope)
	if err != nil {
		t.Fatalf("second Seen: %v", err)
	}
	if !seen {
		t.Fatal("repeat envelope must be a duplicate")
	}
}

func TestDeduplicatorDistinguishesTypes(t *testing.T) {
	dedup := NewDeduplicator(memory.NewStore())
	ctx := context.Background()

	confirmed := testEnvelope()
	if _, err := dedup.Seen(ctx, confirmed); err != nil {
		t.Fatalf("Seen confirmed: %v", err)
	}

	failed := confirmed
	failed.Type = domain.NotificationOrderFailed
	failed.NotificationID = "ord-1-failed"
	seen, err := dedup.Seen(ctx, failed)
	if err != nil {
		t.Fatalf("Seen failed: %v", err)
	}
	if seen {
		t.Fatal("different notification type for the same order is not a duplicate")
	}
}

func TestDeduplicatorDistinguishesOrders(t *testing.T) {
	dedup := NewDeduplicator(memory.NewStore())
	ctx := context.Background()

	first := testEnvelope()
	if _, err := dedup.Seen(ctx, first); err != nil {
		t.Fatalf("Seen first: %v", err)
	}

	second := first
	second.OrderID = "ord-2"
	second.NotificationID = "ord-2-confirmed"
	seen, err := dedup.Seen(ctx, second)
	if err != nil {
		t.Fatalf("Seen second: %v", err)
	}
	if seen {
		t.Fatal("same type for a different order is not a duplicate")
	}
}
