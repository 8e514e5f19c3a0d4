package keyed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/orderflow/internal/domain"
	"github.com/vladislavdragonenkov/orderflow/internal/storage/kv"
)

// PaymentRepository хранит платежи: pk=payment_id.
type PaymentRepository struct {
	store kv.Store
	now   func() time.Time
}

var _ domain.PaymentRepository = (*PaymentRepository)(nil)

// NewPaymentRepository создаёт репозиторий платежей.
func NewPaymentRepository(store kv.Store) *PaymentRepository {
	return &PaymentRepository{store: store, now: time.Now}
}

func paymentToItem(payment *domain.Payment) kv.Item {
	return kv.Item{
		"payment_id":         payment.ID,
		"order_id":           payment.OrderID,
		"customer_id":        payment.CustomerID,
		"amount_cents":       payment.AmountCents,
		"provider_charge_id": payment.ProviderChargeID,
		"status":             string(payment.Status),
		"created_at":         formatTime(payment.CreatedAt),
		"updated_at":         formatTime(payment.UpdatedAt),
	}
}

// Create сохраняет новый платёж.
func (r *PaymentRepository) Create(ctx context.Context, payment *domain.Payment) error {
	now := r.now().UTC()
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = now
	}
	payment.UpdatedAt = now

	err := r.store.PutIfAbsent(ctx, TablePayments, kv.Key{Partition: payment.ID}, paymentToItem(payment))
	if errors.Is(err, kv.ErrPreconditionFailed) {
		return fmt.Errorf("payment %s already exists", payment.ID)
	}
	if err != nil {
		return fmt.Errorf("create payment: %w", err)
	}
	return nil
}

// Get возвращает платёж; отсутствие — (nil, false, nil).
func (r *PaymentRepository) Get(ctx context.Context, paymentID string) (*domain.Payment, bool, error) {
	item, err := r.store.Get(ctx, TablePayments, kv.Key{Partition: paymentID})
	if errors.Is(err, kv.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get payment: %w", err)
	}

	payment := &domain.Payment{
		ID:               kv.AsString(item["payment_id"]),
		OrderID:          kv.AsString(item["order_id"]),
		CustomerID:       kv.AsString(item["customer_id"]),
		ProviderChargeID: kv.AsString(item["provider_charge_id"]),
		Status:           domain.PaymentStatus(kv.AsString(item["status"])),
		CreatedAt:        parseTime(item["created_at"]),
		UpdatedAt:        parseTime(item["updated_at"]),
	}
	payment.AmountCents, _ = kv.AsInt64(item["amount_cents"])
	return payment, true, nil
}

// MarkRefunded переводит платёж в REFUNDED. Повторный вызов идемпотентен.
func (r *PaymentRepository) MarkRefunded(ctx context.Context, paymentID string) error {
	payment, found, err := r.Get(ctx, paymentID)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	payment.Status = domain.PaymentStatusRefunded
	payment.UpdatedAt = r.now().UTC()

	if err := r.store.Put(ctx, TablePayments, kv.Key{Partition: paymentID}, paymentToItem(payment)); err != nil {
		return fmt.Errorf("mark payment refunded: %w", err)
	}
	return nil
}
