package domain

import "time"

// PaymentStatus — состояние платежа.
type PaymentStatus string

const (
	// PaymentStatusCharged — средства списаны провайдером.
	PaymentStatusCharged PaymentStatus = "CHARGED"
	// PaymentStatusRefunded — списание возвращено клиенту.
	PaymentStatusRefunded PaymentStatus = "REFUNDED"
)

// Payment фиксирует списание средств по заказу.
type Payment struct {
	ID         string
	OrderID    string
	CustomerID string
	AmountCents int64
	// ProviderChargeID — непрозрачный идентификатор списания у провайдера.
	ProviderChargeID string
	Status           PaymentStatus
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ValidateInvariants проверяет базовые инварианты платежа.
func (p *Payment) ValidateInvariants() []error {
	var errs []error

	if p.OrderID == "" {
		errs = append(errs, ErrOrderIDRequired)
	}
	if p.AmountCents < 0 {
		errs = append(errs, ErrPaymentAmountNegative)
	}

	return errs
}
