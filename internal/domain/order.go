package domain

import "time"

// OrderStatus описывает жизненный цикл заказа в рамках одной саги.
type OrderStatus string

const (
	// OrderStatusPending — заказ создан, сага ещё не выполнила ни одного шага.
	OrderStatusPending OrderStatus = "PENDING"
	// OrderStatusInventoryReserved — товары зарезервированы на складе.
	OrderStatusInventoryReserved OrderStatus = "INVENTORY_RESERVED"
	// OrderStatusPaymentCharged — оплата подтверждена платёжным провайдером.
	OrderStatusPaymentCharged OrderStatus = "PAYMENT_CHARGED"
	// OrderStatusConfirmed — заказ финализирован; терминальный статус.
	OrderStatusConfirmed OrderStatus = "CONFIRMED"
	// OrderStatusCompensating — сага откатывает выполненные шаги.
	OrderStatusCompensating OrderStatus = "COMPENSATING"
	// OrderStatusFailed — все компенсации выполнены; терминальный статус.
	OrderStatusFailed OrderStatus = "FAILED"
)

// IsTerminal сообщает, завершён ли жизненный цикл заказа.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusConfirmed || s == OrderStatusFailed
}

// CanTransitionTo проверяет допустимость перехода статуса.
// Прямой путь строго односторонний: PENDING → INVENTORY_RESERVED →
// PAYMENT_CHARGED → CONFIRMED. Единственный допустимый "откат" — переход
// любого нетерминального статуса в COMPENSATING и далее в FAILED.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	if s.IsTerminal() {
		return false
	}
	if next == OrderStatusCompensating {
		return s != OrderStatusCompensating
	}
	switch s {
	case OrderStatusPending:
		return next == OrderStatusInventoryReserved
	case OrderStatusInventoryReserved:
		return next == OrderStatusPaymentCharged
	case OrderStatusPaymentCharged:
		return next == OrderStatusConfirmed
	case OrderStatusCompensating:
		return next == OrderStatusFailed
	}
	return false
}

// OrderItem представляет одну позицию заказа.
type OrderItem struct {
	// ProductID — идентификатор товара на складе.
	ProductID string `json:"product_id"`
	// Quantity — количество единиц товара, строго положительное.
	Quantity int64 `json:"quantity"`
	// UnitPriceCents — цена за единицу в центах. Деньги всегда в целых.
	UnitPriceCents int64 `json:"unit_price_cents"`
}

// Order агрегирует состояние заказа и его позиции.
type Order struct {
	ID            string
	CustomerID    string
	Items         []OrderItem
	TotalCents    int64
	Status        OrderStatus
	CorrelationID string
	// Version — монотонный счётчик для оптимистичной блокировки.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ValidateInvariants проверяет базовые инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if o.CustomerID == "" {
		errs = append(errs, ErrCustomerRequired)
	}
	if len(o.Items) == 0 {
		errs = append(errs, ErrItemsRequired)
	}
	if o.TotalCents < 0 {
		errs = append(errs, ErrAmountNegative)
	}

	// Сверяем сумму заказа с суммой позиций: quantity * unit price.
	var calc int64
	for _, item := range o.Items {
		if item.ProductID == "" {
			errs = append(errs, ErrProductIDRequired)
		}
		if item.Quantity <= 0 {
			errs = append(errs, ErrItemQtyInvalid)
		}
		if item.UnitPriceCents < 0 {
			errs = append(errs, ErrItemPriceInvalid)
		}
		calc += item.Quantity * item.UnitPriceCents
	}
	if calc != o.TotalCents {
		errs = append(errs, ErrAmountMismatch)
	}

	return errs
}
