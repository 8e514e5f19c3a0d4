package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Ошибка отсутствующего идентификатора клиента.
	ErrCustomerRequired = errors.New("customer_id is required")
	// Ошибка отсутствия хотя бы одного товара в заказе.
	ErrItemsRequired = errors.New("order must contain at least one item")
	// Ошибка отрицательной суммы заказа.
	ErrAmountNegative = errors.New("total_cents must be non-negative")
	// Ошибка отсутствующего идентификатора товара в позиции.
	ErrProductIDRequired = errors.New("item product_id is required")
	// Ошибка при некорректном количестве товара (<= 0).
	ErrItemQtyInvalid = errors.New("item quantity must be greater than zero")
	// Ошибка, если цена позиции отрицательная.
	ErrItemPriceInvalid = errors.New("item price must be non-negative")
	// Ошибка несоответствия суммы заказа и сумм позиций.
	ErrAmountMismatch = errors.New("order total does not match items sum")
	// Ошибка отрицательной суммы платежа.
	ErrPaymentAmountNegative = errors.New("payment amount must be non-negative")
	// Ошибка отсутствующего идентификатора заказа в платежах/резервах.
	ErrOrderIDRequired = errors.New("order_id is required")
	// ErrMissingIdempotencyKey — входная команда без ключа идемпотентности.
	ErrMissingIdempotencyKey = errors.New("idempotency key is required")
	// ErrOrderNotFound возвращается, если заказ не найден в репозитории.
	ErrOrderNotFound = errors.New("order not found")
	// ErrVersionConflict сигнализирует о конфликте версий при сохранении.
	ErrVersionConflict = errors.New("version conflict")
	// ErrInvalidTransition — попытка недопустимого перехода статуса заказа.
	ErrInvalidTransition = errors.New("invalid order status transition")
)

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}

// Коды бизнес-отказов. Бизнес-отказ — легитимный исход шага саги: он не
// ретраится (кроме PAYMENT_PROVIDER_UNAVAILABLE) и ведёт к компенсации.
const (
	// BusinessInsufficientStock — на складе не хватает товара.
	BusinessInsufficientStock = "INSUFFICIENT_STOCK"
	// BusinessPaymentDeclined — провайдер отклонил списание.
	BusinessPaymentDeclined = "PAYMENT_DECLINED"
	// BusinessProviderUnavailable — размыкатель платёжного провайдера открыт.
	BusinessProviderUnavailable = "PAYMENT_PROVIDER_UNAVAILABLE"
)

// BusinessError — структурированный бизнес-отказ шага саги.
// Любая другая ошибка считается инфраструктурной и подлежит ретраю.
type BusinessError struct {
	Kind    string
	Message string
	// RetryAfter подсказывает клиенту время до следующей попытки;
	// заполняется только для PAYMENT_PROVIDER_UNAVAILABLE.
	RetryAfter time.Duration
}

func (e *BusinessError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewBusinessError создаёт бизнес-отказ с заданным кодом.
func NewBusinessError(kind, message string) *BusinessError {
	return &BusinessError{Kind: kind, Message: message}
}

// AsBusinessError извлекает бизнес-отказ из цепочки ошибок.
func AsBusinessError(err error) (*BusinessError, bool) {
	var be *BusinessError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}

// IsBusinessError сообщает, является ли ошибка бизнес-отказом.
func IsBusinessError(err error) bool {
	_, ok := AsBusinessError(err)
	return ok
}
