package domain

// SagaContext протаскивается через шаги саги одного заказа. Каждый шаг чист
// относительно контекста и внешнего хранилища: дописывает свои выходные поля
// и возвращает обновлённый контекст.
type SagaContext struct {
	OrderID       string
	CustomerID    string
	CorrelationID string
	TotalCents    int64
	Items         []OrderItem

	// ReservationID заполняется шагом Reserve.
	ReservationID string
	// PaymentID заполняется шагом Charge.
	PaymentID string
	// LastError — причина входа в компенсацию, попадает в уведомление об отказе.
	LastError string
}
