package domain

import "context"

// InventoryService — порт складских шагов саги.
type InventoryService interface {
	// Reserve атомарно резервирует все позиции заказа и возвращает id резерва.
	// Нехватка стока возвращается как BusinessError INSUFFICIENT_STOCK; уже
	// списанные в этом же вызове позиции к этому моменту возвращены обратно.
	Reserve(ctx context.Context, orderID string, items []OrderItem) (string, error)
	// Release снимает резерв и возвращает сток. Идемпотентен: отсутствующий
	// или уже снятый резерв — успех.
	Release(ctx context.Context, reservationID string) error
}

// PaymentService — порт платёжных шагов саги.
type PaymentService interface {
	// Charge списывает средства через внешнего провайдера и возвращает id платежа.
	// Отказ провайдера — BusinessError PAYMENT_DECLINED; открытый размыкатель —
	// BusinessError PAYMENT_PROVIDER_UNAVAILABLE с подсказкой RetryAfter.
	Charge(ctx context.Context, orderID, customerID string, amountCents int64) (string, error)
	// Refund возвращает списание. Идемпотентен: отсутствующий платёж — успех.
	Refund(ctx context.Context, paymentID string) error
}

// Notifier — порт исходящих уведомлений. Отказ публикации не влияет на
// статус заказа: уведомления некритичны.
type Notifier interface {
	Notify(ctx context.Context, envelope NotificationEnvelope) error
}
