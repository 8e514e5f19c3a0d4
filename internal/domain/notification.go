package domain

import "time"

// NotificationType — тип исходящего уведомления.
type NotificationType string

const (
	// NotificationOrderConfirmed — заказ подтверждён.
	NotificationOrderConfirmed NotificationType = "ORDER_CONFIRMED"
	// NotificationOrderFailed — заказ завершился отказом после компенсаций.
	NotificationOrderFailed NotificationType = "ORDER_FAILED"
)

// NotificationEnvelope — тело исходящего сообщения в шину.
// Доставка at-least-once: потребители обязаны дедуплицировать по паре
// order_id + notification_type.
type NotificationEnvelope struct {
	// NotificationID — идентификатор конверта, ключ идемпотентности публикации.
	NotificationID string           `json:"notification_id"`
	Type           NotificationType `json:"notification_type"`
	OrderID        string           `json:"order_id"`
	CustomerID     string           `json:"customer_id"`
	// TotalCents присутствует только в ORDER_CONFIRMED.
	TotalCents int64 `json:"total_cents,omitempty"`
	// ErrorReason присутствует только в ORDER_FAILED.
	ErrorReason string    `json:"error_reason,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
