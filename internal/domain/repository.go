package domain

import (
	"context"
	"errors"
)

// ErrInsufficientQuantity возвращается ProductRepository, когда условное
// списание не проходит по предикату "хватает стока".
var ErrInsufficientQuantity = errors.New("insufficient product quantity")

// OrderRepository управляет мета-записью заказа и его журналом событий.
type OrderRepository interface {
	// Create сохраняет новый заказ; существующий id — ошибка.
	Create(ctx context.Context, order *Order) error
	// Get возвращает заказ или ErrOrderNotFound.
	Get(ctx context.Context, orderID string) (*Order, error)
	// Save сохраняет заказ под оптимистичной блокировкой: запись проходит,
	// только если версия в хранилище равна order.Version; при успехе версия
	// инкрементируется. Конфликт — ErrVersionConflict.
	Save(ctx context.Context, order *Order) error
	// AppendEvent дописывает событие в журнал заказа, назначая монотонный
	// уникальный Seq, и возвращает записанное событие.
	AppendEvent(ctx context.Context, orderID string, status OrderStatus, metadata map[string]string) (OrderEvent, error)
	// Events возвращает журнал заказа в хронологическом порядке.
	Events(ctx context.Context, orderID string) ([]OrderEvent, error)
}

// ReservationRepository хранит складские резервы.
type ReservationRepository interface {
	Create(ctx context.Context, reservation *Reservation) error
	// Get возвращает резерв или ErrOrderNotFound-подобный kv.ErrNotFound,
	// транслированный реализацией в nil, false.
	Get(ctx context.Context, reservationID string) (*Reservation, bool, error)
	// MarkReleased переводит резерв в RELEASED.
	MarkReleased(ctx context.Context, reservationID string) error
}

// PaymentRepository хранит платежи.
type PaymentRepository interface {
	Create(ctx context.Context, payment *Payment) error
	Get(ctx context.Context, paymentID string) (*Payment, bool, error)
	// MarkRefunded переводит платёж в REFUNDED.
	MarkRefunded(ctx context.Context, paymentID string) error
}

// ProductRepository управляет складскими позициями.
type ProductRepository interface {
	// Put создаёт или перезаписывает позицию (сидирование каталога).
	Put(ctx context.Context, product *Product) error
	Get(ctx context.Context, productID string) (*Product, bool, error)
	// AdjustQuantity атомарно прибавляет delta к количеству. Отрицательная
	// delta проходит только при достаточном стоке, иначе
	// ErrInsufficientQuantity. Единственный путь мутации стока.
	AdjustQuantity(ctx context.Context, productID string, delta int64) error
}
