package domain

import "time"

// OrderEvent — неизменяемая запись журнала событий заказа.
// События внутри одного заказа тотально упорядочены по Seq.
type OrderEvent struct {
	OrderID string
	// Seq — монотонная последовательность с разрешением не хуже микросекунды.
	// Формируется как unix-микросекунды * 1000 + персистентный счётчик заказа,
	// поэтому уникальна даже при нескольких переходах в одну микросекунду.
	Seq int64
	// Status — статус заказа на момент события.
	Status OrderStatus
	// Metadata — произвольные детали перехода (причина отказа, id резерва и т.п.).
	Metadata   map[string]string
	OccurredAt time.Time
}
