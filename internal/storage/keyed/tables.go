// Package keyed реализует доменные репозитории поверх kv.Store. Один и тот
// же код работает и с in-memory хранилищем, и с postgres.
package keyed

import (
	"time"

	"github.com/vladislavdragonenkov/orderflow/internal/storage/kv"
)

// Имена таблиц хранилища.
const (
	TableOrders       = "orders"
	TableInventory    = "inventory"
	TableReservations = "reservations"
	TablePayments     = "payments"
)

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(value any) time.Time {
	raw := kv.AsString(value)
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}
