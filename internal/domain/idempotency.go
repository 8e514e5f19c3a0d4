package domain

import (
	"encoding/json"
	"time"
)

// IdempotencyStatus — состояние записи идемпотентности.
type IdempotencyStatus string

const (
	// IdempotencyStatusInFlight — ключ захвачен, операция выполняется.
	IdempotencyStatusInFlight IdempotencyStatus = "IN_FLIGHT"
	// IdempotencyStatusComplete — операция завершена, результат сохранён.
	IdempotencyStatusComplete IdempotencyStatus = "COMPLETE"
)

// IdempotencyRecord хранит захват ключа и, после завершения, сериализованный
// результат операции. Запись с истёкшим ExpiresAt семантически отсутствует.
type IdempotencyRecord struct {
	Key    string
	Status IdempotencyStatus
	// Result присутствует только в статусе COMPLETE.
	Result    json.RawMessage
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired сообщает, истекла ли запись к моменту now.
func (r *IdempotencyRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}
