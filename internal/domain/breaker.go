package domain

import "time"

// BreakerState — состояние размыкателя, разделяемое всеми процессами.
type BreakerState string

const (
	// BreakerClosed — вызовы проходят, подсчитываются подряд идущие отказы.
	BreakerClosed BreakerState = "CLOSED"
	// BreakerOpen — вызовы отклоняются без обращения к зависимости до ResetsAt.
	BreakerOpen BreakerState = "OPEN"
	// BreakerHalfOpen — пробные вызовы проходят, подсчитываются успехи.
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// BreakerRecord — персистентное состояние размыкателя в таблице circuit_breakers.
// Счётчики пишутся last-writer-wins: потерянные обновления допустимы, потому
// что счётчики монотонны в пределах окна, а пороги мягкие.
type BreakerRecord struct {
	Name         string
	State        BreakerState
	FailureCount int64
	SuccessCount int64
	// ResetsAt имеет смысл только в состоянии OPEN.
	ResetsAt  time.Time
	UpdatedAt time.Time
}
