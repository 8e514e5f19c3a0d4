// Package kv определяет абстракцию линеаризуемого хранилища записей с
// составным ключом. Все примитивы согласованности рантайма (условные записи,
// оптимистичные версии, атомарные инкременты под предикатом) выражены через
// этот интерфейс, поэтому in-memory и postgres реализации взаимозаменяемы.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound — запись отсутствует (или её срок жизни истёк).
	ErrNotFound = errors.New("kv: item not found")
	// ErrPreconditionFailed — условная запись не прошла по предикату.
	ErrPreconditionFailed = errors.New("kv: precondition failed")
)

// Зарезервированные атрибуты записи.
const (
	// AttrVersion — счётчик версий для PutIfVersion.
	AttrVersion = "version"
	// AttrExpiresAt — абсолютное время жизни записи, RFC3339 UTC.
	// Запись с истёкшим сроком семантически отсутствует.
	AttrExpiresAt = "expires_at"
)

// Key — составной ключ записи. Таблицы с простым ключом используют пустой Sort.
type Key struct {
	Partition string
	Sort      string
}

// Item — запись как карта атрибутов. Значения — JSON-совместимые типы:
// string, int64, float64, bool, вложенные карты и срезы.
type Item map[string]any

// Delta — арифметическое изменение числового атрибута.
type Delta struct {
	Attr string
	Add  int64
}

// Cmp — оператор сравнения в условии.
type Cmp int

const (
	// CmpGTE — текущее значение атрибута >= Value.
	CmpGTE Cmp = iota
	// CmpEQ — текущее значение атрибута == Value.
	CmpEQ
)

// Condition — предикат над текущим значением числового атрибута.
type Condition struct {
	Attr  string
	Cmp   Cmp
	Value int64
}

// Store — линеаризуемое хранилище в пределах одного ключа.
// Гарантий между ключами нет, транзакций между таблицами нет.
type Store interface {
	// Get возвращает запись или ErrNotFound.
	Get(ctx context.Context, table string, key Key) (Item, error)

	// Put безусловно записывает item (last-writer-wins).
	Put(ctx context.Context, table string, key Key, item Item) error

	// PutIfAbsent записывает item, только если записи нет.
	// Существующая живая запись — ErrPreconditionFailed.
	PutIfAbsent(ctx context.Context, table string, key Key, item Item) error

	// PutIfVersion записывает item, только если текущий атрибут version
	// равен expected. Новое значение версии задаёт сам item. Несовпадение
	// или отсутствие записи — ErrPreconditionFailed.
	PutIfVersion(ctx context.Context, table string, key Key, item Item, expected int64) error

	// UpdateUnderPredicate атомарно применяет дельты к атрибутам, только
	// если все условия истинны над текущим состоянием записи. Нарушенное
	// условие — ErrPreconditionFailed, отсутствие записи — ErrNotFound.
	// Это примитив защиты от овер-селла.
	UpdateUnderPredicate(ctx context.Context, table string, key Key, deltas []Delta, conds []Condition) error

	// Delete удаляет запись; отсутствие записи не является ошибкой.
	Delete(ctx context.Context, table string, key Key) error

	// QueryPrefix возвращает все записи раздела, чей Sort начинается с
	// prefix, в порядке возрастания Sort.
	QueryPrefix(ctx context.Context, table string, partition, prefix string) ([]Item, error)

	// SetExpiry назначает записи абсолютное время жизни.
	SetExpiry(ctx context.Context, table string, key Key, at time.Time) error
}

// ExpiredSweeper реализуется хранилищами, умеющими физически удалять
// истёкшие записи пачками. Используется фоновой очисткой идемпотентности.
type ExpiredSweeper interface {
	// DeleteExpired удаляет до limit записей таблицы, истёкших до before,
	// и возвращает число удалённых.
	DeleteExpired(ctx context.Context, table string, before time.Time, limit int) (int, error)
}

// AsInt64 приводит числовые представления атрибута к int64. JSON-декодер
// отдаёт числа как float64, in-memory хранилище — как int64; вызывающие не
// должны зависеть от backend-а.
func AsInt64(value any) (int64, bool) {
	switch v := value.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	default:
		return 0, false
	}
}

// AsString приводит атрибут к строке; отсутствие и иной тип дают "".
func AsString(value any) string {
	s, _ := value.(string)
	return s
}

// ExpiredAt сообщает, истекла ли запись к моменту now по атрибуту expires_at.
func ExpiredAt(item Item, now time.Time) bool {
	raw, ok := item[AttrExpiresAt].(string)
	if !ok || raw == "" {
		return false
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return false
	}
	return !now.Before(at)
}
