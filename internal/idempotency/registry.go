// Package idempotency реализует реестр at-most-once исполнения: любая
// операция, завёрнутая в Do с логическим ключом, выполняется не более
// одного раза за TTL, а повторные вызовы получают сохранённый результат.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderflow/internal/domain"
	"github.com/vladislavdragonenkov/orderflow/internal/storage/kv"
)

// Table — таблица записей идемпотентности в kv-хранилище.
const Table = "idempotency"

// DefaultTTL — срок жизни записи по умолчанию. Истёкшая запись семантически
// отсутствует, поэтому после TTL операция может выполниться повторно; это
// осознанный компромисс восстановления после падения между шагами.
const DefaultTTL = 24 * time.Hour

var (
	// ErrInProgress — ключ захвачен другим исполнителем; вызывающий должен
	// отступить и повторить позже.
	ErrInProgress = errors.New("operation with this idempotency key is in progress")
	// ErrInvalidState — запись в неизвестном состоянии; указывает на порчу данных.
	ErrInvalidState = errors.New("idempotency record is in invalid state")
)

// Thunk — единица работы под защитой реестра. Результат сериализуется
// канонично: одна и та же структура результата даёт байт-в-байт одинаковый
// JSON при повторном чтении.
type Thunk func(ctx context.Context) (json.RawMessage, error)

// Registry — реестр идемпотентности поверх kv.Store.
type Registry struct {
	store  kv.Store
	ttl    time.Duration
	logger *log.Entry
	now    func() time.Time
}

// NewRegistry создаёт реестр. ttl <= 0 заменяется на DefaultTTL.
func NewRegistry(store kv.Store, ttl time.Duration, logger *log.Entry) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = log.WithField("component", "idempotency-registry")
	}
	return &Registry{store: store, ttl: ttl, logger: logger, now: time.Now}
}

// Do выполняет fn не более одного раза на key. Протокол захвата:
//  1. условная вставка записи IN_FLIGHT;
//  2. при успехе — выполнение fn; результат записывается как COMPLETE,
//     ошибка удаляет захват, чтобы повтор мог выполнить операцию заново;
//  3. при проигрыше вставки — чтение записи: COMPLETE отдаёт сохранённый
//     результат, IN_FLIGHT — ErrInProgress.
func (r *Registry) Do(ctx context.Context, key string, fn Thunk) (json.RawMessage, error) {
	if key == "" {
		return nil, domain.ErrMissingIdempotencyKey
	}

	for {
		now := r.now().UTC()
		claim := kv.Item{
			"key":            key,
			"status":         string(domain.IdempotencyStatusInFlight),
			"created_at":     now.Format(time.RFC3339Nano),
			kv.AttrExpiresAt: now.Add(r.ttl).Format(time.RFC3339Nano),
		}

		err := r.store.PutIfAbsent(ctx, Table, kv.Key{Partition: key}, claim)
		if err == nil {
			return r.execute(ctx, key, claim, fn)
		}
		if !errors.Is(err, kv.ErrPreconditionFailed) {
			return nil, fmt.Errorf("claim idempotency key: %w", err)
		}

		item, err := r.store.Get(ctx, Table, kv.Key{Partition: key})
		if errors.Is(err, kv.ErrNotFound) {
			// Запись исчезла между вставкой и чтением: проигравшая попытка
			// была стёрта ошибкой исполнителя либо истёк TTL. Захватываем заново.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read idempotency record: %w", err)
		}

		switch domain.IdempotencyStatus(kv.AsString(item["status"])) {
		case domain.IdempotencyStatusComplete:
			return json.RawMessage(kv.AsString(item["result"])), nil
		case domain.IdempotencyStatusInFlight:
			return nil, ErrInProgress
		default:
			return nil, ErrInvalidState
		}
	}
}

func (r *Registry) execute(ctx context.Context, key string, claim kv.Item, fn Thunk) (json.RawMessage, error) {
	result, err := fn(ctx)
	if err != nil {
		// Захват снимается при любой ошибке: и бизнес-отказ, и
		// инфраструктурный сбой оставляют ключ свободным для повтора.
		if delErr := r.store.Delete(ctx, Table, kv.Key{Partition: key}); delErr != nil {
			r.logger.WithError(delErr).WithField("key", key).
				Error("failed to release idempotency claim")
		}
		return nil, err
	}

	complete := kv.Item{
		"key":            key,
		"status":         string(domain.IdempotencyStatusComplete),
		"result":         string(result),
		"created_at":     claim["created_at"],
		kv.AttrExpiresAt: claim[kv.AttrExpiresAt],
	}
	if err := r.store.Put(ctx, Table, kv.Key{Partition: key}, complete); err != nil {
		return nil, fmt.Errorf("persist idempotency result: %w", err)
	}
	return result, nil
}
