// Package breaker реализует размыкатель с разделяемым состоянием: счётчики
// и состояние живут в kv-хранилище, поэтому отказ зависимости, замеченный
// одним процессом, немедленно виден всем остальным исполнителям.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderflow/internal/domain"
	"github.com/vladislavdragonenkov/orderflow/internal/storage/kv"
)

// Table — таблица состояний размыкателей.
const Table = "circuit_breakers"

var (
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orderflow_breaker_transitions_total",
		Help: "Total number of circuit breaker state transitions.",
	}, []string{"name", "to"})
	rejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orderflow_breaker_rejections_total",
		Help: "Total number of calls rejected by an open circuit breaker.",
	}, []string{"name"})
)

// OpenError возвращается вместо вызова зависимости, пока размыкатель открыт.
type OpenError struct {
	Name     string
	ResetsAt time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open until %s", e.Name, e.ResetsAt.Format(time.RFC3339))
}

// IsOpen извлекает OpenError из цепочки ошибок.
func IsOpen(err error) (*OpenError, bool) {
	var oe *OpenError
	if errors.As(err, &oe) {
		return oe, true
	}
	return nil, false
}

// Config — пороги и таймаут размыкателя.
type Config struct {
	// FailureThreshold — число подряд идущих отказов до размыкания.
	FailureThreshold int64
	// SuccessThreshold — число успешных проб до полного замыкания.
	SuccessThreshold int64
	// Timeout — время в OPEN до допуска пробного вызова.
	Timeout time.Duration
}

// DefaultConfig — пороги по умолчанию.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// Classifier решает, считать ли ошибку отказом зависимости.
// Политика классификации — явный параметр конструктора.
type Classifier func(error) bool

// DefaultClassifier считает отказом любую ошибку, кроме бизнес-отказов:
// отклонённый платёж — легитимный ответ провайдера, а не его недоступность.
func DefaultClassifier(err error) bool {
	return err != nil && !domain.IsBusinessError(err)
}

// Breaker — размыкатель с состоянием в kv-хранилище. Шаги протокола не
// атомарны между процессами: потерянные обновления счётчиков допустимы,
// строго гарантируется только отклонение вызовов при видимом OPEN.
type Breaker struct {
	store    kv.Store
	name     string
	cfg      Config
	classify Classifier
	logger   *log.Entry
	now      func() time.Time
}

// New создаёт размыкатель с именем name. Нулевые поля cfg заменяются
// значениями по умолчанию; nil classifier — DefaultClassifier.
func New(store kv.Store, name string, cfg Config, classify Classifier, logger *log.Entry) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if classify == nil {
		classify = DefaultClassifier
	}
	if logger == nil {
		logger = log.WithField("component", "circuit-breaker")
	}
	return &Breaker{
		store:    store,
		name:     name,
		cfg:      cfg,
		classify: classify,
		logger:   logger.WithField("breaker", name),
		now:      time.Now,
	}
}

// Name возвращает имя размыкателя.
func (b *Breaker) Name() string {
	return b.name
}

// Execute пропускает fn через размыкатель. Открытое состояние отклоняет
// вызов с OpenError, не трогая fn; результат вызова классифицируется и
// записывается в разделяемое состояние.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	record, err := b.admit(ctx)
	if err != nil {
		return err
	}

	callErr := fn(ctx)
	if b.classify(callErr) {
		if recErr := b.recordFailure(ctx, record); recErr != nil {
			b.logger.WithError(recErr).Warn("failed to record breaker failure")
		}
		return callErr
	}
	if callErr == nil {
		if recErr := b.recordSuccess(ctx, record); recErr != nil {
			b.logger.WithError(recErr).Warn("failed to record breaker success")
		}
	}
	// Бизнес-отказ не меняет состояние размыкателя.
	return callErr
}

// State возвращает текущее персистентное состояние.
func (b *Breaker) State(ctx context.Context) (domain.BreakerRecord, error) {
	return b.load(ctx)
}

// ForceOpen принудительно размыкает breaker на cfg.Timeout (учения, failover).
func (b *Breaker) ForceOpen(ctx context.Context) error {
	now := b.now().UTC()
	record := domain.BreakerRecord{
		Name:     b.name,
		State:    domain.BreakerOpen,
		ResetsAt: now.Add(b.cfg.Timeout),
	}
	if err := b.put(ctx, record); err != nil {
		return err
	}
	transitionsTotal.WithLabelValues(b.name, string(domain.BreakerOpen)).Inc()
	b.logger.WithField("resets_at", record.ResetsAt).Warn("breaker forced open")
	return nil
}

// ForceClosed принудительно замыкает breaker и обнуляет счётчики.
func (b *Breaker) ForceClosed(ctx context.Context) error {
	if err := b.put(ctx, domain.BreakerRecord{Name: b.name, State: domain.BreakerClosed}); err != nil {
		return err
	}
	transitionsTotal.WithLabelValues(b.name, string(domain.BreakerClosed)).Inc()
	b.logger.Info("breaker forced closed")
	return nil
}

// admit решает, допускать ли вызов, и возвращает наблюдённое состояние.
func (b *Breaker) admit(ctx context.Context) (domain.BreakerRecord, error) {
	record, err := b.load(ctx)
	if err != nil {
		return record, err
	}

	if record.State == domain.BreakerOpen {
		now := b.now().UTC()
		if now.Before(record.ResetsAt) {
			rejectionsTotal.WithLabelValues(b.name).Inc()
			return record, &OpenError{Name: b.name, ResetsAt: record.ResetsAt}
		}
		// Таймаут истёк: переходим в HALF_OPEN и пропускаем пробу.
		record = domain.BreakerRecord{Name: b.name, State: domain.BreakerHalfOpen}
		if err := b.put(ctx, record); err != nil {
			return record, err
		}
		transitionsTotal.WithLabelValues(b.name, string(domain.BreakerHalfOpen)).Inc()
		b.logger.Info("breaker half-open, admitting probe")
	}
	return record, nil
}

func (b *Breaker) recordFailure(ctx context.Context, observed domain.BreakerRecord) error {
	switch observed.State {
	case domain.BreakerHalfOpen:
		// Проба провалилась: открываемся заново на полный таймаут.
		return b.trip(ctx)
	default:
		failures := observed.FailureCount + 1
		if failures >= b.cfg.FailureThreshold {
			return b.trip(ctx)
		}
		record := observed
		record.FailureCount = failures
		record.SuccessCount = 0
		return b.put(ctx, record)
	}
}

func (b *Breaker) recordSuccess(ctx context.Context, observed domain.BreakerRecord) error {
	switch observed.State {
	case domain.BreakerHalfOpen:
		successes := observed.SuccessCount + 1
		if successes >= b.cfg.SuccessThreshold {
			if err := b.put(ctx, domain.BreakerRecord{Name: b.name, State: domain.BreakerClosed}); err != nil {
				return err
			}
			transitionsTotal.WithLabelValues(b.name, string(domain.BreakerClosed)).Inc()
			b.logger.Info("breaker closed after successful probes")
			return nil
		}
		record := observed
		record.SuccessCount = successes
		return b.put(ctx, record)
	default:
		if observed.FailureCount == 0 {
			return nil
		}
		record := observed
		record.FailureCount = 0
		return b.put(ctx, record)
	}
}

// trip переводит размыкатель в OPEN до now+Timeout.
func (b *Breaker) trip(ctx context.Context) error {
	now := b.now().UTC()
	record := domain.BreakerRecord{
		Name:     b.name,
		State:    domain.BreakerOpen,
		ResetsAt: now.Add(b.cfg.Timeout),
	}
	if err := b.put(ctx, record); err != nil {
		return err
	}
	transitionsTotal.WithLabelValues(b.name, string(domain.BreakerOpen)).Inc()
	b.logger.WithField("resets_at", record.ResetsAt).Warn("breaker opened")
	return nil
}

// load читает состояние; отсутствие записи эквивалентно CLOSED без отказов.
func (b *Breaker) load(ctx context.Context) (domain.BreakerRecord, error) {
	item, err := b.store.Get(ctx, Table, kv.Key{Partition: b.name})
	if errors.Is(err, kv.ErrNotFound) {
		return domain.BreakerRecord{Name: b.name, State: domain.BreakerClosed}, nil
	}
	if err != nil {
		return domain.BreakerRecord{}, fmt.Errorf("load breaker state: %w", err)
	}

	record := domain.BreakerRecord{
		Name:  b.name,
		State: domain.BreakerState(kv.AsString(item["circuit_state"])),
	}
	record.FailureCount, _ = kv.AsInt64(item["failure_count"])
	record.SuccessCount, _ = kv.AsInt64(item["success_count"])
	if raw := kv.AsString(item["resets_at"]); raw != "" {
		if at, parseErr := time.Parse(time.RFC3339Nano, raw); parseErr == nil {
			record.ResetsAt = at
		}
	}
	if record.State == "" {
		record.State = domain.BreakerClosed
	}
	return record, nil
}

// put пишет состояние last-writer-wins.
func (b *Breaker) put(ctx context.Context, record domain.BreakerRecord) error {
	item := kv.Item{
		"name":          b.name,
		"circuit_state": string(record.State),
		"failure_count": record.FailureCount,
		"success_count": record.SuccessCount,
		"updated_at":    b.now().UTC().Format(time.RFC3339Nano),
	}
	if !record.ResetsAt.IsZero() {
		item["resets_at"] = record.ResetsAt.UTC().Format(time.RFC3339Nano)
	}
	if err := b.store.Put(ctx, Table, kv.Key{Partition: b.name}, item); err != nil {
		return fmt.Errorf("store breaker state: %w", err)
	}
	return nil
}
