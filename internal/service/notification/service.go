// Package notification реализует шаг уведомлений: публикацию конвертов в
// шину сообщений. Шаг некритичен: его отказ логируется, но не влияет на
// статус заказа.
package notification

import (
	"context"
	"encoding/json"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderflow/internal/domain"
	"github.com/vladislavdragonenkov/orderflow/internal/idempotency"
)

// Publisher — транспорт исходящих конвертов (kafka или in-memory).
type Publisher interface {
	Publish(ctx context.Context, envelope domain.NotificationEnvelope) error
}

type notifyResult struct{}

// Service — исполнитель шага Notify.
type Service struct {
	publisher Publisher
	registry  *idempotency.Registry
	logger    *log.Entry
}

var _ domain.Notifier = (*Service)(nil)

// NewService создаёт сервис уведомлений.
func NewService(publisher Publisher, registry *idempotency.Registry, logger *log.Entry) *Service {
	if logger == nil {
		logger = log.WithField("component", "notification-service")
	}
	return &Service{publisher: publisher, registry: registry, logger: logger}
}

// Notify публикует конверт не более одного раза на notification_id.
// Доставка остаётся at-least-once на уровне шины; потребители дедуплицируют
// по order_id + notification_type.
func (s *Service) Notify(ctx context.Context, envelope domain.NotificationEnvelope) error {
	_, err := s.registry.Do(ctx, "notify-"+envelope.NotificationID, func(ctx context.Context) (json.RawMessage, error) {
		if err := s.publisher.Publish(ctx, envelope); err != nil {
			return nil, err
		}
		s.logger.WithFields(log.Fields{
			"order_id":          envelope.OrderID,
			"notification_type": envelope.Type,
		}).Info("notification published")
		return json.Marshal(notifyResult{})
	})
	return err
}

// MemoryPublisher накапливает конверты в памяти; используется тестами и
// локальным запуском без Kafka.
type MemoryPublisher struct {
	mu        sync.Mutex
	envelopes []domain.NotificationEnvelope
}

var _ Publisher = (*MemoryPublisher)(nil)

// NewMemoryPublisher создаёт пустой накопитель конвертов.
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

// Publish сохраняет конверт.
func (p *MemoryPublisher) Publish(_ context.Context, envelope domain.NotificationEnvelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.envelopes = append(p.envelopes, envelope)
	return nil
}

// Envelopes возвращает копию накопленных конвертов.
func (p *MemoryPublisher) Envelopes() []domain.NotificationEnvelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.NotificationEnvelope, len(p.envelopes))
	copy(out, p.envelopes)
	return out
}
