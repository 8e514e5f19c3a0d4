// Package kafka — транспорт уведомлений и событий заказов поверх sarama.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderflow/internal/domain"
	"github.com/vladislavdragonenkov/orderflow/internal/service/notification"
)

// Producer публикует события в Kafka синхронно, с идемпотентностью брокера.
type Producer struct {
	producer sarama.SyncProducer
	logger   *log.Entry
}

// NewProducer создает producer, подключенный к brokers.
func NewProducer(brokers []string) (*Producer, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Idempotent = true
	// Идемпотентность брокера требует не более одного запроса в полёте.
	config.Net.MaxOpenRequests = 1

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	return &Producer{
		producer: producer,
		logger:   log.WithField("component", "kafka-producer"),
	}, nil
}

// PublishEvent сериализует событие в JSON и отправляет его в topic под key.
// Ключом служит order_id: события одного заказа попадают в одну партицию и
// сохраняют порядок.
func (p *Producer) PublishEvent(topic, key string, event interface{}) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic:     topic,
		Key:       sarama.StringEncoder(key),
		Value:     sarama.ByteEncoder(payload),
		Timestamp: time.Now(),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		p.logger.WithError(err).WithFields(log.Fields{
			"topic": topic,
			"key":   key,
		}).Error("failed to send message to kafka")
		return fmt.Errorf("send message: %w", err)
	}

	p.logger.WithFields(log.Fields{
		"topic":     topic,
		"key":       key,
		"partition": partition,
		"offset":    offset,
	}).Debug("message sent to kafka")

	return nil
}

// Close закрывает producer.
func (p *Producer) Close() error {
	if err := p.producer.Close(); err != nil {
		return fmt.Errorf("close kafka producer: %w", err)
	}
	return nil
}

// EnvelopePublisher адаптирует Producer под шаг уведомлений саги.
type EnvelopePublisher struct {
	producer *Producer
}

var _ notification.Publisher = (*EnvelopePublisher)(nil)

// NewEnvelopePublisher создает publisher конвертов уведомлений.
func NewEnvelopePublisher(producer *Producer) *EnvelopePublisher {
	return &EnvelopePublisher{producer: producer}
}

// Publish отправляет конверт в топик уведомлений. Доставка at-least-once:
// дедупликацию по order_id + notification_type выполняет потребитель.
func (p *EnvelopePublisher) Publish(ctx context.Context, envelope domain.NotificationEnvelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.producer.PublishEvent(TopicNotifications, envelope.OrderID, envelope)
}

// OrderEventPublisher транслирует переходы статусов заказа во внешний топик.
type OrderEventPublisher struct {
	producer *Producer
}

// NewOrderEventPublisher создает publisher событий заказов.
func NewOrderEventPublisher(producer *Producer) *OrderEventPublisher {
	return &OrderEventPublisher{producer: producer}
}

// Publish отправляет событие журнала заказа внешним подписчикам.
func (p *OrderEventPublisher) Publish(ctx context.Context, event domain.OrderEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.producer.PublishEvent(TopicOrderEvents, event.OrderID, event)
}
