package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderflow/internal/domain"
	"github.com/vladislavdragonenkov/orderflow/internal/storage/kv"
)

const (
	dedupTable = "notification_dedup"
	// Конверт с тем же order_id и типом в этом окне считается дубликатом.
	dedupTTL = 24 * time.Hour
)

// NotificationHandler доставляет конверт конечному получателю (email, push).
type NotificationHandler func(ctx context.Context, envelope domain.NotificationEnvelope) error

// NotificationConsumer читает топик уведомлений, дедуплицирует конверты по
// order_id + notification_type и отдает новые конверты обработчику.
// Сообщения, исчерпавшие попытки обработки, уходят в DLQ.
type NotificationConsumer struct {
	group      sarama.ConsumerGroup
	handler    NotificationHandler
	dedup      *Deduplicator
	dlq        *Producer
	maxRetries int
	logger     *log.Entry
	wg         sync.WaitGroup
}

// NewNotificationConsumer создает consumer группы groupID.
// dlq может быть nil: тогда необработанные сообщения остаются в топике.
func NewNotificationConsumer(
	brokers []string,
	groupID string,
	handler NotificationHandler,
	dedup *Deduplicator,
	dlq *Producer,
	maxRetries int,
) (*NotificationConsumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.Strategy = sarama.NewBalanceStrategyRoundRobin()
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer group: %w", err)
	}

	return &NotificationConsumer{
		group:      group,
		handler:    handler,
		dedup:      dedup,
		dlq:        dlq,
		maxRetries: maxRetries,
		logger:     log.WithField("component", "notification-consumer"),
	}, nil
}

// Start запускает потребление в фоне до отмены ctx.
func (c *NotificationConsumer) Start(ctx context.Context) error {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			// Consume возвращается при rebalance, поэтому вызывается в цикле.
			if err := c.group.Consume(ctx, []string{TopicNotifications}, c); err != nil {
				c.logger.WithError(err).Error("error from consumer")
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for err := range c.group.Errors() {
			c.logger.WithError(err).Error("consumer error")
		}
	}()

	c.logger.WithField("topic", TopicNotifications).Info("notification consumer started")
	return nil
}

// Stop останавливает consumer и дожидается фоновых горутин.
func (c *NotificationConsumer) Stop() error {
	if err := c.group.Close(); err != nil {
		return fmt.Errorf("close kafka consumer group: %w", err)
	}
	c.wg.Wait()
	c.logger.Info("notification consumer stopped")
	return nil
}

// Setup вызывается при старте consumer session.
func (c *NotificationConsumer) Setup(sarama.ConsumerGroupSession) error { return nil }

// Cleanup вызывается при завершении consumer session.
func (c *NotificationConsumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim обрабатывает сообщения одной партиции.
func (c *NotificationConsumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message := <-claim.Messages():
			if message == nil {
				return nil
			}
			if err := c.handleWithRetry(session.Context(), message); err != nil {
				c.logger.WithError(err).WithFields(log.Fields{
					"topic":     message.Topic,
					"partition": message.Partition,
					"offset":    message.Offset,
				}).Error("message processing failed after all retries")
				// Не маркируем: сообщение будет переработано или уже в DLQ.
				continue
			}
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

func (c *NotificationConsumer) handleWithRetry(ctx context.Context, message *sarama.ConsumerMessage) error {
	err := c.process(ctx, message)
	if err == nil {
		return nil
	}

	retryCount := retryCountOf(message)
	if retryCount < c.maxRetries {
		c.logger.WithError(err).WithFields(log.Fields{
			"retry_count": retryCount,
			"max_retries": c.maxRetries,
		}).Warn("notification processing failed, will retry")
		return err
	}

	if c.dlq != nil {
		if dlqErr := c.sendToDLQ(message, err); dlqErr != nil {
			return fmt.Errorf("send to DLQ: %w", dlqErr)
		}
		c.logger.WithFields(log.Fields{
			"offset":      message.Offset,
			"retry_count": retryCount,
		}).Info("notification sent to DLQ after max retries")
		return nil
	}
	return err
}

func (c *NotificationConsumer) process(ctx context.Context, message *sarama.ConsumerMessage) error {
	envelope, err := ParseEnvelope(message)
	if err != nil {
		// Битый payload повторять бессмысленно, сразу в DLQ.
		if c.dlq != nil {
			return c.sendToDLQ(message, err)
		}
		return err
	}

	duplicate, err := c.dedup.Seen(ctx, *envelope)
	if err != nil {
		return fmt.Errorf("dedup check: %w", err)
	}
	if duplicate {
		c.logger.WithFields(log.Fields{
			"order_id":          envelope.OrderID,
			"notification_type": envelope.Type,
		}).Debug("duplicate notification skipped")
		return nil
	}

	return c.handler(ctx, *envelope)
}

func (c *NotificationConsumer) sendToDLQ(message *sarama.ConsumerMessage, processingErr error) error {
	dlqMessage := map[string]interface{}{
		"original_topic":     message.Topic,
		"original_partition": message.Partition,
		"original_offset":    message.Offset,
		"original_key":       string(message.Key),
		"original_value":     string(message.Value),
		"error_message":      processingErr.Error(),
		"failed_at":          time.Now().UTC().Format(time.RFC3339),
		"retry_count":        retryCountOf(message),
	}
	return c.dlq.PublishEvent(TopicDeadLetterQueue, string(message.Key), dlqMessage)
}

func retryCountOf(message *sarama.ConsumerMessage) int {
	for _, header := range message.Headers {
		if string(header.Key) == HeaderRetryCount {
			if count, err := strconv.Atoi(string(header.Value)); err == nil {
				return count
			}
		}
	}
	return 0
}

// ParseEnvelope разбирает конверт уведомления из сообщения.
func ParseEnvelope(message *sarama.ConsumerMessage) (*domain.NotificationEnvelope, error) {
	var envelope domain.NotificationEnvelope
	if err := json.Unmarshal(message.Value, &envelope); err != nil {
		return nil, fmt.Errorf("unmarshal notification envelope: %w", err)
	}
	return &envelope, nil
}

// Deduplicator отсеивает повторные конверты. Шина доставляет at-least-once,
// потребитель обязан быть идемпотентным: первый конверт для пары
// order_id + notification_type захватывает запись, остальные — дубликаты.
type Deduplicator struct {
	store kv.Store
	ttl   time.Duration
	now   func() time.Time
}

// NewDeduplicator создает дедупликатор поверх kv-хранилища.
func NewDeduplicator(store kv.Store) *Deduplicator {
	return &Deduplicator{store: store, ttl: dedupTTL, now: time.Now}
}

// Seen атомарно регистрирует конверт и сообщает, встречался ли он раньше.
func (d *Deduplicator) Seen(ctx context.Context, envelope domain.NotificationEnvelope) (bool, error) {
	key := kv.Key{
		Partition: "NOTIF#" + envelope.OrderID,
		Sort:      string(envelope.Type),
	}
	now := d.now().UTC()
	item := kv.Item{
		"notification_id": envelope.NotificationID,
		"seen_at":         now.Format(time.RFC3339Nano),
		kv.AttrExpiresAt:  now.Add(d.ttl).Format(time.RFC3339Nano),
	}

	err := d.store.PutIfAbsent(ctx, dedupTable, key, item)
	if err == nil {
		return false, nil
	}
	if errors.Is(err, kv.ErrPreconditionFailed) {
		return true, nil
	}
	return false, err
}
