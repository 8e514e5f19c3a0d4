package app

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderflow/internal/breaker"
	"github.com/vladislavdragonenkov/orderflow/internal/config"
	"github.com/vladislavdragonenkov/orderflow/internal/domain"
	"github.com/vladislavdragonenkov/orderflow/internal/health"
	"github.com/vladislavdragonenkov/orderflow/internal/idempotency"
	"github.com/vladislavdragonenkov/orderflow/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/orderflow/internal/metrics"
	"github.com/vladislavdragonenkov/orderflow/internal/service/inventory"
	"github.com/vladislavdragonenkov/orderflow/internal/service/notification"
	"github.com/vladislavdragonenkov/orderflow/internal/service/order"
	"github.com/vladislavdragonenkov/orderflow/internal/service/payment"
	"github.com/vladislavdragonenkov/orderflow/internal/service/saga"
	"github.com/vladislavdragonenkov/orderflow/internal/storage/keyed"
	"github.com/vladislavdragonenkov/orderflow/internal/storage/kv"
	"github.com/vladislavdragonenkov/orderflow/internal/storage/memory"
	"github.com/vladislavdragonenkov/orderflow/internal/storage/postgres"
	"github.com/vladislavdragonenkov/orderflow/internal/version"
)

// Dependencies содержит собранный граф компонентов сервиса.
type Dependencies struct {
	Store    kv.Store
	Postgres *postgres.Store

	Orders       *keyed.OrderRepository
	Products     *keyed.ProductRepository
	Reservations *keyed.ReservationRepository
	Payments     *keyed.PaymentRepository

	Registry *idempotency.Registry
	Cleanup  *idempotency.CleanupWorker
	Breaker  *breaker.Breaker

	InventorySvc    domain.InventoryService
	PaymentProvider *payment.MockProvider
	PaymentSvc      domain.PaymentService
	Notifier        domain.Notifier

	Producer *kafka.Producer
	Consumer *kafka.NotificationConsumer

	Orchestrator *saga.Orchestrator
	Runner       *saga.Runner
	OrderSvc     *order.Service

	Health *health.Handler
	Logger *log.Entry
}

// NewDependencies собирает граф по конфигурации: выбирает бэкенд
// хранилища, опционально подключает Kafka и связывает сервисы саги.
// NOTE: платёжный провайдер здесь mock; в production его заменяет клиент
// реального провайдера, реализующий payment.Provider.
func NewDependencies(ctx context.Context, cfg config.Config, logger *log.Entry) (*Dependencies, error) {
	if logger == nil {
		logger = log.WithField("component", "app")
	}
	deps := &Dependencies{Logger: logger}

	switch cfg.Storage.Backend {
	case "postgres":
		pg, err := postgres.Open(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		deps.Postgres = pg
		deps.Store = pg
		logger.Info("using postgres keyed store")
	default:
		deps.Store = memory.NewStore()
		logger.Info("using in-memory keyed store")
	}

	deps.Orders = keyed.NewOrderRepository(deps.Store)
	deps.Products = keyed.NewProductRepository(deps.Store)
	deps.Reservations = keyed.NewReservationRepository(deps.Store)
	deps.Payments = keyed.NewPaymentRepository(deps.Store)

	deps.Registry = idempotency.NewRegistry(deps.Store, cfg.Idempotency.TTL.Std(), logger)
	if sweeper, ok := deps.Store.(kv.ExpiredSweeper); ok {
		deps.Cleanup = idempotency.NewCleanupWorker(sweeper,
			idempotency.WithLogger(logger),
			idempotency.WithInterval(cfg.Idempotency.CleanupInterval.Std()),
			idempotency.WithBatchSize(cfg.Idempotency.CleanupBatch),
		)
	}

	deps.Breaker = breaker.New(deps.Store, "payment-provider", breaker.Config{
		FailureThreshold: int64(cfg.Breaker.FailureThreshold),
		SuccessThreshold: int64(cfg.Breaker.SuccessThreshold),
		Timeout:          cfg.Breaker.Timeout.Std(),
	}, nil, logger)

	deps.InventorySvc = inventory.NewService(deps.Products, deps.Reservations, deps.Registry, logger)
	deps.PaymentProvider = payment.NewMockProvider()
	deps.PaymentSvc = payment.NewService(deps.PaymentProvider, deps.Payments, deps.Registry, deps.Breaker, logger)

	var publisher notification.Publisher
	if cfg.Kafka.Enabled() {
		producer, err := kafka.NewProducer(cfg.Kafka.Brokers)
		if err != nil {
			return nil, fmt.Errorf("create kafka producer: %w", err)
		}
		deps.Producer = producer
		publisher = kafka.NewEnvelopePublisher(producer)
		logger.WithField("brokers", cfg.Kafka.Brokers).Info("kafka producer initialized")

		consumer, err := kafka.NewNotificationConsumer(
			cfg.Kafka.Brokers,
			cfg.Kafka.GroupID,
			deliveryHandler(logger),
			kafka.NewDeduplicator(deps.Store),
			producer,
			cfg.Kafka.MaxRetries,
		)
		if err != nil {
			return nil, fmt.Errorf("create kafka consumer: %w", err)
		}
		deps.Consumer = consumer
	} else {
		publisher = notification.NewMemoryPublisher()
		logger.Info("kafka disabled, notifications stay in-process")
	}
	deps.Notifier = notification.NewService(publisher, deps.Registry, logger)

	deps.Orchestrator = saga.NewOrchestrator(
		deps.Orders,
		deps.InventorySvc,
		deps.PaymentSvc,
		deps.Notifier,
		saga.Config{
			SagaTimeout:       cfg.Saga.Timeout.Std(),
			StepTimeout:       cfg.Saga.StepTimeout.Std(),
			RetryInitialDelay: cfg.Saga.RetryInitialDelay.Std(),
			RetryMaxDelay:     cfg.Saga.RetryMaxDelay.Std(),
			RetryMaxAttempts:  cfg.Saga.RetryMaxAttempts,
		},
		metrics.NewSagaMetrics(),
		logger,
	)
	deps.Runner = saga.NewRunner(deps.Orchestrator, cfg.Saga.Workers, cfg.Saga.QueueSize, logger)
	deps.OrderSvc = order.NewService(deps.Orders, deps.Registry, deps.Runner, logger)

	deps.Health = health.NewHandler(version.String())
	if deps.Postgres != nil {
		deps.Health.RegisterChecker("postgres", health.NewPingChecker("postgres", 2*time.Second, deps.Postgres.Ping))
	}

	return deps, nil
}

// deliveryHandler — конечная доставка уведомления получателю. Здесь только
// лог: email и push каналы живут в отдельных сервисах.
func deliveryHandler(logger *log.Entry) kafka.NotificationHandler {
	return func(_ context.Context, envelope domain.NotificationEnvelope) error {
		logger.WithFields(log.Fields{
			"order_id":          envelope.OrderID,
			"notification_type": envelope.Type,
		}).Info("notification delivered")
		return nil
	}
}

// Close освобождает внешние ресурсы в обратном порядке создания.
func (d *Dependencies) Close() {
	if d.Runner != nil {
		d.Runner.Stop()
	}
	if d.Consumer != nil {
		if err := d.Consumer.Stop(); err != nil {
			d.Logger.WithError(err).Warn("failed to stop kafka consumer")
		}
	}
	if d.Producer != nil {
		if err := d.Producer.Close(); err != nil {
			d.Logger.WithError(err).Warn("failed to close kafka producer")
		}
	}
	if d.Postgres != nil {
		if err := d.Postgres.Close(); err != nil {
			d.Logger.WithError(err).Warn("failed to close postgres")
		}
	}
}
