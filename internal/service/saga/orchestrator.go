// Package saga координирует размещение заказа: прямой проход
// Reserve -> Charge -> Confirm -> Notify и компенсацию в обратном порядке
// пройденного префикса при отказе любого шага.
package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderflow/internal/domain"
	"github.com/vladislavdragonenkov/orderflow/internal/metrics"
)

const (
	statusMaxRetries = 3
	statusBaseDelay  = 10 * time.Millisecond
)

// Config — тайминги и политика повторов саги.
type Config struct {
	// SagaTimeout ограничивает сагу целиком, включая повторы шагов.
	SagaTimeout time.Duration
	// StepTimeout ограничивает одну попытку одного шага.
	StepTimeout time.Duration

	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
	RetryMaxAttempts  int
	RetryJitter       float64
}

// DefaultConfig возвращает продакшен-значения таймингов.
func DefaultConfig() Config {
	return Config{
		SagaTimeout:       5 * time.Minute,
		StepTimeout:       30 * time.Second,
		RetryInitialDelay: 100 * time.Millisecond,
		RetryMaxDelay:     5 * time.Second,
		RetryMaxAttempts:  3,
		RetryJitter:       0.2,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SagaTimeout <= 0 {
		c.SagaTimeout = d.SagaTimeout
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = d.StepTimeout
	}
	if c.RetryInitialDelay <= 0 {
		c.RetryInitialDelay = d.RetryInitialDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = d.RetryMaxDelay
	}
	if c.RetryMaxAttempts <= 0 {
		c.RetryMaxAttempts = d.RetryMaxAttempts
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = d.RetryJitter
	}
	return c
}

// Orchestrator выполняет сагу размещения заказа поверх идемпотентных
// шагов-исполнителей. Повторный Execute для того же заказа безопасен:
// каждый шаг возвращает закэшированный результат первого выполнения.
type Orchestrator struct {
	orders    domain.OrderRepository
	inventory domain.InventoryService
	payments  domain.PaymentService
	notifier  domain.Notifier
	cfg       Config
	metrics   *metrics.SagaMetrics
	logger    *log.Entry
}

// NewOrchestrator создаёт оркестратор. metrics и logger могут быть nil.
func NewOrchestrator(
	orders domain.OrderRepository,
	inventory domain.InventoryService,
	payments domain.PaymentService,
	notifier domain.Notifier,
	cfg Config,
	m *metrics.SagaMetrics,
	logger *log.Entry,
) *Orchestrator {
	if logger == nil {
		logger = log.WithField("component", "saga-orchestrator")
	}
	return &Orchestrator{
		orders:    orders,
		inventory: inventory,
		payments:  payments,
		notifier:  notifier,
		cfg:       cfg.withDefaults(),
		metrics:   m,
		logger:    logger,
	}
}

// Execute прогоняет сагу для заказа из sc до терминального статуса.
// Бизнес-отказ шага не повторяется и уводит заказ в компенсацию;
// инфраструктурный отказ повторяется с экспоненциальной задержкой.
// Возвращаемая ошибка — причина отказа саги; nil означает CONFIRMED.
func (o *Orchestrator) Execute(ctx context.Context, sc *domain.SagaContext) error {
	logger := o.logger.WithFields(log.Fields{
		"order_id":       sc.OrderID,
		"correlation_id": sc.CorrelationID,
	})
	o.metrics.RecordSagaStarted()
	started := time.Now()
	defer func() {
		o.metrics.RecordSagaDuration(time.Since(started))
	}()

	ctx, cancel := context.WithTimeout(ctx, o.cfg.SagaTimeout)
	defer cancel()

	order, err := o.orders.Get(ctx, sc.OrderID)
	if err != nil {
		return fmt.Errorf("load order %s: %w", sc.OrderID, err)
	}
	if order.Status.IsTerminal() {
		logger.WithField("status", order.Status).Info("saga skipped, order already terminal")
		return nil
	}

	logger.Info("saga started")

	if err := o.stepReserve(ctx, sc); err != nil {
		logger.WithError(err).Warn("reserve step failed")
		return o.compensate(ctx, sc, err)
	}
	if err := o.stepCharge(ctx, sc); err != nil {
		logger.WithError(err).Warn("charge step failed")
		return o.compensate(ctx, sc, err)
	}
	if err := o.stepConfirm(ctx, sc); err != nil {
		logger.WithError(err).Warn("confirm step failed")
		return o.compensate(ctx, sc, err)
	}
	o.notifySuccess(ctx, sc)

	o.metrics.RecordSagaCompleted()
	logger.Info("saga completed, order confirmed")
	return nil
}

func (o *Orchestrator) stepReserve(ctx context.Context, sc *domain.SagaContext) error {
	reservationID, err := runStep(ctx, o, "reserve", func(ctx context.Context) (string, error) {
		return o.inventory.Reserve(ctx, sc.OrderID, sc.Items)
	})
	if err != nil {
		return fmt.Errorf("reserve inventory: %w", err)
	}
	sc.ReservationID = reservationID
	return o.updateStatus(ctx, sc.OrderID, domain.OrderStatusInventoryReserved, map[string]string{
		"reservation_id": reservationID,
	})
}

func (o *Orchestrator) stepCharge(ctx context.Context, sc *domain.SagaContext) error {
	paymentID, err := runStep(ctx, o, "charge", func(ctx context.Context) (string, error) {
		return o.payments.Charge(ctx, sc.OrderID, sc.CustomerID, sc.TotalCents)
	})
	if err != nil {
		return fmt.Errorf("charge payment: %w", err)
	}
	sc.PaymentID = paymentID
	return o.updateStatus(ctx, sc.OrderID, domain.OrderStatusPaymentCharged, map[string]string{
		"payment_id": paymentID,
	})
}

func (o *Orchestrator) stepConfirm(ctx context.Context, sc *domain.SagaContext) error {
	return o.updateStatus(ctx, sc.OrderID, domain.OrderStatusConfirmed, nil)
}

// compensate откатывает пройденный префикс в обратном порядке: возврат
// платежа (если списание прошло), освобождение резерва, уведомление об
// отказе, перевод заказа в FAILED. Компенсация отвязана от отмены
// родительского контекста: начатый откат должен дойти до конца даже при
// остановке вызвавшего запроса.
func (o *Orchestrator) compensate(ctx context.Context, sc *domain.SagaContext, cause error) error {
	o.metrics.RecordCompensation()
	sc.LastError = failureReason(cause)
	logger := o.logger.WithFields(log.Fields{
		"order_id":       sc.OrderID,
		"correlation_id": sc.CorrelationID,
		"reason":         sc.LastError,
	})
	logger.Info("saga compensation started")

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.SagaTimeout)
	defer cancel()

	if err := o.updateStatus(cctx, sc.OrderID, domain.OrderStatusCompensating, map[string]string{
		"reason": sc.LastError,
	}); err != nil {
		return o.stuck(sc, cause, fmt.Errorf("mark compensating: %w", err))
	}

	if sc.PaymentID != "" {
		_, err := runStep(cctx, o, "refund", func(ctx context.Context) (struct{}, error) {
			return struct{}{}, o.payments.Refund(ctx, sc.PaymentID)
		})
		if err != nil {
			return o.stuck(sc, cause, fmt.Errorf("refund payment %s: %w", sc.PaymentID, err))
		}
	}
	if sc.ReservationID != "" {
		_, err := runStep(cctx, o, "release", func(ctx context.Context) (struct{}, error) {
			return struct{}{}, o.inventory.Release(ctx, sc.ReservationID)
		})
		if err != nil {
			return o.stuck(sc, cause, fmt.Errorf("release reservation %s: %w", sc.ReservationID, err))
		}
	}
	o.notifyFailure(cctx, sc)

	if err := o.updateStatus(cctx, sc.OrderID, domain.OrderStatusFailed, map[string]string{
		"reason": sc.LastError,
	}); err != nil {
		return o.stuck(sc, cause, fmt.Errorf("mark failed: %w", err))
	}

	o.metrics.RecordSagaFailed()
	logger.Info("saga compensated, order failed")
	return cause
}

// stuck фиксирует сагу, у которой исчерпаны повторы компенсации. Заказ
// остаётся в COMPENSATING и требует ручного вмешательства оператора.
func (o *Orchestrator) stuck(sc *domain.SagaContext, cause, compErr error) error {
	o.metrics.RecordSagaStuck()
	o.logger.WithFields(log.Fields{
		"order_id":       sc.OrderID,
		"correlation_id": sc.CorrelationID,
		"cause":          sc.LastError,
	}).WithError(compErr).Error("saga stuck: compensation exhausted retries, manual intervention required")
	return fmt.Errorf("compensation stuck for order %s (cause: %w): %v", sc.OrderID, cause, compErr)
}

// notifySuccess и notifyFailure некритичны: отказ уведомления логируется,
// но терминальный статус заказа не меняет.
func (o *Orchestrator) notifySuccess(ctx context.Context, sc *domain.SagaContext) {
	envelope := domain.NotificationEnvelope{
		NotificationID: sc.OrderID + "-confirmed",
		Type:           domain.NotificationOrderConfirmed,
		OrderID:        sc.OrderID,
		CustomerID:     sc.CustomerID,
		TotalCents:     sc.TotalCents,
		CreatedAt:      time.Now().UTC(),
	}
	_, err := runStep(ctx, o, "notify-success", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, o.notifier.Notify(ctx, envelope)
	})
	if err != nil {
		o.logger.WithField("order_id", sc.OrderID).WithError(err).
			Warn("confirmation notification failed, order stays CONFIRMED")
	}
}

func (o *Orchestrator) notifyFailure(ctx context.Context, sc *domain.SagaContext) {
	envelope := domain.NotificationEnvelope{
		NotificationID: sc.OrderID + "-failed",
		Type:           domain.NotificationOrderFailed,
		OrderID:        sc.OrderID,
		CustomerID:     sc.CustomerID,
		ErrorReason:    sc.LastError,
		CreatedAt:      time.Now().UTC(),
	}
	_, err := runStep(ctx, o, "notify-failure", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, o.notifier.Notify(ctx, envelope)
	})
	if err != nil {
		o.logger.WithField("order_id", sc.OrderID).WithError(err).
			Warn("failure notification failed, order proceeds to FAILED")
	}
}

// updateStatus переводит заказ в next с оптимистической блокировкой.
// При конфликте версий перечитывает свежую копию и решает заново: если
// конкурент уже перевёл заказ в next, работа сделана.
func (o *Orchestrator) updateStatus(ctx context.Context, orderID string, next domain.OrderStatus, metadata map[string]string) error {
	var lastErr error
	for attempt := 0; attempt < statusMaxRetries; attempt++ {
		order, err := o.orders.Get(ctx, orderID)
		if err != nil {
			return fmt.Errorf("load order %s: %w", orderID, err)
		}
		if order.Status == next {
			return nil
		}
		if !order.Status.CanTransitionTo(next) {
			return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, order.Status, next)
		}
		order.Status = next
		if err := o.orders.Save(ctx, order); err != nil {
			if domain.IsVersionConflict(err) {
				lastErr = err
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(statusBaseDelay << attempt):
				}
				continue
			}
			return fmt.Errorf("save order %s: %w", orderID, err)
		}
		if _, err := o.orders.AppendEvent(ctx, orderID, next, metadata); err != nil {
			return fmt.Errorf("append event for %s: %w", orderID, err)
		}
		return nil
	}
	return fmt.Errorf("update order %s to %s: %w", orderID, next, lastErr)
}

// runStep выполняет одну попытку шага под StepTimeout и повторяет
// инфраструктурные отказы по экспоненциальной политике. Бизнес-отказы не
// повторяются, за исключением недоступности платёжного провайдера.
func runStep[T any](ctx context.Context, o *Orchestrator, step string, fn func(context.Context) (T, error)) (T, error) {
	policy := retrypolicy.NewBuilder[T]().
		HandleIf(func(_ T, err error) bool {
			return retryable(err)
		}).
		WithBackoff(o.cfg.RetryInitialDelay, o.cfg.RetryMaxDelay).
		WithJitterFactor(o.cfg.RetryJitter).
		WithMaxRetries(o.cfg.RetryMaxAttempts - 1).
		ReturnLastFailure().
		OnRetry(func(e failsafe.ExecutionEvent[T]) {
			o.metrics.RecordStepRetry(step)
			o.logger.WithField("step", step).WithError(e.LastError()).Warn("step attempt failed, retrying")
		}).
		Build()
	return failsafe.With[T](policy).WithContext(ctx).Get(func() (T, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, o.cfg.StepTimeout)
		defer cancel()
		return fn(attemptCtx)
	})
}

func retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if be, ok := domain.AsBusinessError(err); ok {
		return be.Kind == domain.BusinessProviderUnavailable
	}
	return true
}

// failureReason извлекает стабильный код причины для событий и
// уведомлений: для бизнес-отказов это их вид, иначе текст ошибки.
func failureReason(err error) string {
	if be, ok := domain.AsBusinessError(err); ok {
		return be.Kind
	}
	return err.Error()
}
