// Package payment реализует платёжные шаги саги. Внешний провайдер закрыт
// размыкателем: его недоступность превращается в структурированный отказ
// PAYMENT_PROVIDER_UNAVAILABLE с подсказкой времени повтора.
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderflow/internal/breaker"
	"github.com/vladislavdragonenkov/orderflow/internal/domain"
	"github.com/vladislavdragonenkov/orderflow/internal/idempotency"
)

// ErrDeclined возвращается провайдером при бизнес-отказе в списании.
var ErrDeclined = errors.New("charge declined by provider")

// ChargeRequest — запрос на списание у внешнего провайдера. Ключ
// идемпотентности пробрасывается провайдеру, чтобы дедупликация работала
// и на его стороне.
type ChargeRequest struct {
	OrderID        string
	CustomerID     string
	AmountCents    int64
	IdempotencyKey string
}

// Provider — абстракция внешнего платёжного провайдера.
type Provider interface {
	// Charge списывает средства и возвращает непрозрачный id списания.
	// Бизнес-отказ — ErrDeclined; любая другая ошибка считается
	// недоступностью провайдера.
	Charge(ctx context.Context, req ChargeRequest) (string, error)
	// Refund возвращает списание по id.
	Refund(ctx context.Context, providerChargeID string) error
}

type chargeResult struct {
	PaymentID string `json:"payment_id"`
}

type refundResult struct{}

// Service — исполнитель платёжных шагов.
type Service struct {
	provider Provider
	payments domain.PaymentRepository
	registry *idempotency.Registry
	breaker  *breaker.Breaker
	logger   *log.Entry
}

var _ domain.PaymentService = (*Service)(nil)

// NewService создаёт платёжный сервис.
func NewService(provider Provider, payments domain.PaymentRepository, registry *idempotency.Registry, cb *breaker.Breaker, logger *log.Entry) *Service {
	if logger == nil {
		logger = log.WithField("component", "payment-service")
	}
	return &Service{
		provider: provider,
		payments: payments,
		registry: registry,
		breaker:  cb,
		logger:   logger,
	}
}

// Charge списывает средства через размыкатель и сохраняет платёж.
// Ключ идемпотентности: charge-<order_id>.
func (s *Service) Charge(ctx context.Context, orderID, customerID string, amountCents int64) (string, error) {
	key := "charge-" + orderID
	raw, err := s.registry.Do(ctx, key, func(ctx context.Context) (json.RawMessage, error) {
		paymentID, err := s.charge(ctx, key, orderID, customerID, amountCents)
		if err != nil {
			return nil, err
		}
		return json.Marshal(chargeResult{PaymentID: paymentID})
	})
	if err != nil {
		return "", err
	}

	var result chargeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("decode charge result: %w", err)
	}
	return result.PaymentID, nil
}

func (s *Service) charge(ctx context.Context, key, orderID, customerID string, amountCents int64) (string, error) {
	var providerChargeID string
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		id, err := s.provider.Charge(ctx, ChargeRequest{
			OrderID:        orderID,
			CustomerID:     customerID,
			AmountCents:    amountCents,
			IdempotencyKey: key,
		})
		if errors.Is(err, ErrDeclined) {
			// Отказ в списании — легитимный ответ провайдера; breaker его
			// не считает и состояние не меняет.
			return domain.NewBusinessError(domain.BusinessPaymentDeclined, err.Error())
		}
		if err != nil {
			return err
		}
		providerChargeID = id
		return nil
	})
	if err != nil {
		return "", s.mapProviderError(err, orderID)
	}

	payment := &domain.Payment{
		ID:               uuid.NewString(),
		OrderID:          orderID,
		CustomerID:       customerID,
		AmountCents:      amountCents,
		ProviderChargeID: providerChargeID,
		Status:           domain.PaymentStatusCharged,
	}
	if err := s.payments.Create(ctx, payment); err != nil {
		return "", fmt.Errorf("persist payment: %w", err)
	}

	s.logger.WithFields(log.Fields{
		"order_id":   orderID,
		"payment_id": payment.ID,
	}).Info("payment charged")
	return payment.ID, nil
}

// Refund возвращает списание. Отсутствующий платёж — успех: возвращать
// нечего. Ключ идемпотентности: refund-<payment_id>.
func (s *Service) Refund(ctx context.Context, paymentID string) error {
	_, err := s.registry.Do(ctx, "refund-"+paymentID, func(ctx context.Context) (json.RawMessage, error) {
		if err := s.refund(ctx, paymentID); err != nil {
			return nil, err
		}
		return json.Marshal(refundResult{})
	})
	return err
}

func (s *Service) refund(ctx context.Context, paymentID string) error {
	payment, found, err := s.payments.Get(ctx, paymentID)
	if err != nil {
		return fmt.Errorf("load payment: %w", err)
	}
	if !found {
		return nil
	}
	if payment.Status == domain.PaymentStatusRefunded {
		return nil
	}

	err = s.breaker.Execute(ctx, func(ctx context.Context) error {
		return s.provider.Refund(ctx, payment.ProviderChargeID)
	})
	if err != nil {
		return s.mapProviderError(err, payment.OrderID)
	}

	if err := s.payments.MarkRefunded(ctx, paymentID); err != nil {
		return fmt.Errorf("mark payment refunded: %w", err)
	}
	s.logger.WithFields(log.Fields{
		"payment_id": paymentID,
		"order_id":   payment.OrderID,
	}).Info("payment refunded")
	return nil
}

// mapProviderError переводит открытый размыкатель в структурированный
// бизнес-отказ с retry_after_seconds; остальные ошибки уходят как есть.
func (s *Service) mapProviderError(err error, orderID string) error {
	if oe, ok := breaker.IsOpen(err); ok {
		retryAfter := time.Until(oe.ResetsAt)
		if retryAfter < 0 {
			retryAfter = 0
		}
		s.logger.WithFields(log.Fields{
			"order_id":    orderID,
			"resets_at":   oe.ResetsAt,
			"retry_after": retryAfter,
		}).Warn("payment provider breaker is open")
		be := domain.NewBusinessError(domain.BusinessProviderUnavailable,
			"payment provider is unavailable, circuit breaker is open")
		be.RetryAfter = retryAfter
		return be
	}
	return err
}
