// Package order принимает команды размещения заказа. Создание заказа
// идемпотентно по клиентскому ключу: повтор команды возвращает результат
// первого выполнения и не порождает вторую сагу.
package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderflow/internal/domain"
	"github.com/vladislavdragonenkov/orderflow/internal/idempotency"
	"github.com/vladislavdragonenkov/orderflow/internal/service/saga"
)

// SagaStarter ставит сагу заказа в фоновое выполнение.
type SagaStarter interface {
	Start(ctx context.Context, sc domain.SagaContext) error
}

// CreateOrderCommand — входная команда размещения заказа.
type CreateOrderCommand struct {
	IdempotencyKey string
	CustomerID     string
	CorrelationID  string
	Items          []domain.OrderItem
	// TotalCents — заявленная сумма заказа; ноль означает "вычислить из позиций".
	TotalCents int64
}

// CreateOrderResult — подтверждение приёма команды. Заказ обрабатывается
// асинхронно, финальный статус доступен через GetOrder.
type CreateOrderResult struct {
	OrderID string             `json:"order_id"`
	Status  domain.OrderStatus `json:"status"`
}

// OrderView — заказ вместе с хронологическим журналом его событий.
type OrderView struct {
	Order  *domain.Order
	Events []domain.OrderEvent
}

// Service обслуживает команды и запросы по заказам.
type Service struct {
	orders   domain.OrderRepository
	registry *idempotency.Registry
	sagas    SagaStarter
	logger   *log.Entry
}

// NewService создаёт сервис заказов.
func NewService(orders domain.OrderRepository, registry *idempotency.Registry, sagas SagaStarter, logger *log.Entry) *Service {
	if logger == nil {
		logger = log.WithField("component", "order-service")
	}
	return &Service{orders: orders, registry: registry, sagas: sagas, logger: logger}
}

// CreateOrder валидирует команду, создаёт заказ в PENDING и запускает сагу.
// Идентификатор заказа детерминирован ключом идемпотентности: повтор после
// частичного отказа возобновляет тот же заказ, а не плодит сирот.
func (s *Service) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (CreateOrderResult, error) {
	if cmd.IdempotencyKey == "" {
		return CreateOrderResult{}, domain.ErrMissingIdempotencyKey
	}

	total := cmd.TotalCents
	if total == 0 {
		for _, item := range cmd.Items {
			total += item.Quantity * item.UnitPriceCents
		}
	}
	probe := &domain.Order{CustomerID: cmd.CustomerID, Items: cmd.Items, TotalCents: total}
	if errs := probe.ValidateInvariants(); len(errs) > 0 {
		return CreateOrderResult{}, errors.Join(errs...)
	}

	raw, err := s.registry.Do(ctx, "create-order-"+cmd.IdempotencyKey, func(ctx context.Context) (json.RawMessage, error) {
		return s.createAndStart(ctx, cmd, total)
	})
	if err != nil {
		return CreateOrderResult{}, err
	}

	var result CreateOrderResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return CreateOrderResult{}, fmt.Errorf("decode create-order result: %w", err)
	}
	return result, nil
}

func (s *Service) createAndStart(ctx context.Context, cmd CreateOrderCommand, total int64) (json.RawMessage, error) {
	orderID := uuid.NewSHA1(uuid.NameSpaceOID, []byte("order:"+cmd.IdempotencyKey)).String()
	correlationID := cmd.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	order, err := s.orders.Get(ctx, orderID)
	switch {
	case errors.Is(err, domain.ErrOrderNotFound):
		order = &domain.Order{
			ID:            orderID,
			CustomerID:    cmd.CustomerID,
			Items:         cmd.Items,
			TotalCents:    total,
			Status:        domain.OrderStatusPending,
			CorrelationID: correlationID,
		}
		if err := s.orders.Create(ctx, order); err != nil {
			return nil, fmt.Errorf("create order: %w", err)
		}
		if _, err := s.orders.AppendEvent(ctx, orderID, domain.OrderStatusPending, map[string]string{
			"correlation_id": correlationID,
		}); err != nil {
			return nil, fmt.Errorf("append pending event: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("load order: %w", err)
	default:
		// Повтор после сбоя между созданием заказа и фиксацией результата:
		// заказ уже существует, сагу достаточно перезапустить.
		correlationID = order.CorrelationID
	}

	sc := domain.SagaContext{
		OrderID:       orderID,
		CustomerID:    cmd.CustomerID,
		CorrelationID: correlationID,
		TotalCents:    total,
		Items:         cmd.Items,
	}
	if err := s.sagas.Start(ctx, sc); err != nil && !errors.Is(err, saga.ErrSagaInFlight) {
		return nil, fmt.Errorf("start saga: %w", err)
	}

	s.logger.WithFields(log.Fields{
		"order_id":       orderID,
		"correlation_id": correlationID,
		"total_cents":    total,
	}).Info("order accepted")

	return json.Marshal(CreateOrderResult{OrderID: orderID, Status: domain.OrderStatusPending})
}

// GetOrder возвращает заказ и его журнал событий.
func (s *Service) GetOrder(ctx context.Context, orderID string) (*OrderView, error) {
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	events, err := s.orders.Events(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return &OrderView{Order: order, Events: events}, nil
}
