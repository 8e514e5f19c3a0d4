// Package inventory реализует складские шаги саги: резервирование стока и
// его возврат. Оба шага идемпотентны и защищены реестром идемпотентности.
package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderflow/internal/domain"
	"github.com/vladislavdragonenkov/orderflow/internal/idempotency"
)

// reserveResult — канонично сериализуемый результат шага Reserve.
type reserveResult struct {
	ReservationID string `json:"reservation_id"`
}

// releaseResult — результат шага Release; пустой по построению.
type releaseResult struct{}

// Service — исполнитель складских шагов.
type Service struct {
	products     domain.ProductRepository
	reservations domain.ReservationRepository
	registry     *idempotency.Registry
	logger       *log.Entry
}

var _ domain.InventoryService = (*Service)(nil)

// NewService создаёт складской сервис.
func NewService(products domain.ProductRepository, reservations domain.ReservationRepository, registry *idempotency.Registry, logger *log.Entry) *Service {
	if logger == nil {
		logger = log.WithField("component", "inventory-service")
	}
	return &Service{
		products:     products,
		reservations: reservations,
		registry:     registry,
		logger:       logger,
	}
}

// Reserve атомарно резервирует все позиции заказа. Списание идёт по одной
// позиции условным декрементом; первый же отказ возвращает уже списанные
// позиции этого вызова и завершается бизнес-отказом INSUFFICIENT_STOCK.
// Ключ идемпотентности: reserve-<order_id>.
func (s *Service) Reserve(ctx context.Context, orderID string, items []domain.OrderItem) (string, error) {
	raw, err := s.registry.Do(ctx, "reserve-"+orderID, func(ctx context.Context) (json.RawMessage, error) {
		reservationID, err := s.reserve(ctx, orderID, items)
		if err != nil {
			return nil, err
		}
		return json.Marshal(reserveResult{ReservationID: reservationID})
	})
	if err != nil {
		return "", err
	}

	var result reserveResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("decode reserve result: %w", err)
	}
	return result.ReservationID, nil
}

func (s *Service) reserve(ctx context.Context, orderID string, items []domain.OrderItem) (string, error) {
	taken := make([]domain.OrderItem, 0, len(items))
	for _, item := range items {
		err := s.products.AdjustQuantity(ctx, item.ProductID, -item.Quantity)
		if err != nil {
			s.rollback(ctx, taken)
			if errors.Is(err, domain.ErrInsufficientQuantity) {
				s.logger.WithFields(log.Fields{
					"order_id":   orderID,
					"product_id": item.ProductID,
					"quantity":   item.Quantity,
				}).Info("reserve rejected: insufficient stock")
				return "", domain.NewBusinessError(domain.BusinessInsufficientStock,
					fmt.Sprintf("not enough stock for product %s", item.ProductID))
			}
			return "", fmt.Errorf("decrement stock for %s: %w", item.ProductID, err)
		}
		taken = append(taken, item)
	}

	reservation := &domain.Reservation{
		ID:      uuid.NewString(),
		OrderID: orderID,
		Items:   items,
		Status:  domain.ReservationStatusActive,
	}
	if err := s.reservations.Create(ctx, reservation); err != nil {
		s.rollback(ctx, taken)
		return "", fmt.Errorf("persist reservation: %w", err)
	}

	s.logger.WithFields(log.Fields{
		"order_id":       orderID,
		"reservation_id": reservation.ID,
	}).Info("stock reserved")
	return reservation.ID, nil
}

// rollback возвращает позиции, списанные в текущем вызове. Инкремент
// безусловен и не может не пройти по предикату; ошибка хранилища здесь
// означает расхождение стока и требует внимания оператора.
func (s *Service) rollback(ctx context.Context, taken []domain.OrderItem) {
	for _, item := range taken {
		if err := s.products.AdjustQuantity(ctx, item.ProductID, item.Quantity); err != nil {
			s.logger.WithError(err).WithFields(log.Fields{
				"product_id": item.ProductID,
				"quantity":   item.Quantity,
			}).Error("failed to roll back partial reservation")
		}
	}
}

// Release снимает резерв и возвращает сток. Отсутствующий или уже снятый
// резерв — успех. Ключ идемпотентности: release-<reservation_id>.
func (s *Service) Release(ctx context.Context, reservationID string) error {
	_, err := s.registry.Do(ctx, "release-"+reservationID, func(ctx context.Context) (json.RawMessage, error) {
		if err := s.release(ctx, reservationID); err != nil {
			return nil, err
		}
		return json.Marshal(releaseResult{})
	})
	return err
}

func (s *Service) release(ctx context.Context, reservationID string) error {
	reservation, found, err := s.reservations.Get(ctx, reservationID)
	if err != nil {
		return fmt.Errorf("load reservation: %w", err)
	}
	if !found || reservation.Status == domain.ReservationStatusReleased {
		return nil
	}

	for _, item := range reservation.Items {
		if err := s.products.AdjustQuantity(ctx, item.ProductID, item.Quantity); err != nil {
			return fmt.Errorf("restore stock for %s: %w", item.ProductID, err)
		}
	}
	if err := s.reservations.MarkReleased(ctx, reservationID); err != nil {
		return fmt.Errorf("mark reservation released: %w", err)
	}

	s.logger.WithFields(log.Fields{
		"reservation_id": reservationID,
		"order_id":       reservation.OrderID,
	}).Info("reservation released")
	return nil
}
