package keyed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/orderflow/internal/domain"
	"github.com/vladislavdragonenkov/orderflow/internal/storage/kv"
)

// ReservationRepository хранит складские резервы: pk=reservation_id.
type ReservationRepository struct {
	store kv.Store
	now   func() time.Time
}

var _ domain.ReservationRepository = (*ReservationRepository)(nil)

// NewReservationRepository создаёт репозиторий резервов.
func NewReservationRepository(store kv.Store) *ReservationRepository {
	return &ReservationRepository{store: store, now: time.Now}
}

// Create сохраняет новый резерв.
func (r *ReservationRepository) Create(ctx context.Context, reservation *domain.Reservation) error {
	if reservation.CreatedAt.IsZero() {
		reservation.CreatedAt = r.now().UTC()
	}
	item := kv.Item{
		"reservation_id": reservation.ID,
		"order_id":       reservation.OrderID,
		"items":          encodeItems(reservation.Items),
		"status":         string(reservation.Status),
		"created_at":     formatTime(reservation.CreatedAt),
	}
	err := r.store.PutIfAbsent(ctx, TableReservations, kv.Key{Partition: reservation.ID}, item)
	if errors.Is(err, kv.ErrPreconditionFailed) {
		return fmt.Errorf("reservation %s already exists", reservation.ID)
	}
	if err != nil {
		return fmt.Errorf("create reservation: %w", err)
	}
	return nil
}

// Get возвращает резерв; отсутствие — (nil, false, nil).
func (r *ReservationRepository) Get(ctx context.Context, reservationID string) (*domain.Reservation, bool, error) {
	item, err := r.store.Get(ctx, TableReservations, kv.Key{Partition: reservationID})
	if errors.Is(err, kv.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get reservation: %w", err)
	}

	reservation := &domain.Reservation{
		ID:        kv.AsString(item["reservation_id"]),
		OrderID:   kv.AsString(item["order_id"]),
		Items:     decodeItems(item["items"]),
		Status:    domain.ReservationStatus(kv.AsString(item["status"])),
		CreatedAt: parseTime(item["created_at"]),
	}
	return reservation, true, nil
}

// MarkReleased переводит резерв в RELEASED. Запись идемпотентна: повторный
// вызов переписывает тот же терминальный статус.
func (r *ReservationRepository) MarkReleased(ctx context.Context, reservationID string) error {
	reservation, found, err := r.Get(ctx, reservationID)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	reservation.Status = domain.ReservationStatusReleased

	item := kv.Item{
		"reservation_id": reservation.ID,
		"order_id":       reservation.OrderID,
		"items":          encodeItems(reservation.Items),
		"status":         string(reservation.Status),
		"created_at":     formatTime(reservation.CreatedAt),
	}
	if err := r.store.Put(ctx, TableReservations, kv.Key{Partition: reservationID}, item); err != nil {
		return fmt.Errorf("mark reservation released: %w", err)
	}
	return nil
}
