package domain

import "time"

// ReservationStatus — состояние складского резерва.
type ReservationStatus string

const (
	// ReservationStatusActive — резерв удерживает сток.
	ReservationStatusActive ReservationStatus = "ACTIVE"
	// ReservationStatusReleased — резерв снят, сток возвращён.
	ReservationStatusReleased ReservationStatus = "RELEASED"
)

// Reservation фиксирует удержание стока под конкретный заказ.
// На один успешный Reserve приходится ровно один Reservation.
type Reservation struct {
	ID      string
	OrderID string
	// Items — снимок позиций на момент резервирования.
	Items     []OrderItem
	Status    ReservationStatus
	CreatedAt time.Time
}

// ValidateInvariants проверяет базовые инварианты резерва.
func (r *Reservation) ValidateInvariants() []error {
	var errs []error

	if r.OrderID == "" {
		errs = append(errs, ErrOrderIDRequired)
	}
	if len(r.Items) == 0 {
		errs = append(errs, ErrItemsRequired)
	}
	for _, item := range r.Items {
		if item.ProductID == "" {
			errs = append(errs, ErrProductIDRequired)
		}
		if item.Quantity <= 0 {
			errs = append(errs, ErrItemQtyInvalid)
		}
	}

	return errs
}
