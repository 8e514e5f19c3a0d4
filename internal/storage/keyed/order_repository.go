package keyed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/orderflow/internal/domain"
	"github.com/vladislavdragonenkov/orderflow/internal/storage/kv"
)

const (
	orderPartitionPrefix = "ORDER#"
	orderMetaSort        = "META"
	orderEventSortPrefix = "EVENT#"
)

// OrderRepository хранит мета-запись заказа и его журнал событий в одной
// таблице: pk=ORDER#<id>, sk=META для меты и sk=EVENT#<seq> для событий.
type OrderRepository struct {
	store kv.Store
	now   func() time.Time
}

var _ domain.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository создаёт репозиторий заказов поверх kv.Store.
func NewOrderRepository(store kv.Store) *OrderRepository {
	return &OrderRepository{store: store, now: time.Now}
}

func orderKey(orderID string) kv.Key {
	return kv.Key{Partition: orderPartitionPrefix + orderID, Sort: orderMetaSort}
}

func eventSort(seq int64) string {
	// Нулевое дополнение выравнивает лексикографический порядок с числовым.
	return fmt.Sprintf("%s%020d", orderEventSortPrefix, seq)
}

// Create сохраняет новый заказ с версией 1.
func (r *OrderRepository) Create(ctx context.Context, order *domain.Order) error {
	if order.ID == "" {
		return domain.ErrOrderIDRequired
	}
	order.Version = 1
	now := r.now().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now

	err := r.store.PutIfAbsent(ctx, TableOrders, orderKey(order.ID), orderToItem(order))
	if errors.Is(err, kv.ErrPreconditionFailed) {
		return fmt.Errorf("order %s already exists", order.ID)
	}
	if err != nil {
		return fmt.Errorf("create order: %w", err)
	}
	return nil
}

// Get возвращает заказ или domain.ErrOrderNotFound.
func (r *OrderRepository) Get(ctx context.Context, orderID string) (*domain.Order, error) {
	item, err := r.store.Get(ctx, TableOrders, orderKey(orderID))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, domain.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	return itemToOrder(item), nil
}

// Save сохраняет заказ под оптимистичной блокировкой и инкрементирует версию.
func (r *OrderRepository) Save(ctx context.Context, order *domain.Order) error {
	expected := order.Version
	order.Version = expected + 1
	order.UpdatedAt = r.now().UTC()

	err := r.store.PutIfVersion(ctx, TableOrders, orderKey(order.ID), orderToItem(order), expected)
	if errors.Is(err, kv.ErrPreconditionFailed) {
		order.Version = expected
		return domain.ErrVersionConflict
	}
	if err != nil {
		order.Version = expected
		return fmt.Errorf("save order: %w", err)
	}
	return nil
}

// AppendEvent дописывает событие в журнал заказа. Seq строится из
// unix-микросекунд с запасом в тысячу слотов на микросекунду: коллизия на
// условной вставке двигает seq на следующий слот, поэтому даже несколько
// переходов в одну микросекунду получают уникальные монотонные номера.
func (r *OrderRepository) AppendEvent(ctx context.Context, orderID string, status domain.OrderStatus, metadata map[string]string) (domain.OrderEvent, error) {
	now := r.now().UTC()
	event := domain.OrderEvent{
		OrderID:    orderID,
		Status:     status,
		Metadata:   metadata,
		OccurredAt: now,
	}

	seq := now.UnixMicro() * 1000
	for {
		event.Seq = seq
		key := kv.Key{Partition: orderPartitionPrefix + orderID, Sort: eventSort(seq)}
		err := r.store.PutIfAbsent(ctx, TableOrders, key, eventToItem(&event))
		if err == nil {
			return event, nil
		}
		if !errors.Is(err, kv.ErrPreconditionFailed) {
			return domain.OrderEvent{}, fmt.Errorf("append order event: %w", err)
		}
		seq++
	}
}

// Events возвращает журнал заказа в хронологическом порядке.
func (r *OrderRepository) Events(ctx context.Context, orderID string) ([]domain.OrderEvent, error) {
	items, err := r.store.QueryPrefix(ctx, TableOrders, orderPartitionPrefix+orderID, orderEventSortPrefix)
	if err != nil {
		return nil, fmt.Errorf("query order events: %w", err)
	}

	events := make([]domain.OrderEvent, 0, len(items))
	for _, item := range items {
		events = append(events, itemToEvent(item))
	}
	return events, nil
}

func orderToItem(order *domain.Order) kv.Item {
	return kv.Item{
		"order_id":       order.ID,
		"customer_id":    order.CustomerID,
		"items":          encodeItems(order.Items),
		"total_cents":    order.TotalCents,
		"status":         string(order.Status),
		"correlation_id": order.CorrelationID,
		kv.AttrVersion:   order.Version,
		"created_at":     formatTime(order.CreatedAt),
		"updated_at":     formatTime(order.UpdatedAt),
	}
}

func itemToOrder(item kv.Item) *domain.Order {
	order := &domain.Order{
		ID:            kv.AsString(item["order_id"]),
		CustomerID:    kv.AsString(item["customer_id"]),
		Status:        domain.OrderStatus(kv.AsString(item["status"])),
		CorrelationID: kv.AsString(item["correlation_id"]),
		CreatedAt:     parseTime(item["created_at"]),
		UpdatedAt:     parseTime(item["updated_at"]),
	}
	order.TotalCents, _ = kv.AsInt64(item["total_cents"])
	order.Version, _ = kv.AsInt64(item[kv.AttrVersion])
	order.Items = decodeItems(item["items"])
	return order
}

func decodeItems(value any) []domain.OrderItem {
	raw, _ := value.([]any)
	items := make([]domain.OrderItem, 0, len(raw))
	for _, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		var it domain.OrderItem
		it.ProductID = kv.AsString(m["product_id"])
		it.Quantity, _ = kv.AsInt64(m["quantity"])
		it.UnitPriceCents, _ = kv.AsInt64(m["unit_price_cents"])
		items = append(items, it)
	}
	return items
}

func encodeItems(items []domain.OrderItem) []any {
	encoded := make([]any, 0, len(items))
	for _, it := range items {
		encoded = append(encoded, map[string]any{
			"product_id":       it.ProductID,
			"quantity":         it.Quantity,
			"unit_price_cents": it.UnitPriceCents,
		})
	}
	return encoded
}

func eventToItem(event *domain.OrderEvent) kv.Item {
	metadata := make(map[string]any, len(event.Metadata))
	for k, v := range event.Metadata {
		metadata[k] = v
	}
	return kv.Item{
		"order_id":    event.OrderID,
		"seq":         event.Seq,
		"status":      string(event.Status),
		"metadata":    metadata,
		"occurred_at": formatTime(event.OccurredAt),
	}
}

func itemToEvent(item kv.Item) domain.OrderEvent {
	event := domain.OrderEvent{
		OrderID:    kv.AsString(item["order_id"]),
		Status:     domain.OrderStatus(kv.AsString(item["status"])),
		OccurredAt: parseTime(item["occurred_at"]),
	}
	event.Seq, _ = kv.AsInt64(item["seq"])
	if raw, ok := item["metadata"].(map[string]any); ok && len(raw) > 0 {
		event.Metadata = make(map[string]string, len(raw))
		for k, v := range raw {
			event.Metadata[k] = kv.AsString(v)
		}
	}
	return event
}
