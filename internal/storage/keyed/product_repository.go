package keyed

import (
	"context"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/orderflow/internal/domain"
	"github.com/vladislavdragonenkov/orderflow/internal/storage/kv"
)

// ProductRepository управляет складскими позициями: pk=product_id.
// Количество меняется только атомарным условным инкрементом, поэтому сток
// не может уйти в минус даже под конкурентной нагрузкой.
type ProductRepository struct {
	store kv.Store
}

var _ domain.ProductRepository = (*ProductRepository)(nil)

// NewProductRepository создаёт репозиторий склада.
func NewProductRepository(store kv.Store) *ProductRepository {
	return &ProductRepository{store: store}
}

// Put создаёт или перезаписывает позицию. Используется сидированием каталога.
func (r *ProductRepository) Put(ctx context.Context, product *domain.Product) error {
	item := kv.Item{
		"product_id":       product.ID,
		"name":             product.Name,
		"quantity":         product.Quantity,
		"unit_price_cents": product.UnitPriceCents,
	}
	if err := r.store.Put(ctx, TableInventory, kv.Key{Partition: product.ID}, item); err != nil {
		return fmt.Errorf("put product: %w", err)
	}
	return nil
}

// Get возвращает позицию; отсутствие — (nil, false, nil).
func (r *ProductRepository) Get(ctx context.Context, productID string) (*domain.Product, bool, error) {
	item, err := r.store.Get(ctx, TableInventory, kv.Key{Partition: productID})
	if errors.Is(err, kv.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get product: %w", err)
	}

	product := &domain.Product{
		ID:   kv.AsString(item["product_id"]),
		Name: kv.AsString(item["name"]),
	}
	product.Quantity, _ = kv.AsInt64(item["quantity"])
	product.UnitPriceCents, _ = kv.AsInt64(item["unit_price_cents"])
	return product, true, nil
}

// AdjustQuantity атомарно прибавляет delta к количеству. Списание проходит
// только при достаточном стоке; неизвестный товар тоже означает нехватку.
func (r *ProductRepository) AdjustQuantity(ctx context.Context, productID string, delta int64) error {
	deltas := []kv.Delta{{Attr: "quantity", Add: delta}}
	var conds []kv.Condition
	if delta < 0 {
		conds = []kv.Condition{{Attr: "quantity", Cmp: kv.CmpGTE, Value: -delta}}
	}

	err := r.store.UpdateUnderPredicate(ctx, TableInventory, kv.Key{Partition: productID}, deltas, conds)
	if delta < 0 && (errors.Is(err, kv.ErrPreconditionFailed) || errors.Is(err, kv.ErrNotFound)) {
		return domain.ErrInsufficientQuantity
	}
	if err != nil {
		return fmt.Errorf("adjust product quantity: %w", err)
	}
	return nil
}
