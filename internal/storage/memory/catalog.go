package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

type variantKey struct {
	productID string
	variantID int
}

type variantStock struct {
	price domain.Money
	stock int
}

// Catalog — in-memory каталог с ценами и остатками вариантов.
// Незарегистрированные варианты считаются доступными по любой цене.
type Catalog struct {
	mu       sync.RWMutex
	variants map[variantKey]variantStock
}

// NewCatalog создаёт пустой каталог.
func NewCatalog() *Catalog {
	return &Catalog{variants: make(map[variantKey]variantStock)}
}

// SetVariant задаёт актуальную цену и остаток варианта.
func (c *Catalog) SetVariant(productID string, variantID int, price domain.Money, stock int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.variants[variantKey{productID: productID, variantID: variantID}] = variantStock{price: price, stock: stock}
}

// UpsertVariant повторяет SetVariant с контекстом, как у каталога в PostgreSQL.
func (c *Catalog) UpsertVariant(ctx context.Context, productID string, variantID int, price domain.Money, stock int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.SetVariant(productID, variantID, price, stock)
	return nil
}

// Check сверяет позиции корзины с каталогом.
func (c *Catalog) Check(ctx context.Context, items []domain.LineItem) (map[string]domain.UnavailableReason, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	reasons := make(map[string]domain.UnavailableReason)
	for _, item := range items {
		v, ok := c.variants[variantKey{productID: item.ProductID, variantID: item.VariantID}]
		if !ok {
			continue
		}
		switch {
		case v.stock < item.Quantity:
			reasons[item.ID] = domain.ReasonOutOfStock
		case v.price.CentAmount != item.Price.CentAmount:
			reasons[item.ID] = domain.ReasonPriceChanged
		}
	}
	return reasons, nil
}

// reserve списывает остатки под заказ целиком или не списывает ничего.
func (c *Catalog) reserve(items []domain.LineItem) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, item := range items {
		v, ok := c.variants[variantKey{productID: item.ProductID, variantID: item.VariantID}]
		if ok && v.stock < item.Quantity {
			return fmt.Errorf("reserve %s/%d: %w", item.ProductID, item.VariantID, &domain.LineItemsUnavailableError{
				LineItemIDs: []string{item.ID},
				Reasons:     map[string]domain.UnavailableReason{item.ID: domain.ReasonOutOfStock},
			})
		}
	}
	for _, item := range items {
		key := variantKey{productID: item.ProductID, variantID: item.VariantID}
		if v, ok := c.variants[key]; ok {
			v.stock -= item.Quantity
			c.variants[key] = v
		}
	}
	return nil
}

// release возвращает остатки, списанные reserve.
func (c *Catalog) release(items []domain.LineItem) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, item := range items {
		key := variantKey{productID: item.ProductID, variantID: item.VariantID}
		if v, ok := c.variants[key]; ok {
			v.stock += item.Quantity
			c.variants[key] = v
		}
	}
}

var _ domain.Catalog = (*Catalog)(nil)
