package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// Catalog хранит цены и остатки в таблице catalog_variants.
// Незарегистрированные варианты считаются доступными по любой цене.
type Catalog struct {
	db *sql.DB
}

// NewCatalog создаёт PostgreSQL-каталог.
func NewCatalog(store *Store) *Catalog {
	return &Catalog{db: store.DB()}
}

// UpsertVariant задаёт актуальную цену и остаток варианта.
func (c *Catalog) UpsertVariant(ctx context.Context, productID string, variantID int, price domain.Money, stock int) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO catalog_variants (product_id, variant_id, cent_amount, currency, stock, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (product_id, variant_id) DO UPDATE
		SET cent_amount = EXCLUDED.cent_amount,
		    currency = EXCLUDED.currency,
		    stock = EXCLUDED.stock,
		    updated_at = EXCLUDED.updated_at
	`, productID, variantID, price.CentAmount, price.Currency, stock, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert catalog variant: %w", err)
	}
	return nil
}

// Check сверяет позиции корзины с каталогом.
func (c *Catalog) Check(ctx context.Context, items []domain.LineItem) (map[string]domain.UnavailableReason, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return checkItems(ctx, c.db, items, false)
}

// checkItems при forUpdate блокирует строки вариантов до конца транзакции.
func checkItems(ctx context.Context, q queryer, items []domain.LineItem, forUpdate bool) (map[string]domain.UnavailableReason, error) {
	query := `SELECT cent_amount, stock FROM catalog_variants WHERE product_id = $1 AND variant_id = $2`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	reasons := make(map[string]domain.UnavailableReason)
	for _, item := range items {
		var centAmount int64
		var stock int
		err := q.QueryRowContext(ctx, query, item.ProductID, item.VariantID).Scan(&centAmount, &stock)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("select catalog variant %s/%d: %w", item.ProductID, item.VariantID, err)
		}

		switch {
		case stock < item.Quantity:
			reasons[item.ID] = domain.ReasonOutOfStock
		case centAmount != item.Price.CentAmount:
			reasons[item.ID] = domain.ReasonPriceChanged
		}
	}
	return reasons, nil
}

// reserveItems списывает остатки зарегистрированных вариантов.
func reserveItems(ctx context.Context, q queryer, items []domain.LineItem) error {
	for _, item := range items {
		_, err := q.ExecContext(ctx, `
			UPDATE catalog_variants
			SET stock = stock - $3,
			    updated_at = $4
			WHERE product_id = $1 AND variant_id = $2
		`, item.ProductID, item.VariantID, item.Quantity, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("reserve catalog variant %s/%d: %w", item.ProductID, item.VariantID, err)
		}
	}
	return nil
}

var _ domain.Catalog = (*Catalog)(nil)
