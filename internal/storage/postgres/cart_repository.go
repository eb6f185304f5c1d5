package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

type cartRepository struct {
	db *sql.DB
}

// NewCartRepository создаёт PostgreSQL-реализацию CartRepository.
// Документ корзины хранится в jsonb, версия и состояние дублируются в колонках.
func NewCartRepository(store *Store) domain.CartRepository {
	return &cartRepository{db: store.DB()}
}

func (r *cartRepository) Create(ctx context.Context, draft domain.CartDraft) (domain.Cart, error) {
	if err := draft.Validate(); err != nil {
		return domain.Cart{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	now := time.Now().UTC()
	cart := domain.Cart{
		ID:              uuid.NewString(),
		Version:         1,
		CustomerID:      draft.CustomerID,
		CustomerEmail:   draft.CustomerEmail,
		Currency:        draft.Currency,
		Country:         draft.Country,
		State:           domain.CartStateActive,
		LineItems:       append([]domain.LineItem(nil), draft.LineItems...),
		CustomLineItems: append([]domain.CustomLineItem(nil), draft.CustomLineItems...),
		ShippingAddress: draft.ShippingAddress,
		BillingAddress:  draft.BillingAddress,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	body, err := json.Marshal(cart)
	if err != nil {
		return domain.Cart{}, fmt.Errorf("marshal cart: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO carts (id, version, customer_id, state, currency, body, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`,
		cart.ID, cart.Version, nullString(cart.CustomerID), string(cart.State), cart.Currency, string(body), now, now,
	)
	if err != nil {
		return domain.Cart{}, fmt.Errorf("insert cart: %w", err)
	}

	return cart, nil
}

func (r *cartRepository) Get(ctx context.Context, id string) (domain.Cart, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return getCart(ctx, r.db, id, false)
}

func (r *cartRepository) GetActiveByCustomer(ctx context.Context, customerID string) (domain.Cart, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		body    []byte
		version int64
		state   string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT body, version, state
		FROM carts
		WHERE customer_id = $1 AND state = 'active'
		ORDER BY updated_at DESC, id DESC
		LIMIT 1
	`, customerID).Scan(&body, &version, &state)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Cart{}, domain.NotFoundError(domain.KindCart, "customer:"+customerID)
	}
	if err != nil {
		return domain.Cart{}, fmt.Errorf("select active cart: %w", err)
	}

	return decodeCart(body, version, state)
}

func (r *cartRepository) Update(ctx context.Context, id string, version int64, actions []domain.CartAction) (domain.Cart, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var updated domain.Cart
	err := inTx(ctx, r.db, func(tx *sql.Tx) error {
		current, err := getCart(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if current.Version != version {
			return domain.ConflictError(domain.KindCart, id, version)
		}

		next, err := domain.ApplyCartActions(current, actions, uuid.NewString, time.Now().UTC())
		if err != nil {
			return err
		}
		next.Version = current.Version + 1

		if err := writeCart(ctx, tx, next, version); err != nil {
			return err
		}
		updated = next
		return nil
	})
	if err != nil {
		return domain.Cart{}, err
	}

	return updated, nil
}

// getCart читает корзину; forUpdate блокирует строку до конца транзакции.
func getCart(ctx context.Context, q queryer, id string, forUpdate bool) (domain.Cart, error) {
	query := `SELECT body, version, state FROM carts WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var (
		body    []byte
		version int64
		state   string
	)
	err := q.QueryRowContext(ctx, query, id).Scan(&body, &version, &state)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Cart{}, domain.NotFoundError(domain.KindCart, id)
	}
	if err != nil {
		return domain.Cart{}, fmt.Errorf("select cart: %w", err)
	}

	return decodeCart(body, version, state)
}

// writeCart пишет корзину при условии, что в базе всё ещё версия expected.
func writeCart(ctx context.Context, q queryer, cart domain.Cart, expected int64) error {
	body, err := json.Marshal(cart)
	if err != nil {
		return fmt.Errorf("marshal cart: %w", err)
	}

	res, err := q.ExecContext(ctx, `
		UPDATE carts
		SET version = $3,
		    customer_id = $4,
		    state = $5,
		    currency = $6,
		    body = $7,
		    updated_at = $8
		WHERE id = $1 AND version = $2
	`,
		cart.ID, expected, cart.Version, nullString(cart.CustomerID), string(cart.State), cart.Currency, string(body), cart.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update cart: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for cart update: %w", err)
	}
	if affected == 0 {
		return domain.ConflictError(domain.KindCart, cart.ID, expected)
	}
	return nil
}

func decodeCart(body []byte, version int64, state string) (domain.Cart, error) {
	var cart domain.Cart
	if err := json.Unmarshal(body, &cart); err != nil {
		return domain.Cart{}, fmt.Errorf("decode cart: %w", err)
	}
	cart.Version = version
	cart.State = domain.CartState(state)
	return cart, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ domain.CartRepository = (*cartRepository)(nil)
