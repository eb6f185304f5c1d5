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

const ordersNumberConstraint = "orders_order_number_key"

type orderRepository struct {
	db *sql.DB
}

// NewOrderRepository создаёт PostgreSQL-реализацию OrderRepository.
// Создание заказа, списание остатков и перевод корзины в ordered идут одной транзакцией.
func NewOrderRepository(store *Store) domain.OrderRepository {
	return &orderRepository{db: store.DB()}
}

func (r *orderRepository) CreateFromCart(ctx context.Context, draft domain.OrderDraft) (domain.Order, error) {
	if draft.OrderNumber == "" {
		return domain.Order{}, domain.NewValidationError("orderNumber", "is required")
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var created domain.Order
	err := inTx(ctx, r.db, func(tx *sql.Tx) error {
		cart, err := getCart(ctx, tx, draft.CartID, true)
		if err != nil {
			return err
		}
		if cart.Version != draft.CartVersion {
			return domain.ConflictError(domain.KindCart, cart.ID, draft.CartVersion)
		}
		if !cart.Active() {
			return domain.ErrCartNotActive
		}
		if cart.IsEmpty() {
			return domain.NewValidationError("lineItems", "cart is empty")
		}
		if draft.SnapshotToken != "" && draft.SnapshotToken != domain.SnapshotToken(cart) {
			return domain.ErrStaleCart
		}

		reasons, err := checkItems(ctx, tx, cart.LineItems, true)
		if err != nil {
			return err
		}
		if len(reasons) > 0 {
			return unavailableError(cart.LineItems, reasons)
		}
		if err := reserveItems(ctx, tx, cart.LineItems); err != nil {
			return err
		}

		now := time.Now().UTC()
		ordered := cart
		ordered.State = domain.CartStateOrdered
		ordered.Version = cart.Version + 1
		ordered.UpdatedAt = now
		if err := writeCart(ctx, tx, ordered, draft.CartVersion); err != nil {
			return err
		}

		order := domain.NewOrderFromCart(uuid.NewString(), cart, draft, now)
		if err := insertOrder(ctx, tx, order); err != nil {
			return err
		}

		created = order
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}

	return created, nil
}

// unavailableError сохраняет порядок позиций корзины в списке идентификаторов.
func unavailableError(items []domain.LineItem, reasons map[string]domain.UnavailableReason) error {
	ids := make([]string, 0, len(reasons))
	for _, item := range items {
		if _, ok := reasons[item.ID]; ok {
			ids = append(ids, item.ID)
		}
	}
	return &domain.LineItemsUnavailableError{LineItemIDs: ids, Reasons: reasons}
}

func insertOrder(ctx context.Context, q queryer, order domain.Order) error {
	body, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("marshal order: %w", err)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO orders (
			id, version, order_number, cart_id, customer_id,
			payment_state, body, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`,
		order.ID, order.Version, order.OrderNumber, order.CartID, nullString(order.CustomerID),
		string(order.PaymentState), string(body), order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		if uniqueViolationOn(err, ordersNumberConstraint) {
			return domain.NewValidationError("orderNumber", "already used "+order.OrderNumber)
		}
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (r *orderRepository) Get(ctx context.Context, id string) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return getOrder(ctx, r.db, `SELECT body, version FROM orders WHERE id = $1`, id, id)
}

func (r *orderRepository) GetByOrderNumber(ctx context.Context, orderNumber string) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return getOrder(ctx, r.db, `SELECT body, version FROM orders WHERE order_number = $1`, "number:"+orderNumber, orderNumber)
}

func (r *orderRepository) ListByCustomer(ctx context.Context, customerID string, limit int) ([]domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	query := `
		SELECT body, version
		FROM orders
		WHERE customer_id = $1
		ORDER BY created_at DESC, id DESC`
	args := []any{customerID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list customer orders: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Order, 0)
	for rows.Next() {
		var (
			body    []byte
			version int64
		)
		if err := rows.Scan(&body, &version); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		order, err := decodeOrder(body, version)
		if err != nil {
			return nil, err
		}
		result = append(result, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order rows: %w", err)
	}

	return result, nil
}

func (r *orderRepository) Update(ctx context.Context, id string, version int64, actions []domain.OrderAction) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var updated domain.Order
	err := inTx(ctx, r.db, func(tx *sql.Tx) error {
		current, err := getOrder(ctx, tx, `SELECT body, version FROM orders WHERE id = $1 FOR UPDATE`, id, id)
		if err != nil {
			return err
		}
		if current.Version != version {
			return domain.ConflictError(domain.KindOrder, id, version)
		}

		next, err := domain.ApplyOrderActions(current, actions, time.Now().UTC())
		if err != nil {
			return err
		}
		next.Version = current.Version + 1

		body, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("marshal order: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE orders
			SET version = $3,
			    payment_state = $4,
			    body = $5,
			    updated_at = $6
			WHERE id = $1 AND version = $2
		`, id, version, next.Version, string(next.PaymentState), string(body), next.UpdatedAt)
		if err != nil {
			return fmt.Errorf("update order: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected for order update: %w", err)
		}
		if affected == 0 {
			return domain.ConflictError(domain.KindOrder, id, version)
		}

		updated = next
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}

	return updated, nil
}

func getOrder(ctx context.Context, q queryer, query, ref string, arg any) (domain.Order, error) {
	var (
		body    []byte
		version int64
	)
	err := q.QueryRowContext(ctx, query, arg).Scan(&body, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Order{}, domain.NotFoundError(domain.KindOrder, ref)
	}
	if err != nil {
		return domain.Order{}, fmt.Errorf("select order: %w", err)
	}

	return decodeOrder(body, version)
}

func decodeOrder(body []byte, version int64) (domain.Order, error) {
	var order domain.Order
	if err := json.Unmarshal(body, &order); err != nil {
		return domain.Order{}, fmt.Errorf("decode order: %w", err)
	}
	order.Version = version
	return order, nil
}

var _ domain.OrderRepository = (*orderRepository)(nil)
