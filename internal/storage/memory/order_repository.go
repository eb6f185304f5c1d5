package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// orderRepositoryInMemory реализует OrderRepository в памяти.
// Создание заказа проверяет версию и snapshot корзины, затем доступность позиций в каталоге.
type orderRepositoryInMemory struct {
	mu       sync.RWMutex
	items    map[string]domain.Order
	byNumber map[string]string
	carts    *cartRepositoryInMemory
	catalog  domain.Catalog
}

// NewOrderRepository возвращает in-memory репозиторий заказов поверх in-memory корзин.
// catalog может быть nil: тогда все позиции считаются доступными.
func NewOrderRepository(carts *cartRepositoryInMemory, catalog domain.Catalog) *orderRepositoryInMemory {
	return &orderRepositoryInMemory{
		items:    make(map[string]domain.Order),
		byNumber: make(map[string]string),
		carts:    carts,
		catalog:  catalog,
	}
}

// CreateFromCart создаёт заказ из корзины на версии draft.CartVersion.
func (r *orderRepositoryInMemory) CreateFromCart(ctx context.Context, draft domain.OrderDraft) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}
	if draft.OrderNumber == "" {
		return domain.Order{}, domain.NewValidationError("orderNumber", "is required")
	}

	cart, err := r.carts.Get(ctx, draft.CartID)
	if err != nil {
		return domain.Order{}, err
	}
	if cart.Version != draft.CartVersion {
		return domain.Order{}, domain.ConflictError(domain.KindCart, cart.ID, draft.CartVersion)
	}
	if !cart.Active() {
		return domain.Order{}, domain.ErrCartNotActive
	}
	if cart.IsEmpty() {
		return domain.Order{}, domain.NewValidationError("lineItems", "cart is empty")
	}
	if draft.SnapshotToken != "" && draft.SnapshotToken != domain.SnapshotToken(cart) {
		return domain.Order{}, domain.ErrStaleCart
	}

	if r.catalog != nil {
		reasons, err := r.catalog.Check(ctx, cart.LineItems)
		if err != nil {
			return domain.Order{}, err
		}
		if len(reasons) > 0 {
			return domain.Order{}, unavailableError(cart.LineItems, reasons)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.byNumber[draft.OrderNumber]; taken {
		return domain.Order{}, domain.NewValidationError("orderNumber", "already used "+draft.OrderNumber)
	}

	reserver, _ := r.catalog.(*Catalog)
	if reserver != nil {
		if err := reserver.reserve(cart.LineItems); err != nil {
			return domain.Order{}, err
		}
	}
	if _, err := r.carts.markOrdered(cart.ID, draft.CartVersion); err != nil {
		if reserver != nil {
			reserver.release(cart.LineItems)
		}
		return domain.Order{}, err
	}

	order := domain.NewOrderFromCart(uuid.NewString(), cart, draft, time.Now().UTC())
	r.items[order.ID] = order
	r.byNumber[order.OrderNumber] = order.ID
	return order.Clone(), nil
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

// Get возвращает заказ или NotFound.
func (r *orderRepositoryInMemory) Get(ctx context.Context, id string) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	order, ok := r.items[id]
	if !ok {
		return domain.Order{}, domain.NotFoundError(domain.KindOrder, id)
	}
	return order.Clone(), nil
}

// GetByOrderNumber ищет заказ по человекочитаемому номеру.
func (r *orderRepositoryInMemory) GetByOrderNumber(ctx context.Context, orderNumber string) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byNumber[orderNumber]
	if !ok {
		return domain.Order{}, domain.NotFoundError(domain.KindOrder, "number:"+orderNumber)
	}
	return r.items[id].Clone(), nil
}

// ListByCustomer возвращает заказы клиента, ограничивая выборку limit (если >0).
func (r *orderRepositoryInMemory) ListByCustomer(ctx context.Context, customerID string, limit int) ([]domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Order, 0, len(r.items))
	for _, order := range r.items {
		if order.CustomerID != customerID {
			continue
		}
		result = append(result, order.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}

	return result, nil
}

// Update применяет действия к заказу на версии version.
func (r *orderRepositoryInMemory) Update(ctx context.Context, id string, version int64, actions []domain.OrderAction) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.items[id]
	if !ok {
		return domain.Order{}, domain.NotFoundError(domain.KindOrder, id)
	}
	if current.Version != version {
		return domain.Order{}, domain.ConflictError(domain.KindOrder, id, version)
	}

	next, err := domain.ApplyOrderActions(current, actions, time.Now().UTC())
	if err != nil {
		return domain.Order{}, err
	}
	next.Version++
	r.items[id] = next.Clone()
	return next, nil
}

var _ domain.OrderRepository = (*orderRepositoryInMemory)(nil)
