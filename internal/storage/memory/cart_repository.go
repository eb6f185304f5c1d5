package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// cartRepositoryInMemory — in-memory реализация CartRepository с optimistic locking.
type cartRepositoryInMemory struct {
	mu    sync.RWMutex
	items map[string]domain.Cart
}

// NewCartRepository возвращает in-memory репозиторий корзин для локальной разработки и тестов.
func NewCartRepository() *cartRepositoryInMemory {
	return &cartRepositoryInMemory{items: make(map[string]domain.Cart)}
}

// Create сохраняет новую корзину с версией 1.
func (r *cartRepositoryInMemory) Create(ctx context.Context, draft domain.CartDraft) (domain.Cart, error) {
	if err := ctx.Err(); err != nil {
		return domain.Cart{}, err
	}
	if err := draft.Validate(); err != nil {
		return domain.Cart{}, err
	}

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
	cart = cart.Clone()
	// Позиции черновика получают собственные идентификаторы.
	for i := range cart.LineItems {
		cart.LineItems[i].ID = uuid.NewString()
		cart.LineItems[i].Price.Currency = cart.Currency
	}
	for i := range cart.CustomLineItems {
		cart.CustomLineItems[i].ID = uuid.NewString()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[cart.ID] = cart
	return cart.Clone(), nil
}

// Get возвращает корзину или NotFound.
func (r *cartRepositoryInMemory) Get(ctx context.Context, id string) (domain.Cart, error) {
	if err := ctx.Err(); err != nil {
		return domain.Cart{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	cart, ok := r.items[id]
	if !ok {
		return domain.Cart{}, domain.NotFoundError(domain.KindCart, id)
	}
	return cart.Clone(), nil
}

// GetActiveByCustomer возвращает самую свежую активную корзину клиента.
func (r *cartRepositoryInMemory) GetActiveByCustomer(ctx context.Context, customerID string) (domain.Cart, error) {
	if err := ctx.Err(); err != nil {
		return domain.Cart{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	candidates := make([]domain.Cart, 0)
	for _, cart := range r.items {
		if cart.CustomerID == customerID && cart.Active() {
			candidates = append(candidates, cart)
		}
	}
	if len(candidates) == 0 {
		return domain.Cart{}, domain.NotFoundError(domain.KindCart, "customer:"+customerID)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].UpdatedAt.Equal(candidates[j].UpdatedAt) {
			return candidates[i].UpdatedAt.After(candidates[j].UpdatedAt)
		}
		return candidates[i].ID > candidates[j].ID
	})
	return candidates[0].Clone(), nil
}

// Update применяет действия, если текущая версия равна version, и повышает её.
func (r *cartRepositoryInMemory) Update(ctx context.Context, id string, version int64, actions []domain.CartAction) (domain.Cart, error) {
	if err := ctx.Err(); err != nil {
		return domain.Cart{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.items[id]
	if !ok {
		return domain.Cart{}, domain.NotFoundError(domain.KindCart, id)
	}
	if current.Version != version {
		return domain.Cart{}, domain.ConflictError(domain.KindCart, id, version)
	}

	next, err := domain.ApplyCartActions(current, actions, uuid.NewString, time.Now().UTC())
	if err != nil {
		return domain.Cart{}, err
	}
	next.Version++
	r.items[id] = next
	return next.Clone(), nil
}

// markOrdered переводит корзину в состояние ordered на версии version.
func (r *cartRepositoryInMemory) markOrdered(id string, version int64) (domain.Cart, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.items[id]
	if !ok {
		return domain.Cart{}, domain.NotFoundError(domain.KindCart, id)
	}
	if current.Version != version {
		return domain.Cart{}, domain.ConflictError(domain.KindCart, id, version)
	}

	current.State = domain.CartStateOrdered
	current.Version++
	current.UpdatedAt = time.Now().UTC()
	r.items[id] = current
	return current.Clone(), nil
}

var _ domain.CartRepository = (*cartRepositoryInMemory)(nil)
