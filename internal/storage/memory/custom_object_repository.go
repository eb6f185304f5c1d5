package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

type customObjectKey struct {
	container string
	key       string
}

// customObjectRepositoryInMemory хранит custom objects (счётчики, checkout info) в памяти.
type customObjectRepositoryInMemory struct {
	mu    sync.RWMutex
	items map[customObjectKey]domain.CustomObject
}

// NewCustomObjectRepository возвращает in-memory репозиторий custom objects.
func NewCustomObjectRepository() *customObjectRepositoryInMemory {
	return &customObjectRepositoryInMemory{items: make(map[customObjectKey]domain.CustomObject)}
}

// Get возвращает документ или NotFound.
func (r *customObjectRepositoryInMemory) Get(ctx context.Context, container, key string) (domain.CustomObject, error) {
	if err := ctx.Err(); err != nil {
		return domain.CustomObject{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	obj, ok := r.items[customObjectKey{container: container, key: key}]
	if !ok {
		return domain.CustomObject{}, domain.NotFoundError(domain.KindCustomObject, container+"/"+key)
	}
	obj.Value = bytes.Clone(obj.Value)
	return obj, nil
}

// Put записывает документ при выполнении условия expectedVersion.
func (r *customObjectRepositoryInMemory) Put(ctx context.Context, container, key string, value json.RawMessage, expectedVersion int64) (domain.CustomObject, error) {
	if err := ctx.Err(); err != nil {
		return domain.CustomObject{}, err
	}
	if !json.Valid(value) {
		return domain.CustomObject{}, domain.NewValidationError("value", "must be valid JSON")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := customObjectKey{container: container, key: key}
	current, exists := r.items[id]
	if !domain.WriteAllowed(current.Version, expectedVersion) {
		return domain.CustomObject{}, domain.ConflictError(domain.KindCustomObject, container+"/"+key, expectedVersion)
	}

	now := time.Now().UTC()
	next := domain.CustomObject{
		Container: container,
		Key:       key,
		Version:   current.Version + 1,
		Value:     bytes.Clone(value),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if exists {
		next.CreatedAt = current.CreatedAt
	}
	r.items[id] = next

	next.Value = bytes.Clone(next.Value)
	return next, nil
}

var _ domain.CustomObjectRepository = (*customObjectRepositoryInMemory)(nil)
