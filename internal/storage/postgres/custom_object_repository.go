package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

type customObjectRepository struct {
	db *sql.DB
}

// NewCustomObjectRepository создаёт PostgreSQL-реализацию CustomObjectRepository.
func NewCustomObjectRepository(store *Store) domain.CustomObjectRepository {
	return &customObjectRepository{db: store.DB()}
}

func (r *customObjectRepository) Get(ctx context.Context, container, key string) (domain.CustomObject, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	obj := domain.CustomObject{Container: container, Key: key}
	var value []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT version, value, created_at, updated_at
		FROM custom_objects
		WHERE container = $1 AND key = $2
	`, container, key).Scan(&obj.Version, &value, &obj.CreatedAt, &obj.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CustomObject{}, domain.NotFoundError(domain.KindCustomObject, container+"/"+key)
	}
	if err != nil {
		return domain.CustomObject{}, fmt.Errorf("select custom object: %w", err)
	}

	obj.Value = json.RawMessage(value)
	obj.CreatedAt = obj.CreatedAt.UTC()
	obj.UpdatedAt = obj.UpdatedAt.UTC()
	return obj, nil
}

// Put выбирает запрос по условию записи; отсутствие затронутой строки означает конфликт.
func (r *customObjectRepository) Put(ctx context.Context, container, key string, value json.RawMessage, expectedVersion int64) (domain.CustomObject, error) {
	if !json.Valid(value) {
		return domain.CustomObject{}, domain.NewValidationError("value", "must be valid JSON")
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	now := time.Now().UTC()
	var query string
	args := []any{container, key, string(value), now}

	switch expectedVersion {
	case domain.VersionAbsent:
		query = `
			INSERT INTO custom_objects (container, key, version, value, created_at, updated_at)
			VALUES ($1, $2, 1, $3, $4, $4)
			ON CONFLICT (container, key) DO NOTHING
			RETURNING version, created_at`
	case domain.VersionAny:
		query = `
			INSERT INTO custom_objects (container, key, version, value, created_at, updated_at)
			VALUES ($1, $2, 1, $3, $4, $4)
			ON CONFLICT (container, key) DO UPDATE
			SET version = custom_objects.version + 1,
			    value = EXCLUDED.value,
			    updated_at = EXCLUDED.updated_at
			RETURNING version, created_at`
	default:
		query = `
			UPDATE custom_objects
			SET version = version + 1,
			    value = $3,
			    updated_at = $4
			WHERE container = $1 AND key = $2 AND version = $5
			RETURNING version, created_at`
		args = append(args, expectedVersion)
	}

	obj := domain.CustomObject{
		Container: container,
		Key:       key,
		Value:     append(json.RawMessage(nil), value...),
		UpdatedAt: now,
	}
	err := r.db.QueryRowContext(ctx, query, args...).Scan(&obj.Version, &obj.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CustomObject{}, domain.ConflictError(domain.KindCustomObject, container+"/"+key, expectedVersion)
	}
	if err != nil {
		return domain.CustomObject{}, fmt.Errorf("put custom object: %w", err)
	}

	obj.CreatedAt = obj.CreatedAt.UTC()
	return obj, nil
}

var _ domain.CustomObjectRepository = (*customObjectRepository)(nil)
