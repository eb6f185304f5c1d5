package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const (
	defaultKeyPrefix = "storefront:co"
	opTimeout        = 5 * time.Second

	fieldVersion   = "version"
	fieldValue     = "value"
	fieldCreatedAt = "created_at"
	fieldUpdatedAt = "updated_at"
)

// Options задаёт параметры подключения к Redis.
type Options struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// Store держит клиента Redis для custom objects.
type Store struct {
	rdb    *goredis.Client
	prefix string
}

// Open подключается к Redis и проверяет доступность через PING.
func Open(ctx context.Context, opts Options) (*Store, error) {
	addr := strings.TrimSpace(opts.Addr)
	if addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: opTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	prefix := strings.TrimSpace(opts.KeyPrefix)
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &Store{rdb: rdb, prefix: prefix}, nil
}

// Ping проверяет доступность Redis (используется health-check'ом).
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.rdb == nil {
		return fmt.Errorf("redis store is not initialized")
	}
	return s.rdb.Ping(ctx).Err()
}

// Close закрывает клиента.
func (s *Store) Close() error {
	if s == nil || s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}

type customObjectRepository struct {
	store *Store
}

// NewCustomObjectRepository хранит каждый custom object в отдельном hash.
// Условная запись выполняется через WATCH/MULTI: изменение ключа между чтением и EXEC даёт конфликт.
func NewCustomObjectRepository(store *Store) domain.CustomObjectRepository {
	return &customObjectRepository{store: store}
}

func (r *customObjectRepository) key(container, key string) string {
	return r.store.prefix + ":" + container + ":" + key
}

func (r *customObjectRepository) Get(ctx context.Context, container, key string) (domain.CustomObject, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	fields, err := r.store.rdb.HGetAll(ctx, r.key(container, key)).Result()
	if err != nil {
		return domain.CustomObject{}, fmt.Errorf("redis hgetall: %w", err)
	}
	if len(fields) == 0 {
		return domain.CustomObject{}, domain.NotFoundError(domain.KindCustomObject, container+"/"+key)
	}

	return decodeObject(container, key, fields)
}

func (r *customObjectRepository) Put(ctx context.Context, container, key string, value json.RawMessage, expectedVersion int64) (domain.CustomObject, error) {
	if !json.Valid(value) {
		return domain.CustomObject{}, domain.NewValidationError("value", "must be valid JSON")
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	redisKey := r.key(container, key)
	ref := container + "/" + key
	var written domain.CustomObject

	err := r.store.rdb.Watch(ctx, func(tx *goredis.Tx) error {
		fields, err := tx.HGetAll(ctx, redisKey).Result()
		if err != nil {
			return fmt.Errorf("redis hgetall: %w", err)
		}

		now := time.Now().UTC()
		current := domain.CustomObject{CreatedAt: now}
		if len(fields) > 0 {
			current, err = decodeObject(container, key, fields)
			if err != nil {
				return err
			}
		}
		if !domain.WriteAllowed(current.Version, expectedVersion) {
			return domain.ConflictError(domain.KindCustomObject, ref, expectedVersion)
		}

		written = domain.CustomObject{
			Container: container,
			Key:       key,
			Version:   current.Version + 1,
			Value:     append(json.RawMessage(nil), value...),
			CreatedAt: current.CreatedAt,
			UpdatedAt: now,
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, redisKey, map[string]any{
				fieldVersion:   written.Version,
				fieldValue:     string(written.Value),
				fieldCreatedAt: written.CreatedAt.Format(time.RFC3339Nano),
				fieldUpdatedAt: written.UpdatedAt.Format(time.RFC3339Nano),
			})
			return nil
		})
		return err
	}, redisKey)
	if errors.Is(err, goredis.TxFailedErr) {
		return domain.CustomObject{}, domain.ConflictError(domain.KindCustomObject, ref, expectedVersion)
	}
	if err != nil {
		return domain.CustomObject{}, err
	}

	return written, nil
}

func decodeObject(container, key string, fields map[string]string) (domain.CustomObject, error) {
	version, err := strconv.ParseInt(fields[fieldVersion], 10, 64)
	if err != nil {
		return domain.CustomObject{}, fmt.Errorf("parse custom object version: %w", err)
	}

	obj := domain.CustomObject{
		Container: container,
		Key:       key,
		Version:   version,
		Value:     json.RawMessage(fields[fieldValue]),
	}
	if obj.CreatedAt, err = time.Parse(time.RFC3339Nano, fields[fieldCreatedAt]); err != nil {
		return domain.CustomObject{}, fmt.Errorf("parse custom object created_at: %w", err)
	}
	if obj.UpdatedAt, err = time.Parse(time.RFC3339Nano, fields[fieldUpdatedAt]); err != nil {
		return domain.CustomObject{}, fmt.Errorf("parse custom object updated_at: %w", err)
	}
	return obj, nil
}

var _ domain.CustomObjectRepository = (*customObjectRepository)(nil)
