package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/storefront/internal/health"
	"github.com/vladislavdragonenkov/storefront/internal/service/catalogfeed"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
	"github.com/vladislavdragonenkov/storefront/internal/storage/postgres"
	"github.com/vladislavdragonenkov/storefront/internal/storage/redis"
)

// runtimeDependencies собирает хранилища, выбранные конфигурацией.
type runtimeDependencies struct {
	carts      domain.CartRepository
	orders     domain.OrderRepository
	customers  domain.CustomerRepository
	objects    domain.CustomObjectRepository
	outboxRepo domain.OutboxRepository
	catalog    catalogfeed.VariantWriter

	checkers map[string]healthcheck.Checker
	closers  []func() error
}

// closeFn закрывает подключения в обратном порядке.
func (d *runtimeDependencies) closeFn() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	deps := &runtimeDependencies{checkers: make(map[string]healthcheck.Checker)}

	driver := strings.ToLower(strings.TrimSpace(cfg.StorageDriver))
	switch driver {
	case "", StorageDriverMemory:
		carts := memory.NewCartRepository()
		catalog := memory.NewCatalog()
		deps.carts = carts
		deps.orders = memory.NewOrderRepository(carts, catalog)
		deps.customers = memory.NewCustomerRepository()
		deps.objects = memory.NewCustomObjectRepository()
		deps.outboxRepo = memory.NewOutboxRepository()
		deps.catalog = catalog
		logger.Info("using in-memory storage")
	case StorageDriverPostgres:
		if err := initPostgres(ctx, cfg, deps, logger); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}

	objectsDriver := strings.ToLower(strings.TrimSpace(cfg.ObjectsDriver))
	switch objectsDriver {
	case "", ObjectsDriverDefault:
	case ObjectsDriverRedis:
		if err := initRedis(ctx, cfg, deps, logger); err != nil {
			_ = deps.closeFn()
			return nil, err
		}
	default:
		_ = deps.closeFn()
		return nil, fmt.Errorf("unsupported custom objects driver %q", cfg.ObjectsDriver)
	}

	return deps, nil
}

func initPostgres(ctx context.Context, cfg Config, deps *runtimeDependencies, logger *log.Entry) error {
	dsn := strings.TrimSpace(cfg.PostgresDSN)
	if dsn == "" {
		return errors.New("postgres storage requires STOREFRONT_POSTGRES_DSN")
	}

	store, err := postgres.Open(ctx, dsn)
	if err != nil {
		return err
	}
	if cfg.PostgresAutoMigrate {
		if err := store.MigrateUp(ctx); err != nil {
			_ = store.Close()
			return fmt.Errorf("apply migrations: %w", err)
		}
	}

	deps.carts = postgres.NewCartRepository(store)
	deps.orders = postgres.NewOrderRepository(store)
	deps.customers = postgres.NewCustomerRepository(store)
	deps.objects = postgres.NewCustomObjectRepository(store)
	deps.outboxRepo = postgres.NewOutboxRepository(store)
	deps.catalog = postgres.NewCatalog(store)
	deps.checkers["postgres"] = healthcheck.NewStorageChecker("postgres", store.Ping)
	deps.closers = append(deps.closers, store.Close)

	logger.WithField("auto_migrate", cfg.PostgresAutoMigrate).Info("using postgres storage")
	return nil
}

func initRedis(ctx context.Context, cfg Config, deps *runtimeDependencies, logger *log.Entry) error {
	store, err := redis.Open(ctx, redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		return err
	}

	deps.objects = redis.NewCustomObjectRepository(store)
	deps.checkers["redis"] = healthcheck.NewStorageChecker("redis", store.Ping)
	deps.closers = append(deps.closers, store.Close)

	logger.WithField("addr", cfg.RedisAddr).Info("custom objects stored in redis")
	return nil
}
