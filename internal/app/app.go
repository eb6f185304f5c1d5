package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	healthcheck "github.com/vladislavdragonenkov/storefront/internal/health"
	"github.com/vladislavdragonenkov/storefront/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/service/cart"
	"github.com/vladislavdragonenkov/storefront/internal/service/checkout"
	"github.com/vladislavdragonenkov/storefront/internal/service/customer"
	grpcsvc "github.com/vladislavdragonenkov/storefront/internal/service/grpc"
	"github.com/vladislavdragonenkov/storefront/internal/service/numbering"
	"github.com/vladislavdragonenkov/storefront/internal/service/order"
	"github.com/vladislavdragonenkov/storefront/internal/service/outbox"
	"github.com/vladislavdragonenkov/storefront/internal/service/shipping"
	"github.com/vladislavdragonenkov/storefront/internal/version"
)

const shutdownTimeout = 5 * time.Second

// Run поднимает gRPC-фасад, HTTP-метрики, воркеры outbox и consumer фида каталога.
// Блокируется до отмены ctx или падения одного из них.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := deps.closeFn(); err != nil {
			logger.WithError(err).Warn("failed to close storage")
		}
	}()

	m := metrics.NewStorefrontMetrics()
	facade, err := newStorefrontService(deps, cfg, m, logger)
	if err != nil {
		return err
	}

	producer, _ := initKafkaProducer(cfg.Brokers(), logger)
	defer closeKafkaProducer(producer, logger)

	grpcServer, healthServer := newGRPCServer(facade, logger)

	healthHandler := newHealthHandler(cfg, deps, producer)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}

	group, gctx := errgroup.WithContext(ctx)

	metricsSrv := startMetricsServer(gctx, cfg.MetricsAddr, logger, healthHandler)
	defer shutdownHTTP(metricsSrv, logger)

	group.Go(func() error {
		logger.Infof("gRPC сервер слушает %s", lis.Addr())
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		<-gctx.Done()
		logger.Info("получен сигнал остановки, останавливаем gRPC сервер")
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		stopGRPC(grpcServer, logger)
		return nil
	})

	if producer != nil {
		worker := outbox.NewWorker(deps.outboxRepo, kafka.NewOutboxPublisher(producer, cfg.KafkaTopic),
			outbox.WithLogger(logger.WithField("layer", "outbox")),
			outbox.WithDLQPublisher(kafka.NewOutboxPublisher(producer, kafka.TopicDeadLetterQueue)),
			outbox.WithPollInterval(cfg.OutboxPollInterval),
			outbox.WithBatchSize(cfg.OutboxBatchSize),
			outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
			outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
		)
		group.Go(func() error {
			worker.Run(gctx)
			return nil
		})
	} else {
		logger.Warn("kafka is not configured, checkout events stay in the outbox")
	}

	cleanup := outbox.NewCleanupWorker(deps.outboxRepo,
		outbox.WithCleanupLogger(logger.WithField("layer", "outbox-cleanup")),
		outbox.WithCleanupInterval(cfg.OutboxCleanupEvery),
		outbox.WithRetention(cfg.OutboxRetention),
	)
	group.Go(func() error {
		cleanup.Run(gctx)
		return nil
	})

	consumer, _ := initCatalogConsumer(cfg, deps.catalog, producer, logger)
	if consumer != nil {
		if err := consumer.Start(gctx); err != nil {
			logger.WithError(err).Warn("failed to start catalog consumer")
		}
		defer stopConsumer(consumer, logger)
	}

	err = group.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// newStorefrontService связывает сервисы ядра поверх выбранных хранилищ.
func newStorefrontService(deps *runtimeDependencies, cfg Config, m *metrics.StorefrontMetrics, logger *log.Entry) (*grpcsvc.StorefrontService, error) {
	shippingMethods, err := shipping.NewCatalog(cfg.ShippingMethods)
	if err != nil {
		return nil, fmt.Errorf("shipping methods: %w", err)
	}

	events := outbox.NewEmitter(deps.outboxRepo, logger.WithField("layer", "outbox"), m)
	info := checkout.NewInfoStore(deps.objects, logger.WithField("layer", "checkout-info"))

	allocator := numbering.NewAllocator(deps.objects, info,
		numbering.WithLogger(logger.WithField("layer", "numbering")),
		numbering.WithMetrics(m),
		numbering.WithCounters(
			numbering.Counter{Key: numbering.OrderNumbers.Key, Initial: cfg.OrderNumberStart},
			numbering.Counter{Key: numbering.CustomerNumbers.Key, Initial: cfg.CustomerNumberStart},
		),
	)

	carts := cart.NewService(deps.carts,
		cart.WithLogger(logger.WithField("layer", "cart")),
		cart.WithMetrics(m),
		cart.WithCheckoutInfo(info),
		cart.WithShippingMethods(shippingMethods),
	)
	checkoutSvc := checkout.NewService(deps.orders, carts.Mutator(), allocator,
		checkout.WithLogger(logger.WithField("layer", "checkout")),
		checkout.WithMetrics(m),
		checkout.WithEvents(events),
	)
	orders := order.NewService(deps.orders, logger.WithField("layer", "order"), m)
	customers := customer.NewService(deps.customers, allocator,
		customer.WithLogger(logger.WithField("layer", "customer")),
		customer.WithMetrics(m),
		customer.WithEvents(events),
	)

	return grpcsvc.NewStorefrontService(carts, checkoutSvc, orders, customers, logger.WithField("layer", "grpc")), nil
}

func newGRPCServer(facade grpcsvc.StorefrontServer, logger *log.Entry) (*grpc.Server, *health.Server) {
	grpcMetrics := promgrpc.NewServerMetrics()
	if err := prometheus.Register(grpcMetrics); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*promgrpc.ServerMetrics); ok {
				grpcMetrics = existing
			}
		} else {
			logger.WithError(err).Warn("failed to register grpc metrics")
		}
	}

	server := grpc.NewServer(grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()))
	grpcsvc.RegisterStorefrontServer(server, facade)
	grpcMetrics.InitializeMetrics(server)
	reflection.Register(server)

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(grpcsvc.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, healthServer)

	return server, healthServer
}

func stopGRPC(server *grpc.Server, logger *log.Entry) {
	stopped := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(shutdownTimeout):
		logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
		server.Stop()
	}
}

// startMetricsServer запускает HTTP-обработчики /metrics и health checks.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()

	return srv
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("metrics shutdown with error")
	}
}

// newHealthHandler регистрирует проверки хранилищ, очереди outbox и Kafka.
func newHealthHandler(cfg Config, deps *runtimeDependencies, producer *kafka.Producer) *healthcheck.Handler {
	handler := healthcheck.NewHandler(version.GetVersion())
	for name, checker := range deps.checkers {
		handler.RegisterChecker(name, checker)
	}
	handler.RegisterChecker("outbox", healthcheck.NewOutboxBacklogChecker(deps.outboxRepo, cfg.OutboxBacklogLimit, cfg.OutboxBacklogAge))

	switch {
	case producer != nil:
		handler.RegisterChecker("kafka", healthcheck.NewOptionalChecker("kafka", func(ctx context.Context) error {
			return producer.Ping(ctx, cfg.KafkaTopic)
		}))
	case len(cfg.Brokers()) > 0:
		handler.RegisterChecker("kafka", healthcheck.NewStaticChecker(healthcheck.Check{
			Name:    "kafka",
			Status:  healthcheck.StatusUnhealthy,
			Message: "kafka producer is unavailable, checkout events stay in the outbox",
		}))
	}
	return handler
}
