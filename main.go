package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"storefront/cart"
	"storefront/catalog"
	"storefront/checkout"
	"storefront/config"
	"storefront/consumers"
	"storefront/controllers"
	"storefront/database"
	"storefront/events"
	"storefront/kafka"
	"storefront/middlewares"
	"storefront/models"
	"storefront/orders"
	"storefront/pricing"
	"storefront/rabbitmq"
)

type stores struct {
	catalog catalog.Catalog
	carts   cart.Store
	orders  orders.Store
}

func main() {
	// 加载配置
	cfg := config.LoadConfig()

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := middlewares.InitTracing("storefront", cfg.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracing", zap.Error(err))
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	// 初始化存储
	st, closeStores, err := openStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Storage initialization failed", zap.Error(err))
	}
	defer closeStores()

	// 浏览走 Redis 缓存，结账始终读主存储
	browse := catalog.Reader(st.catalog)
	authoritative := st.catalog
	if cfg.RedisAddr != "" {
		rdb, err := catalog.InitRedis(cfg.RedisAddr, cfg.RedisPassword, logger)
		if err != nil {
			logger.Warn("Redis unavailable, catalog cache disabled", zap.Error(err))
		} else {
			defer func() { _ = rdb.Close() }()
			cache := catalog.NewCache(st.catalog, rdb, cfg.CatalogCacheTTL, logger)
			browse = cache
			authoritative = cache.Authoritative()
		}
	}

	publisher, rmq := openPublishers(cfg, logger)
	defer func() { _ = publisher.Close() }()

	// 启动消息消费者
	if rmq != nil {
		ch, err := rmq.Conn.Channel()
		if err != nil {
			logger.Fatal("Failed to open consumer channel", zap.Error(err))
		}
		consumer := consumers.NewOrderConsumer(st.carts, publisher, logger, cfg.CartRetryMax)
		if err := consumer.Start(ctx, ch, cfg); err != nil {
			logger.Fatal("Failed to start consumers", zap.Error(err))
		}
	}

	calc := pricing.NewCalculator(cfg.TaxRate)
	engine := checkout.NewEngine(authoritative, st.carts, st.orders, calc, logger,
		checkout.WithPublisher(publisher),
		checkout.WithTimeout(cfg.CheckoutTimeout),
	)

	router := controllers.SetupRouter(&controllers.Controller{
		Catalog:   browse,
		Carts:     st.carts,
		Orders:    st.orders,
		Engine:    engine,
		Calc:      calc,
		Publisher: publisher,
		Logger:    logger,
	}, cfg.JWTSecret)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()
	logger.Info("Storefront service started",
		zap.String("addr", cfg.HTTPAddr), zap.String("storage", cfg.StorageDriver))

	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	logger.Info("Server exited")
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func openStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (stores, func(), error) {
	if cfg.StorageDriver == config.StorageMemory {
		logger.Warn("Using in-memory storage; data is lost on restart")
		return stores{
			catalog: catalog.NewMemoryStore(demoProducts()...),
			carts:   cart.NewMemoryStore(),
			orders:  orders.NewMemoryStore(),
		}, func() {}, nil
	}

	// 初始化数据库
	db, err := database.InitDB(cfg, logger)
	if err != nil {
		return stores{}, nil, err
	}
	if err := database.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return stores{}, nil, err
	}
	return mysqlStores(db), func() { _ = db.Close() }, nil
}

func mysqlStores(db *sql.DB) stores {
	return stores{
		catalog: catalog.NewStore(db),
		carts:   cart.NewMySQLStore(db),
		orders:  orders.NewMySQLStore(db),
	}
}

// openPublishers connects the configured brokers. A broker that cannot be
// reached is skipped; checkout never depends on event delivery.
func openPublishers(cfg *config.Config, logger *zap.Logger) (events.Publisher, *rabbitmq.RabbitMQ) {
	var (
		multi events.Multi
		rmq   *rabbitmq.RabbitMQ
	)

	if cfg.RabbitMQURL != "" {
		// 初始化RabbitMQ
		r, err := connectRabbitMQ(cfg, logger)
		if err != nil {
			logger.Warn("RabbitMQ unavailable, order events disabled", zap.Error(err))
		} else {
			rmq = r
			multi = append(multi, r)
		}
	}

	if len(cfg.KafkaBrokers) > 0 {
		multi = append(multi, kafka.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger))
	}

	if len(multi) == 0 {
		return events.Nop{}, nil
	}
	return multi, rmq
}

// connectRabbitMQ dials the broker and declares the topology.
func connectRabbitMQ(cfg *config.Config, logger *zap.Logger) (*rabbitmq.RabbitMQ, error) {
	r, err := rabbitmq.NewRabbitMQ(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := r.SetupQueues(); err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("failed to setup RabbitMQ queues: %w", err)
	}
	return r, nil
}

func demoProducts() []models.Product {
	return []models.Product{
		{ID: "lamp", Title: "Desk lamp", Price: decimal.RequireFromString("29.99"), Stock: 25, Category: "home"},
		{ID: "mug", Title: "Stoneware mug", Price: decimal.RequireFromString("15.00"), Stock: 40, Category: "kitchen"},
		{ID: "notebook", Title: "Dot grid notebook", Price: decimal.RequireFromString("8.50"), Stock: 100, Category: "stationery"},
		{ID: "headphones", Title: "Wireless headphones", Price: decimal.RequireFromString("1199.00"), Stock: 5, Category: "audio"},
	}
}
