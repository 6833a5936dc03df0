package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"checkout-engine/config"
	"checkout-engine/internal/api"
	"checkout-engine/internal/broker"
	"checkout-engine/internal/models"
	"checkout-engine/internal/payment"
	"checkout-engine/internal/redisclient"
	"checkout-engine/internal/service"
	"checkout-engine/internal/settings"
	"checkout-engine/internal/store"
	"checkout-engine/internal/store/memstore"
	"checkout-engine/internal/util"
	"checkout-engine/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// repository is what the services and the settings provider need from storage
type repository interface {
	service.Repository
	settings.Repository
	Ping(ctx context.Context) error
	Close() error
}

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting checkout engine")

	tp, err := util.InitTracer("checkout-engine", cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("Error shutting down tracer", zap.Error(err))
		}
	}()

	repo, err := openRepository(cfg)
	if err != nil {
		logger.Fatal("Failed to open repository", zap.Error(err))
	}
	defer repo.Close()

	deps := map[string]api.Pinger{"database": repo}

	var (
		cache  settings.Cache
		leader worker.LeaderLock
	)
	if cfg.Redis.Enabled {
		redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()
		logger.Info("Redis connected")

		cache = redisClient
		leader = redisClient
		deps["redis"] = redisClient
	}

	gateway, err := newGateway(cfg.Payment, cfg.Server.Env)
	if err != nil {
		logger.Fatal("Failed to initialize payment gateway", zap.Error(err))
	}

	var publisher service.EventPublisher
	if cfg.Kafka.Enabled {
		producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicIntentEvents)
		defer producer.Close()
		publisher = broker.NewEventPublisher(producer)
		logger.Info("Kafka producer initialized", zap.Strings("brokers", cfg.Kafka.Brokers))
	}

	audit := service.NewAuditLogger(repo)
	ledger := service.NewLedger(repo)
	locker := service.NewDiscountLocker(repo)
	settingsProvider := settings.NewProvider(repo, cache, cfg.Business.SettingsCacheTTL)
	intentService := service.NewIntentService(repo, ledger, locker, settingsProvider, publisher, audit)
	settlement := service.NewSettlement(repo, ledger, locker, gateway, publisher, audit)
	paymentService := service.NewPaymentService(repo, intentService, settlement, gateway, audit)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	reaper := worker.NewReaper(intentService, ledger, leader, cfg.Business.SweepInterval, cfg.Business.SweepBatch)
	g.Go(func() error {
		return ignoreCancel(reaper.Start(gctx))
	})

	if cfg.Kafka.Enabled {
		paymentConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicPaymentEvents, cfg.Kafka.ConsumerGroup)
		paymentWorker := worker.NewPaymentWorker(paymentConsumer, paymentService)
		g.Go(func() error {
			return ignoreCancel(paymentWorker.Start(gctx))
		})
		defer paymentWorker.Stop()
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(intentService, settlement, paymentService, ledger, deps)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Server stopped with error", zap.Error(err))
	}
	logger.Info("Server exited")
}

func openRepository(cfg *config.Config) (repository, error) {
	logger := util.GetLogger()

	switch cfg.Database.Driver {
	case "memory":
		mem := memstore.New()
		seedDemoCatalog(mem)
		logger.Warn("Using in-memory store; data is lost on restart")
		return mem, nil
	case "postgres", "":
		db, err := store.NewStore(cfg.Database.URL)
		if err != nil {
			return nil, err
		}
		if cfg.Database.Migrate {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := db.Migrate(ctx); err != nil {
				db.Close()
				return nil, err
			}
		}
		logger.Info("Database connected")
		return db, nil
	default:
		return nil, fmt.Errorf("unknown DB_DRIVER %q", cfg.Database.Driver)
	}
}

func newGateway(cfg config.PaymentConfig, env string) (payment.Gateway, error) {
	switch cfg.Provider {
	case "stripe":
		return payment.NewStripeGateway(cfg.StripeAPIKey, cfg.WebhookSecret)
	case "signing", "":
		secret := cfg.KeySecret
		if secret == "" {
			if env == "production" {
				return nil, errors.New("PAYMENT_KEY_SECRET is required in production")
			}
			secret = "dev-key-secret"
			util.GetLogger().Warn("PAYMENT_KEY_SECRET not set, using development secret")
		}
		return payment.NewSigningGateway(secret, cfg.WebhookSecret)
	default:
		return nil, fmt.Errorf("unknown PAYMENT_PROVIDER %q", cfg.Provider)
	}
}

func seedDemoCatalog(mem *memstore.Store) {
	ring := mem.AddProduct(models.Product{
		SKU: "RING-SOL-01", Name: "Solitaire ring", Category: "ring", MetalType: "gold",
		WeightGrams: decimal.RequireFromString("4.2"), BasePrice: decimal.NewFromInt(24000),
		Stock: 10, Active: true,
	})
	for _, size := range []string{"6", "7", "8"} {
		mem.AddVariant(models.Variant{
			ProductID: ring.ID, SKU: "RING-SOL-01-" + size, Size: size, Color: "yellow", Finish: "polished",
			Stock: 3, Active: true,
		})
	}
	mem.AddProduct(models.Product{
		SKU: "CHAIN-SIL-01", Name: "Silver chain", Category: "chain", MetalType: "silver",
		WeightGrams: decimal.RequireFromString("12.5"), BasePrice: decimal.NewFromInt(3500),
		Stock: 25, Active: true,
	})
	mem.AddDiscount(models.Discount{
		Code: "WELCOME10", Type: models.DiscountPercentage, Value: decimal.NewFromInt(10),
		MaxDiscountAmount: decimal.NewNullDecimal(decimal.NewFromInt(2000)), Active: true,
	})
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
