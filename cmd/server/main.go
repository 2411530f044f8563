package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"laundry-order-service/config"
	"laundry-order-service/internal/api"
	"laundry-order-service/internal/broker"
	"laundry-order-service/internal/provider/vietqr"
	"laundry-order-service/internal/redisclient"
	"laundry-order-service/internal/service"
	"laundry-order-service/internal/store"
	"laundry-order-service/internal/store/memstore"
	"laundry-order-service/internal/util"
	"laundry-order-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type backend interface {
	store.Repository
	store.Catalog
}

func openBackend(ctx context.Context, cfg *config.Config) (backend, error) {
	switch cfg.Database.Driver {
	case "memory":
		return memstore.New(), nil
	case "postgres":
		db, err := store.NewStore(cfg.Database.URL)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.Database.Driver)
	}
}

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting laundry order service")

	tp, err := util.InitTracer(util.ServiceName, cfg.Observ.JaegerEndpoint)
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

	ctx := context.Background()

	db, err := openBackend(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to open store", zap.String("driver", cfg.Database.Driver), zap.Error(err))
	}
	defer db.Close()
	logger.Info("Store ready", zap.String("driver", cfg.Database.Driver))

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	registry := service.NewRedisMachineRegistry(redisClient)
	if err := registry.SyncRegistry(ctx, db); err != nil {
		logger.Error("Failed to sync machine registry", zap.Error(err))
	}

	eventProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrderEvents)
	defer eventProducer.Close()
	commandProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicMachineCommands)
	defer commandProducer.Close()
	logger.Info("Kafka producers initialized")

	orchestrator := service.NewOrchestrator(service.Deps{
		Repo:     db,
		Catalog:  db,
		Registry: registry,
		Events:   broker.NewEventPublisher(eventProducer),
		Machines: broker.NewMachineCommander(commandProducer),
		Keys:     redisClient,
	}, service.Options{
		QRExpiry:            cfg.Business.QRExpiry,
		PaymentTimeout:      cfg.Business.PaymentTimeout,
		MachineStartGrace:   cfg.Business.MachineStartGrace,
		IdempotencyKeyTTL:   cfg.Business.IdempotencyKeyTTL,
		CallbackDedupWindow: cfg.Business.CallbackDedupWindow,
	})

	provider := vietqr.NewClient(vietqr.Config{
		BaseURL:         cfg.Provider.BaseURL,
		Username:        cfg.Provider.Username,
		Password:        cfg.Provider.Password,
		BankCode:        cfg.Provider.BankCode,
		BankAccount:     cfg.Provider.BankAccount,
		BankAccountName: cfg.Provider.BankAccountName,
		QRExpiry:        orchestrator.QRExpiry(),
	})
	detailWorker := worker.NewDetailWorker(orchestrator, provider, worker.RetryPolicy{
		MaxAttempts:    cfg.Business.DetailMaxAttempts,
		InitialBackoff: cfg.Business.DetailBackoff,
		AttemptTimeout: cfg.Business.ProviderTimeout,
	}, cfg.Business.WorkerConcurrency)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	workers, workerCtx := errgroup.WithContext(workerCtx)

	switch cfg.Kafka.JobTransport {
	case "kafka":
		jobProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicPaymentJobs)
		defer jobProducer.Close()
		orchestrator.SetJobQueue(broker.NewJobProducer(jobProducer))

		jobConsumer := worker.NewJobConsumer(
			broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicPaymentJobs, cfg.Kafka.ConsumerGroup),
			detailWorker,
		)
		defer jobConsumer.Stop()
		workers.Go(func() error {
			if err := jobConsumer.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	default:
		orchestrator.SetJobQueue(detailWorker)
		workers.Go(func() error { return detailWorker.Run(workerCtx) })
	}
	logger.Info("Payment detail jobs configured", zap.String("transport", cfg.Kafka.JobTransport))

	sweeper := worker.NewSweeper(orchestrator, redisClient, cfg.Business.SweepInterval)
	workers.Go(func() error { return sweeper.Run(workerCtx) })

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(orchestrator, map[string]api.Pinger{
		"store": db,
		"redis": redisClient,
	})
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if err := workers.Wait(); err != nil {
		logger.Error("Background worker stopped with error", zap.Error(err))
	}

	logger.Info("Server exited")
}
