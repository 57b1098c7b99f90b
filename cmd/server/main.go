package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/contabhub/onety-sub019/internal/config"
	"github.com/contabhub/onety-sub019/internal/database"
	"github.com/contabhub/onety-sub019/internal/handlers"
	"github.com/contabhub/onety-sub019/internal/locking"
	"github.com/contabhub/onety-sub019/internal/logger"
	"github.com/contabhub/onety-sub019/internal/routes"
	"github.com/contabhub/onety-sub019/internal/store"
	"github.com/contabhub/onety-sub019/internal/trigger"
	"github.com/contabhub/onety-sub019/internal/worker"
)

func main() {
	if err := logger.Init(os.Getenv("LOG_LEVEL")); err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer logger.Sync()
	log := logger.Logger

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config", zap.Error(err))
	}

	// Connect to PostgreSQL
	db, err := database.Connect(&cfg.Database, log)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer func() {
		if err := database.Close(db, log); err != nil {
			log.Error("Error closing database", zap.Error(err))
		}
	}()

	if os.Getenv("RUN_MIGRATIONS") == "true" {
		if err := database.RunMigrations(&cfg.Database, log); err != nil {
			log.Fatal("Failed to run migrations", zap.Error(err))
		}
	}

	eventStore := store.NewGormStore(db, cfg.Worker)

	// Coordination lock: Redis lease when configured, Postgres advisory
	// lock otherwise.
	var lock locking.Lock
	if cfg.HasRedis() {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		lock = locking.NewRedisLock(rdb, cfg.Worker.LockTTL, log)
		log.Info("Using Redis coordination lock", zap.String("addr", cfg.Redis.Addr))
	} else {
		pgLock, err := locking.NewPostgresLock(db, log)
		if err != nil {
			log.Fatal("Failed to initialize advisory lock", zap.Error(err))
		}
		lock = pgLock
		log.Info("Using Postgres advisory lock")
	}

	dispatcher := worker.NewDispatcher(
		&http.Client{Timeout: cfg.Worker.DispatchTimeout},
		cfg.Worker.UserAgent,
		log,
	)
	processor := worker.NewProcessor(eventStore, dispatcher, cfg.Worker, log)
	deliveryWorker := worker.NewWorker(eventStore, lock, processor, cfg.Worker, log)

	if err := deliveryWorker.Start(); err != nil {
		log.Fatal("Failed to start delivery worker", zap.Error(err))
	}
	defer deliveryWorker.Stop()

	// Optional broker-backed trigger channel for remote producers.
	var amqpConn *trigger.Connection
	if cfg.HasRabbitMQ() {
		amqpConn = trigger.NewConnection(&cfg.RabbitMQ, log)
		if err := amqpConn.Connect(); err != nil {
			log.Fatal("Failed to connect to RabbitMQ", zap.Error(err))
		}
		defer amqpConn.Close()

		listener := trigger.NewListener(amqpConn, deliveryWorker, log)
		if err := listener.Start(); err != nil {
			log.Fatal("Failed to start trigger listener", zap.Error(err))
		}
		defer listener.Stop()
	}

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName:      "Onety Webhook Worker",
		ServerHeader: "Fiber",
	})

	// Middleware
	app.Use(recover.New())
	app.Use(fiberlogger.New(fiberlogger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	routes.SetupRoutes(app,
		handlers.NewHealthHandler(db, amqpConn),
		handlers.NewWebhooksHandler(eventStore, deliveryWorker, log),
		handlers.NewEventsHandler(eventStore, log),
	)

	// Start server in a goroutine
	go func() {
		addr := cfg.Server.Host + ":" + cfg.Server.Port
		log.Info("Server starting", zap.String("address", addr))
		if err := app.Listen(addr); err != nil {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server")
	if err := app.Shutdown(); err != nil {
		log.Error("Error during server shutdown", zap.Error(err))
	}

	deliveryWorker.Stop()
	log.Info("Server stopped")
}
