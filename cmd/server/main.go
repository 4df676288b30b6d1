package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"

	"pulsecrm/internal/config"
	"pulsecrm/internal/database"
	"pulsecrm/internal/dispatch"
	"pulsecrm/internal/handlers"
	"pulsecrm/internal/health"
	"pulsecrm/internal/insights"
	"pulsecrm/internal/jobs"
	"pulsecrm/internal/logging"
	"pulsecrm/internal/metrics"
	"pulsecrm/internal/middleware"
	"pulsecrm/internal/models"
	"pulsecrm/internal/quota"
	"pulsecrm/internal/registry"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	// Initialize structured logging (JSON in production, text in dev)
	logging.Init()

	log.Println("🚀 Starting PulseCRM AI Server...")

	// Load .env file (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil {
		log.Printf("⚠️  No .env file found or error loading it: %v", err)
	}

	cfg := config.Load()
	log.Printf("📋 Configuration loaded (Port: %s)", cfg.Port)

	// Provider catalog
	catalog, err := config.LoadProviders(cfg.ProvidersFile)
	if err != nil {
		log.Fatalf("❌ Failed to load provider catalog: %v", err)
	}

	reg := registry.New()
	if err := reg.Seed(catalog); err != nil {
		log.Fatalf("❌ Failed to seed service registry: %v", err)
	}
	log.Printf("✅ Service registry seeded with %d providers", reg.Stats().TotalServices)

	// Metrics
	appMetrics := metrics.Init()

	// Insight store: MongoDB when configured, in-memory otherwise
	var store insights.Store
	var mongoDB *database.MongoDB
	if cfg.MongoURI != "" {
		log.Println("🔗 Connecting to MongoDB...")
		mongoDB, err = database.NewMongoDB(cfg.MongoURI)
		if err != nil {
			log.Fatalf("❌ Failed to connect to MongoDB: %v", err)
		}
		defer mongoDB.Close(context.Background())

		if err := mongoDB.Initialize(context.Background()); err != nil {
			log.Fatalf("❌ Failed to initialize MongoDB indexes: %v", err)
		}
		store = insights.NewMongoStore(mongoDB, appMetrics)
		log.Println("✅ MongoDB connected, insight persistence enabled")
	} else {
		store = insights.NewMemoryStore(appMetrics)
		log.Println("⚠️  MONGODB_URI not set - using in-memory insight store")
	}

	// Quota guard: Redis-backed windows when configured so multiple
	// instances share counters
	var quotaBackend quota.Backend
	if cfg.RedisURL != "" {
		redisBackend, err := quota.NewRedisBackend(cfg.RedisURL)
		if err != nil {
			log.Printf("⚠️  Redis unavailable (%v) - falling back to in-memory quota counters", err)
		} else {
			defer redisBackend.Close()
			quotaBackend = redisBackend
			log.Println("✅ Redis connected, shared quota windows enabled")
		}
	}
	guard := quota.NewGuard(quota.LoadConfig(), quotaBackend)

	// Health monitor with per-category probe strategies
	monitor := health.NewMonitor(reg, cfg.ProbeTimeout)
	monitor.RegisterStrategy(&health.ChatProbe{})
	monitor.RegisterStrategy(&health.AnalysisProbe{})
	monitor.RegisterStrategy(&health.ConnectivityProbe{Cat: models.CategoryFinance})
	monitor.RegisterStrategy(&health.ConnectivityProbe{Cat: models.CategoryNews})
	monitor.RegisterStrategy(&health.ConnectivityProbe{Cat: models.CategoryImage})

	// Dispatcher
	dispatcher := dispatch.New(reg, monitor, appMetrics, dispatch.Options{
		DefaultTimeout: cfg.DispatchTimeout,
		CacheTTL:       cfg.CacheTTL,
		MaxRetries:     cfg.MaxRetries,
		RetryBaseDelay: cfg.RetryBaseDelay,
	})

	// Background jobs
	scheduler := jobs.NewJobScheduler()
	scheduler.Register("provider-health-check", jobs.NewProviderHealthChecker(monitor, cfg.HealthCheckInterval))
	if err := scheduler.Start(); err != nil {
		log.Fatalf("❌ Failed to start job scheduler: %v", err)
	}

	// Fiber app
	app := fiber.New(fiber.Config{
		AppName:      "PulseCRM AI v1.0",
		ReadTimeout:  120 * time.Second,
		WriteTimeout: 120 * time.Second, // LLM responses can take a while
		IdleTimeout:  120 * time.Second,
		BodyLimit:    5 * 1024 * 1024,
	})

	app.Use(recover.New())
	app.Use(logger.New())

	prometheus := fiberprometheus.New("pulsecrm")
	prometheus.RegisterAt(app, "/metrics")
	app.Use(prometheus.Middleware)
	log.Println("📊 Prometheus metrics endpoint enabled at /metrics")

	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	if allowedOrigins == "" {
		allowedOrigins = "http://localhost:5173,http://localhost:3000"
		log.Println("⚠️  ALLOWED_ORIGINS not set, using development defaults")
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization",
		AllowCredentials: allowedOrigins != "*",
	}))

	// Outer per-IP flood limiter, then identity, then per-class quotas
	app.Use("/api", middleware.GlobalRateLimiter(middleware.LoadGlobalLimit()))
	app.Use("/api", middleware.Identity())

	// Handlers
	aiHandler := handlers.NewAIHandler(dispatcher, store)
	insightHandler := handlers.NewInsightHandler(store)
	serviceHandler := handlers.NewServiceHandler(reg)
	healthHandler := handlers.NewHealthHandler(reg, monitor)

	app.Get("/health", healthHandler.Liveness)

	api := app.Group("/api")

	ai := api.Group("/ai")
	ai.Post("/chat", middleware.Quota(guard, quota.ClassAIChat, appMetrics), aiHandler.Chat)
	ai.Post("/compare", middleware.Quota(guard, quota.ClassBatch, appMetrics), aiHandler.Compare)
	ai.Post("/analyze", middleware.Quota(guard, quota.ClassAIChat, appMetrics), aiHandler.Analyze)
	ai.Post("/insights", middleware.Quota(guard, quota.ClassAIChat, appMetrics), aiHandler.GenerateInsights)
	ai.Get("/insights", middleware.Quota(guard, quota.ClassGeneral, appMetrics), insightHandler.ListRecent)
	ai.Get("/insights/:subjectId", middleware.Quota(guard, quota.ClassGeneral, appMetrics), insightHandler.GetBySubject)
	ai.Get("/health", healthHandler.Providers)
	ai.Post("/health/probe", middleware.Quota(guard, quota.ClassReports, appMetrics), healthHandler.Probe)

	services := api.Group("/services")
	services.Get("/", middleware.Quota(guard, quota.ClassGeneral, appMetrics), serviceHandler.List)
	services.Get("/stats", middleware.Quota(guard, quota.ClassGeneral, appMetrics), serviceHandler.Stats)
	services.Post("/:name/activate", middleware.RequireAdmin(cfg.AdminUserIDs), serviceHandler.Activate)
	services.Post("/:name/deactivate", middleware.RequireAdmin(cfg.AdminUserIDs), serviceHandler.Deactivate)

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("\n🛑 Shutting down server...")
		scheduler.Stop()

		if err := app.Shutdown(); err != nil {
			log.Printf("⚠️  Error shutting down server: %v", err)
		}
	}()

	log.Printf("🌐 Server listening on port %s", cfg.Port)
	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Fatalf("❌ Failed to start server: %v", err)
	}
}
