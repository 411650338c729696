package bootstrap

import (
	"strings"

	"worker_server/adapter/in/http"
	"worker_server/config"
	"worker_server/infra/middleware"
	"worker_server/internal/telemetry"
	"worker_server/pkg/cache"
	"worker_server/pkg/logger"
	"worker_server/pkg/metrics"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
)

// NewAPI builds the Fiber app serving the Notification Webhook (C8), the
// Gmail auth/watch admin surface, and the Operator API (C12).
func NewAPI(cfg *config.Config) (*fiber.App, func(), error) {
	logLevel := logger.LevelInfo
	if cfg.IsDevelopment() {
		logLevel = logger.LevelDebug
	}
	logger.Init(logger.Config{Level: logLevel, Service: "mailbox-worker-api"})

	deps, cleanup, err := NewDependencies(cfg)
	if err != nil {
		logger.WithError(err).Error("failed to initialize dependencies")
		return nil, nil, err
	}

	app := fiber.New(fiber.Config{
		ErrorHandler:          middleware.ErrorHandler(),
		DisableStartupMessage: cfg.IsProduction(),
		StrictRouting:         false,
		CaseSensitive:         false,
		ReadBufferSize:        16384,
		WriteBufferSize:       16384,
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		BodyLimit:             10 * 1024 * 1024,
	})

	app.Use(middleware.Recover())
	app.Use(middleware.RequestID())
	app.Use(middleware.SecurityHeaders())
	app.Use(middleware.PreventPathTraversal())
	app.Use(middleware.InputSanitizer())
	app.Use(middleware.RequestLogger())
	app.Use(compress.New(compress.Config{Level: compress.LevelBestSpeed}))
	app.Use(middleware.ETag())

	middleware.InitAuditLogger(deps.Redis)
	app.Use(middleware.AuditMiddleware())

	allowOrigins := strings.Join(cfg.AllowedOrigins, ",")
	app.Use(cors.New(cors.Config{
		AllowOrigins: allowOrigins,
		AllowMethods: "GET,POST,PUT,DELETE,PATCH,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,X-Request-ID",
		MaxAge:       86400,
	}))

	healthHandler := http.NewHealthHandlerWithDeps(deps.DB, deps.PGPool, deps.Redis)
	healthHandler.Register(app)
	// spec's HTTP table also expects the liveness/readiness probes reachable
	// under the same /api prefix as everything else.
	apiHealth := app.Group("/api")
	apiHealth.Get("/health", healthHandler.Health)
	apiHealth.Get("/ready", healthHandler.Ready)

	webhookHandler := http.NewWebhookHandler(deps.WebhookService)
	webhookHandler.Register(app)

	// C11 metrics surface (spec §4.11): webhook counters, pipeline-stage
	// counters and the connection-pool/latency trackers already populated
	// elsewhere are merged into one JSON document.
	apiHealth.Get("/metrics", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"webhook":  webhookHandler.GetMetrics(),
			"pipeline": telemetry.Snap(),
			"pools":    metrics.GetAllPoolStats(),
			"latency": fiber.Map{
				"webhook": metrics.GetLatencyStats("webhook"),
				"ocr":     metrics.GetLatencyStats("ocr"),
				"blobPut": metrics.GetLatencyStats("blob_put"),
			},
		})
	})

	authHandler := http.NewAuthHandler(deps.GmailFactory, deps.WatchService, deps.Users, cfg.FrontendURL)
	authHandler.Register(app.Group("/api"))

	rateLimiter := middleware.NewAdvancedRateLimiter(middleware.DefaultRateLimitConfig())
	operatorAPI := app.Group("/api", rateLimiter.Handler(), middleware.OperatorAuth(cfg.OperatorAPISecret))

	operatorHandler := http.NewOperatorHandler(deps.Users, deps.GmailFactory, deps.Processed, deps.OCR, deps.Extractions, deps.Queue, cache.NewRedisCache(deps.Redis))
	operatorHandler.Register(operatorAPI)

	logger.Info("API server initialized")
	return app, cleanup, nil
}
