package routes

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/lifesync/lifesync-wallet/internal/config"
	"github.com/lifesync/lifesync-wallet/internal/ledger"
	"github.com/lifesync/lifesync-wallet/internal/middleware"
	"github.com/lifesync/lifesync-wallet/internal/notification"
	"github.com/lifesync/lifesync-wallet/internal/wallet"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg    config.Config
	DB     *pgxpool.Pool
	Cache  *redis.Client
	Logger *slog.Logger
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) error {
	// Dev runs on the in-memory store without Redis; everywhere else both
	// backends are mandatory.
	if !d.Cfg.IsDev() {
		if d.DB == nil {
			return fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
		if d.Cache == nil {
			return fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
	}

	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(middleware.Audit(d.Logger))
	if d.Cache != nil {
		app.Use(middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger))
	}

	RegisterHealthRoutes(app, d)

	var store ledger.Store
	if d.DB != nil {
		pg := ledger.NewPostgres(d.DB, d.Cfg.SnapshotTTL)
		if err := pg.Migrate(context.Background()); err != nil {
			return err
		}
		store = pg
	} else {
		store = ledger.NewInMemory(d.Cfg.SnapshotTTL)
	}

	notifier := notification.NewLoggerNotifier(d.Logger)
	walletSvc := wallet.NewService(store, notifier, d.Cfg.SnapshotTTL)
	walletHandler := wallet.NewHandler(walletSvc)

	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		reqID, _ := c.Locals("X-Request-ID").(string)
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": reqID,
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	scoped := api.Group("", middleware.WorkspaceScope(), middleware.WriteRateLimit(d.Cache, d.Cfg.WriteRatePerMin))
	RegisterWalletRoutes(scoped, walletHandler)

	return nil
}
