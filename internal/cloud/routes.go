package cloud

import (
	"branch-ledger/internal/auth"
	"branch-ledger/internal/config"
	"branch-ledger/internal/status"
	"branch-ledger/internal/syncapi"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

// Mount registers the cloud ledger API on app.
func Mount(app fiber.Router, cfg *config.Config, db *gorm.DB, l *Ledger) {
	limiter := NewBranchLimiter(cfg.PushRateLimit, cfg.PushBurst)

	// Public
	app.Get(syncapi.HealthPath, status.HealthHandler(string(config.RoleCloud)))
	app.Post(syncapi.TokenPath, auth.IssueBranchTokenHandler(cfg, db))

	// Branch push
	app.Post(syncapi.PushPath, auth.BranchJWTMiddleware(cfg), limiter.Middleware(), PushHandler(l))

	// Operator
	adminRoutes := app.Group("/api/admin")
	adminRoutes.Use(auth.AdminGuard(cfg))

	adminRoutes.Post("/branches", CreateBranchHandler(db))
	adminRoutes.Get("/branches", ListBranchesHandler(db))
	adminRoutes.Patch("/branches/:id", UpdateBranchHandler(db))
	adminRoutes.Post("/branches/:id/api-key", RotateBranchKeyHandler(db))
	adminRoutes.Get("/ledger", ListLedgerHandler(l))
	adminRoutes.Get("/reports/monthly", MonthlyReportHandler(l))
}
