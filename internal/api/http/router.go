package http

import (
	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/qr-token-service/internal/api/http/handlers"
)

// RouteConfig bundles dependencies for route registration.
type RouteConfig struct {
	Health *handlers.HealthHandler
	System *handlers.SystemHandler
	Tokens *handlers.TokensHandler
	Admin  *handlers.AdminHandler
}

// RegisterRoutes wires HTTP routes.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	if cfg.Health != nil {
		app.Get("/health/live", cfg.Health.Live)
		app.Get("/health/ready", cfg.Health.Ready)
	}

	app.Get("/", cfg.System.Root)
	app.Get("/info", cfg.System.Info)
	app.Get("/metrics", cfg.System.Metrics)

	tokens := app.Group("/tokens")
	tokens.Post("/generate", cfg.Tokens.Generate)
	tokens.Get("/:value/validate", cfg.Tokens.Validate)
	tokens.Post("/:value/use", cfg.Tokens.Use)
	tokens.Get("", cfg.Tokens.List)
	tokens.Delete("/:value", cfg.Tokens.Delete)
	tokens.Delete("", cfg.Tokens.DeleteAll)

	staff := app.Group("/staff")
	staff.Post("/tokens/generate", cfg.Tokens.GenerateStaff)
	staff.Get("/:id/tokens", cfg.Tokens.ListStaffTokens)

	supervisors := app.Group("/supervisors")
	supervisors.Post("/tokens/generate", cfg.Tokens.GenerateSupervisor)
	supervisors.Get("/departments/:department/tokens", cfg.Tokens.ListDepartmentTokens)
	supervisors.Get("/:id/tokens", cfg.Tokens.ListSupervisorTokens)

	admin := app.Group("/admin")
	admin.Get("/tokens", cfg.Admin.ListTokens)
	admin.Put("/tokens/:value/update", cfg.Admin.UpdateToken)
	admin.Post("/tokens/:value/refresh", cfg.Admin.RefreshToken)
	admin.Post("/subjects/:id/deactivate-tokens", cfg.Admin.DeactivateSubjectTokens)
	admin.Post("/cleanup/expired", cfg.Admin.CleanupExpired)

	app.Get("/generate-qr-token", cfg.Tokens.GenerateLegacy)
	app.Get("/validate-token/:value", cfg.Tokens.Validate)
	app.Post("/use-token/:value", cfg.Tokens.Use)
}
