package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-grader/internal/config"
	"github.com/noah-isme/gema-grader/internal/handler"
	"github.com/noah-isme/gema-grader/internal/middleware"
	"github.com/noah-isme/gema-grader/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	SubmissionHandler *handler.SubmissionHandler
	WatchHandler      *handler.WatchHandler
	ExportHandler     *handler.ExportHandler
	JWTMiddleware     fiber.Handler
	HealthChecks      map[string]handler.DependencyCheck
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	app.Get("/metrics", observability.MetricsHandler())

	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg, deps.HealthChecks))

	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}

	courses := api.Group("/courses/:course", jwtMiddleware)

	if deps.SubmissionHandler != nil {
		tasks := courses.Group("/tasks/:task")
		deps.SubmissionHandler.RegisterTaskRoutes(tasks, middleware.RateLimit("submit", cfg.SubmitRateLimit, cfg.SubmitRateWindow))

		submissions := api.Group("/submissions", jwtMiddleware)
		deps.SubmissionHandler.Register(submissions, middleware.RequireStaff())

		if deps.WatchHandler != nil {
			deps.WatchHandler.Register(submissions)
		}
	}

	if deps.ExportHandler != nil {
		deps.ExportHandler.Register(courses, middleware.RequireStaff())
	}
}
