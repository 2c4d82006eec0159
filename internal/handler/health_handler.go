package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-grader/internal/config"
	"github.com/noah-isme/gema-grader/internal/utils"
)

const healthCheckTimeout = 2 * time.Second

// DependencyCheck probes one backing service.
type DependencyCheck func(ctx context.Context) error

// HealthResponse represents the payload returned by the health endpoint.
type HealthResponse struct {
	Status       string            `json:"status"`
	Timestamp    time.Time         `json:"timestamp"`
	Service      string            `json:"service"`
	Environment  string            `json:"environment"`
	Backend      string            `json:"grading_backend"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

// HealthCheck reports service health. Any failing dependency turns the response into a 503.
func HealthCheck(cfg config.Config, checks map[string]DependencyCheck) fiber.Handler {
	return func(c *fiber.Ctx) error {
		payload := HealthResponse{
			Status:      "ok",
			Timestamp:   time.Now().UTC(),
			Service:     cfg.AppName,
			Environment: cfg.AppEnv,
			Backend:     cfg.GradingBackend,
		}

		if len(checks) > 0 {
			ctx, cancel := context.WithTimeout(c.UserContext(), healthCheckTimeout)
			defer cancel()

			payload.Dependencies = make(map[string]string, len(checks))
			for name, check := range checks {
				if err := check(ctx); err != nil {
					payload.Dependencies[name] = err.Error()
					payload.Status = "degraded"
					continue
				}
				payload.Dependencies[name] = "ok"
			}
		}

		if payload.Status != "ok" {
			return utils.Unavailable(c, "service degraded", payload)
		}
		return utils.SendSuccess(c, "service healthy", payload)
	}
}
