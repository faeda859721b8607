package handler

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-grader/internal/config"
	"github.com/noah-isme/gema-grader/internal/utils"
	"github.com/noah-isme/gema-grader/pkg/ai"
)

// HealthResponse represents the payload returned by the health endpoint.
type HealthResponse struct {
	Status            string    `json:"status"`
	Timestamp         time.Time `json:"timestamp"`
	Service           string    `json:"service"`
	Environment       string    `json:"environment"`
	ExecutionProvider string    `json:"execution_provider"`
	FeedbackEnabled   bool      `json:"feedback_enabled"`
}

// HealthCheck returns a handler that reports application health information.
func HealthCheck(cfg config.Config) fiber.Handler {
	feedbackEnabled := !ai.IsPlaceholderKey(cfg.AIAPIKey)
	return func(c *fiber.Ctx) error {
		payload := HealthResponse{
			Status:            "ok",
			Timestamp:         time.Now().UTC(),
			Service:           cfg.AppName,
			Environment:       cfg.AppEnv,
			ExecutionProvider: cfg.ExecutionProvider,
			FeedbackEnabled:   feedbackEnabled,
		}

		return utils.SendSuccess(c, "service healthy", payload)
	}
}
