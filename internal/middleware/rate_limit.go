package middleware

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/noah-isme/gema-grader/internal/utils"
)

// RateLimit limits requests per user and course. Anonymous callers are keyed by IP.
func RateLimit(identifier string, max int, window time.Duration) fiber.Handler {
	if max <= 0 {
		max = 10
	}
	if window <= 0 {
		window = time.Minute
	}

	return limiter.New(limiter.Config{
		Max:        max,
		Expiration: window,
		KeyGenerator: func(c *fiber.Ctx) string {
			subject, _ := c.Locals("user_id").(string)
			if subject == "" {
				subject = "ip:" + c.IP()
			}
			return fmt.Sprintf("%s:%s:%s", identifier, c.Params("course"), subject)
		},
		LimitReached: func(c *fiber.Ctx) error {
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(window.Seconds())))
			return utils.SendError(c, fiber.StatusTooManyRequests, "too many submissions, slow down")
		},
	})
}
