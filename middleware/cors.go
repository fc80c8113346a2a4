package middleware

import (
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// CORSConfig defines the config for CORS middleware
type CORSConfig struct {
	// Empty allows any origin, without credentials
	AllowedOrigins   []string
	AllowCredentials bool
	AllowedMethods   []string
	AllowedHeaders   []string
	ExposedHeaders   []string
	// MaxAge is how long in seconds a preflight result may be cached
	MaxAge int
}

// DefaultCORSConfig allows origins with credentials and the methods the API uses
func DefaultCORSConfig(origins ...string) CORSConfig {
	return CORSConfig{
		AllowedOrigins:   origins,
		AllowCredentials: len(origins) > 0,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Requested-With", "Stripe-Signature"},
		ExposedHeaders:   []string{"Content-Length", "X-RateLimit-Remaining"},
		MaxAge:           3600,
	}
}

func CORS(cfg CORSConfig) fiber.Handler {
	allowedOrigins := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		allowedOrigins[origin] = struct{}{}
	}
	allowedMethods := strings.Join(cfg.AllowedMethods, ",")
	allowedHeaders := strings.Join(cfg.AllowedHeaders, ",")
	exposedHeaders := strings.Join(cfg.ExposedHeaders, ",")
	maxAge := strconv.Itoa(cfg.MaxAge)

	return func(c *fiber.Ctx) error {
		origin := c.Get("Origin")

		allowed := false
		if len(allowedOrigins) == 0 {
			c.Set("Access-Control-Allow-Origin", "*")
			allowed = true
		} else if _, ok := allowedOrigins[origin]; ok {
			c.Set("Access-Control-Allow-Origin", origin)
			c.Vary("Origin")
			allowed = true
		}

		if allowed && cfg.AllowCredentials && len(allowedOrigins) > 0 {
			c.Set("Access-Control-Allow-Credentials", "true")
		}
		if allowed && exposedHeaders != "" {
			c.Set("Access-Control-Expose-Headers", exposedHeaders)
		}

		if c.Method() == fiber.MethodOptions {
			if allowed {
				c.Set("Access-Control-Allow-Methods", allowedMethods)
				c.Set("Access-Control-Allow-Headers", allowedHeaders)
				c.Set("Access-Control-Max-Age", maxAge)
			}
			return c.SendStatus(fiber.StatusNoContent)
		}
		return c.Next()
	}
}
