package middleware

import (
	"context"
	"errors"
	"fmt"

	"mailpilot/models"
	"mailpilot/quota"
	"mailpilot/utils"

	"github.com/gofiber/fiber/v2"
)

// LimitChecker is implemented by quota.Evaluator
type LimitChecker interface {
	CheckLimit(ctx context.Context, user *models.User, kind models.ResourceKind) (quota.Decision, error)
}

// SubscriptionLimit rejects mutating requests once the user's plan allows no
// more of kind. Must run after Protected.
func SubscriptionLimit(checker LimitChecker, kind models.ResourceKind) fiber.Handler {
	return func(c *fiber.Ctx) error {
		switch c.Method() {
		case fiber.MethodGet, fiber.MethodHead, fiber.MethodOptions:
			return c.Next()
		}

		user := CurrentUser(c)
		if user == nil {
			return utils.ErrorResponse(c, fiber.StatusUnauthorized, "Authorization required", nil)
		}

		decision, err := checker.CheckLimit(c.UserContext(), user, kind)
		if errors.Is(err, quota.ErrNoActivePlan) {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"success":               false,
				"message":               "An active subscription is required",
				"limit_reached":         false,
				"subscription_required": true,
			})
		}
		if err != nil {
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to check plan limits", err)
		}

		if !decision.Allowed {
			utils.LogEvent("quota_limit_reached", map[string]interface{}{
				"user_id":       user.ID,
				"limit_type":    string(kind),
				"current_usage": decision.CurrentUsage,
				"limit":         decision.Limit,
				"path":          c.Path(),
			})
			return QuotaExceeded(c, decision)
		}

		c.Locals("quota", decision)
		return c.Next()
	}
}

// QuotaExceeded writes the 403 envelope for a denied decision
func QuotaExceeded(c *fiber.Ctx, d quota.Decision) error {
	return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
		"success":       false,
		"message":       fmt.Sprintf("You have reached your plan's %s limit", d.Kind),
		"limit_reached": true,
		"limit_type":    d.Kind,
		"current_usage": d.CurrentUsage,
		"limit":         d.Limit,
	})
}
