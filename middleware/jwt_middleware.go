package middleware

import (
	"context"
	"strings"

	"mailpilot/models"
	"mailpilot/utils"

	"github.com/gofiber/fiber/v2"
)

// UserFinder loads the user named by a token; nil, nil when it does not exist
type UserFinder interface {
	FindByID(ctx context.Context, id uint) (*models.User, error)
}

// Protected authenticates the request and stores the user in c.Locals("user")
func Protected(users UserFinder, secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		// Try to get token from Authorization header first
		var token string
		if authHeader := c.Get("Authorization"); authHeader != "" {
			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				return utils.ErrorResponse(c, fiber.StatusUnauthorized, "Invalid authorization format", nil)
			}
			token = parts[1]
		} else {
			// websocket clients cannot set headers
			token = c.Cookies("access_token", c.Query("token"))
			if token == "" {
				return utils.ErrorResponse(c, fiber.StatusUnauthorized, "Authorization required", nil)
			}
		}

		claims, err := utils.ParseJWTToken(token, secret)
		if err != nil {
			return utils.ErrorResponse(c, fiber.StatusUnauthorized, "Invalid or expired token", nil)
		}

		user, err := users.FindByID(c.UserContext(), claims.UserID)
		if err != nil {
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load user", err)
		}
		if user == nil {
			return utils.ErrorResponse(c, fiber.StatusUnauthorized, "User not found", nil)
		}
		if !user.IsActive {
			return utils.ErrorResponse(c, fiber.StatusForbidden, "Account is not active", nil)
		}
		if claims.TokenVersion != user.TokenVersion {
			return utils.ErrorResponse(c, fiber.StatusUnauthorized, "Invalid token version", nil)
		}

		c.Locals("user", user)
		c.Locals("userID", user.ID)
		return c.Next()
	}
}

// CurrentUser returns the user set by Protected
func CurrentUser(c *fiber.Ctx) *models.User {
	user, _ := c.Locals("user").(*models.User)
	return user
}
