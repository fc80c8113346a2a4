package utils

import (
	"github.com/gofiber/fiber/v2"
)

// ErrorResponse writes a failure envelope. err is logged, never returned to the client.
func ErrorResponse(c *fiber.Ctx, status int, message string, err error) error {
	if err != nil && status >= fiber.StatusInternalServerError {
		LogError("http_error", err, map[string]interface{}{
			"path":   c.Path(),
			"method": c.Method(),
			"status": status,
		})
	}
	return c.Status(status).JSON(fiber.Map{
		"success": false,
		"message": message,
	})
}

// ValidationErrorResponse writes a 422 envelope with per-field messages
func ValidationErrorResponse(c *fiber.Ctx, errs map[string][]string) error {
	return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
		"success": false,
		"message": "The given data was invalid.",
		"errors":  errs,
	})
}

// SuccessResponse creates a standardized success response
func SuccessResponse(data interface{}) fiber.Map {
	return fiber.Map{
		"success": true,
		"data":    data,
	}
}

// MessageResponse is SuccessResponse with a human readable message
func MessageResponse(data interface{}, message string) fiber.Map {
	resp := SuccessResponse(data)
	resp["message"] = message
	return resp
}
