package controller

import (
	"context"
	"errors"

	"mailpilot/billing"
	"mailpilot/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

// WebhookHandler is implemented by billing.Service
type WebhookHandler interface {
	HandleWebhook(ctx context.Context, payload []byte, signature string) error
}

type BillingController struct {
	Billing WebhookHandler
	Logger  *logrus.Entry
}

func NewBillingController(handler WebhookHandler, logger *logrus.Entry) *BillingController {
	return &BillingController{Billing: handler, Logger: logger}
}

// StripeWebhook verifies and applies a subscription lifecycle event
func (bc *BillingController) StripeWebhook(c *fiber.Ctx) error {
	// fasthttp reuses the body buffer after the handler returns
	payload := append([]byte(nil), c.Body()...)

	err := bc.Billing.HandleWebhook(c.UserContext(), payload, c.Get("Stripe-Signature"))
	if errors.Is(err, billing.ErrInvalidSignature) {
		bc.Logger.WithError(err).Warn("rejected stripe webhook")
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid webhook signature", nil)
	}
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to process webhook", err)
	}
	return c.JSON(fiber.Map{"received": true})
}
