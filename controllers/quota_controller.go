package controller

import (
	"context"
	"errors"

	"mailpilot/models"
	"mailpilot/quota"
	"mailpilot/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

// UsageReporter is implemented by quota.Evaluator
type UsageReporter interface {
	Report(ctx context.Context, user *models.User) (*models.SubscriptionPlan, []quota.Decision, error)
}

type QuotaController struct {
	Quota  UsageReporter
	Logger *logrus.Entry
}

func NewQuotaController(reporter UsageReporter, logger *logrus.Entry) *QuotaController {
	return &QuotaController{Quota: reporter, Logger: logger}
}

// GetUsage returns the user's plan with current usage against every limit
func (qc *QuotaController) GetUsage(c *fiber.Ctx) error {
	plan, decisions, err := qc.Quota.Report(c.UserContext(), currentUser(c))
	if errors.Is(err, quota.ErrNoActivePlan) {
		return c.JSON(utils.SuccessResponse(fiber.Map{
			"plan":                  nil,
			"subscription_required": true,
			"limits":                []quota.Decision{},
		}))
	}
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load usage", err)
	}

	return c.JSON(utils.SuccessResponse(fiber.Map{
		"plan":                  plan,
		"subscription_required": false,
		"limits":                decisions,
	}))
}
