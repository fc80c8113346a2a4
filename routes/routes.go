package routes

import (
	"time"

	controller "mailpilot/controllers"
	"mailpilot/middleware"
	"mailpilot/models"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/websocket/v2"
)

// Deps carries everything the HTTP layer is built from
type Deps struct {
	Users     middleware.UserFinder
	Quota     middleware.LimitChecker
	JWTSecret string

	// RateStore backs the per-user limiters; nil keeps counters in memory
	RateStore      fiber.Storage
	RateLimitSends int

	Templates *controller.TemplateController
	Contacts  *controller.ContactController
	Campaigns *controller.CampaignController
	Usage     *controller.QuotaController
	Billing   *controller.BillingController
	Jobs      *controller.JobController
}

func SetupRoutes(app *fiber.App, d Deps) {
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	SetupBillingRoutes(app, d)
	SetupAPIRoutes(app, d)

	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "The requested resource was not found",
		})
	})
}

// SetupBillingRoutes mounts the signature-verified, unauthenticated webhook
func SetupBillingRoutes(app *fiber.App, d Deps) {
	app.Post("/api/v1/billing/webhook", d.Billing.StripeWebhook)
}

func SetupAPIRoutes(app *fiber.App, d Deps) {
	api := app.Group("/api/v1", logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}), middleware.Protected(d.Users, d.JWTSecret))

	limitTemplates := middleware.SubscriptionLimit(d.Quota, models.ResourceTemplates)
	limitContacts := middleware.SubscriptionLimit(d.Quota, models.ResourceContacts)
	limitEmails := middleware.SubscriptionLimit(d.Quota, models.ResourceEmails)
	throttle := middleware.UserRateLimiter(d.RateLimitSends, time.Minute, d.RateStore)

	// Template routes
	templates := api.Group("/templates")
	templates.Post("/", limitTemplates, d.Templates.CreateTemplate)
	templates.Get("/", d.Templates.ListTemplates)
	templates.Get("/:id", d.Templates.GetTemplate)
	templates.Put("/:id", d.Templates.UpdateTemplate)
	templates.Delete("/:id", d.Templates.DeleteTemplate)
	templates.Post("/:id/thumbnail", d.Templates.UploadThumbnail)
	templates.Post("/:id/contacts/import", throttle, limitContacts, d.Templates.ImportContacts)
	templates.Get("/:id/import", d.Templates.GetImportStatus)

	// Contact and group routes
	contacts := api.Group("/contacts")
	contacts.Post("/", limitContacts, d.Contacts.CreateContact)
	contacts.Get("/", d.Contacts.ListContacts)
	contacts.Delete("/:id", d.Contacts.DeleteContact)

	groups := api.Group("/groups")
	groups.Post("/", d.Contacts.CreateGroup)
	groups.Get("/", d.Contacts.ListGroups)
	groups.Post("/:id/contacts", d.Contacts.AddGroupContacts)

	// Campaign routes
	campaigns := api.Group("/campaigns")
	campaigns.Post("/", d.Campaigns.CreateCampaign)
	campaigns.Get("/", d.Campaigns.ListCampaigns)
	campaigns.Get("/:id", d.Campaigns.GetCampaign)
	campaigns.Post("/:id/send", throttle, limitEmails, d.Campaigns.SendCampaign)
	campaigns.Get("/:id/status", d.Campaigns.GetCampaignStatus)
	campaigns.Get("/:id/logs", d.Campaigns.ListCampaignLogs)

	// WebSocket route for campaign progress
	ws := api.Group("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	ws.Get("/campaigns/:id", websocket.New(d.Campaigns.CampaignProgressWS))

	api.Get("/quota", d.Usage.GetUsage)
	api.Get("/jobs/:id", d.Jobs.GetJob)
}
