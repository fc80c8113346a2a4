package controller

import (
	"context"
	"errors"
	"strings"
	"time"

	"mailpilot/campaign"
	"mailpilot/models"
	"mailpilot/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// CampaignStarter moves a draft campaign into sending and queues its dispatch
type CampaignStarter interface {
	StartSending(ctx context.Context, c *models.EmailCampaign) (*models.BackgroundJob, error)
}

type CampaignController struct {
	DB        *gorm.DB
	Logger    *logrus.Entry
	Campaigns CampaignStarter
	PollEvery time.Duration
}

func NewCampaignController(db *gorm.DB, campaigns CampaignStarter, logger *logrus.Entry) *CampaignController {
	return &CampaignController{DB: db, Logger: logger, Campaigns: campaigns}
}

type campaignInput struct {
	Name            string `json:"name" validate:"required,max=255"`
	EmailTemplateID uint   `json:"email_template_id" validate:"required"`
	GroupID         uint   `json:"group_id" validate:"required"`
	Subject         string `json:"subject" validate:"max=998"`
	FromName        string `json:"from_name" validate:"max=255"`
	ReplyToEmail    string `json:"reply_to_email" validate:"omitempty,email"`
}

func (cc *CampaignController) CreateCampaign(c *fiber.Ctx) error {
	user := currentUser(c)

	var input campaignInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if errs := utils.ValidateStruct(input); errs != nil {
		return utils.ValidationErrorResponse(c, errs)
	}

	db := cc.DB.WithContext(c.UserContext())

	var tpl models.EmailTemplate
	ok, err := findOwned(db, &tpl, input.EmailTemplateID, user.ID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch template", err)
	}
	if !ok {
		return utils.ValidationErrorResponse(c, map[string][]string{"email_template_id": {"template not found"}})
	}
	var group models.Group
	ok, err = findOwned(db, &group, input.GroupID, user.ID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch group", err)
	}
	if !ok {
		return utils.ValidationErrorResponse(c, map[string][]string{"group_id": {"group not found"}})
	}

	subject := strings.TrimSpace(input.Subject)
	if subject == "" {
		subject = tpl.Subject
	}
	ec := models.EmailCampaign{
		UserID:          user.ID,
		EmailTemplateID: tpl.ID,
		GroupID:         group.ID,
		Name:            strings.TrimSpace(input.Name),
		Subject:         subject,
		FromName:        input.FromName,
		ReplyToEmail:    input.ReplyToEmail,
		Status:          models.CampaignDraft,
	}
	if err := db.Create(&ec).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create campaign", err)
	}
	return c.Status(fiber.StatusCreated).JSON(utils.MessageResponse(ec, "Campaign created"))
}

func (cc *CampaignController) ListCampaigns(c *fiber.Ctx) error {
	user := currentUser(c)
	page, limit, offset := utils.Pagination(c.QueryInt("page", 1), c.QueryInt("limit", 20))

	query := cc.DB.WithContext(c.UserContext()).Model(&models.EmailCampaign{}).Where("user_id = ?", user.ID)
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to count campaigns", err)
	}
	var campaigns []models.EmailCampaign
	if err := query.Order("created_at DESC").Offset(offset).Limit(limit).Find(&campaigns).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch campaigns", err)
	}

	return c.JSON(utils.SuccessResponse(utils.PaginatedResponse{
		Data:  campaigns,
		Total: total,
		Page:  page,
		Limit: limit,
	}))
}

func (cc *CampaignController) GetCampaign(c *fiber.Ctx) error {
	ec, err := cc.campaign(c)
	if err != nil || ec == nil {
		return err
	}
	return c.JSON(utils.SuccessResponse(ec))
}

// SendCampaign starts a draft campaign. Only the first caller wins.
func (cc *CampaignController) SendCampaign(c *fiber.Ctx) error {
	ec, err := cc.campaign(c)
	if err != nil || ec == nil {
		return err
	}

	job, err := cc.Campaigns.StartSending(c.UserContext(), ec)
	switch {
	case errors.Is(err, campaign.ErrAlreadyStarted):
		return utils.ErrorResponse(c, fiber.StatusConflict, "Campaign has already been started", nil)
	case err != nil:
		cc.Logger.WithError(err).WithField("campaign_id", ec.ID).Error("failed to start campaign")
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to start campaign", err)
	}

	utils.LogEvent("campaign_started", map[string]interface{}{
		"campaign_id": ec.ID,
		"user_id":     ec.UserID,
		"job_id":      job.ID,
	})
	return c.JSON(utils.MessageResponse(fiber.Map{
		"campaign": ec,
		"job":      job,
	}, "Campaign sending started"))
}

// CampaignProgress is the polled view of a campaign's dispatch
type CampaignProgress struct {
	CampaignID      uint                  `json:"campaign_id"`
	Status          models.CampaignStatus `json:"status"`
	TotalRecipients int                   `json:"total_recipients"`
	SentCount       int                   `json:"sent_count"`
	FailedCount     int                   `json:"failed_count"`
	Percent         int                   `json:"percent"`
	LastError       string                `json:"last_error,omitempty"`
}

func progressOf(ec *models.EmailCampaign) CampaignProgress {
	p := CampaignProgress{
		CampaignID:      ec.ID,
		Status:          ec.Status,
		TotalRecipients: ec.TotalRecipients,
		SentCount:       ec.SentCount,
		FailedCount:     ec.FailedCount,
		LastError:       ec.LastError,
	}
	switch {
	case ec.Status.IsTerminal():
		p.Percent = 100
	case ec.TotalRecipients > 0:
		p.Percent = (ec.SentCount + ec.FailedCount) * 100 / ec.TotalRecipients
	}
	return p
}

func (cc *CampaignController) GetCampaignStatus(c *fiber.Ctx) error {
	ec, err := cc.campaign(c)
	if err != nil || ec == nil {
		return err
	}
	return c.JSON(utils.SuccessResponse(progressOf(ec)))
}

func (cc *CampaignController) ListCampaignLogs(c *fiber.Ctx) error {
	ec, err := cc.campaign(c)
	if err != nil || ec == nil {
		return err
	}
	page, limit, offset := utils.Pagination(c.QueryInt("page", 1), c.QueryInt("limit", 50))

	query := cc.DB.WithContext(c.UserContext()).Model(&models.EmailLog{}).Where("email_campaign_id = ?", ec.ID)
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to count logs", err)
	}
	var logs []models.EmailLog
	if err := query.Order("id ASC").Offset(offset).Limit(limit).Find(&logs).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch logs", err)
	}

	return c.JSON(utils.SuccessResponse(utils.PaginatedResponse{
		Data:  logs,
		Total: total,
		Page:  page,
		Limit: limit,
	}))
}

func (cc *CampaignController) campaign(c *fiber.Ctx) (*models.EmailCampaign, error) {
	id, err := paramID(c, "id")
	if err != nil {
		return nil, utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid campaign ID", nil)
	}
	var ec models.EmailCampaign
	ok, err := findOwned(cc.DB.WithContext(c.UserContext()), &ec, id, currentUser(c).ID)
	if err != nil {
		return nil, utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch campaign", err)
	}
	if !ok {
		return nil, utils.ErrorResponse(c, fiber.StatusNotFound, "Campaign not found", nil)
	}
	return &ec, nil
}
