package controller

import (
	"path/filepath"
	"strings"
	"time"

	"mailpilot/importer"
	"mailpilot/models"
	"mailpilot/queue"
	"mailpilot/storage"
	"mailpilot/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type TemplateController struct {
	DB             *gorm.DB
	Logger         *logrus.Entry
	Files          storage.Store
	Jobs           JobSubmitter
	MaxUploadBytes int64
	// ImportStaleAfter is how long a queued or processing import blocks a new one
	ImportStaleAfter time.Duration
}

func NewTemplateController(db *gorm.DB, files storage.Store, jobs JobSubmitter, maxUpload int64, logger *logrus.Entry) *TemplateController {
	return &TemplateController{
		DB:             db,
		Logger:         logger,
		Files:          files,
		Jobs:           jobs,
		MaxUploadBytes: maxUpload,

		ImportStaleAfter: time.Hour,
	}
}

type templateInput struct {
	Name          string `json:"name" validate:"required,max=255"`
	Subject       string `json:"subject" validate:"required,max=998"`
	FromName      string `json:"from_name" validate:"max=255"`
	ReplyToEmail  string `json:"reply_to_email" validate:"omitempty,email"`
	EditorContent string `json:"editor_content"`
	HTMLContent   string `json:"html_content" validate:"required"`
}

func (tc *TemplateController) CreateTemplate(c *fiber.Ctx) error {
	user := currentUser(c)

	var input templateInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if errs := utils.ValidateStruct(input); errs != nil {
		return utils.ValidationErrorResponse(c, errs)
	}

	tpl := models.EmailTemplate{
		UserID:        user.ID,
		Name:          strings.TrimSpace(input.Name),
		Subject:       input.Subject,
		FromName:      input.FromName,
		ReplyToEmail:  input.ReplyToEmail,
		EditorContent: input.EditorContent,
		HTMLContent:   input.HTMLContent,
		ImportStatus:  models.ImportIdle,
	}
	if err := tc.DB.WithContext(c.UserContext()).Create(&tpl).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create template", err)
	}
	return c.Status(fiber.StatusCreated).JSON(utils.MessageResponse(tpl, "Template created"))
}

func (tc *TemplateController) ListTemplates(c *fiber.Ctx) error {
	user := currentUser(c)
	page, limit, offset := utils.Pagination(c.QueryInt("page", 1), c.QueryInt("limit", 20))

	query := tc.DB.WithContext(c.UserContext()).Model(&models.EmailTemplate{}).Where("user_id = ?", user.ID)
	if search := strings.TrimSpace(c.Query("search")); search != "" {
		query = query.Where("name ILIKE ?", "%"+search+"%")
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to count templates", err)
	}
	var templates []models.EmailTemplate
	if err := query.Order("created_at DESC").Offset(offset).Limit(limit).Find(&templates).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch templates", err)
	}

	return c.JSON(utils.SuccessResponse(utils.PaginatedResponse{
		Data:  templates,
		Total: total,
		Page:  page,
		Limit: limit,
	}))
}

func (tc *TemplateController) GetTemplate(c *fiber.Ctx) error {
	tpl, err := tc.template(c)
	if err != nil || tpl == nil {
		return err
	}
	return c.JSON(utils.SuccessResponse(tpl))
}

func (tc *TemplateController) UpdateTemplate(c *fiber.Ctx) error {
	tpl, err := tc.template(c)
	if err != nil || tpl == nil {
		return err
	}

	var input templateInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if errs := utils.ValidateStruct(input); errs != nil {
		return utils.ValidationErrorResponse(c, errs)
	}

	err = tc.DB.WithContext(c.UserContext()).Model(tpl).Updates(map[string]interface{}{
		"name":           strings.TrimSpace(input.Name),
		"subject":        input.Subject,
		"from_name":      input.FromName,
		"reply_to_email": input.ReplyToEmail,
		"editor_content": input.EditorContent,
		"html_content":   input.HTMLContent,
	}).Error
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to update template", err)
	}
	return c.JSON(utils.MessageResponse(tpl, "Template updated"))
}

func (tc *TemplateController) DeleteTemplate(c *fiber.Ctx) error {
	tpl, err := tc.template(c)
	if err != nil || tpl == nil {
		return err
	}

	var active int64
	err = tc.DB.WithContext(c.UserContext()).Model(&models.EmailCampaign{}).
		Where("email_template_id = ? AND status = ?", tpl.ID, models.CampaignSending).
		Count(&active).Error
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to check campaigns", err)
	}
	if active > 0 {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Template is used by a campaign that is sending", nil)
	}

	if err := tc.DB.WithContext(c.UserContext()).Delete(tpl).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to delete template", err)
	}
	return c.JSON(utils.MessageResponse(nil, "Template deleted"))
}

func (tc *TemplateController) UploadThumbnail(c *fiber.Ctx) error {
	tpl, err := tc.template(c)
	if err != nil || tpl == nil {
		return err
	}

	file, err := c.FormFile("file")
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "File upload error", err)
	}
	contentType := file.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		return utils.ValidationErrorResponse(c, map[string][]string{"file": {"file must be an image"}})
	}
	if file.Size > tc.MaxUploadBytes {
		return utils.ValidationErrorResponse(c, map[string][]string{"file": {"file is too large"}})
	}

	src, err := file.Open()
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to open file", err)
	}
	defer src.Close()

	ctx := c.UserContext()
	ref, err := tc.Files.Put(ctx, file.Filename, src, contentType)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to store thumbnail", err)
	}
	old := tpl.ThumbnailRef
	if err := tc.DB.WithContext(ctx).Model(tpl).Update("thumbnail_ref", ref).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to save thumbnail", err)
	}
	if old != "" {
		if err := tc.Files.Delete(ctx, old); err != nil {
			tc.Logger.WithError(err).WithField("ref", old).Warn("failed to delete old thumbnail")
		}
	}
	return c.JSON(utils.MessageResponse(tpl, "Thumbnail uploaded"))
}

// ImportContacts stores the uploaded file and queues the import
func (tc *TemplateController) ImportContacts(c *fiber.Ctx) error {
	user := currentUser(c)

	file, err := c.FormFile("file")
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "File upload error", err)
	}
	ext := strings.ToLower(filepath.Ext(file.Filename))
	if ext != ".csv" && ext != ".xlsx" {
		return utils.ValidationErrorResponse(c, map[string][]string{"file": {"file must be a .csv or .xlsx file"}})
	}
	if file.Size > tc.MaxUploadBytes {
		return utils.ValidationErrorResponse(c, map[string][]string{"file": {"file is too large"}})
	}

	tpl, err := tc.template(c)
	if err != nil || tpl == nil {
		return err
	}
	if tc.importRunning(tpl) {
		return utils.ErrorResponse(c, fiber.StatusConflict, "An import is already running for this template", nil)
	}

	ctx := c.UserContext()
	job := importer.Job{TemplateID: tpl.ID, UserID: user.ID}
	if raw := c.FormValue("group_id"); raw != "" {
		groupID := utils.ParseUint(raw)
		var group models.Group
		ok, err := findOwned(tc.DB.WithContext(ctx), &group, groupID, user.ID)
		if err != nil {
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch group", err)
		}
		if !ok {
			return utils.ValidationErrorResponse(c, map[string][]string{"group_id": {"group not found"}})
		}
		job.GroupID = &group.ID
	}

	src, err := file.Open()
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to open file", err)
	}
	defer src.Close()

	ref, err := tc.Files.Put(ctx, file.Filename, src, file.Header.Get("Content-Type"))
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to store file", err)
	}
	job.FileRef = ref

	err = tc.DB.WithContext(ctx).Model(tpl).Updates(map[string]interface{}{
		"csv_file_ref":  ref,
		"import_status": models.ImportQueued,
		"import_error":  "",
	}).Error
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to update template", err)
	}

	record, err := tc.Jobs.Submit(ctx, user.ID, queue.TypeImportContacts, job)
	if err != nil {
		tc.DB.WithContext(ctx).Model(tpl).Updates(map[string]interface{}{
			"import_status": models.ImportFailed,
			"import_error":  "could not queue import",
		})
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to queue import", err)
	}

	return c.Status(fiber.StatusCreated).JSON(utils.MessageResponse(fiber.Map{
		"job":         record,
		"template_id": tpl.ID,
		"file_ref":    ref,
	}, "Import queued"))
}

// GetImportStatus reports the last import of a template
func (tc *TemplateController) GetImportStatus(c *fiber.Ctx) error {
	tpl, err := tc.template(c)
	if err != nil || tpl == nil {
		return err
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{
		"template_id":            tpl.ID,
		"import_status":          tpl.ImportStatus,
		"import_error":           tpl.ImportError,
		"total_processed":        tpl.TotalProcessed,
		"total_imported":         tpl.TotalSent,
		"total_skipped":          tpl.TotalSkipped,
		"total_failed":           tpl.TotalFailed,
		"last_import_summary_at": tpl.LastImportSummaryAt,
	}))
}

// importRunning reports an import that is queued or processing and has been
// touched recently. Older ones belong to a job that was lost.
func (tc *TemplateController) importRunning(tpl *models.EmailTemplate) bool {
	if tpl.ImportStatus != models.ImportQueued && tpl.ImportStatus != models.ImportProcessing {
		return false
	}
	return tc.ImportStaleAfter <= 0 || time.Since(tpl.UpdatedAt) < tc.ImportStaleAfter
}

// template loads the :id template of the current user. A nil template with a
// nil error means a response has already been written.
func (tc *TemplateController) template(c *fiber.Ctx) (*models.EmailTemplate, error) {
	id, err := paramID(c, "id")
	if err != nil {
		return nil, utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid template ID", nil)
	}
	var tpl models.EmailTemplate
	ok, err := findOwned(tc.DB.WithContext(c.UserContext()), &tpl, id, currentUser(c).ID)
	if err != nil {
		return nil, utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch template", err)
	}
	if !ok {
		return nil, utils.ErrorResponse(c, fiber.StatusNotFound, "Template not found", nil)
	}
	return &tpl, nil
}
