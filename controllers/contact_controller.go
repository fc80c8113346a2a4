package controller

import (
	"strings"

	"mailpilot/models"
	"mailpilot/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ContactController struct {
	DB     *gorm.DB
	Logger *logrus.Entry
}

func NewContactController(db *gorm.DB, logger *logrus.Entry) *ContactController {
	return &ContactController{DB: db, Logger: logger}
}

type contactInput struct {
	Name     string `json:"name" validate:"max=255"`
	Email    string `json:"email" validate:"required,email"`
	GroupIDs []uint `json:"group_ids"`
}

func (cc *ContactController) CreateContact(c *fiber.Ctx) error {
	user := currentUser(c)

	var input contactInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	input.Email = strings.ToLower(strings.TrimSpace(input.Email))
	if errs := utils.ValidateStruct(input); errs != nil {
		return utils.ValidationErrorResponse(c, errs)
	}

	db := cc.DB.WithContext(c.UserContext())

	var existing int64
	if err := db.Model(&models.Contact{}).Where("user_id = ? AND email = ?", user.ID, input.Email).Count(&existing).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to check contact", err)
	}
	if existing > 0 {
		return utils.ValidationErrorResponse(c, map[string][]string{"email": {"email has already been taken"}})
	}

	var groups []models.Group
	if len(input.GroupIDs) > 0 {
		if err := db.Where("id IN ? AND user_id = ?", input.GroupIDs, user.ID).Find(&groups).Error; err != nil {
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch groups", err)
		}
		if len(groups) != len(input.GroupIDs) {
			return utils.ValidationErrorResponse(c, map[string][]string{"group_ids": {"one or more groups not found"}})
		}
	}

	contact := models.Contact{
		UserID: user.ID,
		Name:   strings.TrimSpace(input.Name),
		Email:  input.Email,
	}
	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&contact).Error; err != nil {
			return err
		}
		for _, g := range groups {
			link := models.GroupContact{GroupID: g.ID, ContactID: contact.ID}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&link).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create contact", err)
	}
	contact.Groups = groups

	return c.Status(fiber.StatusCreated).JSON(utils.MessageResponse(contact, "Contact created"))
}

func (cc *ContactController) ListContacts(c *fiber.Ctx) error {
	user := currentUser(c)
	page, limit, offset := utils.Pagination(c.QueryInt("page", 1), c.QueryInt("limit", 20))

	query := cc.DB.WithContext(c.UserContext()).Model(&models.Contact{}).Where("contacts.user_id = ?", user.ID)
	if groupID := utils.ParseUint(c.Query("group_id")); groupID != 0 {
		query = query.Joins("JOIN group_contacts ON group_contacts.contact_id = contacts.id").
			Where("group_contacts.group_id = ?", groupID)
	}
	if q := strings.TrimSpace(c.Query("q")); q != "" {
		like := "%" + strings.ToLower(q) + "%"
		query = query.Where("(contacts.email LIKE ? OR LOWER(contacts.name) LIKE ?)", like, like)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to count contacts", err)
	}
	var contacts []models.Contact
	if err := query.Order("contacts.created_at DESC").Offset(offset).Limit(limit).Find(&contacts).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch contacts", err)
	}

	return c.JSON(utils.SuccessResponse(utils.PaginatedResponse{
		Data:  contacts,
		Total: total,
		Page:  page,
		Limit: limit,
	}))
}

func (cc *ContactController) DeleteContact(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid contact ID", nil)
	}
	db := cc.DB.WithContext(c.UserContext())

	var contact models.Contact
	ok, err := findOwned(db, &contact, id, currentUser(c).ID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch contact", err)
	}
	if !ok {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Contact not found", nil)
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("contact_id = ?", contact.ID).Delete(&models.GroupContact{}).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.EmailLog{}).Where("contact_id = ?", contact.ID).Update("contact_id", nil).Error; err != nil {
			return err
		}
		return tx.Delete(&contact).Error
	})
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to delete contact", err)
	}
	return c.JSON(utils.MessageResponse(nil, "Contact deleted"))
}

type groupInput struct {
	Name string `json:"name" validate:"required,max=255"`
}

func (cc *ContactController) CreateGroup(c *fiber.Ctx) error {
	var input groupInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	input.Name = strings.TrimSpace(input.Name)
	if errs := utils.ValidateStruct(input); errs != nil {
		return utils.ValidationErrorResponse(c, errs)
	}

	group := models.Group{UserID: currentUser(c).ID, Name: input.Name}
	if err := cc.DB.WithContext(c.UserContext()).Create(&group).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create group", err)
	}
	return c.Status(fiber.StatusCreated).JSON(utils.MessageResponse(group, "Group created"))
}

func (cc *ContactController) ListGroups(c *fiber.Ctx) error {
	var groups []models.Group
	err := cc.DB.WithContext(c.UserContext()).
		Where("user_id = ?", currentUser(c).ID).
		Order("name ASC").
		Find(&groups).Error
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch groups", err)
	}
	return c.JSON(utils.SuccessResponse(groups))
}

type groupMembersInput struct {
	ContactIDs []uint `json:"contact_ids" validate:"required,min=1"`
}

// AddGroupContacts links existing contacts of the user to a group
func (cc *ContactController) AddGroupContacts(c *fiber.Ctx) error {
	user := currentUser(c)
	id, err := paramID(c, "id")
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid group ID", nil)
	}

	var input groupMembersInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if errs := utils.ValidateStruct(input); errs != nil {
		return utils.ValidationErrorResponse(c, errs)
	}

	db := cc.DB.WithContext(c.UserContext())
	var group models.Group
	ok, err := findOwned(db, &group, id, user.ID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch group", err)
	}
	if !ok {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Group not found", nil)
	}

	var contactIDs []uint
	err = db.Model(&models.Contact{}).
		Where("id IN ? AND user_id = ?", input.ContactIDs, user.ID).
		Pluck("id", &contactIDs).Error
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch contacts", err)
	}
	if len(contactIDs) == 0 {
		return utils.ValidationErrorResponse(c, map[string][]string{"contact_ids": {"no matching contacts"}})
	}

	links := make([]models.GroupContact, 0, len(contactIDs))
	for _, cid := range contactIDs {
		links = append(links, models.GroupContact{GroupID: group.ID, ContactID: cid})
	}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&links).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to add contacts", err)
	}

	return c.JSON(utils.MessageResponse(fiber.Map{
		"group_id": group.ID,
		"added":    len(links),
	}, "Contacts added to group"))
}
