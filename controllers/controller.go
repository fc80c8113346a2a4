package controller

import (
	"context"
	"errors"
	"strconv"

	"mailpilot/models"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

// JobSubmitter queues background work; implemented by worker.Enqueuer
type JobSubmitter interface {
	Submit(ctx context.Context, userID uint, jobType string, payload interface{}) (*models.BackgroundJob, error)
}

var errBadID = errors.New("invalid id")

func paramID(c *fiber.Ctx, name string) (uint, error) {
	id, err := strconv.ParseUint(c.Params(name), 10, 32)
	if err != nil || id == 0 {
		return 0, errBadID
	}
	return uint(id), nil
}

func currentUser(c *fiber.Ctx) *models.User {
	user, _ := c.Locals("user").(*models.User)
	return user
}

// findOwned loads the row with id owned by userID into dest
func findOwned(db *gorm.DB, dest interface{}, id, userID uint) (bool, error) {
	err := db.Where("id = ? AND user_id = ?", id, userID).First(dest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	return err == nil, err
}
