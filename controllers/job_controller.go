package controller

import (
	"context"

	"mailpilot/models"
	"mailpilot/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

// JobFinder is implemented by repository.JobRepository
type JobFinder interface {
	FindJob(ctx context.Context, id string, userID uint) (*models.BackgroundJob, error)
}

type JobController struct {
	Jobs   JobFinder
	Logger *logrus.Entry
}

func NewJobController(jobs JobFinder, logger *logrus.Entry) *JobController {
	return &JobController{Jobs: jobs, Logger: logger}
}

func (jc *JobController) GetJob(c *fiber.Ctx) error {
	job, err := jc.Jobs.FindJob(c.UserContext(), c.Params("id"), currentUser(c).ID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch job", err)
	}
	if job == nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Job not found", nil)
	}
	return c.JSON(utils.SuccessResponse(job))
}
