package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/krishkalaria12/mesh-serve/jobs"
	"github.com/krishkalaria12/mesh-serve/models"
	"github.com/krishkalaria12/mesh-serve/storage"
	"gorm.io/gorm"
)

// ServiceCheck probes one external dependency for the admin health view.
type ServiceCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type AdminHandler struct {
	db     *gorm.DB
	store  *jobs.Store
	blobs  storage.Store
	checks []ServiceCheck
}

func NewAdminHandler(db *gorm.DB, store *jobs.Store, blobs storage.Store, checks []ServiceCheck) *AdminHandler {
	return &AdminHandler{db: db, store: store, blobs: blobs, checks: checks}
}

func (h *AdminHandler) ListUsers(c *fiber.Ctx) error {
	type AdminUser struct {
		ID        uint      `json:"id"`
		Username  string    `json:"username"`
		Email     string    `json:"email"`
		FullName  string    `json:"name"`
		IsAdmin   bool      `json:"is_admin"`
		CreatedAt time.Time `json:"created_at"`
	}

	var users []models.User
	if err := h.db.Order("id").Find(&users).Error; err != nil {
		return respondError(c, err)
	}

	out := make([]AdminUser, 0, len(users))
	for _, u := range users {
		out = append(out, AdminUser{
			ID:        u.ID,
			Username:  u.Username,
			Email:     u.Email,
			FullName:  u.FullName,
			IsAdmin:   u.IsAdmin,
			CreatedAt: u.CreatedAt,
		})
	}

	return c.JSON(fiber.Map{
		"status":  "success",
		"message": "Users found",
		"data":    out,
	})
}

// DeleteUser removes an account and cascades to its jobs and blobs.
func (h *AdminHandler) DeleteUser(c *fiber.Ctx) error {
	userID, err := parseID(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"status":  "error",
			"message": "User not found",
			"data":    nil,
		})
	}

	var user models.User
	if err := h.db.First(&user, userID).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"status":  "error",
			"message": "User not found",
			"data":    nil,
		})
	}

	if err := h.store.DeleteForAccount(c.UserContext(), user.ID); err != nil {
		return respondError(c, err)
	}
	if err := h.db.Delete(&user).Error; err != nil {
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"status":  "success",
		"message": "User deleted successfully",
		"data":    nil,
	})
}

func (h *AdminHandler) ListJobs(c *fiber.Ctx) error {
	list, err := h.store.ListAll(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}

	type AdminJob struct {
		ID            uint             `json:"id"`
		UserID        uint             `json:"user_id"`
		Name          string           `json:"name,omitempty"`
		Status        models.JobStatus `json:"status"`
		Progress      int              `json:"progress"`
		ModelURL      string           `json:"model_url,omitempty"`
		FailureReason string           `json:"failure_reason,omitempty"`
		CreatedAt     time.Time        `json:"created_at"`
	}

	out := make([]AdminJob, 0, len(list))
	for _, j := range list {
		aj := AdminJob{
			ID:            j.ID,
			UserID:        j.UserID,
			Name:          j.Name,
			Status:        j.Status,
			Progress:      j.Progress,
			FailureReason: j.FailureReason,
			CreatedAt:     j.CreatedAt,
		}
		if j.ResultRef != "" {
			aj.ModelURL = h.blobs.URL(j.ResultRef)
		}
		out = append(out, aj)
	}

	return c.JSON(fiber.Map{
		"status":  "success",
		"message": "Jobs found",
		"data":    out,
	})
}

// Health runs each registered service probe and reports per-service status.
func (h *AdminHandler) Health(c *fiber.Ctx) error {
	type serviceStatus struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}

	out := make(map[string]serviceStatus, len(h.checks))
	healthy := true

	for _, check := range h.checks {
		ctx, cancel := context.WithTimeout(c.UserContext(), 10*time.Second)
		err := check.Check(ctx)
		cancel()

		if err != nil {
			healthy = false
			out[check.Name] = serviceStatus{Status: "error", Message: err.Error()}
		} else {
			out[check.Name] = serviceStatus{Status: "ok", Message: "Connected successfully"}
		}
	}

	status := fiber.StatusOK
	if !healthy {
		status = fiber.StatusServiceUnavailable
	}

	return c.Status(status).JSON(fiber.Map{
		"status":  "success",
		"message": "Service health",
		"data":    out,
	})
}
