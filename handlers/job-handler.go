package handler

import (
	"io"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/krishkalaria12/mesh-serve/jobs"
	"github.com/krishkalaria12/mesh-serve/middleware"
	"github.com/krishkalaria12/mesh-serve/models"
	"github.com/krishkalaria12/mesh-serve/storage"
)

const maxImageSize = 10 << 20 // 10 MiB

var supportedImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
}

type JobHandler struct {
	orch  *jobs.Orchestrator
	store *jobs.Store
	blobs storage.Store
}

func NewJobHandler(orch *jobs.Orchestrator, store *jobs.Store, blobs storage.Store) *JobHandler {
	return &JobHandler{orch: orch, store: store, blobs: blobs}
}

type jobResponse struct {
	ID             uint             `json:"id"`
	Name           string           `json:"name,omitempty"`
	Status         models.JobStatus `json:"status"`
	Progress       int              `json:"progress"`
	ExternalTaskID string           `json:"external_task_id,omitempty"`
	SourceURL      string           `json:"source_url,omitempty"`
	ModelURL       string           `json:"model_url,omitempty"`
	FailureReason  string           `json:"failure_reason,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

func (h *JobHandler) view(job *models.Job) jobResponse {
	resp := jobResponse{
		ID:             job.ID,
		Name:           job.Name,
		Status:         job.Status,
		Progress:       job.Progress,
		ExternalTaskID: job.ExternalTaskID,
		FailureReason:  job.FailureReason,
		CreatedAt:      job.CreatedAt,
	}
	if job.SourceRef != "" {
		resp.SourceURL = h.blobs.URL(job.SourceRef)
	}
	if job.ResultRef != "" {
		resp.ModelURL = h.blobs.URL(job.ResultRef)
	}
	return resp
}

// Create accepts a multipart image upload and kicks off a conversion job.
func (h *JobHandler) Create(c *fiber.Ctx) error {
	userID, err := middleware.CheckUserLoggedIn(c)
	if err != nil {
		return unauthorized(c)
	}

	file, err := c.FormFile("image")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"status":  "error",
			"message": "No image provided",
			"data":    nil,
		})
	}

	if file.Size > maxImageSize {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"status":  "error",
			"message": "Image too large (max 10 MiB)",
			"data":    nil,
		})
	}

	contentType := file.Header.Get("Content-Type")
	if !supportedImageTypes[contentType] {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"status":  "error",
			"message": "Unsupported image type (jpeg, png or webp only)",
			"data":    nil,
		})
	}

	blobFile, err := file.Open()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"status":  "error",
			"message": "Error opening the file",
			"data":    nil,
		})
	}
	defer blobFile.Close()

	image, err := io.ReadAll(blobFile)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"status":  "error",
			"message": "Error reading the file",
			"data":    nil,
		})
	}

	job, err := h.orch.Start(c.UserContext(), userID, c.FormValue("name"), image, contentType)
	if err != nil {
		return respondError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"status":  "success",
		"message": "Job created",
		"data":    h.view(job),
	})
}

// Get refreshes a job against the provider and returns its current state.
func (h *JobHandler) Get(c *fiber.Ctx) error {
	userID, err := middleware.CheckUserLoggedIn(c)
	if err != nil {
		return unauthorized(c)
	}

	jobID, err := parseID(c.Params("id"))
	if err != nil {
		return respondError(c, jobs.ErrNotFound)
	}

	job, err := h.orch.Refresh(c.UserContext(), jobID, userID)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"status":  "success",
		"message": "Job found",
		"data":    h.view(job),
	})
}

// List returns the caller's jobs, newest first.
func (h *JobHandler) List(c *fiber.Ctx) error {
	userID, err := middleware.CheckUserLoggedIn(c)
	if err != nil {
		return unauthorized(c)
	}

	list, err := h.store.ListForAccount(c.UserContext(), userID)
	if err != nil {
		return respondError(c, err)
	}

	out := make([]jobResponse, 0, len(list))
	for i := range list {
		out = append(out, h.view(&list[i]))
	}

	return c.JSON(fiber.Map{
		"status":  "success",
		"message": "Jobs found",
		"data":    out,
	})
}

// Delete removes the caller's job and its stored blobs.
func (h *JobHandler) Delete(c *fiber.Ctx) error {
	userID, err := middleware.CheckUserLoggedIn(c)
	if err != nil {
		return unauthorized(c)
	}

	jobID, err := parseID(c.Params("id"))
	if err != nil {
		return respondError(c, jobs.ErrNotFound)
	}

	if err := h.store.Delete(c.UserContext(), jobID, userID); err != nil {
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"status":  "success",
		"message": "Job deleted",
		"data":    nil,
	})
}

func parseID(raw string) (uint, error) {
	id, err := strconv.ParseUint(raw, 10, 32)
	return uint(id), err
}
