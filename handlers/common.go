package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/krishkalaria12/mesh-serve/jobs"
)

func Hello(c *fiber.Ctx) error {
	return c.SendString("Hello, World!")
}

// respondError maps service errors onto the HTTP surface. Anything not in the
// taxonomy is a 500 with a generic message; internals are never echoed back.
func respondError(c *fiber.Ctx, err error) error {
	var validationErr *jobs.ValidationError
	switch {
	case errors.As(err, &validationErr):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"status":  "error",
			"message": validationErr.Message,
			"data":    nil,
		})
	case errors.Is(err, jobs.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"status":  "error",
			"message": "Job not found",
			"data":    nil,
		})
	case errors.Is(err, jobs.ErrForbidden):
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"status":  "error",
			"message": "You do not own this job",
			"data":    nil,
		})
	}

	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"status":  "error",
		"message": "Internal server error",
		"data":    nil,
	})
}

func unauthorized(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
		"status":  "error",
		"message": "Authentication required",
		"data":    nil,
	})
}
