package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/krishkalaria12/mesh-serve/auth"
	handler "github.com/krishkalaria12/mesh-serve/handlers"
	"github.com/krishkalaria12/mesh-serve/middleware"
)

func SetupRoutes(app *fiber.App, authService *auth.Service, authHandler *handler.AuthHandler, jobHandler *handler.JobHandler, adminHandler *handler.AdminHandler) {
	api := app.Group("/api", logger.New())
	api.Get("/hello", handler.Hello)

	// Auth
	authGroup := api.Group("/auth")
	authGroup.Post("/signup", authHandler.Signup)
	authGroup.Post("/login", authHandler.Login)
	authGroup.Post("/logout", authHandler.Logout)

	// Jobs
	jobsGroup := api.Group("/jobs", middleware.AuthMiddleware(authService))
	jobsGroup.Post("/", jobHandler.Create)
	jobsGroup.Get("/", jobHandler.List)
	jobsGroup.Get("/:id", jobHandler.Get)
	jobsGroup.Delete("/:id", jobHandler.Delete)

	// Admin
	adminGroup := api.Group("/admin", middleware.AuthMiddleware(authService), middleware.AdminMiddleware())
	adminGroup.Get("/users", adminHandler.ListUsers)
	adminGroup.Delete("/users/:id", adminHandler.DeleteUser)
	adminGroup.Get("/jobs", adminHandler.ListJobs)
	adminGroup.Get("/health", adminHandler.Health)
}
