package main

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/gofiber/fiber/v2"
	"github.com/krishkalaria12/mesh-serve/auth"
	"github.com/krishkalaria12/mesh-serve/config"
	"github.com/krishkalaria12/mesh-serve/conversion"
	"github.com/krishkalaria12/mesh-serve/database"
	handler "github.com/krishkalaria12/mesh-serve/handlers"
	"github.com/krishkalaria12/mesh-serve/jobs"
	"github.com/krishkalaria12/mesh-serve/models"
	"github.com/krishkalaria12/mesh-serve/router"
	"github.com/krishkalaria12/mesh-serve/storage"
	"go.uber.org/zap"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	db, err := database.Connect(config.Secret("database-url", "DATABASE_URL"), logger)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}

	// Run migrations
	if err := database.MigrateModels(db, &models.User{}, &models.Job{}); err != nil {
		logger.Fatal("failed to migrate database", zap.Error(err))
	}

	ctx := context.Background()

	bucket := config.Config("GCS_BUCKET_NAME")
	blobs, err := storage.NewGCSStore(ctx, bucket, logger)
	if err != nil {
		logger.Fatal("failed to create storage client", zap.Error(err))
	}

	provider := config.ConfigOr("CONVERSION_PROVIDER", "meshy")
	apiKey := config.Secret(provider+"-api-key", apiKeyEnv(provider))
	if apiKey == "" {
		logger.Fatal("conversion API key not configured", zap.String("provider", provider))
	}

	client, err := conversion.New(provider, apiKey, logger)
	if err != nil {
		logger.Fatal("failed to create conversion client", zap.Error(err))
	}

	jobStore := jobs.NewStore(db, blobs, logger)
	orch := jobs.NewOrchestrator(jobStore, blobs, client, logger,
		jobs.WithStaleAfter(config.ConfigDuration("JOB_STALE_AFTER", jobs.DefaultStaleAfter)))

	sweeper := jobs.NewSweeper(orch, config.ConfigDuration("SWEEP_INTERVAL", jobs.DefaultSweepInterval), logger)
	sweeper.Start()
	defer sweeper.Stop()

	port := config.ConfigOr("PORT", "3000")
	authService := auth.NewService(db, config.Secret("jwt-secret", "JWT_SECRET"), "http://localhost:"+port)

	checks := []handler.ServiceCheck{
		{Name: "database", Check: func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		}},
		{Name: "bucket", Check: blobs.Ping},
		{Name: "conversion_api", Check: func(context.Context) error {
			if apiKey == "" {
				return errors.New("API key not found")
			}
			return nil
		}},
	}

	app := fiber.New(fiber.Config{
		BodyLimit: 12 << 20, // a little headroom over the 10 MiB upload cap
	})

	router.SetupRoutes(app,
		authService,
		handler.NewAuthHandler(authService, db),
		handler.NewJobHandler(orch, jobStore, blobs),
		handler.NewAdminHandler(db, jobStore, blobs, checks),
	)

	// close the database connection
	defer func() {
		if err := database.Close(db); err != nil {
			logger.Error("failed to close database", zap.Error(err))
		}
	}()

	fmt.Println("Server is listening at the port " + port)
	if err := app.Listen(":" + port); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func apiKeyEnv(provider string) string {
	if provider == "tripo" {
		return "TRIPO_API_KEY"
	}
	return "MESHY_API_KEY"
}
