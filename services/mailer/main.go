package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mercury-mailer/services/mailer/email"
	"mercury-mailer/services/mailer/handlers"
	"mercury-mailer/services/mailer/models"
	"mercury-mailer/services/mailer/params"
	"mercury-mailer/services/mailer/repository"
	"mercury-mailer/services/mailer/usecase"
	"mercury-mailer/services/mailer/worker"
	"mercury-mailer/shared/config"
	"mercury-mailer/shared/database"
	"mercury-mailer/shared/logger"
	"mercury-mailer/shared/middleware"

	"github.com/gin-gonic/gin"
)

func main() {
	// Load configuration first so the logger picks up its settings
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Errorf("Failed to load configuration: %v", err)
		os.Exit(1)
	}

	log := logger.New(&logger.Config{
		Level:       cfg.Logger.Level,
		Format:      cfg.Logger.Format,
		Environment: cfg.Logger.Environment,
	})
	logger.SetDefault(log)

	log.Info("Starting mailer service...")

	// Connect to the recipient store. No DATABASE_URL means in-memory
	// SQLite: the recipient list lives only for this process.
	db, err := database.Connect(database.DefaultConfig(cfg.Database.URL))
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.Migrate(&models.Recipient{}); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	log.Info("Recipient store ready")

	// Set Gin mode based on environment
	if cfg.Logger.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	// Wire the core
	registry := params.NewRegistry()
	recipientRepo := repository.NewRecipientRepository(db)
	mailerUC := usecase.NewMailerUsecase(recipientRepo, registry, nil)
	batchRunner := worker.NewBatchRunner(mailerUC)

	smtpDefaults := email.Config{
		Host:      cfg.SMTP.Host,
		Port:      cfg.SMTP.Port,
		Username:  cfg.SMTP.Username,
		Password:  cfg.SMTP.Password,
		FromEmail: cfg.SMTP.FromEmail,
		FromName:  cfg.SMTP.FromName,
		TLSMode:   cfg.SMTP.TLSMode,
		Timeout:   cfg.SMTP.Timeout,
	}
	mailerHandler := handlers.NewMailerHandler(mailerUC, batchRunner, smtpDefaults)

	jwtConfig := middleware.DefaultJWTConfig(cfg.JWT.Secret)

	router := gin.New()
	router.Use(middleware.RecoveryMiddleware())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.LoggerMiddleware())
	router.Use(middleware.CORSMiddleware())

	setupRoutes(router, mailerHandler, jwtConfig, db)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Infof("Mailer service starting on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down mailer service...")

	// Stop any running batch first; recipients not reached stay pending
	batchRunner.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("Server forced to shutdown: %v", err)
	}

	log.Info("Mailer service stopped")
}

// setupRoutes configures all routes for the mailer service
func setupRoutes(router *gin.Engine, mailerHandler *handlers.MailerHandler, jwtConfig *middleware.JWTConfig, db *database.DB) {
	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		if err := db.Health(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "mailer",
		})
	})

	// API v1 routes, protected by JWT issued by the dashboard in front of
	// this service
	v1 := router.Group("/api/v1")
	v1.Use(middleware.JWTMiddleware(jwtConfig))
	{
		recipients := v1.Group("/recipients")
		{
			recipients.GET("", mailerHandler.ListRecipients)
			recipients.POST("", mailerHandler.AddRecipient)
			recipients.PUT("/:index", mailerHandler.UpdateRecipient)
			recipients.DELETE("/:index", mailerHandler.DeleteRecipient)
			recipients.POST("/reset-failed", mailerHandler.ResetFailed)
			recipients.POST("/import", mailerHandler.ImportRecipients)
			recipients.GET("/export", mailerHandler.ExportRecipients)
		}

		parameters := v1.Group("/parameters")
		{
			parameters.GET("", mailerHandler.ListParameters)
			parameters.POST("", mailerHandler.RegisterParameter)
			parameters.DELETE("/:name", mailerHandler.RemoveParameter)
		}

		v1.POST("/template/validate", mailerHandler.ValidateTemplate)
		v1.POST("/preview", mailerHandler.Preview)
		v1.POST("/smtp/test", mailerHandler.TestConnection)

		batch := v1.Group("/batch")
		{
			batch.POST("", mailerHandler.StartBatch)
			batch.GET("", mailerHandler.BatchStatus)
			batch.DELETE("", mailerHandler.CancelBatch)
		}
	}
}
