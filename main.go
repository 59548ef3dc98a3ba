package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apex/log"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cxr-report-pipeline/aiclient"
	"cxr-report-pipeline/config"
	"cxr-report-pipeline/handlers"
	"cxr-report-pipeline/metrics"
	"cxr-report-pipeline/pipeline"
	"cxr-report-pipeline/rabbitmq"
	"cxr-report-pipeline/store"
	"cxr-report-pipeline/synthesizer"
	"cxr-report-pipeline/validator"
)

func main() {
	// Load environment variables from .env file
	if err := godotenv.Load(); err != nil {
		log.Warn(".env file not found, using system environment variables")
	}

	cfg := config.Load()

	// Validate required configuration
	if cfg.OpenAIAPIKey == "" {
		log.Fatal("OPENAI_API_KEY environment variable is required")
	}
	if cfg.AIBaseURL == "" {
		log.Fatal("AI_BASE_URL environment variable is required")
	}

	metrics.Register()

	// Initialize the report store
	reportStore, err := store.New(cfg)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize report store")
	}
	defer reportStore.Close()

	if err := reportStore.CreateTables(); err != nil {
		log.WithError(err).Fatal("failed to create report tables")
	}

	// Initialize the finalized-report publisher when enabled
	var publisher pipeline.Publisher
	if cfg.PublishingEnable && cfg.AMQPURL != "" {
		amqpPublisher, err := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPRoutingKey)
		if err != nil {
			// Continue without publisher - report generation still works
			log.WithError(err).Warn("failed to initialize RabbitMQ publisher")
		} else {
			publisher = amqpPublisher
			defer amqpPublisher.Close()
		}
	}

	// Compose the pipeline
	orchestrator := pipeline.New(
		validator.New(cfg.MaxImageBytes),
		aiclient.NewClient(cfg),
		synthesizer.New(cfg),
		reportStore,
		publisher,
		cfg.RunDeadline,
	)

	h := handlers.NewHandlers(orchestrator, reportStore)

	// Setup HTTP server
	router := gin.Default()

	// API routes
	api := router.Group("/api/v3")
	{
		api.GET("/health", h.HealthCheck)
		api.POST("/reports", h.ProcessImage)
		api.POST("/reports/scores", h.GenerateFromScores)
		api.GET("/reports", h.ListReports)
		api.GET("/reports/:fingerprint", h.GetReport)
	}

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// Start HTTP server in a goroutine
	go func() {
		log.Infof("starting HTTP server on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("failed to start server")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down server...")

	// Create a deadline for server shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Fatal("server forced to shutdown")
	}

	log.Info("server exited")
}
