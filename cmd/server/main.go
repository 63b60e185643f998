package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/viper"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/prepwise/backend/internal/ai"
	"github.com/prepwise/backend/internal/config"
	"github.com/prepwise/backend/internal/database"
	"github.com/prepwise/backend/internal/handlers"
	mW "github.com/prepwise/backend/internal/middleware"
	"github.com/prepwise/backend/internal/models"
	"github.com/prepwise/backend/internal/services"
)

// @title PrepWise Interview Practice API
// @version 1.0
// @description API for the PrepWise interview practice and assessment platform
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	// Initialize config
	viper.SetConfigFile(".env") // explicitly point to .env file
	viper.AutomaticEnv()        // allow environment variables to override .env
	viper.ReadInConfig()        // read .env file

	viper.SetEnvPrefix("")

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")
	viper.BindEnv("jwt.expiry_hours", "JWT_EXPIRY_HOURS")
	viper.BindEnv("argon2.time", "ARGON2_TIME")
	viper.BindEnv("argon2.memory", "ARGON2_MEMORY")
	viper.BindEnv("argon2.threads", "ARGON2_THREADS")
	viper.BindEnv("argon2.key_length", "ARGON2_KEY_LENGTH")

	viper.BindEnv("ai.api_key", "AI_API_KEY")
	viper.BindEnv("ai.model", "AI_MODEL")
	viper.BindEnv("ai.endpoint", "AI_ENDPOINT")
	viper.BindEnv("worker.secret", "WORKER_SECRET")
	viper.BindEnv("share.secret", "SHARE_SECRET")
	viper.BindEnv("server.public_url", "SERVER_PUBLIC_URL")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	// Initialize services
	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	captureCfg := config.LoadCaptureConfig()
	workerCfg := config.LoadWorkerConfig()

	scorer := ai.NewClient()
	creditService := services.NewCreditService(db)
	authService := services.NewAuthService(db, redisClient, creditService)
	submissionService := services.NewSubmissionService(db, creditService)
	feedbackService := services.NewFeedbackService(scorer)
	processingService := services.NewProcessingService(db, scorer, feedbackService, workerCfg)
	interviewService := services.NewInterviewService(db)
	reportService := services.NewReportService(interviewService, redisClient)
	transcriptionService := services.NewTranscriptionService()
	defer transcriptionService.Close()

	captureHandler := handlers.NewCaptureHandler(db, redisClient, transcriptionService, submissionService, captureCfg)

	// Initialize auth middleware with Redis
	mW.InitAuthMiddleware(redisClient)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Access-Control-Allow-Origin"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	// Swagger documentation backed by the static OpenAPI spec
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/openapi.yaml"),
	))
	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, "./api/openapi.yaml")
	})

	// Static file server for evidence snapshots
	r.Handle("/static/evidence/*", http.StripPrefix("/static/evidence/",
		mW.StaticFileServer(captureCfg.EvidenceDir)))

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Public endpoints (no auth required)
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))
			r.Post("/auth/register", authService.Register)
			r.Post("/auth/login", authService.Login)
			r.Get("/shared/{token}", reportService.GetShared)
		})

		// Worker endpoint (shared-secret auth, not a user session). No
		// request timeout here: one processing pass holds the request
		// open across several model calls.
		r.Group(func(r chi.Router) {
			r.Use(mW.WorkerAuth)
			r.Post("/worker/run", processingService.HandleRun)
		})

		// Protected endpoints (auth required)
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))
			r.Use(mW.AuthMiddleware)

			r.Post("/auth/logout", authService.Logout)
			r.Get("/auth/account", authService.GetAccount)

			// Capture workflow
			r.Post("/capture/start", captureHandler.Start)
			r.Get("/capture/state", captureHandler.GetState)
			r.Post("/capture/environment", captureHandler.ReportEnvironment)
			r.Post("/capture/read", captureHandler.BeginReading)
			r.Post("/capture/snapshot", captureHandler.AddSnapshot)
			r.Post("/capture/stop", captureHandler.StopRecording)
			r.Post("/capture/rerecord", captureHandler.Rerecord)
			r.Post("/capture/advance", captureHandler.Advance)
			r.Post("/capture/finalize", captureHandler.Finalize)

			// Interview sessions
			r.Post("/interviews", submissionService.SubmitInterview)
			r.Get("/interviews", interviewService.ListSessions)
			r.Get("/interviews/eligibility", submissionService.CheckEligibility)
			r.Get("/interviews/{id}", interviewService.GetSession)
			r.Get("/interviews/{id}/report", reportService.GetReport)
			r.Post("/interviews/{id}/share", reportService.CreateShare)

			// Credit ledger
			r.Get("/credits/balance", creditService.GetBalance)
			r.Get("/credits/history", creditService.GetHistory)
			r.Post("/credits/purchase", creditService.Purchase)

			// Organization endpoints
			r.Group(func(r chi.Router) {
				r.Use(mW.RequireRole(models.RoleOrganization))
				r.Post("/members", authService.CreateMember)
				r.Post("/credits/transfer", creditService.Transfer)
			})

			// Operator endpoints
			r.Group(func(r chi.Router) {
				r.Use(mW.RequireRole(models.RoleOperator))
				r.Post("/credits/grant", creditService.Grant)
			})
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Start server
	// WriteTimeout must outlast a full worker pass, which can spend
	// minutes on external model calls before it writes the response.
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
