package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/grpdelivery/rewards/internal/audit"
	"github.com/grpdelivery/rewards/internal/config"
	"github.com/grpdelivery/rewards/internal/database"
	"github.com/grpdelivery/rewards/internal/database/migrations"
	"github.com/grpdelivery/rewards/internal/handlers"
	"github.com/grpdelivery/rewards/internal/jobs"
	"github.com/grpdelivery/rewards/internal/middleware"
	"github.com/grpdelivery/rewards/internal/queue"
	"github.com/grpdelivery/rewards/internal/routes"
	"github.com/grpdelivery/rewards/internal/services/ledger"
	"github.com/grpdelivery/rewards/internal/services/referral"
	"github.com/grpdelivery/rewards/internal/store"
)

func main() {
	cfg := config.LoadConfig()

	db, err := database.InitDB(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer database.Close(db)

	if err := migrations.RunMigrations(db); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// Initialize services
	st := store.NewGormStore(db)
	ledgerService := ledger.NewLedgerService(st)
	referralService := referral.NewReferralService(st, ledgerService, cfg.Referral)

	// Redis backs async progress updates only; the API keeps serving without it
	var (
		progressQueue handlers.ProgressEnqueuer
		queueStats    handlers.QueueStatsProvider
		jobProcessor  *queue.JobProcessor
	)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	redisClient, err := queue.NewRedisClient(ctx, cfg.Redis)
	cancel()
	if err != nil {
		log.Printf("Redis unavailable, async progress updates disabled: %v", err)
	} else {
		defer redisClient.Close()
		redisQueue := queue.NewRedisQueue(redisClient)
		jobProcessor = queue.NewJobProcessor(redisQueue, cfg.Jobs.Workers)
		progressQueue = jobs.RegisterAllJobHandlers(jobProcessor, redisQueue, referralService)
		queueStats = redisQueue
		jobProcessor.Start()
	}

	sweep, err := jobs.ScheduleRecurringJobs(referralService, cfg.Jobs.SweepInterval, cfg.Jobs.SweepBatch)
	if err != nil {
		log.Fatalf("Failed to schedule recurring jobs: %v", err)
	}

	rateLimiter := middleware.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)

	router := routes.NewRouter(cfg, database.Pinger(db))
	routes.RegisterReferralRoutes(
		router,
		handlers.NewReferralHandler(referralService, progressQueue),
		handlers.NewAdminReferralHandler(referralService, queueStats, audit.NewLogger(db)),
		rateLimiter,
	)

	srv := startServer(router, cfg.Server)

	// Wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	sweep.Stop()
	if jobProcessor != nil {
		jobProcessor.Stop()
	}
	rateLimiter.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exiting")
}

// startServer starts the HTTP server
func startServer(router *gin.Engine, serverConfig config.ServerConfig) *http.Server {
	srv := &http.Server{
		Addr:         ":" + serverConfig.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(serverConfig.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(serverConfig.WriteTimeout) * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	log.Printf("Server started on port %s", serverConfig.Port)
	return srv
}
