package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/grpdelivery/rewards/internal/config"
	"github.com/grpdelivery/rewards/internal/handlers"
	"github.com/grpdelivery/rewards/internal/middleware"
)

// HealthChecker reports whether a dependency is reachable
type HealthChecker func(ctx context.Context) error

// NewRouter creates the gin engine with global middleware and the health endpoint
func NewRouter(cfg *config.Config, health HealthChecker) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{cfg.FrontendURL},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	router.Use(middleware.SecureHeaders(middleware.DefaultSecureHeadersConfig(cfg.IsProduction())))

	router.GET("/health", func(c *gin.Context) {
		if health != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := health(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return router
}

// RegisterReferralRoutes registers driver-facing and admin referral routes
func RegisterReferralRoutes(router *gin.Engine, referralHandler *handlers.ReferralHandler, adminHandler *handlers.AdminReferralHandler, rateLimiter *middleware.RateLimiter) {
	referralGroup := router.Group("/api/referrals")
	{
		referralGroup.POST("/drivers/:driverId/code", referralHandler.GenerateCode)
		referralGroup.GET("/drivers/:driverId/code", referralHandler.GetCode)
		referralGroup.GET("/drivers/:driverId/stats", referralHandler.GetStats)
		referralGroup.GET("/drivers/:driverId/referrals", referralHandler.ListReferrals)
		referralGroup.GET("/drivers/:driverId/history", referralHandler.GetHistory)
		referralGroup.GET("/leaderboard", referralHandler.GetLeaderboard)

		referralGroup.POST("/progress", referralHandler.AdvanceProgress)
		referralGroup.POST("/progress/async", referralHandler.EnqueueProgress)
	}

	// Redemption endpoints are rate limited per client IP
	redeemGroup := router.Group("/api/referrals")
	redeemGroup.Use(rateLimiter.IPRateLimiterMiddleware())
	{
		redeemGroup.POST("/redeem", referralHandler.RedeemCode)
		redeemGroup.POST("/drivers/:driverId/balance/redeem", referralHandler.RedeemBalance)
	}

	adminGroup := router.Group("/api/referrals/admin")
	{
		adminGroup.GET("/stats", adminHandler.GetStats)
		adminGroup.GET("/referrals/:id", adminHandler.GetReferral)
		adminGroup.POST("/referrals/:id/cancel", adminHandler.CancelReferral)
		adminGroup.POST("/referrals/:id/expire", adminHandler.ExpireReferral)
		adminGroup.POST("/drivers/:driverId/balance/expire", adminHandler.ExpireBalance)
		adminGroup.GET("/audit/:targetId", adminHandler.GetAuditLog)
	}
}
