package api

import (
	"time" // Time durations

	"credit_system/internal/credits"    // Credit service
	"credit_system/internal/metrics"    // Prometheus instrumentation
	"credit_system/internal/middleware" // Auth middlewares

	"github.com/gin-gonic/gin"     // Gin web framework
	"github.com/redis/go-redis/v9" // Redis client
)

// RouteConfig holds what the routes need besides the service
type RouteConfig struct {
	JWTSecret      string        // Secret shared with the auth service
	ServiceKeyHash string        // bcrypt hash of the internal callers' key
	CacheTTL       time.Duration // TTL of cached reads
}

// RegisterRoutes mounts every credit route on r
func RegisterRoutes(r *gin.Engine, svc *credits.Service, rdb *redis.Client, cfg RouteConfig) {
	r.Use(metrics.Middleware())          // Request counters and latency
	r.GET("/metrics", metrics.Handler()) // Prometheus scrape endpoint

	// User routes (protected by JWT)
	userGroup := r.Group("/credits")
	userGroup.Use(middleware.JWTAuthMiddleware(cfg.JWTSecret))
	userGroup.GET("/balance", GetBalanceHandler(svc, rdb, cfg.CacheTTL))             // Balance endpoint
	userGroup.GET("/ledger", GetLedgerHandler(svc, rdb, cfg.CacheTTL))               // Ledger endpoint
	userGroup.GET("/reservations", ListReservationsHandler(svc))                     // Active reservations endpoint
	userGroup.POST("/reservations", CreateReservationHandler(svc, rdb))              // Create reservation endpoint
	userGroup.POST("/reservations/:id/confirm", ConfirmReservationHandler(svc, rdb)) // Confirm reservation endpoint
	userGroup.POST("/reservations/:id/cancel", CancelReservationHandler(svc, rdb))   // Cancel reservation endpoint

	// Internal routes (protected by service key)
	internalGroup := r.Group("/internal/credits/users/:user_id")
	internalGroup.Use(middleware.ServiceKeyMiddleware(cfg.ServiceKeyHash))
	internalGroup.POST("/reservations/:id/confirm", InternalConfirmReservationHandler(svc, rdb)) // Payment succeeded
	internalGroup.POST("/reservations/:id/cancel", InternalCancelReservationHandler(svc, rdb))   // Payment failed or abandoned
	internalGroup.POST("/refunds", InternalRefundHandler(svc, rdb))                              // Order refunded
	internalGroup.POST("/earnings", InternalEarnHandler(svc, rdb))                               // Cashback for a payment

	// Admin routes (protected, admin only)
	adminGroup := r.Group("/admin/credits/users/:user_id")
	adminGroup.Use(middleware.JWTAuthMiddleware(cfg.JWTSecret), middleware.AdminOnlyMiddleware())
	adminGroup.GET("/balance", AdminGetBalanceHandler(svc, rdb, cfg.CacheTTL)) // Balance of any user
	adminGroup.GET("/ledger", AdminGetLedgerHandler(svc, rdb, cfg.CacheTTL))   // Ledger of any user
	adminGroup.GET("/reconcile", AdminReconcileHandler(svc))                   // Ledger reconciliation
	adminGroup.POST("/credits", AdminAddCreditsHandler(svc, rdb))              // Manual credit
	adminGroup.POST("/refunds", AdminForceRefundHandler(svc, rdb))             // Force refund
}
