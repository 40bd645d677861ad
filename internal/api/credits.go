package api

import (
	"errors"   // Error inspection
	"io"       // Empty body detection
	"net/http" // HTTP status codes
	"strconv"  // String conversion
	"time"     // Time durations

	"credit_system/internal/credits"    // Credit service
	"credit_system/internal/middleware" // Context keys
	"credit_system/internal/utils"      // Cache helpers

	"github.com/gin-gonic/gin"      // Gin web framework
	"github.com/redis/go-redis/v9"  // Redis client
	"github.com/shopspring/decimal" // Fixed-point money
	"github.com/sirupsen/logrus"    // Logging library
)

// IdempotencyKeyHeader carries the caller's idempotency key on mutating requests
const IdempotencyKeyHeader = "Idempotency-Key"

// CreateReservationRequest represents a hold request at checkout
type CreateReservationRequest struct {
	Amount             decimal.Decimal `json:"amount"`                             // Amount to hold
	Currency           string          `json:"currency"`                           // Defaults to the user's currency
	OrderID            string          `json:"order_id"`                           // Order being paid
	ExternalPaymentRef string          `json:"external_payment_ref"`               // Gateway reference if already known
	Note               string          `json:"note" binding:"max=255"`             // Free text
	ExpiresInSeconds   int             `json:"expires_in_seconds" binding:"min=0"` // Advisory expiry
}

// ConfirmReservationRequest represents a payment confirmation
type ConfirmReservationRequest struct {
	OrderID string `json:"order_id"` // Order the reservation pays for
}

// CancelReservationRequest represents an abandoned or failed checkout
type CancelReservationRequest struct {
	Note string `json:"note" binding:"max=255"` // Reason for the release
}

// userID returns the authenticated user set by the JWT middleware
func userID(c *gin.Context) (string, bool) {
	id := c.GetString(middleware.ContextUserID) // Get userID from context
	if id == "" {
		// If not, return unauthorized
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Unauthorized"})
		return "", false
	}
	return id, true
}

// bindOptionalJSON binds a body that callers may omit entirely
func bindOptionalJSON(c *gin.Context, dest any) bool {
	if err := c.ShouldBindJSON(dest); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c) // Malformed body
		return false
	}
	return true
}

// invalidate drops cached reads of a user after a mutation
func invalidate(c *gin.Context, rdb *redis.Client, userID string) {
	if err := utils.InvalidateUserCredits(c.Request.Context(), rdb, userID); err != nil {
		logrus.WithFields(logrus.Fields{
			"user_id": userID,      // User ID
			"error":   err.Error(), // Error message
		}).Warn("Failed to invalidate credit cache")
	}
}

// GetBalanceHandler returns the authenticated user's credit balance
func GetBalanceHandler(svc *credits.Service, rdb *redis.Client, ttl time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid, ok := userID(c)
		if !ok {
			return
		}
		serveBalance(c, svc, rdb, ttl, uid)
	}
}

func serveBalance(c *gin.Context, svc *credits.Service, rdb *redis.Client, ttl time.Duration, uid string) {
	ctx := c.Request.Context()        // Context for Redis and DB operations
	cacheKey := utils.BalanceKey(uid) // Cache key for balance
	var cached credits.BalanceResponse
	// If found in cache, return it
	if found, err := utils.GetCache(ctx, rdb, cacheKey, &cached); err == nil && found {
		c.JSON(http.StatusOK, gin.H{"balance": cached, "cached": true})
		return
	}
	gen, genErr := utils.CacheGeneration(ctx, rdb, uid) // Invalidation counter before the read
	resp, err := svc.GetBalance(ctx, uid)               // Read from DB
	if err != nil {
		respondError(c, err)
		return
	}
	if genErr == nil {
		_ = utils.SetCacheIfCurrent(ctx, rdb, uid, gen, cacheKey, resp, ttl) // Cache unless a mutation landed meanwhile
	}
	c.JSON(http.StatusOK, gin.H{"balance": resp, "cached": false}) // Return balance
}

// GetLedgerHandler returns the authenticated user's ledger, newest first
func GetLedgerHandler(svc *credits.Service, rdb *redis.Client, ttl time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid, ok := userID(c)
		if !ok {
			return
		}
		serveLedger(c, svc, rdb, ttl, uid)
	}
}

func serveLedger(c *gin.Context, svc *credits.Service, rdb *redis.Client, ttl time.Duration, uid string) {
	limit := 0 // Zero selects the default page size
	// If limit exists in query
	if l := c.Query("limit"); l != "" {
		v, err := strconv.Atoi(l)
		if err != nil || v <= 0 {
			badRequest(c) // Limit must be a positive integer
			return
		}
		limit = v
	}
	limit = credits.ClampLedgerLimit(limit)

	ctx := c.Request.Context()
	cacheKey := utils.LedgerKey(uid, limit) // Cache key for this page
	var cached []credits.LedgerEntryResponse
	// If found in cache, return it
	if found, err := utils.GetCache(ctx, rdb, cacheKey, &cached); err == nil && found {
		c.JSON(http.StatusOK, gin.H{"entries": cached, "limit": limit, "cached": true})
		return
	}
	gen, genErr := utils.CacheGeneration(ctx, rdb, uid) // Invalidation counter before the read
	entries, err := svc.GetLedger(ctx, uid, limit)      // Read from DB
	if err != nil {
		respondError(c, err)
		return
	}
	if genErr == nil {
		_ = utils.SetCacheIfCurrent(ctx, rdb, uid, gen, cacheKey, entries, ttl) // Cache the page unless invalidated meanwhile
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "limit": limit, "cached": false})
}

// ListReservationsHandler returns the authenticated user's ACTIVE reservations
func ListReservationsHandler(svc *credits.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid, ok := userID(c)
		if !ok {
			return
		}
		reservations, err := svc.ActiveReservations(c.Request.Context(), uid)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"reservations": reservations})
	}
}

// CreateReservationHandler holds credits for an order
func CreateReservationHandler(svc *credits.Service, rdb *redis.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid, ok := userID(c)
		if !ok {
			return
		}
		var req CreateReservationRequest // Bind JSON request to struct
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c)
			return
		}
		resp, err := svc.CreateReservation(c.Request.Context(), credits.CreateReservationRequest{
			UserID:             uid,
			Amount:             req.Amount,
			Currency:           req.Currency,
			IdempotencyKey:     c.GetHeader(IdempotencyKeyHeader),
			OrderID:            req.OrderID,
			ExternalPaymentRef: req.ExternalPaymentRef,
			Note:               req.Note,
			ExpiresIn:          time.Duration(req.ExpiresInSeconds) * time.Second,
		})
		if err != nil {
			respondError(c, err)
			return
		}
		invalidate(c, rdb, uid)
		c.JSON(http.StatusCreated, resp) // Same body for the first call and every replay
	}
}

// ConfirmReservationHandler converts the authenticated user's reservation into a debit
func ConfirmReservationHandler(svc *credits.Service, rdb *redis.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid, ok := userID(c)
		if !ok {
			return
		}
		confirmReservation(c, svc, rdb, uid)
	}
}

func confirmReservation(c *gin.Context, svc *credits.Service, rdb *redis.Client, uid string) {
	var req ConfirmReservationRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	resp, err := svc.ConfirmReservation(c.Request.Context(), uid, c.Param("id"), req.OrderID, c.GetHeader(IdempotencyKeyHeader))
	if err != nil {
		respondError(c, err)
		return
	}
	invalidate(c, rdb, uid)
	c.JSON(http.StatusOK, resp)
}

// CancelReservationHandler releases the authenticated user's reservation
func CancelReservationHandler(svc *credits.Service, rdb *redis.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid, ok := userID(c)
		if !ok {
			return
		}
		cancelReservation(c, svc, rdb, uid)
	}
}

func cancelReservation(c *gin.Context, svc *credits.Service, rdb *redis.Client, uid string) {
	var req CancelReservationRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	resp, err := svc.CancelReservation(c.Request.Context(), uid, c.Param("id"), req.Note)
	if err != nil {
		respondError(c, err)
		return
	}
	invalidate(c, rdb, uid)
	c.JSON(http.StatusOK, resp)
}
