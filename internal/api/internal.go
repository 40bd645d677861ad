package api

import (
	"context"  // Request context
	"net/http" // HTTP status codes

	"credit_system/internal/credits" // Credit service

	"github.com/gin-gonic/gin"      // Gin web framework
	"github.com/redis/go-redis/v9"  // Redis client
	"github.com/shopspring/decimal" // Fixed-point money
)

// Internal routes are called by the order and payment services on behalf of a user.
// The user comes from the path, the caller is authenticated by its service key.

// RefundRequest represents a refund of an order into credits
type RefundRequest struct {
	OrderID string          `json:"order_id"`               // Refunded order
	Amount  decimal.Decimal `json:"amount"`                 // Amount to refund
	Note    string          `json:"note" binding:"max=255"` // Free text
}

// EarnRequest represents cashback for a confirmed payment
type EarnRequest struct {
	OrderID string          `json:"order_id"`               // Paid order
	Amount  decimal.Decimal `json:"amount"`                 // Cashback amount
	Note    string          `json:"note" binding:"max=255"` // Free text
}

// pathUserID returns the user named in the route
func pathUserID(c *gin.Context) (string, bool) {
	id := c.Param("user_id")
	if id == "" {
		respondError(c, credits.ErrMissingUserID)
		return "", false
	}
	return id, true
}

// InternalConfirmReservationHandler converts a reservation from the payment webhook flow
func InternalConfirmReservationHandler(svc *credits.Service, rdb *redis.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid, ok := pathUserID(c)
		if !ok {
			return
		}
		confirmReservation(c, svc, rdb, uid)
	}
}

// InternalCancelReservationHandler releases a reservation after a failed or abandoned payment
func InternalCancelReservationHandler(svc *credits.Service, rdb *redis.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid, ok := pathUserID(c)
		if !ok {
			return
		}
		cancelReservation(c, svc, rdb, uid)
	}
}

// InternalRefundHandler refunds an order into the user's credits
func InternalRefundHandler(svc *credits.Service, rdb *redis.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid, ok := pathUserID(c)
		if !ok {
			return
		}
		refund(c, rdb, uid, svc.Refund)
	}
}

// InternalEarnHandler credits cashback once per payment reference, given as the idempotency key
func InternalEarnHandler(svc *credits.Service, rdb *redis.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid, ok := pathUserID(c)
		if !ok {
			return
		}
		var req EarnRequest // Bind JSON request to struct
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c)
			return
		}
		resp, err := svc.Earn(c.Request.Context(), credits.EarnRequest{
			UserID:             uid,
			OrderID:            req.OrderID,
			Amount:             req.Amount,
			ExternalPaymentRef: c.GetHeader(IdempotencyKeyHeader),
			Note:               req.Note,
		})
		if err != nil {
			respondError(c, err)
			return
		}
		invalidate(c, rdb, uid)
		c.JSON(http.StatusOK, resp)
	}
}

// refundFunc is Service.Refund or Service.ForceRefund
type refundFunc func(ctx context.Context, req credits.RefundRequest) (*credits.RefundResponse, error)

func refund(c *gin.Context, rdb *redis.Client, uid string, do refundFunc) {
	var req RefundRequest // Bind JSON request to struct
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	resp, err := do(c.Request.Context(), credits.RefundRequest{
		UserID:         uid,
		OrderID:        req.OrderID,
		Amount:         req.Amount,
		IdempotencyKey: c.GetHeader(IdempotencyKeyHeader),
		Note:           req.Note,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	invalidate(c, rdb, uid)
	c.JSON(http.StatusOK, resp)
}
