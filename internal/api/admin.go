package api

import (
	"net/http" // HTTP status codes
	"time"     // Time durations

	"credit_system/internal/credits"    // Credit service
	"credit_system/internal/middleware" // Context keys

	"github.com/gin-gonic/gin"      // Gin web framework
	"github.com/redis/go-redis/v9"  // Redis client
	"github.com/shopspring/decimal" // Fixed-point money
	"github.com/sirupsen/logrus"    // Logging library
)

// AdminCreditRequest represents a manual credit
type AdminCreditRequest struct {
	Amount decimal.Decimal `json:"amount"`                 // Amount to credit
	Note   string          `json:"note" binding:"max=255"` // Reason for the credit
}

// AdminAddCreditsHandler credits a user manually. Credits added this way count as earned.
func AdminAddCreditsHandler(svc *credits.Service, rdb *redis.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid, ok := pathUserID(c)
		if !ok {
			return
		}
		var req AdminCreditRequest // Bind JSON request to struct
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c)
			return
		}
		resp, err := svc.AddCredits(c.Request.Context(), uid, req.Amount, req.Note)
		if err != nil {
			respondError(c, err)
			return
		}
		// Log the admin action with who performed it
		logrus.WithFields(logrus.Fields{
			"admin_id": c.GetString(middleware.ContextUserID), // Acting admin
			"user_id":  uid,                                   // Credited user
			"amount":   resp.Amount,                           // Credited amount
		}).Info("Admin added credits")
		invalidate(c, rdb, uid)
		c.JSON(http.StatusOK, resp)
	}
}

// AdminForceRefundHandler refunds an order into a user's credits outside the normal flow
func AdminForceRefundHandler(svc *credits.Service, rdb *redis.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid, ok := pathUserID(c)
		if !ok {
			return
		}
		logrus.WithFields(logrus.Fields{
			"admin_id": c.GetString(middleware.ContextUserID), // Acting admin
			"user_id":  uid,                                   // Refunded user
		}).Info("Admin force refund requested")
		refund(c, rdb, uid, svc.ForceRefund)
	}
}

// AdminGetLedgerHandler returns the ledger of any user
func AdminGetLedgerHandler(svc *credits.Service, rdb *redis.Client, ttl time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid, ok := pathUserID(c)
		if !ok {
			return
		}
		serveLedger(c, svc, rdb, ttl, uid)
	}
}

// AdminGetBalanceHandler returns the balance of any user
func AdminGetBalanceHandler(svc *credits.Service, rdb *redis.Client, ttl time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid, ok := pathUserID(c)
		if !ok {
			return
		}
		serveBalance(c, svc, rdb, ttl, uid)
	}
}

// AdminReconcileHandler compares a user's stored balance with the ledger
func AdminReconcileHandler(svc *credits.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid, ok := pathUserID(c)
		if !ok {
			return
		}
		report, err := svc.Reconcile(c.Request.Context(), uid)
		if err != nil {
			respondError(c, err)
			return
		}
		// A mismatch means the balance drifted from its ledger
		if !report.Consistent {
			logrus.WithFields(logrus.Fields{
				"user_id":         uid,                   // Reconciled user
				"stored_balance":  report.StoredBalance,  // Balance row
				"derived_balance": report.DerivedBalance, // Ledger replay
			}).Error("Credit balance does not match its ledger")
		}
		c.JSON(http.StatusOK, report)
	}
}
