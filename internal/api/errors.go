package api

import (
	"errors"   // Error inspection
	"net/http" // HTTP status codes

	"credit_system/internal/credits" // Credit engine errors

	"github.com/gin-gonic/gin"   // Gin web framework
	"github.com/sirupsen/logrus" // Logging library
)

// errorStatus maps a business error to its status code and stable error code
var errorStatus = []struct {
	err    error
	status int
	code   string
}{
	{credits.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
	{credits.ErrMissingIdempotencyKey, http.StatusBadRequest, "missing_idempotency_key"},
	{credits.ErrMissingUserID, http.StatusBadRequest, "missing_user_id"},
	{credits.ErrMissingOrderID, http.StatusBadRequest, "missing_order_id"},
	{credits.ErrInvalidLedgerType, http.StatusBadRequest, "invalid_ledger_type"},
	{credits.ErrCurrencyMismatch, http.StatusBadRequest, "currency_mismatch"},
	{credits.ErrReservationNotFound, http.StatusNotFound, "reservation_not_found"},
	{credits.ErrInvalidReservationState, http.StatusConflict, "invalid_reservation_state"},
	{credits.ErrIdempotencyConflict, http.StatusConflict, "idempotency_conflict"},
	{credits.ErrIneligibleForCredits, http.StatusUnprocessableEntity, "ineligible_for_credits"},
	{credits.ErrInsufficientBalance, http.StatusUnprocessableEntity, "insufficient_balance"},
}

// respondError writes the error envelope for err
func respondError(c *gin.Context, err error) {
	var insufficient *credits.InsufficientBalanceError
	if errors.As(err, &insufficient) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":     "insufficient_balance",                       // Error code
			"message":   "Insufficient credit balance",                // Human readable message
			"available": credits.FormatAmount(insufficient.Available), // Current balance
			"requested": credits.FormatAmount(insufficient.Requested), // Requested amount
		})
		return
	}
	var ineligible *credits.IneligibleError
	if errors.As(err, &ineligible) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":           "ineligible_for_credits",                          // Error code
			"message":         "Lifetime earned credits are below the threshold", // Human readable message
			"lifetime_earned": credits.FormatAmount(ineligible.LifetimeEarned),   // Current lifetime earned
			"threshold":       credits.FormatAmount(ineligible.Threshold),        // Amount it must exceed
		})
		return
	}
	for _, m := range errorStatus {
		if errors.Is(err, m.err) {
			c.JSON(m.status, gin.H{"error": m.code, "message": m.err.Error()})
			return
		}
	}
	// Anything else is unexpected, keep the details in the log only
	logrus.WithFields(logrus.Fields{
		"path":  c.FullPath(), // Route pattern
		"error": err.Error(),  // Error message
	}).Error("Credit request failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal server error"})
}

// badRequest rejects a body that could not be decoded
func badRequest(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request"})
}
