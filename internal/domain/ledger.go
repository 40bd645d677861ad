package domain

import (
	"time" // Timestamps

	"github.com/shopspring/decimal" // Fixed-point money
)

// LedgerType is the kind of monetary event recorded in the ledger
type LedgerType string

const (
	LedgerReservation LedgerType = "RESERVATION" // Funds held for an order
	LedgerDebit       LedgerType = "DEBIT"       // Hold made permanent
	LedgerCredit      LedgerType = "CREDIT"      // Earned credit or refund
	LedgerRelease     LedgerType = "RELEASE"     // Hold returned to the balance
	LedgerAdjustment  LedgerType = "ADJUSTMENT"  // Manual correction
	LedgerExpire      LedgerType = "EXPIRE"      // Credits removed on expiry
)

// Valid reports whether t is a known ledger type
func (t LedgerType) Valid() bool {
	switch t {
	case LedgerReservation, LedgerDebit, LedgerCredit, LedgerRelease, LedgerAdjustment, LedgerExpire:
		return true
	}
	return false
}

// BalanceEffect returns the signed effect of an entry of this type on the spendable balance.
// DEBIT has no effect because the amount already left the balance when it was reserved.
func (t LedgerType) BalanceEffect(amount decimal.Decimal) decimal.Decimal {
	switch t {
	case LedgerCredit, LedgerAdjustment, LedgerRelease:
		return amount
	case LedgerReservation, LedgerExpire:
		return amount.Neg()
	}
	return decimal.Zero
}

// LedgerEntry Model, append-only
type LedgerEntry struct {
	ID                 string          `gorm:"primaryKey;size:36"`                                                    // Primary key (uuid)
	UserID             string          `gorm:"size:64;not null;index:idx_credit_ledger_user_created,priority:1"`      // Owning user
	OrderID            *string         `gorm:"size:64;index"`                                                         // Related order, if any
	ReservationID      *string         `gorm:"size:36;index"`                                                         // Related reservation, if any
	Type               LedgerType      `gorm:"size:16;not null;uniqueIndex:uq_credit_ledger_ref_type,priority:2"`     // Event type
	Amount             decimal.Decimal `gorm:"type:decimal(12,2);not null;check:chk_credit_ledger_amount,amount > 0"` // Always positive
	Currency           string          `gorm:"size:3;not null"`                                                       // Currency of the amount
	ExternalPaymentRef *string         `gorm:"size:128;uniqueIndex:uq_credit_ledger_ref_type,priority:1"`             // Gateway reference, idempotency key with Type
	Earned             bool            `gorm:"not null"`                                                              // Counts toward lifetime earned
	BalanceAfter       decimal.Decimal `gorm:"type:decimal(12,2);not null"`                                           // Balance right after this event
	Note               string          `gorm:"size:255"`                                                              // Free text
	CreatedAt          time.Time       `gorm:"not null;index:idx_credit_ledger_user_created,priority:2"`              // Timestamp of creation
}

// TableName pins the ledger table name
func (LedgerEntry) TableName() string { return "credit_ledger_entries" }
