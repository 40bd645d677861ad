package domain

import (
	"time" // Timestamps

	"github.com/shopspring/decimal" // Fixed-point money
)

// ReservationStatus is the lifecycle state of a hold
type ReservationStatus string

const (
	ReservationActive    ReservationStatus = "ACTIVE"    // Funds held
	ReservationReleased  ReservationStatus = "RELEASED"  // Funds returned, terminal
	ReservationConverted ReservationStatus = "CONVERTED" // Funds spent, terminal
)

// Terminal reports whether no further transition is allowed
func (s ReservationStatus) Terminal() bool {
	return s == ReservationReleased || s == ReservationConverted
}

// Reservation Model, a hold against a user's balance for an order
type Reservation struct {
	ID                 string            `gorm:"primaryKey;size:36"`                                                                                                           // Primary key (uuid)
	UserID             string            `gorm:"size:64;not null;index:idx_credit_reservations_user_status,priority:1;uniqueIndex:uq_credit_reservations_user_key,priority:1"` // Owning user
	OrderID            *string           `gorm:"size:64;index"`                                                                                                                // Order the hold is for
	Amount             decimal.Decimal   `gorm:"type:decimal(12,2);not null;check:chk_credit_reservations_amount,amount > 0"`                                                  // Held amount
	Currency           string            `gorm:"size:3;not null"`                                                                                                              // Currency of the amount
	Status             ReservationStatus `gorm:"size:16;not null;index:idx_credit_reservations_user_status,priority:2"`                                                        // Lifecycle state
	ExternalPaymentRef *string           `gorm:"size:128;index"`                                                                                                               // Gateway reference captured so far
	ActivePaymentRef   *string           `gorm:"size:128;uniqueIndex"`                                                                                                         // Equals ExternalPaymentRef while ACTIVE, NULL afterwards
	IdempotencyKey     *string           `gorm:"size:128;uniqueIndex:uq_credit_reservations_user_key,priority:2"`                                                              // Caller key that created the hold
	Note               string            `gorm:"size:255"`                                                                                                                     // Free text
	BalanceAfter       decimal.Decimal   `gorm:"type:decimal(12,2);not null"`                                                                                                  // Balance right after the hold
	ExpiresAt          *time.Time                                                                                                                                              // Advisory expiry, enforced by an external caller
	CreatedAt          time.Time                                                                                                                                               // Creation timestamp
	UpdatedAt          time.Time                                                                                                                                               // Last transition timestamp
}

// TableName pins the reservation table name
func (Reservation) TableName() string { return "credit_reservations" }
