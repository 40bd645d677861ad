package domain

import (
	"time" // Timestamps

	"github.com/shopspring/decimal" // Fixed-point money
)

// CreditBalance Model, one row per user
type CreditBalance struct {
	UserID         string          `gorm:"primaryKey;size:64"`                                                             // Owning user
	Balance        decimal.Decimal `gorm:"type:decimal(12,2);not null;check:chk_user_credits_balance,balance >= 0"`        // Spendable amount
	LifetimeEarned decimal.Decimal `gorm:"type:decimal(12,2);not null;check:chk_user_credits_earned,lifetime_earned >= 0"` // Total ever earned
	Currency       string          `gorm:"size:3;not null"`                                                                // Fixed per user
	CreatedAt      time.Time                                                                                               // Creation timestamp
	UpdatedAt      time.Time                                                                                               // Last touch timestamp
}

// TableName pins the balance table name
func (CreditBalance) TableName() string { return "user_credits" }
