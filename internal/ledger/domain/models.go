// Package domain contains persistence models for the credit ledger.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// TransactionType classifies balance mutations.
type TransactionType string

const (
	TransactionTypeAllocation   TransactionType = "allocation"
	TransactionTypeConsumption  TransactionType = "consumption"
	TransactionTypeAdjustment   TransactionType = "adjustment"
	TransactionTypeExpiration   TransactionType = "expiration"
	TransactionTypeCompensation TransactionType = "compensation"
)

// CreditBalance is the materialized view of one subscriber month. The
// transaction log is the source of truth; this row must always equal the
// replay of its transactions.
//
// Invariant: BalanceKwh = AccumulatedKwh - ConsumedKwh >= 0.
type CreditBalance struct {
	ID             snowflake.ID `gorm:"primaryKey" json:"id"`
	SubscriberID   snowflake.ID `gorm:"not null;index;uniqueIndex:ux_credit_balances_month,priority:1" json:"subscriber_id"`
	Month          string       `gorm:"type:text;not null;uniqueIndex:ux_credit_balances_month,priority:2" json:"month"`
	AccumulatedKwh float64      `gorm:"not null;default:0" json:"accumulated_kwh"`
	ConsumedKwh    float64      `gorm:"not null;default:0" json:"consumed_kwh"`
	BalanceKwh     float64      `gorm:"not null;default:0" json:"balance_kwh"`
	ExpirationDate time.Time    `gorm:"not null;index" json:"expiration_date"`
	CreatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (CreditBalance) TableName() string { return "credit_balances" }

// CreditTransaction is an immutable ledger entry. Corrections are always new
// compensating entries, never updates.
//
// Invariant: BalanceAfter = BalanceBefore + AmountKwh.
type CreditTransaction struct {
	ID            snowflake.ID    `gorm:"primaryKey" json:"id"`
	SubscriberID  snowflake.ID    `gorm:"not null;index" json:"subscriber_id"`
	Month         string          `gorm:"type:text;not null;index" json:"month"`
	Type          TransactionType `gorm:"type:text;not null;index" json:"type"`
	AmountKwh     float64         `gorm:"not null" json:"amount_kwh"`
	BalanceBefore float64         `gorm:"not null" json:"balance_before"`
	BalanceAfter  float64         `gorm:"not null" json:"balance_after"`
	Description   string          `gorm:"type:text" json:"description"`
	CreatedAt     time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (CreditTransaction) TableName() string { return "credit_transactions" }
