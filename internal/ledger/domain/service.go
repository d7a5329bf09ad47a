package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/sunpool/sunpool/pkg/db/pagination"
	"gorm.io/gorm"
)

// BalanceSummary aggregates a subscriber's usable credit across months.
type BalanceSummary struct {
	SubscriberID    snowflake.ID    `json:"subscriber_id"`
	TotalBalanceKwh float64         `json:"total_balance_kwh"`
	Months          []CreditBalance `json:"months"`
}

type ListTransactionsRequest struct {
	pagination.Pagination
	Month   string
	Type    TransactionType
	StartAt *time.Time
	EndAt   *time.Time
}

type ListTransactionsResponse struct {
	pagination.PageInfo
	Transactions []CreditTransaction `json:"transactions"`
}

type Service interface {
	// Accumulate credits a subscriber month. The expiration date is set on
	// first accumulation from the configured validity window.
	Accumulate(ctx context.Context, subscriberID snowflake.ID, month string, amountKwh float64, reason string) (CreditTransaction, error)

	// Consume draws from the oldest non-expired month first. When the total
	// available balance is short the call fails with ErrInsufficientBalance
	// and writes nothing.
	Consume(ctx context.Context, subscriberID snowflake.ID, amountKwh float64, reason string) ([]CreditTransaction, error)

	// Adjust applies a manual correction, positive or negative. It is flagged
	// for audit review and never rejected on balance grounds; a reversal
	// larger than the remaining balance is capped at the remaining balance.
	Adjust(ctx context.Context, subscriberID snowflake.ID, month string, amountKwh float64, reason string) (CreditTransaction, error)

	GetBalance(ctx context.Context, subscriberID snowflake.ID) (BalanceSummary, error)
	ListTransactions(ctx context.Context, subscriberID snowflake.ID, req ListTransactionsRequest) (ListTransactionsResponse, error)

	// VerifyLedger replays the subscriber's transactions and compares the
	// result against the materialized balances.
	VerifyLedger(ctx context.Context, subscriberID snowflake.ID) error

	// WithLock serializes fn against all other ledger mutations for the
	// subscriber and runs it inside a database transaction.
	WithLock(ctx context.Context, subscriberID snowflake.ID, fn func(tx *gorm.DB) error) error

	// ApplyTx appends one transaction and updates the month balance using the
	// caller's database transaction. The caller must hold the subscriber lock
	// via WithLock.
	ApplyTx(ctx context.Context, tx *gorm.DB, subscriberID snowflake.ID, month string, amountKwh float64, txType TransactionType, reason string) (CreditTransaction, error)
}

var (
	ErrInvalidAmount       = errors.New("invalid_amount_kwh")
	ErrInsufficientBalance = errors.New("insufficient_balance")
	ErrLedgerIntegrity     = errors.New("ledger_integrity_violation")
	ErrBalanceNotFound     = errors.New("balance_not_found")
	ErrInvalidPageToken    = errors.New("invalid_page_token")
)
