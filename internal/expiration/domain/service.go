// Package domain defines the expiration sweeper contract.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// ExpiringCredit describes a balance inside a warning window.
type ExpiringCredit struct {
	SubscriberID   snowflake.ID `json:"subscriber_id"`
	Month          string       `json:"month"`
	BalanceKwh     float64      `json:"balance_kwh"`
	ExpirationDate time.Time    `json:"expiration_date"`
	DaysRemaining  int          `json:"days_remaining"`
}

// SweepFailure explains why one balance could not be retired.
type SweepFailure struct {
	SubscriberID snowflake.ID `json:"subscriber_id"`
	Month        string       `json:"month"`
	Reason       string       `json:"reason"`
}

// SweepSummary is the result of one expiration sweep.
type SweepSummary struct {
	SweptCount int            `json:"swept_count"`
	ExpiredKwh float64        `json:"expired_kwh"`
	Failures   []SweepFailure `json:"failures,omitempty"`
}

type Service interface {
	// SweepExpirations retires every positive balance whose validity window
	// ended before asOf. Each balance is one isolated unit; a failure on one
	// never blocks the rest, and re-running the sweep is a no-op for balances
	// already retired.
	SweepExpirations(ctx context.Context, asOf time.Time) (SweepSummary, error)

	// ListExpiringWithin returns positive balances expiring in the next days.
	ListExpiringWithin(ctx context.Context, days int) ([]ExpiringCredit, error)

	// EmitExpiryWarnings publishes one warning event per balance and
	// configured threshold. Duplicate warnings are dropped by the outbox.
	EmitExpiryWarnings(ctx context.Context) (int, error)
}

var ErrInvalidWindow = errors.New("invalid_warning_window")
