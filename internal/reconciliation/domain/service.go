package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	// Reconcile records actualKwh against the frozen allocation-time figure.
	// The true-up for any delta is a later-month manual ledger adjustment,
	// never a rewrite of the allocations.
	Reconcile(ctx context.Context, plantID snowflake.ID, month string, actualKwh float64) (ReconciliationReport, error)

	ListReports(ctx context.Context, plantID snowflake.ID) ([]ReconciliationReport, error)
}

var (
	ErrNotAllocated   = errors.New("month_not_allocated")
	ErrInvalidReadout = errors.New("invalid_actual_kwh")
)
