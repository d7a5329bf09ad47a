package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// InvoiceFailure explains why one subscriber's invoice was not generated.
type InvoiceFailure struct {
	SubscriberID snowflake.ID `json:"subscriber_id"`
	Reason       string       `json:"reason"`
}

// BatchSummary is the result of a month-wide generation pass.
type BatchSummary struct {
	Month     string           `json:"month"`
	Generated int              `json:"generated"`
	Failures  []InvoiceFailure `json:"failures,omitempty"`
}

type ListInvoicesRequest struct {
	SubscriberID snowflake.ID
	Month        string
	Status       InvoiceStatus
}

type Service interface {
	// GenerateInvoice bills the subscriber's active allocations for the
	// month. Generating again refreshes a pending invoice in place; a paid
	// invoice is returned unchanged, or rejected with ErrStaleInvoice when
	// the underlying allocation has moved since payment. Generation never
	// consumes ledger credit.
	GenerateInvoice(ctx context.Context, subscriberID snowflake.ID, month string) (Invoice, error)

	// GenerateInvoicesForMonth invoices every subscriber holding an active
	// allocation in the month. One subscriber failing never blocks the rest.
	GenerateInvoicesForMonth(ctx context.Context, month string) (BatchSummary, error)

	GetInvoice(ctx context.Context, subscriberID snowflake.ID, month string) (Invoice, error)
	ListInvoices(ctx context.Context, req ListInvoicesRequest) ([]Invoice, error)

	MarkPaid(ctx context.Context, invoiceID snowflake.ID) (Invoice, error)

	// MarkOverdue flips pending invoices whose due date passed before asOf.
	MarkOverdue(ctx context.Context, asOf time.Time) (int, error)
}

var (
	ErrInvoiceNotFound     = errors.New("invoice_not_found")
	ErrStaleInvoice        = errors.New("stale_invoice")
	ErrNothingToInvoice    = errors.New("nothing_to_invoice")
	ErrInvalidInvoiceState = errors.New("invalid_invoice_state")
)
