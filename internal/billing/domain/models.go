// Package domain contains persistence models for billing.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// InvoiceStatus is the invoice lifecycle. Paid invoices are immutable.
type InvoiceStatus string

const (
	InvoiceStatusPending   InvoiceStatus = "pending"
	InvoiceStatusPaid      InvoiceStatus = "paid"
	InvoiceStatusOverdue   InvoiceStatus = "overdue"
	InvoiceStatusCancelled InvoiceStatus = "cancelled"
)

// Invoice bills one subscriber for one month's allocated energy at the
// discounted rate. All monetary amounts are integer cents.
type Invoice struct {
	ID                  snowflake.ID  `gorm:"primaryKey" json:"id"`
	SubscriberID        snowflake.ID  `gorm:"not null;index;uniqueIndex:ux_invoices_subscriber_month,priority:1" json:"subscriber_id"`
	Month               string        `gorm:"type:text;not null;uniqueIndex:ux_invoices_subscriber_month,priority:2" json:"month"`
	EnergyAllocatedKwh  float64       `gorm:"not null" json:"energy_allocated_kwh"`
	DiscountPercent     float64       `gorm:"not null" json:"discount_percent"`
	OriginalAmountCents int64         `gorm:"not null" json:"original_amount_cents"`
	DiscountAmountCents int64         `gorm:"not null" json:"discount_amount_cents"`
	FinalAmountCents    int64         `gorm:"not null" json:"final_amount_cents"`
	Status              InvoiceStatus `gorm:"type:text;not null;default:'pending';index" json:"status"`
	DueDate             time.Time     `gorm:"not null;index" json:"due_date"`
	PaidAt              *time.Time    `gorm:"" json:"paid_at,omitempty"`
	CreatedAt           time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt           time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }
