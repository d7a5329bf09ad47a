// Package domain contains persistence models for allocation runs.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// RunStatus is the outcome of one allocation run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusPartial   RunStatus = "partial"
	RunStatusFailed    RunStatus = "failed"
)

// AllocationStatus tracks whether an allocation still backs ledger credit.
type AllocationStatus string

const (
	AllocationStatusActive     AllocationStatus = "active"
	AllocationStatusSuperseded AllocationStatus = "superseded"
)

// AllocationRun records one distribution of a plant month over the active
// subscriber base.
type AllocationRun struct {
	ID                 snowflake.ID `gorm:"primaryKey" json:"id"`
	PlantID            snowflake.ID `gorm:"not null;index:ix_allocation_runs_plant_month,priority:1" json:"plant_id"`
	Month              string       `gorm:"type:text;not null;index:ix_allocation_runs_plant_month,priority:2" json:"month"`
	Status             RunStatus    `gorm:"type:text;not null" json:"status"`
	Rerun              bool         `gorm:"not null;default:false" json:"rerun"`
	TotalGenerationKwh float64      `gorm:"not null;default:0" json:"total_generation_kwh"`
	AllocatedKwh       float64      `gorm:"not null;default:0" json:"allocated_kwh"`
	SubscriberCount    int          `gorm:"not null;default:0" json:"subscriber_count"`
	SkippedCount       int          `gorm:"not null;default:0" json:"skipped_count"`
	FailureCount       int          `gorm:"not null;default:0" json:"failure_count"`
	CreatedAt          time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt          time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (AllocationRun) TableName() string { return "allocation_runs" }

// Allocation is one subscriber's share of a plant month. Superseded rows are
// kept for the audit trail; only active rows back ledger credit.
type Allocation struct {
	ID                  snowflake.ID     `gorm:"primaryKey" json:"id"`
	RunID               snowflake.ID     `gorm:"not null;index" json:"run_id"`
	PlantID             snowflake.ID     `gorm:"not null;index:ix_allocations_plant_month,priority:1" json:"plant_id"`
	SubscriberID        snowflake.ID     `gorm:"not null;index" json:"subscriber_id"`
	Month               string           `gorm:"type:text;not null;index:ix_allocations_plant_month,priority:2" json:"month"`
	Percentage          float64          `gorm:"not null" json:"percentage"`
	AllocatedKwh        float64          `gorm:"not null" json:"allocated_kwh"`
	Status              AllocationStatus `gorm:"type:text;not null;default:'active';index" json:"status"`
	LedgerTransactionID snowflake.ID     `gorm:"not null;default:0" json:"ledger_transaction_id"`
	SupersededAt        *time.Time       `gorm:"" json:"superseded_at,omitempty"`
	CreatedAt           time.Time        `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (Allocation) TableName() string { return "allocations" }
