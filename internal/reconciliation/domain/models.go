// Package domain contains persistence models for reconciliation.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// ReconciliationReport compares a plant month's final meter readout against
// the figure the allocation run distributed. Informational only: a report
// never rewrites allocations or ledger credit.
type ReconciliationReport struct {
	ID          snowflake.ID `gorm:"primaryKey" json:"id"`
	PlantID     snowflake.ID `gorm:"not null;index:ix_reconciliation_reports_plant_month,priority:1" json:"plant_id"`
	Month       string       `gorm:"type:text;not null;index:ix_reconciliation_reports_plant_month,priority:2" json:"month"`
	ExpectedKwh float64      `gorm:"not null" json:"expected_kwh"`
	ActualKwh   float64      `gorm:"not null" json:"actual_kwh"`
	DeltaKwh    float64      `gorm:"not null" json:"delta_kwh"`
	Efficiency  float64      `gorm:"not null" json:"efficiency"`
	CreatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (ReconciliationReport) TableName() string { return "reconciliation_reports" }
