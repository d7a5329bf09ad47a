// Package domain contains persistence models for the plant catalog.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// PlantStatus represents plant lifecycle states.
type PlantStatus string

const (
	PlantStatusActive      PlantStatus = "active"
	PlantStatusInactive    PlantStatus = "inactive"
	PlantStatusMaintenance PlantStatus = "maintenance"
)

// GenerationSource distinguishes metered figures from estimates.
type GenerationSource string

const (
	GenerationSourceActual   GenerationSource = "actual"
	GenerationSourceEstimate GenerationSource = "estimate"
)

// Plant is a registered power plant.
type Plant struct {
	ID          snowflake.ID      `gorm:"primaryKey" json:"id"`
	Name        string            `gorm:"type:text;not null" json:"name"`
	Status      PlantStatus       `gorm:"type:text;not null;default:'active'" json:"status"`
	CapacityKwp float64           `gorm:"not null;default:0" json:"capacity_kwp"`
	Metadata    datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'" json:"metadata,omitempty"`
	CreatedAt   time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt   time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Plant) TableName() string { return "plants" }

// PlantGeneration is the committed generation figure for one plant month.
// AllocatedAt freezes the row: once an allocation run has consumed it the
// figure can only be replaced through an explicit re-run.
type PlantGeneration struct {
	ID            snowflake.ID     `gorm:"primaryKey" json:"id"`
	PlantID       snowflake.ID     `gorm:"not null;index;uniqueIndex:ux_plant_generations_month,priority:1" json:"plant_id"`
	Month         string           `gorm:"type:text;not null;uniqueIndex:ux_plant_generations_month,priority:2" json:"month"`
	GenerationKwh float64          `gorm:"not null" json:"generation_kwh"`
	Source        GenerationSource `gorm:"type:text;not null;default:'actual'" json:"source"`
	AllocatedAt   *time.Time       `gorm:"" json:"allocated_at,omitempty"`
	CreatedAt     time.Time        `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt     time.Time        `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (PlantGeneration) TableName() string { return "plant_generations" }
