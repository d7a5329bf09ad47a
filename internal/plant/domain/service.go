package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

type CreatePlantRequest struct {
	Name        string  `json:"name"`
	CapacityKwp float64 `json:"capacity_kwp"`
}

type SetGenerationRequest struct {
	PlantID       snowflake.ID     `json:"plant_id"`
	Month         string           `json:"month"`
	GenerationKwh float64          `json:"generation_kwh"`
	Source        GenerationSource `json:"source"`

	// Force replaces a figure an allocation run already froze. The caller is
	// expected to follow up with a re-run for the month.
	Force bool `json:"force"`
}

type Service interface {
	Create(ctx context.Context, req CreatePlantRequest) (Plant, error)
	List(ctx context.Context) ([]Plant, error)
	GetByID(ctx context.Context, id snowflake.ID) (Plant, error)

	// SetMonthlyGeneration records or replaces the generation figure for a
	// plant month. It fails once an allocation run has frozen the month.
	SetMonthlyGeneration(ctx context.Context, req SetGenerationRequest) (PlantGeneration, error)
	GenerationFor(ctx context.Context, plantID snowflake.ID, month string) (*PlantGeneration, error)

	// MarkAllocated freezes the generation row for a month. Called by the
	// allocation engine inside its run.
	MarkAllocated(ctx context.Context, plantID snowflake.ID, month string) error
}

var (
	ErrPlantNotFound      = errors.New("plant_not_found")
	ErrInvalidName        = errors.New("invalid_plant_name")
	ErrInvalidGeneration  = errors.New("invalid_generation_kwh")
	ErrGenerationFrozen   = errors.New("generation_frozen")
	ErrGenerationNotFound = errors.New("generation_not_found")
)
