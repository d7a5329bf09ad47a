package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

type RunAllocationRequest struct {
	PlantID snowflake.ID `json:"plant_id"`
	Month   string       `json:"month"`

	// Rerun supersedes the existing active allocations for the month and
	// compensates their ledger credit before distributing again.
	Rerun bool `json:"rerun"`
}

// Failure explains why one subscriber was left out of a run.
type Failure struct {
	SubscriberID snowflake.ID `json:"subscriber_id"`
	Reason       string       `json:"reason"`
}

// RunSummary is the caller-facing result of one allocation run.
type RunSummary struct {
	RunID              snowflake.ID `json:"run_id"`
	PlantID            snowflake.ID `json:"plant_id"`
	Month              string       `json:"month"`
	Status             RunStatus    `json:"status"`
	Rerun              bool         `json:"rerun"`
	TotalGenerationKwh float64      `json:"total_generation_kwh"`
	AllocatedKwh       float64      `json:"allocated_kwh"`
	Succeeded          int          `json:"succeeded"`
	Skipped            int          `json:"skipped"`
	Failures           []Failure    `json:"failures,omitempty"`

	// Warning flags a run that finished cleanly but allocated nothing, such
	// as a month with no active subscribers.
	Warning string `json:"warning,omitempty"`
}

type Service interface {
	// RunAllocation distributes one plant month over the active subscriber
	// base. Each subscriber is one atomic unit: its allocation row and ledger
	// credit commit together or not at all, and completed units stand even if
	// the run stops part way.
	RunAllocation(ctx context.Context, req RunAllocationRequest) (RunSummary, error)

	ListAllocations(ctx context.Context, plantID snowflake.ID, month string) ([]Allocation, error)
	ListRuns(ctx context.Context, plantID snowflake.ID) ([]AllocationRun, error)
}

var (
	ErrInvalidPlantState   = errors.New("invalid_plant_state")
	ErrNoGeneration        = errors.New("generation_not_recorded")
	ErrDuplicateAllocation = errors.New("duplicate_allocation")
	ErrRunInProgress       = errors.New("allocation_run_in_progress")
)
