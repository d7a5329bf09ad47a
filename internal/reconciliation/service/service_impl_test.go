package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sunpool/sunpool/internal/clock"
	"github.com/sunpool/sunpool/internal/events"
	plantdomain "github.com/sunpool/sunpool/internal/plant/domain"
	plantservice "github.com/sunpool/sunpool/internal/plant/service"
	"github.com/sunpool/sunpool/internal/reconciliation/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type reconciliationFixture struct {
	svc    domain.Service
	plants plantdomain.Service
	db     *gorm.DB
	node   *snowflake.Node
}

func newReconciliationFixture(t *testing.T) *reconciliationFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&plantdomain.Plant{},
		&plantdomain.PlantGeneration{},
		&domain.ReconciliationReport{},
		&events.OutboxRecord{},
	))

	node, err := snowflake.NewNode(5)
	require.NoError(t, err)

	log := zap.NewNop()
	fc := clock.NewFakeClock(time.Date(2025, 7, 15, 0, 0, 0, 0, time.UTC))

	plants := plantservice.NewService(plantservice.Params{DB: db, Log: log, GenID: node})
	svc := NewService(Params{
		DB:     db,
		Log:    log,
		GenID:  node,
		Clock:  fc,
		Plants: plants,
		Outbox: events.NewOutbox(db, node),
	})

	return &reconciliationFixture{svc: svc, plants: plants, db: db, node: node}
}

func (f *reconciliationFixture) allocatedPlantMonth(t *testing.T, month string, kwh float64) plantdomain.Plant {
	t.Helper()
	ctx := context.Background()
	plant, err := f.plants.Create(ctx, plantdomain.CreatePlantRequest{Name: "Nordfeld", CapacityKwp: 500})
	require.NoError(t, err)
	_, err = f.plants.SetMonthlyGeneration(ctx, plantdomain.SetGenerationRequest{
		PlantID:       plant.ID,
		Month:         month,
		GenerationKwh: kwh,
	})
	require.NoError(t, err)
	require.NoError(t, f.plants.MarkAllocated(ctx, plant.ID, month))
	return plant
}

func TestReconcileComputesEfficiency(t *testing.T) {
	f := newReconciliationFixture(t)
	ctx := context.Background()

	plant := f.allocatedPlantMonth(t, "2025-06", 10000)

	report, err := f.svc.Reconcile(ctx, plant.ID, "2025-06", 9500)
	require.NoError(t, err)

	assert.InDelta(t, 10000, report.ExpectedKwh, 1e-9)
	assert.InDelta(t, 9500, report.ActualKwh, 1e-9)
	assert.InDelta(t, -500, report.DeltaKwh, 1e-9)
	assert.InDelta(t, 0.95, report.Efficiency, 1e-9)

	var eventCount int64
	require.NoError(t, f.db.Model(&events.OutboxRecord{}).
		Where("type = ?", events.EventReconciliationDone).
		Count(&eventCount).Error)
	assert.Equal(t, int64(1), eventCount)
}

func TestReconcileNeverTouchesGenerationFigure(t *testing.T) {
	f := newReconciliationFixture(t)
	ctx := context.Background()

	plant := f.allocatedPlantMonth(t, "2025-06", 10000)

	_, err := f.svc.Reconcile(ctx, plant.ID, "2025-06", 12000)
	require.NoError(t, err)

	gen, err := f.plants.GenerationFor(ctx, plant.ID, "2025-06")
	require.NoError(t, err)
	require.NotNil(t, gen)
	assert.InDelta(t, 10000, gen.GenerationKwh, 1e-9, "reconciliation must not rewrite the frozen figure")
	assert.NotNil(t, gen.AllocatedAt)
}

func TestReconcileRequiresAllocatedMonth(t *testing.T) {
	f := newReconciliationFixture(t)
	ctx := context.Background()

	plant, err := f.plants.Create(ctx, plantdomain.CreatePlantRequest{Name: "Ostfeld", CapacityKwp: 300})
	require.NoError(t, err)

	// No generation figure at all.
	_, err = f.svc.Reconcile(ctx, plant.ID, "2025-06", 9000)
	assert.ErrorIs(t, err, domain.ErrNotAllocated)

	// Figure recorded but never allocated.
	_, err = f.plants.SetMonthlyGeneration(ctx, plantdomain.SetGenerationRequest{
		PlantID:       plant.ID,
		Month:         "2025-06",
		GenerationKwh: 8000,
	})
	require.NoError(t, err)

	_, err = f.svc.Reconcile(ctx, plant.ID, "2025-06", 9000)
	assert.ErrorIs(t, err, domain.ErrNotAllocated)
}

func TestReconcileRejectsInvalidReadout(t *testing.T) {
	f := newReconciliationFixture(t)
	ctx := context.Background()

	plant := f.allocatedPlantMonth(t, "2025-06", 10000)

	_, err := f.svc.Reconcile(ctx, plant.ID, "2025-06", 0)
	assert.ErrorIs(t, err, domain.ErrInvalidReadout)

	_, err = f.svc.Reconcile(ctx, plant.ID, "2025-06", -5)
	assert.ErrorIs(t, err, domain.ErrInvalidReadout)
}
