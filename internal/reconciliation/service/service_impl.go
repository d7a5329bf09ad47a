// Package service implements plant-month reconciliation reports.
package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/sunpool/sunpool/internal/clock"
	"github.com/sunpool/sunpool/internal/events"
	"github.com/sunpool/sunpool/internal/month"
	plantdomain "github.com/sunpool/sunpool/internal/plant/domain"
	"github.com/sunpool/sunpool/internal/reconciliation/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Plants plantdomain.Service
	Outbox *events.Outbox
}

type Service struct {
	db     *gorm.DB
	log    *zap.Logger
	genID  *snowflake.Node
	clock  clock.Clock
	plants plantdomain.Service
	outbox *events.Outbox
}

func NewService(p Params) domain.Service {
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("reconciliation.service"),
		genID:  p.GenID,
		clock:  p.Clock,
		plants: p.Plants,
		outbox: p.Outbox,
	}
}

func (s *Service) Reconcile(ctx context.Context, plantID snowflake.ID, monthKey string, actualKwh float64) (domain.ReconciliationReport, error) {
	if err := month.Validate(monthKey); err != nil {
		return domain.ReconciliationReport{}, err
	}
	if actualKwh <= 0 {
		return domain.ReconciliationReport{}, domain.ErrInvalidReadout
	}

	gen, err := s.plants.GenerationFor(ctx, plantID, monthKey)
	if err != nil {
		return domain.ReconciliationReport{}, err
	}
	// Expected is the frozen allocation-time figure; an unallocated month has
	// nothing to reconcile against.
	if gen == nil || gen.AllocatedAt == nil {
		return domain.ReconciliationReport{}, domain.ErrNotAllocated
	}

	report := domain.ReconciliationReport{
		ID:          s.genID.Generate(),
		PlantID:     plantID,
		Month:       monthKey,
		ExpectedKwh: gen.GenerationKwh,
		ActualKwh:   actualKwh,
		DeltaKwh:    actualKwh - gen.GenerationKwh,
		Efficiency:  actualKwh / gen.GenerationKwh,
		CreatedAt:   s.clock.Now(),
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.WithContext(ctx).Create(&report).Error; err != nil {
			return err
		}
		_, err := s.outbox.PublishTx(ctx, tx, events.Event{
			Type: events.EventReconciliationDone,
			Payload: map[string]any{
				"plant_id":     plantID.String(),
				"month":        monthKey,
				"expected_kwh": report.ExpectedKwh,
				"actual_kwh":   report.ActualKwh,
				"delta_kwh":    report.DeltaKwh,
				"efficiency":   report.Efficiency,
			},
			DedupeKey: report.ID.String(),
		})
		return err
	})
	if err != nil {
		return domain.ReconciliationReport{}, err
	}

	s.log.Info("plant month reconciled",
		zap.String("plant_id", plantID.String()),
		zap.String("month", monthKey),
		zap.Float64("expected_kwh", report.ExpectedKwh),
		zap.Float64("actual_kwh", report.ActualKwh),
		zap.Float64("efficiency", report.Efficiency),
	)
	return report, nil
}

func (s *Service) ListReports(ctx context.Context, plantID snowflake.ID) ([]domain.ReconciliationReport, error) {
	var reports []domain.ReconciliationReport
	err := s.db.WithContext(ctx).
		Where("plant_id = ?", plantID).
		Order("month DESC, created_at DESC").
		Find(&reports).Error
	return reports, err
}
