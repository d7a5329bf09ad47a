package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/sunpool/sunpool/internal/month"
	"github.com/sunpool/sunpool/internal/plant/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
}

func NewService(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("plant.service"),
		genID: p.GenID,
	}
}

func (s *Service) Create(ctx context.Context, req domain.CreatePlantRequest) (domain.Plant, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return domain.Plant{}, domain.ErrInvalidName
	}

	now := time.Now().UTC()
	plant := domain.Plant{
		ID:          s.genID.Generate(),
		Name:        name,
		Status:      domain.PlantStatusActive,
		CapacityKwp: req.CapacityKwp,
		Metadata:    datatypes.JSONMap{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.db.WithContext(ctx).Create(&plant).Error; err != nil {
		return domain.Plant{}, err
	}
	return plant, nil
}

func (s *Service) List(ctx context.Context) ([]domain.Plant, error) {
	var plants []domain.Plant
	err := s.db.WithContext(ctx).Order("created_at ASC, id ASC").Find(&plants).Error
	return plants, err
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (domain.Plant, error) {
	var plant domain.Plant
	err := s.db.WithContext(ctx).First(&plant, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Plant{}, domain.ErrPlantNotFound
		}
		return domain.Plant{}, err
	}
	return plant, nil
}

func (s *Service) SetMonthlyGeneration(ctx context.Context, req domain.SetGenerationRequest) (domain.PlantGeneration, error) {
	if err := month.Validate(req.Month); err != nil {
		return domain.PlantGeneration{}, err
	}
	if req.GenerationKwh <= 0 {
		return domain.PlantGeneration{}, domain.ErrInvalidGeneration
	}
	source := req.Source
	if source == "" {
		source = domain.GenerationSourceActual
	}

	if _, err := s.GetByID(ctx, req.PlantID); err != nil {
		return domain.PlantGeneration{}, err
	}

	var out domain.PlantGeneration
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing domain.PlantGeneration
		err := tx.WithContext(ctx).
			First(&existing, "plant_id = ? AND month = ?", req.PlantID, req.Month).Error
		switch {
		case err == nil:
			if existing.AllocatedAt != nil && !req.Force {
				return domain.ErrGenerationFrozen
			}
			now := time.Now().UTC()
			updates := map[string]any{
				"generation_kwh": req.GenerationKwh,
				"source":         source,
				"updated_at":     now,
			}
			guard := tx.WithContext(ctx).Model(&domain.PlantGeneration{})
			if req.Force {
				// Unfreeze so the corrected figure must be re-allocated.
				updates["allocated_at"] = nil
				guard = guard.Where("id = ?", existing.ID)
				s.log.Warn("frozen generation figure replaced",
					zap.String("plant_id", req.PlantID.String()),
					zap.String("month", req.Month),
					zap.Float64("previous_kwh", existing.GenerationKwh),
					zap.Float64("generation_kwh", req.GenerationKwh),
				)
			} else {
				guard = guard.Where("id = ? AND allocated_at IS NULL", existing.ID)
			}
			result := guard.Updates(updates)
			if result.Error != nil {
				return result.Error
			}
			if !req.Force && result.RowsAffected == 0 {
				// An allocation run froze the figure between the read above
				// and this update.
				return domain.ErrGenerationFrozen
			}
			existing.GenerationKwh = req.GenerationKwh
			existing.Source = source
			existing.AllocatedAt = nil
			existing.UpdatedAt = now
			out = existing
			return nil
		case errors.Is(err, gorm.ErrRecordNotFound):
			now := time.Now().UTC()
			record := domain.PlantGeneration{
				ID:            s.genID.Generate(),
				PlantID:       req.PlantID,
				Month:         req.Month,
				GenerationKwh: req.GenerationKwh,
				Source:        source,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			if err := tx.WithContext(ctx).Create(&record).Error; err != nil {
				return err
			}
			out = record
			return nil
		default:
			return err
		}
	})
	if err != nil {
		return domain.PlantGeneration{}, err
	}

	s.log.Info("monthly generation set",
		zap.String("plant_id", req.PlantID.String()),
		zap.String("month", req.Month),
		zap.Float64("generation_kwh", req.GenerationKwh),
		zap.String("source", string(source)),
	)
	return out, nil
}

func (s *Service) GenerationFor(ctx context.Context, plantID snowflake.ID, monthKey string) (*domain.PlantGeneration, error) {
	if err := month.Validate(monthKey); err != nil {
		return nil, err
	}
	var record domain.PlantGeneration
	err := s.db.WithContext(ctx).
		First(&record, "plant_id = ? AND month = ?", plantID, monthKey).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

func (s *Service) MarkAllocated(ctx context.Context, plantID snowflake.ID, monthKey string) error {
	now := time.Now().UTC()
	result := s.db.WithContext(ctx).Model(&domain.PlantGeneration{}).
		Where("plant_id = ? AND month = ?", plantID, monthKey).
		Updates(map[string]any{
			"allocated_at": now,
			"updated_at":   now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrGenerationNotFound
	}
	return nil
}
