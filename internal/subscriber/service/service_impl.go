package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/sunpool/sunpool/internal/config"
	"github.com/sunpool/sunpool/internal/subscriber/domain"
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
	Cfg   config.Config
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	cfg   config.Config
}

func NewService(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("subscriber.service"),
		genID: p.GenID,
		cfg:   p.Cfg,
	}
}

func (s *Service) Create(ctx context.Context, req domain.CreateSubscriberRequest) (domain.Subscriber, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return domain.Subscriber{}, domain.ErrInvalidName
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || !strings.Contains(email, "@") {
		return domain.Subscriber{}, domain.ErrInvalidEmail
	}
	if req.AverageBillValue <= 0 {
		return domain.Subscriber{}, domain.ErrInvalidWeight
	}

	discount := req.DiscountPercent
	if discount == 0 {
		discount = s.cfg.Billing.DefaultDiscountPercent
	}
	if discount < 0 || discount > 100 {
		return domain.Subscriber{}, domain.ErrInvalidDiscount
	}

	now := time.Now().UTC()
	subscriber := domain.Subscriber{
		ID:               s.genID.Generate(),
		Name:             name,
		Email:            email,
		AverageBillValue: req.AverageBillValue,
		DiscountPercent:  discount,
		Status:           domain.SubscriberStatusPending,
		Metadata:         datatypes.JSONMap{},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.db.WithContext(ctx).Create(&subscriber).Error; err != nil {
		return domain.Subscriber{}, err
	}
	return subscriber, nil
}

func (s *Service) List(ctx context.Context, status domain.SubscriberStatus) ([]domain.Subscriber, error) {
	stmt := s.db.WithContext(ctx).Model(&domain.Subscriber{})
	if status != "" {
		stmt = stmt.Where("status = ?", status)
	}
	var subscribers []domain.Subscriber
	err := stmt.Order("created_at ASC, id ASC").Find(&subscribers).Error
	return subscribers, err
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (domain.Subscriber, error) {
	var subscriber domain.Subscriber
	err := s.db.WithContext(ctx).First(&subscriber, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Subscriber{}, domain.ErrSubscriberNotFound
		}
		return domain.Subscriber{}, err
	}
	return subscriber, nil
}

func (s *Service) UpdateStatus(ctx context.Context, id snowflake.ID, status domain.SubscriberStatus) error {
	switch status {
	case domain.SubscriberStatusActive, domain.SubscriberStatusPending,
		domain.SubscriberStatusSuspended, domain.SubscriberStatusCancelled:
	default:
		return domain.ErrInvalidStatus
	}

	result := s.db.WithContext(ctx).Model(&domain.Subscriber{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":     status,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrSubscriberNotFound
	}
	return nil
}

func (s *Service) ListActive(ctx context.Context) ([]domain.Subscriber, error) {
	return s.List(ctx, domain.SubscriberStatusActive)
}
