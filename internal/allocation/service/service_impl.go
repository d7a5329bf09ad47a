// Package service implements the allocation engine: one plant month is
// distributed over the active subscriber base in proportion to each
// subscriber's average bill value.
package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/sunpool/sunpool/internal/allocation/domain"
	"github.com/sunpool/sunpool/internal/clock"
	"github.com/sunpool/sunpool/internal/config"
	"github.com/sunpool/sunpool/internal/events"
	ledgerdomain "github.com/sunpool/sunpool/internal/ledger/domain"
	"github.com/sunpool/sunpool/internal/locks"
	"github.com/sunpool/sunpool/internal/month"
	obsmetrics "github.com/sunpool/sunpool/internal/observability/metrics"
	plantdomain "github.com/sunpool/sunpool/internal/plant/domain"
	subscriberdomain "github.com/sunpool/sunpool/internal/subscriber/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	kwhEpsilon = 1e-6
	runLockTTL = 5 * time.Minute
	lockKeyFmt = "sunpool:allocation:%s:%s"
)

type Params struct {
	fx.In

	Cfg         config.Config
	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Plants      plantdomain.Service
	Subscribers subscriberdomain.Service
	Ledger      ledgerdomain.Service
	Outbox      *events.Outbox
	Locker      *locks.Locker       `optional:"true"`
	Metrics     *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	cfg         config.Config
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	plants      plantdomain.Service
	subscribers subscriberdomain.Service
	ledger      ledgerdomain.Service
	outbox      *events.Outbox
	locker      *locks.Locker
	metrics     *obsmetrics.Metrics
	runLocks    runLocks
}

func NewService(p Params) domain.Service {
	return &Service{
		cfg:         p.Cfg,
		db:          p.DB,
		log:         p.Log.Named("allocation.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		plants:      p.Plants,
		subscribers: p.Subscribers,
		ledger:      p.Ledger,
		outbox:      p.Outbox,
		locker:      p.Locker,
		metrics:     p.Metrics,
	}
}

func (s *Service) RunAllocation(ctx context.Context, req domain.RunAllocationRequest) (domain.RunSummary, error) {
	if err := month.Validate(req.Month); err != nil {
		return domain.RunSummary{}, err
	}

	unlock := s.runLocks.lock(req.PlantID, req.Month)
	defer unlock()

	lockKey := fmt.Sprintf(lockKeyFmt, req.PlantID, req.Month)
	token, acquired, err := s.locker.TryLock(ctx, lockKey, runLockTTL)
	if err != nil {
		return domain.RunSummary{}, err
	}
	if !acquired {
		return domain.RunSummary{}, domain.ErrRunInProgress
	}
	defer func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), lockKey, token); err != nil {
			s.log.Warn("failed to release allocation lock", zap.String("key", lockKey), zap.Error(err))
		}
	}()

	plant, err := s.plants.GetByID(ctx, req.PlantID)
	if err != nil {
		return domain.RunSummary{}, err
	}
	if plant.Status != plantdomain.PlantStatusActive {
		s.log.Warn("allocation refused, plant not active",
			zap.String("plant_id", plant.ID.String()),
			zap.String("status", string(plant.Status)),
		)
		return domain.RunSummary{}, domain.ErrInvalidPlantState
	}

	gen, err := s.plants.GenerationFor(ctx, req.PlantID, req.Month)
	if err != nil {
		return domain.RunSummary{}, err
	}
	if gen == nil || gen.GenerationKwh <= kwhEpsilon {
		return domain.RunSummary{}, domain.ErrNoGeneration
	}

	active, err := s.activeAllocations(ctx, req.PlantID, req.Month)
	if err != nil {
		return domain.RunSummary{}, err
	}
	if len(active) > 0 && !req.Rerun {
		return domain.RunSummary{}, domain.ErrDuplicateAllocation
	}

	subscribers, err := s.subscribers.ListActive(ctx)
	if err != nil {
		return domain.RunSummary{}, err
	}

	if len(active) > 0 {
		if err := s.supersede(ctx, active); err != nil {
			return domain.RunSummary{}, err
		}
	}

	now := s.clock.Now()
	run := domain.AllocationRun{
		ID:                 s.genID.Generate(),
		PlantID:            req.PlantID,
		Month:              req.Month,
		Status:             domain.RunStatusRunning,
		Rerun:              req.Rerun,
		TotalGenerationKwh: gen.GenerationKwh,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.db.WithContext(ctx).Create(&run).Error; err != nil {
		return domain.RunSummary{}, err
	}

	summary := domain.RunSummary{
		RunID:              run.ID,
		PlantID:            req.PlantID,
		Month:              req.Month,
		Rerun:              req.Rerun,
		TotalGenerationKwh: gen.GenerationKwh,
	}

	if len(subscribers) == 0 {
		// An empty month is valid: nothing to distribute, and a rerun above
		// has already retired whatever the previous run allocated.
		summary.Warning = "no active subscribers"
		s.log.Warn("allocation run finished with no active subscribers",
			zap.String("plant_id", req.PlantID.String()),
			zap.String("month", req.Month),
		)
	}

	shares, skipped := computeShares(gen.GenerationKwh, subscribers)
	summary.Skipped = skipped
	for _, sub := range subscribers {
		if sub.AverageBillValue <= 0 {
			s.log.Warn("subscriber skipped, zero allocation weight",
				zap.String("subscriber_id", sub.ID.String()),
			)
		}
	}

	cancelled := false
	for i, sub := range subscribers {
		share := shares[i]
		if share.kwh <= kwhEpsilon {
			continue
		}
		if ctx.Err() != nil {
			cancelled = true
			summary.Failures = append(summary.Failures, domain.Failure{
				SubscriberID: sub.ID,
				Reason:       "run cancelled",
			})
			continue
		}
		if err := s.allocateOne(ctx, run, sub, share); err != nil {
			s.log.Error("allocation failed for subscriber",
				zap.String("subscriber_id", sub.ID.String()),
				zap.String("month", req.Month),
				zap.Error(err),
			)
			summary.Failures = append(summary.Failures, domain.Failure{
				SubscriberID: sub.ID,
				Reason:       err.Error(),
			})
			continue
		}
		summary.Succeeded++
		summary.AllocatedKwh += share.kwh
	}

	switch {
	case summary.Warning != "":
		summary.Status = domain.RunStatusCompleted
	case summary.Succeeded == 0:
		summary.Status = domain.RunStatusFailed
	case len(summary.Failures) > 0 || cancelled:
		summary.Status = domain.RunStatusPartial
	default:
		summary.Status = domain.RunStatusCompleted
	}

	if summary.Succeeded > 0 {
		if err := s.plants.MarkAllocated(ctx, req.PlantID, req.Month); err != nil {
			s.log.Error("failed to freeze generation figure", zap.Error(err))
		}
	}

	if err := s.db.WithContext(ctx).Model(&domain.AllocationRun{}).
		Where("id = ?", run.ID).
		Updates(map[string]any{
			"status":           summary.Status,
			"allocated_kwh":    summary.AllocatedKwh,
			"subscriber_count": summary.Succeeded,
			"skipped_count":    summary.Skipped,
			"failure_count":    len(summary.Failures),
			"updated_at":       s.clock.Now(),
		}).Error; err != nil {
		s.log.Error("failed to finalize allocation run", zap.Error(err))
	}

	s.metrics.RecordAllocationRun(ctx, string(summary.Status))
	s.log.Info("allocation run finished",
		zap.String("plant_id", req.PlantID.String()),
		zap.String("month", req.Month),
		zap.String("status", string(summary.Status)),
		zap.Float64("allocated_kwh", summary.AllocatedKwh),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", len(summary.Failures)),
	)
	return summary, nil
}

// allocateOne writes the allocation row and its ledger credit as one unit.
func (s *Service) allocateOne(ctx context.Context, run domain.AllocationRun, sub subscriberdomain.Subscriber, share share) error {
	reason := fmt.Sprintf("allocation run %s, plant %s, month %s", run.ID, run.PlantID, run.Month)
	return s.ledger.WithLock(ctx, sub.ID, func(tx *gorm.DB) error {
		entry, err := s.ledger.ApplyTx(ctx, tx, sub.ID, run.Month, share.kwh, ledgerdomain.TransactionTypeAllocation, reason)
		if err != nil {
			return err
		}

		alloc := domain.Allocation{
			ID:                  s.genID.Generate(),
			RunID:               run.ID,
			PlantID:             run.PlantID,
			SubscriberID:        sub.ID,
			Month:               run.Month,
			Percentage:          share.percentage,
			AllocatedKwh:        share.kwh,
			Status:              domain.AllocationStatusActive,
			LedgerTransactionID: entry.ID,
			CreatedAt:           s.clock.Now(),
		}
		if err := tx.WithContext(ctx).Create(&alloc).Error; err != nil {
			return err
		}

		_, err = s.outbox.PublishTx(ctx, tx, events.Event{
			Type: events.EventAllocationCreated,
			Payload: events.AllocationEventPayload{
				PlantID:      run.PlantID.String(),
				SubscriberID: sub.ID.String(),
				Month:        run.Month,
				AllocatedKwh: share.kwh,
				Percentage:   share.percentage,
			}.ToMap(),
			DedupeKey: alloc.ID.String(),
		})
		return err
	})
}

// supersede retires the previous run's allocations and claws back whatever
// credit is still unconsumed. Credit already spent stays spent; the shortfall
// is logged and left to a manual adjustment.
func (s *Service) supersede(ctx context.Context, active []domain.Allocation) error {
	for _, alloc := range active {
		alloc := alloc
		err := s.ledger.WithLock(ctx, alloc.SubscriberID, func(tx *gorm.DB) error {
			now := s.clock.Now()
			result := tx.WithContext(ctx).Model(&domain.Allocation{}).
				Where("id = ? AND status = ?", alloc.ID, domain.AllocationStatusActive).
				Updates(map[string]any{
					"status":        domain.AllocationStatusSuperseded,
					"superseded_at": now,
				})
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				return nil
			}

			var bal ledgerdomain.CreditBalance
			err := tx.WithContext(ctx).
				First(&bal, "subscriber_id = ? AND month = ?", alloc.SubscriberID, alloc.Month).Error
			if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}

			claw := math.Min(alloc.AllocatedKwh, bal.BalanceKwh)
			if claw < alloc.AllocatedKwh-kwhEpsilon {
				s.log.Warn("superseded credit partially consumed, clawing back remainder",
					zap.String("subscriber_id", alloc.SubscriberID.String()),
					zap.String("month", alloc.Month),
					zap.Float64("allocated_kwh", alloc.AllocatedKwh),
					zap.Float64("clawed_back_kwh", claw),
				)
			}
			if claw > kwhEpsilon {
				reason := fmt.Sprintf("allocation %s superseded", alloc.ID)
				if _, err := s.ledger.ApplyTx(ctx, tx, alloc.SubscriberID, alloc.Month, -claw, ledgerdomain.TransactionTypeCompensation, reason); err != nil {
					return err
				}
			}

			_, err = s.outbox.PublishTx(ctx, tx, events.Event{
				Type: events.EventAllocationSuperseded,
				Payload: events.AllocationEventPayload{
					PlantID:      alloc.PlantID.String(),
					SubscriberID: alloc.SubscriberID.String(),
					Month:        alloc.Month,
					AllocatedKwh: alloc.AllocatedKwh,
					Percentage:   alloc.Percentage,
				}.ToMap(),
				DedupeKey: fmt.Sprintf("superseded-%s", alloc.ID),
			})
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) ListAllocations(ctx context.Context, plantID snowflake.ID, monthKey string) ([]domain.Allocation, error) {
	stmt := s.db.WithContext(ctx).Where("plant_id = ?", plantID)
	if monthKey != "" {
		if err := month.Validate(monthKey); err != nil {
			return nil, err
		}
		stmt = stmt.Where("month = ?", monthKey)
	}
	var allocations []domain.Allocation
	err := stmt.Order("created_at ASC, id ASC").Find(&allocations).Error
	return allocations, err
}

func (s *Service) ListRuns(ctx context.Context, plantID snowflake.ID) ([]domain.AllocationRun, error) {
	var runs []domain.AllocationRun
	err := s.db.WithContext(ctx).
		Where("plant_id = ?", plantID).
		Order("created_at DESC, id DESC").
		Find(&runs).Error
	return runs, err
}

func (s *Service) activeAllocations(ctx context.Context, plantID snowflake.ID, monthKey string) ([]domain.Allocation, error) {
	var active []domain.Allocation
	err := s.db.WithContext(ctx).
		Where("plant_id = ? AND month = ? AND status = ?", plantID, monthKey, domain.AllocationStatusActive).
		Find(&active).Error
	return active, err
}

type share struct {
	kwh        float64
	percentage float64
}

// computeShares splits totalKwh in proportion to each subscriber's average
// bill value. Shares are rounded to Wh resolution and the rounding residual
// lands on the largest weight so the shares always sum to the total.
func computeShares(totalKwh float64, subscribers []subscriberdomain.Subscriber) ([]share, int) {
	shares := make([]share, len(subscribers))

	totalWeight := 0.0
	skipped := 0
	largest := -1
	for i, sub := range subscribers {
		if sub.AverageBillValue <= 0 {
			skipped++
			continue
		}
		totalWeight += sub.AverageBillValue
		if largest == -1 || sub.AverageBillValue > subscribers[largest].AverageBillValue {
			largest = i
		}
	}
	if totalWeight <= 0 || largest == -1 {
		return shares, skipped
	}

	allocated := 0.0
	for i, sub := range subscribers {
		if sub.AverageBillValue <= 0 {
			continue
		}
		fraction := sub.AverageBillValue / totalWeight
		kwh := roundKwh(totalKwh * fraction)
		shares[i] = share{
			kwh:        kwh,
			percentage: fraction * 100,
		}
		allocated += kwh
	}

	if residual := totalKwh - allocated; math.Abs(residual) > kwhEpsilon {
		shares[largest].kwh = roundKwh(shares[largest].kwh + residual)
	}
	return shares, skipped
}

// roundKwh rounds to Wh resolution.
func roundKwh(v float64) float64 {
	return math.Round(v*1000) / 1000
}
