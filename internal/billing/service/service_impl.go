// Package service implements invoice generation over allocated energy.
package service

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/bwmarrin/snowflake"
	allocationdomain "github.com/sunpool/sunpool/internal/allocation/domain"
	"github.com/sunpool/sunpool/internal/billing/domain"
	"github.com/sunpool/sunpool/internal/clock"
	"github.com/sunpool/sunpool/internal/config"
	"github.com/sunpool/sunpool/internal/events"
	"github.com/sunpool/sunpool/internal/month"
	obsmetrics "github.com/sunpool/sunpool/internal/observability/metrics"
	subscriberdomain "github.com/sunpool/sunpool/internal/subscriber/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const kwhEpsilon = 1e-6

type Params struct {
	fx.In

	Cfg         config.Config
	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Subscribers subscriberdomain.Service
	Outbox      *events.Outbox
	Metrics     *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	cfg         config.Config
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	subscribers subscriberdomain.Service
	outbox      *events.Outbox
	metrics     *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		cfg:         p.Cfg,
		db:          p.DB,
		log:         p.Log.Named("billing.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		subscribers: p.Subscribers,
		outbox:      p.Outbox,
		metrics:     p.Metrics,
	}
}

func (s *Service) GenerateInvoice(ctx context.Context, subscriberID snowflake.ID, monthKey string) (domain.Invoice, error) {
	if err := month.Validate(monthKey); err != nil {
		return domain.Invoice{}, err
	}

	sub, err := s.subscribers.GetByID(ctx, subscriberID)
	if err != nil {
		return domain.Invoice{}, err
	}

	allocatedKwh, err := s.allocatedKwh(ctx, subscriberID, monthKey)
	if err != nil {
		return domain.Invoice{}, err
	}
	if allocatedKwh <= kwhEpsilon {
		return domain.Invoice{}, domain.ErrNothingToInvoice
	}

	original, discount, final := invoiceAmounts(allocatedKwh, s.cfg.Billing.UnitPriceCents, sub.DiscountPercent)
	now := s.clock.Now()

	var out domain.Invoice
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing domain.Invoice
		err := tx.WithContext(ctx).
			First(&existing, "subscriber_id = ? AND month = ?", subscriberID, monthKey).Error
		switch {
		case err == nil:
			if existing.Status == domain.InvoiceStatusPaid {
				if existing.FinalAmountCents == final {
					// Settled and unchanged; nothing to refresh or announce.
					out = existing
					return nil
				}
				return domain.ErrStaleInvoice
			}
			// Pending, overdue and cancelled invoices refresh in place.
			if err := tx.WithContext(ctx).Model(&domain.Invoice{}).
				Where("id = ? AND status <> ?", existing.ID, domain.InvoiceStatusPaid).
				Updates(map[string]any{
					"energy_allocated_kwh":  allocatedKwh,
					"discount_percent":      sub.DiscountPercent,
					"original_amount_cents": original,
					"discount_amount_cents": discount,
					"final_amount_cents":    final,
					"status":                domain.InvoiceStatusPending,
					"due_date":              dueDate(now, s.cfg.Billing.InvoiceDueDays),
					"updated_at":            now,
				}).Error; err != nil {
				return err
			}
			if err := tx.WithContext(ctx).
				First(&out, "id = ?", existing.ID).Error; err != nil {
				return err
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
			out = domain.Invoice{
				ID:                  s.genID.Generate(),
				SubscriberID:        subscriberID,
				Month:               monthKey,
				EnergyAllocatedKwh:  allocatedKwh,
				DiscountPercent:     sub.DiscountPercent,
				OriginalAmountCents: original,
				DiscountAmountCents: discount,
				FinalAmountCents:    final,
				Status:              domain.InvoiceStatusPending,
				DueDate:             dueDate(now, s.cfg.Billing.InvoiceDueDays),
				CreatedAt:           now,
				UpdatedAt:           now,
			}
			if err := tx.WithContext(ctx).Create(&out).Error; err != nil {
				return err
			}
		default:
			return err
		}

		_, pubErr := s.outbox.PublishTx(ctx, tx, events.Event{
			Type: events.EventInvoiceGenerated,
			Payload: map[string]any{
				"invoice_id":         out.ID.String(),
				"subscriber_id":      subscriberID.String(),
				"month":              monthKey,
				"final_amount_cents": final,
			},
			DedupeKey: out.ID.String() + "-" + out.UpdatedAt.UTC().Format(time.RFC3339Nano),
		})
		return pubErr
	})
	if err != nil {
		return domain.Invoice{}, err
	}

	s.metrics.RecordInvoiceGenerated(ctx)
	s.log.Info("invoice generated",
		zap.String("subscriber_id", subscriberID.String()),
		zap.String("month", monthKey),
		zap.Float64("allocated_kwh", allocatedKwh),
		zap.Int64("final_amount_cents", final),
	)
	return out, nil
}

func (s *Service) GenerateInvoicesForMonth(ctx context.Context, monthKey string) (domain.BatchSummary, error) {
	if err := month.Validate(monthKey); err != nil {
		return domain.BatchSummary{}, err
	}

	var subscriberIDs []snowflake.ID
	if err := s.db.WithContext(ctx).Model(&allocationdomain.Allocation{}).
		Where("month = ? AND status = ?", monthKey, allocationdomain.AllocationStatusActive).
		Distinct("subscriber_id").
		Order("subscriber_id ASC").
		Pluck("subscriber_id", &subscriberIDs).Error; err != nil {
		return domain.BatchSummary{}, err
	}

	summary := domain.BatchSummary{Month: monthKey}
	for _, subID := range subscriberIDs {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if _, err := s.GenerateInvoice(ctx, subID, monthKey); err != nil {
			s.log.Error("invoice generation failed",
				zap.String("subscriber_id", subID.String()),
				zap.String("month", monthKey),
				zap.Error(err),
			)
			summary.Failures = append(summary.Failures, domain.InvoiceFailure{
				SubscriberID: subID,
				Reason:       err.Error(),
			})
			continue
		}
		summary.Generated++
	}

	s.log.Info("invoice batch finished",
		zap.String("month", monthKey),
		zap.Int("generated", summary.Generated),
		zap.Int("failed", len(summary.Failures)),
	)
	return summary, nil
}

func (s *Service) GetInvoice(ctx context.Context, subscriberID snowflake.ID, monthKey string) (domain.Invoice, error) {
	var invoice domain.Invoice
	err := s.db.WithContext(ctx).
		First(&invoice, "subscriber_id = ? AND month = ?", subscriberID, monthKey).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Invoice{}, domain.ErrInvoiceNotFound
		}
		return domain.Invoice{}, err
	}
	return invoice, nil
}

func (s *Service) ListInvoices(ctx context.Context, req domain.ListInvoicesRequest) ([]domain.Invoice, error) {
	stmt := s.db.WithContext(ctx).Model(&domain.Invoice{})
	if req.SubscriberID != 0 {
		stmt = stmt.Where("subscriber_id = ?", req.SubscriberID)
	}
	if req.Month != "" {
		if err := month.Validate(req.Month); err != nil {
			return nil, err
		}
		stmt = stmt.Where("month = ?", req.Month)
	}
	if req.Status != "" {
		stmt = stmt.Where("status = ?", req.Status)
	}
	var invoices []domain.Invoice
	err := stmt.Order("month DESC, id DESC").Find(&invoices).Error
	return invoices, err
}

func (s *Service) MarkPaid(ctx context.Context, invoiceID snowflake.ID) (domain.Invoice, error) {
	var out domain.Invoice
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var invoice domain.Invoice
		if err := tx.WithContext(ctx).First(&invoice, "id = ?", invoiceID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrInvoiceNotFound
			}
			return err
		}
		switch invoice.Status {
		case domain.InvoiceStatusPaid:
			out = invoice
			return nil
		case domain.InvoiceStatusPending, domain.InvoiceStatusOverdue:
		default:
			return domain.ErrInvalidInvoiceState
		}

		now := s.clock.Now()
		if err := tx.WithContext(ctx).Model(&domain.Invoice{}).
			Where("id = ? AND status IN ?", invoice.ID, []domain.InvoiceStatus{
				domain.InvoiceStatusPending, domain.InvoiceStatusOverdue,
			}).
			Updates(map[string]any{
				"status":     domain.InvoiceStatusPaid,
				"paid_at":    now,
				"updated_at": now,
			}).Error; err != nil {
			return err
		}
		invoice.Status = domain.InvoiceStatusPaid
		invoice.PaidAt = &now
		invoice.UpdatedAt = now
		out = invoice
		return nil
	})
	if err != nil {
		return domain.Invoice{}, err
	}
	return out, nil
}

func (s *Service) MarkOverdue(ctx context.Context, asOf time.Time) (int, error) {
	if asOf.IsZero() {
		asOf = s.clock.Now()
	}

	var due []domain.Invoice
	if err := s.db.WithContext(ctx).
		Where("status = ? AND due_date < ?", domain.InvoiceStatusPending, asOf.UTC()).
		Find(&due).Error; err != nil {
		return 0, err
	}

	flipped := 0
	for _, invoice := range due {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			result := tx.WithContext(ctx).Model(&domain.Invoice{}).
				Where("id = ? AND status = ?", invoice.ID, domain.InvoiceStatusPending).
				Updates(map[string]any{
					"status":     domain.InvoiceStatusOverdue,
					"updated_at": s.clock.Now(),
				})
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				return nil
			}
			_, pubErr := s.outbox.PublishTx(ctx, tx, events.Event{
				Type: events.EventInvoiceOverdue,
				Payload: map[string]any{
					"invoice_id":         invoice.ID.String(),
					"subscriber_id":      invoice.SubscriberID.String(),
					"month":              invoice.Month,
					"final_amount_cents": invoice.FinalAmountCents,
					"due_date":           invoice.DueDate.UTC().Format(time.RFC3339),
				},
				DedupeKey: "overdue-" + invoice.ID.String(),
			})
			return pubErr
		})
		if err != nil {
			s.log.Error("failed to mark invoice overdue",
				zap.String("invoice_id", invoice.ID.String()),
				zap.Error(err),
			)
			continue
		}
		flipped++
	}

	if flipped > 0 {
		s.log.Info("invoices marked overdue", zap.Int("count", flipped), zap.Time("as_of", asOf))
	}
	return flipped, nil
}

func (s *Service) allocatedKwh(ctx context.Context, subscriberID snowflake.ID, monthKey string) (float64, error) {
	var total float64
	err := s.db.WithContext(ctx).Model(&allocationdomain.Allocation{}).
		Where("subscriber_id = ? AND month = ? AND status = ?", subscriberID, monthKey, allocationdomain.AllocationStatusActive).
		Select("COALESCE(SUM(allocated_kwh), 0)").
		Scan(&total).Error
	return total, err
}

// invoiceAmounts computes invoice lines in integer cents. The discount is
// taken off the original amount, both rounded half away from zero.
func invoiceAmounts(kwh float64, unitPriceCents int64, discountPercent float64) (original, discount, final int64) {
	original = int64(math.Round(kwh * float64(unitPriceCents)))
	discount = int64(math.Round(float64(original) * discountPercent / 100))
	final = original - discount
	return original, discount, final
}

func dueDate(now time.Time, dueDays int) time.Time {
	if dueDays <= 0 {
		dueDays = 10
	}
	return now.AddDate(0, 0, dueDays)
}
