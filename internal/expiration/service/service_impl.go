// Package service implements the expiration sweeper.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/sunpool/sunpool/internal/clock"
	"github.com/sunpool/sunpool/internal/config"
	"github.com/sunpool/sunpool/internal/events"
	"github.com/sunpool/sunpool/internal/expiration/domain"
	ledgerdomain "github.com/sunpool/sunpool/internal/ledger/domain"
	obsmetrics "github.com/sunpool/sunpool/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	kwhEpsilon = 1e-6
	sweepBatch = 500
)

type Params struct {
	fx.In

	Cfg     config.Config
	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Ledger  ledgerdomain.Service
	Outbox  *events.Outbox
	Metrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	cfg     config.Config
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	ledger  ledgerdomain.Service
	outbox  *events.Outbox
	metrics *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		cfg:     p.Cfg,
		db:      p.DB,
		log:     p.Log.Named("expiration.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		ledger:  p.Ledger,
		outbox:  p.Outbox,
		metrics: p.Metrics,
	}
}

func (s *Service) SweepExpirations(ctx context.Context, asOf time.Time) (domain.SweepSummary, error) {
	if asOf.IsZero() {
		asOf = s.clock.Now()
	}

	summary := domain.SweepSummary{}
	// Balances that failed to retire are excluded from later batches so each
	// failure is reported exactly once.
	var failedIDs []snowflake.ID
	for {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		stmt := s.db.WithContext(ctx).
			Where("balance_kwh > ? AND expiration_date < ?", kwhEpsilon, asOf.UTC())
		if len(failedIDs) > 0 {
			stmt = stmt.Where("id NOT IN ?", failedIDs)
		}
		var expired []ledgerdomain.CreditBalance
		err := stmt.
			Order("expiration_date ASC, id ASC").
			Limit(sweepBatch).
			Find(&expired).Error
		if err != nil {
			return summary, err
		}
		if len(expired) == 0 {
			break
		}

		for _, bal := range expired {
			retired, err := s.retire(ctx, bal)
			if err != nil {
				s.log.Error("failed to retire expired balance",
					zap.String("subscriber_id", bal.SubscriberID.String()),
					zap.String("month", bal.Month),
					zap.Error(err),
				)
				summary.Failures = append(summary.Failures, domain.SweepFailure{
					SubscriberID: bal.SubscriberID,
					Month:        bal.Month,
					Reason:       err.Error(),
				})
				failedIDs = append(failedIDs, bal.ID)
				continue
			}
			if retired > kwhEpsilon {
				summary.SweptCount++
				summary.ExpiredKwh += retired
			}
		}
	}

	s.metrics.RecordCreditsExpired(ctx, summary.ExpiredKwh)
	s.log.Info("expiration sweep finished",
		zap.Time("as_of", asOf),
		zap.Int("swept", summary.SweptCount),
		zap.Float64("expired_kwh", summary.ExpiredKwh),
		zap.Int("failed", len(summary.Failures)),
	)
	return summary, nil
}

// retire zeroes one expired balance with an expiration entry and returns the
// kWh actually retired. The balance is re-read under the subscriber lock so a
// concurrent consumption cannot be double-counted.
func (s *Service) retire(ctx context.Context, bal ledgerdomain.CreditBalance) (float64, error) {
	retired := 0.0
	err := s.ledger.WithLock(ctx, bal.SubscriberID, func(tx *gorm.DB) error {
		var current ledgerdomain.CreditBalance
		if err := tx.WithContext(ctx).First(&current, "id = ?", bal.ID).Error; err != nil {
			return err
		}
		if current.BalanceKwh <= kwhEpsilon {
			return nil
		}

		reason := fmt.Sprintf("credit validity ended %s", current.ExpirationDate.Format("2006-01-02"))
		if _, err := s.ledger.ApplyTx(ctx, tx, current.SubscriberID, current.Month, -current.BalanceKwh, ledgerdomain.TransactionTypeExpiration, reason); err != nil {
			return err
		}
		retired = current.BalanceKwh
		return nil
	})
	if err != nil {
		return 0, err
	}
	return retired, nil
}

func (s *Service) ListExpiringWithin(ctx context.Context, days int) ([]domain.ExpiringCredit, error) {
	if days <= 0 {
		return nil, domain.ErrInvalidWindow
	}

	now := s.clock.Now()
	horizon := now.AddDate(0, 0, days)

	var balances []ledgerdomain.CreditBalance
	err := s.db.WithContext(ctx).
		Where("balance_kwh > ? AND expiration_date >= ? AND expiration_date < ?", kwhEpsilon, now, horizon).
		Order("expiration_date ASC, id ASC").
		Find(&balances).Error
	if err != nil {
		return nil, err
	}

	out := make([]domain.ExpiringCredit, 0, len(balances))
	for _, bal := range balances {
		out = append(out, domain.ExpiringCredit{
			SubscriberID:   bal.SubscriberID,
			Month:          bal.Month,
			BalanceKwh:     bal.BalanceKwh,
			ExpirationDate: bal.ExpirationDate,
			DaysRemaining:  int(bal.ExpirationDate.Sub(now).Hours() / 24),
		})
	}
	return out, nil
}

func (s *Service) EmitExpiryWarnings(ctx context.Context) (int, error) {
	thresholds := s.cfg.Billing.ExpiryWarningThresholds
	if len(thresholds) == 0 {
		return 0, nil
	}

	emitted := 0
	for _, days := range thresholds {
		expiring, err := s.ListExpiringWithin(ctx, days)
		if err != nil {
			return emitted, err
		}
		for _, credit := range expiring {
			// The outbox dedupe key keeps each (balance, threshold) warning
			// single-shot across repeated job runs.
			inserted, err := s.outbox.Publish(ctx, events.Event{
				Type: events.EventCreditsExpiring,
				Payload: events.CreditEventPayload{
					SubscriberID: credit.SubscriberID.String(),
					Month:        credit.Month,
					AmountKwh:    credit.BalanceKwh,
					BalanceKwh:   credit.BalanceKwh,
					Reason:       fmt.Sprintf("expires within %d days", days),
				}.ToMap(),
				DedupeKey: fmt.Sprintf("expiring-%s-%s-%d", credit.SubscriberID, credit.Month, days),
			})
			if err != nil {
				return emitted, err
			}
			if inserted {
				emitted++
			}
		}
	}

	if emitted > 0 {
		s.log.Info("expiry warnings emitted", zap.Int("count", emitted))
	}
	return emitted, nil
}
