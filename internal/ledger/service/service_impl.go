// Package service implements the credit ledger: append-only transactions plus
// materialized per-month balances, serialized per subscriber.
package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/sunpool/sunpool/internal/audit/domain"
	"github.com/sunpool/sunpool/internal/clock"
	"github.com/sunpool/sunpool/internal/config"
	"github.com/sunpool/sunpool/internal/events"
	"github.com/sunpool/sunpool/internal/ledger/domain"
	"github.com/sunpool/sunpool/internal/month"
	obsmetrics "github.com/sunpool/sunpool/internal/observability/metrics"
	"github.com/sunpool/sunpool/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// kwhEpsilon absorbs float64 noise when comparing kWh values.
const kwhEpsilon = 1e-6

type Params struct {
	fx.In

	Cfg     config.Config
	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Outbox  *events.Outbox
	Audit   auditdomain.Service
	Metrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	cfg     config.Config
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	outbox  *events.Outbox
	audit   auditdomain.Service
	metrics *obsmetrics.Metrics
	locks   subscriberLocks
}

func NewService(p Params) domain.Service {
	return &Service{
		cfg:     p.Cfg,
		db:      p.DB,
		log:     p.Log.Named("ledger.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		outbox:  p.Outbox,
		audit:   p.Audit,
		metrics: p.Metrics,
	}
}

func (s *Service) WithLock(ctx context.Context, subscriberID snowflake.ID, fn func(tx *gorm.DB) error) error {
	unlock := s.locks.lock(subscriberID)
	defer unlock()
	return s.db.WithContext(ctx).Transaction(fn)
}

func (s *Service) Accumulate(ctx context.Context, subscriberID snowflake.ID, monthKey string, amountKwh float64, reason string) (domain.CreditTransaction, error) {
	if amountKwh <= kwhEpsilon {
		return domain.CreditTransaction{}, domain.ErrInvalidAmount
	}

	var out domain.CreditTransaction
	err := s.WithLock(ctx, subscriberID, func(tx *gorm.DB) error {
		entry, err := s.ApplyTx(ctx, tx, subscriberID, monthKey, amountKwh, domain.TransactionTypeAllocation, reason)
		if err != nil {
			return err
		}
		out = entry
		return nil
	})
	if err != nil {
		return domain.CreditTransaction{}, err
	}

	s.log.Info("credits accumulated",
		zap.String("subscriber_id", subscriberID.String()),
		zap.String("month", monthKey),
		zap.Float64("amount_kwh", amountKwh),
	)
	return out, nil
}

func (s *Service) Consume(ctx context.Context, subscriberID snowflake.ID, amountKwh float64, reason string) ([]domain.CreditTransaction, error) {
	if amountKwh <= kwhEpsilon {
		return nil, domain.ErrInvalidAmount
	}

	var out []domain.CreditTransaction
	err := s.WithLock(ctx, subscriberID, func(tx *gorm.DB) error {
		now := s.clock.Now()

		var balances []domain.CreditBalance
		if err := tx.WithContext(ctx).
			Where("subscriber_id = ? AND balance_kwh > ? AND expiration_date >= ?", subscriberID, kwhEpsilon, now).
			Order("month ASC").
			Find(&balances).Error; err != nil {
			return err
		}

		available := 0.0
		for _, bal := range balances {
			available += bal.BalanceKwh
		}
		if available+kwhEpsilon < amountKwh {
			s.log.Warn("consumption rejected",
				zap.String("subscriber_id", subscriberID.String()),
				zap.Float64("requested_kwh", amountKwh),
				zap.Float64("available_kwh", available),
			)
			return domain.ErrInsufficientBalance
		}

		// Oldest month first, one transaction per month drawn from.
		remaining := amountKwh
		for _, bal := range balances {
			if remaining <= kwhEpsilon {
				break
			}
			draw := math.Min(remaining, bal.BalanceKwh)
			entry, err := s.ApplyTx(ctx, tx, subscriberID, bal.Month, -draw, domain.TransactionTypeConsumption, reason)
			if err != nil {
				return err
			}
			out = append(out, entry)
			remaining -= draw
		}
		if remaining > kwhEpsilon {
			return domain.ErrLedgerIntegrity
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("credits consumed",
		zap.String("subscriber_id", subscriberID.String()),
		zap.Float64("amount_kwh", amountKwh),
		zap.Int("months_drawn", len(out)),
	)
	return out, nil
}

func (s *Service) Adjust(ctx context.Context, subscriberID snowflake.ID, monthKey string, amountKwh float64, reason string) (domain.CreditTransaction, error) {
	if math.Abs(amountKwh) <= kwhEpsilon {
		return domain.CreditTransaction{}, domain.ErrInvalidAmount
	}

	var out domain.CreditTransaction
	err := s.WithLock(ctx, subscriberID, func(tx *gorm.DB) error {
		entry, err := s.ApplyTx(ctx, tx, subscriberID, monthKey, amountKwh, domain.TransactionTypeAdjustment, reason)
		if err != nil {
			return err
		}
		out = entry
		return nil
	})
	if err != nil {
		return domain.CreditTransaction{}, err
	}

	// Manual adjustments always land in the audit trail for review.
	targetID := subscriberID.String()
	if err := s.audit.AuditLog(ctx, auditdomain.ActorTypeAdmin, nil, "ledger.adjust", "subscriber", &targetID, map[string]any{
		"month":              monthKey,
		"requested_kwh":      amountKwh,
		"applied_kwh":        out.AmountKwh,
		"reason":             reason,
		"transaction_id":     out.ID.String(),
		"flagged_for_review": true,
	}); err != nil {
		s.log.Warn("audit write failed for adjustment", zap.Error(err))
	}

	return out, nil
}

// ApplyTx is the single write path for the ledger. Every mutation appends one
// immutable transaction and updates the month balance in lockstep.
func (s *Service) ApplyTx(ctx context.Context, tx *gorm.DB, subscriberID snowflake.ID, monthKey string, amountKwh float64, txType domain.TransactionType, reason string) (domain.CreditTransaction, error) {
	if err := month.Validate(monthKey); err != nil {
		return domain.CreditTransaction{}, err
	}
	if math.Abs(amountKwh) <= kwhEpsilon {
		return domain.CreditTransaction{}, domain.ErrInvalidAmount
	}

	now := s.clock.Now()

	var bal domain.CreditBalance
	err := tx.WithContext(ctx).
		First(&bal, "subscriber_id = ? AND month = ?", subscriberID, monthKey).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if amountKwh < 0 {
			return domain.CreditTransaction{}, domain.ErrBalanceNotFound
		}
		exp, mErr := expirationFor(monthKey, s.cfg.Billing.CreditValidityMonths)
		if mErr != nil {
			return domain.CreditTransaction{}, mErr
		}
		bal = domain.CreditBalance{
			ID:             s.genID.Generate(),
			SubscriberID:   subscriberID,
			Month:          monthKey,
			ExpirationDate: exp,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.WithContext(ctx).Create(&bal).Error; err != nil {
			return domain.CreditTransaction{}, err
		}
	case err != nil:
		return domain.CreditTransaction{}, err
	}

	if math.Abs(bal.BalanceKwh-(bal.AccumulatedKwh-bal.ConsumedKwh)) > kwhEpsilon {
		s.log.Error("balance does not match its components",
			zap.String("subscriber_id", subscriberID.String()),
			zap.String("month", monthKey),
			zap.Float64("balance_kwh", bal.BalanceKwh),
			zap.Float64("accumulated_kwh", bal.AccumulatedKwh),
			zap.Float64("consumed_kwh", bal.ConsumedKwh),
		)
		return domain.CreditTransaction{}, domain.ErrLedgerIntegrity
	}

	applied := amountKwh
	if bal.BalanceKwh+applied < -kwhEpsilon {
		switch txType {
		case domain.TransactionTypeAdjustment, domain.TransactionTypeCompensation:
			// Reversals never drive a balance negative; cap at what is left.
			s.log.Warn("reversal capped at remaining balance",
				zap.String("subscriber_id", subscriberID.String()),
				zap.String("month", monthKey),
				zap.Float64("requested_kwh", amountKwh),
				zap.Float64("balance_kwh", bal.BalanceKwh),
			)
			applied = -bal.BalanceKwh
			if math.Abs(applied) <= kwhEpsilon {
				return domain.CreditTransaction{}, domain.ErrInsufficientBalance
			}
		default:
			return domain.CreditTransaction{}, domain.ErrInsufficientBalance
		}
	}

	newAccumulated := bal.AccumulatedKwh
	newConsumed := bal.ConsumedKwh
	switch txType {
	case domain.TransactionTypeAllocation, domain.TransactionTypeAdjustment, domain.TransactionTypeCompensation:
		newAccumulated += applied
	case domain.TransactionTypeConsumption, domain.TransactionTypeExpiration:
		newConsumed += -applied
	default:
		return domain.CreditTransaction{}, fmt.Errorf("unknown transaction type %q", txType)
	}
	newBalance := bal.BalanceKwh + applied

	entry := domain.CreditTransaction{
		ID:            s.genID.Generate(),
		SubscriberID:  subscriberID,
		Month:         monthKey,
		Type:          txType,
		AmountKwh:     applied,
		BalanceBefore: bal.BalanceKwh,
		BalanceAfter:  newBalance,
		Description:   strings.TrimSpace(reason),
		CreatedAt:     now,
	}
	if err := tx.WithContext(ctx).Create(&entry).Error; err != nil {
		return domain.CreditTransaction{}, err
	}

	result := tx.WithContext(ctx).Model(&domain.CreditBalance{}).
		Where("id = ? AND balance_kwh = ?", bal.ID, bal.BalanceKwh).
		Updates(map[string]any{
			"accumulated_kwh": newAccumulated,
			"consumed_kwh":    newConsumed,
			"balance_kwh":     newBalance,
			"updated_at":      now,
		})
	if result.Error != nil {
		return domain.CreditTransaction{}, result.Error
	}
	if result.RowsAffected == 0 {
		// A concurrent writer slipped past the subscriber lock.
		return domain.CreditTransaction{}, domain.ErrLedgerIntegrity
	}

	if _, err := s.outbox.PublishTx(ctx, tx, events.Event{
		Type: eventTypeFor(txType),
		Payload: events.CreditEventPayload{
			SubscriberID:  subscriberID.String(),
			Month:         monthKey,
			AmountKwh:     applied,
			BalanceKwh:    newBalance,
			TransactionID: entry.ID.String(),
			Reason:        entry.Description,
		}.ToMap(),
		DedupeKey: entry.ID.String(),
	}); err != nil {
		return domain.CreditTransaction{}, err
	}

	s.metrics.RecordLedgerTransaction(ctx, string(txType))
	return entry, nil
}

func (s *Service) GetBalance(ctx context.Context, subscriberID snowflake.ID) (domain.BalanceSummary, error) {
	var balances []domain.CreditBalance
	if err := s.db.WithContext(ctx).
		Where("subscriber_id = ?", subscriberID).
		Order("month ASC").
		Find(&balances).Error; err != nil {
		return domain.BalanceSummary{}, err
	}

	now := s.clock.Now()
	summary := domain.BalanceSummary{
		SubscriberID: subscriberID,
		Months:       balances,
	}
	for _, bal := range balances {
		if bal.ExpirationDate.Before(now) {
			continue
		}
		summary.TotalBalanceKwh += bal.BalanceKwh
	}
	return summary, nil
}

func (s *Service) ListTransactions(ctx context.Context, subscriberID snowflake.ID, req domain.ListTransactionsRequest) (domain.ListTransactionsResponse, error) {
	limit := req.PageSize
	if limit <= 0 {
		limit = 50
	}

	stmt := s.db.WithContext(ctx).Model(&domain.CreditTransaction{}).
		Where("subscriber_id = ?", subscriberID)
	if token := strings.TrimSpace(req.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return domain.ListTransactionsResponse{}, domain.ErrInvalidPageToken
		}
		createdAt, err := time.Parse(time.RFC3339Nano, cursor.CreatedAt)
		if err != nil {
			return domain.ListTransactionsResponse{}, domain.ErrInvalidPageToken
		}
		id, err := snowflake.ParseString(strings.TrimSpace(cursor.ID))
		if err != nil || id == 0 {
			return domain.ListTransactionsResponse{}, domain.ErrInvalidPageToken
		}
		stmt = stmt.Where("(created_at > ?) OR (created_at = ? AND id > ?)", createdAt, createdAt, id)
	}
	if m := strings.TrimSpace(req.Month); m != "" {
		stmt = stmt.Where("month = ?", m)
	}
	if req.Type != "" {
		stmt = stmt.Where("type = ?", req.Type)
	}
	if req.StartAt != nil {
		stmt = stmt.Where("created_at >= ?", req.StartAt.UTC())
	}
	if req.EndAt != nil {
		stmt = stmt.Where("created_at <= ?", req.EndAt.UTC())
	}

	var items []*domain.CreditTransaction
	if err := stmt.Order("created_at ASC, id ASC").Limit(limit + 1).Find(&items).Error; err != nil {
		return domain.ListTransactionsResponse{}, err
	}

	pageInfo, items := pagination.BuildCursorPageInfo(items, limit, func(item *domain.CreditTransaction) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        item.ID.String(),
			CreatedAt: item.CreatedAt.Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})

	resp := domain.ListTransactionsResponse{}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	resp.Transactions = make([]domain.CreditTransaction, 0, len(items))
	for _, item := range items {
		resp.Transactions = append(resp.Transactions, *item)
	}
	return resp, nil
}

// VerifyLedger replays every transaction for the subscriber and checks the
// materialized balances against the replay.
func (s *Service) VerifyLedger(ctx context.Context, subscriberID snowflake.ID) error {
	var entries []domain.CreditTransaction
	if err := s.db.WithContext(ctx).
		Where("subscriber_id = ?", subscriberID).
		Order("created_at ASC, id ASC").
		Find(&entries).Error; err != nil {
		return err
	}

	type replay struct {
		accumulated float64
		consumed    float64
	}
	replayed := map[string]*replay{}
	for _, entry := range entries {
		r := replayed[entry.Month]
		if r == nil {
			r = &replay{}
			replayed[entry.Month] = r
		}
		switch entry.Type {
		case domain.TransactionTypeAllocation, domain.TransactionTypeAdjustment, domain.TransactionTypeCompensation:
			r.accumulated += entry.AmountKwh
		case domain.TransactionTypeConsumption, domain.TransactionTypeExpiration:
			r.consumed += -entry.AmountKwh
		}
		if math.Abs(entry.BalanceAfter-(entry.BalanceBefore+entry.AmountKwh)) > kwhEpsilon {
			return domain.ErrLedgerIntegrity
		}
	}

	var balances []domain.CreditBalance
	if err := s.db.WithContext(ctx).
		Where("subscriber_id = ?", subscriberID).
		Find(&balances).Error; err != nil {
		return err
	}

	seen := map[string]bool{}
	for _, bal := range balances {
		seen[bal.Month] = true
		r := replayed[bal.Month]
		if r == nil {
			r = &replay{}
		}
		if math.Abs(bal.AccumulatedKwh-r.accumulated) > kwhEpsilon ||
			math.Abs(bal.ConsumedKwh-r.consumed) > kwhEpsilon ||
			math.Abs(bal.BalanceKwh-(r.accumulated-r.consumed)) > kwhEpsilon {
			s.log.Error("materialized balance diverges from transaction log",
				zap.String("subscriber_id", subscriberID.String()),
				zap.String("month", bal.Month),
			)
			return domain.ErrLedgerIntegrity
		}
	}
	for m := range replayed {
		if !seen[m] {
			return domain.ErrLedgerIntegrity
		}
	}
	return nil
}

func expirationFor(monthKey string, validityMonths int) (time.Time, error) {
	if validityMonths <= 0 {
		validityMonths = 60
	}
	end, err := month.End(monthKey)
	if err != nil {
		return time.Time{}, err
	}
	return end.AddDate(0, validityMonths, 0), nil
}

func eventTypeFor(txType domain.TransactionType) string {
	switch txType {
	case domain.TransactionTypeConsumption:
		return events.EventCreditsConsumed
	case domain.TransactionTypeExpiration:
		return events.EventCreditsExpired
	case domain.TransactionTypeAdjustment, domain.TransactionTypeCompensation:
		return events.EventCreditsAdjusted
	default:
		return events.EventCreditsAccumulated
	}
}
