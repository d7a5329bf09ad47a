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
	auditdomain "github.com/sunpool/sunpool/internal/audit/domain"
	"github.com/sunpool/sunpool/internal/clock"
	"github.com/sunpool/sunpool/internal/config"
	"github.com/sunpool/sunpool/internal/events"
	"github.com/sunpool/sunpool/internal/expiration/domain"
	ledgerdomain "github.com/sunpool/sunpool/internal/ledger/domain"
	ledgerservice "github.com/sunpool/sunpool/internal/ledger/service"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type auditStub struct{}

func (auditStub) AuditLog(ctx context.Context, actorType auditdomain.ActorType, actorID *string, action string, targetType string, targetID *string, metadata map[string]any) error {
	return nil
}

func (auditStub) List(ctx context.Context, req auditdomain.ListAuditLogRequest) (auditdomain.ListAuditLogResponse, error) {
	return auditdomain.ListAuditLogResponse{}, nil
}

type sweeperFixture struct {
	svc    domain.Service
	ledger ledgerdomain.Service
	db     *gorm.DB
	clock  *clock.FakeClock
	node   *snowflake.Node
}

func newSweeperFixture(t *testing.T) *sweeperFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&ledgerdomain.CreditBalance{},
		&ledgerdomain.CreditTransaction{},
		&events.OutboxRecord{},
	))

	node, err := snowflake.NewNode(3)
	require.NoError(t, err)

	fc := clock.NewFakeClock(time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC))
	log := zap.NewNop()
	cfg := config.Config{
		Billing: config.BillingConfig{
			CreditValidityMonths:    60,
			ExpiryWarningThresholds: []int{60, 30, 15},
		},
	}
	outbox := events.NewOutbox(db, node)

	ledger := ledgerservice.NewService(ledgerservice.Params{
		Cfg:    cfg,
		DB:     db,
		Log:    log,
		GenID:  node,
		Clock:  fc,
		Outbox: outbox,
		Audit:  auditStub{},
	})

	svc := NewService(Params{
		Cfg:    cfg,
		DB:     db,
		Log:    log,
		GenID:  node,
		Clock:  fc,
		Ledger: ledger,
		Outbox: outbox,
	})

	return &sweeperFixture{svc: svc, ledger: ledger, db: db, clock: fc, node: node}
}

func TestSweepRetiresExpiredBalances(t *testing.T) {
	f := newSweeperFixture(t)
	ctx := context.Background()
	subID := f.node.Generate()

	// 2020-01 credit expires end of January 2025 under the 60-month window.
	_, err := f.ledger.Accumulate(ctx, subID, "2020-01", 500, "old allocation")
	require.NoError(t, err)
	_, err = f.ledger.Accumulate(ctx, subID, "2025-06", 200, "recent allocation")
	require.NoError(t, err)

	summary, err := f.svc.SweepExpirations(ctx, time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	assert.Equal(t, 1, summary.SweptCount)
	assert.InDelta(t, 500, summary.ExpiredKwh, 1e-6)
	assert.Empty(t, summary.Failures)

	var old ledgerdomain.CreditBalance
	require.NoError(t, f.db.First(&old, "subscriber_id = ? AND month = ?", subID, "2020-01").Error)
	assert.InDelta(t, 0, old.BalanceKwh, 1e-9)
	assert.InDelta(t, 500, old.ConsumedKwh, 1e-9)

	var entry ledgerdomain.CreditTransaction
	require.NoError(t, f.db.First(&entry, "subscriber_id = ? AND type = ?", subID, ledgerdomain.TransactionTypeExpiration).Error)
	assert.InDelta(t, -500, entry.AmountKwh, 1e-9)

	// The recent month is untouched.
	var recent ledgerdomain.CreditBalance
	require.NoError(t, f.db.First(&recent, "subscriber_id = ? AND month = ?", subID, "2025-06").Error)
	assert.InDelta(t, 200, recent.BalanceKwh, 1e-9)

	require.NoError(t, f.ledger.VerifyLedger(ctx, subID))
}

func TestSweepIsIdempotent(t *testing.T) {
	f := newSweeperFixture(t)
	ctx := context.Background()
	subID := f.node.Generate()

	_, err := f.ledger.Accumulate(ctx, subID, "2020-01", 300, "old allocation")
	require.NoError(t, err)

	asOf := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	first, err := f.svc.SweepExpirations(ctx, asOf)
	require.NoError(t, err)
	assert.Equal(t, 1, first.SweptCount)

	second, err := f.svc.SweepExpirations(ctx, asOf)
	require.NoError(t, err)
	assert.Zero(t, second.SweptCount)
	assert.Zero(t, second.ExpiredKwh)

	var count int64
	require.NoError(t, f.db.Model(&ledgerdomain.CreditTransaction{}).
		Where("type = ?", ledgerdomain.TransactionTypeExpiration).
		Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestSweepReportsEachFailureOnce(t *testing.T) {
	f := newSweeperFixture(t)
	ctx := context.Background()
	subA := f.node.Generate()
	subB := f.node.Generate()

	_, err := f.ledger.Accumulate(ctx, subA, "2020-01", 300, "old allocation")
	require.NoError(t, err)
	_, err = f.ledger.Accumulate(ctx, subB, "2020-01", 200, "old allocation")
	require.NoError(t, err)

	// Every expiration write for subB fails, as with a wedged row.
	require.NoError(t, f.db.Callback().Create().Before("gorm:create").Register("refuse_retire", func(tx *gorm.DB) {
		entry, ok := tx.Statement.Dest.(*ledgerdomain.CreditTransaction)
		if ok && entry.Type == ledgerdomain.TransactionTypeExpiration && entry.SubscriberID == subB {
			tx.AddError(fmt.Errorf("write refused"))
		}
	}))
	defer f.db.Callback().Create().Remove("refuse_retire")

	summary, err := f.svc.SweepExpirations(ctx, time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	assert.Equal(t, 1, summary.SweptCount)
	assert.InDelta(t, 300, summary.ExpiredKwh, 1e-6)
	// The failing balance shows up exactly once even though the sweep loops
	// until no retirable balances remain.
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, subB, summary.Failures[0].SubscriberID)

	var remaining ledgerdomain.CreditBalance
	require.NoError(t, f.db.First(&remaining, "subscriber_id = ? AND month = ?", subB, "2020-01").Error)
	assert.InDelta(t, 200, remaining.BalanceKwh, 1e-9)
}

func TestRetireCountsWhatWasActuallyRetired(t *testing.T) {
	f := newSweeperFixture(t)
	ctx := context.Background()
	subID := f.node.Generate()

	_, err := f.ledger.Accumulate(ctx, subID, "2020-01", 300, "old allocation")
	require.NoError(t, err)

	var bal ledgerdomain.CreditBalance
	require.NoError(t, f.db.First(&bal, "subscriber_id = ? AND month = ?", subID, "2020-01").Error)

	// A snapshot taken before a concurrent draw-down must not inflate the
	// expired total; retire reports the balance it found under the lock.
	stale := bal
	stale.BalanceKwh = 500

	retired, err := f.svc.(*Service).retire(ctx, stale)
	require.NoError(t, err)
	assert.InDelta(t, 300, retired, 1e-9)
}

func TestListExpiringWithin(t *testing.T) {
	f := newSweeperFixture(t)
	ctx := context.Background()
	subID := f.node.Generate()

	// Expires 2025-07-31; 30 days out from the fake clock at 2025-07-01.
	_, err := f.ledger.Accumulate(ctx, subID, "2020-07", 150, "expiring soon")
	require.NoError(t, err)
	_, err = f.ledger.Accumulate(ctx, subID, "2025-06", 400, "fresh")
	require.NoError(t, err)

	expiring, err := f.svc.ListExpiringWithin(ctx, 60)
	require.NoError(t, err)
	require.Len(t, expiring, 1)
	assert.Equal(t, "2020-07", expiring[0].Month)
	assert.InDelta(t, 150, expiring[0].BalanceKwh, 1e-9)
	assert.LessOrEqual(t, expiring[0].DaysRemaining, 31)

	_, err = f.svc.ListExpiringWithin(ctx, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidWindow)
}

func TestEmitExpiryWarningsDeduplicates(t *testing.T) {
	f := newSweeperFixture(t)
	ctx := context.Background()
	subID := f.node.Generate()

	_, err := f.ledger.Accumulate(ctx, subID, "2020-07", 150, "expiring soon")
	require.NoError(t, err)

	emitted, err := f.svc.EmitExpiryWarnings(ctx)
	require.NoError(t, err)
	assert.Greater(t, emitted, 0)

	var before int64
	require.NoError(t, f.db.Model(&events.OutboxRecord{}).
		Where("type = ?", events.EventCreditsExpiring).
		Count(&before).Error)

	again, err := f.svc.EmitExpiryWarnings(ctx)
	require.NoError(t, err)
	assert.Zero(t, again, "duplicates dropped by the outbox must not be counted")

	var after int64
	require.NoError(t, f.db.Model(&events.OutboxRecord{}).
		Where("type = ?", events.EventCreditsExpiring).
		Count(&after).Error)
	assert.Equal(t, before, after, "repeat runs must not duplicate warnings")
}
