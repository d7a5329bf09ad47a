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
	"github.com/sunpool/sunpool/internal/ledger/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type auditStub struct {
	actions  []string
	metadata []map[string]any
}

func (a *auditStub) AuditLog(ctx context.Context, actorType auditdomain.ActorType, actorID *string, action string, targetType string, targetID *string, metadata map[string]any) error {
	a.actions = append(a.actions, action)
	a.metadata = append(a.metadata, metadata)
	return nil
}

func (a *auditStub) List(ctx context.Context, req auditdomain.ListAuditLogRequest) (auditdomain.ListAuditLogResponse, error) {
	return auditdomain.ListAuditLogResponse{}, nil
}

type ledgerFixture struct {
	svc   domain.Service
	db    *gorm.DB
	clock *clock.FakeClock
	audit *auditStub
	node  *snowflake.Node
}

func newLedgerFixture(t *testing.T) *ledgerFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&domain.CreditBalance{},
		&domain.CreditTransaction{},
		&events.OutboxRecord{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	fc := clock.NewFakeClock(time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC))
	audit := &auditStub{}

	cfg := config.Config{
		Billing: config.BillingConfig{CreditValidityMonths: 60},
	}

	svc := NewService(Params{
		Cfg:    cfg,
		DB:     db,
		Log:    zap.NewNop(),
		GenID:  node,
		Clock:  fc,
		Outbox: events.NewOutbox(db, node),
		Audit:  audit,
	})

	return &ledgerFixture{svc: svc, db: db, clock: fc, audit: audit, node: node}
}

func TestAccumulateCreatesBalanceAndTransaction(t *testing.T) {
	f := newLedgerFixture(t)
	subID := f.node.Generate()

	entry, err := f.svc.Accumulate(context.Background(), subID, "2025-06", 312.5, "allocation run")
	require.NoError(t, err)

	assert.Equal(t, domain.TransactionTypeAllocation, entry.Type)
	assert.InDelta(t, 312.5, entry.AmountKwh, 1e-9)
	assert.InDelta(t, 0, entry.BalanceBefore, 1e-9)
	assert.InDelta(t, 312.5, entry.BalanceAfter, 1e-9)

	var bal domain.CreditBalance
	require.NoError(t, f.db.First(&bal, "subscriber_id = ? AND month = ?", subID, "2025-06").Error)
	assert.InDelta(t, 312.5, bal.AccumulatedKwh, 1e-9)
	assert.InDelta(t, 0, bal.ConsumedKwh, 1e-9)
	assert.InDelta(t, 312.5, bal.BalanceKwh, 1e-9)

	// Validity window anchors on the end of the credited month.
	assert.Equal(t, 2030, bal.ExpirationDate.Year())
	assert.Equal(t, time.June, bal.ExpirationDate.Month())

	var outboxCount int64
	require.NoError(t, f.db.Model(&events.OutboxRecord{}).
		Where("type = ?", events.EventCreditsAccumulated).
		Count(&outboxCount).Error)
	assert.Equal(t, int64(1), outboxCount)
}

func TestAccumulateRejectsNonPositiveAmount(t *testing.T) {
	f := newLedgerFixture(t)
	subID := f.node.Generate()

	_, err := f.svc.Accumulate(context.Background(), subID, "2025-06", 0, "noop")
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = f.svc.Accumulate(context.Background(), subID, "2025-06", -10, "negative")
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestConsumeDrawsOldestMonthFirst(t *testing.T) {
	f := newLedgerFixture(t)
	subID := f.node.Generate()
	ctx := context.Background()

	_, err := f.svc.Accumulate(ctx, subID, "2025-05", 300, "may allocation")
	require.NoError(t, err)
	_, err = f.svc.Accumulate(ctx, subID, "2025-06", 400, "june allocation")
	require.NoError(t, err)

	entries, err := f.svc.Consume(ctx, subID, 500, "july bill")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "2025-05", entries[0].Month)
	assert.InDelta(t, -300, entries[0].AmountKwh, 1e-9)
	assert.Equal(t, "2025-06", entries[1].Month)
	assert.InDelta(t, -200, entries[1].AmountKwh, 1e-9)

	summary, err := f.svc.GetBalance(ctx, subID)
	require.NoError(t, err)
	assert.InDelta(t, 200, summary.TotalBalanceKwh, 1e-9)

	var may domain.CreditBalance
	require.NoError(t, f.db.First(&may, "subscriber_id = ? AND month = ?", subID, "2025-05").Error)
	assert.InDelta(t, 0, may.BalanceKwh, 1e-9)
	assert.InDelta(t, 300, may.ConsumedKwh, 1e-9)
}

func TestConsumeInsufficientBalanceWritesNothing(t *testing.T) {
	f := newLedgerFixture(t)
	subID := f.node.Generate()
	ctx := context.Background()

	_, err := f.svc.Accumulate(ctx, subID, "2025-06", 500, "june allocation")
	require.NoError(t, err)

	_, err = f.svc.Consume(ctx, subID, 700, "oversized bill")
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)

	var txCount int64
	require.NoError(t, f.db.Model(&domain.CreditTransaction{}).
		Where("subscriber_id = ?", subID).
		Count(&txCount).Error)
	assert.Equal(t, int64(1), txCount, "rejected consumption must not write")

	summary, err := f.svc.GetBalance(ctx, subID)
	require.NoError(t, err)
	assert.InDelta(t, 500, summary.TotalBalanceKwh, 1e-9)
}

func TestConsumeSkipsExpiredMonths(t *testing.T) {
	f := newLedgerFixture(t)
	subID := f.node.Generate()
	ctx := context.Background()

	_, err := f.svc.Accumulate(ctx, subID, "2020-01", 100, "old allocation")
	require.NoError(t, err)
	_, err = f.svc.Accumulate(ctx, subID, "2025-06", 150, "recent allocation")
	require.NoError(t, err)

	// Past the 60-month validity window of 2020-01.
	f.clock.Set(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))

	entries, err := f.svc.Consume(ctx, subID, 120, "bill")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "2025-06", entries[0].Month)

	_, err = f.svc.Consume(ctx, subID, 100, "second bill")
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance,
		"expired credit must not satisfy consumption")
}

func TestAdjustNegativeIsCappedAndAudited(t *testing.T) {
	f := newLedgerFixture(t)
	subID := f.node.Generate()
	ctx := context.Background()

	_, err := f.svc.Accumulate(ctx, subID, "2025-06", 100, "june allocation")
	require.NoError(t, err)

	entry, err := f.svc.Adjust(ctx, subID, "2025-06", -150, "meter correction")
	require.NoError(t, err)
	assert.InDelta(t, -100, entry.AmountKwh, 1e-9, "reversal caps at remaining balance")
	assert.InDelta(t, 0, entry.BalanceAfter, 1e-9)

	require.Len(t, f.audit.actions, 1)
	assert.Equal(t, "ledger.adjust", f.audit.actions[0])
	assert.Equal(t, true, f.audit.metadata[0]["flagged_for_review"])
}

func TestAdjustPositiveIncreasesBalance(t *testing.T) {
	f := newLedgerFixture(t)
	subID := f.node.Generate()
	ctx := context.Background()

	_, err := f.svc.Adjust(ctx, subID, "2025-06", 40, "goodwill credit")
	require.NoError(t, err)

	summary, err := f.svc.GetBalance(ctx, subID)
	require.NoError(t, err)
	assert.InDelta(t, 40, summary.TotalBalanceKwh, 1e-9)
}

func TestVerifyLedgerDetectsTampering(t *testing.T) {
	f := newLedgerFixture(t)
	subID := f.node.Generate()
	ctx := context.Background()

	_, err := f.svc.Accumulate(ctx, subID, "2025-05", 300, "may allocation")
	require.NoError(t, err)
	_, err = f.svc.Consume(ctx, subID, 120, "bill")
	require.NoError(t, err)

	require.NoError(t, f.svc.VerifyLedger(ctx, subID))

	require.NoError(t, f.db.Model(&domain.CreditBalance{}).
		Where("subscriber_id = ? AND month = ?", subID, "2025-05").
		Update("balance_kwh", 999).Error)

	assert.ErrorIs(t, f.svc.VerifyLedger(ctx, subID), domain.ErrLedgerIntegrity)
}

func TestListTransactionsFilters(t *testing.T) {
	f := newLedgerFixture(t)
	subID := f.node.Generate()
	ctx := context.Background()

	_, err := f.svc.Accumulate(ctx, subID, "2025-05", 300, "may allocation")
	require.NoError(t, err)
	_, err = f.svc.Accumulate(ctx, subID, "2025-06", 400, "june allocation")
	require.NoError(t, err)
	_, err = f.svc.Consume(ctx, subID, 100, "bill")
	require.NoError(t, err)

	resp, err := f.svc.ListTransactions(ctx, subID, domain.ListTransactionsRequest{})
	require.NoError(t, err)
	assert.Len(t, resp.Transactions, 3)

	resp, err = f.svc.ListTransactions(ctx, subID, domain.ListTransactionsRequest{
		Type: domain.TransactionTypeConsumption,
	})
	require.NoError(t, err)
	require.Len(t, resp.Transactions, 1)
	assert.Equal(t, "2025-05", resp.Transactions[0].Month)

	resp, err = f.svc.ListTransactions(ctx, subID, domain.ListTransactionsRequest{
		Month: "2025-06",
	})
	require.NoError(t, err)
	assert.Len(t, resp.Transactions, 1)
}

func TestListTransactionsCursorPagination(t *testing.T) {
	f := newLedgerFixture(t)
	subID := f.node.Generate()
	ctx := context.Background()

	months := []string{"2025-01", "2025-02", "2025-03", "2025-04", "2025-05"}
	for _, m := range months {
		_, err := f.svc.Accumulate(ctx, subID, m, 100, "allocation")
		require.NoError(t, err)
		f.clock.Advance(time.Minute)
	}

	var seen []string
	req := domain.ListTransactionsRequest{}
	req.PageSize = 2

	page, err := f.svc.ListTransactions(ctx, subID, req)
	require.NoError(t, err)
	require.Len(t, page.Transactions, 2)
	assert.True(t, page.HasMore)
	require.NotEmpty(t, page.NextPageToken)
	for _, tx := range page.Transactions {
		seen = append(seen, tx.Month)
	}

	req.PageToken = page.NextPageToken
	page, err = f.svc.ListTransactions(ctx, subID, req)
	require.NoError(t, err)
	require.Len(t, page.Transactions, 2)
	assert.True(t, page.HasMore)
	for _, tx := range page.Transactions {
		seen = append(seen, tx.Month)
	}

	req.PageToken = page.NextPageToken
	page, err = f.svc.ListTransactions(ctx, subID, req)
	require.NoError(t, err)
	require.Len(t, page.Transactions, 1)
	assert.False(t, page.HasMore)
	seen = append(seen, page.Transactions[0].Month)

	// Pages walk the ledger oldest first with no gaps or repeats.
	assert.Equal(t, months, seen)

	req.PageToken = "not-a-token"
	_, err = f.svc.ListTransactions(ctx, subID, req)
	assert.ErrorIs(t, err, domain.ErrInvalidPageToken)
}
