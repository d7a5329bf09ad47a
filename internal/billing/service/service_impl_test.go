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
	allocationdomain "github.com/sunpool/sunpool/internal/allocation/domain"
	"github.com/sunpool/sunpool/internal/billing/domain"
	"github.com/sunpool/sunpool/internal/clock"
	"github.com/sunpool/sunpool/internal/config"
	"github.com/sunpool/sunpool/internal/events"
	subscriberdomain "github.com/sunpool/sunpool/internal/subscriber/domain"
	subscriberservice "github.com/sunpool/sunpool/internal/subscriber/service"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type billingFixture struct {
	svc         domain.Service
	subscribers subscriberdomain.Service
	db          *gorm.DB
	clock       *clock.FakeClock
	node        *snowflake.Node
}

func newBillingFixture(t *testing.T) *billingFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&subscriberdomain.Subscriber{},
		&allocationdomain.Allocation{},
		&domain.Invoice{},
		&events.OutboxRecord{},
	))

	node, err := snowflake.NewNode(4)
	require.NoError(t, err)

	fc := clock.NewFakeClock(time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC))
	log := zap.NewNop()
	cfg := config.Config{
		Billing: config.BillingConfig{
			UnitPriceCents:         95,
			DefaultDiscountPercent: 15,
			InvoiceDueDays:         10,
		},
	}

	subscribers := subscriberservice.NewService(subscriberservice.Params{DB: db, Log: log, GenID: node, Cfg: cfg})
	svc := NewService(Params{
		Cfg:         cfg,
		DB:          db,
		Log:         log,
		GenID:       node,
		Clock:       fc,
		Subscribers: subscribers,
		Outbox:      events.NewOutbox(db, node),
	})

	return &billingFixture{svc: svc, subscribers: subscribers, db: db, clock: fc, node: node}
}

func (f *billingFixture) createSubscriber(t *testing.T, name string, weight, discount float64) subscriberdomain.Subscriber {
	t.Helper()
	sub, err := f.subscribers.Create(context.Background(), subscriberdomain.CreateSubscriberRequest{
		Name:             name,
		Email:            fmt.Sprintf("%s@example.com", name),
		AverageBillValue: weight,
		DiscountPercent:  discount,
	})
	require.NoError(t, err)
	return sub
}

func (f *billingFixture) insertAllocation(t *testing.T, subscriberID snowflake.ID, month string, kwh float64) allocationdomain.Allocation {
	t.Helper()
	alloc := allocationdomain.Allocation{
		ID:           f.node.Generate(),
		RunID:        f.node.Generate(),
		PlantID:      f.node.Generate(),
		SubscriberID: subscriberID,
		Month:        month,
		Percentage:   100,
		AllocatedKwh: kwh,
		Status:       allocationdomain.AllocationStatusActive,
		CreatedAt:    f.clock.Now(),
	}
	require.NoError(t, f.db.Create(&alloc).Error)
	return alloc
}

func TestGenerateInvoiceAmounts(t *testing.T) {
	f := newBillingFixture(t)
	ctx := context.Background()

	sub := f.createSubscriber(t, "anna", 600, 15)
	f.insertAllocation(t, sub.ID, "2025-06", 600)

	invoice, err := f.svc.GenerateInvoice(ctx, sub.ID, "2025-06")
	require.NoError(t, err)

	assert.Equal(t, domain.InvoiceStatusPending, invoice.Status)
	assert.InDelta(t, 600, invoice.EnergyAllocatedKwh, 1e-9)
	assert.Equal(t, int64(57000), invoice.OriginalAmountCents)
	assert.Equal(t, int64(8550), invoice.DiscountAmountCents)
	assert.Equal(t, int64(48450), invoice.FinalAmountCents)
	assert.Equal(t, time.Date(2025, 7, 11, 0, 0, 0, 0, time.UTC), invoice.DueDate.UTC())
}

func TestGenerateInvoiceRefreshesPending(t *testing.T) {
	f := newBillingFixture(t)
	ctx := context.Background()

	sub := f.createSubscriber(t, "bernd", 400, 10)
	alloc := f.insertAllocation(t, sub.ID, "2025-06", 400)

	first, err := f.svc.GenerateInvoice(ctx, sub.ID, "2025-06")
	require.NoError(t, err)

	// An allocation re-run changed the figure before payment.
	require.NoError(t, f.db.Model(&allocationdomain.Allocation{}).
		Where("id = ?", alloc.ID).
		Update("allocated_kwh", 500).Error)

	second, err := f.svc.GenerateInvoice(ctx, sub.ID, "2025-06")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "regeneration must refresh, not duplicate")
	assert.InDelta(t, 500, second.EnergyAllocatedKwh, 1e-9)
	assert.Greater(t, second.FinalAmountCents, first.FinalAmountCents)

	var count int64
	require.NoError(t, f.db.Model(&domain.Invoice{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestGenerateInvoiceNeverRewritesPaid(t *testing.T) {
	f := newBillingFixture(t)
	ctx := context.Background()

	sub := f.createSubscriber(t, "clara", 500, 15)
	alloc := f.insertAllocation(t, sub.ID, "2025-06", 500)

	invoice, err := f.svc.GenerateInvoice(ctx, sub.ID, "2025-06")
	require.NoError(t, err)

	paid, err := f.svc.MarkPaid(ctx, invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceStatusPaid, paid.Status)
	require.NotNil(t, paid.PaidAt)

	// Unchanged regeneration returns the settled invoice untouched.
	again, err := f.svc.GenerateInvoice(ctx, sub.ID, "2025-06")
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceStatusPaid, again.Status)
	assert.Equal(t, invoice.FinalAmountCents, again.FinalAmountCents)

	// A changed figure must not silently rewrite a settled invoice.
	require.NoError(t, f.db.Model(&allocationdomain.Allocation{}).
		Where("id = ?", alloc.ID).
		Update("allocated_kwh", 600).Error)

	_, err = f.svc.GenerateInvoice(ctx, sub.ID, "2025-06")
	assert.ErrorIs(t, err, domain.ErrStaleInvoice)
}

func TestGenerateInvoiceNothingToInvoice(t *testing.T) {
	f := newBillingFixture(t)
	ctx := context.Background()

	sub := f.createSubscriber(t, "dora", 300, 15)

	_, err := f.svc.GenerateInvoice(ctx, sub.ID, "2025-06")
	assert.ErrorIs(t, err, domain.ErrNothingToInvoice)
}

func TestGenerateInvoicesForMonthIsolatesFailures(t *testing.T) {
	f := newBillingFixture(t)
	ctx := context.Background()

	subA := f.createSubscriber(t, "emil", 600, 15)
	subB := f.createSubscriber(t, "frieda", 400, 15)
	f.insertAllocation(t, subA.ID, "2025-06", 600)
	f.insertAllocation(t, subB.ID, "2025-06", 400)

	// Break one subscriber so its invoice fails.
	require.NoError(t, f.db.Delete(&subscriberdomain.Subscriber{}, "id = ?", subB.ID).Error)

	summary, err := f.svc.GenerateInvoicesForMonth(ctx, "2025-06")
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Generated)
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, subB.ID, summary.Failures[0].SubscriberID)

	_, err = f.svc.GetInvoice(ctx, subA.ID, "2025-06")
	assert.NoError(t, err)
}

func TestMarkOverdueFlipsPastDuePending(t *testing.T) {
	f := newBillingFixture(t)
	ctx := context.Background()

	sub := f.createSubscriber(t, "greta", 500, 15)
	f.insertAllocation(t, sub.ID, "2025-06", 500)

	_, err := f.svc.GenerateInvoice(ctx, sub.ID, "2025-06")
	require.NoError(t, err)

	// Not yet due.
	flipped, err := f.svc.MarkOverdue(ctx, time.Date(2025, 7, 5, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Zero(t, flipped)

	flipped, err = f.svc.MarkOverdue(ctx, time.Date(2025, 7, 20, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 1, flipped)

	invoice, err := f.svc.GetInvoice(ctx, sub.ID, "2025-06")
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceStatusOverdue, invoice.Status)

	var eventCount int64
	require.NoError(t, f.db.Model(&events.OutboxRecord{}).
		Where("type = ?", events.EventInvoiceOverdue).
		Count(&eventCount).Error)
	assert.Equal(t, int64(1), eventCount)

	// Idempotent on re-run.
	flipped, err = f.svc.MarkOverdue(ctx, time.Date(2025, 7, 21, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Zero(t, flipped)
}
