package service

import (
	"context"
	"fmt"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	auditdomain "github.com/sunpool/sunpool/internal/audit/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newAuditService(t *testing.T) auditdomain.Service {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&auditdomain.AuditLog{}))

	node, err := snowflake.NewNode(4)
	require.NoError(t, err)

	return NewService(Params{DB: db, Log: zap.NewNop(), GenID: node})
}

func TestAuditLogRejectsEmptyAction(t *testing.T) {
	svc := newAuditService(t)
	err := svc.AuditLog(context.Background(), auditdomain.ActorTypeAdmin, nil, "  ", "ledger", nil, nil)
	assert.ErrorIs(t, err, auditdomain.ErrInvalidAction)
}

func TestListFiltersByActionAndTarget(t *testing.T) {
	svc := newAuditService(t)
	ctx := context.Background()

	targetA := "42"
	targetB := "43"
	require.NoError(t, svc.AuditLog(ctx, auditdomain.ActorTypeAdmin, nil, "ledger.adjust", "subscriber", &targetA, nil))
	require.NoError(t, svc.AuditLog(ctx, auditdomain.ActorTypeSystem, nil, "expiration.sweep", "subscriber", &targetB, nil))
	require.NoError(t, svc.AuditLog(ctx, auditdomain.ActorTypeAdmin, nil, "ledger.adjust", "subscriber", &targetB, nil))

	resp, err := svc.List(ctx, auditdomain.ListAuditLogRequest{Action: "ledger.adjust"})
	require.NoError(t, err)
	assert.Len(t, resp.AuditLogs, 2)

	req := auditdomain.ListAuditLogRequest{Action: "ledger.adjust", TargetID: targetA}
	resp, err = svc.List(ctx, req)
	require.NoError(t, err)
	require.Len(t, resp.AuditLogs, 1)
	assert.Equal(t, "ledger.adjust", resp.AuditLogs[0].Action)
}

func TestListCursorPagination(t *testing.T) {
	svc := newAuditService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		action := fmt.Sprintf("plant.update.%d", i)
		require.NoError(t, svc.AuditLog(ctx, auditdomain.ActorTypeAdmin, nil, action, "plant", nil, nil))
	}

	var seen []string
	req := auditdomain.ListAuditLogRequest{}
	req.PageSize = 2

	page, err := svc.List(ctx, req)
	require.NoError(t, err)
	require.Len(t, page.AuditLogs, 2)
	assert.True(t, page.HasMore)
	require.NotEmpty(t, page.NextPageToken)
	for _, entry := range page.AuditLogs {
		seen = append(seen, entry.Action)
	}

	req.PageToken = page.NextPageToken
	page, err = svc.List(ctx, req)
	require.NoError(t, err)
	require.Len(t, page.AuditLogs, 2)
	assert.True(t, page.HasMore)
	for _, entry := range page.AuditLogs {
		seen = append(seen, entry.Action)
	}

	req.PageToken = page.NextPageToken
	page, err = svc.List(ctx, req)
	require.NoError(t, err)
	require.Len(t, page.AuditLogs, 1)
	assert.False(t, page.HasMore)
	seen = append(seen, page.AuditLogs[0].Action)

	// Newest entries come first and no entry repeats across pages.
	expected := []string{"plant.update.4", "plant.update.3", "plant.update.2", "plant.update.1", "plant.update.0"}
	assert.Equal(t, expected, seen)

	req.PageToken = "###"
	_, err = svc.List(ctx, req)
	assert.ErrorIs(t, err, auditdomain.ErrInvalidPageToken)
}
