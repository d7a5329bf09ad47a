package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	allocationdomain "github.com/sunpool/sunpool/internal/allocation/domain"
	ledgerdomain "github.com/sunpool/sunpool/internal/ledger/domain"
	"gorm.io/gorm"
)

type fakeAllocationService struct {
	summary allocationdomain.RunSummary
	err     error
	lastReq allocationdomain.RunAllocationRequest
	calls   int
}

func (f *fakeAllocationService) RunAllocation(ctx context.Context, req allocationdomain.RunAllocationRequest) (allocationdomain.RunSummary, error) {
	f.calls++
	f.lastReq = req
	_ = ctx
	return f.summary, f.err
}

func (f *fakeAllocationService) ListAllocations(ctx context.Context, plantID snowflake.ID, month string) ([]allocationdomain.Allocation, error) {
	_ = ctx
	_ = plantID
	_ = month
	return nil, nil
}

func (f *fakeAllocationService) ListRuns(ctx context.Context, plantID snowflake.ID) ([]allocationdomain.AllocationRun, error) {
	_ = ctx
	_ = plantID
	return nil, nil
}

type fakeLedgerService struct {
	balance ledgerdomain.BalanceSummary
	err     error
}

func (f *fakeLedgerService) Accumulate(ctx context.Context, subscriberID snowflake.ID, month string, amountKwh float64, reason string) (ledgerdomain.CreditTransaction, error) {
	return ledgerdomain.CreditTransaction{}, f.err
}

func (f *fakeLedgerService) Consume(ctx context.Context, subscriberID snowflake.ID, amountKwh float64, reason string) ([]ledgerdomain.CreditTransaction, error) {
	return nil, f.err
}

func (f *fakeLedgerService) Adjust(ctx context.Context, subscriberID snowflake.ID, month string, amountKwh float64, reason string) (ledgerdomain.CreditTransaction, error) {
	return ledgerdomain.CreditTransaction{}, f.err
}

func (f *fakeLedgerService) GetBalance(ctx context.Context, subscriberID snowflake.ID) (ledgerdomain.BalanceSummary, error) {
	return f.balance, f.err
}

func (f *fakeLedgerService) ListTransactions(ctx context.Context, subscriberID snowflake.ID, req ledgerdomain.ListTransactionsRequest) (ledgerdomain.ListTransactionsResponse, error) {
	return ledgerdomain.ListTransactionsResponse{}, f.err
}

func (f *fakeLedgerService) VerifyLedger(ctx context.Context, subscriberID snowflake.ID) error {
	return f.err
}

func (f *fakeLedgerService) WithLock(ctx context.Context, subscriberID snowflake.ID, fn func(tx *gorm.DB) error) error {
	return fn(nil)
}

func (f *fakeLedgerService) ApplyTx(ctx context.Context, tx *gorm.DB, subscriberID snowflake.ID, month string, amountKwh float64, txType ledgerdomain.TransactionType, reason string) (ledgerdomain.CreditTransaction, error) {
	return ledgerdomain.CreditTransaction{}, f.err
}

func TestRunAllocationHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)

	allocSvc := &fakeAllocationService{
		summary: allocationdomain.RunSummary{
			RunID:        snowflake.ID(7),
			PlantID:      snowflake.ID(3),
			Month:        "2025-06",
			Status:       allocationdomain.RunStatusCompleted,
			AllocatedKwh: 10000,
			Succeeded:    2,
		},
	}
	srv := &Server{allocationSvc: allocSvc}

	router := gin.New()
	router.Use(ErrorHandlingMiddleware())
	router.POST("/admin/allocations/run", srv.RunAllocation)

	body := bytes.NewBufferString(`{"plant_id":"3","month":"2025-06"}`)
	req := httptest.NewRequest(http.MethodPost, "/admin/allocations/run", body)
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, 1, allocSvc.calls)
	assert.Equal(t, snowflake.ID(3), allocSvc.lastReq.PlantID)
	assert.Equal(t, "2025-06", allocSvc.lastReq.Month)
	assert.False(t, allocSvc.lastReq.Rerun)

	var payload struct {
		Data allocationdomain.RunSummary `json:"data"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &payload))
	assert.Equal(t, "2025-06", payload.Data.Month)
	assert.InDelta(t, 10000, payload.Data.AllocatedKwh, 1e-9)
}

func TestRunAllocationHandlerRejectsBadPlantID(t *testing.T) {
	gin.SetMode(gin.TestMode)

	allocSvc := &fakeAllocationService{}
	srv := &Server{allocationSvc: allocSvc}

	router := gin.New()
	router.Use(ErrorHandlingMiddleware())
	router.POST("/admin/allocations/run", srv.RunAllocation)

	body := bytes.NewBufferString(`{"plant_id":"not-a-number","month":"2025-06"}`)
	req := httptest.NewRequest(http.MethodPost, "/admin/allocations/run", body)
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Equal(t, 0, allocSvc.calls)
}

func TestRunAllocationHandlerMapsConflicts(t *testing.T) {
	gin.SetMode(gin.TestMode)

	allocSvc := &fakeAllocationService{err: allocationdomain.ErrDuplicateAllocation}
	srv := &Server{allocationSvc: allocSvc}

	router := gin.New()
	router.Use(ErrorHandlingMiddleware())
	router.POST("/admin/allocations/run", srv.RunAllocation)

	body := bytes.NewBufferString(`{"plant_id":"3","month":"2025-06"}`)
	req := httptest.NewRequest(http.MethodPost, "/admin/allocations/run", body)
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusConflict, resp.Code)

	var payload struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &payload))
	assert.Equal(t, "conflict", payload.Error.Type)
	assert.Equal(t, "duplicate_allocation", payload.Error.Message)
}

func TestGetBalanceHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)

	ledgerSvc := &fakeLedgerService{
		balance: ledgerdomain.BalanceSummary{
			SubscriberID:    snowflake.ID(11),
			TotalBalanceKwh: 420.5,
		},
	}
	srv := &Server{ledgerSvc: ledgerSvc}

	router := gin.New()
	router.Use(ErrorHandlingMiddleware())
	router.GET("/v1/subscribers/:id/balance", srv.GetBalance)

	req := httptest.NewRequest(http.MethodGet, "/v1/subscribers/11/balance", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	require.Equal(t, http.StatusOK, resp.Code)

	var payload struct {
		Data ledgerdomain.BalanceSummary `json:"data"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &payload))
	assert.InDelta(t, 420.5, payload.Data.TotalBalanceKwh, 1e-9)
}

func TestGetBalanceHandlerMapsMissingBalance(t *testing.T) {
	gin.SetMode(gin.TestMode)

	srv := &Server{ledgerSvc: &fakeLedgerService{err: ledgerdomain.ErrBalanceNotFound}}

	router := gin.New()
	router.Use(ErrorHandlingMiddleware())
	router.GET("/v1/subscribers/:id/balance", srv.GetBalance)

	req := httptest.NewRequest(http.MethodGet, "/v1/subscribers/11/balance", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusNotFound, resp.Code)
}
