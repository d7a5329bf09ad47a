// Package server exposes the HTTP surface: admin operations for allocation,
// billing and batch jobs plus read endpoints for balances and reports.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sunpool/sunpool/internal/allocation"
	allocationdomain "github.com/sunpool/sunpool/internal/allocation/domain"
	"github.com/sunpool/sunpool/internal/audit"
	auditdomain "github.com/sunpool/sunpool/internal/audit/domain"
	"github.com/sunpool/sunpool/internal/billing"
	billingdomain "github.com/sunpool/sunpool/internal/billing/domain"
	"github.com/sunpool/sunpool/internal/clock"
	"github.com/sunpool/sunpool/internal/config"
	"github.com/sunpool/sunpool/internal/events"
	"github.com/sunpool/sunpool/internal/expiration"
	expirationdomain "github.com/sunpool/sunpool/internal/expiration/domain"
	"github.com/sunpool/sunpool/internal/ledger"
	ledgerdomain "github.com/sunpool/sunpool/internal/ledger/domain"
	"github.com/sunpool/sunpool/internal/observability"
	obsmiddleware "github.com/sunpool/sunpool/internal/observability/logger"
	"github.com/sunpool/sunpool/internal/plant"
	plantdomain "github.com/sunpool/sunpool/internal/plant/domain"
	"github.com/sunpool/sunpool/internal/reconciliation"
	reconciliationdomain "github.com/sunpool/sunpool/internal/reconciliation/domain"
	"github.com/sunpool/sunpool/internal/subscriber"
	subscriberdomain "github.com/sunpool/sunpool/internal/subscriber/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	audit.Module,
	events.Module,
	plant.Module,
	subscriber.Module,
	ledger.Module,
	allocation.Module,
	expiration.Module,
	billing.Module,
	reconciliation.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Log:             log,
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func classifyErrorForLog(err error) string {
	switch {
	case err == nil:
		return "none"
	case asValidationErrors(err) != nil, isValidationError(err):
		return "validation"
	case isNotFoundError(err):
		return "not_found"
	case isConflictError(err):
		return "conflict"
	default:
		return "internal"
	}
}

func registerGin(obsCfg observability.Config, log *zap.Logger) *gin.Engine {
	return NewEngine(obsCfg, log)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine            *gin.Engine
	clock             clock.Clock
	auditSvc          auditdomain.Service
	plantSvc          plantdomain.Service
	subscriberSvc     subscriberdomain.Service
	allocationSvc     allocationdomain.Service
	ledgerSvc         ledgerdomain.Service
	expirationSvc     expirationdomain.Service
	billingSvc        billingdomain.Service
	reconciliationSvc reconciliationdomain.Service
}

type ServerParams struct {
	fx.In

	Gin               *gin.Engine
	Clock             clock.Clock
	AuditSvc          auditdomain.Service
	PlantSvc          plantdomain.Service
	SubscriberSvc     subscriberdomain.Service
	AllocationSvc     allocationdomain.Service
	LedgerSvc         ledgerdomain.Service
	ExpirationSvc     expirationdomain.Service
	BillingSvc        billingdomain.Service
	ReconciliationSvc reconciliationdomain.Service
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:            p.Gin,
		clock:             p.Clock,
		auditSvc:          p.AuditSvc,
		plantSvc:          p.PlantSvc,
		subscriberSvc:     p.SubscriberSvc,
		allocationSvc:     p.AllocationSvc,
		ledgerSvc:         p.LedgerSvc,
		expirationSvc:     p.ExpirationSvc,
		billingSvc:        p.BillingSvc,
		reconciliationSvc: p.ReconciliationSvc,
	}

	svc.registerQueryRoutes()
	svc.registerAdminRoutes()

	return svc
}

func (s *Server) registerQueryRoutes() {
	v1 := s.engine.Group("/v1")

	v1.GET("/plants", s.ListPlants)
	v1.GET("/plants/:id", s.GetPlant)
	v1.GET("/plants/:id/generation/:month", s.GetGeneration)
	v1.GET("/plants/:id/allocations", s.ListAllocations)
	v1.GET("/plants/:id/allocations/runs", s.ListAllocationRuns)
	v1.GET("/plants/:id/reconciliations", s.ListReconciliationReports)

	v1.GET("/subscribers", s.ListSubscribers)
	v1.GET("/subscribers/:id", s.GetSubscriber)
	v1.GET("/subscribers/:id/balance", s.GetBalance)
	v1.GET("/subscribers/:id/transactions", s.ListTransactions)
	v1.GET("/subscribers/:id/invoices", s.ListSubscriberInvoices)
	v1.GET("/subscribers/:id/invoices/:month", s.GetInvoice)

	v1.GET("/credits/expiring", s.ListExpiringCredits)
	v1.GET("/invoices", s.ListInvoices)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/admin")

	admin.POST("/plants", s.CreatePlant)
	admin.PUT("/plants/:id/generation", s.SetGeneration)

	admin.POST("/subscribers", s.CreateSubscriber)
	admin.PATCH("/subscribers/:id/status", s.UpdateSubscriberStatus)

	admin.POST("/allocations/run", s.RunAllocation)

	admin.POST("/ledger/consume", s.ConsumeCredits)
	admin.POST("/ledger/adjust", s.AdjustCredits)
	admin.GET("/ledger/:id/verify", s.VerifyLedger)

	admin.POST("/expirations/sweep", s.SweepExpirations)

	admin.POST("/invoices/generate", s.GenerateInvoices)
	admin.POST("/invoices/:id/pay", s.MarkInvoicePaid)
	admin.POST("/invoices/overdue", s.MarkInvoicesOverdue)

	admin.POST("/reconciliations/run", s.RunReconciliation)

	admin.GET("/audit-logs", s.ListAuditLogs)
}
