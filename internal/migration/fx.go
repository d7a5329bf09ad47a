package migration

import (
	allocationdomain "github.com/sunpool/sunpool/internal/allocation/domain"
	auditdomain "github.com/sunpool/sunpool/internal/audit/domain"
	billingdomain "github.com/sunpool/sunpool/internal/billing/domain"
	"github.com/sunpool/sunpool/internal/config"
	"github.com/sunpool/sunpool/internal/events"
	ledgerdomain "github.com/sunpool/sunpool/internal/ledger/domain"
	plantdomain "github.com/sunpool/sunpool/internal/plant/domain"
	reconciliationdomain "github.com/sunpool/sunpool/internal/reconciliation/domain"
	subscriberdomain "github.com/sunpool/sunpool/internal/subscriber/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType != "postgres" {
			// Versioned SQL migrations target postgres. Other dialects are
			// for local development and use the model definitions directly.
			return conn.AutoMigrate(
				&plantdomain.Plant{},
				&plantdomain.PlantGeneration{},
				&subscriberdomain.Subscriber{},
				&ledgerdomain.CreditBalance{},
				&ledgerdomain.CreditTransaction{},
				&allocationdomain.AllocationRun{},
				&allocationdomain.Allocation{},
				&billingdomain.Invoice{},
				&reconciliationdomain.ReconciliationReport{},
				&events.OutboxRecord{},
				&auditdomain.AuditLog{},
			)
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}

		return RunMigrations(sqlDB)
	}),
)
