package migration

import (
	adjustmentdomain "github.com/smallbiznis/metersync/internal/adjustment/domain"
	auditdomain "github.com/smallbiznis/metersync/internal/audit/domain"
	"github.com/smallbiznis/metersync/internal/config"
	counterdomain "github.com/smallbiznis/metersync/internal/counter/domain"
	mappingdomain "github.com/smallbiznis/metersync/internal/mapping/domain"
	reconcilerdomain "github.com/smallbiznis/metersync/internal/reconciler/domain"
	usagedomain "github.com/smallbiznis/metersync/internal/usage/domain"
	writerdomain "github.com/smallbiznis/metersync/internal/writer/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType != "postgres" {
			// The embedded SQL targets the postgres driver. Other engines
			// (sqlite for local runs) get the schema from the models.
			return conn.AutoMigrate(
				&usagedomain.UsageEvent{},
				&counterdomain.Counter{},
				&adjustmentdomain.Adjustment{},
				&mappingdomain.PriceMapping{},
				&writerdomain.WriteLog{},
				&reconcilerdomain.ReconciliationReport{},
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
