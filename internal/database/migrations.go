package database

import (
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/fieldroute/internal/visitstate"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationNormalizeVisitStateStatus = "2026-09-01_normalize_visit_state_status"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type dataMigration struct {
	name  string
	apply func(tx *gorm.DB) error
}

// dataMigrations run in order, each at most once, after AutoMigrate has created the schema.
var dataMigrations = []dataMigration{
	{name: migrationNormalizeVisitStateStatus, apply: normalizeVisitStateStatus},
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, migration := range dataMigrations {
		var applied int64
		if err := db.Model(&migrationRecord{}).Where("name = ?", migration.name).Count(&applied).Error; err != nil {
			return fmt.Errorf("check migration %s: %w", migration.name, err)
		}
		if applied > 0 {
			continue
		}

		err := db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: time.Now().UTC().Unix()}).Error
		})
		if err != nil {
			return fmt.Errorf("apply migration %s: %w", migration.name, err)
		}
		logger.Info("database migration applied", zap.String("migration", migration.name))
	}
	return nil
}

// normalizeVisitStateStatus lowercases and trims status values written by older importers.
func normalizeVisitStateStatus(tx *gorm.DB) error {
	return tx.Model(&visitstate.Entry{}).
		Where("status <> LOWER(TRIM(status))").
		Update("status", gorm.Expr("LOWER(TRIM(status))")).Error
}

