package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationRepairInviteUsedCount  = "2026-10-01_repair_invite_used_count"
	migrationClampNegativeBalances  = "2026-10-01_clamp_negative_balances"
	migrationBackfillGrantedCeiling = "2026-10-08_backfill_granted_ceiling"
	migrationBackfillCreatedAt      = "2026-10-15_backfill_balance_created_at"
)

// Migrations run in order, once each, after AutoMigrate.
var migrations = []migrationDefinition{
	{name: migrationRepairInviteUsedCount, apply: repairInviteUsedCount},
	{name: migrationClampNegativeBalances, apply: clampNegativeBalances},
	{name: migrationBackfillGrantedCeiling, apply: backfillGrantedCeiling},
	{name: migrationBackfillCreatedAt, apply: backfillCreatedAt},
}

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// repairInviteUsedCount makes used_count equal the number of recorded redemptions.
func repairInviteUsedCount(db *gorm.DB) error {
	return db.Exec(`UPDATE invite_codes SET used_count = (
		SELECT COUNT(*) FROM device_invite_usage WHERE device_invite_usage.invite_code = invite_codes.code
	) WHERE used_count <> (
		SELECT COUNT(*) FROM device_invite_usage WHERE device_invite_usage.invite_code = invite_codes.code
	)`).Error
}

func clampNegativeBalances(db *gorm.DB) error {
	if err := db.Exec("UPDATE device_free_usage SET remaining_count = 0 WHERE remaining_count < 0").Error; err != nil {
		return err
	}
	return db.Exec("UPDATE device_activation_usage SET remaining_count = 0 WHERE remaining_count < 0").Error
}

// backfillGrantedCeiling keeps restores possible on rows written before
// granted_count existed: the ceiling is never below the remaining count.
func backfillGrantedCeiling(db *gorm.DB) error {
	for _, table := range []string{"device_free_usage", "device_activation_usage"} {
		err := db.Exec("UPDATE " + table + " SET granted_count = remaining_count WHERE granted_count < remaining_count").Error
		if err != nil {
			return err
		}
	}
	return nil
}

func backfillCreatedAt(db *gorm.DB) error {
	for _, table := range []string{"device_free_usage", "device_activation_usage"} {
		err := db.Exec("UPDATE " + table + " SET created_at = updated_at WHERE created_at = 0").Error
		if err != nil {
			return err
		}
	}
	return nil
}
