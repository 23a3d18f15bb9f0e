package database

import "gorm.io/gorm"

// legacyColumn is a NOT NULL column that deployments created before it existed
// lack. AutoMigrate cannot add it to a populated table, so it is added as a
// nullable column and filled in first; AutoMigrate then leaves it in place.
type legacyColumn struct {
	model    interface{}
	field    string
	backfill string
}

type legacyUsageRecord struct {
	TransactionID *string `gorm:"column:transaction_id;size:64"`
	UsedFrom      *string `gorm:"column:used_from;size:16"`
}

func (legacyUsageRecord) TableName() string {
	return "usage_records"
}

type legacyInviteUsage struct {
	Fingerprint *string `gorm:"column:fingerprint;size:64"`
}

func (legacyInviteUsage) TableName() string {
	return "device_invite_usage"
}

var legacyColumns = []legacyColumn{
	{
		model:    &legacyUsageRecord{},
		field:    "TransactionID",
		backfill: "UPDATE usage_records SET transaction_id = 'legacy-' || CAST(id AS TEXT) WHERE transaction_id IS NULL",
	},
	{
		model: &legacyUsageRecord{},
		field: "UsedFrom",
		backfill: `UPDATE usage_records SET used_from = CASE
			WHEN activation_code IS NULL OR activation_code = '' THEN 'free'
			ELSE 'activation' END
		WHERE used_from IS NULL`,
	},
	{
		model:    &legacyInviteUsage{},
		field:    "Fingerprint",
		backfill: "UPDATE device_invite_usage SET fingerprint = '' WHERE fingerprint IS NULL",
	},
}

// upgradeLegacyColumns runs before AutoMigrate. Tables that do not exist yet
// are skipped; AutoMigrate creates them with the full schema.
func upgradeLegacyColumns(db *gorm.DB) error {
	migrator := db.Migrator()
	for _, column := range legacyColumns {
		if !migrator.HasTable(column.model) || migrator.HasColumn(column.model, column.field) {
			continue
		}
		err := db.Transaction(func(tx *gorm.DB) error {
			if err := tx.Migrator().AddColumn(column.model, column.field); err != nil {
				return err
			}
			return tx.Exec(column.backfill).Error
		})
		if err != nil {
			return err
		}
	}
	return nil
}
