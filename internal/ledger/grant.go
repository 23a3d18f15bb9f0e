package ledger

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/entl/backend/internal/devices"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// GrantFree adds amount credits to the device's free pool inside tx, seeding
// the pool first when the device has never been seen.
func (s *Service) GrantFree(tx *gorm.DB, deviceID devices.ID, amount int64) error {
	if amount <= 0 {
		return newServiceError(opGrant, "invalid_amount", fmt.Errorf("amount must be positive, got %d", amount))
	}
	if err := s.ensureFreeBalance(tx, deviceID); err != nil {
		s.logError(opGrant, "seed_failed", err, zap.String("device_id", deviceID.String()))
		return newServiceError(opGrant, "seed_failed", err)
	}
	err := tx.Model(&FreeBalance{}).
		Where("device_id = ?", deviceID.String()).
		Updates(map[string]interface{}{
			"remaining_count": gorm.Expr("remaining_count + ?", amount),
			"granted_count":   gorm.Expr("granted_count + ?", amount),
			"updated_at":      s.clock().UTC().Unix(),
		}).Error
	if err != nil {
		s.logError(opGrant, "free_update_failed", err, zap.String("device_id", deviceID.String()))
		return newServiceError(opGrant, "free_update_failed", err)
	}
	return nil
}

// GrantActivation adds amount credits to the device's counter for code inside
// tx and returns the counter's remaining count. Repeated grants stack.
func (s *Service) GrantActivation(tx *gorm.DB, deviceID devices.ID, code string, amount int64) (int64, error) {
	fields := []zap.Field{zap.String("device_id", deviceID.String()), zap.String("activation_code", code)}
	if amount <= 0 {
		return 0, newServiceError(opGrant, "invalid_amount", fmt.Errorf("amount must be positive, got %d", amount))
	}

	nowSeconds := s.clock().UTC().Unix()
	update := tx.Model(&ActivationBalance{}).
		Where("device_id = ? AND activation_code = ?", deviceID.String(), code).
		Updates(map[string]interface{}{
			"remaining_count": gorm.Expr("remaining_count + ?", amount),
			"granted_count":   gorm.Expr("granted_count + ?", amount),
			"updated_at":      nowSeconds,
		})
	if update.Error != nil {
		s.logError(opGrant, "activation_update_failed", update.Error, fields...)
		return 0, newServiceError(opGrant, "activation_update_failed", update.Error)
	}
	if update.RowsAffected == 0 {
		row := ActivationBalance{
			DeviceID:         deviceID.String(),
			ActivationCode:   code,
			RemainingCount:   amount,
			GrantedCount:     amount,
			CreatedAtSeconds: nowSeconds,
			UpdatedAtSeconds: nowSeconds,
		}
		if err := tx.Create(&row).Error; err != nil {
			s.logError(opGrant, "activation_insert_failed", err, fields...)
			return 0, newServiceError(opGrant, "activation_insert_failed", err)
		}
		return row.RemainingCount, nil
	}

	var row ActivationBalance
	if err := tx.Where("device_id = ? AND activation_code = ?", deviceID.String(), code).Take(&row).Error; err != nil {
		s.logError(opGrant, "activation_select_failed", err, fields...)
		return 0, newServiceError(opGrant, "activation_select_failed", err)
	}
	return row.RemainingCount, nil
}
