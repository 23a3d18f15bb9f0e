package ledger

import (
	"context"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/entl/backend/internal/devices"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RestoreRequest identifies the consume to reverse. UsedFrom and
// ActivationCode are optional cross-checks against the recorded consume.
type RestoreRequest struct {
	DeviceID       devices.ID
	TransactionID  string
	UsedFrom       Pool
	ActivationCode string
}

// RestoreResult reports whether a credit was returned and the totals afterwards.
// Restored is false when the charged pool was already at its ceiling or no longer exists.
type RestoreResult struct {
	Restored       bool
	UsedFrom       Pool
	ActivationCode string
	RemainingCount int64
	Balance        Balance
}

// RestoreCredit reverses one outstanding consume. Each transaction id can be
// reversed at most once; the reversal row and the pool increment commit together.
func (s *Service) RestoreCredit(ctx context.Context, request RestoreRequest) (RestoreResult, error) {
	transactionID := strings.TrimSpace(request.TransactionID)
	fields := []zap.Field{
		zap.String("device_id", request.DeviceID.String()),
		zap.String("transaction_id", transactionID),
	}
	if transactionID == "" {
		return RestoreResult{}, ErrRestoreNotOutstanding
	}

	var result RestoreResult
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record UsageRecord
		err := tx.Where("transaction_id = ? AND device_id = ?", transactionID, request.DeviceID.String()).
			Take(&record).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrRestoreNotOutstanding
		}
		if err != nil {
			s.logError(opRestore, "usage_select_failed", err, fields...)
			return newServiceError(opRestore, "usage_select_failed", err)
		}

		if request.UsedFrom != "" && request.UsedFrom != record.UsedFrom {
			return ErrRestoreMismatch
		}
		if request.ActivationCode != "" && !strings.EqualFold(request.ActivationCode, record.ActivationCode) {
			return ErrRestoreMismatch
		}

		nowSeconds := s.clock().UTC().Unix()
		reversal := CreditReversal{
			TransactionID:    transactionID,
			DeviceID:         request.DeviceID.String(),
			CreatedAtSeconds: nowSeconds,
		}
		claim := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&reversal)
		if claim.Error != nil {
			s.logError(opRestore, "reversal_insert_failed", claim.Error, fields...)
			return newServiceError(opRestore, "reversal_insert_failed", claim.Error)
		}
		if claim.RowsAffected == 0 {
			return ErrRestoreNotOutstanding
		}

		applied, err := s.credit(tx, request.DeviceID, record, nowSeconds)
		if err != nil {
			s.logError(opRestore, "credit_failed", err, fields...)
			return newServiceError(opRestore, "credit_failed", err)
		}
		if applied {
			if err := tx.Model(&CreditReversal{}).
				Where("transaction_id = ?", transactionID).
				Update("applied", true).Error; err != nil {
				s.logError(opRestore, "reversal_update_failed", err, fields...)
				return newServiceError(opRestore, "reversal_update_failed", err)
			}
		}

		balance, err := s.BalanceTx(tx, request.DeviceID)
		if err != nil {
			s.logError(opRestore, "balance_failed", err, fields...)
			return newServiceError(opRestore, "balance_failed", err)
		}
		result = RestoreResult{
			Restored:       applied,
			UsedFrom:       record.UsedFrom,
			ActivationCode: record.ActivationCode,
			RemainingCount: balance.TotalCount,
			Balance:        balance,
		}
		return nil
	})
	if txErr != nil {
		return RestoreResult{}, txErr
	}

	s.RefreshCache(ctx, request.DeviceID, result.Balance)
	return result, nil
}

// credit increments the pool the consume charged, never past what was granted.
// A missing pool row is a no-op.
func (s *Service) credit(tx *gorm.DB, deviceID devices.ID, record UsageRecord, nowSeconds int64) (bool, error) {
	updates := map[string]interface{}{
		"remaining_count": gorm.Expr("remaining_count + 1"),
		"updated_at":      nowSeconds,
	}

	var update *gorm.DB
	switch record.UsedFrom {
	case PoolActivation:
		update = tx.Model(&ActivationBalance{}).
			Where("device_id = ? AND activation_code = ? AND remaining_count < granted_count",
				deviceID.String(), record.ActivationCode).
			Updates(updates)
	default:
		update = tx.Model(&FreeBalance{}).
			Where("device_id = ? AND remaining_count < granted_count", deviceID.String()).
			Updates(updates)
	}
	if update.Error != nil {
		return false, update.Error
	}
	return update.RowsAffected == 1, nil
}
