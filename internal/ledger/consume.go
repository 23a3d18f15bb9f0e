package ledger

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/entl/backend/internal/devices"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ConsumeRequest describes a single-credit debit.
type ConsumeRequest struct {
	DeviceID    devices.ID
	TextLength  int64
	IPAddress   string
	ClientCount *int64
}

// ConsumeResult reports the pool that was charged and the totals afterwards.
type ConsumeResult struct {
	TransactionID  string
	UsedFrom       Pool
	ActivationCode string
	RemainingCount int64
	Balance        Balance
}

// ConsumeCredit debits exactly one credit, free pool first, then the least
// recently updated activation counter. The debit and its usage record commit
// together. The returned transaction id is the only handle RestoreCredit accepts.
func (s *Service) ConsumeCredit(ctx context.Context, request ConsumeRequest) (ConsumeResult, error) {
	deviceField := zap.String("device_id", request.DeviceID.String())

	transactionID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opConsume, "id_generation_failed", err, deviceField)
		return ConsumeResult{}, newServiceError(opConsume, "id_generation_failed", err)
	}

	var result ConsumeResult
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.ensureFreeBalance(tx, request.DeviceID); err != nil {
			s.logError(opConsume, "seed_failed", err, deviceField)
			return newServiceError(opConsume, "seed_failed", err)
		}

		if request.ClientCount != nil {
			current, err := s.BalanceTx(tx, request.DeviceID)
			if err != nil {
				s.logError(opConsume, "balance_failed", err, deviceField)
				return newServiceError(opConsume, "balance_failed", err)
			}
			if syncErr := CheckSync(request.ClientCount, current.TotalCount, s.syncTolerance); syncErr != nil {
				return syncErr
			}
		}

		nowSeconds := s.clock().UTC().Unix()
		pool, code, err := s.debit(tx, request.DeviceID, nowSeconds)
		if err != nil {
			if errors.Is(err, ErrInsufficientCredits) {
				return err
			}
			s.logError(opConsume, "debit_failed", err, deviceField)
			return newServiceError(opConsume, "debit_failed", err)
		}

		record := UsageRecord{
			TransactionID:    transactionID,
			DeviceID:         request.DeviceID.String(),
			UsedFrom:         pool,
			ActivationCode:   code,
			IPAddress:        request.IPAddress,
			TextLength:       request.TextLength,
			CreatedAtSeconds: nowSeconds,
		}
		if err := tx.Create(&record).Error; err != nil {
			s.logError(opConsume, "usage_insert_failed", err, deviceField)
			return newServiceError(opConsume, "usage_insert_failed", err)
		}

		balance, err := s.BalanceTx(tx, request.DeviceID)
		if err != nil {
			s.logError(opConsume, "balance_failed", err, deviceField)
			return newServiceError(opConsume, "balance_failed", err)
		}

		result = ConsumeResult{
			TransactionID:  transactionID,
			UsedFrom:       pool,
			ActivationCode: code,
			RemainingCount: balance.TotalCount,
			Balance:        balance,
		}
		return nil
	})
	if txErr != nil {
		return ConsumeResult{}, txErr
	}

	s.RefreshCache(ctx, request.DeviceID, result.Balance)
	return result, nil
}

// debit decrements one pool with a conditional update so the remaining count
// can never drop below zero, even when two consumes race on the same row.
func (s *Service) debit(tx *gorm.DB, deviceID devices.ID, nowSeconds int64) (Pool, string, error) {
	freeUpdate := tx.Model(&FreeBalance{}).
		Where("device_id = ? AND remaining_count > 0", deviceID.String()).
		Updates(map[string]interface{}{
			"remaining_count": gorm.Expr("remaining_count - 1"),
			"updated_at":      nowSeconds,
		})
	if freeUpdate.Error != nil {
		return "", "", freeUpdate.Error
	}
	if freeUpdate.RowsAffected == 1 {
		return PoolFree, "", nil
	}

	for attempt := 0; attempt < maxActivationDebitAttempts; attempt++ {
		var candidate ActivationBalance
		err := tx.Where("device_id = ? AND remaining_count > 0", deviceID.String()).
			Order("updated_at ASC").
			Order("id ASC").
			Take(&candidate).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", "", ErrInsufficientCredits
		}
		if err != nil {
			return "", "", err
		}

		activationUpdate := tx.Model(&ActivationBalance{}).
			Where("id = ? AND remaining_count > 0", candidate.ID).
			Updates(map[string]interface{}{
				"remaining_count": gorm.Expr("remaining_count - 1"),
				"updated_at":      nowSeconds,
			})
		if activationUpdate.Error != nil {
			return "", "", activationUpdate.Error
		}
		if activationUpdate.RowsAffected == 1 {
			return PoolActivation, candidate.ActivationCode, nil
		}
	}
	return "", "", errContention
}
