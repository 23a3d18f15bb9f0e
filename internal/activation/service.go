package activation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/MarcoPoloResearchLab/entl/backend/internal/dberrors"
	"github.com/MarcoPoloResearchLab/entl/backend/internal/devices"
	"github.com/MarcoPoloResearchLab/entl/backend/internal/ledger"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	// MaxBatchSize caps how many codes one admin request may create.
	MaxBatchSize = 100

	maxGenerateAttempts = 10
)

var (
	// ErrCodeNotFound is returned when an activation code does not exist.
	ErrCodeNotFound = errors.New("activation: code not found")
	// ErrInvalidInitialCount indicates that a code would grant no credits.
	ErrInvalidInitialCount = errors.New("activation: initial count must be positive")

	errMissingDatabase = errors.New("database handle is required")
	errMissingLedger   = errors.New("ledger service is required")
	noOpLogger         = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "activation.service.new"
	opRedeem     = "activation.redeem"
	opAudit      = "activation.audit"
	opCreate     = "activation.create_codes"
	opList       = "activation.list_codes"
	opDelete     = "activation.delete_code"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

type ServiceConfig struct {
	Database *gorm.DB
	Ledger   *ledger.Service
	Clock    func() time.Time
	Logger   *zap.Logger
	Random   io.Reader
}

// Service issues and redeems activation codes.
type Service struct {
	db        *gorm.DB
	ledger    *ledger.Service
	clock     func() time.Time
	logger    *zap.Logger
	generator *Generator
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Ledger == nil {
		return nil, newServiceError(opServiceNew, "missing_ledger", errMissingLedger)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:        cfg.Database,
		ledger:    cfg.Ledger,
		clock:     clock,
		logger:    logger,
		generator: NewGenerator(cfg.Random),
	}, nil
}

type RedeemRequest struct {
	DeviceID  devices.ID
	Code      string
	IPAddress string
}

type RedeemResult struct {
	Code                string
	Type                CodeType
	CreditsAdded        int64
	RemainingCount      int64
	TotalRemainingCount int64
	IsNewActivation     bool
	Balance             ledger.Balance
}

// Redeem grants the code's initial count to the device. Redeeming the same
// code again stacks another initial count onto the device's counter.
func (s *Service) Redeem(ctx context.Context, request RedeemRequest) (RedeemResult, error) {
	normalized := NormalizeCode(request.Code)
	fields := []zap.Field{
		zap.String("device_id", request.DeviceID.String()),
		zap.String("activation_code", normalized),
	}
	if normalized == "" {
		return RedeemResult{}, ErrCodeNotFound
	}

	var result RedeemResult
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var code Code
		err := tx.Where("code = ?", normalized).Take(&code).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrCodeNotFound
		}
		if err != nil {
			s.logError(opRedeem, "code_select_failed", err, fields...)
			return newServiceError(opRedeem, "code_select_failed", err)
		}

		activation := DeviceActivation{
			DeviceID:           request.DeviceID.String(),
			ActivationCode:     code.Code,
			ActivatedAtSeconds: s.clock().UTC().Unix(),
		}
		claim := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&activation)
		if claim.Error != nil {
			s.logError(opRedeem, "activation_insert_failed", claim.Error, fields...)
			return newServiceError(opRedeem, "activation_insert_failed", claim.Error)
		}

		if err := s.ledger.SeedTx(tx, request.DeviceID); err != nil {
			s.logError(opRedeem, "seed_failed", err, fields...)
			return newServiceError(opRedeem, "seed_failed", err)
		}
		remaining, err := s.ledger.GrantActivation(tx, request.DeviceID, code.Code, code.InitialCount)
		if err != nil {
			return err
		}
		balance, err := s.ledger.BalanceTx(tx, request.DeviceID)
		if err != nil {
			s.logError(opRedeem, "balance_failed", err, fields...)
			return newServiceError(opRedeem, "balance_failed", err)
		}

		result = RedeemResult{
			Code:                code.Code,
			Type:                code.Type,
			CreditsAdded:        code.InitialCount,
			RemainingCount:      remaining,
			TotalRemainingCount: balance.TotalCount,
			IsNewActivation:     claim.RowsAffected == 1,
			Balance:             balance,
		}
		return nil
	})
	if txErr != nil {
		return RedeemResult{}, txErr
	}

	s.recordRedemption(ctx, request, result)
	s.ledger.RefreshCache(ctx, request.DeviceID, result.Balance)
	return result, nil
}

// recordRedemption writes the audit row after the grant committed. Older
// deployments may lack the table; that case is skipped without a warning.
func (s *Service) recordRedemption(ctx context.Context, request RedeemRequest, result RedeemResult) {
	record := Redemption{
		DeviceID:        request.DeviceID.String(),
		ActivationCode:  result.Code,
		CreditsAdded:    result.CreditsAdded,
		IsNewActivation: result.IsNewActivation,
		IPAddress:       request.IPAddress,
		Metadata: datatypes.JSONMap{
			"type":            string(result.Type),
			"remaining_count": result.RemainingCount,
			"total_remaining": result.TotalRemainingCount,
		},
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	err := s.db.WithContext(ctx).Create(&record).Error
	switch kind := dberrors.Classify(err); kind {
	case dberrors.KindNone:
	case dberrors.KindSchemaMissing:
		s.logger.Debug("activation audit table unavailable", zap.String("operation", opAudit))
	default:
		s.logger.Warn("activation audit insert failed",
			zap.String("operation", opAudit),
			zap.String("kind", string(kind)),
			zap.String("device_id", request.DeviceID.String()),
			zap.String("activation_code", result.Code),
			zap.Error(err))
	}
}

type CreateRequest struct {
	Type         CodeType
	InitialCount int64
	Count        int
}

// CreateCodes mints Count codes, clamped to [1, MaxBatchSize].
func (s *Service) CreateCodes(ctx context.Context, request CreateRequest) ([]Code, error) {
	if _, err := ParseCodeType(string(request.Type)); err != nil {
		return nil, err
	}
	if request.InitialCount <= 0 {
		return nil, ErrInvalidInitialCount
	}
	count := request.Count
	if count < 1 {
		count = 1
	}
	if count > MaxBatchSize {
		count = MaxBatchSize
	}

	created := make([]Code, 0, count)
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := 0; i < count; i++ {
			code, err := s.CreateCodeTx(tx, request.Type, request.InitialCount)
			if err != nil {
				return err
			}
			created = append(created, code)
		}
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	return created, nil
}

// CreateCodeTx mints and stores one code inside tx.
func (s *Service) CreateCodeTx(tx *gorm.DB, codeType CodeType, initialCount int64) (Code, error) {
	value, err := s.uniqueCode(tx)
	if err != nil {
		if !errors.Is(err, ErrCodeSpaceExhausted) {
			s.logError(opCreate, "generate_failed", err)
		}
		return Code{}, err
	}
	code := Code{
		Code:             value,
		Type:             codeType,
		InitialCount:     initialCount,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := tx.Create(&code).Error; err != nil {
		s.logError(opCreate, "insert_failed", err, zap.String("activation_code", value))
		return Code{}, newServiceError(opCreate, "insert_failed", err)
	}
	return code, nil
}

func (s *Service) uniqueCode(tx *gorm.DB) (string, error) {
	for attempt := 0; attempt < maxGenerateAttempts; attempt++ {
		candidate, err := s.generator.Next()
		if err != nil {
			return "", err
		}
		var existing int64
		if err := tx.Model(&Code{}).Where("code = ?", candidate).Count(&existing).Error; err != nil {
			return "", err
		}
		if existing == 0 {
			return candidate, nil
		}
	}
	return "", ErrCodeSpaceExhausted
}

// CodeSummary is an activation code with its usage rolled up.
type CodeSummary struct {
	Code
	DeviceCount    int64
	UsageCount     int64
	RemainingCount int64
}

type codeTotal struct {
	Code  string
	Total int64
}

// ListCodes returns every code, newest first, with device, usage and remaining totals.
func (s *Service) ListCodes(ctx context.Context) ([]CodeSummary, error) {
	db := s.db.WithContext(ctx)

	var codes []Code
	if err := db.Order("created_at DESC").Order("code ASC").Find(&codes).Error; err != nil {
		s.logError(opList, "query_failed", err)
		return nil, newServiceError(opList, "query_failed", err)
	}

	deviceCounts, err := s.totals(db.Model(&DeviceActivation{}).
		Select("activation_code AS code, COUNT(*) AS total").
		Group("activation_code"))
	if err != nil {
		return nil, err
	}
	usageCounts, err := s.totals(db.Model(&ledger.UsageRecord{}).
		Select("activation_code AS code, COUNT(*) AS total").
		Where("activation_code <> ''").
		Group("activation_code"))
	if err != nil {
		return nil, err
	}
	remaining, err := s.totals(db.Model(&ledger.ActivationBalance{}).
		Select("activation_code AS code, COALESCE(SUM(remaining_count), 0) AS total").
		Group("activation_code"))
	if err != nil {
		return nil, err
	}

	summaries := make([]CodeSummary, 0, len(codes))
	for _, code := range codes {
		summaries = append(summaries, CodeSummary{
			Code:           code,
			DeviceCount:    deviceCounts[code.Code],
			UsageCount:     usageCounts[code.Code],
			RemainingCount: remaining[code.Code],
		})
	}
	return summaries, nil
}

func (s *Service) totals(query *gorm.DB) (map[string]int64, error) {
	var rows []codeTotal
	if err := query.Scan(&rows).Error; err != nil {
		s.logError(opList, "aggregate_failed", err)
		return nil, newServiceError(opList, "aggregate_failed", err)
	}
	result := make(map[string]int64, len(rows))
	for _, row := range rows {
		result[row.Code] = row.Total
	}
	return result, nil
}

// DeleteCode removes a code. Credits already granted from it stay with the devices.
func (s *Service) DeleteCode(ctx context.Context, rawCode string) error {
	normalized := NormalizeCode(rawCode)
	if normalized == "" {
		return ErrCodeNotFound
	}
	deletion := s.db.WithContext(ctx).Where("code = ?", normalized).Delete(&Code{})
	if deletion.Error != nil {
		s.logError(opDelete, "delete_failed", deletion.Error, zap.String("activation_code", normalized))
		return newServiceError(opDelete, "delete_failed", deletion.Error)
	}
	if deletion.RowsAffected == 0 {
		return ErrCodeNotFound
	}
	return nil
}

// Lookup returns a single code.
func (s *Service) Lookup(ctx context.Context, rawCode string) (Code, error) {
	var code Code
	err := s.db.WithContext(ctx).Where("code = ?", NormalizeCode(rawCode)).Take(&code).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Code{}, ErrCodeNotFound
	}
	return code, err
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("activation service error", attrs...)
}
