package invite

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/entl/backend/internal/dberrors"
	"github.com/MarcoPoloResearchLab/entl/backend/internal/devices"
	"github.com/MarcoPoloResearchLab/entl/backend/internal/ledger"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// DefaultReward is granted to both the redeemer and the creator.
	DefaultReward = 3

	codeTokenLength     = 8
	maxGenerateAttempts = 5
)

var (
	// ErrCodeNotFound is returned when an invite code does not exist.
	ErrCodeNotFound = errors.New("invite: code not found")
	// ErrSelfInvite is returned when a device redeems its own code.
	ErrSelfInvite = errors.New("invite: cannot redeem own invite code")
	// ErrFingerprintCollision is returned when another device with the same fingerprint already redeemed the code.
	ErrFingerprintCollision = errors.New("invite: fingerprint already redeemed this code")
	// ErrAlreadyUsed is returned when the device already redeemed the code.
	ErrAlreadyUsed = errors.New("invite: code already used by this device")

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
	opServiceNew  = "invite.service.new"
	opGenerate    = "invite.generate"
	opRedeem      = "invite.redeem"
	opCreatorGift = "invite.reward_creator"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// TokenSource returns the random part of a new invite code.
type TokenSource func() (string, error)

// UUIDTokenSource takes the first eight hex digits of a random UUID.
func UUIDTokenSource() (string, error) {
	value, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	hexDigits := strings.ReplaceAll(value.String(), "-", "")
	return strings.ToUpper(hexDigits[:codeTokenLength]), nil
}

type ServiceConfig struct {
	Database    *gorm.DB
	Ledger      *ledger.Service
	Clock       func() time.Time
	Logger      *zap.Logger
	Reward      int64
	TokenSource TokenSource
}

// Service issues and redeems invite codes.
type Service struct {
	db     *gorm.DB
	ledger *ledger.Service
	clock  func() time.Time
	logger *zap.Logger
	reward int64
	tokens TokenSource
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
	reward := cfg.Reward
	if reward <= 0 {
		reward = DefaultReward
	}
	tokens := cfg.TokenSource
	if tokens == nil {
		tokens = UUIDTokenSource
	}
	return &Service{
		db:     cfg.Database,
		ledger: cfg.Ledger,
		clock:  clock,
		logger: logger,
		reward: reward,
		tokens: tokens,
	}, nil
}

// Reward returns the per-party credit reward.
func (s *Service) Reward() int64 {
	return s.reward
}

type GenerateRequest struct {
	DeviceID  devices.ID
	IPAddress string
}

// Generate issues a new code owned by the calling device.
func (s *Service) Generate(ctx context.Context, request GenerateRequest) (Code, error) {
	fields := []zap.Field{zap.String("device_id", request.DeviceID.String())}
	for attempt := 0; attempt < maxGenerateAttempts; attempt++ {
		token, err := s.tokens()
		if err != nil {
			s.logError(opGenerate, "token_failed", err, fields...)
			return Code{}, newServiceError(opGenerate, "token_failed", err)
		}
		code := Code{
			Code:             CodePrefix + strings.ToUpper(token),
			CreatorDeviceID:  request.DeviceID.String(),
			CreatorIP:        request.IPAddress,
			CreatedAtSeconds: s.clock().UTC().Unix(),
		}
		err = s.db.WithContext(ctx).Create(&code).Error
		if err == nil {
			return code, nil
		}
		if !dberrors.IsConstraintViolation(err) {
			s.logError(opGenerate, "insert_failed", err, fields...)
			return Code{}, newServiceError(opGenerate, "insert_failed", err)
		}
	}
	err := errors.New("no unique invite code after retries")
	s.logError(opGenerate, "exhausted", err, fields...)
	return Code{}, newServiceError(opGenerate, "exhausted", err)
}

type RedeemRequest struct {
	DeviceID    devices.ID
	Code        string
	Fingerprint string
	IPAddress   string
}

type RedeemResult struct {
	Code            string
	RewardCount     int64
	Balance         ledger.Balance
	CreatorDeviceID devices.ID
	CreatorRewarded bool
	CreatorBalance  ledger.Balance
}

// Redeem records the redemption and rewards the redeemer in one transaction,
// then rewards the creator separately. A failed creator reward is logged and
// reported through CreatorRewarded; it does not undo the redeemer's reward.
func (s *Service) Redeem(ctx context.Context, request RedeemRequest) (RedeemResult, error) {
	normalized := NormalizeCode(request.Code)
	fields := []zap.Field{
		zap.String("device_id", request.DeviceID.String()),
		zap.String("invite_code", normalized),
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

		if code.CreatorDeviceID == request.DeviceID.String() {
			return ErrSelfInvite
		}

		var collisions int64
		if err := tx.Model(&Usage{}).
			Where("invite_code = ? AND fingerprint = ? AND device_id <> ?", code.Code, request.Fingerprint, request.DeviceID.String()).
			Count(&collisions).Error; err != nil {
			s.logError(opRedeem, "collision_check_failed", err, fields...)
			return newServiceError(opRedeem, "collision_check_failed", err)
		}
		if collisions > 0 {
			return ErrFingerprintCollision
		}

		var previous int64
		if err := tx.Model(&Usage{}).
			Where("invite_code = ? AND device_id = ?", code.Code, request.DeviceID.String()).
			Count(&previous).Error; err != nil {
			s.logError(opRedeem, "usage_check_failed", err, fields...)
			return newServiceError(opRedeem, "usage_check_failed", err)
		}
		if previous > 0 {
			return ErrAlreadyUsed
		}

		usage := Usage{
			DeviceID:      request.DeviceID.String(),
			InviteCode:    code.Code,
			Fingerprint:   request.Fingerprint,
			IPAddress:     request.IPAddress,
			UsedAtSeconds: s.clock().UTC().Unix(),
		}
		if err := tx.Create(&usage).Error; err != nil {
			if dberrors.IsConstraintViolation(err) {
				return ErrAlreadyUsed
			}
			s.logError(opRedeem, "usage_insert_failed", err, fields...)
			return newServiceError(opRedeem, "usage_insert_failed", err)
		}
		if err := tx.Model(&Code{}).
			Where("code = ?", code.Code).
			Update("used_count", gorm.Expr("used_count + 1")).Error; err != nil {
			s.logError(opRedeem, "counter_update_failed", err, fields...)
			return newServiceError(opRedeem, "counter_update_failed", err)
		}

		if err := s.ledger.GrantFree(tx, request.DeviceID, s.reward); err != nil {
			return err
		}
		balance, err := s.ledger.BalanceTx(tx, request.DeviceID)
		if err != nil {
			s.logError(opRedeem, "balance_failed", err, fields...)
			return newServiceError(opRedeem, "balance_failed", err)
		}

		result = RedeemResult{
			Code:            code.Code,
			RewardCount:     s.reward,
			Balance:         balance,
			CreatorDeviceID: devices.ID(code.CreatorDeviceID),
		}
		return nil
	})
	if txErr != nil {
		return RedeemResult{}, txErr
	}
	s.ledger.RefreshCache(ctx, request.DeviceID, result.Balance)

	creatorBalance, err := s.rewardCreator(ctx, result.CreatorDeviceID)
	if err != nil {
		s.logError(opCreatorGift, "grant_failed", err,
			zap.String("invite_code", result.Code),
			zap.String("creator_device_id", result.CreatorDeviceID.String()))
		return result, nil
	}
	result.CreatorRewarded = true
	result.CreatorBalance = creatorBalance
	s.ledger.RefreshCache(ctx, result.CreatorDeviceID, creatorBalance)
	return result, nil
}

func (s *Service) rewardCreator(ctx context.Context, creatorID devices.ID) (ledger.Balance, error) {
	var balance ledger.Balance
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.ledger.GrantFree(tx, creatorID, s.reward); err != nil {
			return err
		}
		computed, err := s.ledger.BalanceTx(tx, creatorID)
		if err != nil {
			return err
		}
		balance = computed
		return nil
	})
	return balance, err
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
	s.logger.Error("invite service error", attrs...)
}
