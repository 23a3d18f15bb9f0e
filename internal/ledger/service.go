package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/entl/backend/internal/devices"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	// DefaultFreeSeed is the free allowance of a device seen for the first time.
	DefaultFreeSeed = 3
	// DefaultSyncTolerance is the largest accepted gap between a client's cached total and the server total.
	DefaultSyncTolerance = 1

	maxActivationDebitAttempts = 5
)

var (
	// ErrInsufficientCredits is returned by ConsumeCredit when every pool is empty.
	ErrInsufficientCredits = errors.New("ledger: insufficient credits")
	// ErrRestoreNotOutstanding is returned by RestoreCredit when the transaction
	// is unknown for the device or was already reversed.
	ErrRestoreNotOutstanding = errors.New("ledger: no outstanding consume for transaction")
	// ErrRestoreMismatch is returned when the caller's pool or code disagrees with the recorded consume.
	ErrRestoreMismatch = errors.New("ledger: restore does not match recorded consume")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errContention        = errors.New("activation pool changed concurrently")
	noOpLogger           = zap.NewNop()
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
	opServiceNew = "ledger.service.new"
	opCheck      = "ledger.check_balance"
	opConsume    = "ledger.consume_credit"
	opRestore    = "ledger.restore_credit"
	opGrant      = "ledger.grant"
	opCache      = "ledger.refresh_cache"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// SyncError reports that a client's cached total diverged from the server total.
type SyncError struct {
	ClientCount int64
	ServerCount int64
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("ledger: client count %d diverges from server count %d", e.ClientCount, e.ServerCount)
}

// CheckSync compares an optional client-cached total against the server total.
// It returns nil when no client value was supplied or the gap is within tolerance.
func CheckSync(clientCount *int64, serverCount, tolerance int64) *SyncError {
	if clientCount == nil {
		return nil
	}
	difference := *clientCount - serverCount
	if difference < 0 {
		difference = -difference
	}
	if difference > tolerance {
		return &SyncError{ClientCount: *clientCount, ServerCount: serverCount}
	}
	return nil
}

type IDProvider interface {
	NewID() (string, error)
}

type ServiceConfig struct {
	Database      *gorm.DB
	Clock         func() time.Time
	IDProvider    IDProvider
	Logger        *zap.Logger
	FreeSeed      int64
	// SyncTolerance is the accepted client/server gap. Zero is strict; a
	// negative value selects DefaultSyncTolerance.
	SyncTolerance int64
}

// Service is the credit ledger. All state lives in the database; the service
// holds no per-device memory between calls.
type Service struct {
	db            *gorm.DB
	clock         func() time.Time
	idProvider    IDProvider
	logger        *zap.Logger
	freeSeed      int64
	syncTolerance int64
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	freeSeed := cfg.FreeSeed
	if freeSeed <= 0 {
		freeSeed = DefaultFreeSeed
	}
	tolerance := cfg.SyncTolerance
	if tolerance < 0 {
		tolerance = DefaultSyncTolerance
	}

	return &Service{
		db:            cfg.Database,
		clock:         clock,
		idProvider:    cfg.IDProvider,
		logger:        logger,
		freeSeed:      freeSeed,
		syncTolerance: tolerance,
	}, nil
}

// SyncTolerance returns the configured client/server divergence tolerance.
func (s *Service) SyncTolerance() int64 {
	return s.syncTolerance
}

// CheckBalance returns the device's totals, seeding its free balance on first contact.
func (s *Service) CheckBalance(ctx context.Context, deviceID devices.ID) (Balance, error) {
	var balance Balance
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.ensureFreeBalance(tx, deviceID); err != nil {
			s.logError(opCheck, "seed_failed", err, zap.String("device_id", deviceID.String()))
			return newServiceError(opCheck, "seed_failed", err)
		}
		computed, err := s.BalanceTx(tx, deviceID)
		if err != nil {
			s.logError(opCheck, "balance_failed", err, zap.String("device_id", deviceID.String()))
			return newServiceError(opCheck, "balance_failed", err)
		}
		balance = computed
		return nil
	})
	if err != nil {
		return Balance{}, err
	}

	s.RefreshCache(ctx, deviceID, balance)
	return balance, nil
}

// BalanceTx computes the device's totals from the source tables inside tx.
func (s *Service) BalanceTx(tx *gorm.DB, deviceID devices.ID) (Balance, error) {
	var free FreeBalance
	err := tx.Where("device_id = ?", deviceID.String()).Take(&free).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return Balance{}, err
	}

	var activation int64
	if err := tx.Model(&ActivationBalance{}).
		Where("device_id = ? AND remaining_count > 0", deviceID.String()).
		Select("COALESCE(SUM(remaining_count), 0)").
		Scan(&activation).Error; err != nil {
		return Balance{}, err
	}

	freeCount := free.RemainingCount
	if freeCount < 0 {
		freeCount = 0
	}
	return Balance{
		FreeCount:       freeCount,
		ActivationCount: activation,
		TotalCount:      freeCount + activation,
	}, nil
}

// RefreshCache writes balance into user_credits. Failures are logged only;
// the cache is never read for a decision.
func (s *Service) RefreshCache(ctx context.Context, deviceID devices.ID, balance Balance) {
	snapshot := CreditSnapshot{
		DeviceID:              deviceID.String(),
		FreeCredits:           balance.FreeCount,
		ActivationCredits:     balance.ActivationCount,
		TotalCredits:          balance.TotalCount,
		LastVerifiedAtSeconds: s.clock().UTC().Unix(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "device_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"free_credits", "activation_credits", "total_credits", "last_verified_at"}),
	}).Create(&snapshot).Error
	if err != nil {
		s.loggerOrDefault().Warn("credit cache refresh failed",
			zap.String("operation", opCache),
			zap.String("device_id", deviceID.String()),
			zap.Error(err))
	}
}

func (s *Service) ensureFreeBalance(tx *gorm.DB, deviceID devices.ID) error {
	nowSeconds := s.clock().UTC().Unix()
	seed := FreeBalance{
		DeviceID:         deviceID.String(),
		RemainingCount:   s.freeSeed,
		GrantedCount:     s.freeSeed,
		CreatedAtSeconds: nowSeconds,
		UpdatedAtSeconds: nowSeconds,
	}
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
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
	s.loggerOrDefault().Error("ledger service error", attrs...)
}

// SeedTx creates the device's free balance inside tx when it does not exist yet.
func (s *Service) SeedTx(tx *gorm.DB, deviceID devices.ID) error {
	return s.ensureFreeBalance(tx, deviceID)
}
