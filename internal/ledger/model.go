package ledger

import (
	"errors"
	"fmt"
	"strings"
)

// Pool identifies which credit pool a consume charged.
type Pool string

const (
	// PoolFree is the per-device free allowance.
	PoolFree Pool = "free"
	// PoolActivation is a per-(device, activation code) counter.
	PoolActivation Pool = "activation"
)

// ErrInvalidPool indicates that a pool name is neither free nor activation.
var ErrInvalidPool = errors.New("ledger: invalid pool")

// ParsePool validates raw input and returns a Pool.
func ParsePool(rawInput string) (Pool, error) {
	switch Pool(strings.ToLower(strings.TrimSpace(rawInput))) {
	case PoolFree:
		return PoolFree, nil
	case PoolActivation:
		return PoolActivation, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPool, rawInput)
	}
}

// FreeBalance is the source-of-truth free credit counter of a device.
type FreeBalance struct {
	DeviceID         string `gorm:"column:device_id;primaryKey;size:190;not null"`
	RemainingCount   int64  `gorm:"column:remaining_count;not null"`
	GrantedCount     int64  `gorm:"column:granted_count;not null;default:0"`
	CreatedAtSeconds int64  `gorm:"column:created_at;not null;default:0"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at;not null"`
}

// TableName exposes the table backing free balances.
func (FreeBalance) TableName() string {
	return "device_free_usage"
}

// ActivationBalance is the remaining-credit counter of one activation code on one device.
type ActivationBalance struct {
	ID               int64  `gorm:"column:id;primaryKey;autoIncrement"`
	DeviceID         string `gorm:"column:device_id;size:190;not null;uniqueIndex:idx_activation_usage_device_code,priority:1"`
	ActivationCode   string `gorm:"column:activation_code;size:64;not null;uniqueIndex:idx_activation_usage_device_code,priority:2"`
	RemainingCount   int64  `gorm:"column:remaining_count;not null"`
	GrantedCount     int64  `gorm:"column:granted_count;not null;default:0"`
	CreatedAtSeconds int64  `gorm:"column:created_at;not null;default:0"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at;not null;index"`
}

// TableName exposes the table backing activation balances.
func (ActivationBalance) TableName() string {
	return "device_activation_usage"
}

// UsageRecord is the append-only audit entry written for every consume.
type UsageRecord struct {
	ID               int64  `gorm:"column:id;primaryKey;autoIncrement"`
	TransactionID    string `gorm:"column:transaction_id;size:64;not null;uniqueIndex"`
	DeviceID         string `gorm:"column:device_id;size:190;not null;index"`
	UsedFrom         Pool   `gorm:"column:used_from;size:16;not null"`
	ActivationCode   string `gorm:"column:activation_code;size:64;index"`
	IPAddress        string `gorm:"column:ip_address;size:64"`
	TextLength       int64  `gorm:"column:text_length;not null"`
	CreatedAtSeconds int64  `gorm:"column:used_at;not null;index"`
}

// TableName exposes the table backing usage records.
func (UsageRecord) TableName() string {
	return "usage_records"
}

// CreditReversal marks a consume transaction as restored.
type CreditReversal struct {
	TransactionID    string `gorm:"column:transaction_id;primaryKey;size:64;not null"`
	DeviceID         string `gorm:"column:device_id;size:190;not null;index"`
	Applied          bool   `gorm:"column:applied;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at;not null"`
}

// TableName exposes the table backing credit reversals.
func (CreditReversal) TableName() string {
	return "credit_reversals"
}

// CreditSnapshot is the advisory per-device aggregate kept in user_credits.
type CreditSnapshot struct {
	DeviceID              string `gorm:"column:device_id;primaryKey;size:190;not null"`
	FreeCredits           int64  `gorm:"column:free_credits;not null"`
	ActivationCredits     int64  `gorm:"column:activation_credits;not null"`
	TotalCredits          int64  `gorm:"column:total_credits;not null"`
	LastVerifiedAtSeconds int64  `gorm:"column:last_verified_at;not null"`
}

// TableName exposes the table backing the credit cache.
func (CreditSnapshot) TableName() string {
	return "user_credits"
}

// Models lists every table owned by the ledger.
func Models() []interface{} {
	return []interface{}{
		&FreeBalance{},
		&ActivationBalance{},
		&UsageRecord{},
		&CreditReversal{},
		&CreditSnapshot{},
	}
}

// Balance is a device's credit totals computed from the source tables.
type Balance struct {
	FreeCount       int64
	ActivationCount int64
	TotalCount      int64
}
