package activation

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/datatypes"
)

// CodeType distinguishes complimentary codes from purchased ones.
type CodeType string

const (
	CodeTypeFree CodeType = "free"
	CodeTypePaid CodeType = "paid"
)

// ErrInvalidCodeType indicates that a code type is neither free nor paid.
var ErrInvalidCodeType = errors.New("activation: invalid code type")

// ParseCodeType validates raw input and returns a CodeType.
func ParseCodeType(rawInput string) (CodeType, error) {
	switch CodeType(strings.ToLower(strings.TrimSpace(rawInput))) {
	case CodeTypeFree:
		return CodeTypeFree, nil
	case CodeTypePaid:
		return CodeTypePaid, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidCodeType, rawInput)
	}
}

// NormalizeCode canonicalizes user-typed input for lookup.
func NormalizeCode(rawInput string) string {
	return strings.ToUpper(strings.TrimSpace(rawInput))
}

// Code is an admin-issued activation code.
type Code struct {
	Code             string   `gorm:"column:code;primaryKey;size:64;not null"`
	Type             CodeType `gorm:"column:type;size:16;not null;index"`
	InitialCount     int64    `gorm:"column:initial_count;not null"`
	CreatedAtSeconds int64    `gorm:"column:created_at;not null;index"`
}

// TableName exposes the table backing activation codes.
func (Code) TableName() string {
	return "activation_codes"
}

// DeviceActivation records that a device redeemed a code at least once.
type DeviceActivation struct {
	DeviceID           string `gorm:"column:device_id;primaryKey;size:190;not null"`
	ActivationCode     string `gorm:"column:activation_code;primaryKey;size:64;not null;index"`
	ActivatedAtSeconds int64  `gorm:"column:activated_at;not null"`
}

// TableName exposes the table backing device activations.
func (DeviceActivation) TableName() string {
	return "device_activations"
}

// Redemption is the audit detail written after every successful redemption.
type Redemption struct {
	ID               int64             `gorm:"column:id;primaryKey;autoIncrement"`
	DeviceID         string            `gorm:"column:device_id;size:190;not null;index"`
	ActivationCode   string            `gorm:"column:activation_code;size:64;not null;index"`
	CreditsAdded     int64             `gorm:"column:credits_added;not null"`
	IsNewActivation  bool              `gorm:"column:is_new_activation;not null"`
	IPAddress        string            `gorm:"column:ip_address;size:64"`
	Metadata         datatypes.JSONMap `gorm:"column:metadata"`
	CreatedAtSeconds int64             `gorm:"column:created_at;not null"`
}

// TableName exposes the table backing redemption audit records.
func (Redemption) TableName() string {
	return "activation_redemptions"
}

// Models lists every table owned by the activation subsystem.
func Models() []interface{} {
	return []interface{}{&Code{}, &DeviceActivation{}, &Redemption{}}
}
