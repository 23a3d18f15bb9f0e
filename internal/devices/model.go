package devices

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

// ErrInvalidDeviceID indicates that a device identifier is empty or exceeds storage bounds.
var ErrInvalidDeviceID = errors.New("devices: invalid device id")

// ID represents a validated client-generated device identifier.
type ID string

// NewID validates raw input and returns an ID.
func NewID(rawInput string) (ID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDeviceID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDeviceID, maxIdentifierLength)
	}
	return ID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ID) String() string {
	return string(id)
}

// Fingerprint records a request fingerprint observed for a device.
type Fingerprint struct {
	DeviceID           string `gorm:"column:device_id;primaryKey;size:190;not null"`
	Fingerprint        string `gorm:"column:fingerprint;primaryKey;size:64;not null;index"`
	IPAddress          string `gorm:"column:ip_address;size:64"`
	UserAgent          string `gorm:"column:user_agent;size:512"`
	FirstSeenAtSeconds int64  `gorm:"column:first_seen_at;not null"`
	LastSeenAtSeconds  int64  `gorm:"column:last_seen_at;not null"`
	SeenCount          int64  `gorm:"column:seen_count;not null;default:1"`
}

// TableName exposes the table backing observed device fingerprints.
func (Fingerprint) TableName() string {
	return "device_fingerprints"
}
