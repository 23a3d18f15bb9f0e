package devices

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ServiceConfig describes the dependencies required for device identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Identity is the resolved view of a calling device.
type Identity struct {
	DeviceID    ID
	Fingerprint string
	IPAddress   string
}

// Service resolves device identities and records the fingerprints they present.
type Service struct {
	db  *gorm.DB
	now func() time.Time
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("devices: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{db: cfg.Database, now: clock}, nil
}

// Resolve validates the raw device id, computes its fingerprint and records
// the observation in device_fingerprints.
func (s *Service) Resolve(ctx context.Context, rawDeviceID string, metadata RequestMetadata) (Identity, error) {
	deviceID, err := NewID(rawDeviceID)
	if err != nil {
		return Identity{}, err
	}

	identity := Identity{
		DeviceID:    deviceID,
		Fingerprint: ComputeFingerprint(metadata),
		IPAddress:   metadata.IPAddress,
	}

	nowSeconds := s.now().UTC().Unix()
	record := Fingerprint{
		DeviceID:           deviceID.String(),
		Fingerprint:        identity.Fingerprint,
		IPAddress:          metadata.IPAddress,
		UserAgent:          truncate(metadata.UserAgent, 512),
		FirstSeenAtSeconds: nowSeconds,
		LastSeenAtSeconds:  nowSeconds,
		SeenCount:          1,
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "device_id"}, {Name: "fingerprint"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"last_seen_at": nowSeconds,
			"ip_address":   metadata.IPAddress,
			"seen_count":   gorm.Expr("device_fingerprints.seen_count + 1"),
		}),
	}).Create(&record).Error
	if err != nil {
		return Identity{}, fmt.Errorf("devices: record fingerprint: %w", err)
	}

	return identity, nil
}

// truncate caps value at limit bytes without splitting a rune.
func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(value[cut]) {
		cut--
	}
	return value[:cut]
}
