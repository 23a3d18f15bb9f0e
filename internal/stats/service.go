// Package stats aggregates ledger and redemption tables for the admin panel.
package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/entl/backend/internal/activation"
	"github.com/MarcoPoloResearchLab/entl/backend/internal/invite"
	"github.com/MarcoPoloResearchLab/entl/backend/internal/ledger"
	"github.com/MarcoPoloResearchLab/entl/backend/internal/orders"
	"gorm.io/gorm"
)

const (
	topCodesLimit = 10
	recentWindow  = 7 * 24 * time.Hour
)

// CodeUsage is one row of a top-codes table.
type CodeUsage struct {
	Code        string
	UsageCount  int64
	DeviceCount int64
}

// Snapshot is the full statistics payload.
type Snapshot struct {
	TotalUsage         int64
	TotalDevices       int64
	ActivationTotal    int64
	ActivationFree     int64
	ActivationPaid     int64
	InviteTotal        int64
	InviteTotalUsed    int64
	UsageLast7Days     int64
	PendingOrders      int64
	TopActivationCodes []CodeUsage
	TopInviteCodes     []CodeUsage
}

type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service computes statistics. It never writes.
type Service struct {
	db    *gorm.DB
	clock func() time.Time
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("stats: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{db: cfg.Database, clock: clock}, nil
}

type codeTypeCounts struct {
	Total int64
	Free  int64
	Paid  int64
}

type inviteCounts struct {
	Total     int64
	TotalUsed int64
}

// Collect gathers every statistic. Top-N ties are broken by first appearance.
func (s *Service) Collect(ctx context.Context) (Snapshot, error) {
	db := s.db.WithContext(ctx)
	var snapshot Snapshot

	if err := db.Model(&ledger.UsageRecord{}).Count(&snapshot.TotalUsage).Error; err != nil {
		return Snapshot{}, fmt.Errorf("stats: total usage: %w", err)
	}
	if err := db.Model(&ledger.UsageRecord{}).Distinct("device_id").Count(&snapshot.TotalDevices).Error; err != nil {
		return Snapshot{}, fmt.Errorf("stats: total devices: %w", err)
	}

	var codes codeTypeCounts
	if err := db.Model(&activation.Code{}).
		Select("COUNT(*) AS total, " +
			"COALESCE(SUM(CASE WHEN type = 'free' THEN 1 ELSE 0 END), 0) AS free, " +
			"COALESCE(SUM(CASE WHEN type = 'paid' THEN 1 ELSE 0 END), 0) AS paid").
		Scan(&codes).Error; err != nil {
		return Snapshot{}, fmt.Errorf("stats: activation codes: %w", err)
	}
	snapshot.ActivationTotal = codes.Total
	snapshot.ActivationFree = codes.Free
	snapshot.ActivationPaid = codes.Paid

	var invites inviteCounts
	if err := db.Model(&invite.Code{}).
		Select("COUNT(*) AS total, COALESCE(SUM(used_count), 0) AS total_used").
		Scan(&invites).Error; err != nil {
		return Snapshot{}, fmt.Errorf("stats: invite codes: %w", err)
	}
	snapshot.InviteTotal = invites.Total
	snapshot.InviteTotalUsed = invites.TotalUsed

	since := s.clock().UTC().Add(-recentWindow).Unix()
	if err := db.Model(&ledger.UsageRecord{}).Where("used_at >= ?", since).Count(&snapshot.UsageLast7Days).Error; err != nil {
		return Snapshot{}, fmt.Errorf("stats: recent usage: %w", err)
	}
	if err := db.Model(&orders.Order{}).Where("status = ?", orders.StatusPending).Count(&snapshot.PendingOrders).Error; err != nil {
		return Snapshot{}, fmt.Errorf("stats: pending orders: %w", err)
	}

	if err := db.Model(&ledger.UsageRecord{}).
		Select("activation_code AS code, COUNT(*) AS usage_count, COUNT(DISTINCT device_id) AS device_count").
		Where("activation_code <> ''").
		Group("activation_code").
		Order("usage_count DESC").
		Order("MIN(id) ASC").
		Limit(topCodesLimit).
		Scan(&snapshot.TopActivationCodes).Error; err != nil {
		return Snapshot{}, fmt.Errorf("stats: top activation codes: %w", err)
	}
	if err := db.Model(&invite.Usage{}).
		Select("invite_code AS code, COUNT(*) AS usage_count, COUNT(DISTINCT device_id) AS device_count").
		Group("invite_code").
		Order("usage_count DESC").
		Order("MIN(id) ASC").
		Limit(topCodesLimit).
		Scan(&snapshot.TopInviteCodes).Error; err != nil {
		return Snapshot{}, fmt.Errorf("stats: top invite codes: %w", err)
	}

	if snapshot.TopActivationCodes == nil {
		snapshot.TopActivationCodes = []CodeUsage{}
	}
	if snapshot.TopInviteCodes == nil {
		snapshot.TopInviteCodes = []CodeUsage{}
	}
	return snapshot, nil
}
