package invite

import "strings"

// CodePrefix starts every invite code.
const CodePrefix = "INV-"

// NormalizeCode canonicalizes user-typed input for lookup.
func NormalizeCode(rawInput string) string {
	return strings.ToUpper(strings.TrimSpace(rawInput))
}

// Code is a referral code issued to a device.
type Code struct {
	Code             string `gorm:"column:code;primaryKey;size:32;not null"`
	CreatorDeviceID  string `gorm:"column:creator_device_id;size:190;not null;index"`
	CreatorIP        string `gorm:"column:creator_ip;size:64"`
	UsedCount        int64  `gorm:"column:used_count;not null;default:0"`
	CreatedAtSeconds int64  `gorm:"column:created_at;not null"`
}

// TableName exposes the table backing invite codes.
func (Code) TableName() string {
	return "invite_codes"
}

// Usage records one device redeeming one invite code.
type Usage struct {
	ID            int64  `gorm:"column:id;primaryKey;autoIncrement"`
	DeviceID      string `gorm:"column:device_id;size:190;not null;uniqueIndex:idx_invite_usage_code_device,priority:2"`
	InviteCode    string `gorm:"column:invite_code;size:32;not null;uniqueIndex:idx_invite_usage_code_device,priority:1"`
	Fingerprint   string `gorm:"column:fingerprint;size:64;not null;index"`
	IPAddress     string `gorm:"column:ip_address;size:64"`
	UsedAtSeconds int64  `gorm:"column:used_at;not null"`
}

// TableName exposes the table backing invite redemptions.
func (Usage) TableName() string {
	return "device_invite_usage"
}

// Models lists every table owned by the invite subsystem.
func Models() []interface{} {
	return []interface{}{&Code{}, &Usage{}}
}
