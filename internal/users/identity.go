package users

import (
	"strings"
	"time"
)

// Identity maps a provider-specific login onto a canonical member of a family.
type Identity struct {
	Provider    string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject     string    `gorm:"column:subject;primaryKey;size:190;not null"`
	UserID      string    `gorm:"column:user_id;size:190;not null;index"`
	FamilyID    string    `gorm:"column:family_id;size:190;not null;index"`
	DisplayName string    `gorm:"column:user_display_name;size:320"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at;autoUpdateTime"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user identities.
func (Identity) TableName() string {
	return "user_identities"
}

// Session records a device session token so it can be revoked or expired server-side.
type Session struct {
	ID               string `gorm:"column:id;primaryKey;size:64"`
	UserID           string `gorm:"column:user_id;size:190;not null;index"`
	FamilyID         string `gorm:"column:family_id;size:190;not null"`
	DeviceLabel      string `gorm:"column:device_label;size:190"`
	IssuedAtSeconds  int64  `gorm:"column:issued_at_s;not null"`
	ExpiresAtSeconds int64  `gorm:"column:expires_at_s;not null;index"`
	RevokedAtSeconds int64  `gorm:"column:revoked_at_s;not null;default:0"`
}

// TableName exposes the table backing issued sessions.
func (Session) TableName() string {
	return "user_sessions"
}

// Member identifies an authenticated user within their family.
type Member struct {
	UserID   string
	FamilyID string
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
