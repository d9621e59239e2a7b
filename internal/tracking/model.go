package tracking

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	maxIdentifierLength = 190
	// MinUpdateIntervalSeconds is the lowest sampling interval a family may configure.
	MinUpdateIntervalSeconds = 30
)

var (
	// ErrInvalidFamilyID indicates that a family identifier is empty or exceeds storage bounds.
	ErrInvalidFamilyID = errors.New("tracking: invalid family id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("tracking: invalid user id")
)

// FamilyID represents a validated family identifier.
type FamilyID string

// NewFamilyID validates raw input and returns a FamilyID.
func NewFamilyID(rawInput string) (FamilyID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidFamilyID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidFamilyID, maxIdentifierLength)
	}
	return FamilyID(trimmed), nil
}

// String returns the underlying string identifier.
func (id FamilyID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// Sample is one location fix as submitted by a device.
type Sample struct {
	ClientEventID string    `json:"client_event_id" validate:"required,max=190"`
	Lat           float64   `json:"lat" validate:"latitude"`
	Lng           float64   `json:"lng" validate:"longitude"`
	Accuracy      *float64  `json:"accuracy,omitempty" validate:"omitempty,gte=0"`
	Altitude      *float64  `json:"altitude,omitempty"`
	Bearing       *float64  `json:"bearing,omitempty" validate:"omitempty,gte=0,lte=360"`
	Speed         *float64  `json:"speed,omitempty" validate:"omitempty,gte=0"`
	SpeedKmh      *float64  `json:"speed_kmh,omitempty" validate:"omitempty,gte=0"`
	IsMoving      bool      `json:"is_moving"`
	BatteryLevel  *int      `json:"battery_level,omitempty" validate:"omitempty,gte=0,lte=100"`
	Timestamp     time.Time `json:"timestamp" validate:"required"`
}

// Batch is the request body accepted by the ingestion endpoint.
type Batch struct {
	Locations []Sample `json:"locations" validate:"required,min=1,dive"`
}

// LocationHistory is an immutable record of an ingested sample.
type LocationHistory struct {
	ID            int64    `gorm:"column:id;primaryKey;autoIncrement"`
	FamilyID      string   `gorm:"column:family_id;size:190;not null;index:idx_history_family_recorded,priority:1"`
	UserID        string   `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_history_user_event,priority:1"`
	ClientEventID string   `gorm:"column:client_event_id;size:190;not null;uniqueIndex:idx_history_user_event,priority:2"`
	Lat           float64  `gorm:"column:lat;not null"`
	Lng           float64  `gorm:"column:lng;not null"`
	Accuracy      *float64 `gorm:"column:accuracy_m"`
	Altitude      *float64 `gorm:"column:altitude_m"`
	Bearing       *float64 `gorm:"column:bearing_deg"`
	Speed         *float64 `gorm:"column:speed_mps"`
	SpeedKmh      *float64 `gorm:"column:speed_kmh"`
	IsMoving      bool     `gorm:"column:is_moving;not null"`
	BatteryLevel  *int     `gorm:"column:battery_level"`
	RecordedAtMs  int64    `gorm:"column:recorded_at_ms;not null;index:idx_history_family_recorded,priority:2"`
	ReceivedAtMs  int64    `gorm:"column:received_at_ms;not null"`
}

// TableName exposes the table backing location history.
func (LocationHistory) TableName() string {
	return "tracking_location_history"
}

// CurrentLocation is the last known position of a family member.
type CurrentLocation struct {
	FamilyID      string   `gorm:"column:family_id;primaryKey;size:190"`
	UserID        string   `gorm:"column:user_id;primaryKey;size:190"`
	ClientEventID string   `gorm:"column:client_event_id;size:190;not null"`
	Lat           float64  `gorm:"column:lat;not null"`
	Lng           float64  `gorm:"column:lng;not null"`
	Accuracy      *float64 `gorm:"column:accuracy_m"`
	Speed         *float64 `gorm:"column:speed_mps"`
	Bearing       *float64 `gorm:"column:bearing_deg"`
	IsMoving      bool     `gorm:"column:is_moving;not null"`
	BatteryLevel  *int     `gorm:"column:battery_level"`
	RecordedAtMs  int64    `gorm:"column:recorded_at_ms;not null"`
	UpdatedAtMs   int64    `gorm:"column:updated_at_ms;not null"`
}

// TableName exposes the table backing current locations.
func (CurrentLocation) TableName() string {
	return "tracking_current_locations"
}

// FamilySettings holds the server-side tracking settings echoed to devices.
type FamilySettings struct {
	FamilyID              string `gorm:"column:family_id;primaryKey;size:190"`
	UpdateIntervalSeconds int    `gorm:"column:update_interval_s;not null"`
	TrackingEnabled       bool   `gorm:"column:tracking_enabled;not null"`
	UpdatedAtMs           int64  `gorm:"column:updated_at_ms;not null"`
}

// TableName exposes the table backing family settings.
func (FamilySettings) TableName() string {
	return "tracking_family_settings"
}

// Settings is the wire shape of family settings.
type Settings struct {
	UpdateInterval  int  `json:"update_interval"`
	TrackingEnabled bool `json:"tracking_enabled"`
}

// SettingsUpdate carries a partial settings change.
type SettingsUpdate struct {
	UpdateInterval  *int  `json:"update_interval" validate:"omitempty,gte=30,lte=86400"`
	TrackingEnabled *bool `json:"tracking_enabled"`
}

func historyFromSample(familyID FamilyID, userID UserID, sample Sample, receivedAt time.Time) LocationHistory {
	return LocationHistory{
		FamilyID:      familyID.String(),
		UserID:        userID.String(),
		ClientEventID: strings.TrimSpace(sample.ClientEventID),
		Lat:           sample.Lat,
		Lng:           sample.Lng,
		Accuracy:      sample.Accuracy,
		Altitude:      sample.Altitude,
		Bearing:       sample.Bearing,
		Speed:         sample.Speed,
		SpeedKmh:      sample.SpeedKmh,
		IsMoving:      sample.IsMoving,
		BatteryLevel:  sample.BatteryLevel,
		RecordedAtMs:  sample.Timestamp.UTC().UnixMilli(),
		ReceivedAtMs:  receivedAt.UTC().UnixMilli(),
	}
}

func currentFromHistory(row LocationHistory) CurrentLocation {
	return CurrentLocation{
		FamilyID:      row.FamilyID,
		UserID:        row.UserID,
		ClientEventID: row.ClientEventID,
		Lat:           row.Lat,
		Lng:           row.Lng,
		Accuracy:      row.Accuracy,
		Speed:         row.Speed,
		Bearing:       row.Bearing,
		IsMoving:      row.IsMoving,
		BatteryLevel:  row.BatteryLevel,
		RecordedAtMs:  row.RecordedAtMs,
		UpdatedAtMs:   row.ReceivedAtMs,
	}
}
