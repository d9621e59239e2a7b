// Package prefs persists the device's tracking preferences.
package prefs

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	recordID = 1
	// DefaultUpdateIntervalSeconds is the sampling interval before any user or server change.
	DefaultUpdateIntervalSeconds = 30
)

var errMissingDatabase = errors.New("prefs: database handle is required")

// Preferences is the process-wide tracking state that survives restarts.
type Preferences struct {
	TrackingEnabled        bool  `json:"tracking_enabled"`
	UserRequestedStop      bool  `json:"user_requested_stop"`
	UpdateIntervalSeconds  int   `json:"update_interval_seconds"`
	HighAccuracy           bool  `json:"high_accuracy"`
	ServerUpdateInterval   *int  `json:"server_update_interval,omitempty"`
	ServerTrackingEnabled  *bool `json:"server_tracking_enabled,omitempty"`
	LastUploadAtMs         int64 `json:"last_upload_at_ms"`
	AuthCredentialsPresent bool  `json:"auth_credentials_present"`
}

// Defaults returns the preferences of a freshly installed device.
func Defaults() Preferences {
	return Preferences{UpdateIntervalSeconds: DefaultUpdateIntervalSeconds}
}

// RestartPermitted reports whether tracking may be resumed without the user.
func (p Preferences) RestartPermitted() bool {
	return p.TrackingEnabled && !p.UserRequestedStop && p.AuthCredentialsPresent
}

// LastUploadAt returns the time of the last acknowledged upload, or the zero time.
func (p Preferences) LastUploadAt() time.Time {
	if p.LastUploadAtMs <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(p.LastUploadAtMs).UTC()
}

// ServerSuspended reports whether the server has disabled tracking for the family.
func (p Preferences) ServerSuspended() bool {
	return p.ServerTrackingEnabled != nil && !*p.ServerTrackingEnabled
}

// Store reads and mutates preferences durably.
type Store interface {
	Load(ctx context.Context) (Preferences, error)
	Update(ctx context.Context, mutate func(*Preferences)) (Preferences, error)
}

// Record is the single row backing preferences.
type Record struct {
	ID                     int   `gorm:"column:id;primaryKey;autoIncrement:false"`
	TrackingEnabled        bool  `gorm:"column:tracking_enabled;not null"`
	UserRequestedStop      bool  `gorm:"column:user_requested_stop;not null"`
	UpdateIntervalSeconds  int   `gorm:"column:update_interval_s;not null"`
	HighAccuracy           bool  `gorm:"column:high_accuracy;not null"`
	ServerUpdateInterval   *int  `gorm:"column:server_update_interval_s"`
	ServerTrackingEnabled  *bool `gorm:"column:server_tracking_enabled"`
	LastUploadAtMs         int64 `gorm:"column:last_upload_at_ms;not null"`
	AuthCredentialsPresent bool  `gorm:"column:auth_credentials_present;not null"`
	UpdatedAtMs            int64 `gorm:"column:updated_at_ms;not null"`
}

// TableName exposes the table backing preferences.
func (Record) TableName() string {
	return "tracking_preferences"
}

func (r Record) preferences() Preferences {
	return Preferences{
		TrackingEnabled:        r.TrackingEnabled,
		UserRequestedStop:      r.UserRequestedStop,
		UpdateIntervalSeconds:  r.UpdateIntervalSeconds,
		HighAccuracy:           r.HighAccuracy,
		ServerUpdateInterval:   r.ServerUpdateInterval,
		ServerTrackingEnabled:  r.ServerTrackingEnabled,
		LastUploadAtMs:         r.LastUploadAtMs,
		AuthCredentialsPresent: r.AuthCredentialsPresent,
	}
}

func recordFrom(p Preferences, updatedAt time.Time) Record {
	return Record{
		ID:                     recordID,
		TrackingEnabled:        p.TrackingEnabled,
		UserRequestedStop:      p.UserRequestedStop,
		UpdateIntervalSeconds:  p.UpdateIntervalSeconds,
		HighAccuracy:           p.HighAccuracy,
		ServerUpdateInterval:   p.ServerUpdateInterval,
		ServerTrackingEnabled:  p.ServerTrackingEnabled,
		LastUploadAtMs:         p.LastUploadAtMs,
		AuthCredentialsPresent: p.AuthCredentialsPresent,
		UpdatedAtMs:            updatedAt.UTC().UnixMilli(),
	}
}

// GormStore keeps preferences in a single-row table.
type GormStore struct {
	db       *gorm.DB
	defaults Preferences
	clock    func() time.Time
}

// NewGormStore constructs a GormStore. defaults are returned until the first Update.
func NewGormStore(db *gorm.DB, defaults Preferences, clock func() time.Time) (*GormStore, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	if defaults.UpdateIntervalSeconds <= 0 {
		defaults.UpdateIntervalSeconds = DefaultUpdateIntervalSeconds
	}
	if clock == nil {
		clock = time.Now
	}
	return &GormStore{db: db, defaults: defaults, clock: clock}, nil
}

// Load returns the stored preferences or the defaults.
func (s *GormStore) Load(ctx context.Context) (Preferences, error) {
	return s.load(s.db.WithContext(ctx))
}

// Update applies mutate inside a transaction and returns the stored result.
func (s *GormStore) Update(ctx context.Context, mutate func(*Preferences)) (Preferences, error) {
	var updated Preferences
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.load(tx)
		if err != nil {
			return err
		}
		mutate(&current)
		record := recordFrom(current, s.clock())
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).Create(&record).Error; err != nil {
			return err
		}
		updated = current
		return nil
	})
	return updated, err
}

func (s *GormStore) load(db *gorm.DB) (Preferences, error) {
	var record Record
	err := db.Where("id = ?", recordID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.defaults, nil
	}
	if err != nil {
		return Preferences{}, err
	}
	return record.preferences(), nil
}
