// Package retention deletes location history and geofence events that have aged
// out of each family's retention window.
package retention

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/geofence"
	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/metrics"
	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/tracking"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	DefaultHistoryRetentionDays = 30
	DefaultEventsRetentionDays  = 90
	maxRetentionDays            = 3650
)

var (
	// ErrInvalidPolicy indicates a retention policy outside the accepted range.
	ErrInvalidPolicy = errors.New("retention: invalid policy")

	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// Setting is a family's retention policy.
type Setting struct {
	FamilyID             string `gorm:"column:family_id;primaryKey;size:190"`
	HistoryRetentionDays int    `gorm:"column:history_retention_days;not null"`
	EventsRetentionDays  int    `gorm:"column:events_retention_days;not null"`
	UpdatedAtMs          int64  `gorm:"column:updated_at_ms;not null"`
}

// TableName exposes the table backing retention settings.
func (Setting) TableName() string {
	return "tracking_retention_settings"
}

// Policy is the wire shape of a retention setting.
type Policy struct {
	HistoryRetentionDays int `json:"history_retention_days"`
	EventsRetentionDays  int `json:"events_retention_days"`
}

// Report summarises one pruning pass.
type Report struct {
	Families       int
	HistoryDeleted int64
	EventsDeleted  int64
}

// Config describes the dependencies of the pruner.
type Config struct {
	Database           *gorm.DB
	Clock              func() time.Time
	Logger             *zap.Logger
	DefaultHistoryDays int
	DefaultEventsDays  int
}

// Pruner applies retention windows to history and event tables. It never reads
// or writes current locations.
type Pruner struct {
	db          *gorm.DB
	clock       func() time.Time
	logger      *zap.Logger
	historyDays int
	eventsDays  int
}

// NewPruner constructs a Pruner. Non-positive defaults fall back to 30 and 90 days.
func NewPruner(cfg Config) (*Pruner, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Pruner{
		db:          cfg.Database,
		clock:       clock,
		logger:      logger,
		historyDays: orDefault(cfg.DefaultHistoryDays, DefaultHistoryRetentionDays),
		eventsDays:  orDefault(cfg.DefaultEventsDays, DefaultEventsRetentionDays),
	}, nil
}

// Policy returns the effective policy for a family.
func (p *Pruner) Policy(ctx context.Context, familyID string) (Policy, error) {
	var setting Setting
	err := p.db.WithContext(ctx).Where("family_id = ?", familyID).Take(&setting).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Policy{HistoryRetentionDays: p.historyDays, EventsRetentionDays: p.eventsDays}, nil
	}
	if err != nil {
		return Policy{}, err
	}
	return Policy{
		HistoryRetentionDays: orDefault(setting.HistoryRetentionDays, p.historyDays),
		EventsRetentionDays:  orDefault(setting.EventsRetentionDays, p.eventsDays),
	}, nil
}

// SetPolicy stores a family's retention policy.
func (p *Pruner) SetPolicy(ctx context.Context, familyID string, policy Policy) error {
	if strings.TrimSpace(familyID) == "" {
		return fmt.Errorf("%w: family id required", ErrInvalidPolicy)
	}
	if policy.HistoryRetentionDays < 1 || policy.HistoryRetentionDays > maxRetentionDays ||
		policy.EventsRetentionDays < 1 || policy.EventsRetentionDays > maxRetentionDays {
		return fmt.Errorf("%w: retention days must be between 1 and %d", ErrInvalidPolicy, maxRetentionDays)
	}
	setting := Setting{
		FamilyID:             familyID,
		HistoryRetentionDays: policy.HistoryRetentionDays,
		EventsRetentionDays:  policy.EventsRetentionDays,
		UpdatedAtMs:          p.clock().UTC().UnixMilli(),
	}
	return p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "family_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"history_retention_days", "events_retention_days", "updated_at_ms"}),
	}).Create(&setting).Error
}

// Run prunes every family with an explicit setting by its own windows and all
// remaining families by the defaults.
func (p *Pruner) Run(ctx context.Context) (Report, error) {
	var settings []Setting
	if err := p.db.WithContext(ctx).Find(&settings).Error; err != nil {
		p.logError("settings_query_failed", err)
		return Report{}, err
	}

	now := p.clock().UTC()
	var report Report
	var failures []error
	for _, setting := range settings {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		historyDays := orDefault(setting.HistoryRetentionDays, p.historyDays)
		eventsDays := orDefault(setting.EventsRetentionDays, p.eventsDays)

		history := p.db.WithContext(ctx).
			Where("family_id = ? AND recorded_at_ms < ?", setting.FamilyID, cutoff(now, historyDays)).
			Delete(&tracking.LocationHistory{})
		if history.Error != nil {
			p.logError("history_delete_failed", history.Error, zap.String("family_id", setting.FamilyID))
			failures = append(failures, history.Error)
			continue
		}
		events := p.db.WithContext(ctx).
			Where("family_id = ? AND occurred_at_ms < ?", setting.FamilyID, cutoff(now, eventsDays)).
			Delete(&geofence.Event{})
		if events.Error != nil {
			p.logError("events_delete_failed", events.Error, zap.String("family_id", setting.FamilyID))
			failures = append(failures, events.Error)
			continue
		}
		report.Families++
		report.HistoryDeleted += history.RowsAffected
		report.EventsDeleted += events.RowsAffected
	}

	configured := p.db.Model(&Setting{}).Select("family_id")
	history := p.db.WithContext(ctx).
		Where("recorded_at_ms < ? AND family_id NOT IN (?)", cutoff(now, p.historyDays), configured).
		Delete(&tracking.LocationHistory{})
	if history.Error != nil {
		p.logError("default_history_delete_failed", history.Error)
		failures = append(failures, history.Error)
	} else {
		report.HistoryDeleted += history.RowsAffected
	}
	events := p.db.WithContext(ctx).
		Where("occurred_at_ms < ? AND family_id NOT IN (?)", cutoff(now, p.eventsDays), configured).
		Delete(&geofence.Event{})
	if events.Error != nil {
		p.logError("default_events_delete_failed", events.Error)
		failures = append(failures, events.Error)
	} else {
		report.EventsDeleted += events.RowsAffected
	}

	metrics.RecordPruned(tracking.LocationHistory{}.TableName(), report.HistoryDeleted)
	metrics.RecordPruned(geofence.Event{}.TableName(), report.EventsDeleted)
	return report, errors.Join(failures...)
}

func cutoff(now time.Time, days int) int64 {
	return now.Add(-time.Duration(days) * 24 * time.Hour).UnixMilli()
}

func orDefault(value, fallback int) int {
	if value <= 0 {
		return fallback
	}
	return value
}

func (p *Pruner) logError(reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", "retention.run"),
		zap.String("reason", reason),
		zap.Error(err),
	}
	attrs = append(attrs, fields...)
	p.logger.Error("retention pruner error", attrs...)
}
