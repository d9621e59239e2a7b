package tracking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrInvalidSettings indicates that a settings change request failed validation.
	ErrInvalidSettings = errors.New("tracking: invalid settings")

	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

const (
	defaultUpdateIntervalSeconds = 30
	defaultMaxBatchSize          = 500
)

// ServiceError carries a stable operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew      = "tracking.service.new"
	opIngest          = "tracking.ingest"
	opSettings        = "tracking.settings"
	opUpdateSettings  = "tracking.update_settings"
	opCurrentLocation = "tracking.current_locations"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig describes the dependencies of the ingestion service.
type ServiceConfig struct {
	Database                     *gorm.DB
	Clock                        func() time.Time
	Logger                       *zap.Logger
	DefaultUpdateIntervalSeconds int
	MaxBatchSize                 int
}

// Service ingests location batches and serves family tracking state.
type Service struct {
	db              *gorm.DB
	clock           func() time.Time
	logger          *zap.Logger
	defaultInterval int
	maxBatchSize    int
}

// IngestResult summarises the outcome of one ingested batch.
type IngestResult struct {
	Accepted       []LocationHistory
	Duplicates     int
	CurrentUpdated bool
	Settings       Settings
}

// NewService constructs the ingestion service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	interval := cfg.DefaultUpdateIntervalSeconds
	if interval < MinUpdateIntervalSeconds {
		interval = defaultUpdateIntervalSeconds
	}
	maxBatchSize := cfg.MaxBatchSize
	if maxBatchSize <= 0 {
		maxBatchSize = defaultMaxBatchSize
	}
	return &Service{
		db:              cfg.Database,
		clock:           clock,
		logger:          logger,
		defaultInterval: interval,
		maxBatchSize:    maxBatchSize,
	}, nil
}

// Ingest validates and persists a batch for one family member. History rows are
// deduplicated on (user_id, client_event_id); only newly inserted samples may move
// the member's current location, and only forward in capture time.
func (s *Service) Ingest(ctx context.Context, familyID FamilyID, userID UserID, batch Batch) (IngestResult, error) {
	if err := ValidateBatch(batch, s.maxBatchSize); err != nil {
		return IngestResult{}, newServiceError(opIngest, "invalid_batch", err)
	}

	receivedAt := s.clock().UTC()
	if err := ValidateCaptureTimes(batch, receivedAt); err != nil {
		return IngestResult{}, newServiceError(opIngest, "invalid_batch", err)
	}
	result := IngestResult{Accepted: make([]LocationHistory, 0, len(batch.Locations))}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, sample := range batch.Locations {
			row := historyFromSample(familyID, userID, sample, receivedAt)
			insert := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
			if insert.Error != nil {
				s.logError(opIngest, "history_insert_failed", insert.Error,
					zap.String("family_id", familyID.String()),
					zap.String("user_id", userID.String()),
					zap.String("client_event_id", row.ClientEventID))
				return newServiceError(opIngest, "history_insert_failed", insert.Error)
			}
			if insert.RowsAffected == 0 {
				result.Duplicates++
				continue
			}
			result.Accepted = append(result.Accepted, row)
		}

		latest, ok := latestByCapture(result.Accepted)
		if !ok {
			return nil
		}
		updated, err := upsertCurrentLocation(tx, currentFromHistory(latest))
		if err != nil {
			s.logError(opIngest, "current_location_upsert_failed", err,
				zap.String("family_id", familyID.String()),
				zap.String("user_id", userID.String()))
			return newServiceError(opIngest, "current_location_upsert_failed", err)
		}
		result.CurrentUpdated = updated
		return nil
	})
	if txErr != nil {
		return IngestResult{}, txErr
	}

	settings, err := s.Settings(ctx, familyID)
	if err != nil {
		return IngestResult{}, err
	}
	result.Settings = settings
	return result, nil
}

// upsertCurrentLocation writes the row in a single statement, replacing the stored
// location only when the incoming capture time is strictly newer.
func upsertCurrentLocation(tx *gorm.DB, location CurrentLocation) (bool, error) {
	upsert := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "family_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"client_event_id", "lat", "lng", "accuracy_m", "speed_mps", "bearing_deg",
			"is_moving", "battery_level", "recorded_at_ms", "updated_at_ms",
		}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "excluded.recorded_at_ms > tracking_current_locations.recorded_at_ms"},
		}},
	}).Create(&location)
	if upsert.Error != nil {
		return false, upsert.Error
	}
	return upsert.RowsAffected > 0, nil
}

func latestByCapture(rows []LocationHistory) (LocationHistory, bool) {
	if len(rows) == 0 {
		return LocationHistory{}, false
	}
	latest := rows[0]
	for _, row := range rows[1:] {
		if row.RecordedAtMs > latest.RecordedAtMs {
			latest = row
		}
	}
	return latest, true
}

// Settings returns the family's tracking settings, falling back to defaults.
func (s *Service) Settings(ctx context.Context, familyID FamilyID) (Settings, error) {
	var stored FamilySettings
	err := s.db.WithContext(ctx).Where("family_id = ?", familyID.String()).Take(&stored).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.defaultSettings(), nil
	}
	if err != nil {
		s.logError(opSettings, "query_failed", err, zap.String("family_id", familyID.String()))
		return Settings{}, newServiceError(opSettings, "query_failed", err)
	}
	return Settings{UpdateInterval: stored.UpdateIntervalSeconds, TrackingEnabled: stored.TrackingEnabled}, nil
}

// UpdateSettings applies a partial settings change for the family.
func (s *Service) UpdateSettings(ctx context.Context, familyID FamilyID, update SettingsUpdate) (Settings, error) {
	if err := ValidateSettingsUpdate(update); err != nil {
		return Settings{}, newServiceError(opUpdateSettings, "invalid_settings", err)
	}

	var applied Settings
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current := s.defaultSettings()
		var stored FamilySettings
		err := tx.Where("family_id = ?", familyID.String()).Take(&stored).Error
		switch {
		case err == nil:
			current = Settings{UpdateInterval: stored.UpdateIntervalSeconds, TrackingEnabled: stored.TrackingEnabled}
		case !errors.Is(err, gorm.ErrRecordNotFound):
			s.logError(opUpdateSettings, "query_failed", err, zap.String("family_id", familyID.String()))
			return newServiceError(opUpdateSettings, "query_failed", err)
		}

		if update.UpdateInterval != nil {
			current.UpdateInterval = *update.UpdateInterval
		}
		if update.TrackingEnabled != nil {
			current.TrackingEnabled = *update.TrackingEnabled
		}

		row := FamilySettings{
			FamilyID:              familyID.String(),
			UpdateIntervalSeconds: current.UpdateInterval,
			TrackingEnabled:       current.TrackingEnabled,
			UpdatedAtMs:           s.clock().UTC().UnixMilli(),
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "family_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"update_interval_s", "tracking_enabled", "updated_at_ms"}),
		}).Create(&row).Error; err != nil {
			s.logError(opUpdateSettings, "save_failed", err, zap.String("family_id", familyID.String()))
			return newServiceError(opUpdateSettings, "save_failed", err)
		}
		applied = current
		return nil
	})
	if txErr != nil {
		return Settings{}, txErr
	}
	return applied, nil
}

// ListCurrentLocations returns the last known position of every member of the family.
func (s *Service) ListCurrentLocations(ctx context.Context, familyID FamilyID) ([]CurrentLocation, error) {
	var locations []CurrentLocation
	if err := s.db.WithContext(ctx).
		Where("family_id = ?", familyID.String()).
		Order("user_id ASC").
		Find(&locations).Error; err != nil {
		s.logError(opCurrentLocation, "query_failed", err, zap.String("family_id", familyID.String()))
		return nil, newServiceError(opCurrentLocation, "query_failed", err)
	}
	return locations, nil
}

func (s *Service) defaultSettings() Settings {
	return Settings{UpdateInterval: s.defaultInterval, TrackingEnabled: true}
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("tracking service error", attrs...)
}
