package database

import (
	"errors"
	"time"

	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/agent/queue"
	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/geofence"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationNormalizeGeofenceKinds = "2025-03-10_normalize_geofence_kinds"
	migrationSweepSentSamples       = "2025-03-10_sweep_sent_samples"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func serverMigrations() []migrationDefinition {
	return []migrationDefinition{
		{name: migrationNormalizeGeofenceKinds, apply: normalizeGeofenceKinds},
	}
}

func agentMigrations() []migrationDefinition {
	return []migrationDefinition{
		{name: migrationSweepSentSamples, apply: sweepSentSamples},
	}
}

func applyMigrations(db *gorm.DB, logger *zap.Logger, migrations []migrationDefinition) error {
	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// normalizeGeofenceKinds lowercases shape names written before kinds were normalized on create.
func normalizeGeofenceKinds(db *gorm.DB) error {
	return db.Model(&geofence.Geofence{}).
		Where("type <> lower(type)").
		Update("type", gorm.Expr("lower(type)")).Error
}

// sweepSentSamples removes acknowledged samples left behind by builds without a sent sweep.
func sweepSentSamples(db *gorm.DB) error {
	return db.Where("sent = ?", true).Delete(&queue.Sample{}).Error
}
