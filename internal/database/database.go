package database

import (
	"fmt"
	"strings"

	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/agent/prefs"
	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/agent/queue"
	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/config"
	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/geofence"
	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/retention"
	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/tracking"
	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// ServerModels lists every table owned by the tracking server.
func ServerModels() []interface{} {
	return []interface{}{
		&users.Identity{},
		&users.Session{},
		&tracking.LocationHistory{},
		&tracking.CurrentLocation{},
		&tracking.FamilySettings{},
		&geofence.Geofence{},
		&geofence.State{},
		&geofence.Event{},
		&retention.Setting{},
		&migrationRecord{},
	}
}

// AgentModels lists every table owned by the device agent.
func AgentModels() []interface{} {
	return []interface{}{
		&queue.Sample{},
		&prefs.Record{},
		&migrationRecord{},
	}
}

// Open connects to the server database with the configured driver and performs schema migrations.
func Open(driver, dsn string, logger *zap.Logger) (*gorm.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("database dsn is required")
	}

	var db *gorm.DB
	var err error
	switch driver {
	case config.DriverSQLite, "":
		db, err = openSQLite(dsn, logger)
	case config.DriverPostgres:
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: newGormLogger(logger)})
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(ServerModels()...); err != nil {
		return nil, err
	}
	if err := applyMigrations(db, logger, serverMigrations()); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("driver", driver))
	}
	return db, nil
}

// OpenAgent opens the device agent's local SQLite store and performs schema migrations.
func OpenAgent(path string, logger *zap.Logger) (*gorm.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("database path is required")
	}
	db, err := openSQLite(path, logger)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(AgentModels()...); err != nil {
		return nil, err
	}
	if err := applyMigrations(db, logger, agentMigrations()); err != nil {
		return nil, err
	}
	if logger != nil {
		logger.Info("agent database initialized", zap.String("path", path))
	}
	return db, nil
}

func openSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: newGormLogger(logger)})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}
