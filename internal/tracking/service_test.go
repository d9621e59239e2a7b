package tracking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

const (
	testFamilyID = FamilyID("family-1")
	testUserID   = UserID("user-1")
)

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&LocationHistory{}, &CurrentLocation{}, &FamilySettings{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func newTestService(t *testing.T, db *gorm.DB, logger *zap.Logger) *Service {
	t.Helper()
	service, err := NewService(ServiceConfig{
		Database:     db,
		Clock:        func() time.Time { return time.Unix(1_700_000_000, 0) },
		Logger:       logger,
		MaxBatchSize: 10,
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return service
}

func testSample(id string, lat, lng float64, capturedAt time.Time) Sample {
	battery := 80
	return Sample{
		ClientEventID: id,
		Lat:           lat,
		Lng:           lng,
		IsMoving:      true,
		BatteryLevel:  &battery,
		Timestamp:     capturedAt,
	}
}

func TestIngestDeduplicatesResubmittedSamples(t *testing.T) {
	db := newTestDatabase(t)
	service := newTestService(t, db, nil)
	ctx := context.Background()
	base := time.Unix(1_699_999_000, 0).UTC()

	batch := Batch{Locations: []Sample{
		testSample("evt-1", 10, 20, base),
		testSample("evt-2", 10.5, 20.5, base.Add(time.Minute)),
	}}
	first, err := service.Ingest(ctx, testFamilyID, testUserID, batch)
	if err != nil {
		t.Fatalf("first ingest failed: %v", err)
	}
	if len(first.Accepted) != 2 || first.Duplicates != 0 {
		t.Fatalf("unexpected first result: accepted=%d duplicates=%d", len(first.Accepted), first.Duplicates)
	}
	if !first.CurrentUpdated {
		t.Fatalf("expected current location to be written")
	}

	second, err := service.Ingest(ctx, testFamilyID, testUserID, batch)
	if err != nil {
		t.Fatalf("second ingest failed: %v", err)
	}
	if len(second.Accepted) != 0 || second.Duplicates != 2 {
		t.Fatalf("unexpected resubmission result: accepted=%d duplicates=%d", len(second.Accepted), second.Duplicates)
	}
	if second.CurrentUpdated {
		t.Fatalf("resubmission must not touch current location")
	}

	var historyCount int64
	if err := db.Model(&LocationHistory{}).Count(&historyCount).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if historyCount != 2 {
		t.Fatalf("expected 2 history rows, got %d", historyCount)
	}

	locations, err := service.ListCurrentLocations(ctx, testFamilyID)
	if err != nil {
		t.Fatalf("list current failed: %v", err)
	}
	if len(locations) != 1 || locations[0].ClientEventID != "evt-2" {
		t.Fatalf("expected current location from evt-2, got %+v", locations)
	}
}

func TestIngestKeepsNewestCurrentLocation(t *testing.T) {
	db := newTestDatabase(t)
	service := newTestService(t, db, nil)
	ctx := context.Background()
	base := time.Unix(1_699_990_000, 0).UTC()

	if _, err := service.Ingest(ctx, testFamilyID, testUserID, Batch{Locations: []Sample{
		testSample("late", 1, 1, base.Add(time.Hour)),
	}}); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	result, err := service.Ingest(ctx, testFamilyID, testUserID, Batch{Locations: []Sample{
		testSample("early", 2, 2, base),
	}})
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	if len(result.Accepted) != 1 {
		t.Fatalf("expected the older sample to be stored in history")
	}
	if result.CurrentUpdated {
		t.Fatalf("older sample must not replace the current location")
	}

	locations, err := service.ListCurrentLocations(ctx, testFamilyID)
	if err != nil {
		t.Fatalf("list current failed: %v", err)
	}
	if len(locations) != 1 || locations[0].ClientEventID != "late" || locations[0].Lat != 1 {
		t.Fatalf("expected newest location to win, got %+v", locations)
	}
}

func TestIngestRejectsInvalidBatchesWithoutPartialWrites(t *testing.T) {
	now := time.Unix(1_699_999_000, 0).UTC()
	badBattery := 140
	oversized := make([]Sample, 11)
	for index := range oversized {
		oversized[index] = testSample(fmt.Sprintf("evt-%d", index), 1, 1, now)
	}

	testCases := []struct {
		name  string
		batch Batch
	}{
		{name: "empty", batch: Batch{}},
		{name: "latitude-out-of-range", batch: Batch{Locations: []Sample{testSample("ok", 1, 1, now), testSample("bad", 91, 1, now)}}},
		{name: "longitude-out-of-range", batch: Batch{Locations: []Sample{testSample("bad", 1, -181, now)}}},
		{name: "blank-id", batch: Batch{Locations: []Sample{testSample("  ", 1, 1, now)}}},
		{name: "missing-timestamp", batch: Batch{Locations: []Sample{testSample("bad", 1, 1, time.Time{})}}},
		{name: "battery-out-of-range", batch: Batch{Locations: []Sample{{ClientEventID: "bad", Lat: 1, Lng: 1, BatteryLevel: &badBattery, Timestamp: now}}}},
		{name: "oversized", batch: Batch{Locations: oversized}},
		{name: "future-timestamp", batch: Batch{Locations: []Sample{testSample("ok", 1, 1, now), testSample("future", 1, 1, time.Unix(1_700_000_000, 0).Add(MaxClockSkew+time.Minute))}}},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			db := newTestDatabase(t)
			service := newTestService(t, db, nil)
			_, err := service.Ingest(context.Background(), testFamilyID, testUserID, testCase.batch)
			if !errors.Is(err, ErrInvalidBatch) {
				t.Fatalf("expected invalid batch error, got %v", err)
			}
			var serviceErr *ServiceError
			if !errors.As(err, &serviceErr) || serviceErr.Code() != "tracking.ingest.invalid_batch" {
				t.Fatalf("expected service error code, got %v", err)
			}
			var historyCount int64
			if err := db.Model(&LocationHistory{}).Count(&historyCount).Error; err != nil {
				t.Fatalf("count failed: %v", err)
			}
			if historyCount != 0 {
				t.Fatalf("expected no history rows, got %d", historyCount)
			}
		})
	}
}

func TestIngestAcceptsTimestampsWithinClockSkew(t *testing.T) {
	db := newTestDatabase(t)
	service := newTestService(t, db, nil)
	receivedAt := time.Unix(1_700_000_000, 0).UTC()

	result, err := service.Ingest(context.Background(), testFamilyID, testUserID, Batch{Locations: []Sample{
		testSample("ahead", 1, 1, receivedAt.Add(MaxClockSkew-time.Second)),
	}})
	if err != nil {
		t.Fatalf("expected a slightly fast device clock to be tolerated, got %v", err)
	}
	if len(result.Accepted) != 1 || !result.CurrentUpdated {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestSettingsDefaultsAndUpdates(t *testing.T) {
	db := newTestDatabase(t)
	service := newTestService(t, db, nil)
	ctx := context.Background()

	settings, err := service.Settings(ctx, testFamilyID)
	if err != nil {
		t.Fatalf("settings failed: %v", err)
	}
	if settings.UpdateInterval != 30 || !settings.TrackingEnabled {
		t.Fatalf("unexpected default settings %+v", settings)
	}

	interval := 120
	disabled := false
	updated, err := service.UpdateSettings(ctx, testFamilyID, SettingsUpdate{UpdateInterval: &interval})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.UpdateInterval != 120 || !updated.TrackingEnabled {
		t.Fatalf("unexpected settings after interval update %+v", updated)
	}
	updated, err = service.UpdateSettings(ctx, testFamilyID, SettingsUpdate{TrackingEnabled: &disabled})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.UpdateInterval != 120 || updated.TrackingEnabled {
		t.Fatalf("unexpected settings after enable update %+v", updated)
	}

	result, err := service.Ingest(ctx, testFamilyID, testUserID, Batch{Locations: []Sample{
		testSample("evt", 1, 1, time.Unix(1_699_999_000, 0)),
	}})
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	if result.Settings != updated {
		t.Fatalf("expected ingest to echo stored settings, got %+v", result.Settings)
	}
}

func TestUpdateSettingsRejectsIntervalBelowFloor(t *testing.T) {
	service := newTestService(t, newTestDatabase(t), nil)
	interval := 5
	_, err := service.UpdateSettings(context.Background(), testFamilyID, SettingsUpdate{UpdateInterval: &interval})
	if !errors.Is(err, ErrInvalidSettings) {
		t.Fatalf("expected invalid settings error, got %v", err)
	}
	if _, err := service.UpdateSettings(context.Background(), testFamilyID, SettingsUpdate{}); !errors.Is(err, ErrInvalidSettings) {
		t.Fatalf("expected invalid settings error for empty update, got %v", err)
	}
}

func TestIngestLogsDatabaseFailures(t *testing.T) {
	db := newTestDatabase(t)
	core, logs := observer.New(zap.ErrorLevel)
	service := newTestService(t, db, zap.New(core))
	if err := db.Migrator().DropTable(&LocationHistory{}); err != nil {
		t.Fatalf("drop table failed: %v", err)
	}

	_, err := service.Ingest(context.Background(), testFamilyID, testUserID, Batch{Locations: []Sample{
		testSample("evt", 1, 1, time.Unix(1_699_999_000, 0)),
	}})
	if err == nil {
		t.Fatalf("expected ingest failure")
	}
	entries := logs.FilterField(zap.String("reason", "history_insert_failed")).All()
	if len(entries) != 1 {
		t.Fatalf("expected one logged failure, got %d", len(entries))
	}
}

func TestNewIdentifiersValidateInput(t *testing.T) {
	if _, err := NewFamilyID(" "); !errors.Is(err, ErrInvalidFamilyID) {
		t.Fatalf("expected invalid family id, got %v", err)
	}
	if _, err := NewUserID(strings.Repeat("x", 191)); !errors.Is(err, ErrInvalidUserID) {
		t.Fatalf("expected invalid user id, got %v", err)
	}
	id, err := NewUserID("  member ")
	if err != nil || id.String() != "member" {
		t.Fatalf("expected trimmed id, got %q (%v)", id, err)
	}
}
