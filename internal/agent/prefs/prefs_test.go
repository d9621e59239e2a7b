package prefs

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
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
	if err := db.AutoMigrate(&Record{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func TestGormStoreReturnsDefaultsUntilUpdated(t *testing.T) {
	db := newTestDatabase(t)
	store, err := NewGormStore(db, Preferences{AuthCredentialsPresent: true}, nil)
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}

	loaded, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.UpdateIntervalSeconds != DefaultUpdateIntervalSeconds || !loaded.AuthCredentialsPresent || loaded.TrackingEnabled {
		t.Fatalf("unexpected defaults %+v", loaded)
	}
}

func TestGormStoreUpdatePersistsAcrossInstances(t *testing.T) {
	db := newTestDatabase(t)
	clock := func() time.Time { return time.Unix(42, 0) }
	store, err := NewGormStore(db, Defaults(), clock)
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	ctx := context.Background()

	serverInterval := 60
	serverEnabled := false
	for attempt := 0; attempt < 2; attempt++ {
		if _, err := store.Update(ctx, func(p *Preferences) {
			p.TrackingEnabled = true
			p.UpdateIntervalSeconds = 45
			p.ServerUpdateInterval = &serverInterval
			p.ServerTrackingEnabled = &serverEnabled
			p.LastUploadAtMs = 1234
		}); err != nil {
			t.Fatalf("update failed: %v", err)
		}
	}

	reopened, err := NewGormStore(db, Defaults(), clock)
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	loaded, err := reopened.Load(ctx)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if !loaded.TrackingEnabled || loaded.UpdateIntervalSeconds != 45 || loaded.LastUploadAtMs != 1234 {
		t.Fatalf("unexpected persisted preferences %+v", loaded)
	}
	if loaded.ServerUpdateInterval == nil || *loaded.ServerUpdateInterval != 60 || !loaded.ServerSuspended() {
		t.Fatalf("expected server push to persist, got %+v", loaded)
	}

	var count int64
	if err := db.Model(&Record{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected a single preferences row, got %d", count)
	}
}

func TestRestartPermitted(t *testing.T) {
	testCases := []struct {
		name     string
		prefs    Preferences
		expected bool
	}{
		{name: "eligible", prefs: Preferences{TrackingEnabled: true, AuthCredentialsPresent: true}, expected: true},
		{name: "disabled", prefs: Preferences{AuthCredentialsPresent: true}},
		{name: "user-stopped", prefs: Preferences{TrackingEnabled: true, UserRequestedStop: true, AuthCredentialsPresent: true}},
		{name: "no-auth", prefs: Preferences{TrackingEnabled: true}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if got := testCase.prefs.RestartPermitted(); got != testCase.expected {
				t.Fatalf("expected %v, got %v", testCase.expected, got)
			}
		})
	}
	if !(Preferences{}).LastUploadAt().IsZero() {
		t.Fatalf("expected zero last upload time")
	}
}
