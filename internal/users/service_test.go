package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/auth"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T, clock func() time.Time) (*Service, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Identity{}, &Session{}); err != nil {
		t.Fatalf("failed to migrate identity schema: %v", err)
	}
	service, err := NewService(ServiceConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service, db
}

func TestResolveMemberStripsProviderPrefix(t *testing.T) {
	service, db := newTestService(t, func() time.Time { return time.Unix(1, 0) })

	claims := auth.SessionClaims{
		UserID:          "device:12345",
		FamilyID:        "family-1",
		UserDisplayName: "Example User",
	}
	member, err := service.ResolveMember(claims)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if member.UserID != "12345" || member.FamilyID != "family-1" {
		t.Fatalf("unexpected member %+v", member)
	}

	// second call should hit cache and not create a duplicate record.
	member, err = service.ResolveMember(claims)
	if err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}
	if member.UserID != "12345" {
		t.Fatalf("expected canonical user id to remain stable, got %q", member.UserID)
	}

	var count int64
	if err := db.Model(&Identity{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected a single identity row, got %d", count)
	}
}

func TestResolveMemberRejectsFamilyMismatch(t *testing.T) {
	service, _ := newTestService(t, nil)

	if _, err := service.ResolveMember(auth.SessionClaims{UserID: "u-1", FamilyID: "family-1"}); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	_, err := service.ResolveMember(auth.SessionClaims{UserID: "u-1", FamilyID: "family-2"})
	if !errors.Is(err, ErrFamilyMismatch) {
		t.Fatalf("expected family mismatch, got %v", err)
	}
	if _, err := service.ResolveMember(auth.SessionClaims{UserID: "u-2"}); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected invalid identity for missing family, got %v", err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	service, _ := newTestService(t, func() time.Time { return now })
	ctx := context.Background()

	sessions := []Session{
		{ID: "active", UserID: "u-1", FamilyID: "f-1", ExpiresAtSeconds: now.Add(time.Hour).Unix()},
		{ID: "expired", UserID: "u-1", FamilyID: "f-1", ExpiresAtSeconds: now.Add(-time.Hour).Unix()},
		{ID: "revoked", UserID: "u-1", FamilyID: "f-1", ExpiresAtSeconds: now.Add(time.Hour).Unix()},
	}
	for _, session := range sessions {
		if err := service.RecordSession(ctx, session); err != nil {
			t.Fatalf("record %s failed: %v", session.ID, err)
		}
	}
	if err := service.RevokeSession(ctx, "revoked"); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}

	testCases := []struct {
		id     string
		active bool
	}{
		{id: "active", active: true},
		{id: "expired", active: false},
		{id: "revoked", active: false},
		{id: "unknown", active: false},
	}
	for _, testCase := range testCases {
		t.Run(testCase.id, func(t *testing.T) {
			active, err := service.SessionActive(ctx, testCase.id)
			if err != nil {
				t.Fatalf("session lookup failed: %v", err)
			}
			if active != testCase.active {
				t.Fatalf("expected active=%v, got %v", testCase.active, active)
			}
		})
	}

	purged, err := service.PurgeExpiredSessions(ctx)
	if err != nil {
		t.Fatalf("purge failed: %v", err)
	}
	if purged != 2 {
		t.Fatalf("expected 2 purged sessions, got %d", purged)
	}
	if active, _ := service.SessionActive(ctx, "active"); !active {
		t.Fatalf("expected active session to survive purge")
	}
}

func TestRecordSessionRejectsIncompleteRecords(t *testing.T) {
	service, _ := newTestService(t, nil)
	err := service.RecordSession(context.Background(), Session{ID: "s", UserID: "u"})
	if !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected invalid session error, got %v", err)
	}
}
