package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/auth"
	"gorm.io/gorm"
)

var (
	// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	// ErrFamilyMismatch indicates the claims name a family the identity does not belong to.
	ErrFamilyMismatch = errors.New("users: family mismatch")
	// ErrInvalidSession indicates a session record is missing required fields.
	ErrInvalidSession = errors.New("users: invalid session")
)

// ServiceConfig describes the dependencies required for member resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service manages canonical member identifiers and issued device sessions.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:    cfg.Database,
		now:   clock,
		cache: sync.Map{},
	}, nil
}

// ResolveMember returns the canonical member for the provided session claims.
// It creates a new identity mapping when the provider+subject pair has not been seen before.
func (s *Service) ResolveMember(claims auth.SessionClaims) (Member, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return Member{}, ErrInvalidIdentity
	}
	familyID := normalize(claims.FamilyID)
	if familyID == "" {
		return Member{}, ErrInvalidIdentity
	}

	cacheKey := provider + ":" + subject
	if cached, ok := s.cache.Load(cacheKey); ok {
		if member, ok := cached.(Member); ok {
			if member.FamilyID != familyID {
				return Member{}, ErrFamilyMismatch
			}
			return member, nil
		}
	}

	var identity Identity
	err := s.db.
		Where("provider = ? AND subject = ?", provider, subject).
		First(&identity).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		identity = Identity{
			Provider:    provider,
			Subject:     subject,
			UserID:      subject,
			FamilyID:    familyID,
			DisplayName: normalize(claims.UserDisplayName),
			LastSeenAt:  s.now(),
		}
		if err := s.db.Create(&identity).Error; err != nil {
			return Member{}, err
		}
	} else if err != nil {
		return Member{}, err
	} else {
		if identity.FamilyID != familyID {
			return Member{}, ErrFamilyMismatch
		}
		updates := map[string]interface{}{"last_seen_at": s.now()}
		if display := normalize(claims.UserDisplayName); display != "" && display != identity.DisplayName {
			updates["user_display_name"] = display
		}
		_ = s.db.Model(&Identity{}).
			Where("provider = ? AND subject = ?", provider, subject).
			Updates(updates).
			Error
	}

	member := Member{UserID: identity.UserID, FamilyID: identity.FamilyID}
	s.cache.Store(cacheKey, member)
	return member, nil
}

// RecordSession persists an issued session.
func (s *Service) RecordSession(ctx context.Context, session Session) error {
	session.ID = normalize(session.ID)
	session.UserID = normalize(session.UserID)
	session.FamilyID = normalize(session.FamilyID)
	if session.ID == "" || session.UserID == "" || session.FamilyID == "" || session.ExpiresAtSeconds <= 0 {
		return ErrInvalidSession
	}
	if session.IssuedAtSeconds == 0 {
		session.IssuedAtSeconds = s.now().UTC().Unix()
	}
	return s.db.WithContext(ctx).Create(&session).Error
}

// SessionActive reports whether the session exists, has not been revoked and has not expired.
func (s *Service) SessionActive(ctx context.Context, sessionID string) (bool, error) {
	sessionID = normalize(sessionID)
	if sessionID == "" {
		return false, nil
	}
	var count int64
	err := s.db.WithContext(ctx).
		Model(&Session{}).
		Where("id = ? AND revoked_at_s = 0 AND expires_at_s > ?", sessionID, s.now().UTC().Unix()).
		Count(&count).
		Error
	if err != nil {
		return false, err
	}
	return count == 1, nil
}

// RevokeSession marks a session revoked. Revoking an unknown or revoked session is a no-op.
func (s *Service) RevokeSession(ctx context.Context, sessionID string) error {
	return s.db.WithContext(ctx).
		Model(&Session{}).
		Where("id = ? AND revoked_at_s = 0", normalize(sessionID)).
		Update("revoked_at_s", s.now().UTC().Unix()).
		Error
}

// PurgeExpiredSessions deletes expired and revoked sessions and returns the number removed.
func (s *Service) PurgeExpiredSessions(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("expires_at_s <= ? OR revoked_at_s > 0", s.now().UTC().Unix()).
		Delete(&Session{})
	return result.RowsAffected, result.Error
}

func deriveProviderSubject(claims auth.SessionClaims) (string, string) {
	provider := "default"
	subject := normalize(claims.Subject)

	raw := normalize(claims.UserID)
	if raw != "" {
		if strings.Contains(raw, ":") {
			segments := strings.SplitN(raw, ":", 2)
			if normalize(segments[0]) != "" && normalize(segments[1]) != "" {
				provider = normalize(segments[0])
				subject = normalize(segments[1])
			}
		} else if subject == "" {
			subject = raw
		}
	}

	return provider, subject
}
