package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/auth"
	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestAuthorizeRequestLogsExpiredTokenAtInfoLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/api/tracking/family", http.NoBody)
	request.Header.Set("Authorization", "Bearer expired-token")
	ctx.Request = request

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		sessions: stubSessionValidator{err: jwt.ErrTokenExpired},
		members:  &stubMembers{active: true},
		logger:   zap.New(core),
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Level != zapcore.InfoLevel {
		t.Fatalf("expected info level for expired token, got %s", entry.Level)
	}
	if entry.Message != "token validation failed" {
		t.Fatalf("unexpected log message: %q", entry.Message)
	}
	hasExpired := false
	for _, field := range entry.Context {
		if field.Type == zapcore.ErrorType && errors.Is(field.Interface.(error), jwt.ErrTokenExpired) {
			hasExpired = true
			break
		}
	}
	if !hasExpired {
		t.Fatalf("expected expired token error context, got %v", entry.Context)
	}
}

func TestAuthorizeRequestLogsUnexpectedTokenErrorAtWarnLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/api/tracking/family", http.NoBody)
	request.Header.Set("Authorization", "Bearer invalid-token")
	ctx.Request = request

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		sessions: stubSessionValidator{err: errors.New("signature mismatch")},
		members:  &stubMembers{active: true},
		logger:   zap.New(core),
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	if entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected warn level for unexpected error, got %s", entries[0].Level)
	}
}

func TestAuthorizeRequestOutcomes(t *testing.T) {
	deviceClaims := auth.SessionClaims{
		UserID:           "user-1",
		FamilyID:         "family-1",
		RegisteredClaims: jwt.RegisteredClaims{ID: "session-1"},
	}

	testCases := []struct {
		name         string
		members      *stubMembers
		expectStatus int
		expectNext   bool
	}{
		{
			name:         "active-session",
			members:      &stubMembers{active: true, member: users.Member{UserID: "user-1", FamilyID: "family-1"}},
			expectStatus: http.StatusOK,
			expectNext:   true,
		},
		{
			name:         "revoked-session",
			members:      &stubMembers{active: false},
			expectStatus: http.StatusUnauthorized,
		},
		{
			name:         "session-lookup-error",
			members:      &stubMembers{activeErr: errors.New("database offline")},
			expectStatus: http.StatusInternalServerError,
		},
		{
			name:         "family-mismatch",
			members:      &stubMembers{active: true, resolveErr: users.ErrFamilyMismatch},
			expectStatus: http.StatusForbidden,
		},
		{
			name:         "invalid-identity",
			members:      &stubMembers{active: true, resolveErr: users.ErrInvalidIdentity},
			expectStatus: http.StatusUnauthorized,
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			gin.SetMode(gin.TestMode)
			handler := &httpHandler{
				sessions: stubSessionValidator{claims: deviceClaims},
				members:  testCase.members,
				logger:   zap.NewNop(),
			}
			router := gin.New()
			nextCalled := false
			router.GET("/guarded", handler.authorizeRequest, func(c *gin.Context) {
				nextCalled = true
				if _, _, ok := memberFromContext(c); !ok {
					t.Errorf("expected member in context")
				}
				c.Status(http.StatusOK)
			})

			recorder := httptest.NewRecorder()
			request := httptest.NewRequest(http.MethodGet, "/guarded", http.NoBody)
			request.Header.Set("Authorization", "Bearer token")
			router.ServeHTTP(recorder, request)

			if recorder.Code != testCase.expectStatus {
				t.Fatalf("expected status %d, got %d", testCase.expectStatus, recorder.Code)
			}
			if nextCalled != testCase.expectNext {
				t.Fatalf("expected next=%v, got %v", testCase.expectNext, nextCalled)
			}
			if testCase.members.checkedSession != "session-1" {
				t.Fatalf("expected session lookup for session-1, got %q", testCase.members.checkedSession)
			}
		})
	}
}

func TestAuthorizeRequestAcceptsQueryToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	validator := &recordingSessionValidator{claims: auth.SessionClaims{UserID: "user-1", FamilyID: "family-1"}}
	handler := &httpHandler{
		sessions: validator,
		members:  &stubMembers{active: true, member: users.Member{UserID: "user-1", FamilyID: "family-1"}},
		logger:   zap.NewNop(),
	}
	router := gin.New()
	router.GET("/guarded", handler.authorizeRequest, func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/guarded?access_token=viewer-token", http.NoBody))

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", recorder.Code)
	}
	if validator.authorization != "Bearer viewer-token" {
		t.Fatalf("expected query token promoted to authorization header, got %q", validator.authorization)
	}
}

func TestRequireRoleRejectsMembersWithoutRole(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := &httpHandler{logger: zap.NewNop()}

	testCases := []struct {
		name         string
		roles        []string
		expectStatus int
	}{
		{name: "parent", roles: []string{"parent"}, expectStatus: http.StatusOK},
		{name: "admin", roles: []string{"member", "admin"}, expectStatus: http.StatusOK},
		{name: "child", roles: []string{"child"}, expectStatus: http.StatusForbidden},
		{name: "none", roles: nil, expectStatus: http.StatusForbidden},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			router := gin.New()
			router.PUT("/settings", func(c *gin.Context) {
				c.Set(claimsContextKey, auth.SessionClaims{UserRoles: testCase.roles})
				c.Next()
			}, handler.requireRole(roleAdmin, roleParent), func(c *gin.Context) {
				c.Status(http.StatusOK)
			})

			recorder := httptest.NewRecorder()
			router.ServeHTTP(recorder, httptest.NewRequest(http.MethodPut, "/settings", http.NoBody))
			if recorder.Code != testCase.expectStatus {
				t.Fatalf("expected status %d, got %d", testCase.expectStatus, recorder.Code)
			}
		})
	}
}

type stubSessionValidator struct {
	claims auth.SessionClaims
	err    error
}

func (s stubSessionValidator) ValidateRequest(*http.Request) (auth.SessionClaims, error) {
	return s.claims, s.err
}

type recordingSessionValidator struct {
	claims        auth.SessionClaims
	authorization string
}

func (s *recordingSessionValidator) ValidateRequest(r *http.Request) (auth.SessionClaims, error) {
	s.authorization = r.Header.Get("Authorization")
	return s.claims, nil
}

type stubMembers struct {
	member         users.Member
	resolveErr     error
	active         bool
	activeErr      error
	checkedSession string
}

func (s *stubMembers) ResolveMember(auth.SessionClaims) (users.Member, error) {
	return s.member, s.resolveErr
}

func (s *stubMembers) SessionActive(_ context.Context, sessionID string) (bool, error) {
	s.checkedSession = sessionID
	return s.active, s.activeErr
}
