package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func preflight(t *testing.T, allowedOrigins []string, origin string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(corsMiddleware(allowedOrigins))
	router.OPTIONS("/api/tracking/locations", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	request := httptest.NewRequest(http.MethodOptions, "/api/tracking/locations", http.NoBody)
	request.Header.Set("Origin", origin)
	request.Header.Set("Access-Control-Request-Method", http.MethodPost)
	request.Header.Set("Access-Control-Request-Headers", "Authorization")

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	return recorder
}

func TestCORSMiddlewareAllowsAuthorizationHeader(t *testing.T) {
	recorder := preflight(t, nil, "https://family.example.com")

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, recorder.Code)
	}

	allowHeaders := recorder.Header().Get("Access-Control-Allow-Headers")
	if !strings.Contains(strings.ToLower(allowHeaders), "authorization") {
		t.Fatalf("expected Access-Control-Allow-Headers to include Authorization, got %q", allowHeaders)
	}
	if origin := recorder.Header().Get("Access-Control-Allow-Origin"); origin != "*" {
		t.Fatalf("expected any origin to be allowed, got %q", origin)
	}
	if credentials := recorder.Header().Get("Access-Control-Allow-Credentials"); credentials != "" {
		t.Fatalf("expected no credentials without configured origins, got %q", credentials)
	}
}

func TestCORSMiddlewareRestrictsCredentialsToConfiguredOrigins(t *testing.T) {
	allowed := []string{" https://family.example.com/ ", ""}

	testCases := []struct {
		name              string
		origin            string
		expectAllowed     bool
		expectCredentials bool
	}{
		{name: "configured-origin", origin: "https://family.example.com", expectAllowed: true, expectCredentials: true},
		{name: "unknown-origin", origin: "https://attacker.example.net"},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			recorder := preflight(t, allowed, testCase.origin)

			allowOrigin := recorder.Header().Get("Access-Control-Allow-Origin")
			if testCase.expectAllowed && allowOrigin != testCase.origin {
				t.Fatalf("expected origin %q to be echoed, got %q", testCase.origin, allowOrigin)
			}
			if !testCase.expectAllowed && allowOrigin != "" {
				t.Fatalf("expected origin %q to be refused, got %q", testCase.origin, allowOrigin)
			}
			credentials := recorder.Header().Get("Access-Control-Allow-Credentials")
			if testCase.expectCredentials && credentials != "true" {
				t.Fatalf("expected credentials for %q", testCase.origin)
			}
			if !testCase.expectCredentials && credentials != "" {
				t.Fatalf("expected no credentials for %q, got %q", testCase.origin, credentials)
			}
		})
	}
}

func TestCORSMiddlewareWildcardNeverEnablesCredentials(t *testing.T) {
	recorder := preflight(t, []string{"https://family.example.com", "*"}, "https://attacker.example.net")

	if credentials := recorder.Header().Get("Access-Control-Allow-Credentials"); credentials != "" {
		t.Fatalf("expected a wildcard to disable credentials, got %q", credentials)
	}
}
