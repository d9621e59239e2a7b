package uploader

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/tracking"
)

func testBatch() tracking.Batch {
	return tracking.Batch{Locations: []tracking.Sample{{
		ClientEventID: "event-1",
		Lat:           -33.9,
		Lng:           18.4,
		Timestamp:     time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC),
	}}}
}

func TestClientUploadSendsBearerTokenAndDecodesSettings(t *testing.T) {
	var authorization string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authorization = r.Header.Get("Authorization")
		if r.URL.Path != locationsPath || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"accepted":1,"duplicates":0,"settings":{"update_interval":90,"tracking_enabled":true}}`))
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{BaseURL: server.URL, Token: func() string { return "device-token" }})
	if err != nil {
		t.Fatalf("failed to construct client: %v", err)
	}
	response, err := client.Upload(context.Background(), testBatch())
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	if authorization != "Bearer device-token" {
		t.Fatalf("unexpected authorization header %q", authorization)
	}
	if response == nil || response.Accepted != 1 || response.Settings == nil || *response.Settings.UpdateInterval != 90 {
		t.Fatalf("unexpected response %+v", response)
	}
}

func TestClientUploadToleratesMalformedAcknowledgement(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>ok</html>`))
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("failed to construct client: %v", err)
	}
	response, err := client.Upload(context.Background(), testBatch())
	if err != nil {
		t.Fatalf("expected malformed 2xx body to succeed, got %v", err)
	}
	if response != nil {
		t.Fatalf("expected nil response for malformed body, got %+v", response)
	}
}

func TestClientClassifiesAuthRejection(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))
		client, err := NewClient(ClientConfig{BaseURL: server.URL})
		if err != nil {
			t.Fatalf("failed to construct client: %v", err)
		}
		_, err = client.Upload(context.Background(), testBatch())
		server.Close()
		if !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("expected ErrUnauthorized for %d, got %v", status, err)
		}
	}
}

func TestClientOpensCircuitAfterConsecutiveServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("failed to construct client: %v", err)
	}
	for attempt := 0; attempt < breakerTripAfter; attempt++ {
		_, err := client.Upload(context.Background(), testBatch())
		var statusErr *StatusError
		if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusServiceUnavailable {
			t.Fatalf("attempt %d: expected status error, got %v", attempt, err)
		}
	}

	_, err = client.Upload(context.Background(), testBatch())
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected open circuit, got %v", err)
	}
	if calls.Load() != breakerTripAfter {
		t.Fatalf("expected %d calls to reach the server, got %d", breakerTripAfter, calls.Load())
	}
}

func TestClientAuthRejectionDoesNotTripCircuit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("failed to construct client: %v", err)
	}
	for attempt := 0; attempt < breakerTripAfter+2; attempt++ {
		if _, err := client.Upload(context.Background(), testBatch()); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("attempt %d: expected ErrUnauthorized, got %v", attempt, err)
		}
	}
}

func TestClientFetchSettings(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != settingsPath || r.Method != http.MethodGet {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"settings":{"update_interval":60,"tracking_enabled":false}}`))
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("failed to construct client: %v", err)
	}
	settings, err := client.FetchSettings(context.Background())
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if settings.UpdateInterval == nil || *settings.UpdateInterval != 60 || settings.TrackingEnabled == nil || *settings.TrackingEnabled {
		t.Fatalf("unexpected settings %+v", settings)
	}
}
