// Package uploader ships queued samples to the ingestion endpoint.
package uploader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/metrics"
	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/tracking"
	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

const (
	locationsPath      = "/api/tracking/locations"
	settingsPath       = "/api/tracking/settings"
	breakerName        = "upload-api"
	breakerTripAfter   = 5
	breakerOpenTimeout = 2 * time.Minute
	maxResponseBytes   = 1 << 20
)

var (
	// ErrUnauthorized indicates the server rejected the device credentials.
	ErrUnauthorized = errors.New("uploader: credentials rejected")
	// ErrCircuitOpen indicates the client is refusing calls after repeated failures.
	ErrCircuitOpen = errors.New("uploader: circuit open")

	errMissingBaseURL = errors.New("uploader: base url is required")
)

// StatusError reports a non-success HTTP status other than an auth rejection.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("uploader: unexpected status %d", e.StatusCode)
}

// ServerSettings are the advisory settings echoed by the server. Absent fields
// are left nil.
type ServerSettings struct {
	UpdateInterval  *int  `json:"update_interval"`
	TrackingEnabled *bool `json:"tracking_enabled"`
}

// UploadResponse is the decoded acknowledgement of an accepted batch.
type UploadResponse struct {
	OK         bool            `json:"ok"`
	Accepted   int             `json:"accepted"`
	Duplicates int             `json:"duplicates"`
	Settings   *ServerSettings `json:"settings"`
}

// ClientConfig describes the dependencies of the HTTP client.
type ClientConfig struct {
	BaseURL    string
	Token      func() string
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *zap.Logger
}

// Client talks to the tracking server through a circuit breaker.
type Client struct {
	baseURL string
	token   func() string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[[]byte]
	logger  *zap.Logger
}

// NewClient constructs a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	token := cfg.Token
	if token == nil {
		token = func() string { return "" }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	metrics.SetCircuitBreakerState(breakerName, int(gobreaker.StateClosed))
	breaker := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Timeout:     breakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerTripAfter
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !transient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			metrics.SetCircuitBreakerState(name, int(to))
		},
	})

	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    httpClient,
		breaker: breaker,
		logger:  logger,
	}, nil
}

// Upload posts one batch. A 2xx reply is success even when its body cannot be
// decoded; the returned response is then nil.
func (c *Client) Upload(ctx context.Context, batch tracking.Batch) (*UploadResponse, error) {
	payload, err := json.Marshal(batch)
	if err != nil {
		return nil, err
	}
	body, err := c.do(ctx, http.MethodPost, locationsPath, payload)
	if err != nil {
		return nil, err
	}
	var decoded UploadResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		c.logger.Warn("upload acknowledgement not decodable", zap.Error(err))
		return nil, nil
	}
	return &decoded, nil
}

// FetchSettings reads the family settings, which also proves the credentials are valid.
func (c *Client) FetchSettings(ctx context.Context) (ServerSettings, error) {
	body, err := c.do(ctx, http.MethodGet, settingsPath, nil)
	if err != nil {
		return ServerSettings{}, err
	}
	var envelope struct {
		Settings ServerSettings `json:"settings"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return ServerSettings{}, fmt.Errorf("uploader: decode settings: %w", err)
	}
	return envelope.Settings, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	body, err := c.breaker.Execute(func() ([]byte, error) {
		return c.roundTrip(ctx, method, path, payload)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %w", ErrCircuitOpen, err)
	}
	return body, err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	request.Header.Set("Accept", "application/json")
	if token := c.token(); token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}

	response, err := c.http.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	switch {
	case response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: status %d", ErrUnauthorized, response.StatusCode)
	case response.StatusCode < 200 || response.StatusCode > 299:
		return nil, &StatusError{StatusCode: response.StatusCode}
	case err != nil:
		c.logger.Debug("response body read failed", zap.Error(err))
		return nil, nil
	}
	return body, nil
}

// transient reports whether err is worth retrying and counts against the breaker.
func transient(err error) bool {
	if errors.Is(err, ErrUnauthorized) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= http.StatusInternalServerError || statusErr.StatusCode == http.StatusTooManyRequests
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return !errors.Is(err, context.Canceled)
}
